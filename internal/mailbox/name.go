package mailbox

import "strings"

// ValidateName enforces the §3 name invariants: not empty, and does not
// begin, end, or contain adjacent occurrences of delimiter.
func ValidateName(name string, delimiter rune) error {
	if name == "" {
		return Wrap(KindInvalidName, name, "mailbox name must not be empty", nil)
	}
	d := string(delimiter)
	if strings.HasPrefix(name, d) || strings.HasSuffix(name, d) {
		return Wrap(KindInvalidName, name, "mailbox name must not begin or end with the hierarchy delimiter", nil)
	}
	if strings.Contains(name, d+d) {
		return Wrap(KindInvalidName, name, "mailbox name must not contain adjacent delimiters", nil)
	}
	return nil
}

// IsInbox reports whether name is the reserved INBOX mailbox, compared
// case-insensitively per §3.
func IsInbox(name string) bool {
	return strings.EqualFold(name, "INBOX")
}

// MatchPattern implements the IMAP LIST wildcard semantics: "*" matches
// any sequence of characters including the delimiter, "%" matches any
// sequence of characters except the delimiter.
func MatchPattern(name, pattern string, delimiter rune) bool {
	return matchPattern([]rune(name), []rune(pattern), delimiter)
}

func matchPattern(name, pattern []rune, delimiter rune) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case '*':
			if matchPattern(name, pattern[1:], delimiter) {
				return true
			}
			for len(name) > 0 {
				name = name[1:]
				if matchPattern(name, pattern[1:], delimiter) {
					return true
				}
			}
			return len(pattern) == 1
		case '%':
			if matchPattern(name, pattern[1:], delimiter) {
				return true
			}
			for len(name) > 0 && name[0] != delimiter {
				name = name[1:]
				if matchPattern(name, pattern[1:], delimiter) {
					return true
				}
			}
			return len(pattern) == 1 && len(name) == 0
		default:
			if len(name) == 0 || name[0] != pattern[0] {
				return false
			}
			name = name[1:]
			pattern = pattern[1:]
		}
	}
	return len(name) == 0
}
