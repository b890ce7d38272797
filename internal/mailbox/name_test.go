package mailbox

import "testing"

func TestValidateName(t *testing.T) {
	cases := []struct {
		name string
		ok   bool
	}{
		{"INBOX", true},
		{"Reports/2025", true},
		{"", false},
		{"/Reports", false},
		{"Reports/", false},
		{"Re//ports", false},
	}
	for _, c := range cases {
		err := ValidateName(c.name, '/')
		if (err == nil) != c.ok {
			t.Errorf("ValidateName(%q) error = %v, want ok=%v", c.name, err, c.ok)
		}
	}
}

func TestMatchPattern(t *testing.T) {
	cases := []struct {
		name, pattern string
		want          bool
	}{
		{"INBOX", "INBOX", true},
		{"INBOX.Drafts", "INBOX.*", true},
		{"INBOX.Drafts", "INBOX.%", true},
		{"INBOX.Drafts.2025", "INBOX.%", false},
		{"INBOX.Drafts.2025", "INBOX.*", true},
		{"Reports", "R*s", true},
		{"Reports", "X*", false},
	}
	for _, c := range cases {
		if got := MatchPattern(c.name, c.pattern, '.'); got != c.want {
			t.Errorf("MatchPattern(%q, %q) = %v, want %v", c.name, c.pattern, got, c.want)
		}
	}
}

func TestErrorIsKind(t *testing.T) {
	err := Wrap(KindNotFound, "Archive", "no such mailbox", nil)
	if !errorIsKind(err, KindNotFound) {
		t.Errorf("expected error to match KindNotFound")
	}
	if errorIsKind(err, KindExists) {
		t.Errorf("expected error not to match KindExists")
	}
}

func errorIsKind(err error, k Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Is(k)
}
