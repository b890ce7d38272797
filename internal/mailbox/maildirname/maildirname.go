// Package maildirname implements the Maildir filename grammar (Courier/qmail
// convention), hoisted to a first-class entity that the maildir storage
// backend uses as its one parser/generator (gumdrop mailbox core,
// component C3):
//
//	filename := timestamp "." unique [ ",S=" size ] [ ":2," flags ]
//	flags    := flag-char*
package maildirname

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Flag is one of the five permanent IMAP flags representable in a Maildir
// filename's info suffix. Recent has no on-disk representation: Maildir
// derives it from a message's presence in new/ rather than from a flag
// letter.
type Flag int

const (
	Seen Flag = iota
	Answered
	Flagged
	Deleted
	Draft
)

// letterOf and flagOf implement the standard Maildir flag/letter map,
// alphabetical when emitted: D F R S T.
var letterOf = map[Flag]byte{
	Draft:    'D',
	Flagged:  'F',
	Answered: 'R',
	Seen:     'S',
	Deleted:  'T',
}

var flagOf = map[byte]Flag{
	'D': Draft,
	'F': Flagged,
	'R': Answered,
	'S': Seen,
	'T': Deleted,
}

// Name is a parsed Maildir filename.
type Name struct {
	Timestamp int64 // milliseconds since epoch
	Unique    string
	Size      int64 // -1 if the ",S=" field was absent
	HasSize   bool
	Flags     map[Flag]bool
	Keywords  map[byte]bool // keyword letters a..z present in the info suffix
}

// Base returns the timestamp.unique[,S=size] prefix that is preserved
// across flag-only renames.
func (n Name) Base() string {
	if n.HasSize {
		return fmt.Sprintf("%d.%s,S=%d", n.Timestamp, n.Unique, n.Size)
	}
	return fmt.Sprintf("%d.%s", n.Timestamp, n.Unique)
}

// String renders n back to Maildir filename syntax, with info-suffix
// letters in alphabetical order: permanent flag letters first (D F R S T,
// already alphabetical), then keyword letters a..z.
func (n Name) String() string {
	base := n.Base()
	var letters []byte
	for f, on := range n.Flags {
		if on {
			letters = append(letters, letterOf[f])
		}
	}
	for kw, on := range n.Keywords {
		if on {
			letters = append(letters, kw)
		}
	}
	if len(letters) == 0 {
		if n.Flags == nil && n.Keywords == nil {
			return base
		}
		return base + ":2,"
	}
	sort.Slice(letters, func(i, j int) bool { return letters[i] < letters[j] })
	return base + ":2," + string(letters)
}

// ErrMalformed indicates a filename that does not match the Maildir
// grammar. Callers parsing directory listings should skip the offending
// entry rather than treat the whole mailbox as unusable.
type ErrMalformed struct {
	Filename string
	Reason   string
}

func (e *ErrMalformed) Error() string {
	return fmt.Sprintf("maildirname: malformed filename %q: %s", e.Filename, e.Reason)
}

// Parse decodes filename per the grammar above.
func Parse(filename string) (Name, error) {
	rest := filename
	info := ""
	if idx := strings.Index(rest, ":2,"); idx >= 0 {
		info = rest[idx+3:]
		rest = rest[:idx]
	} else if strings.HasSuffix(rest, ":2") {
		rest = rest[:len(rest)-2]
	}

	size := int64(-1)
	hasSize := false
	if idx := strings.LastIndex(rest, ",S="); idx >= 0 {
		sv, err := strconv.ParseInt(rest[idx+3:], 10, 64)
		if err != nil {
			return Name{}, &ErrMalformed{Filename: filename, Reason: "invalid size field"}
		}
		size = sv
		hasSize = true
		rest = rest[:idx]
	}

	dot := strings.IndexByte(rest, '.')
	if dot < 0 {
		return Name{}, &ErrMalformed{Filename: filename, Reason: "missing timestamp separator"}
	}
	ts, err := strconv.ParseInt(rest[:dot], 10, 64)
	if err != nil {
		return Name{}, &ErrMalformed{Filename: filename, Reason: "invalid timestamp"}
	}
	unique := rest[dot+1:]
	if unique == "" {
		return Name{}, &ErrMalformed{Filename: filename, Reason: "empty unique part"}
	}

	n := Name{Timestamp: ts, Unique: unique, Size: size, HasSize: hasSize}
	if info != "" || strings.Contains(filename, ":2,") {
		n.Flags = map[Flag]bool{}
		n.Keywords = map[byte]bool{}
		for i := 0; i < len(info); i++ {
			c := info[i]
			if f, ok := flagOf[c]; ok {
				n.Flags[f] = true
				continue
			}
			if c >= 'a' && c <= 'z' {
				n.Keywords[c] = true
				continue
			}
			return Name{}, &ErrMalformed{Filename: filename, Reason: fmt.Sprintf("unknown info letter %q", string(c))}
		}
	}
	return n, nil
}

var uniqueCounter uint64

// Generate produces a fresh Name with the current millisecond wall clock
// and a "<pid>.<counter>" unique part, where counter is a process-wide
// atomic increment. Two concurrent calls within the same millisecond are
// guaranteed distinct unique parts.
func Generate() Name {
	ts := time.Now().UnixMilli()
	c := atomic.AddUint64(&uniqueCounter, 1)
	unique := fmt.Sprintf("%d.%d", os.Getpid(), c)
	return Name{Timestamp: ts, Unique: unique, Size: -1}
}

// WithSize returns a copy of n with the size field set.
func (n Name) WithSize(size int64) Name {
	n.Size = size
	n.HasSize = true
	return n
}

// WithFlags returns a copy of n with its permanent-flag and keyword-letter
// info suffix replaced, preserving the base prefix so the file can be
// matched across the rename that applies it.
func (n Name) WithFlags(flags map[Flag]bool, keywords map[byte]bool) Name {
	n.Flags = flags
	n.Keywords = keywords
	return n
}
