// Package msgset parses and evaluates the IMAP message-set grammar shared
// by sequence-number and UID operands (gumdrop mailbox core, component
// C2):
//
//	set   := range ("," range)*
//	range := value [ ":" value ]
//	value := positive-integer | "*"
//
// Resolution of "*" is deferred to Contains, which is handed the caller's
// current notion of "highest assigned" value — the sequence count or the
// mailbox's current UID, depending on whether the set is being evaluated
// against sequence numbers or UIDs.
package msgset

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	imap "github.com/emersion/go-imap"
)

// ErrInvalidSet is returned by Parse for any syntactically invalid set.
var ErrInvalidSet = errors.New("msgset: invalid message set")

// Range is one comma-separated member of a MessageSet. Start and Stop are
// 1-based message values; 0 stands for "*" (highest assigned), mirroring
// the sentinel convention go-imap's own Seq type uses.
type Range struct {
	Start, Stop uint32
}

func (r Range) String() string {
	if r.Start == r.Stop {
		return valueString(r.Start)
	}
	return valueString(r.Start) + ":" + valueString(r.Stop)
}

func valueString(v uint32) string {
	if v == 0 {
		return "*"
	}
	return strconv.FormatUint(uint64(v), 10)
}

// MessageSet is a parsed, as-declared sequence of Ranges. Ranges are kept
// in declaration order and are not deduplicated or merged; evaluators must
// tolerate overlaps.
type MessageSet struct {
	Ranges []Range
}

// Parse parses s per the grammar above. It fails on empty input, any
// non-positive or non-numeric value (other than "*"), and empty segments
// between commas.
func Parse(s string) (*MessageSet, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: empty set", ErrInvalidSet)
	}
	parts := strings.Split(s, ",")
	ms := &MessageSet{Ranges: make([]Range, 0, len(parts))}
	for _, part := range parts {
		if part == "" {
			return nil, fmt.Errorf("%w: empty segment in %q", ErrInvalidSet, s)
		}
		r, err := parseRange(part)
		if err != nil {
			return nil, err
		}
		ms.Ranges = append(ms.Ranges, r)
	}
	return ms, nil
}

func parseRange(s string) (Range, error) {
	if colon := strings.IndexByte(s, ':'); colon >= 0 {
		a, err := parseValue(s[:colon])
		if err != nil {
			return Range{}, err
		}
		b, err := parseValue(s[colon+1:])
		if err != nil {
			return Range{}, err
		}
		// Normalize so Start <= Stop once both are concrete; a wildcard on
		// either side is left as 0 and resolved later by Contains.
		if a != 0 && b != 0 && a > b {
			a, b = b, a
		}
		return Range{Start: a, Stop: b}, nil
	}
	v, err := parseValue(s)
	if err != nil {
		return Range{}, err
	}
	return Range{Start: v, Stop: v}, nil
}

func parseValue(s string) (uint32, error) {
	if s == "*" {
		return 0, nil
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("%w: invalid value %q", ErrInvalidSet, s)
	}
	return uint32(n), nil
}

// Contains reports whether n is matched by the set, given last as the
// value "*" resolves to (the highest assigned sequence number or UID). A
// value n greater than last never matches — IMAP treats an operand
// exceeding the mailbox size as simply not matching, never as an error.
func (ms *MessageSet) Contains(n, last uint32) bool {
	if n > last {
		return false
	}
	for _, r := range ms.Ranges {
		start, stop := r.Start, r.Stop
		if start == 0 {
			start = last
		}
		if stop == 0 {
			stop = last
		}
		if start > stop {
			start, stop = stop, start
		}
		if n >= start && n <= stop {
			return true
		}
	}
	return false
}

// String renders the set back to IMAP syntax. For any s accepted by
// Parse, Parse(s).String() parsed again yields an identical MessageSet
// (ranges in the same order, each internally normalized) — i.e. String is
// a fixed point of repeated Parse/String round trips.
func (ms *MessageSet) String() string {
	parts := make([]string, len(ms.Ranges))
	for i, r := range ms.Ranges {
		parts[i] = r.String()
	}
	return strings.Join(parts, ",")
}

// ToIMAPSeqSet converts to github.com/emersion/go-imap's SeqSet, for
// handing sequence/UID sets across the boundary to a go-imap-based
// protocol front end. The 0-as-wildcard convention is shared between the
// two types, so the conversion is direct.
func (ms *MessageSet) ToIMAPSeqSet() *imap.SeqSet {
	out := &imap.SeqSet{}
	for _, r := range ms.Ranges {
		out.AddRange(r.Start, r.Stop)
	}
	return out
}
