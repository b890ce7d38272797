package search

import (
	"testing"
	"time"
)

type fakeCtx struct {
	seq, uid         uint32
	lastSeq, lastUID uint32
	size             int64
	internal         time.Time
	flags            map[string]bool
	keywords         map[string]bool
	headers          map[string]string
	sentDate         time.Time
	hasSent          bool
	headersText      string
	bodyText         string
}

func (f *fakeCtx) MessageNumber() uint32     { return f.seq }
func (f *fakeCtx) UID() uint32               { return f.uid }
func (f *fakeCtx) Size() int64               { return f.size }
func (f *fakeCtx) InternalDate() time.Time   { return f.internal }
func (f *fakeCtx) Flags() map[string]bool    { return f.flags }
func (f *fakeCtx) Keywords() map[string]bool { return f.keywords }
func (f *fakeCtx) LastSeq() uint32           { return f.lastSeq }
func (f *fakeCtx) LastUID() uint32           { return f.lastUID }
func (f *fakeCtx) Header(name string) (string, error) {
	return f.headers[name], nil
}
func (f *fakeCtx) SentDate() (time.Time, bool, error) { return f.sentDate, f.hasSent, nil }
func (f *fakeCtx) HeadersText() (string, error)       { return f.headersText, nil }
func (f *fakeCtx) BodyText() (string, error)           { return f.bodyText, nil }

func TestParseComplexConjunction(t *testing.T) {
	expr, err := Parse(`UNSEEN SINCE 1-Jan-2024 FROM "boss@example.com" SUBJECT urgent`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	ctx := &fakeCtx{
		flags:    map[string]bool{},
		internal: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		headers:  map[string]string{"from": "Boss <boss@example.com>", "subject": "Urgent: action needed"},
	}
	if !expr.Matches(ctx) {
		t.Errorf("expected match")
	}

	ctx.flags["Seen"] = true
	if expr.Matches(ctx) {
		t.Errorf("SEEN message should fail UNSEEN")
	}
}

func TestParseOrGroup(t *testing.T) {
	expr, err := Parse("OR (SEEN FLAGGED) (UNSEEN UNFLAGGED)")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	matches := func(seen, flagged bool) bool {
		return expr.Matches(&fakeCtx{flags: map[string]bool{"Seen": seen, "Flagged": flagged}})
	}
	if !matches(true, true) {
		t.Errorf("SEEN+FLAGGED should match")
	}
	if !matches(false, false) {
		t.Errorf("UNSEEN+UNFLAGGED should match")
	}
	if matches(true, false) {
		t.Errorf("SEEN+UNFLAGGED should not match")
	}
}

func TestParseUnknownAtom(t *testing.T) {
	if _, err := Parse("UNKNOWN"); err == nil {
		t.Errorf("expected ParseError for UNKNOWN")
	}
}

func TestParseUnbalancedParens(t *testing.T) {
	if _, err := Parse("(SEEN FLAGGED"); err == nil {
		t.Errorf("expected ParseError for unbalanced parens")
	}
}

func TestParseUnterminatedQuote(t *testing.T) {
	if _, err := Parse(`SUBJECT "urgent`); err == nil {
		t.Errorf("expected ParseError for unterminated quote")
	}
}

func TestNewOldSemantics(t *testing.T) {
	newExpr, err := Parse("NEW")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	oldExpr, err := Parse("OLD")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	recentUnseen := &fakeCtx{flags: map[string]bool{"Recent": true}}
	if !newExpr.Matches(recentUnseen) {
		t.Errorf("NEW should match recent+unseen")
	}
	if oldExpr.Matches(recentUnseen) {
		t.Errorf("OLD should not match a recent message")
	}

	recentSeen := &fakeCtx{flags: map[string]bool{"Recent": true, "Seen": true}}
	if newExpr.Matches(recentSeen) {
		t.Errorf("NEW should not match recent+seen")
	}

	notRecent := &fakeCtx{flags: map[string]bool{}}
	if !oldExpr.Matches(notRecent) {
		t.Errorf("OLD should match a non-recent message")
	}
}

func TestSentDateMissingEvaluatesFalse(t *testing.T) {
	expr, err := Parse("SENTSINCE 1-Jan-2024")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	ctx := &fakeCtx{hasSent: false}
	if expr.Matches(ctx) {
		t.Errorf("missing sent date must evaluate to false, not true or error")
	}
}

func TestUIDSet(t *testing.T) {
	expr, err := Parse("UID 5:10")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	ctx := &fakeCtx{uid: 7, lastUID: 100}
	if !expr.Matches(ctx) {
		t.Errorf("expected UID 7 to match 5:10")
	}
	ctx.uid = 20
	if expr.Matches(ctx) {
		t.Errorf("expected UID 20 not to match 5:10")
	}
}

func TestBareSeqSet(t *testing.T) {
	expr, err := Parse("2:4")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !expr.Matches(&fakeCtx{seq: 3, lastSeq: 50}) {
		t.Errorf("expected seq 3 to match 2:4")
	}
}

func TestSizeCriteria(t *testing.T) {
	expr, err := Parse("LARGER 100")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !expr.Matches(&fakeCtx{size: 200}) {
		t.Errorf("expected size 200 to match LARGER 100")
	}
	if expr.Matches(&fakeCtx{size: 50}) {
		t.Errorf("expected size 50 not to match LARGER 100")
	}
}
