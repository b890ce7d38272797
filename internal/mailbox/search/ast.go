// Package search implements the IMAP SEARCH grammar (RFC 3501/9051
// §6.4.4): tokenizer, recursive-descent parser, AST, and evaluator
// (gumdrop mailbox core, component C6).
package search

import (
	"time"

	"github.com/gumdrop-mail/gumdrop/internal/mailbox/msgset"
)

// Evaluable is the view of a message the evaluator needs. msgctx.Bounded
// (a msgctx.Context wrapped with the search pass's bounds) satisfies this;
// the interface lives here, rather than importing msgctx
// directly, so search has no dependency on how a message's view is
// constructed — it only needs to read it.
type Evaluable interface {
	MessageNumber() uint32
	UID() uint32
	Size() int64
	InternalDate() time.Time
	Flags() map[string]bool
	Keywords() map[string]bool
	Header(name string) (string, error)
	SentDate() (time.Time, bool, error)
	HeadersText() (string, error)
	BodyText() (string, error)

	// LastSeq and LastUID supply the value "*" resolves to for a bare
	// sequence-set and a UID set respectively: the highest sequence
	// number or UID currently in the mailbox, not a property of this one
	// message. Callers evaluating a search over a mailbox wrap each
	// message's view with the same pair of bounds for the whole pass.
	LastSeq() uint32
	LastUID() uint32
}

// Criterion is one node of a parsed search AST. Matches must never mutate
// ctx, and must resolve a criterion referencing unavailable data (for
// example SENTSINCE on a message with no Date: header) to false rather
// than erroring.
type Criterion interface {
	Matches(ctx Evaluable) bool
}

// Expression is a parsed, top-level SEARCH criterion — conjunction of
// whatever criteria were given at the top level, per the implicit-AND
// rule.
type Expression struct {
	Root Criterion
}

// Matches evaluates the whole expression against ctx.
func (e *Expression) Matches(ctx Evaluable) bool {
	if e.Root == nil {
		return true
	}
	return e.Root.Matches(ctx)
}

type allCrit struct{}

func (allCrit) Matches(Evaluable) bool { return true }

type andCrit struct{ terms []Criterion }

func (c andCrit) Matches(ctx Evaluable) bool {
	for _, t := range c.terms {
		if !t.Matches(ctx) {
			return false
		}
	}
	return true
}

type orCrit struct{ a, b Criterion }

func (c orCrit) Matches(ctx Evaluable) bool {
	return c.a.Matches(ctx) || c.b.Matches(ctx)
}

type notCrit struct{ inner Criterion }

func (c notCrit) Matches(ctx Evaluable) bool {
	return !c.inner.Matches(ctx)
}

type flagCrit struct {
	name    string
	negate  bool
}

func (c flagCrit) Matches(ctx Evaluable) bool {
	v := ctx.Flags()[c.name]
	if c.negate {
		return !v
	}
	return v
}

// newCrit is a RECENT/NEW/OLD pseudo-flag criterion, resolved by the
// semantics in spec §4.6: NEW = RECENT AND NOT SEEN; OLD = NOT RECENT.
type newCrit struct{}

func (newCrit) Matches(ctx Evaluable) bool {
	f := ctx.Flags()
	return f["Recent"] && !f["Seen"]
}

type oldCrit struct{}

func (oldCrit) Matches(ctx Evaluable) bool {
	return !ctx.Flags()["Recent"]
}

type recentCrit struct{}

func (recentCrit) Matches(ctx Evaluable) bool {
	return ctx.Flags()["Recent"]
}

type headerSubstrCrit struct {
	field string // lower-cased header name ("from", "subject", ... for FROM/TO/CC/BCC/SUBJECT)
	needle string
}

func (c headerSubstrCrit) Matches(ctx Evaluable) bool {
	v, err := ctx.Header(c.field)
	if err != nil {
		return false
	}
	return containsFold(v, c.needle)
}

type textCrit struct{ needle string }

func (c textCrit) Matches(ctx Evaluable) bool {
	headers, err := ctx.HeadersText()
	if err == nil && containsFold(headers, c.needle) {
		return true
	}
	body, err := ctx.BodyText()
	if err != nil {
		return false
	}
	return containsFold(body, c.needle)
}

type bodyCrit struct{ needle string }

func (c bodyCrit) Matches(ctx Evaluable) bool {
	body, err := ctx.BodyText()
	if err != nil {
		return false
	}
	return containsFold(body, c.needle)
}

type dateKind int

const (
	dateBefore dateKind = iota
	dateOn
	dateSince
	dateSentBefore
	dateSentOn
	dateSentSince
)

type dateCrit struct {
	kind dateKind
	date time.Time // truncated to calendar date, UTC-free comparison
}

func sameCalendarDate(a, b time.Time) bool {
	y1, m1, d1 := a.Date()
	y2, m2, d2 := b.Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}

func (c dateCrit) Matches(ctx Evaluable) bool {
	var subject time.Time
	switch c.kind {
	case dateBefore, dateOn, dateSince:
		subject = ctx.InternalDate()
	default:
		sd, ok, err := ctx.SentDate()
		if err != nil || !ok {
			return false
		}
		subject = sd
	}

	switch c.kind {
	case dateBefore, dateSentBefore:
		return dateOnly(subject).Before(dateOnly(c.date))
	case dateOn, dateSentOn:
		return sameCalendarDate(subject, c.date)
	case dateSince, dateSentSince:
		d := dateOnly(subject)
		return d.After(dateOnly(c.date)) || d.Equal(dateOnly(c.date))
	}
	return false
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

type sizeCrit struct {
	larger bool
	n      int64
}

func (c sizeCrit) Matches(ctx Evaluable) bool {
	if c.larger {
		return ctx.Size() > c.n
	}
	return ctx.Size() < c.n
}

type keywordCrit struct {
	keyword string
	negate  bool
}

func (c keywordCrit) Matches(ctx Evaluable) bool {
	v := ctx.Keywords()[c.keyword]
	if c.negate {
		return !v
	}
	return v
}

type numSetCrit struct {
	set   *msgset.MessageSet
	byUID bool
}

func (c numSetCrit) Matches(ctx Evaluable) bool {
	if c.byUID {
		return c.set.Contains(ctx.UID(), ctx.LastUID())
	}
	return c.set.Contains(ctx.MessageNumber(), ctx.LastSeq())
}
