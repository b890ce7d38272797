// Package msgctx exposes a uniform, lazily-populated view of a single
// stored message to the search evaluator, without forcing a full parse on
// every access (gumdrop mailbox core, component C5).
//
// Cheap accessors are served directly from descriptor metadata supplied
// at construction. The expensive accessors — header lookups, the sent
// date, and the aggregated header/body text — trigger exactly one parse
// of the underlying message bytes, on first access, guarded so that
// concurrent first-access calls still parse only once.
package msgctx

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-message"
	"golang.org/x/text/encoding/ianaindex"

	"github.com/gumdrop-mail/gumdrop/framework/log"
)

// Source supplies the raw bytes of a message on demand. Mailbox
// implementations provide this without loading every message eagerly.
type Source interface {
	Open() (io.ReadCloser, error)
}

// Descriptor is the cheap, eagerly-known metadata for one message.
type Descriptor struct {
	MessageNumber uint32
	UID           uint32
	Size          int64
	Flags         map[string]bool
	Keywords      map[string]bool
	InternalDate  time.Time
}

// Context is a single message's view, as seen by the search evaluator and
// by protocol front ends needing header/body text.
type Context struct {
	desc   Descriptor
	source Source
	log    log.Logger

	once    sync.Once
	parsed  bool
	parseErr error

	headers    map[string][]string // canonicalized header name -> values, in order encountered
	headersRaw []headerField
	headerText string
	bodyText   string
	sentDate   time.Time
	hasSent    bool
}

type headerField struct {
	name  string
	value string
}

// New wraps desc and source into a Context. No parsing happens until an
// accessor that needs it is called.
func New(desc Descriptor, source Source, logger log.Logger) *Context {
	return &Context{desc: desc, source: source, log: logger}
}

func (c *Context) MessageNumber() uint32        { return c.desc.MessageNumber }
func (c *Context) UID() uint32                  { return c.desc.UID }
func (c *Context) Size() int64                  { return c.desc.Size }
func (c *Context) InternalDate() time.Time      { return c.desc.InternalDate }
func (c *Context) Flags() map[string]bool       { return c.desc.Flags }
func (c *Context) Keywords() map[string]bool    { return c.desc.Keywords }

func canonHeader(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Bounded pairs a Context with the mailbox-wide sequence/UID bounds that
// "*" resolves to in a number-set search criterion. The bounds are a
// property of the search pass, not of the individual message, so they are
// attached at the point a Mailbox iterates descriptors for search rather
// than stored on Context itself.
type Bounded struct {
	*Context
	lastSeq, lastUID uint32
}

// WithBounds wraps c with the current highest sequence number and UID of
// the mailbox being searched.
func WithBounds(c *Context, lastSeq, lastUID uint32) Bounded {
	return Bounded{Context: c, lastSeq: lastSeq, lastUID: lastUID}
}

func (b Bounded) LastSeq() uint32 { return b.lastSeq }
func (b Bounded) LastUID() uint32 { return b.lastUID }

// ensureParsed performs the one-time lazy parse. It is safe for
// concurrent callers: sync.Once guarantees the parse body runs exactly
// once regardless of how many goroutines race to trigger it.
func (c *Context) ensureParsed() error {
	c.once.Do(func() {
		c.parseErr = c.parse()
		c.parsed = true
	})
	return c.parseErr
}

func (c *Context) parse() error {
	rc, err := c.source.Open()
	if err != nil {
		return fmt.Errorf("msgctx: open message: %w", err)
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("msgctx: read message: %w", err)
	}

	c.headers = map[string][]string{}

	headerBlock, _ := splitHeaderBlock(raw)
	for _, f := range tokenizeHeaderBlock(headerBlock) {
		c.headersRaw = append(c.headersRaw, f)
		key := canonHeader(f.name)
		c.headers[key] = append(c.headers[key], f.value)
	}
	c.headerText = renderHeaderText(c.headersRaw)

	if dateVals := c.headers["date"]; len(dateVals) > 0 {
		if t, err := mail.ParseDate(dateVals[0]); err == nil {
			c.sentDate = t
			c.hasSent = true
		}
	}

	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil {
		// A structurally broken MIME body still has headers; body text is
		// simply left empty rather than failing the whole parse.
		c.log.Printf("msgctx: MIME parse failed, serving headers only: %v", err)
		return nil
	}
	var body strings.Builder
	collectText(entity, &body)
	c.bodyText = body.String()
	return nil
}

// splitHeaderBlock separates the RFC 5322 header block from the body,
// per the CRLF-CRLF (or bare LF-LF) boundary.
func splitHeaderBlock(raw []byte) (header, body []byte) {
	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx >= 0 {
		return raw[:idx], raw[idx+4:]
	}
	if idx := bytes.Index(raw, []byte("\n\n")); idx >= 0 {
		return raw[:idx], raw[idx+2:]
	}
	return raw, nil
}

// tokenizeHeaderBlock is the push-style tokenizer driving header
// collection: it walks the header block line by line, joining folded
// continuation lines (leading space or tab) into their parent field, and
// emits one headerField event per logical header.
func tokenizeHeaderBlock(block []byte) []headerField {
	var fields []headerField
	scanner := bufio.NewScanner(bytes.NewReader(block))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if (line[0] == ' ' || line[0] == '\t') && len(fields) > 0 {
			fields[len(fields)-1].value += " " + strings.TrimSpace(line)
			continue
		}
		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			continue
		}
		fields = append(fields, headerField{
			name:  strings.TrimSpace(line[:colon]),
			value: strings.TrimSpace(line[colon+1:]),
		})
	}
	return fields
}

func renderHeaderText(fields []headerField) string {
	var b strings.Builder
	for _, f := range fields {
		b.WriteString(f.name)
		b.WriteString(": ")
		b.WriteString(f.value)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return b.String()
}

// collectText walks entity's MIME structure and appends the decoded text
// of every text/* part, honoring each part's declared charset (defaulting
// to ISO-8859-1 when absent or unresolvable, per historical mail
// practice).
func collectText(entity *message.Entity, out *strings.Builder) {
	if mr := entity.MultipartReader(); mr != nil {
		for {
			part, err := mr.NextPart()
			if err != nil {
				return
			}
			collectText(part, out)
		}
	}

	ctype, params, _ := entity.Header.ContentType()
	if !strings.HasPrefix(strings.ToLower(ctype), "text/") && ctype != "" {
		return
	}
	raw, err := io.ReadAll(entity.Body)
	if err != nil {
		return
	}
	charset := params["charset"]
	if charset == "" {
		charset = "ISO-8859-1"
	}
	decoded, err := decodeCharset(raw, charset)
	if err != nil {
		decoded, err = decodeCharset(raw, "ISO-8859-1")
		if err != nil {
			decoded = raw
		}
	}
	out.Write(decoded)
}

func decodeCharset(raw []byte, charset string) ([]byte, error) {
	enc, err := ianaindex.MIME.Encoding(charset)
	if err != nil {
		return raw, err
	}
	if enc == nil {
		return raw, fmt.Errorf("msgctx: no decoder for charset %q", charset)
	}
	return io.ReadAll(enc.NewDecoder().Reader(bytes.NewReader(raw)))
}

// Header returns the first value of the given header name, or "" if
// absent. Triggers the lazy parse.
func (c *Context) Header(name string) (string, error) {
	if err := c.ensureParsed(); err != nil {
		return "", err
	}
	vals := c.headers[canonHeader(name)]
	if len(vals) == 0 {
		return "", nil
	}
	return vals[0], nil
}

// Headers returns every value of the given header name, in header order.
// Triggers the lazy parse.
func (c *Context) Headers(name string) ([]string, error) {
	if err := c.ensureParsed(); err != nil {
		return nil, err
	}
	return c.headers[canonHeader(name)], nil
}

// SentDate returns the parsed Date: header, if one was present and
// parseable. Triggers the lazy parse.
func (c *Context) SentDate() (time.Time, bool, error) {
	if err := c.ensureParsed(); err != nil {
		return time.Time{}, false, err
	}
	return c.sentDate, c.hasSent, nil
}

// HeadersText returns every header rendered as "Name: value\r\n", with a
// trailing blank line. Triggers the lazy parse.
func (c *Context) HeadersText() (string, error) {
	if err := c.ensureParsed(); err != nil {
		return "", err
	}
	return c.headerText, nil
}

// BodyText returns the concatenated decoded text of every text/* MIME
// part. Triggers the lazy parse.
func (c *Context) BodyText() (string, error) {
	if err := c.ensureParsed(); err != nil {
		return "", err
	}
	return c.bodyText, nil
}

