package msgctx

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gumdrop-mail/gumdrop/framework/log"
)

type staticSource struct {
	data    []byte
	opens   int32
	onOpen  func()
}

func (s *staticSource) Open() (io.ReadCloser, error) {
	atomic.AddInt32(&s.opens, 1)
	if s.onOpen != nil {
		s.onOpen()
	}
	return io.NopCloser(bytes.NewReader(s.data)), nil
}

func newCtx(raw string) (*Context, *staticSource) {
	src := &staticSource{data: []byte(raw)}
	ctx := New(Descriptor{MessageNumber: 1, UID: 100, Size: int64(len(raw))}, src, log.DefaultLogger)
	return ctx, src
}

func TestCheapAccessorsNoParse(t *testing.T) {
	ctx, src := newCtx("Subject: hi\r\n\r\nbody")
	if ctx.MessageNumber() != 1 || ctx.UID() != 100 {
		t.Fatalf("unexpected descriptor fields")
	}
	if atomic.LoadInt32(&src.opens) != 0 {
		t.Errorf("cheap accessors must not trigger parse")
	}
}

func TestHeaderLazyParse(t *testing.T) {
	raw := "Subject: Hello\r\nFrom: a@example.com\r\nFrom: b@example.com\r\n\r\nplain body"
	ctx, src := newCtx(raw)

	subj, err := ctx.Header("subject")
	if err != nil {
		t.Fatalf("Header: %v", err)
	}
	if subj != "Hello" {
		t.Errorf("Header(subject) = %q", subj)
	}

	froms, err := ctx.Headers("From")
	if err != nil {
		t.Fatalf("Headers: %v", err)
	}
	if len(froms) != 2 || froms[0] != "a@example.com" || froms[1] != "b@example.com" {
		t.Errorf("Headers(From) = %v", froms)
	}

	if atomic.LoadInt32(&src.opens) != 1 {
		t.Errorf("expected exactly one parse, got %d opens", src.opens)
	}
}

func TestConcurrentAccessParsesOnce(t *testing.T) {
	raw := "Subject: Hello\r\n\r\nbody"
	ctx, src := newCtx(raw)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = ctx.Header("subject")
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&src.opens); got != 1 {
		t.Errorf("expected exactly one parse under concurrency, got %d", got)
	}
}

func TestSentDateParsed(t *testing.T) {
	raw := "Date: Mon, 2 Jan 2006 15:04:05 -0700\r\n\r\nbody"
	ctx, _ := newCtx(raw)

	d, ok, err := ctx.SentDate()
	if err != nil {
		t.Fatalf("SentDate: %v", err)
	}
	if !ok {
		t.Fatalf("expected sent date to be present")
	}
	want := time.Date(2006, 1, 2, 15, 4, 5, 0, time.FixedZone("", -7*3600))
	if !d.Equal(want) {
		t.Errorf("SentDate() = %v, want %v", d, want)
	}
}

func TestMissingSentDate(t *testing.T) {
	ctx, _ := newCtx("Subject: no date\r\n\r\nbody")
	_, ok, err := ctx.SentDate()
	if err != nil {
		t.Fatalf("SentDate: %v", err)
	}
	if ok {
		t.Errorf("expected no sent date")
	}
}

func TestHeadersTextTrailingBlankLine(t *testing.T) {
	ctx, _ := newCtx("Subject: hi\r\nFrom: a@example.com\r\n\r\nbody")
	text, err := ctx.HeadersText()
	if err != nil {
		t.Fatalf("HeadersText: %v", err)
	}
	if !strings.HasSuffix(text, "\r\n\r\n") {
		t.Errorf("HeadersText() missing trailing blank line: %q", text)
	}
	if !strings.Contains(text, "Subject: hi\r\n") {
		t.Errorf("HeadersText() = %q", text)
	}
}

func TestBodyTextPlain(t *testing.T) {
	raw := "Content-Type: text/plain\r\n\r\nhello world"
	ctx, _ := newCtx(raw)
	body, err := ctx.BodyText()
	if err != nil {
		t.Fatalf("BodyText: %v", err)
	}
	if body != "hello world" {
		t.Errorf("BodyText() = %q", body)
	}
}
