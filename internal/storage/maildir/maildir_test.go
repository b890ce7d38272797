package maildir

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gumdrop-mail/gumdrop/framework/log"
	"github.com/gumdrop-mail/gumdrop/internal/mailbox"
	"github.com/gumdrop-mail/gumdrop/internal/mailbox/search"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(t.TempDir(), log.Logger{Name: "maildir-test"})
	if err := s.Open(context.Background(), "alice@example.com"); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return s
}

func appendMessage(t *testing.T, mb mailbox.Mailbox, raw string, flags map[mailbox.Flag]bool) uint32 {
	t.Helper()
	ctx := context.Background()
	if err := mb.StartAppend(ctx, flags, time.Now()); err != nil {
		t.Fatalf("StartAppend failed: %v", err)
	}
	if err := mb.AppendContent(ctx, []byte(raw)); err != nil {
		t.Fatalf("AppendContent failed: %v", err)
	}
	uid, err := mb.EndAppend(ctx)
	if err != nil {
		t.Fatalf("EndAppend failed: %v", err)
	}
	return uid
}

const sampleMessage = "From: alice@example.com\r\nTo: bob@example.com\r\nSubject: hello there\r\nDate: Mon, 1 Jan 2024 10:00:00 +0000\r\n\r\nHi Bob,\r\nThis is the body.\r\n"

func TestInboxExistsAfterOpen(t *testing.T) {
	s := newTestStore(t)
	names, err := s.ListMailboxes(context.Background(), "", "*")
	if err != nil {
		t.Fatalf("ListMailboxes failed: %v", err)
	}
	found := false
	for _, n := range names {
		if n == "INBOX" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected INBOX in %v", names)
	}
}

func TestAppendAndRetrieve(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mb, err := s.OpenMailbox(ctx, "INBOX", false)
	if err != nil {
		t.Fatalf("OpenMailbox failed: %v", err)
	}

	uid := appendMessage(t, mb, sampleMessage, map[mailbox.Flag]bool{mailbox.FlagSeen: true})
	if uid == 0 {
		t.Fatal("expected nonzero UID")
	}

	count, err := mb.MessageCount(ctx)
	if err != nil || count != 1 {
		t.Fatalf("MessageCount = %d, %v, want 1, nil", count, err)
	}

	rc, err := mb.MessageContent(ctx, 1)
	if err != nil {
		t.Fatalf("MessageContent failed: %v", err)
	}
	defer rc.Close()
	buf := make([]byte, len(sampleMessage)+16)
	n, _ := rc.Read(buf)
	if !strings.Contains(string(buf[:n]), "Subject: hello there") {
		t.Errorf("content missing expected subject line: %q", buf[:n])
	}

	flags, _, err := mb.Flags(ctx, 1)
	if err != nil {
		t.Fatalf("Flags failed: %v", err)
	}
	if !flags[mailbox.FlagSeen] {
		t.Errorf("expected Seen flag to be set")
	}
}

// TestAppendIsRecentOnNextOpen appends through one handle (which never
// sees its own delivery via new/, since StartAppend writes straight into
// cur/), then reopens the mailbox after manually relocating a message
// into new/ to exercise the new/-to-cur/ promotion and Recent bookkeeping
// a second SELECT would perform.
func TestAppendIsRecentOnNextOpen(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mb, err := s.OpenMailbox(ctx, "INBOX", false)
	if err != nil {
		t.Fatalf("OpenMailbox failed: %v", err)
	}
	appendMessage(t, mb, sampleMessage, nil)
	if err := mb.Close(ctx, false); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	dir, err := s.dirFor("INBOX")
	if err != nil {
		t.Fatalf("dirFor failed: %v", err)
	}
	entries, err := os.ReadDir(filepath.Join(dir, "cur"))
	if err != nil || len(entries) != 1 {
		t.Fatalf("cur/ entries = %d, %v, want 1, nil", len(entries), err)
	}
	name := entries[0].Name()
	if err := os.Rename(filepath.Join(dir, "cur", name), filepath.Join(dir, "new", name)); err != nil {
		t.Fatalf("relocating message into new/ failed: %v", err)
	}

	reopened, err := s.OpenMailbox(ctx, "INBOX", false)
	if err != nil {
		t.Fatalf("reopen OpenMailbox failed: %v", err)
	}
	count, err := reopened.MessageCount(ctx)
	if err != nil || count != 1 {
		t.Fatalf("MessageCount after reopen = %d, %v, want 1, nil", count, err)
	}
	flags, _, err := reopened.Flags(ctx, 1)
	if err != nil {
		t.Fatalf("Flags failed: %v", err)
	}
	if !flags[mailbox.FlagRecent] {
		t.Errorf("expected Recent after new/ promotion, got %v", flags)
	}
}

func TestSetFlagsRenamesFile(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mb, err := s.OpenMailbox(ctx, "INBOX", false)
	if err != nil {
		t.Fatalf("OpenMailbox failed: %v", err)
	}
	appendMessage(t, mb, sampleMessage, nil)

	update := mailbox.FlagUpdate{Flags: map[mailbox.Flag]bool{mailbox.FlagFlagged: true}}
	if err := mb.SetFlags(ctx, 1, update, true); err != nil {
		t.Fatalf("SetFlags failed: %v", err)
	}
	flags, _, err := mb.Flags(ctx, 1)
	if err != nil {
		t.Fatalf("Flags failed: %v", err)
	}
	if !flags[mailbox.FlagFlagged] {
		t.Errorf("expected Flagged flag after SetFlags, got %v", flags)
	}

	if err := mb.SetFlags(ctx, 1, update, false); err != nil {
		t.Fatalf("SetFlags (remove) failed: %v", err)
	}
	flags, _, err = mb.Flags(ctx, 1)
	if err != nil {
		t.Fatalf("Flags failed: %v", err)
	}
	if flags[mailbox.FlagFlagged] {
		t.Errorf("expected Flagged flag cleared, got %v", flags)
	}
}

func TestKeywordRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mb, err := s.OpenMailbox(ctx, "INBOX", false)
	if err != nil {
		t.Fatalf("OpenMailbox failed: %v", err)
	}
	appendMessage(t, mb, sampleMessage, nil)

	update := mailbox.FlagUpdate{Keywords: map[string]bool{"$Forwarded": true}}
	if err := mb.SetFlags(ctx, 1, update, true); err != nil {
		t.Fatalf("SetFlags failed: %v", err)
	}
	_, kw, err := mb.Flags(ctx, 1)
	if err != nil {
		t.Fatalf("Flags failed: %v", err)
	}
	if !kw["$Forwarded"] {
		t.Errorf("expected keyword $Forwarded to survive, got %v", kw)
	}
}

func TestDeleteAndExpunge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mb, err := s.OpenMailbox(ctx, "INBOX", false)
	if err != nil {
		t.Fatalf("OpenMailbox failed: %v", err)
	}
	appendMessage(t, mb, sampleMessage, nil)
	appendMessage(t, mb, sampleMessage, nil)

	if err := mb.DeleteMessage(ctx, 1); err != nil {
		t.Fatalf("DeleteMessage failed: %v", err)
	}
	deleted, err := mb.IsDeleted(ctx, 1)
	if err != nil || !deleted {
		t.Fatalf("IsDeleted = %v, %v, want true, nil", deleted, err)
	}

	expunged, err := mb.Expunge(ctx)
	if err != nil {
		t.Fatalf("Expunge failed: %v", err)
	}
	if len(expunged) != 1 || expunged[0] != 1 {
		t.Errorf("Expunge returned %v, want [1]", expunged)
	}

	count, err := mb.MessageCount(ctx)
	if err != nil || count != 1 {
		t.Fatalf("MessageCount after expunge = %d, %v, want 1, nil", count, err)
	}
}

func TestCreateRenameDeleteMailbox(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateMailbox(ctx, "Reports"); err != nil {
		t.Fatalf("CreateMailbox failed: %v", err)
	}
	if err := s.CreateMailbox(ctx, "Reports"); err == nil {
		t.Error("expected error creating duplicate mailbox")
	}

	if err := s.RenameMailbox(ctx, "Reports", "Archive"); err != nil {
		t.Fatalf("RenameMailbox failed: %v", err)
	}

	names, err := s.ListMailboxes(ctx, "", "*")
	if err != nil {
		t.Fatalf("ListMailboxes failed: %v", err)
	}
	var sawArchive, sawReports bool
	for _, n := range names {
		if n == "Archive" {
			sawArchive = true
		}
		if n == "Reports" {
			sawReports = true
		}
	}
	if !sawArchive || sawReports {
		t.Errorf("names = %v, want Archive present and Reports absent", names)
	}

	if err := s.DeleteMailbox(ctx, "Archive"); err != nil {
		t.Fatalf("DeleteMailbox failed: %v", err)
	}
}

func TestRenameInbox(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inbox, err := s.OpenMailbox(ctx, "INBOX", false)
	if err != nil {
		t.Fatalf("OpenMailbox failed: %v", err)
	}
	appendMessage(t, inbox, sampleMessage, nil)
	if err := inbox.Close(ctx, false); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if err := s.RenameMailbox(ctx, "INBOX", "Old-Inbox"); err != nil {
		t.Fatalf("RenameMailbox failed: %v", err)
	}

	freshInbox, err := s.OpenMailbox(ctx, "INBOX", true)
	if err != nil {
		t.Fatalf("OpenMailbox(INBOX) after rename failed: %v", err)
	}
	count, err := freshInbox.MessageCount(ctx)
	if err != nil || count != 0 {
		t.Fatalf("INBOX MessageCount after rename = %d, %v, want 0, nil", count, err)
	}

	old, err := s.OpenMailbox(ctx, "Old-Inbox", true)
	if err != nil {
		t.Fatalf("OpenMailbox(Old-Inbox) failed: %v", err)
	}
	oldCount, err := old.MessageCount(ctx)
	if err != nil || oldCount != 1 {
		t.Fatalf("Old-Inbox MessageCount = %d, %v, want 1, nil", oldCount, err)
	}
}

func TestSearchBySubject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mb, err := s.OpenMailbox(ctx, "INBOX", false)
	if err != nil {
		t.Fatalf("OpenMailbox failed: %v", err)
	}
	appendMessage(t, mb, sampleMessage, nil)

	expr, err := search.Parse(`SUBJECT "hello"`)
	if err != nil {
		t.Fatalf("search.Parse failed: %v", err)
	}
	matches, err := mb.Search(ctx, expr)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(matches) != 1 || matches[0] != 1 {
		t.Errorf("Search matches = %v, want [1]", matches)
	}
}

func TestCopyBetweenMailboxes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateMailbox(ctx, "Archive"); err != nil {
		t.Fatalf("CreateMailbox failed: %v", err)
	}

	inbox, err := s.OpenMailbox(ctx, "INBOX", false)
	if err != nil {
		t.Fatalf("OpenMailbox failed: %v", err)
	}
	appendMessage(t, inbox, sampleMessage, nil)

	mapping, err := inbox.Copy(ctx, []uint32{1}, "Archive")
	if err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	if _, ok := mapping[1]; !ok {
		t.Fatalf("Copy mapping missing source seqnum 1: %v", mapping)
	}

	archive, err := s.OpenMailbox(ctx, "Archive", true)
	if err != nil {
		t.Fatalf("OpenMailbox(Archive) failed: %v", err)
	}
	count, err := archive.MessageCount(ctx)
	if err != nil || count != 1 {
		t.Fatalf("Archive MessageCount = %d, %v, want 1, nil", count, err)
	}

	inboxCount, err := inbox.MessageCount(ctx)
	if err != nil || inboxCount != 1 {
		t.Fatalf("INBOX MessageCount after copy = %d, %v, want 1, nil", inboxCount, err)
	}
}

func TestSubscriptions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateMailbox(ctx, "Reports"); err != nil {
		t.Fatalf("CreateMailbox failed: %v", err)
	}
	if err := s.Subscribe(ctx, "Reports"); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	subs, err := s.ListSubscribed(ctx, "", "*")
	if err != nil {
		t.Fatalf("ListSubscribed failed: %v", err)
	}
	if len(subs) != 1 || subs[0] != "Reports" {
		t.Errorf("ListSubscribed = %v, want [Reports]", subs)
	}

	if err := s.Unsubscribe(ctx, "Reports"); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	subs, err = s.ListSubscribed(ctx, "", "*")
	if err != nil {
		t.Fatalf("ListSubscribed failed: %v", err)
	}
	if len(subs) != 0 {
		t.Errorf("ListSubscribed after unsubscribe = %v, want empty", subs)
	}
}
