// Package storagetest is a black-box contract suite shared by every
// internal/storage backend. A backend satisfies the mailbox core's
// semantics only if it passes the same suite every other backend
// passes, so the suite lives once here and each backend's own
// contract_test.go just supplies a fresh store.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/gumdrop-mail/gumdrop/internal/mailbox"
	"github.com/gumdrop-mail/gumdrop/internal/mailbox/search"
)

// NewStore builds a fresh, empty store for one test, opened for the
// given user. Backends supply this via their own TempDir-rooted
// constructor.
type NewStore func(t *testing.T, user string) mailbox.MailboxStore

const sampleMessage = "From: alice@example.com\r\nTo: bob@example.com\r\nSubject: hello there\r\nDate: Mon, 1 Jan 2024 10:00:00 +0000\r\n\r\nHi Bob,\r\nThis is the body.\r\n"

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

// Run exercises new against every contract the mailbox core requires,
// regardless of backend. Call it from a backend's own contract_test.go:
//
//	func TestContract(t *testing.T) {
//	    storagetest.Run(t, func(t *testing.T, user string) mailbox.MailboxStore {
//	        s := New(t.TempDir(), log.Logger{Name: "contract-test"})
//	        if err := s.Open(context.Background(), user); err != nil {
//	            t.Fatalf("Open failed: %v", err)
//	        }
//	        return s
//	    })
//	}
func Run(t *testing.T, newStore NewStore) {
	t.Helper()
	t.Run("InboxExists", func(t *testing.T) { testInboxExists(t, newStore) })
	t.Run("AppendAssignsIncreasingUIDs", func(t *testing.T) { testAppendAssignsIncreasingUIDs(t, newStore) })
	t.Run("FlagsRoundTrip", func(t *testing.T) { testFlagsRoundTrip(t, newStore) })
	t.Run("DeleteExpungeRenumbers", func(t *testing.T) { testDeleteExpungeRenumbers(t, newStore) })
	t.Run("UIDValidityChangesOnINBOXRename", func(t *testing.T) { testUIDValidityChangesOnINBOXRename(t, newStore) })
	t.Run("UIDValidityChangesOnPlainRename", func(t *testing.T) { testUIDValidityChangesOnPlainRename(t, newStore) })
	t.Run("ConcurrentHandlesDoNotDuplicateUIDs", func(t *testing.T) { testConcurrentHandlesDoNotDuplicateUIDs(t, newStore) })
	t.Run("CreateDuplicateMailboxFails", func(t *testing.T) { testCreateDuplicateMailboxFails(t, newStore) })
	t.Run("DeleteINBOXFails", func(t *testing.T) { testDeleteINBOXFails(t, newStore) })
	t.Run("DeleteMailboxWithChildrenFails", func(t *testing.T) { testDeleteMailboxWithChildrenFails(t, newStore) })
	t.Run("CopyPreservesSource", func(t *testing.T) { testCopyPreservesSource(t, newStore) })
	t.Run("MovePreservesDestinationRemovesSource", func(t *testing.T) { testMovePreservesDestinationRemovesSource(t, newStore) })
	t.Run("SearchMatchesBySubject", func(t *testing.T) { testSearchMatchesBySubject(t, newStore) })
	t.Run("SubscriptionsAreIndependentOfExistence", func(t *testing.T) { testSubscriptionsAreIndependentOfExistence(t, newStore) })
}

func testInboxExists(t *testing.T, newStore NewStore) {
	ctx := context.Background()
	s := newStore(t, "alice@example.com")
	names, err := s.ListMailboxes(ctx, "", "*")
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
		t.Errorf("INBOX missing from fresh store listing: %v", names)
	}

	attrs, err := s.GetMailboxAttributes(ctx, "INBOX")
	if err != nil {
		t.Fatalf("GetMailboxAttributes(INBOX) failed: %v", err)
	}
	for _, a := range attrs {
		if a == mailbox.AttrNonExistent {
			t.Errorf("INBOX reported AttrNonExistent: %v", attrs)
		}
	}
}

func testAppendAssignsIncreasingUIDs(t *testing.T, newStore NewStore) {
	ctx := context.Background()
	s := newStore(t, "alice@example.com")
	mb, err := s.OpenMailbox(ctx, "INBOX", false)
	if err != nil {
		t.Fatalf("OpenMailbox failed: %v", err)
	}

	u1 := appendMessage(t, mb, sampleMessage, nil)
	u2 := appendMessage(t, mb, sampleMessage, nil)
	if u1 == 0 || u2 == 0 {
		t.Fatalf("expected nonzero UIDs, got %d and %d", u1, u2)
	}
	if u2 <= u1 {
		t.Errorf("second append UID %d did not increase past first %d", u2, u1)
	}

	count, err := mb.MessageCount(ctx)
	if err != nil || count != 2 {
		t.Fatalf("MessageCount = %d, %v, want 2, nil", count, err)
	}

	nextUID, err := mb.UIDNext(ctx)
	if err != nil {
		t.Fatalf("UIDNext failed: %v", err)
	}
	if nextUID <= u2 {
		t.Errorf("UIDNext %d did not advance past last assigned UID %d", nextUID, u2)
	}

	rc, err := mb.MessageContent(ctx, 1)
	if err != nil {
		t.Fatalf("MessageContent failed: %v", err)
	}
	rc.Close()
}

func testFlagsRoundTrip(t *testing.T, newStore NewStore) {
	ctx := context.Background()
	s := newStore(t, "alice@example.com")
	mb, err := s.OpenMailbox(ctx, "INBOX", false)
	if err != nil {
		t.Fatalf("OpenMailbox failed: %v", err)
	}
	appendMessage(t, mb, sampleMessage, map[mailbox.Flag]bool{mailbox.FlagSeen: true})

	flags, _, err := mb.Flags(ctx, 1)
	if err != nil {
		t.Fatalf("Flags failed: %v", err)
	}
	if !flags[mailbox.FlagSeen] {
		t.Fatalf("expected Seen set after append, got %v", flags)
	}

	if err := mb.SetFlags(ctx, 1, mailbox.FlagUpdate{Flags: map[mailbox.Flag]bool{mailbox.FlagFlagged: true}}, true); err != nil {
		t.Fatalf("SetFlags(add Flagged) failed: %v", err)
	}
	flags, _, err = mb.Flags(ctx, 1)
	if err != nil {
		t.Fatalf("Flags failed: %v", err)
	}
	if !flags[mailbox.FlagSeen] || !flags[mailbox.FlagFlagged] {
		t.Errorf("expected Seen and Flagged both set, got %v", flags)
	}

	if err := mb.SetFlags(ctx, 1, mailbox.FlagUpdate{Flags: map[mailbox.Flag]bool{mailbox.FlagSeen: true}}, false); err != nil {
		t.Fatalf("SetFlags(remove Seen) failed: %v", err)
	}
	flags, _, err = mb.Flags(ctx, 1)
	if err != nil {
		t.Fatalf("Flags failed: %v", err)
	}
	if flags[mailbox.FlagSeen] {
		t.Errorf("expected Seen cleared, got %v", flags)
	}
	if !flags[mailbox.FlagFlagged] {
		t.Errorf("expected Flagged to survive the Seen removal, got %v", flags)
	}

	if err := mb.ReplaceFlags(ctx, 1, mailbox.FlagUpdate{Flags: map[mailbox.Flag]bool{mailbox.FlagDeleted: true}}); err != nil {
		t.Fatalf("ReplaceFlags failed: %v", err)
	}
	flags, _, err = mb.Flags(ctx, 1)
	if err != nil {
		t.Fatalf("Flags failed: %v", err)
	}
	if flags[mailbox.FlagFlagged] || flags[mailbox.FlagSeen] {
		t.Errorf("ReplaceFlags should have cleared prior flags, got %v", flags)
	}
	if !flags[mailbox.FlagDeleted] {
		t.Errorf("ReplaceFlags should have set Deleted, got %v", flags)
	}
}

func testDeleteExpungeRenumbers(t *testing.T, newStore NewStore) {
	ctx := context.Background()
	s := newStore(t, "alice@example.com")
	mb, err := s.OpenMailbox(ctx, "INBOX", false)
	if err != nil {
		t.Fatalf("OpenMailbox failed: %v", err)
	}
	appendMessage(t, mb, sampleMessage, nil)
	appendMessage(t, mb, sampleMessage, nil)
	appendMessage(t, mb, sampleMessage, nil)

	if err := mb.DeleteMessage(ctx, 2); err != nil {
		t.Fatalf("DeleteMessage failed: %v", err)
	}
	deleted, err := mb.IsDeleted(ctx, 2)
	if err != nil || !deleted {
		t.Fatalf("IsDeleted(2) = %v, %v, want true, nil", deleted, err)
	}

	expunged, err := mb.Expunge(ctx)
	if err != nil {
		t.Fatalf("Expunge failed: %v", err)
	}
	if len(expunged) != 1 || expunged[0] != 2 {
		t.Errorf("Expunge returned %v, want [2]", expunged)
	}

	count, err := mb.MessageCount(ctx)
	if err != nil || count != 2 {
		t.Fatalf("MessageCount after expunge = %d, %v, want 2, nil", count, err)
	}
}

func testUIDValidityChangesOnINBOXRename(t *testing.T, newStore NewStore) {
	ctx := context.Background()
	s := newStore(t, "alice@example.com")
	mb, err := s.OpenMailbox(ctx, "INBOX", false)
	if err != nil {
		t.Fatalf("OpenMailbox failed: %v", err)
	}
	appendMessage(t, mb, sampleMessage, nil)
	oldValidity, err := mb.UIDValidity(ctx)
	if err != nil {
		t.Fatalf("UIDValidity failed: %v", err)
	}
	mb.Close(ctx, false)

	if err := s.RenameMailbox(ctx, "INBOX", "Old"); err != nil {
		t.Fatalf("RenameMailbox(INBOX) failed: %v", err)
	}

	freshInbox, err := s.OpenMailbox(ctx, "INBOX", false)
	if err != nil {
		t.Fatalf("reopening INBOX after rename failed: %v", err)
	}
	count, err := freshInbox.MessageCount(ctx)
	if err != nil || count != 0 {
		t.Fatalf("INBOX MessageCount after rename = %d, %v, want 0, nil", count, err)
	}
	newValidity, err := freshInbox.UIDValidity(ctx)
	if err != nil {
		t.Fatalf("UIDValidity failed: %v", err)
	}
	if newValidity == oldValidity {
		t.Errorf("expected UIDVALIDITY to change after INBOX rename, stayed %d", newValidity)
	}

	old, err := s.OpenMailbox(ctx, "Old", true)
	if err != nil {
		t.Fatalf("OpenMailbox(Old) failed: %v", err)
	}
	oldCount, err := old.MessageCount(ctx)
	if err != nil || oldCount != 1 {
		t.Fatalf("Old MessageCount = %d, %v, want 1, nil", oldCount, err)
	}
}

// testUIDValidityChangesOnPlainRename covers the non-INBOX branch of
// RenameMailbox, which spec.md §3/§4.7.1 require to bump UIDVALIDITY the
// same as the INBOX special case does.
func testUIDValidityChangesOnPlainRename(t *testing.T, newStore NewStore) {
	ctx := context.Background()
	s := newStore(t, "alice@example.com")
	if err := s.CreateMailbox(ctx, "Reports"); err != nil {
		t.Fatalf("CreateMailbox failed: %v", err)
	}
	mb, err := s.OpenMailbox(ctx, "Reports", false)
	if err != nil {
		t.Fatalf("OpenMailbox failed: %v", err)
	}
	appendMessage(t, mb, sampleMessage, nil)
	oldValidity, err := mb.UIDValidity(ctx)
	if err != nil {
		t.Fatalf("UIDValidity failed: %v", err)
	}
	mb.Close(ctx, false)

	if err := s.RenameMailbox(ctx, "Reports", "Archived"); err != nil {
		t.Fatalf("RenameMailbox failed: %v", err)
	}

	renamed, err := s.OpenMailbox(ctx, "Archived", true)
	if err != nil {
		t.Fatalf("OpenMailbox(Archived) failed: %v", err)
	}
	count, err := renamed.MessageCount(ctx)
	if err != nil || count != 1 {
		t.Fatalf("Archived MessageCount = %d, %v, want 1, nil", count, err)
	}
	newValidity, err := renamed.UIDValidity(ctx)
	if err != nil {
		t.Fatalf("UIDValidity failed: %v", err)
	}
	if newValidity == oldValidity {
		t.Errorf("expected UIDVALIDITY to change after rename, stayed %d", newValidity)
	}
}

// testConcurrentHandlesDoNotDuplicateUIDs reproduces the scenario of two
// live handles open on the same mailbox: each must see the other's
// append, so UID allocation stays linearisable (spec.md §1/§5) and no two
// messages are ever assigned the same UID or spool filename.
func testConcurrentHandlesDoNotDuplicateUIDs(t *testing.T, newStore NewStore) {
	ctx := context.Background()
	s := newStore(t, "alice@example.com")

	a, err := s.OpenMailbox(ctx, "INBOX", false)
	if err != nil {
		t.Fatalf("OpenMailbox(a) failed: %v", err)
	}
	b, err := s.OpenMailbox(ctx, "INBOX", false)
	if err != nil {
		t.Fatalf("OpenMailbox(b) failed: %v", err)
	}

	uidA := appendMessage(t, a, sampleMessage, nil)
	uidB := appendMessage(t, b, sampleMessage, nil)
	if uidA == uidB {
		t.Fatalf("handles assigned duplicate UID %d to distinct messages", uidA)
	}

	inbox, err := s.OpenMailbox(ctx, "INBOX", true)
	if err != nil {
		t.Fatalf("OpenMailbox failed: %v", err)
	}
	count, err := inbox.MessageCount(ctx)
	if err != nil || count != 2 {
		t.Fatalf("MessageCount = %d, %v, want 2, nil", count, err)
	}
}

func testCreateDuplicateMailboxFails(t *testing.T, newStore NewStore) {
	ctx := context.Background()
	s := newStore(t, "alice@example.com")
	if err := s.CreateMailbox(ctx, "Reports"); err != nil {
		t.Fatalf("CreateMailbox failed: %v", err)
	}
	if err := s.CreateMailbox(ctx, "Reports"); err == nil {
		t.Error("expected error creating duplicate mailbox")
	} else if merr, ok := err.(*mailbox.Error); ok && merr.Kind != mailbox.KindExists {
		t.Errorf("expected KindExists, got %v", merr.Kind)
	}
}

func testDeleteINBOXFails(t *testing.T, newStore NewStore) {
	ctx := context.Background()
	s := newStore(t, "alice@example.com")
	if err := s.DeleteMailbox(ctx, "INBOX"); err == nil {
		t.Error("expected error deleting INBOX")
	} else if merr, ok := err.(*mailbox.Error); ok && merr.Kind != mailbox.KindUnsupported {
		t.Errorf("expected KindUnsupported, got %v", merr.Kind)
	}
}

func testDeleteMailboxWithChildrenFails(t *testing.T, newStore NewStore) {
	ctx := context.Background()
	s := newStore(t, "alice@example.com")
	delim := s.HierarchyDelimiter()
	parent := "Work"
	child := "Work" + string(delim) + "Projects"
	if err := s.CreateMailbox(ctx, parent); err != nil {
		t.Fatalf("CreateMailbox(parent) failed: %v", err)
	}
	if err := s.CreateMailbox(ctx, child); err != nil {
		t.Fatalf("CreateMailbox(child) failed: %v", err)
	}
	if err := s.DeleteMailbox(ctx, parent); err == nil {
		t.Error("expected error deleting mailbox with children")
	} else if merr, ok := err.(*mailbox.Error); ok && merr.Kind != mailbox.KindHasChildren {
		t.Errorf("expected KindHasChildren, got %v", merr.Kind)
	}
}

func testCopyPreservesSource(t *testing.T, newStore NewStore) {
	ctx := context.Background()
	s := newStore(t, "alice@example.com")
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
	if count, err := archive.MessageCount(ctx); err != nil || count != 1 {
		t.Fatalf("Archive MessageCount = %d, %v, want 1, nil", count, err)
	}
	if count, err := inbox.MessageCount(ctx); err != nil || count != 1 {
		t.Fatalf("INBOX MessageCount after copy = %d, %v, want 1, nil", count, err)
	}
}

func testMovePreservesDestinationRemovesSource(t *testing.T, newStore NewStore) {
	ctx := context.Background()
	s := newStore(t, "alice@example.com")
	if err := s.CreateMailbox(ctx, "Archive"); err != nil {
		t.Fatalf("CreateMailbox failed: %v", err)
	}
	inbox, err := s.OpenMailbox(ctx, "INBOX", false)
	if err != nil {
		t.Fatalf("OpenMailbox failed: %v", err)
	}
	appendMessage(t, inbox, sampleMessage, nil)

	mapping, err := inbox.Move(ctx, []uint32{1}, "Archive")
	if err != nil {
		t.Fatalf("Move failed: %v", err)
	}
	if _, ok := mapping[1]; !ok {
		t.Fatalf("Move mapping missing source seqnum 1: %v", mapping)
	}

	archive, err := s.OpenMailbox(ctx, "Archive", true)
	if err != nil {
		t.Fatalf("OpenMailbox(Archive) failed: %v", err)
	}
	if count, err := archive.MessageCount(ctx); err != nil || count != 1 {
		t.Fatalf("Archive MessageCount = %d, %v, want 1, nil", count, err)
	}
	if count, err := inbox.MessageCount(ctx); err != nil || count != 0 {
		t.Fatalf("INBOX MessageCount after move = %d, %v, want 0, nil", count, err)
	}
}

func testSearchMatchesBySubject(t *testing.T, newStore NewStore) {
	ctx := context.Background()
	s := newStore(t, "alice@example.com")
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

	expr, err = search.Parse(`SUBJECT "nonexistent"`)
	if err != nil {
		t.Fatalf("search.Parse failed: %v", err)
	}
	matches, err = mb.Search(ctx, expr)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("Search matches = %v, want none", matches)
	}
}

func testSubscriptionsAreIndependentOfExistence(t *testing.T, newStore NewStore) {
	ctx := context.Background()
	s := newStore(t, "alice@example.com")
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

	// Deleting a mailbox does not have to clear its subscription entry
	// per IMAP semantics (a client may stay subscribed to a
	// nonexistent mailbox), so only unsubscribe is checked here.
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
