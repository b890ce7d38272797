// Package mailbox defines the backend-independent surface of the
// mailbox access core: the Mailbox and MailboxStore interfaces, the
// closed Flag/Attribute vocabularies, and the error taxonomy shared by
// every storage backend (gumdrop mailbox core, component C7).
//
// Two backends implement this surface: internal/storage/mboxfile (one
// file per message, the reference on-disk layout) and
// internal/storage/maildir (Courier/qmail Maildir).
package mailbox

import (
	"context"
	"io"
	"time"

	"github.com/gumdrop-mail/gumdrop/framework/exterrors"
	"github.com/gumdrop-mail/gumdrop/internal/mailbox/search"
)

// Flag is one of the six permanent-or-session IMAP flags.
type Flag string

const (
	FlagSeen     Flag = "Seen"
	FlagAnswered Flag = "Answered"
	FlagFlagged  Flag = "Flagged"
	FlagDeleted  Flag = "Deleted"
	FlagDraft    Flag = "Draft"
	FlagRecent   Flag = "Recent"
)

// PermanentFlags is every flag a client may set via STORE; Recent is
// excluded, being session-local and read-only to clients.
var PermanentFlags = []Flag{FlagSeen, FlagAnswered, FlagFlagged, FlagDeleted, FlagDraft}

// WireName renders f in its RFC 3501 wire form, e.g. "\Seen".
func (f Flag) WireName() string {
	return "\\" + string(f)
}

// flagLetters is the on-disk single-letter encoding shared by both
// storage backends: the Maildir info-suffix letters (§4.3), reused by
// the mboxfile backend's .flags index so the two backends serialize
// permanent flags identically. Recent has no letter: it is never
// persisted, being derived at open time from a message's on-disk
// location (Maildir) or simply never set (mboxfile).
var flagLetters = map[Flag]byte{
	FlagDraft:    'D',
	FlagFlagged:  'F',
	FlagAnswered: 'R',
	FlagSeen:     'S',
	FlagDeleted:  'T',
}

var letterFlags = map[byte]Flag{
	'D': FlagDraft,
	'F': FlagFlagged,
	'R': FlagAnswered,
	'S': FlagSeen,
	'T': FlagDeleted,
}

// FlagLetter returns the persisted letter for f, if it has one.
func FlagLetter(f Flag) (byte, bool) {
	b, ok := flagLetters[f]
	return b, ok
}

// LetterFlag reverses FlagLetter.
func LetterFlag(b byte) (Flag, bool) {
	f, ok := letterFlags[b]
	return f, ok
}

// Attribute is a mailbox attribute drawn from the closed vocabulary of
// §3: structural flags, subscription/existence state, and the
// special-use tags. HasChildren and AttrHasNoChildren are mutually
// exclusive.
type Attribute string

const (
	AttrNoinferiors    Attribute = "Noinferiors"
	AttrNoselect       Attribute = "Noselect"
	AttrMarked         Attribute = "Marked"
	AttrUnmarked       Attribute = "Unmarked"
	AttrHasChildren    Attribute = "HasChildren"
	AttrHasNoChildren  Attribute = "HasNoChildren"
	AttrSubscribed     Attribute = "Subscribed"
	AttrNonExistent    Attribute = "NonExistent"
	AttrRemote         Attribute = "Remote"
	AttrAll            Attribute = "All"
	AttrArchive        Attribute = "Archive"
	AttrDrafts         Attribute = "Drafts"
	AttrFlagged        Attribute = "Flagged"
	AttrImportant      Attribute = "Important"
	AttrJunk           Attribute = "Junk"
	AttrSent           Attribute = "Sent"
	AttrTrash          Attribute = "Trash"
)

// Kind is the abstract error taxonomy of §7. A Kind never appears bare:
// it is always carried by an *Error so the caller also gets a message
// and, via Unwrap, the underlying cause.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindExists
	KindHasChildren
	KindInUse
	KindUnsupported
	KindInvalidName
	KindInvalidState
	KindParseError
	KindIO
	KindCorrupt
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindExists:
		return "Exists"
	case KindHasChildren:
		return "HasChildren"
	case KindInUse:
		return "InUse"
	case KindUnsupported:
		return "Unsupported"
	case KindInvalidName:
		return "InvalidName"
	case KindInvalidState:
		return "InvalidState"
	case KindParseError:
		return "ParseError"
	case KindIO:
		return "IO"
	case KindCorrupt:
		return "Corrupt"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type returned by every operation in this
// package. Local per-message corruption is handled by logging and
// skipping inside the backend; everything else is surfaced to the
// caller as an *Error, never swallowed.
type Error struct {
	Kind    Kind
	Name    string // mailbox name or other offending identifier, if applicable
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Name != "" {
		return e.Kind.String() + ": " + e.Name + ": " + e.Message
	}
	return e.Kind.String() + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, mailbox.KindNotFound) style checks against a
// bare Kind sentinel.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && e.Kind == k
}

func (k Kind) Error() string { return k.String() }

// Wrap builds an *Error of kind k wrapping cause, with an optional name.
func Wrap(k Kind, name, message string, cause error) *Error {
	return &Error{Kind: k, Name: name, Message: message, Cause: cause}
}

// WrapIO wraps a filesystem-layer failure, classifying it as KindIO when
// exterrors.IsTemporary reports the cause is worth retrying and KindCorrupt
// otherwise (a malformed index file, for instance, will not fix itself on
// retry and needs operator attention).
func WrapIO(name, message string, cause error) *Error {
	if cause != nil && !exterrors.IsTemporary(cause) {
		return Wrap(KindCorrupt, name, message, cause)
	}
	return Wrap(KindIO, name, message, cause)
}

// Descriptor is the cheap, eagerly available metadata for one message
// within an open Mailbox — the basis msgctx.Descriptor is built from
// when a MessageContext is materialised for search.
type Descriptor struct {
	SeqNum       uint32
	UID          uint32
	Size         int64
	Flags        map[Flag]bool
	Keywords     map[string]bool
	InternalDate time.Time
}

// MessageIterator yields descriptors in ascending sequence order. It is
// a lazy iterator: backends are not required to materialise the whole
// mailbox up front.
type MessageIterator interface {
	Next() (Descriptor, bool)
	Err() error
}

// FlagUpdate is the STORE-style add/remove/replace flag operation
// passed to Mailbox.SetFlags / ReplaceFlags.
type FlagUpdate struct {
	Flags    map[Flag]bool
	Keywords map[string]bool
}

// Mailbox is one open mailbox handle. All methods are safe under
// concurrent invocation from multiple goroutines sharing one handle.
type Mailbox interface {
	Name() string

	MessageCount(ctx context.Context) (uint32, error)
	MailboxSize(ctx context.Context) (int64, error)
	MessageList(ctx context.Context) (MessageIterator, error)
	Message(ctx context.Context, n uint32) (Descriptor, error)

	MessageContent(ctx context.Context, n uint32) (io.ReadCloser, error)
	MessageTop(ctx context.Context, n uint32, bodyLines int) (io.ReadCloser, error)

	Flags(ctx context.Context, n uint32) (map[Flag]bool, map[string]bool, error)
	SetFlags(ctx context.Context, n uint32, update FlagUpdate, add bool) error
	ReplaceFlags(ctx context.Context, n uint32, update FlagUpdate) error
	PermanentFlags() []Flag

	DeleteMessage(ctx context.Context, n uint32) error
	IsDeleted(ctx context.Context, n uint32) (bool, error)
	UndeleteAll(ctx context.Context) error
	Expunge(ctx context.Context) ([]uint32, error)

	Close(ctx context.Context, expunge bool) error

	UniqueID(ctx context.Context, n uint32) (uint32, error)
	UIDValidity(ctx context.Context) (uint32, error)
	UIDNext(ctx context.Context) (uint32, error)

	StartAppend(ctx context.Context, flags map[Flag]bool, internalDate time.Time) error
	AppendContent(ctx context.Context, buf []byte) error
	EndAppend(ctx context.Context) (uint32, error)

	Copy(ctx context.Context, numbers []uint32, destName string) (map[uint32]uint32, error)
	Move(ctx context.Context, numbers []uint32, destName string) (map[uint32]uint32, error)

	Search(ctx context.Context, expr *search.Expression) ([]uint32, error)
}

// MailboxStore is a per-user hierarchy manager: the factory returns a
// fresh store per session, so its methods need only be reentrant within
// one logical user, unlike Mailbox which may be shared across sessions.
type MailboxStore interface {
	Open(ctx context.Context, user string) error
	Close(ctx context.Context) error

	HierarchyDelimiter() rune

	ListMailboxes(ctx context.Context, ref, pattern string) ([]string, error)
	ListSubscribed(ctx context.Context, ref, pattern string) ([]string, error)
	Subscribe(ctx context.Context, name string) error
	Unsubscribe(ctx context.Context, name string) error

	OpenMailbox(ctx context.Context, name string, readOnly bool) (Mailbox, error)
	CreateMailbox(ctx context.Context, name string) error
	DeleteMailbox(ctx context.Context, name string) error
	RenameMailbox(ctx context.Context, oldName, newName string) error

	GetMailboxAttributes(ctx context.Context, name string) ([]Attribute, error)

	// Usage reports the supplemented per-account quota view: total
	// stored octets and message count across every mailbox. Not part of
	// the base spec surface, but cheap to derive from the same metadata
	// every backend already tracks.
	Usage(ctx context.Context) (messages uint64, octets uint64, err error)

	// Capabilities reports backend-specific IMAP capability strings
	// (e.g. "QUOTA", "SPECIAL-USE") the protocol front end should
	// advertise for this store.
	Capabilities() []string
}
