package maildir

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gumdrop-mail/gumdrop/framework/log"
	"github.com/gumdrop-mail/gumdrop/internal/mailbox"
	"github.com/gumdrop-mail/gumdrop/internal/mailbox/namecodec"
	"github.com/gumdrop-mail/gumdrop/internal/storage/metacache"
)

// Store is the Maildir MailboxStore: one per-user hierarchy rooted at
// <baseDir>/<encoded-user>/mailboxes/<encoded-segment>/.../ with INBOX
// pinned to the literal "INBOX" subdirectory, mirroring
// internal/storage/mboxfile's layout convention so both backends share
// one mental model of the on-disk hierarchy.
type Store struct {
	baseDir   string
	delimiter rune
	log       log.Logger

	mu      sync.Mutex
	user    string
	userDir string
	subs    map[string]bool

	cache metacache.Cache
}

const defaultDelimiter = '.'

// New builds a Store rooted at baseDir. Open must be called before any
// other method.
func New(baseDir string, logger log.Logger) *Store {
	return &Store{baseDir: baseDir, delimiter: defaultDelimiter, log: logger, cache: metacache.Disabled{}}
}

// SetCache installs a metadata-cache accelerator. Passing nil reverts to
// metacache.Disabled{}.
func (s *Store) SetCache(c metacache.Cache) {
	if c == nil {
		c = metacache.Disabled{}
	}
	s.cache = c
}

func (s *Store) Open(ctx context.Context, user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.user = user
	s.userDir = filepath.Join(s.baseDir, namecodec.Encode(user), "mailboxes")
	if err := os.MkdirAll(s.userDir, 0o700); err != nil {
		return mailbox.Wrap(mailbox.KindIO, user, "create user mailbox root", err)
	}

	inbox := s.dirForLocked("INBOX")
	if _, err := os.Stat(inbox); os.IsNotExist(err) {
		if err := ensureMaildirLayout(inbox); err != nil {
			return mailbox.Wrap(mailbox.KindIO, "INBOX", "create INBOX", err)
		}
		validity, err := s.newUIDValidity()
		if err != nil {
			return err
		}
		m := &meta{dir: inbox, uidValidity: validity, uidNext: 1,
			baseUID: map[string]uint32{}, uidBase: map[uint32]string{}}
		if err := m.persist(); err != nil {
			return err
		}
	}

	subs, err := s.loadSubscriptions()
	if err != nil {
		return err
	}
	s.subs = subs
	return nil
}

func (s *Store) Close(ctx context.Context) error { return nil }

func (s *Store) HierarchyDelimiter() rune { return s.delimiter }

// dirForLocked maps a mailbox name to its on-disk directory. Must be
// called with s.mu held.
func (s *Store) dirForLocked(name string) string {
	if mailbox.IsInbox(name) {
		return filepath.Join(s.userDir, "INBOX")
	}
	segments := strings.Split(name, string(s.delimiter))
	encoded := make([]string, len(segments))
	for i, seg := range segments {
		encoded[i] = namecodec.Encode(seg)
	}
	return filepath.Join(append([]string{s.userDir}, encoded...)...)
}

func (s *Store) dirFor(name string) (string, error) {
	if err := mailbox.ValidateName(name, s.delimiter); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirForLocked(name), nil
}

func (s *Store) resolveDir(name string) (string, error) {
	dir, err := s.dirFor(name)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return "", mailbox.Wrap(mailbox.KindNotFound, name, "no such mailbox", nil)
	}
	return dir, nil
}

func (s *Store) subscriptionsPath() string {
	return filepath.Join(s.userDir, "..", ".subscriptions")
}

func (s *Store) loadSubscriptions() (map[string]bool, error) {
	subs := map[string]bool{}
	f, err := os.Open(s.subscriptionsPath())
	if os.IsNotExist(err) {
		return subs, nil
	}
	if err != nil {
		return nil, mailbox.Wrap(mailbox.KindIO, s.user, "read subscriptions", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			subs[line] = true
		}
	}
	return subs, scanner.Err()
}

func (s *Store) saveSubscriptionsLocked() error {
	names := make([]string, 0, len(s.subs))
	for n := range s.subs {
		names = append(names, n)
	}
	sort.Strings(names)
	return writeAtomic(s.subscriptionsPath(), []byte(strings.Join(names, "\n")+"\n"))
}

// isMailboxDir reports whether an entry scanned inside the hierarchy
// represents a nested mailbox rather than a Maildir's own cur/new/tmp
// subdirectories or a dot-prefixed index/lock file.
func isMailboxDir(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	switch name {
	case "cur", "new", "tmp":
		return false
	}
	return true
}

func (s *Store) ListMailboxes(ctx context.Context, ref, pattern string) ([]string, error) {
	return s.list(ctx, ref, pattern, nil)
}

func (s *Store) ListSubscribed(ctx context.Context, ref, pattern string) ([]string, error) {
	s.mu.Lock()
	subs := s.subs
	s.mu.Unlock()
	return s.list(ctx, ref, pattern, subs)
}

// list resolves ref+pattern against the on-disk hierarchy. A literal,
// wildcard-free pattern with no subscription filter is the common
// existence check a SELECT/STATUS does before touching a mailbox; for
// that case the metadata cache is consulted first so the common path
// skips the recursive directory walk entirely (§8.4 accelerator). A
// cache hit is still verified with a single Stat before being trusted,
// so a stale row can never change what names are reported — only a
// miss or a wildcard pattern pays for the full walk, which also repairs
// the cache row for next time.
func (s *Store) list(ctx context.Context, ref, pattern string, filter map[string]bool) ([]string, error) {
	full := ref + pattern
	exact := filter == nil && !strings.ContainsAny(full, "*%")

	if exact {
		if _, ok := s.cache.Lookup(ctx, s.user, full); ok {
			if dir, err := s.dirFor(full); err == nil {
				if _, statErr := os.Stat(dir); statErr == nil {
					return []string{full}, nil
				}
			}
			s.cache.Forget(ctx, s.user, full)
		}
	}

	var names []string
	err := filepath.WalkDir(s.userDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || !d.IsDir() || path == s.userDir {
			return nil
		}
		if !isMailboxDir(d.Name()) {
			return filepath.SkipDir
		}
		rel, rerr := filepath.Rel(s.userDir, path)
		if rerr != nil {
			return nil
		}
		name := decodePathToName(rel, s.delimiter)
		if filter != nil && !filter[name] {
			return nil
		}
		if mailbox.MatchPattern(name, full, s.delimiter) {
			names = append(names, name)
		}
		return nil
	})
	if err != nil {
		return nil, mailbox.Wrap(mailbox.KindIO, s.user, "list mailboxes", err)
	}
	sort.Strings(names)

	if exact && len(names) == 1 {
		s.cache.Store(ctx, metacache.Entry{User: s.user, Mailbox: names[0]})
	}

	return names, nil
}

// parentName returns the immediate parent of name in the hierarchy, if
// any. Used to drop a cached HasChildren/HasNoChildren attribute that a
// sibling create/delete/rename may have just made stale.
func parentName(name string, delimiter rune) (string, bool) {
	idx := strings.LastIndex(name, string(delimiter))
	if idx < 0 {
		return "", false
	}
	return name[:idx], true
}

func encodeAttributes(attrs []mailbox.Attribute) string {
	parts := make([]string, len(attrs))
	for i, a := range attrs {
		parts[i] = string(a)
	}
	return strings.Join(parts, ",")
}

func decodeAttributes(s string) []mailbox.Attribute {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	attrs := make([]mailbox.Attribute, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			attrs = append(attrs, mailbox.Attribute(p))
		}
	}
	return attrs
}

// specialUseAttrs returns the fixed special-use attribute for the
// well-known mailbox names, if any.
func specialUseAttrs(name string) []mailbox.Attribute {
	switch strings.ToUpper(name) {
	case "DRAFTS":
		return []mailbox.Attribute{mailbox.AttrDrafts}
	case "SENT":
		return []mailbox.Attribute{mailbox.AttrSent}
	case "TRASH":
		return []mailbox.Attribute{mailbox.AttrTrash}
	case "JUNK", "SPAM":
		return []mailbox.Attribute{mailbox.AttrJunk}
	case "ARCHIVE":
		return []mailbox.Attribute{mailbox.AttrArchive}
	}
	return nil
}

func decodePathToName(rel string, delimiter rune) string {
	if rel == "INBOX" {
		return "INBOX"
	}
	parts := strings.Split(rel, string(filepath.Separator))
	decoded := make([]string, len(parts))
	for i, p := range parts {
		decoded[i] = namecodec.Decode(p)
	}
	return strings.Join(decoded, string(delimiter))
}

func (s *Store) Subscribe(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[name] = true
	return s.saveSubscriptionsLocked()
}

func (s *Store) Unsubscribe(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, name)
	return s.saveSubscriptionsLocked()
}

func (s *Store) OpenMailbox(ctx context.Context, name string, readOnly bool) (mailbox.Mailbox, error) {
	dir, err := s.resolveDir(name)
	if err != nil {
		return nil, err
	}
	mb, err := openMailboxDir(name, dir, readOnly, s.log, s.resolveDir)
	if err != nil {
		return nil, err
	}
	if !readOnly {
		user := s.user
		mb.onClose = func(mbName string, uidValidity, count uint32) {
			s.cache.Store(context.Background(), metacache.Entry{User: user, Mailbox: mbName, UIDValidity: uidValidity, MessageCount: count})
		}
	}
	return mb, nil
}

func (s *Store) CreateMailbox(ctx context.Context, name string) error {
	dir, err := s.dirFor(name)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dir); err == nil {
		return mailbox.Wrap(mailbox.KindExists, name, "mailbox already exists", nil)
	}
	if err := ensureMaildirLayout(dir); err != nil {
		return mailbox.Wrap(mailbox.KindIO, name, "create mailbox", err)
	}
	validity, err := s.newUIDValidity()
	if err != nil {
		return err
	}
	m := &meta{dir: dir, uidValidity: validity, uidNext: 1,
		baseUID: map[string]uint32{}, uidBase: map[uint32]string{}}
	if err := m.persist(); err != nil {
		return err
	}
	s.cache.Store(ctx, metacache.Entry{User: s.user, Mailbox: name, UIDValidity: validity, MessageCount: 0})
	if parent, ok := parentName(name, s.delimiter); ok {
		s.cache.Forget(ctx, s.user, parent)
	}
	return nil
}

func (s *Store) DeleteMailbox(ctx context.Context, name string) error {
	if mailbox.IsInbox(name) {
		return mailbox.Wrap(mailbox.KindUnsupported, name, "INBOX cannot be deleted", nil)
	}
	dir, err := s.dirFor(name)
	if err != nil {
		return err
	}

	lock := globalLocks.forDir(dir)
	lock.Lock()
	defer lock.Unlock()

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return mailbox.Wrap(mailbox.KindNotFound, name, "no such mailbox", nil)
		}
		return mailbox.Wrap(mailbox.KindIO, name, "read mailbox directory", err)
	}
	for _, e := range entries {
		if e.IsDir() && isMailboxDir(e.Name()) {
			return mailbox.Wrap(mailbox.KindHasChildren, name, "mailbox has child mailboxes", nil)
		}
	}
	if err := os.RemoveAll(dir); err != nil {
		return mailbox.Wrap(mailbox.KindIO, name, "delete mailbox", err)
	}
	s.cache.Forget(ctx, s.user, name)
	if parent, ok := parentName(name, s.delimiter); ok {
		s.cache.Forget(ctx, s.user, parent)
	}
	return nil
}

func (s *Store) RenameMailbox(ctx context.Context, oldName, newName string) error {
	oldDir, err := s.dirFor(oldName)
	if err != nil {
		return err
	}
	newDir, err := s.dirFor(newName)
	if err != nil {
		return err
	}

	unlock := lockOrdered(oldDir, newDir)
	defer unlock()

	if _, err := os.Stat(oldDir); os.IsNotExist(err) {
		return mailbox.Wrap(mailbox.KindNotFound, oldName, "no such mailbox", nil)
	}
	if _, err := os.Stat(newDir); err == nil {
		return mailbox.Wrap(mailbox.KindExists, newName, "destination mailbox already exists", nil)
	}
	if err := os.MkdirAll(filepath.Dir(newDir), 0o700); err != nil {
		return mailbox.Wrap(mailbox.KindIO, newName, "create destination parent", err)
	}

	if mailbox.IsInbox(oldName) {
		// RFC 3501: renaming INBOX moves its messages into a new mailbox
		// and leaves INBOX itself in place, empty, same as mboxfile.
		oldMeta, err := loadMeta(oldDir)
		if err != nil {
			return mailbox.WrapIO(oldName, "load INBOX metadata", err)
		}
		if err := ensureMaildirLayout(newDir); err != nil {
			return mailbox.Wrap(mailbox.KindIO, newName, "create rename destination", err)
		}
		for _, sub := range []string{"cur", "new"} {
			entries, err := os.ReadDir(filepath.Join(oldDir, sub))
			if err != nil {
				return mailbox.Wrap(mailbox.KindIO, oldName, "read INBOX "+sub, err)
			}
			for _, e := range entries {
				if err := os.Rename(filepath.Join(oldDir, sub, e.Name()), filepath.Join(newDir, sub, e.Name())); err != nil {
					return mailbox.Wrap(mailbox.KindIO, newName, "move INBOX message", err)
				}
			}
		}
		entries, err := os.ReadDir(oldDir)
		if err != nil {
			return mailbox.Wrap(mailbox.KindIO, oldName, "read INBOX", err)
		}
		for _, e := range entries {
			if !isMailboxDir(e.Name()) {
				continue
			}
			if err := os.Rename(filepath.Join(oldDir, e.Name()), filepath.Join(newDir, e.Name())); err != nil {
				return mailbox.Wrap(mailbox.KindIO, newName, "move INBOX child mailbox", err)
			}
		}

		kwPath := filepath.Join(oldDir, ".keywords")
		if _, err := os.Stat(kwPath); err == nil {
			os.Rename(kwPath, filepath.Join(newDir, ".keywords"))
		}

		newMeta := &meta{
			dir:         newDir,
			uidValidity: oldMeta.uidValidity,
			uidNext:     oldMeta.uidNext,
			baseUID:     oldMeta.baseUID,
			uidBase:     oldMeta.uidBase,
		}
		if err := newMeta.persist(); err != nil {
			return err
		}

		validity, err := s.newUIDValidity()
		if err != nil {
			return err
		}
		freshInbox := &meta{dir: oldDir, uidValidity: validity, uidNext: 1,
			baseUID: map[string]uint32{}, uidBase: map[uint32]string{}}
		if err := freshInbox.persist(); err != nil {
			return err
		}
		s.cache.Store(ctx, metacache.Entry{User: s.user, Mailbox: newName, UIDValidity: newMeta.uidValidity, MessageCount: uint32(len(newMeta.baseUID))})
		s.cache.Store(ctx, metacache.Entry{User: s.user, Mailbox: oldName, UIDValidity: validity, MessageCount: 0})
		if parent, ok := parentName(newName, s.delimiter); ok {
			s.cache.Forget(ctx, s.user, parent)
		}
		return nil
	}

	if err := os.Rename(oldDir, newDir); err != nil {
		return mailbox.Wrap(mailbox.KindIO, newName, "rename mailbox", err)
	}

	// UIDVALIDITY MUST bump for the renamed mailbox (spec.md §3, §4.7.1):
	// clients must not reuse UIDs from the old name's session cache
	// against the same messages under the new name.
	newMeta, err := loadMeta(newDir)
	if err != nil {
		return mailbox.WrapIO(newName, "load renamed mailbox metadata", err)
	}
	validity, err := s.newUIDValidity()
	if err != nil {
		return err
	}
	newMeta.uidValidity = validity
	if err := newMeta.persist(); err != nil {
		return err
	}

	s.cache.Forget(ctx, s.user, oldName)
	s.cache.Store(ctx, metacache.Entry{User: s.user, Mailbox: newName, UIDValidity: validity, MessageCount: uint32(len(newMeta.baseUID))})
	if parent, ok := parentName(oldName, s.delimiter); ok {
		s.cache.Forget(ctx, s.user, parent)
	}
	if parent, ok := parentName(newName, s.delimiter); ok {
		s.cache.Forget(ctx, s.user, parent)
	}
	return nil
}

// GetMailboxAttributes reports the structural and special-use attributes
// of name. The structural/special-use portion is cached (§8.4 accelerator)
// since it only changes on a sibling create/delete/rename, each of which
// invalidates it explicitly; AttrSubscribed is session state and is never
// cached.
func (s *Store) GetMailboxAttributes(ctx context.Context, name string) ([]mailbox.Attribute, error) {
	cached, hit := s.cache.Lookup(ctx, s.user, name)

	var attrs []mailbox.Attribute
	if hit && cached.Attributes != "" {
		attrs = decodeAttributes(cached.Attributes)
	} else {
		dir, err := s.resolveDir(name)
		if err != nil {
			return nil, err
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, mailbox.Wrap(mailbox.KindIO, name, "read mailbox directory", err)
		}
		hasChildren := false
		for _, e := range entries {
			if e.IsDir() && isMailboxDir(e.Name()) {
				hasChildren = true
				break
			}
		}

		if hasChildren {
			attrs = append(attrs, mailbox.AttrHasChildren)
		} else {
			attrs = append(attrs, mailbox.AttrHasNoChildren)
		}
		attrs = append(attrs, specialUseAttrs(name)...)

		cached.User, cached.Mailbox = s.user, name
		cached.Attributes = encodeAttributes(attrs)
		s.cache.Store(ctx, cached)
	}

	s.mu.Lock()
	subscribed := s.subs[name]
	s.mu.Unlock()
	if subscribed {
		attrs = append(attrs, mailbox.AttrSubscribed)
	}
	return attrs, nil
}

func (s *Store) Usage(ctx context.Context) (messages uint64, octets uint64, err error) {
	names, err := s.ListMailboxes(ctx, "", "*")
	if err != nil {
		return 0, 0, err
	}
	for _, name := range names {
		mb, err := s.OpenMailbox(ctx, name, true)
		if err != nil {
			continue
		}
		count, err := mb.MessageCount(ctx)
		if err != nil {
			continue
		}
		size, err := mb.MailboxSize(ctx)
		if err != nil {
			continue
		}
		messages += uint64(count)
		octets += uint64(size)
	}
	return messages, octets, nil
}

func (s *Store) Capabilities() []string {
	return []string{"QUOTA", "SPECIAL-USE"}
}

// newUIDValidity allocates a fresh UIDVALIDITY by incrementing a counter
// file shared across every mailbox under the user root, mirroring
// internal/storage/mboxfile's counter-file scheme.
func (s *Store) newUIDValidity() (uint32, error) {
	path := filepath.Join(s.userDir, "..", ".uidvalidity-counter")
	n, err := readCounterFile(path)
	if err != nil {
		return 0, mailbox.WrapIO(s.user, "read uidvalidity counter", err)
	}
	n++
	if err := writeCounterFileAtomic(path, n); err != nil {
		return 0, mailbox.Wrap(mailbox.KindIO, s.user, "write uidvalidity counter", err)
	}
	return n, nil
}
