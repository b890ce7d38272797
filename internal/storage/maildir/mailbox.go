package maildir

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gumdrop-mail/gumdrop/framework/log"
	"github.com/gumdrop-mail/gumdrop/internal/mailbox"
	"github.com/gumdrop-mail/gumdrop/internal/mailbox/keywords"
	"github.com/gumdrop-mail/gumdrop/internal/mailbox/maildirname"
	"github.com/gumdrop-mail/gumdrop/internal/mailbox/msgctx"
	"github.com/gumdrop-mail/gumdrop/internal/mailbox/search"
)

type appendState struct {
	tmpPath      string
	finalName    maildirname.Name
	spool        *os.File
	internalDate time.Time
}

// Mailbox is the Maildir backend's Mailbox implementation. A message's
// descriptor is derived fresh from its current filename on every access
// that needs flags/keywords, rather than cached, since the filename
// itself is the source of truth for C3's encoding.
type Mailbox struct {
	name     string
	dir      string // contains cur/, new/, tmp/
	readOnly bool
	log      log.Logger

	resolveDir func(name string) (string, error)

	mu       sync.Mutex
	meta     *meta
	keywords *keywords.Table
	// recent holds the base names moved from new/ into cur/ during this
	// handle's open call: Recent is session-scoped and is never persisted
	// to the filename (maildirname.Flag has no Recent letter).
	recent map[string]bool

	appendMu sync.Mutex
	appendSt *appendState

	// onClose, if set, is notified with the mailbox's post-close
	// UIDVALIDITY and message count so a caller-side listing cache can
	// refresh its snapshot. Left nil when no cache is configured.
	onClose func(name string, uidValidity, count uint32)
}

func ensureMaildirLayout(dir string) error {
	for _, sub := range []string{"cur", "new", "tmp"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o700); err != nil {
			return err
		}
	}
	return nil
}

func openMailboxDir(name, dir string, readOnly bool, logger log.Logger, resolveDir func(string) (string, error)) (*Mailbox, error) {
	lock := globalLocks.forDir(dir)
	lock.Lock()
	defer lock.Unlock()

	if err := ensureMaildirLayout(dir); err != nil {
		return nil, mailbox.Wrap(mailbox.KindIO, name, "create maildir layout", err)
	}

	m, err := loadMeta(dir)
	if err != nil {
		return nil, mailbox.WrapIO(name, "load mailbox metadata", err)
	}

	kw := keywords.New(filepath.Join(dir, ".keywords"), logger)
	if err := kw.Load(); err != nil {
		return nil, mailbox.WrapIO(name, "load keyword table", err)
	}

	mb := &Mailbox{name: name, dir: dir, readOnly: readOnly, log: logger,
		resolveDir: resolveDir, meta: m, keywords: kw, recent: map[string]bool{}}

	if !readOnly {
		if err := mb.promoteNewLocked(); err != nil {
			return nil, err
		}
	}
	return mb, nil
}

// promoteNewLocked moves every file in new/ into cur/ (appending the
// default ":2," info suffix if absent), recording each as Recent for the
// lifetime of this handle. Must be called with the directory lock held.
func (mb *Mailbox) promoteNewLocked() error {
	newDir := filepath.Join(mb.dir, "new")
	entries, err := os.ReadDir(newDir)
	if err != nil {
		return mailbox.Wrap(mailbox.KindIO, mb.name, "read new/", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n, err := maildirname.Parse(e.Name())
		if err != nil {
			mb.log.Printf("maildir %s: skipping malformed filename in new/: %v", mb.name, err)
			continue
		}
		if n.Flags == nil {
			n.Flags = map[maildirname.Flag]bool{}
			n.Keywords = map[byte]bool{}
		}
		target := filepath.Join(mb.dir, "cur", n.String())
		if err := os.Rename(filepath.Join(newDir, e.Name()), target); err != nil {
			return mailbox.Wrap(mailbox.KindIO, mb.name, "promote new/ message", err)
		}
		mb.recent[n.Base()] = true
	}
	return nil
}

func (mb *Mailbox) Name() string { return mb.name }

// reload re-reads the UID index from disk, discarding this handle's
// in-memory meta. Call under the directory lock before any mutation that
// reads or allocates a UID, since a sibling handle open on the same
// mailbox may have appended or expunged since this handle's meta was
// last loaded.
func (mb *Mailbox) reload() error {
	m, err := loadMeta(mb.dir)
	if err != nil {
		return mailbox.WrapIO(mb.name, "reload mailbox metadata", err)
	}
	mb.meta = m
	return nil
}

type messageFile struct {
	filename string // bare filename, no directory
	name     maildirname.Name
	info     os.FileInfo
}

func (mb *Mailbox) scanCurLocked() ([]messageFile, error) {
	curDir := filepath.Join(mb.dir, "cur")
	entries, err := os.ReadDir(curDir)
	if err != nil {
		return nil, mailbox.Wrap(mailbox.KindIO, mb.name, "read cur/", err)
	}
	var files []messageFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n, err := maildirname.Parse(e.Name())
		if err != nil {
			mb.log.Printf("maildir %s: skipping malformed filename %q: %v", mb.name, e.Name(), err)
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, messageFile{filename: e.Name(), name: n, info: info})
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].name.Timestamp != files[j].name.Timestamp {
			return files[i].name.Timestamp < files[j].name.Timestamp
		}
		return files[i].name.Unique < files[j].name.Unique
	})
	return files, nil
}

func (mb *Mailbox) descriptorsLocked() ([]mailbox.Descriptor, []messageFile, error) {
	files, err := mb.scanCurLocked()
	if err != nil {
		return nil, nil, err
	}
	descs := make([]mailbox.Descriptor, len(files))
	for i, f := range files {
		base := f.name.Base()
		uid := mb.meta.assignUID(base)

		flags := map[mailbox.Flag]bool{}
		for fl, on := range f.name.Flags {
			if !on {
				continue
			}
			switch fl {
			case maildirname.Seen:
				flags[mailbox.FlagSeen] = true
			case maildirname.Answered:
				flags[mailbox.FlagAnswered] = true
			case maildirname.Flagged:
				flags[mailbox.FlagFlagged] = true
			case maildirname.Deleted:
				flags[mailbox.FlagDeleted] = true
			case maildirname.Draft:
				flags[mailbox.FlagDraft] = true
			}
		}
		if mb.recent[base] {
			flags[mailbox.FlagRecent] = true
		}

		kwSet := map[string]bool{}
		for letter, on := range f.name.Keywords {
			if !on {
				continue
			}
			if kw, ok := mb.keywords.Lookup(keywords.IndexForLetter(letter)); ok {
				kwSet[kw] = true
			}
		}

		descs[i] = mailbox.Descriptor{
			SeqNum:       uint32(i + 1),
			UID:          uid,
			Size:         f.info.Size(),
			Flags:        flags,
			Keywords:     kwSet,
			InternalDate: f.info.ModTime(),
		}
	}
	return descs, files, nil
}

func (mb *Mailbox) MessageCount(ctx context.Context) (uint32, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	files, err := mb.scanCurLocked()
	if err != nil {
		return 0, err
	}
	return uint32(len(files)), nil
}

func (mb *Mailbox) MailboxSize(ctx context.Context) (int64, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	files, err := mb.scanCurLocked()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, f := range files {
		total += f.info.Size()
	}
	return total, nil
}

type descIterator struct {
	descs []mailbox.Descriptor
	i     int
}

func (it *descIterator) Next() (mailbox.Descriptor, bool) {
	if it.i >= len(it.descs) {
		return mailbox.Descriptor{}, false
	}
	d := it.descs[it.i]
	it.i++
	return d, true
}

func (it *descIterator) Err() error { return nil }

func (mb *Mailbox) MessageList(ctx context.Context) (mailbox.MessageIterator, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	descs, _, err := mb.descriptorsLocked()
	if err != nil {
		return nil, err
	}
	if err := mb.meta.persist(); err != nil {
		return nil, err
	}
	return &descIterator{descs: descs}, nil
}

func (mb *Mailbox) Message(ctx context.Context, n uint32) (mailbox.Descriptor, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	descs, _, err := mb.descriptorsLocked()
	if err != nil {
		return mailbox.Descriptor{}, err
	}
	if n < 1 || int(n) > len(descs) {
		return mailbox.Descriptor{}, mailbox.Wrap(mailbox.KindNotFound, mb.name, "no such message", nil)
	}
	return descs[n-1], nil
}

func (mb *Mailbox) fileForSeqLocked(n uint32) (messageFile, error) {
	_, files, err := mb.descriptorsLocked()
	if err != nil {
		return messageFile{}, err
	}
	if n < 1 || int(n) > len(files) {
		return messageFile{}, mailbox.Wrap(mailbox.KindNotFound, mb.name, "no such message", nil)
	}
	return files[n-1], nil
}

func (mb *Mailbox) MessageContent(ctx context.Context, n uint32) (io.ReadCloser, error) {
	mb.mu.Lock()
	f, err := mb.fileForSeqLocked(n)
	mb.mu.Unlock()
	if err != nil {
		return nil, err
	}
	rc, err := os.Open(filepath.Join(mb.dir, "cur", f.filename))
	if err != nil {
		return nil, mailbox.Wrap(mailbox.KindIO, mb.name, "open message content", err)
	}
	return rc, nil
}

func (mb *Mailbox) MessageTop(ctx context.Context, n uint32, bodyLines int) (io.ReadCloser, error) {
	full, err := mb.MessageContent(ctx, n)
	if err != nil {
		return nil, err
	}
	defer full.Close()
	raw, err := io.ReadAll(full)
	if err != nil {
		return nil, mailbox.Wrap(mailbox.KindIO, mb.name, "read message for TOP", err)
	}
	return io.NopCloser(topReader(raw, bodyLines)), nil
}

func topReader(raw []byte, bodyLines int) io.Reader {
	header, body := splitHeaderBlockBytes(raw)
	var out bytes.Buffer
	out.Write(header)
	out.WriteString("\r\n\r\n")
	if bodyLines < 0 {
		out.Write(body)
		return &out
	}
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for i := 0; i < bodyLines && scanner.Scan(); i++ {
		out.Write(scanner.Bytes())
		out.WriteString("\r\n")
	}
	return &out
}

func splitHeaderBlockBytes(raw []byte) (header, body []byte) {
	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx >= 0 {
		return raw[:idx], raw[idx+4:]
	}
	if idx := bytes.Index(raw, []byte("\n\n")); idx >= 0 {
		return raw[:idx], raw[idx+2:]
	}
	return raw, nil
}

func (mb *Mailbox) Flags(ctx context.Context, n uint32) (map[mailbox.Flag]bool, map[string]bool, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	descs, _, err := mb.descriptorsLocked()
	if err != nil {
		return nil, nil, err
	}
	if n < 1 || int(n) > len(descs) {
		return nil, nil, mailbox.Wrap(mailbox.KindNotFound, mb.name, "no such message", nil)
	}
	return descs[n-1].Flags, descs[n-1].Keywords, nil
}

// renameWithFlags applies a new (flags, keywords) set to the message at
// sequence n by renaming its file in place, allocating keyword letters as
// needed.
func (mb *Mailbox) renameWithFlags(n uint32, flags map[mailbox.Flag]bool, kwNames map[string]bool) error {
	if mb.readOnly {
		return mailbox.Wrap(mailbox.KindUnsupported, mb.name, "mailbox is read-only", nil)
	}
	lock := globalLocks.forDir(mb.dir)
	lock.Lock()
	defer lock.Unlock()

	mb.mu.Lock()
	defer mb.mu.Unlock()

	if err := mb.reload(); err != nil {
		return err
	}

	f, err := mb.fileForSeqLocked(n)
	if err != nil {
		return err
	}

	newFlags := map[maildirname.Flag]bool{}
	for fl, on := range flags {
		if !on {
			continue
		}
		switch fl {
		case mailbox.FlagSeen:
			newFlags[maildirname.Seen] = true
		case mailbox.FlagAnswered:
			newFlags[maildirname.Answered] = true
		case mailbox.FlagFlagged:
			newFlags[maildirname.Flagged] = true
		case mailbox.FlagDeleted:
			newFlags[maildirname.Deleted] = true
		case mailbox.FlagDraft:
			newFlags[maildirname.Draft] = true
		}
	}
	newKeywords := map[byte]bool{}
	for kw, on := range kwNames {
		if !on {
			continue
		}
		idx := mb.keywords.GetOrCreate(kw)
		if idx < 0 {
			mb.log.Printf("maildir %s: keyword table full, dropping keyword %q", mb.name, kw)
			continue
		}
		newKeywords[keywords.Letter(idx)] = true
	}

	renamed := f.name.WithFlags(newFlags, newKeywords)
	oldPath := filepath.Join(mb.dir, "cur", f.filename)
	newPath := filepath.Join(mb.dir, "cur", renamed.String())
	if oldPath != newPath {
		if err := os.Rename(oldPath, newPath); err != nil {
			return mailbox.Wrap(mailbox.KindIO, mb.name, "rename message for flag update", err)
		}
	}
	return mb.keywords.Save()
}

func (mb *Mailbox) SetFlags(ctx context.Context, n uint32, update mailbox.FlagUpdate, add bool) error {
	cur, curKw, err := mb.Flags(ctx, n)
	if err != nil {
		return err
	}
	merged := make(map[mailbox.Flag]bool, len(cur))
	for f, on := range cur {
		merged[f] = on
	}
	for f, on := range update.Flags {
		if !on {
			continue
		}
		merged[f] = add
		if !add {
			delete(merged, f)
		}
	}
	mergedKw := make(map[string]bool, len(curKw))
	for k, on := range curKw {
		mergedKw[k] = on
	}
	for k, on := range update.Keywords {
		if !on {
			continue
		}
		if add {
			mergedKw[k] = true
		} else {
			delete(mergedKw, k)
		}
	}
	return mb.renameWithFlags(n, merged, mergedKw)
}

func (mb *Mailbox) ReplaceFlags(ctx context.Context, n uint32, update mailbox.FlagUpdate) error {
	return mb.renameWithFlags(n, update.Flags, update.Keywords)
}

func (mb *Mailbox) PermanentFlags() []mailbox.Flag {
	return mailbox.PermanentFlags
}

func (mb *Mailbox) DeleteMessage(ctx context.Context, n uint32) error {
	return mb.SetFlags(ctx, n, mailbox.FlagUpdate{Flags: map[mailbox.Flag]bool{mailbox.FlagDeleted: true}}, true)
}

func (mb *Mailbox) IsDeleted(ctx context.Context, n uint32) (bool, error) {
	flags, _, err := mb.Flags(ctx, n)
	if err != nil {
		return false, err
	}
	return flags[mailbox.FlagDeleted], nil
}

func (mb *Mailbox) UndeleteAll(ctx context.Context) error {
	mb.mu.Lock()
	descs, _, err := mb.descriptorsLocked()
	mb.mu.Unlock()
	if err != nil {
		return err
	}
	for _, d := range descs {
		if !d.Flags[mailbox.FlagDeleted] {
			continue
		}
		if err := mb.SetFlags(ctx, d.SeqNum, mailbox.FlagUpdate{Flags: map[mailbox.Flag]bool{mailbox.FlagDeleted: true}}, false); err != nil {
			return err
		}
	}
	return nil
}

func (mb *Mailbox) Expunge(ctx context.Context) ([]uint32, error) {
	if mb.readOnly {
		return nil, mailbox.Wrap(mailbox.KindUnsupported, mb.name, "mailbox is read-only", nil)
	}
	lock := globalLocks.forDir(mb.dir)
	lock.Lock()
	defer lock.Unlock()

	mb.mu.Lock()
	defer mb.mu.Unlock()

	if err := mb.reload(); err != nil {
		return nil, err
	}

	descs, files, err := mb.descriptorsLocked()
	if err != nil {
		return nil, err
	}

	var expunged []uint32
	for i, d := range descs {
		if !d.Flags[mailbox.FlagDeleted] {
			continue
		}
		f := files[i]
		if err := os.Remove(filepath.Join(mb.dir, "cur", f.filename)); err != nil && !os.IsNotExist(err) {
			return expunged, mailbox.Wrap(mailbox.KindIO, mb.name, "remove expunged message", err)
		}
		mb.meta.forgetBase(f.name.Base())
		delete(mb.recent, f.name.Base())
		expunged = append(expunged, d.SeqNum)
	}
	if len(expunged) == 0 {
		return nil, nil
	}
	if err := mb.meta.persist(); err != nil {
		return expunged, err
	}
	return expunged, nil
}

func (mb *Mailbox) Close(ctx context.Context, expunge bool) error {
	if expunge {
		if _, err := mb.Expunge(ctx); err != nil {
			return err
		}
	} else {
		mb.mu.Lock()
		err := mb.meta.persist()
		mb.mu.Unlock()
		if err != nil {
			return err
		}
	}
	if mb.onClose != nil {
		mb.mu.Lock()
		validity, count := mb.meta.uidValidity, uint32(len(mb.meta.baseUID))
		mb.mu.Unlock()
		mb.onClose(mb.name, validity, count)
	}
	return nil
}

func (mb *Mailbox) UniqueID(ctx context.Context, n uint32) (uint32, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	descs, _, err := mb.descriptorsLocked()
	if err != nil {
		return 0, err
	}
	if n < 1 || int(n) > len(descs) {
		return 0, mailbox.Wrap(mailbox.KindNotFound, mb.name, "no such message", nil)
	}
	return descs[n-1].UID, nil
}

func (mb *Mailbox) UIDValidity(ctx context.Context) (uint32, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.meta.uidValidity, nil
}

func (mb *Mailbox) UIDNext(ctx context.Context) (uint32, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.meta.uidNext, nil
}

func (mb *Mailbox) StartAppend(ctx context.Context, flags map[mailbox.Flag]bool, internalDate time.Time) error {
	if mb.readOnly {
		return mailbox.Wrap(mailbox.KindUnsupported, mb.name, "mailbox is read-only", nil)
	}
	mb.appendMu.Lock()
	defer mb.appendMu.Unlock()
	if mb.appendSt != nil {
		return mailbox.Wrap(mailbox.KindInvalidState, mb.name, "APPEND already in progress on this handle", nil)
	}

	n := maildirname.Generate()
	n.Unique = n.Unique + "." + uuid.New().String()[:8]
	tmpPath := filepath.Join(mb.dir, "tmp", n.Base())
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return mailbox.Wrap(mailbox.KindIO, mb.name, "create append spool", err)
	}

	newFlags := map[maildirname.Flag]bool{}
	for fl, on := range flags {
		if !on {
			continue
		}
		switch fl {
		case mailbox.FlagSeen:
			newFlags[maildirname.Seen] = true
		case mailbox.FlagAnswered:
			newFlags[maildirname.Answered] = true
		case mailbox.FlagFlagged:
			newFlags[maildirname.Flagged] = true
		case mailbox.FlagDeleted:
			newFlags[maildirname.Deleted] = true
		case mailbox.FlagDraft:
			newFlags[maildirname.Draft] = true
		}
	}
	n.Flags = newFlags
	n.Keywords = map[byte]bool{}

	mb.appendSt = &appendState{tmpPath: tmpPath, finalName: n, spool: f, internalDate: internalDate}
	return nil
}

func (mb *Mailbox) AppendContent(ctx context.Context, buf []byte) error {
	mb.appendMu.Lock()
	defer mb.appendMu.Unlock()
	if mb.appendSt == nil {
		return mailbox.Wrap(mailbox.KindInvalidState, mb.name, "appendContent without startAppend", nil)
	}
	if _, err := mb.appendSt.spool.Write(buf); err != nil {
		mb.cleanupAppendLocked()
		return mailbox.Wrap(mailbox.KindIO, mb.name, "write append spool", err)
	}
	return nil
}

func (mb *Mailbox) cleanupAppendLocked() {
	if mb.appendSt == nil {
		return
	}
	mb.appendSt.spool.Close()
	os.Remove(mb.appendSt.tmpPath)
	mb.appendSt = nil
}

func (mb *Mailbox) EndAppend(ctx context.Context) (uint32, error) {
	mb.appendMu.Lock()
	defer mb.appendMu.Unlock()
	if mb.appendSt == nil {
		return 0, mailbox.Wrap(mailbox.KindInvalidState, mb.name, "endAppend without startAppend", nil)
	}
	st := mb.appendSt

	info, statErr := st.spool.Stat()
	if err := st.spool.Close(); err != nil {
		mb.cleanupAppendLocked()
		return 0, mailbox.Wrap(mailbox.KindIO, mb.name, "close append spool", err)
	}
	if statErr == nil {
		st.finalName = st.finalName.WithSize(info.Size())
	}

	lock := globalLocks.forDir(mb.dir)
	lock.Lock()
	defer lock.Unlock()

	mb.mu.Lock()
	defer mb.mu.Unlock()

	// A second handle on this mailbox may have appended or expunged since
	// this handle's meta was loaded; reload before assigning a UID so
	// uidNext reflects every write made under this directory lock, not
	// just this handle's own history.
	if err := mb.reload(); err != nil {
		os.Remove(st.tmpPath)
		mb.appendSt = nil
		return 0, err
	}

	finalPath := filepath.Join(mb.dir, "cur", st.finalName.String())
	if err := os.Rename(st.tmpPath, finalPath); err != nil {
		os.Remove(st.tmpPath)
		mb.appendSt = nil
		return 0, mailbox.Wrap(mailbox.KindIO, mb.name, "finalize append", err)
	}
	if !st.internalDate.IsZero() {
		os.Chtimes(finalPath, st.internalDate, st.internalDate)
	}

	uid := mb.meta.assignUID(st.finalName.Base())
	mb.appendSt = nil

	if err := mb.meta.persist(); err != nil {
		return uid, err
	}
	return uid, nil
}

func (mb *Mailbox) appendRaw(ctx context.Context, flags map[mailbox.Flag]bool, internalDate time.Time, body []byte) (uint32, error) {
	if err := mb.StartAppend(ctx, flags, internalDate); err != nil {
		return 0, err
	}
	if err := mb.AppendContent(ctx, body); err != nil {
		return 0, err
	}
	return mb.EndAppend(ctx)
}

func (mb *Mailbox) Copy(ctx context.Context, numbers []uint32, destName string) (map[uint32]uint32, error) {
	return mb.copyOrMove(ctx, numbers, destName, false)
}

func (mb *Mailbox) Move(ctx context.Context, numbers []uint32, destName string) (map[uint32]uint32, error) {
	return mb.copyOrMove(ctx, numbers, destName, true)
}

func (mb *Mailbox) resolveSibling(destName string) (*Mailbox, error) {
	if mb.resolveDir == nil {
		return nil, mailbox.Wrap(mailbox.KindUnsupported, destName, "copy/move destination resolution unavailable", nil)
	}
	dir, err := mb.resolveDir(destName)
	if err != nil {
		return nil, err
	}
	return openMailboxDir(destName, dir, false, mb.log, mb.resolveDir)
}

func (mb *Mailbox) copyOrMove(ctx context.Context, numbers []uint32, destName string, move bool) (map[uint32]uint32, error) {
	dest, err := mb.resolveSibling(destName)
	if err != nil {
		return nil, err
	}

	result := map[uint32]uint32{}
	for _, n := range numbers {
		mb.mu.Lock()
		f, ferr := mb.fileForSeqLocked(n)
		var body []byte
		var flags map[mailbox.Flag]bool
		var when time.Time
		if ferr == nil {
			body, ferr = os.ReadFile(filepath.Join(mb.dir, "cur", f.filename))
			flags = map[mailbox.Flag]bool{}
			for fl, on := range f.name.Flags {
				if !on {
					continue
				}
				switch fl {
				case maildirname.Seen:
					flags[mailbox.FlagSeen] = true
				case maildirname.Answered:
					flags[mailbox.FlagAnswered] = true
				case maildirname.Flagged:
					flags[mailbox.FlagFlagged] = true
				case maildirname.Deleted:
					flags[mailbox.FlagDeleted] = true
				case maildirname.Draft:
					flags[mailbox.FlagDraft] = true
				}
			}
			when = f.info.ModTime()
		}
		mb.mu.Unlock()
		if ferr != nil {
			return result, ferr
		}

		uid, err := dest.appendRaw(ctx, flags, when, body)
		if err != nil {
			return result, err
		}
		result[n] = uid

		if move {
			if err := mb.DeleteMessage(ctx, n); err != nil {
				return result, err
			}
		}
	}
	return result, nil
}

func (mb *Mailbox) Search(ctx context.Context, expr *search.Expression) ([]uint32, error) {
	mb.mu.Lock()
	descs, files, err := mb.descriptorsLocked()
	if err != nil {
		mb.mu.Unlock()
		return nil, err
	}
	lastSeq := uint32(len(descs))
	var lastUID uint32
	for _, d := range descs {
		if d.UID > lastUID {
			lastUID = d.UID
		}
	}
	dir := mb.dir
	mb.mu.Unlock()

	var matches []uint32
	for i, d := range descs {
		flagStrs := map[string]bool{}
		for f, on := range d.Flags {
			flagStrs[string(f)] = on
		}
		msgCtx := msgctx.New(msgctx.Descriptor{
			MessageNumber: d.SeqNum,
			UID:           d.UID,
			Size:          d.Size,
			Flags:         flagStrs,
			Keywords:      d.Keywords,
			InternalDate:  d.InternalDate,
		}, &fileSource{path: filepath.Join(dir, "cur", files[i].filename)}, mb.log)
		bounded := msgctx.WithBounds(msgCtx, lastSeq, lastUID)
		if expr.Matches(bounded) {
			matches = append(matches, d.SeqNum)
		}
	}
	return matches, nil
}

// fileSource implements msgctx.Source over a fixed path: unlike
// mboxfile's sequence-indirected source, a Maildir message's current
// filename is already resolved by the time Search builds one, since
// descriptorsLocked and the file listing are produced together under one
// lock.
type fileSource struct {
	path string
}

func (s *fileSource) Open() (io.ReadCloser, error) {
	return os.Open(s.path)
}
