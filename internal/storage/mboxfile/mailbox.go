package mboxfile

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gumdrop-mail/gumdrop/framework/log"
	"github.com/gumdrop-mail/gumdrop/internal/mailbox"
	"github.com/gumdrop-mail/gumdrop/internal/mailbox/msgctx"
	"github.com/gumdrop-mail/gumdrop/internal/mailbox/search"
)

type appendState struct {
	spool       *os.File
	spoolPath   string
	flags       map[mailbox.Flag]bool
	internalDate time.Time
}

// Mailbox is the one-file-per-message backend's Mailbox implementation.
// mu guards the in-memory meta cache; the directory-level RWMutex from
// lockRegistry guards cross-handle mutation per the §5 locking
// discipline.
type Mailbox struct {
	name     string
	dir      string
	readOnly bool
	log      log.Logger

	// resolveDir maps another mailbox name in the same store to its
	// on-disk directory, so Copy/Move can append into a sibling without
	// this package depending on Store.
	resolveDir func(name string) (string, error)

	mu   sync.Mutex
	meta *meta

	appendMu sync.Mutex
	appendSt *appendState

	// onClose, if set, is notified with the mailbox's post-close
	// UIDVALIDITY and message count so a caller-side listing cache can
	// refresh its snapshot. Left nil when no cache is configured.
	onClose func(name string, uidValidity, count uint32)
}

func openMailboxDir(name, dir string, readOnly bool, logger log.Logger, resolveDir func(string) (string, error)) (*Mailbox, error) {
	lock := globalLocks.forDir(dir)
	lock.RLock()
	defer lock.RUnlock()

	m, err := loadMeta(dir)
	if err != nil {
		return nil, mailbox.WrapIO(name, "load mailbox metadata", err)
	}
	return &Mailbox{name: name, dir: dir, readOnly: readOnly, log: logger, meta: m, resolveDir: resolveDir}, nil
}

func (mb *Mailbox) Name() string { return mb.name }

func (mb *Mailbox) reload() error {
	m, err := loadMeta(mb.dir)
	if err != nil {
		return mailbox.WrapIO(mb.name, "reload mailbox metadata", err)
	}
	mb.meta = m
	return nil
}

func (mb *Mailbox) MessageCount(ctx context.Context) (uint32, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return uint32(len(mb.meta.uidFile)), nil
}

func (mb *Mailbox) MailboxSize(ctx context.Context) (int64, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	var total int64
	for _, fname := range mb.meta.uidFile {
		if info, err := os.Stat(filepath.Join(mb.dir, fname)); err == nil {
			total += info.Size()
		}
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

func (mb *Mailbox) descriptorsLocked() []mailbox.Descriptor {
	files := mb.meta.orderedFiles()
	descs := make([]mailbox.Descriptor, 0, len(files))
	seq := uint32(1)
	for _, fname := range files {
		uid := mb.meta.fileUID[fname]
		info, err := os.Stat(filepath.Join(mb.dir, fname))
		var size int64
		if err == nil {
			size = info.Size()
		}
		descs = append(descs, mailbox.Descriptor{
			SeqNum:       seq,
			UID:          uid,
			Size:         size,
			Flags:        mb.meta.flags[fname],
			Keywords:     mb.meta.keywords[fname],
			InternalDate: modTimeOr(info, time.Now()),
		})
		seq++
	}
	return descs
}

func modTimeOr(info os.FileInfo, fallback time.Time) time.Time {
	if info == nil {
		return fallback
	}
	return info.ModTime()
}

func (mb *Mailbox) MessageList(ctx context.Context) (mailbox.MessageIterator, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return &descIterator{descs: mb.descriptorsLocked()}, nil
}

func (mb *Mailbox) Message(ctx context.Context, n uint32) (mailbox.Descriptor, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	descs := mb.descriptorsLocked()
	if n < 1 || int(n) > len(descs) {
		return mailbox.Descriptor{}, mailbox.Wrap(mailbox.KindNotFound, mb.name, "no such message", nil)
	}
	return descs[n-1], nil
}

func (mb *Mailbox) filenameForSeq(n uint32) (string, error) {
	files := mb.meta.orderedFiles()
	if n < 1 || int(n) > len(files) {
		return "", mailbox.Wrap(mailbox.KindNotFound, mb.name, "no such message", nil)
	}
	return files[n-1], nil
}

func (mb *Mailbox) MessageContent(ctx context.Context, n uint32) (io.ReadCloser, error) {
	mb.mu.Lock()
	fname, err := mb.filenameForSeq(n)
	mb.mu.Unlock()
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(mb.dir, fname))
	if err != nil {
		return nil, mailbox.Wrap(mailbox.KindIO, mb.name, "open message content", err)
	}
	return f, nil
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

func (mb *Mailbox) Flags(ctx context.Context, n uint32) (map[mailbox.Flag]bool, map[string]bool, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	fname, err := mb.filenameForSeq(n)
	if err != nil {
		return nil, nil, err
	}
	return copyFlagSet(mb.meta.flags[fname]), copyKeywordSet(mb.meta.keywords[fname]), nil
}

func copyFlagSet(in map[mailbox.Flag]bool) map[mailbox.Flag]bool {
	out := make(map[mailbox.Flag]bool, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyKeywordSet(in map[string]bool) map[string]bool {
	out := make(map[string]bool, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (mb *Mailbox) mutateFlags(n uint32, update mailbox.FlagUpdate, apply func(cur, upd map[mailbox.Flag]bool, add bool), applyKw func(cur, upd map[string]bool, add bool), add bool) error {
	if mb.readOnly {
		return mailbox.Wrap(mailbox.KindUnsupported, mb.name, "mailbox is read-only", nil)
	}
	lock := globalLocks.forDir(mb.dir)
	lock.Lock()
	defer lock.Unlock()

	mb.mu.Lock()
	defer mb.mu.Unlock()

	// Another handle open on this same mailbox may have appended or
	// expunged since this handle's meta was last loaded; reload it now,
	// under the directory lock, so this mutation starts from the
	// up-to-date on-disk state rather than a stale snapshot.
	if err := mb.reload(); err != nil {
		return err
	}

	fname, err := mb.filenameForSeq(n)
	if err != nil {
		return err
	}
	if mb.meta.flags[fname] == nil {
		mb.meta.flags[fname] = map[mailbox.Flag]bool{}
	}
	if mb.meta.keywords[fname] == nil {
		mb.meta.keywords[fname] = map[string]bool{}
	}
	apply(mb.meta.flags[fname], update.Flags, add)
	applyKw(mb.meta.keywords[fname], update.Keywords, add)
	return mb.meta.saveFlags()
}

func applyFlagSet(cur, upd map[mailbox.Flag]bool, add bool) {
	for f, on := range upd {
		if !on {
			continue
		}
		if add {
			cur[f] = true
		} else {
			delete(cur, f)
		}
	}
}

func applyKeywordSet(cur, upd map[string]bool, add bool) {
	for k, on := range upd {
		if !on {
			continue
		}
		if add {
			cur[k] = true
		} else {
			delete(cur, k)
		}
	}
}

func (mb *Mailbox) SetFlags(ctx context.Context, n uint32, update mailbox.FlagUpdate, add bool) error {
	return mb.mutateFlags(n, update, applyFlagSet, applyKeywordSet, add)
}

func (mb *Mailbox) ReplaceFlags(ctx context.Context, n uint32, update mailbox.FlagUpdate) error {
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

	fname, err := mb.filenameForSeq(n)
	if err != nil {
		return err
	}
	mb.meta.flags[fname] = copyFlagSet(update.Flags)
	mb.meta.keywords[fname] = copyKeywordSet(update.Keywords)
	return mb.meta.saveFlags()
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
	lock := globalLocks.forDir(mb.dir)
	lock.Lock()
	defer lock.Unlock()

	mb.mu.Lock()
	defer mb.mu.Unlock()
	if err := mb.reload(); err != nil {
		return err
	}
	for fname := range mb.meta.flags {
		delete(mb.meta.flags[fname], mailbox.FlagDeleted)
	}
	return mb.meta.saveFlags()
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

	files := mb.meta.orderedFiles()
	var expunged []uint32
	for i, fname := range files {
		if !mb.meta.flags[fname][mailbox.FlagDeleted] {
			continue
		}
		seq := uint32(i + 1)
		uid := mb.meta.fileUID[fname]
		if err := os.Remove(filepath.Join(mb.dir, fname)); err != nil && !os.IsNotExist(err) {
			return expunged, mailbox.Wrap(mailbox.KindIO, mb.name, "remove expunged message", err)
		}
		delete(mb.meta.fileUID, fname)
		delete(mb.meta.uidFile, uid)
		delete(mb.meta.flags, fname)
		delete(mb.meta.keywords, fname)
		expunged = append(expunged, seq)
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
	}
	if mb.onClose != nil {
		mb.mu.Lock()
		validity, count := mb.meta.uidValidity, uint32(len(mb.meta.fileUID))
		mb.mu.Unlock()
		mb.onClose(mb.name, validity, count)
	}
	return nil
}

func (mb *Mailbox) UniqueID(ctx context.Context, n uint32) (uint32, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	fname, err := mb.filenameForSeq(n)
	if err != nil {
		return 0, err
	}
	return mb.meta.fileUID[fname], nil
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

	spoolDir := filepath.Join(mb.dir, ".gumdrop-tmp")
	if err := os.MkdirAll(spoolDir, 0o700); err != nil {
		return mailbox.Wrap(mailbox.KindIO, mb.name, "create append spool directory", err)
	}
	spoolPath := filepath.Join(spoolDir, uuid.New().String()+".spool")
	f, err := os.OpenFile(spoolPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return mailbox.Wrap(mailbox.KindIO, mb.name, "create append spool", err)
	}
	mb.appendSt = &appendState{spool: f, spoolPath: spoolPath, flags: copyFlagSet(flags), internalDate: internalDate}
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
	os.Remove(mb.appendSt.spoolPath)
	mb.appendSt = nil
}

func (mb *Mailbox) EndAppend(ctx context.Context) (uint32, error) {
	mb.appendMu.Lock()
	defer mb.appendMu.Unlock()
	if mb.appendSt == nil {
		return 0, mailbox.Wrap(mailbox.KindInvalidState, mb.name, "endAppend without startAppend", nil)
	}
	st := mb.appendSt

	if err := st.spool.Close(); err != nil {
		mb.cleanupAppendLocked()
		return 0, mailbox.Wrap(mailbox.KindIO, mb.name, "close append spool", err)
	}

	lock := globalLocks.forDir(mb.dir)
	lock.Lock()
	defer lock.Unlock()

	mb.mu.Lock()
	defer mb.mu.Unlock()

	// A second handle on this mailbox may have appended since this
	// handle's meta was loaded; reload before allocating so uidNext and
	// the spool filename counter reflect every write made under this
	// directory lock, not just this handle's own history.
	if err := mb.reload(); err != nil {
		os.Remove(st.spoolPath)
		mb.appendSt = nil
		return 0, err
	}

	uid := mb.meta.uidNext
	fname := mb.meta.allocFilename()
	finalPath := filepath.Join(mb.dir, fname)
	if err := os.Rename(st.spoolPath, finalPath); err != nil {
		os.Remove(st.spoolPath)
		mb.appendSt = nil
		return 0, mailbox.Wrap(mailbox.KindIO, mb.name, "finalize append", err)
	}
	if !st.internalDate.IsZero() {
		os.Chtimes(finalPath, st.internalDate, st.internalDate)
	}

	mb.meta.fileUID[fname] = uid
	mb.meta.uidFile[uid] = fname
	mb.meta.flags[fname] = st.flags
	mb.meta.keywords[fname] = map[string]bool{}
	mb.meta.uidNext++

	mb.appendSt = nil

	if err := mb.meta.persist(); err != nil {
		return uid, err
	}
	return uid, nil
}

func (mb *Mailbox) Copy(ctx context.Context, numbers []uint32, destName string) (map[uint32]uint32, error) {
	return mb.copyOrMove(ctx, numbers, destName, false)
}

func (mb *Mailbox) Move(ctx context.Context, numbers []uint32, destName string) (map[uint32]uint32, error) {
	return mb.copyOrMove(ctx, numbers, destName, true)
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

func (mb *Mailbox) copyOrMove(ctx context.Context, numbers []uint32, destName string, move bool) (map[uint32]uint32, error) {
	dest, err := mb.resolveSibling(destName)
	if err != nil {
		return nil, err
	}

	result := map[uint32]uint32{}
	for _, n := range numbers {
		mb.mu.Lock()
		fname, ferr := mb.filenameForSeq(n)
		var body []byte
		var flags map[mailbox.Flag]bool
		var when time.Time
		if ferr == nil {
			body, ferr = os.ReadFile(filepath.Join(mb.dir, fname))
			flags = copyFlagSet(mb.meta.flags[fname])
			if info, serr := os.Stat(filepath.Join(mb.dir, fname)); serr == nil {
				when = info.ModTime()
			}
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

// resolveSibling opens destName as a writable Mailbox handle within the
// same store, used as the append target for Copy/Move.
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

func (mb *Mailbox) Search(ctx context.Context, expr *search.Expression) ([]uint32, error) {
	mb.mu.Lock()
	descs := mb.descriptorsLocked()
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
	for _, d := range descs {
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
		}, &fileSource{dir: dir, seq: d.SeqNum, mb: mb}, mb.log)
		bounded := msgctx.WithBounds(msgCtx, lastSeq, lastUID)
		if expr.Matches(bounded) {
			matches = append(matches, d.SeqNum)
		}
	}
	return matches, nil
}

// fileSource implements msgctx.Source by re-resolving the sequence
// number to a filename at read time, since descriptors may shift between
// construction and an actual lazy-parse trigger under concurrent
// expunge. A stale sequence number simply yields NotFound.
type fileSource struct {
	dir string
	seq uint32
	mb  *Mailbox
}

func (s *fileSource) Open() (io.ReadCloser, error) {
	s.mb.mu.Lock()
	fname, err := s.mb.filenameForSeq(s.seq)
	s.mb.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return os.Open(filepath.Join(s.dir, fname))
}

// topReader renders the POP3 TOP response: every header line unchanged,
// a blank separator, then at most bodyLines lines of the message body.
// A negative bodyLines is treated as unlimited.
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
