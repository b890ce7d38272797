// Package mboxfile implements the reference one-file-per-message storage
// backend (gumdrop mailbox core, component C7):
//
//	<root>/<encoded-user>/mailboxes/<encoded-segment>/.../
//	  1.eml, 2.eml, ...   bare RFC 5322 bytes
//	  .uidvalidity        ASCII decimal integer + newline
//	  .uidnext            ASCII decimal integer + newline
//	  .uidmap             lines: <filename> <uid>
//	  .flags              lines: <filename> <flag-letters> [<keyword,keyword,...>]
package mboxfile

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/gumdrop-mail/gumdrop/internal/mailbox"
)

type meta struct {
	dir string

	uidValidity uint32
	uidNext     uint32

	// fileUID maps on-disk filename (without directory) to its assigned
	// UID; uidFile is the reverse. Both are rebuilt from .uidmap on load.
	fileUID map[string]uint32
	uidFile map[uint32]string

	flags    map[string]map[mailbox.Flag]bool
	keywords map[string]map[string]bool

	nextFileSeq uint32
}

func loadMeta(dir string) (*meta, error) {
	m := &meta{
		dir:      dir,
		fileUID:  map[string]uint32{},
		uidFile:  map[uint32]string{},
		flags:    map[string]map[mailbox.Flag]bool{},
		keywords: map[string]map[string]bool{},
	}

	v, err := readCounterFile(filepath.Join(dir, ".uidvalidity"))
	if err != nil {
		return nil, err
	}
	m.uidValidity = v

	n, err := readCounterFile(filepath.Join(dir, ".uidnext"))
	if err != nil {
		return nil, err
	}
	if n == 0 {
		n = 1
	}
	m.uidNext = n

	if err := m.loadUIDMap(); err != nil {
		return nil, err
	}
	if err := m.loadFlags(); err != nil {
		return nil, err
	}

	for _, fname := range m.uidFile {
		if n, err := fileSeqOf(fname); err == nil && n >= m.nextFileSeq {
			m.nextFileSeq = n + 1
		}
	}
	return m, nil
}

func fileSeqOf(filename string) (uint32, error) {
	base := strings.TrimSuffix(filename, ".eml")
	n, err := strconv.ParseUint(base, 10, 32)
	return uint32(n), err
}

func readCounterFile(path string) (uint32, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("mboxfile: read %s: %w", path, err)
	}
	n, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("mboxfile: parse %s: %w", path, err)
	}
	return uint32(n), nil
}

func writeCounterFileAtomic(path string, v uint32) error {
	return writeAtomic(path, []byte(strconv.FormatUint(uint64(v), 10)+"\n"))
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("mboxfile: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("mboxfile: rename %s: %w", tmp, err)
	}
	return nil
}

func (m *meta) loadUIDMap() error {
	path := filepath.Join(m.dir, ".uidmap")
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("mboxfile: open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		uid, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			continue
		}
		m.fileUID[fields[0]] = uint32(uid)
		m.uidFile[uint32(uid)] = fields[0]
	}
	return scanner.Err()
}

func (m *meta) saveUIDMap() error {
	var b strings.Builder
	names := make([]string, 0, len(m.fileUID))
	for name := range m.fileUID {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "%s %d\n", name, m.fileUID[name])
	}
	return writeAtomic(filepath.Join(m.dir, ".uidmap"), []byte(b.String()))
}

func (m *meta) loadFlags() error {
	path := filepath.Join(m.dir, ".flags")
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("mboxfile: open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, " ", 3)
		if len(fields) < 2 {
			continue
		}
		name := fields[0]
		fset := map[mailbox.Flag]bool{}
		for _, c := range fields[1] {
			if f, ok := mailbox.LetterFlag(byte(c)); ok {
				fset[f] = true
			}
		}
		m.flags[name] = fset
		if len(fields) == 3 && fields[2] != "" {
			kwset := map[string]bool{}
			for _, kw := range strings.Split(fields[2], ",") {
				kwset[kw] = true
			}
			m.keywords[name] = kwset
		}
	}
	return scanner.Err()
}

func (m *meta) saveFlags() error {
	var b strings.Builder
	names := make([]string, 0, len(m.fileUID))
	for name := range m.fileUID {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		letters := flagLetterString(m.flags[name])
		kw := keywordListString(m.keywords[name])
		if kw == "" {
			fmt.Fprintf(&b, "%s %s\n", name, letters)
		} else {
			fmt.Fprintf(&b, "%s %s %s\n", name, letters, kw)
		}
	}
	return writeAtomic(filepath.Join(m.dir, ".flags"), []byte(b.String()))
}

func flagLetterString(flags map[mailbox.Flag]bool) string {
	var letters []byte
	for f, on := range flags {
		if !on {
			continue
		}
		if l, ok := mailbox.FlagLetter(f); ok {
			letters = append(letters, l)
		}
	}
	sort.Slice(letters, func(i, j int) bool { return letters[i] < letters[j] })
	return string(letters)
}

func keywordListString(kw map[string]bool) string {
	var names []string
	for k, on := range kw {
		if on {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

func (m *meta) persist() error {
	if err := writeCounterFileAtomic(filepath.Join(m.dir, ".uidvalidity"), m.uidValidity); err != nil {
		return err
	}
	if err := writeCounterFileAtomic(filepath.Join(m.dir, ".uidnext"), m.uidNext); err != nil {
		return err
	}
	if err := m.saveUIDMap(); err != nil {
		return err
	}
	return m.saveFlags()
}

// allocFilename returns the next sequential "<n>.eml" spool filename,
// numbering from 1 per this package's documented on-disk layout.
func (m *meta) allocFilename() string {
	if m.nextFileSeq == 0 {
		m.nextFileSeq = 1
	}
	n := m.nextFileSeq
	m.nextFileSeq++
	return strconv.FormatUint(uint64(n), 10) + ".eml"
}

// orderedFiles returns filenames in ascending UID order, which is the
// mailbox's sequence-number order.
func (m *meta) orderedFiles() []string {
	uids := make([]uint32, 0, len(m.uidFile))
	for uid := range m.uidFile {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	files := make([]string, len(uids))
	for i, uid := range uids {
		files[i] = m.uidFile[uid]
	}
	return files
}
