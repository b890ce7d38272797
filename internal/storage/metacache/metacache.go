// Package metacache is a derived, rebuildable-from-disk accelerator for
// mailbox listing metadata (gumdrop mailbox core, ambient stack §8.4).
//
// Both on-disk backends (internal/storage/mboxfile, internal/storage/maildir)
// keep their UIDVALIDITY/UIDNEXT/UID-map index as the source of truth in each
// mailbox's own directory. Listing every mailbox a user owns means walking
// the whole per-user tree and re-parsing those files; on a store with many
// mailboxes this dominates the cost of IMAP LIST. Cache holds a last-known
// snapshot per (user, mailbox name) in a SQL table via gorm.io/gorm, using
// the same driver-selection idiom as internal/db.
//
// The cache is strictly non-authoritative: losing it, corrupting it, or
// never opening one at all (Disabled) must never change observable mailbox
// semantics, only listing latency.
package metacache

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/gumdrop-mail/gumdrop/framework/log"
	"github.com/gumdrop-mail/gumdrop/internal/db"
)

// Entry is the last-known listing snapshot for one mailbox.
type Entry struct {
	User         string `gorm:"primaryKey;column:user"`
	Mailbox      string `gorm:"primaryKey;column:mailbox"`
	UIDValidity  uint32 `gorm:"column:uid_validity"`
	MessageCount uint32 `gorm:"column:message_count"`
	Attributes   string `gorm:"column:attributes"` // comma-joined mailbox.Attribute values
	UpdatedAt    time.Time
}

// Cache is the metadata accelerator. The zero value is not usable; build one
// with Open or use Disabled{} where no cache is configured.
type Cache interface {
	// Lookup returns the last-known entry for (user, mailboxName), or
	// ok=false on a cache miss — callers must then fall back to a full
	// filesystem scan and call Store to repair the cache row.
	Lookup(ctx context.Context, user, mailboxName string) (Entry, bool)

	// Store upserts the snapshot for (user, mailboxName).
	Store(ctx context.Context, entry Entry) error

	// Forget drops any cached row for (user, mailboxName), used on delete
	// and on rename's source name.
	Forget(ctx context.Context, user, mailboxName string) error
}

// Disabled is a Cache that never hits and silently discards writes: the
// no-op implementation a backend falls back to when no cache database is
// configured, per this package's non-authoritative contract.
type Disabled struct{}

func (Disabled) Lookup(ctx context.Context, user, mailboxName string) (Entry, bool) { return Entry{}, false }
func (Disabled) Store(ctx context.Context, entry Entry) error                       { return nil }
func (Disabled) Forget(ctx context.Context, user, mailboxName string) error         { return nil }

// gormCache is the real, SQL-backed Cache implementation.
type gormCache struct {
	gdb *gorm.DB
	log log.Logger
}

// Open connects to a metadata-cache database per cfg (driver selection
// delegated to internal/db.New, same sqlite/mysql/postgres switch the
// teacher project used for every other SQL-backed module) and migrates the
// Entry schema.
func Open(cfg db.Config, logger log.Logger) (Cache, error) {
	gdb, err := db.New(cfg)
	if err != nil {
		return nil, err
	}
	if err := gdb.AutoMigrate(&Entry{}); err != nil {
		return nil, err
	}
	return &gormCache{gdb: gdb, log: logger}, nil
}

func (c *gormCache) Lookup(ctx context.Context, user, mailboxName string) (Entry, bool) {
	var e Entry
	err := c.gdb.WithContext(ctx).
		Where("user = ? AND mailbox = ?", user, mailboxName).
		First(&e).Error
	if err != nil {
		return Entry{}, false
	}
	return e, true
}

func (c *gormCache) Store(ctx context.Context, entry Entry) error {
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = time.Now()
	}
	err := c.gdb.WithContext(ctx).Save(&entry).Error
	if err != nil {
		c.log.Printf("metacache: store failed for %s/%s: %v", entry.User, entry.Mailbox, err)
	}
	return err
}

func (c *gormCache) Forget(ctx context.Context, user, mailboxName string) error {
	err := c.gdb.WithContext(ctx).
		Where("user = ? AND mailbox = ?", user, mailboxName).
		Delete(&Entry{}).Error
	if err != nil {
		c.log.Printf("metacache: forget failed for %s/%s: %v", user, mailboxName, err)
	}
	return err
}
