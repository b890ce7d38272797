package metacache

import (
	"fmt"
	"time"

	"github.com/gumdrop-mail/gumdrop/framework/config"
	"github.com/gumdrop-mail/gumdrop/framework/log"
	"github.com/gumdrop-mail/gumdrop/internal/db"
)

// FromConfig builds a Cache from a storage.metacache configuration block:
//
//	storage.metacache {
//	    driver sqlite
//	    dsn /var/lib/gumdrop/metacache.db
//	    in_memory yes
//	    sync_interval 30s
//	    debug no
//	}
//
// Absent a block entirely, callers should fall back to Disabled{} rather
// than call FromConfig — this package stays opt-in.
func FromConfig(node config.Node, logger log.Logger) (Cache, error) {
	var driver string
	var dsn []string
	var inMemory bool
	var debug bool
	var syncInterval time.Duration

	m := config.NewMap(nil, node)
	m.String("driver", false, true, "", &driver)
	m.StringList("dsn", false, true, nil, &dsn)
	m.Bool("in_memory", false, false, &inMemory)
	m.Bool("debug", false, false, &debug)
	m.Duration("sync_interval", false, false, 30*time.Second, &syncInterval)
	if _, err := m.Process(); err != nil {
		return nil, fmt.Errorf("storage.metacache: %w", err)
	}

	return Open(db.Config{
		Driver:       driver,
		DSN:          dsn,
		Debug:        debug,
		InMemory:     inMemory,
		SyncInterval: syncInterval,
	}, logger)
}
