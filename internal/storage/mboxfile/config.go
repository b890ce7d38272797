package mboxfile

import (
	"fmt"

	"github.com/gumdrop-mail/gumdrop/framework/config"
	"github.com/gumdrop-mail/gumdrop/framework/log"
)

// FromConfig builds a Store from a storage.mboxfile configuration block:
//
//	storage.mboxfile local_mbox {
//	    root /var/mail/gumdrop
//	    hierarchy_delimiter .
//	}
//
// root is required; hierarchy_delimiter defaults to "." and must be
// exactly one rune. Open must still be called on the returned Store
// before any other method.
func FromConfig(node config.Node, logger log.Logger) (*Store, error) {
	var root string
	var delim string

	m := config.NewMap(nil, node)
	m.String("root", false, true, "", &root)
	m.String("hierarchy_delimiter", false, false, string(defaultDelimiter), &delim)
	if _, err := m.Process(); err != nil {
		return nil, fmt.Errorf("storage.mboxfile: %w", err)
	}

	runes := []rune(delim)
	if len(runes) != 1 {
		return nil, fmt.Errorf("storage.mboxfile: hierarchy_delimiter must be exactly one character, got %q", delim)
	}

	s := New(root, logger)
	s.delimiter = runes[0]
	return s, nil
}
