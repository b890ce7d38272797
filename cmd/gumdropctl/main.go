// Command gumdropctl is an operator tool for inspecting and manipulating
// a gumdrop mailbox store directly, without going through IMAP or POP3.
// It exercises the same internal/mailbox.MailboxStore/Mailbox surface the
// protocol front ends use, against either on-disk backend.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/gumdrop-mail/gumdrop/framework/config"
	"github.com/gumdrop-mail/gumdrop/framework/log"
	"github.com/gumdrop-mail/gumdrop/internal/mailbox"
	"github.com/gumdrop-mail/gumdrop/internal/storage/maildir"
	"github.com/gumdrop-mail/gumdrop/internal/storage/mboxfile"
	"github.com/gumdrop-mail/gumdrop/internal/storage/metacache"
)

// cacheSetter is implemented by both storage backends; it is kept as a
// local, narrow interface here rather than added to mailbox.MailboxStore
// since installing a listing-cache accelerator is an operational concern,
// not part of the mailbox access core's own contract.
type cacheSetter interface {
	SetCache(metacache.Cache)
}

// openStore builds the backend named by the --backend flag rooted at
// --base-dir, and opens it for --user. When --config points at a
// configuration file, the backend's root/hierarchy_delimiter and an
// optional listing-cache accelerator are taken from its
// storage.mboxfile/storage.maildir/storage.metacache blocks instead of
// --base-dir, with --backend choosing which storage.* block applies.
func openStore(c *cli.Context) (mailbox.MailboxStore, error) {
	user := c.String("user")
	if user == "" {
		return nil, cli.Exit("missing required --user flag", 2)
	}
	logger := log.Logger{Name: "gumdropctl", Debug: c.Bool("debug")}

	store, err := buildStore(c, logger)
	if err != nil {
		return nil, err
	}

	if err := store.Open(c.Context, user); err != nil {
		return nil, cli.Exit(fmt.Sprintf("open store: %v", err), 1)
	}
	return store, nil
}

func buildStore(c *cli.Context, logger log.Logger) (mailbox.MailboxStore, error) {
	backend := c.String("backend")

	cfgPath := c.String("config")
	if cfgPath == "" {
		switch backend {
		case "mbox", "mboxfile":
			return mboxfile.New(c.String("base-dir"), logger), nil
		case "maildir":
			return maildir.New(c.String("base-dir"), logger), nil
		default:
			return nil, cli.Exit(fmt.Sprintf("unknown backend %q, want mbox or maildir", backend), 2)
		}
	}

	f, err := os.Open(cfgPath)
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("open config: %v", err), 1)
	}
	defer f.Close()

	root, err := config.Read(f, cfgPath)
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("parse config: %v", err), 1)
	}

	blockName := map[string]string{"mbox": "storage.mboxfile", "mboxfile": "storage.mboxfile", "maildir": "storage.maildir"}[backend]
	if blockName == "" {
		return nil, cli.Exit(fmt.Sprintf("unknown backend %q, want mbox or maildir", backend), 2)
	}

	var block *config.Node
	var cacheBlock *config.Node
	for i, child := range root.Children {
		switch child.Name {
		case blockName:
			block = &root.Children[i]
		case "storage.metacache":
			cacheBlock = &root.Children[i]
		}
	}
	if block == nil {
		return nil, cli.Exit(fmt.Sprintf("%s: no %s block found", cfgPath, blockName), 1)
	}

	var store mailbox.MailboxStore
	switch backend {
	case "mbox", "mboxfile":
		store, err = mboxfile.FromConfig(*block, logger)
	case "maildir":
		store, err = maildir.FromConfig(*block, logger)
	}
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("%s: %v", blockName, err), 1)
	}

	if cacheBlock != nil {
		if setter, ok := store.(cacheSetter); ok {
			cache, err := metacache.FromConfig(*cacheBlock, logger)
			if err != nil {
				return nil, cli.Exit(fmt.Sprintf("storage.metacache: %v", err), 1)
			}
			setter.SetCache(cache)
		}
	}

	return store, nil
}

func main() {
	app := &cli.App{
		Name:  "gumdropctl",
		Usage: "inspect and manipulate a gumdrop mailbox store",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "base-dir",
				Usage:   "root directory of the mailbox store",
				EnvVars: []string{"GUMDROP_BASE_DIR"},
				Value:   "/var/lib/gumdrop",
			},
			&cli.StringFlag{
				Name:    "backend",
				Usage:   "storage backend: mbox or maildir",
				EnvVars: []string{"GUMDROP_BACKEND"},
				Value:   "mbox",
			},
			&cli.StringFlag{
				Name:    "config",
				Usage:   "configuration file with storage.mboxfile/storage.maildir/storage.metacache blocks (overrides --base-dir)",
				EnvVars: []string{"GUMDROP_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "user",
				Aliases: []string{"u"},
				Usage:   "mailbox account owner, e.g. alice@example.com",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging and a human-readable console encoder",
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool("debug") {
				devCfg := zap.NewDevelopmentConfig()
				l, err := devCfg.Build()
				if err == nil {
					log.SetBackend(l)
				}
			}
			return nil
		},
		Commands: []*cli.Command{
			mailboxCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "gumdropctl:", err)
		os.Exit(1)
	}
}
