package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/gumdrop-mail/gumdrop/internal/mailbox"
	"github.com/gumdrop-mail/gumdrop/internal/mailbox/search"
)

var mailboxCommand = &cli.Command{
	Name:  "mailbox",
	Usage: "manage mailboxes and messages in a store",
	Subcommands: []*cli.Command{
		mailboxCreateCommand,
		mailboxListCommand,
		mailboxAppendCommand,
		mailboxSearchCommand,
		mailboxExpungeCommand,
	},
}

var mailboxCreateCommand = &cli.Command{
	Name:      "create",
	Usage:     "create a mailbox",
	ArgsUsage: "NAME",
	Action: func(c *cli.Context) error {
		name := c.Args().First()
		if name == "" {
			return cli.Exit("usage: gumdropctl mailbox create NAME", 2)
		}
		store, err := openStore(c)
		if err != nil {
			return err
		}
		defer store.Close(c.Context)
		if err := store.CreateMailbox(c.Context, name); err != nil {
			return cli.Exit(err.Error(), 1)
		}
		fmt.Println("created", name)
		return nil
	},
}

var mailboxListCommand = &cli.Command{
	Name:  "list",
	Usage: "list mailboxes",
	Action: func(c *cli.Context) error {
		store, err := openStore(c)
		if err != nil {
			return err
		}
		defer store.Close(c.Context)

		names, err := store.ListMailboxes(c.Context, "", "*")
		if err != nil {
			return cli.Exit(err.Error(), 1)
		}
		for _, name := range names {
			mb, err := store.OpenMailbox(c.Context, name, true)
			if err != nil {
				fmt.Printf("%s\t(error: %v)\n", name, err)
				continue
			}
			count, _ := mb.MessageCount(c.Context)
			mb.Close(c.Context, false)
			fmt.Printf("%s\t%d message(s)\n", name, count)
		}
		return nil
	},
}

var mailboxAppendCommand = &cli.Command{
	Name:      "append",
	Usage:     "append a message to a mailbox from a file, or stdin if FILE is omitted",
	ArgsUsage: "MAILBOX [FILE]",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "flags",
			Usage: "comma-separated flags to set on append, e.g. Seen,Flagged",
		},
	},
	Action: func(c *cli.Context) error {
		name := c.Args().First()
		if name == "" {
			return cli.Exit("usage: gumdropctl mailbox append MAILBOX [FILE]", 2)
		}

		var in io.Reader = os.Stdin
		if path := c.Args().Get(1); path != "" {
			f, err := os.Open(path)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			defer f.Close()
			in = f
		}
		raw, err := io.ReadAll(bufio.NewReader(in))
		if err != nil {
			return cli.Exit(fmt.Sprintf("read message: %v", err), 1)
		}

		flags := map[mailbox.Flag]bool{}
		if c.String("flags") != "" {
			for _, f := range strings.Split(c.String("flags"), ",") {
				flags[mailbox.Flag(strings.TrimSpace(f))] = true
			}
		}

		store, err := openStore(c)
		if err != nil {
			return err
		}
		defer store.Close(c.Context)

		mb, err := store.OpenMailbox(c.Context, name, false)
		if err != nil {
			return cli.Exit(err.Error(), 1)
		}
		defer mb.Close(c.Context, false)

		if err := mb.StartAppend(c.Context, flags, time.Now()); err != nil {
			return cli.Exit(err.Error(), 1)
		}
		if err := mb.AppendContent(c.Context, raw); err != nil {
			return cli.Exit(err.Error(), 1)
		}
		uid, err := mb.EndAppend(c.Context)
		if err != nil {
			return cli.Exit(err.Error(), 1)
		}
		fmt.Println("appended, UID", uid)
		return nil
	},
}

var mailboxSearchCommand = &cli.Command{
	Name:      "search",
	Usage:     "run an IMAP SEARCH query against a mailbox",
	ArgsUsage: "MAILBOX QUERY",
	Action: func(c *cli.Context) error {
		name := c.Args().First()
		query := strings.Join(c.Args().Tail(), " ")
		if name == "" || query == "" {
			return cli.Exit(`usage: gumdropctl mailbox search MAILBOX 'SUBJECT "hello"'`, 2)
		}

		expr, err := search.Parse(query)
		if err != nil {
			return cli.Exit(fmt.Sprintf("parse query: %v", err), 2)
		}

		store, err := openStore(c)
		if err != nil {
			return err
		}
		defer store.Close(c.Context)

		mb, err := store.OpenMailbox(c.Context, name, true)
		if err != nil {
			return cli.Exit(err.Error(), 1)
		}
		defer mb.Close(c.Context, false)

		matches, err := mb.Search(c.Context, expr)
		if err != nil {
			return cli.Exit(err.Error(), 1)
		}
		for _, seq := range matches {
			fmt.Println(seq)
		}
		return nil
	},
}

var mailboxExpungeCommand = &cli.Command{
	Name:      "expunge",
	Usage:     "permanently remove messages marked Deleted",
	ArgsUsage: "MAILBOX",
	Action: func(c *cli.Context) error {
		name := c.Args().First()
		if name == "" {
			return cli.Exit("usage: gumdropctl mailbox expunge MAILBOX", 2)
		}

		store, err := openStore(c)
		if err != nil {
			return err
		}
		defer store.Close(c.Context)

		mb, err := store.OpenMailbox(c.Context, name, false)
		if err != nil {
			return cli.Exit(err.Error(), 1)
		}
		defer mb.Close(c.Context, false)

		expunged, err := mb.Expunge(c.Context)
		if err != nil {
			return cli.Exit(err.Error(), 1)
		}
		fmt.Printf("expunged %d message(s)\n", len(expunged))
		return nil
	},
}
