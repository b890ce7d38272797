package mboxfile

import (
	"context"
	"testing"

	"github.com/gumdrop-mail/gumdrop/framework/log"
	"github.com/gumdrop-mail/gumdrop/internal/mailbox"
	"github.com/gumdrop-mail/gumdrop/internal/storage/storagetest"
)

func TestMboxfileContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T, user string) mailbox.MailboxStore {
		s := New(t.TempDir(), log.Logger{Name: "mboxfile-contract"})
		if err := s.Open(context.Background(), user); err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		return s
	})
}
