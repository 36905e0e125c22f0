//go:build unix

package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

func TestFileStoreRefusesSecondOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remindbot.db")
	cfg := Config{Driver: "file", Path: path}

	server, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	r, err := server.Create(ctx, "u1", "water plants", time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := Open(cfg, logx.Nop()); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked for second open, got %v", err)
	}

	if _, err := server.MarkFired(ctx, r.ID); err != nil {
		t.Fatalf("fire: %v", err)
	}
	if err := server.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	cli, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen after close: %v", err)
	}
	defer cli.Close()
	if _, err := cli.MarkCancelled(ctx, r.ID); !errors.Is(err, reminder.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on fired reminder, got %v", err)
	}
	got, _ := cli.Get(ctx, r.ID)
	if got.Status != reminder.StatusFired || got.CancelledAt != nil {
		t.Fatalf("expected a single FIRED transition, got %+v", got)
	}
}
