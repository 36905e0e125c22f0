package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	logx "remindbot/pkg/logx"
)

// A crash after the snapshot rename but before the journal truncate leaves
// the full journal next to a snapshot that already contains it.
func TestReplaySkipsEntriesHeldBySnapshot(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Driver: "file", Path: filepath.Join(dir, "remindbot.db")}
	journal := filepath.Join(dir, "remindbot.journal.jsonl")

	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	for _, m := range []string{"m1", "m2"} {
		if _, err := st.Append(ctx, "u1", m); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	stale, err := os.ReadFile(journal)
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}

	fs := st.(*fileStore)
	fs.mu.Lock()
	err = fs.compactLocked()
	fs.mu.Unlock()
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := os.WriteFile(journal, stale, 0o600); err != nil {
		t.Fatalf("restore journal: %v", err)
	}

	st, err = Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	got, err := st.LastN(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("lastN: %v", err)
	}
	if len(got) != 2 || got[0].Message != "m1" || got[1].Message != "m2" {
		t.Fatalf("expected 2 entries after replay, got %+v", got)
	}
	e, err := st.Append(ctx, "u1", "m3")
	if err != nil {
		t.Fatalf("append after replay: %v", err)
	}
	if e.ID != 3 {
		t.Fatalf("expected next id 3, got %d", e.ID)
	}
}
