package storage

import (
	"context"
	"errors"
	"time"

	"remindbot/internal/reminder"
)

var (
	ErrClosed = errors.New("storage closed")
	// ErrLocked means another process holds the file store open.
	ErrLocked = errors.New("storage locked by another process")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "file": dependency-free file backend (jsonl journal + snapshot)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// ConversationEntry is one inbound message of an owner.
type ConversationEntry struct {
	ID        int64     `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// ConversationStore is an append-only per-owner message log.
type ConversationStore interface {
	Append(ctx context.Context, ownerID, message string) (ConversationEntry, error)
	// LastN returns up to n most recent entries of ownerID, oldest first.
	LastN(ctx context.Context, ownerID string, n int) ([]ConversationEntry, error)
	// PruneBefore drops entries created before cutoff and reports how many.
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store is everything the application persists.
type Store interface {
	reminder.Store
	ConversationStore
	Close() error
}

const defaultListLimit = 50
