// Package reminder defines the reminder record, its state machine and the
// store contract shared by the storage drivers and the dispatch coordinator.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrValidation reports malformed input to Create (empty owner or task,
	// missing or zone-less fire time). No state is mutated.
	ErrValidation = errors.New("reminder: validation failed")
	// ErrNotFound reports a lookup of an id that was never created.
	ErrNotFound = errors.New("reminder: not found")
	// ErrInvalidTransition reports a status change from a non-PENDING state.
	ErrInvalidTransition = errors.New("reminder: invalid status transition")
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusFired     Status = "FIRED"
	StatusCancelled Status = "CANCELLED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusFired, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool { return s == StatusFired || s == StatusCancelled }

// Reminder is one scheduled one-shot notification.
//
// ID, OwnerID, Task, FireAt and CreatedAt never change after creation.
// Status moves PENDING -> FIRED or PENDING -> CANCELLED exactly once.
type Reminder struct {
	ID          int64      `json:"id"`
	OwnerID     string     `json:"owner_id"`
	Task        string     `json:"task"`
	FireAt      time.Time  `json:"fire_at"`
	CreatedAt   time.Time  `json:"created_at"`
	Status      Status     `json:"status"`
	FiredAt     *time.Time `json:"fired_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
}

// Store is the durable source of truth for reminders.
//
// Every mutation is durable before it returns. MarkFired and MarkCancelled
// are atomic compare-and-set operations on status: under concurrent calls for
// the same id exactly one succeeds and the rest get ErrInvalidTransition.
type Store interface {
	Create(ctx context.Context, ownerID, task string, fireAt time.Time) (Reminder, error)
	Get(ctx context.Context, id int64) (Reminder, error)
	MarkFired(ctx context.Context, id int64) (Reminder, error)
	MarkCancelled(ctx context.Context, id int64) (Reminder, error)
	// ListPending returns PENDING reminders ordered by fire_at then id.
	// A non-nil before keeps only fire_at <= *before.
	ListPending(ctx context.Context, before *time.Time) ([]Reminder, error)
	// ListByOwner returns the newest reminders of one owner first.
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]Reminder, error)
}

// Validate checks Create input.
func Validate(ownerID, task string, fireAt time.Time) error {
	switch {
	case strings.TrimSpace(ownerID) == "":
		return fmt.Errorf("%w: owner_id is empty", ErrValidation)
	case strings.TrimSpace(task) == "":
		return fmt.Errorf("%w: task is empty", ErrValidation)
	case fireAt.IsZero():
		return fmt.Errorf("%w: fire_at is missing", ErrValidation)
	}
	return nil
}

// ParseFireAt parses an absolute timestamp. An explicit UTC offset (or Z) is
// required; a zone-less local time is ambiguous and rejected.
func ParseFireAt(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: fire_at is missing", ErrValidation)
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04Z07:00", "2006-01-02 15:04:05Z07:00"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: fire_at %q is not an RFC 3339 timestamp with offset", ErrValidation, raw)
}

// Render builds the notification text for r. "{task}" in tmpl is replaced
// by the task; an empty tmpl uses the default wording.
func Render(tmpl string, r Reminder) string {
	if strings.TrimSpace(tmpl) == "" {
		tmpl = "⏰ Reminder: {task}"
	}
	if !strings.Contains(tmpl, "{task}") {
		return tmpl + " " + r.Task
	}
	return strings.ReplaceAll(tmpl, "{task}", r.Task)
}
