// Package assistant is the user-facing facade shared by the HTTP API and the
// chat channels: it logs inbound messages, asks the extractor for an intent
// and hands reminders to the dispatch coordinator.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"remindbot/internal/extractor"
	"remindbot/internal/reminder"
	"remindbot/internal/storage"
	kit "remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

const DefaultRecallWindow = 5

// Extractor reads intents and answers recall questions.
type Extractor interface {
	Extract(ctx context.Context, text string, ref time.Time, loc *time.Location) (extractor.Intent, error)
	Recall(ctx context.Context, history []string, question string) (string, error)
}

// Dispatcher is the part of the dispatch coordinator the facade drives.
type Dispatcher interface {
	OnReminderRequested(ctx context.Context, ownerID, task string, fireAt time.Time) (reminder.Reminder, error)
	OnCancelRequested(ctx context.Context, id int64) (reminder.Reminder, error)
}

// Store is the read side the facade needs.
type Store interface {
	storage.ConversationStore
	Get(ctx context.Context, id int64) (reminder.Reminder, error)
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]reminder.Reminder, error)
}

type Options struct {
	Store      Store
	Extractor  Extractor
	Dispatcher Dispatcher
	Logger     logx.Logger

	Location     *time.Location
	RecallWindow int
	Now          func() time.Time
}

type Service struct {
	store Store
	ext   Extractor
	disp  Dispatcher
	log   logx.Logger
	now   func() time.Time

	mu     sync.RWMutex
	loc    *time.Location
	window int
}

func New(opts Options) (*Service, error) {
	if opts.Store == nil || opts.Extractor == nil || opts.Dispatcher == nil {
		return nil, errors.New("assistant: store, extractor and dispatcher are required")
	}
	log := opts.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Service{
		store: opts.Store,
		ext:   opts.Extractor,
		disp:  opts.Dispatcher,
		log:   log.With(logx.String("comp", "assistant")),
		now:   opts.Now,
	}
	s.Reconfigure(opts.Location, opts.RecallWindow)
	return s, nil
}

// Reconfigure swaps the user zone and recall window. Zero values keep defaults.
func (s *Service) Reconfigure(loc *time.Location, window int) {
	if loc == nil {
		loc = time.UTC
	}
	if window <= 0 {
		window = DefaultRecallWindow
	}
	s.mu.Lock()
	s.loc, s.window = loc, window
	s.mu.Unlock()
}

func (s *Service) settings() (*time.Location, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loc, s.window
}

// Location is the zone reminders are presented in.
func (s *Service) Location() *time.Location {
	loc, _ := s.settings()
	return loc
}

// CreateReminder logs text to the owner's conversation, extracts a reminder
// and schedules it. extractor.ErrNoIntent is returned unchanged when the text
// holds no reminder.
func (s *Service) CreateReminder(ctx context.Context, ownerID, text string) (reminder.Reminder, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return reminder.Reminder{}, fmt.Errorf("%w: user_id is empty", reminder.ErrValidation)
	}
	if strings.TrimSpace(text) == "" {
		return reminder.Reminder{}, fmt.Errorf("%w: text is empty", reminder.ErrValidation)
	}
	if _, err := s.store.Append(ctx, ownerID, text); err != nil {
		return reminder.Reminder{}, fmt.Errorf("log conversation: %w", err)
	}

	loc, _ := s.settings()
	in, err := s.ext.Extract(ctx, text, s.now(), loc)
	if err != nil {
		return reminder.Reminder{}, err
	}
	return s.disp.OnReminderRequested(ctx, ownerID, in.Task, in.FireAt)
}

// CancelReminder cancels one of ownerID's reminders. A reminder of another
// owner is reported as not found.
func (s *Service) CancelReminder(ctx context.Context, ownerID string, id int64) (reminder.Reminder, error) {
	if strings.TrimSpace(ownerID) == "" {
		return reminder.Reminder{}, fmt.Errorf("%w: owner_id is empty", reminder.ErrValidation)
	}
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return reminder.Reminder{}, err
	}
	if r.OwnerID != ownerID {
		return reminder.Reminder{}, fmt.Errorf("%w: reminder %d", reminder.ErrNotFound, id)
	}
	return s.disp.OnCancelRequested(ctx, id)
}

// Recall answers question over the owner's most recent messages.
func (s *Service) Recall(ctx context.Context, ownerID, question string) (string, error) {
	if strings.TrimSpace(ownerID) == "" || strings.TrimSpace(question) == "" {
		return "", fmt.Errorf("%w: user_id and question are required", reminder.ErrValidation)
	}
	_, window := s.settings()
	entries, err := s.store.LastN(ctx, ownerID, window)
	if err != nil {
		return "", fmt.Errorf("load conversation: %w", err)
	}
	history := make([]string, 0, len(entries))
	for _, e := range entries {
		history = append(history, e.Message)
	}
	return s.ext.Recall(ctx, history, question)
}

func (s *Service) ListReminders(ctx context.Context, ownerID string, limit int) ([]reminder.Reminder, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, fmt.Errorf("%w: user_id is empty", reminder.ErrValidation)
	}
	return s.store.ListByOwner(ctx, ownerID, limit)
}

// HandleMessage serves chat channels. Plain text creates a reminder; a few
// slash commands expose listing, cancelling and recall.
func (s *Service) HandleMessage(ctx context.Context, in kit.Inbound) (string, error) {
	owner := in.OwnerID()
	text := strings.TrimSpace(in.Text)
	cmd, arg, _ := strings.Cut(text, " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(cmd) {
	case "/start", "/help":
		return helpText, nil
	case "/list":
		rs, err := s.ListReminders(ctx, owner, 10)
		if err != nil {
			return "Could not load your reminders.", err
		}
		return s.formatList(rs), nil
	case "/cancel":
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return "Usage: /cancel <id>", nil
		}
		r, err := s.CancelReminder(ctx, owner, id)
		switch {
		case errors.Is(err, reminder.ErrNotFound):
			return fmt.Sprintf("No reminder #%d.", id), nil
		case errors.Is(err, reminder.ErrInvalidTransition):
			return fmt.Sprintf("Reminder #%d already finished.", id), nil
		case err != nil:
			return "Could not cancel that reminder.", err
		}
		return fmt.Sprintf("Cancelled #%d: %s", r.ID, r.Task), nil
	case "/recall":
		answer, err := s.Recall(ctx, owner, arg)
		if errors.Is(err, reminder.ErrValidation) {
			return "Usage: /recall <question>", nil
		}
		if err != nil {
			return "Could not answer right now.", err
		}
		return answer, nil
	}

	r, err := s.CreateReminder(ctx, owner, text)
	if errors.Is(err, extractor.ErrNoIntent) || errors.Is(err, reminder.ErrValidation) {
		return notUnderstood, nil
	}
	if err != nil {
		return "Something went wrong, please try again.", err
	}
	return s.Confirmation(r), nil
}

const (
	notUnderstood = "Sorry, I couldn't understand that reminder 😕"
	helpText      = "Send me a reminder like \"call mom tomorrow at 6pm\".\n/list shows your reminders, /cancel <id> cancels one, /recall <question> searches what you told me."
)

// Confirmation is the reply sent after a reminder is scheduled.
func (s *Service) Confirmation(r reminder.Reminder) string {
	return fmt.Sprintf("⏰ Reminder set!\nTask: %s\nTime: %s", r.Task, s.formatTime(r.FireAt))
}

func (s *Service) formatTime(t time.Time) string {
	return t.In(s.Location()).Format("2006-01-02 15:04 MST")
}

func (s *Service) formatList(rs []reminder.Reminder) string {
	if len(rs) == 0 {
		return "You have no reminders."
	}
	var b strings.Builder
	for i, r := range rs {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "#%d %s %s [%s]", r.ID, s.formatTime(r.FireAt), r.Task, strings.ToLower(string(r.Status)))
	}
	return b.String()
}
