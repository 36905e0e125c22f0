package assistant

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"remindbot/internal/extractor"
	"remindbot/internal/reminder"
	"remindbot/internal/storage"
	kit "remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

type fakeExtractor struct {
	intent   extractor.Intent
	err      error
	history  []string
	question string
}

func (f *fakeExtractor) Extract(ctx context.Context, text string, ref time.Time, loc *time.Location) (extractor.Intent, error) {
	return f.intent, f.err
}

func (f *fakeExtractor) Recall(ctx context.Context, history []string, question string) (string, error) {
	f.history, f.question = history, question
	return "answer", nil
}

// storeDispatcher creates and cancels straight through the store.
type storeDispatcher struct {
	store     reminder.Store
	requested int
	cancelled []int64
}

func (d *storeDispatcher) OnReminderRequested(ctx context.Context, ownerID, task string, fireAt time.Time) (reminder.Reminder, error) {
	d.requested++
	return d.store.Create(ctx, ownerID, task, fireAt)
}

func (d *storeDispatcher) OnCancelRequested(ctx context.Context, id int64) (reminder.Reminder, error) {
	d.cancelled = append(d.cancelled, id)
	return d.store.MarkCancelled(ctx, id)
}

type fixture struct {
	svc   *Service
	store storage.Store
	ext   *fakeExtractor
	disp  *storeDispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "data")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	ext := &fakeExtractor{}
	disp := &storeDispatcher{store: st}
	svc, err := New(Options{Store: st, Extractor: ext, Dispatcher: disp, Logger: logx.Nop(), Location: time.UTC})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return &fixture{svc: svc, store: st, ext: ext, disp: disp}
}

func TestCreateReminderLogsAndSchedules(t *testing.T) {
	f := newFixture(t)
	at := time.Date(2026, 10, 15, 18, 0, 0, 0, time.UTC)
	f.ext.intent = extractor.Intent{Task: "call mom", FireAt: at}

	r, err := f.svc.CreateReminder(context.Background(), "u1", "remind me to call mom at 6pm")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if r.Task != "call mom" || !r.FireAt.Equal(at) || r.OwnerID != "u1" {
		t.Fatalf("unexpected reminder %+v", r)
	}
	log, _ := f.store.LastN(context.Background(), "u1", 5)
	if len(log) != 1 || log[0].Message != "remind me to call mom at 6pm" {
		t.Fatalf("message not logged: %+v", log)
	}
}

func TestCreateReminderNoIntentStillLogs(t *testing.T) {
	f := newFixture(t)
	f.ext.err = extractor.ErrNoIntent

	_, err := f.svc.CreateReminder(context.Background(), "u1", "hello there")
	if !errors.Is(err, extractor.ErrNoIntent) {
		t.Fatalf("expected ErrNoIntent, got %v", err)
	}
	if f.disp.requested != 0 {
		t.Fatalf("dispatcher called without intent")
	}
	log, _ := f.store.LastN(context.Background(), "u1", 5)
	if len(log) != 1 {
		t.Fatalf("message should be logged even without intent")
	}
}

func TestCreateReminderValidation(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.CreateReminder(context.Background(), "", "x"); !errors.Is(err, reminder.ErrValidation) {
		t.Fatalf("expected ErrValidation for empty owner, got %v", err)
	}
	if _, err := f.svc.CreateReminder(context.Background(), "u1", " "); !errors.Is(err, reminder.ErrValidation) {
		t.Fatalf("expected ErrValidation for empty text, got %v", err)
	}
}

func TestRecallUsesWindow(t *testing.T) {
	f := newFixture(t)
	f.svc.Reconfigure(time.UTC, 3)
	for _, m := range []string{"a", "b", "c", "d"} {
		_, _ = f.store.Append(context.Background(), "u1", m)
	}
	got, err := f.svc.Recall(context.Background(), "u1", "what?")
	if err != nil || got != "answer" {
		t.Fatalf("recall: %q %v", got, err)
	}
	if strings.Join(f.ext.history, ",") != "b,c,d" || f.ext.question != "what?" {
		t.Fatalf("unexpected recall input %v %q", f.ext.history, f.ext.question)
	}
}

func TestCancelReminderChecksOwner(t *testing.T) {
	f := newFixture(t)
	r, _ := f.store.Create(context.Background(), "u1", "x", time.Now().Add(time.Hour))

	if _, err := f.svc.CancelReminder(context.Background(), "", r.ID); !errors.Is(err, reminder.ErrValidation) {
		t.Fatalf("expected ErrValidation without owner, got %v", err)
	}
	if _, err := f.svc.CancelReminder(context.Background(), "u2", r.ID); !errors.Is(err, reminder.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign owner, got %v", err)
	}
	if len(f.disp.cancelled) != 0 {
		t.Fatalf("foreign cancel reached the dispatcher")
	}
	got, err := f.svc.CancelReminder(context.Background(), "u1", r.ID)
	if err != nil || got.Status != reminder.StatusCancelled {
		t.Fatalf("cancel: %+v %v", got, err)
	}
}

func TestHandleMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := func(text string) kit.Inbound {
		return kit.Inbound{Channel: kit.ChannelTelegram, Address: "42", Text: text}
	}

	f.ext.intent = extractor.Intent{Task: "stretch", FireAt: time.Date(2026, 10, 15, 18, 0, 0, 0, time.UTC)}
	reply, err := f.svc.HandleMessage(ctx, in("stretch at 6pm"))
	if err != nil || !strings.Contains(reply, "Reminder set!") || !strings.Contains(reply, "2026-10-15 18:00 UTC") {
		t.Fatalf("create reply %q %v", reply, err)
	}

	reply, _ = f.svc.HandleMessage(ctx, in("/list"))
	if !strings.Contains(reply, "stretch") || !strings.Contains(reply, "[pending]") {
		t.Fatalf("list reply %q", reply)
	}

	rs, _ := f.store.ListByOwner(ctx, "telegram:42", 10)
	reply, _ = f.svc.HandleMessage(ctx, in("/cancel "+strconv.FormatInt(rs[0].ID, 10)))
	if !strings.HasPrefix(reply, "Cancelled #") {
		t.Fatalf("cancel reply %q", reply)
	}
	reply, _ = f.svc.HandleMessage(ctx, in("/cancel "+strconv.FormatInt(rs[0].ID, 10)))
	if !strings.Contains(reply, "already finished") {
		t.Fatalf("second cancel reply %q", reply)
	}

	f.ext.err = extractor.ErrNoIntent
	reply, err = f.svc.HandleMessage(ctx, in("hello"))
	if err != nil || reply != notUnderstood {
		t.Fatalf("no-intent reply %q %v", reply, err)
	}
}
