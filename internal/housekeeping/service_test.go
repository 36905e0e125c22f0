package housekeeping

import (
	"context"
	"errors"
	"testing"
	"time"

	"remindbot/internal/eventbus"
	logx "remindbot/pkg/logx"
)

type fakeReconciler struct {
	calls int
	err   error
}

func (f *fakeReconciler) Reconcile(ctx context.Context) (int, error) {
	f.calls++
	return 2, f.err
}

type fakePruner struct {
	cutoff time.Time
}

func (f *fakePruner) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	f.cutoff = cutoff
	return 5, nil
}

func TestNewRejectsBadSchedule(t *testing.T) {
	_, err := New(Config{SweepSchedule: "every tuesday"}, &fakeReconciler{}, &fakePruner{}, logx.Nop(), nil)
	if err == nil {
		t.Fatalf("expected schedule error")
	}
}

func TestRunNowSweepAndPrune(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4, nil)
	defer unsub()

	rec := &fakeReconciler{}
	pr := &fakePruner{}
	s, err := New(Config{Retention: 48 * time.Hour}, rec, pr, logx.Nop(), bus)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	now := time.Date(2026, 10, 15, 3, 17, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	if err := s.RunNow(context.Background(), JobSweep); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if rec.calls != 1 {
		t.Fatalf("reconcile not called")
	}
	if err := s.RunNow(context.Background(), JobPrune); err != nil {
		t.Fatalf("prune: %v", err)
	}
	if want := now.Add(-48 * time.Hour); !pr.cutoff.Equal(want) {
		t.Fatalf("cutoff %v want %v", pr.cutoff, want)
	}
	if err := s.RunNow(context.Background(), "nope"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("expected ErrUnknownJob, got %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case ev := <-events:
			if ev.Type != EventJobDone {
				t.Fatalf("unexpected event %s", ev.Type)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing job event %d", i)
		}
	}
}

func TestSnapshotRecordsFailures(t *testing.T) {
	rec := &fakeReconciler{err: errors.New("db locked")}
	s, err := New(Config{}, rec, &fakePruner{}, logx.Nop(), nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_ = s.RunNow(context.Background(), JobSweep)

	snap := s.Snapshot()
	if len(snap) != 2 || snap[1].Name != JobSweep {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap[1].Runs != 1 || snap[1].Failures != 1 || snap[1].LastErr != "db locked" {
		t.Fatalf("failure not recorded: %+v", snap[1])
	}
}

func TestStartStop(t *testing.T) {
	s, err := New(Config{Location: time.UTC}, &fakeReconciler{}, &fakePruner{}, logx.Nop(), nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	for _, st := range s.Snapshot() {
		if st.Next.IsZero() {
			t.Fatalf("job %s has no next run", st.Name)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}
