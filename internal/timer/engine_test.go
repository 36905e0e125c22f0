package timer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var epoch = time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)

func startEngine(t *testing.T, clock Clock, workers int) *Engine {
	t.Helper()
	e := New(Options{Clock: clock, Workers: workers, MaxSleep: 30 * time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-e.Done()
	})
	select {
	case <-e.Started():
	case <-time.After(2 * time.Second):
		t.Fatalf("engine did not start")
	}
	return e
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// recorder collects callback ids in invocation order.
type recorder struct {
	mu  sync.Mutex
	ids []int64
}

func (r *recorder) cb(id int64) {
	r.mu.Lock()
	r.ids = append(r.ids, id)
	r.mu.Unlock()
}

func (r *recorder) got() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.ids...)
}

func TestFiresAtDeadline(t *testing.T) {
	clock := NewFakeClock(epoch)
	e := startEngine(t, clock, 1)
	var rec recorder

	if err := e.Schedule(1, epoch.Add(2*time.Second), rec.cb); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	clock.Advance(time.Second)
	time.Sleep(30 * time.Millisecond)
	if n := len(rec.got()); n != 0 {
		t.Fatalf("fired early: %d calls", n)
	}

	clock.Advance(time.Second)
	waitFor(t, "callback", func() bool { return len(rec.got()) == 1 })
	if e.Has(1) {
		t.Fatalf("fired entry still pending")
	}

	clock.Advance(time.Hour)
	time.Sleep(30 * time.Millisecond)
	if n := len(rec.got()); n != 1 {
		t.Fatalf("expected exactly one call, got %d", n)
	}
}

func TestPastFireTimeFiresPromptly(t *testing.T) {
	clock := NewFakeClock(epoch)
	e := startEngine(t, clock, 1)
	var rec recorder

	if err := e.Schedule(7, epoch.Add(-time.Hour), rec.cb); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	waitFor(t, "overdue callback", func() bool { return len(rec.got()) == 1 })
}

func TestEarlierEntryWakesSleepingLoop(t *testing.T) {
	clock := NewFakeClock(epoch)
	e := startEngine(t, clock, 1)
	var rec recorder

	_ = e.Schedule(1, epoch.Add(time.Hour), rec.cb)
	waitFor(t, "armed timer", func() bool { return clock.Waiters() == 1 })
	_ = e.Schedule(2, epoch.Add(time.Second), rec.cb)

	waitFor(t, "rearmed timer", func() bool {
		d, ok := clock.NextDeadline()
		return ok && d.Equal(epoch.Add(time.Second))
	})
	clock.Advance(time.Second)
	waitFor(t, "early callback", func() bool { return len(rec.got()) == 1 })
	if got := rec.got(); got[0] != 2 {
		t.Fatalf("expected id 2 first, got %v", got)
	}
}

func TestCancelBeforeFire(t *testing.T) {
	clock := NewFakeClock(epoch)
	e := startEngine(t, clock, 1)
	var rec recorder

	_ = e.Schedule(1, epoch.Add(time.Minute), rec.cb)
	if !e.Cancel(1) {
		t.Fatalf("expected cancel to remove pending entry")
	}
	if e.Cancel(1) {
		t.Fatalf("second cancel should report absent")
	}
	if e.Cancel(42) {
		t.Fatalf("cancel of unknown id should report absent")
	}
	clock.Advance(time.Hour)
	time.Sleep(30 * time.Millisecond)
	if n := len(rec.got()); n != 0 {
		t.Fatalf("cancelled entry fired %d times", n)
	}
}

func TestRescheduleReplacesPriorEntry(t *testing.T) {
	clock := NewFakeClock(epoch)
	e := startEngine(t, clock, 1)
	var rec recorder

	_ = e.Schedule(1, epoch.Add(10*time.Second), rec.cb)
	_ = e.Schedule(1, epoch.Add(time.Second), rec.cb)
	if n := e.Len(); n != 1 {
		t.Fatalf("expected one pending entry, got %d", n)
	}

	clock.Advance(time.Second)
	waitFor(t, "callback", func() bool { return len(rec.got()) == 1 })
	clock.Advance(time.Minute)
	time.Sleep(30 * time.Millisecond)
	if n := len(rec.got()); n != 1 {
		t.Fatalf("replaced entry fired too: %d calls", n)
	}
}

func TestEqualFireTimesKeepInsertionOrder(t *testing.T) {
	clock := NewFakeClock(epoch)
	// Default worker count.
	e := startEngine(t, clock, 0)
	var rec recorder

	at := epoch.Add(time.Second)
	want := []int64{3, 1, 2, 6, 5, 4}
	for _, id := range want {
		_ = e.Schedule(id, at, func(id int64) {
			time.Sleep(time.Millisecond)
			rec.cb(id)
		})
	}
	clock.Advance(time.Second)
	waitFor(t, "all callbacks", func() bool { return len(rec.got()) == len(want) })

	for i, id := range rec.got() {
		if id != want[i] {
			t.Fatalf("order %v, want %v", rec.got(), want)
		}
	}
}

func TestDistinctFireTimesFireInTimeOrder(t *testing.T) {
	clock := NewFakeClock(epoch)
	e := startEngine(t, clock, 1)
	var rec recorder

	_ = e.Schedule(1, epoch.Add(3*time.Second), rec.cb)
	_ = e.Schedule(2, epoch.Add(2*time.Second), rec.cb)
	_ = e.Schedule(3, epoch.Add(time.Second), rec.cb)
	snap := e.Snapshot()
	if len(snap) != 3 || snap[0].ID != 3 || snap[2].ID != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	clock.Advance(5 * time.Second)
	waitFor(t, "three callbacks", func() bool { return len(rec.got()) == 3 })
	want := []int64{3, 2, 1}
	for i, id := range rec.got() {
		if id != want[i] {
			t.Fatalf("order %v, want %v", rec.got(), want)
		}
	}
}

func TestSleepIsCappedByMaxSleep(t *testing.T) {
	clock := NewFakeClock(epoch)
	e := startEngine(t, clock, 1)

	_ = e.Schedule(1, epoch.Add(24*time.Hour), func(int64) {})
	waitFor(t, "capped timer", func() bool {
		d, ok := clock.NextDeadline()
		return ok && d.Equal(epoch.Add(30*time.Second))
	})
}

func TestCancelRacingFireHasOneOutcome(t *testing.T) {
	clock := NewFakeClock(epoch)
	e := startEngine(t, clock, 4)

	const trials = 200
	var (
		fired     sync.Map
		cancelled = map[int64]bool{}
	)
	cb := func(id int64) { fired.Store(id, true) }

	for i := int64(1); i <= trials; i++ {
		_ = e.Schedule(i, clock.Now().Add(time.Millisecond), cb)

		var wg sync.WaitGroup
		var ok atomic.Bool
		wg.Add(2)
		go func() { defer wg.Done(); clock.Advance(time.Millisecond) }()
		go func(id int64) { defer wg.Done(); ok.Store(e.Cancel(id)) }(i)
		wg.Wait()
		if ok.Load() {
			cancelled[i] = true
		}
	}

	countFired := func() int {
		n := 0
		fired.Range(func(_, _ any) bool { n++; return true })
		return n
	}
	waitFor(t, "all outcomes", func() bool { return countFired()+len(cancelled) == trials })
	time.Sleep(30 * time.Millisecond)
	if got := countFired() + len(cancelled); got != trials {
		t.Fatalf("expected %d outcomes, got %d", trials, got)
	}
	for id := range cancelled {
		if _, both := fired.Load(id); both {
			t.Fatalf("id %d was both cancelled and fired", id)
		}
	}
}

func TestCallbackPanicKeepsEngineAlive(t *testing.T) {
	clock := NewFakeClock(epoch)
	e := startEngine(t, clock, 1)
	var rec recorder

	_ = e.Schedule(1, epoch, func(int64) { panic("boom") })
	_ = e.Schedule(2, epoch, rec.cb)
	waitFor(t, "callback after panic", func() bool { return len(rec.got()) == 1 })
}

func TestScheduleRequiresRunningLoop(t *testing.T) {
	e := New(Options{Clock: NewFakeClock(epoch)})
	if err := e.Schedule(1, epoch, func(int64) {}); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = e.Run(ctx) }()
	<-e.Started()
	cancel()
	<-e.Done()

	if err := e.Schedule(1, epoch, func(int64) {}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	if e.Cancel(1) {
		t.Fatalf("cancel on stopped engine should be false")
	}
	if err := e.Run(context.Background()); err == nil {
		t.Fatalf("expected second Run to fail")
	}
}
