package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

var drivers = []string{"sqlite", "file"}

func openTestStore(t *testing.T, driver, dir string) Store {
	t.Helper()
	path := filepath.Join(dir, "remindbot.db")
	st, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open %s: %v", driver, err)
	}
	return st
}

// forEachDriver runs fn as a subtest against a fresh store of every driver.
func forEachDriver(t *testing.T, fn func(t *testing.T, st Store, reopen func() Store)) {
	for _, d := range drivers {
		d := d
		t.Run(d, func(t *testing.T) {
			dir := t.TempDir()
			st := openTestStore(t, d, dir)
			cur := st
			t.Cleanup(func() { _ = cur.Close() })
			reopen := func() Store {
				_ = cur.Close()
				cur = openTestStore(t, d, dir)
				return cur
			}
			fn(t, st, reopen)
		})
	}
}

func TestCreateAndGet(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store, _ func() Store) {
		ctx := context.Background()
		loc := time.FixedZone("IST", 5*3600+1800)
		at := time.Date(2026, 10, 15, 18, 30, 0, 0, loc)

		r, err := st.Create(ctx, "u1", "call mom", at)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if r.ID <= 0 || r.Status != reminder.StatusPending || r.CreatedAt.IsZero() {
			t.Fatalf("unexpected reminder: %+v", r)
		}
		got, err := st.Get(ctx, r.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if !got.FireAt.Equal(at) || got.Task != "call mom" || got.OwnerID != "u1" {
			t.Fatalf("round trip mismatch: %+v", got)
		}
		if _, err := st.Get(ctx, r.ID+100); !errors.Is(err, reminder.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestCreateValidation(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store, _ func() Store) {
		ctx := context.Background()
		if _, err := st.Create(ctx, "u1", "", time.Now()); !errors.Is(err, reminder.ErrValidation) {
			t.Fatalf("empty task: expected ErrValidation, got %v", err)
		}
		if _, err := st.Create(ctx, "u1", "x", time.Time{}); !errors.Is(err, reminder.ErrValidation) {
			t.Fatalf("zero time: expected ErrValidation, got %v", err)
		}
		pending, err := st.ListPending(ctx, nil)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(pending) != 0 {
			t.Fatalf("validation failure mutated state: %d rows", len(pending))
		}
	})
}

func TestIDsAreUniqueAndIncreasing(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store, reopen func() Store) {
		ctx := context.Background()
		a, _ := st.Create(ctx, "u1", "a", time.Now())
		b, _ := st.Create(ctx, "u1", "b", time.Now())
		st = reopen()
		c, err := st.Create(ctx, "u1", "c", time.Now())
		if err != nil {
			t.Fatalf("create after reopen: %v", err)
		}
		if !(a.ID < b.ID && b.ID < c.ID) {
			t.Fatalf("ids not increasing: %d %d %d", a.ID, b.ID, c.ID)
		}
	})
}

func TestTransitions(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store, _ func() Store) {
		ctx := context.Background()
		r, _ := st.Create(ctx, "u1", "a", time.Now().Add(time.Hour))

		fired, err := st.MarkFired(ctx, r.ID)
		if err != nil {
			t.Fatalf("mark fired: %v", err)
		}
		if fired.Status != reminder.StatusFired || fired.FiredAt == nil {
			t.Fatalf("unexpected fired reminder: %+v", fired)
		}
		if _, err := st.MarkFired(ctx, r.ID); !errors.Is(err, reminder.ErrInvalidTransition) {
			t.Fatalf("second MarkFired: expected ErrInvalidTransition, got %v", err)
		}
		if _, err := st.MarkCancelled(ctx, r.ID); !errors.Is(err, reminder.ErrInvalidTransition) {
			t.Fatalf("cancel after fire: expected ErrInvalidTransition, got %v", err)
		}
		if _, err := st.MarkCancelled(ctx, 9999); !errors.Is(err, reminder.ErrNotFound) {
			t.Fatalf("cancel missing: expected ErrNotFound, got %v", err)
		}

		c, _ := st.Create(ctx, "u1", "b", time.Now().Add(time.Hour))
		cancelled, err := st.MarkCancelled(ctx, c.ID)
		if err != nil || cancelled.Status != reminder.StatusCancelled || cancelled.CancelledAt == nil {
			t.Fatalf("mark cancelled: %+v %v", cancelled, err)
		}
		if !cancelled.FireAt.Equal(c.FireAt) {
			t.Fatalf("fire_at mutated by transition")
		}
	})
}

func TestConcurrentTransitionsHaveOneWinner(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store, _ func() Store) {
		ctx := context.Background()
		for trial := 0; trial < 20; trial++ {
			r, _ := st.Create(ctx, "u1", "race", time.Now())
			var (
				wg   sync.WaitGroup
				mu   sync.Mutex
				wins int
			)
			for i := 0; i < 6; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					var err error
					if i%2 == 0 {
						_, err = st.MarkFired(ctx, r.ID)
					} else {
						_, err = st.MarkCancelled(ctx, r.ID)
					}
					if err == nil {
						mu.Lock()
						wins++
						mu.Unlock()
					} else if !errors.Is(err, reminder.ErrInvalidTransition) {
						t.Errorf("unexpected error: %v", err)
					}
				}(i)
			}
			wg.Wait()
			if wins != 1 {
				t.Fatalf("trial %d: expected exactly one winner, got %d", trial, wins)
			}
		}
	})
}

func TestListPendingOrderAndFilter(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store, _ func() Store) {
		ctx := context.Background()
		base := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
		late, _ := st.Create(ctx, "u1", "late", base.Add(2*time.Hour))
		tieA, _ := st.Create(ctx, "u1", "tie-a", base.Add(time.Hour))
		tieB, _ := st.Create(ctx, "u2", "tie-b", base.Add(time.Hour))
		early, _ := st.Create(ctx, "u2", "early", base)
		done, _ := st.Create(ctx, "u1", "done", base)
		_, _ = st.MarkFired(ctx, done.ID)

		all, err := st.ListPending(ctx, nil)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		want := []int64{early.ID, tieA.ID, tieB.ID, late.ID}
		if len(all) != len(want) {
			t.Fatalf("expected %d pending, got %d", len(want), len(all))
		}
		for i, id := range want {
			if all[i].ID != id {
				t.Fatalf("position %d: want id %d got %d", i, id, all[i].ID)
			}
		}

		cut := base.Add(time.Hour)
		some, _ := st.ListPending(ctx, &cut)
		if len(some) != 3 {
			t.Fatalf("expected 3 with before filter, got %d", len(some))
		}
	})
}

func TestStateSurvivesReopen(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store, reopen func() Store) {
		ctx := context.Background()
		a, _ := st.Create(ctx, "u1", "a", time.Now().Add(time.Minute))
		b, _ := st.Create(ctx, "u1", "b", time.Now().Add(time.Minute))
		_, _ = st.MarkCancelled(ctx, b.ID)
		_, _ = st.Append(ctx, "u1", "remind me")

		st = reopen()
		pending, err := st.ListPending(ctx, nil)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(pending) != 1 || pending[0].ID != a.ID {
			t.Fatalf("unexpected pending after reopen: %+v", pending)
		}
		got, _ := st.Get(ctx, b.ID)
		if got.Status != reminder.StatusCancelled {
			t.Fatalf("cancel lost across reopen: %s", got.Status)
		}
		msgs, _ := st.LastN(ctx, "u1", 5)
		if len(msgs) != 1 || msgs[0].Message != "remind me" {
			t.Fatalf("conversation lost across reopen: %+v", msgs)
		}
	})
}

func TestListByOwner(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store, _ func() Store) {
		ctx := context.Background()
		for _, task := range []string{"a", "b", "c"} {
			_, _ = st.Create(ctx, "u1", task, time.Now())
		}
		_, _ = st.Create(ctx, "u2", "other", time.Now())

		got, err := st.ListByOwner(ctx, "u1", 2)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(got) != 2 || got[0].Task != "c" || got[1].Task != "b" {
			t.Fatalf("unexpected listing: %+v", got)
		}
	})
}

func TestConversationLastNAndPrune(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store, _ func() Store) {
		ctx := context.Background()
		for _, m := range []string{"m1", "m2", "m3", "m4", "m5", "m6"} {
			if _, err := st.Append(ctx, "u1", m); err != nil {
				t.Fatalf("append: %v", err)
			}
		}
		_, _ = st.Append(ctx, "u2", "not mine")

		got, err := st.LastN(ctx, "u1", 5)
		if err != nil {
			t.Fatalf("lastN: %v", err)
		}
		if len(got) != 5 || got[0].Message != "m2" || got[4].Message != "m6" {
			t.Fatalf("unexpected window: %+v", got)
		}

		n, err := st.PruneBefore(ctx, time.Now().Add(time.Minute))
		if err != nil {
			t.Fatalf("prune: %v", err)
		}
		if n != 7 {
			t.Fatalf("expected 7 pruned, got %d", n)
		}
		if got, _ := st.LastN(ctx, "u1", 5); len(got) != 0 {
			t.Fatalf("expected empty log after prune, got %d", len(got))
		}
	})
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "postgres", Path: "x"}, logx.Nop()); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatalf("expected error for missing path")
	}
}
