// Package timer is an in-process one-shot scheduler keyed by reminder id.
//
// A single loop goroutine owns the pending set (a min-heap by fire time).
// Schedule, Cancel and the read-only queries are submitted to the loop and
// acknowledged, so callers never touch the heap directly. Due entries move to
// a FIFO ready queue that a small worker pool drains; the loop never waits
// on a callback.
package timer

import (
	"container/heap"
	"context"
	"errors"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	logx "remindbot/pkg/logx"
)

var (
	ErrStopped    = errors.New("timer: engine stopped")
	ErrNotRunning = errors.New("timer: engine not running")
)

// Callback is invoked once per scheduled, non-cancelled entry.
type Callback func(id int64)

const (
	DefaultMaxSleep = 30 * time.Second
	DefaultWorkers  = 1
)

type Options struct {
	Clock Clock
	// MaxSleep caps a single wait so wall-clock jumps are noticed.
	MaxSleep time.Duration
	// Workers is the number of callback goroutines. The default 1 runs
	// callbacks strictly in fire order; more workers dequeue in order but
	// may finish callbacks out of order.
	Workers int
	Logger  logx.Logger
}

// Entry is a read-only view of a pending schedule.
type Entry struct {
	ID     int64     `json:"id"`
	FireAt time.Time `json:"fire_at"`
}

type Engine struct {
	clock    Clock
	maxSleep time.Duration
	workers  int
	log      logx.Logger

	ops     chan func()
	running chan struct{} // closed when Run starts
	stopped chan struct{} // closed when Run returns
	runOnce sync.Once

	// Loop-owned state.
	pending entryHeap
	index   map[int64]*entry
	ready   []*entry
	seq     uint64
}

func New(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.MaxSleep <= 0 {
		opts.MaxSleep = DefaultMaxSleep
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	log := opts.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		clock:    opts.Clock,
		maxSleep: opts.MaxSleep,
		workers:  opts.Workers,
		log:      log.With(logx.String("comp", "timer")),
		ops:      make(chan func()),
		running:  make(chan struct{}),
		stopped:  make(chan struct{}),
		index:    map[int64]*entry{},
	}
}

// Started is closed once Run owns the pending set.
func (e *Engine) Started() <-chan struct{} { return e.running }

// Done is closed after Run returns and its workers have exited.
func (e *Engine) Done() <-chan struct{} { return e.stopped }

// do runs fn on the loop goroutine and waits for it to finish.
func (e *Engine) do(fn func()) error {
	select {
	case <-e.running:
	default:
		select {
		case <-e.stopped:
			return ErrStopped
		default:
			return ErrNotRunning
		}
	}
	ack := make(chan struct{})
	select {
	case e.ops <- func() { fn(); close(ack) }:
	case <-e.stopped:
		return ErrStopped
	}
	<-ack
	return nil
}

// Schedule arms a one-shot callback for id at fireAt. A fireAt at or before
// now fires promptly. Scheduling an id that is already pending replaces the
// earlier entry.
func (e *Engine) Schedule(id int64, fireAt time.Time, cb Callback) error {
	if cb == nil {
		return errors.New("timer: nil callback")
	}
	return e.do(func() {
		e.removeLocked(id)
		e.seq++
		en := &entry{id: id, fireAt: fireAt, seq: e.seq, cb: cb}
		heap.Push(&e.pending, en)
		e.index[id] = en
	})
}

// Cancel removes a pending entry. It returns false when the id is unknown or
// its callback has already been handed to a worker. For every scheduled entry
// exactly one of {Cancel returns true, callback runs} happens.
func (e *Engine) Cancel(id int64) bool {
	var ok bool
	if err := e.do(func() { ok = e.removeLocked(id) }); err != nil {
		return false
	}
	return ok
}

func (e *Engine) Has(id int64) bool {
	var ok bool
	_ = e.do(func() { _, ok = e.index[id] })
	return ok
}

// Len counts entries not yet handed to a worker.
func (e *Engine) Len() int {
	var n int
	_ = e.do(func() { n = len(e.index) })
	return n
}

// Snapshot lists pending entries in fire order.
func (e *Engine) Snapshot() []Entry {
	var out []Entry
	_ = e.do(func() {
		out = make([]Entry, 0, len(e.index))
		for _, en := range e.ready {
			if !en.dead {
				out = append(out, Entry{ID: en.id, FireAt: en.fireAt})
			}
		}
		sorted := make(entryHeap, len(e.pending))
		copy(sorted, e.pending)
		sort.Slice(sorted, func(i, j int) bool {
			if !sorted[i].fireAt.Equal(sorted[j].fireAt) {
				return sorted[i].fireAt.Before(sorted[j].fireAt)
			}
			return sorted[i].seq < sorted[j].seq
		})
		for _, en := range sorted {
			out = append(out, Entry{ID: en.id, FireAt: en.fireAt})
		}
	})
	return out
}

// removeLocked drops id from the heap or marks it dead in the ready queue.
func (e *Engine) removeLocked(id int64) bool {
	en, ok := e.index[id]
	if !ok {
		return false
	}
	delete(e.index, id)
	if en.idx >= 0 {
		heap.Remove(&e.pending, en.idx)
	} else {
		en.dead = true
	}
	return true
}

// Run owns the pending set until ctx is done. Queued callbacks that have not
// reached a worker are dropped on exit; durable callers re-arm them on the
// next start.
func (e *Engine) Run(ctx context.Context) error {
	started := false
	e.runOnce.Do(func() { started = true })
	if !started {
		return errors.New("timer: engine already run")
	}

	work := make(chan *entry)
	var wg sync.WaitGroup
	for i := 0; i < e.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for en := range work {
				e.invoke(en)
			}
		}()
	}
	defer func() {
		close(work)
		wg.Wait()
		close(e.stopped)
	}()

	close(e.running)
	e.log.Debug("timer loop started", logx.Int("workers", e.workers), logx.Duration("max_sleep", e.maxSleep))

	for {
		now := e.clock.Now()
		e.promoteDue(now)

		var (
			out  chan<- *entry
			next *entry
			wake <-chan time.Time
			t    Timer
		)
		if next = e.peekReady(); next != nil {
			out = work
		}
		if len(e.pending) > 0 {
			deadline := e.pending[0].fireAt
			if limit := now.Add(e.maxSleep); deadline.After(limit) {
				deadline = limit
			}
			t = e.clock.NewTimer(deadline)
			wake = t.C()
		}

		select {
		case <-ctx.Done():
			if t != nil {
				t.Stop()
			}
			e.log.Debug("timer loop stopped", logx.Int("pending", len(e.index)))
			return nil
		case op := <-e.ops:
			op()
		case out <- next:
			e.ready = e.ready[1:]
			if cur, ok := e.index[next.id]; ok && cur == next {
				delete(e.index, next.id)
			}
		case <-wake:
		}
		if t != nil {
			t.Stop()
		}
	}
}

// promoteDue moves every entry with fireAt <= now to the ready queue in heap order.
func (e *Engine) promoteDue(now time.Time) {
	for len(e.pending) > 0 && !e.pending[0].fireAt.After(now) {
		en := heap.Pop(&e.pending).(*entry)
		e.ready = append(e.ready, en)
	}
}

// peekReady drops cancelled heads and returns the next live ready entry.
func (e *Engine) peekReady() *entry {
	for len(e.ready) > 0 && e.ready[0].dead {
		e.ready[0] = nil
		e.ready = e.ready[1:]
	}
	if len(e.ready) == 0 {
		return nil
	}
	return e.ready[0]
}

func (e *Engine) invoke(en *entry) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("timer callback panicked",
				logx.ReminderID(en.id),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
		}
	}()
	lag := e.clock.Now().Sub(en.fireAt)
	if lag > time.Second {
		e.log.Debug("timer fired late", logx.ReminderID(en.id), logx.Duration("lag", lag))
	}
	en.cb(en.id)
}
