// Package dispatch bridges the reminder store, the timer engine and the
// notifier. It is the only place that moves a reminder out of PENDING and the
// only place with restart recovery.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"remindbot/internal/eventbus"
	"remindbot/internal/reminder"
	"remindbot/internal/timer"
	logx "remindbot/pkg/logx"
)

// ErrRecovery means pending reminders could not be re-armed at startup.
// The process must not accept requests in this state.
var ErrRecovery = errors.New("dispatch: startup recovery failed")

// Event types published on the bus.
const (
	EventCreated      = "reminder.created"
	EventFired        = "reminder.fired"
	EventCancelled    = "reminder.cancelled"
	EventNotifyFailed = "reminder.notify_failed"
	EventRecovered    = "reminder.recovered"
)

// Scheduler is the subset of the timer engine the coordinator drives.
type Scheduler interface {
	Schedule(id int64, fireAt time.Time, cb timer.Callback) error
	Cancel(id int64) bool
	Has(id int64) bool
}

// Notifier delivers a rendered message to an owner.
type Notifier interface {
	Send(ctx context.Context, ownerID, text string) error
}

type Options struct {
	Store    reminder.Store
	Engine   Scheduler
	Notifier Notifier
	Bus      eventbus.Bus // optional
	Logger   logx.Logger
	// Clock should be the engine's clock; it decides which recovered
	// reminders count as overdue. Defaults to the system clock.
	Clock timer.Clock

	// BaseContext parents the contexts of timer-driven work. Canceling it
	// aborts in-flight fires.
	BaseContext context.Context
	// FireTimeout bounds one fire (store reads, transition and delivery).
	FireTimeout time.Duration
	// Template renders the notification; see reminder.Render.
	Template string
}

type Coordinator struct {
	store    reminder.Store
	engine   Scheduler
	notifier Notifier
	bus      eventbus.Bus
	log      logx.Logger
	clock    timer.Clock

	baseCtx     context.Context
	fireTimeout time.Duration

	tmu      sync.RWMutex
	template string

	// inflight holds ids whose callback is running, so Reconcile does not
	// re-arm a reminder that is mid-fire.
	inflight sync.Map
}

func New(opts Options) (*Coordinator, error) {
	if opts.Store == nil || opts.Engine == nil || opts.Notifier == nil {
		return nil, errors.New("dispatch: store, engine and notifier are required")
	}
	if opts.BaseContext == nil {
		opts.BaseContext = context.Background()
	}
	if opts.FireTimeout <= 0 {
		opts.FireTimeout = time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = timer.SystemClock{}
	}
	log := opts.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Coordinator{
		store:       opts.Store,
		engine:      opts.Engine,
		notifier:    opts.Notifier,
		bus:         opts.Bus,
		clock:       opts.Clock,
		log:         log.With(logx.String("comp", "dispatch")),
		baseCtx:     opts.BaseContext,
		fireTimeout: opts.FireTimeout,
		template:    opts.Template,
	}, nil
}

// SetTemplate swaps the notification template for later fires.
func (c *Coordinator) SetTemplate(tmpl string) {
	c.tmu.Lock()
	c.template = tmpl
	c.tmu.Unlock()
}

func (c *Coordinator) publish(typ string, r reminder.Reminder) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{Type: typ, OwnerID: r.OwnerID, Data: r})
}

// OnReminderRequested persists a new reminder and arms its timer. A store
// failure propagates and nothing is scheduled.
func (c *Coordinator) OnReminderRequested(ctx context.Context, ownerID, task string, fireAt time.Time) (reminder.Reminder, error) {
	r, err := c.store.Create(ctx, ownerID, task, fireAt)
	if err != nil {
		return reminder.Reminder{}, err
	}
	if err := c.engine.Schedule(r.ID, r.FireAt, c.OnFire); err != nil {
		// The row is durable and PENDING; the next recovery or sweep arms it.
		c.log.Error("reminder stored but not scheduled", logx.ReminderID(r.ID), logx.Err(err))
		return r, fmt.Errorf("schedule reminder %d: %w", r.ID, err)
	}
	c.log.Info("reminder scheduled",
		logx.ReminderID(r.ID),
		logx.Owner(r.OwnerID),
		logx.Time("fire_at", r.FireAt),
	)
	c.publish(EventCreated, r)
	return r, nil
}

// OnFire is the timer callback.
func (c *Coordinator) OnFire(id int64) {
	ctx, cancel := context.WithTimeout(c.baseCtx, c.fireTimeout)
	defer cancel()
	_ = c.Fire(ctx, id)
}

// Fire runs one fire attempt and reports the outcome. Benign races (missing
// row, already terminal, lost transition) return nil.
func (c *Coordinator) Fire(ctx context.Context, id int64) error {
	if _, busy := c.inflight.LoadOrStore(id, struct{}{}); busy {
		c.log.Debug("fire already in progress", logx.ReminderID(id))
		return nil
	}
	defer c.inflight.Delete(id)

	r, err := c.store.Get(ctx, id)
	if errors.Is(err, reminder.ErrNotFound) {
		c.log.Warn("fired reminder not found", logx.ReminderID(id))
		return nil
	}
	if err != nil {
		c.log.Error("load fired reminder failed", logx.ReminderID(id), logx.Err(err))
		return err
	}
	if r.Status != reminder.StatusPending {
		c.log.Debug("fired reminder no longer pending", logx.ReminderID(id), logx.String("status", string(r.Status)))
		return nil
	}

	fired, err := c.store.MarkFired(ctx, id)
	if errors.Is(err, reminder.ErrInvalidTransition) {
		c.log.Debug("fire lost transition race", logx.ReminderID(id), logx.Err(err))
		return nil
	}
	if err != nil {
		c.log.Error("mark fired failed", logx.ReminderID(id), logx.Err(err))
		return err
	}
	c.publish(EventFired, fired)

	c.tmu.RLock()
	tmpl := c.template
	c.tmu.RUnlock()
	msg := reminder.Render(tmpl, fired)
	if err := c.notifier.Send(ctx, fired.OwnerID, msg); err != nil {
		// The reminder stays FIRED; retries are the notifier's business.
		c.log.Error("reminder notification failed",
			logx.ReminderID(id),
			logx.Owner(fired.OwnerID),
			logx.Err(err),
		)
		c.publish(EventNotifyFailed, fired)
		return fmt.Errorf("notify reminder %d: %w", id, err)
	}
	c.log.Info("reminder delivered", logx.ReminderID(id), logx.Owner(fired.OwnerID))
	return nil
}

// RecoverOnStartup re-arms every PENDING reminder. Overdue ones fire
// immediately. Any failure is wrapped in ErrRecovery.
func (c *Coordinator) RecoverOnStartup(ctx context.Context) (int, error) {
	pending, err := c.store.ListPending(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: list pending: %v", ErrRecovery, err)
	}
	now := c.clock.Now()
	overdue := 0
	for _, r := range pending {
		if err := c.engine.Schedule(r.ID, r.FireAt, c.OnFire); err != nil {
			return 0, fmt.Errorf("%w: schedule %d: %v", ErrRecovery, r.ID, err)
		}
		if !r.FireAt.After(now) {
			overdue++
		}
	}
	c.log.Info("pending reminders recovered", logx.Int("count", len(pending)), logx.Int("overdue", overdue))
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: EventRecovered, Data: map[string]int{"count": len(pending), "overdue": overdue}})
	}
	return len(pending), nil
}

// OnCancelRequested cancels a PENDING reminder. The store transition is the
// authority; the engine cancel is cleanup and may find nothing.
func (c *Coordinator) OnCancelRequested(ctx context.Context, id int64) (reminder.Reminder, error) {
	r, err := c.store.MarkCancelled(ctx, id)
	if err != nil {
		return r, err
	}
	removed := c.engine.Cancel(id)
	c.log.Info("reminder cancelled", logx.ReminderID(id), logx.Bool("timer_removed", removed))
	c.publish(EventCancelled, r)
	return r, nil
}

// Reconcile arms PENDING reminders that the engine does not hold. It is a
// safety net for rows whose Schedule failed; the normal path never needs it.
func (c *Coordinator) Reconcile(ctx context.Context) (int, error) {
	pending, err := c.store.ListPending(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("reconcile: %w", err)
	}
	armed := 0
	for _, r := range pending {
		if _, busy := c.inflight.Load(r.ID); busy || c.engine.Has(r.ID) {
			continue
		}
		if err := c.engine.Schedule(r.ID, r.FireAt, c.OnFire); err != nil {
			return armed, fmt.Errorf("reconcile: schedule %d: %w", r.ID, err)
		}
		armed++
	}
	if armed > 0 {
		c.log.Warn("reconcile re-armed orphaned reminders", logx.Int("count", armed))
	}
	return armed, nil
}
