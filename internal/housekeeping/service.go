// Package housekeeping runs periodic maintenance on a cron schedule:
// re-arming orphaned PENDING reminders and pruning old conversation entries.
package housekeeping

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"remindbot/internal/eventbus"
	logx "remindbot/pkg/logx"
)

const (
	JobSweep = "reminders.sweep"
	JobPrune = "conversation.prune"

	DefaultSweepSchedule = "*/5 * * * *"
	DefaultPruneSchedule = "17 3 * * *"
	DefaultRetention     = 30 * 24 * time.Hour
	DefaultJobTimeout    = time.Minute

	EventJobDone = "housekeeping.job"
)

var ErrUnknownJob = errors.New("housekeeping: unknown job")

// Reconciler re-arms PENDING reminders the timer engine lost.
type Reconciler interface {
	Reconcile(ctx context.Context) (int, error)
}

// Pruner drops conversation entries older than a cutoff.
type Pruner interface {
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type Config struct {
	SweepSchedule string
	PruneSchedule string
	Retention     time.Duration
	JobTimeout    time.Duration
	Location      *time.Location
}

// JobStats is a read-only view of one job for /health.
type JobStats struct {
	Name     string    `json:"name"`
	Spec     string    `json:"spec"`
	Runs     uint64    `json:"runs"`
	Failures uint64    `json:"failures"`
	LastRun  time.Time `json:"last_run,omitempty"`
	LastErr  string    `json:"last_error,omitempty"`
	Next     time.Time `json:"next,omitempty"`
}

type job struct {
	name    string
	spec    string
	run     func(ctx context.Context) (int64, error)
	entryID cron.EntryID
	stats   JobStats
}

type Service struct {
	cfg    Config
	log    logx.Logger
	bus    eventbus.Bus
	parser cron.Parser
	now    func() time.Time

	mu   sync.Mutex
	c    *cron.Cron
	jobs map[string]*job
}

func New(cfg Config, rec Reconciler, pr Pruner, log logx.Logger, bus eventbus.Bus) (*Service, error) {
	if rec == nil || pr == nil {
		return nil, errors.New("housekeeping: reconciler and pruner are required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.SweepSchedule) == "" {
		cfg.SweepSchedule = DefaultSweepSchedule
	}
	if strings.TrimSpace(cfg.PruneSchedule) == "" {
		cfg.PruneSchedule = DefaultPruneSchedule
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	s := &Service{
		cfg: cfg,
		log: log.With(logx.String("comp", "housekeeping")),
		bus: bus,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		now:    time.Now,
		jobs:   map[string]*job{},
	}
	s.jobs[JobSweep] = &job{name: JobSweep, spec: cfg.SweepSchedule, run: func(ctx context.Context) (int64, error) {
		n, err := rec.Reconcile(ctx)
		return int64(n), err
	}}
	s.jobs[JobPrune] = &job{name: JobPrune, spec: cfg.PruneSchedule, run: func(ctx context.Context) (int64, error) {
		return pr.PruneBefore(ctx, s.now().Add(-s.cfg.Retention))
	}}
	for _, j := range s.jobs {
		if _, err := s.parser.Parse(j.spec); err != nil {
			return nil, fmt.Errorf("housekeeping: job %s: invalid schedule %q: %w", j.name, j.spec, err)
		}
		j.stats = JobStats{Name: j.name, Spec: j.spec}
	}
	return s, nil
}

// Start registers the jobs and starts triggering. Jobs run with contexts
// derived from ctx.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	cl := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.cfg.Location),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	for _, j := range s.jobs {
		name := j.name
		eid, err := s.c.AddFunc(j.spec, func() { _ = s.RunNow(ctx, name) })
		if err != nil {
			s.c = nil
			return fmt.Errorf("housekeeping: schedule %s: %w", name, err)
		}
		j.entryID = eid
	}
	s.c.Start()
	s.log.Info("service started", logx.String("tz", s.cfg.Location.String()), logx.Int("jobs", len(s.jobs)))
	return nil
}

// Stop stops triggering and waits for running jobs until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		s.log.Warn("stop timed out waiting for running jobs")
	}
	s.log.Info("service stopped")
}

// RunNow runs one job synchronously under the job timeout.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}

	jctx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
	defer cancel()
	start := s.now()
	n, err := j.run(jctx)
	took := time.Since(start)

	s.mu.Lock()
	j.stats.Runs++
	j.stats.LastRun = start
	j.stats.LastErr = ""
	if err != nil {
		j.stats.Failures++
		j.stats.LastErr = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("job failed", logx.String("job", name), logx.Duration("took", took), logx.Err(err))
	} else {
		s.log.Debug("job done", logx.String("job", name), logx.Int64("affected", n), logx.Duration("took", took))
	}
	if s.bus != nil {
		data := map[string]any{"job": name, "affected": n, "took_ms": took.Milliseconds()}
		if err != nil {
			data["error"] = err.Error()
		}
		s.bus.Publish(eventbus.Event{Type: EventJobDone, Data: data})
	}
	return err
}

// Snapshot lists job stats sorted by name.
func (s *Service) Snapshot() []JobStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStats, 0, len(s.jobs))
	for _, name := range []string{JobPrune, JobSweep} {
		j := s.jobs[name]
		st := j.stats
		if s.c != nil {
			st.Next = s.c.Entry(j.entryID).Next
		}
		out = append(out, st)
	}
	return out
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
