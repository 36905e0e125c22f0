// Package app wires the reminder service together and owns its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"remindbot/internal/assistant"
	"remindbot/internal/config"
	"remindbot/internal/dispatch"
	"remindbot/internal/eventbus"
	"remindbot/internal/extractor"
	"remindbot/internal/housekeeping"
	"remindbot/internal/httpapi"
	"remindbot/internal/notifier"
	"remindbot/internal/runtime/supervisor"
	"remindbot/internal/storage"
	"remindbot/internal/timer"
	"remindbot/internal/transport/console"
	"remindbot/internal/transport/telegram"
	"remindbot/internal/transport/whatsapp"
	logx "remindbot/pkg/logx"
)

type App struct {
	cfgPath string
	opts    Options

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	engine *timer.Engine
	notif  *notifier.Service
	disp   *dispatch.Coordinator
	asst   *assistant.Service
	http   *httpapi.Server
	hk     *housekeeping.Service // nil when disabled
	tg     *telegram.Adapter     // nil when disabled
	wa     *whatsapp.Client      // nil when disabled

	// fireCtx parents timer-driven work; canceled last on Stop so in-flight
	// fires can finish while the surfaces shut down.
	fireCtx    context.Context
	fireCancel context.CancelFunc
}

// Options tweak construction for tests and the CLI.
type Options struct {
	// Clock overrides the timer clock.
	Clock timer.Clock
	// Extractor replaces the LLM-backed extractor.
	Extractor assistant.Extractor
	// DisableSystemd skips sd_notify calls.
	DisableSystemd bool
}

func NewApp(cfgPath string) (*App, error) {
	return NewAppWithOptions(cfgPath, Options{})
}

func NewAppWithOptions(cfgPath string, opts Options) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return build(cfgPath, cfgm, cfg, opts)
}

func build(cfgPath string, cfgm *config.Manager, cfg *config.Config, opts Options) (a *App, err error) {
	logSvc, log := logx.New(mapLoggingConfig(cfg))
	appLog := log.With(logx.String("comp", "app"))

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	// Close the store if anything below fails.
	defer func() {
		if err != nil {
			_ = store.Close()
			_ = logSvc.Close()
		}
	}()
	appLog.Info("storage opened", logx.String("driver", sc.Driver))

	topts, err := mapTimerOptions(cfg, log)
	if err != nil {
		return nil, err
	}
	topts.Clock = opts.Clock
	engine := timer.New(topts)

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	notif := notifier.New(ncfg, log, bus)
	notif.Register(console.New(logx.Stdout(), log))

	var tg *telegram.Adapter
	if cfg.Telegram.Enabled {
		tcfg, err := mapTelegramConfig(cfg)
		if err != nil {
			return nil, err
		}
		tg, err = telegram.New(tcfg, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
		notif.Register(tg)
	}

	var wa *whatsapp.Client
	if cfg.WhatsApp.Enabled {
		wa, err = whatsapp.New(mapWhatsAppConfig(cfg), log.With(logx.String("comp", "whatsapp")))
		if err != nil {
			return nil, err
		}
		notif.Register(wa)
	}

	fireCtx, fireCancel := context.WithCancel(context.Background())
	defer func() {
		if err != nil {
			fireCancel()
		}
	}()
	disp, err := dispatch.New(dispatch.Options{
		Store:       store,
		Engine:      engine,
		Notifier:    notif,
		Bus:         bus,
		Logger:      log,
		Clock:       topts.Clock,
		BaseContext: fireCtx,
		FireTimeout: defaultFireTimeout,
		Template:    cfg.NotifierOrDefault().Template,
	})
	if err != nil {
		return nil, err
	}

	ext := opts.Extractor
	if ext == nil {
		ecfg, err := mapExtractorConfig(cfg)
		if err != nil {
			return nil, err
		}
		svc, err := extractor.New(ecfg, log)
		if err != nil {
			return nil, err
		}
		ext = svc
	}

	asst, err := assistant.New(assistant.Options{
		Store:        store,
		Extractor:    ext,
		Dispatcher:   disp,
		Logger:       log,
		Location:     loc,
		RecallWindow: cfg.Recall.Window,
	})
	if err != nil {
		return nil, err
	}

	a = &App{
		cfgPath:    cfgPath,
		opts:       opts,
		cfgm:       cfgm,
		log:        appLog,
		logs:       logSvc,
		bus:        bus,
		store:      store,
		engine:     engine,
		notif:      notif,
		disp:       disp,
		asst:       asst,
		tg:         tg,
		wa:         wa,
		fireCtx:    fireCtx,
		fireCancel: fireCancel,
	}

	hcfg, hkEnabled, err := mapHousekeepingConfig(cfg, loc)
	if err != nil {
		return nil, err
	}
	if hkEnabled {
		a.hk, err = housekeeping.New(hcfg, disp, store, log, bus)
		if err != nil {
			return nil, err
		}
	}

	sopts, err := mapServerOptions(cfg)
	if err != nil {
		return nil, err
	}
	sopts.Assistant = asst
	sopts.Bus = bus
	sopts.Logger = log
	sopts.Health = a.health
	if wa != nil {
		sopts.WhatsApp = wa
	}
	a.http, err = httpapi.New(sopts)
	if err != nil {
		return nil, err
	}
	if !sopts.Auth.Enabled() {
		appLog.Warn("http api auth disabled (server.auth.jwt_secret is empty)")
	}
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Store exposes the opened store to operational commands.
func (a *App) Store() storage.Store { return a.store }

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler { return a.http.Handler() }

// Start brings components up in dependency order. It returns only after
// pending reminders have been re-armed; a recovery failure is fatal.
func (a *App) Start(ctx context.Context) error {
	return a.start(ctx, true)
}

func (a *App) start(ctx context.Context, serveHTTP bool) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if err := config.Validate(cfg); err != nil {
			return err
		}
		if _, err := mapNotifierConfig(cfg); err != nil {
			return err
		}
		_, _, err := mapHousekeepingConfig(cfg, time.UTC)
		return err
	})

	a.sup.Go("timer.engine", func(c context.Context) error {
		if err := a.engine.Run(c); err != nil {
			return err
		}
		if c.Err() == nil {
			return errors.New("timer engine exited")
		}
		return nil
	})
	select {
	case <-a.engine.Started():
	case <-ctx.Done():
		return ctx.Err()
	}

	n, err := a.disp.RecoverOnStartup(a.sup.Context())
	if err != nil {
		a.sup.Cancel()
		return err
	}
	a.log.Info("timer engine ready", logx.Int("recovered", n))

	if serveHTTP {
		a.sup.Go("http.server", a.http.Run)
	}

	if a.tg != nil {
		if err := a.tg.Start(a.sup.Context(), a.asst); err != nil {
			a.sup.Cancel()
			return fmt.Errorf("telegram start: %w", err)
		}
	}

	if a.hk != nil {
		if err := a.hk.Start(a.sup.Context()); err != nil {
			a.sup.Cancel()
			return err
		}
	}

	// Log events for observability/debug (components can also subscribe themselves).
	events, unsub := a.bus.Subscribe(128, nil)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Owner(e.OwnerID), logx.Time("time", e.Time))
			}
		}
	})

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sdNotify(daemon.SdNotifyReady)
	a.log.Info("app started")
	return nil
}

// applyConfig pushes live-reloadable sections into running components.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	var restart []string
	for _, s := range sections {
		if config.RestartRequired[s] {
			restart = append(restart, s)
		}
	}
	if len(restart) > 0 {
		a.log.Warn("config sections changed; restart required for changes to take effect",
			logx.Strings("sections", restart))
	}

	a.logs.Apply(mapLoggingConfig(newCfg))

	if loc, err := newCfg.Location(); err != nil {
		a.log.Warn("invalid timezone; keeping previous", logx.Err(err))
	} else {
		a.asst.Reconfigure(loc, newCfg.Recall.Window)
	}

	if ncfg, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
		a.disp.SetTemplate(newCfg.NotifierOrDefault().Template)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.closeResources()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sdNotify(daemon.SdNotifyStopping)

	// Cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok && time.Until(dl) < max {
				max = time.Until(dl)
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}
		if err := fn(stepCtx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("telegram", 3*time.Second, func(c context.Context) error {
		if a.tg != nil {
			return a.tg.Stop(c)
		}
		return nil
	})
	step("housekeeping", 2*time.Second, func(c context.Context) error {
		if a.hk != nil {
			a.hk.Stop(c)
		}
		return nil
	})
	// Waits for the http server and the timer engine; the engine waits for
	// callbacks already handed to workers.
	step("supervisor", 5*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("dispatch", time.Second, func(c context.Context) error { a.fireCancel(); return nil })

	err := a.closeResources()
	a.log.Info("stopped")
	return err
}

func (a *App) closeResources() error {
	a.fireCancel()
	var err error
	if a.store != nil {
		err = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}

func (a *App) health() map[string]any {
	out := map[string]any{
		"timer_pending":    a.engine.Len(),
		"eventbus_dropped": a.bus.Dropped(),
		"notifier_history": len(a.notif.History()),
		"log_level":        a.logs.Level(),
	}
	if a.sup != nil {
		out["supervisor"] = a.sup.Snapshot()
	}
	if a.hk != nil {
		out["housekeeping"] = a.hk.Snapshot()
	}
	return out
}

func (a *App) sdNotify(state string) {
	if a.opts.DisableSystemd {
		return
	}
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		a.log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		a.log.Debug("sd_notify sent", logx.String("state", state))
	}
}
