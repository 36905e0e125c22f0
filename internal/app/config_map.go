package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"remindbot/internal/config"
	"remindbot/internal/extractor"
	"remindbot/internal/housekeeping"
	"remindbot/internal/httpapi"
	"remindbot/internal/notifier"
	"remindbot/internal/storage"
	"remindbot/internal/timer"
	"remindbot/internal/transport/telegram"
	"remindbot/internal/transport/whatsapp"
	logx "remindbot/pkg/logx"
)

const defaultFireTimeout = 2 * time.Minute

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "sqlite", "sqlite3":
		if path == "" {
			path = "./remindbot.db"
		}
		busy, err := config.DurationOr("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "file":
		if path == "" {
			path = "./data"
		}
		return storage.Config{Driver: "file", Path: path}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapTimerOptions(cfg *config.Config, log logx.Logger) (timer.Options, error) {
	maxSleep, err := config.DurationOr("timer.max_sleep", cfg.Timer.MaxSleep, timer.DefaultMaxSleep)
	if err != nil {
		return timer.Options{}, err
	}
	return timer.Options{
		MaxSleep: maxSleep,
		Workers:  cfg.Timer.DispatchWorkers,
		Logger:   log,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	nc := cfg.NotifierOrDefault()
	def := config.DefaultNotifier()
	base, err := config.DurationOr("notifier.retry_base", nc.RetryBase, mustDuration(def.RetryBase))
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.DurationOr("notifier.retry_max_delay", nc.RetryMaxDelay, mustDuration(def.RetryMaxDelay))
	if err != nil {
		return notifier.Config{}, err
	}
	sendTimeout, err := config.DurationOr("notifier.send_timeout", nc.SendTimeout, mustDuration(def.SendTimeout))
	if err != nil {
		return notifier.Config{}, err
	}
	if nc.RatePerSec < 0 || nc.RetryMax < 0 || nc.HistorySize < 0 {
		return notifier.Config{}, fmt.Errorf("notifier: rate_per_sec, retry_max and history_size must be >= 0")
	}
	return notifier.Config{
		Enabled:       nc.Enabled,
		RatePerSec:    nc.RatePerSec,
		RetryMax:      nc.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		SendTimeout:   sendTimeout,
		HistorySize:   nc.HistorySize,
	}, nil
}

func mapExtractorConfig(cfg *config.Config) (extractor.Config, error) {
	timeout, err := config.DurationOr("extractor.timeout", cfg.Extractor.Timeout, extractor.DefaultTimeout)
	if err != nil {
		return extractor.Config{}, err
	}
	return extractor.Config{
		APIKey:  cfg.Extractor.APIKey,
		BaseURL: cfg.Extractor.BaseURL,
		Model:   cfg.Extractor.Model,
		Timeout: timeout,
	}, nil
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.DurationOr("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:          cfg.Telegram.Token,
		PollTimeout:    poll,
		AllowedUserIDs: cfg.Telegram.AllowedUserIDs,
		HandleTimeout:  time.Minute,
	}, nil
}

func mapWhatsAppConfig(cfg *config.Config) whatsapp.Config {
	return whatsapp.Config{
		AccountSID:     cfg.WhatsApp.AccountSID,
		AuthToken:      cfg.WhatsApp.AuthToken,
		From:           cfg.WhatsApp.From,
		AllowedNumbers: cfg.WhatsApp.AllowedNumbers,
		APIBaseURL:     cfg.WhatsApp.APIBaseURL,
	}
}

func mapServerOptions(cfg *config.Config) (httpapi.Options, error) {
	sc := cfg.Server
	read, err := config.DurationOr("server.read_timeout", sc.ReadTimeout, 15*time.Second)
	if err != nil {
		return httpapi.Options{}, err
	}
	// Write timeout stays off by default so /ws streams are not cut.
	write, err := config.DurationOr("server.write_timeout", sc.WriteTimeout, 0)
	if err != nil {
		return httpapi.Options{}, err
	}
	shutdown, err := config.DurationOr("server.shutdown_timeout", sc.ShutdownTimeout, 5*time.Second)
	if err != nil {
		return httpapi.Options{}, err
	}
	return httpapi.Options{
		Addr:            sc.Addr,
		ReadTimeout:     read,
		WriteTimeout:    write,
		ShutdownTimeout: shutdown,
		DisableDemoPage: sc.DisableDemoPage,
		Auth:            MapAuth(cfg),
	}, nil
}

// MapAuth builds the API token settings from the server section.
func MapAuth(cfg *config.Config) httpapi.Auth {
	return httpapi.Auth{
		Secret: []byte(strings.TrimSpace(cfg.Server.Auth.JWTSecret)),
		Issuer: strings.TrimSpace(cfg.Server.Auth.Issuer),
	}
}

// mapHousekeepingConfig reports enabled=false when the section is absent or
// switched off.
func mapHousekeepingConfig(cfg *config.Config, loc *time.Location) (housekeeping.Config, bool, error) {
	hc := cfg.Housekeeping
	if hc == nil || !hc.Enabled {
		return housekeeping.Config{}, false, nil
	}
	retention, err := config.DurationOr("housekeeping.conversation_retention", hc.ConversationRetention, housekeeping.DefaultRetention)
	if err != nil {
		return housekeeping.Config{}, false, err
	}
	jobTimeout, err := config.DurationOr("housekeeping.job_timeout", hc.JobTimeout, housekeeping.DefaultJobTimeout)
	if err != nil {
		return housekeeping.Config{}, false, err
	}
	return housekeeping.Config{
		SweepSchedule: hc.SweepSchedule,
		PruneSchedule: hc.PruneSchedule,
		Retention:     retention,
		JobTimeout:    jobTimeout,
		Location:      loc,
	}, true, nil
}

func mustDuration(raw string) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil {
		panic(err)
	}
	return d
}

// OpenStore loads the config at cfgPath and opens its store without starting
// any component. With the sqlite driver operational commands may run next
// to a live service: store transitions are conditional, so a running timer
// that later fires a reminder cancelled here finds it terminal and skips it.
// The file driver is single-process and refuses a second open.
func OpenStore(cfgPath string) (storage.Store, *config.Config, error) {
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return nil, nil, err
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	st, err := storage.Open(sc, logx.NewConsole("WARN").With(logx.String("comp", "storage")))
	if errors.Is(err, storage.ErrLocked) {
		return nil, nil, fmt.Errorf("%w; stop the server first or use the sqlite driver", err)
	}
	if err != nil {
		return nil, nil, err
	}
	return st, cfg, nil
}
