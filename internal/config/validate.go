package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	logx "remindbot/pkg/logx"
)

const DefaultTimezone = "Asia/Kolkata"

// DefaultNotifier is used when the notifier section is omitted.
func DefaultNotifier() NotifierConfig {
	return NotifierConfig{
		Enabled:       true,
		RatePerSec:    3,
		RetryMax:      3,
		RetryBase:     "500ms",
		RetryMaxDelay: "10s",
		SendTimeout:   "15s",
		HistorySize:   300,
	}
}

// NotifierOrDefault returns the effective notifier section.
func (c *Config) NotifierOrDefault() NotifierConfig {
	if c == nil || c.Notifier == nil {
		return DefaultNotifier()
	}
	return *c.Notifier
}

// Location resolves the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	name := DefaultTimezone
	if c != nil && strings.TrimSpace(c.Timezone) != "" {
		name = strings.TrimSpace(c.Timezone)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("timezone: %w", err)
	}
	return loc, nil
}

// Validate checks values that the strict decoder cannot.
// All problems are reported at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := parseDuration(path, raw)
		add(err)
	}

	_, err := cfg.Location()
	add(err)

	if !logx.ValidLevel(cfg.Logging.Level) {
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}

	dur("server.read_timeout", cfg.Server.ReadTimeout)
	dur("server.write_timeout", cfg.Server.WriteTimeout)
	dur("server.shutdown_timeout", cfg.Server.ShutdownTimeout)

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "file":
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	dur("timer.max_sleep", cfg.Timer.MaxSleep)
	if cfg.Timer.DispatchWorkers < 0 {
		add(errors.New("timer.dispatch_workers: must be >= 0"))
	}

	if n := cfg.Notifier; n != nil {
		if n.RatePerSec < 0 || n.RetryMax < 0 || n.HistorySize < 0 {
			add(errors.New("notifier: rate_per_sec, retry_max and history_size must be >= 0"))
		}
		dur("notifier.retry_base", n.RetryBase)
		dur("notifier.retry_max_delay", n.RetryMaxDelay)
		dur("notifier.send_timeout", n.SendTimeout)
	}

	dur("extractor.timeout", cfg.Extractor.Timeout)
	if cfg.Recall.Window < 0 {
		add(errors.New("recall.window: must be >= 0"))
	}

	if cfg.Telegram.Enabled && strings.TrimSpace(cfg.Telegram.Token) == "" {
		add(fmt.Errorf("telegram.token: required when telegram is enabled (or set %s)", EnvTelegramToken))
	}
	dur("telegram.poll_timeout", cfg.Telegram.PollTimeout)

	if cfg.WhatsApp.Enabled {
		if strings.TrimSpace(cfg.WhatsApp.AccountSID) == "" || strings.TrimSpace(cfg.WhatsApp.From) == "" {
			add(errors.New("whatsapp: account_sid and from are required when whatsapp is enabled"))
		}
		if strings.TrimSpace(cfg.WhatsApp.AuthToken) == "" {
			add(fmt.Errorf("whatsapp.auth_token: required when whatsapp is enabled (or set %s)", EnvTwilioAuthToken))
		}
	}

	if h := cfg.Housekeeping; h != nil {
		dur("housekeeping.conversation_retention", h.ConversationRetention)
		dur("housekeeping.job_timeout", h.JobTimeout)
	}

	return errors.Join(errs...)
}
