package config

import (
	"reflect"
	"sort"
	"strings"

	logx "remindbot/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections and safe
// structured attrs for logging. Secrets are only reported as "*_set" flags.
//
// Sections listed in RestartRequired cannot be applied live; the caller logs
// a warning for them.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if strings.TrimSpace(oldCfg.Timezone) != strings.TrimSpace(newCfg.Timezone) {
		changed = append(changed, "timezone")
		attrs = append(attrs, logx.String("timezone", strings.TrimSpace(newCfg.Timezone)))
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Server.Addr != newCfg.Server.Addr ||
		oldCfg.Server.ReadTimeout != newCfg.Server.ReadTimeout ||
		oldCfg.Server.WriteTimeout != newCfg.Server.WriteTimeout ||
		oldCfg.Server.DisableDemoPage != newCfg.Server.DisableDemoPage ||
		oldCfg.Server.Auth.Issuer != newCfg.Server.Auth.Issuer ||
		(oldCfg.Server.Auth.JWTSecret != "") != (newCfg.Server.Auth.JWTSecret != "") {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.String("server.addr", newCfg.Server.Addr),
			logx.Redacted("server.auth", newCfg.Server.Auth.JWTSecret),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}

	if oldCfg.Timer != newCfg.Timer {
		changed = append(changed, "timer")
		attrs = append(attrs,
			logx.String("timer.max_sleep", newCfg.Timer.MaxSleep),
			logx.Int("timer.dispatch_workers", newCfg.Timer.DispatchWorkers),
		)
	}

	oldN, newN := oldCfg.NotifierOrDefault(), newCfg.NotifierOrDefault()
	if oldN != newN {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
			logx.Int("notifier.retry_max", newN.RetryMax),
		)
	}

	if oldCfg.Extractor.BaseURL != newCfg.Extractor.BaseURL ||
		oldCfg.Extractor.Model != newCfg.Extractor.Model ||
		oldCfg.Extractor.Timeout != newCfg.Extractor.Timeout ||
		(oldCfg.Extractor.APIKey != "") != (newCfg.Extractor.APIKey != "") {
		changed = append(changed, "extractor")
		attrs = append(attrs,
			logx.String("extractor.model", newCfg.Extractor.Model),
			logx.Redacted("extractor.api_key", newCfg.Extractor.APIKey),
		)
	}

	if oldCfg.Recall != newCfg.Recall {
		changed = append(changed, "recall")
		attrs = append(attrs, logx.Int("recall.window", newCfg.Recall.Window))
	}

	if oldCfg.Telegram.Enabled != newCfg.Telegram.Enabled ||
		oldCfg.Telegram.PollTimeout != newCfg.Telegram.PollTimeout ||
		!reflect.DeepEqual(oldCfg.Telegram.AllowedUserIDs, newCfg.Telegram.AllowedUserIDs) ||
		(oldCfg.Telegram.Token != "") != (newCfg.Telegram.Token != "") {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.enabled", newCfg.Telegram.Enabled),
			logx.Int("telegram.allowed_count", len(newCfg.Telegram.AllowedUserIDs)),
		)
	}

	if oldCfg.WhatsApp.Enabled != newCfg.WhatsApp.Enabled ||
		oldCfg.WhatsApp.AccountSID != newCfg.WhatsApp.AccountSID ||
		oldCfg.WhatsApp.From != newCfg.WhatsApp.From ||
		oldCfg.WhatsApp.APIBaseURL != newCfg.WhatsApp.APIBaseURL ||
		!reflect.DeepEqual(oldCfg.WhatsApp.AllowedNumbers, newCfg.WhatsApp.AllowedNumbers) ||
		(oldCfg.WhatsApp.AuthToken != "") != (newCfg.WhatsApp.AuthToken != "") {
		changed = append(changed, "whatsapp")
		attrs = append(attrs,
			logx.Bool("whatsapp.enabled", newCfg.WhatsApp.Enabled),
			logx.Int("whatsapp.allowed_count", len(newCfg.WhatsApp.AllowedNumbers)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Housekeeping, newCfg.Housekeeping) {
		changed = append(changed, "housekeeping")
		attrs = append(attrs, logx.Bool("housekeeping.present", newCfg.Housekeeping != nil))
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired lists sections that are only read at startup.
var RestartRequired = map[string]bool{
	"server":       true,
	"storage":      true,
	"timer":        true,
	"extractor":    true,
	"telegram":     true,
	"whatsapp":     true,
	"housekeeping": true,
}
