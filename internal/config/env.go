package config

import (
	"os"
	"strings"
)

// Secrets may come from the environment instead of the config file.
const (
	EnvLLMAPIKey       = "REMINDBOT_LLM_API_KEY"
	EnvTelegramToken   = "REMINDBOT_TELEGRAM_TOKEN"
	EnvTwilioAuthToken = "REMINDBOT_TWILIO_AUTH_TOKEN"
)

// applyEnv overlays non-empty secret env vars onto cfg.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if cfg == nil {
		return
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	set := func(dst *string, key string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set(&cfg.Extractor.APIKey, EnvLLMAPIKey)
	set(&cfg.Telegram.Token, EnvTelegramToken)
	set(&cfg.WhatsApp.AuthToken, EnvTwilioAuthToken)
}
