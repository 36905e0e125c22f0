package config

// Config is the root of the remindbot configuration file (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Unknown keys are rejected at parse time.
type Config struct {
	// Timezone is the IANA zone handed to the extractor as the user's local
	// zone. Default: "Asia/Kolkata".
	Timezone string `json:"timezone,omitempty"`

	Server       ServerConfig        `json:"server"`
	Logging      LoggingConfig       `json:"logging"`
	Storage      StorageConfig       `json:"storage"`
	Timer        TimerConfig         `json:"timer"`
	Notifier     *NotifierConfig     `json:"notifier,omitempty"`
	Extractor    ExtractorConfig     `json:"extractor"`
	Recall       RecallConfig        `json:"recall"`
	Telegram     TelegramConfig      `json:"telegram"`
	WhatsApp     WhatsAppConfig      `json:"whatsapp"`
	Housekeeping *HousekeepingConfig `json:"housekeeping,omitempty"`
}

// ServerConfig controls the HTTP API.
//
// Security note:
//   - auth.jwt_secret is optional. When empty the API is open, which is only
//     reasonable when bound to localhost or behind a proxy.
//   - /whatsapp is never behind JWT auth; it is guarded by the allow-list.
type ServerConfig struct {
	Addr            string     `json:"addr,omitempty"` // default: "127.0.0.1:8000"
	ReadTimeout     string     `json:"read_timeout,omitempty"`
	WriteTimeout    string     `json:"write_timeout,omitempty"`
	ShutdownTimeout string     `json:"shutdown_timeout,omitempty"`
	DisableDemoPage bool       `json:"disable_demo_page,omitempty"`
	Auth            AuthConfig `json:"auth,omitempty"`
}

type AuthConfig struct {
	JWTSecret string `json:"jwt_secret,omitempty"` // do not log
	Issuer    string `json:"issuer,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the reminder/conversation persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./remindbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // "sqlite" (default) or "file"
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// TimerConfig controls the in-process timer engine.
//
// Defaults:
//   - max_sleep: "30s"
//   - dispatch_workers: 1 (reminders due at the same instant notify in
//     creation order; higher values notify concurrently, in no fixed order)
type TimerConfig struct {
	MaxSleep        string `json:"max_sleep,omitempty"`
	DispatchWorkers int    `json:"dispatch_workers,omitempty"`
}

// NotifierConfig controls outbound delivery.
//
// If the whole section is omitted, the notifier defaults to enabled=true.
type NotifierConfig struct {
	Enabled       bool   `json:"enabled"`
	RatePerSec    int    `json:"rate_per_sec"`
	RetryMax      int    `json:"retry_max"`
	RetryBase     string `json:"retry_base"`
	RetryMaxDelay string `json:"retry_max_delay"`
	SendTimeout   string `json:"send_timeout,omitempty"`
	HistorySize   int    `json:"history_size,omitempty"`
	// Template renders the reminder text. "{task}" is replaced by the task.
	Template string `json:"template,omitempty"`
}

// ExtractorConfig points at an OpenAI-compatible chat completion endpoint.
// The default base URL is Gemini's OpenAI-compatible endpoint.
type ExtractorConfig struct {
	APIKey  string `json:"api_key,omitempty"` // do not log; REMINDBOT_LLM_API_KEY overrides
	BaseURL string `json:"base_url,omitempty"`
	Model   string `json:"model,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

type RecallConfig struct {
	// Window is how many recent conversation entries feed a recall answer.
	Window int `json:"window,omitempty"` // default: 5
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"` // do not log; REMINDBOT_TELEGRAM_TOKEN overrides
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout    string  `json:"poll_timeout,omitempty"`
	AllowedUserIDs []int64 `json:"allowed_user_ids,omitempty"`
}

// WhatsAppConfig configures the Twilio-backed WhatsApp channel.
type WhatsAppConfig struct {
	Enabled    bool   `json:"enabled"`
	AccountSID string `json:"account_sid,omitempty"`
	AuthToken  string `json:"auth_token,omitempty"` // do not log; REMINDBOT_TWILIO_AUTH_TOKEN overrides
	// From is the sender number without the "whatsapp:" prefix.
	From           string   `json:"from,omitempty"`
	AllowedNumbers []string `json:"allowed_numbers,omitempty"`
	APIBaseURL     string   `json:"api_base_url,omitempty"` // default: https://api.twilio.com
}

// HousekeepingConfig controls periodic maintenance jobs (cron specs, 5 fields).
//
// Defaults (when the section is present and fields are empty):
//   - sweep_schedule: "*/5 * * * *"
//   - prune_schedule: "17 3 * * *"
//   - conversation_retention: "30d" (a day count or a Go duration)
//   - job_timeout: "1m"
type HousekeepingConfig struct {
	Enabled               bool   `json:"enabled"`
	SweepSchedule         string `json:"sweep_schedule,omitempty"`
	PruneSchedule         string `json:"prune_schedule,omitempty"`
	ConversationRetention string `json:"conversation_retention,omitempty"`
	JobTimeout            string `json:"job_timeout,omitempty"`
}
