package notifier

import "time"

// Config controls outbound delivery.
type Config struct {
	Enabled       bool
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// SendTimeout bounds one delivery attempt.
	SendTimeout time.Duration
	HistorySize int
}

type HistoryItem struct {
	At      time.Time `json:"at"`
	Channel string    `json:"channel"`
	OwnerID string    `json:"owner_id"`
	Text    string    `json:"text"`
	Err     string    `json:"error,omitempty"`
}

// NotificationEvent is emitted on the event bus for notifier lifecycle events.
// Keep it small; Data may be logged/serialized by subscribers.
type NotificationEvent struct {
	Channel  string    `json:"channel"`
	OwnerID  string    `json:"owner_id"`
	Attempts int       `json:"attempts"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
