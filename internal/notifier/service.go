package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"remindbot/internal/eventbus"
	"remindbot/internal/transport"
	logx "remindbot/pkg/logx"

	"golang.org/x/time/rate"
)

var (
	ErrDisabled = errors.New("notifier disabled")
	// ErrDelivery wraps the last channel error after retries are exhausted.
	ErrDelivery = errors.New("notification delivery failed")
	// ErrNoSender means no sender is registered for the owner's channel.
	ErrNoSender = errors.New("no sender for channel")
)

// Event types published on the bus.
const (
	EventSent   = "notifier.sent"
	EventFailed = "notifier.failed"
)

const defaultHistorySize = 300

// Service routes notifications to per-channel senders with rate limiting and
// retry. It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log logx.Logger
	bus eventbus.Bus

	cfg     Config
	limiter *rate.Limiter
	senders map[string]transport.Sender

	// In-memory history (for /health and the CLI)
	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:     log.With(logx.String("comp", "notifier")),
		bus:     bus,
		senders: map[string]transport.Sender{},
	}
	s.Apply(cfg)
	return s
}

// Register installs (or replaces) the sender for its channel.
func (s *Service) Register(sender transport.Sender) {
	if sender == nil {
		return
	}
	s.mu.Lock()
	s.senders[sender.Channel()] = sender
	s.mu.Unlock()
	s.log.Debug("sender registered", logx.String("channel", sender.Channel()))
}

// Apply swaps the live configuration. In-flight sends keep their snapshot.
func (s *Service) Apply(cfg Config) {
	var lim *rate.Limiter
	if cfg.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	s.mu.Lock()
	s.cfg = cfg
	s.limiter = lim
	s.mu.Unlock()
}

// Send delivers text to ownerID and returns once the channel accepted it or
// every attempt failed.
func (s *Service) Send(ctx context.Context, ownerID, text string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	channel, address := transport.ParseOwner(ownerID)
	sender := s.senders[channel]
	s.mu.Unlock()

	if !cfg.Enabled {
		return ErrDisabled
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if sender == nil {
		err := fmt.Errorf("%w %q", ErrNoSender, channel)
		s.finish(cfg, channel, ownerID, text, 0, err)
		return fmt.Errorf("%w: %w", ErrDelivery, err)
	}

	maxAttempts := 1
	if cfg.RetryMax > 0 {
		maxAttempts = 1 + cfg.RetryMax
	}

	var lastErr error
	attempt := 1
	for ; attempt <= maxAttempts; attempt++ {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				lastErr = err
				break
			}
		}

		callCtx := ctx
		cancel := func() {}
		if cfg.SendTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, cfg.SendTimeout)
		}
		err := sender.SendText(callCtx, address, text)
		cancel()
		if err == nil {
			s.finish(cfg, channel, ownerID, text, attempt, nil)
			return nil
		}
		lastErr = err
		s.log.Debug("notify send failed",
			logx.String("channel", channel),
			logx.Err(err),
			logx.Int("attempt", attempt),
			logx.Int("max", maxAttempts),
		)

		if errors.Is(err, transport.ErrPermanent) || attempt >= maxAttempts || ctx.Err() != nil {
			break
		}
		if !sleepCtx(ctx, retryDelay(cfg, attempt)) {
			lastErr = ctx.Err()
			break
		}
	}
	if attempt > maxAttempts {
		attempt = maxAttempts
	}
	s.finish(cfg, channel, ownerID, text, attempt, lastErr)
	return fmt.Errorf("%w: %s: %w", ErrDelivery, channel, lastErr)
}

func (s *Service) finish(cfg Config, channel, ownerID, text string, attempts int, err error) {
	now := time.Now()
	item := HistoryItem{At: now, Channel: channel, OwnerID: ownerID, Text: text}
	ev := NotificationEvent{Channel: channel, OwnerID: ownerID, Attempts: attempts, At: now}
	typ := EventSent
	if err != nil {
		item.Err = err.Error()
		ev.Error = err.Error()
		typ = EventFailed
		s.log.Warn("notification failed",
			logx.String("channel", channel),
			logx.Owner(ownerID),
			logx.Int("attempts", attempts),
			logx.Err(err),
		)
	}
	s.appendHistory(cfg.HistorySize, item)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: now, OwnerID: ownerID, Data: ev})
	}
}

func (s *Service) appendHistory(limit int, item HistoryItem) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, item)
	if over := len(s.history) - limit; over > 0 {
		s.history = append(s.history[:0], s.history[over:]...)
	}
}

// History returns recent deliveries, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	out := make([]HistoryItem, len(s.history))
	copy(out, s.history)
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1 (first attempt), delay is for the NEXT attempt.
	base := cfg.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := cfg.RetryMaxDelay
	if maxD <= 0 {
		maxD = 10 * time.Second
	}
	// Exponential backoff: base * 2^(attempt-1)
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	// Jitter 0.7..1.3
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}
