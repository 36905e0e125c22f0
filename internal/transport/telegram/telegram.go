// Package telegram is the Telegram channel: a long-polling inbound adapter
// that hands text messages to a transport.Handler, and a Sender for reminder
// delivery. Owner ids are "telegram:<chat id>".
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "remindbot/internal/runtime/supervisor"
	kit "remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

const telegramTextLimit = 4000

type Config struct {
	Token       string
	PollTimeout time.Duration
	// AllowedUserIDs restricts who may talk to the bot. Empty allows everyone.
	AllowedUserIDs []int64
	// HandleTimeout bounds one inbound message (extraction included).
	HandleTimeout time.Duration
}

type Adapter struct {
	cfg     Config
	log     logx.Logger
	allowed map[int64]bool

	bot     *tele.Bot
	handler atomic.Value // stores handlerBox
	runMu   sync.Mutex
	running bool

	// sup owns adapter internal goroutines (poll loop, stop watcher).
	// It is created on Start() and cancelled on Stop().
	sup *rtsup.Supervisor

	rejected atomic.Uint64
}

type handlerBox struct{ h kit.Handler }

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	return newAdapter(cfg, log, false)
}

func newAdapter(cfg Config, log logx.Logger, offline bool) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if cfg.HandleTimeout <= 0 {
		cfg.HandleTimeout = time.Minute
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: timeout},
		Offline: offline,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "telegram")),
		bot:     b,
		allowed: map[int64]bool{},
	}
	for _, id := range cfg.AllowedUserIDs {
		a.allowed[id] = true
	}
	a.handler.Store(handlerBox{})
	a.bot.Handle(tele.OnText, a.onText)
	return a, nil
}

// Supervisor returns the adapter's internal supervisor (nil if not started).
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}

func (a *Adapter) Channel() string { return kit.ChannelTelegram }

func (a *Adapter) isAllowed(userID int64) bool {
	return len(a.allowed) == 0 || a.allowed[userID]
}

func (a *Adapter) onText(c tele.Context) error {
	m := c.Message()
	if m == nil || m.Sender == nil || m.Chat == nil {
		return nil
	}
	reply, ok := a.handle(m.Sender.ID, m.Chat.ID, m.Text, m.Time())
	if !ok || reply == "" {
		return nil
	}
	for _, chunk := range kit.SplitText(reply, telegramTextLimit) {
		if err := c.Send(chunk); err != nil {
			a.log.Warn("telegram reply failed", logx.Int64("chat_id", m.Chat.ID), logx.Err(err))
			return nil
		}
	}
	return nil
}

// handle runs the inbound handler for one message. ok is false when the
// sender is not allowed or no handler is installed.
func (a *Adapter) handle(userID, chatID int64, text string, at time.Time) (string, bool) {
	if !a.isAllowed(userID) {
		a.rejected.Add(1)
		a.log.Debug("message from unlisted user ignored", logx.Int64("user_id", userID))
		return "", false
	}
	box, _ := a.handler.Load().(handlerBox)
	if box.h == nil {
		return "", false
	}
	parent := context.Background()
	if sup := a.Supervisor(); sup != nil {
		parent = sup.Context()
	}
	ctx, cancel := context.WithTimeout(parent, a.cfg.HandleTimeout)
	defer cancel()

	in := kit.Inbound{
		Channel:    kit.ChannelTelegram,
		Address:    strconv.FormatInt(chatID, 10),
		Text:       text,
		ReceivedAt: at,
	}
	reply, err := box.h.HandleMessage(ctx, in)
	if err != nil {
		a.log.Warn("telegram message handling failed", logx.Int64("chat_id", chatID), logx.Err(err))
	}
	return reply, true
}

// Start begins long polling. Messages are handed to h.
func (a *Adapter) Start(ctx context.Context, h kit.Handler) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.handler.Store(handlerBox{h: h})
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log),
		// adapter errors should not take down the whole app; treat as best-effort.
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	// Ensure we stop telebot when the adapter context is cancelled.
	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// Telebot's Start() can exit unexpectedly; restart it while the context
	// is still active.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		if c.Err() != nil {
			return nil
		}
		return errors.New("telegram poller exited")
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))

	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	// Never block shutdown for too long on Telegram long-poll.
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	a.handler.Store(handlerBox{})
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.Uint64("rejected_messages", a.rejected.Load()))
	sup.Cancel()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

// SendText delivers text to a chat id, split into Telegram-sized chunks.
func (a *Adapter) SendText(ctx context.Context, address, text string) error {
	chatID, err := strconv.ParseInt(strings.TrimSpace(address), 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat id %q: %w", address, kit.ErrPermanent)
	}
	chat := &tele.Chat{ID: chatID}
	for _, chunk := range kit.SplitText(text, telegramTextLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := a.bot.Send(chat, chunk); err != nil {
			if errors.Is(err, tele.ErrBlockedByUser) || errors.Is(err, tele.ErrChatNotFound) {
				return fmt.Errorf("telegram: %v: %w", err, kit.ErrPermanent)
			}
			return fmt.Errorf("telegram: %w", err)
		}
	}
	return nil
}
