// Package console is the fallback delivery channel: it writes reminders to a
// stream (stdout by default) and logs them.
package console

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

type Sender struct {
	mu  sync.Mutex
	w   io.Writer
	log logx.Logger
	now func() time.Time
}

func New(w io.Writer, log logx.Logger) *Sender {
	if w == nil {
		w = logx.Stdout()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sender{w: w, log: log.With(logx.String("comp", "console")), now: time.Now}
}

func (s *Sender) Channel() string { return transport.ChannelConsole }

func (s *Sender) SendText(ctx context.Context, address, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	_, err := fmt.Fprintf(s.w, "%s [%s] %s\n", s.now().Format(time.RFC3339), address, text)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("console write: %w", err)
	}
	s.log.Info("reminder delivered to console", logx.Owner(address))
	return nil
}
