// Package httpapi is the HTTP surface: the JSON API, the WhatsApp webhook,
// a websocket event stream and the demo page.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"remindbot/internal/eventbus"
	"remindbot/internal/reminder"
	kit "remindbot/internal/transport"
	"remindbot/internal/transport/whatsapp"
	logx "remindbot/pkg/logx"
)

const (
	defaultAddr            = "127.0.0.1:8000"
	defaultShutdownTimeout = 5 * time.Second
	maxBodyBytes           = 64 << 10
	defaultListLimit       = 50
)

// Assistant is the facade the handlers call.
type Assistant interface {
	CreateReminder(ctx context.Context, ownerID, text string) (reminder.Reminder, error)
	CancelReminder(ctx context.Context, ownerID string, id int64) (reminder.Reminder, error)
	Recall(ctx context.Context, ownerID, question string) (string, error)
	ListReminders(ctx context.Context, ownerID string, limit int) ([]reminder.Reminder, error)
	HandleMessage(ctx context.Context, in kit.Inbound) (string, error)
	Location() *time.Location
}

// WhatsApp is the outbound half of the WhatsApp channel the webhook replies on.
type WhatsApp interface {
	Allowed(number string) bool
	SendText(ctx context.Context, address, text string) error
}

type Options struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	DisableDemoPage bool
	Auth            Auth

	Assistant Assistant
	WhatsApp  WhatsApp     // optional; nil leaves /whatsapp unregistered
	Bus       eventbus.Bus // optional; nil leaves /ws unregistered
	// Health returns extra fields for GET /health.
	Health func() map[string]any
	Logger logx.Logger
}

type Server struct {
	opts Options
	log  logx.Logger
	mux  *http.ServeMux
}

func New(opts Options) (*Server, error) {
	if opts.Assistant == nil {
		return nil, errors.New("httpapi: assistant is required")
	}
	if opts.Addr == "" {
		opts.Addr = defaultAddr
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}
	log := opts.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{opts: opts, log: log.With(logx.String("comp", "http")), mux: http.NewServeMux()}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	auth := s.opts.Auth
	s.mux.HandleFunc("POST /message", auth.require(s.handleMessage))
	s.mux.HandleFunc("POST /recall", auth.require(s.handleRecall))
	s.mux.HandleFunc("GET /reminders", auth.require(s.handleListReminders))
	s.mux.HandleFunc("DELETE /reminders/{id}", auth.require(s.handleCancelReminder))
	s.mux.HandleFunc("GET /health", s.handleHealth)
	if s.opts.WhatsApp != nil {
		// Twilio cannot send bearer tokens; the allow-list guards this route.
		s.mux.HandleFunc("POST /whatsapp", s.handleWhatsApp)
	}
	if s.opts.Bus != nil {
		s.mux.HandleFunc("GET /ws", auth.require(s.handleWS))
	}
	if !s.opts.DisableDemoPage {
		s.mux.HandleFunc("GET /{$}", s.handleDemo)
	}
}

// Handler is the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	return withRequestID(withAccessLog(s.log, s.mux))
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("http listen %s: %w", s.opts.Addr, err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       s.opts.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.opts.WriteTimeout,
		// Request contexts (websocket streams included) end with ctx.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("http server listening", logx.String("addr", ln.Addr().String()), logx.Bool("auth", s.opts.Auth.Enabled()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		s.log.Warn("http shutdown incomplete", logx.Err(err))
		_ = srv.Close()
	}
	<-errCh
	s.log.Info("http server stopped")
	return nil
}

// owner resolves the acting user. With auth on, the token's user wins and a
// conflicting explicit user_id is rejected.
func owner(r *http.Request, requested string) (string, error) {
	requested = strings.TrimSpace(requested)
	authed := authenticatedUser(r)
	switch {
	case authed == "":
		if requested == "" {
			return "", fmt.Errorf("%w: user_id is required", reminder.ErrValidation)
		}
		return requested, nil
	case requested == "" || requested == authed:
		return authed, nil
	default:
		return "", errForbiddenOwner
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", reminder.ErrValidation, err)
	}
	return nil
}

type messageRequest struct {
	UserID string `json:"user_id"`
	Text   string `json:"text"`
}

type reminderResponse struct {
	ID          int64      `json:"id"`
	UserID      string     `json:"user_id"`
	Task        string     `json:"task"`
	RemindAt    time.Time  `json:"remind_at"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	FiredAt     *time.Time `json:"fired_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
}

func (s *Server) toResponse(r reminder.Reminder) reminderResponse {
	loc := s.opts.Assistant.Location()
	out := reminderResponse{
		ID:        r.ID,
		UserID:    r.OwnerID,
		Task:      r.Task,
		RemindAt:  r.FireAt.In(loc),
		Status:    string(r.Status),
		CreatedAt: r.CreatedAt.In(loc),
	}
	if r.FiredAt != nil {
		t := r.FiredAt.In(loc)
		out.FiredAt = &t
	}
	if r.CancelledAt != nil {
		t := r.CancelledAt.In(loc)
		out.CancelledAt = &t
	}
	return out
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ownerID, err := owner(r, req.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rem, err := s.opts.Assistant.CreateReminder(r.Context(), ownerID, req.Text)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := s.toResponse(rem)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "Reminder set",
		"id":        resp.ID,
		"task":      resp.Task,
		"remind_at": resp.RemindAt,
	})
}

type recallRequest struct {
	UserID   string `json:"user_id"`
	Question string `json:"question"`
}

func (s *Server) handleRecall(w http.ResponseWriter, r *http.Request) {
	var req recallRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ownerID, err := owner(r, req.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	answer, err := s.opts.Assistant.Recall(r.Context(), ownerID, req.Question)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"answer": answer})
}

func (s *Server) handleListReminders(w http.ResponseWriter, r *http.Request) {
	ownerID, err := owner(r, r.URL.Query().Get("user_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, r, fmt.Errorf("%w: limit must be a positive integer", reminder.ErrValidation))
			return
		}
		limit = n
	}
	rs, err := s.opts.Assistant.ListReminders(r.Context(), ownerID, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]reminderResponse, 0, len(rs))
	for _, rem := range rs {
		out = append(out, s.toResponse(rem))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCancelReminder(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, r, fmt.Errorf("%w: invalid reminder id %q", reminder.ErrValidation, r.PathValue("id")))
		return
	}
	ownerID, err := owner(r, r.URL.Query().Get("user_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rem, err := s.opts.Assistant.CancelReminder(r.Context(), ownerID, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.toResponse(rem))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok", "time": time.Now().UTC()}
	if s.opts.Health != nil {
		for k, v := range s.opts.Health() {
			body[k] = v
		}
	}
	writeJSON(w, http.StatusOK, body)
}

// handleWhatsApp is the Twilio inbound webhook (form fields From and Body).
func (s *Server) handleWhatsApp(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: invalid form: %v", reminder.ErrValidation, err))
		return
	}
	number := whatsapp.NormalizeNumber(r.PostForm.Get("From"))
	body := r.PostForm.Get("Body")
	if number == "" || strings.TrimSpace(body) == "" {
		s.writeError(w, r, fmt.Errorf("%w: From and Body are required", reminder.ErrValidation))
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if !s.opts.WhatsApp.Allowed(number) {
		s.log.Debug("whatsapp message from unlisted number ignored", logx.String("from", number))
		_, _ = w.Write([]byte("Ignored"))
		return
	}

	in := kit.Inbound{Channel: kit.ChannelWhatsApp, Address: number, Text: body, ReceivedAt: time.Now()}
	reply, err := s.opts.Assistant.HandleMessage(r.Context(), in)
	if err != nil {
		s.log.Warn("whatsapp message handling failed", logx.String("from", number), logx.Err(err))
	}
	if reply != "" {
		if err := s.opts.WhatsApp.SendText(r.Context(), number, reply); err != nil {
			s.log.Warn("whatsapp reply failed", logx.String("to", number), logx.Err(err))
		}
	}
	_, _ = w.Write([]byte("OK"))
}
