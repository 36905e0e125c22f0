// Package whatsapp sends WhatsApp messages through the Twilio Messages API and
// holds the helpers the inbound webhook needs (number normalization and the
// allow-list). Owner ids are "whatsapp:<number>".
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	kit "remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

const (
	DefaultAPIBaseURL = "https://api.twilio.com"
	addressPrefix     = "whatsapp:"
	// Twilio rejects WhatsApp bodies above 1600 characters.
	bodyLimit = 1600
)

type Config struct {
	AccountSID string
	AuthToken  string
	// From is the Twilio sender number, with or without the "whatsapp:" prefix.
	From           string
	AllowedNumbers []string
	APIBaseURL     string
}

type Client struct {
	cfg     Config
	log     logx.Logger
	http    *http.Client
	allowed map[string]bool
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.AccountSID) == "" || strings.TrimSpace(cfg.AuthToken) == "" || strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("whatsapp: account_sid, auth_token and from are required")
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = DefaultAPIBaseURL
	}
	cfg.APIBaseURL = strings.TrimRight(cfg.APIBaseURL, "/")
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Client{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "whatsapp")),
		http:    &http.Client{Timeout: 15 * time.Second},
		allowed: map[string]bool{},
	}
	for _, n := range cfg.AllowedNumbers {
		if n = NormalizeNumber(n); n != "" {
			c.allowed[n] = true
		}
	}
	return c, nil
}

func (c *Client) Channel() string { return kit.ChannelWhatsApp }

// NormalizeNumber strips the "whatsapp:" prefix and surrounding spaces.
func NormalizeNumber(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= len(addressPrefix) && strings.EqualFold(s[:len(addressPrefix)], addressPrefix) {
		s = s[len(addressPrefix):]
	}
	return strings.ReplaceAll(s, " ", "")
}

// Allowed reports whether number may use the bot. An empty list allows all.
func (c *Client) Allowed(number string) bool {
	return len(c.allowed) == 0 || c.allowed[NormalizeNumber(number)]
}

// SendText posts one message per chunk to the Twilio Messages API.
func (c *Client) SendText(ctx context.Context, address, text string) error {
	to := NormalizeNumber(address)
	if to == "" {
		return fmt.Errorf("whatsapp: empty recipient: %w", kit.ErrPermanent)
	}
	for _, chunk := range kit.SplitText(text, bodyLimit) {
		if err := c.post(ctx, to, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) post(ctx context.Context, to, body string) error {
	form := url.Values{}
	form.Set("From", addressPrefix+NormalizeNumber(c.cfg.From))
	form.Set("To", addressPrefix+to)
	form.Set("Body", body)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", c.cfg.APIBaseURL, url.PathEscape(c.cfg.AccountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("whatsapp: build request: %w", err)
	}
	req.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("whatsapp: send: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		c.log.Debug("whatsapp message queued",
			logx.String("to", to),
			logx.String("sid", gjson.GetBytes(raw, "sid").String()),
		)
		return nil
	}
	return apiError(resp.StatusCode, raw)
}

// apiError turns a Twilio error body into an error. 4xx responses other than
// 429 are permanent.
func apiError(status int, raw []byte) error {
	msg := gjson.GetBytes(raw, "message").String()
	if msg == "" {
		msg = http.StatusText(status)
	}
	err := fmt.Errorf("whatsapp: twilio status %d code %d: %s", status, gjson.GetBytes(raw, "code").Int(), msg)
	if status >= 400 && status < 500 && status != http.StatusTooManyRequests {
		return fmt.Errorf("%w: %w", err, kit.ErrPermanent)
	}
	return err
}
