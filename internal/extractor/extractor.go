// Package extractor turns free-form user text into a reminder intent and
// answers recall questions, using an OpenAI-compatible chat model.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/tidwall/gjson"

	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

const (
	// DefaultBaseURL is Gemini's OpenAI-compatible endpoint.
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai/"
	DefaultModel   = "gemini-2.0-flash"
	DefaultTimeout = 30 * time.Second

	IntentCreateReminder = "CREATE_REMINDER"
)

// ErrNoIntent means the model output held no usable reminder. The caller
// surfaces it to the user; there is no clarification loop.
var ErrNoIntent = errors.New("could not understand reminder")

type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Completer sends a single-prompt completion and returns the model text.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Intent is a parsed reminder request.
type Intent struct {
	Task   string
	FireAt time.Time
	// Raw is the JSON object the task and time were read from.
	Raw string
}

type Service struct {
	llm     Completer
	log     logx.Logger
	timeout time.Duration
}

// New builds a Service backed by an OpenAI-compatible endpoint.
func New(cfg Config, log logx.Logger) (*Service, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("extractor: api key is empty")
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = cfg.BaseURL
	if oc.BaseURL == "" {
		oc.BaseURL = DefaultBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	s := NewWithCompleter(&openAICompleter{client: openai.NewClientWithConfig(oc), model: model}, log)
	if cfg.Timeout > 0 {
		s.timeout = cfg.Timeout
	}
	return s, nil
}

func NewWithCompleter(c Completer, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{llm: c, log: log.With(logx.String("comp", "extractor")), timeout: DefaultTimeout}
}

// Extract asks the model for a reminder in text. ref is "now" as the user
// sees it and loc the zone the model should answer in.
func (s *Service) Extract(ctx context.Context, text string, ref time.Time, loc *time.Location) (Intent, error) {
	if strings.TrimSpace(text) == "" {
		return Intent{}, fmt.Errorf("%w: empty message", ErrNoIntent)
	}
	if loc == nil {
		loc = time.UTC
	}
	prompt := fmt.Sprintf(extractPrompt, loc.String(), ref.In(loc).Format(time.RFC3339), text)

	out, err := s.complete(ctx, prompt)
	if err != nil {
		return Intent{}, fmt.Errorf("extract: %w", err)
	}
	in, err := Parse(out)
	if err != nil {
		s.log.Debug("no intent in model output", logx.String("output", out), logx.Err(err))
		return Intent{}, err
	}
	return in, nil
}

// Recall answers question from history (oldest first).
func (s *Service) Recall(ctx context.Context, history []string, question string) (string, error) {
	prompt := fmt.Sprintf(recallPrompt, strings.Join(history, "\n"), question)
	out, err := s.complete(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("recall: %w", err)
	}
	return strings.TrimSpace(out), nil
}

func (s *Service) complete(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	start := time.Now()
	out, err := s.llm.Complete(ctx, prompt)
	s.log.Debug("llm completion", logx.Duration("took", time.Since(start)), logx.Err(err))
	return out, err
}

var jsonObject = regexp.MustCompile(`(?s)\{.*\}`)

// Parse reads an intent from model output. The output may wrap the JSON in
// prose or code fences; the outermost {...} span is used.
func Parse(output string) (Intent, error) {
	raw := jsonObject.FindString(output)
	if raw == "" {
		return Intent{}, fmt.Errorf("%w: no JSON object in output", ErrNoIntent)
	}
	if !gjson.Valid(raw) {
		return Intent{}, fmt.Errorf("%w: malformed JSON", ErrNoIntent)
	}
	doc := gjson.Parse(raw)
	if intent := doc.Get("intent"); intent.Exists() && !strings.EqualFold(intent.String(), IntentCreateReminder) {
		return Intent{}, fmt.Errorf("%w: intent %q", ErrNoIntent, intent.String())
	}
	task := strings.TrimSpace(doc.Get("task").String())
	if task == "" {
		return Intent{}, fmt.Errorf("%w: missing task", ErrNoIntent)
	}
	at, err := reminder.ParseFireAt(doc.Get("datetime").String())
	if err != nil {
		return Intent{}, fmt.Errorf("%w: %v", ErrNoIntent, err)
	}
	return Intent{Task: task, FireAt: at, Raw: raw}, nil
}

type openAICompleter struct {
	client *openai.Client
	model  string
}

func (c *openAICompleter) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("llm returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
