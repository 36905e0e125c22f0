package extractor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	logx "remindbot/pkg/logx"
)

type fakeCompleter struct {
	out    string
	err    error
	prompt string
}

func (f *fakeCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	f.prompt = prompt
	return f.out, f.err
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		task    string
		fireAt  string
		noMatch bool
	}{
		{
			name:   "plain json",
			output: `{"intent":"CREATE_REMINDER","task":"call mom","datetime":"2026-10-15T18:00:00+05:30","type":"one_time"}`,
			task:   "call mom",
			fireAt: "2026-10-15T12:30:00Z",
		},
		{
			name:   "fenced with prose",
			output: "Sure!\n```json\n{\n  \"intent\": \"CREATE_REMINDER\",\n  \"task\": \"pay rent\",\n  \"datetime\": \"2026-11-01T09:00:00Z\"\n}\n```",
			task:   "pay rent",
			fireAt: "2026-11-01T09:00:00Z",
		},
		{name: "no json", output: "I cannot help with that", noMatch: true},
		{name: "malformed", output: `{"task": "x",}`, noMatch: true},
		{name: "other intent", output: `{"intent":"SMALL_TALK","task":"x","datetime":"2026-11-01T09:00:00Z"}`, noMatch: true},
		{name: "missing task", output: `{"intent":"CREATE_REMINDER","datetime":"2026-11-01T09:00:00Z"}`, noMatch: true},
		{name: "zoneless time", output: `{"intent":"CREATE_REMINDER","task":"x","datetime":"2026-11-01T09:00:00"}`, noMatch: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			in, err := Parse(tt.output)
			if tt.noMatch {
				if !errors.Is(err, ErrNoIntent) {
					t.Fatalf("expected ErrNoIntent, got %v (%+v)", err, in)
				}
				return
			}
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			want, _ := time.Parse(time.RFC3339, tt.fireAt)
			if in.Task != tt.task || !in.FireAt.Equal(want) {
				t.Fatalf("got %q at %v, want %q at %v", in.Task, in.FireAt, tt.task, want)
			}
		})
	}
}

func TestExtractBuildsPromptInZone(t *testing.T) {
	fc := &fakeCompleter{out: `{"intent":"CREATE_REMINDER","task":"standup","datetime":"2026-10-16T10:00:00+05:30"}`}
	s := NewWithCompleter(fc, logx.Nop())
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	ref := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

	in, err := s.Extract(context.Background(), "standup tomorrow at 10", ref, loc)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if in.Task != "standup" {
		t.Fatalf("unexpected task %q", in.Task)
	}
	if !strings.Contains(fc.prompt, "Asia/Kolkata") || !strings.Contains(fc.prompt, "2026-10-15T17:30:00+05:30") {
		t.Fatalf("prompt missing zone or reference time:\n%s", fc.prompt)
	}
	if !strings.Contains(fc.prompt, "standup tomorrow at 10") {
		t.Fatalf("prompt missing user text")
	}
}

func TestExtractErrors(t *testing.T) {
	s := NewWithCompleter(&fakeCompleter{err: errors.New("quota")}, logx.Nop())
	if _, err := s.Extract(context.Background(), "x", time.Now(), nil); err == nil || errors.Is(err, ErrNoIntent) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if _, err := s.Extract(context.Background(), "   ", time.Now(), nil); !errors.Is(err, ErrNoIntent) {
		t.Fatalf("expected ErrNoIntent for empty text, got %v", err)
	}
}

func TestRecallJoinsHistory(t *testing.T) {
	fc := &fakeCompleter{out: "  You asked to call mom.  "}
	s := NewWithCompleter(fc, logx.Nop())
	got, err := s.Recall(context.Background(), []string{"remind me to call mom", "and buy milk"}, "what did I ask?")
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if got != "You asked to call mom." {
		t.Fatalf("unexpected answer %q", got)
	}
	if !strings.Contains(fc.prompt, "remind me to call mom\nand buy milk") {
		t.Fatalf("history not joined in order:\n%s", fc.prompt)
	}
}

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New(Config{}, logx.Nop()); err == nil {
		t.Fatalf("expected error without api key")
	}
}
