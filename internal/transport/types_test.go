package transport

import (
	"strings"
	"testing"
)

func TestParseOwner(t *testing.T) {
	tests := []struct {
		in      string
		channel string
		address string
	}{
		{"u1", ChannelConsole, "u1"},
		{"telegram:12345", ChannelTelegram, "12345"},
		{"WhatsApp:+15550100", ChannelWhatsApp, "+15550100"},
		{"team:alpha", ChannelConsole, "team:alpha"},
		{":x", ChannelConsole, ":x"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			ch, addr := ParseOwner(tt.in)
			if ch != tt.channel || addr != tt.address {
				t.Fatalf("ParseOwner(%q) = %q,%q want %q,%q", tt.in, ch, addr, tt.channel, tt.address)
			}
		})
	}
}

func TestOwnerIDRoundTrip(t *testing.T) {
	if got := OwnerID(ChannelConsole, "u1"); got != "u1" {
		t.Fatalf("console owner id = %q", got)
	}
	id := OwnerID(ChannelTelegram, "42")
	if ch, addr := ParseOwner(id); ch != ChannelTelegram || addr != "42" {
		t.Fatalf("round trip failed: %q -> %q,%q", id, ch, addr)
	}
}

func TestSplitText(t *testing.T) {
	if got := SplitText("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short text split: %v", got)
	}
	long := strings.Repeat("a", 25)
	got := SplitText(long, 10)
	if len(got) != 3 || strings.Join(got, "") != long {
		t.Fatalf("unexpected chunks: %v", got)
	}
	lines := "aaaaaaa\nbbbbbbb\ncc"
	got = SplitText(lines, 10)
	if got[0] != "aaaaaaa\n" {
		t.Fatalf("expected newline boundary, got %q", got[0])
	}
	for _, c := range got {
		if len([]rune(c)) > 10 {
			t.Fatalf("chunk over limit: %q", c)
		}
	}
}
