package transport

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Channel names. An owner id is "<channel>:<address>"; ids without a known
// channel prefix belong to the console channel.
const (
	ChannelConsole  = "console"
	ChannelTelegram = "telegram"
	ChannelWhatsApp = "whatsapp"
)

// ErrPermanent marks a delivery error that retrying cannot fix (bad address,
// rejected credentials). Senders wrap it; the notifier stops retrying.
var ErrPermanent = errors.New("permanent delivery failure")

// Inbound is one user message from any channel.
type Inbound struct {
	Channel    string
	Address    string // channel-native address (chat id, phone number)
	Text       string
	ReceivedAt time.Time
}

// OwnerID is the reminder owner id for this message's sender.
func (in Inbound) OwnerID() string { return OwnerID(in.Channel, in.Address) }

// Sender delivers text to an address on one channel.
type Sender interface {
	Channel() string
	SendText(ctx context.Context, address, text string) error
}

// Handler turns an inbound message into a reply. An empty reply sends nothing.
type Handler interface {
	HandleMessage(ctx context.Context, in Inbound) (reply string, err error)
}

type HandlerFunc func(ctx context.Context, in Inbound) (string, error)

func (f HandlerFunc) HandleMessage(ctx context.Context, in Inbound) (string, error) {
	return f(ctx, in)
}

var knownChannels = map[string]bool{
	ChannelConsole:  true,
	ChannelTelegram: true,
	ChannelWhatsApp: true,
}

// OwnerID builds an owner id. Console owners keep their bare address so ids
// from the HTTP API ("u1") stay unchanged.
func OwnerID(channel, address string) string {
	if channel == "" || channel == ChannelConsole {
		return address
	}
	return channel + ":" + address
}

// ParseOwner splits an owner id into channel and address.
func ParseOwner(ownerID string) (channel, address string) {
	if i := strings.IndexByte(ownerID, ':'); i > 0 {
		if ch := strings.ToLower(ownerID[:i]); knownChannels[ch] {
			return ch, ownerID[i+1:]
		}
	}
	return ChannelConsole, ownerID
}

// SplitText cuts text into chunks of at most limit runes, preferring line
// breaks so messages stay readable.
func SplitText(text string, limit int) []string {
	if limit <= 0 {
		return []string{text}
	}
	r := []rune(text)
	if len(r) <= limit {
		return []string{text}
	}
	var out []string
	for len(r) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if r[i-1] == '\n' {
				cut = i
				break
			}
		}
		out = append(out, string(r[:cut]))
		r = r[cut:]
	}
	if len(r) > 0 {
		out = append(out, string(r))
	}
	return out
}
