// Package notify delivers user-facing messages over the two bot channels.
// Delivery is always best-effort from the caller's point of view: the engine
// and the session gateway treat a failed send as a logged, counted event,
// never as a reason to fail the surrounding operation.
package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/example/taxi-bot/internal/observability"
	"github.com/example/taxi-bot/internal/telegram"
)

// Channel selects which bot delivers the message.
type Channel string

const (
	ChannelRider  Channel = "rider"
	ChannelDriver Channel = "driver"
)

// Action is a button attached to a message; Data is the opaque action id
// that comes back via ActionInvoked.
type Action struct {
	Label string
	Data  string
}

// Sender is the outbound port of the core components.
type Sender interface {
	Send(ctx context.Context, ch Channel, recipientID int64, text string, actions ...Action) error
	// Forward re-delivers an existing inbound message (text or media) to the
	// recipient without inspecting its content.
	Forward(ctx context.Context, ch Channel, recipientID int64, fromChatID int64, messageID int) error
}

// TelegramSender routes sends to the rider or driver bot client.
type TelegramSender struct {
	Rider  *telegram.Client
	Driver *telegram.Client
	Logger *slog.Logger
}

func (t *TelegramSender) client(ch Channel) *telegram.Client {
	if ch == ChannelDriver {
		return t.Driver
	}
	return t.Rider
}

func (t *TelegramSender) Send(ctx context.Context, ch Channel, recipientID int64, text string, actions ...Action) error {
	var opts *telegram.SendOptions
	if len(actions) > 0 {
		row := make([]telegram.InlineKeyboardButton, 0, len(actions))
		for _, a := range actions {
			row = append(row, telegram.InlineKeyboardButton{Text: a.Label, CallbackData: a.Data})
		}
		opts = &telegram.SendOptions{
			InlineKeyboard: &telegram.InlineKeyboardMarkup{InlineKeyboard: [][]telegram.InlineKeyboardButton{row}},
		}
	}
	err := t.client(ch).SendMessage(ctx, recipientID, text, opts)
	t.account(err, ch, recipientID)
	return err
}

func (t *TelegramSender) Forward(ctx context.Context, ch Channel, recipientID int64, fromChatID int64, messageID int) error {
	err := t.client(ch).CopyMessage(ctx, recipientID, fromChatID, messageID)
	t.account(err, ch, recipientID)
	return err
}

func (t *TelegramSender) account(err error, ch Channel, recipientID int64) {
	if err != nil {
		observability.NotifyFailures.Inc()
		if t.Logger != nil {
			t.Logger.Warn("delivery failed", "channel", string(ch), "recipient", recipientID, "error", err)
		}
		return
	}
	observability.NotifyDeliveries.Inc()
}

// Broadcast fans text out to every recipient on the channel. Deliveries run
// independently; one failure never blocks the others, and the call returns
// only the failure count.
func Broadcast(ctx context.Context, s Sender, ch Channel, recipients []int64, text string, actions ...Action) int {
	var wg sync.WaitGroup
	var mu sync.Mutex
	failed := 0
	for _, id := range recipients {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			if err := s.Send(ctx, ch, id, text, actions...); err != nil {
				mu.Lock()
				failed++
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()
	return failed
}
