// Package bot holds the two thin chat adapters, rider and driver, over the
// single shared negotiation engine. Each adapter only translates chat updates
// into engine, dialog and session calls; no negotiation state lives here.
package bot

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/taxi-bot/internal/telegram"
)

// Handler processes one inbound update.
type Handler interface {
	HandleUpdate(ctx context.Context, upd telegram.Update)
}

// Poller long-polls one bot's update stream and hands every update to the
// handler in its own goroutine, so button presses and messages from
// different chats never queue behind each other.
type Poller struct {
	Client  *telegram.Client
	Handler Handler
	Timeout time.Duration
	Logger  *slog.Logger
}

func (p *Poller) Run(ctx context.Context) error {
	var offset int64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		updates, err := p.Client.GetUpdates(ctx, offset, p.Timeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.Logger.Warn("poll failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
			}
			go p.Handler.HandleUpdate(ctx, upd)
		}
	}
}
