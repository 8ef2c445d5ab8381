// Package session owns the private relay channel between a rider and the
// driver bound to their accepted offer.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/example/taxi-bot/internal/models"
	"github.com/example/taxi-bot/internal/notify"
	"github.com/example/taxi-bot/internal/observability"
	"github.com/example/taxi-bot/internal/storage"
)

// ErrConflict is returned by Open when the order already has a live session.
var ErrConflict = errors.New("order already has an open session")

// Payload is what gets relayed. It is opaque to the gateway: either plain
// text, or a reference to an inbound media message that the transport copies
// verbatim.
type Payload struct {
	Text string

	MediaChatID    int64
	MediaMessageID int
}

func (p Payload) isMedia() bool { return p.MediaMessageID != 0 }

type Gateway struct {
	Store  storage.Store
	Send   notify.Sender
	Logger *slog.Logger
}

// Open creates the session record for an order at acceptance time. The store
// enforces at most one open session per order; a duplicate open surfaces as
// ErrConflict.
func (g *Gateway) Open(ctx context.Context, orderID, riderID, driverID int64) error {
	s := &models.ChatSession{OrderID: orderID, RiderID: riderID, DriverID: driverID}
	if err := g.Store.CreateSession(ctx, s); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return ErrConflict
		}
		return fmt.Errorf("open session for order %d: %w", orderID, err)
	}
	observability.SessionsOpen.Inc()
	if g.Logger != nil {
		g.Logger.Info("session opened", "order_id", orderID, "rider_id", riderID, "driver_id", driverID)
	}
	return nil
}

// Relay forwards the payload to the counterpart of fromUserID's open
// session. A user with no open session is not an error: the message is
// dropped silently.
func (g *Gateway) Relay(ctx context.Context, fromUserID int64, p Payload) error {
	s, err := g.Store.GetOpenSessionByUser(ctx, fromUserID)
	if errors.Is(err, storage.ErrNotFound) {
		observability.RelayDropped.Inc()
		return nil
	}
	if err != nil {
		return fmt.Errorf("look up session for user %d: %w", fromUserID, err)
	}

	to := s.RiderID
	ch := notify.ChannelRider
	if fromUserID == s.RiderID {
		to = s.DriverID
		ch = notify.ChannelDriver
	}

	if p.isMedia() {
		err = g.Send.Forward(ctx, ch, to, p.MediaChatID, p.MediaMessageID)
	} else {
		err = g.Send.Send(ctx, ch, to, p.Text)
	}
	if err != nil {
		// Counted by the sender; the relay itself stays best-effort.
		if g.Logger != nil {
			g.Logger.Warn("relay delivery failed", "order_id", s.OrderID, "to", to, "error", err)
		}
		return nil
	}
	observability.RelayedMessages.Inc()
	return nil
}

// Close is idempotent: closing an already-closed (or never-opened) session
// is a no-op.
func (g *Gateway) Close(ctx context.Context, orderID int64) error {
	closed, err := g.Store.CloseSession(ctx, orderID)
	if err != nil {
		return fmt.Errorf("close session for order %d: %w", orderID, err)
	}
	if closed {
		observability.SessionsOpen.Dec()
		if g.Logger != nil {
			g.Logger.Info("session closed", "order_id", orderID)
		}
	}
	return nil
}
