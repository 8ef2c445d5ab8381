// Package negotiation owns the order/offer lifecycle: creation, driver
// fan-out, offer intake, single-winner acceptance, rejection and the two
// cancellation paths. Every state transition is a conditional update in the
// store, so concurrent button presses from many chats resolve to exactly one
// winner without in-process locks.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/taxi-bot/internal/actions"
	"github.com/example/taxi-bot/internal/events"
	"github.com/example/taxi-bot/internal/models"
	"github.com/example/taxi-bot/internal/notify"
	"github.com/example/taxi-bot/internal/observability"
	"github.com/example/taxi-bot/internal/session"
	"github.com/example/taxi-bot/internal/storage"
)

var (
	// ErrNotFound mirrors the store sentinel for callers that only import
	// this package.
	ErrNotFound = storage.ErrNotFound
	// ErrInvalidInput covers malformed offer fields, e.g. a non-positive price.
	ErrInvalidInput = errors.New("invalid input")
	// ErrAlreadyRejected: a rejected offer can never be accepted.
	ErrAlreadyRejected = errors.New("offer already rejected")
	// ErrConflict: the transition lost to a concurrent one.
	ErrConflict = errors.New("state changed concurrently")
)

type Engine struct {
	Store    storage.Store
	Send     notify.Sender
	Sessions *session.Gateway
	Events   events.Sink // optional
	Logger   *slog.Logger

	fanout sync.WaitGroup
}

// OrderFields is the completed rider intake.
type OrderFields struct {
	FromAddress string
	ToAddress   string
	Comment     string
	HasLuggage  bool
	HasChild    bool
}

// CreateOrder records the order and fans it out to every non-blocked driver.
// The fan-out runs detached: a slow or failing delivery never delays the
// rider's confirmation.
func (e *Engine) CreateOrder(ctx context.Context, riderID int64, f OrderFields) (*models.Order, error) {
	o := &models.Order{
		RiderID:     riderID,
		FromAddress: f.FromAddress,
		ToAddress:   f.ToAddress,
		Comment:     f.Comment,
		HasLuggage:  f.HasLuggage,
		HasChild:    f.HasChild,
		Status:      models.OrderNew,
	}
	if err := e.Store.CreateOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	observability.OrdersCreated.Inc()
	e.publish(ctx, models.Event{Type: models.EventOrderCreated, OrderID: o.ID, ActorID: riderID})
	e.log().Info("order created", "order_id", o.ID, "rider_id", riderID)

	e.fanout.Add(1)
	go func(o models.Order) {
		defer e.fanout.Done()
		e.broadcastOrder(context.WithoutCancel(ctx), &o)
	}(*o)
	return o, nil
}

// broadcastOrder delivers the order card to all non-blocked drivers with a
// submit-offer button. Shared by CreateOrder and CancelByDriver.
func (e *Engine) broadcastOrder(ctx context.Context, o *models.Order) {
	ids, err := e.Store.ListDriverIDs(ctx)
	if err != nil {
		e.log().Error("fan-out aborted: driver list unavailable", "order_id", o.ID, "error", err)
		return
	}
	text := OrderCard(o)
	offer := notify.Action{Label: "Сделать предложение", Data: actions.Encode(actions.SubmitOffer, o.ID)}
	failed := notify.Broadcast(ctx, e.Send, notify.ChannelDriver, ids, text, offer)
	e.log().Info("order fan-out complete", "order_id", o.ID, "drivers", len(ids), "failed", failed)
}

// WaitFanout blocks until detached fan-outs have drained. Called on shutdown
// and by tests.
func (e *Engine) WaitFanout() { e.fanout.Wait() }

// SubmitOffer records a driver's bid and notifies the rider. Orders in New
// or Accepted both take offers: a driver may still bid on an order currently
// bound to someone else, and such a late offer simply waits for the rider.
func (e *Engine) SubmitOffer(ctx context.Context, driverID, orderID int64, carModel string, price int) (*models.Offer, error) {
	if price <= 0 {
		return nil, fmt.Errorf("%w: price must be a positive integer", ErrInvalidInput)
	}
	o, err := e.Store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status == models.OrderCanceled {
		return nil, fmt.Errorf("%w: order %d is canceled", ErrConflict, orderID)
	}

	offer := &models.Offer{OrderID: orderID, DriverID: driverID, CarModel: carModel, Price: price}
	if err := e.Store.CreateOffer(ctx, offer); err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	observability.OffersSubmitted.Inc()
	e.publish(ctx, models.Event{Type: models.EventOfferSubmitted, OrderID: orderID, OfferID: offer.ID, ActorID: driverID})

	e.deliver(ctx, notify.ChannelRider, o.RiderID,
		fmt.Sprintf("Новое предложение!\nАвто: %s\nЦена: %d ₽", carModel, price),
		notify.Action{Label: "Принять", Data: actions.Encode(actions.Accept, offer.ID)},
		notify.Action{Label: "Отклонить", Data: actions.Encode(actions.Reject, offer.ID)},
	)
	return offer, nil
}

// AcceptOffer binds exactly one offer to the order. The order-status CAS is
// the serialization point: of any number of concurrent accepts on the same
// order, one flips New→Accepted and the rest observe the already-accepted
// state. Re-accepting the winning offer is a no-op, not a duplicate session.
func (e *Engine) AcceptOffer(ctx context.Context, riderID, offerID int64) (*models.Offer, error) {
	offer, err := e.Store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if offer.Rejected {
		return nil, ErrAlreadyRejected
	}

	won, err := e.Store.UpdateOrderStatus(ctx, offer.OrderID, []models.OrderStatus{models.OrderNew}, models.OrderAccepted)
	if err != nil {
		return nil, fmt.Errorf("accept offer %d: %w", offerID, err)
	}
	if !won {
		return e.resolveLostAccept(ctx, offer)
	}

	ok, err := e.Store.MarkOfferAccepted(ctx, offerID)
	if err != nil {
		return nil, fmt.Errorf("mark offer %d accepted: %w", offerID, err)
	}
	if !ok {
		// A reject slipped in between the precondition check and here. Put
		// the order back so other offers stay acceptable.
		if _, rbErr := e.Store.UpdateOrderStatus(ctx, offer.OrderID, []models.OrderStatus{models.OrderAccepted}, models.OrderNew); rbErr != nil {
			e.log().Error("rollback after reject race failed", "order_id", offer.OrderID, "error", rbErr)
		}
		return nil, ErrAlreadyRejected
	}
	offer.Accepted = true

	o, err := e.Store.GetOrder(ctx, offer.OrderID)
	if err != nil {
		return nil, err
	}
	if err := e.Sessions.Open(ctx, o.ID, o.RiderID, offer.DriverID); err != nil {
		// The accept stands either way.
		e.log().Error("session open failed", "order_id", o.ID, "error", err)
	}

	observability.OffersAccepted.Inc()
	e.publish(ctx, models.Event{Type: models.EventOfferAccepted, OrderID: o.ID, OfferID: offerID, ActorID: riderID})
	e.log().Info("offer accepted", "order_id", o.ID, "offer_id", offerID, "driver_id", offer.DriverID)

	e.exchangeContacts(ctx, o, offer)
	return offer, nil
}

// The winning accept flips the offer flag right after the order CAS, so a
// loser observing the gap between the two cannot yet tell a same-offer race
// from a lost one.
const (
	acceptRaceRetries = 5
	acceptRaceDelay   = 10 * time.Millisecond
)

// resolveLostAccept decides the outcome for an accept that lost the order
// CAS: an idempotent no-op when the same offer won a racing call, a conflict
// when another offer (or a cancel) took the order. The offer flag of an
// in-flight winner may lag its CAS, so the read is retried briefly before
// the loss is declared a conflict.
func (e *Engine) resolveLostAccept(ctx context.Context, offer *models.Offer) (*models.Offer, error) {
	for attempt := 0; ; attempt++ {
		cur, err := e.Store.GetOffer(ctx, offer.ID)
		if err != nil {
			return nil, err
		}
		if cur.Rejected {
			return nil, ErrAlreadyRejected
		}
		if cur.Accepted {
			// The same offer was accepted by a racing call; idempotent.
			return cur, nil
		}
		if bound, err := e.Store.GetAcceptedOfferByOrder(ctx, offer.OrderID); err == nil {
			if bound.ID != offer.ID {
				return nil, fmt.Errorf("%w: order %d is no longer open", ErrConflict, offer.OrderID)
			}
		} else if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		o, err := e.Store.GetOrder(ctx, offer.OrderID)
		if err != nil {
			return nil, err
		}
		if o.Status != models.OrderAccepted {
			return nil, fmt.Errorf("%w: order %d is no longer open", ErrConflict, offer.OrderID)
		}
		if attempt >= acceptRaceRetries {
			return nil, fmt.Errorf("%w: order %d is no longer open", ErrConflict, offer.OrderID)
		}
		time.Sleep(acceptRaceDelay)
	}
}

// exchangeContacts tells both parties who they ride with, as the original
// service did at acceptance time.
func (e *Engine) exchangeContacts(ctx context.Context, o *models.Order, offer *models.Offer) {
	driver, derr := e.Store.GetUser(ctx, offer.DriverID)
	rider, rerr := e.Store.GetUser(ctx, o.RiderID)
	if derr == nil {
		e.deliver(ctx, notify.ChannelRider, o.RiderID,
			fmt.Sprintf("Заказ принят!\nВодитель: %s\nТелефон: %s", driver.DisplayName, driver.Phone))
	}
	if rerr == nil {
		e.deliver(ctx, notify.ChannelDriver, offer.DriverID,
			fmt.Sprintf("Заказ принят!\nПассажир: %s\nТелефон: %s", rider.DisplayName, rider.Phone))
	}
}

// RejectOffer marks the offer rejected and tells the driver. The order is
// untouched. Rejecting twice is a no-op.
func (e *Engine) RejectOffer(ctx context.Context, riderID, offerID int64) error {
	offer, err := e.Store.GetOffer(ctx, offerID)
	if err != nil {
		return err
	}
	flipped, err := e.Store.MarkOfferRejected(ctx, offerID)
	if err != nil {
		return fmt.Errorf("reject offer %d: %w", offerID, err)
	}
	if !flipped {
		return nil
	}
	observability.OffersRejected.Inc()
	e.publish(ctx, models.Event{Type: models.EventOfferRejected, OrderID: offer.OrderID, OfferID: offerID, ActorID: riderID})
	e.deliver(ctx, notify.ChannelDriver, offer.DriverID,
		fmt.Sprintf("Ваше предложение отклонено.\nАвто: %s — %d ₽", offer.CarModel, offer.Price))
	return nil
}

// CancelByRider cancels the rider's earliest active order. If a driver was
// bound, the driver is told and the chat session closes.
func (e *Engine) CancelByRider(ctx context.Context, riderID int64) (*models.Order, error) {
	active, err := e.Store.ListActiveOrdersByRider(ctx, riderID)
	if err != nil {
		return nil, fmt.Errorf("list active orders: %w", err)
	}
	if len(active) == 0 {
		return nil, ErrNotFound
	}
	o := active[0]

	canceled, err := e.Store.UpdateOrderStatus(ctx, o.ID,
		[]models.OrderStatus{models.OrderNew, models.OrderAccepted}, models.OrderCanceled)
	if err != nil {
		return nil, fmt.Errorf("cancel order %d: %w", o.ID, err)
	}
	if !canceled {
		return nil, fmt.Errorf("%w: order %d already left the active states", ErrConflict, o.ID)
	}
	o.Status = models.OrderCanceled

	if bound, err := e.Store.GetAcceptedOfferByOrder(ctx, o.ID); err == nil {
		e.deliver(ctx, notify.ChannelDriver, bound.DriverID,
			fmt.Sprintf("Пассажир отменил заказ #%d.", o.ID))
	} else if !errors.Is(err, storage.ErrNotFound) {
		e.log().Error("bound offer lookup failed", "order_id", o.ID, "error", err)
	}
	if err := e.Sessions.Close(ctx, o.ID); err != nil {
		e.log().Error("session close failed", "order_id", o.ID, "error", err)
	}

	observability.OrdersCanceled.WithLabelValues("rider").Inc()
	e.publish(ctx, models.Event{Type: models.EventOrderCanceled, OrderID: o.ID, ActorID: riderID})
	e.log().Info("order canceled by rider", "order_id", o.ID, "rider_id", riderID)
	return &o, nil
}

// CancelByDriver releases the driver's accepted offer, reopens the order and
// re-runs the full driver fan-out for a new negotiation round.
func (e *Engine) CancelByDriver(ctx context.Context, driverID int64) (*models.Order, error) {
	offer, err := e.Store.GetAcceptedOfferByDriver(ctx, driverID)
	if err != nil {
		return nil, err
	}
	released, err := e.Store.ReleaseOffer(ctx, offer.ID)
	if err != nil {
		return nil, fmt.Errorf("release offer %d: %w", offer.ID, err)
	}
	if !released {
		// Lost to a concurrent rider cancel; nothing left to undo.
		return nil, fmt.Errorf("%w: offer %d no longer accepted", ErrConflict, offer.ID)
	}
	reopened, err := e.Store.UpdateOrderStatus(ctx, offer.OrderID,
		[]models.OrderStatus{models.OrderAccepted}, models.OrderNew)
	if err != nil {
		return nil, fmt.Errorf("reopen order %d: %w", offer.OrderID, err)
	}
	if !reopened {
		// The rider canceled first. The release stands, but a canceled order
		// must not come back to life or reach the drivers again.
		return nil, fmt.Errorf("%w: order %d already left the accepted state", ErrConflict, offer.OrderID)
	}
	if err := e.Sessions.Close(ctx, offer.OrderID); err != nil {
		e.log().Error("session close failed", "order_id", offer.OrderID, "error", err)
	}

	o, err := e.Store.GetOrder(ctx, offer.OrderID)
	if err != nil {
		return nil, err
	}
	e.deliver(ctx, notify.ChannelRider, o.RiderID, "Водитель отменил поездку. Заказ снова активен!")

	observability.OrdersCanceled.WithLabelValues("driver").Inc()
	e.publish(ctx, models.Event{Type: models.EventTripCanceled, OrderID: o.ID, OfferID: offer.ID, ActorID: driverID})
	e.log().Info("trip canceled by driver", "order_id", o.ID, "driver_id", driverID)

	e.fanout.Add(1)
	go func(o models.Order) {
		defer e.fanout.Done()
		e.broadcastOrder(context.WithoutCancel(ctx), &o)
	}(*o)
	return o, nil
}

// deliver sends best-effort: the sender logs and counts failures, the engine
// never propagates them.
func (e *Engine) deliver(ctx context.Context, ch notify.Channel, to int64, text string, acts ...notify.Action) {
	_ = e.Send.Send(ctx, ch, to, text, acts...)
}

func (e *Engine) publish(ctx context.Context, ev models.Event) {
	if e.Events == nil {
		return
	}
	ev.At = time.Now().UTC()
	if err := e.Events.Publish(ctx, ev); err != nil {
		e.log().Warn("event publish failed", "type", ev.Type, "order_id", ev.OrderID, "error", err)
	}
}

func (e *Engine) log() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// OrderCard renders the driver-facing description of an order, used both for
// fan-out and for the active-orders listing.
func OrderCard(o *models.Order) string {
	comment := o.Comment
	if comment == "" {
		comment = "—"
	}
	return fmt.Sprintf("Новый заказ!\nОт: %s\nКуда: %s\nКомментарий: %s\nБагаж: %s\nРебёнок: %s",
		o.FromAddress, o.ToAddress, comment, yesNo(o.HasLuggage), yesNo(o.HasChild))
}

func yesNo(v bool) string {
	if v {
		return "Да"
	}
	return "Нет"
}
