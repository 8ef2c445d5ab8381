package storage

import (
	"context"
	"errors"

	"github.com/example/taxi-bot/internal/models"
)

var (
	// ErrNotFound is returned when a lookup expecting exactly one row finds none.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when an insert collides with a live record,
	// e.g. opening a second session for an order that already has one.
	ErrConflict = errors.New("conflicting record exists")
)

// Store defines persistence operations for negotiation state. Every mutation
// that guards a state-machine transition is expressed as a conditional update
// (the bool result reports whether the expected prior state held), so two
// concurrent callers can never both win the same transition.
type Store interface {
	// Users.
	GetUser(ctx context.Context, id int64) (*models.User, error)
	CreateUser(ctx context.Context, u *models.User) error
	SetUserPhone(ctx context.Context, id int64, phone string) error
	ListUsers(ctx context.Context) ([]models.User, error)
	// ListDriverIDs returns ids of all non-blocked drivers, for fan-out.
	ListDriverIDs(ctx context.Context) ([]int64, error)

	// Orders.
	CreateOrder(ctx context.Context, o *models.Order) error
	GetOrder(ctx context.Context, id int64) (*models.Order, error)
	ListOrders(ctx context.Context) ([]models.Order, error)
	ListOrdersByStatus(ctx context.Context, status models.OrderStatus) ([]models.Order, error)
	// ListActiveOrdersByRider returns the rider's orders in {new, accepted},
	// oldest first.
	ListActiveOrdersByRider(ctx context.Context, riderID int64) ([]models.Order, error)
	// UpdateOrderStatus moves the order to the target status only if its
	// current status is one of from.
	UpdateOrderStatus(ctx context.Context, id int64, from []models.OrderStatus, to models.OrderStatus) (bool, error)

	// Offers.
	CreateOffer(ctx context.Context, o *models.Offer) error
	GetOffer(ctx context.Context, id int64) (*models.Offer, error)
	// MarkOfferAccepted flips accepted only while the offer is neither
	// accepted nor rejected.
	MarkOfferAccepted(ctx context.Context, id int64) (bool, error)
	// MarkOfferRejected flips rejected only while the offer is not rejected.
	MarkOfferRejected(ctx context.Context, id int64) (bool, error)
	// ReleaseOffer clears accepted only while the offer is accepted.
	ReleaseOffer(ctx context.Context, id int64) (bool, error)
	GetAcceptedOfferByOrder(ctx context.Context, orderID int64) (*models.Offer, error)
	GetAcceptedOfferByDriver(ctx context.Context, driverID int64) (*models.Offer, error)

	// Chat sessions.
	// CreateSession inserts a new open session; ErrConflict if the order
	// already has a non-closed one.
	CreateSession(ctx context.Context, s *models.ChatSession) error
	// GetOpenSessionByUser finds the unique open session where the user is
	// either party.
	GetOpenSessionByUser(ctx context.Context, userID int64) (*models.ChatSession, error)
	// CloseSession flips closed on the order's open session; false when no
	// open session existed.
	CloseSession(ctx context.Context, orderID int64) (bool, error)
}
