package models

import "time"

type Role string

const (
	RoleRider  Role = "rider"
	RoleDriver Role = "driver"
)

// User is created on first contact with either bot. Role never changes
// afterwards; the phone is filled in once via a contact-share event.
type User struct {
	ID          int64  `json:"id"`
	Role        Role   `json:"role"`
	DisplayName string `json:"display_name"`
	Phone       string `json:"phone"`
	Blocked     bool   `json:"blocked"`
}

type OrderStatus string

const (
	OrderNew      OrderStatus = "new"
	OrderAccepted OrderStatus = "accepted"
	OrderCanceled OrderStatus = "canceled"
)

type Order struct {
	ID          int64       `json:"id"`
	RiderID     int64       `json:"rider_id"`
	FromAddress string      `json:"from_address"`
	ToAddress   string      `json:"to_address"`
	Comment     string      `json:"comment"`
	HasLuggage  bool        `json:"has_luggage"`
	HasChild    bool        `json:"has_child"`
	Status      OrderStatus `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Offer is a driver's bid against an order. At most one offer per order
// carries Accepted=true at any time; Rejected is monotonic and a rejected
// offer can never become accepted.
type Offer struct {
	ID        int64     `json:"id"`
	OrderID   int64     `json:"order_id"`
	DriverID  int64     `json:"driver_id"`
	CarModel  string    `json:"car_model"`
	Price     int       `json:"price"`
	Accepted  bool      `json:"accepted"`
	Rejected  bool      `json:"rejected"`
	CreatedAt time.Time `json:"created_at"`
}

// ChatSession binds the rider and the driver of an accepted offer. Closed is
// monotonic; a later re-acceptance creates a fresh session for the order.
type ChatSession struct {
	ID        int64     `json:"id"`
	OrderID   int64     `json:"order_id"`
	RiderID   int64     `json:"rider_id"`
	DriverID  int64     `json:"driver_id"`
	Closed    bool      `json:"closed"`
	CreatedAt time.Time `json:"created_at"`
}

// Lifecycle event types published to the audit topic.
const (
	EventOrderCreated   = "order_created"
	EventOfferSubmitted = "offer_submitted"
	EventOfferAccepted  = "offer_accepted"
	EventOfferRejected  = "offer_rejected"
	EventOrderCanceled  = "order_canceled"
	EventTripCanceled   = "trip_canceled"
)

type Event struct {
	Type    string    `json:"type"`
	OrderID int64     `json:"order_id"`
	OfferID int64     `json:"offer_id,omitempty"`
	ActorID int64     `json:"actor_id"`
	At      time.Time `json:"at"`
}
