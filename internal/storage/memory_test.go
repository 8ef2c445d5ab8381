package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/example/taxi-bot/internal/models"
)

func TestUpdateOrderStatus_Conditional(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	o := &models.Order{RiderID: 1, FromAddress: "a", ToAddress: "b", Status: models.OrderNew}
	if err := s.CreateOrder(ctx, o); err != nil {
		t.Fatalf("create order: %v", err)
	}

	ok, err := s.UpdateOrderStatus(ctx, o.ID, []models.OrderStatus{models.OrderNew}, models.OrderAccepted)
	if err != nil || !ok {
		t.Fatalf("expected transition to succeed, ok=%v err=%v", ok, err)
	}
	// same precondition again must fail without touching the row
	ok, err = s.UpdateOrderStatus(ctx, o.ID, []models.OrderStatus{models.OrderNew}, models.OrderCanceled)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("transition from a stale state must not apply")
	}
	got, err := s.GetOrder(ctx, o.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.Status != models.OrderAccepted {
		t.Fatalf("status = %s, want accepted", got.Status)
	}
}

func TestUpdateOrderStatus_MissingOrder(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.UpdateOrderStatus(context.Background(), 99, []models.OrderStatus{models.OrderNew}, models.OrderAccepted)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestMarkOfferAccepted_RefusesRejected(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	off := &models.Offer{OrderID: 1, DriverID: 2, Price: 300}
	if err := s.CreateOffer(ctx, off); err != nil {
		t.Fatalf("create offer: %v", err)
	}
	if ok, err := s.MarkOfferRejected(ctx, off.ID); err != nil || !ok {
		t.Fatalf("reject: ok=%v err=%v", ok, err)
	}
	ok, err := s.MarkOfferAccepted(ctx, off.ID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if ok {
		t.Fatal("a rejected offer must never become accepted")
	}
	// rejecting again reports no flip
	if ok, _ := s.MarkOfferRejected(ctx, off.ID); ok {
		t.Fatal("second reject must be a no-op")
	}
}

func TestReleaseOffer(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	off := &models.Offer{OrderID: 1, DriverID: 2, Price: 300}
	if err := s.CreateOffer(ctx, off); err != nil {
		t.Fatalf("create offer: %v", err)
	}
	if ok, _ := s.ReleaseOffer(ctx, off.ID); ok {
		t.Fatal("releasing a non-accepted offer must report false")
	}
	if ok, err := s.MarkOfferAccepted(ctx, off.ID); err != nil || !ok {
		t.Fatalf("accept: ok=%v err=%v", ok, err)
	}
	got, err := s.GetAcceptedOfferByDriver(ctx, 2)
	if err != nil {
		t.Fatalf("accepted by driver: %v", err)
	}
	if got.ID != off.ID {
		t.Fatalf("got offer %d, want %d", got.ID, off.ID)
	}
	if ok, err := s.ReleaseOffer(ctx, off.ID); err != nil || !ok {
		t.Fatalf("release: ok=%v err=%v", ok, err)
	}
	if _, err := s.GetAcceptedOfferByDriver(ctx, 2); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound after release", err)
	}
}

func TestCreateSession_OneOpenPerOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	first := &models.ChatSession{OrderID: 7, RiderID: 1, DriverID: 2}
	if err := s.CreateSession(ctx, first); err != nil {
		t.Fatalf("create session: %v", err)
	}
	dup := &models.ChatSession{OrderID: 7, RiderID: 1, DriverID: 3}
	if err := s.CreateSession(ctx, dup); !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}

	if closed, err := s.CloseSession(ctx, 7); err != nil || !closed {
		t.Fatalf("close: closed=%v err=%v", closed, err)
	}
	if closed, _ := s.CloseSession(ctx, 7); closed {
		t.Fatal("second close must report nothing flipped")
	}
	// a fresh session for the same order is allowed once the old one closed
	again := &models.ChatSession{OrderID: 7, RiderID: 1, DriverID: 3}
	if err := s.CreateSession(ctx, again); err != nil {
		t.Fatalf("reopen: %v", err)
	}
}

func TestGetOpenSessionByUser(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	sess := &models.ChatSession{OrderID: 7, RiderID: 1, DriverID: 2}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("create session: %v", err)
	}
	for _, uid := range []int64{1, 2} {
		got, err := s.GetOpenSessionByUser(ctx, uid)
		if err != nil {
			t.Fatalf("lookup for %d: %v", uid, err)
		}
		if got.OrderID != 7 {
			t.Fatalf("order = %d, want 7", got.OrderID)
		}
	}
	if _, err := s.GetOpenSessionByUser(ctx, 3); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if _, err := s.CloseSession(ctx, 7); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := s.GetOpenSessionByUser(ctx, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound after close", err)
	}
}

func TestCreateUser_Conflict(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	u := &models.User{ID: 10, Role: models.RoleRider, DisplayName: "Ann"}
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := s.CreateUser(ctx, u); !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	if err := s.SetUserPhone(ctx, 11, "+700"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if err := s.SetUserPhone(ctx, 10, "+700"); err != nil {
		t.Fatalf("set phone: %v", err)
	}
	got, _ := s.GetUser(ctx, 10)
	if got.Phone != "+700" {
		t.Fatalf("phone = %q", got.Phone)
	}
}

func TestListDriverIDs_SkipsBlocked(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.CreateUser(ctx, &models.User{ID: 1, Role: models.RoleRider})
	_ = s.CreateUser(ctx, &models.User{ID: 2, Role: models.RoleDriver})
	_ = s.CreateUser(ctx, &models.User{ID: 3, Role: models.RoleDriver, Blocked: true})
	_ = s.CreateUser(ctx, &models.User{ID: 4, Role: models.RoleDriver})

	ids, err := s.ListDriverIDs(ctx)
	if err != nil {
		t.Fatalf("list drivers: %v", err)
	}
	if len(ids) != 2 || ids[0] != 2 || ids[1] != 4 {
		t.Fatalf("ids = %v, want [2 4]", ids)
	}
}

func TestListActiveOrdersByRider_EarliestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	mk := func(status models.OrderStatus) *models.Order {
		o := &models.Order{RiderID: 1, FromAddress: "a", ToAddress: "b", Status: status}
		if err := s.CreateOrder(ctx, o); err != nil {
			t.Fatalf("create order: %v", err)
		}
		return o
	}
	first := mk(models.OrderNew)
	mk(models.OrderCanceled)
	second := mk(models.OrderAccepted)
	other := &models.Order{RiderID: 2, FromAddress: "x", ToAddress: "y", Status: models.OrderNew}
	if err := s.CreateOrder(ctx, other); err != nil {
		t.Fatalf("create order: %v", err)
	}

	active, err := s.ListActiveOrdersByRider(ctx, 1)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 2 || active[0].ID != first.ID || active[1].ID != second.ID {
		t.Fatalf("active = %+v, want orders %d then %d", active, first.ID, second.ID)
	}
}

func TestCopyOnReturn(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	o := &models.Order{RiderID: 1, FromAddress: "a", ToAddress: "b", Status: models.OrderNew}
	if err := s.CreateOrder(ctx, o); err != nil {
		t.Fatalf("create order: %v", err)
	}
	got, _ := s.GetOrder(ctx, o.ID)
	got.Status = models.OrderCanceled
	again, _ := s.GetOrder(ctx, o.ID)
	if again.Status != models.OrderNew {
		t.Fatal("mutating a returned order must not touch the store")
	}
}
