package negotiation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/example/taxi-bot/internal/models"
	"github.com/example/taxi-bot/internal/notify"
	"github.com/example/taxi-bot/internal/session"
	"github.com/example/taxi-bot/internal/storage"
)

type delivery struct {
	ch   notify.Channel
	to   int64
	text string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []delivery
}

func (f *fakeSender) Send(ctx context.Context, ch notify.Channel, to int64, text string, actions ...notify.Action) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, delivery{ch: ch, to: to, text: text})
	return nil
}

func (f *fakeSender) Forward(ctx context.Context, ch notify.Channel, to int64, fromChatID int64, messageID int) error {
	return nil
}

func (f *fakeSender) to(id int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, d := range f.sent {
		if d.to == id {
			out = append(out, d.text)
		}
	}
	return out
}

type fakeSink struct {
	mu     sync.Mutex
	events []models.Event
}

func (f *fakeSink) Publish(ctx context.Context, ev models.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeSink) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, ev := range f.events {
		out = append(out, ev.Type)
	}
	return out
}

const (
	riderID   = int64(100)
	driverID  = int64(200)
	driver2ID = int64(201)
)

func newEngine(t *testing.T) (*Engine, *fakeSender, *fakeSink, *storage.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemoryStore()
	for _, u := range []models.User{
		{ID: riderID, Role: models.RoleRider, DisplayName: "Аня", Phone: "+7001"},
		{ID: driverID, Role: models.RoleDriver, DisplayName: "Борис", Phone: "+7002"},
		{ID: driver2ID, Role: models.RoleDriver, DisplayName: "Вера", Phone: "+7003"},
	} {
		u := u
		if err := store.CreateUser(ctx, &u); err != nil {
			t.Fatalf("seed user %d: %v", u.ID, err)
		}
	}
	send := &fakeSender{}
	sink := &fakeSink{}
	e := &Engine{
		Store:    store,
		Send:     send,
		Sessions: &session.Gateway{Store: store, Send: send},
		Events:   sink,
	}
	return e, send, sink, store
}

func TestCreateOrder_FansOutToAllDrivers(t *testing.T) {
	ctx := context.Background()
	e, send, sink, _ := newEngine(t)

	o, err := e.CreateOrder(ctx, riderID, OrderFields{FromAddress: "Ленина 1", ToAddress: "Мира 5", HasLuggage: true})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	e.WaitFanout()

	if o.Status != models.OrderNew {
		t.Fatalf("status = %s, want new", o.Status)
	}
	for _, id := range []int64{driverID, driver2ID} {
		msgs := send.to(id)
		if len(msgs) != 1 || !strings.Contains(msgs[0], "Ленина 1") {
			t.Fatalf("driver %d deliveries = %v", id, msgs)
		}
	}
	if got := sink.types(); len(got) != 1 || got[0] != models.EventOrderCreated {
		t.Fatalf("events = %v", got)
	}
}

func TestSubmitOffer_NotifiesRider(t *testing.T) {
	ctx := context.Background()
	e, send, _, _ := newEngine(t)
	o, err := e.CreateOrder(ctx, riderID, OrderFields{FromAddress: "a", ToAddress: "b"})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	e.WaitFanout()

	off, err := e.SubmitOffer(ctx, driverID, o.ID, "Lada Vesta", 350)
	if err != nil {
		t.Fatalf("submit offer: %v", err)
	}
	if off.Accepted || off.Rejected {
		t.Fatalf("fresh offer flags: %+v", off)
	}
	msgs := send.to(riderID)
	if len(msgs) != 1 || !strings.Contains(msgs[0], "Lada Vesta") || !strings.Contains(msgs[0], "350") {
		t.Fatalf("rider deliveries = %v", msgs)
	}
}

func TestSubmitOffer_InvalidPrice(t *testing.T) {
	ctx := context.Background()
	e, _, _, _ := newEngine(t)
	o, _ := e.CreateOrder(ctx, riderID, OrderFields{FromAddress: "a", ToAddress: "b"})
	e.WaitFanout()

	for _, price := range []int{0, -10} {
		if _, err := e.SubmitOffer(ctx, driverID, o.ID, "car", price); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("price %d: err = %v, want ErrInvalidInput", price, err)
		}
	}
}

func TestSubmitOffer_CanceledOrderRefused(t *testing.T) {
	ctx := context.Background()
	e, _, _, _ := newEngine(t)
	o, _ := e.CreateOrder(ctx, riderID, OrderFields{FromAddress: "a", ToAddress: "b"})
	e.WaitFanout()
	if _, err := e.CancelByRider(ctx, riderID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := e.SubmitOffer(ctx, driverID, o.ID, "car", 300); !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestSubmitOffer_UnknownOrder(t *testing.T) {
	e, _, _, _ := newEngine(t)
	if _, err := e.SubmitOffer(context.Background(), driverID, 999, "car", 300); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSubmitOffer_LateOfferOnAcceptedOrder(t *testing.T) {
	ctx := context.Background()
	e, send, _, _ := newEngine(t)
	o, _ := e.CreateOrder(ctx, riderID, OrderFields{FromAddress: "a", ToAddress: "b"})
	e.WaitFanout()
	first, _ := e.SubmitOffer(ctx, driverID, o.ID, "car1", 300)
	if _, err := e.AcceptOffer(ctx, riderID, first.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}

	// a second driver may still bid; the offer just sits with the rider
	late, err := e.SubmitOffer(ctx, driver2ID, o.ID, "car2", 250)
	if err != nil {
		t.Fatalf("late offer: %v", err)
	}
	if late.Accepted {
		t.Fatal("late offer must not be accepted")
	}
	found := false
	for _, msg := range send.to(riderID) {
		if strings.Contains(msg, "car2") {
			found = true
		}
	}
	if !found {
		t.Fatal("rider was not told about the late offer")
	}
}

func TestAcceptOffer_OpensSessionAndExchangesContacts(t *testing.T) {
	ctx := context.Background()
	e, send, sink, store := newEngine(t)
	o, _ := e.CreateOrder(ctx, riderID, OrderFields{FromAddress: "a", ToAddress: "b"})
	e.WaitFanout()
	off, _ := e.SubmitOffer(ctx, driverID, o.ID, "car", 300)

	accepted, err := e.AcceptOffer(ctx, riderID, off.ID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if !accepted.Accepted {
		t.Fatal("offer not flagged accepted")
	}
	got, _ := store.GetOrder(ctx, o.ID)
	if got.Status != models.OrderAccepted {
		t.Fatalf("order status = %s, want accepted", got.Status)
	}
	if _, err := store.GetOpenSessionByUser(ctx, riderID); err != nil {
		t.Fatalf("no open session for rider: %v", err)
	}

	riderMsgs := strings.Join(send.to(riderID), "\n")
	if !strings.Contains(riderMsgs, "+7002") {
		t.Fatal("rider did not get the driver's phone")
	}
	driverMsgs := strings.Join(send.to(driverID), "\n")
	if !strings.Contains(driverMsgs, "+7001") {
		t.Fatal("driver did not get the rider's phone")
	}
	types := sink.types()
	if types[len(types)-1] != models.EventOfferAccepted {
		t.Fatalf("events = %v", types)
	}
}

func TestAcceptOffer_SingleWinnerUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	e, _, _, store := newEngine(t)
	o, _ := e.CreateOrder(ctx, riderID, OrderFields{FromAddress: "a", ToAddress: "b"})
	e.WaitFanout()
	off1, _ := e.SubmitOffer(ctx, driverID, o.ID, "car1", 300)
	off2, _ := e.SubmitOffer(ctx, driver2ID, o.ID, "car2", 280)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []int64{off1.ID, off2.ID} {
		wg.Add(1)
		go func(i int, offerID int64) {
			defer wg.Done()
			_, errs[i] = e.AcceptOffer(ctx, riderID, offerID)
		}(i, id)
	}
	wg.Wait()

	var won, lost int
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, ErrConflict):
			lost++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if won != 1 || lost != 1 {
		t.Fatalf("won=%d lost=%d, want exactly one winner", won, lost)
	}

	var acceptedCount int
	for _, id := range []int64{off1.ID, off2.ID} {
		off, _ := store.GetOffer(ctx, id)
		if off.Accepted {
			acceptedCount++
		}
	}
	if acceptedCount != 1 {
		t.Fatalf("accepted offers = %d, want 1", acceptedCount)
	}
}

func TestAcceptOffer_SameOfferIdempotent(t *testing.T) {
	ctx := context.Background()
	e, _, _, store := newEngine(t)
	o, _ := e.CreateOrder(ctx, riderID, OrderFields{FromAddress: "a", ToAddress: "b"})
	e.WaitFanout()
	off, _ := e.SubmitOffer(ctx, driverID, o.ID, "car", 300)

	if _, err := e.AcceptOffer(ctx, riderID, off.ID); err != nil {
		t.Fatalf("first accept: %v", err)
	}
	again, err := e.AcceptOffer(ctx, riderID, off.ID)
	if err != nil {
		t.Fatalf("second accept of the winner must be a no-op, got %v", err)
	}
	if !again.Accepted {
		t.Fatal("winner lost its accepted flag")
	}
	// still exactly one session for the order
	if err := e.Sessions.Open(ctx, o.ID, riderID, driverID); !errors.Is(err, session.ErrConflict) {
		t.Fatalf("expected the original session to still be open, got %v", err)
	}
	got, _ := store.GetOrder(ctx, o.ID)
	if got.Status != models.OrderAccepted {
		t.Fatalf("order status = %s", got.Status)
	}
}

// gatedStore holds the first MarkOfferAccepted open so a racing accept of
// the same offer observes the gap between the order CAS and the flag flip.
type gatedStore struct {
	*storage.MemoryStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedStore) MarkOfferAccepted(ctx context.Context, id int64) (bool, error) {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.MemoryStore.MarkOfferAccepted(ctx, id)
}

func TestAcceptOffer_SameOfferRaceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	for _, u := range []models.User{
		{ID: riderID, Role: models.RoleRider, DisplayName: "Аня", Phone: "+7001"},
		{ID: driverID, Role: models.RoleDriver, DisplayName: "Борис", Phone: "+7002"},
	} {
		u := u
		if err := store.CreateUser(ctx, &u); err != nil {
			t.Fatalf("seed user %d: %v", u.ID, err)
		}
	}
	gated := &gatedStore{
		MemoryStore: store,
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	send := &fakeSender{}
	e := &Engine{
		Store:    gated,
		Send:     send,
		Sessions: &session.Gateway{Store: gated, Send: send},
	}

	o, err := e.CreateOrder(ctx, riderID, OrderFields{FromAddress: "a", ToAddress: "b"})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	e.WaitFanout()
	off, err := e.SubmitOffer(ctx, driverID, o.ID, "car", 300)
	if err != nil {
		t.Fatalf("submit offer: %v", err)
	}

	results := make(chan error, 2)
	go func() {
		_, err := e.AcceptOffer(ctx, riderID, off.ID)
		results <- err
	}()
	<-gated.entered
	// winner is paused between the CAS and the flag flip; race the same offer
	go func() {
		_, err := e.AcceptOffer(ctx, riderID, off.ID)
		results <- err
	}()
	time.Sleep(5 * time.Millisecond)
	close(gated.release)

	for i := 0; i < 2; i++ {
		if err := <-results; err != nil {
			t.Fatalf("accept %d: %v, want idempotent success for both", i, err)
		}
	}
	got, _ := store.GetOffer(ctx, off.ID)
	if !got.Accepted {
		t.Fatal("offer not accepted")
	}
	// still exactly one session for the order
	if err := e.Sessions.Open(ctx, o.ID, riderID, driverID); !errors.Is(err, session.ErrConflict) {
		t.Fatalf("expected the winner's session to be open, got %v", err)
	}
}

func TestAcceptOffer_RejectedOfferNeverAcceptable(t *testing.T) {
	ctx := context.Background()
	e, _, _, store := newEngine(t)
	o, _ := e.CreateOrder(ctx, riderID, OrderFields{FromAddress: "a", ToAddress: "b"})
	e.WaitFanout()
	off, _ := e.SubmitOffer(ctx, driverID, o.ID, "car", 300)
	other, _ := e.SubmitOffer(ctx, driver2ID, o.ID, "car2", 280)

	if err := e.RejectOffer(ctx, riderID, off.ID); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if _, err := e.AcceptOffer(ctx, riderID, off.ID); !errors.Is(err, ErrAlreadyRejected) {
		t.Fatalf("err = %v, want ErrAlreadyRejected", err)
	}
	// the order stayed open for the other offer
	got, _ := store.GetOrder(ctx, o.ID)
	if got.Status != models.OrderNew {
		t.Fatalf("order status = %s, want new", got.Status)
	}
	if _, err := e.AcceptOffer(ctx, riderID, other.ID); err != nil {
		t.Fatalf("accepting the surviving offer: %v", err)
	}
}

func TestRejectOffer_NotifiesDriverOnce(t *testing.T) {
	ctx := context.Background()
	e, send, _, _ := newEngine(t)
	o, _ := e.CreateOrder(ctx, riderID, OrderFields{FromAddress: "a", ToAddress: "b"})
	e.WaitFanout()
	off, _ := e.SubmitOffer(ctx, driverID, o.ID, "car", 300)

	before := len(send.to(driverID))
	if err := e.RejectOffer(ctx, riderID, off.ID); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if err := e.RejectOffer(ctx, riderID, off.ID); err != nil {
		t.Fatalf("second reject: %v", err)
	}
	after := len(send.to(driverID))
	if after-before != 1 {
		t.Fatalf("driver notices = %d, want 1", after-before)
	}
}

func TestCancelByRider_NoActiveOrders(t *testing.T) {
	e, _, _, _ := newEngine(t)
	if _, err := e.CancelByRider(context.Background(), riderID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCancelByRider_ClosesSessionAndTellsDriver(t *testing.T) {
	ctx := context.Background()
	e, send, sink, store := newEngine(t)
	o, _ := e.CreateOrder(ctx, riderID, OrderFields{FromAddress: "a", ToAddress: "b"})
	e.WaitFanout()
	off, _ := e.SubmitOffer(ctx, driverID, o.ID, "car", 300)
	if _, err := e.AcceptOffer(ctx, riderID, off.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}

	before := len(send.to(driverID))
	canceled, err := e.CancelByRider(ctx, riderID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if canceled.Status != models.OrderCanceled {
		t.Fatalf("status = %s", canceled.Status)
	}
	if len(send.to(driverID)) == before {
		t.Fatal("bound driver was not told")
	}
	if _, err := store.GetOpenSessionByUser(ctx, riderID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("session still open: %v", err)
	}
	types := sink.types()
	if types[len(types)-1] != models.EventOrderCanceled {
		t.Fatalf("events = %v", types)
	}
}

func TestCancelByRider_EarliestOrderFirst(t *testing.T) {
	ctx := context.Background()
	e, _, _, store := newEngine(t)
	first, _ := e.CreateOrder(ctx, riderID, OrderFields{FromAddress: "a", ToAddress: "b"})
	second, _ := e.CreateOrder(ctx, riderID, OrderFields{FromAddress: "c", ToAddress: "d"})
	e.WaitFanout()

	canceled, err := e.CancelByRider(ctx, riderID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if canceled.ID != first.ID {
		t.Fatalf("canceled order %d, want the earliest %d", canceled.ID, first.ID)
	}
	got, _ := store.GetOrder(ctx, second.ID)
	if got.Status != models.OrderNew {
		t.Fatalf("later order status = %s, want new", got.Status)
	}
}

func TestCancelByDriver_ReopensAndRebroadcasts(t *testing.T) {
	ctx := context.Background()
	e, send, sink, store := newEngine(t)
	o, _ := e.CreateOrder(ctx, riderID, OrderFields{FromAddress: "a", ToAddress: "b"})
	e.WaitFanout()
	off, _ := e.SubmitOffer(ctx, driverID, o.ID, "car", 300)
	if _, err := e.AcceptOffer(ctx, riderID, off.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}

	fanoutBefore := len(send.to(driver2ID))
	reopened, err := e.CancelByDriver(ctx, driverID)
	if err != nil {
		t.Fatalf("driver cancel: %v", err)
	}
	e.WaitFanout()

	if reopened.ID != o.ID || reopened.Status != models.OrderNew {
		t.Fatalf("reopened = %+v", reopened)
	}
	gotOffer, _ := store.GetOffer(ctx, off.ID)
	if gotOffer.Accepted {
		t.Fatal("offer still marked accepted")
	}
	if _, err := store.GetOpenSessionByUser(ctx, riderID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("session still open: %v", err)
	}
	riderMsgs := strings.Join(send.to(riderID), "\n")
	if !strings.Contains(riderMsgs, "отменил") {
		t.Fatal("rider was not told about the driver cancel")
	}
	if len(send.to(driver2ID)) <= fanoutBefore {
		t.Fatal("order was not re-broadcast to the other drivers")
	}
	types := sink.types()
	if types[len(types)-1] != models.EventTripCanceled {
		t.Fatalf("events = %v", types)
	}
}

func TestCancelByDriver_AfterRiderCancelStaysCanceled(t *testing.T) {
	ctx := context.Background()
	e, send, sink, store := newEngine(t)
	o, _ := e.CreateOrder(ctx, riderID, OrderFields{FromAddress: "a", ToAddress: "b"})
	e.WaitFanout()
	off, _ := e.SubmitOffer(ctx, driverID, o.ID, "car", 300)
	if _, err := e.AcceptOffer(ctx, riderID, off.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := e.CancelByRider(ctx, riderID); err != nil {
		t.Fatalf("rider cancel: %v", err)
	}

	riderBefore := len(send.to(riderID))
	fanoutBefore := len(send.to(driver2ID))
	if _, err := e.CancelByDriver(ctx, driverID); !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	e.WaitFanout()

	got, _ := store.GetOrder(ctx, o.ID)
	if got.Status != models.OrderCanceled {
		t.Fatalf("status = %s, want the cancel to stand", got.Status)
	}
	gotOffer, _ := store.GetOffer(ctx, off.ID)
	if gotOffer.Accepted {
		t.Fatal("offer must not stay bound to a canceled order")
	}
	if len(send.to(riderID)) != riderBefore {
		t.Fatal("rider must not be told the order is active again")
	}
	if len(send.to(driver2ID)) != fanoutBefore {
		t.Fatal("a canceled order must not be re-broadcast")
	}
	types := sink.types()
	if types[len(types)-1] != models.EventOrderCanceled {
		t.Fatalf("events = %v, want no trip_canceled after the rider cancel", types)
	}
}

func TestCancelByDriver_NoAcceptedOffer(t *testing.T) {
	e, _, _, _ := newEngine(t)
	if _, err := e.CancelByDriver(context.Background(), driverID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

// Full round: order, two offers, reject one, accept the other, chat, driver
// cancels, new round, rider finally cancels.
func TestNegotiationRoundTrip(t *testing.T) {
	ctx := context.Background()
	e, send, _, store := newEngine(t)

	o, err := e.CreateOrder(ctx, riderID, OrderFields{FromAddress: "Ленина 1", ToAddress: "Мира 5"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	e.WaitFanout()

	off1, _ := e.SubmitOffer(ctx, driverID, o.ID, "car1", 400)
	off2, _ := e.SubmitOffer(ctx, driver2ID, o.ID, "car2", 350)

	if err := e.RejectOffer(ctx, riderID, off1.ID); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if _, err := e.AcceptOffer(ctx, riderID, off2.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}

	g := e.Sessions
	if err := g.Relay(ctx, riderID, session.Payload{Text: "Вы где?"}); err != nil {
		t.Fatalf("relay: %v", err)
	}
	driverMsgs := strings.Join(send.to(driver2ID), "\n")
	if !strings.Contains(driverMsgs, "Вы где?") {
		t.Fatal("chat message did not reach the bound driver")
	}

	if _, err := e.CancelByDriver(ctx, driver2ID); err != nil {
		t.Fatalf("driver cancel: %v", err)
	}
	e.WaitFanout()

	got, _ := store.GetOrder(ctx, o.ID)
	if got.Status != models.OrderNew {
		t.Fatalf("status after driver cancel = %s", got.Status)
	}

	if _, err := e.CancelByRider(ctx, riderID); err != nil {
		t.Fatalf("rider cancel: %v", err)
	}
	got, _ = store.GetOrder(ctx, o.ID)
	if got.Status != models.OrderCanceled {
		t.Fatalf("final status = %s", got.Status)
	}
}
