package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/taxi-bot/internal/models"
)

// MemoryStore keeps all records under one mutex so that each conditional
// update is atomic, mirroring the row-level guarantees of the SQL store.
// Used by tests and DSN-less local runs.
type MemoryStore struct {
	mu       sync.Mutex
	users    map[int64]*models.User
	orders   map[int64]*models.Order
	offers   map[int64]*models.Offer
	sessions map[int64]*models.ChatSession
	nextID   int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[int64]*models.User),
		orders:   make(map[int64]*models.Order),
		offers:   make(map[int64]*models.Offer),
		sessions: make(map[int64]*models.ChatSession),
	}
}

func (m *MemoryStore) nextSeq() int64 {
	m.nextID++
	return m.nextID
}

func (m *MemoryStore) GetUser(ctx context.Context, id int64) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) CreateUser(ctx context.Context, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.ID]; ok {
		return ErrConflict
	}
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *MemoryStore) SetUserPhone(ctx context.Context, id int64, phone string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.Phone = phone
	return nil
}

func (m *MemoryStore) ListUsers(ctx context.Context) ([]models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) ListDriverIDs(ctx context.Context) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for _, u := range m.users {
		if u.Role == models.RoleDriver && !u.Blocked {
			ids = append(ids, u.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *MemoryStore) CreateOrder(ctx context.Context, o *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o.ID = m.nextSeq()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *MemoryStore) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) ListOrders(ctx context.Context) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Order, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) ListOrdersByStatus(ctx context.Context, status models.OrderStatus) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Order
	for _, o := range m.orders {
		if o.Status == status {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) ListActiveOrdersByRider(ctx context.Context, riderID int64) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Order
	for _, o := range m.orders {
		if o.RiderID == riderID && (o.Status == models.OrderNew || o.Status == models.OrderAccepted) {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) UpdateOrderStatus(ctx context.Context, id int64, from []models.OrderStatus, to models.OrderStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return false, ErrNotFound
	}
	for _, f := range from {
		if o.Status == f {
			o.Status = to
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) CreateOffer(ctx context.Context, o *models.Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o.ID = m.nextSeq()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	cp := *o
	m.offers[o.ID] = &cp
	return nil
}

func (m *MemoryStore) GetOffer(ctx context.Context, id int64) (*models.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) MarkOfferAccepted(ctx context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[id]
	if !ok {
		return false, ErrNotFound
	}
	if o.Accepted || o.Rejected {
		return false, nil
	}
	o.Accepted = true
	return true, nil
}

func (m *MemoryStore) MarkOfferRejected(ctx context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[id]
	if !ok {
		return false, ErrNotFound
	}
	if o.Rejected {
		return false, nil
	}
	o.Rejected = true
	return true, nil
}

func (m *MemoryStore) ReleaseOffer(ctx context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[id]
	if !ok {
		return false, ErrNotFound
	}
	if !o.Accepted {
		return false, nil
	}
	o.Accepted = false
	return true, nil
}

func (m *MemoryStore) GetAcceptedOfferByOrder(ctx context.Context, orderID int64) (*models.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.offers {
		if o.OrderID == orderID && o.Accepted {
			cp := *o
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) GetAcceptedOfferByDriver(ctx context.Context, driverID int64) (*models.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.offers {
		if o.DriverID == driverID && o.Accepted {
			cp := *o
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) CreateSession(ctx context.Context, s *models.ChatSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.sessions {
		if existing.OrderID == s.OrderID && !existing.Closed {
			return ErrConflict
		}
	}
	s.ID = m.nextSeq()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *MemoryStore) GetOpenSessionByUser(ctx context.Context, userID int64) (*models.ChatSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if !s.Closed && (s.RiderID == userID || s.DriverID == userID) {
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) CloseSession(ctx context.Context, orderID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.OrderID == orderID && !s.Closed {
			s.Closed = true
			return true, nil
		}
	}
	return false, nil
}
