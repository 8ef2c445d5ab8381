package httpapi

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/taxi-bot/internal/models"
)

var upgrader = websocket.Upgrader{}

type feedSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *feedSession) send(ev models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(ev)
}

// EventFeed pushes every lifecycle event to all connected ops dashboards.
// It implements events.Sink; writes are best-effort and a failing subscriber
// is dropped.
type EventFeed struct {
	mu       sync.RWMutex
	sessions map[*feedSession]struct{}
}

func NewEventFeed() *EventFeed {
	return &EventFeed{sessions: make(map[*feedSession]struct{})}
}

func (f *EventFeed) Add(conn *websocket.Conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[&feedSession{conn: conn}] = struct{}{}
}

func (f *EventFeed) Publish(ctx context.Context, ev models.Event) error {
	f.mu.RLock()
	subs := make([]*feedSession, 0, len(f.sessions))
	for s := range f.sessions {
		subs = append(subs, s)
	}
	f.mu.RUnlock()

	for _, s := range subs {
		if err := s.send(ev); err != nil {
			f.drop(s)
		}
	}
	return nil
}

func (f *EventFeed) drop(s *feedSession) {
	f.mu.Lock()
	delete(f.sessions, s)
	f.mu.Unlock()
	_ = s.conn.Close()
}
