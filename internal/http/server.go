// Package httpapi exposes the read-only ops surface: health, metrics,
// user/order listings and a live negotiation event feed. Negotiation itself
// happens only through the bots.
package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/taxi-bot/internal/models"
	"github.com/example/taxi-bot/internal/storage"
)

type Server struct {
	store  storage.Store
	feed   *EventFeed
	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(store storage.Store, feed *EventFeed, logger *slog.Logger) *Server {
	s := &Server{store: store, feed: feed, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/api/v1/orders", s.handleListOrders).Methods("GET")
	s.mux.HandleFunc("/api/v1/users", s.handleListUsers).Methods("GET")
	s.mux.HandleFunc("/ws/events", s.handleEventsWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	var (
		orders []models.Order
		err    error
	)
	if status := r.URL.Query().Get("status"); status != "" {
		orders, err = s.store.ListOrdersByStatus(r.Context(), models.OrderStatus(status))
	} else {
		orders, err = s.store.ListOrders(r.Context())
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"orders": orders})
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"users": users})
}

func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s.feed == nil {
		http.Error(w, "event feed disabled", http.StatusServiceUnavailable)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.feed.Add(conn)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
