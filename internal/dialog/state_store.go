package dialog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisStateStore keeps one JSON record per (user, purpose). No TTL is set:
// like the original service, a half-finished dialog stays until replaced or
// completed.
type RedisStateStore struct {
	client *redis.Client
}

func NewRedisStateStore(addr, password string) *RedisStateStore {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisStateStore{client: c}
}

func stateKey(userID int64, p Purpose) string {
	return fmt.Sprintf("dialog:%s:%d", p, userID)
}

func (r *RedisStateStore) Get(ctx context.Context, userID int64, p Purpose) (*State, error) {
	raw, err := r.client.Get(ctx, stateKey(userID, p)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (r *RedisStateStore) Put(ctx context.Context, userID int64, p Purpose, s *State) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, stateKey(userID, p), raw, 0).Err()
}

func (r *RedisStateStore) Delete(ctx context.Context, userID int64, p Purpose) error {
	return r.client.Del(ctx, stateKey(userID, p)).Err()
}

func (r *RedisStateStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStateStore) Close() error { return r.client.Close() }

// MemoryStateStore backs tests and redis-less local runs.
type MemoryStateStore struct {
	mu     sync.Mutex
	states map[string]*State
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[string]*State)}
}

func (m *MemoryStateStore) Get(ctx context.Context, userID int64, p Purpose) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[stateKey(userID, p)]
	if !ok {
		return nil, nil
	}
	cp := *s
	cp.Fields = make(map[string]string, len(s.Fields))
	for k, v := range s.Fields {
		cp.Fields[k] = v
	}
	return &cp, nil
}

func (m *MemoryStateStore) Put(ctx context.Context, userID int64, p Purpose, s *State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	cp.Fields = make(map[string]string, len(s.Fields))
	for k, v := range s.Fields {
		cp.Fields[k] = v
	}
	m.states[stateKey(userID, p)] = &cp
	return nil
}

func (m *MemoryStateStore) Delete(ctx context.Context, userID int64, p Purpose) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, stateKey(userID, p))
	return nil
}
