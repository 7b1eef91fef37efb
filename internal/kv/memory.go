package kv

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryStore is a process-lifetime Store backed by a mutex-protected map.
// Suitable for single-instance deployments and tests; horizontally scaled
// deployments need the SQLite or Postgres backend so the set-if-absent
// guarantee holds across processes.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry

	nowFunc  func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemory creates a MemoryStore. If sweepInterval > 0, a janitor goroutine
// periodically removes expired entries until Close is called.
func NewMemory(sweepInterval time.Duration) *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]Entry),
		nowFunc: time.Now,
		stop:    make(chan struct{}),
	}
	if sweepInterval > 0 {
		go s.sweep(sweepInterval)
	}
	return s
}

func (s *MemoryStore) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			n, _ := s.DeleteExpired(context.Background())
			if n > 0 {
				zap.L().Debug("kv: swept expired entries", zap.Int("count", n))
			}
		}
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	if e.Expired(s.nowFunc()) {
		delete(s.entries, key)
		return nil, false, nil
	}
	return e.Value, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = Entry{Value: value, ExpiresAt: expiresAt(s.nowFunc(), ttl)}
	return nil
}

func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := s.Get(ctx, key)
	return ok, err
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) SetIfAbsent(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	if e, ok := s.entries[key]; ok && !e.Expired(now) {
		return false, nil
	}
	s.entries[key] = Entry{Value: value, ExpiresAt: expiresAt(now, ttl)}
	return true, nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	n := 0
	for k, e := range s.entries {
		if e.Expired(now) {
			delete(s.entries, k)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}
