// Package throttle admits or rejects API requests per caller using
// fixed-window counters.
package throttle

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Counter increments the window counter for key and returns the new count
// and the time the window resets.
type Counter interface {
	Increment(ctx context.Context, key string, window time.Duration, now time.Time) (int, time.Time, error)
}

type window struct {
	count   int
	resetAt time.Time
}

// MemoryCounter keeps windows in process memory.
type MemoryCounter struct {
	mu      sync.Mutex
	windows map[string]*window
}

// NewMemoryCounter creates an empty MemoryCounter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{windows: make(map[string]*window)}
}

// Increment implements Counter.
func (m *MemoryCounter) Increment(_ context.Context, key string, win time.Duration, now time.Time) (int, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(win)}
		m.windows[key] = w
	}
	w.count++
	return w.count, w.resetAt, nil
}

// Prune drops expired windows and returns how many were removed.
func (m *MemoryCounter) Prune(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, w := range m.windows {
		if !now.Before(w.resetAt) {
			delete(m.windows, k)
			n++
		}
	}
	return n
}

// CounterStore is the shared persistence a StoreCounter writes to.
type CounterStore interface {
	IncrementCounter(ctx context.Context, key string, window time.Duration, now time.Time) (int, time.Time, error)
	PruneCounters(ctx context.Context, now time.Time) (int64, error)
}

// StoreCounter counts in the shared store and falls back to a local
// MemoryCounter whenever the store errors.
type StoreCounter struct {
	store    CounterStore
	fallback *MemoryCounter
}

// NewStoreCounter creates a StoreCounter.
func NewStoreCounter(store CounterStore) *StoreCounter {
	return &StoreCounter{store: store, fallback: NewMemoryCounter()}
}

// Increment implements Counter. It never returns an error.
func (s *StoreCounter) Increment(ctx context.Context, key string, win time.Duration, now time.Time) (int, time.Time, error) {
	count, resetAt, err := s.store.IncrementCounter(ctx, key, win, now)
	if err == nil {
		return count, resetAt, nil
	}
	zap.L().Warn("throttle: shared counter unavailable, using local counter",
		zap.String("key", key),
		zap.Error(err),
	)
	return s.fallback.Increment(ctx, key, win, now)
}

// Prune removes expired windows from both the store and the local fallback.
func (s *StoreCounter) Prune(ctx context.Context, now time.Time) {
	if _, err := s.store.PruneCounters(ctx, now); err != nil {
		zap.L().Warn("throttle: prune shared counters failed", zap.Error(err))
	}
	s.fallback.Prune(now)
}
