// Package lock guarantees at most one in-flight execution per task.
package lock

import (
	"context"
	"sync"
	"time"
)

// DefaultTTL bounds how long an execution lock is held when the engine never reports back.
const DefaultTTL = 30 * time.Minute

// Locker hands out expiring exclusive locks by key.
type Locker interface {
	// Acquire reports false when key is already held.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// Memory is a process-local Locker.
type Memory struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (m *Memory) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	if expires, held := m.entries[key]; held && now.Before(expires) {
		return false, nil
	}

	m.entries[key] = now.Add(ttl)

	return true, nil
}

func (m *Memory) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)

	return nil
}
