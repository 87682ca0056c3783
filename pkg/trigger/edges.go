package trigger

import (
	"sync"
	"time"

	"github.com/dukex/taskflow/pkg/models"
)

// EdgeStore remembers trigger state between evaluations.
type EdgeStore interface {
	// Observe records the current value of a task's dependency condition and reports
	// whether it is true with a rise that was not consumed yet. The first true
	// observation counts as a rise.
	Observe(key models.TaskKey, value bool) bool
	// Consume marks the current rise as handled; the condition has to fall before
	// Observe reports another one.
	Consume(key models.TaskKey)
	// LastEvaluated returns when the task's schedule clause was last evaluated.
	LastEvaluated(key models.TaskKey) (time.Time, bool)
	SetLastEvaluated(key models.TaskKey, at time.Time)
	// Fired reports whether a one-shot schedule already fired.
	Fired(key models.TaskKey) bool
	MarkFired(key models.TaskKey)
	// Forget drops all state of a task.
	Forget(key models.TaskKey)
}

// MemoryEdgeStore keeps edge state in process memory; it is lost on restart.
type MemoryEdgeStore struct {
	mu sync.Mutex
	// consumed holds conditions that are true and already started their task
	consumed  map[models.TaskKey]bool
	evaluated map[models.TaskKey]time.Time
	fired     map[models.TaskKey]struct{}
}

func NewMemoryEdgeStore() *MemoryEdgeStore {
	return &MemoryEdgeStore{
		consumed:  make(map[models.TaskKey]bool),
		evaluated: make(map[models.TaskKey]time.Time),
		fired:     make(map[models.TaskKey]struct{}),
	}
}

func (s *MemoryEdgeStore) Observe(key models.TaskKey, value bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !value {
		delete(s.consumed, key)

		return false
	}

	return !s.consumed[key]
}

func (s *MemoryEdgeStore) Consume(key models.TaskKey) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.consumed[key] = true
}

func (s *MemoryEdgeStore) LastEvaluated(key models.TaskKey) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	at, ok := s.evaluated[key]

	return at, ok
}

func (s *MemoryEdgeStore) SetLastEvaluated(key models.TaskKey, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evaluated[key] = at
}

func (s *MemoryEdgeStore) Fired(key models.TaskKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.fired[key]

	return ok
}

func (s *MemoryEdgeStore) MarkFired(key models.TaskKey) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fired[key] = struct{}{}
}

func (s *MemoryEdgeStore) Forget(key models.TaskKey) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.consumed, key)
	delete(s.evaluated, key)
	delete(s.fired, key)
}
