package memory

import (
	"context"
	"sync"

	id "proxyvote/pkg/domain"
	audit "proxyvote/pkg/platform/audit"
)

// InMemoryStore keeps audit events in process memory, keyed by actor.
type InMemoryStore struct {
	mu      sync.RWMutex
	byActor map[id.AccountID][]audit.Event
	ordered []audit.Event
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{byActor: make(map[id.AccountID][]audit.Event)}
}

func (s *InMemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byActor = make(map[id.AccountID][]audit.Event)
	s.ordered = nil
}

func (s *InMemoryStore) Append(_ context.Context, event audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byActor[event.Actor] = append(s.byActor[event.Actor], event)
	s.ordered = append(s.ordered, event)
	return nil
}

func (s *InMemoryStore) ListByActor(_ context.Context, actor id.AccountID) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]audit.Event{}, s.byActor[actor]...), nil
}

// ListRecent returns the most recent events in emission order.
func (s *InMemoryStore) ListRecent(_ context.Context, limit int) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	start := len(s.ordered) - limit
	if start < 0 {
		start = 0
	}
	return append([]audit.Event{}, s.ordered[start:]...), nil
}
