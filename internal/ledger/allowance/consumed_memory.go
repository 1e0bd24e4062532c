package allowance

import (
	"context"
	"maps"
	"sync"
	"time"

	"proxyvote/pkg/platform/sentinel"
	"proxyvote/pkg/requestcontext"
)

// InMemoryConsumedStore tracks spent allowance IDs in process memory. Entries
// are pruned lazily once the token they guard would have expired anyway. It
// implements txn.Snapshotter so a rolled-back operation also rolls back the
// consumptions it recorded.
type InMemoryConsumedStore struct {
	mu    sync.Mutex
	spent map[string]time.Time
}

func NewInMemoryConsumedStore() *InMemoryConsumedStore {
	return &InMemoryConsumedStore{spent: make(map[string]time.Time)}
}

func (s *InMemoryConsumedStore) Consume(ctx context.Context, jti string, ttl time.Duration) error {
	now := requestcontext.Now(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, expiry := range s.spent {
		if now.After(expiry) {
			delete(s.spent, key)
		}
	}

	if _, used := s.spent[jti]; used {
		return sentinel.ErrAlreadyUsed
	}
	s.spent[jti] = now.Add(ttl)
	return nil
}

func (s *InMemoryConsumedStore) Release(ctx context.Context, jti string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.spent, jti)
	return nil
}

// Snapshot captures the spent set for the transactional runner.
func (s *InMemoryConsumedStore) Snapshot() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.spent)
}

// Restore reinstates a snapshot produced by Snapshot.
func (s *InMemoryConsumedStore) Restore(state any) {
	snap, ok := state.(map[string]time.Time)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spent = snap
}
