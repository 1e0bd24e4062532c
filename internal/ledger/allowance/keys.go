package allowance

import (
	"context"
	"sync"

	id "proxyvote/pkg/domain"
	"proxyvote/pkg/platform/sentinel"
)

// InMemoryKeyStore holds principal signing secrets registered at provisioning
// time.
type InMemoryKeyStore struct {
	mu      sync.RWMutex
	secrets map[id.AccountID][]byte
}

func NewInMemoryKeyStore() *InMemoryKeyStore {
	return &InMemoryKeyStore{secrets: make(map[id.AccountID][]byte)}
}

// Register provisions (or rotates) the secret for a principal.
func (s *InMemoryKeyStore) Register(principal id.AccountID, secret []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[principal] = secret
}

func (s *InMemoryKeyStore) SecretFor(_ context.Context, principal id.AccountID) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if secret, ok := s.secrets[principal]; ok {
		return secret, nil
	}
	return nil, sentinel.ErrNotFound
}
