package store

import (
	"context"
	"sync"

	"proxyvote/internal/delegation/models"
	id "proxyvote/pkg/domain"
	"proxyvote/pkg/platform/sentinel"
)

// InMemory is a mutex-guarded node arena. Reads return clones so callers never
// alias live state; mutation goes through Execute.
type InMemory struct {
	mu    sync.RWMutex
	nodes map[id.NodeID]*models.Node
}

func NewInMemory() *InMemory {
	return &InMemory{nodes: make(map[id.NodeID]*models.Node)}
}

func (s *InMemory) Find(_ context.Context, nodeID id.NodeID) (*models.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if node, ok := s.nodes[nodeID]; ok {
		return node.Clone(), nil
	}
	return nil, sentinel.ErrNotFound
}

func (s *InMemory) GetOrCreate(_ context.Context, nodeID id.NodeID, create func() (*models.Node, error)) (*models.Node, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if node, ok := s.nodes[nodeID]; ok {
		return node.Clone(), false, nil
	}
	node, err := create()
	if err != nil {
		return nil, false, err
	}
	s.nodes[nodeID] = node
	return node.Clone(), true, nil
}

func (s *InMemory) Execute(_ context.Context, nodeID id.NodeID, validate func(*models.Node) error, mutate func(*models.Node)) (*models.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[nodeID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	if err := validate(node); err != nil {
		return nil, err
	}
	mutate(node)
	return node.Clone(), nil
}

// Snapshot captures the arena for the transactional runner.
func (s *InMemory) Snapshot() any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := make(map[id.NodeID]*models.Node, len(s.nodes))
	for nodeID, node := range s.nodes {
		snap[nodeID] = node.Clone()
	}
	return snap
}

// Restore reinstates a snapshot produced by Snapshot.
func (s *InMemory) Restore(state any) {
	snap, ok := state.(map[id.NodeID]*models.Node)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = snap
}
