// Package store persists delegation nodes. The arena is keyed by node
// identity; nodes hold child identities, not references, so recursive sweeps
// walk the arena through lookups.
package store

import (
	"context"

	"proxyvote/internal/delegation/models"
	id "proxyvote/pkg/domain"
)

// NodeStore is the arena of delegation nodes.
type NodeStore interface {
	// Find returns a copy of the node, or sentinel.ErrNotFound.
	Find(ctx context.Context, nodeID id.NodeID) (*models.Node, error)

	// GetOrCreate implements locate-or-create: if no node exists at nodeID,
	// create is invoked to initialize one. Returns the node and whether it was
	// created by this call. Lookup and creation are atomic, so a node is
	// initialized at most once per identity.
	GetOrCreate(ctx context.Context, nodeID id.NodeID, create func() (*models.Node, error)) (*models.Node, bool, error)

	// Execute atomically runs validate then mutate against the live node,
	// holding the node for the duration (lock or FOR UPDATE). A validation
	// error aborts without mutating. Returns the mutated node.
	Execute(ctx context.Context, nodeID id.NodeID, validate func(*models.Node) error, mutate func(*models.Node)) (*models.Node, error)
}
