// Package models holds the delegation-tree aggregates.
package models

import (
	"sort"
	"time"

	id "proxyvote/pkg/domain"
	dErrors "proxyvote/pkg/domain-errors"
)

// DecayFactor halves the fan-out budget at each tree level. With an initial
// budget of F a tree is at most ⌊log2(F)⌋+1 levels deep, which is what bounds
// worst-case recall cost.
const DecayFactor = 2

// Node is a single node of the delegation tree.
//
// Invariants:
//   - Delegatee is non-empty (creation fails otherwise)
//   - Controller, SourcePrincipal, Delegatee, FanoutBudget are immutable after
//     creation
//   - len(Children) ≤ FanoutBudget at all times
//   - a child's budget is ⌊FanoutBudget/DecayFactor⌋, fixed at child creation
//
// The node's balance is not a field: it is the ledger balance of the account
// identified by Node.ID.
type Node struct {
	ID id.NodeID

	// Controller is the only identity allowed to recall this node: the
	// registry account for a root, the parent node's account for a child.
	Controller id.AccountID

	// SourcePrincipal is the original delegator at the root of the tree,
	// propagated unchanged to children. May be zero for nodes created without
	// an explicit principal.
	SourcePrincipal id.AccountID

	// Delegatee receives this node's voting power and is the only identity
	// allowed to sub-delegate or un-sub-delegate from it.
	Delegatee id.AccountID

	// FanoutBudget caps the number of simultaneously active children.
	FanoutBudget int

	// Children maps an active child delegatee to its node identity.
	Children map[id.AccountID]id.NodeID

	CreatedAt time.Time
}

// NewNode initializes a node. This is the one-time initialize step of the node
// lifecycle; the store's get-or-create guarantees it runs at most once per
// identity.
func NewNode(nodeID id.NodeID, controller, principal, delegatee id.AccountID, fanoutBudget int, now time.Time) (*Node, error) {
	if delegatee.IsZero() {
		return nil, dErrors.New(dErrors.CodeNoDelegatee, "delegatee is required")
	}
	if fanoutBudget < 0 {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "fan-out budget must be non-negative")
	}
	return &Node{
		ID:              nodeID,
		Controller:      controller,
		SourcePrincipal: principal,
		Delegatee:       delegatee,
		FanoutBudget:    fanoutBudget,
		Children:        make(map[id.AccountID]id.NodeID),
		CreatedAt:       now,
	}, nil
}

// HasChild reports whether delegatee is an active child.
func (n *Node) HasChild(delegatee id.AccountID) bool {
	_, ok := n.Children[delegatee]
	return ok
}

// CanSubDelegate checks whether caller may sub-delegate to childDelegatee.
// An already-active child always passes; a new child needs a free fan-out
// slot. Use with ApplyChildActivation inside an Execute callback.
func (n *Node) CanSubDelegate(caller, childDelegatee id.AccountID) error {
	if caller != n.Delegatee {
		return dErrors.New(dErrors.CodeNotDelegatee, "only the node's delegatee may sub-delegate")
	}
	if childDelegatee.IsZero() {
		return dErrors.New(dErrors.CodeNoDelegatee, "child delegatee is required")
	}
	if !n.HasChild(childDelegatee) && len(n.Children) >= n.FanoutBudget {
		return dErrors.Newf(dErrors.CodeMaxSubDelegatees,
			"fan-out budget of %d exhausted", n.FanoutBudget)
	}
	return nil
}

// CanUnSubDelegate checks whether caller may un-sub-delegate. Unknown children
// are allowed through; un-sub-delegation of an inactive child is a no-op.
func (n *Node) CanUnSubDelegate(caller id.AccountID) error {
	if caller != n.Delegatee {
		return dErrors.New(dErrors.CodeNotDelegatee, "only the node's delegatee may un-sub-delegate")
	}
	return nil
}

// CanRecall checks whether caller controls this node.
func (n *Node) CanRecall(caller id.AccountID) error {
	if caller != n.Controller {
		return dErrors.New(dErrors.CodeUnauthorized, "only the node's controller may recall")
	}
	return nil
}

// ApplyChildActivation records an active child. Idempotent for an already
// active delegatee.
func (n *Node) ApplyChildActivation(childDelegatee id.AccountID, childID id.NodeID) {
	n.Children[childDelegatee] = childID
}

// ApplyChildDeactivation removes a child from the active set.
func (n *Node) ApplyChildDeactivation(childDelegatee id.AccountID) {
	delete(n.Children, childDelegatee)
}

// ChildFanoutBudget is the budget a child created now would receive.
func (n *Node) ChildFanoutBudget() int {
	return n.FanoutBudget / DecayFactor
}

// PrincipalForChildren is the source principal propagated to children: the
// node's own principal, or its delegatee when no principal was ever set.
func (n *Node) PrincipalForChildren() id.AccountID {
	if n.SourcePrincipal.IsZero() {
		return n.Delegatee
	}
	return n.SourcePrincipal
}

// ActiveChildren returns child node identities in a stable order so recursive
// sweeps are deterministic.
func (n *Node) ActiveChildren() []id.NodeID {
	children := make([]id.NodeID, 0, len(n.Children))
	for _, childID := range n.Children {
		children = append(children, childID)
	}
	sort.Slice(children, func(i, j int) bool {
		return children[i].String() < children[j].String()
	})
	return children
}

// Clone returns a deep copy so store reads never alias live state.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	children := make(map[id.AccountID]id.NodeID, len(n.Children))
	for delegatee, childID := range n.Children {
		children[delegatee] = childID
	}
	clone := *n
	clone.Children = children
	return &clone
}
