package domain

import "github.com/google/uuid"

// Deterministic addressing: a node's identity is a pure function of its
// controller and its delegatee, so any party can compute where a node lives
// before it exists. Identities are UUIDv5 digests (SHA-1 name derivation) of
// the 32-byte controller‖delegatee pair under a fixed template namespace.
//
// Bumping the template namespace re-addresses every node, which is the
// versioning story: nodes stamped under different template versions never
// collide.

// templateNamespace pins the address space for template version 1.
var templateNamespace = uuid.MustParse("76a1f1d0-5a4e-4c2b-9f3e-0d8f5b1c7e21")

func deriveID(controller, delegatee [16]byte) uuid.UUID {
	name := make([]byte, 0, 32)
	name = append(name, controller[:]...)
	name = append(name, delegatee[:]...)
	return uuid.NewSHA1(templateNamespace, name)
}

// RootNodeID computes the identity of the root node a registry would create
// for the (delegator, delegatee) pair.
func RootNodeID(delegator, delegatee AccountID) NodeID {
	return NodeID(deriveID(delegator, delegatee))
}

// ChildNodeID computes the identity of the child node a parent would create
// for a sub-delegatee. The parent node acts as the child's controller.
func ChildNodeID(parent NodeID, delegatee AccountID) NodeID {
	return NodeID(deriveID(parent, delegatee))
}
