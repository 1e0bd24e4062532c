// Package domain defines the typed identities shared across the delegation
// tree: ledger accounts and delegation nodes. Typed IDs prevent cross-type
// assignment at compile time; parse helpers enforce validity at trust
// boundaries.
package domain

import (
	"github.com/google/uuid"

	dErrors "proxyvote/pkg/domain-errors"
)

// AccountID identifies an account on the resource ledger: a principal, a
// delegatee, a recall target, or a delegation node's own holding account.
type AccountID uuid.UUID

// NodeID identifies a delegation node. It is derived deterministically from the
// node's position in the tree (see address.go) and doubles as the node's ledger
// account.
type NodeID uuid.UUID

// IDs must be valid, non-nil UUIDs. parseUUID rejects everything else so
// downstream code never sees a zero identity that was supposed to be real.
func parseUUID(raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "id is required")
	}
	parsed, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, "id is not a valid UUID")
	}
	if parsed == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "id must not be the nil UUID")
	}
	return parsed, nil
}

// ParseAccountID parses and validates an account ID from its string form.
func ParseAccountID(raw string) (AccountID, error) {
	parsed, err := parseUUID(raw)
	if err != nil {
		return AccountID{}, err
	}
	return AccountID(parsed), nil
}

// ParseNodeID parses and validates a node ID from its string form.
func ParseNodeID(raw string) (NodeID, error) {
	parsed, err := parseUUID(raw)
	if err != nil {
		return NodeID{}, err
	}
	return NodeID(parsed), nil
}

func (a AccountID) String() string { return uuid.UUID(a).String() }
func (n NodeID) String() string    { return uuid.UUID(n).String() }

// IsZero reports whether the account ID is the empty identity. The engine uses
// this to reject empty delegatees and to detect an unset source principal.
func (a AccountID) IsZero() bool { return uuid.UUID(a) == uuid.Nil }

func (n NodeID) IsZero() bool { return uuid.UUID(n) == uuid.Nil }

// Account returns the ledger account custodied by the node. Node identity and
// holding account are the same value by construction; the conversion keeps the
// distinction visible in signatures.
func (n NodeID) Account() AccountID { return AccountID(n) }

// MarshalText implements encoding.TextMarshaler so IDs render as canonical
// UUID strings in JSON payloads and log attributes.
func (a AccountID) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *AccountID) UnmarshalText(text []byte) error {
	parsed, err := ParseAccountID(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

func (n NodeID) MarshalText() ([]byte, error) { return []byte(n.String()), nil }

func (n *NodeID) UnmarshalText(text []byte) error {
	parsed, err := ParseNodeID(string(text))
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}
