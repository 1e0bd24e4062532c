// Package audit captures an operation trail for the delegation registry: who
// invoked which operation, against what, and how it ended. Events are
// transport-agnostic so stores and sinks can fan out.
package audit

import (
	"context"
	"time"

	id "proxyvote/pkg/domain"
)

// Outcome classifies how an operation ended.
type Outcome string

const (
	OutcomeOK     Outcome = "ok"
	OutcomeDenied Outcome = "denied"
	OutcomeFailed Outcome = "failed"
)

// Event is emitted once per registry or node operation.
type Event struct {
	Timestamp time.Time
	// Actor is the authenticated caller. Zero for unauthenticated attempts,
	// which are themselves worth recording.
	Actor   id.AccountID
	Action  string
	Outcome Outcome
	// Reason carries the error description for denied and failed outcomes.
	Reason string
	// RequestID correlates the event with HTTP request logs.
	RequestID string
}

// Store persists audit events.
type Store interface {
	Append(ctx context.Context, event Event) error
	ListByActor(ctx context.Context, actor id.AccountID) ([]Event, error)
	ListRecent(ctx context.Context, limit int) ([]Event, error)
}
