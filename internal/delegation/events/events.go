// Package events records the observable lifecycle of the delegation tree:
// node initialization, sub-delegation activation and deactivation, and recall
// sweeps. Event payloads are derived entirely from state changes; the engine's
// correctness never depends on a sink accepting them.
package events

import (
	"context"
	"log/slog"
	"time"

	id "proxyvote/pkg/domain"
)

type Kind string

const (
	KindNodeInitialized          Kind = "node_initialized"
	KindSubDelegationActivated   Kind = "sub_delegation_activated"
	KindSubDelegationDeactivated Kind = "sub_delegation_deactivated"
	KindRecallSwept              Kind = "recall_swept"
)

// Event is one lifecycle event.
type Event struct {
	Kind         Kind         `json:"kind"`
	Timestamp    time.Time    `json:"timestamp"`
	NodeID       id.NodeID    `json:"node_id"`
	Controller   id.AccountID `json:"controller"`
	Principal    id.AccountID `json:"principal,omitzero"`
	Delegatee    id.AccountID `json:"delegatee"`
	FanoutBudget int          `json:"fanout_budget"`

	// Recall-only fields.
	Target id.AccountID `json:"target,omitzero"`
	Amount uint64       `json:"amount,omitempty"`
}

// Sink receives events. Implementations must tolerate being called from
// inside engine transactions and should not block on slow infrastructure.
type Sink interface {
	Append(ctx context.Context, event Event) error
}

// Emitter publishes lifecycle events fail-open: a sink error is logged and
// swallowed, never propagated into the engine operation that produced it.
type Emitter struct {
	sink   Sink
	logger *slog.Logger
}

func NewEmitter(sink Sink, logger *slog.Logger) *Emitter {
	return &Emitter{sink: sink, logger: logger}
}

func (e *Emitter) Emit(ctx context.Context, event Event) {
	if e == nil || e.sink == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if err := e.sink.Append(ctx, event); err != nil && e.logger != nil {
		e.logger.ErrorContext(ctx, "failed to publish delegation event",
			"kind", event.Kind,
			"node_id", event.NodeID,
			"error", err,
		)
	}
}
