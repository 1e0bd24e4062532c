// Package publisher delivers audit events to a store, synchronously or
// through a buffered channel drained by a background worker.
package publisher

import (
	"context"
	"log/slog"
	"sync"

	id "proxyvote/pkg/domain"
	audit "proxyvote/pkg/platform/audit"
)

// Publisher emits audit events. In sync mode Emit writes straight to the
// store; with an async buffer Emit enqueues and a goroutine drains. A full
// buffer drops the event rather than block the operation that produced it.
type Publisher struct {
	store  audit.Store
	logger *slog.Logger

	inbox chan audit.Event
	done  chan struct{}
	once  sync.Once
}

type Option func(*Publisher)

// WithAsyncBuffer switches the publisher to async mode with the given
// channel capacity.
func WithAsyncBuffer(size int) Option {
	return func(p *Publisher) {
		p.inbox = make(chan audit.Event, size)
	}
}

// WithLogger logs dropped events and store failures.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher builds a publisher over the given store.
func NewPublisher(store audit.Store, opts ...Option) *Publisher {
	p := &Publisher{store: store, done: make(chan struct{})}
	for _, opt := range opts {
		opt(p)
	}
	if p.inbox != nil {
		go p.drain()
	}
	return p
}

// Emit records an event. Async mode never blocks: when the buffer is full
// the event is dropped and logged.
func (p *Publisher) Emit(ctx context.Context, event audit.Event) error {
	if p.inbox == nil {
		return p.store.Append(ctx, event)
	}
	select {
	case p.inbox <- event:
	default:
		if p.logger != nil {
			p.logger.Warn("audit buffer full, dropping event",
				"action", event.Action,
				"actor", event.Actor,
			)
		}
	}
	return nil
}

// List returns events recorded for one actor.
func (p *Publisher) List(ctx context.Context, actor id.AccountID) ([]audit.Event, error) {
	return p.store.ListByActor(ctx, actor)
}

// Close drains any buffered events and stops the worker. Safe to call more
// than once.
func (p *Publisher) Close() {
	p.once.Do(func() {
		if p.inbox == nil {
			return
		}
		close(p.inbox)
		<-p.done
	})
}

func (p *Publisher) drain() {
	defer close(p.done)
	for event := range p.inbox {
		if err := p.store.Append(context.Background(), event); err != nil && p.logger != nil {
			p.logger.Error("failed to persist audit event",
				"action", event.Action,
				"error", err,
			)
		}
	}
}
