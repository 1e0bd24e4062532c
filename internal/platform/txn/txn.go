// Package txn provides the all-or-nothing execution boundary for engine
// operations. Every public operation of the delegation engine runs inside
// RunInTx: either the whole operation lands or no state changes at all, and
// concurrent operations are linearized.
package txn

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"proxyvote/pkg/platform/tx"
)

// Runner executes a function transactionally.
type Runner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Snapshotter is implemented by in-memory stores that can capture and
// reinstate their full state.
type Snapshotter interface {
	Snapshot() any
	Restore(state any)
}

// Memory serializes operations with a single mutex and rolls failed operations
// back by restoring store snapshots. The global lock is the concurrency model:
// operations are applied in whatever serial order callers arrive in.
type Memory struct {
	mu     sync.Mutex
	stores []Snapshotter
}

func NewMemory(stores ...Snapshotter) *Memory {
	return &Memory{stores: stores}
}

func (m *Memory) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshots := make([]any, len(m.stores))
	for i, store := range m.stores {
		snapshots[i] = store.Snapshot()
	}

	if err := fn(ctx); err != nil {
		for i, store := range m.stores {
			store.Restore(snapshots[i])
		}
		return err
	}
	return nil
}

// SQL wraps operations in a database transaction threaded through context, so
// every store call inside fn joins the same transaction. Nested calls join the
// enclosing transaction instead of opening their own.
type SQL struct {
	db *sql.DB
}

func NewSQL(db *sql.DB) *SQL {
	return &SQL{db: db}
}

func (s *SQL) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := tx.From(ctx); ok {
		return fn(ctx)
	}
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx.WithTx(ctx, sqlTx)); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
