package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"proxyvote/internal/delegation/models"
	id "proxyvote/pkg/domain"
	"proxyvote/pkg/platform/sentinel"
	"proxyvote/pkg/platform/tx"
)

// Postgres persists the node arena in PostgreSQL. The children set lives in
// its own table so activation and deactivation are row operations; Execute
// locks the node row FOR UPDATE for the validate-then-mutate window.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

const Schema = `
CREATE TABLE IF NOT EXISTS delegation_nodes (
	id               UUID PRIMARY KEY,
	controller       UUID NOT NULL,
	source_principal UUID,
	delegatee        UUID NOT NULL,
	fanout_budget    INT NOT NULL CHECK (fanout_budget >= 0),
	created_at       TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS delegation_children (
	parent_id UUID NOT NULL REFERENCES delegation_nodes (id),
	delegatee UUID NOT NULL,
	child_id  UUID NOT NULL,
	PRIMARY KEY (parent_id, delegatee)
);
`

func (s *Postgres) Find(ctx context.Context, nodeID id.NodeID) (*models.Node, error) {
	q := tx.Resolve(ctx, s.db)
	return s.load(ctx, q, nodeID, false)
}

func (s *Postgres) GetOrCreate(ctx context.Context, nodeID id.NodeID, create func() (*models.Node, error)) (*models.Node, bool, error) {
	var node *models.Node
	var created bool
	err := s.inTx(ctx, func(txCtx context.Context, q tx.Querier) error {
		existing, err := s.load(txCtx, q, nodeID, true)
		if err == nil {
			node = existing
			return nil
		}
		if !errors.Is(err, sentinel.ErrNotFound) {
			return err
		}

		fresh, err := create()
		if err != nil {
			return err
		}
		_, err = q.ExecContext(txCtx, `
			INSERT INTO delegation_nodes (id, controller, source_principal, delegatee, fanout_budget, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO NOTHING`,
			fresh.ID.String(), fresh.Controller.String(), nullableAccount(fresh.SourcePrincipal),
			fresh.Delegatee.String(), fresh.FanoutBudget, fresh.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert node: %w", err)
		}
		node = fresh.Clone()
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return node, created, nil
}

func (s *Postgres) Execute(ctx context.Context, nodeID id.NodeID, validate func(*models.Node) error, mutate func(*models.Node)) (*models.Node, error) {
	var result *models.Node
	err := s.inTx(ctx, func(txCtx context.Context, q tx.Querier) error {
		node, err := s.load(txCtx, q, nodeID, true)
		if err != nil {
			return err
		}
		if err := validate(node); err != nil {
			return err
		}

		before := node.Clone()
		mutate(node)

		if err := s.storeChildrenDiff(txCtx, q, before, node); err != nil {
			return err
		}
		result = node
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Postgres) load(ctx context.Context, q tx.Querier, nodeID id.NodeID, forUpdate bool) (*models.Node, error) {
	query := `SELECT id, controller, source_principal, delegatee, fanout_budget, created_at
		FROM delegation_nodes WHERE id = $1`
	if forUpdate {
		query += " FOR UPDATE"
	}

	var node models.Node
	var rawID, rawController, rawDelegatee string
	var rawPrincipal sql.NullString
	err := q.QueryRowContext(ctx, query, nodeID.String()).Scan(
		&rawID, &rawController, &rawPrincipal, &rawDelegatee, &node.FanoutBudget, &node.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load node %s: %w", nodeID, err)
	}

	if node.ID, err = id.ParseNodeID(rawID); err != nil {
		return nil, err
	}
	if node.Controller, err = id.ParseAccountID(rawController); err != nil {
		return nil, err
	}
	if node.Delegatee, err = id.ParseAccountID(rawDelegatee); err != nil {
		return nil, err
	}
	if rawPrincipal.Valid {
		if node.SourcePrincipal, err = id.ParseAccountID(rawPrincipal.String); err != nil {
			return nil, err
		}
	}

	node.Children = make(map[id.AccountID]id.NodeID)
	rows, err := q.QueryContext(ctx,
		`SELECT delegatee, child_id FROM delegation_children WHERE parent_id = $1`, nodeID.String())
	if err != nil {
		return nil, fmt.Errorf("load children of %s: %w", nodeID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var rawChildDelegatee, rawChildID string
		if err := rows.Scan(&rawChildDelegatee, &rawChildID); err != nil {
			return nil, fmt.Errorf("scan child row: %w", err)
		}
		childDelegatee, err := id.ParseAccountID(rawChildDelegatee)
		if err != nil {
			return nil, err
		}
		childID, err := id.ParseNodeID(rawChildID)
		if err != nil {
			return nil, err
		}
		node.Children[childDelegatee] = childID
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate children: %w", err)
	}
	return &node, nil
}

// storeChildrenDiff persists the mutation as row deltas against the pre-mutation
// children set.
func (s *Postgres) storeChildrenDiff(ctx context.Context, q tx.Querier, before, after *models.Node) error {
	var removed []string
	for delegatee := range before.Children {
		if !after.HasChild(delegatee) {
			removed = append(removed, delegatee.String())
		}
	}
	if len(removed) > 0 {
		if _, err := q.ExecContext(ctx,
			`DELETE FROM delegation_children WHERE parent_id = $1 AND delegatee = ANY($2)`,
			after.ID.String(), pq.Array(removed),
		); err != nil {
			return fmt.Errorf("deactivate children: %w", err)
		}
	}

	for delegatee, childID := range after.Children {
		if before.HasChild(delegatee) {
			continue
		}
		if _, err := q.ExecContext(ctx, `
			INSERT INTO delegation_children (parent_id, delegatee, child_id)
			VALUES ($1, $2, $3)
			ON CONFLICT (parent_id, delegatee) DO NOTHING`,
			after.ID.String(), delegatee.String(), childID.String(),
		); err != nil {
			return fmt.Errorf("activate child: %w", err)
		}
	}
	return nil
}

func (s *Postgres) inTx(ctx context.Context, fn func(context.Context, tx.Querier) error) error {
	if existing, ok := tx.From(ctx); ok {
		return fn(ctx, existing)
	}
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx.WithTx(ctx, sqlTx), sqlTx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	return sqlTx.Commit()
}

func nullableAccount(account id.AccountID) sql.NullString {
	if account.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: account.String(), Valid: true}
}
