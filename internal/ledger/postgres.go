package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	id "proxyvote/pkg/domain"
	"proxyvote/pkg/platform/sentinel"
	"proxyvote/pkg/platform/tx"
)

// Postgres persists the ledger in PostgreSQL. Each call joins a transaction
// from context when one is running (batch operations), otherwise it opens its
// own so a single transfer stays atomic.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Schema creates the ledger table. Called by seed tooling and integration
// tests; production deployments run migrations out of band.
const Schema = `
CREATE TABLE IF NOT EXISTS ledger_accounts (
	id              UUID PRIMARY KEY,
	balance         BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
	voting_delegate UUID
);
CREATE INDEX IF NOT EXISTS idx_ledger_voting_delegate ON ledger_accounts (voting_delegate);
`

func (p *Postgres) BalanceOf(ctx context.Context, account id.AccountID) (uint64, error) {
	q := tx.Resolve(ctx, p.db)
	var balance int64
	err := q.QueryRowContext(ctx,
		`SELECT balance FROM ledger_accounts WHERE id = $1`, account.String(),
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("balance of %s: %w", account, err)
	}
	return uint64(balance), nil
}

func (p *Postgres) Transfer(ctx context.Context, from, to id.AccountID, amount uint64) error {
	return p.inTx(ctx, func(txCtx context.Context, q tx.Querier) error {
		var balance int64
		err := q.QueryRowContext(txCtx,
			`SELECT balance FROM ledger_accounts WHERE id = $1 FOR UPDATE`, from.String(),
		).Scan(&balance)
		if errors.Is(err, sql.ErrNoRows) {
			balance = 0
		} else if err != nil {
			return fmt.Errorf("lock source account: %w", err)
		}
		if uint64(balance) < amount {
			return sentinel.ErrInsufficientBalance
		}
		if amount == 0 {
			return nil
		}
		if _, err := q.ExecContext(txCtx,
			`UPDATE ledger_accounts SET balance = balance - $2 WHERE id = $1`,
			from.String(), int64(amount),
		); err != nil {
			return fmt.Errorf("debit: %w", err)
		}
		if err := p.credit(txCtx, q, to, int64(amount)); err != nil {
			return fmt.Errorf("credit: %w", err)
		}
		return nil
	})
}

func (p *Postgres) Mint(ctx context.Context, to id.AccountID, amount uint64) error {
	return p.inTx(ctx, func(txCtx context.Context, q tx.Querier) error {
		return p.credit(txCtx, q, to, int64(amount))
	})
}

func (p *Postgres) TotalSupply(ctx context.Context) (uint64, error) {
	q := tx.Resolve(ctx, p.db)
	var supply int64
	err := q.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(balance), 0) FROM ledger_accounts`,
	).Scan(&supply)
	if err != nil {
		return 0, fmt.Errorf("total supply: %w", err)
	}
	return uint64(supply), nil
}

func (p *Postgres) SetVotingDelegate(ctx context.Context, account, delegatee id.AccountID) error {
	return p.inTx(ctx, func(txCtx context.Context, q tx.Querier) error {
		_, err := q.ExecContext(txCtx, `
			INSERT INTO ledger_accounts (id, balance, voting_delegate)
			VALUES ($1, 0, $2)
			ON CONFLICT (id) DO UPDATE SET voting_delegate = EXCLUDED.voting_delegate`,
			account.String(), delegatee.String(),
		)
		if err != nil {
			return fmt.Errorf("set voting delegate: %w", err)
		}
		return nil
	})
}

func (p *Postgres) VotingPowerOf(ctx context.Context, delegatee id.AccountID) (uint64, error) {
	q := tx.Resolve(ctx, p.db)
	var power int64
	err := q.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(balance), 0) FROM ledger_accounts WHERE voting_delegate = $1`,
		delegatee.String(),
	).Scan(&power)
	if err != nil {
		return 0, fmt.Errorf("voting power of %s: %w", delegatee, err)
	}
	return uint64(power), nil
}

func (p *Postgres) credit(ctx context.Context, q tx.Querier, to id.AccountID, amount int64) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO ledger_accounts (id, balance) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET balance = ledger_accounts.balance + EXCLUDED.balance`,
		to.String(), amount,
	)
	return err
}

// inTx runs fn inside the context transaction when one exists; otherwise it
// owns a fresh transaction for the duration of fn.
func (p *Postgres) inTx(ctx context.Context, fn func(context.Context, tx.Querier) error) error {
	if existing, ok := tx.From(ctx); ok {
		return fn(ctx, existing)
	}
	sqlTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx.WithTx(ctx, sqlTx), sqlTx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	return sqlTx.Commit()
}
