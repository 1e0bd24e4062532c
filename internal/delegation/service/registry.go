package service

import (
	"context"
	"errors"

	"proxyvote/internal/delegation/models"
	id "proxyvote/pkg/domain"
	dErrors "proxyvote/pkg/domain-errors"
	"proxyvote/pkg/platform/sentinel"
)

// Registry-level operations. The registry resolves root nodes by the
// (delegator, delegatee) pair: a delegator can only ever reach nodes derived
// from its own identity, which is what authorizes root recalls. The registry
// account itself is the controller of every root node.

// Fund locates or creates the root node for (caller, delegatee) and moves
// amount from the caller into it. Re-invocable; the node is reused.
func (e *Engine) Fund(ctx context.Context, delegatee id.AccountID, amount uint64) (*models.Node, error) {
	ctx, span := e.tracer.Start(ctx, "delegation.Fund")
	defer span.End()

	delegator, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}

	var node *models.Node
	err = e.runTx(ctx, func(txCtx context.Context) error {
		node, err = e.fundRoot(txCtx, delegator, delegator, delegatee, amount)
		return err
	})
	e.record(ctx, "fund", err)
	if err != nil {
		return nil, err
	}
	return node, nil
}

// FundMany applies Fund once per (delegatee, amount) pair, atomically.
func (e *Engine) FundMany(ctx context.Context, delegatees []id.AccountID, amounts []uint64) ([]*models.Node, error) {
	ctx, span := e.tracer.Start(ctx, "delegation.FundMany")
	defer span.End()

	if len(delegatees) != len(amounts) {
		return nil, dErrors.Newf(dErrors.CodeLengthMismatch,
			"got %d delegatees and %d amounts", len(delegatees), len(amounts))
	}
	delegator, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}

	nodes := make([]*models.Node, len(delegatees))
	err = e.runTx(ctx, func(txCtx context.Context) error {
		for i, delegatee := range delegatees {
			node, err := e.fundRoot(txCtx, delegator, delegator, delegatee, amounts[i])
			if err != nil {
				return err
			}
			nodes[i] = node
		}
		return nil
	})
	e.record(ctx, "fund_many", err)
	if err != nil {
		return nil, err
	}
	return nodes, nil
}

// FundSigned is Fund with the spend authorized by a signed allowance from the
// principal instead of the caller's own balance. The resource moves from the
// allowance's principal, and the root pair is (principal, delegatee).
func (e *Engine) FundSigned(ctx context.Context, delegatee id.AccountID, amount uint64, token string) (*models.Node, error) {
	ctx, span := e.tracer.Start(ctx, "delegation.FundSigned")
	defer span.End()

	var node *models.Node
	err := e.runTx(ctx, func(txCtx context.Context) error {
		var err error
		node, err = e.fundSigned(txCtx, delegatee, amount, token)
		return err
	})
	e.record(ctx, "fund_signed", err)
	if err != nil {
		return nil, err
	}
	return node, nil
}

// FundSignedMany applies FundSigned once per entry, atomically. Each entry
// carries its own single-use allowance token.
func (e *Engine) FundSignedMany(ctx context.Context, delegatees []id.AccountID, amounts []uint64, tokens []string) ([]*models.Node, error) {
	ctx, span := e.tracer.Start(ctx, "delegation.FundSignedMany")
	defer span.End()

	if len(delegatees) != len(amounts) || len(delegatees) != len(tokens) {
		return nil, dErrors.Newf(dErrors.CodeLengthMismatch,
			"got %d delegatees, %d amounts and %d tokens", len(delegatees), len(amounts), len(tokens))
	}

	nodes := make([]*models.Node, len(delegatees))
	err := e.runTx(ctx, func(txCtx context.Context) error {
		for i, delegatee := range delegatees {
			node, err := e.fundSigned(txCtx, delegatee, amounts[i], tokens[i])
			if err != nil {
				return err
			}
			nodes[i] = node
		}
		return nil
	})
	e.record(ctx, "fund_signed_many", err)
	if err != nil {
		return nil, err
	}
	return nodes, nil
}

// Recall resolves the root node for (caller, delegatee) and sweeps its entire
// subtree to target. A node that was never created is a no-op, not an error.
func (e *Engine) Recall(ctx context.Context, delegatee, target id.AccountID) error {
	ctx, span := e.tracer.Start(ctx, "delegation.Recall")
	defer span.End()

	delegator, err := requireActor(ctx)
	if err != nil {
		return err
	}

	err = e.runTx(ctx, func(txCtx context.Context) error {
		return e.recallRoot(txCtx, delegator, delegatee, target)
	})
	e.record(ctx, "recall", err)
	return err
}

// RecallMany applies Recall once per (delegatee, target) pair, atomically.
func (e *Engine) RecallMany(ctx context.Context, delegatees, targets []id.AccountID) error {
	ctx, span := e.tracer.Start(ctx, "delegation.RecallMany")
	defer span.End()

	if len(delegatees) != len(targets) {
		return dErrors.Newf(dErrors.CodeLengthMismatch,
			"got %d delegatees and %d targets", len(delegatees), len(targets))
	}
	delegator, err := requireActor(ctx)
	if err != nil {
		return err
	}

	err = e.runTx(ctx, func(txCtx context.Context) error {
		for i, delegatee := range delegatees {
			if err := e.recallRoot(txCtx, delegator, delegatee, targets[i]); err != nil {
				return err
			}
		}
		return nil
	})
	e.record(ctx, "recall_many", err)
	return err
}

func (e *Engine) fundRoot(ctx context.Context, funder, delegator, delegatee id.AccountID, amount uint64) (*models.Node, error) {
	if delegatee.IsZero() {
		return nil, dErrors.New(dErrors.CodeNoDelegatee, "delegatee is required")
	}

	nodeID := id.RootNodeID(delegator, delegatee)
	node, err := e.getOrCreateNode(ctx, nodeID, e.registry, delegator, delegatee, e.initialFanout)
	if err != nil {
		return nil, err
	}
	if err := e.transfer(ctx, funder, nodeID.Account(), amount); err != nil {
		return nil, err
	}
	journalFrom(ctx).countFund()
	return node, nil
}

func (e *Engine) fundSigned(ctx context.Context, delegatee id.AccountID, amount uint64, token string) (*models.Node, error) {
	if e.allowances == nil {
		return nil, dErrors.New(dErrors.CodeInvalidAuthorization, "signed funding is not enabled")
	}
	grant, err := e.allowances.VerifyAndConsume(ctx, token, e.registry)
	if err != nil {
		return nil, err
	}
	// Journal the consumption so a rollback of this operation hands the
	// token back instead of burning it.
	journalFrom(ctx).trackAllowance(grant.TokenID)
	if amount > grant.Amount {
		return nil, dErrors.Newf(dErrors.CodeInvalidAuthorization,
			"allowance covers %d, requested %d", grant.Amount, amount)
	}
	return e.fundRoot(ctx, grant.Principal, grant.Principal, delegatee, amount)
}

func (e *Engine) recallRoot(ctx context.Context, delegator, delegatee, target id.AccountID) error {
	nodeID := id.RootNodeID(delegator, delegatee)
	node, err := e.nodes.Find(ctx, nodeID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to resolve root node")
	}

	// The registry controls root nodes; resolving the node from the caller's
	// own identity is what authorized this recall.
	if err := node.CanRecall(e.registry); err != nil {
		return err
	}

	swept, _, err := e.recallSubtree(ctx, nodeID, target)
	if err != nil {
		return err
	}
	journalFrom(ctx).countRecall(swept)
	return nil
}
