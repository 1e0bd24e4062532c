package service

import (
	"context"
	"errors"

	"proxyvote/internal/delegation/events"
	"proxyvote/internal/delegation/models"
	id "proxyvote/pkg/domain"
	dErrors "proxyvote/pkg/domain-errors"
	"proxyvote/pkg/platform/sentinel"
)

// Node-level operations: the node's delegatee grows and shrinks its own
// subtree, the node's controller recalls it.

// SubDelegate locates or creates the child node for (nodeID, childDelegatee)
// and moves amount from the node into it. Only the node's delegatee may call
// this. A new child consumes a fan-out slot even at amount zero; re-invoking
// with an active child moves additional amount without touching the tree
// structure.
func (e *Engine) SubDelegate(ctx context.Context, nodeID id.NodeID, childDelegatee id.AccountID, amount uint64) (*models.Node, error) {
	ctx, span := e.tracer.Start(ctx, "delegation.SubDelegate")
	defer span.End()

	caller, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}

	var child *models.Node
	err = e.runTx(ctx, func(txCtx context.Context) error {
		child, err = e.subDelegate(txCtx, caller, nodeID, childDelegatee, amount)
		return err
	})
	e.record(ctx, "sub_delegate", err)
	if err != nil {
		return nil, err
	}
	return child, nil
}

// SubDelegateMany applies SubDelegate once per pair, atomically.
func (e *Engine) SubDelegateMany(ctx context.Context, nodeID id.NodeID, childDelegatees []id.AccountID, amounts []uint64) ([]*models.Node, error) {
	ctx, span := e.tracer.Start(ctx, "delegation.SubDelegateMany")
	defer span.End()

	if len(childDelegatees) != len(amounts) {
		return nil, dErrors.Newf(dErrors.CodeLengthMismatch,
			"got %d delegatees and %d amounts", len(childDelegatees), len(amounts))
	}
	caller, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}

	children := make([]*models.Node, len(childDelegatees))
	err = e.runTx(ctx, func(txCtx context.Context) error {
		for i, childDelegatee := range childDelegatees {
			child, err := e.subDelegate(txCtx, caller, nodeID, childDelegatee, amounts[i])
			if err != nil {
				return err
			}
			children[i] = child
		}
		return nil
	})
	e.record(ctx, "sub_delegate_many", err)
	if err != nil {
		return nil, err
	}
	return children, nil
}

// UnSubDelegate recalls the entire subtree under childDelegatee back into the
// node and deactivates the child. Un-sub-delegating an inactive child is a
// no-op, so calling it twice is safe.
func (e *Engine) UnSubDelegate(ctx context.Context, nodeID id.NodeID, childDelegatee id.AccountID) error {
	ctx, span := e.tracer.Start(ctx, "delegation.UnSubDelegate")
	defer span.End()

	caller, err := requireActor(ctx)
	if err != nil {
		return err
	}

	err = e.runTx(ctx, func(txCtx context.Context) error {
		return e.unSubDelegate(txCtx, caller, nodeID, childDelegatee)
	})
	e.record(ctx, "un_sub_delegate", err)
	return err
}

// UnSubDelegateMany applies UnSubDelegate once per entry, atomically.
func (e *Engine) UnSubDelegateMany(ctx context.Context, nodeID id.NodeID, childDelegatees []id.AccountID) error {
	ctx, span := e.tracer.Start(ctx, "delegation.UnSubDelegateMany")
	defer span.End()

	caller, err := requireActor(ctx)
	if err != nil {
		return err
	}

	err = e.runTx(ctx, func(txCtx context.Context) error {
		for _, childDelegatee := range childDelegatees {
			if err := e.unSubDelegate(txCtx, caller, nodeID, childDelegatee); err != nil {
				return err
			}
		}
		return nil
	})
	e.record(ctx, "un_sub_delegate_many", err)
	return err
}

// RecallNode sweeps the subtree rooted at nodeID to target. Only the node's
// controller may call this; for root nodes that is the registry, so external
// delegators recall through Recall instead.
func (e *Engine) RecallNode(ctx context.Context, nodeID id.NodeID, target id.AccountID) error {
	ctx, span := e.tracer.Start(ctx, "delegation.RecallNode")
	defer span.End()

	caller, err := requireActor(ctx)
	if err != nil {
		return err
	}

	err = e.runTx(ctx, func(txCtx context.Context) error {
		node, err := e.Node(txCtx, nodeID)
		if err != nil {
			return err
		}
		if err := node.CanRecall(caller); err != nil {
			return err
		}
		swept, _, err := e.recallSubtree(txCtx, nodeID, target)
		if err != nil {
			return err
		}
		journalFrom(txCtx).countRecall(swept)
		return nil
	})
	e.record(ctx, "recall_node", err)
	return err
}

func (e *Engine) subDelegate(ctx context.Context, caller id.AccountID, nodeID id.NodeID, childDelegatee id.AccountID, amount uint64) (*models.Node, error) {
	parent, err := e.Node(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if err := parent.CanSubDelegate(caller, childDelegatee); err != nil {
		return nil, err
	}

	childID := id.ChildNodeID(nodeID, childDelegatee)
	activating := !parent.HasChild(childDelegatee)

	child, err := e.getOrCreateNode(ctx, childID,
		nodeID.Account(), parent.PrincipalForChildren(), childDelegatee, parent.ChildFanoutBudget())
	if err != nil {
		return nil, err
	}

	if activating {
		// Re-check under the store's lock: the budget may have filled since
		// the read above.
		if _, err := e.nodes.Execute(ctx, nodeID,
			func(n *models.Node) error { return n.CanSubDelegate(caller, childDelegatee) },
			func(n *models.Node) { n.ApplyChildActivation(childDelegatee, childID) },
		); err != nil {
			return nil, err
		}
		e.emit(ctx, events.Event{
			Kind:         events.KindSubDelegationActivated,
			NodeID:       childID,
			Controller:   nodeID.Account(),
			Principal:    child.SourcePrincipal,
			Delegatee:    childDelegatee,
			FanoutBudget: child.FanoutBudget,
		})
	}

	if err := e.transfer(ctx, nodeID.Account(), childID.Account(), amount); err != nil {
		return nil, err
	}
	journalFrom(ctx).countSubDelegation()
	return child, nil
}

func (e *Engine) unSubDelegate(ctx context.Context, caller id.AccountID, nodeID id.NodeID, childDelegatee id.AccountID) error {
	parent, err := e.Node(ctx, nodeID)
	if err != nil {
		return err
	}
	if err := parent.CanUnSubDelegate(caller); err != nil {
		return err
	}

	childID, active := parent.Children[childDelegatee]
	if !active {
		return nil
	}

	if _, _, err := e.recallSubtree(ctx, childID, nodeID.Account()); err != nil {
		return err
	}
	if _, err := e.nodes.Execute(ctx, nodeID,
		func(*models.Node) error { return nil },
		func(n *models.Node) { n.ApplyChildDeactivation(childDelegatee) },
	); err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to deactivate child")
	}

	e.emit(ctx, events.Event{
		Kind:         events.KindSubDelegationDeactivated,
		NodeID:       childID,
		Controller:   nodeID.Account(),
		Principal:    parent.SourcePrincipal,
		Delegatee:    childDelegatee,
		FanoutBudget: parent.ChildFanoutBudget(),
	})
	return nil
}
