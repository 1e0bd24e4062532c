// Package service implements the delegation tree engine: the registry entry
// points that create and fund root nodes, the node operations that grow and
// shrink the tree, and the recursive recall that sweeps a subtree back to a
// target account.
package service

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"proxyvote/internal/delegation/events"
	"proxyvote/internal/delegation/metrics"
	"proxyvote/internal/delegation/models"
	"proxyvote/internal/delegation/store"
	"proxyvote/internal/ledger"
	"proxyvote/internal/ledger/allowance"
	"proxyvote/internal/platform/txn"
	id "proxyvote/pkg/domain"
	dErrors "proxyvote/pkg/domain-errors"
	"proxyvote/pkg/platform/audit"
	"proxyvote/pkg/platform/audit/publisher"
	"proxyvote/pkg/platform/sentinel"
	"proxyvote/pkg/requestcontext"
)

// DefaultInitialFanoutBudget is seeded into every root node. With decay factor
// 2 this bounds tree depth at four levels (8 → 4 → 2 → 1 → 0).
const DefaultInitialFanoutBudget = 8

// Engine orchestrates the delegation tree over a node arena and the shared
// resource ledger. Every public operation runs inside the transactional
// runner: it either lands in full or leaves no trace.
type Engine struct {
	ledger        ledger.Ledger
	nodes         store.NodeStore
	tx            txn.Runner
	registry      id.AccountID
	initialFanout int
	allowances    *allowance.Service
	emitter       *events.Emitter
	metrics       *metrics.Metrics
	auditor       *publisher.Publisher
	logger        *slog.Logger
	tracer        trace.Tracer
}

type engineConfig struct {
	initialFanout int
	allowances    *allowance.Service
	sink          events.Sink
	metrics       *metrics.Metrics
	auditor       *publisher.Publisher
	logger        *slog.Logger
}

type Option func(*engineConfig)

// WithInitialFanoutBudget overrides the fan-out budget seeded into root nodes.
func WithInitialFanoutBudget(budget int) Option {
	return func(cfg *engineConfig) {
		cfg.initialFanout = budget
	}
}

// WithAllowances enables the signed funding variants.
func WithAllowances(svc *allowance.Service) Option {
	return func(cfg *engineConfig) {
		cfg.allowances = svc
	}
}

// WithEvents publishes lifecycle events to the given sink.
func WithEvents(sink events.Sink) Option {
	return func(cfg *engineConfig) {
		cfg.sink = sink
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(cfg *engineConfig) {
		cfg.metrics = m
	}
}

// WithAudit records an audit event per operation.
func WithAudit(pub *publisher.Publisher) Option {
	return func(cfg *engineConfig) {
		cfg.auditor = pub
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(cfg *engineConfig) {
		cfg.logger = logger
	}
}

// NewEngine builds an engine. registry is the ledger account the registry acts
// as: it controls every root node and is the spender named in signed
// allowances.
func NewEngine(l ledger.Ledger, nodes store.NodeStore, runner txn.Runner, registry id.AccountID, opts ...Option) *Engine {
	cfg := &engineConfig{initialFanout: DefaultInitialFanoutBudget}
	for _, opt := range opts {
		opt(cfg)
	}
	return &Engine{
		ledger:        l,
		nodes:         nodes,
		tx:            runner,
		registry:      registry,
		initialFanout: cfg.initialFanout,
		allowances:    cfg.allowances,
		emitter:       events.NewEmitter(cfg.sink, cfg.logger),
		metrics:       cfg.metrics,
		auditor:       cfg.auditor,
		logger:        cfg.logger,
		tracer:        otel.Tracer("proxyvote/delegation"),
	}
}

// Node returns a copy of the node at nodeID.
func (e *Engine) Node(ctx context.Context, nodeID id.NodeID) (*models.Node, error) {
	node, err := e.nodes.Find(ctx, nodeID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.New(dErrors.CodeNotFound, "no delegation node at this identity")
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load node")
	}
	return node, nil
}

// runTx executes fn in the transactional runner with a journal attached:
// lifecycle events and success counters are held back and applied only once
// the transaction commits. A rollback publishes nothing and hands any
// consumed allowance tokens back.
func (e *Engine) runTx(ctx context.Context, fn func(ctx context.Context) error) error {
	jCtx, j := withJournal(ctx)
	if err := e.tx.RunInTx(jCtx, fn); err != nil {
		e.releaseAllowances(ctx, j.allowances)
		return err
	}
	for _, event := range j.events {
		e.emitter.Emit(ctx, event)
	}
	if e.metrics != nil {
		e.metrics.AddNodesCreated(j.nodesCreated)
		e.metrics.AddFunds(j.funds)
		e.metrics.AddSubDelegations(j.subDelegated)
		for _, swept := range j.recallSweeps {
			e.metrics.ObserveRecall(swept)
		}
	}
	return nil
}

// emit journals a lifecycle event when inside an operation, publishing
// directly otherwise.
func (e *Engine) emit(ctx context.Context, event events.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = requestcontext.Now(ctx)
	}
	if j := journalFrom(ctx); j != nil {
		j.emit(event)
		return
	}
	e.emitter.Emit(ctx, event)
}

// releaseAllowances frees consumed allowance markers after the operation that
// consumed them rolled back, keeping the tokens valid for a retry.
func (e *Engine) releaseAllowances(ctx context.Context, tokenIDs []string) {
	for _, tokenID := range tokenIDs {
		if err := e.allowances.Release(ctx, tokenID); err != nil && e.logger != nil {
			e.logger.ErrorContext(ctx, "failed to release allowance after rollback",
				"error", err,
			)
		}
	}
}

// requireActor extracts the authenticated caller from context.
func requireActor(ctx context.Context) (id.AccountID, error) {
	actor := requestcontext.Actor(ctx)
	if actor.IsZero() {
		return id.AccountID{}, dErrors.New(dErrors.CodeUnauthorized, "caller identity required")
	}
	return actor, nil
}

// record closes out an operation: failure metrics and logging on error, and
// an audit event either way.
func (e *Engine) record(ctx context.Context, operation string, err error) {
	if err != nil {
		if e.metrics != nil {
			e.metrics.IncrementFailures(operation)
		}
		if e.logger != nil {
			e.logger.WarnContext(ctx, "delegation operation failed",
				"operation", operation,
				"error", err,
			)
		}
	}
	if e.auditor == nil {
		return
	}
	event := audit.Event{
		Timestamp: requestcontext.Now(ctx),
		Actor:     requestcontext.Actor(ctx),
		Action:    operation,
		Outcome:   audit.OutcomeOK,
		RequestID: requestcontext.RequestID(ctx),
	}
	if err != nil {
		event.Outcome = audit.OutcomeFailed
		if dErrors.HasCode(err, dErrors.CodeUnauthorized) ||
			dErrors.HasCode(err, dErrors.CodeNotDelegatee) ||
			dErrors.HasCode(err, dErrors.CodeInvalidAuthorization) {
			event.Outcome = audit.OutcomeDenied
		}
		event.Reason = err.Error()
	}
	_ = e.auditor.Emit(ctx, event)
}

// transfer wraps a ledger move into the domain error taxonomy.
func (e *Engine) transfer(ctx context.Context, from, to id.AccountID, amount uint64) error {
	err := e.ledger.Transfer(ctx, from, to, amount)
	if err == nil {
		return nil
	}
	if errors.Is(err, sentinel.ErrInsufficientBalance) {
		return dErrors.New(dErrors.CodeInsufficientBalance, "insufficient balance for transfer")
	}
	return dErrors.Wrap(err, dErrors.CodeTransferFailed, "ledger transfer failed")
}

// getOrCreateNode locates or initializes the node at nodeID. Creation routes
// the node's voting power to its delegatee and journals the initialized
// event.
func (e *Engine) getOrCreateNode(ctx context.Context, nodeID id.NodeID, controller, principal, delegatee id.AccountID, fanoutBudget int) (*models.Node, error) {
	node, created, err := e.nodes.GetOrCreate(ctx, nodeID, func() (*models.Node, error) {
		return models.NewNode(nodeID, controller, principal, delegatee, fanoutBudget, requestcontext.Now(ctx))
	})
	if err != nil {
		return nil, err
	}
	if !created {
		return node, nil
	}

	if err := e.ledger.SetVotingDelegate(ctx, nodeID.Account(), delegatee); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to route voting power")
	}
	journalFrom(ctx).countNodeCreated()
	e.emit(ctx, events.Event{
		Kind:         events.KindNodeInitialized,
		NodeID:       node.ID,
		Controller:   node.Controller,
		Principal:    node.SourcePrincipal,
		Delegatee:    node.Delegatee,
		FanoutBudget: node.FanoutBudget,
	})
	return node, nil
}

// recallSubtree sweeps the entire subtree rooted at nodeID into target:
// depth-first, every child's subtree lands in the node's own balance first,
// children are deactivated, then the node's total moves to target. Returns the
// number of nodes swept and the amount delivered to target.
func (e *Engine) recallSubtree(ctx context.Context, nodeID id.NodeID, target id.AccountID) (int, uint64, error) {
	node, err := e.nodes.Find(ctx, nodeID)
	if err != nil {
		return 0, 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load node for recall")
	}

	swept := 1
	for _, childID := range node.ActiveChildren() {
		childSwept, _, err := e.recallSubtree(ctx, childID, nodeID.Account())
		if err != nil {
			return 0, 0, err
		}
		swept += childSwept
	}

	deactivated := node.Children
	if len(deactivated) > 0 {
		node, err = e.nodes.Execute(ctx, nodeID,
			func(*models.Node) error { return nil },
			func(n *models.Node) {
				for childDelegatee := range n.Children {
					n.ApplyChildDeactivation(childDelegatee)
				}
			},
		)
		if err != nil {
			return 0, 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to deactivate children")
		}
	}

	balance, err := e.ledger.BalanceOf(ctx, nodeID.Account())
	if err != nil {
		return 0, 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read node balance")
	}
	if err := e.transfer(ctx, nodeID.Account(), target, balance); err != nil {
		return 0, 0, err
	}

	for childDelegatee, childID := range deactivated {
		e.emit(ctx, events.Event{
			Kind:         events.KindSubDelegationDeactivated,
			NodeID:       childID,
			Controller:   nodeID.Account(),
			Principal:    node.SourcePrincipal,
			Delegatee:    childDelegatee,
			FanoutBudget: node.ChildFanoutBudget(),
		})
	}
	e.emit(ctx, events.Event{
		Kind:         events.KindRecallSwept,
		NodeID:       node.ID,
		Controller:   node.Controller,
		Principal:    node.SourcePrincipal,
		Delegatee:    node.Delegatee,
		FanoutBudget: node.FanoutBudget,
		Target:       target,
		Amount:       balance,
	})
	return swept, balance, nil
}
