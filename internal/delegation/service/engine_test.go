package service

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"proxyvote/internal/delegation/events"
	"proxyvote/internal/delegation/models"
	"proxyvote/internal/delegation/store"
	"proxyvote/internal/ledger"
	"proxyvote/internal/ledger/allowance"
	"proxyvote/internal/platform/txn"
	id "proxyvote/pkg/domain"
	dErrors "proxyvote/pkg/domain-errors"
	"proxyvote/pkg/requestcontext"
)

type EngineSuite struct {
	suite.Suite
	ledger    *ledger.InMemory
	nodes     *store.InMemory
	allowKeys *allowance.InMemoryKeyStore
	consumed  *allowance.InMemoryConsumedStore
	sink      *events.InMemorySink
	engine    *Engine
	registry  id.AccountID

	// accounts tracks every external account minted or used as a recall
	// target, so conservation can be checked over the full system.
	accounts map[id.AccountID]bool
	nodeIDs  map[id.NodeID]bool
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}

func (s *EngineSuite) SetupTest() {
	s.ledger = ledger.NewInMemory()
	s.nodes = store.NewInMemory()
	s.allowKeys = allowance.NewInMemoryKeyStore()
	s.sink = events.NewInMemorySink()
	s.registry = id.AccountID(uuid.New())
	s.accounts = map[id.AccountID]bool{}
	s.nodeIDs = map[id.NodeID]bool{}

	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	s.consumed = allowance.NewInMemoryConsumedStore()
	allowances := allowance.NewService(s.allowKeys, s.consumed)
	runner := txn.NewMemory(s.ledger, s.nodes, s.consumed)

	s.engine = NewEngine(s.ledger, s.nodes, runner, s.registry,
		WithAllowances(allowances),
		WithEvents(s.sink),
		WithLogger(logger),
	)
}

func (s *EngineSuite) ctxFor(actor id.AccountID) context.Context {
	return requestcontext.WithActor(context.Background(), actor)
}

func (s *EngineSuite) newAccount(minted uint64) id.AccountID {
	account := id.AccountID(uuid.New())
	s.accounts[account] = true
	if minted > 0 {
		s.Require().NoError(s.ledger.Mint(context.Background(), account, minted))
	}
	return account
}

func (s *EngineSuite) track(node *models.Node) *models.Node {
	s.Require().NotNil(node)
	s.nodeIDs[node.ID] = true
	return node
}

func (s *EngineSuite) balance(account id.AccountID) uint64 {
	balance, err := s.ledger.BalanceOf(context.Background(), account)
	s.Require().NoError(err)
	return balance
}

func (s *EngineSuite) power(delegatee id.AccountID) uint64 {
	power, err := s.ledger.VotingPowerOf(context.Background(), delegatee)
	s.Require().NoError(err)
	return power
}

// assertConservation checks the global invariant: total supply equals the sum
// of every live node balance plus every external account balance.
func (s *EngineSuite) assertConservation() {
	var sum uint64
	for account := range s.accounts {
		sum += s.balance(account)
	}
	for nodeID := range s.nodeIDs {
		sum += s.balance(nodeID.Account())
	}
	supply, err := s.ledger.TotalSupply(context.Background())
	s.Require().NoError(err)
	s.Equal(supply, sum, "resource was created or destroyed inside the tree")
}

func (s *EngineSuite) TestFundCreatesRootNode() {
	delegatorA := s.newAccount(100)
	delegateeB := s.newAccount(0)

	node, err := s.engine.Fund(s.ctxFor(delegatorA), delegateeB, 100)
	s.Require().NoError(err)
	s.track(node)

	s.Equal(id.RootNodeID(delegatorA, delegateeB), node.ID)
	s.Equal(s.registry, node.Controller)
	s.Equal(delegatorA, node.SourcePrincipal)
	s.Equal(delegateeB, node.Delegatee)
	s.Equal(DefaultInitialFanoutBudget, node.FanoutBudget)

	s.Zero(s.balance(delegatorA))
	s.Equal(uint64(100), s.balance(node.ID.Account()))
	s.Equal(uint64(100), s.power(delegateeB))
	s.assertConservation()
}

func (s *EngineSuite) TestFundReusesExistingNode() {
	delegator := s.newAccount(50)
	delegatee := s.newAccount(0)

	first, err := s.engine.Fund(s.ctxFor(delegator), delegatee, 30)
	s.Require().NoError(err)
	s.track(first)

	second, err := s.engine.Fund(s.ctxFor(delegator), delegatee, 20)
	s.Require().NoError(err)

	s.Equal(first.ID, second.ID)
	s.Equal(uint64(50), s.balance(first.ID.Account()))
	s.assertConservation()
}

func (s *EngineSuite) TestFundZeroAmount() {
	delegator := s.newAccount(0)
	delegatee := s.newAccount(0)

	// Zero-amount funding still establishes the root node.
	node, err := s.engine.Fund(s.ctxFor(delegator), delegatee, 0)
	s.Require().NoError(err)
	s.track(node)
	s.Zero(s.balance(node.ID.Account()))
	s.Zero(s.power(delegatee))

	// Re-entry at zero reuses the node and moves nothing.
	again, err := s.engine.Fund(s.ctxFor(delegator), delegatee, 0)
	s.Require().NoError(err)
	s.Equal(node.ID, again.ID)
	s.assertConservation()
}

func (s *EngineSuite) TestFundValidation() {
	delegator := s.newAccount(10)

	s.Run("empty delegatee", func() {
		_, err := s.engine.Fund(s.ctxFor(delegator), id.AccountID{}, 10)
		s.True(dErrors.HasCode(err, dErrors.CodeNoDelegatee))
	})

	s.Run("missing caller", func() {
		_, err := s.engine.Fund(context.Background(), s.newAccount(0), 10)
		s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
	})

	s.Run("insufficient balance leaves no node behind", func() {
		delegatee := s.newAccount(0)
		_, err := s.engine.Fund(s.ctxFor(delegator), delegatee, 1000)
		s.True(dErrors.HasCode(err, dErrors.CodeInsufficientBalance))

		_, err = s.engine.Node(context.Background(), id.RootNodeID(delegator, delegatee))
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound), "failed fund must roll back node creation")
	})
}

func (s *EngineSuite) TestSubDelegateMovesBalanceAndPower() {
	delegatorA := s.newAccount(100)
	delegateeB := s.newAccount(0)
	delegateeC := s.newAccount(0)

	root, err := s.engine.Fund(s.ctxFor(delegatorA), delegateeB, 100)
	s.Require().NoError(err)
	s.track(root)

	child, err := s.engine.SubDelegate(s.ctxFor(delegateeB), root.ID, delegateeC, 50)
	s.Require().NoError(err)
	s.track(child)

	s.Equal(id.ChildNodeID(root.ID, delegateeC), child.ID)
	s.Equal(root.ID.Account(), child.Controller)
	s.Equal(delegatorA, child.SourcePrincipal, "principal propagates unchanged")
	s.Equal(root.FanoutBudget/models.DecayFactor, child.FanoutBudget)

	s.Equal(uint64(50), s.balance(root.ID.Account()))
	s.Equal(uint64(50), s.balance(child.ID.Account()))
	s.Equal(uint64(50), s.power(delegateeB))
	s.Equal(uint64(50), s.power(delegateeC))

	parent, err := s.engine.Node(context.Background(), root.ID)
	s.Require().NoError(err)
	s.True(parent.HasChild(delegateeC))
	s.assertConservation()
}

func (s *EngineSuite) TestSubDelegateAuthorization() {
	delegator := s.newAccount(100)
	delegatee := s.newAccount(0)
	stranger := s.newAccount(0)

	root, err := s.engine.Fund(s.ctxFor(delegator), delegatee, 100)
	s.Require().NoError(err)
	s.track(root)

	_, err = s.engine.SubDelegate(s.ctxFor(stranger), root.ID, s.newAccount(0), 10)
	s.True(dErrors.HasCode(err, dErrors.CodeNotDelegatee))

	// No state change: the root still holds everything and has no children.
	s.Equal(uint64(100), s.balance(root.ID.Account()))
	parent, _ := s.engine.Node(context.Background(), root.ID)
	s.Empty(parent.Children)
}

func (s *EngineSuite) TestSubDelegateIdempotentReuse() {
	delegator := s.newAccount(100)
	delegatee := s.newAccount(0)
	child := s.newAccount(0)

	root, err := s.engine.Fund(s.ctxFor(delegator), delegatee, 100)
	s.Require().NoError(err)
	s.track(root)

	first, err := s.engine.SubDelegate(s.ctxFor(delegatee), root.ID, child, 0)
	s.Require().NoError(err)
	s.track(first)

	second, err := s.engine.SubDelegate(s.ctxFor(delegatee), root.ID, child, 25)
	s.Require().NoError(err)

	s.Equal(first.ID, second.ID)
	parent, _ := s.engine.Node(context.Background(), root.ID)
	s.Len(parent.Children, 1, "re-delegation must not grow the children set")
	s.Equal(uint64(25), s.balance(first.ID.Account()), "amount still moves on reuse")
	s.assertConservation()
}

func (s *EngineSuite) TestZeroAmountSlotSemantics() {
	delegator := s.newAccount(10)
	delegatee := s.newAccount(0)

	runner := txn.NewMemory(s.ledger, s.nodes)
	narrow := NewEngine(s.ledger, s.nodes, runner, s.registry, WithInitialFanoutBudget(1))

	root, err := narrow.Fund(s.ctxFor(delegator), delegatee, 10)
	s.Require().NoError(err)
	s.track(root)

	// A new delegatee at zero amount still consumes the only slot.
	occupant := s.newAccount(0)
	occupantNode, err := narrow.SubDelegate(s.ctxFor(delegatee), root.ID, occupant, 0)
	s.Require().NoError(err)
	s.track(occupantNode)

	// A second new delegatee fails even at zero amount.
	_, err = narrow.SubDelegate(s.ctxFor(delegatee), root.ID, s.newAccount(0), 0)
	s.True(dErrors.HasCode(err, dErrors.CodeMaxSubDelegatees))

	// The already-active delegatee keeps passing at zero amount.
	_, err = narrow.SubDelegate(s.ctxFor(delegatee), root.ID, occupant, 0)
	s.Require().NoError(err)

	parent, _ := narrow.Node(context.Background(), root.ID)
	s.Len(parent.Children, 1)
}

func (s *EngineSuite) TestFanoutDecayBottomsOut() {
	delegator := s.newAccount(100)

	// Budgets along the chain: 8, 4, 2, 1, 0.
	current := s.newAccount(0)
	root, err := s.engine.Fund(s.ctxFor(delegator), current, 100)
	s.Require().NoError(err)
	node := s.track(root)

	budgets := []int{8}
	for node.FanoutBudget > 0 {
		next := s.newAccount(0)
		child, err := s.engine.SubDelegate(s.ctxFor(current), node.ID, next, 10)
		s.Require().NoError(err)
		s.track(child)
		s.Equal(node.FanoutBudget/models.DecayFactor, child.FanoutBudget)
		budgets = append(budgets, child.FanoutBudget)
		node, current = child, next
	}
	s.Equal([]int{8, 4, 2, 1, 0}, budgets)

	// A node with budget zero can never acquire a child.
	_, err = s.engine.SubDelegate(s.ctxFor(current), node.ID, s.newAccount(0), 0)
	s.True(dErrors.HasCode(err, dErrors.CodeMaxSubDelegatees))
	s.assertConservation()
}

func (s *EngineSuite) TestRecallSweepsSubtreeExactly() {
	delegatorA := s.newAccount(100)
	delegateeB := s.newAccount(0)
	delegateeC := s.newAccount(0)
	delegateeD := s.newAccount(0)

	root, err := s.engine.Fund(s.ctxFor(delegatorA), delegateeB, 100)
	s.Require().NoError(err)
	s.track(root)

	child, err := s.engine.SubDelegate(s.ctxFor(delegateeB), root.ID, delegateeC, 50)
	s.Require().NoError(err)
	s.track(child)

	grandchild, err := s.engine.SubDelegate(s.ctxFor(delegateeC), child.ID, delegateeD, 20)
	s.Require().NoError(err)
	s.track(grandchild)

	s.Require().NoError(s.engine.Recall(s.ctxFor(delegatorA), delegateeB, delegatorA))

	s.Zero(s.balance(root.ID.Account()))
	s.Zero(s.balance(child.ID.Account()))
	s.Zero(s.balance(grandchild.ID.Account()))
	s.Equal(uint64(100), s.balance(delegatorA), "full subtree total returns to the target")
	s.Zero(s.power(delegateeB))
	s.Zero(s.power(delegateeC))
	s.Zero(s.power(delegateeD))

	swept, err := s.engine.Node(context.Background(), root.ID)
	s.Require().NoError(err)
	s.Empty(swept.Children)
	s.assertConservation()
}

func (s *EngineSuite) TestRecallIsIdempotent() {
	delegator := s.newAccount(40)
	delegatee := s.newAccount(0)
	target := s.newAccount(0)

	root, err := s.engine.Fund(s.ctxFor(delegator), delegatee, 40)
	s.Require().NoError(err)
	s.track(root)

	s.Require().NoError(s.engine.Recall(s.ctxFor(delegator), delegatee, target))
	s.Require().NoError(s.engine.Recall(s.ctxFor(delegator), delegatee, target))
	s.Equal(uint64(40), s.balance(target))

	// Recalling a pair that never existed is a no-op, not an error.
	s.Require().NoError(s.engine.Recall(s.ctxFor(delegator), s.newAccount(0), target))
	s.assertConservation()
}

func (s *EngineSuite) TestRecallNodeAuthorization() {
	delegator := s.newAccount(10)
	delegatee := s.newAccount(0)

	root, err := s.engine.Fund(s.ctxFor(delegator), delegatee, 10)
	s.Require().NoError(err)
	s.track(root)

	// The delegator is not the controller of the node itself; direct node
	// recall is the registry's privilege.
	err = s.engine.RecallNode(s.ctxFor(delegator), root.ID, delegator)
	s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
	s.Equal(uint64(10), s.balance(root.ID.Account()))

	s.Require().NoError(s.engine.RecallNode(s.ctxFor(s.registry), root.ID, delegator))
	s.Equal(uint64(10), s.balance(delegator))
}

func (s *EngineSuite) TestUnSubDelegate() {
	delegator := s.newAccount(100)
	delegateeB := s.newAccount(0)
	delegateeC := s.newAccount(0)
	delegateeD := s.newAccount(0)

	root, err := s.engine.Fund(s.ctxFor(delegator), delegateeB, 100)
	s.Require().NoError(err)
	s.track(root)

	child, err := s.engine.SubDelegate(s.ctxFor(delegateeB), root.ID, delegateeC, 60)
	s.Require().NoError(err)
	s.track(child)

	grandchild, err := s.engine.SubDelegate(s.ctxFor(delegateeC), child.ID, delegateeD, 25)
	s.Require().NoError(err)
	s.track(grandchild)

	s.Run("recalls the whole child subtree into the node", func() {
		s.Require().NoError(s.engine.UnSubDelegate(s.ctxFor(delegateeB), root.ID, delegateeC))

		s.Equal(uint64(100), s.balance(root.ID.Account()))
		s.Zero(s.balance(child.ID.Account()))
		s.Zero(s.balance(grandchild.ID.Account()))

		parent, _ := s.engine.Node(context.Background(), root.ID)
		s.False(parent.HasChild(delegateeC))
		s.Equal(uint64(100), s.power(delegateeB))
		s.assertConservation()
	})

	s.Run("second call is a no-op", func() {
		s.Require().NoError(s.engine.UnSubDelegate(s.ctxFor(delegateeB), root.ID, delegateeC))
		s.Equal(uint64(100), s.balance(root.ID.Account()))
	})

	s.Run("frees the fan-out slot for re-delegation", func() {
		again, err := s.engine.SubDelegate(s.ctxFor(delegateeB), root.ID, delegateeC, 10)
		s.Require().NoError(err)
		s.Equal(child.ID, again.ID, "deterministic addressing reuses the identity")
	})

	s.Run("rejects non-delegatee callers", func() {
		err := s.engine.UnSubDelegate(s.ctxFor(delegator), root.ID, delegateeC)
		s.True(dErrors.HasCode(err, dErrors.CodeNotDelegatee))
	})
}

func (s *EngineSuite) TestBatchLengthMismatch() {
	delegator := s.newAccount(10)
	x := s.newAccount(0)
	y := s.newAccount(0)

	_, err := s.engine.FundMany(s.ctxFor(delegator), []id.AccountID{x, y}, []uint64{1})
	s.True(dErrors.HasCode(err, dErrors.CodeLengthMismatch))

	err = s.engine.RecallMany(s.ctxFor(delegator), []id.AccountID{x}, nil)
	s.True(dErrors.HasCode(err, dErrors.CodeLengthMismatch))
}

func (s *EngineSuite) TestBatchAtomicity() {
	delegator := s.newAccount(50)
	first := s.newAccount(0)
	second := s.newAccount(0)

	// The second entry overdraws; the whole batch must roll back.
	_, err := s.engine.FundMany(s.ctxFor(delegator),
		[]id.AccountID{first, second}, []uint64{30, 100})
	s.True(dErrors.HasCode(err, dErrors.CodeInsufficientBalance))

	s.Equal(uint64(50), s.balance(delegator), "partial funding must be rolled back")
	_, err = s.engine.Node(context.Background(), id.RootNodeID(delegator, first))
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	s.Zero(s.power(first))
	s.Empty(s.sink.List(), "a rolled-back batch must publish no lifecycle events")
	s.assertConservation()
}

func (s *EngineSuite) TestFundManyAndRecallMany() {
	delegator := s.newAccount(60)
	first := s.newAccount(0)
	second := s.newAccount(0)
	target := s.newAccount(0)

	nodes, err := s.engine.FundMany(s.ctxFor(delegator),
		[]id.AccountID{first, second}, []uint64{40, 20})
	s.Require().NoError(err)
	s.Require().Len(nodes, 2)
	for _, node := range nodes {
		s.track(node)
	}

	s.Equal(uint64(40), s.balance(nodes[0].ID.Account()))
	s.Equal(uint64(20), s.balance(nodes[1].ID.Account()))

	err = s.engine.RecallMany(s.ctxFor(delegator),
		[]id.AccountID{first, second}, []id.AccountID{target, target})
	s.Require().NoError(err)
	s.Equal(uint64(60), s.balance(target))
	s.assertConservation()
}

func (s *EngineSuite) TestSubDelegateMany() {
	delegator := s.newAccount(100)
	delegatee := s.newAccount(0)

	root, err := s.engine.Fund(s.ctxFor(delegator), delegatee, 100)
	s.Require().NoError(err)
	s.track(root)

	childA := s.newAccount(0)
	childB := s.newAccount(0)

	children, err := s.engine.SubDelegateMany(s.ctxFor(delegatee), root.ID,
		[]id.AccountID{childA, childB}, []uint64{30, 40})
	s.Require().NoError(err)
	s.Require().Len(children, 2)
	for _, child := range children {
		s.track(child)
	}

	s.Equal(uint64(30), s.balance(children[0].ID.Account()))
	s.Equal(uint64(40), s.balance(children[1].ID.Account()))
	s.Equal(uint64(30), s.balance(root.ID.Account()))

	s.Run("mid-batch failure rolls back the whole batch", func() {
		childC := s.newAccount(0)
		childD := s.newAccount(0)
		published := len(s.sink.List())
		_, err := s.engine.SubDelegateMany(s.ctxFor(delegatee), root.ID,
			[]id.AccountID{childC, childD}, []uint64{10, 1000})
		s.True(dErrors.HasCode(err, dErrors.CodeInsufficientBalance))

		parent, _ := s.engine.Node(context.Background(), root.ID)
		s.False(parent.HasChild(childC), "first sub-delegation must be rolled back")
		s.Equal(uint64(30), s.balance(root.ID.Account()))
		s.Len(s.sink.List(), published, "events for rolled-back activations must not surface")
	})
	s.assertConservation()
}

func (s *EngineSuite) TestUnSubDelegateMany() {
	delegator := s.newAccount(90)
	delegatee := s.newAccount(0)
	childA := s.newAccount(0)
	childB := s.newAccount(0)

	root, err := s.engine.Fund(s.ctxFor(delegator), delegatee, 90)
	s.Require().NoError(err)
	s.track(root)

	children, err := s.engine.SubDelegateMany(s.ctxFor(delegatee), root.ID,
		[]id.AccountID{childA, childB}, []uint64{30, 30})
	s.Require().NoError(err)
	for _, child := range children {
		s.track(child)
	}

	err = s.engine.UnSubDelegateMany(s.ctxFor(delegatee), root.ID,
		[]id.AccountID{childA, childB, s.newAccount(0)})
	s.Require().NoError(err, "unknown children in the batch are no-ops")

	parent, _ := s.engine.Node(context.Background(), root.ID)
	s.Empty(parent.Children)
	s.Equal(uint64(90), s.balance(root.ID.Account()))
	s.assertConservation()
}

func (s *EngineSuite) TestVotingPowerEqualsTreeHoldings() {
	delegator := s.newAccount(100)
	delegateeB := s.newAccount(0)
	delegateeC := s.newAccount(0)

	root, err := s.engine.Fund(s.ctxFor(delegator), delegateeB, 80)
	s.Require().NoError(err)
	s.track(root)

	child, err := s.engine.SubDelegate(s.ctxFor(delegateeB), root.ID, delegateeC, 30)
	s.Require().NoError(err)
	s.track(child)

	// Per-delegatee power equals the balance of nodes delegating to them, and
	// summed over the tree it equals the tree's total holdings.
	s.Equal(s.balance(root.ID.Account()), s.power(delegateeB))
	s.Equal(s.balance(child.ID.Account()), s.power(delegateeC))
	s.Equal(uint64(80), s.power(delegateeB)+s.power(delegateeC))
}

func (s *EngineSuite) TestLifecycleEvents() {
	delegator := s.newAccount(50)
	delegatee := s.newAccount(0)
	child := s.newAccount(0)

	root, err := s.engine.Fund(s.ctxFor(delegator), delegatee, 50)
	s.Require().NoError(err)
	s.track(root)

	childNode, err := s.engine.SubDelegate(s.ctxFor(delegatee), root.ID, child, 20)
	s.Require().NoError(err)
	s.track(childNode)

	s.Require().NoError(s.engine.UnSubDelegate(s.ctxFor(delegatee), root.ID, child))

	var kinds []events.Kind
	for _, event := range s.sink.List() {
		kinds = append(kinds, event.Kind)
	}
	s.Contains(kinds, events.KindNodeInitialized)
	s.Contains(kinds, events.KindSubDelegationActivated)
	s.Contains(kinds, events.KindSubDelegationDeactivated)

	initialized := s.sink.List()[0]
	s.Equal(root.ID, initialized.NodeID)
	s.Equal(s.registry, initialized.Controller)
	s.Equal(delegator, initialized.Principal)
	s.Equal(delegatee, initialized.Delegatee)
	s.Equal(DefaultInitialFanoutBudget, initialized.FanoutBudget)
}

func (s *EngineSuite) TestFundSigned() {
	principal := s.newAccount(100)
	delegatee := s.newAccount(0)
	s.allowKeys.Register(principal, []byte("principal-secret"))

	allowances := allowance.NewService(s.allowKeys, allowance.NewInMemoryConsumedStore())
	issue := func(amount uint64, expiresIn time.Duration) string {
		token, err := allowances.Issue(context.Background(), principal, s.registry, amount, expiresIn)
		s.Require().NoError(err)
		return token
	}

	s.Run("valid allowance funds from the principal", func() {
		node, err := s.engine.FundSigned(s.ctxFor(s.newAccount(0)), delegatee, 60, issue(60, time.Minute))
		s.Require().NoError(err)
		s.track(node)

		s.Equal(id.RootNodeID(principal, delegatee), node.ID)
		s.Equal(uint64(40), s.balance(principal))
		s.Equal(uint64(60), s.balance(node.ID.Account()))
		s.assertConservation()
	})

	s.Run("replayed token fails without moving resource", func() {
		token := issue(10, time.Minute)
		_, err := s.engine.FundSigned(s.ctxFor(s.newAccount(0)), delegatee, 10, token)
		s.Require().NoError(err)

		_, err = s.engine.FundSigned(s.ctxFor(s.newAccount(0)), delegatee, 10, token)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidAuthorization))
		s.Equal(uint64(30), s.balance(principal))
	})

	s.Run("amount above the grant fails", func() {
		_, err := s.engine.FundSigned(s.ctxFor(s.newAccount(0)), delegatee, 50, issue(20, time.Minute))
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidAuthorization))
	})

	s.Run("expired token fails", func() {
		token := issue(10, time.Minute)
		lateCtx := requestcontext.WithTime(s.ctxFor(s.newAccount(0)), time.Now().Add(time.Hour))
		_, err := s.engine.FundSigned(lateCtx, delegatee, 10, token)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidAuthorization))
	})
}

func (s *EngineSuite) TestFundSignedMany() {
	principal := s.newAccount(100)
	s.allowKeys.Register(principal, []byte("principal-secret"))
	allowances := allowance.NewService(s.allowKeys, allowance.NewInMemoryConsumedStore())

	first := s.newAccount(0)
	second := s.newAccount(0)

	issue := func(amount uint64) string {
		token, err := allowances.Issue(context.Background(), principal, s.registry, amount, time.Minute)
		s.Require().NoError(err)
		return token
	}

	s.Run("length mismatch", func() {
		_, err := s.engine.FundSignedMany(s.ctxFor(s.newAccount(0)),
			[]id.AccountID{first, second}, []uint64{10}, []string{issue(10)})
		s.True(dErrors.HasCode(err, dErrors.CodeLengthMismatch))
	})

	s.Run("atomic batch", func() {
		nodes, err := s.engine.FundSignedMany(s.ctxFor(s.newAccount(0)),
			[]id.AccountID{first, second}, []uint64{30, 20}, []string{issue(30), issue(20)})
		s.Require().NoError(err)
		s.Require().Len(nodes, 2)
		for _, node := range nodes {
			s.track(node)
		}
		s.Equal(uint64(50), s.balance(principal))
		s.assertConservation()
	})
}

func (s *EngineSuite) TestFundSignedRetryAfterFailedSpend() {
	principal := s.newAccount(5)
	delegatee := s.newAccount(0)
	s.allowKeys.Register(principal, []byte("principal-secret"))

	allowances := allowance.NewService(s.allowKeys, s.consumed)
	token, err := allowances.Issue(context.Background(), principal, s.registry, 10, time.Minute)
	s.Require().NoError(err)

	_, err = s.engine.FundSigned(s.ctxFor(s.newAccount(0)), delegatee, 10, token)
	s.True(dErrors.HasCode(err, dErrors.CodeInsufficientBalance))
	s.Equal(uint64(5), s.balance(principal))

	// The spend never applied, so the token must survive the rollback and
	// authorize a retry.
	s.Require().NoError(s.ledger.Mint(context.Background(), principal, 5))
	node, err := s.engine.FundSigned(s.ctxFor(s.newAccount(0)), delegatee, 10, token)
	s.Require().NoError(err)
	s.track(node)

	s.Zero(s.balance(principal))
	s.Equal(uint64(10), s.balance(node.ID.Account()))
	s.assertConservation()
}

func (s *EngineSuite) TestFundSignedManyRollbackKeepsTokens() {
	principal := s.newAccount(30)
	s.allowKeys.Register(principal, []byte("principal-secret"))
	allowances := allowance.NewService(s.allowKeys, s.consumed)

	first := s.newAccount(0)
	second := s.newAccount(0)
	issue := func(amount uint64) string {
		token, err := allowances.Issue(context.Background(), principal, s.registry, amount, time.Minute)
		s.Require().NoError(err)
		return token
	}

	// The second entry overdraws the principal, so the whole batch rolls
	// back, including the consumption of both tokens.
	tokenA, tokenB := issue(20), issue(20)
	_, err := s.engine.FundSignedMany(s.ctxFor(s.newAccount(0)),
		[]id.AccountID{first, second}, []uint64{20, 20}, []string{tokenA, tokenB})
	s.True(dErrors.HasCode(err, dErrors.CodeInsufficientBalance))
	s.Equal(uint64(30), s.balance(principal))

	nodes, err := s.engine.FundSignedMany(s.ctxFor(s.newAccount(0)),
		[]id.AccountID{first, second}, []uint64{10, 20}, []string{tokenA, tokenB})
	s.Require().NoError(err)
	s.Require().Len(nodes, 2)
	for _, node := range nodes {
		s.track(node)
	}
	s.Zero(s.balance(principal))
	s.assertConservation()
}

func (s *EngineSuite) TestConservationAcrossMixedOperations() {
	delegator := s.newAccount(200)
	delegateeB := s.newAccount(0)
	delegateeC := s.newAccount(0)
	delegateeD := s.newAccount(0)
	target := s.newAccount(0)

	root, err := s.engine.Fund(s.ctxFor(delegator), delegateeB, 150)
	s.Require().NoError(err)
	s.track(root)
	s.assertConservation()

	child, err := s.engine.SubDelegate(s.ctxFor(delegateeB), root.ID, delegateeC, 70)
	s.Require().NoError(err)
	s.track(child)
	s.assertConservation()

	grandchild, err := s.engine.SubDelegate(s.ctxFor(delegateeC), child.ID, delegateeD, 30)
	s.Require().NoError(err)
	s.track(grandchild)
	s.assertConservation()

	s.Require().NoError(s.engine.UnSubDelegate(s.ctxFor(delegateeC), child.ID, delegateeD))
	s.assertConservation()

	s.Require().NoError(s.engine.Recall(s.ctxFor(delegator), delegateeB, target))
	s.assertConservation()

	s.Equal(uint64(150), s.balance(target))
	s.Equal(uint64(50), s.balance(delegator))
}
