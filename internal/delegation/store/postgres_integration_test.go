//go:build integration

package store_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"proxyvote/internal/delegation/models"
	"proxyvote/internal/delegation/store"
	id "proxyvote/pkg/domain"
	dErrors "proxyvote/pkg/domain-errors"
	"proxyvote/pkg/platform/sentinel"
	"proxyvote/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *store.Postgres
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.postgres = mgr.GetPostgres(s.T())
	s.store = store.NewPostgres(s.postgres.DB)
}

func (s *PostgresStoreSuite) SetupTest() {
	err := s.postgres.TruncateTables(context.Background(), "delegation_children", "delegation_nodes")
	s.Require().NoError(err)
}

func (s *PostgresStoreSuite) newNode() *models.Node {
	controller := id.AccountID(uuid.New())
	delegatee := id.AccountID(uuid.New())
	node, err := models.NewNode(
		id.RootNodeID(controller, delegatee),
		controller,
		id.AccountID(uuid.New()),
		delegatee,
		8,
		time.Now(),
	)
	s.Require().NoError(err)
	return node
}

func (s *PostgresStoreSuite) TestFindUnknownNode() {
	_, err := s.store.Find(context.Background(), id.NodeID(uuid.New()))
	s.Require().ErrorIs(err, sentinel.ErrNotFound)
}

func (s *PostgresStoreSuite) TestGetOrCreateRoundTrip() {
	ctx := context.Background()
	want := s.newNode()

	created, wasCreated, err := s.store.GetOrCreate(ctx, want.ID, func() (*models.Node, error) {
		return want, nil
	})
	s.Require().NoError(err)
	s.True(wasCreated)
	s.Equal(want.ID, created.ID)

	got, err := s.store.Find(ctx, want.ID)
	s.Require().NoError(err)
	s.Equal(want.Controller, got.Controller)
	s.Equal(want.SourcePrincipal, got.SourcePrincipal)
	s.Equal(want.Delegatee, got.Delegatee)
	s.Equal(want.FanoutBudget, got.FanoutBudget)
	s.Empty(got.Children)
}

func (s *PostgresStoreSuite) TestGetOrCreateExistingSkipsCreate() {
	ctx := context.Background()
	node := s.newNode()

	_, _, err := s.store.GetOrCreate(ctx, node.ID, func() (*models.Node, error) {
		return node, nil
	})
	s.Require().NoError(err)

	_, wasCreated, err := s.store.GetOrCreate(ctx, node.ID, func() (*models.Node, error) {
		s.Fail("create must not be called for an existing node")
		return nil, nil
	})
	s.Require().NoError(err)
	s.False(wasCreated)
}

func (s *PostgresStoreSuite) TestExecutePersistsChildrenDiff() {
	ctx := context.Background()
	node := s.newNode()
	_, _, err := s.store.GetOrCreate(ctx, node.ID, func() (*models.Node, error) {
		return node, nil
	})
	s.Require().NoError(err)

	childDelegatee := id.AccountID(uuid.New())
	childID := id.ChildNodeID(node.ID, childDelegatee)

	_, err = s.store.Execute(ctx, node.ID,
		func(n *models.Node) error { return nil },
		func(n *models.Node) { n.ApplyChildActivation(childDelegatee, childID) },
	)
	s.Require().NoError(err)

	got, err := s.store.Find(ctx, node.ID)
	s.Require().NoError(err)
	s.Require().Len(got.Children, 1)
	s.Equal(childID, got.Children[childDelegatee])

	_, err = s.store.Execute(ctx, node.ID,
		func(n *models.Node) error { return nil },
		func(n *models.Node) { n.ApplyChildDeactivation(childDelegatee) },
	)
	s.Require().NoError(err)

	got, err = s.store.Find(ctx, node.ID)
	s.Require().NoError(err)
	s.Empty(got.Children)
}

func (s *PostgresStoreSuite) TestExecuteValidationAborts() {
	ctx := context.Background()
	node := s.newNode()
	_, _, err := s.store.GetOrCreate(ctx, node.ID, func() (*models.Node, error) {
		return node, nil
	})
	s.Require().NoError(err)

	mutated := false
	_, err = s.store.Execute(ctx, node.ID,
		func(n *models.Node) error {
			return dErrors.New(dErrors.CodeMaxSubDelegatees, "cannot exceed maximum sub-delegatees")
		},
		func(n *models.Node) { mutated = true },
	)
	s.Require().True(dErrors.HasCode(err, dErrors.CodeMaxSubDelegatees))
	s.False(mutated)
}

// TestConcurrentGetOrCreate verifies the locate-or-create race: many callers,
// exactly one initialization.
func (s *PostgresStoreSuite) TestConcurrentGetOrCreate() {
	ctx := context.Background()
	node := s.newNode()

	const goroutines = 50
	var wg sync.WaitGroup
	var created atomic.Int32

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, wasCreated, err := s.store.GetOrCreate(ctx, node.ID, func() (*models.Node, error) {
				return node.Clone(), nil
			})
			if err != nil {
				s.T().Errorf("GetOrCreate failed: %v", err)
				return
			}
			if wasCreated {
				created.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), created.Load(), "exactly one caller should initialize the node")
}
