package ledger

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	id "proxyvote/pkg/domain"
	"proxyvote/pkg/platform/sentinel"
)

type InMemoryLedgerSuite struct {
	suite.Suite
	ledger *InMemory
	ctx    context.Context
}

func TestInMemoryLedgerSuite(t *testing.T) {
	suite.Run(t, new(InMemoryLedgerSuite))
}

func (s *InMemoryLedgerSuite) SetupTest() {
	s.ledger = NewInMemory()
	s.ctx = context.Background()
}

func (s *InMemoryLedgerSuite) account() id.AccountID {
	return id.AccountID(uuid.New())
}

func (s *InMemoryLedgerSuite) TestTransfers() {
	alice := s.account()
	bob := s.account()

	s.Run("mint increases balance and supply", func() {
		s.Require().NoError(s.ledger.Mint(s.ctx, alice, 100))

		balance, err := s.ledger.BalanceOf(s.ctx, alice)
		s.Require().NoError(err)
		s.Equal(uint64(100), balance)

		supply, err := s.ledger.TotalSupply(s.ctx)
		s.Require().NoError(err)
		s.Equal(uint64(100), supply)
	})

	s.Run("transfer moves balance without changing supply", func() {
		s.Require().NoError(s.ledger.Transfer(s.ctx, alice, bob, 40))

		aliceBal, _ := s.ledger.BalanceOf(s.ctx, alice)
		bobBal, _ := s.ledger.BalanceOf(s.ctx, bob)
		s.Equal(uint64(60), aliceBal)
		s.Equal(uint64(40), bobBal)

		supply, _ := s.ledger.TotalSupply(s.ctx)
		s.Equal(uint64(100), supply)
	})

	s.Run("insufficient balance fails and changes nothing", func() {
		err := s.ledger.Transfer(s.ctx, bob, alice, 1000)
		s.Require().ErrorIs(err, sentinel.ErrInsufficientBalance)

		bobBal, _ := s.ledger.BalanceOf(s.ctx, bob)
		s.Equal(uint64(40), bobBal)
	})

	s.Run("zero transfer succeeds", func() {
		s.Require().NoError(s.ledger.Transfer(s.ctx, bob, alice, 0))
	})

	s.Run("unknown accounts hold zero", func() {
		balance, err := s.ledger.BalanceOf(s.ctx, s.account())
		s.Require().NoError(err)
		s.Zero(balance)
	})
}

func (s *InMemoryLedgerSuite) TestVotingPower() {
	holder := s.account()
	first := s.account()
	second := s.account()

	s.Require().NoError(s.ledger.Mint(s.ctx, holder, 100))

	s.Run("no delegate means no attribution", func() {
		power, err := s.ledger.VotingPowerOf(s.ctx, first)
		s.Require().NoError(err)
		s.Zero(power)
	})

	s.Run("delegation attributes current balance", func() {
		s.Require().NoError(s.ledger.SetVotingDelegate(s.ctx, holder, first))
		power, _ := s.ledger.VotingPowerOf(s.ctx, first)
		s.Equal(uint64(100), power)
	})

	s.Run("transfers track power", func() {
		other := s.account()
		s.Require().NoError(s.ledger.SetVotingDelegate(s.ctx, other, second))
		s.Require().NoError(s.ledger.Transfer(s.ctx, holder, other, 30))

		firstPower, _ := s.ledger.VotingPowerOf(s.ctx, first)
		secondPower, _ := s.ledger.VotingPowerOf(s.ctx, second)
		s.Equal(uint64(70), firstPower)
		s.Equal(uint64(30), secondPower)
	})

	s.Run("re-delegation moves attribution", func() {
		s.Require().NoError(s.ledger.SetVotingDelegate(s.ctx, holder, second))
		firstPower, _ := s.ledger.VotingPowerOf(s.ctx, first)
		secondPower, _ := s.ledger.VotingPowerOf(s.ctx, second)
		s.Zero(firstPower)
		s.Equal(uint64(100), secondPower)
	})
}

func (s *InMemoryLedgerSuite) TestSnapshotRestore() {
	alice := s.account()
	bob := s.account()
	s.Require().NoError(s.ledger.Mint(s.ctx, alice, 50))
	s.Require().NoError(s.ledger.SetVotingDelegate(s.ctx, alice, bob))

	snap := s.ledger.Snapshot()

	s.Require().NoError(s.ledger.Transfer(s.ctx, alice, bob, 50))
	s.Require().NoError(s.ledger.Mint(s.ctx, bob, 10))

	s.ledger.Restore(snap)

	aliceBal, _ := s.ledger.BalanceOf(s.ctx, alice)
	bobBal, _ := s.ledger.BalanceOf(s.ctx, bob)
	supply, _ := s.ledger.TotalSupply(s.ctx)
	power, _ := s.ledger.VotingPowerOf(s.ctx, bob)
	s.Equal(uint64(50), aliceBal)
	s.Zero(bobBal)
	s.Equal(uint64(50), supply)
	s.Equal(uint64(50), power)
}
