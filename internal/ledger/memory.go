package ledger

import (
	"context"
	"sync"

	id "proxyvote/pkg/domain"
	"proxyvote/pkg/platform/sentinel"
)

// InMemory is the default ledger implementation: mutex-guarded maps, voting
// power maintained incrementally so VotingPowerOf stays O(1).
type InMemory struct {
	mu        sync.RWMutex
	balances  map[id.AccountID]uint64
	delegates map[id.AccountID]id.AccountID
	power     map[id.AccountID]uint64
	supply    uint64
}

func NewInMemory() *InMemory {
	return &InMemory{
		balances:  make(map[id.AccountID]uint64),
		delegates: make(map[id.AccountID]id.AccountID),
		power:     make(map[id.AccountID]uint64),
	}
}

func (l *InMemory) BalanceOf(_ context.Context, account id.AccountID) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[account], nil
}

func (l *InMemory) Transfer(_ context.Context, from, to id.AccountID, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.balances[from] < amount {
		return sentinel.ErrInsufficientBalance
	}
	l.adjust(from, -int64(amount))
	l.adjust(to, int64(amount))
	return nil
}

func (l *InMemory) Mint(_ context.Context, to id.AccountID, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.adjust(to, int64(amount))
	l.supply += amount
	return nil
}

func (l *InMemory) TotalSupply(_ context.Context) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.supply, nil
}

func (l *InMemory) SetVotingDelegate(_ context.Context, account, delegatee id.AccountID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	balance := l.balances[account]
	if prev, ok := l.delegates[account]; ok {
		l.power[prev] -= balance
	}
	l.delegates[account] = delegatee
	l.power[delegatee] += balance
	return nil
}

func (l *InMemory) VotingPowerOf(_ context.Context, delegatee id.AccountID) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.power[delegatee], nil
}

// adjust applies a signed balance delta and keeps the holder's delegate power
// in sync. Callers hold the write lock and have validated sufficiency.
func (l *InMemory) adjust(account id.AccountID, delta int64) {
	l.balances[account] = uint64(int64(l.balances[account]) + delta)
	if delegatee, ok := l.delegates[account]; ok {
		l.power[delegatee] = uint64(int64(l.power[delegatee]) + delta)
	}
}

// Snapshot captures the full ledger state for the transactional runner. The
// copy is deep; restoring it discards every mutation made since.
func (l *InMemory) Snapshot() any {
	l.mu.RLock()
	defer l.mu.RUnlock()

	snap := ledgerSnapshot{
		balances:  make(map[id.AccountID]uint64, len(l.balances)),
		delegates: make(map[id.AccountID]id.AccountID, len(l.delegates)),
		power:     make(map[id.AccountID]uint64, len(l.power)),
		supply:    l.supply,
	}
	for k, v := range l.balances {
		snap.balances[k] = v
	}
	for k, v := range l.delegates {
		snap.delegates[k] = v
	}
	for k, v := range l.power {
		snap.power[k] = v
	}
	return snap
}

// Restore reinstates a snapshot produced by Snapshot.
func (l *InMemory) Restore(state any) {
	snap, ok := state.(ledgerSnapshot)
	if !ok {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances = snap.balances
	l.delegates = snap.delegates
	l.power = snap.power
	l.supply = snap.supply
}

type ledgerSnapshot struct {
	balances  map[id.AccountID]uint64
	delegates map[id.AccountID]id.AccountID
	power     map[id.AccountID]uint64
	supply    uint64
}
