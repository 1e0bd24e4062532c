// Package ledger is the resource ledger the delegation tree is built on: it
// stores balances, moves resource between accounts, and attributes voting
// power to each account's chosen delegate.
//
// The ledger is deliberately unaware of the tree. Nodes are ordinary accounts
// to it; conservation inside the tree falls out of Transfer being the only way
// resource moves.
package ledger

import (
	"context"

	id "proxyvote/pkg/domain"
)

// Ledger is the single ledger of record shared by the registry and every node.
//
// Implementations must be atomic per call: a failed Transfer leaves both
// balances and both voting-power attributions untouched.
type Ledger interface {
	// BalanceOf returns the resource balance of an account. Unknown accounts
	// hold zero.
	BalanceOf(ctx context.Context, account id.AccountID) (uint64, error)

	// Transfer moves amount from one account to another. Returns
	// sentinel.ErrInsufficientBalance (possibly wrapped) when the source holds
	// less than amount. Zero-amount transfers succeed and change nothing.
	Transfer(ctx context.Context, from, to id.AccountID, amount uint64) error

	// Mint creates new supply on an account. This is the only entry point for
	// resource into the system; tests and seed tooling use it to fund
	// principals.
	Mint(ctx context.Context, to id.AccountID, amount uint64) error

	// TotalSupply returns the sum of all balances.
	TotalSupply(ctx context.Context) (uint64, error)

	// SetVotingDelegate routes the account's voting power to delegatee. The
	// account's current and future balance counts toward delegatee until
	// re-routed. Accounts with no delegate contribute power to nobody.
	SetVotingDelegate(ctx context.Context, account, delegatee id.AccountID) error

	// VotingPowerOf returns the sum of balances of all accounts currently
	// delegating to delegatee.
	VotingPowerOf(ctx context.Context, delegatee id.AccountID) (uint64, error)
}
