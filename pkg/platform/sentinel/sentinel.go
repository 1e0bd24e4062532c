package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores and the ledger return these
// (optionally wrapped) so services can translate them into domain errors.
//
// These represent factual states about resources, not validation failures:
// - ErrNotFound: entity does not exist in store
// - ErrInsufficientBalance: ledger account holds less than the requested amount
// - ErrExpired: signed allowance past its expiry
// - ErrAlreadyUsed: single-use allowance already consumed
// - ErrInvalidState: entity in wrong state for requested operation
// - ErrUnavailable: service or resource temporarily unavailable
//
// For validation errors (bad input, missing fields), use pkg/domain-errors directly.
var (
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrExpired             = errors.New("expired")
	ErrAlreadyUsed         = errors.New("already used")
	ErrInvalidState        = errors.New("invalid state")
	ErrUnavailable         = errors.New("unavailable")
)
