package models

import "errors"

// Outcome errors returned as typed results by routing, ledger and vault.
var (
	ErrNoEligibleModel     = errors.New("no eligible model")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrCredentialInvalid   = errors.New("credential invalid")
	ErrRateLimited         = errors.New("rate limited")
	ErrUpstreamFailure     = errors.New("upstream failure")
	ErrLedgerConflict      = errors.New("ledger conflict")
)

// Lookup and state errors.
var (
	ErrNotFound         = errors.New("not found")
	ErrSystemProvider   = errors.New("system provider cannot be removed")
	ErrSessionNotFound  = errors.New("request session not found")
	ErrAttemptSettled   = errors.New("attempt already settled")
	ErrInvalidAmount    = errors.New("amount must be positive")
	ErrProviderInactive = errors.New("provider inactive")
	ErrInvalidEntry     = errors.New("invalid catalog entry")
)

// IsOutcome reports whether err is a normal-operation outcome rather than an infrastructure fault
func IsOutcome(err error) bool {
	return errors.Is(err, ErrNoEligibleModel) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrCredentialInvalid) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrUpstreamFailure)
}
