package model

import "github.com/m-mizutani/goerr/v2"

var (
	// ErrNotFound is returned when a lookup targets an id that does not exist in the tier.
	ErrNotFound = goerr.New("not found")

	// ErrInvalidFormation is returned when long-term memory formation is requested for a
	// negative decision.
	ErrInvalidFormation = goerr.New("invalid formation")

	// ErrStoreUnavailable is returned when the backing store cannot be reached after retries
	// or while the circuit breaker is open.
	ErrStoreUnavailable = goerr.New("store unavailable")

	// ErrInvariantViolation indicates a stored record breaks a data model invariant.
	ErrInvariantViolation = goerr.New("invariant violation")

	ErrInvalidSeverity = goerr.New("invalid severity")
	ErrInvalidAction   = goerr.New("invalid action type")
	ErrInvalidInput    = goerr.New("invalid input")
)

// Tier names reported by lookups and attached to errors.
const (
	TierL1 = "L1"
	TierL2 = "L2"
	TierL3 = "L3"
)
