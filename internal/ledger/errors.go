package ledger

import (
	"errors"
)

// Typed outcomes of the transaction engine. Everything here is recoverable
// from the caller's point of view; only storage I/O errors propagate wrapped
// and unclassified.
var (
	// ErrInsufficientBalance rejects a debit that would take a balance below zero.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrBusy is returned when the per-account lock could not be acquired
	// within the caller's wait bound. The operation had no side effects.
	ErrBusy = errors.New("account busy")

	// ErrConcurrencyConflict is returned when the store rejected the
	// compare-and-swap after exhausting retries. Should not happen under
	// correct per-account locking; guards against store-level anomalies.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrDuplicateReference is reported by LedgerLog.Append when the
	// (user, reference) pair already exists. The engine converts it into an
	// idempotent replay of the original entry, so callers normally never see it.
	ErrDuplicateReference = errors.New("duplicate reference")

	// ErrInvalidEscrowState rejects a transition out of a terminal escrow state.
	ErrInvalidEscrowState = errors.New("invalid escrow state")

	// ErrPartialFailureRecovered means a multi-step commit failed midway and
	// the already-applied steps were reversed with compensating adjustment
	// entries. No funds were lost; the compensations are visible in the ledger.
	ErrPartialFailureRecovered = errors.New("partial failure recovered")

	// ErrEscrowNotFound is returned for an unknown escrow ID.
	ErrEscrowNotFound = errors.New("escrow not found")
)
