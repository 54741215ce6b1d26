package ledger

import (
	"context"
	"time"

	"github.com/pixelpets/backend/internal/models"
)

// AccountStore is the durable user -> balance mapping. CompareAndSwap is the
// only mutation primitive: a write names the version it read and fails without
// mutating when the row has moved on. A user with no history reads as balance
// 0, version 0, found=false; that is not an error.
type AccountStore interface {
	Get(ctx context.Context, userID string) (models.Account, bool, error)

	// CompareAndSwap applies newBalance/newVersion iff the current version
	// equals expectedVersion. expectedVersion 0 creates the account row.
	CompareAndSwap(ctx context.Context, userID string, expectedVersion, newBalance, newVersion int64) (bool, error)

	// ListUserIDs enumerates all known accounts, for reconciliation runs.
	ListUserIDs(ctx context.Context) ([]string, error)
}

// ListRange bounds a ledger history read. AfterSequence 0 starts from the
// beginning; Limit <= 0 means no limit.
type ListRange struct {
	AfterSequence int64
	Limit         int
}

// LedgerLog is the append-only audit trail. Appends for the same user are
// serialized upstream by the AccountSerializer, so the log itself only needs
// an atomic append plus uniqueness on (user, reference).
type LedgerLog interface {
	// Append writes the entry, or fails with ErrDuplicateReference when the
	// (UserID, ReferenceID) pair was already written.
	Append(ctx context.Context, entry models.LedgerEntry) (models.LedgerEntry, error)

	// GetByReference fetches the entry previously written for an idempotency key.
	GetByReference(ctx context.Context, userID, referenceID string) (models.LedgerEntry, bool, error)

	// ListByUser returns entries ordered by per-account sequence ascending.
	ListByUser(ctx context.Context, userID string, rng ListRange) ([]models.LedgerEntry, error)

	// SumDeltas recomputes a balance from history with a full O(n) scan.
	// Used only by reconciliation.
	SumDeltas(ctx context.Context, userID string) (int64, error)
}

// EscrowStore persists holds. Resolve is conditional on the current status so
// a hold can leave Active exactly once even under concurrent resolvers.
type EscrowStore interface {
	Create(ctx context.Context, hold models.EscrowHold) error
	Get(ctx context.Context, escrowID string) (models.EscrowHold, error)

	// Resolve transitions escrowID from `from` to `to`, returning false with
	// no mutation when the hold is not currently in `from`.
	Resolve(ctx context.Context, escrowID string, from, to models.EscrowStatus, resolvedAt time.Time) (bool, error)

	// ListExpired returns Active holds whose ExpiresAt is at or before asOf.
	ListExpired(ctx context.Context, asOf time.Time, limit int) ([]models.EscrowHold, error)

	// SumActiveByUser totals the Active hold amounts for one user.
	SumActiveByUser(ctx context.Context, userID string) (int64, error)
}

// ReferenceCache is an optional fast index from (user, reference) to entry ID,
// consulted before the authoritative log lookup. A nil or failing cache only
// costs a log read; correctness comes from the log's unique constraint.
type ReferenceCache interface {
	GetEntryID(ctx context.Context, userID, referenceID string) (string, bool)
	PutEntryID(ctx context.Context, userID, referenceID, entryID string)
}
