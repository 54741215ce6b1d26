package models

import (
	"time"
)

// EntryKind classifies a ledger entry by the operation that produced it.
type EntryKind string

const (
	EntryEarn             EntryKind = "EARN"
	EntrySpend            EntryKind = "SPEND"
	EntryEscrowHold       EntryKind = "ESCROW_HOLD"
	EntryEscrowRelease    EntryKind = "ESCROW_RELEASE"
	EntryEscrowForfeit    EntryKind = "ESCROW_FORFEIT"
	EntryAdjustmentCredit EntryKind = "ADJUSTMENT_CREDIT"
	EntryAdjustmentDebit  EntryKind = "ADJUSTMENT_DEBIT"
)

// Valid reports whether k is one of the known entry kinds.
func (k EntryKind) Valid() bool {
	switch k {
	case EntryEarn, EntrySpend, EntryEscrowHold, EntryEscrowRelease,
		EntryEscrowForfeit, EntryAdjustmentCredit, EntryAdjustmentDebit:
		return true
	}
	return false
}

// LedgerEntry is one immutable balance change. Entries are append-only;
// BalanceAfter of entry N equals BalanceAfter of entry N-1 plus Delta of
// entry N for the same user, ordered by Sequence (not wall-clock time).
type LedgerEntry struct {
	EntryID      string    `json:"entry_id" db:"entry_id"`
	UserID       string    `json:"user_id" db:"user_id"`
	Sequence     int64     `json:"sequence" db:"sequence"` // per-account, monotonic
	Delta        int64     `json:"delta" db:"delta"`       // points in minor units; positive = earn
	BalanceAfter int64     `json:"balance_after" db:"balance_after"`
	Kind         EntryKind `json:"kind" db:"kind"`
	ReferenceID  string    `json:"reference_id" db:"reference_id"` // caller-supplied idempotency key
	Description  string    `json:"description" db:"description"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}
