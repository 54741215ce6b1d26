package models

import (
	"time"
)

type TransactionStatus string

const (
	TxnPending    TransactionStatus = "PENDING"
	TxnCommitted  TransactionStatus = "COMMITTED"
	TxnRolledBack TransactionStatus = "ROLLED_BACK"
)

// TransactionStep is one balance change inside an atomic transaction.
type TransactionStep struct {
	UserID      string    `json:"user_id" validate:"required"`
	Delta       int64     `json:"delta" validate:"required"`
	Kind        EntryKind `json:"kind" validate:"required"`
	ReferenceID string    `json:"reference_id" validate:"required"`
	Description string    `json:"description"`
}

// AtomicTransaction groups ordered steps that commit all-or-nothing: either
// every step is reflected as a ledger entry, or none are.
type AtomicTransaction struct {
	TransactionID string            `json:"transaction_id"`
	Steps         []TransactionStep `json:"steps"`
	Status        TransactionStatus `json:"status"`
	CreatedAt     time.Time         `json:"created_at"`
}
