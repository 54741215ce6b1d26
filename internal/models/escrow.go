package models

import (
	"time"
)

// EscrowStatus is the lifecycle state of a hold. Active is the only
// non-terminal state; a hold resolves to exactly one terminal state, once.
type EscrowStatus string

const (
	EscrowActive    EscrowStatus = "ACTIVE"
	EscrowReleased  EscrowStatus = "RELEASED"
	EscrowForfeited EscrowStatus = "FORFEITED"
	EscrowExpired   EscrowStatus = "EXPIRED"
)

// Terminal reports whether s is a terminal escrow status.
func (s EscrowStatus) Terminal() bool {
	return s == EscrowReleased || s == EscrowForfeited || s == EscrowExpired
}

// EscrowHold reserves part of a user's balance pending a trade outcome.
// While Active the amount is excluded from the user's available balance but
// still counts toward their total. CounterpartyID is the account credited on
// Release (the trade partner); Forfeit and expiry credit the holder back.
type EscrowHold struct {
	EscrowID       string       `json:"escrow_id" db:"escrow_id"`
	UserID         string       `json:"user_id" db:"user_id"`
	CounterpartyID string       `json:"counterparty_id" db:"counterparty_id"`
	Amount         int64        `json:"amount" db:"amount"`
	Purpose        string       `json:"purpose" db:"purpose"`
	Status         EscrowStatus `json:"status" db:"status"`
	CreatedAt      time.Time    `json:"created_at" db:"created_at"`
	ExpiresAt      time.Time    `json:"expires_at" db:"expires_at"`
	ResolvedAt     *time.Time   `json:"resolved_at,omitempty" db:"resolved_at"`
}
