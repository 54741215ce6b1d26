package models

import (
	"time"
)

// Account is the mutable point balance row for one user. Accounts are created
// on the first ledger entry for a user and never deleted. Version is the
// optimistic-locking token: every successful mutation increments it, and a
// writer must present the version it read for the write to apply.
type Account struct {
	UserID    string    `json:"user_id" db:"user_id"`
	Balance   int64     `json:"balance" db:"balance"` // points in minor units, never negative
	Version   int64     `json:"version" db:"version"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// WalletView is the read model returned to callers: the stored balance is the
// spendable amount, escrowed funds are held aside but still owned by the user.
type WalletView struct {
	UserID    string `json:"user_id"`
	Available int64  `json:"available"`
	Escrowed  int64  `json:"escrowed"`
	Total     int64  `json:"total"`
}
