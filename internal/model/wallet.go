package model

import "time"

// Wallet is the per-user monetary account.
// Amounts are expressed in minor units of Currency using int64.
//
// Invariants:
// - BalanceMinor >= 0
// - 0 <= LockedMinor <= BalanceMinor, so Available() is never negative
// - BalanceMinor equals the BalanceAfterMinor of the newest ledger entry
type Wallet struct {
	ID       string `json:"id" db:"id"`
	UserID   string `json:"user_id" db:"user_id"`
	Currency string `json:"currency" db:"currency"`

	BalanceMinor int64 `json:"balance_minor" db:"balance_minor"`
	LockedMinor  int64 `json:"locked_minor" db:"locked_minor"`

	// Running totals kept for dashboards; not part of the money invariant.
	TotalDepositMinor  int64 `json:"total_deposit_minor" db:"total_deposit_minor"`
	TotalSpendingMinor int64 `json:"total_spending_minor" db:"total_spending_minor"`

	// Version is bumped on every write and checked by optimistic updates.
	Version int64 `json:"-" db:"version"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Available is the only amount eligible for new debits or locks.
func (w Wallet) Available() int64 {
	return w.BalanceMinor - w.LockedMinor
}
