package model

import "time"

// LedgerEntry is an immutable, append-only record of one balance-affecting event.
// Corrections are new adjustment entries, never updates of history.
type LedgerEntry struct {
	ID       string          `json:"id" db:"id"`
	WalletID string          `json:"wallet_id" db:"wallet_id"`
	UserID   string          `json:"user_id" db:"user_id"`
	Type     LedgerEntryType `json:"type" db:"type"`
	Status   LedgerStatus    `json:"status" db:"status"`

	// AmountMinor is signed: credits are positive, debits are negative.
	AmountMinor        int64  `json:"amount_minor" db:"amount_minor"`
	BalanceBeforeMinor int64  `json:"balance_before_minor" db:"balance_before_minor"`
	BalanceAfterMinor  int64  `json:"balance_after_minor" db:"balance_after_minor"`
	Currency           string `json:"currency" db:"currency"`

	Reason string `json:"reason,omitempty" db:"reason"`

	// IdempotencyKey is optional; when set it is unique per wallet.
	IdempotencyKey string `json:"idempotency_key,omitempty" db:"idempotency_key"`

	// Metadata carries order_number, admin actor, payment method and similar references.
	Metadata map[string]string `json:"metadata,omitempty" db:"metadata"`

	// Seq orders entries of one wallet in creation order.
	Seq       int64     `json:"seq" db:"seq"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type LedgerEntryType string

const (
	LedgerEntryDeposit    LedgerEntryType = "deposit"
	LedgerEntryWithdrawal LedgerEntryType = "withdrawal"
	LedgerEntryPurchase   LedgerEntryType = "purchase"
	LedgerEntryRefund     LedgerEntryType = "refund"
	LedgerEntryCommission LedgerEntryType = "commission"
	LedgerEntryBonus      LedgerEntryType = "bonus"
	LedgerEntryAdjustment LedgerEntryType = "adjustment"
)

// IsCredit reports whether the type may be posted through a credit.
func (t LedgerEntryType) IsCredit() bool {
	switch t {
	case LedgerEntryDeposit, LedgerEntryRefund, LedgerEntryCommission, LedgerEntryBonus, LedgerEntryAdjustment:
		return true
	default:
		return false
	}
}

type LedgerStatus string

const (
	LedgerStatusPending   LedgerStatus = "pending"
	LedgerStatusCompleted LedgerStatus = "completed"
	LedgerStatusFailed    LedgerStatus = "failed"
	LedgerStatusCancelled LedgerStatus = "cancelled"
)
