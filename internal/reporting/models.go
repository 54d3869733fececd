package reporting

import "time"

// TimeRange is half-open: From inclusive, To exclusive.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// SpendSummaryRequest requests aggregated wallet movements for one user.
// Figures are derived from immutable ledger entries only.
type SpendSummaryRequest struct {
	UserID string    `json:"user_id"`
	Range  TimeRange `json:"range"`
}

type SpendSummary struct {
	UserID   string `json:"user_id"`
	WalletID string `json:"wallet_id,omitempty"`
	Currency string `json:"currency"`
	Entries  int    `json:"entries"`

	TotalDebitMinor  int64 `json:"total_debit_minor"`
	TotalCreditMinor int64 `json:"total_credit_minor"`
	NetDeltaMinor    int64 `json:"net_delta_minor"`

	PurchaseMinor    int64 `json:"purchase_minor"`
	RefundMinor      int64 `json:"refund_minor"`
	DepositMinor     int64 `json:"deposit_minor"`
	CommissionMinor  int64 `json:"commission_minor"`
	BonusMinor       int64 `json:"bonus_minor"`
	WithdrawalMinor  int64 `json:"withdrawal_minor"`
	AdminAdjustMinor int64 `json:"admin_adjust_minor"`
}
