package model

import (
	"fmt"
	"time"
)

// Order is the immutable record of a checkout or renewal.
// Only Status, PaymentStatus and the completion/cancellation stamps change after creation,
// and Status only moves forward.
type Order struct {
	ID          string    `json:"id" db:"id"`
	OrderNumber string    `json:"order_number" db:"order_number"`
	UserID      string    `json:"user_id" db:"user_id"`
	Kind        OrderKind `json:"kind" db:"kind"`

	TotalMinor int64  `json:"total_minor" db:"total_minor"`
	Currency   string `json:"currency" db:"currency"`

	Status        OrderStatus   `json:"status" db:"status"`
	PaymentStatus PaymentStatus `json:"payment_status" db:"payment_status"`
	PaymentMethod PaymentMethod `json:"payment_method" db:"payment_method"`

	// LedgerEntryID references the wallet debit that paid the order, if any.
	LedgerEntryID string `json:"ledger_entry_id,omitempty" db:"ledger_entry_id"`

	Notes string `json:"notes,omitempty" db:"notes"`

	Items []OrderItem `json:"items"`

	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty" db:"cancelled_at"`
	CancelledBy string     `json:"cancelled_by,omitempty" db:"cancelled_by"`

	Version   int64     `json:"-" db:"version"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// PlanIDs lists the plans produced by the order.
func (o Order) PlanIDs() []string {
	out := make([]string, 0, len(o.Items))
	for _, it := range o.Items {
		if it.PlanID != "" {
			out = append(out, it.PlanID)
		}
	}
	return out
}

// OrderItem is one priced line of an order. Immutable after creation.
type OrderItem struct {
	ID          string   `json:"id" db:"id"`
	OrderID     string   `json:"order_id" db:"order_id"`
	PackageID   string   `json:"package_id" db:"package_id"`
	PackageName string   `json:"package_name" db:"package_name"`
	PlanType    PlanType `json:"plan_type" db:"plan_type"`

	Quantity       int   `json:"quantity" db:"quantity"`
	UnitPriceMinor int64 `json:"unit_price_minor" db:"unit_price_minor"`
	TotalMinor     int64 `json:"total_minor" db:"total_minor"`
	DurationDays   int   `json:"duration_days" db:"duration_days"`

	// PlanID is the plan created (or renewed) by this line.
	PlanID string `json:"plan_id,omitempty" db:"plan_id"`
}

type OrderKind string

const (
	OrderKindPurchase OrderKind = "purchase"
	OrderKindRenewal  OrderKind = "renewal"
)

type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusCompleted  OrderStatus = "completed"
	OrderStatusCancelled  OrderStatus = "cancelled"
	OrderStatusRefunded   OrderStatus = "refunded"
	OrderStatusFailed     OrderStatus = "failed"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusProcessing, OrderStatusCompleted, OrderStatusCancelled, OrderStatusFailed},
	OrderStatusProcessing: {OrderStatusCompleted, OrderStatusCancelled, OrderStatusFailed},
	OrderStatusCompleted:  {OrderStatusRefunded},
}

// To validates a forward-only status move.
func (s OrderStatus) To(next OrderStatus) (OrderStatus, error) {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return next, nil
		}
	}
	return s, fmt.Errorf("%w: order %s -> %s", ErrIllegalTransition, s, next)
}

type PaymentStatus string

const (
	PaymentUnpaid   PaymentStatus = "unpaid"
	PaymentPaid     PaymentStatus = "paid"
	PaymentRefunded PaymentStatus = "refunded"
	PaymentFailed   PaymentStatus = "failed"
)

type PaymentMethod string

const (
	PaymentMethodWallet       PaymentMethod = "wallet"
	PaymentMethodBankTransfer PaymentMethod = "bank_transfer"
	PaymentMethodCard         PaymentMethod = "card"
)
