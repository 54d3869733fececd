package model

import (
	"errors"
	"fmt"
	"time"
)

var ErrIllegalTransition = errors.New("model: illegal state transition")

// Plan is a purchased, time-bounded entitlement to proxies or a bandwidth quota.
type Plan struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	OrderID   string    `json:"order_id" db:"order_id"`
	PackageID string    `json:"package_id" db:"package_id"`
	Type      PlanType  `json:"plan_type" db:"plan_type"`
	State     PlanState `json:"state" db:"state"`

	Quantity       int   `json:"quantity" db:"quantity"`
	BandwidthBytes int64 `json:"bandwidth_bytes,omitempty" db:"bandwidth_bytes"`

	StartAt time.Time `json:"start_date" db:"start_at"`
	EndAt   time.Time `json:"end_date" db:"end_at"`

	GracePeriodDays int `json:"grace_period_days" db:"grace_period_days"`

	AutoRenew         bool          `json:"auto_renew" db:"auto_renew"`
	RenewalPriceMinor int64         `json:"renewal_price_minor" db:"renewal_price_minor"`
	RenewalStatus     RenewalStatus `json:"renewal_status" db:"renewal_status"`
	RenewalCount      int           `json:"renewal_count" db:"renewal_count"`
	LastRenewedAt     *time.Time    `json:"last_renewed_at,omitempty" db:"last_renewed_at"`

	ExpiredAt       *time.Time `json:"expired_at,omitempty" db:"expired_at"`
	CancelledAt     *time.Time `json:"cancelled_at,omitempty" db:"cancelled_at"`
	CancelledBy     string     `json:"cancelled_by,omitempty" db:"cancelled_by"`
	ProxiesReleased bool       `json:"proxies_released" db:"proxies_released"`

	Version   int64     `json:"-" db:"version"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

func (p Plan) Active() bool  { return p.State == PlanStateActive }
func (p Plan) Expired() bool { return p.State == PlanStateExpired }

// PastEnd reports whether now is after the nominal end of the plan window.
func (p Plan) PastEnd(now time.Time) bool { return now.After(p.EndAt) }

// GraceDeadline is the instant after which an expired plan may be reclaimed.
func (p Plan) GraceDeadline() time.Time {
	return p.EndAt.AddDate(0, 0, p.GracePeriodDays)
}

type PlanType string

const (
	PlanTypeStatic    PlanType = "static"
	PlanTypeRotating  PlanType = "rotating"
	PlanTypeBandwidth PlanType = "bandwidth"
)

// ProxyCategory maps the plan type to the inventory it draws from.
// Bandwidth plans draw no inventory.
func (t PlanType) ProxyCategory() (ProxyCategory, bool) {
	switch t {
	case PlanTypeStatic:
		return ProxyCategoryStatic, true
	case PlanTypeRotating:
		return ProxyCategoryRotating, true
	default:
		return "", false
	}
}

func (t PlanType) Valid() bool {
	switch t {
	case PlanTypeStatic, PlanTypeRotating, PlanTypeBandwidth:
		return true
	default:
		return false
	}
}

type RenewalStatus string

const (
	RenewalNotRenewed RenewalStatus = "not_renewed"
	RenewalPending    RenewalStatus = "pending"
	RenewalRenewed    RenewalStatus = "renewed"
)

type PlanState string

const (
	PlanStatePendingPayment PlanState = "pending_payment"
	PlanStateActive         PlanState = "active"
	PlanStateExpired        PlanState = "expired"
	PlanStateCancelled      PlanState = "cancelled"
)

type PlanEvent string

const (
	PlanEventActivate PlanEvent = "activate"
	PlanEventExpire   PlanEvent = "expire"
	PlanEventCancel   PlanEvent = "cancel"
	PlanEventRenew    PlanEvent = "renew"
)

var planTransitions = map[PlanState]map[PlanEvent]PlanState{
	PlanStatePendingPayment: {
		PlanEventActivate: PlanStateActive,
		PlanEventCancel:   PlanStateCancelled,
	},
	PlanStateActive: {
		PlanEventExpire: PlanStateExpired,
		PlanEventCancel: PlanStateCancelled,
		PlanEventRenew:  PlanStateActive,
	},
	PlanStateExpired: {
		PlanEventExpire: PlanStateExpired,
		PlanEventRenew:  PlanStateActive,
	},
	PlanStateCancelled: {},
}

// Next applies ev to s. Unknown or illegal combinations return ErrIllegalTransition.
func (s PlanState) Next(ev PlanEvent) (PlanState, error) {
	if to, ok := planTransitions[s][ev]; ok {
		return to, nil
	}
	return s, fmt.Errorf("%w: %s on %s plan", ErrIllegalTransition, ev, s)
}
