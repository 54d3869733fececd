package model

import "time"

// Package is a sellable catalog entry. The engine treats it as read-only reference data.
type Package struct {
	ID       string   `json:"id" db:"id"`
	Name     string   `json:"name" db:"name"`
	PlanType PlanType `json:"plan_type" db:"plan_type"`

	// Allocation criteria for static and rotating packages.
	NetworkType NetworkType `json:"network_type" db:"network_type"`
	Sharing     Sharing     `json:"sharing" db:"sharing"`
	Country     string      `json:"country,omitempty" db:"country"`
	Protocol    Protocol    `json:"protocol,omitempty" db:"protocol"`

	Currency   string      `json:"currency" db:"currency"`
	PriceMinor int64       `json:"price_minor" db:"price_minor"`
	PriceTiers []PriceTier `json:"price_tiers,omitempty" db:"price_tiers"`

	DurationDays    int   `json:"duration_days" db:"duration_days"`
	GracePeriodDays int   `json:"grace_period_days" db:"grace_period_days"`
	BandwidthBytes  int64 `json:"bandwidth_bytes,omitempty" db:"bandwidth_bytes"`

	Active bool `json:"active" db:"active"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// PriceTier applies PriceMinor per unit once the ordered quantity reaches MinQuantity.
type PriceTier struct {
	MinQuantity int   `json:"min_quantity"`
	PriceMinor  int64 `json:"price_minor"`
}

// Referral links a buyer to the reseller that earns commission on the buyer's orders.
type Referral struct {
	UserID     string `json:"user_id" db:"user_id"`
	ResellerID string `json:"reseller_id" db:"reseller_id"`

	// RatePercent is a decimal string such as "10" or "7.5". Empty means the configured default.
	RatePercent string `json:"rate_percent,omitempty" db:"rate_percent"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
