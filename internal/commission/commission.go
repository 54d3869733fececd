package commission

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"proxy-reseller/internal/store"
)

var ErrInvalidRate = errors.New("commission: invalid rate")

var hundred = decimal.NewFromInt(100)

// Calculator turns a paid order amount into a reseller payout.
// Rates are percentages such as "10" or "7.5"; a referral without its own rate
// falls back to the configured default.
type Calculator struct {
	defaultRate decimal.Decimal
}

func NewCalculator(defaultRatePercent string) (*Calculator, error) {
	rate, err := parseRate(defaultRatePercent)
	if err != nil {
		return nil, err
	}
	return &Calculator{defaultRate: rate}, nil
}

// Payout is the commission owed to a reseller for one order.
type Payout struct {
	ResellerID  string
	RatePercent string
	AmountMinor int64
}

// Compute returns amount * rate / 100 in minor units, rounded half-up.
func Compute(amountMinor int64, ratePercent decimal.Decimal) int64 {
	return decimal.NewFromInt(amountMinor).Mul(ratePercent).Div(hundred).Round(0).IntPart()
}

// ForOrder resolves the buyer's referral inside tx. ok is false when nothing is owed.
func (c *Calculator) ForOrder(ctx context.Context, tx store.Tx, buyerID string, amountMinor int64) (Payout, bool, error) {
	if amountMinor <= 0 {
		return Payout{}, false, nil
	}
	ref, found, err := tx.GetReferral(ctx, buyerID)
	if err != nil || !found {
		return Payout{}, false, err
	}
	if ref.ResellerID == "" || ref.ResellerID == buyerID {
		return Payout{}, false, nil
	}

	rate := c.defaultRate
	if ref.RatePercent != "" {
		if rate, err = parseRate(ref.RatePercent); err != nil {
			return Payout{}, false, fmt.Errorf("referral %s: %w", buyerID, err)
		}
	}
	amount := Compute(amountMinor, rate)
	if amount <= 0 {
		return Payout{}, false, nil
	}
	return Payout{ResellerID: ref.ResellerID, RatePercent: rate.String(), AmountMinor: amount}, true, nil
}

func parseRate(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	rate, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidRate, s)
	}
	if rate.IsNegative() || rate.GreaterThan(hundred) {
		return decimal.Zero, fmt.Errorf("%w: %s out of range", ErrInvalidRate, s)
	}
	return rate, nil
}
