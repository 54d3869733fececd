package postgres

import (
	"context"
	"errors"

	"proxy-reseller/internal/model"
	"proxy-reseller/internal/store"
)

func (t *pgTx) GetPackage(ctx context.Context, packageID string) (model.Package, error) {
	const q = `
SELECT id, name, plan_type, network_type, sharing, country, protocol, currency,
       price_minor, price_tiers, duration_days, grace_period_days, bandwidth_bytes,
       active, created_at, updated_at
FROM packages
WHERE id = $1
`
	var p model.Package
	err := t.tx.QueryRow(ctx, q, packageID).Scan(
		&p.ID,
		&p.Name,
		&p.PlanType,
		&p.NetworkType,
		&p.Sharing,
		&p.Country,
		&p.Protocol,
		&p.Currency,
		&p.PriceMinor,
		&p.PriceTiers,
		&p.DurationDays,
		&p.GracePeriodDays,
		&p.BandwidthBytes,
		&p.Active,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return model.Package{}, classifyRow(err)
	}
	return p, nil
}

func (t *pgTx) GetReferral(ctx context.Context, userID string) (model.Referral, bool, error) {
	const q = `SELECT user_id, reseller_id, rate_percent, created_at FROM referrals WHERE user_id = $1`
	var r model.Referral
	err := t.tx.QueryRow(ctx, q, userID).Scan(&r.UserID, &r.ResellerID, &r.RatePercent, &r.CreatedAt)
	if err != nil {
		if err = classifyRow(err); errors.Is(err, store.ErrNotFound) {
			return model.Referral{}, false, nil
		}
		return model.Referral{}, false, err
	}
	return r, true, nil
}
