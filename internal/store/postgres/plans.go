package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"proxy-reseller/internal/model"
	"proxy-reseller/internal/store"
)

const planColumns = `id, user_id, order_id, package_id, plan_type, state, quantity, bandwidth_bytes,
       start_at, end_at, grace_period_days, auto_renew, renewal_price_minor, renewal_status,
       renewal_count, last_renewed_at, expired_at, cancelled_at, cancelled_by, proxies_released,
       version, created_at, updated_at`

func scanPlan(row pgx.Row) (model.Plan, error) {
	var p model.Plan
	err := row.Scan(
		&p.ID,
		&p.UserID,
		&p.OrderID,
		&p.PackageID,
		&p.Type,
		&p.State,
		&p.Quantity,
		&p.BandwidthBytes,
		&p.StartAt,
		&p.EndAt,
		&p.GracePeriodDays,
		&p.AutoRenew,
		&p.RenewalPriceMinor,
		&p.RenewalStatus,
		&p.RenewalCount,
		&p.LastRenewedAt,
		&p.ExpiredAt,
		&p.CancelledAt,
		&p.CancelledBy,
		&p.ProxiesReleased,
		&p.Version,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return model.Plan{}, classifyRow(err)
	}
	return p, nil
}

func (t *pgTx) InsertPlan(ctx context.Context, p model.Plan) (model.Plan, error) {
	now := t.now().UTC()
	p.Version = 1
	p.CreatedAt, p.UpdatedAt = now, now
	const q = `
INSERT INTO plans (
  id, user_id, order_id, package_id, plan_type, state, quantity, bandwidth_bytes,
  start_at, end_at, grace_period_days, auto_renew, renewal_price_minor, renewal_status,
  renewal_count, last_renewed_at, expired_at, cancelled_at, cancelled_by, proxies_released,
  version, created_at, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23
)
`
	_, err := t.tx.Exec(ctx, q,
		p.ID,
		p.UserID,
		p.OrderID,
		p.PackageID,
		p.Type,
		p.State,
		p.Quantity,
		p.BandwidthBytes,
		p.StartAt,
		p.EndAt,
		p.GracePeriodDays,
		p.AutoRenew,
		p.RenewalPriceMinor,
		p.RenewalStatus,
		p.RenewalCount,
		p.LastRenewedAt,
		p.ExpiredAt,
		p.CancelledAt,
		p.CancelledBy,
		p.ProxiesReleased,
		p.Version,
		p.CreatedAt,
		p.UpdatedAt,
	)
	if err != nil {
		return model.Plan{}, classify(err)
	}
	return p, nil
}

func (t *pgTx) GetPlan(ctx context.Context, planID string) (model.Plan, error) {
	q := `SELECT ` + planColumns + ` FROM plans WHERE id = $1`
	return scanPlan(t.tx.QueryRow(ctx, q, planID))
}

func (t *pgTx) UpdatePlan(ctx context.Context, p model.Plan) (model.Plan, error) {
	p.UpdatedAt = t.now().UTC()
	const q = `
UPDATE plans
SET state = $3, start_at = $4, end_at = $5, auto_renew = $6, renewal_price_minor = $7,
    renewal_status = $8, renewal_count = $9, last_renewed_at = $10, expired_at = $11,
    cancelled_at = $12, cancelled_by = $13, proxies_released = $14,
    version = version + 1, updated_at = $15
WHERE id = $1 AND version = $2
`
	tag, err := t.tx.Exec(ctx, q,
		p.ID,
		p.Version,
		p.State,
		p.StartAt,
		p.EndAt,
		p.AutoRenew,
		p.RenewalPriceMinor,
		p.RenewalStatus,
		p.RenewalCount,
		p.LastRenewedAt,
		p.ExpiredAt,
		p.CancelledAt,
		p.CancelledBy,
		p.ProxiesReleased,
		p.UpdatedAt,
	)
	if err := checkVersioned(tag, err); err != nil {
		return model.Plan{}, err
	}
	p.Version++
	return p, nil
}

func (t *pgTx) ListPlansDue(ctx context.Context, f store.PlanDueFilter) ([]model.Plan, error) {
	q := `SELECT ` + planColumns + ` FROM plans WHERE state = $1 AND end_at < $2 ORDER BY end_at, id`
	args := []any{f.State, f.EndBefore}
	if f.Limit > 0 {
		q += ` LIMIT $3`
		args = append(args, f.Limit)
	}
	rows, err := t.tx.Query(ctx, q, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []model.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, classify(rows.Err())
}
