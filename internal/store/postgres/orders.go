package postgres

import (
	"context"

	"proxy-reseller/internal/model"
)

func (t *pgTx) InsertOrder(ctx context.Context, o model.Order) (model.Order, error) {
	now := t.now().UTC()
	o.Version = 1
	o.CreatedAt, o.UpdatedAt = now, now
	const q = `
INSERT INTO orders (
  id, order_number, user_id, kind, total_minor, currency, status, payment_status, payment_method,
  ledger_entry_id, notes, completed_at, cancelled_at, cancelled_by, version, created_at, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17
)
`
	if _, err := t.tx.Exec(ctx, q,
		o.ID,
		o.OrderNumber,
		o.UserID,
		o.Kind,
		o.TotalMinor,
		o.Currency,
		o.Status,
		o.PaymentStatus,
		o.PaymentMethod,
		o.LedgerEntryID,
		o.Notes,
		o.CompletedAt,
		o.CancelledAt,
		o.CancelledBy,
		o.Version,
		o.CreatedAt,
		o.UpdatedAt,
	); err != nil {
		return model.Order{}, classify(err)
	}

	const qi = `
INSERT INTO order_items (
  id, order_id, position, package_id, package_name, plan_type, quantity,
  unit_price_minor, total_minor, duration_days, plan_id
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
)
`
	for i := range o.Items {
		it := &o.Items[i]
		it.OrderID = o.ID
		if _, err := t.tx.Exec(ctx, qi,
			it.ID,
			it.OrderID,
			i,
			it.PackageID,
			it.PackageName,
			it.PlanType,
			it.Quantity,
			it.UnitPriceMinor,
			it.TotalMinor,
			it.DurationDays,
			it.PlanID,
		); err != nil {
			return model.Order{}, classify(err)
		}
	}
	return o, nil
}

func (t *pgTx) GetOrder(ctx context.Context, orderID string) (model.Order, error) {
	const q = `
SELECT id, order_number, user_id, kind, total_minor, currency, status, payment_status, payment_method,
       ledger_entry_id, notes, completed_at, cancelled_at, cancelled_by, version, created_at, updated_at
FROM orders
WHERE id = $1
`
	var o model.Order
	if err := t.tx.QueryRow(ctx, q, orderID).Scan(
		&o.ID,
		&o.OrderNumber,
		&o.UserID,
		&o.Kind,
		&o.TotalMinor,
		&o.Currency,
		&o.Status,
		&o.PaymentStatus,
		&o.PaymentMethod,
		&o.LedgerEntryID,
		&o.Notes,
		&o.CompletedAt,
		&o.CancelledAt,
		&o.CancelledBy,
		&o.Version,
		&o.CreatedAt,
		&o.UpdatedAt,
	); err != nil {
		return model.Order{}, classifyRow(err)
	}

	const qi = `
SELECT id, order_id, package_id, package_name, plan_type, quantity,
       unit_price_minor, total_minor, duration_days, plan_id
FROM order_items
WHERE order_id = $1
ORDER BY position
`
	rows, err := t.tx.Query(ctx, qi, orderID)
	if err != nil {
		return model.Order{}, classify(err)
	}
	defer rows.Close()
	for rows.Next() {
		var it model.OrderItem
		if err := rows.Scan(
			&it.ID,
			&it.OrderID,
			&it.PackageID,
			&it.PackageName,
			&it.PlanType,
			&it.Quantity,
			&it.UnitPriceMinor,
			&it.TotalMinor,
			&it.DurationDays,
			&it.PlanID,
		); err != nil {
			return model.Order{}, classify(err)
		}
		o.Items = append(o.Items, it)
	}
	return o, classify(rows.Err())
}

// UpdateOrder persists header fields only; items are immutable after creation.
func (t *pgTx) UpdateOrder(ctx context.Context, o model.Order) (model.Order, error) {
	o.UpdatedAt = t.now().UTC()
	const q = `
UPDATE orders
SET status = $3, payment_status = $4, ledger_entry_id = $5, notes = $6,
    completed_at = $7, cancelled_at = $8, cancelled_by = $9,
    version = version + 1, updated_at = $10
WHERE id = $1 AND version = $2
`
	tag, err := t.tx.Exec(ctx, q,
		o.ID,
		o.Version,
		o.Status,
		o.PaymentStatus,
		o.LedgerEntryID,
		o.Notes,
		o.CompletedAt,
		o.CancelledAt,
		o.CancelledBy,
		o.UpdatedAt,
	)
	if err := checkVersioned(tag, err); err != nil {
		return model.Order{}, err
	}
	o.Version++
	return o, nil
}
