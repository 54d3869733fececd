package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"proxy-reseller/internal/model"
	"proxy-reseller/internal/store"
)

const proxyColumns = `id, provider_resource_id, host, port, username, password, protocol,
       category, network_type, sharing, country, status, hold,
       current_user_id, current_plan_id, last_user_id,
       assigned_at, released_at, release_reason, last_rotated_at,
       version, created_at, updated_at`

func scanProxy(row pgx.Row) (model.Proxy, error) {
	var p model.Proxy
	err := row.Scan(
		&p.ID,
		&p.ProviderResourceID,
		&p.Host,
		&p.Port,
		&p.Username,
		&p.Password,
		&p.Protocol,
		&p.Category,
		&p.NetworkType,
		&p.Sharing,
		&p.Country,
		&p.Status,
		&p.Hold,
		&p.CurrentUserID,
		&p.CurrentPlanID,
		&p.LastUserID,
		&p.AssignedAt,
		&p.ReleasedAt,
		&p.ReleaseReason,
		&p.LastRotatedAt,
		&p.Version,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return model.Proxy{}, classifyRow(err)
	}
	return p, nil
}

func collectProxies(rows pgx.Rows) ([]model.Proxy, error) {
	defer rows.Close()
	var out []model.Proxy
	for rows.Next() {
		p, err := scanProxy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, classify(rows.Err())
}

func (t *pgTx) GetProxy(ctx context.Context, proxyID string) (model.Proxy, error) {
	q := `SELECT ` + proxyColumns + ` FROM proxies WHERE id = $1`
	return scanProxy(t.tx.QueryRow(ctx, q, proxyID))
}

// FindFreeProxies skips rows locked by concurrent checkouts so two orders never
// block on, or double-book, the same candidate.
func (t *pgTx) FindFreeProxies(ctx context.Context, c store.ProxyCriteria, limit int) ([]model.Proxy, error) {
	var (
		where = []string{"status = $1", "hold = $2"}
		args  = []any{model.ProxyStatusActive, model.HoldFree}
	)
	add := func(col string, v string) {
		if v == "" {
			return
		}
		args = append(args, v)
		where = append(where, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	add("category", string(c.Category))
	add("network_type", string(c.NetworkType))
	add("sharing", string(c.Sharing))
	add("country", c.Country)
	add("protocol", string(c.Protocol))

	q := `SELECT ` + proxyColumns + ` FROM proxies WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY created_at, id`
	if limit > 0 {
		args = append(args, limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	q += ` FOR UPDATE SKIP LOCKED`

	rows, err := t.tx.Query(ctx, q, args...)
	if err != nil {
		return nil, classify(err)
	}
	return collectProxies(rows)
}

func (t *pgTx) ListProxiesByPlan(ctx context.Context, planID string) ([]model.Proxy, error) {
	q := `SELECT ` + proxyColumns + ` FROM proxies
WHERE current_plan_id = $1 AND hold IN ('leased', 'sold_assigned')
ORDER BY id`
	rows, err := t.tx.Query(ctx, q, planID)
	if err != nil {
		return nil, classify(err)
	}
	return collectProxies(rows)
}

func (t *pgTx) UpdateProxy(ctx context.Context, p model.Proxy) (model.Proxy, error) {
	p.UpdatedAt = t.now().UTC()
	const q = `
UPDATE proxies
SET host = $3, port = $4, username = $5, password = $6, status = $7, hold = $8,
    current_user_id = $9, current_plan_id = $10, last_user_id = $11,
    assigned_at = $12, released_at = $13, release_reason = $14, last_rotated_at = $15,
    version = version + 1, updated_at = $16
WHERE id = $1 AND version = $2
`
	tag, err := t.tx.Exec(ctx, q,
		p.ID,
		p.Version,
		p.Host,
		p.Port,
		p.Username,
		p.Password,
		p.Status,
		p.Hold,
		p.CurrentUserID,
		p.CurrentPlanID,
		p.LastUserID,
		p.AssignedAt,
		p.ReleasedAt,
		p.ReleaseReason,
		p.LastRotatedAt,
		p.UpdatedAt,
	)
	if err := checkVersioned(tag, err); err != nil {
		return model.Proxy{}, err
	}
	p.Version++
	return p, nil
}
