package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"proxy-reseller/internal/audit"
)

// AuditRepo appends audit events outside the engine transactions.
type AuditRepo struct {
	pool *pgxpool.Pool
}

var _ audit.Repository = (*AuditRepo)(nil)

func NewAuditRepo(pool *pgxpool.Pool) *AuditRepo { return &AuditRepo{pool: pool} }

func (r *AuditRepo) Append(ctx context.Context, e audit.Event) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO audit_events (id, type, actor_user_id, actor_role, ip_address,
			subject_user_id, wallet_id, order_id, plan_id, message, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULLIF($11, '')::jsonb, $12)`,
		e.ID, string(e.Type), e.ActorUserID, e.ActorRole, e.IPAddress,
		e.SubjectUserID, e.WalletID, e.OrderID, e.PlanID, e.Message, e.Metadata, e.CreatedAt,
	)
	return classify(err)
}
