package audit

import "time"

// Event is an immutable, append-only audit log record.
//
// Invariants:
// - Events are never updated or deleted.
// - actor and ip capture are best-effort; do not block critical flows on audit failures.
type Event struct {
	ID   string    `json:"id" db:"id"`
	Type EventType `json:"type" db:"type"`

	// ActorUserID is the authenticated user causing the event.
	ActorUserID string `json:"actor_user_id" db:"actor_user_id"`
	ActorRole   string `json:"actor_role,omitempty" db:"actor_role"`
	IPAddress   string `json:"ip_address,omitempty" db:"ip_address"`

	// Target identifiers (optional, depending on the event type).
	SubjectUserID string `json:"subject_user_id,omitempty" db:"subject_user_id"`
	WalletID      string `json:"wallet_id,omitempty" db:"wallet_id"`
	OrderID       string `json:"order_id,omitempty" db:"order_id"`
	PlanID        string `json:"plan_id,omitempty" db:"plan_id"`

	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeAdminAction    EventType = "admin_action"
	EventTypeWalletAdjusted EventType = "wallet_adjusted"
	EventTypeWalletCredited EventType = "wallet_credited"
	EventTypePlanCancelled  EventType = "plan_cancelled"
	EventTypeOrderCancelled EventType = "order_cancelled"
)
