package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events. Append-only.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service records internal audit information.
// Audit is internal-only and callers treat it as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

// Actor is who performed an audited action.
type Actor struct {
	UserID string
	Role   string
	IP     string
}

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.ActorUserID == "" || e.Type == "" {
		return ErrInvalidEvent
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// LogWalletPosting records a manual credit or adjustment made by staff.
func (s *Service) LogWalletPosting(ctx context.Context, actor Actor, typ EventType, subjectUserID, walletID, message, metadata string) error {
	return s.Append(ctx, Event{
		Type:          typ,
		ActorUserID:   actor.UserID,
		ActorRole:     actor.Role,
		IPAddress:     actor.IP,
		SubjectUserID: subjectUserID,
		WalletID:      walletID,
		Message:       message,
		Metadata:      metadata,
	})
}

// LogPlanCancelled records a plan cancellation.
func (s *Service) LogPlanCancelled(ctx context.Context, actor Actor, subjectUserID, planID string) error {
	return s.Append(ctx, Event{
		Type:          EventTypePlanCancelled,
		ActorUserID:   actor.UserID,
		ActorRole:     actor.Role,
		IPAddress:     actor.IP,
		SubjectUserID: subjectUserID,
		PlanID:        planID,
		Message:       "plan cancelled",
	})
}

// LogOrderCancelled records an order cancellation.
func (s *Service) LogOrderCancelled(ctx context.Context, actor Actor, subjectUserID, orderID string) error {
	return s.Append(ctx, Event{
		Type:          EventTypeOrderCancelled,
		ActorUserID:   actor.UserID,
		ActorRole:     actor.Role,
		IPAddress:     actor.IP,
		SubjectUserID: subjectUserID,
		OrderID:       orderID,
		Message:       "order cancelled",
	})
}
