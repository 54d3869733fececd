package plan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"proxy-reseller/internal/inventory"
	"proxy-reseller/internal/model"
	"proxy-reseller/internal/store"
)

// Manager owns the plan state machine.
//
// It knows nothing about money: the caller activates a plan only after payment
// succeeded in the same transaction.
//
// Grace policy:
// - MarkExpired never releases resources
// - Reclaim releases them once now is past end + grace
// - Cancel releases them immediately
type Manager struct {
	alloc *inventory.Allocator
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewManager(alloc *inventory.Allocator) *Manager {
	return &Manager{alloc: alloc, clock: time.Now}
}

// SetClock overrides the time source.
func (m *Manager) SetClock(clock func() time.Time) { m.clock = clock }

var (
	ErrInvalidPlan     = errors.New("plan: invalid plan")
	ErrAlreadyInactive = errors.New("plan: not active")
	ErrNotRenewable    = errors.New("plan: not renewable")
	ErrGraceActive     = errors.New("plan: grace period still running")
)

type CreateParams struct {
	UserID            string
	OrderID           string
	Package           model.Package
	Quantity          int
	StartAt           time.Time
	AutoRenew         bool
	RenewalPriceMinor int64
}

// Create stores a plan in pending_payment with end = start + package duration.
func (m *Manager) Create(ctx context.Context, tx store.Tx, p CreateParams) (model.Plan, error) {
	if p.UserID == "" || p.OrderID == "" || p.Quantity <= 0 {
		return model.Plan{}, ErrInvalidPlan
	}
	if !p.Package.PlanType.Valid() || p.Package.DurationDays <= 0 {
		return model.Plan{}, fmt.Errorf("%w: package %s", ErrInvalidPlan, p.Package.ID)
	}
	start := p.StartAt
	if start.IsZero() {
		start = m.clock()
	}
	start = start.UTC()

	return tx.InsertPlan(ctx, model.Plan{
		ID:                uuid.NewString(),
		UserID:            p.UserID,
		OrderID:           p.OrderID,
		PackageID:         p.Package.ID,
		Type:              p.Package.PlanType,
		State:             model.PlanStatePendingPayment,
		Quantity:          p.Quantity,
		BandwidthBytes:    p.Package.BandwidthBytes * int64(p.Quantity),
		StartAt:           start,
		EndAt:             start.AddDate(0, 0, p.Package.DurationDays),
		GracePeriodDays:   p.Package.GracePeriodDays,
		AutoRenew:         p.AutoRenew,
		RenewalPriceMinor: p.RenewalPriceMinor,
		RenewalStatus:     model.RenewalNotRenewed,
	})
}

// Activate moves a paid plan to active.
func (m *Manager) Activate(ctx context.Context, tx store.Tx, planID string) (model.Plan, error) {
	p, err := tx.GetPlan(ctx, planID)
	if err != nil {
		return model.Plan{}, err
	}
	return m.transition(ctx, tx, p, model.PlanEventActivate, nil)
}

// Get loads a plan, persisting the expiry if its window has ended.
// It must run in a writable transaction.
func (m *Manager) Get(ctx context.Context, tx store.Tx, planID string) (model.Plan, error) {
	p, err := tx.GetPlan(ctx, planID)
	if err != nil {
		return model.Plan{}, err
	}
	return m.observe(ctx, tx, p)
}

// Cancel ends an active plan and releases every bound resource.
func (m *Manager) Cancel(ctx context.Context, tx store.Tx, planID, actor string) (model.Plan, error) {
	p, err := m.Get(ctx, tx, planID)
	if err != nil {
		return model.Plan{}, err
	}
	if !p.Active() {
		return model.Plan{}, fmt.Errorf("%w: %s is %s", ErrAlreadyInactive, p.ID, p.State)
	}
	if _, err := m.alloc.ReleasePlan(ctx, tx, p.ID, "plan cancelled"); err != nil {
		return model.Plan{}, err
	}
	return m.transition(ctx, tx, p, model.PlanEventCancel, func(p *model.Plan, now time.Time) {
		p.CancelledAt = &now
		p.CancelledBy = actor
		p.ProxiesReleased = true
	})
}

// Renewable reports why p cannot be renewed at now, or nil.
func (m *Manager) Renewable(p model.Plan, now time.Time) error {
	switch p.State {
	case model.PlanStateActive:
		return nil
	case model.PlanStateExpired:
		if p.ProxiesReleased {
			return fmt.Errorf("%w: %s resources already reclaimed", ErrNotRenewable, p.ID)
		}
		if p.GracePeriodDays > 0 && now.After(p.GraceDeadline()) {
			return fmt.Errorf("%w: %s grace period over", ErrNotRenewable, p.ID)
		}
		return nil
	default:
		return fmt.Errorf("%w: %s is %s", ErrNotRenewable, p.ID, p.State)
	}
}

// Renew opens a new window of days. An active plan extends from its current end,
// an expired one from now.
func (m *Manager) Renew(ctx context.Context, tx store.Tx, planID string, days int) (model.Plan, error) {
	if days <= 0 {
		return model.Plan{}, fmt.Errorf("%w: renewal days must be positive", ErrInvalidPlan)
	}
	p, err := m.Get(ctx, tx, planID)
	if err != nil {
		return model.Plan{}, err
	}
	if err := m.Renewable(p, m.clock().UTC()); err != nil {
		return model.Plan{}, err
	}
	wasActive := p.Active()
	return m.transition(ctx, tx, p, model.PlanEventRenew, func(p *model.Plan, now time.Time) {
		if wasActive {
			p.EndAt = p.EndAt.AddDate(0, 0, days)
		} else {
			p.StartAt = now
			p.EndAt = now.AddDate(0, 0, days)
		}
		p.ExpiredAt = nil
		p.RenewalStatus = model.RenewalRenewed
		p.RenewalCount++
		p.LastRenewedAt = &now
	})
}

// MarkExpired moves an active plan to expired. Expiring an expired plan is a no-op.
// Bound resources stay bound until Reclaim or Cancel.
func (m *Manager) MarkExpired(ctx context.Context, tx store.Tx, planID string) (model.Plan, error) {
	p, err := tx.GetPlan(ctx, planID)
	if err != nil {
		return model.Plan{}, err
	}
	return m.expire(ctx, tx, p)
}

// Reclaim releases the resources of an expired plan whose grace period is over.
// Reclaiming twice is a no-op.
func (m *Manager) Reclaim(ctx context.Context, tx store.Tx, planID string) (model.Plan, int, error) {
	p, err := m.Get(ctx, tx, planID)
	if err != nil {
		return model.Plan{}, 0, err
	}
	if !p.Expired() {
		return model.Plan{}, 0, fmt.Errorf("%w: %s is %s", model.ErrIllegalTransition, p.ID, p.State)
	}
	if p.ProxiesReleased {
		return p, 0, nil
	}
	now := m.clock().UTC()
	if !now.After(p.GraceDeadline()) {
		return model.Plan{}, 0, fmt.Errorf("%w: until %s", ErrGraceActive, p.GraceDeadline().Format(time.RFC3339))
	}
	n, err := m.alloc.ReleasePlan(ctx, tx, p.ID, "grace period ended")
	if err != nil {
		return model.Plan{}, 0, err
	}
	p.ProxiesReleased = true
	p, err = tx.UpdatePlan(ctx, p)
	return p, n, err
}

// Due lists the work an external sweep should do at now.
type Due struct {
	Expiring    []model.Plan
	Reclaimable []model.Plan
}

// ListDue finds active plans past their end and expired plans past their grace.
func (m *Manager) ListDue(ctx context.Context, tx store.Tx, now time.Time, limit int) (Due, error) {
	expiring, err := tx.ListPlansDue(ctx, store.PlanDueFilter{State: model.PlanStateActive, EndBefore: now, Limit: limit})
	if err != nil {
		return Due{}, err
	}
	expired, err := tx.ListPlansDue(ctx, store.PlanDueFilter{State: model.PlanStateExpired, EndBefore: now})
	if err != nil {
		return Due{}, err
	}
	var reclaimable []model.Plan
	for _, p := range expired {
		if p.ProxiesReleased || !now.After(p.GraceDeadline()) {
			continue
		}
		reclaimable = append(reclaimable, p)
		if limit > 0 && len(reclaimable) == limit {
			break
		}
	}
	return Due{Expiring: expiring, Reclaimable: reclaimable}, nil
}

func (m *Manager) observe(ctx context.Context, tx store.Tx, p model.Plan) (model.Plan, error) {
	if p.Active() && p.PastEnd(m.clock()) {
		return m.expire(ctx, tx, p)
	}
	return p, nil
}

func (m *Manager) expire(ctx context.Context, tx store.Tx, p model.Plan) (model.Plan, error) {
	if p.Expired() {
		return p, nil
	}
	if p.State == model.PlanStateCancelled {
		return model.Plan{}, fmt.Errorf("%w: %s is cancelled", ErrAlreadyInactive, p.ID)
	}
	return m.transition(ctx, tx, p, model.PlanEventExpire, func(p *model.Plan, now time.Time) {
		p.ExpiredAt = &now
	})
}

func (m *Manager) transition(ctx context.Context, tx store.Tx, p model.Plan, ev model.PlanEvent, mutate func(*model.Plan, time.Time)) (model.Plan, error) {
	next, err := p.State.Next(ev)
	if err != nil {
		return model.Plan{}, err
	}
	p.State = next
	if mutate != nil {
		mutate(&p, m.clock().UTC())
	}
	return tx.UpdatePlan(ctx, p)
}
