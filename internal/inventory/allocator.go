package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"proxy-reseller/internal/model"
	"proxy-reseller/internal/provider"
	"proxy-reseller/internal/store"
)

// Allocator is the only writer of proxy hold state.
//
// Invariants:
//   - a held proxy (leased or sold_assigned) has exactly one CurrentPlanID
//   - candidates from FindAvailable are never trusted; Allocate re-reads each unit
//     inside the caller's transaction before binding it
//   - Release is idempotent
type Allocator struct {
	store   store.Store
	network provider.Network
	log     *slog.Logger
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewAllocator(st store.Store, network provider.Network, log *slog.Logger) *Allocator {
	if log == nil {
		log = slog.Default()
	}
	return &Allocator{store: st, network: network, log: log, clock: time.Now}
}

var (
	ErrResourceUnavailable = errors.New("inventory: resource unavailable")
	ErrOutOfStock          = errors.New("inventory: out of stock")
	ErrInvalidResourceType = errors.New("inventory: invalid resource type")
)

// Holder identifies the plan and user a unit is bound to.
type Holder struct {
	PlanID string
	UserID string
}

// FindAvailable returns free, active units matching c, oldest first.
func (a *Allocator) FindAvailable(ctx context.Context, tx store.Tx, c store.ProxyCriteria, limit int) ([]model.Proxy, error) {
	return tx.FindFreeProxies(ctx, c, limit)
}

// Allocate binds the given units to h.
// A unit that is no longer free fails the call with ErrResourceUnavailable; the caller
// is expected to roll back the transaction.
func (a *Allocator) Allocate(ctx context.Context, tx store.Tx, h Holder, proxyIDs []string) ([]model.Proxy, error) {
	if h.PlanID == "" || h.UserID == "" {
		return nil, errors.New("inventory: holder required")
	}
	now := a.clock().UTC()
	out := make([]model.Proxy, 0, len(proxyIDs))
	for _, id := range proxyIDs {
		p, err := tx.GetProxy(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s gone", ErrResourceUnavailable, id)
		}
		if err != nil {
			return nil, err
		}
		if p.Status != model.ProxyStatusActive {
			return nil, fmt.Errorf("%w: %s is %s", ErrResourceUnavailable, id, p.Status)
		}
		next, err := p.Hold.Allocate(p.ConsumedOnSale())
		if err != nil {
			return nil, fmt.Errorf("%w: %s is %s", ErrResourceUnavailable, id, p.Hold)
		}

		p.Hold = next
		p.CurrentPlanID = h.PlanID
		p.CurrentUserID = h.UserID
		p.AssignedAt = &now
		p.ReleasedAt = nil
		p.ReleaseReason = ""

		p, err = tx.UpdateProxy(ctx, p)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// AllocateFor selects quantity units matching c and binds them to h.
// Fewer than quantity free units fails with ErrOutOfStock, never a partial binding.
func (a *Allocator) AllocateFor(ctx context.Context, tx store.Tx, h Holder, c store.ProxyCriteria, quantity int) ([]model.Proxy, error) {
	candidates, err := a.FindAvailable(ctx, tx, c, quantity)
	if err != nil {
		return nil, err
	}
	if len(candidates) < quantity {
		return nil, fmt.Errorf("%w: %s wanted %d, found %d", ErrOutOfStock, c.Category, quantity, len(candidates))
	}
	ids := make([]string, len(candidates))
	for i, p := range candidates {
		ids[i] = p.ID
	}
	return a.Allocate(ctx, tx, h, ids)
}

// Release unbinds the given units. Units that are not bound are skipped.
// Consumed units stay sold; pooled units return to free.
func (a *Allocator) Release(ctx context.Context, tx store.Tx, proxyIDs []string, reason string) ([]model.Proxy, error) {
	now := a.clock().UTC()
	var out []model.Proxy
	for _, id := range proxyIDs {
		p, err := tx.GetProxy(ctx, id)
		if err != nil {
			return nil, err
		}
		if !p.Assigned() {
			continue
		}
		p.Hold = p.Hold.Release()
		p.LastUserID = p.CurrentUserID
		p.CurrentUserID = ""
		p.CurrentPlanID = ""
		p.ReleasedAt = &now
		p.ReleaseReason = reason

		p, err = tx.UpdateProxy(ctx, p)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// ReleasePlan unbinds every unit held by planID and reports how many were released.
func (a *Allocator) ReleasePlan(ctx context.Context, tx store.Tx, planID, reason string) (int, error) {
	bound, err := a.BoundTo(ctx, tx, planID)
	if err != nil {
		return 0, err
	}
	ids := make([]string, len(bound))
	for i, p := range bound {
		ids[i] = p.ID
	}
	released, err := a.Release(ctx, tx, ids, reason)
	return len(released), err
}

// BoundTo lists the units currently held by planID.
func (a *Allocator) BoundTo(ctx context.Context, tx store.Tx, planID string) ([]model.Proxy, error) {
	return tx.ListProxiesByPlan(ctx, planID)
}
