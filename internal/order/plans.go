package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"proxy-reseller/internal/audit"
	"proxy-reseller/internal/catalog"
	"proxy-reseller/internal/events"
	"proxy-reseller/internal/inventory"
	"proxy-reseller/internal/model"
	"proxy-reseller/internal/plan"
	"proxy-reseller/internal/store"
	"proxy-reseller/internal/wallet"
)

type RenewRequest struct {
	PlanID string `json:"-" validate:"required"`
	// Days defaults to the package duration and must be a whole number of
	// package periods. Each period is charged in full.
	Days int `json:"days" validate:"min=0,max=3650"`
}

// RenewPlan charges the plan owner for another window and extends the plan.
// The renewal is recorded as its own order. Nothing changes when the wallet is short.
func (s *Service) RenewPlan(ctx context.Context, actor Actor, req RenewRequest) (model.Order, model.Plan, error) {
	if err := s.validateRequest(req); err != nil {
		return model.Order{}, model.Plan{}, err
	}

	var (
		outOrder model.Order
		outPlan  model.Plan
		credited *events.WalletCredited
	)
	err := s.inTx(ctx, "renew_plan", func(ctx context.Context, tx store.Tx) error {
		credited = nil

		p, err := s.plans.Get(ctx, tx, req.PlanID)
		if err != nil {
			return err
		}
		if !actor.owns(p.UserID) {
			return ErrForbidden
		}
		if err := s.plans.Renewable(p, s.clock().UTC()); err != nil {
			return err
		}

		pkg, err := tx.GetPackage(ctx, p.PackageID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s not found", catalog.ErrPackageUnavailable, p.PackageID)
		}
		if err != nil {
			return err
		}
		if pkg.DurationDays <= 0 {
			return fmt.Errorf("%w: %s has no duration", catalog.ErrPackageUnavailable, pkg.ID)
		}
		days := req.Days
		if days == 0 {
			days = pkg.DurationDays
		}
		if days%pkg.DurationDays != 0 {
			return fmt.Errorf("%w: days must be a multiple of %d", ErrValidation, pkg.DurationDays)
		}
		unit := p.RenewalPriceMinor
		if unit <= 0 {
			unit = catalog.UnitPrice(pkg, p.Quantity)
		}
		perPeriod, err := catalog.MulMinor(unit, int64(p.Quantity))
		if err != nil {
			return err
		}
		total, err := catalog.MulMinor(perPeriod, int64(days/pkg.DurationDays))
		if err != nil {
			return err
		}

		o, err := s.newOrder(p.UserID, model.OrderKindRenewal, model.PaymentMethodWallet, total)
		if err != nil {
			return err
		}
		w, err := s.wallet.Ensure(ctx, tx, p.UserID)
		if err != nil {
			return err
		}
		if total > 0 {
			entry, err := s.wallet.Debit(ctx, tx, w.ID, total, wallet.Posting{
				Reason: "renewal " + o.OrderNumber,
				Metadata: map[string]string{
					"order_id":     o.ID,
					"order_number": o.OrderNumber,
					"plan_id":      p.ID,
				},
			})
			if err != nil {
				return err
			}
			o.LedgerEntryID = entry.ID
		}

		if outPlan, err = s.plans.Renew(ctx, tx, p.ID, days); err != nil {
			return err
		}

		o.Items = []model.OrderItem{{
			ID:             uuid.NewString(),
			OrderID:        o.ID,
			PackageID:      pkg.ID,
			PackageName:    pkg.Name,
			PlanType:       p.Type,
			Quantity:       p.Quantity,
			UnitPriceMinor: unit,
			TotalMinor:     total,
			DurationDays:   days,
			PlanID:         p.ID,
		}}
		o.Status = model.OrderStatusCompleted
		o.PaymentStatus = model.PaymentPaid
		completed := o.CreatedAt
		o.CompletedAt = &completed
		if outOrder, err = tx.InsertOrder(ctx, o); err != nil {
			return err
		}
		credited, err = s.payCommission(ctx, tx, p.UserID, outOrder)
		return err
	})
	if err != nil {
		return model.Order{}, model.Plan{}, err
	}

	s.log.InfoContext(ctx, "plan renewed",
		slog.String("plan_id", outPlan.ID),
		slog.String("order_id", outOrder.ID),
		slog.String("user_id", outPlan.UserID),
		slog.Time("end_at", outPlan.EndAt),
	)
	ev := planEvent(outPlan, actor.UserID)
	ev.RenewalOrderID = outOrder.ID
	s.publish(ctx, events.SubjectPlanRenewed, ev)
	s.publish(ctx, events.SubjectOrderCompleted, orderEvent(outOrder))
	if credited != nil {
		s.publish(ctx, events.SubjectWalletCredited, credited)
	}
	return outOrder, outPlan, nil
}

// CancelPlan ends an active plan and releases its resources. No refund is issued.
func (s *Service) CancelPlan(ctx context.Context, actor Actor, planID string) (model.Plan, error) {
	var (
		out      model.Plan
		released int
	)
	err := s.inTx(ctx, "cancel_plan", func(ctx context.Context, tx store.Tx) error {
		p, err := tx.GetPlan(ctx, planID)
		if err != nil {
			return err
		}
		if !actor.owns(p.UserID) {
			return ErrForbidden
		}
		bound, err := s.alloc.BoundTo(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		released = len(bound)
		out, err = s.plans.Cancel(ctx, tx, p.ID, actor.UserID)
		return err
	})
	if err != nil {
		return model.Plan{}, err
	}

	ev := planEvent(out, actor.UserID)
	ev.ProxiesReleased = released
	s.publish(ctx, events.SubjectPlanCancelled, ev)
	if actor.Staff {
		s.record(ctx, "cancel_plan", func(a *audit.Service) error {
			return a.LogPlanCancelled(ctx, actor.auditActor(), out.UserID, out.ID)
		})
	}
	return out, nil
}

// PlanView is a plan with the resources bound to it.
type PlanView struct {
	Plan    model.Plan    `json:"plan"`
	Proxies []model.Proxy `json:"proxies"`
}

// GetPlan loads a plan visible to actor. A plan past its end is expired on read.
func (s *Service) GetPlan(ctx context.Context, actor Actor, planID string) (PlanView, error) {
	var out PlanView
	err := s.inTx(ctx, "get_plan", func(ctx context.Context, tx store.Tx) error {
		p, err := tx.GetPlan(ctx, planID)
		if err != nil {
			return err
		}
		if !actor.owns(p.UserID) {
			return ErrForbidden
		}
		if p, err = s.plans.Get(ctx, tx, planID); err != nil {
			return err
		}
		proxies, err := s.alloc.BoundTo(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		out = PlanView{Plan: p, Proxies: proxies}
		return nil
	})
	return out, err
}

// RotateProxy asks the provider for a new exit IP on a rotating unit the actor holds.
// A provider failure is reported in the result and leaves the unit unchanged.
func (s *Service) RotateProxy(ctx context.Context, actor Actor, proxyID string) (inventory.RotateResult, error) {
	res, err := s.alloc.Rotate(ctx, proxyID, func(p model.Proxy) error {
		if !p.Assigned() {
			return fmt.Errorf("%w: proxy %s is not bound to a plan", ErrInvalidState, p.ID)
		}
		if !actor.owns(p.CurrentUserID) {
			return ErrForbidden
		}
		return s.readTx(ctx, "rotate_proxy", func(ctx context.Context, tx store.Tx) error {
			pl, err := tx.GetPlan(ctx, p.CurrentPlanID)
			if err != nil {
				return err
			}
			if !pl.Active() || pl.PastEnd(s.clock()) {
				return fmt.Errorf("%w: plan %s is %s", plan.ErrAlreadyInactive, pl.ID, pl.State)
			}
			return nil
		})
	})
	if err != nil {
		return inventory.RotateResult{}, err
	}
	if res.Rotated {
		s.publish(ctx, events.SubjectProxyRotated, events.ProxyRotated{
			ProxyID: res.Proxy.ID,
			PlanID:  res.Proxy.CurrentPlanID,
			UserID:  res.Proxy.CurrentUserID,
			Host:    res.Proxy.Host,
			Port:    res.Proxy.Port,
		})
	}
	return res, nil
}

// PlanHealth probes every unit bound to the plan. Provider calls run outside any transaction.
func (s *Service) PlanHealth(ctx context.Context, actor Actor, planID string) ([]inventory.ProbeResult, error) {
	var proxies []model.Proxy
	err := s.readTx(ctx, "plan_health", func(ctx context.Context, tx store.Tx) error {
		p, err := tx.GetPlan(ctx, planID)
		if err != nil {
			return err
		}
		if !actor.owns(p.UserID) {
			return ErrForbidden
		}
		proxies, err = s.alloc.BoundTo(ctx, tx, p.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.alloc.Probe(ctx, proxies, 4), nil
}

// ExpirePlan marks a plan expired. Resources stay bound until ReclaimPlan.
func (s *Service) ExpirePlan(ctx context.Context, planID string) (model.Plan, error) {
	var (
		out     model.Plan
		changed bool
	)
	err := s.inTx(ctx, "expire_plan", func(ctx context.Context, tx store.Tx) error {
		before, err := tx.GetPlan(ctx, planID)
		if err != nil {
			return err
		}
		changed = before.Active()
		out, err = s.plans.MarkExpired(ctx, tx, planID)
		return err
	})
	if err != nil {
		return model.Plan{}, err
	}
	if changed {
		s.publish(ctx, events.SubjectPlanExpired, planEvent(out, "sweep"))
	}
	return out, nil
}

// ReclaimPlan releases the resources of an expired plan whose grace period is over.
func (s *Service) ReclaimPlan(ctx context.Context, planID string) (model.Plan, int, error) {
	var (
		out model.Plan
		n   int
	)
	err := s.inTx(ctx, "reclaim_plan", func(ctx context.Context, tx store.Tx) error {
		var err error
		out, n, err = s.plans.Reclaim(ctx, tx, planID)
		return err
	})
	if err != nil {
		return model.Plan{}, 0, err
	}
	if n > 0 {
		ev := planEvent(out, "sweep")
		ev.ProxiesReleased = n
		s.publish(ctx, events.SubjectPlanReclaimed, ev)
	}
	return out, n, nil
}

// SweepResult summarises one ExpireDue pass.
type SweepResult struct {
	Expired   int `json:"expired"`
	Reclaimed int `json:"reclaimed"`
	Failed    int `json:"failed"`
}

// ExpireDue runs one pass of the periodic sweep: active plans past their end are
// expired, expired plans past their grace are reclaimed. Each plan commits on its own.
func (s *Service) ExpireDue(ctx context.Context, limit int) (SweepResult, error) {
	var due plan.Due
	err := s.readTx(ctx, "list_due", func(ctx context.Context, tx store.Tx) error {
		var err error
		due, err = s.plans.ListDue(ctx, tx, s.clock().UTC(), limit)
		return err
	})
	if err != nil {
		return SweepResult{}, err
	}

	var res SweepResult
	for _, p := range due.Expiring {
		if _, err := s.ExpirePlan(ctx, p.ID); err != nil {
			res.Failed++
			s.log.WarnContext(ctx, "expire plan failed", slog.String("plan_id", p.ID), slog.String("error", err.Error()))
			continue
		}
		res.Expired++
	}
	for _, p := range due.Reclaimable {
		if _, _, err := s.ReclaimPlan(ctx, p.ID); err != nil {
			res.Failed++
			s.log.WarnContext(ctx, "reclaim plan failed", slog.String("plan_id", p.ID), slog.String("error", err.Error()))
			continue
		}
		res.Reclaimed++
	}
	if res.Expired+res.Reclaimed+res.Failed > 0 {
		s.log.InfoContext(ctx, "expiry sweep",
			slog.Int("expired", res.Expired),
			slog.Int("reclaimed", res.Reclaimed),
			slog.Int("failed", res.Failed),
		)
	}
	return res, nil
}

func planEvent(p model.Plan, by string) events.PlanEvent {
	return events.PlanEvent{
		PlanID:      p.ID,
		UserID:      p.UserID,
		State:       string(p.State),
		EndAt:       p.EndAt,
		TriggeredBy: by,
	}
}
