package order

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.jetify.com/typeid/v2"

	"proxy-reseller/internal/audit"
	"proxy-reseller/internal/catalog"
	"proxy-reseller/internal/events"
	"proxy-reseller/internal/inventory"
	"proxy-reseller/internal/model"
	"proxy-reseller/internal/plan"
	"proxy-reseller/internal/store"
	"proxy-reseller/internal/wallet"
)

// Item is one requested order line.
type Item struct {
	PackageID string `json:"package_id" validate:"required,max=64"`
	Quantity  int    `json:"quantity" validate:"min=1,max=1000"`
	AutoRenew bool   `json:"auto_renew"`
}

type CreateRequest struct {
	UserID        string              `json:"-" validate:"required"`
	Items         []Item              `json:"items" validate:"dive"`
	PaymentMethod model.PaymentMethod `json:"payment_method" validate:"required,oneof=wallet bank_transfer card"`
	Notes         string              `json:"notes" validate:"max=500"`
	// IdempotencyKey makes a wallet checkout safe to resubmit: a repeated key
	// returns the order created by the first submission.
	IdempotencyKey string `json:"idempotency_key" validate:"omitempty,max=128"`
}

// CreateOrder prices the items and, for wallet payments, debits the wallet,
// creates one active plan per line and binds its resources in one transaction.
// Other payment methods only record a pending order.
func (s *Service) CreateOrder(ctx context.Context, req CreateRequest) (model.Order, error) {
	if len(req.Items) == 0 {
		return model.Order{}, ErrEmptyOrder
	}
	if err := s.validateRequest(req); err != nil {
		return model.Order{}, err
	}

	var (
		out      model.Order
		credited *events.WalletCredited
		replayed bool
	)
	err := s.inTx(ctx, "create_order", func(ctx context.Context, tx store.Tx) error {
		credited, replayed = nil, false

		quotes, total, err := s.price(ctx, tx, req.Items)
		if err != nil {
			return err
		}
		o, err := s.newOrder(req.UserID, model.OrderKindPurchase, req.PaymentMethod, total)
		if err != nil {
			return err
		}
		o.Notes = req.Notes
		items := lines(o.ID, quotes)

		if req.PaymentMethod != model.PaymentMethodWallet {
			o.Items = items
			out, err = tx.InsertOrder(ctx, o)
			return err
		}

		w, err := s.wallet.Ensure(ctx, tx, req.UserID)
		if err != nil {
			return err
		}
		// Resubmits with the same key serialize on the wallet row before the lookup.
		if _, err := tx.LockWallet(ctx, w.ID); err != nil {
			return err
		}
		key := ""
		if req.IdempotencyKey != "" {
			key = "checkout:" + req.IdempotencyKey
			prev, ok, err := tx.FindLedgerEntryByIdempotency(ctx, w.ID, key)
			if err != nil {
				return err
			}
			if ok {
				replayed = true
				out, err = tx.GetOrder(ctx, prev.Metadata["order_id"])
				return err
			}
		}

		if total > 0 {
			entry, err := s.wallet.Debit(ctx, tx, w.ID, total, wallet.Posting{
				Reason:         "order " + o.OrderNumber,
				IdempotencyKey: key,
				Metadata: map[string]string{
					"order_id":       o.ID,
					"order_number":   o.OrderNumber,
					"payment_method": string(o.PaymentMethod),
				},
			})
			if err != nil {
				return err
			}
			// A key already spent by another order means this is a resubmit, not a payment.
			if key != "" && entry.Metadata["order_id"] != o.ID {
				replayed = true
				out, err = tx.GetOrder(ctx, entry.Metadata["order_id"])
				return err
			}
			o.LedgerEntryID = entry.ID
		}

		for i, q := range quotes {
			p, err := s.fulfil(ctx, tx, req.UserID, o.ID, q, req.Items[i].AutoRenew, o.CreatedAt)
			if err != nil {
				return fmt.Errorf("line %d (%s): %w", i+1, q.Package.ID, err)
			}
			items[i].PlanID = p.ID
		}

		o.Items = items
		o.Status = model.OrderStatusCompleted
		o.PaymentStatus = model.PaymentPaid
		completed := o.CreatedAt
		o.CompletedAt = &completed
		if out, err = tx.InsertOrder(ctx, o); err != nil {
			return err
		}
		credited, err = s.payCommission(ctx, tx, req.UserID, out)
		return err
	})
	if err != nil {
		return model.Order{}, err
	}
	if replayed {
		return out, nil
	}

	subject := events.SubjectOrderPending
	if out.Status == model.OrderStatusCompleted {
		subject = events.SubjectOrderCompleted
		s.log.InfoContext(ctx, "order completed",
			slog.String("order_id", out.ID),
			slog.String("order_number", out.OrderNumber),
			slog.String("user_id", out.UserID),
			slog.Int64("total_minor", out.TotalMinor),
		)
	}
	s.publish(ctx, subject, orderEvent(out))
	if credited != nil {
		s.publish(ctx, events.SubjectWalletCredited, credited)
	}
	return out, nil
}

// CancelOrder cancels an order that has not been fulfilled.
// Completed orders are never reversed here; their plans are cancelled instead.
func (s *Service) CancelOrder(ctx context.Context, actor Actor, orderID string) (model.Order, error) {
	if orderID == "" {
		return model.Order{}, fmt.Errorf("%w: order id required", ErrValidation)
	}
	var out model.Order
	err := s.inTx(ctx, "cancel_order", func(ctx context.Context, tx store.Tx) error {
		o, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if !actor.owns(o.UserID) {
			return ErrForbidden
		}
		if o.Status == model.OrderStatusCompleted || o.Status == model.OrderStatusCancelled {
			return fmt.Errorf("%w: order %s is %s", ErrInvalidState, o.OrderNumber, o.Status)
		}
		next, err := o.Status.To(model.OrderStatusCancelled)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidState, err)
		}
		now := s.clock().UTC()
		o.Status = next
		o.CancelledAt = &now
		o.CancelledBy = actor.UserID
		out, err = tx.UpdateOrder(ctx, o)
		return err
	})
	if err != nil {
		return model.Order{}, err
	}

	s.publish(ctx, events.SubjectOrderCancelled, orderEvent(out))
	if actor.UserID != out.UserID {
		s.record(ctx, "cancel_order", func(a *audit.Service) error {
			return a.LogOrderCancelled(ctx, actor.auditActor(), out.UserID, out.ID)
		})
	}
	return out, nil
}

// GetOrder returns an order visible to actor.
func (s *Service) GetOrder(ctx context.Context, actor Actor, orderID string) (model.Order, error) {
	var out model.Order
	err := s.readTx(ctx, "get_order", func(ctx context.Context, tx store.Tx) error {
		o, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if !actor.owns(o.UserID) {
			return ErrForbidden
		}
		out = o
		return nil
	})
	return out, err
}

func (s *Service) price(ctx context.Context, tx store.Tx, items []Item) ([]catalog.Quote, int64, error) {
	quotes := make([]catalog.Quote, 0, len(items))
	var total int64
	for _, it := range items {
		q, err := s.catalog.Quote(ctx, tx, it.PackageID, it.Quantity)
		if err != nil {
			return nil, 0, err
		}
		if cur := q.Package.Currency; cur != "" && cur != s.wallet.Currency() {
			return nil, 0, fmt.Errorf("%w: %s is priced in %s", catalog.ErrPackageUnavailable, it.PackageID, cur)
		}
		if total, err = catalog.AddMinor(total, q.TotalMinor); err != nil {
			return nil, 0, err
		}
		quotes = append(quotes, q)
	}
	return quotes, total, nil
}

// fulfil creates the plan for one line, binds its resources and activates it.
func (s *Service) fulfil(ctx context.Context, tx store.Tx, userID, orderID string, q catalog.Quote, autoRenew bool, start time.Time) (model.Plan, error) {
	p, err := s.plans.Create(ctx, tx, plan.CreateParams{
		UserID:            userID,
		OrderID:           orderID,
		Package:           q.Package,
		Quantity:          q.Quantity,
		StartAt:           start,
		AutoRenew:         autoRenew,
		RenewalPriceMinor: q.UnitPriceMinor,
	})
	if err != nil {
		return model.Plan{}, err
	}
	if category, ok := q.Package.PlanType.ProxyCategory(); ok {
		criteria := store.ProxyCriteria{
			Category:    category,
			NetworkType: q.Package.NetworkType,
			Sharing:     q.Package.Sharing,
			Country:     q.Package.Country,
			Protocol:    q.Package.Protocol,
		}
		if _, err := s.alloc.AllocateFor(ctx, tx, inventory.Holder{PlanID: p.ID, UserID: userID}, criteria, q.Quantity); err != nil {
			return model.Plan{}, err
		}
	}
	return s.plans.Activate(ctx, tx, p.ID)
}

// payCommission credits the buyer's reseller inside the order transaction.
func (s *Service) payCommission(ctx context.Context, tx store.Tx, buyerID string, o model.Order) (*events.WalletCredited, error) {
	if s.commission == nil {
		return nil, nil
	}
	payout, ok, err := s.commission.ForOrder(ctx, tx, buyerID, o.TotalMinor)
	if err != nil || !ok {
		return nil, err
	}
	w, err := s.wallet.Ensure(ctx, tx, payout.ResellerID)
	if err != nil {
		return nil, err
	}
	entry, err := s.wallet.Credit(ctx, tx, w.ID, model.LedgerEntryCommission, payout.AmountMinor, wallet.Posting{
		Reason:         "commission on " + o.OrderNumber,
		IdempotencyKey: "commission:" + o.ID,
		Metadata: map[string]string{
			"order_id":     o.ID,
			"order_number": o.OrderNumber,
			"buyer_id":     buyerID,
			"rate_percent": payout.RatePercent,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("commission for %s: %w", payout.ResellerID, err)
	}
	return &events.WalletCredited{
		WalletID:      w.ID,
		UserID:        payout.ResellerID,
		Type:          string(entry.Type),
		AmountMinor:   entry.AmountMinor,
		LedgerEntryID: entry.ID,
		OrderID:       o.ID,
	}, nil
}

func (s *Service) newOrder(userID string, kind model.OrderKind, method model.PaymentMethod, total int64) (model.Order, error) {
	number, err := typeid.Generate("ord")
	if err != nil {
		return model.Order{}, fmt.Errorf("order number: %w", err)
	}
	now := s.clock().UTC()
	return model.Order{
		ID:            uuid.NewString(),
		OrderNumber:   number.String(),
		UserID:        userID,
		Kind:          kind,
		TotalMinor:    total,
		Currency:      s.wallet.Currency(),
		Status:        model.OrderStatusPending,
		PaymentStatus: model.PaymentUnpaid,
		PaymentMethod: method,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

func lines(orderID string, quotes []catalog.Quote) []model.OrderItem {
	items := make([]model.OrderItem, len(quotes))
	for i, q := range quotes {
		items[i] = model.OrderItem{
			ID:             uuid.NewString(),
			OrderID:        orderID,
			PackageID:      q.Package.ID,
			PackageName:    q.Package.Name,
			PlanType:       q.Package.PlanType,
			Quantity:       q.Quantity,
			UnitPriceMinor: q.UnitPriceMinor,
			TotalMinor:     q.TotalMinor,
			DurationDays:   q.Package.DurationDays,
		}
	}
	return items
}

func orderEvent(o model.Order) events.OrderEvent {
	return events.OrderEvent{
		OrderID:     o.ID,
		OrderNumber: o.OrderNumber,
		UserID:      o.UserID,
		Kind:        string(o.Kind),
		Status:      string(o.Status),
		TotalMinor:  o.TotalMinor,
		Currency:    o.Currency,
		PlanIDs:     o.PlanIDs(),
		At:          o.UpdatedAt,
	}
}
