package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"proxy-reseller/internal/audit"
	"proxy-reseller/internal/events"
	"proxy-reseller/internal/model"
	"proxy-reseller/internal/store"
	"proxy-reseller/internal/wallet"
)

// CreditRequest posts money into a user's wallet, e.g. a confirmed top-up.
type CreditRequest struct {
	UserID         string                `json:"user_id" validate:"required"`
	Type           model.LedgerEntryType `json:"type" validate:"required,oneof=deposit refund bonus commission"`
	AmountMinor    int64                 `json:"amount_minor" validate:"gt=0"`
	Reason         string                `json:"reason" validate:"max=255"`
	Reference      string                `json:"reference" validate:"max=128"`
	IdempotencyKey string                `json:"idempotency_key" validate:"omitempty,max=128"`
}

// AdjustRequest is a signed staff correction of a balance.
type AdjustRequest struct {
	UserID         string `json:"user_id" validate:"required"`
	DeltaMinor     int64  `json:"delta_minor" validate:"ne=0"`
	Reason         string `json:"reason" validate:"required,max=255"`
	IdempotencyKey string `json:"idempotency_key" validate:"omitempty,max=128"`
}

// CreditWallet posts a credit on behalf of staff and records it in the audit log.
func (s *Service) CreditWallet(ctx context.Context, actor Actor, req CreditRequest) (model.LedgerEntry, error) {
	if !actor.Staff {
		return model.LedgerEntry{}, ErrForbidden
	}
	if err := s.validateRequest(req); err != nil {
		return model.LedgerEntry{}, err
	}
	meta := map[string]string{"actor_id": actor.UserID}
	if req.Reference != "" {
		meta["reference"] = req.Reference
	}

	var entry model.LedgerEntry
	err := s.inTx(ctx, "credit_wallet", func(ctx context.Context, tx store.Tx) error {
		w, err := s.wallet.Ensure(ctx, tx, req.UserID)
		if err != nil {
			return err
		}
		entry, err = s.wallet.Credit(ctx, tx, w.ID, req.Type, req.AmountMinor, wallet.Posting{
			Reason:         req.Reason,
			IdempotencyKey: req.IdempotencyKey,
			Metadata:       meta,
		})
		return err
	})
	if err != nil {
		return model.LedgerEntry{}, err
	}

	s.publish(ctx, events.SubjectWalletCredited, events.WalletCredited{
		WalletID:      entry.WalletID,
		UserID:        req.UserID,
		Type:          string(entry.Type),
		AmountMinor:   entry.AmountMinor,
		LedgerEntryID: entry.ID,
	})
	s.record(ctx, "credit_wallet", func(a *audit.Service) error {
		return a.LogWalletPosting(ctx, actor.auditActor(), audit.EventTypeWalletCredited, req.UserID, entry.WalletID,
			req.Reason, postingMetadata(entry))
	})
	return entry, nil
}

// AdjustWallet applies a signed correction. A correction may not overdraw the wallet.
func (s *Service) AdjustWallet(ctx context.Context, actor Actor, req AdjustRequest) (model.LedgerEntry, error) {
	if !actor.Staff {
		return model.LedgerEntry{}, ErrForbidden
	}
	if err := s.validateRequest(req); err != nil {
		return model.LedgerEntry{}, err
	}

	var entry model.LedgerEntry
	err := s.inTx(ctx, "adjust_wallet", func(ctx context.Context, tx store.Tx) error {
		w, err := s.wallet.Ensure(ctx, tx, req.UserID)
		if err != nil {
			return err
		}
		entry, err = s.wallet.Adjust(ctx, tx, w.ID, req.DeltaMinor, wallet.Posting{
			Reason:         req.Reason,
			IdempotencyKey: req.IdempotencyKey,
			Metadata:       map[string]string{"actor_id": actor.UserID},
		})
		return err
	})
	if err != nil {
		return model.LedgerEntry{}, err
	}

	s.record(ctx, "adjust_wallet", func(a *audit.Service) error {
		return a.LogWalletPosting(ctx, actor.auditActor(), audit.EventTypeWalletAdjusted, req.UserID, entry.WalletID,
			req.Reason, postingMetadata(entry))
	})
	return entry, nil
}

// Wallet returns the user's wallet, opening it on first access.
func (s *Service) Wallet(ctx context.Context, actor Actor, userID string) (model.Wallet, error) {
	if !actor.owns(userID) {
		return model.Wallet{}, ErrForbidden
	}
	var w model.Wallet
	err := s.inTx(ctx, "get_wallet", func(ctx context.Context, tx store.Tx) error {
		var err error
		w, err = s.wallet.Ensure(ctx, tx, userID)
		return err
	})
	return w, err
}

// WalletHistory lists ledger entries in creation order. A user without a wallet has none.
func (s *Service) WalletHistory(ctx context.Context, actor Actor, userID string, f store.LedgerFilter) ([]model.LedgerEntry, error) {
	if !actor.owns(userID) {
		return nil, ErrForbidden
	}
	var out []model.LedgerEntry
	err := s.readTx(ctx, "wallet_history", func(ctx context.Context, tx store.Tx) error {
		w, err := tx.GetWalletByUser(ctx, userID)
		if errors.Is(err, store.ErrNotFound) {
			out = nil
			return nil
		}
		if err != nil {
			return err
		}
		out, err = s.wallet.History(ctx, tx, w.ID, f)
		return err
	})
	return out, err
}

// ReconcileWallet replays the user's ledger against the live balance.
func (s *Service) ReconcileWallet(ctx context.Context, actor Actor, userID string) (wallet.Reconciliation, error) {
	if !actor.Staff {
		return wallet.Reconciliation{}, ErrForbidden
	}
	var rep wallet.Reconciliation
	err := s.readTx(ctx, "reconcile_wallet", func(ctx context.Context, tx store.Tx) error {
		w, err := tx.GetWalletByUser(ctx, userID)
		if err != nil {
			return err
		}
		rep, err = s.wallet.Reconcile(ctx, tx, w.ID)
		if errors.Is(err, wallet.ErrLedgerMismatch) {
			// The report is the answer; the mismatch is not a failure of the read.
			return nil
		}
		return err
	})
	if err != nil {
		return wallet.Reconciliation{}, fmt.Errorf("reconcile %s: %w", userID, err)
	}
	return rep, nil
}

func postingMetadata(e model.LedgerEntry) string {
	b, err := json.Marshal(map[string]string{
		"ledger_entry_id": e.ID,
		"type":            string(e.Type),
		"amount_minor":    strconv.FormatInt(e.AmountMinor, 10),
		"balance_after":   strconv.FormatInt(e.BalanceAfterMinor, 10),
	})
	if err != nil {
		return ""
	}
	return string(b)
}
