package reporting

import (
	"context"
	"errors"
	"time"

	"proxy-reseller/internal/model"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// Repository abstracts data access for reporting.
// Implementations should query immutable sources (the wallet ledger).
type Repository interface {
	ListWalletLedger(ctx context.Context, userID string, from, to time.Time) (model.Wallet, []model.LedgerEntry, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

func (s *Service) SpendSummary(ctx context.Context, req SpendSummaryRequest) (SpendSummary, error) {
	if req.UserID == "" {
		return SpendSummary{}, ErrInvalidRequest
	}
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return SpendSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return SpendSummary{}, errors.New("reporting: repository not configured")
	}

	w, entries, err := s.repo.ListWalletLedger(ctx, req.UserID, req.Range.From, req.Range.To)
	if err != nil {
		return SpendSummary{}, err
	}

	out := SpendSummary{UserID: req.UserID, WalletID: w.ID, Currency: w.Currency}
	for _, e := range entries {
		if e.Status != model.LedgerStatusCompleted {
			continue
		}
		out.Entries++
		if e.AmountMinor > 0 {
			out.TotalCreditMinor += e.AmountMinor
		} else {
			out.TotalDebitMinor += -e.AmountMinor
		}

		switch e.Type {
		case model.LedgerEntryPurchase:
			out.PurchaseMinor += -e.AmountMinor
		case model.LedgerEntryRefund:
			out.RefundMinor += e.AmountMinor
		case model.LedgerEntryDeposit:
			out.DepositMinor += e.AmountMinor
		case model.LedgerEntryCommission:
			out.CommissionMinor += e.AmountMinor
		case model.LedgerEntryBonus:
			out.BonusMinor += e.AmountMinor
		case model.LedgerEntryWithdrawal:
			out.WithdrawalMinor += -e.AmountMinor
		case model.LedgerEntryAdjustment:
			// signed
			out.AdminAdjustMinor += e.AmountMinor
		}
	}
	out.NetDeltaMinor = out.TotalCreditMinor - out.TotalDebitMinor
	if out.Currency == "" {
		out.Currency = "UNKNOWN"
	}
	return out, nil
}
