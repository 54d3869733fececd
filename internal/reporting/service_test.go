package reporting

import (
	"context"
	"testing"
	"time"

	"proxy-reseller/internal/model"
	"proxy-reseller/internal/store"
	"proxy-reseller/internal/store/memory"
	"proxy-reseller/internal/wallet"
)

type stubRepo struct {
	w       model.Wallet
	entries []model.LedgerEntry
}

func (r stubRepo) ListWalletLedger(ctx context.Context, userID string, from, to time.Time) (model.Wallet, []model.LedgerEntry, error) {
	return r.w, r.entries, nil
}

func TestReporting_RejectsBadRange(t *testing.T) {
	svc := NewService(stubRepo{})
	now := time.Unix(1700000000, 0).UTC()

	if _, err := svc.SpendSummary(context.Background(), SpendSummaryRequest{Range: TimeRange{From: now, To: now.Add(time.Hour)}}); err == nil {
		t.Fatalf("expected error without user")
	}
	if _, err := svc.SpendSummary(context.Background(), SpendSummaryRequest{UserID: "u", Range: TimeRange{From: now, To: now}}); err == nil {
		t.Fatalf("expected error for empty range")
	}
}

func TestReporting_SpendSummaryAggregates(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	svc := NewService(stubRepo{
		w: model.Wallet{ID: "wa", Currency: "VND"},
		entries: []model.LedgerEntry{
			{ID: "l1", Type: model.LedgerEntryDeposit, Status: model.LedgerStatusCompleted, AmountMinor: 1000},
			{ID: "l2", Type: model.LedgerEntryPurchase, Status: model.LedgerStatusCompleted, AmountMinor: -200},
			{ID: "l3", Type: model.LedgerEntryPurchase, Status: model.LedgerStatusCompleted, AmountMinor: -50},
			{ID: "l4", Type: model.LedgerEntryAdjustment, Status: model.LedgerStatusCompleted, AmountMinor: 25},
			{ID: "l5", Type: model.LedgerEntryCommission, Status: model.LedgerStatusCompleted, AmountMinor: 5},
			{ID: "l6", Type: model.LedgerEntryDeposit, Status: model.LedgerStatusFailed, AmountMinor: 999},
		},
	})

	out, err := svc.SpendSummary(context.Background(), SpendSummaryRequest{UserID: "u", Range: TimeRange{From: now.Add(-time.Hour), To: now.Add(time.Hour)}})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if out.TotalDebitMinor != 250 || out.PurchaseMinor != 250 {
		t.Fatalf("expected debit 250, got %+v", out)
	}
	if out.TotalCreditMinor != 1030 {
		t.Fatalf("expected total credit 1030, got %d", out.TotalCreditMinor)
	}
	if out.NetDeltaMinor != 780 {
		t.Fatalf("expected net 780, got %d", out.NetDeltaMinor)
	}
	if out.Entries != 5 || out.AdminAdjustMinor != 25 || out.CommissionMinor != 5 {
		t.Fatalf("unexpected breakdown: %+v", out)
	}
}

func TestStoreRepo_ReadsLedgerOfUser(t *testing.T) {
	s := memory.New()
	ws := wallet.NewService("VND")
	ctx := context.Background()
	err := s.WithTx(ctx, store.TxOptions{}, func(ctx context.Context, tx store.Tx) error {
		w, err := ws.Ensure(ctx, tx, "u1")
		if err != nil {
			return err
		}
		if _, err := ws.Credit(ctx, tx, w.ID, model.LedgerEntryDeposit, 500, wallet.Posting{}); err != nil {
			return err
		}
		_, err = ws.Debit(ctx, tx, w.ID, 120, wallet.Posting{Reason: "order"})
		return err
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	svc := NewService(NewStoreRepo(s))
	now := time.Now()
	out, err := svc.SpendSummary(ctx, SpendSummaryRequest{UserID: "u1", Range: TimeRange{From: now.Add(-time.Hour), To: now.Add(time.Hour)}})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if out.DepositMinor != 500 || out.PurchaseMinor != 120 || out.Currency != "VND" {
		t.Fatalf("unexpected summary: %+v", out)
	}

	none, err := svc.SpendSummary(ctx, SpendSummaryRequest{UserID: "nobody", Range: TimeRange{From: now.Add(-time.Hour), To: now.Add(time.Hour)}})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if none.Entries != 0 || none.Currency != "UNKNOWN" {
		t.Fatalf("expected empty summary, got %+v", none)
	}
}
