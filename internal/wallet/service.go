package wallet

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"proxy-reseller/internal/model"
	"proxy-reseller/internal/store"
)

// Service provides wallet operations.
//
// Money invariants:
// - No balance updates without a ledger entry
// - Ledger is append-only (immutable)
// - balance >= 0 and locked <= balance after every operation; violations are rejected, never clamped
//
// Transaction boundary:
//   - Every method runs on the caller's store.Tx. The wallet never commits on its own,
//     so a debit rolls back together with whatever else the caller did in that tx.
//   - The wallet row is locked before it is read for a change.
type Service struct {
	currency string
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewService(currency string) *Service {
	return &Service{currency: currency, clock: time.Now}
}

// Currency is the currency new wallets are opened in.
func (s *Service) Currency() string { return s.currency }

var (
	ErrInvalidArgument   = errors.New("wallet: invalid argument")
	ErrInvalidAmount     = errors.New("wallet: amount must be positive")
	ErrInsufficientFunds = errors.New("wallet: insufficient funds")
	ErrLockUnderflow     = errors.New("wallet: unlock exceeds locked amount")
	ErrLedgerMismatch    = errors.New("wallet: ledger does not reproduce balance")
)

// Posting describes the ledger side of a money movement.
type Posting struct {
	Reason string
	// IdempotencyKey is optional. A repeated key returns the original entry unchanged.
	IdempotencyKey string
	Metadata       map[string]string
}

// Ensure returns the user's wallet, creating it on first need.
func (s *Service) Ensure(ctx context.Context, tx store.Tx, userID string) (model.Wallet, error) {
	if userID == "" {
		return model.Wallet{}, ErrInvalidArgument
	}
	return tx.EnsureWallet(ctx, model.Wallet{
		ID:       uuid.NewString(),
		UserID:   userID,
		Currency: s.currency,
	})
}

// GetAvailable is balance minus locked. Never negative by invariant.
func (s *Service) GetAvailable(ctx context.Context, tx store.Tx, walletID string) (int64, error) {
	w, err := s.get(ctx, tx, walletID, false)
	if err != nil {
		return 0, err
	}
	return w.Available(), nil
}

// Debit spends amount from the available balance and appends a purchase entry.
func (s *Service) Debit(ctx context.Context, tx store.Tx, walletID string, amountMinor int64, p Posting) (model.LedgerEntry, error) {
	if amountMinor <= 0 {
		return model.LedgerEntry{}, ErrInvalidAmount
	}
	return s.post(ctx, tx, walletID, model.LedgerEntryPurchase, -amountMinor, p, func(w *model.Wallet) {
		w.TotalSpendingMinor += amountMinor
	})
}

// Credit adds amount under one of the credit entry types (deposit, refund, commission, bonus, adjustment).
func (s *Service) Credit(ctx context.Context, tx store.Tx, walletID string, typ model.LedgerEntryType, amountMinor int64, p Posting) (model.LedgerEntry, error) {
	if amountMinor <= 0 {
		return model.LedgerEntry{}, ErrInvalidAmount
	}
	if !typ.IsCredit() {
		return model.LedgerEntry{}, fmt.Errorf("%w: %s is not a credit type", ErrInvalidArgument, typ)
	}
	return s.post(ctx, tx, walletID, typ, amountMinor, p, func(w *model.Wallet) {
		if typ == model.LedgerEntryDeposit {
			w.TotalDepositMinor += amountMinor
		}
	})
}

// Adjust posts a signed admin correction as an adjustment entry.
// A negative delta may not exceed the available balance.
func (s *Service) Adjust(ctx context.Context, tx store.Tx, walletID string, deltaMinor int64, p Posting) (model.LedgerEntry, error) {
	if deltaMinor == 0 || deltaMinor == math.MinInt64 {
		return model.LedgerEntry{}, ErrInvalidAmount
	}
	if p.Reason == "" {
		return model.LedgerEntry{}, fmt.Errorf("%w: reason required", ErrInvalidArgument)
	}
	return s.post(ctx, tx, walletID, model.LedgerEntryAdjustment, deltaMinor, p, nil)
}

// Lock reserves amount for a pending external payment. The ledger is untouched.
func (s *Service) Lock(ctx context.Context, tx store.Tx, walletID string, amountMinor int64) (model.Wallet, error) {
	if amountMinor <= 0 {
		return model.Wallet{}, ErrInvalidAmount
	}
	w, err := s.get(ctx, tx, walletID, true)
	if err != nil {
		return model.Wallet{}, err
	}
	if amountMinor > w.Available() {
		return model.Wallet{}, ErrInsufficientFunds
	}
	w.LockedMinor += amountMinor
	return tx.UpdateWallet(ctx, w)
}

// Unlock releases a reservation.
//
// With returnToBalance the funds become available again and the ledger is untouched.
// Otherwise the funds are finalized as spent: balance drops by amount and a
// withdrawal entry is appended so the ledger still reproduces the balance.
func (s *Service) Unlock(ctx context.Context, tx store.Tx, walletID string, amountMinor int64, returnToBalance bool, p Posting) (model.Wallet, *model.LedgerEntry, error) {
	if amountMinor <= 0 {
		return model.Wallet{}, nil, ErrInvalidAmount
	}
	w, err := s.get(ctx, tx, walletID, true)
	if err != nil {
		return model.Wallet{}, nil, err
	}
	if amountMinor > w.LockedMinor {
		return model.Wallet{}, nil, ErrLockUnderflow
	}

	if returnToBalance {
		w.LockedMinor -= amountMinor
		w, err = tx.UpdateWallet(ctx, w)
		return w, nil, err
	}

	entry, err := s.apply(ctx, tx, w, model.LedgerEntryWithdrawal, -amountMinor, p, func(w *model.Wallet) {
		w.LockedMinor -= amountMinor
		w.TotalSpendingMinor += amountMinor
	})
	if err != nil {
		return model.Wallet{}, nil, err
	}
	w, err = tx.GetWallet(ctx, walletID)
	if err != nil {
		return model.Wallet{}, nil, err
	}
	return w, &entry, nil
}

// History lists ledger entries in creation order.
func (s *Service) History(ctx context.Context, tx store.Tx, walletID string, f store.LedgerFilter) ([]model.LedgerEntry, error) {
	if walletID == "" {
		return nil, ErrInvalidArgument
	}
	return tx.ListLedgerEntries(ctx, walletID, f)
}

// Reconciliation is the outcome of replaying a wallet's ledger.
type Reconciliation struct {
	WalletID           string `json:"wallet_id"`
	Entries            int    `json:"entries"`
	LedgerBalanceMinor int64  `json:"ledger_balance_minor"`
	WalletBalanceMinor int64  `json:"wallet_balance_minor"`
	Consistent         bool   `json:"consistent"`
	// BrokenAt is the first entry whose snapshot does not chain from its predecessor.
	BrokenAt string `json:"broken_at,omitempty"`
}

// Reconcile replays completed ledger entries in creation order and compares the
// result with the live balance. A mismatch returns ErrLedgerMismatch together with the report.
func (s *Service) Reconcile(ctx context.Context, tx store.Tx, walletID string) (Reconciliation, error) {
	w, err := s.get(ctx, tx, walletID, false)
	if err != nil {
		return Reconciliation{}, err
	}
	entries, err := tx.ListLedgerEntries(ctx, walletID, store.LedgerFilter{})
	if err != nil {
		return Reconciliation{}, err
	}

	rep := Reconciliation{WalletID: walletID, WalletBalanceMinor: w.BalanceMinor}
	var running int64
	for _, e := range entries {
		if e.Status != model.LedgerStatusCompleted {
			continue
		}
		rep.Entries++
		if rep.BrokenAt == "" && (e.BalanceBeforeMinor != running || e.BalanceBeforeMinor+e.AmountMinor != e.BalanceAfterMinor) {
			rep.BrokenAt = e.ID
		}
		running = e.BalanceAfterMinor
	}
	rep.LedgerBalanceMinor = running
	rep.Consistent = rep.BrokenAt == "" && running == w.BalanceMinor
	if !rep.Consistent {
		return rep, fmt.Errorf("%w: wallet %s ledger=%d balance=%d", ErrLedgerMismatch, walletID, running, w.BalanceMinor)
	}
	return rep, nil
}

func (s *Service) get(ctx context.Context, tx store.Tx, walletID string, lock bool) (model.Wallet, error) {
	if walletID == "" {
		return model.Wallet{}, ErrInvalidArgument
	}
	var (
		w   model.Wallet
		err error
	)
	if lock {
		w, err = tx.LockWallet(ctx, walletID)
	} else {
		w, err = tx.GetWallet(ctx, walletID)
	}
	if err != nil {
		return model.Wallet{}, fmt.Errorf("wallet %s: %w", walletID, err)
	}
	return w, nil
}

// post locks the wallet, honors idempotency and applies a signed balance change.
func (s *Service) post(ctx context.Context, tx store.Tx, walletID string, typ model.LedgerEntryType, delta int64, p Posting, mutate func(*model.Wallet)) (model.LedgerEntry, error) {
	w, err := s.get(ctx, tx, walletID, true)
	if err != nil {
		return model.LedgerEntry{}, err
	}
	if p.IdempotencyKey != "" {
		if existing, ok, err := tx.FindLedgerEntryByIdempotency(ctx, walletID, p.IdempotencyKey); err != nil {
			return model.LedgerEntry{}, err
		} else if ok {
			return existing, nil
		}
	}
	return s.apply(ctx, tx, w, typ, delta, p, mutate)
}

// apply changes the balance of an already locked wallet and appends the matching entry.
func (s *Service) apply(ctx context.Context, tx store.Tx, w model.Wallet, typ model.LedgerEntryType, delta int64, p Posting, mutate func(*model.Wallet)) (model.LedgerEntry, error) {
	before := w.BalanceMinor
	if delta > 0 && before > math.MaxInt64-delta {
		return model.LedgerEntry{}, ErrInvalidAmount
	}
	after := before + delta

	w.BalanceMinor = after
	if mutate != nil {
		mutate(&w)
	}
	if w.BalanceMinor < 0 || w.LockedMinor < 0 || w.LockedMinor > w.BalanceMinor {
		return model.LedgerEntry{}, ErrInsufficientFunds
	}
	if _, err := tx.UpdateWallet(ctx, w); err != nil {
		return model.LedgerEntry{}, err
	}

	return tx.InsertLedgerEntry(ctx, model.LedgerEntry{
		ID:                 uuid.NewString(),
		WalletID:           w.ID,
		UserID:             w.UserID,
		Type:               typ,
		Status:             model.LedgerStatusCompleted,
		AmountMinor:        delta,
		BalanceBeforeMinor: before,
		BalanceAfterMinor:  after,
		Currency:           w.Currency,
		Reason:             p.Reason,
		IdempotencyKey:     p.IdempotencyKey,
		Metadata:           p.Metadata,
		CreatedAt:          s.clock().UTC(),
	})
}
