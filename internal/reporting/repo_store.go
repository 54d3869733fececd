package reporting

import (
	"context"
	"errors"
	"time"

	"proxy-reseller/internal/model"
	"proxy-reseller/internal/store"
)

// StoreRepo reads the wallet ledger through a read-only store transaction.
type StoreRepo struct {
	store store.Store
}

func NewStoreRepo(st store.Store) *StoreRepo { return &StoreRepo{store: st} }

func (r *StoreRepo) ListWalletLedger(ctx context.Context, userID string, from, to time.Time) (model.Wallet, []model.LedgerEntry, error) {
	var (
		w       model.Wallet
		entries []model.LedgerEntry
	)
	err := r.store.WithTx(ctx, store.TxOptions{ReadOnly: true}, func(ctx context.Context, tx store.Tx) error {
		var err error
		w, err = tx.GetWalletByUser(ctx, userID)
		if errors.Is(err, store.ErrNotFound) {
			w = model.Wallet{UserID: userID}
			return nil
		}
		if err != nil {
			return err
		}
		entries, err = tx.ListLedgerEntries(ctx, w.ID, store.LedgerFilter{From: from, To: to})
		return err
	})
	return w, entries, err
}
