package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"proxy-reseller/internal/model"
	"proxy-reseller/internal/store"
)

const walletColumns = `id, user_id, currency, balance_minor, locked_minor,
       total_deposit_minor, total_spending_minor, version, created_at, updated_at`

func scanWallet(row pgx.Row) (model.Wallet, error) {
	var w model.Wallet
	err := row.Scan(
		&w.ID,
		&w.UserID,
		&w.Currency,
		&w.BalanceMinor,
		&w.LockedMinor,
		&w.TotalDepositMinor,
		&w.TotalSpendingMinor,
		&w.Version,
		&w.CreatedAt,
		&w.UpdatedAt,
	)
	if err != nil {
		return model.Wallet{}, classifyRow(err)
	}
	return w, nil
}

func (t *pgTx) GetWallet(ctx context.Context, walletID string) (model.Wallet, error) {
	q := `SELECT ` + walletColumns + ` FROM wallets WHERE id = $1`
	return scanWallet(t.tx.QueryRow(ctx, q, walletID))
}

func (t *pgTx) GetWalletByUser(ctx context.Context, userID string) (model.Wallet, error) {
	q := `SELECT ` + walletColumns + ` FROM wallets WHERE user_id = $1`
	return scanWallet(t.tx.QueryRow(ctx, q, userID))
}

func (t *pgTx) LockWallet(ctx context.Context, walletID string) (model.Wallet, error) {
	// Lock the wallet row to serialize concurrent money operations per wallet.
	q := `SELECT ` + walletColumns + ` FROM wallets WHERE id = $1 FOR UPDATE`
	return scanWallet(t.tx.QueryRow(ctx, q, walletID))
}

func (t *pgTx) EnsureWallet(ctx context.Context, w model.Wallet) (model.Wallet, error) {
	now := t.now().UTC()
	const q = `
INSERT INTO wallets (id, user_id, currency, balance_minor, locked_minor,
                     total_deposit_minor, total_spending_minor, version, created_at, updated_at)
VALUES ($1, $2, $3, 0, 0, 0, 0, 1, $4, $4)
ON CONFLICT (user_id) DO NOTHING
`
	if _, err := t.tx.Exec(ctx, q, w.ID, w.UserID, w.Currency, now); err != nil {
		return model.Wallet{}, classify(err)
	}
	return t.GetWalletByUser(ctx, w.UserID)
}

func (t *pgTx) UpdateWallet(ctx context.Context, w model.Wallet) (model.Wallet, error) {
	w.UpdatedAt = t.now().UTC()
	const q = `
UPDATE wallets
SET balance_minor = $3, locked_minor = $4, total_deposit_minor = $5, total_spending_minor = $6,
    version = version + 1, updated_at = $7
WHERE id = $1 AND version = $2
`
	tag, err := t.tx.Exec(ctx, q, w.ID, w.Version, w.BalanceMinor, w.LockedMinor,
		w.TotalDepositMinor, w.TotalSpendingMinor, w.UpdatedAt)
	if err := checkVersioned(tag, err); err != nil {
		return model.Wallet{}, err
	}
	w.Version++
	return w, nil
}

const ledgerColumns = `id, seq, wallet_id, user_id, type, status, amount_minor,
       balance_before_minor, balance_after_minor, currency, reason,
       COALESCE(idempotency_key, ''), metadata, created_at`

func scanLedger(row pgx.Row) (model.LedgerEntry, error) {
	var e model.LedgerEntry
	err := row.Scan(
		&e.ID,
		&e.Seq,
		&e.WalletID,
		&e.UserID,
		&e.Type,
		&e.Status,
		&e.AmountMinor,
		&e.BalanceBeforeMinor,
		&e.BalanceAfterMinor,
		&e.Currency,
		&e.Reason,
		&e.IdempotencyKey,
		&e.Metadata,
		&e.CreatedAt,
	)
	if err != nil {
		return model.LedgerEntry{}, classifyRow(err)
	}
	return e, nil
}

func (t *pgTx) InsertLedgerEntry(ctx context.Context, e model.LedgerEntry) (model.LedgerEntry, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = t.now().UTC()
	}
	if e.Metadata == nil {
		e.Metadata = map[string]string{}
	}
	const q = `
INSERT INTO wallet_ledger (
  id, wallet_id, user_id, type, status, amount_minor, balance_before_minor, balance_after_minor,
  currency, reason, idempotency_key, metadata, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NULLIF($11, ''),$12,$13
)
RETURNING seq
`
	if err := t.tx.QueryRow(ctx, q,
		e.ID,
		e.WalletID,
		e.UserID,
		e.Type,
		e.Status,
		e.AmountMinor,
		e.BalanceBeforeMinor,
		e.BalanceAfterMinor,
		e.Currency,
		e.Reason,
		e.IdempotencyKey,
		e.Metadata,
		e.CreatedAt,
	).Scan(&e.Seq); err != nil {
		return model.LedgerEntry{}, classify(err)
	}
	return e, nil
}

func (t *pgTx) FindLedgerEntryByIdempotency(ctx context.Context, walletID, key string) (model.LedgerEntry, bool, error) {
	q := `SELECT ` + ledgerColumns + ` FROM wallet_ledger WHERE wallet_id = $1 AND idempotency_key = $2 LIMIT 1`
	e, err := scanLedger(t.tx.QueryRow(ctx, q, walletID, key))
	if errors.Is(err, store.ErrNotFound) {
		return model.LedgerEntry{}, false, nil
	}
	if err != nil {
		return model.LedgerEntry{}, false, err
	}
	return e, true, nil
}

func (t *pgTx) ListLedgerEntries(ctx context.Context, walletID string, f store.LedgerFilter) ([]model.LedgerEntry, error) {
	var (
		where = []string{"wallet_id = $1", "seq > $2"}
		args  = []any{walletID, f.AfterSeq}
	)
	if !f.From.IsZero() {
		args = append(args, f.From)
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if !f.To.IsZero() {
		args = append(args, f.To)
		where = append(where, fmt.Sprintf("created_at < $%d", len(args)))
	}
	q := `SELECT ` + ledgerColumns + ` FROM wallet_ledger WHERE ` + strings.Join(where, " AND ") + ` ORDER BY seq`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := t.tx.Query(ctx, q, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []model.LedgerEntry
	for rows.Next() {
		e, err := scanLedger(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, classify(rows.Err())
}
