// Package postgres implements store.Store on PostgreSQL through pgxpool.
//
// Concurrency rules:
//   - wallets are read with SELECT ... FOR UPDATE before any balance change
//   - free proxies are selected with FOR UPDATE SKIP LOCKED so concurrent checkouts
//     pick disjoint candidates
//   - every UPDATE matches on the version read earlier and fails with store.ErrConflict
//     when zero rows are affected
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"proxy-reseller/internal/store"
	"proxy-reseller/pkg/utils"
)

type Store struct {
	pool  *pgxpool.Pool
	clock func() time.Time
}

var _ store.Store = (*Store)(nil)

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, clock: time.Now}
}

func (s *Store) WithTx(ctx context.Context, opts store.TxOptions, fn store.TxFunc) error {
	txOpts := pgx.TxOptions{IsoLevel: pgx.ReadCommitted}
	if opts.ReadOnly {
		txOpts.AccessMode = pgx.ReadOnly
	}
	err := utils.WithTx(ctx, s.pool, txOpts, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &pgTx{tx: tx, now: s.clock})
	})
	return classify(err)
}

func (s *Store) Ping(ctx context.Context) error {
	return utils.HealthCheck(ctx, s.pool, 2*time.Second)
}

func (s *Store) Close() { s.pool.Close() }

type pgTx struct {
	tx  pgx.Tx
	now func() time.Time
}

// classify maps driver errors onto the store sentinels.
// Serialization failures and deadlocks are reported as conflicts so callers may replay.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected, pgerrcode.LockNotAvailable:
			return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.Message)
		case pgerrcode.UniqueViolation:
			return fmt.Errorf("%w: %s", store.ErrDuplicate, pgErr.ConstraintName)
		}
	}
	return err
}

// classifyRow additionally maps a missing row to store.ErrNotFound.
func classifyRow(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	return classify(err)
}

// checkVersioned turns a zero-row optimistic update into ErrConflict.
func checkVersioned(tag pgconn.CommandTag, err error) error {
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrConflict
	}
	return nil
}
