package postgres

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"proxy-reseller/internal/audit"
	"proxy-reseller/internal/catalog"
	"proxy-reseller/internal/events"
	"proxy-reseller/internal/inventory"
	"proxy-reseller/internal/model"
	"proxy-reseller/internal/order"
	"proxy-reseller/internal/plan"
	"proxy-reseller/internal/provider"
	"proxy-reseller/internal/store"
	"proxy-reseller/internal/wallet"
	"proxy-reseller/pkg/utils"
)

// TEST_DATABASE_URL points at a disposable database. Every run scopes its rows
// by a fresh country code, so the database does not need to be empty.
const testDSNEnv = "TEST_DATABASE_URL"

type pgEnv struct {
	pool *pgxpool.Pool
	st   *Store
	// run is unique per test and used as the proxy country filter.
	run string
}

func newPG(t *testing.T) *pgEnv {
	t.Helper()
	dsn := os.Getenv(testDSNEnv)
	if dsn == "" {
		t.Skipf("%s not set", testDSNEnv)
	}
	ctx := context.Background()
	log := slog.New(slog.NewJSONHandler(io.Discard, nil))
	require.NoError(t, RunMigrations(ctx, log, dsn, "up"))

	pool, err := utils.OpenPostgres(ctx, dsn, utils.PostgresPoolConfig{MaxConns: 8})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return &pgEnv{pool: pool, st: New(pool), run: uuid.NewString()[:8]}
}

func (e *pgEnv) seedProxies(t *testing.T, n int) []string {
	t.Helper()
	ids := make([]string, n)
	for i := range ids {
		ids[i] = e.run + "-px-" + uuid.NewString()[:8]
		_, err := e.pool.Exec(context.Background(), `
INSERT INTO proxies (id, host, port, protocol, category, network_type, sharing, country, status, hold, created_at)
VALUES ($1, '10.0.0.1', 3128, 'http', 'static', 'datacenter', 'dedicated', $2, 'active', 'free', $3)`,
			ids[i], e.run, time.Now().Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
	}
	return ids
}

func (e *pgEnv) seedPackage(t *testing.T, price int64) model.Package {
	t.Helper()
	pkg := model.Package{
		ID:           e.run + "-static",
		Name:         "Static " + e.run,
		PlanType:     model.PlanTypeStatic,
		NetworkType:  model.NetworkDatacenter,
		Sharing:      model.SharingDedicated,
		Country:      e.run,
		Protocol:     model.ProtocolHTTP,
		Currency:     "VND",
		PriceMinor:   price,
		DurationDays: 30,
		Active:       true,
	}
	_, err := e.pool.Exec(context.Background(), `
INSERT INTO packages (id, name, plan_type, network_type, sharing, country, protocol, currency, price_minor, duration_days)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		pkg.ID, pkg.Name, pkg.PlanType, pkg.NetworkType, pkg.Sharing, pkg.Country, pkg.Protocol,
		pkg.Currency, pkg.PriceMinor, pkg.DurationDays)
	require.NoError(t, err)
	return pkg
}

func (e *pgEnv) free() store.ProxyCriteria {
	return store.ProxyCriteria{Category: model.ProxyCategoryStatic, Country: e.run}
}

func TestPostgres_FreeProxyPickSkipsLockedRows(t *testing.T) {
	e := newPG(t)
	ids := e.seedProxies(t, 2)
	ctx := context.Background()

	picked := make(chan struct{})
	done := make(chan struct{})
	var (
		first, second []model.Proxy
		holdErr       error
		wg            sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		holdErr = e.st.WithTx(ctx, store.TxOptions{}, func(ctx context.Context, tx store.Tx) error {
			var err error
			if first, err = tx.FindFreeProxies(ctx, e.free(), 1); err != nil {
				return err
			}
			close(picked)
			<-done
			return nil
		})
	}()

	<-picked
	err := e.st.WithTx(ctx, store.TxOptions{}, func(ctx context.Context, tx store.Tx) error {
		var err error
		second, err = tx.FindFreeProxies(ctx, e.free(), 1)
		return err
	})
	close(done)
	wg.Wait()
	require.NoError(t, err)
	require.NoError(t, holdErr)

	require.Len(t, first, 1)
	require.Len(t, second, 1)
	require.Equal(t, ids[0], first[0].ID)
	require.Equal(t, ids[1], second[0].ID)
}

func TestPostgres_VersionedUpdates(t *testing.T) {
	e := newPG(t)
	ctx := context.Background()
	ids := e.seedProxies(t, 1)

	var w model.Wallet
	require.NoError(t, e.st.WithTx(ctx, store.TxOptions{}, func(ctx context.Context, tx store.Tx) error {
		var err error
		w, err = tx.EnsureWallet(ctx, model.Wallet{ID: uuid.NewString(), UserID: e.run + "-u1", Currency: "VND"})
		return err
	}))
	require.Equal(t, int64(1), w.Version)

	fresh := w
	fresh.BalanceMinor = 1000
	require.NoError(t, e.st.WithTx(ctx, store.TxOptions{}, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.UpdateWallet(ctx, fresh)
		return err
	}))

	stale := w
	stale.BalanceMinor = 5
	err := e.st.WithTx(ctx, store.TxOptions{}, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.UpdateWallet(ctx, stale)
		return err
	})
	require.ErrorIs(t, err, store.ErrConflict)

	var p model.Proxy
	require.NoError(t, e.st.WithTx(ctx, store.TxOptions{ReadOnly: true}, func(ctx context.Context, tx store.Tx) error {
		var err error
		p, err = tx.GetProxy(ctx, ids[0])
		return err
	}))
	p.Status = model.ProxyStatusSuspended
	require.NoError(t, e.st.WithTx(ctx, store.TxOptions{}, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.UpdateProxy(ctx, p)
		return err
	}))
	err = e.st.WithTx(ctx, store.TxOptions{}, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.UpdateProxy(ctx, p)
		return err
	})
	require.ErrorIs(t, err, store.ErrConflict)

	require.NoError(t, e.st.WithTx(ctx, store.TxOptions{ReadOnly: true}, func(ctx context.Context, tx store.Tx) error {
		got, err := tx.GetWallet(ctx, w.ID)
		require.Equal(t, int64(1000), got.BalanceMinor)
		require.Equal(t, int64(2), got.Version)
		return err
	}))
}

func TestPostgres_LedgerIdempotencyKeyIsUnique(t *testing.T) {
	e := newPG(t)
	ctx := context.Background()
	wallets := wallet.NewService("VND")

	var w model.Wallet
	require.NoError(t, e.st.WithTx(ctx, store.TxOptions{}, func(ctx context.Context, tx store.Tx) error {
		var err error
		if w, err = wallets.Ensure(ctx, tx, e.run+"-u1"); err != nil {
			return err
		}
		_, err = wallets.Credit(ctx, tx, w.ID, model.LedgerEntryDeposit, 500, wallet.Posting{
			Reason:         "top-up",
			IdempotencyKey: "dep-1",
			Metadata:       map[string]string{"source": "bank"},
		})
		return err
	}))

	require.NoError(t, e.st.WithTx(ctx, store.TxOptions{ReadOnly: true}, func(ctx context.Context, tx store.Tx) error {
		got, ok, err := tx.FindLedgerEntryByIdempotency(ctx, w.ID, "dep-1")
		require.True(t, ok)
		require.Equal(t, int64(500), got.AmountMinor)
		require.Equal(t, "bank", got.Metadata["source"])
		return err
	}))

	err := e.st.WithTx(ctx, store.TxOptions{}, func(ctx context.Context, tx store.Tx) error {
		locked, err := tx.LockWallet(ctx, w.ID)
		if err != nil {
			return err
		}
		_, err = tx.InsertLedgerEntry(ctx, model.LedgerEntry{
			ID:                 uuid.NewString(),
			WalletID:           w.ID,
			UserID:             w.UserID,
			Type:               model.LedgerEntryDeposit,
			Status:             model.LedgerStatusCompleted,
			AmountMinor:        500,
			BalanceBeforeMinor: locked.BalanceMinor,
			BalanceAfterMinor:  locked.BalanceMinor + 500,
			Currency:           "VND",
			IdempotencyKey:     "dep-1",
			CreatedAt:          time.Now().UTC(),
		})
		return err
	})
	require.ErrorIs(t, err, store.ErrDuplicate)
}

func TestPostgres_ConcurrentCheckoutsWithOneKeyChargeOnce(t *testing.T) {
	e := newPG(t)
	ctx := context.Background()
	pkg := e.seedPackage(t, 250000)
	ids := e.seedProxies(t, 2)

	wallets := wallet.NewService("VND")
	alloc := inventory.NewAllocator(e.st, provider.NewFake(), nil)
	svc := order.NewService(order.Deps{
		Store:     e.st,
		Catalog:   catalog.NewService(),
		Wallet:    wallets,
		Allocator: alloc,
		Plans:     plan.NewManager(alloc),
		Events:    events.Noop{},
		Audit:     audit.NewService(audit.NewMemoryRepo()),
	}, order.Config{MaxAttempts: 5, RetryBackoff: 10 * time.Millisecond})

	user := e.run + "-buyer"
	require.NoError(t, e.st.WithTx(ctx, store.TxOptions{}, func(ctx context.Context, tx store.Tx) error {
		w, err := wallets.Ensure(ctx, tx, user)
		if err != nil {
			return err
		}
		_, err = wallets.Credit(ctx, tx, w.ID, model.LedgerEntryDeposit, 600000, wallet.Posting{Reason: "top-up"})
		return err
	}))

	req := order.CreateRequest{
		UserID:         user,
		Items:          []order.Item{{PackageID: pkg.ID, Quantity: 1}},
		PaymentMethod:  model.PaymentMethodWallet,
		IdempotencyKey: "cart-" + e.run,
	}

	const n = 4
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		orders = map[string]bool{}
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o, err := svc.CreateOrder(ctx, req)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				t.Errorf("checkout: %v", err)
				return
			}
			orders[o.ID] = true
		}()
	}
	wg.Wait()

	require.Len(t, orders, 1)
	require.NoError(t, e.st.WithTx(ctx, store.TxOptions{ReadOnly: true}, func(ctx context.Context, tx store.Tx) error {
		w, err := tx.GetWalletByUser(ctx, user)
		if err != nil {
			return err
		}
		require.Equal(t, int64(350000), w.BalanceMinor)

		held := 0
		for _, id := range ids {
			p, err := tx.GetProxy(ctx, id)
			if err != nil {
				return err
			}
			if p.Assigned() {
				held++
			}
		}
		require.Equal(t, 1, held)
		return nil
	}))
}
