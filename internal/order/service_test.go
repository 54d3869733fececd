package order

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"proxy-reseller/internal/audit"
	"proxy-reseller/internal/catalog"
	"proxy-reseller/internal/commission"
	"proxy-reseller/internal/events"
	"proxy-reseller/internal/inventory"
	"proxy-reseller/internal/model"
	"proxy-reseller/internal/plan"
	"proxy-reseller/internal/provider"
	"proxy-reseller/internal/store"
	"proxy-reseller/internal/store/memory"
	"proxy-reseller/internal/wallet"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

var staff = Actor{UserID: "admin-1", Role: "admin", IP: "10.1.1.1", Staff: true}

var staticBasic = model.Package{
	ID:              "dc-static-basic",
	Name:            "Datacenter Static Basic",
	PlanType:        model.PlanTypeStatic,
	NetworkType:     model.NetworkDatacenter,
	Sharing:         model.SharingDedicated,
	Currency:        "VND",
	PriceMinor:      250000,
	PriceTiers:      []model.PriceTier{{MinQuantity: 5, PriceMinor: 230000}},
	DurationDays:    30,
	GracePeriodDays: 3,
	Active:          true,
}

var rotatingResi = model.Package{
	ID:           "resi-rotating",
	Name:         "Residential Rotating",
	PlanType:     model.PlanTypeRotating,
	NetworkType:  model.NetworkResidential,
	Sharing:      model.SharingShared,
	Currency:     "VND",
	PriceMinor:   100000,
	DurationDays: 30,
	Active:       true,
}

type fixture struct {
	s      *memory.Store
	svc    *Service
	net    *provider.Fake
	pub    *events.Recorder
	audits *audit.MemoryRepo
	wallet *wallet.Service
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		s:      memory.New(),
		net:    provider.NewFake(),
		pub:    events.NewRecorder(),
		audits: audit.NewMemoryRepo(),
		wallet: wallet.NewService("VND"),
		now:    t0,
	}
	clock := func() time.Time { return f.now }
	f.s.SetClock(clock)

	alloc := inventory.NewAllocator(f.s, f.net, nil)
	plans := plan.NewManager(alloc)
	plans.SetClock(clock)
	calc, err := commission.NewCalculator("10")
	require.NoError(t, err)

	f.svc = NewService(Deps{
		Store:      f.s,
		Catalog:    catalog.NewService(),
		Wallet:     f.wallet,
		Allocator:  alloc,
		Plans:      plans,
		Commission: calc,
		Events:     f.pub,
		Audit:      audit.NewService(f.audits),
	}, Config{MaxAttempts: 3, RetryBackoff: time.Millisecond})
	f.svc.SetClock(clock)

	f.s.PutPackage(staticBasic)
	f.s.PutPackage(rotatingResi)
	return f
}

func (f *fixture) seedProxies(prefix string, n int, category model.ProxyCategory, network model.NetworkType, sharing model.Sharing) {
	for i := 0; i < n; i++ {
		f.s.PutProxy(model.Proxy{
			ID:                 fmt.Sprintf("%s-%d", prefix, i),
			ProviderResourceID: fmt.Sprintf("res-%s-%d", prefix, i),
			Host:               fmt.Sprintf("10.0.0.%d", i),
			Port:               3128,
			Protocol:           model.ProtocolHTTP,
			Category:           category,
			NetworkType:        network,
			Sharing:            sharing,
			CreatedAt:          t0.Add(-time.Duration(n-i) * time.Hour),
		})
	}
}

func (f *fixture) deposit(t *testing.T, userID string, amount int64) {
	t.Helper()
	require.NoError(t, f.s.WithTx(context.Background(), store.TxOptions{}, func(ctx context.Context, tx store.Tx) error {
		w, err := f.wallet.Ensure(ctx, tx, userID)
		if err != nil {
			return err
		}
		_, err = f.wallet.Credit(ctx, tx, w.ID, model.LedgerEntryDeposit, amount, wallet.Posting{Reason: "top-up"})
		return err
	}))
}

func (f *fixture) balance(t *testing.T, userID string) int64 {
	t.Helper()
	var bal int64
	require.NoError(t, f.s.WithTx(context.Background(), store.TxOptions{ReadOnly: true}, func(ctx context.Context, tx store.Tx) error {
		w, err := tx.GetWalletByUser(ctx, userID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		bal = w.BalanceMinor
		return err
	}))
	return bal
}

func (f *fixture) proxy(t *testing.T, id string) model.Proxy {
	t.Helper()
	var p model.Proxy
	require.NoError(t, f.s.WithTx(context.Background(), store.TxOptions{ReadOnly: true}, func(ctx context.Context, tx store.Tx) error {
		var err error
		p, err = tx.GetProxy(ctx, id)
		return err
	}))
	return p
}

func (f *fixture) plan(t *testing.T, id string) model.Plan {
	t.Helper()
	var p model.Plan
	require.NoError(t, f.s.WithTx(context.Background(), store.TxOptions{ReadOnly: true}, func(ctx context.Context, tx store.Tx) error {
		var err error
		p, err = tx.GetPlan(ctx, id)
		return err
	}))
	return p
}

func (f *fixture) activePlans(t *testing.T) []model.Plan {
	t.Helper()
	var out []model.Plan
	require.NoError(t, f.s.WithTx(context.Background(), store.TxOptions{ReadOnly: true}, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.ListPlansDue(ctx, store.PlanDueFilter{State: model.PlanStateActive, EndBefore: t0.AddDate(10, 0, 0)})
		return err
	}))
	return out
}

func buy(userID string, items ...Item) CreateRequest {
	return CreateRequest{UserID: userID, Items: items, PaymentMethod: model.PaymentMethodWallet}
}

func TestCreateOrder_WalletCheckoutScenario(t *testing.T) {
	f := newFixture(t)
	f.seedProxies("dc", 2, model.ProxyCategoryStatic, model.NetworkDatacenter, model.SharingDedicated)
	f.deposit(t, "u1", 300000)

	o, err := f.svc.CreateOrder(context.Background(), buy("u1", Item{PackageID: staticBasic.ID, Quantity: 1}))
	require.NoError(t, err)

	require.Equal(t, model.OrderStatusCompleted, o.Status)
	require.Equal(t, model.PaymentPaid, o.PaymentStatus)
	require.Equal(t, int64(250000), o.TotalMinor)
	require.NotEmpty(t, o.LedgerEntryID)
	require.Contains(t, o.OrderNumber, "ord_")
	require.Len(t, o.Items, 1)
	require.Equal(t, int64(250000), o.Items[0].UnitPriceMinor)
	require.Equal(t, int64(50000), f.balance(t, "u1"))

	sold := 0
	for _, id := range []string{"dc-0", "dc-1"} {
		p := f.proxy(t, id)
		if p.Sold() && p.Assigned() {
			sold++
			require.Equal(t, o.Items[0].PlanID, p.CurrentPlanID)
		}
	}
	require.Equal(t, 1, sold)

	plans := f.activePlans(t)
	require.Len(t, plans, 1)
	require.True(t, plans[0].Active())
	require.False(t, plans[0].Expired())
	require.Equal(t, t0.AddDate(0, 0, 30), plans[0].EndAt)

	require.Equal(t, []string{events.SubjectOrderCompleted}, f.pub.Subjects())
}

func TestCreateOrder_TieredPrice(t *testing.T) {
	f := newFixture(t)
	f.seedProxies("dc", 5, model.ProxyCategoryStatic, model.NetworkDatacenter, model.SharingDedicated)
	f.deposit(t, "u1", 2000000)

	o, err := f.svc.CreateOrder(context.Background(), buy("u1", Item{PackageID: staticBasic.ID, Quantity: 5}))
	require.NoError(t, err)
	require.Equal(t, int64(230000), o.Items[0].UnitPriceMinor)
	require.Equal(t, int64(1150000), o.TotalMinor)
	require.Equal(t, int64(850000), f.balance(t, "u1"))
}

func TestCreateOrder_SecondLineOutOfStockRollsBackEverything(t *testing.T) {
	f := newFixture(t)
	f.seedProxies("dc", 2, model.ProxyCategoryStatic, model.NetworkDatacenter, model.SharingDedicated)
	premium := staticBasic
	premium.ID = "jp-static"
	premium.Country = "JP"
	f.s.PutPackage(premium)
	f.deposit(t, "u1", 600000)

	_, err := f.svc.CreateOrder(context.Background(), buy("u1",
		Item{PackageID: staticBasic.ID, Quantity: 1},
		Item{PackageID: premium.ID, Quantity: 1},
	))
	require.ErrorIs(t, err, inventory.ErrOutOfStock)

	require.Equal(t, int64(600000), f.balance(t, "u1"))
	require.Equal(t, model.HoldFree, f.proxy(t, "dc-0").Hold)
	require.Equal(t, model.HoldFree, f.proxy(t, "dc-1").Hold)
	require.Empty(t, f.activePlans(t))
	require.Empty(t, f.pub.Subjects())
}

func TestCreateOrder_InsufficientFundsTouchesNothing(t *testing.T) {
	f := newFixture(t)
	f.seedProxies("dc", 1, model.ProxyCategoryStatic, model.NetworkDatacenter, model.SharingDedicated)
	f.deposit(t, "u1", 100000)

	_, err := f.svc.CreateOrder(context.Background(), buy("u1", Item{PackageID: staticBasic.ID, Quantity: 1}))
	require.ErrorIs(t, err, wallet.ErrInsufficientFunds)
	require.Equal(t, int64(100000), f.balance(t, "u1"))
	require.Equal(t, model.HoldFree, f.proxy(t, "dc-0").Hold)
}

func TestCreateOrder_RejectsBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateOrder(ctx, buy("u1"))
	require.ErrorIs(t, err, ErrEmptyOrder)

	_, err = f.svc.CreateOrder(ctx, buy("u1", Item{PackageID: staticBasic.ID, Quantity: 0}))
	require.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.CreateOrder(ctx, CreateRequest{UserID: "u1", Items: []Item{{PackageID: staticBasic.ID, Quantity: 1}}, PaymentMethod: "cash"})
	require.ErrorIs(t, err, ErrValidation)

	inactive := staticBasic
	inactive.ID = "retired"
	inactive.Active = false
	f.s.PutPackage(inactive)
	_, err = f.svc.CreateOrder(ctx, buy("u1", Item{PackageID: "retired", Quantity: 1}))
	require.ErrorIs(t, err, catalog.ErrPackageUnavailable)

	_, err = f.svc.CreateOrder(ctx, buy("u1", Item{PackageID: "missing", Quantity: 1}))
	require.ErrorIs(t, err, catalog.ErrPackageUnavailable)
}

func TestCreateOrder_NonWalletPaymentStaysPending(t *testing.T) {
	f := newFixture(t)
	f.seedProxies("dc", 1, model.ProxyCategoryStatic, model.NetworkDatacenter, model.SharingDedicated)

	o, err := f.svc.CreateOrder(context.Background(), CreateRequest{
		UserID:        "u1",
		Items:         []Item{{PackageID: staticBasic.ID, Quantity: 1}},
		PaymentMethod: model.PaymentMethodBankTransfer,
	})
	require.NoError(t, err)
	require.Equal(t, model.OrderStatusPending, o.Status)
	require.Equal(t, model.PaymentUnpaid, o.PaymentStatus)
	require.Empty(t, o.LedgerEntryID)
	require.Empty(t, o.PlanIDs())
	require.Equal(t, int64(250000), o.TotalMinor)
	require.Equal(t, model.HoldFree, f.proxy(t, "dc-0").Hold)
	require.Empty(t, f.activePlans(t))
	require.Equal(t, []string{events.SubjectOrderPending}, f.pub.Subjects())
}

func TestCreateOrder_BandwidthLineAllocatesNothing(t *testing.T) {
	f := newFixture(t)
	bw := model.Package{ID: "bw-10g", Name: "10 GB", PlanType: model.PlanTypeBandwidth, PriceMinor: 50000, DurationDays: 30, BandwidthBytes: 10 << 30, Active: true}
	f.s.PutPackage(bw)
	f.deposit(t, "u1", 100000)

	o, err := f.svc.CreateOrder(context.Background(), buy("u1", Item{PackageID: bw.ID, Quantity: 2}))
	require.NoError(t, err)
	p := f.plan(t, o.Items[0].PlanID)
	require.True(t, p.Active())
	require.Equal(t, int64(20<<30), p.BandwidthBytes)
	require.Equal(t, int64(0), f.balance(t, "u1"))
}

func TestCreateOrder_RetriesConflictsThenSucceeds(t *testing.T) {
	f := newFixture(t)
	f.seedProxies("dc", 1, model.ProxyCategoryStatic, model.NetworkDatacenter, model.SharingDedicated)
	f.deposit(t, "u1", 300000)
	f.s.InjectConflicts(2)

	o, err := f.svc.CreateOrder(context.Background(), buy("u1", Item{PackageID: staticBasic.ID, Quantity: 1}))
	require.NoError(t, err)
	require.Equal(t, model.OrderStatusCompleted, o.Status)
	require.Equal(t, int64(50000), f.balance(t, "u1"))
	require.Equal(t, o.Items[0].PlanID, f.proxy(t, "dc-0").CurrentPlanID)
}

func TestCreateOrder_ExhaustedRetriesAreTransient(t *testing.T) {
	f := newFixture(t)
	f.seedProxies("dc", 1, model.ProxyCategoryStatic, model.NetworkDatacenter, model.SharingDedicated)
	f.deposit(t, "u1", 300000)
	f.s.InjectConflicts(3)

	_, err := f.svc.CreateOrder(context.Background(), buy("u1", Item{PackageID: staticBasic.ID, Quantity: 1}))
	require.ErrorIs(t, err, ErrTransient)
	require.NotErrorIs(t, err, inventory.ErrOutOfStock)
	require.Equal(t, int64(300000), f.balance(t, "u1"))
	require.Equal(t, model.HoldFree, f.proxy(t, "dc-0").Hold)
}

func TestCreateOrder_IdempotentResubmit(t *testing.T) {
	f := newFixture(t)
	f.seedProxies("dc", 2, model.ProxyCategoryStatic, model.NetworkDatacenter, model.SharingDedicated)
	f.deposit(t, "u1", 600000)

	req := buy("u1", Item{PackageID: staticBasic.ID, Quantity: 1})
	req.IdempotencyKey = "cart-42"
	first, err := f.svc.CreateOrder(context.Background(), req)
	require.NoError(t, err)
	second, err := f.svc.CreateOrder(context.Background(), req)
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID)
	require.Equal(t, int64(350000), f.balance(t, "u1"))
	require.Equal(t, model.HoldFree, f.proxy(t, "dc-1").Hold)
	require.Equal(t, []string{events.SubjectOrderCompleted}, f.pub.Subjects())
}

// staleKeyStore hides committed idempotency entries from the first lookup of
// every transaction, the way a READ COMMITTED snapshot taken before another
// checkout commits would.
type staleKeyStore struct{ store.Store }

func (s staleKeyStore) WithTx(ctx context.Context, opts store.TxOptions, fn store.TxFunc) error {
	return s.Store.WithTx(ctx, opts, func(ctx context.Context, tx store.Tx) error {
		return fn(ctx, &staleKeyTx{Tx: tx})
	})
}

type staleKeyTx struct {
	store.Tx
	looked bool
}

func (t *staleKeyTx) FindLedgerEntryByIdempotency(ctx context.Context, walletID, key string) (model.LedgerEntry, bool, error) {
	if !t.looked {
		t.looked = true
		return model.LedgerEntry{}, false, nil
	}
	return t.Tx.FindLedgerEntryByIdempotency(ctx, walletID, key)
}

func TestCreateOrder_ResubmitAfterStaleLookupIsNotFulfilledTwice(t *testing.T) {
	f := newFixture(t)
	f.seedProxies("dc", 2, model.ProxyCategoryStatic, model.NetworkDatacenter, model.SharingDedicated)
	f.deposit(t, "u1", 300000)

	req := buy("u1", Item{PackageID: staticBasic.ID, Quantity: 1})
	req.IdempotencyKey = "k1"
	first, err := f.svc.CreateOrder(context.Background(), req)
	require.NoError(t, err)

	f.svc.store = staleKeyStore{Store: f.s}
	second, err := f.svc.CreateOrder(context.Background(), req)
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID)
	require.Equal(t, first.Items[0].PlanID, second.Items[0].PlanID)
	require.Equal(t, int64(50000), f.balance(t, "u1"))
	require.Equal(t, model.HoldFree, f.proxy(t, "dc-1").Hold)
	require.Len(t, f.activePlans(t), 1)
	require.Equal(t, []string{events.SubjectOrderCompleted}, f.pub.Subjects())
}

func TestCreateOrder_PaysResellerCommission(t *testing.T) {
	f := newFixture(t)
	f.seedProxies("dc", 2, model.ProxyCategoryStatic, model.NetworkDatacenter, model.SharingDedicated)
	f.s.PutReferral(model.Referral{UserID: "u1", ResellerID: "r1"})
	f.s.PutReferral(model.Referral{UserID: "u2", ResellerID: "r1", RatePercent: "7.5"})
	f.deposit(t, "u1", 300000)
	f.deposit(t, "u2", 300000)

	_, err := f.svc.CreateOrder(context.Background(), buy("u1", Item{PackageID: staticBasic.ID, Quantity: 1}))
	require.NoError(t, err)
	require.Equal(t, int64(25000), f.balance(t, "r1"))

	_, err = f.svc.CreateOrder(context.Background(), buy("u2", Item{PackageID: staticBasic.ID, Quantity: 1}))
	require.NoError(t, err)
	require.Equal(t, int64(25000+18750), f.balance(t, "r1"))

	require.Equal(t, []string{
		events.SubjectOrderCompleted, events.SubjectWalletCredited,
		events.SubjectOrderCompleted, events.SubjectWalletCredited,
	}, f.pub.Subjects())
}

func TestCreateOrder_ConcurrentBuyersNeverShareAProxy(t *testing.T) {
	f := newFixture(t)
	f.seedProxies("dc", 5, model.ProxyCategoryStatic, model.NetworkDatacenter, model.SharingDedicated)
	const buyers = 8
	for i := 0; i < buyers; i++ {
		f.deposit(t, fmt.Sprintf("u%d", i), 300000)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		outStock int
	)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.CreateOrder(context.Background(), buy(fmt.Sprintf("u%d", i), Item{PackageID: staticBasic.ID, Quantity: 1}))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, inventory.ErrOutOfStock):
				outStock++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, 5, ok)
	require.Equal(t, buyers-5, outStock)
	holders := map[string]bool{}
	for i := 0; i < 5; i++ {
		p := f.proxy(t, fmt.Sprintf("dc-%d", i))
		require.True(t, p.Assigned())
		require.False(t, holders[p.CurrentUserID], "proxy shared by %s", p.CurrentUserID)
		holders[p.CurrentUserID] = true
	}
}

func TestCancelOrder(t *testing.T) {
	f := newFixture(t)
	f.seedProxies("dc", 1, model.ProxyCategoryStatic, model.NetworkDatacenter, model.SharingDedicated)
	ctx := context.Background()
	owner := Actor{UserID: "u1"}

	pending, err := f.svc.CreateOrder(ctx, CreateRequest{UserID: "u1", Items: []Item{{PackageID: staticBasic.ID, Quantity: 1}}, PaymentMethod: model.PaymentMethodCard})
	require.NoError(t, err)

	_, err = f.svc.CancelOrder(ctx, Actor{UserID: "u2"}, pending.ID)
	require.ErrorIs(t, err, ErrForbidden)

	cancelled, err := f.svc.CancelOrder(ctx, owner, pending.ID)
	require.NoError(t, err)
	require.Equal(t, model.OrderStatusCancelled, cancelled.Status)
	require.Equal(t, model.PaymentUnpaid, cancelled.PaymentStatus)
	require.Equal(t, "u1", cancelled.CancelledBy)
	require.NotNil(t, cancelled.CancelledAt)
	require.Len(t, cancelled.Items, 1)

	_, err = f.svc.CancelOrder(ctx, owner, pending.ID)
	require.ErrorIs(t, err, ErrInvalidState)

	f.deposit(t, "u1", 300000)
	done, err := f.svc.CreateOrder(ctx, buy("u1", Item{PackageID: staticBasic.ID, Quantity: 1}))
	require.NoError(t, err)
	_, err = f.svc.CancelOrder(ctx, staff, done.ID)
	require.ErrorIs(t, err, ErrInvalidState)
	require.Equal(t, int64(50000), f.balance(t, "u1"))

	_, err = f.svc.CancelOrder(ctx, owner, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestCancelOrder_ByStaffIsAudited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o, err := f.svc.CreateOrder(ctx, CreateRequest{UserID: "u1", Items: []Item{{PackageID: staticBasic.ID, Quantity: 1}}, PaymentMethod: model.PaymentMethodBankTransfer})
	require.NoError(t, err)

	_, err = f.svc.CancelOrder(ctx, staff, o.ID)
	require.NoError(t, err)
	evs := f.audits.Events()
	require.Len(t, evs, 1)
	require.Equal(t, audit.EventTypeOrderCancelled, evs[0].Type)
	require.Equal(t, o.ID, evs[0].OrderID)
	require.Equal(t, "admin-1", evs[0].ActorUserID)
}

func TestGetOrder_OwnerOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o, err := f.svc.CreateOrder(ctx, CreateRequest{UserID: "u1", Items: []Item{{PackageID: staticBasic.ID, Quantity: 1}}, PaymentMethod: model.PaymentMethodCard})
	require.NoError(t, err)

	got, err := f.svc.GetOrder(ctx, Actor{UserID: "u1"}, o.ID)
	require.NoError(t, err)
	require.Equal(t, o.OrderNumber, got.OrderNumber)

	_, err = f.svc.GetOrder(ctx, Actor{UserID: "u2"}, o.ID)
	require.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.GetOrder(ctx, staff, o.ID)
	require.NoError(t, err)
}
