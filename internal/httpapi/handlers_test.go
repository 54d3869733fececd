package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"proxy-reseller/internal/auth"
	"proxy-reseller/internal/catalog"
	"proxy-reseller/internal/commission"
	"proxy-reseller/internal/config"
	"proxy-reseller/internal/inventory"
	"proxy-reseller/internal/model"
	"proxy-reseller/internal/order"
	"proxy-reseller/internal/plan"
	"proxy-reseller/internal/provider"
	"proxy-reseller/internal/reporting"
	"proxy-reseller/internal/store"
	"proxy-reseller/internal/store/memory"
	"proxy-reseller/internal/wallet"
	"proxy-reseller/pkg/utils"
)

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

type apiFixture struct {
	t      *testing.T
	st     *memory.Store
	tokens *auth.Manager
	router *gin.Engine
}

func newAPI(t *testing.T, limiter Limiter) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := memory.New()
	st.PutPackage(staticBasic)

	alloc := inventory.NewAllocator(st, provider.NewFake(), nil)
	calc, err := commission.NewCalculator("0")
	require.NoError(t, err)
	svc := order.NewService(order.Deps{
		Store:      st,
		Catalog:    catalog.NewService(),
		Wallet:     wallet.NewService("VND"),
		Allocator:  alloc,
		Plans:      plan.NewManager(alloc),
		Commission: calc,
	}, order.Config{MaxAttempts: 3, RetryBackoff: time.Millisecond})

	tokens, err := auth.NewManager(config.AuthConfig{JWTSecret: "test-secret"})
	require.NoError(t, err)

	h := Handlers{
		Orders:     svc,
		Reports:    reporting.NewService(reporting.NewStoreRepo(st)),
		Ready:      st.Ping,
		SweepBatch: 100,
	}
	r := gin.New()
	r.GET("/healthz", h.Healthz)
	r.GET("/readyz", h.Readyz)
	v1 := r.Group("/v1")
	v1.Use(auth.RequireAccessToken(tokens))
	var capMW gin.HandlerFunc
	if limiter != nil {
		capMW = CheckoutCap(limiter)
	}
	h.Mount(v1, capMW)

	return &apiFixture{t: t, st: st, tokens: tokens, router: r}
}

func (f *apiFixture) seedStatic(n int) {
	for i := 0; i < n; i++ {
		f.st.PutProxy(model.Proxy{
			ID:                 fmt.Sprintf("dc-%d", i),
			ProviderResourceID: fmt.Sprintf("res-dc-%d", i),
			Host:               fmt.Sprintf("10.0.0.%d", i),
			Port:               3128,
			Protocol:           model.ProtocolHTTP,
			Category:           model.ProxyCategoryStatic,
			NetworkType:        model.NetworkDatacenter,
			Sharing:            model.SharingDedicated,
			CreatedAt:          time.Now().Add(-time.Duration(n-i) * time.Hour),
		})
	}
}

func (f *apiFixture) do(method, path, userID, role string, body any) *httptest.ResponseRecorder {
	f.t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(f.t, err)
		rd = bytes.NewReader(b)
	}
	var req *http.Request
	if rd != nil {
		req = httptest.NewRequest(method, path, rd)
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if userID != "" {
		tok, err := f.tokens.IssueAccess(time.Now(), userID, role)
		require.NoError(f.t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func (f *apiFixture) topUp(userID string, amount int64) {
	f.t.Helper()
	w := f.do(http.MethodPost, "/v1/admin/wallets/credit", "admin-1", "admin", gin.H{
		"user_id":      userID,
		"type":         "deposit",
		"amount_minor": amount,
		"reason":       "bank transfer",
	})
	require.Equal(f.t, http.StatusCreated, w.Code, w.Body.String())
}

func checkout(quantity int) gin.H {
	return gin.H{
		"items":          []gin.H{{"package_id": staticBasic.ID, "quantity": quantity}},
		"payment_method": "wallet",
	}
}

func TestHealthAndReadiness(t *testing.T) {
	f := newAPI(t, nil)
	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/healthz", "", "", nil).Code)
	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/readyz", "", "", nil).Code)
}

func TestCheckout_CompletesAndDebits(t *testing.T) {
	f := newAPI(t, nil)
	f.seedStatic(2)
	f.topUp("user-1", 300000)

	w := f.do(http.MethodPost, "/v1/orders", "user-1", "customer", checkout(1))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	o := decode[model.Order](t, w)
	require.Equal(t, model.OrderStatusCompleted, o.Status)
	require.Equal(t, int64(250000), o.TotalMinor)
	require.Len(t, o.Items, 1)
	require.NotEmpty(t, o.Items[0].PlanID)

	w = f.do(http.MethodGet, "/v1/wallet", "user-1", "customer", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, int64(50000), decode[model.Wallet](t, w).BalanceMinor)

	w = f.do(http.MethodGet, "/v1/plans/"+o.Items[0].PlanID, "user-1", "customer", nil)
	require.Equal(t, http.StatusOK, w.Code)
	view := decode[order.PlanView](t, w)
	require.Equal(t, model.PlanStateActive, view.Plan.State)
	require.Len(t, view.Proxies, 1)

	w = f.do(http.MethodGet, "/v1/reports/spend", "user-1", "customer", nil)
	require.Equal(t, http.StatusOK, w.Code)
	sum := decode[reporting.SpendSummary](t, w)
	require.Equal(t, int64(250000), sum.PurchaseMinor)
	require.Equal(t, int64(300000), sum.DepositMinor)
}

func TestCheckout_BusinessFailuresMapToStatus(t *testing.T) {
	f := newAPI(t, nil)
	f.seedStatic(1)
	f.topUp("user-1", 100000)

	w := f.do(http.MethodPost, "/v1/orders", "user-1", "customer", checkout(1))
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	require.Equal(t, "insufficient_funds", decode[map[string]string](t, w)["error"])

	f.topUp("user-1", 1000000)
	w = f.do(http.MethodPost, "/v1/orders", "user-1", "customer", checkout(2))
	require.Equal(t, http.StatusConflict, w.Code)
	require.Equal(t, "out_of_stock", decode[map[string]string](t, w)["error"])

	w = f.do(http.MethodPost, "/v1/orders", "user-1", "customer", gin.H{"payment_method": "wallet"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "empty_order", decode[map[string]string](t, w)["error"])

	w = f.do(http.MethodPost, "/v1/orders", "user-1", "customer", gin.H{
		"items":          []gin.H{{"package_id": staticBasic.ID, "quantity": 1}},
		"payment_method": "cash",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCheckout_NonWalletIsAccepted(t *testing.T) {
	f := newAPI(t, nil)
	w := f.do(http.MethodPost, "/v1/orders", "user-1", "customer", gin.H{
		"items":          []gin.H{{"package_id": staticBasic.ID, "quantity": 1}},
		"payment_method": "bank_transfer",
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	o := decode[model.Order](t, w)
	require.Equal(t, model.OrderStatusPending, o.Status)

	w = f.do(http.MethodPost, "/v1/orders/"+o.ID+"/cancel", "user-1", "customer", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, model.OrderStatusCancelled, decode[model.Order](t, w).Status)

	w = f.do(http.MethodPost, "/v1/orders/"+o.ID+"/cancel", "user-1", "customer", nil)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestOrders_Ownership(t *testing.T) {
	f := newAPI(t, nil)
	f.seedStatic(1)
	f.topUp("user-1", 300000)
	o := decode[model.Order](t, f.do(http.MethodPost, "/v1/orders", "user-1", "customer", checkout(1)))

	require.Equal(t, http.StatusForbidden, f.do(http.MethodGet, "/v1/orders/"+o.ID, "user-2", "customer", nil).Code)
	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/v1/orders/"+o.ID, "admin-1", "admin", nil).Code)
	require.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/v1/orders/missing", "user-1", "customer", nil).Code)
	require.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/v1/orders/"+o.ID, "", "", nil).Code)
}

func TestRenewAndCancelPlan(t *testing.T) {
	f := newAPI(t, nil)
	f.seedStatic(1)
	f.topUp("user-1", 600000)
	o := decode[model.Order](t, f.do(http.MethodPost, "/v1/orders", "user-1", "customer", checkout(1)))
	planID := o.Items[0].PlanID

	w := f.do(http.MethodPost, "/v1/plans/"+planID+"/renew", "user-1", "customer", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	renewed := decode[struct {
		Order model.Order `json:"order"`
		Plan  model.Plan  `json:"plan"`
	}](t, w)
	require.Equal(t, model.OrderKindRenewal, renewed.Order.Kind)
	require.True(t, renewed.Plan.EndAt.After(time.Now().AddDate(0, 0, 59)))

	w = f.do(http.MethodPost, "/v1/plans/"+planID+"/renew", "user-1", "customer", gin.H{"days": 45})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "invalid_request", decode[map[string]string](t, w)["error"])

	w = f.do(http.MethodPost, "/v1/plans/"+planID+"/cancel", "user-1", "customer", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, model.PlanStateCancelled, decode[model.Plan](t, w).State)

	w = f.do(http.MethodPost, "/v1/plans/"+planID+"/renew", "user-1", "customer", gin.H{"days": 30})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	require.Equal(t, "not_renewable", decode[map[string]string](t, w)["error"])
}

func TestAdminRoutesRequireStaff(t *testing.T) {
	f := newAPI(t, nil)

	w := f.do(http.MethodPost, "/v1/admin/wallets/credit", "user-1", "customer", gin.H{
		"user_id": "user-1", "type": "deposit", "amount_minor": 1000,
	})
	require.Equal(t, http.StatusForbidden, w.Code)

	f.topUp("user-1", 1000)
	w = f.do(http.MethodGet, "/v1/admin/users/user-1/wallet", "admin-1", "admin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, int64(1000), decode[model.Wallet](t, w).BalanceMinor)

	w = f.do(http.MethodGet, "/v1/admin/users/user-1/wallet/reconcile", "admin-1", "admin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, decode[wallet.Reconciliation](t, w).Consistent)

	w = f.do(http.MethodPost, "/v1/admin/wallets/adjust", "admin-1", "super_admin", gin.H{
		"user_id": "user-1", "delta_minor": -5000, "reason": "chargeback",
	})
	require.Equal(t, http.StatusPaymentRequired, w.Code)

	w = f.do(http.MethodGet, "/v1/admin/users/user-1/wallet/ledger?limit=10", "admin-1", "admin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, decode[map[string][]model.LedgerEntry](t, w)["entries"], 1)

	w = f.do(http.MethodPost, "/v1/admin/plans/sweep", "admin-1", "admin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, order.SweepResult{}, decode[order.SweepResult](t, w))
}

func TestWalletLedger_RejectsBadQuery(t *testing.T) {
	f := newAPI(t, nil)
	require.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/v1/wallet/ledger?limit=0", "user-1", "customer", nil).Code)
	require.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/v1/wallet/ledger?from=yesterday", "user-1", "customer", nil).Code)

	w := f.do(http.MethodGet, "/v1/wallet/ledger", "user-1", "customer", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"entries":[]}`, w.Body.String())
}

type fakeLimiter struct {
	allow    bool
	err      error
	released []string
}

func (l *fakeLimiter) Acquire(ctx context.Context, key string) (bool, error) { return l.allow, l.err }

func (l *fakeLimiter) Release(ctx context.Context, key string) error {
	l.released = append(l.released, key)
	return nil
}

func TestCheckoutCap(t *testing.T) {
	full := &fakeLimiter{allow: false}
	f := newAPI(t, full)
	w := f.do(http.MethodPost, "/v1/orders", "user-1", "customer", checkout(1))
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.Empty(t, full.released)

	open := &fakeLimiter{allow: true}
	f = newAPI(t, open)
	w = f.do(http.MethodPost, "/v1/orders", "user-1", "customer", checkout(1))
	require.Equal(t, http.StatusPaymentRequired, w.Code, "wallet is empty")
	require.Equal(t, []string{utils.CheckoutSlotKey("user-1")}, open.released)

	down := &fakeLimiter{err: errors.New("redis down")}
	f = newAPI(t, down)
	w = f.do(http.MethodPost, "/v1/orders", "user-1", "customer", checkout(1))
	require.Equal(t, http.StatusPaymentRequired, w.Code, "limiter outage must not block checkout")
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("%w: gave up: %v", order.ErrTransient, store.ErrConflict), http.StatusServiceUnavailable, "try_again"},
		{fmt.Errorf("line 1: %w", inventory.ErrOutOfStock), http.StatusConflict, "out_of_stock"},
		{fmt.Errorf("wrap: %w", wallet.ErrInsufficientFunds), http.StatusPaymentRequired, "insufficient_funds"},
		{fmt.Errorf("wrap: %w", plan.ErrNotRenewable), http.StatusUnprocessableEntity, "not_renewable"},
		{store.ErrNotFound, http.StatusNotFound, "not_found"},
		{order.ErrForbidden, http.StatusForbidden, "forbidden"},
		{auth.ErrNoIdentity, http.StatusUnauthorized, "unauthenticated"},
		{fmt.Errorf("wallet w1: %w", wallet.ErrLockUnderflow), http.StatusUnprocessableEntity, "lock_underflow"},
		{fmt.Errorf("%w: wallet w1 ledger=1 balance=2", wallet.ErrLedgerMismatch), http.StatusConflict, "ledger_mismatch"},
		{fmt.Errorf("%w: renewal days must be positive", plan.ErrInvalidPlan), http.StatusUnprocessableEntity, "invalid_plan"},
		{fmt.Errorf("%w: \"abc\"", commission.ErrInvalidRate), http.StatusUnprocessableEntity, "invalid_commission_rate"},
		{errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		status, code := statusFor(tc.err)
		require.Equal(t, tc.status, status, tc.err.Error())
		require.Equal(t, tc.code, code, tc.err.Error())
	}
}

func TestWriteError_HidesInternalDetail(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", func(c *gin.Context) { writeError(c, errors.New("pq: password authentication failed")) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.JSONEq(t, `{"error":"internal","message":"internal error"}`, w.Body.String())
}
