package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"proxy-reseller/internal/auth"
	"proxy-reseller/internal/model"
	"proxy-reseller/internal/order"
	"proxy-reseller/internal/rbac"
	"proxy-reseller/internal/reporting"
	"proxy-reseller/internal/store"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse input, build the actor, call the engine, return JSON.
type Handlers struct {
	Orders  *order.Service
	Reports *reporting.Service

	// Ready reports whether the backing store is reachable.
	Ready func(ctx context.Context) error

	// SweepBatch bounds one admin-triggered expiry pass.
	SweepBatch int

	// Now is the clock used for default report ranges.
	Now func() time.Time
}

const headerIdempotencyKey = "Idempotency-Key"

func (h Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// actor builds the engine caller from the verified identity.
func actor(c *gin.Context) (order.Actor, bool) {
	uid, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return order.Actor{}, false
	}
	role, _ := auth.Role(c.Request.Context())
	return order.Actor{UserID: uid, Role: role, IP: c.ClientIP(), Staff: rbac.IsStaff(role)}, true
}

// bindOptionalJSON binds a body when one is present. An empty body leaves dst untouched.
func bindOptionalJSON(c *gin.Context, dst any) bool {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, "invalid json")
		return false
	}
	return true
}

// --- Health ---

func (h Handlers) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h Handlers) Readyz(c *gin.Context) {
	if h.Ready != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.Ready(ctx); err != nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// --- Orders ---

func (h Handlers) CreateOrder(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	var req order.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	req.UserID = a.UserID
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader(headerIdempotencyKey)
	}

	o, err := h.Orders.CreateOrder(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusCreated
	if o.Status != model.OrderStatusCompleted {
		status = http.StatusAccepted
	}
	c.JSON(status, o)
}

func (h Handlers) GetOrder(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	o, err := h.Orders.GetOrder(c.Request.Context(), a, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (h Handlers) CancelOrder(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	o, err := h.Orders.CancelOrder(c.Request.Context(), a, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

// --- Plans ---

func (h Handlers) GetPlan(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	v, err := h.Orders.GetPlan(c.Request.Context(), a, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (h Handlers) RenewPlan(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	var req order.RenewRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	req.PlanID = c.Param("id")

	o, p, err := h.Orders.RenewPlan(c.Request.Context(), a, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o, "plan": p})
}

func (h Handlers) CancelPlan(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	p, err := h.Orders.CancelPlan(c.Request.Context(), a, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h Handlers) PlanHealth(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	res, err := h.Orders.PlanHealth(c.Request.Context(), a, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"proxies": res})
}

// RotateProxy answers 200 even when the provider failed; the body says whether the IP changed.
func (h Handlers) RotateProxy(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	res, err := h.Orders.RotateProxy(c.Request.Context(), a, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// --- Wallet ---

// walletOwner is the caller for self routes and the path user for staff routes.
func walletOwner(c *gin.Context, a order.Actor) string {
	if uid := c.Param("user_id"); uid != "" {
		return uid
	}
	return a.UserID
}

func (h Handlers) GetWallet(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	w, err := h.Orders.Wallet(c.Request.Context(), a, walletOwner(c, a))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (h Handlers) WalletLedger(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	f, ok := ledgerFilter(c)
	if !ok {
		return
	}
	entries, err := h.Orders.WalletHistory(c.Request.Context(), a, walletOwner(c, a), f)
	if err != nil {
		writeError(c, err)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (h Handlers) ReconcileWallet(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	rep, err := h.Orders.ReconcileWallet(c.Request.Context(), a, c.Param("user_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (h Handlers) CreditWallet(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	var req order.CreditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader(headerIdempotencyKey)
	}
	e, err := h.Orders.CreditWallet(c.Request.Context(), a, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, e)
}

func (h Handlers) AdjustWallet(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	var req order.AdjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader(headerIdempotencyKey)
	}
	e, err := h.Orders.AdjustWallet(c.Request.Context(), a, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, e)
}

// --- Reports ---

// SpendSummary defaults to the last 30 days when no range is given.
func (h Handlers) SpendSummary(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	userID := walletOwner(c, a)
	if userID != a.UserID && !a.Staff {
		writeError(c, order.ErrForbidden)
		return
	}

	to := h.now().UTC()
	from := to.AddDate(0, 0, -30)
	var err error
	if v := c.Query("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			badRequest(c, "from must be RFC3339")
			return
		}
	}
	if v := c.Query("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			badRequest(c, "to must be RFC3339")
			return
		}
	}

	sum, err := h.Reports.SpendSummary(c.Request.Context(), reporting.SpendSummaryRequest{
		UserID: userID,
		Range:  reporting.TimeRange{From: from, To: to},
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

// --- Admin ---

// ExpireDue runs one expiry pass. Production deployments usually drive it from the in-process ticker.
func (h Handlers) ExpireDue(c *gin.Context) {
	if _, ok := actor(c); !ok {
		return
	}
	limit := h.SweepBatch
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			badRequest(c, "limit must be a positive integer")
			return
		}
		limit = n
	}
	res, err := h.Orders.ExpireDue(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func ledgerFilter(c *gin.Context) (store.LedgerFilter, bool) {
	var f store.LedgerFilter
	if v := c.Query("after_seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			badRequest(c, "after_seq must be a non-negative integer")
			return f, false
		}
		f.AfterSeq = n
	}
	f.Limit = 100
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			badRequest(c, "limit must be between 1 and 1000")
			return f, false
		}
		f.Limit = n
	}
	for key, dst := range map[string]*time.Time{"from": &f.From, "to": &f.To} {
		if v := c.Query(key); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				badRequest(c, key+" must be RFC3339")
				return f, false
			}
			*dst = t
		}
	}
	return f, true
}
