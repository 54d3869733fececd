package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"proxy-reseller/internal/auth"
	"proxy-reseller/internal/catalog"
	"proxy-reseller/internal/commission"
	"proxy-reseller/internal/inventory"
	"proxy-reseller/internal/model"
	"proxy-reseller/internal/order"
	"proxy-reseller/internal/plan"
	"proxy-reseller/internal/provider"
	"proxy-reseller/internal/reporting"
	"proxy-reseller/internal/store"
	"proxy-reseller/internal/wallet"
	"proxy-reseller/pkg/logger"
)

type errorClass struct {
	target error
	status int
	code   string
}

// Order matters: the first match wins, so wrapped transient errors are checked
// before the store conflicts they wrap.
var errorClasses = []errorClass{
	{order.ErrTransient, http.StatusServiceUnavailable, "try_again"},
	{store.ErrConflict, http.StatusServiceUnavailable, "try_again"},
	{provider.ErrUnavailable, http.StatusServiceUnavailable, "provider_unavailable"},

	{order.ErrValidation, http.StatusBadRequest, "invalid_request"},
	{order.ErrEmptyOrder, http.StatusBadRequest, "empty_order"},
	{reporting.ErrInvalidRequest, http.StatusBadRequest, "invalid_request"},
	{catalog.ErrInvalidQuantity, http.StatusBadRequest, "invalid_quantity"},
	{wallet.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{wallet.ErrInvalidArgument, http.StatusBadRequest, "invalid_request"},

	{auth.ErrNoIdentity, http.StatusUnauthorized, "unauthenticated"},
	{order.ErrForbidden, http.StatusForbidden, "forbidden"},
	{store.ErrNotFound, http.StatusNotFound, "not_found"},

	{wallet.ErrInsufficientFunds, http.StatusPaymentRequired, "insufficient_funds"},

	{inventory.ErrOutOfStock, http.StatusConflict, "out_of_stock"},
	{inventory.ErrResourceUnavailable, http.StatusConflict, "resource_unavailable"},
	{catalog.ErrPackageUnavailable, http.StatusConflict, "package_unavailable"},
	{store.ErrDuplicate, http.StatusConflict, "duplicate"},
	{wallet.ErrLedgerMismatch, http.StatusConflict, "ledger_mismatch"},

	{plan.ErrAlreadyInactive, http.StatusUnprocessableEntity, "plan_inactive"},
	{plan.ErrNotRenewable, http.StatusUnprocessableEntity, "not_renewable"},
	{plan.ErrGraceActive, http.StatusUnprocessableEntity, "grace_active"},
	{order.ErrInvalidState, http.StatusUnprocessableEntity, "invalid_state"},
	{model.ErrIllegalTransition, http.StatusUnprocessableEntity, "invalid_state"},
	{inventory.ErrInvalidResourceType, http.StatusUnprocessableEntity, "invalid_resource_type"},
	{catalog.ErrAmountOverflow, http.StatusUnprocessableEntity, "amount_overflow"},
	{wallet.ErrLockUnderflow, http.StatusUnprocessableEntity, "lock_underflow"},
	{plan.ErrInvalidPlan, http.StatusUnprocessableEntity, "invalid_plan"},
	{commission.ErrInvalidRate, http.StatusUnprocessableEntity, "invalid_commission_rate"},
}

// statusFor maps an engine error to an HTTP status and a stable error code.
func statusFor(err error) (int, string) {
	for _, ec := range errorClasses {
		if errors.Is(err, ec.target) {
			return ec.status, ec.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

// writeError renders err. Server-side failures are logged and never echoed.
func writeError(c *gin.Context, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError && code == "internal" {
		logger.FromGin(c).ErrorContext(c.Request.Context(), "request failed", "err", err)
		c.AbortWithStatusJSON(status, gin.H{"error": code, "message": "internal error"})
		return
	}
	if status == http.StatusServiceUnavailable {
		logger.FromGin(c).WarnContext(c.Request.Context(), "request deferred", "err", err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": code, "message": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": msg})
}
