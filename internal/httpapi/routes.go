package httpapi

import (
	"github.com/gin-gonic/gin"

	"proxy-reseller/internal/rbac"
)

// Mount registers the authenticated API on v1. The caller installs authentication first.
func (h Handlers) Mount(v1 *gin.RouterGroup, checkoutCap gin.HandlerFunc) {
	if checkoutCap == nil {
		checkoutCap = CheckoutCap(nil)
	}

	orders := v1.Group("/orders")
	{
		orders.POST("", checkoutCap, h.CreateOrder)
		orders.GET("/:id", h.GetOrder)
		orders.POST("/:id/cancel", h.CancelOrder)
	}

	plans := v1.Group("/plans")
	{
		plans.GET("/:id", h.GetPlan)
		plans.POST("/:id/renew", checkoutCap, h.RenewPlan)
		plans.POST("/:id/cancel", h.CancelPlan)
		plans.GET("/:id/health", h.PlanHealth)
	}

	v1.POST("/proxies/:id/rotate", h.RotateProxy)

	wallet := v1.Group("/wallet")
	{
		wallet.GET("", h.GetWallet)
		wallet.GET("/ledger", h.WalletLedger)
	}
	v1.GET("/reports/spend", h.SpendSummary)

	admin := v1.Group("/admin")
	admin.Use(rbac.RequireStaff())
	{
		users := admin.Group("/users/:user_id")
		users.GET("/wallet", h.GetWallet)
		users.GET("/wallet/ledger", h.WalletLedger)
		users.GET("/wallet/reconcile", h.ReconcileWallet)
		users.GET("/reports/spend", h.SpendSummary)

		admin.POST("/wallets/credit", h.CreditWallet)
		admin.POST("/wallets/adjust", h.AdjustWallet)
		admin.POST("/plans/sweep", h.ExpireDue)
	}
}
