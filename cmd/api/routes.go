package main

import (
	"github.com/gin-gonic/gin"

	"proxy-reseller/internal/httpapi"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers delegate to the order engine.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, authMW, checkoutCap gin.HandlerFunc) {
	// public
	r.GET("/healthz", h.Healthz)
	r.GET("/readyz", h.Readyz)

	v1 := r.Group("/v1")
	v1.Use(authMW)
	h.Mount(v1, checkoutCap)
}
