package handler

import (
	"github.com/labstack/echo/v4"

	"rewrite-proxy/internal/config"
	"rewrite-proxy/internal/middleware"
)

// RegisterRoutes wires all route handlers onto the Echo instance. Every
// path not claimed by a fixed route is treated as a raw-style proxy URL or a
// stray subresource request.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, proxy *ProxyHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/status", health.Status)

	session := middleware.Session(&cfg.Session)
	e.Any("/proxy", proxy.Handle, session)
	e.Any("/proxy/*", proxy.Handle, session)
	e.Any("/*", proxy.Handle, session)
}
