package middleware

import (
	"github.com/labstack/echo/v4"

	"rewrite-proxy/internal/headers"
)

// StripHopByHop returns an Echo middleware that removes hop-by-hop headers,
// and any header named by a Connection token, from inbound requests before
// handlers see them.
func StripHopByHop() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			headers.StripHopByHop(c.Request().Header)
			return next(c)
		}
	}
}
