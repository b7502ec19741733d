package middleware

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"rewrite-proxy/internal/config"
)

// sessionKey is the echo.Context key holding the session id.
const sessionKey = "proxy_session_id"

// Session returns an Echo middleware that ties each client to a proxy
// session. A missing or malformed session cookie is replaced by a fresh
// random UUID, so ids are never chosen by the client.
func Session(cfg *config.SessionConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := ""
			if ck, err := c.Cookie(cfg.CookieName); err == nil {
				if u, err := uuid.Parse(ck.Value); err == nil && u.Version() == 4 {
					id = u.String()
				}
			}

			if id == "" {
				id = uuid.NewString()
				c.SetCookie(&http.Cookie{
					Name:     cfg.CookieName,
					Value:    id,
					Path:     "/",
					HttpOnly: true,
					Secure:   cfg.Secure,
					SameSite: http.SameSiteLaxMode,
				})
			}

			c.Set(sessionKey, id)
			return next(c)
		}
	}
}

// SessionID returns the session id set by Session, or "".
func SessionID(c echo.Context) string {
	id, _ := c.Get(sessionKey).(string)
	return id
}
