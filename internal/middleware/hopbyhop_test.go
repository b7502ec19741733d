package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestStripHopByHop(t *testing.T) {
	e := echo.New()
	e.Use(StripHopByHop())

	var got http.Header
	e.GET("/test", func(c echo.Context) error {
		got = c.Request().Header.Clone()
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	req.Header.Set("Connection", "keep-alive, X-Trace")
	req.Header.Set("X-Trace", "1")
	req.Header.Set("Proxy-Authorization", "Basic abc")
	req.Header.Set("Range", "bytes=0-1")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	for _, h := range []string{"Connection", "X-Trace", "Proxy-Authorization"} {
		if v := got.Get(h); v != "" {
			t.Errorf("%s should be stripped, got %q", h, v)
		}
	}
	if v := got.Get("Range"); v != "bytes=0-1" {
		t.Errorf("Range = %q, want it untouched", v)
	}
}

func TestStripHopByHop_NoFrameDenial(t *testing.T) {
	e := echo.New()
	e.Use(StripHopByHop())
	e.GET("/test", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test", http.NoBody))

	if v := rec.Header().Get("X-Frame-Options"); v != "" {
		t.Errorf("X-Frame-Options = %q; proxied pages must stay embeddable", v)
	}
}
