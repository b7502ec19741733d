package handler

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

func TestRegisterRoutes_Wiring(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	e, _ := newTestServer(t, testConfig())

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
	}{
		{"GET /healthz", http.MethodGet, "/healthz", http.StatusOK},
		{"GET /status", http.MethodGet, "/status", http.StatusOK},
		{"GET query style", http.MethodGet, "/proxy?url=" + url.QueryEscape(upstream.URL+"/x"), http.StatusOK},
		{"POST encoded style", http.MethodPost, encoded(upstream.URL + "/x"), http.StatusOK},
		{"GET raw style", http.MethodGet, "/" + upstream.URL + "/x?y=1", http.StatusOK},
		{"GET /proxy without target", http.MethodGet, "/proxy", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(e, httptest.NewRequest(tt.method, tt.path, http.NoBody))
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestRegisterRoutes_SessionCookie(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	e, _ := newTestServer(t, testConfig())

	rec := serve(e, httptest.NewRequest(http.MethodGet, encoded(upstream.URL+"/"), http.NoBody))
	if len(rec.Result().Cookies()) != 1 {
		t.Fatalf("proxy route cookies = %d, want 1", len(rec.Result().Cookies()))
	}

	rec = serve(e, httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))
	if len(rec.Result().Cookies()) != 0 {
		t.Errorf("health route must not issue a session cookie")
	}
}
