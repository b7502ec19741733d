// Package service implements the core proxy forwarding logic.
package service

import (
	"context"
	"fmt"
	"log/slog"

	"rewrite-proxy/internal/config"
	"rewrite-proxy/internal/cookiejar"
	"rewrite-proxy/internal/headers"
	"rewrite-proxy/internal/model"
	"rewrite-proxy/internal/proxypath"
	"rewrite-proxy/internal/redirect"
)

// ProxyService fetches upstream resources on behalf of proxy sessions.
type ProxyService struct {
	walker       *redirect.Walker
	jar          *cookiejar.Jar
	style        proxypath.Style
	redirectMode string
	userAgent    string
	logger       *slog.Logger
}

// NewProxyService creates a ProxyService.
func NewProxyService(w *redirect.Walker, jar *cookiejar.Jar, cfg *config.Config, logger *slog.Logger) (*ProxyService, error) {
	style, err := proxypath.ParseStyle(cfg.Proxy.PathStyle)
	if err != nil {
		return nil, fmt.Errorf("proxy.path_style: %w", err)
	}

	return &ProxyService{
		walker:       w,
		jar:          jar,
		style:        style,
		redirectMode: cfg.Upstream.RedirectMode,
		userAgent:    cfg.Upstream.UserAgent,
		logger:       logger.With("component", "proxy_service"),
	}, nil
}

// Forward fetches pr.Target and returns the upstream response with
// client-facing headers. The caller is responsible for closing the body.
//
// Outbound headers pass through the request filter; upstream cookies come
// from the session's jar entry, hop by hop. In follow mode redirects are
// resolved here; in surface mode the first response is returned with its
// Location pointing back through the proxy.
func (s *ProxyService) Forward(ctx context.Context, pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	out := *pr
	out.Header = headers.Request(pr.Origin, pr.Target, s.userAgent).Apply(pr.Header)

	var cookies redirect.Cookies
	if pr.SessionID != "" {
		cookies = s.jar.ForSession(pr.SessionID)
	}

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"target", pr.Target.Redacted(),
	)

	fetch := s.walker.FetchFinal
	if s.redirectMode == config.RedirectSurface {
		fetch = s.walker.FetchOnce
	}

	resp, err := fetch(ctx, &out, cookies)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	resp.Header = headers.Response(resp.FinalURL, s.Builder(pr.Origin)).Apply(resp.Header)
	return resp, nil
}

// Builder returns the link builder for responses served under origin.
func (s *ProxyService) Builder(origin string) proxypath.Builder {
	return proxypath.NewBuilder(s.style, origin)
}

// Style returns the configured link style.
func (s *ProxyService) Style() proxypath.Style {
	return s.style
}

// RedirectMode returns the configured redirect handling mode.
func (s *ProxyService) RedirectMode() string {
	return s.redirectMode
}

// Sessions returns the number of sessions holding upstream cookies.
func (s *ProxyService) Sessions() int {
	return s.jar.Len()
}
