package handler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"rewrite-proxy/internal/config"
	"rewrite-proxy/internal/headers"
	"rewrite-proxy/internal/middleware"
	"rewrite-proxy/internal/model"
	"rewrite-proxy/internal/proxypath"
	"rewrite-proxy/internal/redirect"
	"rewrite-proxy/internal/relay"
	"rewrite-proxy/internal/rewrite"
	"rewrite-proxy/internal/service"
)

// ProxyHandler serves proxy URLs: it decodes the target, forwards the
// request and returns the upstream response, rewritten when it is a
// document.
type ProxyHandler struct {
	service      *service.ProxyService
	rewriter     *rewrite.Rewriter
	relay        *relay.Relay
	publicOrigin string
	totalTimeout time.Duration
	stallTimeout time.Duration
	logger       *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(cfg *config.Config, svc *service.ProxyService, rw *rewrite.Rewriter, rl *relay.Relay, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service:      svc,
		rewriter:     rw,
		relay:        rl,
		publicOrigin: cfg.Proxy.PublicOrigin,
		totalTimeout: cfg.Upstream.TotalTimeout(),
		stallTimeout: cfg.Upstream.ResponseTimeout(),
		logger:       logger.With("component", "proxy_handler"),
	}
}

// Handle proxies one request.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()
	origin := h.origin(c)

	target, err := h.target(req, origin)
	if err != nil {
		return h.mapError(c, err)
	}

	body, err := io.ReadAll(req.Body)
	if err != nil {
		return h.mapError(c, fmt.Errorf("read request body: %w", err))
	}

	pr := &model.ProxyRequest{
		Method:    req.Method,
		Target:    target,
		Header:    requestHeader(req),
		Body:      body,
		SessionID: middleware.SessionID(c),
		Origin:    origin,
	}

	budget := newFetchBudget(req.Context(), h.totalTimeout, h.stallTimeout)
	defer budget.done()

	resp, err := h.service.Forward(budget.ctx, pr)
	if err != nil {
		return h.mapError(c, budget.explain(err))
	}

	kind := rewrite.Classify(resp.ContentType())
	if !h.rewritable(kind, req.Method, resp.StatusCode) {
		if !budget.release() {
			_ = resp.Body.Close()
			return h.mapError(c, errTotalTimeout)
		}
		resp.Body = budget.watch(resp.Body)
		return h.stream(c, resp)
	}

	rc := rewrite.Context{Base: resp.FinalURL, Builder: h.service.Builder(origin)}
	doc, complete, err := readDocument(resp.Body, h.rewriter.MaxBytes())
	if err != nil {
		_ = resp.Body.Close()
		return h.mapError(c, budget.explain(fmt.Errorf("read upstream document: %w", err)))
	}
	if !budget.release() {
		_ = resp.Body.Close()
		return h.mapError(c, errTotalTimeout)
	}
	if !complete {
		h.rewriter.Oversize(kind, rc)
		rest := budget.watch(resp.Body)
		resp.Body = readCloser{io.MultiReader(bytes.NewReader(doc), rest), rest}
		return h.stream(c, resp)
	}
	_ = resp.Body.Close()

	if out, ok := h.rewriter.Document(kind, doc, resp.Header, rc); ok {
		resp.Header.Set("Content-Type", documentType(kind))
		resp.Header.Del("Content-Encoding")
		resp.Header.Set("Content-Length", strconv.Itoa(len(out)))
		doc = out
	}
	resp.Body = io.NopCloser(bytes.NewReader(doc))
	return h.stream(c, resp)
}

// origin is the scheme and host proxy links are built against.
func (h *ProxyHandler) origin(c echo.Context) string {
	if h.publicOrigin != "" {
		return h.publicOrigin
	}
	return c.Scheme() + "://" + c.Request().Host
}

// target decodes the upstream URL from the request. Requests that carry no
// proxy encoding are resolved against the page named by their Referer.
func (h *ProxyHandler) target(req *http.Request, origin string) (*url.URL, error) {
	raw, ok := proxypath.Extract(req)
	if !ok {
		raw, ok = proxypath.FromReferer(req, origin)
	}
	if !ok {
		return nil, fmt.Errorf("%w: no target in %q", proxypath.ErrInvalidTarget, req.URL.Path)
	}
	return proxypath.ParseTarget(raw)
}

// profileParam selects a device profile on query-style links. Other styles
// carry the query through to the target, so they use the header only.
const profileParam = "profile"

func requestHeader(req *http.Request) http.Header {
	if req.URL.Path != proxypath.QueryPath {
		return req.Header
	}
	profile := req.URL.Query().Get(profileParam)
	if profile == "" {
		return req.Header
	}
	h := req.Header.Clone()
	h.Set(headers.ProfileHeader, profile)
	return h
}

func (h *ProxyHandler) rewritable(k rewrite.Kind, method string, status int) bool {
	if !h.rewriter.Wants(k) || method == http.MethodHead {
		return false
	}
	switch {
	case status == http.StatusPartialContent,
		status == http.StatusNoContent,
		status == http.StatusNotModified,
		status < http.StatusOK:
		return false
	}
	return true
}

func (h *ProxyHandler) stream(c echo.Context, resp *model.ProxyResponse) error {
	// Headers are committed once streaming starts; a failure past that point
	// can only truncate the response.
	if err := h.relay.Stream(c.Response(), c.Request().Method, resp); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"target", resp.FinalURL.Redacted(),
		)
	}
	return nil
}

// readDocument reads at most limit bytes. complete is false when the body is
// longer, in which case the bytes read so far are returned and the rest
// remains in r. A zero limit reads everything.
func readDocument(r io.Reader, limit int64) (doc []byte, complete bool, err error) {
	if limit <= 0 {
		doc, err = io.ReadAll(r)
		return doc, err == nil, err
	}
	doc, err = io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, false, err
	}
	return doc, int64(len(doc)) <= limit, nil
}

func documentType(k rewrite.Kind) string {
	if k == rewrite.KindCSS {
		return "text/css; charset=utf-8"
	}
	return "text/html; charset=utf-8"
}

type readCloser struct {
	io.Reader
	io.Closer
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	status, msg := errorStatus(err)

	if status >= http.StatusInternalServerError {
		h.logger.Error("proxy error", "err", err, "status", status, "path", c.Request().URL.Path)
	} else {
		h.logger.Debug("proxy error", "err", err, "status", status, "path", c.Request().URL.Path)
	}

	return c.String(status, msg)
}

// errorStatus maps a proxy failure to a status code and plain-text message.
func errorStatus(err error) (int, string) {
	if errors.Is(err, proxypath.ErrInvalidTarget) {
		return http.StatusBadRequest, err.Error()
	}

	if errors.Is(err, redirect.ErrRedirectCycle) {
		return http.StatusLoopDetected, "redirect cycle detected"
	}
	if errors.Is(err, redirect.ErrTooManyRedirects) {
		return http.StatusLoopDetected, "too many redirects"
	}

	if errors.Is(err, context.Canceled) {
		return http.StatusBadGateway, "client disconnected"
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return http.StatusGatewayTimeout, "upstream request timed out"
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return http.StatusBadGateway, "upstream host unreachable: " + dnsErr.Error()
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return http.StatusBadGateway, "upstream connection failed: " + opErr.Error()
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return http.StatusBadGateway, "upstream connection failed: " + urlErr.Err.Error()
	}

	return http.StatusBadGateway, "upstream request failed"
}
