// Package redirect fetches upstream resources with manual redirect handling.
package redirect

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"rewrite-proxy/internal/config"
	"rewrite-proxy/internal/cookiejar"
	"rewrite-proxy/internal/metrics"
	"rewrite-proxy/internal/model"
	"rewrite-proxy/internal/resolve"
)

var (
	// ErrTooManyRedirects is returned when a chain exceeds the hop limit.
	ErrTooManyRedirects = errors.New("too many redirects")
	// ErrRedirectCycle is returned when a chain revisits a URL.
	ErrRedirectCycle = errors.New("redirect cycle detected")
)

// drainLimit bounds how much of an intermediate redirect body is read so the
// connection can be reused.
const drainLimit = 64 << 10

// Doer performs a single upstream exchange without following redirects.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Cookies is the cookie jar as seen by one session.
type Cookies interface {
	CookieHeader(host string) string
	Record(host string, setCookies []string)
}

// Walker follows redirect chains hop by hop.
type Walker struct {
	client  Doer
	maxHops int
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewWalker creates a Walker. The metrics parameter is optional.
func NewWalker(c Doer, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Walker {
	return &Walker{
		client:  c,
		maxHops: cfg.Upstream.MaxRedirects,
		logger:  logger.With("component", "redirect_walker"),
		metrics: m,
	}
}

// FetchFinal fetches req.Target and follows redirects until a terminal
// response. Set-Cookie from every hop is recorded under that hop's host, and
// each hop sends the cookies stored for its own host. cookies may be nil.
func (w *Walker) FetchFinal(ctx context.Context, req *model.ProxyRequest, cookies Cookies) (*model.ProxyResponse, error) {
	return w.walk(ctx, req, cookies, true)
}

// FetchOnce performs a single hop and returns its response, redirect or not.
func (w *Walker) FetchOnce(ctx context.Context, req *model.ProxyRequest, cookies Cookies) (*model.ProxyResponse, error) {
	return w.walk(ctx, req, cookies, false)
}

func (w *Walker) walk(ctx context.Context, req *model.ProxyRequest, cookies Cookies, follow bool) (*model.ProxyResponse, error) {
	method := req.Method
	body := req.Body
	header := req.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	current := req.Target
	visited := make(map[string]struct{})

	for hops := 0; ; hops++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("redirect walk: %w", err)
		}

		key := method + " " + current.String()
		if _, seen := visited[key]; seen {
			w.fail("cycle")
			return nil, fmt.Errorf("%w: %s revisited after %d hops", ErrRedirectCycle, current.Redacted(), hops)
		}
		visited[key] = struct{}{}

		if hops > w.maxHops {
			w.fail("limit")
			return nil, fmt.Errorf("%w: more than %d", ErrTooManyRedirects, w.maxHops)
		}

		resp, err := w.hop(ctx, method, current, header, body, cookies)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", current.Redacted(), err)
		}

		next, ok := location(resp, current)
		if !follow || !ok {
			if w.metrics != nil {
				w.metrics.RedirectHops.Observe(float64(hops))
			}
			return &model.ProxyResponse{
				StatusCode: resp.StatusCode,
				Header:     resp.Header,
				Body:       resp.Body,
				FinalURL:   current,
				Hops:       hops,
			}, nil
		}

		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, drainLimit))
		_ = resp.Body.Close()

		w.logger.Debug("following redirect",
			"status", resp.StatusCode,
			"from", current.Redacted(),
			"to", next.Redacted(),
		)

		if switchToGet(resp.StatusCode, method) {
			method = http.MethodGet
			body = nil
			header.Del("Content-Type")
			header.Del("Content-Length")
		}
		if !sameOrigin(next, current) {
			header.Del("Authorization")
			// An Origin naming the hop we leave was translated from the
			// proxy origin; it follows the request to the next host.
			if strings.EqualFold(header.Get("Origin"), originOf(current)) {
				header.Set("Origin", originOf(next))
			}
		}
		current = next
	}
}

// hop issues one request to target with the jar's cookies for its host.
func (w *Walker) hop(ctx context.Context, method string, target *url.URL, header http.Header, body []byte, cookies Cookies) (*http.Response, error) {
	var rdr io.Reader
	if len(body) > 0 {
		rdr = bytes.NewReader(body)
	}
	hreq, err := http.NewRequestWithContext(ctx, method, target.String(), rdr)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	hreq.Header = header.Clone()

	host := cookiejar.HostKey(target)
	if cookies != nil {
		if c := cookies.CookieHeader(host); c != "" {
			hreq.Header.Set("Cookie", c)
		}
	}

	resp, err := w.client.Do(hreq)
	if err != nil {
		return nil, err
	}

	if cookies != nil {
		if sc := resp.Header.Values("Set-Cookie"); len(sc) > 0 {
			cookies.Record(host, sc)
		}
	}
	return resp, nil
}

func (w *Walker) fail(reason string) {
	if w.metrics != nil {
		w.metrics.RedirectFailures.WithLabelValues(reason).Inc()
	}
}

// IsRedirect reports whether status is a redirect the walker follows.
func IsRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// location returns the resolved redirect target of resp, if it has one.
func location(resp *http.Response, current *url.URL) (*url.URL, bool) {
	if !IsRedirect(resp.StatusCode) {
		return nil, false
	}
	loc := resp.Header.Get("Location")
	if loc == "" {
		return nil, false
	}
	next, ok := resolve.URL(loc, current)
	if !ok {
		return nil, false
	}
	next.Fragment = ""
	next.RawFragment = ""
	return next, true
}

// switchToGet reports whether the next hop must become a bodiless GET:
// always after 303, and after 301/302 answering anything but GET or HEAD.
func switchToGet(status int, method string) bool {
	switch status {
	case http.StatusSeeOther:
		return method != http.MethodHead
	case http.StatusMovedPermanently, http.StatusFound:
		return method != http.MethodGet && method != http.MethodHead
	}
	return false
}

func originOf(u *url.URL) string {
	return u.Scheme + "://" + u.Host
}

func sameOrigin(a, b *url.URL) bool {
	return a.Scheme == b.Scheme && cookiejar.HostKey(a) == cookiejar.HostKey(b)
}
