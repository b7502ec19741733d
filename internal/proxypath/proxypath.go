// Package proxypath implements the URL conventions that embed an upstream URL
// in a proxy URL. Each Style works in both directions: Builder produces proxy
// links for the rewriter, Decode recovers the upstream URL from an inbound
// request.
package proxypath

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// ErrInvalidTarget is returned when no usable upstream URL can be extracted.
var ErrInvalidTarget = errors.New("invalid target URL")

// Style selects how an upstream URL is embedded in a proxy URL.
type Style string

const (
	// StyleRaw embeds the absolute URL verbatim: /https://ex.com/a.png
	StyleRaw Style = "raw"
	// StyleEncoded percent-encodes it after a prefix: /proxy/https%3A%2F%2Fex.com%2Fa.png
	StyleEncoded Style = "encoded"
	// StyleQuery passes it as a query parameter: /proxy?url=https%3A%2F%2Fex.com%2Fa.png
	StyleQuery Style = "query"
)

const (
	// QueryPath is the endpoint for StyleQuery.
	QueryPath = "/proxy"
	// QueryParam names the query parameter carrying the target.
	QueryParam = "url"
	// EncodedPrefix precedes the percent-encoded target for StyleEncoded.
	EncodedPrefix = "/proxy/"
)

// ParseStyle validates a configured style name.
func ParseStyle(s string) (Style, error) {
	switch Style(strings.ToLower(s)) {
	case StyleRaw:
		return StyleRaw, nil
	case StyleEncoded, "":
		return StyleEncoded, nil
	case StyleQuery:
		return StyleQuery, nil
	}
	return "", fmt.Errorf("unknown path style %q", s)
}

// Builder renders proxy links for one document. A zero Origin yields
// root-relative links.
type Builder struct {
	Style  Style
	Origin string
}

// NewBuilder creates a Builder. origin is scheme://host of the proxy, or empty.
func NewBuilder(style Style, origin string) Builder {
	return Builder{Style: style, Origin: strings.TrimSuffix(origin, "/")}
}

// Build returns the proxy link for the absolute upstream URL abs.
func (b Builder) Build(abs string) string {
	switch b.Style {
	case StyleRaw:
		return b.Origin + "/" + abs
	case StyleQuery:
		return b.Origin + QueryPath + "?" + QueryParam + "=" + url.QueryEscape(abs)
	default:
		return b.Origin + EncodedPrefix + encodeComponent(abs)
	}
}

// IsProxied reports whether ref already points through the proxy, in any
// style. Rewriting such a reference again would double-prefix it. With an
// origin set, only links on that origin qualify: a root-relative "/proxy/x"
// in an upstream page is an upstream path.
func (b Builder) IsProxied(ref string) bool {
	ref = strings.TrimSpace(ref)
	if b.Origin != "" {
		prefix := b.Origin + "/"
		if len(ref) < len(prefix) || !strings.EqualFold(ref[:len(prefix)], prefix) {
			return false
		}
		ref = ref[len(b.Origin):]
	}
	if !strings.HasPrefix(ref, "/") || strings.HasPrefix(ref, "//") {
		return false
	}
	lower := strings.ToLower(ref)
	return strings.HasPrefix(lower, "/http://") ||
		strings.HasPrefix(lower, "/https://") ||
		strings.HasPrefix(lower, EncodedPrefix) ||
		strings.HasPrefix(lower, QueryPath+"?"+QueryParam+"=")
}

// encodeComponent percent-encodes s like encodeURIComponent: spaces become %20.
func encodeComponent(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// Decode recovers the embedded upstream URL from a proxy URL, trying the
// query, encoded and raw conventions in that order.
func Decode(u *url.URL) (string, bool) {
	if u == nil {
		return "", false
	}
	if raw, ok := fromQuery(u); ok {
		return raw, true
	}
	if raw, ok := fromEncodedPath(u); ok {
		return raw, true
	}
	return fromRawPath(u)
}

// Extract is Decode applied to an inbound request.
func Extract(r *http.Request) (string, bool) {
	return Decode(r.URL)
}

func fromQuery(u *url.URL) (string, bool) {
	if u.Path != QueryPath {
		return "", false
	}
	v := strings.TrimSpace(u.Query().Get(QueryParam))
	return v, v != ""
}

func fromEncodedPath(u *url.URL) (string, bool) {
	escaped := u.EscapedPath()
	if !strings.HasPrefix(escaped, EncodedPrefix) {
		return "", false
	}
	v, err := url.PathUnescape(strings.TrimPrefix(escaped, EncodedPrefix))
	if err != nil || v == "" {
		return "", false
	}
	// A raw URL after the prefix is tolerated; carry the request query along.
	if u.RawQuery != "" && !strings.Contains(v, "?") {
		if lower := strings.ToLower(v); strings.HasPrefix(lower, "http:/") || strings.HasPrefix(lower, "https:/") {
			v += "?" + u.RawQuery
		}
	}
	return repairScheme(v), true
}

func fromRawPath(u *url.URL) (string, bool) {
	raw := strings.TrimPrefix(u.RequestURI(), "/")
	lower := strings.ToLower(raw)
	if !strings.HasPrefix(lower, "http:/") && !strings.HasPrefix(lower, "https:/") {
		return "", false
	}
	return repairScheme(raw), true
}

// repairScheme restores "https:/host" (slashes merged by a client or an
// intermediary) to "https://host".
func repairScheme(raw string) string {
	scheme, rest, ok := strings.Cut(raw, ":/")
	if !ok || strings.HasPrefix(rest, "/") {
		return raw
	}
	switch strings.ToLower(scheme) {
	case "http", "https":
		return scheme + "://" + rest
	}
	return raw
}

// ParseTarget validates an extracted target. A missing scheme defaults to
// https; only http and https targets with a host are accepted.
func ParseTarget(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: missing target", ErrInvalidTarget)
	}
	if !hasScheme(raw) {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidTarget, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidTarget)
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u, nil
}

func hasScheme(raw string) bool {
	i := strings.Index(raw, "://")
	return i > 0 && !strings.ContainsAny(raw[:i], "/?#.")
}

// FromReferer resolves a request that escaped rewriting (for example a
// script-built "/api/x") against the upstream page named by its Referer.
// proxyOrigin restricts this to referers on the proxy itself.
func FromReferer(r *http.Request, proxyOrigin string) (string, bool) {
	ref := r.Header.Get("Referer")
	if ref == "" {
		return "", false
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return "", false
	}
	if proxyOrigin != "" && refURL.Scheme+"://"+refURL.Host != proxyOrigin {
		return "", false
	}
	page, ok := Decode(refURL)
	if !ok {
		return "", false
	}
	base, err := ParseTarget(page)
	if err != nil {
		return "", false
	}
	target, err := base.Parse(r.URL.RequestURI())
	if err != nil {
		return "", false
	}
	return target.String(), true
}
