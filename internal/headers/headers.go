// Package headers filters request and response headers crossing the proxy.
//
// Filtering is expressed as an ordered Pipeline of Transforms. Apply clones the
// input once, so callers never see their header map modified.
package headers

import (
	"net/http"
	"net/url"
	"strings"

	"rewrite-proxy/internal/proxypath"
	"rewrite-proxy/internal/resolve"
)

// DefaultUserAgent is sent upstream when the client supplied none.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"

// ProfileHeader lets a client pick one of Profiles for the upstream
// User-Agent. It is never forwarded.
const ProfileHeader = "X-Carrier-Profile"

// Profiles maps device profile names to the User-Agent sent for them.
var Profiles = map[string]string{
	"iphone":  "Mozilla/5.0 (iPhone; CPU iPhone OS 17_5 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Mobile/15E148 Safari/604.1",
	"android": "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Mobile Safari/537.36",
	"desktop": DefaultUserAgent,
}

// AcceptEncoding lists the content codings the rewriter can decode.
const AcceptEncoding = "gzip, deflate, zstd"

// Transform edits a header map and returns it.
type Transform func(h http.Header) http.Header

// Pipeline is an ordered list of transforms.
type Pipeline []Transform

// Apply runs every transform over a copy of src.
func (p Pipeline) Apply(src http.Header) http.Header {
	h := src.Clone()
	if h == nil {
		h = make(http.Header)
	}
	for _, t := range p {
		h = t(h)
	}
	return h
}

// hopByHopHeaders are meaningful for a single connection only.
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// frameBlockingHeaders stop the upstream page from rendering under the
// proxy origin.
var frameBlockingHeaders = []string{
	"Content-Security-Policy",
	"Content-Security-Policy-Report-Only",
	"X-Frame-Options",
	"Cross-Origin-Opener-Policy",
	"Cross-Origin-Embedder-Policy",
	"Cross-Origin-Resource-Policy",
	"Strict-Transport-Security",
}

// StripHopByHop removes hop-by-hop headers, including any named by a
// Connection token.
func StripHopByHop(h http.Header) http.Header {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
	return h
}

// Drop returns a transform deleting the named headers.
func Drop(names ...string) Transform {
	return func(h http.Header) http.Header {
		for _, name := range names {
			h.Del(name)
		}
		return h
	}
}

// Defaults returns a transform setting each header only when it is absent.
func Defaults(values map[string]string) Transform {
	return func(h http.Header) http.Header {
		for k, v := range values {
			if h.Get(k) == "" {
				h.Set(k, v)
			}
		}
		return h
	}
}

// Set returns a transform that overwrites a header.
func Set(key, value string) Transform {
	return func(h http.Header) http.Header {
		h.Set(key, value)
		return h
	}
}

// ApplyProfile consumes ProfileHeader. A known profile overrides the
// client's User-Agent; unknown names are ignored.
func ApplyProfile(h http.Header) http.Header {
	name := strings.ToLower(strings.TrimSpace(h.Get(ProfileHeader)))
	h.Del(ProfileHeader)
	if ua, ok := Profiles[name]; ok {
		h.Set("User-Agent", ua)
	}
	return h
}

// TranslateOrigin replaces an Origin naming the proxy with the target's
// origin, so upstream CORS and CSRF checks see a same-site request.
func TranslateOrigin(proxyOrigin string, target *url.URL) Transform {
	return func(h http.Header) http.Header {
		origin := h.Get("Origin")
		if origin == "" || proxyOrigin == "" {
			return h
		}
		if strings.EqualFold(origin, proxyOrigin) {
			h.Set("Origin", target.Scheme+"://"+target.Host)
		}
		return h
	}
}

// TranslateReferer turns a Referer pointing at a proxied page back into the
// upstream page URL. A Referer on the proxy origin that does not decode is
// dropped.
func TranslateReferer(proxyOrigin string) Transform {
	return func(h http.Header) http.Header {
		ref := h.Get("Referer")
		if ref == "" || proxyOrigin == "" {
			return h
		}
		u, err := url.Parse(ref)
		if err != nil {
			h.Del("Referer")
			return h
		}
		if !strings.EqualFold(u.Scheme+"://"+u.Host, proxyOrigin) {
			return h
		}
		if page, ok := proxypath.Decode(u); ok {
			if target, err := proxypath.ParseTarget(page); err == nil {
				h.Set("Referer", target.String())
				return h
			}
		}
		h.Del("Referer")
		return h
	}
}

// RewriteLocation routes Location and Content-Location through the proxy.
// Relative values are resolved against current, the URL that produced the
// response.
func RewriteLocation(current *url.URL, b proxypath.Builder) Transform {
	return func(h http.Header) http.Header {
		for _, key := range []string{"Location", "Content-Location"} {
			v := h.Get(key)
			if v == "" || b.IsProxied(v) {
				continue
			}
			if abs, ok := resolve.Reference(v, current); ok {
				h.Set(key, b.Build(abs))
			}
		}
		return h
	}
}

// Request builds the outbound pipeline for a request to target. The inbound
// Cookie header is dropped: it belongs to the proxy origin, and the cookie
// jar supplies upstream cookies per hop.
func Request(proxyOrigin string, target *url.URL, userAgent string) Pipeline {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return Pipeline{
		StripHopByHop,
		Drop("Host", "Cookie", "Cookie2", "X-Forwarded-For", "X-Forwarded-Host",
			"X-Forwarded-Proto", "X-Real-Ip", "Forwarded", "Via"),
		TranslateOrigin(proxyOrigin, target),
		TranslateReferer(proxyOrigin),
		ApplyProfile,
		Defaults(map[string]string{
			"User-Agent":      userAgent,
			"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
			"Accept-Language": "en-US,en;q=0.9",
		}),
		Set("Accept-Encoding", AcceptEncoding),
	}
}

// Response builds the client-facing pipeline for a response fetched from
// current.
func Response(current *url.URL, b proxypath.Builder) Pipeline {
	return Pipeline{
		StripHopByHop,
		Drop(frameBlockingHeaders...),
		Drop("Set-Cookie", "Set-Cookie2"),
		RewriteLocation(current, b),
	}
}
