package headers

import (
	"net/http"
	"net/url"
	"slices"
	"testing"

	"rewrite-proxy/internal/proxypath"
)

const proxyOrigin = "http://proxy.local"

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func TestRequest_StripsHostAndHopByHop(t *testing.T) {
	target := mustURL(t, "https://ex.com/page")
	in := http.Header{
		"Host":                {"client.local"},
		"Cookie":              {"__proxy_sid=abc"},
		"Connection":          {"keep-alive, X-Custom-Hop"},
		"Keep-Alive":          {"timeout=5"},
		"X-Custom-Hop":        {"1"},
		"Proxy-Authorization": {"Basic abc"},
		"Te":                  {"trailers"},
		"Upgrade":             {"h2c"},
		"Range":               {"bytes=0-999"},
		"Accept":              {"image/png"},
	}

	out := Request(proxyOrigin, target, "").Apply(in)

	for _, name := range []string{"Host", "Connection", "Keep-Alive", "X-Custom-Hop", "Proxy-Authorization", "Te", "Upgrade", "Cookie"} {
		if v := out.Values(name); len(v) != 0 {
			t.Errorf("header %s = %q, should be stripped", name, v)
		}
	}
	for name, want := range map[string]string{
		"Range":           "bytes=0-999",
		"Accept":          "image/png",
		"User-Agent":      DefaultUserAgent,
		"Accept-Language": "en-US,en;q=0.9",
		"Accept-Encoding": AcceptEncoding,
	} {
		if got := out.Get(name); got != want {
			t.Errorf("%s = %q, want %q", name, got, want)
		}
	}

	if in.Get("Host") != "client.local" || in.Get("Connection") != "keep-alive, X-Custom-Hop" {
		t.Error("Apply modified the caller's header map")
	}
}

func TestRequest_KeepsClientUserAgent(t *testing.T) {
	out := Request(proxyOrigin, mustURL(t, "https://ex.com/"), "custom-default").Apply(http.Header{
		"User-Agent": {"curl/8.0"},
	})
	if got := out.Get("User-Agent"); got != "curl/8.0" {
		t.Errorf("User-Agent = %q, want curl/8.0", got)
	}

	out = Request(proxyOrigin, mustURL(t, "https://ex.com/"), "custom-default").Apply(nil)
	if got := out.Get("User-Agent"); got != "custom-default" {
		t.Errorf("User-Agent = %q, want custom-default", got)
	}
}

func TestApplyProfile(t *testing.T) {
	tests := []struct {
		name    string
		profile string
		agent   string
		want    string
	}{
		{"iphone", "iphone", "curl/8.0", Profiles["iphone"]},
		{"case and space", " Android ", "curl/8.0", Profiles["android"]},
		{"desktop", "desktop", "", DefaultUserAgent},
		{"unknown keeps client agent", "fridge", "curl/8.0", "curl/8.0"},
		{"absent keeps client agent", "", "curl/8.0", "curl/8.0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.profile != "" {
				h.Set(ProfileHeader, tt.profile)
			}
			if tt.agent != "" {
				h.Set("User-Agent", tt.agent)
			}

			out := Request(proxyOrigin, mustURL(t, "https://ex.com/"), "").Apply(h)

			if got := out.Get("User-Agent"); got != tt.want {
				t.Errorf("User-Agent = %q, want %q", got, tt.want)
			}
			if out.Get(ProfileHeader) != "" {
				t.Errorf("%s forwarded upstream", ProfileHeader)
			}
		})
	}
}

func TestTranslateOrigin(t *testing.T) {
	target := mustURL(t, "https://ex.com/form")

	tests := []struct {
		name   string
		origin string
		want   string
	}{
		{"proxy origin becomes target origin", proxyOrigin, "https://ex.com"},
		{"foreign origin kept", "https://other.org", "https://other.org"},
		{"absent stays absent", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.origin != "" {
				h.Set("Origin", tt.origin)
			}
			if got := TranslateOrigin(proxyOrigin, target)(h).Get("Origin"); got != tt.want {
				t.Errorf("Origin = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTranslateReferer(t *testing.T) {
	tests := []struct {
		name    string
		referer string
		want    string
	}{
		{"encoded proxy page", proxyOrigin + "/proxy/https%3A%2F%2Fex.com%2Fdir%2Fpage", "https://ex.com/dir/page"},
		{"raw proxy page", proxyOrigin + "/https://ex.com/dir/page", "https://ex.com/dir/page"},
		{"proxy landing page dropped", proxyOrigin + "/", ""},
		{"foreign referer kept", "https://search.example/?q=x", "https://search.example/?q=x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{"Referer": {tt.referer}}
			if got := TranslateReferer(proxyOrigin)(h).Get("Referer"); got != tt.want {
				t.Errorf("Referer = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResponse_DropsFrameBlockingHeaders(t *testing.T) {
	current := mustURL(t, "https://ex.com/dir/page")
	b := proxypath.NewBuilder(proxypath.StyleRaw, "")
	in := http.Header{
		"Content-Type":                 {"text/html"},
		"Content-Security-Policy":      {"default-src 'self'"},
		"X-Frame-Options":              {"DENY"},
		"Cross-Origin-Opener-Policy":   {"same-origin"},
		"Cross-Origin-Embedder-Policy": {"require-corp"},
		"Cross-Origin-Resource-Policy": {"same-origin"},
		"Transfer-Encoding":            {"chunked"},
		"Connection":                   {"close"},
		"Set-Cookie":                   {"sid=1; Path=/"},
		"Content-Range":                {"bytes 0-999/5000"},
		"Cache-Control":                {"max-age=60"},
	}

	out := Response(current, b).Apply(in)

	for _, name := range []string{
		"Content-Security-Policy", "X-Frame-Options", "Cross-Origin-Opener-Policy",
		"Cross-Origin-Embedder-Policy", "Cross-Origin-Resource-Policy",
		"Transfer-Encoding", "Connection", "Set-Cookie",
	} {
		if v := out.Values(name); len(v) != 0 {
			t.Errorf("header %s = %q, should be dropped", name, v)
		}
	}
	for name, want := range map[string]string{
		"Content-Type":  "text/html",
		"Content-Range": "bytes 0-999/5000",
		"Cache-Control": "max-age=60",
	} {
		if got := out.Get(name); got != want {
			t.Errorf("%s = %q, want %q", name, got, want)
		}
	}
}

func TestRewriteLocation(t *testing.T) {
	current := mustURL(t, "https://ex.com/dir/page")

	tests := []struct {
		name     string
		style    proxypath.Style
		location string
		want     string
	}{
		{"relative raw", proxypath.StyleRaw, "/login", "/https://ex.com/login"},
		{"absolute encoded", proxypath.StyleEncoded, "https://other.org/x", "/proxy/https%3A%2F%2Fother.org%2Fx"},
		{"already proxied", proxypath.StyleRaw, "/https://ex.com/login", "/https://ex.com/login"},
		{"non-http scheme left alone", proxypath.StyleRaw, "mailto:a@ex.com", "mailto:a@ex.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{"Location": {tt.location}}
			got := RewriteLocation(current, proxypath.NewBuilder(tt.style, ""))(h)
			if loc := got.Get("Location"); loc != tt.want {
				t.Errorf("Location = %q, want %q", loc, tt.want)
			}
		})
	}
}

func TestPipeline_Order(t *testing.T) {
	var calls []string
	mark := func(name string) Transform {
		return func(h http.Header) http.Header {
			calls = append(calls, name)
			return h
		}
	}

	Pipeline{mark("a"), mark("b"), mark("c")}.Apply(http.Header{})
	if want := []string{"a", "b", "c"}; !slices.Equal(calls, want) {
		t.Errorf("calls = %v, want %v", calls, want)
	}
}
