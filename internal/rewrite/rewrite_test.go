package rewrite

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/text/encoding/charmap"

	"rewrite-proxy/internal/agent"
	"rewrite-proxy/internal/config"
	"rewrite-proxy/internal/proxypath"
)

const origin = "http://proxy.local"

func newRewriter(t *testing.T, script string, logs io.Writer) *Rewriter {
	t.Helper()
	return newRewriterWith(t, config.RewriteConfig{MaxHTMLBytes: 1 << 20}, script, logs)
}

func newRewriterWith(t *testing.T, rw config.RewriteConfig, script string, logs io.Writer) *Rewriter {
	t.Helper()
	if logs == nil {
		logs = io.Discard
	}
	cfg := &config.Config{Rewrite: rw}
	return New(cfg, &agent.Script{Source: script}, slog.New(slog.NewTextHandler(logs, nil)), nil)
}

func testContext(t *testing.T, base string, style proxypath.Style) Context {
	t.Helper()
	u, err := url.Parse(base)
	if err != nil {
		t.Fatal(err)
	}
	return Context{Base: u, Builder: proxypath.NewBuilder(style, origin)}
}

func parse(t *testing.T, b []byte) *goquery.Document {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(b))
	if err != nil {
		t.Fatalf("parse output: %v", err)
	}
	return doc
}

func attr(t *testing.T, doc *goquery.Document, selector, name string) string {
	t.Helper()
	sel := doc.Find(selector)
	if sel.Length() != 1 {
		t.Fatalf("selector %q matched %d elements, want 1", selector, sel.Length())
	}
	v, ok := sel.Attr(name)
	if !ok {
		t.Fatalf("%s has no %s attribute", selector, name)
	}
	return v
}

func gzipped(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

const fixture = `<!DOCTYPE html>
<html><head><title>t</title>
<link id="css" rel="stylesheet" href="/s.css">
<script id="js" src="app.js"></script>
</head><body>
<img id="rel" src="/a.png">
<img id="abs" src="https://cdn.ex.com/b.png">
<img id="proto" src="//cdn.ex.com/c.png">
<img id="data" src="data:image/png;base64,AAAA">
<img id="upath" src="/proxy/logo.png">
<img id="uraw" src="/https://ex.com/x.png">
<a id="js-link" href="javascript:void(0)">x</a>
<a id="frag" href="#top">x</a>
<a id="mail" href="mailto:a@ex.com">x</a>
<a id="blob" href="blob:https://ex.com/123">x</a>
<a id="nav" href="../other?q=1">x</a>
<iframe id="frame" src="/embed"></iframe>
<source id="src" src="v.webm">
<video id="vid" src="v.mp4" poster="p.jpg"></video>
<audio id="aud" src="a.mp3"></audio>
<embed id="emb" src="e.swf">
<object id="obj" data="o.svg"></object>
<form id="form" action="/login"></form>
</body></html>`

func TestRewrite_AttributeTable(t *testing.T) {
	r := newRewriter(t, "", nil)
	rc := testContext(t, "https://ex.com/dir/page", proxypath.StyleEncoded)
	b := rc.Builder

	doc := parse(t, r.Rewrite([]byte(fixture), rc))

	rewritten := []struct {
		sel, attr, want string
	}{
		{"#css", "href", "https://ex.com/s.css"},
		{"#js", "src", "https://ex.com/dir/app.js"},
		{"#rel", "src", "https://ex.com/a.png"},
		{"#abs", "src", "https://cdn.ex.com/b.png"},
		{"#proto", "src", "https://cdn.ex.com/c.png"},
		{"#upath", "src", "https://ex.com/proxy/logo.png"},
		{"#uraw", "src", "https://ex.com/https://ex.com/x.png"},
		{"#nav", "href", "https://ex.com/other?q=1"},
		{"#frame", "src", "https://ex.com/embed"},
		{"#src", "src", "https://ex.com/dir/v.webm"},
		{"#vid", "src", "https://ex.com/dir/v.mp4"},
		{"#vid", "poster", "https://ex.com/dir/p.jpg"},
		{"#aud", "src", "https://ex.com/dir/a.mp3"},
		{"#emb", "src", "https://ex.com/dir/e.swf"},
		{"#obj", "data", "https://ex.com/dir/o.svg"},
		{"#form", "action", "https://ex.com/login"},
	}
	for _, tt := range rewritten {
		if got, want := attr(t, doc, tt.sel, tt.attr), b.Build(tt.want); got != want {
			t.Errorf("%s %s = %q, want %q", tt.sel, tt.attr, got, want)
		}
	}

	untouched := []struct {
		sel, attr, want string
	}{
		{"#data", "src", "data:image/png;base64,AAAA"},
		{"#js-link", "href", "javascript:void(0)"},
		{"#frag", "href", "#top"},
		{"#mail", "href", "mailto:a@ex.com"},
		{"#blob", "href", "blob:https://ex.com/123"},
	}
	for _, tt := range untouched {
		if got := attr(t, doc, tt.sel, tt.attr); got != tt.want {
			t.Errorf("%s %s = %q, want it untouched", tt.sel, tt.attr, got)
		}
	}
}

func TestRewrite_RoundTripSingleImage(t *testing.T) {
	for _, style := range []proxypath.Style{proxypath.StyleRaw, proxypath.StyleEncoded, proxypath.StyleQuery} {
		t.Run(string(style), func(t *testing.T) {
			r := newRewriter(t, "", nil)
			rc := testContext(t, "https://ex.com/dir/page", style)

			doc := parse(t, r.Rewrite([]byte(`<html><head></head><body><img src="/a.png"></body></html>`), rc))

			if got, want := attr(t, doc, "img", "src"), rc.Builder.Build("https://ex.com/a.png"); got != want {
				t.Errorf("src = %q, want %q", got, want)
			}
		})
	}
}

func TestRewrite_Idempotent(t *testing.T) {
	for _, style := range []proxypath.Style{proxypath.StyleRaw, proxypath.StyleEncoded, proxypath.StyleQuery} {
		t.Run(string(style), func(t *testing.T) {
			r := newRewriter(t, "console.log(1)", nil)
			rc := testContext(t, "https://ex.com/dir/page", style)
			in := []byte(`<html><head><base href="/dir/"><style>body{background:url(bg.png)}</style></head>` +
				`<body style="background-image:url('/x.png')"><img src="a.png" srcset="a.png 1x, b.png 2x"></body></html>`)

			once := r.Rewrite(in, rc)
			twice := r.Rewrite(once, rc)

			if string(once) != string(twice) {
				t.Errorf("second pass changed the document:\nonce:  %s\ntwice: %s", once, twice)
			}
			doc := parse(t, twice)
			if n := doc.Find("base").Length(); n != 1 {
				t.Errorf("base elements = %d, want 1", n)
			}
			if n := doc.Find("script[data-proxy-agent]").Length(); n != 1 {
				t.Errorf("agent scripts = %d, want 1", n)
			}
			if strings.Contains(string(twice), "%252F") {
				t.Error("proxy links were encoded twice")
			}
		})
	}
}

func TestRewrite_BaseElement(t *testing.T) {
	r := newRewriter(t, "", nil)
	rc := testContext(t, "https://ex.com/dir/page", proxypath.StyleEncoded)

	t.Run("inserted first in head", func(t *testing.T) {
		doc := parse(t, r.Rewrite([]byte(`<html><head><title>t</title></head><body></body></html>`), rc))

		first := doc.Find("head").Children().First()
		if goquery.NodeName(first) != "base" {
			t.Fatalf("first head child = %s, want base", goquery.NodeName(first))
		}
		if href, _ := first.Attr("href"); href != "https://ex.com/dir/page" {
			t.Errorf("base href = %q", href)
		}
	})

	t.Run("existing bases collapse into one", func(t *testing.T) {
		doc := parse(t, r.Rewrite([]byte(`<html><head><title>t</title><base href="/sub/" target="_top"><base href="/other/"></head>`+
			`<body><img src="x.png"></body></html>`), rc))

		if got := attr(t, doc, "base", "href"); got != "https://ex.com/sub/" {
			t.Errorf("base href = %q", got)
		}
		if got := attr(t, doc, "base", "target"); got != "_top" {
			t.Errorf("base target = %q", got)
		}
		if got, want := attr(t, doc, "img", "src"), rc.Builder.Build("https://ex.com/sub/x.png"); got != want {
			t.Errorf("img src = %q, want %q", got, want)
		}
	})
}

func TestRewrite_InlineAndBlockCSS(t *testing.T) {
	r := newRewriter(t, "", nil)
	rc := testContext(t, "https://ex.com/dir/page", proxypath.StyleEncoded)
	b := rc.Builder
	in := `<html><head><style>
@import "theme.css";
@import url(print.css) print;
.a { background: URL( "/img/a.png" ) }
.b { background: url(data:image/png;base64,AA) }
</style></head><body><div id="d" style="background:url('bg.jpg')"></div></body></html>`

	out := string(r.Rewrite([]byte(in), rc))

	for _, want := range []string{
		`@import "` + b.Build("https://ex.com/dir/theme.css") + `"`,
		`url(` + b.Build("https://ex.com/dir/print.css") + `)`,
		`url("` + b.Build("https://ex.com/img/a.png") + `")`,
		`url(data:image/png;base64,AA)`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q", want)
		}
	}

	doc := parse(t, []byte(out))
	if got, want := attr(t, doc, "#d", "style"), `background:url('`+b.Build("https://ex.com/dir/bg.jpg")+`')`; got != want {
		t.Errorf("style = %q, want %q", got, want)
	}
}

func TestRewrite_Srcset(t *testing.T) {
	r := newRewriter(t, "", nil)
	rc := testContext(t, "https://ex.com/dir/", proxypath.StyleEncoded)
	b := rc.Builder

	tests := []struct {
		name, in, want string
	}{
		{"descriptors", "a.png 1x,/b.png 2x", b.Build("https://ex.com/dir/a.png") + " 1x, " + b.Build("https://ex.com/b.png") + " 2x"},
		{"comma inside url", "/img?w=1,2 1x, /big.png 2x", b.Build("https://ex.com/img?w=1,2") + " 1x, " + b.Build("https://ex.com/big.png") + " 2x"},
		{"no descriptor", "a.png", b.Build("https://ex.com/dir/a.png")},
		{"trailing comma on url", "a.png, b.png 480w", b.Build("https://ex.com/dir/a.png") + ", " + b.Build("https://ex.com/dir/b.png") + " 480w"},
		{"extra whitespace", "  a.png   1x ,\n b.png\t2x ", b.Build("https://ex.com/dir/a.png") + " 1x, " + b.Build("https://ex.com/dir/b.png") + " 2x"},
		{"data url kept", "data:image/png;base64,AA 1x", "data:image/png;base64,AA 1x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rewriteSrcset(tt.in, rc.Base, b); got != tt.want {
				t.Errorf("rewriteSrcset(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}

	doc := parse(t, r.Rewrite([]byte(`<html><head></head><body><img srcset="a.png 1x,/b.png 2x"></body></html>`), rc))
	if got := attr(t, doc, "img", "srcset"); got != tests[0].want {
		t.Errorf("srcset = %q, want %q", got, tests[0].want)
	}
}

func TestRewrite_RemovesCSPMeta(t *testing.T) {
	r := newRewriter(t, "", nil)
	rc := testContext(t, "https://ex.com/", proxypath.StyleEncoded)
	in := `<html><head>
<meta http-equiv="Content-Security-Policy" content="default-src 'self'">
<meta http-equiv="content-security-policy" content="img-src 'none'">
<meta name="viewport" content="width=device-width">
</head><body></body></html>`

	doc := parse(t, r.Rewrite([]byte(in), rc))

	if n := doc.Find("meta[http-equiv]").Length(); n != 0 {
		t.Errorf("CSP meta elements = %d, want 0", n)
	}
	if n := doc.Find("meta[name=viewport]").Length(); n != 1 {
		t.Errorf("viewport meta elements = %d, want 1", n)
	}
}

func TestRewrite_MetaRefresh(t *testing.T) {
	r := newRewriter(t, "", nil)
	rc := testContext(t, "https://ex.com/a/", proxypath.StyleQuery)

	doc := parse(t, r.Rewrite([]byte(`<html><head><meta http-equiv="refresh" content="5; URL='next'"></head></html>`), rc))

	if got, want := attr(t, doc, "meta", "content"), "5; url="+rc.Builder.Build("https://ex.com/a/next"); got != want {
		t.Errorf("content = %q, want %q", got, want)
	}
}

func TestRewrite_StripAds(t *testing.T) {
	in := []byte(`<html><head>
<script async src="https://pagead2.googlesyndication.com/pagead/js/adsbygoogle.js"></script>
<script src="https://www.googletagmanager.com/gtag/js?id=G-1"></script>
<script id="app" src="/app.js"></script>
</head><body>
<iframe src="https://ads.example.net/slot"></iframe>
<iframe id="video" src="https://player.ex.com/v/1"></iframe>
</body></html>`)
	rc := testContext(t, "https://ex.com/", proxypath.StyleEncoded)

	t.Run("enabled", func(t *testing.T) {
		r := newRewriterWith(t, config.RewriteConfig{StripAds: true}, "agent()", nil)
		doc := parse(t, r.Rewrite(in, rc))

		if ids := doc.Find("script:not([data-proxy-agent])").Map(func(_ int, s *goquery.Selection) string {
			id, _ := s.Attr("id")
			return id
		}); len(ids) != 1 || ids[0] != "app" {
			t.Errorf("remaining scripts = %v, want [app]", ids)
		}
		if n := doc.Find("iframe").Length(); n != 1 {
			t.Errorf("iframes = %d, want 1", n)
		}
		if n := doc.Find("script[data-proxy-agent]").Length(); n != 1 {
			t.Errorf("agent scripts = %d, want 1", n)
		}
	})

	t.Run("disabled", func(t *testing.T) {
		r := newRewriter(t, "", nil)
		doc := parse(t, r.Rewrite(in, rc))

		if n := doc.Find("script").Length(); n != 3 {
			t.Errorf("scripts = %d, want 3", n)
		}
		if n := doc.Find("iframe").Length(); n != 2 {
			t.Errorf("iframes = %d, want 2", n)
		}
	})
}

func TestRewrite_AgentAppendedLastInHead(t *testing.T) {
	r := newRewriter(t, "window.x = 1 && 2 < 3;", nil)
	rc := testContext(t, "https://ex.com/", proxypath.StyleEncoded)

	out := r.Rewrite([]byte(`<html><head><title>t</title></head><body></body></html>`), rc)

	last := parse(t, out).Find("head").Children().Last()
	if goquery.NodeName(last) != "script" {
		t.Fatalf("last head child = %s, want script", goquery.NodeName(last))
	}
	if _, marked := last.Attr(agent.Marker); !marked {
		t.Errorf("agent script lacks %s", agent.Marker)
	}
	if !strings.Contains(string(out), "window.x = 1 && 2 < 3;") {
		t.Error("script body was escaped")
	}
}

func TestRewrite_NoAgentConfigured(t *testing.T) {
	r := newRewriter(t, "", nil)
	rc := testContext(t, "https://ex.com/", proxypath.StyleEncoded)

	doc := parse(t, r.Rewrite([]byte(`<html><head></head><body></body></html>`), rc))

	if n := doc.Find("script").Length(); n != 0 {
		t.Errorf("scripts = %d, want 0", n)
	}
}

func TestRewrite_MalformedInputStillSerializes(t *testing.T) {
	r := newRewriter(t, "", nil)
	rc := testContext(t, "https://ex.com/", proxypath.StyleEncoded)

	out := r.Rewrite([]byte(`<div><img src="/a.png"<p>unclosed <b>tags`), rc)

	if n := parse(t, out).Find("head > base").Length(); n != 1 {
		t.Errorf("base elements = %d, want 1", n)
	}
}

func TestRewrite_MissingBaseFallsBack(t *testing.T) {
	var logs bytes.Buffer
	r := newRewriter(t, "", &logs)
	in := []byte(`<html><head></head><body><img src="/a.png"></body></html>`)

	out := r.Rewrite(in, Context{Builder: proxypath.NewBuilder(proxypath.StyleEncoded, origin)})

	if !bytes.Equal(in, out) {
		t.Errorf("output = %q, want original bytes", out)
	}
	if n := strings.Count(logs.String(), "rewrite failed"); n != 1 {
		t.Errorf("warnings = %d, want 1", n)
	}
}

func TestDocument_Gzip(t *testing.T) {
	r := newRewriter(t, "", nil)
	rc := testContext(t, "https://ex.com/", proxypath.StyleEncoded)
	body := gzipped(t, []byte(`<html><head></head><body><img src="/a.png"></body></html>`))

	header := http.Header{"Content-Encoding": {"gzip"}, "Content-Type": {"text/html"}}
	out, ok := r.Document(KindHTML, body, header, rc)
	if !ok {
		t.Fatal("Document() ok = false")
	}

	if got, want := attr(t, parse(t, out), "img", "src"), rc.Builder.Build("https://ex.com/a.png"); got != want {
		t.Errorf("src = %q, want %q", got, want)
	}
}

func TestDocument_Zstd(t *testing.T) {
	r := newRewriter(t, "", nil)
	rc := testContext(t, "https://ex.com/", proxypath.StyleEncoded)

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatal(err)
	}
	compressed := enc.EncodeAll([]byte(`.a{background:url(/a.png)}`), nil)
	if err := enc.Close(); err != nil {
		t.Fatal(err)
	}

	header := http.Header{"Content-Encoding": {"zstd"}, "Content-Type": {"text/css"}}
	out, ok := r.Document(KindCSS, compressed, header, rc)
	if !ok {
		t.Fatal("Document() ok = false")
	}

	if want := `.a{background:url(` + rc.Builder.Build("https://ex.com/a.png") + `)}`; string(out) != want {
		t.Errorf("output = %q, want %q", out, want)
	}
}

func TestDocument_TranscodesDeclaredCharset(t *testing.T) {
	r := newRewriter(t, "", nil)
	rc := testContext(t, "https://ex.com/", proxypath.StyleEncoded)
	latin1, err := charmap.ISO8859_1.NewEncoder().String(`<html><head><meta charset="iso-8859-1"></head><body><p>café</p></body></html>`)
	if err != nil {
		t.Fatal(err)
	}

	header := http.Header{"Content-Type": {"text/html; charset=ISO-8859-1"}}
	out, ok := r.Document(KindHTML, []byte(latin1), header, rc)
	if !ok {
		t.Fatal("Document() ok = false")
	}

	if !strings.Contains(string(out), "café") {
		t.Errorf("output not transcoded to UTF-8: %q", out)
	}
	if got := attr(t, parse(t, out), "meta", "charset"); got != "utf-8" {
		t.Errorf("meta charset = %q, want utf-8", got)
	}
}

func TestDocument_CorruptEncodingFallsBack(t *testing.T) {
	var logs bytes.Buffer
	r := newRewriter(t, "", &logs)
	rc := testContext(t, "https://ex.com/", proxypath.StyleEncoded)
	body := []byte("definitely not gzip")

	out, ok := r.Document(KindHTML, body, http.Header{"Content-Encoding": {"gzip"}}, rc)

	if ok {
		t.Error("Document() ok = true, want fallback")
	}
	if !bytes.Equal(body, out) {
		t.Errorf("output = %q, want original bytes", out)
	}
	if n := strings.Count(logs.String(), "rewrite failed"); n != 1 {
		t.Errorf("warnings = %d, want 1", n)
	}
}

func TestDocument_UnsupportedEncodingFallsBack(t *testing.T) {
	r := newRewriter(t, "", nil)
	rc := testContext(t, "https://ex.com/", proxypath.StyleEncoded)

	if _, ok := r.Document(KindHTML, []byte("x"), http.Header{"Content-Encoding": {"br"}}, rc); ok {
		t.Error("Document() ok = true for br")
	}
}

func TestDocument_DecodedSizeLimit(t *testing.T) {
	r := newRewriterWith(t, config.RewriteConfig{MaxHTMLBytes: 64}, "", nil)
	rc := testContext(t, "https://ex.com/", proxypath.StyleEncoded)
	body := gzipped(t, bytes.Repeat([]byte("a"), 4096))

	if _, ok := r.Document(KindHTML, body, http.Header{"Content-Encoding": {"gzip"}}, rc); ok {
		t.Error("Document() ok = true beyond the size limit")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		ct   string
		want Kind
	}{
		{"text/html", KindHTML},
		{"text/html; charset=utf-8", KindHTML},
		{"TEXT/HTML", KindHTML},
		{"text/css", KindCSS},
		{"application/xhtml+xml", KindOther},
		{"image/png", KindOther},
		{"", KindOther},
	}

	for _, tt := range tests {
		if got := Classify(tt.ct); got != tt.want {
			t.Errorf("Classify(%q) = %s, want %s", tt.ct, got, tt.want)
		}
	}
}

func TestWants(t *testing.T) {
	r := newRewriterWith(t, config.RewriteConfig{DisableCSS: true}, "", nil)

	if !r.Wants(KindHTML) {
		t.Error("Wants(html) = false")
	}
	if r.Wants(KindCSS) {
		t.Error("Wants(css) = true with disable_css")
	}
	if r.Wants(KindOther) {
		t.Error("Wants(other) = true")
	}
}
