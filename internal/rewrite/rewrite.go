// Package rewrite transforms upstream HTML and CSS so that every embedded
// reference resolves through the proxy.
//
// HTML passes run these steps in order, each idempotent:
//
//  1. ensure a single <base> as the first child of <head>
//  2. optionally drop ad and tracker scripts and frames
//  3. rewrite resource-bearing attributes (including srcset and meta refresh)
//  4. rewrite url() in inline style attributes
//  5. rewrite url() and @import in <style> blocks
//  6. drop <meta http-equiv="Content-Security-Policy">
//  7. declare the output charset as utf-8
//  8. append the instrumentation agent to <head>
//
// A pass never fails from the caller's point of view: on any error the
// original bytes are returned and a single warning is logged.
package rewrite

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"rewrite-proxy/internal/agent"
	"rewrite-proxy/internal/config"
	"rewrite-proxy/internal/metrics"
	"rewrite-proxy/internal/proxypath"
	"rewrite-proxy/internal/resolve"
)

// Kind classifies a response body for rewriting.
type Kind int

const (
	KindOther Kind = iota
	KindHTML
	KindCSS
)

func (k Kind) String() string {
	switch k {
	case KindHTML:
		return "html"
	case KindCSS:
		return "css"
	}
	return "other"
}

// Classify maps a Content-Type to a Kind.
func Classify(contentType string) Kind {
	mediaType, _, _ := strings.Cut(contentType, ";")
	switch strings.ToLower(strings.TrimSpace(mediaType)) {
	case "text/html":
		return KindHTML
	case "text/css":
		return KindCSS
	}
	return KindOther
}

// Context carries the per-pass inputs: the document URL after redirects and
// the link builder.
type Context struct {
	Base    *url.URL
	Builder proxypath.Builder
}

// attrTargets lists the resource-bearing attributes rewritten in step 2.
var attrTargets = []struct {
	tag, attr string
}{
	{"img", "src"},
	{"script", "src"},
	{"iframe", "src"},
	{"frame", "src"},
	{"link", "href"},
	{"source", "src"},
	{"track", "src"},
	{"video", "src"},
	{"video", "poster"},
	{"audio", "src"},
	{"embed", "src"},
	{"object", "data"},
	{"input", "src"},
	{"form", "action"},
	{"a", "href"},
	{"area", "href"},
}

// srcsetTags carry a srcset candidate list.
var srcsetTags = []string{"img", "source"}

// Rewriter rewrites documents for one proxy deployment.
type Rewriter struct {
	agent      string
	maxBytes   int64
	disableCSS bool
	stripAds   bool
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// New creates a Rewriter. script may be nil and metrics is optional.
func New(cfg *config.Config, script *agent.Script, logger *slog.Logger, m *metrics.Metrics) *Rewriter {
	r := &Rewriter{
		maxBytes:   cfg.Rewrite.MaxHTMLBytes,
		disableCSS: cfg.Rewrite.DisableCSS,
		stripAds:   cfg.Rewrite.StripAds,
		logger:     logger.With("component", "rewriter"),
		metrics:    m,
	}
	if script.Enabled() {
		r.agent = script.Source
	}
	return r
}

// MaxBytes is the largest body the rewriter accepts; larger bodies must be
// relayed unmodified. Zero means unlimited.
func (r *Rewriter) MaxBytes() int64 {
	return r.maxBytes
}

// Wants reports whether bodies of kind k are rewritten.
func (r *Rewriter) Wants(k Kind) bool {
	switch k {
	case KindHTML:
		return true
	case KindCSS:
		return !r.disableCSS
	}
	return false
}

// Document decodes and rewrites a complete upstream body. header is the
// upstream response header; its Content-Encoding and Content-Type drive
// decoding. On success the result is UTF-8 and uncompressed, and ok is true.
// On failure body is returned untouched with ok false, so the caller must
// relay it with the original headers.
func (r *Rewriter) Document(k Kind, body []byte, header http.Header, rc Context) (out []byte, ok bool) {
	decoded, err := Decompress(body, header.Get("Content-Encoding"), r.maxBytes)
	if err == nil {
		decoded, err = ToUTF8(decoded, header.Get("Content-Type"))
	}
	if err == nil {
		switch k {
		case KindHTML:
			out, err = r.rewriteHTML(decoded, rc)
		case KindCSS:
			out = []byte(RewriteCSS(string(decoded), rc.Base, rc.Builder))
		default:
			err = fmt.Errorf("unsupported document kind %s", k)
		}
	}
	if err != nil {
		r.fallback(k, rc, err)
		return body, false
	}
	r.outcome(k, metrics.OutcomeRewritten)
	return out, true
}

// Rewrite runs the HTML pass over UTF-8 input.
func (r *Rewriter) Rewrite(body []byte, rc Context) []byte {
	out, err := r.rewriteHTML(body, rc)
	if err != nil {
		r.fallback(KindHTML, rc, err)
		return body
	}
	r.outcome(KindHTML, metrics.OutcomeRewritten)
	return out
}

// Oversize records that a body was relayed without rewriting because of its
// size.
func (r *Rewriter) Oversize(k Kind, rc Context) {
	r.logger.Debug("document too large to rewrite",
		"kind", k.String(),
		"url", redacted(rc.Base),
		"limit", r.maxBytes,
	)
	r.outcome(k, metrics.OutcomeOversize)
}

func (r *Rewriter) fallback(k Kind, rc Context, err error) {
	r.logger.Warn("rewrite failed; relaying original",
		"kind", k.String(),
		"url", redacted(rc.Base),
		"err", err,
	)
	r.outcome(k, metrics.OutcomeFallback)
}

func (r *Rewriter) outcome(k Kind, outcome string) {
	if r.metrics != nil {
		r.metrics.RewriteOutcomes.WithLabelValues(k.String(), outcome).Inc()
	}
}

func (r *Rewriter) rewriteHTML(body []byte, rc Context) (out []byte, err error) {
	if rc.Base == nil {
		return nil, errors.New("missing document URL")
	}
	defer func() {
		if p := recover(); p != nil {
			out, err = nil, fmt.Errorf("rewrite panic: %v", p)
		}
	}()

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	head := doc.Find("head").First()
	if head.Length() == 0 {
		return nil, errors.New("document has no head")
	}

	base := ensureBase(doc, head, rc.Base)
	if r.stripAds {
		stripAds(doc)
	}
	rewriteAttributes(doc, base, rc.Builder)
	rewriteStyles(doc, base, rc.Builder)
	removeCSPMeta(doc)
	normalizeCharsetMeta(doc)
	r.injectAgent(head)

	var buf bytes.Buffer
	buf.Grow(len(body) + len(r.agent) + 256)
	for _, n := range doc.Nodes {
		if err := html.Render(&buf, n); err != nil {
			return nil, fmt.Errorf("render html: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// ensureBase leaves exactly one <base href> at the top of head and returns
// the effective base URL. An existing base href, resolved against the
// document URL, wins over the document URL itself.
func ensureBase(doc *goquery.Document, head *goquery.Selection, docURL *url.URL) *url.URL {
	effective := docURL
	bases := doc.Find("base")
	bases.EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, ok := s.Attr("href")
		if !ok {
			return true
		}
		if u, ok := resolve.URL(href, docURL); ok {
			effective = u
		}
		return false
	})

	// Keep a target attribute from the original base.
	target, hasTarget := bases.Attr("target")
	bases.Remove()

	node := &html.Node{
		Type:     html.ElementNode,
		Data:     "base",
		DataAtom: atom.Base,
		Attr:     []html.Attribute{{Key: "href", Val: effective.String()}},
	}
	if hasTarget {
		node.Attr = append(node.Attr, html.Attribute{Key: "target", Val: target})
	}
	head.PrependNodes(node)
	return effective
}

func rewriteAttributes(doc *goquery.Document, base *url.URL, b proxypath.Builder) {
	for _, t := range attrTargets {
		doc.Find(t.tag + "[" + t.attr + "]").Each(func(_ int, s *goquery.Selection) {
			val, _ := s.Attr(t.attr)
			if rewritten, ok := rewriteRef(val, base, b); ok {
				s.SetAttr(t.attr, rewritten)
			}
		})
	}

	for _, tag := range srcsetTags {
		doc.Find(tag + "[srcset]").Each(func(_ int, s *goquery.Selection) {
			val, _ := s.Attr("srcset")
			s.SetAttr("srcset", rewriteSrcset(val, base, b))
		})
	}

	// Rewritten stylesheets no longer match their integrity hash.
	doc.Find("link[integrity]").RemoveAttr("integrity")

	doc.Find("meta[http-equiv][content]").Each(func(_ int, s *goquery.Selection) {
		equiv, _ := s.Attr("http-equiv")
		if !strings.EqualFold(strings.TrimSpace(equiv), "refresh") {
			return
		}
		content, _ := s.Attr("content")
		s.SetAttr("content", rewriteRefresh(content, base, b))
	})
}

// rewriteSrcset rewrites each URL of a "url descriptor, url descriptor"
// list. A candidate URL runs to the next whitespace and may itself contain
// commas; its descriptors run to the next comma.
func rewriteSrcset(srcset string, base *url.URL, b proxypath.Builder) string {
	const space = " \t\n\r\f"

	var candidates []string
	rest := srcset
	for {
		rest = strings.TrimLeft(rest, space+",")
		if rest == "" {
			break
		}

		ref := rest
		rest = ""
		if i := strings.IndexAny(ref, space); i >= 0 {
			ref, rest = ref[:i], ref[i:]
		}

		var descriptor string
		if strings.HasSuffix(ref, ",") {
			ref = strings.TrimRight(ref, ",")
		} else {
			descriptor, rest, _ = strings.Cut(rest, ",")
			descriptor = strings.Join(strings.Fields(descriptor), " ")
		}

		if rewritten, ok := rewriteRef(ref, base, b); ok {
			ref = rewritten
		}
		if descriptor != "" {
			ref += " " + descriptor
		}
		candidates = append(candidates, ref)
	}
	return strings.Join(candidates, ", ")
}

// rewriteRefresh rewrites the URL of a "5; url=/next" refresh directive.
func rewriteRefresh(content string, base *url.URL, b proxypath.Builder) string {
	delay, rest, ok := strings.Cut(content, ";")
	if !ok {
		return content
	}
	rest = strings.TrimSpace(rest)
	if len(rest) < 4 || !strings.EqualFold(rest[:4], "url=") {
		return content
	}
	target := strings.Trim(strings.TrimSpace(rest[4:]), `'"`)
	rewritten, ok := rewriteRef(target, base, b)
	if !ok {
		return content
	}
	return strings.TrimSpace(delay) + "; url=" + rewritten
}

func rewriteStyles(doc *goquery.Document, base *url.URL, b proxypath.Builder) {
	doc.Find("[style]").Each(func(_ int, s *goquery.Selection) {
		val, _ := s.Attr("style")
		if out := RewriteCSS(val, base, b); out != val {
			s.SetAttr("style", out)
		}
	})

	doc.Find("style").Each(func(_ int, s *goquery.Selection) {
		for _, n := range s.Nodes {
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if c.Type == html.TextNode {
					c.Data = RewriteCSS(c.Data, base, b)
				}
			}
		}
	})
}

func removeCSPMeta(doc *goquery.Document) {
	doc.Find("meta[http-equiv]").FilterFunction(func(_ int, s *goquery.Selection) bool {
		equiv, _ := s.Attr("http-equiv")
		equiv = strings.TrimSpace(equiv)
		return strings.EqualFold(equiv, "Content-Security-Policy") ||
			strings.EqualFold(equiv, "Content-Security-Policy-Report-Only")
	}).Remove()
}

// normalizeCharsetMeta makes in-document charset declarations agree with the
// UTF-8 output.
func normalizeCharsetMeta(doc *goquery.Document) {
	doc.Find("meta[charset]").SetAttr("charset", "utf-8")
	doc.Find("meta[http-equiv]").Each(func(_ int, s *goquery.Selection) {
		equiv, _ := s.Attr("http-equiv")
		if strings.EqualFold(strings.TrimSpace(equiv), "Content-Type") {
			s.SetAttr("content", "text/html; charset=utf-8")
		}
	})
}

// Attribute markers of ad and tracker elements.
var (
	adScriptMarkers = []string{"adsbygoogle", "googletagmanager", "analytics", "doubleclick"}
	adFrameMarkers  = []string{"ads", "doubleclick"}
)

func stripAds(doc *goquery.Document) {
	doc.Find("script").FilterFunction(func(_ int, s *goquery.Selection) bool {
		return hasMarker(s, adScriptMarkers)
	}).Remove()
	doc.Find("iframe").FilterFunction(func(_ int, s *goquery.Selection) bool {
		return hasMarker(s, adFrameMarkers)
	}).Remove()
}

// hasMarker reports whether any attribute name or value of s contains one
// of markers.
func hasMarker(s *goquery.Selection, markers []string) bool {
	for _, n := range s.Nodes {
		for _, a := range n.Attr {
			text := strings.ToLower(a.Key + "=" + a.Val)
			for _, m := range markers {
				if strings.Contains(text, m) {
					return true
				}
			}
		}
	}
	return false
}

func (r *Rewriter) injectAgent(head *goquery.Selection) {
	if r.agent == "" || head.Find("script["+agent.Marker+"]").Length() > 0 {
		return
	}
	script := &html.Node{
		Type:     html.ElementNode,
		Data:     "script",
		DataAtom: atom.Script,
		Attr:     []html.Attribute{{Key: agent.Marker, Val: ""}},
	}
	script.AppendChild(&html.Node{Type: html.TextNode, Data: r.agent})
	head.AppendNodes(script)
}

func redacted(u *url.URL) string {
	if u == nil {
		return ""
	}
	return u.Redacted()
}
