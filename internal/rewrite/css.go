package rewrite

import (
	"net/url"
	"regexp"
	"strings"

	"rewrite-proxy/internal/proxypath"
	"rewrite-proxy/internal/resolve"
)

// CSS references are matched with regular expressions. This is approximate:
// comments and escaped quotes inside url() are not understood.
var (
	cssURLPattern    = regexp.MustCompile(`(?i)url\(\s*(?:"([^"]*)"|'([^']*)'|([^'"()\s]*))\s*\)`)
	cssImportPattern = regexp.MustCompile(`(?i)@import\s+(?:"([^"]*)"|'([^']*)')`)
)

// quoteFor maps a submatch group to the quote it was written with.
var quoteFor = []string{`"`, `'`, ``}

// RewriteCSS rewrites url(...) and @import targets in CSS text.
func RewriteCSS(text string, base *url.URL, b proxypath.Builder) string {
	lower := strings.ToLower(text)
	if !strings.Contains(lower, "url(") && !strings.Contains(lower, "@import") {
		return text
	}
	text = replaceRefs(cssURLPattern, text, base, b, "url(", ")")
	return replaceRefs(cssImportPattern, text, base, b, "@import ", "")
}

// replaceRefs rewrites the reference captured by each match of re. Matches
// whose reference is excluded or already proxied are copied verbatim.
func replaceRefs(re *regexp.Regexp, text string, base *url.URL, b proxypath.Builder, open, closing string) string {
	matches := re.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text
	}

	var sb strings.Builder
	sb.Grow(len(text))
	last := 0
	for _, m := range matches {
		group := -1
		for g := 1; 2*g+1 < len(m); g++ {
			if m[2*g] >= 0 {
				group = g
				break
			}
		}
		if group < 0 {
			continue
		}
		ref := text[m[2*group]:m[2*group+1]]
		rewritten, ok := rewriteRef(ref, base, b)
		if !ok {
			continue
		}

		quote := ""
		if group-1 < len(quoteFor) {
			quote = quoteFor[group-1]
		}
		if quote == "" && strings.ContainsAny(rewritten, `()'" `) {
			quote = `"`
		}

		sb.WriteString(text[last:m[0]])
		sb.WriteString(open)
		sb.WriteString(quote)
		sb.WriteString(rewritten)
		sb.WriteString(quote)
		sb.WriteString(closing)
		last = m[1]
	}
	sb.WriteString(text[last:])
	return sb.String()
}

// rewriteRef returns the proxy form of ref, or false when ref must be kept.
func rewriteRef(ref string, base *url.URL, b proxypath.Builder) (string, bool) {
	if b.IsProxied(ref) {
		return "", false
	}
	abs, ok := resolve.Reference(ref, base)
	if !ok {
		return "", false
	}
	return b.Build(abs), true
}
