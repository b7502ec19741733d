// Package resolve turns references found in HTML attributes and CSS text into
// absolute upstream URLs.
package resolve

import (
	"net/url"
	"strings"
)

// excludedSchemes are left untouched by the rewriter. The check is done on the
// lower-cased, trimmed reference.
var excludedSchemes = []string{
	"data:",
	"blob:",
	"javascript:",
	"mailto:",
	"tel:",
	"about:",
}

// Excluded reports whether ref must be left as-is: empty references, bare
// fragments and non-fetchable schemes.
func Excluded(ref string) bool {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "#") {
		return true
	}
	lower := strings.ToLower(ref)
	for _, scheme := range excludedSchemes {
		if strings.HasPrefix(lower, scheme) {
			return true
		}
	}
	return false
}

// Reference resolves ref against base. ok is false when the reference is
// excluded or cannot be parsed; callers must then keep the original text.
func Reference(ref string, base *url.URL) (abs string, ok bool) {
	if base == nil || Excluded(ref) {
		return "", false
	}
	u, err := base.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	if u.Host == "" {
		return "", false
	}
	return u.String(), true
}

// URL is Reference for callers that need the parsed form.
func URL(ref string, base *url.URL) (*url.URL, bool) {
	abs, ok := Reference(ref, base)
	if !ok {
		return nil, false
	}
	u, err := url.Parse(abs)
	if err != nil {
		return nil, false
	}
	return u, true
}
