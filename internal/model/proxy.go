// Package model defines shared types for the proxy.
package model

import (
	"io"
	"net/http"
	"net/url"
)

// ProxyRequest represents one inbound client request to be fetched upstream.
// It is built once by the handler and never mutated afterwards.
type ProxyRequest struct {
	Method    string
	Target    *url.URL
	Header    http.Header
	Body      []byte
	SessionID string

	// Origin is the scheme://host the client used to reach the proxy.
	Origin string
}

// ProxyResponse represents the terminal upstream response to be sent back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser

	// FinalURL is the URL of the response after any followed redirects.
	FinalURL *url.URL
	Hops     int
}

// ContentType returns the response Content-Type header value.
func (r *ProxyResponse) ContentType() string {
	return r.Header.Get("Content-Type")
}
