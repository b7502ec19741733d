// Package relay streams non-rewritten upstream bodies to the client.
package relay

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"

	"github.com/gabriel-vasile/mimetype"

	"rewrite-proxy/internal/metrics"
	"rewrite-proxy/internal/model"
)

// chunkSize is the read size between flushes.
const chunkSize = 32 << 10

// sniffLen matches mimetype's default read limit.
const sniffLen = 3072

// fallbackType is sent when neither sniffing nor the extension helps.
const fallbackType = "application/octet-stream"

// Relay copies upstream responses to clients unmodified.
type Relay struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a Relay. The metrics parameter is optional.
func New(logger *slog.Logger, m *metrics.Metrics) *Relay {
	return &Relay{
		logger:  logger.With("component", "relay"),
		metrics: m,
	}
}

// Stream writes resp to w: headers and status first, then the body in
// chunks, flushing after each one. resp.Header must already be filtered.
// Status, Content-Length, Content-Range and Accept-Ranges pass through as is,
// so 206 partial responses keep their semantics. The body is closed.
func (r *Relay) Stream(w http.ResponseWriter, method string, resp *model.ProxyResponse) error {
	defer func() { _ = resp.Body.Close() }()

	body := io.Reader(resp.Body)
	header := w.Header()
	for key, vals := range resp.Header {
		header[key] = append([]string(nil), vals...)
	}

	if header.Get("Content-Type") == "" && bodyAllowed(method, resp.StatusCode) {
		br := bufio.NewReaderSize(resp.Body, sniffLen)
		body = br
		var prefix []byte
		// Encoded bytes say nothing about the content.
		if header.Get("Content-Encoding") == "" {
			prefix, _ = br.Peek(sniffLen)
		}
		header.Set("Content-Type", guessType(prefix, resp))
	}

	w.WriteHeader(resp.StatusCode)
	if !bodyAllowed(method, resp.StatusCode) {
		return nil
	}

	n, err := copyFlush(w, body)
	if r.metrics != nil {
		r.metrics.RelayedBytes.Add(float64(n))
	}
	if err != nil {
		return fmt.Errorf("relay body after %d bytes: %w", n, err)
	}
	r.logger.Debug("relayed body",
		"status", resp.StatusCode,
		"content_type", header.Get("Content-Type"),
		"bytes", n,
	)
	return nil
}

// guessType sniffs prefix, then falls back to the URL path extension.
func guessType(prefix []byte, resp *model.ProxyResponse) string {
	if len(prefix) > 0 {
		if mt := mimetype.Detect(prefix); mt.String() != fallbackType {
			return mt.String()
		}
	}
	if resp.FinalURL != nil {
		if t := mime.TypeByExtension(path.Ext(resp.FinalURL.Path)); t != "" {
			return t
		}
	}
	return fallbackType
}

func bodyAllowed(method string, status int) bool {
	if method == http.MethodHead {
		return false
	}
	switch {
	case status >= 100 && status < 200, status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}

// copyFlush copies src to w, flushing after every chunk so slow or
// unbounded streams reach the client incrementally.
func copyFlush(w http.ResponseWriter, src io.Reader) (int64, error) {
	rc := http.NewResponseController(w)
	buf := make([]byte, chunkSize)
	var written int64
	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := w.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
			if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
				return written, err
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
