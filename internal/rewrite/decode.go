package rewrite

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/saintfish/chardet"
	"golang.org/x/net/html/charset"
)

// ErrTooLarge is returned when a decoded body exceeds the rewrite limit.
var ErrTooLarge = errors.New("decoded body exceeds limit")

// minConfidence is the chardet score below which detection is ignored.
const minConfidence = 50

// Decompress undoes the Content-Encoding of body. Codings are removed in
// reverse order of application. limit bounds the decoded size.
func Decompress(body []byte, contentEncoding string, limit int64) ([]byte, error) {
	codings := strings.Split(contentEncoding, ",")
	for i := len(codings) - 1; i >= 0; i-- {
		coding := strings.ToLower(strings.TrimSpace(codings[i]))
		var err error
		switch coding {
		case "", "identity":
			continue
		case "gzip", "x-gzip":
			body, err = gunzip(body, limit)
		case "deflate":
			body, err = inflate(body, limit)
		case "zstd":
			body, err = unzstd(body, limit)
		default:
			return nil, fmt.Errorf("unsupported content encoding %q", coding)
		}
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", coding, err)
		}
	}
	return body, nil
}

func gunzip(body []byte, limit int64) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer func() { _ = zr.Close() }()
	return readLimited(zr, limit)
}

// inflate accepts both zlib-wrapped and raw deflate streams; servers
// disagree on which one "deflate" means.
func inflate(body []byte, limit int64) ([]byte, error) {
	if zr, err := zlib.NewReader(bytes.NewReader(body)); err == nil {
		defer func() { _ = zr.Close() }()
		if out, err := readLimited(zr, limit); err == nil || errors.Is(err, ErrTooLarge) {
			return out, err
		}
	}
	fr := flate.NewReader(bytes.NewReader(body))
	defer func() { _ = fr.Close() }()
	return readLimited(fr, limit)
}

func unzstd(body []byte, limit int64) ([]byte, error) {
	zr, err := zstd.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return readLimited(zr, limit)
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	out, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(out)) > limit {
		return nil, ErrTooLarge
	}
	return out, nil
}

// ToUTF8 transcodes body to UTF-8. The encoding comes from a BOM, the
// Content-Type charset or a <meta> prescan; when none of those names one,
// statistical detection picks it.
func ToUTF8(body []byte, contentType string) ([]byte, error) {
	enc, name, certain := charset.DetermineEncoding(body, contentType)
	if !certain && name == "windows-1252" {
		if isASCII(body) {
			return body, nil
		}
		// DetermineEncoding falls back to windows-1252 when it found nothing.
		if detected := detect(body); detected != "" {
			if e, n := charset.Lookup(detected); e != nil {
				enc, name = e, n
			}
		}
	}
	if name == "utf-8" {
		return bytes.TrimPrefix(body, []byte("\xef\xbb\xbf")), nil
	}
	out, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return nil, fmt.Errorf("transcode from %s: %w", name, err)
	}
	return out, nil
}

func isASCII(b []byte) bool {
	for _, c := range b {
		if c >= 0x80 {
			return false
		}
	}
	return true
}

func detect(body []byte) string {
	res, err := chardet.NewHtmlDetector().DetectBest(body)
	if err != nil || res.Confidence < minConfidence {
		return ""
	}
	return res.Charset
}
