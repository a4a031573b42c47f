package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

const truncatedMarker = "...[truncated]"

// previewText returns at most limit runes of data as valid UTF-8, followed
// by truncatedMarker when data was longer.
func previewText(data []byte, limit int) string {
	if len(data) == 0 {
		return ""
	}
	s := strings.ToValidUTF8(string(data), "�")
	s = strings.ReplaceAll(s, "\x00", "")
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i] + truncatedMarker
		}
		n++
	}
	return s
}

// decodedPreview decodes a compressed body according to its Content-Encoding
// and returns its preview. At most 4*limit+1 decoded bytes are inflated.
func decodedPreview(body []byte, contentEncoding string, limit int) string {
	enc := strings.ToLower(strings.TrimSpace(contentEncoding))
	if len(body) == 0 || enc == "" || enc == "identity" {
		return previewText(body, limit)
	}

	var r io.Reader
	switch enc {
	case "gzip", "x-gzip":
		gz, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return undecodable(enc, len(body))
		}
		defer gz.Close()
		r = gz
	case "br":
		r = brotli.NewReader(bytes.NewReader(body))
	case "zstd":
		zr, err := zstd.NewReader(bytes.NewReader(body))
		if err != nil {
			return undecodable(enc, len(body))
		}
		defer zr.Close()
		r = zr
	default:
		return undecodable(enc, len(body))
	}

	budget := int64(4*limit + 1)
	if limit <= 0 {
		budget = int64(len(body)) * 16
	}
	decoded, err := io.ReadAll(io.LimitReader(r, budget))
	if err != nil && len(decoded) == 0 {
		return undecodable(enc, len(body))
	}
	return previewText(decoded, limit)
}

func undecodable(enc string, size int) string {
	return fmt.Sprintf("[%s encoded body, %d bytes]", enc, size)
}

var redactedHeaders = map[string]bool{
	"Authorization":       true,
	"Proxy-Authorization": true,
	"Cookie":              true,
	"Set-Cookie":          true,
}

// headersJSON serializes headers as a flat JSON object. Credentials are
// replaced by a placeholder.
func headersJSON(h http.Header) string {
	if len(h) == 0 {
		return ""
	}
	flat := make(map[string]string, len(h))
	for k, v := range h {
		if redactedHeaders[http.CanonicalHeaderKey(k)] {
			flat[k] = "[REDACTED]"
			continue
		}
		flat[k] = strings.Join(v, ", ")
	}
	b, err := json.Marshal(flat)
	if err != nil {
		return `{"error":"failed to serialize headers"}`
	}
	return string(b)
}
