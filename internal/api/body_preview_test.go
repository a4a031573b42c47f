package api

import (
	"bytes"
	"net/http"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreviewText(t *testing.T) {
	assert.Equal(t, "", previewText(nil, 10))
	assert.Equal(t, "hello", previewText([]byte("hello"), 5))
	assert.Equal(t, "hel"+truncatedMarker, previewText([]byte("hello"), 3))
	assert.Equal(t, "héé"+truncatedMarker, previewText([]byte("hééllo"), 3), "limit counts characters, not bytes")
	assert.Equal(t, "ab", previewText([]byte("a\x00b"), 10))
	assert.Equal(t, "a�b", previewText([]byte{'a', 0xff, 'b'}, 10))
}

func TestDecodedPreview(t *testing.T) {
	text := strings.Repeat("brotli and zstd ", 10)

	var br bytes.Buffer
	bw := brotli.NewWriter(&br)
	_, _ = bw.Write([]byte(text))
	require.NoError(t, bw.Close())
	assert.Equal(t, text[:20]+truncatedMarker, decodedPreview(br.Bytes(), "br", 20))

	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	zs := enc.EncodeAll([]byte(text), nil)
	require.NoError(t, enc.Close())
	assert.Equal(t, text, decodedPreview(zs, "ZSTD", 500))

	assert.Equal(t, "plain", decodedPreview([]byte("plain"), "", 500))
	assert.Equal(t, "[gzip encoded body, 4 bytes]", decodedPreview([]byte("nope"), "gzip", 500))
	assert.Equal(t, "[compress encoded body, 3 bytes]", decodedPreview([]byte("lzw"), "compress", 500))
}

func TestHeadersJSON(t *testing.T) {
	h := http.Header{}
	h.Set("Authorization", "Bearer secret")
	h.Set("Cookie", "session=1")
	h.Add("Accept", "text/html")
	h.Add("Accept", "application/json")

	out := headersJSON(h)
	assert.JSONEq(t, `{"Authorization":"[REDACTED]","Cookie":"[REDACTED]","Accept":"text/html, application/json"}`, out)
	assert.Equal(t, "", headersJSON(nil))
}
