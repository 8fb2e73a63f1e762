package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilhq/veil/internal/netguard"
	"github.com/veilhq/veil/pkg/policy"
	"github.com/veilhq/veil/pkg/relay"
	"github.com/veilhq/veil/pkg/signer"
	"github.com/veilhq/veil/pkg/telemetry"
)

const testKey = "s3cr3t"

type fixture struct {
	server   *httptest.Server
	upstream *httptest.Server
}

// newFixture stands up an upstream image server and a full relay server in
// front of it. The guard allows loopback because that is where httptest
// listens.
func newFixture(t *testing.T, upstream http.Handler, exposeMetrics bool) *fixture {
	t.Helper()

	up := httptest.NewServer(upstream)
	t.Cleanup(up.Close)

	fetcher := relay.NewHTTPFetcher(relay.HTTPFetcherConfig{
		Guard:        netguard.New(false),
		Timeout:      5 * time.Second,
		MaxRedirects: 4,
	})
	rl := relay.New(fetcher, policy.New(false, false), 5*1024*1024)

	srv := New(Options{
		Key:           testKey,
		Relay:         rl,
		Metrics:       telemetry.NewMetrics(),
		Logger:        zerolog.Nop(),
		ExposeMetrics: exposeMetrics,
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &fixture{server: ts, upstream: up}
}

func pngUpstream(payload []byte) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(payload)
	})
}

func (f *fixture) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(f.server.URL + path)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	return resp, body
}

func TestQueryForm_RelaysSignedTarget(t *testing.T) {
	payload := []byte("0123456789")
	f := newFixture(t, pngUpstream(payload), false)

	target := f.upstream.URL + "/a.png"
	digest := signer.Generate(testKey, target)

	q := url.Values{"url": {target}}
	resp, body := f.get(t, "/"+digest+"?"+q.Encode())

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, payload, body)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "default-src 'none'; img-src data:; style-src 'unsafe-inline'", resp.Header.Get("Content-Security-Policy"))
}

func TestQueryForm_MissingURLParameter(t *testing.T) {
	f := newFixture(t, pngUpstream(nil), false)

	digest := signer.Generate(testKey, "http://example.com/a.png")
	resp, body := f.get(t, "/"+digest)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "missing url parameter", strings.TrimSpace(string(body)))
}

func TestQueryForm_TamperedDigest(t *testing.T) {
	f := newFixture(t, pngUpstream([]byte("x")), false)

	target := f.upstream.URL + "/a.png"
	digest := signer.Generate(testKey, target)
	tampered := flipHexChar(digest)

	q := url.Values{"url": {target}}
	resp, _ := f.get(t, "/"+tampered+"?"+q.Encode())

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestQueryForm_DigestForDifferentURL(t *testing.T) {
	f := newFixture(t, pngUpstream([]byte("x")), false)

	digest := signer.Generate(testKey, "http://other.example/b.png")
	q := url.Values{"url": {f.upstream.URL + "/a.png"}}
	resp, _ := f.get(t, "/"+digest+"?"+q.Encode())

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPathForm_HexToken(t *testing.T) {
	payload := []byte("hexpayload")
	f := newFixture(t, pngUpstream(payload), false)

	signed := signer.Sign(testKey, f.upstream.URL+"/a.png", signer.EncodingHex)
	resp, body := f.get(t, signed.Path())

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, payload, body)
}

func TestPathForm_Base64Token(t *testing.T) {
	payload := []byte("b64payload")
	f := newFixture(t, pngUpstream(payload), false)

	signed := signer.Sign(testKey, f.upstream.URL+"/a.png", signer.EncodingBase64)
	resp, body := f.get(t, signed.Path())

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, payload, body)
}

func TestPathForm_UndecodableToken(t *testing.T) {
	f := newFixture(t, pngUpstream(nil), false)

	digest := signer.Generate(testKey, "http://example.com/a.png")
	resp, _ := f.get(t, "/"+digest+"/%25zz")

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPathForm_DisallowedContentType(t *testing.T) {
	f := newFixture(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html></html>"))
	}), false)

	signed := signer.Sign(testKey, f.upstream.URL+"/page", signer.EncodingHex)
	resp, _ := f.get(t, signed.Path())

	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
}

func TestHealthEndpoints(t *testing.T) {
	f := newFixture(t, pngUpstream(nil), false)

	for _, path := range []string{"/", "/health"} {
		resp, body := f.get(t, path)
		assert.Equal(t, http.StatusOK, resp.StatusCode, "path %s", path)
		assert.Equal(t, "OK", string(body), "path %s", path)
	}
}

func TestFavicon(t *testing.T) {
	f := newFixture(t, pngUpstream(nil), false)

	resp, _ := f.get(t, "/favicon.ico")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, pngUpstream([]byte("x")), true)

	// Drive one request through so the counters exist in the exposition.
	target := f.upstream.URL + "/a.png"
	q := url.Values{"url": {target}}
	resp, _ := f.get(t, "/"+signer.Generate(testKey, target)+"?"+q.Encode())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := f.get(t, "/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "veil_requests_total")
	assert.Contains(t, string(body), "veil_success_total")
}

func TestMetricsEndpointDisabled(t *testing.T) {
	f := newFixture(t, pngUpstream(nil), false)

	// Without the metrics route, /metrics falls through to the digest
	// wildcard and fails verification like any other bad request.
	resp, _ := f.get(t, "/metrics")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMidStreamAbortSeversConnection(t *testing.T) {
	const maxSize = 32
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		flusher := w.(http.Flusher)
		_, _ = w.Write(make([]byte, maxSize))
		flusher.Flush()
		_, _ = w.Write(make([]byte, maxSize))
		flusher.Flush()
	}))
	t.Cleanup(up.Close)

	fetcher := relay.NewHTTPFetcher(relay.HTTPFetcherConfig{
		Guard:        netguard.New(false),
		Timeout:      5 * time.Second,
		MaxRedirects: 4,
	})
	rl := relay.New(fetcher, policy.New(false, false), maxSize)

	srv := New(Options{
		Key:     testKey,
		Relay:   rl,
		Metrics: telemetry.NewMetrics(),
		Logger:  zerolog.Nop(),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	signed := signer.Sign(testKey, up.URL+"/big.png", signer.EncodingHex)
	resp, err := http.Get(ts.URL + signed.Path())
	require.NoError(t, err)
	defer resp.Body.Close()

	// Headers arrive before the overflow is detected, then the connection is
	// torn down so the body read fails instead of ending cleanly.
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_, err = io.ReadAll(resp.Body)
	assert.Error(t, err)
}

// flipHexChar changes one hex character so the digest keeps its shape but no
// longer matches.
func flipHexChar(digest string) string {
	b := []byte(digest)
	if b[0] == 'a' {
		b[0] = 'b'
	} else {
		b[0] = 'a'
	}
	return string(b)
}
