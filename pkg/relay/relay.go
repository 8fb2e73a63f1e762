// Package relay performs the bounded outbound fetch and streams the
// validated response back to the caller with a sanitized header set.
package relay

import (
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/rs/zerolog"

	"github.com/veilhq/veil/pkg/domain"
	"github.com/veilhq/veil/pkg/policy"
)

// relayedHeaders is the explicit allowlist of upstream response headers
// copied verbatim to the caller. Everything else is dropped.
var relayedHeaders = []string{
	"Content-Type",
	"Content-Length",
	"Cache-Control",
	"Etag",
	"Last-Modified",
}

// Security headers appended to every successful response.
const (
	headerContentTypeOptions = "nosniff"
	headerContentSecurity    = "default-src 'none'; img-src data:; style-src 'unsafe-inline'"
)

// AbortError reports a failure that occurred after response headers were
// already written downstream. The connection must be torn down rather than
// answered with a status.
type AbortError struct {
	Err error
}

func (e *AbortError) Error() string { return "relay aborted: " + e.Err.Error() }

func (e *AbortError) Unwrap() error { return e.Err }

// Relay sequences content policy, size enforcement and byte streaming for
// one upstream response. Immutable after construction.
type Relay struct {
	fetcher Fetcher
	types   *policy.ContentTypes
	maxSize int64
}

// New returns a Relay bounded by maxSize bytes per response.
func New(fetcher Fetcher, types *policy.ContentTypes, maxSize int64) *Relay {
	return &Relay{fetcher: fetcher, types: types, maxSize: maxSize}
}

// Serve fetches target and streams the validated response body to w,
// returning the number of bytes forwarded. Failures before the first byte is
// written map onto the pipeline taxonomy; failures after that are wrapped in
// AbortError and the caller must sever the connection.
func (rl *Relay) Serve(w http.ResponseWriter, r *http.Request, target *url.URL) (int64, error) {
	if target.Scheme != "http" && target.Scheme != "https" {
		return 0, fmt.Errorf("%w: scheme %q not allowed", domain.ErrInvalidURL, target.Scheme)
	}
	if target.Hostname() == "" {
		return 0, fmt.Errorf("%w: missing host", domain.ErrInvalidURL)
	}

	up, err := rl.fetcher.Fetch(r.Context(), target)
	if err != nil {
		return 0, err
	}
	defer up.Body.Close()

	declared := up.Header.Get("Content-Type")
	if !rl.types.IsAllowed(declared) {
		return 0, fmt.Errorf("%w: %q", domain.ErrContentTypeNotAllowed, declared)
	}

	// Declared length is checked before the body is touched. It is not
	// trustworthy, so the running count below remains mandatory.
	if up.ContentLength > rl.maxSize {
		return 0, fmt.Errorf("%w: %d bytes declared", domain.ErrContentTooLarge, up.ContentLength)
	}

	h := w.Header()
	for _, name := range relayedHeaders {
		if v := up.Header.Get(name); v != "" {
			h.Set(name, v)
		}
	}
	h.Set("X-Content-Type-Options", headerContentTypeOptions)
	h.Set("Content-Security-Policy", headerContentSecurity)
	w.WriteHeader(up.StatusCode)

	n, err := io.Copy(newFlushWriter(w), io.LimitReader(up.Body, rl.maxSize))
	if err != nil {
		return n, &AbortError{Err: classifyFetchError(err)}
	}

	if n == rl.maxSize {
		// The budget is exactly consumed; probe one byte to distinguish a
		// body that ends here from one that exceeds it. The excess byte is
		// never forwarded.
		var probe [1]byte
		if m, _ := up.Body.Read(probe[:]); m > 0 {
			zerolog.Ctx(r.Context()).Warn().
				Stringer("target", target).
				Int64("max_size", rl.maxSize).
				Msg("stream exceeded size budget, aborting")
			return n, &AbortError{Err: fmt.Errorf("%w: stream exceeded %d bytes", domain.ErrContentTooLarge, rl.maxSize)}
		}
	}

	return n, nil
}

// flushWriter flushes after each write so bytes reach the peer as they
// arrive instead of sitting in the response buffer.
type flushWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newFlushWriter(w http.ResponseWriter) *flushWriter {
	fw := &flushWriter{w: w}
	if flusher, ok := w.(http.Flusher); ok {
		fw.flusher = flusher
	}
	return fw
}

func (w *flushWriter) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	if err == nil && w.flusher != nil {
		w.flusher.Flush()
	}
	return n, err
}
