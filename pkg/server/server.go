// Package server exposes the relay over HTTP. It is the only piece that
// touches the inbound HTTP surface: it sequences decode, digest verification
// and the relay per request, and maps outcomes onto responses.
package server

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/veilhq/veil/pkg/domain"
	"github.com/veilhq/veil/pkg/encoding"
	"github.com/veilhq/veil/pkg/relay"
	"github.com/veilhq/veil/pkg/signer"
	"github.com/veilhq/veil/pkg/telemetry"
)

// Options carries the immutable collaborators for a Server.
type Options struct {
	Key           string
	Relay         *relay.Relay
	Metrics       *telemetry.Metrics
	Logger        zerolog.Logger
	ExposeMetrics bool
}

// Server routes inbound requests into the relay pipeline.
type Server struct {
	key           string
	relay         *relay.Relay
	metrics       *telemetry.Metrics
	logger        zerolog.Logger
	exposeMetrics bool
}

// New builds a Server from resolved configuration. The server never reads
// environment variables or flags itself.
func New(opts Options) *Server {
	return &Server{
		key:           opts.Key,
		relay:         opts.Relay,
		metrics:       opts.Metrics,
		logger:        opts.Logger,
		exposeMetrics: opts.ExposeMetrics,
	}
}

// Handler returns the route table. Literal routes win over the digest
// wildcards, so /health and /metrics stay reachable.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleHealth)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /favicon.ico", s.handleFavicon)
	if s.exposeMetrics {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	// Query form: /<digest>?url=<raw or percent-encoded URL>
	mux.HandleFunc("GET /{digest}", s.handleQueryForm)
	// Path form: /<digest>/<hex or base64 token>
	mux.HandleFunc("GET /{digest}/{encoded...}", s.handlePathForm)

	return s.withRequestContext(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleFavicon(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNotFound)
}

func (s *Server) handleQueryForm(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	if target == "" {
		http.Error(w, "missing url parameter", http.StatusBadRequest)
		return
	}
	s.proxy(w, r, r.PathValue("digest"), target)
}

func (s *Server) handlePathForm(w http.ResponseWriter, r *http.Request) {
	target, err := encoding.Decode(r.PathValue("encoded"))
	if err != nil {
		s.metrics.RequestStarted()
		defer s.metrics.RequestFinished()
		s.fail(w, r, err)
		return
	}
	s.proxy(w, r, r.PathValue("digest"), target)
}

// proxy runs the pipeline for one request: digest verification, URL
// validation, then the guarded fetch and streamed relay.
func (s *Server) proxy(w http.ResponseWriter, r *http.Request, digest, target string) {
	s.metrics.RequestStarted()
	defer s.metrics.RequestFinished()

	if !signer.Verify(s.key, target, digest) {
		s.fail(w, r, domain.ErrDigestMismatch)
		return
	}

	parsed, err := url.Parse(target)
	if err != nil {
		s.fail(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidURL, err))
		return
	}

	n, err := s.relay.Serve(w, r, parsed)
	if err != nil {
		var abort *relay.AbortError
		if errors.As(err, &abort) {
			// Headers are already on the wire; sever the connection so the
			// client never mistakes the truncated body for a complete one.
			s.metrics.RecordError(domain.KindFor(abort.Err))
			zerolog.Ctx(r.Context()).Warn().Err(abort.Err).Msg("relay aborted mid-stream")
			panic(http.ErrAbortHandler)
		}
		s.fail(w, r, err)
		return
	}

	s.metrics.RecordSuccess(n)

	if span := trace.SpanFromContext(r.Context()); span.IsRecording() {
		span.SetAttributes(
			attribute.Int64("relay.bytes_streamed", n),
			attribute.String("relay.target_host", parsed.Hostname()),
		)
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := domain.StatusFor(err)
	s.metrics.RecordError(domain.KindFor(err))
	zerolog.Ctx(r.Context()).Debug().Err(err).Int("status", status).Msg("request rejected")
	http.Error(w, err.Error(), status)
}
