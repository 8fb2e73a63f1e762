// Package domain defines the failure taxonomy shared across the relay
// pipeline and its mapping onto externally visible HTTP statuses.
package domain

import (
	"errors"
	"net/http"
)

// Pipeline errors. Every failure a request can terminate with wraps exactly
// one of these sentinels so the HTTP layer and metrics can classify it with
// errors.Is.
var (
	ErrInvalidDigest         = errors.New("invalid digest")
	ErrDigestMismatch        = errors.New("digest mismatch")
	ErrInvalidURLEncoding    = errors.New("invalid url encoding")
	ErrInvalidURL            = errors.New("invalid url")
	ErrContentTypeNotAllowed = errors.New("content type not allowed")
	ErrContentTooLarge       = errors.New("content too large")
	ErrTooManyRedirects      = errors.New("too many redirects")
	ErrTimeout               = errors.New("request timeout")
	ErrUpstream              = errors.New("upstream error")
	ErrPrivateNetwork        = errors.New("private network not allowed")
)

// StatusFor maps a pipeline error to the HTTP status returned to the caller.
// Unrecognised errors are treated as upstream failures.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidDigest),
		errors.Is(err, ErrDigestMismatch),
		errors.Is(err, ErrInvalidURLEncoding),
		errors.Is(err, ErrInvalidURL):
		return http.StatusBadRequest
	case errors.Is(err, ErrContentTypeNotAllowed):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, ErrContentTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrPrivateNetwork):
		return http.StatusForbidden
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrTooManyRedirects), errors.Is(err, ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusBadGateway
	}
}

// KindFor returns the short label used to partition error metrics, matching
// the counter labels exposed on /metrics.
func KindFor(err error) string {
	switch {
	case errors.Is(err, ErrInvalidDigest), errors.Is(err, ErrDigestMismatch):
		return "digest"
	case errors.Is(err, ErrInvalidURLEncoding), errors.Is(err, ErrInvalidURL):
		return "url"
	case errors.Is(err, ErrContentTypeNotAllowed):
		return "content_type"
	case errors.Is(err, ErrContentTooLarge):
		return "content_size"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrPrivateNetwork):
		return "private_network"
	default:
		return "upstream"
	}
}
