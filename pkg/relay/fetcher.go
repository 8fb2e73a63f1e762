package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"time"

	"github.com/veilhq/veil/pkg/domain"
)

const userAgent = "veil"

// Upstream is the raw result of one outbound fetch, before content policy
// and size enforcement. Body must be closed by the consumer; closing it also
// releases the request's timeout context.
type Upstream struct {
	StatusCode    int
	Header        http.Header
	ContentLength int64 // -1 when the upstream declared no length
	Body          io.ReadCloser
}

// Fetcher performs the single bounded outbound request for a target URL.
// There is one implementation per host environment; everything downstream of
// it is written once against this interface.
type Fetcher interface {
	Fetch(ctx context.Context, target *url.URL) (*Upstream, error)
}

// NetworkGuard validates outbound hosts and dials only validated addresses.
// Every hop of a fetch connects through it, the initial request and each
// redirect alike. netguard.Guard is the production implementation.
type NetworkGuard interface {
	Resolve(ctx context.Context, host string) ([]netip.Addr, error)
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// HTTPFetcherConfig bounds the outbound client.
type HTTPFetcherConfig struct {
	Guard        NetworkGuard
	Timeout      time.Duration
	MaxRedirects int
}

// HTTPFetcher is the net/http implementation of Fetcher. The client dials
// exclusively through the network guard and never consults proxy
// environment variables, which would bypass the guard.
type HTTPFetcher struct {
	client  *http.Client
	guard   NetworkGuard
	timeout time.Duration
}

// NewHTTPFetcher builds the shared outbound client. The redirect budget is
// enforced by the client itself; every redirect hop dials through the guard
// again.
func NewHTTPFetcher(cfg HTTPFetcherConfig) *HTTPFetcher {
	transport := &http.Transport{
		DialContext:           cfg.Guard.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(_ *http.Request, via []*http.Request) error {
			// via includes the initial request, so len(via) is the number
			// of the hop being attempted. A chain of exactly MaxRedirects
			// redirects is still within budget.
			if len(via) > cfg.MaxRedirects {
				return domain.ErrTooManyRedirects
			}
			return nil
		},
	}

	return &HTTPFetcher{client: client, guard: cfg.Guard, timeout: cfg.Timeout}
}

// Fetch issues a GET for target with no caller-supplied headers and no body.
// The configured timeout bounds the entire lifecycle of the request,
// including reading the response body. Cancelling ctx (downstream peer gone)
// cancels the in-flight upstream request.
func (f *HTTPFetcher) Fetch(ctx context.Context, target *url.URL) (*Upstream, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)

	// Validate the resolved address set before any connection is attempted.
	// The guarded dialer re-checks at connect time, so a record that
	// re-resolves between here and the dial still cannot reach private space.
	if _, err := f.guard.Resolve(ctx, target.Hostname()); err != nil {
		cancel()
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), http.NoBody)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidURL, err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		cancel()
		return nil, classifyFetchError(err)
	}

	return &Upstream{
		StatusCode:    resp.StatusCode,
		Header:        resp.Header,
		ContentLength: resp.ContentLength,
		Body:          &cancelOnClose{ReadCloser: resp.Body, cancel: cancel},
	}, nil
}

// classifyFetchError maps transport failures onto the pipeline taxonomy.
func classifyFetchError(err error) error {
	switch {
	case errors.Is(err, domain.ErrTooManyRedirects),
		errors.Is(err, domain.ErrPrivateNetwork),
		errors.Is(err, domain.ErrInvalidURL):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrUpstream, err)
}

// cancelOnClose releases the per-request timeout context when the body is
// closed, so no upstream connection outlives its consumer.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	c.cancel()
	return c.ReadCloser.Close()
}
