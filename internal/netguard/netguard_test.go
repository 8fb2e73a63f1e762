package netguard

import (
	"context"
	"net"
	"net/netip"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilhq/veil/pkg/domain"
)

// staticResolver maps hostnames to fixed address sets.
type staticResolver map[string][]netip.Addr

func (r staticResolver) LookupNetIP(_ context.Context, _, host string) ([]netip.Addr, error) {
	addrs, ok := r[host]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	return addrs, nil
}

func TestDisallowed(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1", true},
		{"127.255.255.254", true},
		{"10.0.0.1", true},
		{"172.16.0.1", true},
		{"172.31.255.255", true},
		{"192.168.1.1", true},
		{"169.254.10.10", true},
		{"100.64.0.1", true},
		{"100.127.255.255", true},
		{"255.255.255.255", true},
		{"0.0.0.0", true},
		{"192.0.2.5", true},
		{"198.51.100.7", true},
		{"203.0.113.9", true},
		{"::1", true},
		{"::", true},
		{"::ffff:10.0.0.1", true},
		{"100.128.0.0", false},
		{"8.8.8.8", false},
		{"93.184.216.34", false},
		{"172.32.0.1", false},
		{"2606:4700::1111", false},
	}

	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			addr := netip.MustParseAddr(tt.addr)
			assert.Equal(t, tt.want, Disallowed(addr))
		})
	}
}

func TestResolve_RejectsPrivateTargets(t *testing.T) {
	resolver := staticResolver{
		"internal.example.com": {netip.MustParseAddr("10.1.2.3")},
		"mixed.example.com":    {netip.MustParseAddr("93.184.216.34"), netip.MustParseAddr("127.0.0.1")},
		"public.example.com":   {netip.MustParseAddr("93.184.216.34")},
	}
	guard := NewWithResolver(resolver, true)

	_, err := guard.Resolve(context.Background(), "internal.example.com")
	require.ErrorIs(t, err, domain.ErrPrivateNetwork)

	// One private record in the set is enough to reject.
	_, err = guard.Resolve(context.Background(), "mixed.example.com")
	require.ErrorIs(t, err, domain.ErrPrivateNetwork)

	addrs, err := guard.Resolve(context.Background(), "public.example.com")
	require.NoError(t, err)
	assert.Len(t, addrs, 1)
}

func TestResolve_BlockingDisabled(t *testing.T) {
	resolver := staticResolver{
		"internal.example.com": {netip.MustParseAddr("10.1.2.3")},
	}
	guard := NewWithResolver(resolver, false)

	addrs, err := guard.Resolve(context.Background(), "internal.example.com")
	require.NoError(t, err)
	assert.Equal(t, "10.1.2.3", addrs[0].String())
}

func TestResolve_LookupFailure(t *testing.T) {
	guard := NewWithResolver(staticResolver{}, true)

	_, err := guard.Resolve(context.Background(), "missing.example.com")
	require.ErrorIs(t, err, domain.ErrInvalidURL)
}

func TestDialContext_RejectsBeforeConnecting(t *testing.T) {
	resolver := staticResolver{
		"internal.example.com": {netip.MustParseAddr("127.0.0.1")},
	}
	guard := NewWithResolver(resolver, true)

	_, err := guard.DialContext(context.Background(), "tcp", "internal.example.com:80")
	require.ErrorIs(t, err, domain.ErrPrivateNetwork)
}

func TestDialContext_ConnectsToValidatedAddress(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port
	resolver := staticResolver{
		"app.example.com": {netip.MustParseAddr("127.0.0.1")},
	}
	guard := NewWithResolver(resolver, false)

	conn, err := guard.DialContext(context.Background(), "tcp", net.JoinHostPort("app.example.com", strconv.Itoa(port)))
	require.NoError(t, err)
	conn.Close()
}
