package routing

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"tlslb/internal/config"
	"tlslb/pkg/pool"
)

type failingResolver struct{}

func (failingResolver) LookupNetIP(_ context.Context, _, host string) ([]netip.Addr, error) {
	return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
}

func (failingResolver) LookupPort(context.Context, string, string) (int, error) {
	return 0, errors.New("unknown port")
}

func testConfig(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(yaml))
	require.NoError(t, err)
	return cfg
}

func TestBuild(t *testing.T) {
	cfg := testConfig(t, `
backends:
  example.com:
    addresses: ["192.0.2.10:8443", "192.0.2.11:8443", "192.0.2.10:8443"]
    preconnect_count: 0
  Other.Example:
    addresses: ["[2001:db8::1]:443"]
    preconnect_count: 0
    algorithm: round_robin
`)

	table, err := Build(context.Background(), cfg, failingResolver{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(table.Close)

	require.Equal(t, []string{"example.com", "other.example"}, table.Domains())

	p, err := table.Lookup("example.com")
	require.NoError(t, err)
	require.Equal(t, "example.com", p.Name())
	require.Len(t, p.Backends(), 2)

	p, err = table.Lookup("OTHER.example.")
	require.NoError(t, err)
	require.Equal(t, "other.example", p.Name())
}

func TestLookup_UnderscoreAndHyphenLabels(t *testing.T) {
	cfg := testConfig(t, `
backends:
  _acme.example.com:
    addresses: ["192.0.2.10:8443"]
    preconnect_count: 0
  ab--cd.example.com:
    addresses: ["192.0.2.11:8443"]
    preconnect_count: 0
`)

	table, err := Build(context.Background(), cfg, failingResolver{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(table.Close)

	tests := []struct {
		sni  string
		pool string
	}{
		{"_acme.example.com", "_acme.example.com"},
		{"_ACME.Example.com.", "_acme.example.com"},
		{"ab--cd.example.com", "ab--cd.example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.sni, func(t *testing.T) {
			p, err := table.Lookup(tt.sni)
			require.NoError(t, err)
			require.Equal(t, tt.pool, p.Name())
		})
	}
}

func TestBuild_ResolveFailure(t *testing.T) {
	cfg := testConfig(t, `
backends:
  example.com:
    addresses: ["backend.invalid:8443"]
    preconnect_count: 0
`)

	_, err := Build(context.Background(), cfg, failingResolver{}, zaptest.NewLogger(t))
	require.Error(t, err)
	var dnsErr *net.DNSError
	require.ErrorAs(t, err, &dnsErr)
}

func TestLookup_Unknown(t *testing.T) {
	table := New(map[string]*pool.Pool{})

	tests := []string{"example.com", "", "a b", "*.example.com"}
	for _, name := range tests {
		t.Run(name, func(t *testing.T) {
			p, err := table.Lookup(name)
			require.Nil(t, p)
			require.ErrorIs(t, err, ErrUnknownDomain)
		})
	}
}
