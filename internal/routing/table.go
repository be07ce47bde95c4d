// Package routing maps a client's server name to the pool serving it.
package routing

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"tlslb/internal/backend"
	"tlslb/internal/balancer"
	"tlslb/internal/config"
	"tlslb/pkg/pool"
)

// ErrUnknownDomain is returned when no pool serves the requested name.
var ErrUnknownDomain = errors.New("unknown domain")

// Table is an immutable domain to pool map.
type Table struct {
	pools map[string]*pool.Pool
}

// New wraps pools keyed by normalised domain name.
func New(pools map[string]*pool.Pool) *Table {
	return &Table{pools: pools}
}

// Build resolves every configured backend and starts one pool per domain.
// A resolution failure aborts the build and closes the pools created so far.
func Build(ctx context.Context, cfg *config.Config, resolver backend.Resolver, logger *zap.Logger) (*Table, error) {
	t := &Table{pools: make(map[string]*pool.Pool, len(cfg.Backends))}
	for domain, bc := range cfg.Backends {
		states, err := backend.Resolve(ctx, resolver, bc.Addresses)
		if err != nil {
			t.Close()
			return nil, fmt.Errorf("resolve backends of %s: %w", domain, err)
		}
		algorithm, err := balancer.NewAlgorithm(bc.Algorithm)
		if err != nil {
			t.Close()
			return nil, fmt.Errorf("backends of %s: %w", domain, err)
		}

		p, err := pool.New(domain, states, pool.Options{
			PreconnectCount:  bc.Preconnect(),
			Algorithm:        algorithm,
			ConnectTimeout:   cfg.Timeouts.Connect,
			KeepAlive:        cfg.Timeouts.KeepAlive,
			MaxFallbackDials: cfg.Limits.MaxFallbackDials,
			Logger:           logger,
		})
		if err != nil {
			t.Close()
			return nil, fmt.Errorf("pool for %s: %w", domain, err)
		}
		t.pools[domain] = p

		logger.Info("pool created",
			zap.String("domain", p.Name()),
			zap.Stringers("backends", states),
			zap.Int("preconnect", bc.Preconnect()),
		)
	}
	return t, nil
}

// Lookup returns the pool for a server name. Names are matched
// case-insensitively, exactly, without wildcards.
func (t *Table) Lookup(serverName string) (*pool.Pool, error) {
	name, err := config.NormalizeDomain(serverName)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDomain, serverName)
	}
	p, ok := t.pools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDomain, name)
	}
	return p, nil
}

// Domains returns the served names in sorted order.
func (t *Table) Domains() []string {
	domains := make([]string, 0, len(t.pools))
	for domain := range t.pools {
		domains = append(domains, domain)
	}
	sort.Strings(domains)
	return domains
}

// Close closes every pool.
func (t *Table) Close() {
	for _, p := range t.pools {
		p.Close()
	}
}
