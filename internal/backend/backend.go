package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"strconv"
	"sync/atomic"
)

// ErrNoAddresses is returned when resolution yields no backend address.
var ErrNoAddresses = errors.New("no backend addresses resolved")

// State represents one resolved backend address and the number of
// connections currently held against it. The count is a load hint for
// backend selection, never an admission limit.
type State struct {
	Address netip.AddrPort
	open    atomic.Int64
}

// NewState creates a backend state with no open connections
func NewState(addr netip.AddrPort) *State {
	return &State{Address: addr}
}

// OpenConnections returns the current open connection count
func (s *State) OpenConnections() int64 {
	return s.open.Load()
}

// GetAddress returns the dialable address of the backend
func (s *State) GetAddress() string {
	return s.Address.String()
}

func (s *State) String() string {
	return s.GetAddress()
}

// Acquire creates a guard that counts one open connection against s
// until it is released.
func (s *State) Acquire() *Guard {
	s.open.Add(1)
	return &Guard{state: s}
}

// Dial opens a TCP connection to the backend
func (s *State) Dial(ctx context.Context, dialer *net.Dialer) (*net.TCPConn, error) {
	conn, err := dialer.DialContext(ctx, "tcp", s.GetAddress())
	if err != nil {
		return nil, err
	}
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("dial %s: unexpected connection type %T", s, conn)
	}
	return tcp, nil
}

// Guard ties one outbound connection to the backend it was opened against.
type Guard struct {
	state    *State
	released atomic.Bool
}

// Backend returns the state the guard is counted against
func (g *Guard) Backend() *State {
	return g.state
}

// Release decrements the backend's open connection count. Only the first
// call has an effect.
func (g *Guard) Release() {
	if g.released.CompareAndSwap(false, true) {
		g.state.open.Add(-1)
	}
}

// Resolver looks up host names and service ports; *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
	LookupPort(ctx context.Context, network, service string) (int, error)
}

// Resolve turns address specifications into backend states. A spec is
// either a literal socket address ("192.0.2.1:8443", "[2001:db8::1]:8443")
// or "host:port", in which case every address the resolver returns is used.
// Duplicate addresses collapse into one state; the result is sorted.
func Resolve(ctx context.Context, resolver Resolver, specs []string) ([]*State, error) {
	seen := make(map[netip.AddrPort]struct{})
	for _, spec := range specs {
		addrs, err := resolveSpec(ctx, resolver, spec)
		if err != nil {
			return nil, err
		}
		for _, addr := range addrs {
			seen[addr] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return nil, ErrNoAddresses
	}

	addrs := make([]netip.AddrPort, 0, len(seen))
	for addr := range seen {
		addrs = append(addrs, addr)
	}
	slices.SortFunc(addrs, func(a, b netip.AddrPort) int { return a.Compare(b) })

	states := make([]*State, len(addrs))
	for i, addr := range addrs {
		states[i] = NewState(addr)
	}
	return states, nil
}

func resolveSpec(ctx context.Context, resolver Resolver, spec string) ([]netip.AddrPort, error) {
	if addr, err := netip.ParseAddrPort(spec); err == nil {
		return []netip.AddrPort{unmap(addr)}, nil
	}

	host, portStr, err := net.SplitHostPort(spec)
	if err != nil {
		return nil, fmt.Errorf("backend address %q: %w", spec, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		p, lerr := resolver.LookupPort(ctx, "tcp", portStr)
		if lerr != nil {
			return nil, fmt.Errorf("backend address %q: invalid port: %w", spec, lerr)
		}
		port = uint64(p)
	}

	ips, err := resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, fmt.Errorf("resolve backend %q: %w", spec, err)
	}
	out := make([]netip.AddrPort, 0, len(ips))
	for _, ip := range ips {
		out = append(out, unmap(netip.AddrPortFrom(ip, uint16(port))))
	}
	return out, nil
}

func unmap(addr netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
}
