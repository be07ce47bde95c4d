package pool

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"tlslb/internal/backend"
	"tlslb/internal/balancer"
	"tlslb/internal/health"
)

// DefaultKeepAlive is the TCP keepalive probe interval on backend sockets.
const DefaultKeepAlive = 30 * time.Second

// Options tune a Pool. Zero values select the defaults.
type Options struct {
	// PreconnectCount is the number of connections opened at construction.
	PreconnectCount int
	// Algorithm picks the backend for each new connection.
	Algorithm balancer.Algorithm
	// ConnectTimeout bounds every outbound dial; zero means no timeout.
	ConnectTimeout time.Duration
	// KeepAlive is the keepalive probe interval.
	KeepAlive time.Duration
	// MaxFallbackDials caps concurrent synchronous dials made by
	// GetConnection when no idle connection is left; zero means unbounded.
	MaxFallbackDials int
	Logger           *zap.Logger
}

// Conn is an outbound backend connection. Close releases the backend
// accounting exactly once, however often it is called.
type Conn struct {
	*net.TCPConn
	guard *backend.Guard
}

// Backend returns the backend the connection was opened against
func (c *Conn) Backend() *backend.State {
	return c.guard.Backend()
}

// Close closes the socket and releases the backend accounting
func (c *Conn) Close() error {
	err := c.TCPConn.Close()
	c.guard.Release()
	return err
}

// BackendStats is a point-in-time view of one backend.
type BackendStats struct {
	Address string
	Open    int64
}

// Stats is a point-in-time view of a pool.
type Stats struct {
	Idle     int
	Backends []BackendStats
}

// Pool keeps a FIFO queue of pre-established connections to the backends
// of one domain. Every connection handed out triggers one replacement dial
// in the background, so the queue refills without a timer.
type Pool struct {
	name      string
	backends  []*backend.State
	algorithm balancer.Algorithm
	dialer    *net.Dialer
	keepAlive time.Duration
	fallback  *semaphore.Weighted
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	idle   []*Conn
	closed bool
}

// New creates a pool over backends and starts opts.PreconnectCount
// background dials.
func New(name string, backends []*backend.State, opts Options) (*Pool, error) {
	if len(backends) == 0 {
		return nil, ErrNoBackends
	}
	if opts.Algorithm == nil {
		opts.Algorithm = balancer.NewLeastConnectionsAlgorithm()
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = DefaultKeepAlive
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:      name,
		backends:  backends,
		algorithm: opts.Algorithm,
		dialer: &net.Dialer{
			Timeout: opts.ConnectTimeout,
			// Keepalive is configured after the dial.
			KeepAlive: -1,
		},
		keepAlive: opts.KeepAlive,
		logger:    opts.Logger.With(zap.String("pool", name)),
		ctx:       ctx,
		cancel:    cancel,
	}
	if opts.MaxFallbackDials > 0 {
		p.fallback = semaphore.NewWeighted(int64(opts.MaxFallbackDials))
	}

	for i := 0; i < opts.PreconnectCount; i++ {
		p.RequestConnection()
	}
	return p, nil
}

// Name returns the domain the pool serves
func (p *Pool) Name() string {
	return p.name
}

// Backends returns the resolved backend states
func (p *Pool) Backends() []*backend.State {
	return p.backends
}

// RequestConnection dials the least loaded backend in the background and
// queues the connection on success. Failures are logged and not retried.
func (p *Pool) RequestConnection() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()

	guard := p.algorithm.SelectBackend(p.backends).Acquire()
	go func() {
		defer p.wg.Done()

		conn, err := p.dial(p.ctx, guard)
		if err != nil {
			p.logger.Error("failed to request connection",
				zap.Stringer("backend", guard.Backend()),
				zap.Error(err),
			)
			return
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			conn.Close()
			return
		}
		p.idle = append(p.idle, conn)
		p.mu.Unlock()
	}()
}

// GetConnection returns a live connection from the idle queue, or dials
// the least loaded backend inline when the queue holds none.
func (p *Pool) GetConnection(ctx context.Context) (*Conn, error) {
	for {
		conn := p.popIdle()
		if conn == nil {
			break
		}
		p.RequestConnection()

		status, err := health.Probe(conn.TCPConn)
		if status == health.StatusAlive {
			return conn, nil
		}
		p.logger.Warn("idle connection is gone, trying next",
			zap.Stringer("backend", conn.Backend()),
			zap.Stringer("status", status),
			zap.Error(err),
		)
		conn.Close()
	}

	if p.isClosed() {
		return nil, ErrPoolClosed
	}
	if p.fallback != nil {
		if err := p.fallback.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer p.fallback.Release(1)
	}

	guard := p.algorithm.SelectBackend(p.backends).Acquire()
	conn, err := p.dial(ctx, guard)
	if err != nil {
		return nil, &PoolError{
			message: "pool is empty and fallback connect failed",
			Backend: guard.Backend().GetAddress(),
			Err:     err,
		}
	}
	return conn, nil
}

// Stats returns the idle queue length and per-backend open counts
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	idle := len(p.idle)
	p.mu.Unlock()

	stats := Stats{Idle: idle, Backends: make([]BackendStats, len(p.backends))}
	for i, b := range p.backends {
		stats.Backends[i] = BackendStats{Address: b.GetAddress(), Open: b.OpenConnections()}
	}
	return stats
}

// PoolSize returns the number of idle connections
func (p *Pool) PoolSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Close stops background dials and closes all idle connections
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	p.cancel()
	for _, conn := range idle {
		conn.Close()
	}
	p.wg.Wait()
}

func (p *Pool) popIdle() *Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.idle) == 0 {
		return nil
	}
	conn := p.idle[0]
	p.idle[0] = nil
	p.idle = p.idle[1:]
	return conn
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// dial connects guard's backend and tunes the socket. On failure the
// guard is released.
func (p *Pool) dial(ctx context.Context, guard *backend.Guard) (*Conn, error) {
	b := guard.Backend()
	tcp, err := b.Dial(ctx, p.dialer)
	if err != nil {
		guard.Release()
		return nil, err
	}
	if err := p.tune(tcp); err != nil {
		tcp.Close()
		guard.Release()
		return nil, fmt.Errorf("configure socket to %s: %w", b, err)
	}

	p.logger.Debug("opened connection",
		zap.Stringer("backend", b),
		zap.Int64("connections", b.OpenConnections()),
	)
	return &Conn{TCPConn: tcp, guard: guard}, nil
}

func (p *Pool) tune(conn *net.TCPConn) error {
	if err := conn.SetNoDelay(true); err != nil {
		return err
	}
	if err := conn.SetKeepAlive(true); err != nil {
		return err
	}
	return conn.SetKeepAlivePeriod(p.keepAlive)
}
