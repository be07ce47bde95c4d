package balancer

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Handler serves one accepted client connection and closes it.
type Handler interface {
	Handle(ctx context.Context, conn net.Conn)
}

// LoadBalancer represents the main load balancer
type LoadBalancer struct {
	listener net.Listener
	handler  Handler
	logger   *zap.Logger
	wg       sync.WaitGroup
}

// NewLoadBalancer creates a new load balancer instance on an already bound listener
func NewLoadBalancer(listener net.Listener, handler Handler, logger *zap.Logger) *LoadBalancer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoadBalancer{
		listener: listener,
		handler:  handler,
		logger:   logger,
	}
}

// Addr returns the listening address
func (lb *LoadBalancer) Addr() net.Addr {
	return lb.listener.Addr()
}

// Serve accepts connections until ctx is cancelled or the listener is
// closed, handling each one in its own goroutine. It returns nil on
// shutdown and waits for in-flight handlers, which see ctx cancelled.
func (lb *LoadBalancer) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { lb.listener.Close() })
	defer stop()
	defer lb.wg.Wait()

	var backoff time.Duration
	for {
		conn, err := lb.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() || isTemporary(err) {
				backoff = nextBackoff(backoff)
				lb.logger.Warn("accept failed, retrying",
					zap.Duration("backoff", backoff),
					zap.Error(err),
				)
				select {
				case <-time.After(backoff):
					continue
				case <-ctx.Done():
					return nil
				}
			}
			return err
		}
		backoff = 0

		lb.wg.Add(1)
		go func() {
			defer lb.wg.Done()
			lb.handler.Handle(ctx, conn)
		}()
	}
}

// isTemporary reports accept errors caused by resource exhaustion, such
// as running out of file descriptors.
func isTemporary(err error) bool {
	var te interface{ Temporary() bool }
	return errors.As(err, &te) && te.Temporary()
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return minAcceptBackoff
	}
	d *= 2
	if d > maxAcceptBackoff {
		d = maxAcceptBackoff
	}
	return d
}
