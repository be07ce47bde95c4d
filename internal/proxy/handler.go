// Package proxy routes one client connection by the server name in its
// ClientHello and splices it to a pooled backend connection.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tlslb/internal/ipdb"
	"tlslb/internal/routing"
	"tlslb/pkg/clienthello"
	"tlslb/pkg/ja4"
	"tlslb/pkg/pool"
)

// MaxHeaderSize is the most the handler reads from a client before routing.
const MaxHeaderSize = 16 * 1024

// Options configure a Handler. Zero timeouts are disabled.
type Options struct {
	HandshakeTimeout time.Duration
	ConnectTimeout   time.Duration
	IdleTimeout      time.Duration
	// IPDatabase annotates logs with the client's ASN; may be nil.
	IPDatabase *ipdb.Database
	Logger     *zap.Logger
}

// Handler serves client connections accepted by the listener.
type Handler struct {
	routes *routing.Table
	opts   Options
	logger *zap.Logger
}

// NewHandler creates a handler routing through routes
func NewHandler(routes *routing.Table, opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{routes: routes, opts: opts, logger: logger}
}

type session struct {
	client net.Conn
	state  State
	fields []zap.Field

	sent     int64
	received int64
}

// Handle serves conn until either side finishes or fails, then closes it.
// Failures are logged and never returned.
func (h *Handler) Handle(ctx context.Context, conn net.Conn) {
	start := time.Now()
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	s := &session{
		client: conn,
		state:  StateAccepted,
		fields: []zap.Field{zap.Stringer("peer", conn.RemoteAddr())},
	}
	err := h.serve(ctx, s)

	fields := append(s.fields,
		zap.Int64("sent", s.sent),
		zap.Int64("received", s.received),
		zap.Duration("duration", time.Since(start)),
	)
	if err != nil {
		fields = append(fields,
			zap.Stringer("state", StateFailed),
			zap.Stringer("last_state", s.state),
			zap.Error(err),
		)
		h.logger.Info("connection failed", fields...)
		return
	}
	h.logger.Info("connection finished", append(fields, zap.Stringer("state", s.state))...)
}

func (h *Handler) serve(ctx context.Context, s *session) error {
	header, err := h.readHeader(s.client)
	if err != nil {
		return err
	}
	s.state = StateHeaderRead

	hello, err := clienthello.Parse(header)
	if err != nil {
		return fmt.Errorf("parse client hello: %w", err)
	}
	sni, ok := hello.ServerName()
	if !ok {
		s.fields = append(s.fields, zap.Bool("encrypted_sni", hello.EncryptedSNI))
		return ErrNoSNI
	}
	s.state = StateParsed

	s.fields = append(s.fields,
		zap.String("sni", sni),
		zap.Stringer("ja4", ja4.Calculate(hello)),
	)
	if asn, ok := h.lookupASN(s.client.RemoteAddr()); ok {
		s.fields = append(s.fields, zap.Uint32("asn", asn))
	}

	p, err := h.routes.Lookup(sni)
	if err != nil {
		return err
	}
	s.state = StateRouted

	connectCtx := ctx
	if h.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, h.opts.ConnectTimeout)
		defer cancel()
	}
	server, err := p.GetConnection(connectCtx)
	if err != nil {
		return err
	}
	defer server.Close()
	s.state = StateBackendAcquired
	s.fields = append(s.fields, zap.Stringer("backend", server.Backend()))

	if h.opts.IdleTimeout > 0 {
		if err := server.SetWriteDeadline(time.Now().Add(h.opts.IdleTimeout)); err != nil {
			return fmt.Errorf("set backend write deadline: %w", err)
		}
	}
	if _, err := server.Write(header); err != nil {
		return fmt.Errorf("write header to backend: %w", err)
	}
	s.state = StateSplicing

	if err := h.splice(ctx, s, server); err != nil {
		return err
	}
	s.state = StateDone
	return nil
}

// readHeader does a single read of at most MaxHeaderSize bytes. Whatever
// arrived is the header; no byte at all is an error.
func (h *Handler) readHeader(conn net.Conn) ([]byte, error) {
	if h.opts.HandshakeTimeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(h.opts.HandshakeTimeout)); err != nil {
			return nil, fmt.Errorf("set handshake deadline: %w", err)
		}
	}
	buf := make([]byte, MaxHeaderSize)
	n, err := conn.Read(buf)
	if n == 0 {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("read client hello: %w", err)
	}
	if h.opts.HandshakeTimeout > 0 {
		if err := conn.SetReadDeadline(time.Time{}); err != nil {
			return nil, fmt.Errorf("clear handshake deadline: %w", err)
		}
	}
	return buf[:n], nil
}

func (h *Handler) lookupASN(addr net.Addr) (uint32, bool) {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok || h.opts.IPDatabase == nil {
		return 0, false
	}
	return h.opts.IPDatabase.Lookup(tcp.AddrPort().Addr())
}

// splice copies both directions concurrently. The first failure closes
// both sockets so the other copy ends too.
func (h *Handler) splice(ctx context.Context, s *session, server *pool.Conn) error {
	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() {
		s.client.Close()
		server.Close()
	})
	defer stop()

	g.Go(func() error {
		n, err := h.copyHalf(server, s.client)
		s.sent = n
		if err != nil {
			return fmt.Errorf("client to backend: %w", err)
		}
		if n == 0 {
			return ErrClientClosed
		}
		return nil
	})
	g.Go(func() error {
		n, err := h.copyHalf(s.client, server)
		s.received = n
		if err != nil {
			return fmt.Errorf("backend to client: %w", err)
		}
		if n == 0 {
			return ErrServerClosed
		}
		return nil
	})
	return g.Wait()
}

type closeWriter interface {
	CloseWrite() error
}

// copyHalf copies src to dst until EOF and then half-closes dst. When
// nothing was copied dst is left open; the caller fails the splice.
func (h *Handler) copyHalf(dst, src net.Conn) (int64, error) {
	var (
		n   int64
		err error
	)
	if h.opts.IdleTimeout > 0 {
		n, err = io.Copy(&idleWriter{dst, h.opts.IdleTimeout}, &idleReader{src, h.opts.IdleTimeout})
	} else {
		n, err = io.Copy(dst, src)
	}
	if err != nil || n == 0 {
		return n, err
	}
	if cw, ok := dst.(closeWriter); ok {
		if err := cw.CloseWrite(); err != nil && !errors.Is(err, net.ErrClosed) {
			return n, err
		}
	}
	return n, nil
}

// idleReader pushes the read deadline forward before every read.
type idleReader struct {
	conn    net.Conn
	timeout time.Duration
}

func (r *idleReader) Read(p []byte) (int, error) {
	if err := r.conn.SetReadDeadline(time.Now().Add(r.timeout)); err != nil {
		return 0, err
	}
	return r.conn.Read(p)
}

// idleWriter pushes the write deadline forward before every write.
type idleWriter struct {
	conn    net.Conn
	timeout time.Duration
}

func (w *idleWriter) Write(p []byte) (int, error) {
	if err := w.conn.SetWriteDeadline(time.Now().Add(w.timeout)); err != nil {
		return 0, err
	}
	return w.conn.Write(p)
}
