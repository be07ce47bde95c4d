package balancer

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type echoHandler struct {
	served atomic.Int32
}

func (h *echoHandler) Handle(_ context.Context, conn net.Conn) {
	defer conn.Close()
	h.served.Add(1)
	io.Copy(conn, conn)
}

func TestLoadBalancer_Serve(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	handler := &echoHandler{}
	lb := NewLoadBalancer(ln, handler, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- lb.Serve(ctx) }()

	for i := 0; i < 3; i++ {
		conn, err := net.Dial("tcp", lb.Addr().String())
		require.NoError(t, err)
		_, err = conn.Write([]byte("hello"))
		require.NoError(t, err)
		buf := make([]byte, 5)
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, err = io.ReadFull(conn, buf)
		require.NoError(t, err)
		require.Equal(t, "hello", string(buf))
		require.NoError(t, conn.Close())
	}
	require.Equal(t, int32(3), handler.served.Load())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	_, err = net.Dial("tcp", ln.Addr().String())
	require.Error(t, err)
}

type failingListener struct {
	net.Listener
	calls atomic.Int32
}

type tempErr struct{}

func (tempErr) Error() string   { return "too many open files" }
func (tempErr) Temporary() bool { return true }
func (tempErr) Timeout() bool   { return false }

func (l *failingListener) Accept() (net.Conn, error) {
	if l.calls.Add(1) <= 3 {
		return nil, tempErr{}
	}
	return nil, errors.New("listener broken")
}

func TestLoadBalancer_AcceptBackoff(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	fl := &failingListener{Listener: ln}
	lb := NewLoadBalancer(fl, &echoHandler{}, zaptest.NewLogger(t))

	start := time.Now()
	err = lb.Serve(context.Background())
	require.EqualError(t, err, "listener broken")
	require.Equal(t, int32(4), fl.calls.Load())
	// 5ms + 10ms + 20ms
	require.GreaterOrEqual(t, time.Since(start), 35*time.Millisecond)
}

func TestNextBackoff(t *testing.T) {
	var d time.Duration
	want := []time.Duration{
		5 * time.Millisecond, 10 * time.Millisecond, 20 * time.Millisecond,
		40 * time.Millisecond, 80 * time.Millisecond, 160 * time.Millisecond,
		320 * time.Millisecond, 640 * time.Millisecond, time.Second, time.Second,
	}
	for _, w := range want {
		d = nextBackoff(d)
		require.Equal(t, w, d)
	}
}
