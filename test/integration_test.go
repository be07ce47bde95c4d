package test

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	utls "github.com/refraction-networking/utls"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"tlslb/internal/balancer"
	"tlslb/internal/config"
	"tlslb/internal/proxy"
	"tlslb/internal/routing"
)

type stack struct {
	addr   string
	routes *routing.Table
	logs   *observer.ObservedLogs
}

// startStack runs the full balancer on a loopback port. backends maps a
// domain to the addresses serving it.
func startStack(t *testing.T, backends map[string][]string) *stack {
	t.Helper()

	var doc strings.Builder
	doc.WriteString("frontends:\n  https:\n    listen_address: \"127.0.0.1:0\"\nbackends:\n")
	for domain, addrs := range backends {
		fmt.Fprintf(&doc, "  %s:\n    addresses: [\"%s\"]\n", domain, strings.Join(addrs, `", "`))
	}
	doc.WriteString("timeouts:\n  handshake: 2s\n  connect: 2s\n  idle: 10s\n")
	cfg, err := config.Parse([]byte(doc.String()))
	require.NoError(t, err)

	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)

	ctx, cancel := context.WithCancel(context.Background())
	routes, err := routing.Build(ctx, cfg, net.DefaultResolver, logger)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", cfg.Frontends.HTTPS.ListenAddress)
	require.NoError(t, err)

	handler := proxy.NewHandler(routes, proxy.Options{
		HandshakeTimeout: cfg.Timeouts.Handshake,
		ConnectTimeout:   cfg.Timeouts.Connect,
		IdleTimeout:      cfg.Timeouts.Idle,
		Logger:           logger,
	})
	lb := balancer.NewLoadBalancer(ln, handler, logger)

	done := make(chan error, 1)
	go func() { done <- lb.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
		routes.Close()
	})

	return &stack{addr: lb.Addr().String(), routes: routes, logs: logs}
}

type mockResponse struct {
	Server string `json:"server"`
	Host   string `json:"host"`
}

// get performs one HTTPS request through the balancer with a browser
// ClientHello.
func get(addr, serverName string, id utls.ClientHelloID) (*mockResponse, error) {
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	uconn := utls.UClient(conn, &utls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: true,
	}, id)
	if err := uconn.Handshake(); err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}

	fmt.Fprintf(uconn, "GET / HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n", serverName)
	resp, err := http.ReadResponse(bufio.NewReader(uconn), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var body mockResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return &body, nil
}

func TestRoutesBySNI(t *testing.T) {
	alpha, err := NewMockServerPool("alpha", 2, "alpha.test")
	require.NoError(t, err)
	alpha.StartAll()
	defer alpha.StopAll()

	beta, err := NewMockServerPool("beta", 1, "beta.test")
	require.NoError(t, err)
	beta.StartAll()
	defer beta.StopAll()

	s := startStack(t, map[string][]string{
		"alpha.test": alpha.Addresses(),
		"beta.test":  beta.Addresses(),
	})

	hellos := []utls.ClientHelloID{utls.HelloChrome_Auto, utls.HelloFirefox_Auto}
	for i := 0; i < 6; i++ {
		id := hellos[i%len(hellos)]

		resp, err := get(s.addr, "alpha.test", id)
		require.NoError(t, err)
		require.Contains(t, []string{"alpha-1", "alpha-2"}, resp.Server)
		require.Equal(t, "alpha.test", resp.Host)

		resp, err = get(s.addr, "BETA.test", id)
		require.NoError(t, err)
		require.Equal(t, "beta-1", resp.Server)
	}

	require.Equal(t, int64(6), alpha.GetTotalRequests())
	require.Equal(t, int64(6), beta.GetTotalRequests())
	for name, count := range alpha.GetRequestDistribution() {
		require.NotZero(t, count, "%s received no requests", name)
	}
}

func TestLogsFingerprint(t *testing.T) {
	servers, err := NewMockServerPool("fp", 1, "fp.test")
	require.NoError(t, err)
	servers.StartAll()
	defer servers.StopAll()

	s := startStack(t, map[string][]string{"fp.test": servers.Addresses()})

	_, err = get(s.addr, "fp.test", utls.HelloChrome_Auto)
	require.NoError(t, err)

	pattern := regexp.MustCompile(`^t13d\d{4}h2_[0-9a-f]{12}_[0-9a-f]{12}$`)
	require.Eventually(t, func() bool {
		for _, entry := range s.logs.FilterField(zap.String("sni", "fp.test")).All() {
			if fp, ok := entry.ContextMap()["ja4"].(string); ok && pattern.MatchString(fp) {
				return true
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)
}

func TestUnknownDomainIsDropped(t *testing.T) {
	servers, err := NewMockServerPool("known", 1, "known.test")
	require.NoError(t, err)
	servers.StartAll()
	defer servers.StopAll()

	s := startStack(t, map[string][]string{"known.test": servers.Addresses()})

	_, err = get(s.addr, "unknown.test", utls.HelloChrome_Auto)
	require.Error(t, err)
	require.Zero(t, servers.GetTotalRequests())
}

func TestPoolsArePrewarmed(t *testing.T) {
	servers, err := NewMockServerPool("warm", 2, "warm.test")
	require.NoError(t, err)
	servers.StartAll()
	defer servers.StopAll()

	s := startStack(t, map[string][]string{"warm.test": servers.Addresses()})

	p, err := s.routes.Lookup("warm.test")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return p.Stats().Idle == config.DefaultPreconnectCount
	}, 2*time.Second, 20*time.Millisecond)

	var open int64
	for _, b := range p.Stats().Backends {
		open += b.Open
	}
	require.Equal(t, int64(config.DefaultPreconnectCount), open)
}

func TestConcurrentRequests(t *testing.T) {
	servers, err := NewMockServerPool("busy", 3, "busy.test")
	require.NoError(t, err)
	servers.StartAll()
	defer servers.StopAll()

	s := startStack(t, map[string][]string{"busy.test": servers.Addresses()})

	const numGoroutines = 10
	const requestsPerGoroutine = 5

	var wg sync.WaitGroup
	errs := make(chan error, numGoroutines*requestsPerGoroutine)
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < requestsPerGoroutine; j++ {
				if _, err := get(s.addr, "busy.test", utls.HelloChrome_Auto); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, int64(numGoroutines*requestsPerGoroutine), servers.GetTotalRequests())
}

func TestServerClosedConnectionsAreSkipped(t *testing.T) {
	servers, err := NewMockServerPool("restart", 1, "restart.test")
	require.NoError(t, err)
	servers.StartAll()
	defer servers.StopAll()

	s := startStack(t, map[string][]string{"restart.test": servers.Addresses()})
	p, err := s.routes.Lookup("restart.test")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.Stats().Idle == 3 }, 2*time.Second, 20*time.Millisecond)

	// Stopping the server closes every connection the pool holds. A fresh
	// server then takes over the same address.
	server := servers.GetServers()[0]
	addr := server.Addr()
	require.NoError(t, server.Stop())
	// Let the FINs of the dropped connections arrive.
	time.Sleep(100 * time.Millisecond)

	replacement, err := NewMockServer("restart-2", "restart.test")
	require.NoError(t, err)
	require.NoError(t, replacement.listener.Close())
	replacement.listener, err = net.Listen("tcp", addr)
	require.NoError(t, err)
	go replacement.Start()
	defer replacement.Stop()

	resp, err := get(s.addr, "restart.test", utls.HelloFirefox_Auto)
	require.NoError(t, err)
	require.Equal(t, "restart-2", resp.Server)
}
