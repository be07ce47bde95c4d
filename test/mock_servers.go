package test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"log"
	"math/big"
	"net"
	"net/http"
	"sync/atomic"
	"time"
)

// MockServer is an HTTPS backend that reports its name on every request.
// It terminates TLS itself; the balancer only passes bytes through.
type MockServer struct {
	Name         string
	listener     net.Listener
	server       *http.Server
	RequestCount int64
}

// NewMockServer creates a mock server on a loopback port with a
// self-signed certificate for domains.
func NewMockServer(name string, domains ...string) (*MockServer, error) {
	cert, err := selfSigned(domains)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	ms := &MockServer{Name: name, listener: ln}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		count := atomic.AddInt64(&ms.RequestCount, 1)
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"server": "%s", "host": "%s", "request_count": %d}`,
			ms.Name, r.TLS.ServerName, count)
	})

	ms.server = &http.Server{
		Handler: mux,
		TLSConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{"http/1.1"},
		},
		// HTTP/1.1 only.
		TLSNextProto: map[string]func(*http.Server, *tls.Conn, http.Handler){},
	}
	return ms, nil
}

// Addr returns the dialable address of the server
func (ms *MockServer) Addr() string {
	return ms.listener.Addr().String()
}

// Start serves until Stop is called
func (ms *MockServer) Start() error {
	log.Printf("Starting mock server %s on %s", ms.Name, ms.Addr())
	return ms.server.ServeTLS(ms.listener, "", "")
}

// Stop stops the mock server
func (ms *MockServer) Stop() error {
	return ms.server.Close()
}

// GetRequestCount returns the current request count
func (ms *MockServer) GetRequestCount() int64 {
	return atomic.LoadInt64(&ms.RequestCount)
}

// MockServerPool manages multiple mock servers
type MockServerPool struct {
	servers []*MockServer
}

// NewMockServerPool creates count servers named prefix-1, prefix-2, ...
func NewMockServerPool(prefix string, count int, domains ...string) (*MockServerPool, error) {
	pool := &MockServerPool{}
	for i := 0; i < count; i++ {
		server, err := NewMockServer(fmt.Sprintf("%s-%d", prefix, i+1), domains...)
		if err != nil {
			pool.StopAll()
			return nil, err
		}
		pool.servers = append(pool.servers, server)
	}
	return pool, nil
}

// StartAll starts all mock servers in the pool
func (pool *MockServerPool) StartAll() {
	for _, server := range pool.servers {
		go func(s *MockServer) {
			if err := s.Start(); err != nil && err != http.ErrServerClosed {
				log.Printf("Mock server %s failed: %v", s.Name, err)
			}
		}(server)
	}
}

// StopAll stops all mock servers in the pool
func (pool *MockServerPool) StopAll() {
	for _, server := range pool.servers {
		if err := server.Stop(); err != nil {
			log.Printf("Error stopping server %s: %v", server.Name, err)
		}
	}
}

// GetServers returns all servers in the pool
func (pool *MockServerPool) GetServers() []*MockServer {
	return pool.servers
}

// Addresses returns the listening addresses of all servers
func (pool *MockServerPool) Addresses() []string {
	addrs := make([]string, len(pool.servers))
	for i, server := range pool.servers {
		addrs[i] = server.Addr()
	}
	return addrs
}

// GetTotalRequests returns the total request count across all servers
func (pool *MockServerPool) GetTotalRequests() int64 {
	var total int64
	for _, server := range pool.servers {
		total += server.GetRequestCount()
	}
	return total
}

// GetRequestDistribution returns a map of server names to request counts
func (pool *MockServerPool) GetRequestDistribution() map[string]int64 {
	distribution := make(map[string]int64)
	for _, server := range pool.servers {
		distribution[server.Name] = server.GetRequestCount()
	}
	return distribution
}

func selfSigned(domains []string) (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: domains[0]},
		DNSNames:     domains,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}
