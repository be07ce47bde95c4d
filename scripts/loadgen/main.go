// Command loadgen opens TLS connections through the balancer with browser
// ClientHellos and reports handshake latency.
package main

import (
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	utls "github.com/refraction-networking/utls"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	targetAddr     string
	serverName     string
	helloName      string
	numWorkers     int
	connsPerWorker int
	duration       time.Duration
	timeout        time.Duration
)

var hellos = map[string]utls.ClientHelloID{
	"chrome":  utls.HelloChrome_Auto,
	"firefox": utls.HelloFirefox_Auto,
	"ios":     utls.HelloIOS_Auto,
	"golang":  utls.HelloGolang,
}

var rootCmd = &cobra.Command{
	Use:   "loadgen",
	Short: "TLS handshake load generator",
	Args:  cobra.NoArgs,
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVar(&targetAddr, "addr", "127.0.0.1:443", "Balancer address")
	rootCmd.Flags().StringVar(&serverName, "sni", "example.com", "Server name to send")
	rootCmd.Flags().StringVar(&helloName, "hello", "chrome", "ClientHello to mimic (chrome, firefox, ios, golang, mixed)")
	rootCmd.Flags().IntVar(&numWorkers, "workers", 10, "Number of concurrent workers")
	rootCmd.Flags().IntVar(&connsPerWorker, "connections", 100, "Connections per worker")
	rootCmd.Flags().DurationVar(&duration, "duration", 0, "Test duration (0 means use connection count)")
	rootCmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Per-connection dial and handshake timeout")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type LoadTestResults struct {
	TotalConnections   int64
	SuccessConnections int64
	FailedConnections  int64
	TotalDuration      time.Duration
	ConnectionsPerSec  float64
	MinLatency         time.Duration
	MaxLatency         time.Duration
	AvgLatency         time.Duration
}

type LatencyTracker struct {
	mu        sync.Mutex
	latencies []time.Duration
}

func (lt *LatencyTracker) AddLatency(latency time.Duration) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	lt.latencies = append(lt.latencies, latency)
}

func (lt *LatencyTracker) GetStats() (min, max, avg time.Duration) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	if len(lt.latencies) == 0 {
		return 0, 0, 0
	}

	min = lt.latencies[0]
	max = lt.latencies[0]
	var total time.Duration
	for _, latency := range lt.latencies {
		if latency < min {
			min = latency
		}
		if latency > max {
			max = latency
		}
		total += latency
	}

	avg = total / time.Duration(len(lt.latencies))
	return min, max, avg
}

type worker struct {
	id      int
	ids     []utls.ClientHelloID
	results *LoadTestResults
	tracker *LatencyTracker
	logger  *zap.Logger
}

func (w *worker) run(wg *sync.WaitGroup) {
	defer wg.Done()

	var conns int
	if duration > 0 {
		deadline := time.Now().Add(duration)
		for time.Now().Before(deadline) {
			w.handshake(conns)
			conns++
		}
	} else {
		for i := 0; i < connsPerWorker; i++ {
			w.handshake(conns)
			conns++
		}
	}

	w.logger.Debug("worker completed", zap.Int("worker", w.id), zap.Int("connections", conns))
}

func (w *worker) handshake(n int) {
	id := w.ids[(w.id+n)%len(w.ids)]
	start := time.Now()
	err := handshake(id)
	latency := time.Since(start)

	atomic.AddInt64(&w.results.TotalConnections, 1)
	if err != nil {
		atomic.AddInt64(&w.results.FailedConnections, 1)
		w.logger.Warn("handshake failed", zap.String("hello", id.Str()), zap.Error(err))
		return
	}
	atomic.AddInt64(&w.results.SuccessConnections, 1)
	w.tracker.AddLatency(latency)
}

func handshake(id utls.ClientHelloID) error {
	conn, err := net.DialTimeout("tcp", targetAddr, timeout)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}

	uconn := utls.UClient(conn, &utls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: true,
	}, id)
	return uconn.Handshake()
}

func selectHellos(name string) ([]utls.ClientHelloID, error) {
	if name == "mixed" {
		return []utls.ClientHelloID{utls.HelloChrome_Auto, utls.HelloFirefox_Auto, utls.HelloIOS_Auto}, nil
	}
	id, ok := hellos[name]
	if !ok {
		return nil, fmt.Errorf("unknown hello %q", name)
	}
	return []utls.ClientHelloID{id}, nil
}

func run(cmd *cobra.Command, args []string) error {
	ids, err := selectHellos(helloName)
	if err != nil {
		return err
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("starting load test",
		zap.String("addr", targetAddr),
		zap.String("sni", serverName),
		zap.String("hello", helloName),
		zap.Int("workers", numWorkers),
	)

	results := &LoadTestResults{}
	tracker := &LatencyTracker{}

	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		w := &worker{id: i, ids: ids, results: results, tracker: tracker, logger: logger}
		go w.run(&wg)
	}
	wg.Wait()

	results.TotalDuration = time.Since(start)
	results.ConnectionsPerSec = float64(results.TotalConnections) / results.TotalDuration.Seconds()
	results.MinLatency, results.MaxLatency, results.AvgLatency = tracker.GetStats()

	fmt.Println("\n" + strings.Repeat("=", 50))
	fmt.Println("LOAD TEST RESULTS")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Printf("Total Connections: %d\n", results.TotalConnections)
	fmt.Printf("Successful:        %d\n", results.SuccessConnections)
	fmt.Printf("Failed:            %d\n", results.FailedConnections)
	if results.TotalConnections > 0 {
		fmt.Printf("Success Rate:      %.2f%%\n", float64(results.SuccessConnections)/float64(results.TotalConnections)*100)
	}
	fmt.Printf("Total Duration:    %v\n", results.TotalDuration)
	fmt.Printf("Connections/sec:   %.2f\n", results.ConnectionsPerSec)
	fmt.Println("\nHandshake Latency:")
	fmt.Printf("  Min:             %v\n", results.MinLatency)
	fmt.Printf("  Max:             %v\n", results.MaxLatency)
	fmt.Printf("  Average:         %v\n", results.AvgLatency)
	fmt.Println(strings.Repeat("=", 50))

	if results.FailedConnections > 0 {
		return fmt.Errorf("%d handshakes failed", results.FailedConnections)
	}
	return nil
}
