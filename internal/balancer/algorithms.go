package balancer

import (
	"fmt"
	"sync/atomic"

	"tlslb/internal/backend"
)

// Algorithm names accepted in configuration.
const (
	LeastConnections = "least_connections"
	RoundRobin       = "round_robin"
)

// Algorithm picks the backend for the next outbound connection
type Algorithm interface {
	SelectBackend(backends []*backend.State) *backend.State
}

// NewAlgorithm returns the algorithm registered under name. An empty name
// selects least connections.
func NewAlgorithm(name string) (Algorithm, error) {
	switch name {
	case "", LeastConnections:
		return NewLeastConnectionsAlgorithm(), nil
	case RoundRobin:
		return NewRoundRobinAlgorithm(), nil
	default:
		return nil, fmt.Errorf("unknown balancing algorithm %q", name)
	}
}

// RoundRobinAlgorithm implements round-robin load balancing
type RoundRobinAlgorithm struct {
	counter atomic.Uint64
}

// NewRoundRobinAlgorithm creates a new round-robin algorithm
func NewRoundRobinAlgorithm() *RoundRobinAlgorithm {
	return &RoundRobinAlgorithm{}
}

// SelectBackend selects the next backend using round-robin
func (rr *RoundRobinAlgorithm) SelectBackend(backends []*backend.State) *backend.State {
	if len(backends) == 0 {
		return nil
	}
	index := rr.counter.Add(1) % uint64(len(backends))
	return backends[index]
}

// LeastConnectionsAlgorithm implements least connections load balancing
type LeastConnectionsAlgorithm struct{}

// NewLeastConnectionsAlgorithm creates a new least connections algorithm
func NewLeastConnectionsAlgorithm() *LeastConnectionsAlgorithm {
	return &LeastConnectionsAlgorithm{}
}

// SelectBackend selects the backend with the fewest open connections.
// Ties go to the earliest backend in the slice.
func (lc *LeastConnectionsAlgorithm) SelectBackend(backends []*backend.State) *backend.State {
	var best *backend.State
	var bestCount int64
	for _, b := range backends {
		count := b.OpenConnections()
		if best == nil || count < bestCount {
			best, bestCount = b, count
		}
	}
	return best
}
