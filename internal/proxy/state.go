package proxy

import "errors"

var (
	// ErrNoSNI is returned for a ClientHello without a usable server name.
	ErrNoSNI = errors.New("client hello carries no server name")
	// ErrClientClosed is returned when the client sent nothing after the header.
	ErrClientClosed = errors.New("client closed before sending additional data")
	// ErrServerClosed is returned when the backend never replied.
	ErrServerClosed = errors.New("server closed before replying")
)

// State is the progress of one client connection.
type State int

const (
	StateAccepted State = iota
	StateHeaderRead
	StateParsed
	StateRouted
	StateBackendAcquired
	StateSplicing
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateHeaderRead:
		return "header_read"
	case StateParsed:
		return "parsed"
	case StateRouted:
		return "routed"
	case StateBackendAcquired:
		return "backend_acquired"
	case StateSplicing:
		return "splicing"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
