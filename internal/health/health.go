// Package health checks whether an idle backend connection is still usable
// right before it is handed out.
package health

import (
	"errors"
	"syscall"
)

// Status is the outcome of a liveness probe.
type Status int

const (
	// StatusAlive means the socket is open; it may or may not have unread data.
	StatusAlive Status = iota
	// StatusClosed means the peer already sent FIN.
	StatusClosed
	// StatusBroken means the socket reported an error (reset, closed locally).
	StatusBroken
)

func (s Status) String() string {
	switch s {
	case StatusAlive:
		return "alive"
	case StatusClosed:
		return "closed"
	case StatusBroken:
		return "broken"
	default:
		return "unknown"
	}
}

var errNotSyscallConn = errors.New("connection does not expose a raw socket")

// Probe peeks at conn without blocking and without consuming data.
func Probe(conn syscall.Conn) (Status, error) {
	if conn == nil {
		return StatusBroken, errNotSyscallConn
	}
	raw, err := conn.SyscallConn()
	if err != nil {
		return StatusBroken, err
	}
	return peek(raw)
}
