//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package health

import "syscall"

// Without MSG_PEEK|MSG_DONTWAIT the socket is assumed open; a dead
// connection then surfaces as a write or read error in the caller.
func peek(raw syscall.RawConn) (Status, error) {
	return StatusAlive, nil
}
