//go:build linux || darwin || freebsd || netbsd || openbsd

package health

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

func peek(raw syscall.RawConn) (Status, error) {
	var (
		n       int
		peekErr error
		buf     [1]byte
	)
	err := raw.Read(func(fd uintptr) bool {
		n, _, peekErr = unix.Recvfrom(int(fd), buf[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)
		// true: do not wait for readiness.
		return true
	})
	if err != nil {
		return StatusBroken, err
	}

	switch {
	case errors.Is(peekErr, unix.EAGAIN), errors.Is(peekErr, unix.EWOULDBLOCK), errors.Is(peekErr, unix.EINTR):
		return StatusAlive, nil
	case peekErr != nil:
		return StatusBroken, peekErr
	case n == 0:
		return StatusClosed, nil
	default:
		return StatusAlive, nil
	}
}
