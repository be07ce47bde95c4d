package pool

import "fmt"

// Error definitions
var (
	ErrNoBackends = &PoolError{message: "pool has no backends"}
	ErrPoolClosed = &PoolError{message: "connection pool closed"}
)

// PoolError represents a pool-related error
type PoolError struct {
	message string
	// Backend is the address involved, if any.
	Backend string
	Err     error
}

func (e *PoolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.message, e.Backend, e.Err)
	}
	return e.message
}

func (e *PoolError) Unwrap() error {
	return e.Err
}
