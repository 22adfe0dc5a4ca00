//go:build linux && cgo && rdma_hw

package capi

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Errno is an errno value reported by librdmacm or libibverbs.
type Errno = unix.Errno

// Error codes the bindings surface to callers.
const (
	Success        Errno = 0
	ErrAgain       Errno = unix.EAGAIN
	ErrNoMemory    Errno = unix.ENOMEM
	ErrNoDevice    Errno = unix.ENODEV
	ErrNoEntry     Errno = unix.ENOENT
	ErrInvalid     Errno = unix.EINVAL
	ErrNotSupp     Errno = unix.EOPNOTSUPP
	ErrTimedOut    Errno = unix.ETIMEDOUT
	ErrConnRefused Errno = unix.ECONNREFUSED
	ErrUnreachable Errno = unix.EHOSTUNREACH
)

// WithOp adds operation context to e.
func WithOp(e Errno, op string) error {
	if op == "" {
		return e
	}
	return fmt.Errorf("%s: %w", op, e)
}

// ErrorFromStatus converts a verbs status into a Go error. libibverbs
// returns the errno directly, positive or negative depending on the call.
func ErrorFromStatus(status int, op string) error {
	if status == 0 {
		return nil
	}
	if status < 0 {
		status = -status
	}
	return WithOp(Errno(status), op)
}

// ErrorFromCall converts the result of a librdmacm call, which returns -1
// and sets errno, into a Go error. cause is the errno reported by cgo.
func ErrorFromCall(ret int, cause error, op string) error {
	if ret == 0 {
		return nil
	}
	var errno Errno
	if errors.As(cause, &errno) && errno != Success {
		return WithOp(errno, op)
	}
	return ErrorFromStatus(ret, op)
}
