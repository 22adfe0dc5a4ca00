package cm

import (
	"errors"
	"fmt"
)

// Status is the outcome kind reported by connection management. Its value is
// also the signed byte carried in the private data header.
type Status int8

const (
	StatusOK              Status = 0
	StatusInProgress      Status = 1
	StatusIOError         Status = -3
	StatusNoMemory        Status = -4
	StatusInvalidParam    Status = -5
	StatusUnreachable     Status = -6
	StatusUnsupported     Status = -22
	StatusRejected        Status = -23
	StatusNotConnected    Status = -24
	StatusConnectionReset Status = -25
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusInProgress:
		return "in progress"
	case StatusIOError:
		return "input/output error"
	case StatusNoMemory:
		return "out of memory"
	case StatusInvalidParam:
		return "invalid parameter"
	case StatusUnreachable:
		return "destination is unreachable"
	case StatusUnsupported:
		return "unsupported operation"
	case StatusRejected:
		return "operation rejected by remote peer"
	case StatusNotConnected:
		return "endpoint is not connected"
	case StatusConnectionReset:
		return "connection reset by remote peer"
	default:
		return fmt.Sprintf("status(%d)", int8(s))
	}
}

func (s Status) Error() string {
	return "rdmacm: " + s.String()
}

// WithOp attaches the failing operation to s.
func (s Status) WithOp(op string) error {
	return &Error{Op: op, Status: s}
}

// Error is a Status annotated with the operation that produced it and, when
// available, the underlying provider error.
type Error struct {
	Op     string
	Status Status
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rdmacm %s: %s: %v", e.Op, e.Status.String(), e.Err)
	}
	return fmt.Sprintf("rdmacm %s: %s", e.Op, e.Status.String())
}

// Unwrap exposes both the status and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Status}
	}
	return []error{e.Status, e.Err}
}

func newError(op string, status Status, cause error) error {
	return &Error{Op: op, Status: status, Err: cause}
}

// StatusOf returns the most specific Status carried by err. Errors without a
// Status are reported as StatusIOError.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	var s Status
	if errors.As(err, &s) {
		return s
	}
	return StatusIOError
}
