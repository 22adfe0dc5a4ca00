package rdma

import (
	"errors"
	"fmt"
)

var (
	// ErrAgain indicates that no event is pending on a non-blocking channel.
	ErrAgain = errors.New("rdma: no event available")
	// ErrClosed indicates that the channel or identifier was already released.
	ErrClosed = errors.New("rdma: closed")
	// ErrNotSupported indicates that the device or provider lacks a capability.
	ErrNotSupported = errors.New("rdma: operation not supported")
	// ErrNoDevice indicates that no RDMA device serves the requested address.
	ErrNoDevice = errors.New("rdma: no such device")
	// ErrNotConnected indicates a connection operation on an unconnected identifier.
	ErrNotConnected = errors.New("rdma: identifier not connected")
)

// ErrInvalidHandle is returned when an operation references a resource that
// does not belong to the receiver or was already released.
type ErrInvalidHandle struct {
	Resource string
}

func (e ErrInvalidHandle) Error() string {
	return fmt.Sprintf("rdma: invalid %s handle", e.Resource)
}
