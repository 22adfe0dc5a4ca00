//go:build linux

package sim

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// notifier is an eventfd that stays readable while events are queued.
type notifier struct {
	fd int
}

func newNotifier() (*notifier, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	return &notifier{fd: fd}, nil
}

func (n *notifier) FD() int { return n.fd }

func (n *notifier) signal() {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, _ = unix.Write(n.fd, buf[:])
}

func (n *notifier) drain() {
	var buf [8]byte
	_, _ = unix.Read(n.fd, buf[:])
}

func (n *notifier) close() error {
	return unix.Close(n.fd)
}
