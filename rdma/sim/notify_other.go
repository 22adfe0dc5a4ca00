//go:build unix && !linux

package sim

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// notifier is a non-blocking pipe whose read end stays readable while events
// are queued.
type notifier struct {
	r, w int
}

func newNotifier() (*notifier, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, fmt.Errorf("pipe: %w", err)
	}
	for _, fd := range fds {
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(fds[0])
			_ = unix.Close(fds[1])
			return nil, fmt.Errorf("pipe nonblock: %w", err)
		}
	}
	return &notifier{r: fds[0], w: fds[1]}, nil
}

func (n *notifier) FD() int { return n.r }

func (n *notifier) signal() {
	_, _ = unix.Write(n.w, []byte{1})
}

func (n *notifier) drain() {
	var buf [64]byte
	for {
		if k, err := unix.Read(n.r, buf[:]); err != nil || k < len(buf) {
			return
		}
	}
}

func (n *notifier) close() error {
	_ = unix.Close(n.w)
	return unix.Close(n.r)
}
