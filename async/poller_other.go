//go:build unix && !linux

package async

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// pollPoller rebuilds a poll(2) set from the registered descriptors on every
// wait.
type pollPoller struct {
	mu     sync.Mutex
	events map[int]int16
}

func newPoller() (poller, error) {
	return &pollPoller{events: make(map[int]int16)}, nil
}

func (p *pollPoller) add(fd int, events EventMask) error {
	var mask int16
	if events&Readable != 0 {
		mask |= unix.POLLIN
	}
	if events&Writable != 0 {
		mask |= unix.POLLOUT
	}
	p.mu.Lock()
	p.events[fd] = mask
	p.mu.Unlock()
	return nil
}

func (p *pollPoller) remove(fd int) error {
	p.mu.Lock()
	delete(p.events, fd)
	p.mu.Unlock()
	return nil
}

func (p *pollPoller) wait(fds []int, timeout time.Duration) ([]readiness, error) {
	if len(fds) == 0 {
		time.Sleep(timeout)
		return nil, nil
	}
	p.mu.Lock()
	set := make([]unix.PollFd, 0, len(fds))
	for _, fd := range fds {
		if mask, ok := p.events[fd]; ok {
			set = append(set, unix.PollFd{Fd: int32(fd), Events: mask})
		}
	}
	p.mu.Unlock()

	n, err := unix.Poll(set, int(timeout/time.Millisecond))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, fmt.Errorf("poll: %w", err)
	}
	ready := make([]readiness, 0, n)
	for _, pfd := range set {
		if pfd.Revents == 0 {
			continue
		}
		var mask EventMask
		if pfd.Revents&unix.POLLIN != 0 {
			mask |= Readable
		}
		if pfd.Revents&unix.POLLOUT != 0 {
			mask |= Writable
		}
		if pfd.Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			mask |= Failed
		}
		ready = append(ready, readiness{fd: int(pfd.Fd), events: mask})
	}
	return ready, nil
}

func (p *pollPoller) close() error { return nil }
