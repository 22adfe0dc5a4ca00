//go:build linux

package async

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

const maxEvents = 128

// epollPoller is a level-triggered epoll set.
type epollPoller struct {
	epfd int
}

func newPoller() (poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	return &epollPoller{epfd: epfd}, nil
}

func (p *epollPoller) add(fd int, events EventMask) error {
	ev := unix.EpollEvent{Fd: int32(fd)}
	if events&Readable != 0 {
		ev.Events |= unix.EPOLLIN
	}
	if events&Writable != 0 {
		ev.Events |= unix.EPOLLOUT
	}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl add: %w", err)
	}
	return nil
}

func (p *epollPoller) remove(fd int) error {
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil && !errors.Is(err, unix.ENOENT) && !errors.Is(err, unix.EBADF) {
		return fmt.Errorf("epoll ctl del: %w", err)
	}
	return nil
}

func (p *epollPoller) wait(_ []int, timeout time.Duration) ([]readiness, error) {
	var events [maxEvents]unix.EpollEvent
	n, err := unix.EpollWait(p.epfd, events[:], int(timeout/time.Millisecond))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, fmt.Errorf("epoll wait: %w", err)
	}
	ready := make([]readiness, 0, n)
	for i := 0; i < n; i++ {
		var mask EventMask
		if events[i].Events&unix.EPOLLIN != 0 {
			mask |= Readable
		}
		if events[i].Events&unix.EPOLLOUT != 0 {
			mask |= Writable
		}
		if events[i].Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			mask |= Failed
		}
		ready = append(ready, readiness{fd: int(events[i].Fd), events: mask})
	}
	return ready, nil
}

func (p *epollPoller) close() error {
	return unix.Close(p.epfd)
}
