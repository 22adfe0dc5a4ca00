// Package async delivers readiness notifications for file descriptors and
// provides the mutual exclusion that event handlers and user calls share.
package async

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Mode selects how readiness is delivered.
type Mode int

const (
	// ModeThread runs a background goroutine that waits on the descriptors.
	ModeThread Mode = iota
	// ModePoll delivers readiness only from Progress.
	ModePoll
)

func (m Mode) String() string {
	switch m {
	case ModeThread:
		return "thread"
	case ModePoll:
		return "poll"
	default:
		return "unknown"
	}
}

// EventMask selects the readiness conditions of interest.
type EventMask uint32

const (
	Readable EventMask = 1 << iota
	Writable
	Failed
)

// Handler is called when fd reports one of the requested conditions.
type Handler func(fd int, events EventMask)

var (
	// ErrClosed indicates that the context was already closed.
	ErrClosed = errors.New("async: closed")
	// ErrExists indicates that fd already has a handler.
	ErrExists = errors.New("async: handler already registered")
	// ErrNotFound indicates that fd has no handler.
	ErrNotFound = errors.New("async: handler not registered")
)

// Logger receives handler failures.
type Logger interface {
	Warnf(format string, args ...any)
}

// Options configures New.
type Options struct {
	// PollInterval bounds how long the background goroutine waits before it
	// rechecks for shutdown.
	PollInterval time.Duration
	Logger       Logger
}

// Context owns a set of descriptor handlers and the lock that serializes
// them against user calls. Handlers are invoked without the lock held; a
// handler that mutates shared state takes it with Block.
type Context struct {
	mode   Mode
	logger Logger

	mu sync.Mutex

	handlersMu sync.RWMutex
	handlers   map[int]*registration
	poller     poller

	closed   atomic.Bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
	interval time.Duration
}

type registration struct {
	fd      int
	events  EventMask
	handler Handler
}

// New creates a context. In ModeThread a background goroutine starts
// immediately and runs until Close.
func New(mode Mode, opts Options) (*Context, error) {
	if mode != ModeThread && mode != ModePoll {
		return nil, fmt.Errorf("async: invalid mode %d", int(mode))
	}
	p, err := newPoller()
	if err != nil {
		return nil, fmt.Errorf("async: create poller: %w", err)
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	c := &Context{
		mode:     mode,
		logger:   opts.Logger,
		handlers: make(map[int]*registration),
		poller:   p,
		stopCh:   make(chan struct{}),
		interval: interval,
	}
	if mode == ModeThread {
		c.wg.Add(1)
		go c.run()
	}
	return c, nil
}

// Mode returns the delivery mode.
func (c *Context) Mode() Mode { return c.mode }

// Block acquires the context lock.
func (c *Context) Block() { c.mu.Lock() }

// Unblock releases the context lock.
func (c *Context) Unblock() { c.mu.Unlock() }

// SetEventHandler registers handler for fd.
func (c *Context) SetEventHandler(fd int, events EventMask, handler Handler) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if handler == nil {
		return errors.New("async: nil handler")
	}
	if fd < 0 {
		return fmt.Errorf("async: invalid descriptor %d", fd)
	}
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	if _, ok := c.handlers[fd]; ok {
		return fmt.Errorf("fd %d: %w", fd, ErrExists)
	}
	if err := c.poller.add(fd, events); err != nil {
		return fmt.Errorf("async: watch fd %d: %w", fd, err)
	}
	c.handlers[fd] = &registration{fd: fd, events: events, handler: handler}
	return nil
}

// RemoveHandler unregisters the handler of fd. A handler already running is
// allowed to finish.
func (c *Context) RemoveHandler(fd int) error {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	if _, ok := c.handlers[fd]; !ok {
		return fmt.Errorf("fd %d: %w", fd, ErrNotFound)
	}
	delete(c.handlers, fd)
	if err := c.poller.remove(fd); err != nil {
		return fmt.Errorf("async: unwatch fd %d: %w", fd, err)
	}
	return nil
}

// Progress dispatches the handlers of every ready descriptor once without
// waiting and returns how many handlers ran. It is the delivery path of
// ModePoll and may also be called in ModeThread.
func (c *Context) Progress() int {
	if c.closed.Load() {
		return 0
	}
	return c.dispatch(0)
}

// Close stops the background goroutine and releases the poller.
func (c *Context) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	close(c.stopCh)
	c.wg.Wait()
	c.handlersMu.Lock()
	c.handlers = make(map[int]*registration)
	c.handlersMu.Unlock()
	return c.poller.close()
}

func (c *Context) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}
		c.dispatch(c.interval)
	}
}

func (c *Context) dispatch(timeout time.Duration) int {
	c.handlersMu.RLock()
	fds := make([]int, 0, len(c.handlers))
	for fd := range c.handlers {
		fds = append(fds, fd)
	}
	c.handlersMu.RUnlock()

	ready, err := c.poller.wait(fds, timeout)
	if err != nil {
		c.warnf("async: wait failed: %v", err)
		return 0
	}

	ran := 0
	for _, r := range ready {
		c.handlersMu.RLock()
		reg, ok := c.handlers[r.fd]
		c.handlersMu.RUnlock()
		if !ok || (reg.events&r.events == 0 && r.events&Failed == 0) {
			continue
		}
		c.invoke(reg, r.events)
		ran++
	}
	return ran
}

func (c *Context) invoke(reg *registration, events EventMask) {
	defer func() {
		if r := recover(); r != nil {
			c.warnf("async: handler for fd %d panicked: %v", reg.fd, r)
		}
	}()
	reg.handler(reg.fd, events)
}

func (c *Context) warnf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Warnf(format, args...)
}

type readiness struct {
	fd     int
	events EventMask
}

// poller waits for readiness on a set of descriptors.
type poller interface {
	add(fd int, events EventMask) error
	remove(fd int) error
	// wait returns the ready descriptors among fds, waiting at most timeout.
	wait(fds []int, timeout time.Duration) ([]readiness, error)
	close() error
}
