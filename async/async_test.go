package async

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) Warnf(format string, args ...any) {
	l.mu.Lock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
	l.mu.Unlock()
}

func (l *recordingLogger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lines)
}

func newPipe(t *testing.T) (int, int) {
	t.Helper()
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		t.Fatalf("set nonblock: %v", err)
	}
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func drainPipe(fd int) {
	var buf [64]byte
	for {
		if n, err := unix.Read(fd, buf[:]); n <= 0 || err != nil {
			return
		}
	}
}

func TestProgressDispatchesReadableDescriptor(t *testing.T) {
	ctx, err := New(ModePoll, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer ctx.Close()

	r, w := newPipe(t)
	var calls int
	if err := ctx.SetEventHandler(r, Readable, func(fd int, events EventMask) {
		if fd != r {
			t.Errorf("handler got fd %d, want %d", fd, r)
		}
		if events&Readable == 0 {
			t.Errorf("handler got events %b without Readable", events)
		}
		calls++
		drainPipe(fd)
	}); err != nil {
		t.Fatalf("SetEventHandler: %v", err)
	}

	if ran := ctx.Progress(); ran != 0 {
		t.Fatalf("Progress on idle pipe ran %d handlers", ran)
	}
	if _, err := unix.Write(w, []byte{1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if ran := ctx.Progress(); ran != 1 {
		t.Fatalf("Progress ran %d handlers, want 1", ran)
	}
	if calls != 1 {
		t.Fatalf("handler called %d times, want 1", calls)
	}
	if ran := ctx.Progress(); ran != 0 {
		t.Fatalf("Progress after drain ran %d handlers", ran)
	}
}

func TestThreadModeDeliversInBackground(t *testing.T) {
	ctx, err := New(ModeThread, Options{PollInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer ctx.Close()

	r, w := newPipe(t)
	fired := make(chan struct{}, 1)
	if err := ctx.SetEventHandler(r, Readable, func(fd int, _ EventMask) {
		drainPipe(fd)
		select {
		case fired <- struct{}{}:
		default:
		}
	}); err != nil {
		t.Fatalf("SetEventHandler: %v", err)
	}
	if _, err := unix.Write(w, []byte{1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not run")
	}
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	logger := &recordingLogger{}
	ctx, err := New(ModePoll, Options{Logger: logger})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer ctx.Close()

	r, w := newPipe(t)
	if err := ctx.SetEventHandler(r, Readable, func(fd int, _ EventMask) {
		drainPipe(fd)
		panic("boom")
	}); err != nil {
		t.Fatalf("SetEventHandler: %v", err)
	}
	if _, err := unix.Write(w, []byte{1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	ctx.Progress()
	if logger.count() != 1 {
		t.Fatalf("expected one warning, got %d", logger.count())
	}
}

func TestRegistrationErrors(t *testing.T) {
	ctx, err := New(ModePoll, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r, _ := newPipe(t)
	noop := func(int, EventMask) {}

	if err := ctx.SetEventHandler(r, Readable, noop); err != nil {
		t.Fatalf("SetEventHandler: %v", err)
	}
	if err := ctx.SetEventHandler(r, Readable, noop); !errors.Is(err, ErrExists) {
		t.Fatalf("duplicate registration error = %v, want ErrExists", err)
	}
	if err := ctx.SetEventHandler(r, Readable, nil); err == nil {
		t.Fatal("nil handler accepted")
	}
	if err := ctx.RemoveHandler(r); err != nil {
		t.Fatalf("RemoveHandler: %v", err)
	}
	if err := ctx.RemoveHandler(r); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second RemoveHandler error = %v, want ErrNotFound", err)
	}

	if err := ctx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := ctx.Close(); !errors.Is(err, ErrClosed) {
		t.Fatalf("second Close error = %v, want ErrClosed", err)
	}
	if err := ctx.SetEventHandler(r, Readable, noop); !errors.Is(err, ErrClosed) {
		t.Fatalf("SetEventHandler after Close = %v, want ErrClosed", err)
	}
	if ran := ctx.Progress(); ran != 0 {
		t.Fatalf("Progress after Close ran %d handlers", ran)
	}
}

func TestBlockSerializesWithHandler(t *testing.T) {
	ctx, err := New(ModeThread, Options{PollInterval: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer ctx.Close()

	r, w := newPipe(t)
	var inside atomic.Int32
	var overlap atomic.Bool
	done := make(chan struct{}, 16)
	if err := ctx.SetEventHandler(r, Readable, func(fd int, _ EventMask) {
		drainPipe(fd)
		ctx.Block()
		if inside.Add(1) != 1 {
			overlap.Store(true)
		}
		inside.Add(-1)
		ctx.Unblock()
		done <- struct{}{}
	}); err != nil {
		t.Fatalf("SetEventHandler: %v", err)
	}

	ctx.Block()
	inside.Add(1)
	if _, err := unix.Write(w, []byte{1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	inside.Add(-1)
	ctx.Unblock()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not run")
	}
	if overlap.Load() {
		t.Fatal("handler ran while the context was blocked")
	}
}
