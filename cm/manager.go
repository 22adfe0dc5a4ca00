// Package cm drives RDMA connection-manager events to completion for client
// and server endpoints.
//
// A Manager owns one event channel registered on an async.Context. The
// dispatcher drains the channel under the context lock, runs the endpoint
// state machine and queues the user callbacks, which then run on the
// dispatching goroutine after the lock is released. Every exported entry
// point takes the same lock, so user calls never interleave with a drain.
//
// Address resolution needs a QP number before any real queue pair exists.
// Each device gets a DeviceContext that hands out either firmware reserved QP
// numbers or dummy queue pairs created on a one-entry completion queue.
package cm

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/rocketbitz/rdmacm-go/async"
	"github.com/rocketbitz/rdmacm-go/internal/netlink"
	"github.com/rocketbitz/rdmacm-go/rdma"
)

var errManagerClosed = errors.New("connection manager closed")

// Attr reports the limits of a Manager.
type Attr struct {
	// MaxConnPriv is the largest private payload of a connect or accept.
	MaxConnPriv int
}

// Manager is the connection manager of one worker.
type Manager struct {
	cfg       Config
	provider  rdma.Provider
	worker    *async.Context
	ch        rdma.EventChannel
	fd        int
	src       netip.Addr
	allocator QPNAllocator
	log       logSink
	tracer    Tracer
	metrics   MetricHook
	routes    func(iface string, dst net.IP) (bool, error)

	// guarded by the worker lock
	devices   map[uint64]*DeviceContext
	endpoints map[uintptr]*Endpoint
	listeners map[uintptr]*Listener
	queued    []func()
	closed    bool
}

// New opens an event channel on provider and registers its descriptor on
// worker.
func New(provider rdma.Provider, worker *async.Context, cfg Config) (*Manager, error) {
	if provider == nil || worker == nil {
		return nil, newError("new", StatusInvalidParam, errors.New("provider and worker are required"))
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, newError("new", StatusInvalidParam, err)
	}

	m := &Manager{
		cfg:       cfg,
		provider:  provider,
		worker:    worker,
		allocator: cfg.Allocator,
		log:       newLogSink(cfg),
		tracer:    cfg.Tracer,
		metrics:   cfg.Metrics,
		routes:    netlink.RouteExists,
		devices:   make(map[uint64]*DeviceContext),
		endpoints: make(map[uintptr]*Endpoint),
		listeners: make(map[uintptr]*Listener),
	}
	if m.allocator == nil {
		m.allocator = DefaultAllocator()
	}
	if cfg.SourceAddress != "" {
		src, err := netip.ParseAddr(cfg.SourceAddress)
		if err != nil {
			return nil, newError("new", StatusInvalidParam, err)
		}
		m.src = src
	}

	ch, err := provider.OpenEventChannel()
	if err != nil {
		level := LogLevelError
		if errors.Is(err, unix.ENODEV) || errors.Is(err, unix.ENOENT) || errors.Is(err, rdma.ErrNoDevice) {
			level = LogLevelDiag
		}
		m.log.log(level, "event_channel_open_failed", logKV("error", err))
		return nil, newError("open event channel", StatusIOError, err)
	}
	m.ch = ch
	m.fd = ch.FD()

	if err := unix.SetNonblock(m.fd, true); err != nil {
		_ = ch.Close()
		m.log.log(LogLevelError, "event_channel_nonblock_failed", logKV("fd", m.fd), logKV("error", err))
		return nil, newError("set nonblocking", StatusIOError, err)
	}
	if err := worker.SetEventHandler(m.fd, async.Readable, m.handleEvents); err != nil {
		_ = ch.Close()
		m.log.log(LogLevelError, "event_handler_register_failed", logKV("fd", m.fd), logKV("error", err))
		return nil, newError("register event handler", StatusIOError, err)
	}

	m.log.log(LogLevelDebug, "manager_created",
		logKV("fd", m.fd),
		logKV("source_address", cfg.SourceAddress),
		logKV("reserved_qpn", cfg.ReservedQPN),
		logKV("mode", worker.Mode()))
	return m, nil
}

// Query returns the limits of the manager.
func (m *Manager) Query() Attr {
	return Attr{MaxConnPriv: MaxConnPriv}
}

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

// Close unregisters the event channel and releases every device context.
// Endpoints still alive are released with it and no longer receive
// callbacks.
func (m *Manager) Close() error {
	m.worker.Block()
	defer m.worker.Unblock()
	if m.closed {
		return newError("close", StatusInvalidParam, errManagerClosed)
	}
	m.closed = true

	if n := len(m.endpoints); n > 0 {
		m.log.log(LogLevelWarn, "endpoints_alive_on_close", logKV("count", n))
	}
	for _, l := range m.listeners {
		_ = l.close()
	}
	for handle, ep := range m.endpoints {
		ep.set(flagDestroyed)
		m.destroyID(ep.id)
		// Dummy QPs must go before their CQ. Reserved blocks are force
		// released with the device context below.
		if ep.lease != nil && ep.lease.qp != nil {
			ep.lease.ctx.releaseQPN(ep.lease)
		}
		ep.lease = nil
		delete(m.endpoints, handle)
	}
	m.queued = nil

	if err := m.worker.RemoveHandler(m.fd); err != nil {
		m.log.log(LogLevelWarn, "event_handler_remove_failed", logKV("fd", m.fd), logKV("error", err))
	}
	var closeErr error
	if err := m.ch.Close(); err != nil {
		closeErr = newError("close event channel", StatusIOError, err)
	}
	for guid, ctx := range m.devices {
		ctx.cleanup()
		delete(m.devices, guid)
	}
	m.log.log(LogLevelDebug, "manager_closed", logKV("fd", m.fd))
	return closeErr
}

// Connect starts a client connection to addr. Progress is reported through
// the params callbacks.
func (m *Manager) Connect(addr netip.AddrPort, params ClientParams) (*Endpoint, error) {
	if !addr.IsValid() {
		return nil, newError("connect", StatusInvalidParam, fmt.Errorf("invalid address %s", addr))
	}
	m.worker.Block()
	defer m.worker.Unblock()
	if m.closed {
		return nil, newError("connect", StatusInvalidParam, errManagerClosed)
	}
	if err := m.checkRoute(addr); err != nil {
		return nil, err
	}

	id, err := m.ch.CreateID()
	if err != nil {
		m.log.log(LogLevelError, "create_id_failed", logKV("error", err))
		return nil, newError("create id", StatusIOError, err)
	}
	ep := newEndpoint(m, id, RoleClient)
	ep.client = params
	m.endpoints[id.Handle()] = ep

	if err := id.ResolveAddr(m.src, addr, m.cfg.Timeout); err != nil {
		m.log.log(m.cfg.FailureLevel, "resolve_addr_failed",
			logKV("addr", addr),
			logKV("error", err))
		m.destroyEndpoint(ep)
		return nil, newError(fmt.Sprintf("resolve addr %s", addr), StatusIOError, err)
	}
	ep.state = StateAddrResolving
	m.log.log(LogLevelDebug, "connect_started",
		logKV("ep", fmt.Sprintf("%#x", id.Handle())),
		logKV("addr", addr))
	return ep, nil
}

func (m *Manager) checkRoute(addr netip.AddrPort) error {
	if m.cfg.Interface == "" {
		return nil
	}
	dst := net.IP(addr.Addr().Unmap().AsSlice())
	ok, err := m.routes(m.cfg.Interface, dst)
	if err != nil {
		m.log.log(LogLevelWarn, "route_lookup_failed",
			logKV("iface", m.cfg.Interface),
			logKV("addr", addr),
			logKV("error", err))
		return newError("route lookup", StatusIOError, err)
	}
	if !ok {
		m.log.log(m.cfg.FailureLevel, "no_route",
			logKV("iface", m.cfg.Interface),
			logKV("addr", addr))
		return newError(fmt.Sprintf("connect %s", addr), StatusUnreachable,
			fmt.Errorf("no route via %s", m.cfg.Interface))
	}
	return nil
}

// enqueue defers fn until the current drain releases the worker lock. fn is
// dropped if ep is destroyed first. The caller holds the worker lock.
func (m *Manager) enqueue(ep *Endpoint, fn func()) {
	m.queued = append(m.queued, func() {
		if ep != nil {
			m.worker.Block()
			dead := ep.has(flagDestroyed)
			m.worker.Unblock()
			if dead {
				return
			}
		}
		fn()
	})
}

func (m *Manager) destroyID(id rdma.ID) {
	if err := id.Destroy(); err != nil {
		m.log.log(LogLevelWarn, "destroy_id_failed",
			logKV("ep", fmt.Sprintf("%#x", id.Handle())),
			logKV("error", err))
	}
}

func (m *Manager) rejectID(id rdma.ID) error {
	if err := id.Reject(rejectPrivateData()); err != nil {
		m.log.log(LogLevelError, "reject_failed",
			logKV("ep", fmt.Sprintf("%#x", id.Handle())),
			logKV("error", err))
		return err
	}
	m.log.log(LogLevelDebug, "rejected",
		logKV("ep", fmt.Sprintf("%#x", id.Handle())),
		logKV("peer", id.PeerAddr()))
	return nil
}

func (m *Manager) ackEvent(ev *rdma.Event) {
	if err := m.ch.AckEvent(ev); err != nil {
		m.log.log(LogLevelWarn, "ack_event_failed",
			logKV(labelEvent, ev.Type.String()),
			logKV("error", err))
	}
}
