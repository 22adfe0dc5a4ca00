package cm

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/rocketbitz/rdmacm-go/rdma"
)

// DefaultBacklog is the listen backlog used when ListenerParams.Backlog is
// zero.
const DefaultBacklog = 1024

// ListenerParams configures Manager.Listen.
type ListenerParams struct {
	// OnConnRequest is called for every connect request whose peer address
	// could be resolved. The request must be answered with Listener.Accept
	// or Listener.Reject.
	OnConnRequest func(l *Listener, req *ConnRequest)
	Backlog       int
	UserData      any
}

// Listener accepts connect requests on one address.
type Listener struct {
	m      *Manager
	id     rdma.ID
	params ListenerParams

	// guarded by the worker lock
	pending map[*ConnRequest]struct{}
	closed  bool
}

// ConnRequest is a connect request waiting for Accept or Reject.
type ConnRequest struct {
	// DeviceName is the local "device:port" that received the request.
	DeviceName    string
	Remote        RemoteData
	ClientAddress netip.AddrPort

	event   *rdma.Event
	id      rdma.ID
	handled bool
}

// Addr returns the bound listen address.
func (l *Listener) Addr() netip.AddrPort { return l.id.LocalAddr() }

// UserData returns ListenerParams.UserData.
func (l *Listener) UserData() any { return l.params.UserData }

// Listen binds addr and starts accepting connect requests. A zero port picks
// an ephemeral one.
func (m *Manager) Listen(addr netip.AddrPort, params ListenerParams) (*Listener, error) {
	if params.OnConnRequest == nil {
		return nil, newError("listen", StatusInvalidParam, errors.New("OnConnRequest is required"))
	}
	if params.Backlog <= 0 {
		params.Backlog = DefaultBacklog
	}

	m.worker.Block()
	defer m.worker.Unblock()
	if m.closed {
		return nil, newError("listen", StatusInvalidParam, errManagerClosed)
	}
	id, err := m.ch.CreateID()
	if err != nil {
		return nil, newError("create id", StatusIOError, err)
	}
	if err := id.Bind(addr); err != nil {
		m.destroyID(id)
		m.log.log(LogLevelError, "bind_failed", logKV("addr", addr), logKV("error", err))
		return nil, newError(fmt.Sprintf("bind %s", addr), StatusIOError, err)
	}
	if err := id.Listen(params.Backlog); err != nil {
		m.destroyID(id)
		m.log.log(LogLevelError, "listen_failed", logKV("addr", addr), logKV("error", err))
		return nil, newError(fmt.Sprintf("listen %s", addr), StatusIOError, err)
	}

	l := &Listener{m: m, id: id, params: params, pending: make(map[*ConnRequest]struct{})}
	m.listeners[id.Handle()] = l
	m.log.log(LogLevelDiag, "listening", logKV("addr", id.LocalAddr()), logKV("backlog", params.Backlog))
	return l, nil
}

// Close stops listening and rejects the requests not answered yet.
func (l *Listener) Close() error {
	l.m.worker.Block()
	defer l.m.worker.Unblock()
	return l.close()
}

func (l *Listener) close() error {
	if l.closed {
		return newError("close listener", StatusInvalidParam, errors.New("listener already closed"))
	}
	l.closed = true
	l.rejectPending()
	delete(l.m.listeners, l.id.Handle())
	l.m.destroyID(l.id)
	return nil
}

// Accept creates a server endpoint for req and sends the accept message.
// On failure the request is rejected and released.
func (l *Listener) Accept(req *ConnRequest, params ServerParams) (*Endpoint, error) {
	m := l.m
	m.worker.Block()
	defer m.worker.Unblock()
	if err := l.claim(req, "accept"); err != nil {
		return nil, err
	}

	ep := newEndpoint(m, req.id, RoleServer)
	ep.server = params
	m.endpoints[req.id.Handle()] = ep

	err := func() error {
		payload, err := ep.packPayload(params.PackPrivateData)
		if err != nil {
			return err
		}
		priv, err := packPrivateData(StatusOK, payload)
		if err != nil {
			return err
		}
		if err := ep.acquireQPN(); err != nil {
			return err
		}
		if err := req.id.Accept(rdma.ConnParam{QPNum: ep.lease.num, PrivateData: priv}); err != nil {
			m.log.log(LogLevelError, "accept_failed",
				logKV("ep", ep.String()),
				logKV("error", err))
			return newError("accept", StatusIOError, err)
		}
		return nil
	}()
	if err != nil {
		m.rejectID(req.id)
		m.destroyEndpoint(ep)
		m.ackEvent(req.event)
		return nil, err
	}

	ep.state = StateConnecting
	m.ackEvent(req.event)
	m.log.log(LogLevelDebug, "accept_sent",
		logKV("ep", ep.String()),
		logKV("qpn", ep.lease.num))
	return ep, nil
}

// Reject refuses req. The client reports StatusRejected.
func (l *Listener) Reject(req *ConnRequest) error {
	m := l.m
	m.worker.Block()
	defer m.worker.Unblock()
	if err := l.claim(req, "reject"); err != nil {
		return err
	}
	err := m.rejectID(req.id)
	m.destroyID(req.id)
	m.ackEvent(req.event)
	if err != nil {
		return newError("reject", StatusIOError, err)
	}
	return nil
}

// claim marks req as answered. The caller holds the worker lock.
func (l *Listener) claim(req *ConnRequest, op string) error {
	if req == nil {
		return newError(op, StatusInvalidParam, errors.New("nil request"))
	}
	if req.handled {
		return newError(op, StatusInvalidParam, errors.New("request already answered"))
	}
	if _, ok := l.pending[req]; !ok {
		return newError(op, StatusInvalidParam, errors.New("request does not belong to this listener"))
	}
	req.handled = true
	delete(l.pending, req)
	return nil
}

// rejectPending answers every outstanding request with a reject. The caller
// holds the worker lock.
func (l *Listener) rejectPending() {
	for req := range l.pending {
		req.handled = true
		_ = l.m.rejectID(req.id)
		l.m.destroyID(req.id)
		l.m.ackEvent(req.event)
	}
	clear(l.pending)
}
