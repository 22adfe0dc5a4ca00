package cm

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/rocketbitz/rdmacm-go/async"
	"github.com/rocketbitz/rdmacm-go/rdma"
)

// handleEvents drains the event channel. It runs on the worker whenever the
// channel descriptor is readable.
func (m *Manager) handleEvents(int, async.EventMask) {
	m.worker.Block()
	if m.closed {
		m.worker.Unblock()
		return
	}

	var span Span
	started := false
	for {
		ev, err := m.ch.GetEvent()
		if err != nil {
			if !errors.Is(err, rdma.ErrAgain) && !errors.Is(err, rdma.ErrClosed) && !errors.Is(err, unix.EINTR) {
				m.log.log(LogLevelWarn, "get_event_failed", logKV("error", err))
				m.metricEventFetchFailed(err)
				spanRecordError(span, err)
			}
			break
		}
		if !started {
			span = m.startDispatcherSpan()
			started = true
		}
		m.processEvent(span, ev)
	}

	batch := m.queued
	m.queued = nil
	m.worker.Unblock()
	finishSpan(span, nil)

	for _, fn := range batch {
		fn()
	}
}

func (m *Manager) processEvent(span Span, ev *rdma.Event) {
	ack := ev.Type != rdma.EventConnectRequest
	defer func() {
		if r := recover(); r != nil {
			m.log.log(LogLevelError, "event_handler_panic",
				logKV(labelEvent, ev.Type.String()),
				logKV("panic", r))
			spanRecordError(span, fmt.Errorf("%s: %v", ev.Type, r))
		}
		if ack {
			m.ackEvent(ev)
		}
	}()

	fields := []logField{
		logKV(labelEvent, ev.Type.String()),
		logKV("status", eventStatusString(ev)),
		logKV("status_code", ev.Status),
	}
	if ev.ID != nil {
		fields = append(fields,
			logKV("ep", fmt.Sprintf("%#x", ev.ID.Handle())),
			logKV("peer", ev.ID.PeerAddr().String()))
	}
	m.log.log(LogLevelDebug, "cm_event", fields...)
	spanAddEvent(span, ev.Type.String(), fields...)
	m.metricEventProcessed(logKV(labelEvent, ev.Type.String()))

	switch ev.Type {
	case rdma.EventConnectRequest:
		// Acked once the request is accepted or rejected.
		m.handleConnectRequest(ev)
		return
	case rdma.EventTimewaitExit:
		return
	case rdma.EventMulticastJoin, rdma.EventMulticastError:
		m.log.log(LogLevelWarn, "unexpected_event", logKV(labelEvent, ev.Type.String()))
		return
	}

	if ev.ID == nil {
		m.log.log(LogLevelWarn, "event_without_id", logKV(labelEvent, ev.Type.String()))
		return
	}
	ep := m.endpoints[ev.ID.Handle()]
	if ep == nil {
		m.log.log(LogLevelDebug, "event_for_unknown_id",
			logKV(labelEvent, ev.Type.String()),
			logKV("ep", fmt.Sprintf("%#x", ev.ID.Handle())))
		return
	}

	switch ev.Type {
	case rdma.EventAddrResolved:
		m.handleAddrResolved(ep)
	case rdma.EventRouteResolved:
		m.handleRouteResolved(ep)
	case rdma.EventConnectResponse:
		m.handleConnectResponse(ep, ev)
	case rdma.EventEstablished:
		m.handleEstablished(ep)
	case rdma.EventDisconnected:
		m.handleDisconnected(ep, ev)
	case rdma.EventUnreachable, rdma.EventAddrError, rdma.EventRouteError,
		rdma.EventDeviceRemoval, rdma.EventAddrChange,
		rdma.EventRejected, rdma.EventConnectError:
		m.handleErrorEvent(ep, ev)
	default:
		m.log.log(LogLevelWarn, "unexpected_event", logKV(labelEvent, ev.Type.String()))
	}
}

// eventStatusString describes the status of ev. Rejections carry a
// transport reject reason rather than an errno.
func eventStatusString(ev *rdma.Event) string {
	if ev.Type == rdma.EventRejected {
		return unix.ECONNREFUSED.Error()
	}
	switch {
	case ev.Status == 0:
		return "success"
	case ev.Status < 0:
		return unix.Errno(-ev.Status).Error()
	default:
		return unix.Errno(ev.Status).Error()
	}
}

func mustBeClient(ep *Endpoint, typ rdma.EventType) {
	if ep.role != RoleClient {
		panic(fmt.Sprintf("cm: %s delivered to %s", typ, ep))
	}
}

func (m *Manager) handleAddrResolved(ep *Endpoint) {
	mustBeClient(ep, rdma.EventAddrResolved)
	if err := ep.id.ResolveRoute(m.cfg.Timeout); err != nil {
		m.log.log(m.cfg.FailureLevel, "resolve_route_failed",
			logKV("ep", ep.String()),
			logKV("error", err))
		ep.setFailed(StatusUnreachable)
		return
	}
	ep.state = StateRouteResolving
}

func (m *Manager) handleRouteResolved(ep *Endpoint) {
	mustBeClient(ep, rdma.EventRouteResolved)
	ep.state = StatePrivDataExchange
	if ep.client.OnResolve != nil {
		ep.deliverResolve(ResolveArgs{DeviceName: ep.DeviceName(), Status: StatusOK})
		return
	}

	payload, err := ep.packPayload(ep.client.PackPrivateData)
	if err == nil {
		err = ep.sendConnect(payload)
	}
	if err != nil {
		m.log.log(LogLevelDiag, "connect_request_failed",
			logKV("ep", ep.String()),
			logKV("error", err))
		ep.setFailed(StatusOf(err))
	}
}

func (m *Manager) handleConnectRequest(ev *rdma.Event) {
	if ev.ID == nil {
		m.log.log(LogLevelWarn, "event_without_id", logKV(labelEvent, ev.Type.String()))
		m.ackEvent(ev)
		return
	}
	var l *Listener
	if ev.ListenID != nil {
		l = m.listeners[ev.ListenID.Handle()]
	}
	if l == nil || l.closed {
		m.log.log(LogLevelDebug, "conn_request_without_listener",
			logKV("ep", fmt.Sprintf("%#x", ev.ID.Handle())))
		m.refuseRequest(ev)
		return
	}

	addr, err := m.resolveDeviceAddress(ev.ID)
	var priv privateData
	if err == nil {
		priv, err = parsePrivateData(ev.PrivateData)
	}
	if err != nil {
		m.log.log(m.cfg.FailureLevel, "conn_request_failed",
			logKV("ep", fmt.Sprintf("%#x", ev.ID.Handle())),
			logKV("peer", ev.ID.PeerAddr().String()),
			logKV("error", err))
		m.refuseRequest(ev)
		return
	}

	req := &ConnRequest{
		DeviceName:    deviceName(ev.ID),
		Remote:        RemoteData{DeviceAddress: addr, PrivateData: priv.payload},
		ClientAddress: ev.ID.PeerAddr(),
		event:         ev,
		id:            ev.ID,
	}
	l.pending[req] = struct{}{}
	cb := l.params.OnConnRequest
	m.enqueue(nil, func() { cb(l, req) })
}

// refuseRequest rejects and releases a request no endpoint was created for.
func (m *Manager) refuseRequest(ev *rdma.Event) {
	_ = m.rejectID(ev.ID)
	m.destroyID(ev.ID)
	m.ackEvent(ev)
}

func (m *Manager) handleConnectResponse(ep *Endpoint, ev *rdma.Event) {
	mustBeClient(ep, rdma.EventConnectResponse)
	// A disconnect can overtake the response.
	if ep.has(flagGotDisconnect) || ep.has(flagFailed) {
		m.log.log(LogLevelDebug, "connect_response_ignored", logKV("ep", ep.String()))
		return
	}

	priv, err := parsePrivateData(ev.PrivateData)
	if err != nil {
		m.log.log(LogLevelError, "connect_response_malformed",
			logKV("ep", ep.String()),
			logKV("error", err))
		ep.setFailed(StatusIOError)
		return
	}
	addr, err := m.resolveDeviceAddress(ep.id)
	if err != nil {
		m.log.log(LogLevelDiag, "connect_response_failed",
			logKV("ep", ep.String()),
			logKV("error", err))
		ep.setFailed(StatusOf(err))
		return
	}

	if priv.status == StatusOK {
		ep.set(flagConnected)
		ep.state = StateEstablished
	} else {
		ep.set(flagFailed)
		ep.state = StateFailed
		if priv.status == StatusRejected {
			ep.state = StateRejected
		}
	}
	ep.deliverConnect(ConnectArgs{
		Status: priv.status,
		Remote: RemoteData{DeviceAddress: addr, PrivateData: priv.payload},
	})
}

func (m *Manager) handleEstablished(ep *Endpoint) {
	if ep.has(flagGotDisconnect) || ep.has(flagFailed) {
		m.log.log(LogLevelDebug, "established_ignored", logKV("ep", ep.String()))
		return
	}
	if ep.role == RoleServer {
		if ep.has(flagNotifyInvoked) {
			return
		}
		ep.set(flagConnected)
		ep.state = StateEstablished
		ep.deliverNotify(StatusOK)
		return
	}

	ep.set(flagConnected)
	ep.state = StateEstablished
	if ep.has(flagConnectCBInvoked) {
		return
	}
	addr, err := m.resolveDeviceAddress(ep.id)
	if err != nil {
		ep.flags &^= flagConnected
		ep.setFailed(StatusOf(err))
		return
	}
	ep.deliverConnect(ConnectArgs{Status: StatusOK, Remote: RemoteData{DeviceAddress: addr}})
}

func (m *Manager) handleDisconnected(ep *Endpoint, ev *rdma.Event) {
	m.log.log(LogLevelDebug, "disconnected",
		logKV("ep", ep.String()),
		logKV("status", eventStatusString(ev)))
	if ep.has(flagGotDisconnect) {
		return
	}
	ep.set(flagGotDisconnect)
	if ep.has(flagFailed) {
		return
	}
	if ep.has(flagConnected) {
		ep.state = StateDisconnected
	} else {
		ep.state = StateFailed
	}
	ep.notifyError(StatusConnectionReset)
}

func (m *Manager) classifyError(ep *Endpoint, ev *rdma.Event) (Status, LogLevel) {
	switch ev.Type {
	case rdma.EventRejected:
		if ep.role == RoleServer {
			// the client rejected our accept
			return StatusConnectionReset, LogLevelDebug
		}
		if priv, err := parsePrivateData(ev.PrivateData); err == nil && priv.status == StatusRejected {
			return StatusRejected, LogLevelDebug
		}
		return StatusConnectionReset, LogLevelDebug
	case rdma.EventUnreachable, rdma.EventAddrError, rdma.EventRouteError, rdma.EventConnectError:
		return StatusUnreachable, m.cfg.FailureLevel
	default:
		return StatusIOError, LogLevelError
	}
}

func (m *Manager) handleErrorEvent(ep *Endpoint, ev *rdma.Event) {
	status, level := m.classifyError(ep, ev)
	m.log.log(level, "cm_error_event",
		logKV("ep", ep.String()),
		logKV(labelEvent, ev.Type.String()),
		logKV("event_status", eventStatusString(ev)),
		logKV("status_code", ev.Status),
		logKV("status", status.String()))

	if ep.has(flagGotDisconnect) {
		return
	}
	// The first failure of a connected endpoint is reported as a
	// disconnect.
	if ep.has(flagConnected) && !ep.has(flagFailed) {
		m.handleDisconnected(ep, ev)
		return
	}
	ep.setFailed(status)
}
