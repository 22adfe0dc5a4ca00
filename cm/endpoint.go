package cm

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/rocketbitz/rdmacm-go/rdma"
)

// EndpointState is the lifecycle position of an Endpoint.
type EndpointState int

const (
	StateInit EndpointState = iota
	StateAddrResolving
	StateRouteResolving
	StatePrivDataExchange
	StateConnecting
	StateEstablished
	StateDisconnected
	StateFailed
	StateRejected
)

func (s EndpointState) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateAddrResolving:
		return "addr_resolving"
	case StateRouteResolving:
		return "route_resolving"
	case StatePrivDataExchange:
		return "priv_data_exchange"
	case StateConnecting:
		return "connecting"
	case StateEstablished:
		return "established"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateRejected:
		return "rejected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Role tells which side of the connection an endpoint is.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// RemoteData describes the peer as seen by the connection manager.
type RemoteData struct {
	// DeviceAddress is the packed address of the peer device.
	DeviceAddress []byte
	// PrivateData is the payload the peer packed.
	PrivateData []byte
}

// ConnectArgs is passed to ClientParams.OnConnect.
type ConnectArgs struct {
	Status Status
	Remote RemoteData
}

// ResolveArgs is passed to ClientParams.OnResolve.
type ResolveArgs struct {
	DeviceName string
	Status     Status
}

// PackArgs is passed to PackFunc.
type PackArgs struct {
	DeviceName string
}

// PackFunc returns the private payload sent with a connect or accept. It runs
// with the worker lock held and must not call back into the Manager. The
// payload may not exceed MaxConnPriv bytes.
type PackFunc func(ep *Endpoint, args PackArgs) ([]byte, error)

// ClientParams configures a client endpoint created by Manager.Connect.
type ClientParams struct {
	// OnResolve selects resolve mode: the endpoint stops after route
	// resolution and waits for Endpoint.Connect.
	OnResolve       func(ep *Endpoint, args ResolveArgs)
	PackPrivateData PackFunc
	// OnConnect reports the connect response, or the failure that
	// prevented it.
	OnConnect    func(ep *Endpoint, args ConnectArgs)
	OnDisconnect func(ep *Endpoint)
	UserData     any
}

// ServerParams configures a server endpoint created by Listener.Accept.
type ServerParams struct {
	PackPrivateData PackFunc
	// OnNotify reports that the client established the connection, or the
	// failure that prevented it.
	OnNotify     func(ep *Endpoint, status Status)
	OnDisconnect func(ep *Endpoint)
	UserData     any
}

type epFlags uint16

const (
	flagOnClient epFlags = 1 << iota
	flagOnServer
	flagGotDisconnect
	flagFailed
	flagConnected
	flagConnectCBInvoked
	flagNotifyInvoked
	flagDisconnectCBInvoked
	flagDisconnecting
	flagDestroyed
)

var errEndpointDestroyed = errors.New("endpoint destroyed")

// Endpoint is one connection attempt. Its methods may be called from any
// goroutine, including from its own callbacks.
type Endpoint struct {
	m    *Manager
	id   rdma.ID
	role Role

	// guarded by the worker lock
	state  EndpointState
	flags  epFlags
	lease  *qpnLease
	client ClientParams
	server ServerParams
}

func newEndpoint(m *Manager, id rdma.ID, role Role) *Endpoint {
	ep := &Endpoint{m: m, id: id, role: role, state: StateInit}
	if role == RoleServer {
		ep.flags = flagOnServer
	} else {
		ep.flags = flagOnClient
	}
	return ep
}

func (ep *Endpoint) has(f epFlags) bool { return ep.flags&f != 0 }
func (ep *Endpoint) set(f epFlags)      { ep.flags |= f }

// Role reports whether ep is a client or server endpoint.
func (ep *Endpoint) Role() Role { return ep.role }

// UserData returns the UserData of the endpoint parameters.
func (ep *Endpoint) UserData() any {
	if ep.role == RoleServer {
		return ep.server.UserData
	}
	return ep.client.UserData
}

// State returns the current lifecycle state.
func (ep *Endpoint) State() EndpointState {
	ep.m.worker.Block()
	defer ep.m.worker.Unblock()
	return ep.state
}

// LocalAddr returns the local address of the connection identifier.
func (ep *Endpoint) LocalAddr() netip.AddrPort { return ep.id.LocalAddr() }

// PeerAddr returns the peer address of the connection identifier.
func (ep *Endpoint) PeerAddr() netip.AddrPort { return ep.id.PeerAddr() }

// DeviceName returns the local "device:port" once the identifier is bound.
func (ep *Endpoint) DeviceName() string { return deviceName(ep.id) }

// QPNum returns the QP number advertised to the peer, or zero before the
// connect or accept was sent.
func (ep *Endpoint) QPNum() uint32 {
	ep.m.worker.Block()
	defer ep.m.worker.Unblock()
	if ep.lease == nil {
		return 0
	}
	return ep.lease.num
}

func (ep *Endpoint) String() string {
	return fmt.Sprintf("%s ep %#x %s->%s", ep.role, ep.id.Handle(), ep.id.LocalAddr(), ep.id.PeerAddr())
}

// Connect sends the connect request of a resolve-mode client with the given
// private payload. It is valid once OnResolve reported StatusOK.
func (ep *Endpoint) Connect(privateData []byte) error {
	ep.m.worker.Block()
	defer ep.m.worker.Unblock()
	if ep.has(flagDestroyed) {
		return newError("connect", StatusInvalidParam, errEndpointDestroyed)
	}
	if ep.role != RoleClient || ep.state != StatePrivDataExchange {
		return newError("connect", StatusInvalidParam, fmt.Errorf("endpoint in state %s", ep.state))
	}
	if err := ep.sendConnect(privateData); err != nil {
		ep.set(flagFailed)
		ep.state = StateFailed
		return err
	}
	return nil
}

// ConnNotify tells the server that the client processed the connect
// response. The server then sees the connection established.
func (ep *Endpoint) ConnNotify() error {
	ep.m.worker.Block()
	defer ep.m.worker.Unblock()
	if ep.has(flagDestroyed) {
		return newError("conn notify", StatusInvalidParam, errEndpointDestroyed)
	}
	if ep.role != RoleClient {
		return newError("conn notify", StatusInvalidParam, errors.New("server endpoint"))
	}
	if !ep.has(flagConnected) || ep.has(flagGotDisconnect) || ep.has(flagFailed) {
		return StatusNotConnected.WithOp("conn notify")
	}
	if err := ep.id.Establish(); err != nil {
		ep.m.log.log(LogLevelError, "establish_failed",
			logKV("ep", ep.String()),
			logKV("error", err))
		return newError("conn notify", StatusIOError, err)
	}
	ep.m.log.log(LogLevelDebug, "conn_notify_sent", logKV("ep", ep.String()))
	return nil
}

// Disconnect starts an orderly disconnect. OnDisconnect fires once the
// disconnect completes.
func (ep *Endpoint) Disconnect() error {
	ep.m.worker.Block()
	defer ep.m.worker.Unblock()
	if ep.has(flagDestroyed) {
		return newError("disconnect", StatusInvalidParam, errEndpointDestroyed)
	}
	if ep.has(flagDisconnecting) {
		return StatusInProgress.WithOp("disconnect")
	}
	if !ep.has(flagConnected) {
		return StatusNotConnected.WithOp("disconnect")
	}
	ep.set(flagDisconnecting)
	if ep.has(flagGotDisconnect) {
		// The peer already disconnected.
		return nil
	}
	if err := ep.id.Disconnect(); err != nil {
		ep.flags &^= flagDisconnecting
		ep.m.log.log(LogLevelError, "disconnect_failed",
			logKV("ep", ep.String()),
			logKV("error", err))
		return newError("disconnect", StatusIOError, err)
	}
	ep.m.log.log(LogLevelDebug, "disconnect_sent", logKV("ep", ep.String()))
	return nil
}

// Destroy releases the endpoint. No callback fires after Destroy returns.
func (ep *Endpoint) Destroy() {
	ep.m.worker.Block()
	defer ep.m.worker.Unblock()
	ep.m.destroyEndpoint(ep)
}

// destroyEndpoint releases ep and its identifier. The caller holds the worker
// lock.
func (m *Manager) destroyEndpoint(ep *Endpoint) {
	if ep.has(flagDestroyed) {
		return
	}
	ep.set(flagDestroyed)
	if ep.lease != nil {
		ep.lease.ctx.releaseQPN(ep.lease)
		ep.lease = nil
	}
	delete(m.endpoints, ep.id.Handle())
	m.destroyID(ep.id)
	m.log.log(LogLevelDebug, "endpoint_destroyed",
		logKV("ep", fmt.Sprintf("%#x", ep.id.Handle())),
		logKV("state", ep.state))
}

func (ep *Endpoint) acquireQPN() error {
	if ep.lease != nil {
		return nil
	}
	ctx, err := ep.m.deviceContext(ep.id.Device())
	if err != nil {
		return err
	}
	lease, err := ctx.acquireQPN()
	if err != nil {
		return err
	}
	ep.lease = lease
	return nil
}

func (ep *Endpoint) packPayload(fn PackFunc) ([]byte, error) {
	if fn == nil {
		return nil, nil
	}
	payload, err := fn(ep, PackArgs{DeviceName: ep.DeviceName()})
	if err != nil {
		if StatusOf(err) == StatusIOError {
			return nil, newError("pack private data", StatusIOError, err)
		}
		return nil, err
	}
	return payload, nil
}

// sendConnect packs the private data header around payload and sends the
// connect request. The caller holds the worker lock.
func (ep *Endpoint) sendConnect(payload []byte) error {
	priv, err := packPrivateData(StatusOK, payload)
	if err != nil {
		return err
	}
	if err := ep.acquireQPN(); err != nil {
		return err
	}
	if err := ep.id.Connect(rdma.ConnParam{QPNum: ep.lease.num, PrivateData: priv}); err != nil {
		ep.m.log.log(LogLevelError, "connect_failed",
			logKV("ep", ep.String()),
			logKV("error", err))
		return newError("connect", StatusIOError, err)
	}
	ep.state = StateConnecting
	ep.m.log.log(LogLevelDebug, "connect_sent",
		logKV("ep", ep.String()),
		logKV("qpn", ep.lease.num),
		logKV("priv_len", len(payload)))
	return nil
}

// setFailed moves ep to a failed state and reports status once.
func (ep *Endpoint) setFailed(status Status) {
	if ep.has(flagFailed) {
		return
	}
	ep.set(flagFailed)
	if status == StatusRejected {
		ep.state = StateRejected
	} else {
		ep.state = StateFailed
	}
	ep.notifyError(status)
}

// notifyError delivers status through the callback that matches the
// progress of the endpoint: the connect or notify callback before the
// connection was reported, the disconnect callback after.
func (ep *Endpoint) notifyError(status Status) {
	switch {
	case ep.has(flagOnClient) && !ep.has(flagConnectCBInvoked):
		ep.deliverConnect(ConnectArgs{Status: status})
	case ep.has(flagOnServer) && !ep.has(flagNotifyInvoked):
		ep.deliverNotify(status)
	case !ep.has(flagDisconnectCBInvoked):
		ep.deliverDisconnect()
	}
}

func (ep *Endpoint) deliverConnect(args ConnectArgs) {
	ep.set(flagConnectCBInvoked)
	ep.m.metricEndpointCompleted(logKV(labelRole, ep.role.String()), logKV(labelOutcome, statusLabel(args.Status)))
	cb := ep.client.OnConnect
	if cb == nil {
		return
	}
	ep.m.enqueue(ep, func() { cb(ep, args) })
}

func (ep *Endpoint) deliverNotify(status Status) {
	ep.set(flagNotifyInvoked)
	ep.m.metricEndpointCompleted(logKV(labelRole, ep.role.String()), logKV(labelOutcome, statusLabel(status)))
	cb := ep.server.OnNotify
	if cb == nil {
		return
	}
	ep.m.enqueue(ep, func() { cb(ep, status) })
}

func (ep *Endpoint) deliverDisconnect() {
	ep.set(flagDisconnectCBInvoked)
	ep.m.metricEndpointCompleted(logKV(labelRole, ep.role.String()), logKV(labelOutcome, "disconnected"))
	cb := ep.client.OnDisconnect
	if ep.role == RoleServer {
		cb = ep.server.OnDisconnect
	}
	if cb == nil {
		return
	}
	ep.m.enqueue(ep, func() { cb(ep) })
}

func (ep *Endpoint) deliverResolve(args ResolveArgs) {
	cb := ep.client.OnResolve
	ep.m.enqueue(ep, func() { cb(ep, args) })
}
