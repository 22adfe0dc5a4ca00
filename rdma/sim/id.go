package sim

import (
	"fmt"
	"net/netip"
	"time"

	"golang.org/x/sys/unix"

	"github.com/rocketbitz/rdmacm-go/rdma"
)

type idState int

const (
	stateIdle idState = iota
	stateAddrResolved
	stateRouteResolved
	stateConnecting
	stateResponded
	stateConnected
	stateDisconnected
	stateRejected
)

var _ rdma.ID = (*ID)(nil)

// ID implements rdma.ID. All identifier state is guarded by the fabric lock.
type ID struct {
	ch     *Channel
	handle uintptr

	local     netip.AddrPort
	peerAddr  netip.AddrPort
	bound     bool
	listening bool
	remote    *Node
	peer      *ID
	state     idState
	qpNum     uint32
	destroyed bool
}

func (id *ID) node() *Node     { return id.ch.node }
func (id *ID) fabric() *Fabric { return id.ch.node.fabric }

// Handle returns the fabric-unique identifier handle.
func (id *ID) Handle() uintptr { return id.handle }

func (id *ID) Bind(addr netip.AddrPort) error {
	f := id.fabric()
	f.mu.Lock()
	defer f.mu.Unlock()
	if id.destroyed {
		return rdma.ErrClosed
	}
	n := id.node()
	if a := addr.Addr(); a.IsValid() && !a.IsUnspecified() && a != n.addr {
		return fmt.Errorf("sim bind %s: %w", addr, unix.EADDRNOTAVAIL)
	}
	port := addr.Port()
	if port == 0 {
		port = f.ephemeralPort()
	}
	id.local = netip.AddrPortFrom(n.addr, port)
	id.bound = true
	return nil
}

func (id *ID) Listen(backlog int) error {
	f := id.fabric()
	f.mu.Lock()
	defer f.mu.Unlock()
	if id.destroyed {
		return rdma.ErrClosed
	}
	if !id.bound {
		return fmt.Errorf("sim listen: %w", unix.EINVAL)
	}
	if _, busy := f.listeners[id.local]; busy {
		return fmt.Errorf("sim listen %s: %w", id.local, unix.EADDRINUSE)
	}
	f.listeners[id.local] = id
	id.listening = true
	return nil
}

func (id *ID) ResolveAddr(src netip.Addr, dst netip.AddrPort, _ time.Duration) error {
	n := id.node()
	if err := n.fault(OpResolveAddr); err != nil {
		return err
	}
	f := id.fabric()
	f.mu.Lock()
	defer f.mu.Unlock()
	if id.destroyed {
		return rdma.ErrClosed
	}
	if src.IsValid() && !src.IsUnspecified() && src != n.addr {
		return fmt.Errorf("sim resolve_addr from %s: %w", src, unix.EADDRNOTAVAIL)
	}
	if !id.bound {
		id.local = netip.AddrPortFrom(n.addr, f.ephemeralPort())
		id.bound = true
	}
	id.peerAddr = dst
	target, ok := f.nodes[dst.Addr()]
	if !ok {
		post(id, rdma.EventAddrError, -int(unix.EHOSTUNREACH), nil, nil)
		return nil
	}
	id.remote = target
	id.state = stateAddrResolved
	post(id, rdma.EventAddrResolved, 0, nil, nil)
	return nil
}

func (id *ID) ResolveRoute(_ time.Duration) error {
	if err := id.node().fault(OpResolveRoute); err != nil {
		return err
	}
	f := id.fabric()
	f.mu.Lock()
	defer f.mu.Unlock()
	if id.destroyed {
		return rdma.ErrClosed
	}
	if id.state != stateAddrResolved {
		return fmt.Errorf("sim resolve_route: %w", unix.EINVAL)
	}
	id.state = stateRouteResolved
	post(id, rdma.EventRouteResolved, 0, nil, nil)
	return nil
}

func (id *ID) Connect(param rdma.ConnParam) error {
	if err := id.node().fault(OpConnect); err != nil {
		return err
	}
	priv, err := padPrivateData(param.PrivateData)
	if err != nil {
		return fmt.Errorf("%w: %w", err, unix.EINVAL)
	}
	f := id.fabric()
	f.mu.Lock()
	defer f.mu.Unlock()
	if id.destroyed {
		return rdma.ErrClosed
	}
	if id.state != stateRouteResolved {
		return fmt.Errorf("sim connect: %w", unix.EINVAL)
	}
	id.qpNum = param.QPNum
	id.state = stateConnecting

	listener, ok := f.listeners[id.peerAddr]
	if !ok || listener.destroyed {
		id.state = stateRejected
		post(id, rdma.EventRejected, RejectInvalidServiceID, nil, nil)
		return nil
	}

	lch := listener.ch
	lch.mu.Lock()
	closed := lch.closed
	lch.mu.Unlock()
	if closed {
		id.state = stateRejected
		post(id, rdma.EventRejected, RejectInvalidServiceID, nil, nil)
		return nil
	}

	server := &ID{
		ch:       lch,
		handle:   f.handle(),
		local:    listener.local,
		peerAddr: id.local,
		bound:    true,
		remote:   id.node(),
		peer:     id,
		state:    stateConnecting,
	}
	lch.mu.Lock()
	lch.ids[server.handle] = server
	lch.mu.Unlock()
	id.peer = server
	post(server, rdma.EventConnectRequest, 0, listener, priv)
	return nil
}

func (id *ID) Accept(param rdma.ConnParam) error {
	if err := id.node().fault(OpAccept); err != nil {
		return err
	}
	priv, err := padPrivateData(param.PrivateData)
	if err != nil {
		return fmt.Errorf("%w: %w", err, unix.EINVAL)
	}
	f := id.fabric()
	f.mu.Lock()
	defer f.mu.Unlock()
	if id.destroyed {
		return rdma.ErrClosed
	}
	if id.state != stateConnecting || id.peer == nil || id.listening {
		return fmt.Errorf("sim accept: %w", unix.EINVAL)
	}
	id.qpNum = param.QPNum
	id.state = stateResponded
	id.peer.state = stateResponded
	post(id.peer, rdma.EventConnectResponse, 0, nil, priv)
	return nil
}

func (id *ID) Reject(privateData []byte) error {
	if err := id.node().fault(OpReject); err != nil {
		return err
	}
	priv, err := padPrivateData(privateData)
	if err != nil {
		return fmt.Errorf("%w: %w", err, unix.EINVAL)
	}
	f := id.fabric()
	f.mu.Lock()
	defer f.mu.Unlock()
	if id.destroyed {
		return rdma.ErrClosed
	}
	if id.state != stateConnecting || id.peer == nil {
		return fmt.Errorf("sim reject: %w", unix.EINVAL)
	}
	peer := id.peer
	id.state = stateRejected
	id.peer = nil
	peer.state = stateRejected
	peer.peer = nil
	post(peer, rdma.EventRejected, RejectConsumerDefined, nil, priv)
	return nil
}

func (id *ID) Establish() error {
	if err := id.node().fault(OpEstablish); err != nil {
		return err
	}
	f := id.fabric()
	f.mu.Lock()
	defer f.mu.Unlock()
	if id.destroyed {
		return rdma.ErrClosed
	}
	if id.state != stateResponded || id.peer == nil || id.peer.destroyed {
		return fmt.Errorf("sim establish: %w", rdma.ErrNotConnected)
	}
	id.state = stateConnected
	id.peer.state = stateConnected
	post(id.peer, rdma.EventEstablished, 0, nil, nil)
	return nil
}

func (id *ID) Disconnect() error {
	f := id.fabric()
	f.mu.Lock()
	defer f.mu.Unlock()
	if id.destroyed {
		return rdma.ErrClosed
	}
	switch id.state {
	case stateResponded, stateConnected:
	default:
		return fmt.Errorf("sim disconnect: %w", rdma.ErrNotConnected)
	}
	id.disconnectLocked()
	return nil
}

// disconnectLocked moves both sides to disconnected and notifies each of
// them. The fabric lock must be held.
func (id *ID) disconnectLocked() {
	id.state = stateDisconnected
	post(id, rdma.EventDisconnected, 0, nil, nil)
	if peer := id.peer; peer != nil && peer.state != stateDisconnected {
		peer.state = stateDisconnected
		post(peer, rdma.EventDisconnected, 0, nil, nil)
	}
}

func (id *ID) Destroy() error {
	f := id.fabric()
	f.mu.Lock()
	defer f.mu.Unlock()
	if id.destroyed {
		return rdma.ErrClosed
	}
	switch id.state {
	case stateResponded, stateConnected:
		if peer := id.peer; peer != nil && peer.state != stateDisconnected {
			peer.state = stateDisconnected
			post(peer, rdma.EventDisconnected, 0, nil, nil)
		}
	case stateConnecting:
		// Destroying a request that was never answered rejects it.
		if peer := id.peer; peer != nil && id.remote != nil && peer.ch.node == id.remote {
			if peer.peer == id && peer.state == stateConnecting {
				peer.state = stateRejected
				peer.peer = nil
				post(peer, rdma.EventRejected, RejectConsumerDefined, nil, nil)
			}
		}
	}
	if id.listening {
		delete(f.listeners, id.local)
		id.listening = false
	}
	if peer := id.peer; peer != nil && peer.peer == id {
		peer.peer = nil
	}
	id.destroyed = true
	id.peer = nil
	id.ch.mu.Lock()
	delete(id.ch.ids, id.handle)
	id.ch.mu.Unlock()
	return nil
}

func (id *ID) InitQPAttr(state rdma.QPState) (rdma.QPAttr, error) {
	if err := id.node().fault(OpInitQPAttr); err != nil {
		return rdma.QPAttr{}, err
	}
	f := id.fabric()
	f.mu.Lock()
	defer f.mu.Unlock()
	if id.destroyed {
		return rdma.QPAttr{}, rdma.ErrClosed
	}
	if id.remote == nil {
		return rdma.QPAttr{}, fmt.Errorf("sim init_qp_attr: %w", unix.EINVAL)
	}
	local := id.node().portConfig()
	remote := id.remote.portConfig()

	attr := rdma.QPAttr{
		State:   state,
		PathMTU: min(local.MTU, remote.MTU),
		AH: rdma.AHAttr{
			DLID:    remote.LID,
			PortNum: id.node().port,
		},
	}
	if id.peer != nil {
		attr.DestQPN = id.peer.qpNum
	}
	if local.LinkLayer == rdma.LinkLayerEthernet || local.GID.SubnetPrefix() != remote.GID.SubnetPrefix() {
		attr.AH.IsGlobal = true
		attr.AH.GRH = rdma.GlobalRoute{
			DGID:      remote.GID,
			SGIDIndex: local.GIDIndex,
			HopLimit:  64,
		}
	}
	return attr, nil
}

// Device returns the local device once the identifier is bound or resolved.
func (id *ID) Device() rdma.Device {
	f := id.fabric()
	f.mu.Lock()
	defer f.mu.Unlock()
	if !id.bound {
		return nil
	}
	return id.node().dev
}

func (id *ID) PortNum() uint8 { return id.node().port }

func (id *ID) LocalAddr() netip.AddrPort {
	f := id.fabric()
	f.mu.Lock()
	defer f.mu.Unlock()
	return id.local
}

func (id *ID) PeerAddr() netip.AddrPort {
	f := id.fabric()
	f.mu.Lock()
	defer f.mu.Unlock()
	return id.peerAddr
}
