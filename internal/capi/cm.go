//go:build linux && cgo && rdma_hw

package capi

/*
#cgo pkg-config: librdmacm libibverbs
#include <stdlib.h>
#include <string.h>
#include <netinet/in.h>
#include <rdma/rdma_cma.h>

static int rdmacm_go_set_sockaddr(struct sockaddr_storage *ss, int family,
                                  const uint8_t *addr, uint16_t port) {
	memset(ss, 0, sizeof(*ss));
	if (family == AF_INET) {
		struct sockaddr_in *sin = (struct sockaddr_in *)ss;
		sin->sin_family = AF_INET;
		sin->sin_port   = htons(port);
		memcpy(&sin->sin_addr, addr, 4);
		return 0;
	}
	if (family == AF_INET6) {
		struct sockaddr_in6 *sin6 = (struct sockaddr_in6 *)ss;
		sin6->sin6_family = AF_INET6;
		sin6->sin6_port   = htons(port);
		memcpy(&sin6->sin6_addr, addr, 16);
		return 0;
	}
	return -1;
}

static int rdmacm_go_get_sockaddr(const struct sockaddr *sa, uint8_t *addr,
                                  uint16_t *port) {
	if (sa == NULL) {
		return 0;
	}
	if (sa->sa_family == AF_INET) {
		const struct sockaddr_in *sin = (const struct sockaddr_in *)sa;
		memcpy(addr, &sin->sin_addr, 4);
		*port = ntohs(sin->sin_port);
		return AF_INET;
	}
	if (sa->sa_family == AF_INET6) {
		const struct sockaddr_in6 *sin6 = (const struct sockaddr_in6 *)sa;
		memcpy(addr, &sin6->sin6_addr, 16);
		*port = ntohs(sin6->sin6_port);
		return AF_INET6;
	}
	return 0;
}

static int rdmacm_go_conn(struct rdma_cm_id *id, uint32_t qpn,
                          const void *priv, uint8_t len, int accept) {
	struct rdma_conn_param param;
	memset(&param, 0, sizeof(param));
	param.qp_num              = qpn;
	param.private_data        = priv;
	param.private_data_len    = len;
	param.responder_resources = 1;
	param.initiator_depth     = 1;
	param.retry_count         = 7;
	param.rnr_retry_count     = 7;
	return accept ? rdma_accept(id, &param) : rdma_connect(id, &param);
}

static const void *rdmacm_go_event_priv(struct rdma_cm_event *ev, uint8_t *len) {
	*len = ev->param.conn.private_data_len;
	return ev->param.conn.private_data;
}

static int rdmacm_go_init_qp_attr(struct rdma_cm_id *id, int state,
                                  struct ibv_qp_attr *attr) {
	int mask = 0;
	memset(attr, 0, sizeof(*attr));
	attr->qp_state = state;
	return rdma_init_qp_attr(id, attr, &mask);
}
*/
import "C"

import (
	"fmt"
	"net/netip"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// EventChannel wraps struct rdma_event_channel.
type EventChannel struct {
	ptr *C.struct_rdma_event_channel
}

// CreateEventChannel opens a new event channel.
func CreateEventChannel() (*EventChannel, error) {
	ch, err := C.rdma_create_event_channel()
	if ch == nil {
		return nil, ErrorFromCall(-1, err, "rdma_create_event_channel")
	}
	return &EventChannel{ptr: ch}, nil
}

// FD returns the channel descriptor.
func (c *EventChannel) FD() int { return int(c.ptr.fd) }

// Destroy releases the channel. Every identifier must be destroyed first.
func (c *EventChannel) Destroy() {
	if c == nil || c.ptr == nil {
		return
	}
	C.rdma_destroy_event_channel(c.ptr)
	c.ptr = nil
}

// GetEvent fetches the next event. A non-blocking channel without pending
// events returns ErrAgain.
func (c *EventChannel) GetEvent() (*Event, error) {
	var ev *C.struct_rdma_cm_event
	ret, err := C.rdma_get_cm_event(c.ptr, &ev)
	if ret != 0 {
		return nil, ErrorFromCall(int(ret), err, "rdma_get_cm_event")
	}
	return &Event{ptr: ev}, nil
}

// Event wraps struct rdma_cm_event. It is valid until Ack.
type Event struct {
	ptr *C.struct_rdma_cm_event
}

// Type returns the rdma_cm_event_type value.
func (e *Event) Type() int { return int(e.ptr.event) }

// Status returns the event status.
func (e *Event) Status() int { return int(e.ptr.status) }

// ID returns the identifier the event refers to.
func (e *Event) ID() *CMID { return &CMID{ptr: e.ptr.id} }

// ListenID returns the listening identifier of a connect request, or nil.
func (e *Event) ListenID() *CMID {
	if e.ptr.listen_id == nil {
		return nil
	}
	return &CMID{ptr: e.ptr.listen_id}
}

// PrivateData copies the connection private data of the event.
func (e *Event) PrivateData() []byte {
	var n C.uint8_t
	data := C.rdmacm_go_event_priv(e.ptr, &n)
	if data == nil || n == 0 {
		return nil
	}
	return C.GoBytes(data, C.int(n))
}

// Handle identifies the event while it is not acknowledged.
func (e *Event) Handle() uintptr { return uintptr(unsafe.Pointer(e.ptr)) }

// Ack releases the event.
func (e *Event) Ack() error {
	ret, err := C.rdma_ack_cm_event(e.ptr)
	return ErrorFromCall(int(ret), err, "rdma_ack_cm_event")
}

// CMID wraps struct rdma_cm_id.
type CMID struct {
	ptr *C.struct_rdma_cm_id
}

// CreateID creates an RDMA_PS_TCP identifier on ch.
func CreateID(ch *EventChannel) (*CMID, error) {
	var id *C.struct_rdma_cm_id
	ret, err := C.rdma_create_id(ch.ptr, &id, nil, C.RDMA_PS_TCP)
	if ret != 0 {
		return nil, ErrorFromCall(int(ret), err, "rdma_create_id")
	}
	return &CMID{ptr: id}, nil
}

// Handle is the address of the underlying rdma_cm_id.
func (id *CMID) Handle() uintptr { return uintptr(unsafe.Pointer(id.ptr)) }

// Bind binds the identifier to a local address.
func (id *CMID) Bind(addr netip.AddrPort) error {
	ss, err := newSockaddr(addr)
	if err != nil {
		return err
	}
	defer C.free(unsafe.Pointer(ss))
	ret, errno := C.rdma_bind_addr(id.ptr, (*C.struct_sockaddr)(unsafe.Pointer(ss)))
	return ErrorFromCall(int(ret), errno, "rdma_bind_addr")
}

func (id *CMID) Listen(backlog int) error {
	ret, err := C.rdma_listen(id.ptr, C.int(backlog))
	return ErrorFromCall(int(ret), err, "rdma_listen")
}

// ResolveAddr starts address resolution. An invalid src lets the routing
// table pick the source.
func (id *CMID) ResolveAddr(src netip.Addr, dst netip.AddrPort, timeout time.Duration) error {
	dss, err := newSockaddr(dst)
	if err != nil {
		return err
	}
	defer C.free(unsafe.Pointer(dss))

	var srcPtr *C.struct_sockaddr
	if src.IsValid() {
		sss, err := newSockaddr(netip.AddrPortFrom(src, 0))
		if err != nil {
			return err
		}
		defer C.free(unsafe.Pointer(sss))
		srcPtr = (*C.struct_sockaddr)(unsafe.Pointer(sss))
	}
	ret, errno := C.rdma_resolve_addr(id.ptr, srcPtr, (*C.struct_sockaddr)(unsafe.Pointer(dss)), C.int(timeout.Milliseconds()))
	return ErrorFromCall(int(ret), errno, "rdma_resolve_addr")
}

func (id *CMID) ResolveRoute(timeout time.Duration) error {
	ret, err := C.rdma_resolve_route(id.ptr, C.int(timeout.Milliseconds()))
	return ErrorFromCall(int(ret), err, "rdma_resolve_route")
}

// Connect sends a connect request advertising qpn.
func (id *CMID) Connect(qpn uint32, priv []byte) error {
	return id.conn(qpn, priv, false)
}

// Accept answers a connect request advertising qpn.
func (id *CMID) Accept(qpn uint32, priv []byte) error {
	return id.conn(qpn, priv, true)
}

func (id *CMID) conn(qpn uint32, priv []byte, accept bool) error {
	if len(priv) > 255 {
		return WithOp(ErrInvalid, "rdma private data")
	}
	var data unsafe.Pointer
	if len(priv) > 0 {
		data = C.CBytes(priv)
		defer C.free(data)
	}
	op, flag := "rdma_connect", C.int(0)
	if accept {
		op, flag = "rdma_accept", 1
	}
	ret, err := C.rdmacm_go_conn(id.ptr, C.uint32_t(qpn), data, C.uint8_t(len(priv)), flag)
	return ErrorFromCall(int(ret), err, op)
}

func (id *CMID) Reject(priv []byte) error {
	var data unsafe.Pointer
	if len(priv) > 0 {
		data = C.CBytes(priv)
		defer C.free(data)
	}
	ret, err := C.rdma_reject(id.ptr, data, C.uint8_t(len(priv)))
	return ErrorFromCall(int(ret), err, "rdma_reject")
}

func (id *CMID) Establish() error {
	ret, err := C.rdma_establish(id.ptr)
	return ErrorFromCall(int(ret), err, "rdma_establish")
}

func (id *CMID) Disconnect() error {
	ret, err := C.rdma_disconnect(id.ptr)
	return ErrorFromCall(int(ret), err, "rdma_disconnect")
}

func (id *CMID) Destroy() error {
	ret, err := C.rdma_destroy_id(id.ptr)
	return ErrorFromCall(int(ret), err, "rdma_destroy_id")
}

// QPAttr is the addressing subset of struct ibv_qp_attr.
type QPAttr struct {
	PathMTU      uint8
	DestQPN      uint32
	DLID         uint16
	SL           uint8
	IsGlobal     bool
	PortNum      uint8
	DGID         [16]byte
	SGIDIndex    uint8
	HopLimit     uint8
	TrafficClass uint8
	FlowLabel    uint32
}

// InitQPAttr asks librdmacm for the attributes a queue pair needs to move to
// state.
func (id *CMID) InitQPAttr(state int) (QPAttr, error) {
	var attr C.struct_ibv_qp_attr
	ret, err := C.rdmacm_go_init_qp_attr(id.ptr, C.int(state), &attr)
	if ret != 0 {
		return QPAttr{}, ErrorFromCall(int(ret), err, "rdma_init_qp_attr")
	}
	out := QPAttr{
		PathMTU:      uint8(attr.path_mtu),
		DestQPN:      uint32(attr.dest_qp_num),
		DLID:         uint16(attr.ah_attr.dlid),
		SL:           uint8(attr.ah_attr.sl),
		IsGlobal:     attr.ah_attr.is_global != 0,
		PortNum:      uint8(attr.ah_attr.port_num),
		SGIDIndex:    uint8(attr.ah_attr.grh.sgid_index),
		HopLimit:     uint8(attr.ah_attr.grh.hop_limit),
		TrafficClass: uint8(attr.ah_attr.grh.traffic_class),
		FlowLabel:    uint32(attr.ah_attr.grh.flow_label),
	}
	copy(out.DGID[:], C.GoBytes(unsafe.Pointer(&attr.ah_attr.grh.dgid), 16))
	return out, nil
}

// Verbs returns the device context the identifier is bound to, or nil.
func (id *CMID) Verbs() *Context {
	if id.ptr.verbs == nil {
		return nil
	}
	return &Context{ptr: id.ptr.verbs}
}

func (id *CMID) PortNum() uint8 { return uint8(id.ptr.port_num) }

func (id *CMID) LocalAddr() netip.AddrPort {
	return sockaddrToAddrPort(C.rdma_get_local_addr(id.ptr))
}

func (id *CMID) PeerAddr() netip.AddrPort {
	return sockaddrToAddrPort(C.rdma_get_peer_addr(id.ptr))
}

// newSockaddr allocates a C sockaddr_storage for addr. The caller frees it.
func newSockaddr(addr netip.AddrPort) (*C.struct_sockaddr_storage, error) {
	if !addr.IsValid() {
		return nil, fmt.Errorf("capi: invalid address %s: %w", addr, ErrInvalid)
	}
	ss := (*C.struct_sockaddr_storage)(C.calloc(1, C.size_t(unsafe.Sizeof(C.struct_sockaddr_storage{}))))
	if ss == nil {
		return nil, WithOp(ErrNoMemory, "sockaddr")
	}
	ip := addr.Addr().Unmap()
	family := C.int(unix.AF_INET6)
	var raw []byte
	if ip.Is4() {
		family = unix.AF_INET
		b := ip.As4()
		raw = b[:]
	} else {
		b := ip.As16()
		raw = b[:]
	}
	C.rdmacm_go_set_sockaddr(ss, family, (*C.uint8_t)(unsafe.Pointer(&raw[0])), C.uint16_t(addr.Port()))
	return ss, nil
}

func sockaddrToAddrPort(sa *C.struct_sockaddr) netip.AddrPort {
	var raw [16]byte
	var port C.uint16_t
	switch C.rdmacm_go_get_sockaddr(sa, (*C.uint8_t)(unsafe.Pointer(&raw[0])), &port) {
	case unix.AF_INET:
		return netip.AddrPortFrom(netip.AddrFrom4([4]byte(raw[:4])), uint16(port))
	case unix.AF_INET6:
		return netip.AddrPortFrom(netip.AddrFrom16(raw), uint16(port))
	default:
		return netip.AddrPort{}
	}
}
