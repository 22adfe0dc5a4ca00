package rdma

import (
	"fmt"
	"net/netip"
	"time"
)

// EventType mirrors enum rdma_cm_event_type.
type EventType int

const (
	EventAddrResolved EventType = iota
	EventAddrError
	EventRouteResolved
	EventRouteError
	EventConnectRequest
	EventConnectResponse
	EventConnectError
	EventUnreachable
	EventRejected
	EventEstablished
	EventDisconnected
	EventDeviceRemoval
	EventMulticastJoin
	EventMulticastError
	EventAddrChange
	EventTimewaitExit
)

var eventTypeNames = [...]string{
	EventAddrResolved:    "RDMA_CM_EVENT_ADDR_RESOLVED",
	EventAddrError:       "RDMA_CM_EVENT_ADDR_ERROR",
	EventRouteResolved:   "RDMA_CM_EVENT_ROUTE_RESOLVED",
	EventRouteError:      "RDMA_CM_EVENT_ROUTE_ERROR",
	EventConnectRequest:  "RDMA_CM_EVENT_CONNECT_REQUEST",
	EventConnectResponse: "RDMA_CM_EVENT_CONNECT_RESPONSE",
	EventConnectError:    "RDMA_CM_EVENT_CONNECT_ERROR",
	EventUnreachable:     "RDMA_CM_EVENT_UNREACHABLE",
	EventRejected:        "RDMA_CM_EVENT_REJECTED",
	EventEstablished:     "RDMA_CM_EVENT_ESTABLISHED",
	EventDisconnected:    "RDMA_CM_EVENT_DISCONNECTED",
	EventDeviceRemoval:   "RDMA_CM_EVENT_DEVICE_REMOVAL",
	EventMulticastJoin:   "RDMA_CM_EVENT_MULTICAST_JOIN",
	EventMulticastError:  "RDMA_CM_EVENT_MULTICAST_ERROR",
	EventAddrChange:      "RDMA_CM_EVENT_ADDR_CHANGE",
	EventTimewaitExit:    "RDMA_CM_EVENT_TIMEWAIT_EXIT",
}

func (t EventType) String() string {
	if t >= 0 && int(t) < len(eventTypeNames) {
		return eventTypeNames[t]
	}
	return fmt.Sprintf("RDMA_CM_EVENT_UNKNOWN(%d)", int(t))
}

// Event is a single connection-manager notification fetched from an
// EventChannel. It stays owned by the channel until AckEvent is called.
type Event struct {
	Type EventType
	// Status is a negative errno, or a transport reject reason for
	// EventRejected.
	Status int
	ID     ID
	// ListenID is set for EventConnectRequest.
	ListenID    ID
	PrivateData []byte

	// Handle identifies the event to the channel that produced it.
	Handle uintptr
}

// ConnParam carries the parameters of rdma_connect / rdma_accept.
type ConnParam struct {
	QPNum       uint32
	PrivateData []byte
}

// Provider opens event channels against a fabric.
type Provider interface {
	OpenEventChannel() (EventChannel, error)
}

// EventChannel is the non-blocking source of connection-manager events.
type EventChannel interface {
	// FD returns a descriptor that becomes readable while events are pending.
	FD() int
	// GetEvent returns the next event, or ErrAgain when none is pending.
	GetEvent() (*Event, error)
	AckEvent(ev *Event) error
	CreateID() (ID, error)
	Close() error
}

// ID is a connection identifier (struct rdma_cm_id) bound to one EventChannel.
type ID interface {
	// Handle is unique among the live identifiers of a channel.
	Handle() uintptr

	Bind(addr netip.AddrPort) error
	Listen(backlog int) error
	ResolveAddr(src netip.Addr, dst netip.AddrPort, timeout time.Duration) error
	ResolveRoute(timeout time.Duration) error
	Connect(param ConnParam) error
	Accept(param ConnParam) error
	Reject(privateData []byte) error
	Establish() error
	Disconnect() error
	Destroy() error

	// InitQPAttr returns the attributes a queue pair would need to move to
	// state without touching any queue pair.
	InitQPAttr(state QPState) (QPAttr, error)

	// Device is nil until the identifier is bound to a local device.
	Device() Device
	PortNum() uint8
	LocalAddr() netip.AddrPort
	PeerAddr() netip.AddrPort
}
