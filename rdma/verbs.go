package rdma

import (
	"encoding/binary"
	"fmt"
	"net"
)

// FirstPort is the number of the first physical port of a device.
const FirstPort = 1

// DefaultGIDIndex is the GID table entry used when no route selects one.
const DefaultGIDIndex = 0

// LinkLayer mirrors the IBV_LINK_LAYER_* values.
type LinkLayer uint8

const (
	LinkLayerUnspecified LinkLayer = iota
	LinkLayerInfiniBand
	LinkLayerEthernet
)

func (l LinkLayer) String() string {
	switch l {
	case LinkLayerInfiniBand:
		return "infiniband"
	case LinkLayerEthernet:
		return "ethernet"
	default:
		return "unspecified"
	}
}

// MTU mirrors enum ibv_mtu. Zero is not a valid path MTU.
type MTU uint8

const (
	MTU256 MTU = iota + 1
	MTU512
	MTU1024
	MTU2048
	MTU4096
)

// Bytes returns the MTU size in bytes, or zero for an invalid value.
func (m MTU) Bytes() int {
	if m < MTU256 || m > MTU4096 {
		return 0
	}
	return 128 << m
}

func (m MTU) String() string {
	if b := m.Bytes(); b != 0 {
		return fmt.Sprintf("%d", b)
	}
	return "invalid"
}

// QPState mirrors enum ibv_qp_state.
type QPState int

const (
	QPStateReset QPState = iota
	QPStateInit
	QPStateRTR
	QPStateRTS
	QPStateSQD
	QPStateSQE
	QPStateError
)

// GID is a 128-bit global identifier.
type GID [16]byte

// SubnetPrefix returns the upper 64 bits in host order.
func (g GID) SubnetPrefix() uint64 {
	return binary.BigEndian.Uint64(g[:8])
}

// InterfaceID returns the lower 64 bits in host order.
func (g GID) InterfaceID() uint64 {
	return binary.BigEndian.Uint64(g[8:])
}

func (g GID) String() string {
	return net.IP(g[:]).String()
}

// GlobalRoute mirrors struct ibv_global_route.
type GlobalRoute struct {
	DGID         GID
	FlowLabel    uint32
	SGIDIndex    uint8
	HopLimit     uint8
	TrafficClass uint8
}

// AHAttr mirrors the fields of struct ibv_ah_attr used for addressing.
type AHAttr struct {
	GRH      GlobalRoute
	DLID     uint16
	SL       uint8
	IsGlobal bool
	PortNum  uint8
}

func (a AHAttr) String() string {
	if a.IsGlobal {
		return fmt.Sprintf("dlid=%d sl=%d port=%d dgid=%s sgid_index=%d", a.DLID, a.SL, a.PortNum, a.GRH.DGID, a.GRH.SGIDIndex)
	}
	return fmt.Sprintf("dlid=%d sl=%d port=%d", a.DLID, a.SL, a.PortNum)
}

// QPAttr is the subset of struct ibv_qp_attr returned by InitQPAttr.
type QPAttr struct {
	State   QPState
	PathMTU MTU
	DestQPN uint32
	AH      AHAttr
}

// DeviceAttr is the subset of struct ibv_device_attr the connection manager
// consumes.
type DeviceAttr struct {
	FWVersion   string
	VendorID    uint32
	MaxQP       int
	MaxCQE      int
	PhysPortCnt uint8
}

// PortAttr is the subset of struct ibv_port_attr the connection manager
// consumes.
type PortAttr struct {
	LinkLayer LinkLayer
	ActiveMTU MTU
	LID       uint16
}

// Device is an opened verbs device context.
type Device interface {
	GUID() uint64
	Name() string
	QueryDevice() (DeviceAttr, error)
	QueryPort(port uint8) (PortAttr, error)
	QueryGID(port uint8, index int) (GID, error)
	CreateCQ(cqe int) (CQ, error)
	// CreateQP creates a reliable-connected queue pair whose send and
	// receive queues both complete on cq.
	CreateQP(cq CQ) (QP, error)
}

// CQ is a completion queue.
type CQ interface {
	Destroy() error
}

// QP is a queue pair.
type QP interface {
	Num() uint32
	Destroy() error
}
