// Package sim implements the rdma interfaces on an in-process fabric so that
// connection management can be exercised without RDMA hardware.
//
// A Fabric holds devices and nodes. A Node is a local IP address served by
// one port of one device and acts as an rdma.Provider: identifiers created on
// its event channels resolve peers among the other nodes of the same fabric.
package sim

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/google/uuid"
	"github.com/rocketbitz/rdmacm-go/rdma"
)

// Op names an operation that can be made to fail with FailOn.
type Op string

const (
	OpOpenChannel       Op = "open_channel"
	OpCreateID          Op = "create_id"
	OpResolveAddr       Op = "resolve_addr"
	OpResolveRoute      Op = "resolve_route"
	OpConnect           Op = "connect"
	OpAccept            Op = "accept"
	OpReject            Op = "reject"
	OpEstablish         Op = "establish"
	OpInitQPAttr        Op = "init_qp_attr"
	OpQueryDevice       Op = "query_device"
	OpQueryPort         Op = "query_port"
	OpQueryGID          Op = "query_gid"
	OpCreateCQ          Op = "create_cq"
	OpCreateQP          Op = "create_qp"
	OpQueryHCACaps      Op = "query_hca_caps"
	OpQueryHCACaps2     Op = "query_hca_caps2"
	OpCreateReservedQPN Op = "create_reserved_qpn"
)

// privateDataLen is the private data size carried by RDMA_PS_TCP messages.
const privateDataLen = 56

// Reject reasons reported in Event.Status for EventRejected.
const (
	RejectInvalidServiceID  = 8
	RejectConsumerDefined   = 28
	firstEphemeralPort      = 40000
	firstReservedQPN        = 0x1000
	firstQPN                = 0x200
	syndromeResourceLimited = 0x6a1c
)

// Fabric is a set of simulated devices and the nodes attached to them.
type Fabric struct {
	name string

	mu         sync.Mutex
	devices    []*Device
	nodes      map[netip.Addr]*Node
	listeners  map[netip.AddrPort]*ID
	nextHandle uintptr
	nextPort   uint16
}

// NewFabric returns an empty fabric.
func NewFabric() *Fabric {
	return &Fabric{
		name:      "simfabric-" + uuid.NewString()[:8],
		nodes:     make(map[netip.Addr]*Node),
		listeners: make(map[netip.AddrPort]*ID),
		nextPort:  firstEphemeralPort,
	}
}

// Name identifies the fabric instance in logs.
func (f *Fabric) Name() string {
	return f.name
}

// AddDevice registers a device. A zero GUID is replaced with a random one and
// a device without ports gets a single InfiniBand port.
func (f *Fabric) AddDevice(cfg DeviceConfig) *Device {
	f.mu.Lock()
	defer f.mu.Unlock()

	if cfg.Name == "" {
		cfg.Name = fmt.Sprintf("sim_%d", len(f.devices))
	}
	guid := cfg.GUID
	if guid == 0 {
		id := uuid.New()
		for _, b := range id[:8] {
			guid = guid<<8 | uint64(b)
		}
	}
	if len(cfg.Ports) == 0 {
		cfg.Ports = []PortConfig{{LinkLayer: rdma.LinkLayerInfiniBand, LID: uint16(len(f.devices) + 1)}}
	}
	for i := range cfg.Ports {
		if cfg.Ports[i].MTU == 0 {
			cfg.Ports[i].MTU = rdma.MTU4096
		}
		if cfg.Ports[i].GID == (rdma.GID{}) {
			cfg.Ports[i].GID = defaultGID(guid, uint8(i+rdma.FirstPort))
		}
	}

	dev := &Device{
		cfg:    cfg,
		guid:   guid,
		faults: make(map[Op]error),
		calls:  make(map[Op]int),
	}
	f.devices = append(f.devices, dev)
	return dev
}

// AddNode attaches addr to port of dev.
func (f *Fabric) AddNode(addr netip.Addr, dev *Device, port uint8) (*Node, error) {
	if dev == nil {
		return nil, fmt.Errorf("sim: add node %s: nil device", addr)
	}
	if port < rdma.FirstPort || int(port) > len(dev.cfg.Ports) {
		return nil, fmt.Errorf("sim: add node %s: device %s has no port %d", addr, dev.Name(), port)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.nodes[addr]; exists {
		return nil, fmt.Errorf("sim: address %s already attached", addr)
	}
	n := &Node{fabric: f, addr: addr, dev: dev, port: port, faults: make(map[Op]error)}
	f.nodes[addr] = n
	return n, nil
}

func (f *Fabric) handle() uintptr {
	f.nextHandle++
	return f.nextHandle
}

func (f *Fabric) ephemeralPort() uint16 {
	port := f.nextPort
	f.nextPort++
	if f.nextPort == 0 {
		f.nextPort = firstEphemeralPort
	}
	return port
}

func defaultGID(guid uint64, port uint8) rdma.GID {
	var gid rdma.GID
	gid[0], gid[1] = 0xfe, 0x80
	for i := 0; i < 8; i++ {
		gid[8+i] = byte(guid >> (56 - 8*i))
	}
	gid[15] ^= port
	return gid
}

func padPrivateData(data []byte) ([]byte, error) {
	if len(data) > privateDataLen {
		return nil, fmt.Errorf("sim: private data too long (%d > %d)", len(data), privateDataLen)
	}
	out := make([]byte, privateDataLen)
	copy(out, data)
	return out, nil
}
