package sim

import (
	"fmt"
	"sync"

	"github.com/rocketbitz/rdmacm-go/rdma"
)

// PortConfig describes one physical port.
type PortConfig struct {
	LinkLayer rdma.LinkLayer
	LID       uint16
	// GID defaults to a link-local GID derived from the device GUID.
	GID      rdma.GID
	GIDIndex uint8
	MTU      rdma.MTU
}

// DevXConfig describes the firmware command surface of a device.
type DevXConfig struct {
	Supported                 bool
	GeneralObjTypes           uint64
	LogReservedQPNGranularity uint8
	LogMaxNumReservedQPN      uint8
}

// ReservedQPNCapable returns a DevX configuration that passes the reserved
// QPN capability probe with blocks of 2^granularity numbers.
func ReservedQPNCapable(granularity, logMax uint8) DevXConfig {
	return DevXConfig{
		Supported:                 true,
		GeneralObjTypes:           1 << rdma.ObjTypeReservedQPN,
		LogReservedQPNGranularity: granularity,
		LogMaxNumReservedQPN:      logMax,
	}
}

// DeviceConfig describes a simulated device.
type DeviceConfig struct {
	Name  string
	GUID  uint64
	Ports []PortConfig
	DevX  DevXConfig
}

var (
	_ rdma.Device = (*Device)(nil)
	_ rdma.DevX   = (*Device)(nil)
)

// Device implements rdma.Device and rdma.DevX.
type Device struct {
	cfg  DeviceConfig
	guid uint64

	mu            sync.Mutex
	faults        map[Op]error
	calls         map[Op]int
	liveCQs       int
	liveQPs       int
	liveReserved  int
	reservedTotal uint32
	nextQPN       uint32
}

// FailOn makes every later call of op fail with err until ClearFault.
func (d *Device) FailOn(op Op, err error) {
	d.mu.Lock()
	d.faults[op] = err
	d.mu.Unlock()
}

// ClearFault removes a fault installed with FailOn.
func (d *Device) ClearFault(op Op) {
	d.mu.Lock()
	delete(d.faults, op)
	d.mu.Unlock()
}

// Calls returns how many times op was invoked.
func (d *Device) Calls(op Op) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[op]
}

// LiveCQs returns the number of completion queues not yet destroyed.
func (d *Device) LiveCQs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.liveCQs
}

// LiveQPs returns the number of queue pairs not yet destroyed.
func (d *Device) LiveQPs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.liveQPs
}

// LiveReservedQPNs returns the number of reserved QPN objects not yet destroyed.
func (d *Device) LiveReservedQPNs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.liveReserved
}

// enter records a call of op and returns the installed fault, if any.
// d.mu must be held.
func (d *Device) enter(op Op) error {
	d.calls[op]++
	if err := d.faults[op]; err != nil {
		return fmt.Errorf("sim %s: %s: %w", d.cfg.Name, op, err)
	}
	return nil
}

func (d *Device) GUID() uint64 { return d.guid }

func (d *Device) Name() string { return d.cfg.Name }

func (d *Device) QueryDevice() (rdma.DeviceAttr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter(OpQueryDevice); err != nil {
		return rdma.DeviceAttr{}, err
	}
	return rdma.DeviceAttr{
		FWVersion:   "16.35.1012",
		VendorID:    0x02c9,
		MaxQP:       1 << 18,
		MaxCQE:      1 << 22,
		PhysPortCnt: uint8(len(d.cfg.Ports)),
	}, nil
}

func (d *Device) QueryPort(port uint8) (rdma.PortAttr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter(OpQueryPort); err != nil {
		return rdma.PortAttr{}, err
	}
	cfg, ok := d.port(port)
	if !ok {
		return rdma.PortAttr{}, rdma.ErrInvalidHandle{Resource: "port"}
	}
	return rdma.PortAttr{LinkLayer: cfg.LinkLayer, ActiveMTU: cfg.MTU, LID: cfg.LID}, nil
}

func (d *Device) QueryGID(port uint8, index int) (rdma.GID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter(OpQueryGID); err != nil {
		return rdma.GID{}, err
	}
	cfg, ok := d.port(port)
	if !ok || index != int(cfg.GIDIndex) {
		return rdma.GID{}, rdma.ErrInvalidHandle{Resource: "gid"}
	}
	return cfg.GID, nil
}

func (d *Device) CreateCQ(cqe int) (rdma.CQ, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter(OpCreateCQ); err != nil {
		return nil, err
	}
	if cqe < 1 {
		return nil, fmt.Errorf("sim %s: create_cq: invalid size %d", d.cfg.Name, cqe)
	}
	d.liveCQs++
	return &cq{dev: d, size: cqe}, nil
}

func (d *Device) CreateQP(c rdma.CQ) (rdma.QP, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter(OpCreateQP); err != nil {
		return nil, err
	}
	owned, ok := c.(*cq)
	if !ok || owned.dev != d || owned.destroyed {
		return nil, rdma.ErrInvalidHandle{Resource: "cq"}
	}
	d.nextQPN++
	d.liveQPs++
	return &qp{dev: d, num: firstQPN + d.nextQPN}, nil
}

func (d *Device) DevXSupported() bool {
	return d.cfg.DevX.Supported
}

func (d *Device) QueryHCACaps() (rdma.HCACaps, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter(OpQueryHCACaps); err != nil {
		return rdma.HCACaps{}, err
	}
	if !d.cfg.DevX.Supported {
		return rdma.HCACaps{}, rdma.ErrNotSupported
	}
	return rdma.HCACaps{GeneralObjTypes: d.cfg.DevX.GeneralObjTypes}, nil
}

func (d *Device) QueryHCACaps2() (rdma.HCACaps2, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter(OpQueryHCACaps2); err != nil {
		return rdma.HCACaps2{}, err
	}
	if !d.cfg.DevX.Supported {
		return rdma.HCACaps2{}, rdma.ErrNotSupported
	}
	return rdma.HCACaps2{
		LogReservedQPNGranularity: d.cfg.DevX.LogReservedQPNGranularity,
		LogMaxNumReservedQPN:      d.cfg.DevX.LogMaxNumReservedQPN,
	}, nil
}

func (d *Device) CreateReservedQPN(logRange uint8) (rdma.DevXObject, uint32, uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter(OpCreateReservedQPN); err != nil {
		return nil, 0, syndromeResourceLimited, err
	}
	if !d.cfg.DevX.Supported || !(rdma.HCACaps{GeneralObjTypes: d.cfg.DevX.GeneralObjTypes}).SupportsObjType(rdma.ObjTypeReservedQPN) {
		return nil, 0, 0, rdma.ErrNotSupported
	}
	count := uint32(1) << logRange
	limit := uint32(1) << d.cfg.DevX.LogMaxNumReservedQPN
	if uint32(d.liveReserved)*count+count > limit {
		return nil, 0, syndromeResourceLimited, fmt.Errorf("sim %s: reserved qpn range exhausted", d.cfg.Name)
	}
	first := firstReservedQPN + d.reservedTotal*count
	d.reservedTotal++
	d.liveReserved++
	return &reservedQPN{dev: d, first: first}, first, 0, nil
}

func (d *Device) port(num uint8) (PortConfig, bool) {
	if num < rdma.FirstPort || int(num) > len(d.cfg.Ports) {
		return PortConfig{}, false
	}
	return d.cfg.Ports[num-rdma.FirstPort], true
}

type cq struct {
	dev       *Device
	size      int
	destroyed bool
}

func (c *cq) Destroy() error {
	c.dev.mu.Lock()
	defer c.dev.mu.Unlock()
	if c.destroyed {
		return rdma.ErrInvalidHandle{Resource: "cq"}
	}
	c.destroyed = true
	c.dev.liveCQs--
	return nil
}

type qp struct {
	dev       *Device
	num       uint32
	destroyed bool
}

func (q *qp) Num() uint32 { return q.num }

func (q *qp) Destroy() error {
	q.dev.mu.Lock()
	defer q.dev.mu.Unlock()
	if q.destroyed {
		return rdma.ErrInvalidHandle{Resource: "qp"}
	}
	q.destroyed = true
	q.dev.liveQPs--
	return nil
}

type reservedQPN struct {
	dev       *Device
	first     uint32
	destroyed bool
}

func (r *reservedQPN) Destroy() error {
	r.dev.mu.Lock()
	defer r.dev.mu.Unlock()
	if r.destroyed {
		return rdma.ErrInvalidHandle{Resource: "reserved qpn"}
	}
	r.destroyed = true
	r.dev.liveReserved--
	return nil
}
