//go:build linux && cgo && rdma_hw

package rdma

import (
	"errors"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/rocketbitz/rdmacm-go/internal/capi"
)

// Hardware is the Provider backed by librdmacm and libibverbs.
//
// hwDevice does not implement DevX, so device contexts on hardware use dummy
// queue pairs until the mlx5dv DevX commands are bound.
type Hardware struct {
	mu      sync.Mutex
	devices map[uintptr]*hwDevice
}

var _ Provider = (*Hardware)(nil)

// NewHardware returns a provider for the RDMA devices of the host.
func NewHardware() *Hardware {
	return &Hardware{devices: make(map[uintptr]*hwDevice)}
}

func (h *Hardware) OpenEventChannel() (EventChannel, error) {
	ch, err := capi.CreateEventChannel()
	if err != nil {
		if errors.Is(err, unix.ENODEV) || errors.Is(err, unix.ENOENT) {
			return nil, errors.Join(ErrNoDevice, err)
		}
		return nil, err
	}
	return &hwChannel{hw: h, ch: ch, events: make(map[uintptr]*capi.Event)}, nil
}

// Close releases the protection domains allocated for dummy queue pairs.
func (h *Hardware) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var errs []error
	for key, dev := range h.devices {
		if err := dev.pd.Dealloc(); err != nil {
			errs = append(errs, err)
		}
		delete(h.devices, key)
	}
	return errors.Join(errs...)
}

func (h *Hardware) device(ctx *capi.Context) *hwDevice {
	h.mu.Lock()
	defer h.mu.Unlock()
	if dev, ok := h.devices[ctx.Handle()]; ok {
		return dev
	}
	dev := &hwDevice{ctx: ctx}
	h.devices[ctx.Handle()] = dev
	return dev
}

type hwChannel struct {
	hw *Hardware
	ch *capi.EventChannel

	mu     sync.Mutex
	events map[uintptr]*capi.Event
	closed bool
}

func (c *hwChannel) FD() int { return c.ch.FD() }

func (c *hwChannel) GetEvent() (*Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	raw, err := c.ch.GetEvent()
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return nil, ErrAgain
		}
		return nil, err
	}
	c.events[raw.Handle()] = raw
	ev := &Event{
		Type:        EventType(raw.Type()),
		Status:      raw.Status(),
		ID:          &hwID{hw: c.hw, id: raw.ID()},
		PrivateData: raw.PrivateData(),
		Handle:      raw.Handle(),
	}
	if listen := raw.ListenID(); listen != nil {
		ev.ListenID = &hwID{hw: c.hw, id: listen}
	}
	return ev, nil
}

func (c *hwChannel) AckEvent(ev *Event) error {
	if ev == nil {
		return ErrInvalidHandle{Resource: "event"}
	}
	c.mu.Lock()
	raw, ok := c.events[ev.Handle]
	delete(c.events, ev.Handle)
	c.mu.Unlock()
	if !ok {
		return ErrInvalidHandle{Resource: "event"}
	}
	return raw.Ack()
}

func (c *hwChannel) CreateID() (ID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	id, err := capi.CreateID(c.ch)
	if err != nil {
		return nil, err
	}
	return &hwID{hw: c.hw, id: id}, nil
}

func (c *hwChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.closed = true
	for handle, raw := range c.events {
		_ = raw.Ack()
		delete(c.events, handle)
	}
	c.ch.Destroy()
	return nil
}

type hwID struct {
	hw *Hardware
	id *capi.CMID
}

func (i *hwID) Handle() uintptr                    { return i.id.Handle() }
func (i *hwID) Bind(addr netip.AddrPort) error     { return i.id.Bind(addr) }
func (i *hwID) Listen(backlog int) error           { return i.id.Listen(backlog) }
func (i *hwID) ResolveRoute(t time.Duration) error { return i.id.ResolveRoute(t) }
func (i *hwID) Reject(priv []byte) error           { return i.id.Reject(priv) }
func (i *hwID) Establish() error                   { return i.id.Establish() }
func (i *hwID) Disconnect() error                  { return i.id.Disconnect() }
func (i *hwID) Destroy() error                     { return i.id.Destroy() }
func (i *hwID) PortNum() uint8                     { return i.id.PortNum() }
func (i *hwID) LocalAddr() netip.AddrPort          { return i.id.LocalAddr() }
func (i *hwID) PeerAddr() netip.AddrPort           { return i.id.PeerAddr() }

func (i *hwID) ResolveAddr(src netip.Addr, dst netip.AddrPort, timeout time.Duration) error {
	return i.id.ResolveAddr(src, dst, timeout)
}

func (i *hwID) Connect(p ConnParam) error { return i.id.Connect(p.QPNum, p.PrivateData) }
func (i *hwID) Accept(p ConnParam) error  { return i.id.Accept(p.QPNum, p.PrivateData) }

func (i *hwID) InitQPAttr(state QPState) (QPAttr, error) {
	raw, err := i.id.InitQPAttr(int(state))
	if err != nil {
		return QPAttr{}, err
	}
	return QPAttr{
		State:   state,
		PathMTU: MTU(raw.PathMTU),
		DestQPN: raw.DestQPN,
		AH: AHAttr{
			GRH: GlobalRoute{
				DGID:         GID(raw.DGID),
				FlowLabel:    raw.FlowLabel,
				SGIDIndex:    raw.SGIDIndex,
				HopLimit:     raw.HopLimit,
				TrafficClass: raw.TrafficClass,
			},
			DLID:     raw.DLID,
			SL:       raw.SL,
			IsGlobal: raw.IsGlobal,
			PortNum:  raw.PortNum,
		},
	}, nil
}

func (i *hwID) Device() Device {
	ctx := i.id.Verbs()
	if ctx == nil {
		return nil
	}
	return i.hw.device(ctx)
}

type hwDevice struct {
	ctx *capi.Context

	mu sync.Mutex
	pd *capi.PD
}

func (d *hwDevice) GUID() uint64 { return d.ctx.GUID() }
func (d *hwDevice) Name() string { return d.ctx.Name() }

func (d *hwDevice) QueryDevice() (DeviceAttr, error) {
	attr, err := d.ctx.QueryDevice()
	if err != nil {
		return DeviceAttr{}, err
	}
	return DeviceAttr(attr), nil
}

func (d *hwDevice) QueryPort(port uint8) (PortAttr, error) {
	attr, err := d.ctx.QueryPort(port)
	if err != nil {
		return PortAttr{}, err
	}
	return PortAttr{
		LinkLayer: LinkLayer(attr.LinkLayer),
		ActiveMTU: MTU(attr.ActiveMTU),
		LID:       attr.LID,
	}, nil
}

func (d *hwDevice) QueryGID(port uint8, index int) (GID, error) {
	gid, err := d.ctx.QueryGID(port, index)
	return GID(gid), err
}

func (d *hwDevice) CreateCQ(cqe int) (CQ, error) {
	cq, err := d.ctx.CreateCQ(cqe)
	if err != nil {
		return nil, err
	}
	return cq, nil
}

func (d *hwDevice) CreateQP(cq CQ) (QP, error) {
	hwcq, ok := cq.(*capi.CQ)
	if !ok || hwcq == nil {
		return nil, ErrInvalidHandle{Resource: "cq"}
	}
	d.mu.Lock()
	if d.pd == nil {
		pd, err := d.ctx.AllocPD()
		if err != nil {
			d.mu.Unlock()
			return nil, err
		}
		d.pd = pd
	}
	pd := d.pd
	d.mu.Unlock()

	qp, err := capi.CreateQP(pd, hwcq)
	if err != nil {
		return nil, err
	}
	return qp, nil
}
