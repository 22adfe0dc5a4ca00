package cm

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/rocketbitz/rdmacm-go/rdma"
)

// DeviceContext caches the capabilities and address resolution resources of
// one device. It lives until the Manager is closed.
type DeviceContext struct {
	m    *Manager
	dev  rdma.Device
	name string
	guid uint64

	// ethPorts has bit (port - rdma.FirstPort) set for Ethernet ports.
	ethPorts        uint64
	usesReservedQPN bool

	// reserved QPN mode
	mu          sync.Mutex
	blocks      []*ReservedQPNBlock
	granularity uint8

	// dummy QP mode
	cq          rdma.CQ
	numDummyQPs int
}

// Name returns the device name.
func (c *DeviceContext) Name() string { return c.name }

// GUID returns the device GUID the context is keyed by.
func (c *DeviceContext) GUID() uint64 { return c.guid }

// UsesReservedQPN reports whether the context hands out reserved QP numbers
// instead of creating dummy queue pairs.
func (c *DeviceContext) UsesReservedQPN() bool { return c.usesReservedQPN }

// IsEthPort reports whether port is an Ethernet (RoCE) port.
func (c *DeviceContext) IsEthPort(port uint8) bool {
	if port < rdma.FirstPort || port-rdma.FirstPort >= 64 {
		return false
	}
	return c.ethPorts&(uint64(1)<<(port-rdma.FirstPort)) != 0
}

// Granularity returns the base-2 logarithm of the reserved QPN block size.
func (c *DeviceContext) Granularity() uint8 { return c.granularity }

// NumBlocks returns the number of reserved QPN blocks currently allocated.
func (c *DeviceContext) NumBlocks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.blocks)
}

// NumDummyQPs returns the number of dummy queue pairs not yet destroyed.
func (c *DeviceContext) NumDummyQPs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.numDummyQPs
}

func (c *DeviceContext) mode() string {
	if c.usesReservedQPN {
		return modeReservedQPN
	}
	return modeDummyQP
}

func (c *DeviceContext) init(policy QPNPolicy) error {
	attr, err := c.dev.QueryDevice()
	if err != nil {
		return newError("query device", StatusIOError, err)
	}
	for port := uint8(rdma.FirstPort); port < rdma.FirstPort+attr.PhysPortCnt; port++ {
		pattr, err := c.dev.QueryPort(port)
		if err != nil {
			return newError(fmt.Sprintf("query port %d", port), StatusIOError, err)
		}
		if pattr.LinkLayer == rdma.LinkLayerEthernet {
			c.ethPorts |= uint64(1) << (port - rdma.FirstPort)
		}
	}

	if policy != ReservedQPNNo {
		err := c.negotiateReservedQPN()
		if err == nil {
			c.usesReservedQPN = true
			return nil
		}
		if policy == ReservedQPNYes {
			return newError("negotiate reserved qpn", StatusUnsupported, err)
		}
		c.m.log.log(LogLevelDebug, "reserved_qpn_unavailable",
			logKV("device", c.name),
			logKV("error", err))
	}

	// The CQ only exists so that dummy queue pairs have something to
	// complete on.
	cq, err := c.dev.CreateCQ(1)
	if err != nil {
		fields := []logField{logKV("device", c.name), logKV("error", err)}
		if diag := memlockDiagnostic(); diag != "" {
			fields = append(fields, logKV("hint", diag))
		}
		c.m.log.log(LogLevelError, "dummy_cq_create_failed", fields...)
		return newError("create dummy cq", StatusIOError, err)
	}
	c.cq = cq
	return nil
}

// negotiateReservedQPN probes the firmware for reserved QPN objects and
// proves the path with one allocate/release round trip.
func (c *DeviceContext) negotiateReservedQPN() error {
	dx, ok := c.dev.(rdma.DevX)
	if !ok || !dx.DevXSupported() {
		return fmt.Errorf("devx: %w", rdma.ErrNotSupported)
	}
	caps, err := dx.QueryHCACaps()
	if err != nil {
		return fmt.Errorf("query hca caps: %w", err)
	}
	if !caps.SupportsObjType(rdma.ObjTypeReservedQPN) {
		return fmt.Errorf("reserved qpn object: %w", rdma.ErrNotSupported)
	}
	caps2, err := dx.QueryHCACaps2()
	if err != nil {
		return fmt.Errorf("query hca caps 2: %w", err)
	}
	c.granularity = caps2.LogReservedQPNGranularity

	blk, err := c.m.allocator.Allocate(c, LogLevelDebug)
	if err != nil {
		return err
	}
	c.m.allocator.Release(blk)
	return nil
}

func (c *DeviceContext) cleanup() {
	if c.usesReservedQPN {
		c.mu.Lock()
		blocks := c.blocks
		c.blocks = nil
		c.mu.Unlock()
		for _, blk := range blocks {
			if blk.refcount != 0 {
				c.m.log.log(LogLevelWarn, "reserved_qpn_block_in_use",
					logKV("device", c.name),
					logKV("first_qpn", fmt.Sprintf("%#x", blk.FirstQPN)),
					logKV("refcount", blk.refcount))
				blk.refcount = 0
			}
			c.m.allocator.Release(blk)
		}
		return
	}

	if n := c.NumDummyQPs(); n != 0 {
		c.m.log.log(LogLevelWarn, "dummy_qps_leaked",
			logKV("device", c.name),
			logKV("count", n))
	}
	if c.cq != nil {
		if err := c.cq.Destroy(); err != nil {
			c.m.log.log(LogLevelWarn, "dummy_cq_destroy_failed",
				logKV("device", c.name),
				logKV("error", err))
		}
		c.cq = nil
	}
}

// qpnLease is the QP number an endpoint advertises while it is alive.
type qpnLease struct {
	ctx *DeviceContext
	blk *ReservedQPNBlock
	qp  rdma.QP
	num uint32
}

func (c *DeviceContext) acquireQPN() (*qpnLease, error) {
	if !c.usesReservedQPN {
		qp, err := c.dev.CreateQP(c.cq)
		if err != nil {
			c.m.log.log(LogLevelError, "dummy_qp_create_failed",
				logKV("device", c.name),
				logKV("error", err))
			return nil, newError("create dummy qp", StatusIOError, err)
		}
		c.mu.Lock()
		c.numDummyQPs++
		c.mu.Unlock()
		return &qpnLease{ctx: c, qp: qp, num: qp.Num()}, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	size := uint32(1) << c.granularity
	var blk *ReservedQPNBlock
	for _, b := range c.blocks {
		if b.nextAvail < size {
			blk = b
			break
		}
	}
	if blk == nil {
		b, err := c.m.allocator.Allocate(c, LogLevelError)
		if err != nil {
			return nil, err
		}
		c.blocks = append(c.blocks, b)
		blk = b
	}
	num := blk.FirstQPN + blk.nextAvail
	blk.nextAvail++
	blk.refcount++
	return &qpnLease{ctx: c, blk: blk, num: num}, nil
}

func (c *DeviceContext) releaseQPN(l *qpnLease) {
	if l.qp != nil {
		if err := l.qp.Destroy(); err != nil {
			c.m.log.log(LogLevelWarn, "dummy_qp_destroy_failed",
				logKV("device", c.name),
				logKV("qpn", l.num),
				logKV("error", err))
		}
		c.mu.Lock()
		c.numDummyQPs--
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	blk := l.blk
	blk.refcount--
	// A block is reused until every number in it was handed out once.
	if blk.refcount > 0 || blk.nextAvail < uint32(1)<<c.granularity {
		c.mu.Unlock()
		return
	}
	c.blocks = slices.DeleteFunc(c.blocks, func(b *ReservedQPNBlock) bool { return b == blk })
	c.mu.Unlock()
	c.m.allocator.Release(blk)
}

// deviceContext returns the context of dev, creating it on first use. The
// caller holds the worker lock.
func (m *Manager) deviceContext(dev rdma.Device) (*DeviceContext, error) {
	if dev == nil {
		return nil, newError("device context", StatusIOError, errors.New("identifier is not bound to a device"))
	}
	if ctx, ok := m.devices[dev.GUID()]; ok {
		return ctx, nil
	}

	ctx := &DeviceContext{m: m, dev: dev, name: dev.Name(), guid: dev.GUID()}
	if err := ctx.init(m.cfg.ReservedQPN); err != nil {
		m.log.log(LogLevelError, "device_context_failed",
			logKV("device", ctx.name),
			logKV("guid", fmt.Sprintf("%#016x", ctx.guid)),
			logKV("error", err))
		m.metricDeviceContextFailed(err,
			logKV(labelDevice, ctx.name),
			logKV(labelStatus, statusLabel(StatusOf(err))))
		return nil, err
	}
	m.devices[ctx.guid] = ctx
	m.log.log(LogLevelDiag, "device_context_created",
		logKV("device", ctx.name),
		logKV("guid", fmt.Sprintf("%#016x", ctx.guid)),
		logKV("eth_ports", fmt.Sprintf("%#x", ctx.ethPorts)),
		logKV("mode", ctx.mode()))
	m.metricDeviceContextCreated(logKV(labelDevice, ctx.name), logKV(labelMode, ctx.mode()))
	return ctx, nil
}

// DeviceContexts returns the device contexts created so far, ordered by
// device name.
func (m *Manager) DeviceContexts() []*DeviceContext {
	m.worker.Block()
	defer m.worker.Unblock()
	out := make([]*DeviceContext, 0, len(m.devices))
	for _, ctx := range m.devices {
		out = append(out, ctx)
	}
	slices.SortFunc(out, func(a, b *DeviceContext) int { return cmp.Compare(a.name, b.name) })
	return out
}
