package cm

import (
	"fmt"

	"github.com/rocketbitz/rdmacm-go/rdma"
)

// ReservedQPNBlock is a range of 2^granularity QP numbers reserved in
// firmware. The numbers are valid for address resolution but never backed by
// a queue pair.
type ReservedQPNBlock struct {
	ctx      *DeviceContext
	obj      rdma.DevXObject
	FirstQPN uint32

	// refcount and nextAvail are guarded by ctx.mu.
	refcount  int
	nextAvail uint32
}

// RefCount returns the number of endpoints holding a QP number of the block.
func (b *ReservedQPNBlock) RefCount() int {
	b.ctx.mu.Lock()
	defer b.ctx.mu.Unlock()
	return b.refcount
}

// QPNAllocator creates and destroys reserved QPN blocks for a device context.
type QPNAllocator interface {
	// Allocate reserves one block of 2^ctx.Granularity() numbers. Failures
	// are logged at level.
	Allocate(ctx *DeviceContext, level LogLevel) (*ReservedQPNBlock, error)
	// Release destroys blk. It panics if blk is still referenced.
	Release(blk *ReservedQPNBlock)
}

// NewDevXAllocator returns an allocator that issues DevX reserved QPN
// commands.
func NewDevXAllocator() QPNAllocator {
	return devxAllocator{}
}

type devxAllocator struct{}

func (devxAllocator) Allocate(ctx *DeviceContext, level LogLevel) (*ReservedQPNBlock, error) {
	m := ctx.m
	dx, ok := ctx.dev.(rdma.DevX)
	if !ok || !dx.DevXSupported() {
		return nil, StatusUnsupported.WithOp("allocate reserved qpn")
	}
	obj, first, syndrome, err := dx.CreateReservedQPN(ctx.granularity)
	if err != nil {
		m.log.log(level, "reserved_qpn_alloc_failed",
			logKV("device", ctx.name),
			logKV("log_range", ctx.granularity),
			logKV("syndrome", fmt.Sprintf("%#x", syndrome)),
			logKV("error", err))
		m.metricReservedQPNFailed(err, logKV(labelDevice, ctx.name))
		return nil, newError("allocate reserved qpn", StatusIOError, err)
	}
	m.log.log(LogLevelDebug, "reserved_qpn_allocated",
		logKV("device", ctx.name),
		logKV("first_qpn", fmt.Sprintf("%#x", first)),
		logKV("count", uint32(1)<<ctx.granularity))
	m.metricReservedQPNAllocated(logKV(labelDevice, ctx.name))
	return &ReservedQPNBlock{ctx: ctx, obj: obj, FirstQPN: first}, nil
}

func (devxAllocator) Release(blk *ReservedQPNBlock) {
	if blk.refcount != 0 {
		panic(fmt.Sprintf("cm: releasing reserved qpn block %#x with refcount %d", blk.FirstQPN, blk.refcount))
	}
	ctx := blk.ctx
	if blk.obj != nil {
		if err := blk.obj.Destroy(); err != nil {
			ctx.m.log.log(LogLevelWarn, "reserved_qpn_destroy_failed",
				logKV("device", ctx.name),
				logKV("first_qpn", fmt.Sprintf("%#x", blk.FirstQPN)),
				logKV("error", err))
		}
		blk.obj = nil
	}
	ctx.m.metricReservedQPNReleased(logKV(labelDevice, ctx.name))
}

// NewUnsupportedAllocator returns an allocator for builds without firmware
// command support. Allocate always fails with StatusUnsupported.
func NewUnsupportedAllocator() QPNAllocator {
	return unsupportedAllocator{}
}

type unsupportedAllocator struct{}

func (unsupportedAllocator) Allocate(*DeviceContext, LogLevel) (*ReservedQPNBlock, error) {
	return nil, StatusUnsupported.WithOp("allocate reserved qpn")
}

func (unsupportedAllocator) Release(*ReservedQPNBlock) {}
