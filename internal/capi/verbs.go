//go:build linux && cgo && rdma_hw

package capi

/*
#cgo pkg-config: libibverbs
#include <string.h>
#include <endian.h>
#include <infiniband/verbs.h>

static int rdmacm_go_query_port(struct ibv_context *ctx, uint8_t port,
                                struct ibv_port_attr *attr) {
	memset(attr, 0, sizeof(*attr));
	return ibv_query_port(ctx, port, attr);
}

static uint64_t rdmacm_go_device_guid(struct ibv_context *ctx) {
	return be64toh(ibv_get_device_guid(ctx->device));
}

static const char *rdmacm_go_device_name(struct ibv_context *ctx) {
	return ibv_get_device_name(ctx->device);
}

static struct ibv_qp *rdmacm_go_create_qp(struct ibv_pd *pd, struct ibv_cq *cq) {
	struct ibv_qp_init_attr attr;
	memset(&attr, 0, sizeof(attr));
	attr.send_cq          = cq;
	attr.recv_cq          = cq;
	attr.qp_type          = IBV_QPT_RC;
	attr.cap.max_send_wr  = 1;
	attr.cap.max_recv_wr  = 1;
	attr.cap.max_send_sge = 1;
	attr.cap.max_recv_sge = 1;
	return ibv_create_qp(pd, &attr);
}
*/
import "C"

import (
	"unsafe"
)

// Context wraps an opened struct ibv_context. librdmacm owns the context of
// an identifier, so Context is never closed here.
type Context struct {
	ptr *C.struct_ibv_context
}

// Handle is the address of the underlying ibv_context.
func (c *Context) Handle() uintptr { return uintptr(unsafe.Pointer(c.ptr)) }

func (c *Context) Name() string { return C.GoString(C.rdmacm_go_device_name(c.ptr)) }

// GUID returns the node GUID in host order.
func (c *Context) GUID() uint64 { return uint64(C.rdmacm_go_device_guid(c.ptr)) }

// DeviceAttr is the subset of struct ibv_device_attr the callers use.
type DeviceAttr struct {
	FWVersion   string
	VendorID    uint32
	MaxQP       int
	MaxCQE      int
	PhysPortCnt uint8
}

func (c *Context) QueryDevice() (DeviceAttr, error) {
	var attr C.struct_ibv_device_attr
	if ret := C.ibv_query_device(c.ptr, &attr); ret != 0 {
		return DeviceAttr{}, ErrorFromStatus(int(ret), "ibv_query_device")
	}
	return DeviceAttr{
		FWVersion:   C.GoString(&attr.fw_ver[0]),
		VendorID:    uint32(attr.vendor_id),
		MaxQP:       int(attr.max_qp),
		MaxCQE:      int(attr.max_cqe),
		PhysPortCnt: uint8(attr.phys_port_cnt),
	}, nil
}

// Link layers reported by QueryPort.
const (
	LinkLayerUnspecified = C.IBV_LINK_LAYER_UNSPECIFIED
	LinkLayerInfiniBand  = C.IBV_LINK_LAYER_INFINIBAND
	LinkLayerEthernet    = C.IBV_LINK_LAYER_ETHERNET
)

// PortAttr is the subset of struct ibv_port_attr the callers use.
type PortAttr struct {
	LinkLayer uint8
	ActiveMTU uint8
	LID       uint16
}

func (c *Context) QueryPort(port uint8) (PortAttr, error) {
	var attr C.struct_ibv_port_attr
	if ret := C.rdmacm_go_query_port(c.ptr, C.uint8_t(port), &attr); ret != 0 {
		return PortAttr{}, ErrorFromStatus(int(ret), "ibv_query_port")
	}
	return PortAttr{
		LinkLayer: uint8(attr.link_layer),
		ActiveMTU: uint8(attr.active_mtu),
		LID:       uint16(attr.lid),
	}, nil
}

func (c *Context) QueryGID(port uint8, index int) ([16]byte, error) {
	var gid C.union_ibv_gid
	var out [16]byte
	if ret := C.ibv_query_gid(c.ptr, C.uint8_t(port), C.int(index), &gid); ret != 0 {
		return out, ErrorFromStatus(int(ret), "ibv_query_gid")
	}
	copy(out[:], C.GoBytes(unsafe.Pointer(&gid), 16))
	return out, nil
}

// PD wraps struct ibv_pd.
type PD struct {
	ptr *C.struct_ibv_pd
}

func (c *Context) AllocPD() (*PD, error) {
	pd, err := C.ibv_alloc_pd(c.ptr)
	if pd == nil {
		return nil, ErrorFromCall(-1, err, "ibv_alloc_pd")
	}
	return &PD{ptr: pd}, nil
}

func (p *PD) Dealloc() error {
	if p == nil || p.ptr == nil {
		return nil
	}
	if ret := C.ibv_dealloc_pd(p.ptr); ret != 0 {
		return ErrorFromStatus(int(ret), "ibv_dealloc_pd")
	}
	p.ptr = nil
	return nil
}

// CQ wraps struct ibv_cq.
type CQ struct {
	ptr *C.struct_ibv_cq
}

func (c *Context) CreateCQ(cqe int) (*CQ, error) {
	cq, err := C.ibv_create_cq(c.ptr, C.int(cqe), nil, nil, 0)
	if cq == nil {
		return nil, ErrorFromCall(-1, err, "ibv_create_cq")
	}
	return &CQ{ptr: cq}, nil
}

func (q *CQ) Destroy() error {
	if q == nil || q.ptr == nil {
		return nil
	}
	if ret := C.ibv_destroy_cq(q.ptr); ret != 0 {
		return ErrorFromStatus(int(ret), "ibv_destroy_cq")
	}
	q.ptr = nil
	return nil
}

// QP wraps struct ibv_qp.
type QP struct {
	ptr *C.struct_ibv_qp
}

// CreateQP creates a minimal reliable-connected queue pair on pd whose
// queues complete on cq.
func CreateQP(pd *PD, cq *CQ) (*QP, error) {
	qp, err := C.rdmacm_go_create_qp(pd.ptr, cq.ptr)
	if qp == nil {
		return nil, ErrorFromCall(-1, err, "ibv_create_qp")
	}
	return &QP{ptr: qp}, nil
}

func (q *QP) Num() uint32 { return uint32(q.ptr.qp_num) }

func (q *QP) Destroy() error {
	if q == nil || q.ptr == nil {
		return nil
	}
	if ret := C.ibv_destroy_qp(q.ptr); ret != 0 {
		return ErrorFromStatus(int(ret), "ibv_destroy_qp")
	}
	q.ptr = nil
	return nil
}
