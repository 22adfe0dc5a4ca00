package cm

import (
	"fmt"

	"github.com/rocketbitz/rdmacm-go/internal/ibaddr"
	"github.com/rocketbitz/rdmacm-go/rdma"
)

// deviceName formats the local device and port of id as "dev:port".
func deviceName(id rdma.ID) string {
	dev := id.Device()
	if dev == nil {
		return ""
	}
	return fmt.Sprintf("%s:%d", dev.Name(), id.PortNum())
}

// resolveDeviceAddress packs the address of the peer of id from the
// attributes a queue pair would get in RTR state. The caller holds the
// worker lock.
func (m *Manager) resolveDeviceAddress(id rdma.ID) ([]byte, error) {
	attr, err := id.InitQPAttr(rdma.QPStateRTR)
	if err != nil {
		m.log.log(m.cfg.FailureLevel, "init_qp_attr_failed",
			logKV("ep", fmt.Sprintf("%#x", id.Handle())),
			logKV("error", err))
		return nil, newError("init qp attr", StatusIOError, err)
	}

	ctx, err := m.deviceContext(id.Device())
	if err != nil {
		return nil, err
	}

	ah := attr.AH
	port := id.PortNum()
	var p ibaddr.Params
	if ah.IsGlobal {
		p.Flags |= ibaddr.FlagGIDIndex
		p.GIDIndex = ah.GRH.SGIDIndex
		p.GID = ah.GRH.DGID
	}
	if attr.PathMTU.Bytes() == 0 {
		return nil, newError("resolve device address", StatusIOError,
			fmt.Errorf("invalid path mtu %d", attr.PathMTU))
	}
	p.Flags |= ibaddr.FlagPathMTU
	p.PathMTU = attr.PathMTU

	switch {
	case ctx.IsEthPort(port):
		if !ah.IsGlobal {
			return nil, newError("resolve device address", StatusIOError,
				fmt.Errorf("%s: ethernet port without global route", deviceName(id)))
		}
		// The CM already proved the peer reachable, so any RoCE version
		// is accepted.
		p.Flags |= ibaddr.FlagEth
		p.RoCE = ibaddr.RoCEInfo{Version: ibaddr.RoCEAny}
	case ah.IsGlobal:
		p.Flags |= ibaddr.FlagSubnetPrefix | ibaddr.FlagInterfaceID
	default:
		// Local route: assume the peer shares the subnet of the default GID.
		gid, err := ctx.dev.QueryGID(port, rdma.DefaultGIDIndex)
		if err != nil {
			m.log.log(LogLevelError, "query_gid_failed",
				logKV("device", deviceName(id)),
				logKV("error", err))
			return nil, newError("query gid", StatusIOError, err)
		}
		p.Flags |= ibaddr.FlagSubnetPrefix | ibaddr.FlagGIDIndex
		p.GID = gid
		p.GIDIndex = rdma.DefaultGIDIndex
	}
	p.LID = ah.DLID

	m.log.log(LogLevelDebug, "device_address_resolved",
		logKV("device", deviceName(id)),
		logKV("ah", ah.String()),
		logKV("address", p.String()))
	return ibaddr.Pack(p), nil
}
