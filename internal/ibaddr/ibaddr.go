// Package ibaddr packs InfiniBand and RoCE device addresses exchanged during
// connection establishment.
//
// The packed form starts with a flags byte. Ethernet addresses carry a RoCE
// info byte and the full GID; InfiniBand addresses carry the LID followed by
// the interface ID and subnet prefix selected by the flags. Path MTU and GID
// index trail when present.
package ibaddr

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/rocketbitz/rdmacm-go/rdma"
)

// Flags select which fields Pack writes.
type Flags uint8

const (
	FlagEth Flags = 1 << iota
	FlagInterfaceID
	FlagSubnetPrefix
	FlagPathMTU
	FlagGIDIndex
)

// RoCEVersion identifies the RoCE protocol revision of an Ethernet port.
type RoCEVersion uint8

const (
	RoCEv1 RoCEVersion = iota
	RoCEv1_5
	RoCEv2
	// RoCEAny matches every local version during reachability checks.
	RoCEAny RoCEVersion = 0x0f
)

// RoCEInfo describes the remote side of an Ethernet address.
type RoCEInfo struct {
	Version RoCEVersion
	// AddrFamily is 0 when unknown, otherwise AF_INET or AF_INET6.
	AddrFamily uint8
}

// Params holds the unpacked form of a device address.
type Params struct {
	Flags    Flags
	GID      rdma.GID
	LID      uint16
	RoCE     RoCEInfo
	PathMTU  rdma.MTU
	GIDIndex uint8
}

// ErrShort reports a buffer too small for the fields its flags announce.
var ErrShort = errors.New("ibaddr: truncated address")

// Size returns the packed length of p.
func Size(p Params) int {
	n := 1
	if p.Flags&FlagEth != 0 {
		n += 1 + len(p.GID)
	} else {
		n += 2
		if p.Flags&FlagInterfaceID != 0 {
			n += 8
		}
		if p.Flags&FlagSubnetPrefix != 0 {
			n += 8
		}
	}
	if p.Flags&FlagPathMTU != 0 {
		n++
	}
	if p.Flags&FlagGIDIndex != 0 {
		n++
	}
	return n
}

// Pack encodes p into a new buffer of Size(p) bytes.
func Pack(p Params) []byte {
	buf := make([]byte, Size(p))
	buf[0] = byte(p.Flags)
	off := 1
	if p.Flags&FlagEth != 0 {
		buf[off] = byte(p.RoCE.Version&0x0f) | p.RoCE.AddrFamily<<4
		off++
		off += copy(buf[off:], p.GID[:])
	} else {
		binary.LittleEndian.PutUint16(buf[off:], p.LID)
		off += 2
		if p.Flags&FlagInterfaceID != 0 {
			binary.LittleEndian.PutUint64(buf[off:], p.GID.InterfaceID())
			off += 8
		}
		if p.Flags&FlagSubnetPrefix != 0 {
			binary.LittleEndian.PutUint64(buf[off:], p.GID.SubnetPrefix())
			off += 8
		}
	}
	if p.Flags&FlagPathMTU != 0 {
		buf[off] = byte(p.PathMTU)
		off++
	}
	if p.Flags&FlagGIDIndex != 0 {
		buf[off] = p.GIDIndex
	}
	return buf
}

// Unpack decodes an address produced by Pack.
func Unpack(buf []byte) (Params, error) {
	var p Params
	if len(buf) < 1 {
		return p, ErrShort
	}
	p.Flags = Flags(buf[0])
	if len(buf) < Size(p) {
		return p, fmt.Errorf("%w: %d bytes, need %d", ErrShort, len(buf), Size(p))
	}
	off := 1
	if p.Flags&FlagEth != 0 {
		p.RoCE = RoCEInfo{Version: RoCEVersion(buf[off] & 0x0f), AddrFamily: buf[off] >> 4}
		off++
		off += copy(p.GID[:], buf[off:off+len(p.GID)])
	} else {
		p.LID = binary.LittleEndian.Uint16(buf[off:])
		off += 2
		if p.Flags&FlagInterfaceID != 0 {
			binary.BigEndian.PutUint64(p.GID[8:], binary.LittleEndian.Uint64(buf[off:]))
			off += 8
		}
		if p.Flags&FlagSubnetPrefix != 0 {
			binary.BigEndian.PutUint64(p.GID[:8], binary.LittleEndian.Uint64(buf[off:]))
			off += 8
		}
	}
	if p.Flags&FlagPathMTU != 0 {
		p.PathMTU = rdma.MTU(buf[off])
		off++
	}
	if p.Flags&FlagGIDIndex != 0 {
		p.GIDIndex = buf[off]
	}
	return p, nil
}

func (p Params) String() string {
	if p.Flags&FlagEth != 0 {
		return fmt.Sprintf("eth gid=%s roce=%d mtu=%s", p.GID, p.RoCE.Version, p.PathMTU)
	}
	return fmt.Sprintf("ib lid=%d subnet=%#x iface=%#x mtu=%s", p.LID, p.GID.SubnetPrefix(), p.GID.InterfaceID(), p.PathMTU)
}
