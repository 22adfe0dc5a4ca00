//go:build linux

package netlink

import (
	"fmt"
	"net"

	nl "github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// RouteExists reports whether the main routing table holds a rule whose
// output interface is iface and whose destination prefix contains dst.
func RouteExists(iface string, dst net.IP) (bool, error) {
	family, addr, err := familyOf(dst)
	if err != nil {
		return false, err
	}
	link, err := nl.LinkByName(iface)
	if err != nil {
		return false, fmt.Errorf("netlink: interface %q: %w", iface, err)
	}

	filter := &nl.Route{LinkIndex: link.Attrs().Index, Table: unix.RT_TABLE_MAIN}
	routes, err := nl.RouteListFiltered(family, filter, nl.RT_FILTER_OIF|nl.RT_FILTER_TABLE)
	if err != nil {
		return false, fmt.Errorf("netlink: route dump on %s: %w", iface, err)
	}
	return matchRoute(routes, link.Attrs().Index, addr), nil
}

func familyOf(ip net.IP) (int, net.IP, error) {
	if v4 := ip.To4(); v4 != nil {
		return nl.FAMILY_V4, v4, nil
	}
	if len(ip) == net.IPv6len {
		return nl.FAMILY_V6, ip, nil
	}
	return 0, nil, fmt.Errorf("netlink: invalid destination %v", ip)
}

// matchRoute reports whether one of routes leaves through oif towards a
// prefix containing dst. Rules without a destination, such as the default
// route, never match.
func matchRoute(routes []nl.Route, oif int, dst net.IP) bool {
	for _, r := range routes {
		if r.LinkIndex != oif || r.Dst == nil {
			continue
		}
		ones, bits := r.Dst.Mask.Size()
		if ones == 0 || bits != 8*len(dst) {
			continue
		}
		if r.Dst.Contains(dst) {
			return true
		}
	}
	return false
}
