//go:build !linux

package netlink

import (
	"errors"
	"net"
)

// RouteExists is only implemented on Linux.
func RouteExists(string, net.IP) (bool, error) {
	return false, errors.ErrUnsupported
}
