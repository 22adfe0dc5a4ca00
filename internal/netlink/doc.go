// Package netlink queries the kernel routing table over rtnetlink.
package netlink
