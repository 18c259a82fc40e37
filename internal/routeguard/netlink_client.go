// Copyright (c) 2026 cproxy contributors. Licensed under the MIT License.

// Package routeguard implements C2, the RoutingGuard: it installs a
// fwmark-based policy route (an `ip rule` plus a local route in the
// target table) so packets fwmark'd by the firewall guard in tproxy
// mode get delivered back to a local socket, and it defends that rule
// against external interference (NetworkManager restarts, VPN up/down
// are observed in the wild to flush policy rules).
package routeguard

import (
	"net"

	"github.com/vishvananda/netlink"
)

// netlinkClient is the seam between the guard and the kernel's RPDB,
// using the injectable-netlink-wrapper pattern so tests can run
// without root or a real network namespace.
type netlinkClient interface {
	RuleAdd(rule *netlink.Rule) error
	RuleDel(rule *netlink.Rule) error
	RuleList(family int) ([]netlink.Rule, error)
	RouteAdd(route *netlink.Route) error
	RouteDel(route *netlink.Route) error
	LinkByName(name string) (netlink.Link, error)
}

// realNetlinkClient is the production implementation, backed directly
// by vishvananda/netlink.
type realNetlinkClient struct{}

func (realNetlinkClient) RuleAdd(rule *netlink.Rule) error { return netlink.RuleAdd(rule) }
func (realNetlinkClient) RuleDel(rule *netlink.Rule) error { return netlink.RuleDel(rule) }
func (realNetlinkClient) RuleList(family int) ([]netlink.Rule, error) {
	return netlink.RuleList(family)
}
func (realNetlinkClient) RouteAdd(route *netlink.Route) error { return netlink.RouteAdd(route) }
func (realNetlinkClient) RouteDel(route *netlink.Route) error { return netlink.RouteDel(route) }
func (realNetlinkClient) LinkByName(name string) (netlink.Link, error) {
	return netlink.LinkByName(name)
}

// defaultIPv4Net returns 0.0.0.0/0, the destination of the local route
// that delivers marked packets back to lo.
func defaultIPv4Net() *net.IPNet {
	_, n, _ := net.ParseCIDR("0.0.0.0/0")
	return n
}
