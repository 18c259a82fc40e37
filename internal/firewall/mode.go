// Copyright (c) 2026 cproxy contributors. Licensed under the MIT License.

package firewall

import "net"

// Mode is the sum-type tag the supervisor branches on once at
// acquisition time; the installed ChainSet carries it through to
// teardown so release is symmetric without re-deciding anything.
type Mode int

const (
	// Redirect destination-NATs matched traffic to a local listener.
	Redirect Mode = iota
	// TProxy marks matched traffic for policy-routed transparent
	// delivery, preserving the original destination.
	TProxy
	// Trace only logs matched traffic; nothing is rewritten.
	Trace
)

// tag is the short spelling embedded in chain names, per the
// `cp_<mode>_<role>_<key>` naming scheme (see chainName).
func (m Mode) tag() string {
	switch m {
	case TProxy:
		return "tp"
	case Trace:
		return "tr"
	default:
		return "rd"
	}
}

func (m Mode) String() string {
	switch m {
	case TProxy:
		return "tproxy"
	case Trace:
		return "trace"
	default:
		return "redirect"
	}
}

// Params carries the per-mode parameters named in the data model:
// Redirect{dns}, TProxy{mark,override_dns}, Trace{}.
type Params struct {
	// Port is the local port traffic is steered to. Required in all modes.
	Port uint16

	// RedirectDNS additionally REDIRECTs udp/53 in Redirect mode.
	RedirectDNS bool

	// Mark is the fwmark applied in TProxy mode's OUTPUT chain; it
	// must match the mark installed by the routing guard (C2).
	Mark uint32

	// OverrideDNS, if set, DNATs udp/53 to this address in TProxy mode
	// instead of leaving DNS queries to follow the mark.
	OverrideDNS net.IP
}
