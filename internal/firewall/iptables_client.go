// Copyright (c) 2026 cproxy contributors. Licensed under the MIT License.

// Package firewall implements C3, the FirewallGuard: it installs a
// named, mode-specific set of netfilter chains and rules that match on
// a classifier identity (see internal/cgroupguard) and either rewrite
// destinations, mark packets for policy routing, or merely log,
// depending on the chosen redirection mode.
package firewall

import (
	"github.com/coreos/go-iptables/iptables"
)

// iptablesClient is the seam between the guard and the netfilter
// ruleset, mirroring the injectable-command-runner pattern the rest of
// this codebase uses for kernel-facing operations. It is a narrow
// subset of *iptables.IPTables: just enough to build and tear down a
// chain that is jumped to from a built-in chain.
type iptablesClient interface {
	NewChain(table, chain string) error
	ChainExists(table, chain string) (bool, error)
	ClearChain(table, chain string) error
	DeleteChain(table, chain string) error
	AppendUnique(table, chain string, rulespec ...string) error
	Insert(table, chain string, pos int, rulespec ...string) error
	Delete(table, chain string, rulespec ...string) error
	Exists(table, chain string, rulespec ...string) (bool, error)
}

// NewClient constructs the production iptables client used by
// Install. legacy selects the iptables-legacy binary instead of the
// nft-backed one, matching environments where the nft translation
// layer is absent or where the conntrack entries it leaves behind are
// undesirable.
func NewClient(legacy bool) (iptablesClient, error) {
	opts := []iptables.Option{iptables.IPFamily(iptables.ProtocolIPv4)}
	if legacy {
		opts = append(opts, iptables.Path("iptables-legacy"))
	}
	return iptables.New(opts...)
}
