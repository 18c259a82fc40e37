// Copyright (c) 2026 cproxy contributors. Licensed under the MIT License.

package firewall

import (
	"fmt"
	"strconv"
	"time"

	cerrors "cproxy.dev/cproxy/internal/errors"
	"cproxy.dev/cproxy/internal/logging"
	"cproxy.dev/cproxy/internal/metrics"
)

// CGroupMatcher is satisfied by internal/cgroupguard.Handle. Firewall
// rule construction never branches on hierarchy version itself; it
// only ever asks the handle for its match clause.
type CGroupMatcher interface {
	MatchClause() []string
}

// teardownSleep precedes tproxy/trace teardown to let in-flight
// packets drain before the chain is flushed; folklore value, made a
// var so tests can shrink it.
var teardownSleep = 100 * time.Millisecond

const (
	tableNAT    = "nat"
	tableMangle = "mangle"
	tableRaw    = "raw"

	builtinOutput     = "OUTPUT"
	builtinPrerouting = "PREROUTING"
)

// chainRef identifies one created, jumped-to chain for teardown
// bookkeeping.
type chainRef struct {
	table    string
	builtin  string // the built-in chain the jump was inserted into
	name     string
	jumpSpec []string
}

// ChainSet is C3's installed artefact: the set of netfilter objects
// backing one mode for one invocation, plus enough bookkeeping to tear
// itself down symmetrically even if only part of it was installed.
type ChainSet struct {
	mode   Mode
	key    string
	params Params

	ipt iptablesClient
	log *logging.Logger
	mtx *metrics.Registry

	chains []chainRef // installed so far, in acquisition order; torn down LIFO
}

// chainName implements the `cp_<mode>_<role>_<key>` naming scheme, where
// role is "out", "pre", or "dnsout" (tproxy's nat DNS override chain).
func chainName(mode Mode, role string, key string) string {
	return fmt.Sprintf("cp_%s_%s_%s", mode.tag(), role, key)
}

// Install builds and installs the complete rule set for mode against
// the given cgroup identity. On any failure it tears down whatever it
// had already installed before returning the error, so callers never
// have to distinguish a failed Install from one needing explicit
// cleanup.
func Install(ipt iptablesClient, log *logging.Logger, mtx *metrics.Registry, mode Mode, key string, params Params, cgroup CGroupMatcher) (*ChainSet, error) {
	cs := &ChainSet{
		mode:   mode,
		key:    key,
		params: params,
		ipt:    ipt,
		log:    log,
		mtx:    mtx,
	}

	// Counted before installing so the Teardown run on a failed
	// install, which decrements, leaves the gauge where it started.
	if mtx != nil {
		mtx.GuardsActive.Inc()
	}

	var err error
	switch mode {
	case Redirect:
		err = cs.installRedirect(cgroup)
	case TProxy:
		err = cs.installTProxy(cgroup)
	case Trace:
		err = cs.installTrace(cgroup)
	default:
		err = cerrors.Errorf(cerrors.KindFirewall, "unknown mode %v", mode)
	}

	if err != nil {
		if terr := cs.Teardown(); terr != nil {
			cs.log.Error("teardown after failed install also failed", "err", terr)
		}
		return nil, err
	}

	if mtx != nil {
		for _, ref := range cs.chains {
			mtx.ChainsInstalled.WithLabelValues(mode.String(), ref.table).Inc()
		}
	}
	return cs, nil
}

// newChain creates a chain in table, jumps builtin to it at position 1
// (so it runs ahead of anything pre-existing), and records both steps
// for teardown. The jump is always unconditional; the chain's own
// rules do the matching.
func (cs *ChainSet) newChain(table, builtin, name string) error {
	if err := cs.ipt.NewChain(table, name); err != nil {
		return cerrors.Wrapf(err, cerrors.KindFirewall, "create chain %s/%s", table, name)
	}
	jumpSpec := []string{"-j", name}
	if err := cs.ipt.Insert(table, builtin, 1, jumpSpec...); err != nil {
		// The chain is not yet recorded in cs.chains, so Teardown would
		// not see it; remove it here.
		_ = cs.ipt.DeleteChain(table, name)
		return cerrors.Wrapf(err, cerrors.KindFirewall, "jump %s/%s -> %s", table, builtin, name)
	}
	cs.chains = append(cs.chains, chainRef{table: table, builtin: builtin, name: name, jumpSpec: jumpSpec})
	return nil
}

func (cs *ChainSet) appendRule(table, chain string, rulespec ...string) error {
	if err := cs.ipt.AppendUnique(table, chain, rulespec...); err != nil {
		return cerrors.Wrapf(err, cerrors.KindFirewall, "append rule to %s/%s: %v", table, chain, rulespec)
	}
	return nil
}

// loopbackExemptions appends the RETURN rules that must precede every
// match-and-act rule in a chain, for tcp and udp.
func (cs *ChainSet) loopbackExemptions(table, chain string) error {
	if err := cs.appendRule(table, chain, "-p", "udp", "-o", "lo", "-j", "RETURN"); err != nil {
		return err
	}
	return cs.appendRule(table, chain, "-p", "tcp", "-o", "lo", "-j", "RETURN")
}

func (cs *ChainSet) installRedirect(cgroup CGroupMatcher) error {
	chain := chainName(Redirect, "out", cs.key)
	if err := cs.newChain(tableNAT, builtinOutput, chain); err != nil {
		return err
	}
	if err := cs.loopbackExemptions(tableNAT, chain); err != nil {
		return err
	}

	match := cgroup.MatchClause()
	port := strconv.Itoa(int(cs.params.Port))

	spec := append([]string{"-p", "tcp"}, match...)
	spec = append(spec, "-j", "REDIRECT", "--to-ports", port)
	if err := cs.appendRule(tableNAT, chain, spec...); err != nil {
		return err
	}

	if cs.params.RedirectDNS {
		spec := append([]string{"-p", "udp"}, match...)
		spec = append(spec, "--dport", "53", "-j", "REDIRECT", "--to-ports", port)
		if err := cs.appendRule(tableNAT, chain, spec...); err != nil {
			return err
		}
	}
	return nil
}

func (cs *ChainSet) installTProxy(cgroup CGroupMatcher) error {
	pre := chainName(TProxy, "pre", cs.key)
	if err := cs.newChain(tableMangle, builtinPrerouting, pre); err != nil {
		return err
	}
	if err := cs.loopbackExemptions(tableMangle, pre); err != nil {
		return err
	}

	port := strconv.Itoa(int(cs.params.Port))
	mark := strconv.FormatUint(uint64(cs.params.Mark), 10)

	for _, proto := range []string{"udp", "tcp"} {
		spec := []string{"-p", proto, "-m", "mark", "--mark", mark,
			"-j", "TPROXY", "--on-ip", "127.0.0.1", "--on-port", port}
		if err := cs.appendRule(tableMangle, pre, spec...); err != nil {
			return err
		}
	}

	out := chainName(TProxy, "out", cs.key)
	if err := cs.newChain(tableMangle, builtinOutput, out); err != nil {
		return err
	}
	if err := cs.loopbackExemptions(tableMangle, out); err != nil {
		return err
	}

	match := cgroup.MatchClause()
	for _, proto := range []string{"tcp", "udp"} {
		spec := append([]string{"-p", proto}, match...)
		spec = append(spec, "-j", "MARK", "--set-mark", mark)
		if err := cs.appendRule(tableMangle, out, spec...); err != nil {
			return err
		}
	}

	if cs.params.OverrideDNS != nil {
		natOut := chainName(TProxy, "dnsout", cs.key)
		if err := cs.newChain(tableNAT, builtinOutput, natOut); err != nil {
			return err
		}
		spec := append([]string{"-p", "udp"}, match...)
		spec = append(spec, "--dport", "53", "-j", "DNAT", "--to-destination", cs.params.OverrideDNS.String())
		if err := cs.appendRule(tableNAT, natOut, spec...); err != nil {
			return err
		}
	}

	return nil
}

func (cs *ChainSet) installTrace(cgroup CGroupMatcher) error {
	chain := chainName(Trace, "out", cs.key)
	if err := cs.newChain(tableRaw, builtinOutput, chain); err != nil {
		return err
	}

	match := cgroup.MatchClause()
	prefix := fmt.Sprintf("cproxy[%s]: ", chain)
	for _, proto := range []string{"tcp", "udp"} {
		spec := append([]string{"-p", proto}, match...)
		spec = append(spec, "-j", "LOG", "--log-prefix", prefix)
		if err := cs.appendRule(tableRaw, chain, spec...); err != nil {
			return err
		}
	}
	return nil
}

// Teardown detaches each jump, flushes and deletes each created chain,
// in reverse acquisition order. It is tolerant of partial prior
// installation: chains never created are simply absent from cs.chains
// and are never touched. Every step is attempted even if an earlier
// one fails; the first error is returned but all are logged.
func (cs *ChainSet) Teardown() error {
	if cs.mode == TProxy || cs.mode == Trace {
		time.Sleep(teardownSleep)
	}

	var first error
	for i := len(cs.chains) - 1; i >= 0; i-- {
		ref := cs.chains[i]
		if err := cs.ipt.Delete(ref.table, ref.builtin, ref.jumpSpec...); err != nil {
			cs.recordTeardownFailure(&first, cerrors.Wrapf(err, cerrors.KindTeardown, "detach jump %s/%s -> %s", ref.table, ref.builtin, ref.name))
		}
		if err := cs.ipt.ClearChain(ref.table, ref.name); err != nil {
			cs.recordTeardownFailure(&first, cerrors.Wrapf(err, cerrors.KindTeardown, "flush chain %s/%s", ref.table, ref.name))
		}
		if err := cs.ipt.DeleteChain(ref.table, ref.name); err != nil {
			cs.recordTeardownFailure(&first, cerrors.Wrapf(err, cerrors.KindTeardown, "delete chain %s/%s", ref.table, ref.name))
		}
	}

	if cs.mtx != nil {
		cs.mtx.GuardsActive.Dec()
	}
	return first
}

func (cs *ChainSet) recordTeardownFailure(first *error, err error) {
	cs.log.Error("firewall teardown step failed", "err", err)
	if *first == nil {
		*first = err
	}
	if cs.mtx != nil {
		cs.mtx.TeardownFailures.Inc()
	}
}
