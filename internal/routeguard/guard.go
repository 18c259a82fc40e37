// Copyright (c) 2026 cproxy contributors. Licensed under the MIT License.

package routeguard

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vishvananda/netlink"

	cerrors "cproxy.dev/cproxy/internal/errors"
	"cproxy.dev/cproxy/internal/logging"
	"cproxy.dev/cproxy/internal/metrics"
)

// State is the RoutingState machine from the routing guard's lifecycle:
// Install moves a guard from Unstarted straight to Defending (the
// StateInstalled value is defined but never stored), it is transiently
// Reasserting when the defender finds the rule missing, then Stopping
// and Removed on teardown.
type State int

const (
	StateUnstarted State = iota
	StateInstalled
	StateDefending
	StateReasserting
	StateStopping
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateInstalled:
		return "installed"
	case StateDefending:
		return "defending"
	case StateReasserting:
		return "reasserting"
	case StateStopping:
		return "stopping"
	case StateRemoved:
		return "removed"
	default:
		return "unstarted"
	}
}

// defenderInterval is how often the defender polls the RPDB for its
// rule. The rule only needs to be re-asserted promptly after external
// interference, not instantaneously.
const defenderInterval = 1 * time.Second

// Guard is C2, the RoutingGuard. One Guard owns exactly one fwmark
// rule and its associated local route; the firewall guard marks
// packets with the same fwmark in its mangle OUTPUT chain so the
// kernel delivers them back to the tproxy listener via this route.
type Guard struct {
	nl     netlinkClient
	log    *logging.Logger
	mtx    *metrics.Registry
	mark   uint32
	table  uint32
	family int

	state     atomic.Int32
	stopCh    chan struct{}
	doneCh    chan struct{}
	wg        sync.WaitGroup
	stopped   bool
	pollEvery time.Duration
	loIndex   int
}

// New constructs a Guard for the given invocation key (see DeriveMark)
// without installing anything yet.
func New(invocationKey int, log *logging.Logger, mtx *metrics.Registry) *Guard {
	mark, table := DeriveMark(invocationKey)
	g := &Guard{
		nl:        realNetlinkClient{},
		log:       log,
		mtx:       mtx,
		mark:      mark,
		table:     table,
		family:    netlink.FAMILY_V4,
		pollEvery: defenderInterval,
	}
	g.state.Store(int32(StateUnstarted))
	return g
}

// interval overrides the defender's poll period. Exposed for tests;
// production callers rely on the default.
func (g *Guard) interval(d time.Duration) { g.pollEvery = d }

// Mark returns the fwmark this guard installs and defends.
func (g *Guard) Mark() uint32 { return g.mark }

// Table returns the policy routing table id this guard installs a
// local route into.
func (g *Guard) Table() uint32 { return g.table }

// State reports the guard's current lifecycle state.
func (g *Guard) State() State { return State(g.state.Load()) }

// Install adds the `ip rule fwmark <mark> lookup <table>` rule and a
// local default route in that table, then starts the defender
// goroutine. Calling Install twice is an error.
func (g *Guard) Install() error {
	if State(g.state.Load()) != StateUnstarted {
		return cerrors.New(cerrors.KindRouting, "routing guard already installed")
	}

	lo, err := g.nl.LinkByName("lo")
	if err != nil {
		return cerrors.Wrap(err, cerrors.KindRouting, "resolve loopback interface")
	}
	g.loIndex = lo.Attrs().Index

	rule := g.newRule()
	if err := g.nl.RuleAdd(rule); err != nil {
		return cerrors.Wrapf(err, cerrors.KindRouting, "add fwmark rule (mark=%d table=%d)", g.mark, g.table)
	}

	route := g.newRoute()
	if err := g.nl.RouteAdd(route); err != nil {
		_ = g.nl.RuleDel(rule)
		return cerrors.Wrapf(err, cerrors.KindRouting, "add local route (table=%d)", g.table)
	}

	g.state.Store(int32(StateDefending))
	if g.mtx != nil {
		g.mtx.GuardsActive.Inc()
	}

	g.stopCh = make(chan struct{})
	g.doneCh = make(chan struct{})
	g.wg.Add(1)
	go g.defend()

	return nil
}

// Stop halts the defender and removes the route and rule, in that
// order (LIFO relative to Install). Safe to call once; a second call
// is a no-op.
func (g *Guard) Stop() error {
	if g.stopped {
		return nil
	}
	g.stopped = true
	g.state.Store(int32(StateStopping))

	if g.stopCh != nil {
		close(g.stopCh)
		g.wg.Wait()
	}

	var err error
	if derr := g.nl.RouteDel(g.newRoute()); derr != nil {
		err = cerrors.Wrapf(derr, cerrors.KindTeardown, "remove local route (table=%d)", g.table)
	}
	if derr := g.nl.RuleDel(g.newRule()); derr != nil {
		if err == nil {
			err = cerrors.Wrapf(derr, cerrors.KindTeardown, "remove fwmark rule (mark=%d)", g.mark)
		} else {
			g.log.Warn("also failed to remove fwmark rule", "mark", g.mark, "err", derr)
		}
	}

	g.state.Store(int32(StateRemoved))
	if g.mtx != nil {
		g.mtx.GuardsActive.Dec()
	}
	if err != nil && g.mtx != nil {
		g.mtx.TeardownFailures.Inc()
	}
	return err
}

// defend polls the RPDB every defenderInterval and re-adds the fwmark
// rule if something else (NetworkManager, a VPN client, a competing
// instance) has flushed it out from under us.
func (g *Guard) defend() {
	defer g.wg.Done()
	defer close(g.doneCh)

	ticker := time.NewTicker(g.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-g.stopCh:
			return
		case <-ticker.C:
			g.reassertIfMissing()
		}
	}
}

func (g *Guard) reassertIfMissing() {
	rules, err := g.nl.RuleList(g.family)
	if err != nil {
		g.log.Warn("defender: failed to list rules", "err", err)
		return
	}
	for _, r := range rules {
		if r.Mark == g.mark && r.Table == int(g.table) {
			g.state.Store(int32(StateDefending))
			return
		}
	}

	g.state.Store(int32(StateReasserting))
	g.log.Warn("fwmark rule missing, reasserting", "mark", g.mark, "table", g.table)
	if err := g.nl.RuleAdd(g.newRule()); err != nil {
		g.log.Error("defender: failed to reassert fwmark rule", "mark", g.mark, "err", err)
		return
	}
	if g.mtx != nil {
		g.mtx.DefenderReassertions.Inc()
	}
	g.state.Store(int32(StateDefending))
}

func (g *Guard) newRule() *netlink.Rule {
	r := netlink.NewRule()
	r.Mark = g.mark
	r.Table = int(g.table)
	r.Family = g.family
	return r
}

func (g *Guard) newRoute() *netlink.Route {
	return &netlink.Route{
		Table:     int(g.table),
		Dst:       defaultIPv4Net(),
		Type:      unixRTNLocal,
		Scope:     netlink.SCOPE_HOST,
		LinkIndex: g.loIndex,
	}
}

// unixRTNLocal mirrors RTN_LOCAL (encoding/route type "local"): marked
// packets are delivered to the local IP stack rather than forwarded,
// which is what lets a tproxy listener on 127.0.0.1 receive them.
const unixRTNLocal = 2

// IPRuleDescription renders the installed rule the way `ip rule show`
// would, for diagnostic logging.
func (g *Guard) IPRuleDescription() string {
	return fmt.Sprintf("from all fwmark 0x%x lookup %d", g.mark, g.table)
}
