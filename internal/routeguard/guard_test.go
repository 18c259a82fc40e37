// Copyright (c) 2026 cproxy contributors. Licensed under the MIT License.

package routeguard

import (
	"sync"
	"testing"
	"time"

	"github.com/vishvananda/netlink"

	"cproxy.dev/cproxy/internal/logging"
	"cproxy.dev/cproxy/internal/metrics"
)

// fakeNetlinkClient is an in-memory stand-in for the kernel's RPDB and
// routing table, letting the guard and its defender be exercised
// without root or a real network namespace.
type fakeNetlinkClient struct {
	mtx   sync.Mutex
	rules []netlink.Rule
	routes []netlink.Route

	failRuleAdd bool
}

func (f *fakeNetlinkClient) RuleAdd(rule *netlink.Rule) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.failRuleAdd {
		return errTest
	}
	f.rules = append(f.rules, *rule)
	return nil
}

func (f *fakeNetlinkClient) RuleDel(rule *netlink.Rule) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	out := f.rules[:0]
	for _, r := range f.rules {
		if r.Mark != rule.Mark || r.Table != rule.Table {
			out = append(out, r)
		}
	}
	f.rules = out
	return nil
}

func (f *fakeNetlinkClient) RuleList(family int) ([]netlink.Rule, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	out := make([]netlink.Rule, len(f.rules))
	copy(out, f.rules)
	return out, nil
}

func (f *fakeNetlinkClient) RouteAdd(route *netlink.Route) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.routes = append(f.routes, *route)
	return nil
}

func (f *fakeNetlinkClient) RouteDel(route *netlink.Route) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	out := f.routes[:0]
	for _, r := range f.routes {
		if r.Table != route.Table {
			out = append(out, r)
		}
	}
	f.routes = out
	return nil
}

func (f *fakeNetlinkClient) LinkByName(name string) (netlink.Link, error) {
	attrs := netlink.NewLinkAttrs()
	attrs.Name = name
	attrs.Index = 1
	return &netlink.Dummy{LinkAttrs: attrs}, nil
}

// dropRule removes the rule out from under the guard, simulating
// external interference for defender tests.
func (f *fakeNetlinkClient) dropRule(mark uint32) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	out := f.rules[:0]
	for _, r := range f.rules {
		if r.Mark != mark {
			out = append(out, r)
		}
	}
	f.rules = out
}

type testError string

func (e testError) Error() string { return string(e) }

const errTest = testError("fake netlink failure")

func newTestGuard(fake *fakeNetlinkClient) *Guard {
	g := New(4242, logging.New(logging.DefaultConfig()), metrics.New())
	g.nl = fake
	return g
}

func TestInstallAddsRuleAndRoute(t *testing.T) {
	fake := &fakeNetlinkClient{}
	g := newTestGuard(fake)

	if err := g.Install(); err != nil {
		t.Fatalf("Install: %v", err)
	}
	defer g.Stop()

	if len(fake.rules) != 1 {
		t.Fatalf("rules = %d, want 1", len(fake.rules))
	}
	if len(fake.routes) != 1 {
		t.Fatalf("routes = %d, want 1", len(fake.routes))
	}
	if g.State() != StateDefending {
		t.Errorf("State() = %v, want defending", g.State())
	}
}

func TestInstallTwiceFails(t *testing.T) {
	fake := &fakeNetlinkClient{}
	g := newTestGuard(fake)
	if err := g.Install(); err != nil {
		t.Fatalf("Install: %v", err)
	}
	defer g.Stop()

	if err := g.Install(); err == nil {
		t.Error("expected error installing twice")
	}
}

func TestInstallFailureLeavesNoRoute(t *testing.T) {
	fake := &fakeNetlinkClient{failRuleAdd: true}
	g := newTestGuard(fake)

	if err := g.Install(); err == nil {
		t.Fatal("expected error")
	}
	if len(fake.routes) != 0 {
		t.Errorf("routes = %d, want 0 after failed rule add", len(fake.routes))
	}
}

func TestStopRemovesRuleAndRoute(t *testing.T) {
	fake := &fakeNetlinkClient{}
	g := newTestGuard(fake)
	if err := g.Install(); err != nil {
		t.Fatalf("Install: %v", err)
	}

	if err := g.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if len(fake.rules) != 0 {
		t.Errorf("rules = %d, want 0 after Stop", len(fake.rules))
	}
	if len(fake.routes) != 0 {
		t.Errorf("routes = %d, want 0 after Stop", len(fake.routes))
	}
	if g.State() != StateRemoved {
		t.Errorf("State() = %v, want removed", g.State())
	}

	if err := g.Stop(); err != nil {
		t.Errorf("second Stop should be a no-op, got %v", err)
	}
}

func TestDefenderReassertsDroppedRule(t *testing.T) {
	fake := &fakeNetlinkClient{}
	g := newTestGuard(fake)
	g.interval(10 * time.Millisecond)

	if err := g.Install(); err != nil {
		t.Fatalf("Install: %v", err)
	}
	defer g.Stop()

	fake.dropRule(g.Mark())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		fake.mtx.Lock()
		n := len(fake.rules)
		fake.mtx.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("defender did not reassert dropped rule within deadline")
}
