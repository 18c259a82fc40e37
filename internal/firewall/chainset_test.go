// Copyright (c) 2026 cproxy contributors. Licensed under the MIT License.

package firewall

import (
	"net"
	"strings"
	"testing"
	"time"

	"cproxy.dev/cproxy/internal/logging"
	"cproxy.dev/cproxy/internal/metrics"
)

type fakeMatcher struct{ clause []string }

func (f fakeMatcher) MatchClause() []string { return f.clause }

// fakeIPTClient records every call against an in-memory model of
// chains and rules, so install/teardown symmetry can be asserted
// without a real netfilter stack.
type fakeIPTClient struct {
	chains map[string]bool     // "table/chain" -> exists
	jumps  map[string]int      // "table/builtin" -> count of jump rules present
	rules  map[string][]string // "table/chain" -> rendered rulespecs, in order

	failNewChain string // if set, NewChain for this "table/chain" fails
}

func newFakeIPTClient() *fakeIPTClient {
	return &fakeIPTClient{
		chains: make(map[string]bool),
		jumps:  make(map[string]int),
		rules:  make(map[string][]string),
	}
}

func key(table, chain string) string { return table + "/" + chain }

func (f *fakeIPTClient) NewChain(table, chain string) error {
	k := key(table, chain)
	if f.failNewChain == k {
		return errTest
	}
	f.chains[k] = true
	return nil
}

func (f *fakeIPTClient) ChainExists(table, chain string) (bool, error) {
	return f.chains[key(table, chain)], nil
}

func (f *fakeIPTClient) ClearChain(table, chain string) error {
	delete(f.rules, key(table, chain))
	return nil
}

func (f *fakeIPTClient) DeleteChain(table, chain string) error {
	delete(f.chains, key(table, chain))
	return nil
}

func (f *fakeIPTClient) AppendUnique(table, chain string, rulespec ...string) error {
	k := key(table, chain)
	f.rules[k] = append(f.rules[k], strings.Join(rulespec, " "))
	return nil
}

func (f *fakeIPTClient) Insert(table, chain string, pos int, rulespec ...string) error {
	f.jumps[key(table, chain)]++
	return nil
}

func (f *fakeIPTClient) Delete(table, chain string, rulespec ...string) error {
	if f.jumps[key(table, chain)] > 0 {
		f.jumps[key(table, chain)]--
	}
	return nil
}

func (f *fakeIPTClient) Exists(table, chain string, rulespec ...string) (bool, error) {
	for _, r := range f.rules[key(table, chain)] {
		if r == strings.Join(rulespec, " ") {
			return true, nil
		}
	}
	return false, nil
}

type testError string

func (e testError) Error() string { return string(e) }

const errTest = testError("fake iptables failure")

func newTestLogger() *logging.Logger { return logging.New(logging.DefaultConfig()) }

func TestInstallRedirectOrdersLoopbackBeforeMatch(t *testing.T) {
	teardownSleep = 0
	fake := newFakeIPTClient()
	cs, err := Install(fake, newTestLogger(), metrics.New(), Redirect, "1234", Params{Port: 1080, RedirectDNS: true}, fakeMatcher{[]string{"-m", "cgroup", "--cgroup", "1234"}})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	defer cs.Teardown()

	chain := chainName(Redirect, "out", "1234")
	rules := fake.rules[key(tableNAT, chain)]
	if len(rules) != 4 {
		t.Fatalf("rules = %d, want 4", len(rules))
	}
	if !strings.Contains(rules[0], "RETURN") || !strings.Contains(rules[1], "RETURN") {
		t.Errorf("loopback exemptions must come first, got %v", rules)
	}
	if !strings.Contains(rules[2], "REDIRECT") {
		t.Errorf("rule[2] should be the tcp redirect, got %q", rules[2])
	}
	if !strings.Contains(rules[3], "53") {
		t.Errorf("rule[3] should be the dns redirect, got %q", rules[3])
	}
	if fake.jumps[key(tableNAT, builtinOutput)] != 1 {
		t.Errorf("expected one jump installed")
	}
}

func TestInstallTProxyCreatesPreAndOutChains(t *testing.T) {
	teardownSleep = 0
	fake := newFakeIPTClient()
	cs, err := Install(fake, newTestLogger(), metrics.New(), TProxy, "5555",
		Params{Port: 1081, Mark: 5555, OverrideDNS: net.ParseIP("127.0.0.2")},
		fakeMatcher{[]string{"-m", "cgroup", "--path", "/cproxy-5555"}})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	defer cs.Teardown()

	pre := chainName(TProxy, "pre", "5555")
	out := chainName(TProxy, "out", "5555")
	dnsOut := chainName(TProxy, "dnsout", "5555")

	if !fake.chains[key(tableMangle, pre)] {
		t.Error("prerouting chain not created")
	}
	if !fake.chains[key(tableMangle, out)] {
		t.Error("output chain not created")
	}
	if !fake.chains[key(tableNAT, dnsOut)] {
		t.Error("dns override chain not created")
	}

	for _, r := range fake.rules[key(tableMangle, pre)] {
		if strings.Contains(r, "RETURN") {
			continue
		}
		if !strings.Contains(r, "TPROXY") {
			t.Errorf("unexpected non-loopback rule in pre chain: %q", r)
		}
	}
}

func TestInstallTraceHasNoMatchRewrite(t *testing.T) {
	teardownSleep = 0
	fake := newFakeIPTClient()
	cs, err := Install(fake, newTestLogger(), metrics.New(), Trace, "77", Params{Port: 1080}, fakeMatcher{[]string{"-m", "cgroup", "--cgroup", "77"}})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	defer cs.Teardown()

	chain := chainName(Trace, "out", "77")
	for _, r := range fake.rules[key(tableRaw, chain)] {
		if !strings.Contains(r, "LOG") {
			t.Errorf("trace mode must only install LOG rules, got %q", r)
		}
	}
}

func TestTeardownRemovesEverythingInstall(t *testing.T) {
	teardownSleep = 0
	fake := newFakeIPTClient()
	cs, err := Install(fake, newTestLogger(), metrics.New(), Redirect, "42", Params{Port: 1080}, fakeMatcher{[]string{"-m", "cgroup", "--cgroup", "42"}})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}

	if err := cs.Teardown(); err != nil {
		t.Fatalf("Teardown: %v", err)
	}

	chain := chainName(Redirect, "out", "42")
	if fake.chains[key(tableNAT, chain)] {
		t.Error("chain should be deleted after teardown")
	}
	if fake.jumps[key(tableNAT, builtinOutput)] != 0 {
		t.Error("jump should be detached after teardown")
	}
}

func TestInstallFailureTearsDownPartialState(t *testing.T) {
	teardownSleep = 0
	fake := newFakeIPTClient()
	fake.failNewChain = key(tableNAT, chainName(TProxy, "dnsout", "99"))

	_, err := Install(fake, newTestLogger(), metrics.New(), TProxy, "99",
		Params{Port: 1081, Mark: 99, OverrideDNS: net.ParseIP("127.0.0.2")},
		fakeMatcher{[]string{"-m", "cgroup", "--cgroup", "99"}})
	if err == nil {
		t.Fatal("expected install to fail")
	}

	pre := chainName(TProxy, "pre", "99")
	out := chainName(TProxy, "out", "99")
	if fake.chains[key(tableMangle, pre)] || fake.chains[key(tableMangle, out)] {
		t.Error("partially installed chains should have been torn down after failure")
	}
}

func TestTeardownSleepsBeforeTrace(t *testing.T) {
	teardownSleep = 5 * time.Millisecond
	defer func() { teardownSleep = 0 }()

	fake := newFakeIPTClient()
	cs, err := Install(fake, newTestLogger(), metrics.New(), Trace, "1", Params{Port: 1080}, fakeMatcher{[]string{"-m", "cgroup", "--cgroup", "1"}})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}

	start := time.Now()
	if err := cs.Teardown(); err != nil {
		t.Fatalf("Teardown: %v", err)
	}
	if time.Since(start) < teardownSleep {
		t.Error("teardown should wait at least teardownSleep before acting")
	}
}
