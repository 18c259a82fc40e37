// Copyright (c) 2026 cproxy contributors. Licensed under the MIT License.

// Package metrics exposes a small set of Prometheus counters/gauges
// describing controller health: how many guards are live, how many
// teardown steps failed, and how often C2's defender had to re-assert
// the policy rule. Wiring these is optional; cmd/cproxy only starts an
// HTTP listener for them when --metrics-addr is given.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the controller's metrics behind one Prometheus
// registry so tests can construct an isolated instance instead of
// touching prometheus.DefaultRegisterer.
type Registry struct {
	reg *prometheus.Registry

	GuardsActive         prometheus.Gauge
	TeardownFailures     prometheus.Counter
	DefenderReassertions prometheus.Counter
	ChainsInstalled      *prometheus.CounterVec
}

// New creates a Registry with all metrics registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		GuardsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cproxy",
			Name:      "guards_active",
			Help:      "Number of routing guards and firewall chain sets currently acquired; cgroup handles are not counted.",
		}),
		TeardownFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cproxy",
			Name:      "teardown_failures_total",
			Help:      "Number of teardown steps that returned an error.",
		}),
		DefenderReassertions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cproxy",
			Name:      "defender_reassertions_total",
			Help:      "Number of times the routing guard's defender re-added a missing fwmark rule.",
		}),
		ChainsInstalled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cproxy",
			Name:      "chains_installed_total",
			Help:      "Number of netfilter chains installed, by mode and table.",
		}, []string{"mode", "table"}),
	}

	reg.MustRegister(r.GuardsActive, r.TeardownFailures, r.DefenderReassertions, r.ChainsInstalled)
	return r
}

// Handler returns an http.Handler serving this registry in the
// Prometheus text exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
