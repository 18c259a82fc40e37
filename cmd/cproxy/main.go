// Copyright (c) 2026 cproxy contributors. Licensed under the MIT License.

//go:build linux

// Command cproxy is a per-process transparent traffic redirector: it
// classifies a target workload into a network cgroup and installs
// kernel-side rules that steer its traffic through a local port,
// without the workload needing to be proxy-aware.
package main

import (
	"flag"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"cproxy.dev/cproxy/internal/config"
	cerrors "cproxy.dev/cproxy/internal/errors"
	"cproxy.dev/cproxy/internal/firewall"
	"cproxy.dev/cproxy/internal/lifecycle"
	"cproxy.dev/cproxy/internal/logging"
	"cproxy.dev/cproxy/internal/metrics"
	"cproxy.dev/cproxy/internal/supervisor"
)

// cgroupPathList collects a repeatable --cgroup-path flag.
type cgroupPathList []string

func (c *cgroupPathList) String() string { return strings.Join(*c, ",") }
func (c *cgroupPathList) Set(v string) error {
	*c = append(*c, v)
	return nil
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	runID := uuid.NewString()
	log := logging.Default().WithComponent("main")
	log.Info("starting", "run_id", runID)

	rc, err := config.Load(config.DefaultPath())
	if err != nil {
		log.Warn("ignoring unreadable rc file", "path", config.DefaultPath(), "err", err)
	}

	fs := flag.NewFlagSet("cproxy", flag.ContinueOnError)
	port := fs.Int("port", defaultPort(rc), "local port the workload's traffic is steered to")
	mode := fs.String("mode", defaultMode(rc), "redirection mode: redirect, tproxy, or trace")
	redirectDNS := fs.Bool("redirect-dns", rc.RedirectDNS, "redirect mode only: also REDIRECT udp/53")
	overrideDNS := fs.String("override-dns", rc.OverrideDNS, "tproxy mode only: DNAT udp/53 to this IPv4 address")
	pid := fs.Int("pid", 0, "attach to an existing process instead of spawning")
	allowNested := fs.Bool("allow-nested", false, "permit running under an existing CPROXY_ENV marker")
	legacy := fs.Bool("iptables-legacy", false, "use the iptables-legacy binary instead of the nft-backed one")
	metricsAddr := fs.String("metrics-addr", "", "if set, serve Prometheus metrics on this address")
	var cgroupPaths cgroupPathList
	fs.Var(&cgroupPaths, "cgroup-path", "attach to an existing cgroup path (repeatable)")

	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, target, err := buildConfig(*port, *mode, *redirectDNS, *overrideDNS, *pid, cgroupPaths, *allowNested, *legacy, fs.Args())
	if err != nil {
		log.Error("invalid arguments", "err", err)
		return 2
	}

	if os.Geteuid() != 0 {
		log.Error("cproxy must run as root to acquire cgroup, netfilter and routing resources")
		return 1
	}

	mtx := metrics.New()
	if *metricsAddr != "" {
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mtx.Handler()); err != nil {
				log.Warn("metrics listener exited", "err", err)
			}
		}()
	}

	term := lifecycle.New()
	defer term.Stop()

	sup := supervisor.New(cfg, log, mtx, term)

	switch target.Kind {
	case supervisor.NewChild:
		exitCode, err := sup.RunWithNewChild(target.Argv)
		if err != nil {
			log.Error("run failed", "err", err, "kind", cerrors.GetKind(err).String())
		}
		return exitCode
	case supervisor.ExistingPid:
		if err := sup.RunAgainstExistingPid(target.Pid); err != nil {
			log.Error("run failed", "err", err, "kind", cerrors.GetKind(err).String())
			return 1
		}
		return 0
	case supervisor.CGroupPaths:
		if err := sup.RunAgainstCGroupPaths(target.CGroupPaths); err != nil {
			log.Error("run failed", "err", err, "kind", cerrors.GetKind(err).String())
			return 1
		}
		return 0
	default:
		log.Error("no target specified: give --pid, --cgroup-path, or a trailing command")
		return 2
	}
}

// defaultPort resolves the port default by precedence: CPROXY_PORT env
// var, then the rc file, then 1080. Flags explicitly given on the
// command line still win over all of these.
func defaultPort(rc config.Defaults) int {
	if v := os.Getenv("CPROXY_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 && p < 65536 {
			return p
		}
	}
	if rc.Port > 0 {
		return rc.Port
	}
	return 1080
}

func defaultMode(rc config.Defaults) string {
	if rc.Mode != "" {
		return rc.Mode
	}
	return "redirect"
}

// buildConfig validates the parsed flags (mode-specific flag
// combinations, exactly one target) and produces the supervisor
// Config plus the resolved Target.
func buildConfig(port int, modeStr string, redirectDNS bool, overrideDNSStr string, pid int, cgroupPaths cgroupPathList, allowNested, legacy bool, trailing []string) (supervisor.Config, supervisor.Target, error) {
	if port <= 0 || port > 65535 {
		return supervisor.Config{}, supervisor.Target{}, cerrors.Errorf(cerrors.KindValidation, "invalid port %d", port)
	}

	var mode firewall.Mode
	switch modeStr {
	case "redirect":
		mode = firewall.Redirect
	case "tproxy":
		mode = firewall.TProxy
	case "trace":
		mode = firewall.Trace
	default:
		return supervisor.Config{}, supervisor.Target{}, cerrors.Errorf(cerrors.KindValidation, "unknown mode %q", modeStr)
	}

	if redirectDNS && mode != firewall.Redirect {
		return supervisor.Config{}, supervisor.Target{}, cerrors.New(cerrors.KindValidation, "--redirect-dns only applies to redirect mode")
	}

	var overrideDNS net.IP
	if overrideDNSStr != "" {
		if mode != firewall.TProxy {
			return supervisor.Config{}, supervisor.Target{}, cerrors.New(cerrors.KindValidation, "--override-dns only applies to tproxy mode")
		}
		overrideDNS = net.ParseIP(overrideDNSStr).To4()
		if overrideDNS == nil {
			return supervisor.Config{}, supervisor.Target{}, cerrors.Errorf(cerrors.KindValidation, "invalid --override-dns address %q", overrideDNSStr)
		}
	}

	targetCount := 0
	if pid != 0 {
		targetCount++
	}
	if len(cgroupPaths) > 0 {
		targetCount++
	}
	if len(trailing) > 0 {
		targetCount++
	}
	if targetCount > 1 {
		return supervisor.Config{}, supervisor.Target{}, cerrors.New(cerrors.KindValidation, "specify only one of --pid, --cgroup-path, or a trailing command")
	}

	cfg := supervisor.Config{
		Port:           uint16(port),
		Mode:           mode,
		RedirectDNS:    redirectDNS,
		OverrideDNS:    overrideDNS,
		LegacyIPTables: legacy,
		AllowNested:    allowNested,
	}

	switch {
	case pid != 0:
		return cfg, supervisor.ExistingPidTarget(pid), nil
	case len(cgroupPaths) > 0:
		return cfg, supervisor.CGroupPathsTarget([]string(cgroupPaths)), nil
	case len(trailing) > 0:
		return cfg, supervisor.NewChildTarget(trailing), nil
	default:
		return supervisor.Config{}, supervisor.Target{}, cerrors.New(cerrors.KindValidation, "no target specified: give --pid, --cgroup-path, or a trailing command")
	}
}
