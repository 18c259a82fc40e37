// Copyright (c) 2026 cproxy contributors. Licensed under the MIT License.

//go:build linux

package supervisor

import (
	"fmt"
	"os"
	"strconv"

	"cproxy.dev/cproxy/internal/cgroupguard"
	cerrors "cproxy.dev/cproxy/internal/errors"
	"cproxy.dev/cproxy/internal/firewall"
	"cproxy.dev/cproxy/internal/lifecycle"
	"cproxy.dev/cproxy/internal/logging"
	"cproxy.dev/cproxy/internal/metrics"
	"cproxy.dev/cproxy/internal/routeguard"
)

// Supervisor is C4: it owns the ordered list of acquired guards for
// one invocation and releases them strictly LIFO on every exit path.
type Supervisor struct {
	cfg  Config
	log  *logging.Logger
	mtx  *metrics.Registry
	term *lifecycle.Terminator

	releasers []func() error // acquisition order; released in reverse
}

// New constructs a Supervisor. Nothing is acquired yet.
func New(cfg Config, log *logging.Logger, mtx *metrics.Registry, term *lifecycle.Terminator) *Supervisor {
	return &Supervisor{cfg: cfg, log: log, mtx: mtx, term: term}
}

func (s *Supervisor) own(release func() error) {
	s.releasers = append(s.releasers, release)
}

// release runs every recorded releaser in reverse order, continuing
// past individual failures and returning the first error seen. This
// is the structural LIFO release the design notes call for: it does
// not need hand-sequenced teardown code at each call site, just a
// push at acquisition time.
func (s *Supervisor) release() error {
	var first error
	for i := len(s.releasers) - 1; i >= 0; i-- {
		if err := s.releasers[i](); err != nil {
			s.log.Error("guard release failed", "err", err)
			if first == nil {
				first = err
			}
			if s.mtx != nil {
				s.mtx.TeardownFailures.Inc()
			}
		}
	}
	s.releasers = nil
	return first
}

// acquireCGroupAndRouting acquires C1 for pid (or a path-derived key)
// and, for tproxy mode, C2 as well, returning the matcher and fwmark
// Install should use for C3.
func (s *Supervisor) acquireCGroupAndRouting(handleFor func() (*cgroupguard.Handle, error), invocationKey int) (*cgroupguard.Handle, uint32, error) {
	handle, err := handleFor()
	if err != nil {
		return nil, 0, cerrors.Wrapf(err, cerrors.KindCGroup, "acquire cgroup")
	}
	s.own(handle.Destroy)

	var mark uint32
	if s.cfg.Mode == firewall.TProxy {
		rg := routeguard.New(invocationKey, s.log.WithComponent("routeguard"), s.mtx)
		if err := rg.Install(); err != nil {
			return nil, 0, cerrors.Wrapf(err, cerrors.KindRouting, "acquire routing guard")
		}
		s.own(rg.Stop)
		mark = rg.Mark()
	}
	return handle, mark, nil
}

func (s *Supervisor) installFirewall(key string, mark uint32, handle *cgroupguard.Handle) error {
	client, err := firewall.NewClient(s.cfg.LegacyIPTables)
	if err != nil {
		return cerrors.Wrapf(err, cerrors.KindFirewall, "construct iptables client")
	}
	params := firewall.Params{
		Port:        s.cfg.Port,
		RedirectDNS: s.cfg.RedirectDNS,
		Mark:        mark,
		OverrideDNS: s.cfg.OverrideDNS,
	}
	cs, err := firewall.Install(client, s.log.WithComponent("firewall"), s.mtx, s.cfg.Mode, key, params, handle)
	if err != nil {
		return cerrors.Wrapf(err, cerrors.KindFirewall, "install firewall rules")
	}
	s.own(cs.Teardown)
	return nil
}

// RunAgainstExistingPid implements run_against_existing_pid: acquire
// C1 over pid, then C2/C3 as needed, then block until termination.
func (s *Supervisor) RunAgainstExistingPid(pid int) error {
	if pid <= 0 {
		return cerrors.Errorf(cerrors.KindValidation, "invalid pid %d", pid)
	}

	handle, mark, err := s.acquireCGroupAndRouting(func() (*cgroupguard.Handle, error) {
		return cgroupguard.CreateFromPID(pid)
	}, pid)
	if err != nil {
		_ = s.release()
		return err
	}

	if err := s.installFirewall(strconv.Itoa(pid), mark, handle); err != nil {
		_ = s.release()
		return err
	}

	s.term.WaitUntilTerminated(nil)
	return s.release()
}

// RunAgainstCGroupPaths implements run_against_cgroup_paths: attach to
// each existing cgroup without creating it, install one ChainSet per
// handle (each named by the invoking process's own pid plus the path's
// index, "<pid>-<i>", and all sharing a single C2 instance, since the
// mark is per-invocation, not per-cgroup), then block until
// termination. The routing guard is acquired before the cgroups are
// attached.
func (s *Supervisor) RunAgainstCGroupPaths(paths []string) error {
	if len(paths) == 0 {
		return cerrors.New(cerrors.KindValidation, "no cgroup paths given")
	}

	ownPid := os.Getpid()
	var mark uint32
	if s.cfg.Mode == firewall.TProxy {
		rg := routeguard.New(ownPid, s.log.WithComponent("routeguard"), s.mtx)
		if err := rg.Install(); err != nil {
			_ = s.release()
			return cerrors.Wrapf(err, cerrors.KindRouting, "acquire routing guard")
		}
		s.own(rg.Stop)
		mark = rg.Mark()
	}

	for i, path := range paths {
		handle, err := cgroupguard.Attach(path)
		if err != nil {
			_ = s.release()
			return cerrors.Wrapf(err, cerrors.KindCGroup, "attach cgroup %s", path)
		}
		s.own(handle.Destroy)

		key := fmt.Sprintf("%d-%d", ownPid, i)
		if err := s.installFirewall(key, mark, handle); err != nil {
			_ = s.release()
			return err
		}
	}

	s.term.WaitUntilTerminated(nil)
	return s.release()
}
