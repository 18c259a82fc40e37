// Copyright (c) 2026 cproxy contributors. Licensed under the MIT License.

//go:build linux

package cgroupguard

import (
	"github.com/containerd/cgroups/v3"
)

// detectVersion reports whether the running kernel exposes the
// unified (v2) cgroup hierarchy or the legacy (v1) one. Hybrid hosts
// (unified hierarchy mounted alongside legacy controllers, including
// net_cls) are treated as V1 so the firewall guard keeps matching by
// class id, which works on both.
func detectVersion() HierarchyVersion {
	switch cgroups.Mode() {
	case cgroups.Unified:
		return V2
	default:
		return V1
	}
}
