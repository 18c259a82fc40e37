// Copyright (c) 2026 cproxy contributors. Licensed under the MIT License.

package routeguard

// DeriveMark computes the fwmark and routing table id for one
// controller invocation from its invocation key (the controller's own
// pid, or the target pid for run_against_existing_pid). Using the pid
// directly keeps marks human-diagnosable in `ip rule` / `iptables -t
// mangle -L` output and, in practice, collision-free for the lifetime
// of one invocation: by convention the table id equals the mark.
func DeriveMark(invocationKey int) (mark, table uint32) {
	m := uint32(invocationKey)
	return m, m
}
