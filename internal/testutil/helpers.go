// Copyright (c) 2026 cproxy contributors. Licensed under the MIT License.

package testutil

import (
	"os"
	"testing"
)

// RequireVM skips the test if the CPROXY_VM_TEST environment variable
// is not set. Tests that need real kernel capabilities (cgroupfs,
// netlink, iptables) are only run in an environment set up for it.
func RequireVM(t *testing.T) {
	t.Helper()
	if os.Getenv("CPROXY_VM_TEST") == "" {
		t.Skip("Skipping test: requires CPROXY_VM_TEST environment")
	}
}

// RequireRoot skips the test if not running as root, for tests that
// additionally need CAP_NET_ADMIN / CAP_SYS_ADMIN.
func RequireRoot(t *testing.T) {
	t.Helper()
	if os.Geteuid() != 0 {
		t.Skip("Skipping test: requires root")
	}
}
