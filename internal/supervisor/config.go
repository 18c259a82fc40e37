// Copyright (c) 2026 cproxy contributors. Licensed under the MIT License.

package supervisor

import (
	"net"
	"strconv"

	"cproxy.dev/cproxy/internal/firewall"
)

// Config carries the operator's choices, equivalent to the parsed CLI
// surface (see cmd/cproxy).
type Config struct {
	Port           uint16
	Mode           firewall.Mode
	RedirectDNS    bool
	OverrideDNS    net.IP
	LegacyIPTables bool

	// AllowNested permits running under an ambient CPROXY_ENV marker
	// instead of treating it as a recursion error.
	AllowNested bool
}

// EnvMarker is the value written to CPROXY_ENV for a spawned child, and
// the prefix checked for when detecting whether the controller itself
// is already running nested inside another invocation.
func (c Config) EnvMarker() string {
	return envMarkerPrefix + strconv.Itoa(int(c.Port))
}

const envMarkerPrefix = "cproxy/"
const envMarkerVar = "CPROXY_ENV"
