// Copyright (c) 2026 cproxy contributors. Licensed under the MIT License.

// Package config loads optional default overrides for the CLI surface
// from an HCL rc file, so an operator can pin a default port/mode
// without retyping flags. Flags and environment variables still win;
// see cmd/cproxy for the full precedence chain.
package config

import (
	"os"
	"path/filepath"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// Defaults holds the subset of the CLI surface that may be pinned in
// an rc file.
type Defaults struct {
	Port        int    `hcl:"port,optional"`
	Mode        string `hcl:"mode,optional"`
	RedirectDNS bool   `hcl:"redirect_dns,optional"`
	OverrideDNS string `hcl:"override_dns,optional"`
}

// DefaultPath returns $XDG_CONFIG_HOME/cproxy/config.hcl, falling back
// to ~/.config/cproxy/config.hcl.
func DefaultPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "cproxy", "config.hcl")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "cproxy", "config.hcl")
}

// Load reads the rc file at path. A missing file is not an error: it
// simply yields zero-value Defaults, which callers treat as "no
// override".
func Load(path string) (Defaults, error) {
	var d Defaults
	if path == "" {
		return d, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return d, nil
	}
	if err := hclsimple.DecodeFile(path, nil, &d); err != nil {
		return Defaults{}, err
	}
	return d, nil
}
