// Copyright (c) 2026 cproxy contributors. Licensed under the MIT License.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileYieldsZeroValue(t *testing.T) {
	d, err := Load(filepath.Join(t.TempDir(), "does-not-exist.hcl"))
	require.NoError(t, err)
	assert.Zero(t, d.Port)
	assert.Empty(t, d.Mode)
}

func TestLoadEmptyPath(t *testing.T) {
	d, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Defaults{}, d)
}

func TestLoadParsesFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.hcl")
	contents := `
port         = 1081
mode         = "tproxy"
redirect_dns = true
override_dns = "127.0.0.2"
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))

	d, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1081, d.Port)
	assert.Equal(t, "tproxy", d.Mode)
	assert.True(t, d.RedirectDNS)
	assert.Equal(t, "127.0.0.2", d.OverrideDNS)
}
