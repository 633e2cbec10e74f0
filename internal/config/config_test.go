// Copyright (c) 2025 Barqly
//
// This file is part of barqly-vault.
//
// barqly-vault is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@barqly.com for commercial licensing options.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.NotEmpty(t, cfg.RegistryPath)
	assert.NotEmpty(t, cfg.VaultMetadataPath)
	assert.NotEmpty(t, cfg.KeysDir)
	assert.Empty(t, cfg.KeyToolBinary, "binaries default to PATH lookup")
}

func TestLoadMergesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
key_tool_binary: /opt/tools/age-plugin-yubikey
debug: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/opt/tools/age-plugin-yubikey", cfg.KeyToolBinary)
	assert.True(t, cfg.Debug)
	assert.NotEmpty(t, cfg.RegistryPath, "unset fields fall back to defaults")
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("key_tool_binary: [unclosed"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}
