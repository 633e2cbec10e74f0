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

// Package config loads the application configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// AppName is used for the default config/data directory names.
const AppName = "barqly-vault"

// Config is the application configuration.
type Config struct {
	// KeyToolBinary is the key-generation/encryption command.
	KeyToolBinary string `yaml:"key_tool_binary"`

	// ManagementBinary is the device probe/provisioning command.
	ManagementBinary string `yaml:"management_binary"`

	// RegistryPath is the device registry JSON document.
	RegistryPath string `yaml:"registry_path"`

	// VaultMetadataPath is the vault metadata JSON document.
	VaultMetadataPath string `yaml:"vault_metadata_path"`

	// KeysDir holds passphrase-encrypted software key files.
	KeysDir string `yaml:"keys_dir"`

	// Debug enables debug logging.
	Debug bool `yaml:"debug"`
}

// DefaultConfig returns the configuration used when no file is present.
// Binaries are resolved from PATH; documents live under the user config dir.
func DefaultConfig() *Config {
	base := defaultDataDir()
	return &Config{
		KeyToolBinary:     "",
		ManagementBinary:  "",
		RegistryPath:      filepath.Join(base, "registry.json"),
		VaultMetadataPath: filepath.Join(base, "vault.json"),
		KeysDir:           filepath.Join(base, "keys"),
	}
}

// Load reads a YAML config file, filling unset fields from defaults. A
// missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = filepath.Join(defaultDataDir(), "config.yaml")
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	defaults := DefaultConfig()
	if cfg.RegistryPath == "" {
		cfg.RegistryPath = defaults.RegistryPath
	}
	if cfg.VaultMetadataPath == "" {
		cfg.VaultMetadataPath = defaults.VaultMetadataPath
	}
	if cfg.KeysDir == "" {
		cfg.KeysDir = defaults.KeysDir
	}
	return cfg, nil
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, AppName)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "."+AppName)
}
