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

// Package cli implements the barqly-vault command-line interface.
package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Barqly/barqly-vault-sub000/internal/config"
	"github.com/Barqly/barqly-vault-sub000/pkg/agetool"
	"github.com/Barqly/barqly-vault-sub000/pkg/device"
	"github.com/Barqly/barqly-vault-sub000/pkg/logging"
	"github.com/Barqly/barqly-vault-sub000/pkg/passphrase"
	"github.com/Barqly/barqly-vault-sub000/pkg/registry"
	"github.com/Barqly/barqly-vault-sub000/pkg/vault"
	"github.com/Barqly/barqly-vault-sub000/pkg/yubikey"
)

var (
	configFile string
	debugFlag  bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "barqly-vault",
	Short: "Hardware-backed file vault key management",
	Long: `barqly-vault manages encryption identities for a file vault:
YubiKey hardware identities, passphrase-protected software keys, and
multi-recipient encrypted containers openable by any one of them.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initViper)

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "",
		"config file (default is <user-config-dir>/barqly-vault/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false,
		"enable debug logging")

	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(encryptCmd)
	rootCmd.AddCommand(decryptCmd)
	rootCmd.AddCommand(registryCmd)
}

func initViper() {
	viper.SetEnvPrefix("BARQLY_VAULT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
}

// services bundles the wired application components for one invocation.
type services struct {
	cfg      *config.Config
	log      *logging.Logger
	manager  *yubikey.Manager
	composer *vault.Composer
	vaults   *vault.Store
	keys     *passphrase.Store
	registry *registry.Store
}

func newServices() (*services, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if viper.GetBool("debug") {
		cfg.Debug = true
	}

	log := logging.NewLogger(cfg.Debug)
	devices := device.NewService(cfg.ManagementBinary, log)
	tool := agetool.New(cfg.KeyToolBinary, log)
	reg := registry.NewStore(cfg.RegistryPath, log)
	keys := passphrase.NewStore(cfg.KeysDir, log)

	return &services{
		cfg:      cfg,
		log:      log,
		manager:  yubikey.NewManager(devices, tool, reg, log),
		composer: vault.NewComposer(devices, tool, keys, log),
		vaults:   vault.NewStore(cfg.VaultMetadataPath),
		keys:     keys,
		registry: reg,
	}, nil
}

// handleError prints an error and exits with code 1
func handleError(err error) {
	fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(1)
}
