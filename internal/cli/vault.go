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

package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Barqly/barqly-vault-sub000/pkg/vault"
)

// encryptCmd encrypts a file to every vault recipient
var encryptCmd = &cobra.Command{
	Use:   "encrypt <input> <output>",
	Short: "Encrypt a file to all vault recipients",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		svc, err := newServices()
		if err != nil {
			handleError(err)
			return
		}

		meta, err := svc.vaults.Load()
		if err != nil {
			handleError(err)
			return
		}
		data, err := os.ReadFile(args[0])
		if err != nil {
			handleError(err)
			return
		}

		out, err := svc.composer.Encrypt(cmd.Context(), data, meta)
		if err != nil {
			handleError(err)
			return
		}
		if err := os.WriteFile(args[1], out, 0o600); err != nil {
			handleError(err)
			return
		}
		fmt.Printf("Encrypted to %d recipient(s): %s\n", len(meta.Recipients), args[1])
	},
}

// decryptCmd opens an encrypted file with an available unlock method
var decryptCmd = &cobra.Command{
	Use:   "decrypt <input> <output>",
	Short: "Decrypt a file with any available unlock method",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		svc, err := newServices()
		if err != nil {
			handleError(err)
			return
		}

		meta, err := svc.vaults.Load()
		if err != nil {
			handleError(err)
			return
		}
		data, err := os.ReadFile(args[0])
		if err != nil {
			handleError(err)
			return
		}

		methodFlag, _ := cmd.Flags().GetString("method")
		req := vault.DecryptRequest{
			Data:       data,
			Metadata:   meta,
			Preference: vault.UnlockMethod(methodFlag),
		}

		switch vault.UnlockMethod(methodFlag) {
		case vault.MethodPassphrase:
			req.Passphrase, err = promptPassphrase(false)
		case vault.MethodYubiKey:
			req.Pin, err = promptPin()
		default:
			// Mode default decides; collect the credential after selection
			// would need two passes, so ask based on what is plugged in.
			methods, merr := svc.composer.AvailableMethods(cmd.Context(), meta)
			if merr != nil {
				handleError(merr)
				return
			}
			if preferHardware(meta, methods) {
				req.Pin, err = promptPin()
			} else {
				req.Passphrase, err = promptPassphrase(false)
			}
		}
		if err != nil {
			handleError(err)
			return
		}

		res, err := svc.composer.Decrypt(cmd.Context(), req)
		if err != nil {
			handleError(err)
			return
		}
		if err := os.WriteFile(args[1], res.Plaintext, 0o600); err != nil {
			handleError(err)
			return
		}
		fmt.Printf("Decrypted with %s (%s): %s\n", res.Method, res.RecipientLabel, args[1])
	},
}

func init() {
	decryptCmd.Flags().String("method", "",
		"unlock method to use (passphrase, yubikey); default follows the protection mode")
}

func preferHardware(meta *vault.Metadata, available []vault.UnlockMethod) bool {
	hasHardware := false
	for _, m := range available {
		if m == vault.MethodYubiKey {
			hasHardware = true
		}
	}
	if !hasHardware {
		return false
	}
	switch meta.ProtectionMode.Kind {
	case vault.ProtectionYubiKeyOnly, vault.ProtectionHybrid:
		return true
	default:
		return false
	}
}
