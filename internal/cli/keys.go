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
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// keysCmd manages software keys
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage passphrase-protected software keys",
}

// keysGenerateCmd generates a passphrase-protected keypair
var keysGenerateCmd = &cobra.Command{
	Use:   "generate <label>",
	Short: "Generate a new passphrase-protected keypair",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		svc, err := newServices()
		if err != nil {
			handleError(err)
			return
		}

		pass, err := promptPassphrase(true)
		if err != nil {
			handleError(err)
			return
		}

		kp, err := svc.keys.GenerateKeyPair(args[0], pass)
		if err != nil {
			handleError(err)
			return
		}

		fmt.Printf("Generated key %q\n", kp.Label)
		fmt.Printf("Public key: %s\n", kp.PublicKey)
		fmt.Printf("Key file:   %s\n", kp.Path)
	},
}

func init() {
	keysCmd.AddCommand(keysGenerateCmd)
}

// promptPassphrase reads a passphrase without echo, optionally confirming.
func promptPassphrase(confirm bool) (string, error) {
	fmt.Fprint(os.Stderr, "Passphrase: ")
	first, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	if !confirm {
		return string(first), nil
	}

	fmt.Fprint(os.Stderr, "Confirm passphrase: ")
	second, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	if string(first) != string(second) {
		return "", fmt.Errorf("passphrases do not match")
	}
	return string(first), nil
}
