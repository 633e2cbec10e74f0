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
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Barqly/barqly-vault-sub000/pkg/types"
	"github.com/Barqly/barqly-vault-sub000/pkg/yubikey"
)

// initCmd initializes a device end to end
var initCmd = &cobra.Command{
	Use:   "init <serial>",
	Short: "Initialize a YubiKey for vault use",
	Long: `Take a YubiKey from factory-fresh (or reused) to registered:
provision the PIN if still at the factory default, generate or reuse the
encryption identity, and record the binding in the registry.

A factory-fresh device yields a one-time recovery code. Write it down;
it is shown exactly once and never stored.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		svc, err := newServices()
		if err != nil {
			handleError(err)
			return
		}

		serial, err := types.NewSerial(args[0])
		if err != nil {
			handleError(err)
			return
		}
		slot, _ := cmd.Flags().GetUint8("slot")
		label, _ := cmd.Flags().GetString("label")
		if label == "" {
			label = "YubiKey " + serial.Redacted()
		}

		pin, err := promptPin()
		if err != nil {
			handleError(err)
			return
		}

		res, err := svc.manager.InitializeDevice(cmd.Context(), yubikey.InitializeParams{
			Serial: serial,
			Pin:    pin,
			Slot:   slot,
			Label:  label,
		})
		if err != nil {
			handleError(err)
			return
		}

		fmt.Printf("Initialized %s (key ID %s, slot %d)\n",
			serial.Redacted(), res.Entry.KeyID, res.Entry.Slot)
		if res.BootstrapRan {
			fmt.Println()
			fmt.Println("Recovery code (shown once, write it down):")
			fmt.Println("  " + res.RecoveryCode)
		}
	},
}

// recoverCmd resets a blocked PIN with the recovery code
var recoverCmd = &cobra.Command{
	Use:   "recover <serial>",
	Short: "Reset a blocked PIN using the recovery code",
	Long: `Reset a device PIN after too many failed attempts blocked it.
Requires the one-time recovery code shown when the device was initialized.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		svc, err := newServices()
		if err != nil {
			handleError(err)
			return
		}

		serial, err := types.NewSerial(args[0])
		if err != nil {
			handleError(err)
			return
		}

		code, err := promptSecret("Recovery code")
		if err != nil {
			handleError(err)
			return
		}
		raw, err := promptSecret("New PIN")
		if err != nil {
			handleError(err)
			return
		}
		pin, err := types.NewPin(raw)
		if err != nil {
			handleError(err)
			return
		}

		if err := svc.manager.RecoverPIN(cmd.Context(), serial, code, pin); err != nil {
			handleError(err)
			return
		}
		fmt.Printf("PIN reset for %s\n", serial.Redacted())
	},
}

func init() {
	initCmd.Flags().Uint8("slot", 1, "retired slot (1-20) for the identity")
	initCmd.Flags().String("label", "", "display label for the device")
}

// promptSecret reads one value from the terminal without echo.
func promptSecret(label string) (string, error) {
	fmt.Fprint(os.Stderr, label+": ")
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", strings.ToLower(label), err)
	}
	return strings.TrimSpace(string(raw)), nil
}

func promptPin() (types.Pin, error) {
	raw, err := promptSecret("PIN")
	if err != nil {
		return types.Pin{}, err
	}
	return types.NewPin(raw)
}
