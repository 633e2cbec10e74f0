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

	"github.com/spf13/cobra"
)

// registryCmd inspects the device registry
var registryCmd = &cobra.Command{
	Use:   "registry",
	Short: "Inspect the device registry",
}

// registryCheckCmd runs the consistency scan
var registryCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Scan the registry for conflicts",
	Long: `Scan the registry and report every conflict found: duplicate
(serial, slot) bindings and devices registered under more than one key.
Nothing is repaired; which entry is authoritative is your call.`,
	Run: func(cmd *cobra.Command, args []string) {
		svc, err := newServices()
		if err != nil {
			handleError(err)
			return
		}

		conflicts, err := svc.registry.CheckConsistency()
		if err != nil {
			handleError(err)
			return
		}
		if len(conflicts) == 0 {
			fmt.Println("Registry is consistent.")
			return
		}
		for _, c := range conflicts {
			fmt.Println(c.String())
		}
		handleError(fmt.Errorf("%d conflict(s) found", len(conflicts)))
	},
}

func init() {
	registryCmd.AddCommand(registryCheckCmd)
}
