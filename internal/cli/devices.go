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
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// devicesCmd lists connected devices with their lifecycle state
var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List connected YubiKeys and their state",
	Run: func(cmd *cobra.Command, args []string) {
		svc, err := newServices()
		if err != nil {
			handleError(err)
			return
		}

		infos, err := svc.manager.ListWithState(cmd.Context())
		if err != nil {
			handleError(err)
			return
		}
		if len(infos) == 0 {
			fmt.Println("No YubiKeys connected.")
			return
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SERIAL\tNAME\tFIRMWARE\tSTATE\tLABEL\tSLOT")
		for _, info := range infos {
			slot := "-"
			if info.Slot != 0 {
				slot = fmt.Sprintf("%d", info.Slot)
			}
			label := info.Label
			if label == "" {
				label = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				info.Device.Serial.Redacted(),
				info.Device.Name,
				info.Device.FirmwareVersion,
				info.State,
				label,
				slot)
		}
		_ = w.Flush()
	},
}
