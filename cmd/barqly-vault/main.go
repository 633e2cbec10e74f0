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

package main

import (
	"os"

	"github.com/Barqly/barqly-vault-sub000/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
