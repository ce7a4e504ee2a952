// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"

	"github.com/telekom/hrdata-chaser/pkg/cli"
)

func main() {
	os.Exit(cli.Execute())
}
