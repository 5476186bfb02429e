// SPDX-License-Identifier: MPL-2.0

package main

import (
	"os"

	cmd "github.com/pkghost/pkghost/cmd/pkghost"
)

func main() {
	os.Exit(cmd.Main())
}
