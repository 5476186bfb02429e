// SPDX-License-Identifier: MPL-2.0

// Package cmd contains the pkghost command-line interface: running package
// entries, resolving requests, listing registries, building prebuilt
// packages and managing configuration.
package cmd
