// SPDX-License-Identifier: MPL-2.0

// Package compile provides the default unit compilers used by the CLI.
//
// Data files (JSON, YAML, TOML and CUE) compile to their decoded value. An
// object becomes the unit's exports; any other value is exported under
// ValueKey. Shell scripts run in-process through mvdan.cc/sh and export the
// variables they mark for export.
package compile
