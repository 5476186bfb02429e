// SPDX-License-Identifier: MPL-2.0

// Package manifest parses the three descriptor files of a package tree:
// the package manifest (package.json), the version table (versions.json)
// and the batch descriptor (packages.json) that lists many packages of a
// search path at once.
//
// Every document is validated against an embedded CUE schema before it is
// decoded, so version tags written as numbers or strings and dependency
// lists written as arrays or objects all normalize to the same Go values.
package manifest
