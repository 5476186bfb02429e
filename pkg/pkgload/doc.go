// SPDX-License-Identifier: MPL-2.0

// Package pkgload is a package-loading runtime. It discovers named packages
// on search paths, reconciles local builds with newer remote builds, maps
// import requests to concrete file locators and memoizes compiled units.
//
// The Registry owns package records and drives readiness: a fixpoint that
// scans local search paths before network ones, reads batch descriptors in
// preference to directory scans, and fetches manifests. A Package installs
// once (from loose files, a local pack archive or a cached download) and then
// resolves relative paths against its version table. The Loader turns
// requests into units through pluggable per-extension transforms and
// compilers.
//
// All I/O goes through a Transport. Network fetches and archive downloads
// are the only operations that run in the background; everything else is
// synchronous and serialized on the registry lock.
package pkgload
