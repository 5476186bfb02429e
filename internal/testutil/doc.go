// SPDX-License-Identifier: MPL-2.0

// Package testutil provides test helpers: environment and filesystem
// helpers that fail the test on error, builders for package trees and pack
// archives, and an in-memory transport that records every call.
package testutil
