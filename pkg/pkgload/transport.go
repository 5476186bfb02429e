// SPDX-License-Identifier: MPL-2.0

package pkgload

import "context"

// Transport performs all I/O on behalf of the runtime. Locators are local
// paths, http(s) URLs or archive:// entries (see package fspath).
type Transport interface {
	// ReadText returns the content of the file at locator. Missing files
	// produce an error wrapping fs.ErrNotExist.
	ReadText(ctx context.Context, locator string) (string, error)
	// FetchBinary downloads url into the local file dest.
	FetchBinary(ctx context.Context, url, dest string) error
	// IsFile reports whether locator is a filesystem-reachable regular file.
	// It is always false for network locators.
	IsFile(locator string) bool
	// IsDir reports whether locator is a filesystem-reachable directory.
	IsDir(locator string) bool
	// ReadDir lists the names of the subdirectories of the local directory
	// locator.
	ReadDir(locator string) ([]string, error)
}
