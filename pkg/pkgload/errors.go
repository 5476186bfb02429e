// SPDX-License-Identifier: MPL-2.0

package pkgload

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/pkghost/pkghost/pkg/fspath"
)

var (
	// ErrNotFound is returned for requests that map to no package, version
	// entry or file.
	ErrNotFound = errors.New("not found")
	// ErrManifest is returned for malformed or unreadable descriptors.
	ErrManifest = errors.New("invalid descriptor")
	// ErrNameMismatch is returned when a manifest name differs from its
	// directory name.
	ErrNameMismatch = errors.New("package name mismatch")
	// ErrNetwork wraps failed fetches and downloads.
	ErrNetwork = errors.New("network failure")
	// ErrConcurrencyMisuse is returned when sync and async readiness are mixed,
	// or a record is mutated after it became ready.
	ErrConcurrencyMisuse = errors.New("concurrency misuse")
	// ErrInvalidPath is returned when a package path has an invalid base name.
	ErrInvalidPath = errors.New("invalid package path")
)

// Error describes a failed registry, install or load operation.
type Error struct {
	// Kind is one of the sentinel errors above.
	Kind error
	// Op names the failed operation (e.g. "install", "resolve").
	Op string
	// Path is the request, locator or package path involved.
	Path string
	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	msg := e.Op + " " + e.Path + ": " + e.Kind.Error()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, op, path string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: cause}
}

func notFound(op, request string) error {
	return newError(ErrNotFound, op, request, nil)
}

func notFoundf(op, request, format string, args ...any) error {
	return newError(ErrNotFound, op, request, fmt.Errorf(format, args...))
}

// readError classifies a transport failure for locator.
func readError(op, locator string, err error) error {
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return newError(ErrNotFound, op, locator, err)
	case fspath.IsNetwork(locator):
		return newError(ErrNetwork, op, locator, err)
	default:
		return newError(ErrManifest, op, locator, err)
	}
}

// IsKind reports whether err carries kind.
func IsKind(err, kind error) bool {
	return errors.Is(err, kind)
}

func nameMismatch(op, path, want, got string) error {
	return newError(ErrNameMismatch, op, path,
		fmt.Errorf("manifest declares %q, package is named %q", got, want))
}
