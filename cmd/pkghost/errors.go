// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"errors"
	"fmt"
	"io"

	"github.com/pkghost/pkghost/internal/issue"
	"github.com/pkghost/pkghost/pkg/pkgload"
)

var kindIssues = []struct {
	kind error
	id   issue.Id
	hint string
}{
	{pkgload.ErrNameMismatch, issue.NameMismatchId, "Make the manifest name equal the package directory name"},
	{pkgload.ErrConcurrencyMisuse, issue.ConcurrencyMisuseId, "Do not mix synchronous and asynchronous readiness"},
	{pkgload.ErrInvalidPath, issue.InvalidPackagePathId, "Pass the package directory, not a file inside it"},
	{pkgload.ErrNetwork, issue.NetworkFailedId, "Check that the origin is reachable"},
	{pkgload.ErrManifest, issue.ManifestInvalidId, "Check the descriptor named above for syntax errors"},
	{pkgload.ErrNotFound, issue.PackageNotFoundId, "Run 'pkghost list' to see the registered packages"},
}

// classify wraps a runtime failure as an actionable error. Errors that
// already carry context pass through; errors without a registry kind get
// fallback.
func classify(err error, op, resource string, fallback issue.Id) error {
	if err == nil {
		return nil
	}
	var ae *issue.ActionableError
	if errors.As(err, &ae) {
		return err
	}
	b := issue.NewErrorContext().WithOperation(op).WithResource(resource).Wrap(err)
	for _, k := range kindIssues {
		if errors.Is(err, k.kind) {
			return b.WithIssue(k.id).WithSuggestion(k.hint).BuildError()
		}
	}
	return b.WithIssue(fallback).BuildError()
}

// renderError prints err for the user. Actionable errors show their
// suggestions and, when verbose, the catalog page for their issue.
func renderError(w io.Writer, err error, verbose bool) {
	var exitErr *ExitError
	if errors.As(err, &exitErr) && exitErr.Err == nil {
		return
	}

	var ae *issue.ActionableError
	if !errors.As(err, &ae) {
		fmt.Fprintf(w, "%s %s\n", ErrorStyle.Render("Error:"), err)
		return
	}
	fmt.Fprintf(w, "%s %s\n", ErrorStyle.Render("Error:"), ae.Format(verbose))
	if !verbose {
		return
	}
	if entry := ae.Catalog(); entry != nil {
		rendered, renderErr := entry.Render("dark")
		if renderErr != nil {
			fmt.Fprintf(w, "%s failed to render help: %v\n", WarningStyle.Render("!"), renderErr)
			return
		}
		fmt.Fprint(w, rendered)
	}
}
