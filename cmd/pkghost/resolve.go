// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pkghost/pkghost/internal/issue"
	"github.com/pkghost/pkghost/pkg/fspath"
	"github.com/pkghost/pkghost/pkg/pkgload"
)

type resolveFlags struct {
	from     string
	packages []string
}

func newResolveCommand(app *App) *cobra.Command {
	var flags resolveFlags
	cmd := &cobra.Command{
		Use:   "resolve <request>",
		Short: "Print the locator a request resolves to",
		Long: `Print the locator a request resolves to, without loading it.

Requests are bare package names ("app" or "app/lib/util"), relative paths
("./util"), absolute paths or URLs. Relative requests resolve against --from,
which is either a registered package name or a file path.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return resolveRequest(cmd.Context(), app, args[0], flags)
		},
	}
	cmd.Flags().StringVar(&flags.from, "from", "", "package name or file the request is made from")
	cmd.Flags().StringSliceVarP(&flags.packages, "package", "p", nil, "register a package directory (repeatable)")
	return cmd
}

func resolveRequest(ctx context.Context, app *App, request string, flags resolveFlags) error {
	s, err := app.newSession(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	wd, err := os.Getwd()
	if err != nil {
		return err
	}
	s.registerStandardPaths(wd)
	for _, dir := range flags.packages {
		if err := s.registry.RegisterPackage(fspath.Resolve(dir)); err != nil {
			return classify(err, "register package", dir, issue.InvalidPackagePathId)
		}
	}

	from, err := fromUnit(ctx, s, flags.from)
	if err != nil {
		return classify(err, "resolve", flags.from, issue.PackageNotFoundId)
	}
	locator, err := s.loader.Resolve(ctx, request, from)
	if err != nil {
		return classify(err, "resolve", request, issue.PackageNotFoundId)
	}
	fmt.Fprintln(app.stdout, locator)
	return nil
}

// fromUnit builds the requesting unit for --from. A registered package name
// yields a unit at the package source root; anything else is a file path.
func fromUnit(ctx context.Context, s *session, from string) (*pkgload.Unit, error) {
	if from == "" {
		return nil, nil
	}
	if !fspath.IsAbsolute(from) && !fspath.IsRelative(from) {
		if err := s.registry.EnsureReady(ctx); err != nil {
			return nil, err
		}
		if pkg := s.registry.Package(from); pkg != nil {
			if err := pkg.Install(ctx); err != nil {
				return nil, err
			}
			entry := fspath.Join(pkg.SourceRoot(), pkg.Entry())
			return &pkgload.Unit{Locator: entry, Filename: entry, Package: pkg, Rel: pkg.Entry(), Dir: "."}, nil
		}
	}
	file := fspath.Resolve(from)
	return &pkgload.Unit{Locator: file, Filename: file, Dir: fspath.Dir(file)}, nil
}
