// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/pkghost/pkghost/internal/issue"
	"github.com/pkghost/pkghost/pkg/fspath"
	"github.com/pkghost/pkghost/pkg/pkgload"
)

type listFlags struct {
	install  bool
	packages []string
}

type cell struct {
	text  string
	style lipgloss.Style
}

func newListCommand(app *App) *cobra.Command {
	var flags listFlags
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List search paths and packages",
		Long: `Ready the registry and list every search path and package record.

With --install every package is also installed, showing the source root it
loads from. Install failures are reported per package.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listPackages(cmd.Context(), app, flags)
		},
	}
	cmd.Flags().BoolVar(&flags.install, "install", false, "install every package")
	cmd.Flags().StringSliceVarP(&flags.packages, "package", "p", nil, "register a package directory (repeatable)")
	return cmd
}

func listPackages(ctx context.Context, app *App, flags listFlags) error {
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
	if err := s.registry.EnsureReady(ctx); err != nil {
		return classify(err, "ready registry", "", issue.ManifestInvalidId)
	}

	w := app.stdout
	fmt.Fprintln(w, TitleStyle.Render("Search paths"))
	var rows [][]cell
	for _, sp := range s.registry.SearchPaths() {
		rows = append(rows, []cell{
			{sp.Path, KeyStyle},
			{sp.State.String(), stateStyle(sp.State.String())},
		})
	}
	writeRows(w, rows)

	fmt.Fprintln(w)
	fmt.Fprintln(w, TitleStyle.Render("Packages"))
	rows = rows[:0]
	for _, rec := range s.registry.Records() {
		rows = append(rows, packageRow(ctx, s.registry, rec, flags.install))
	}
	if len(rows) == 0 {
		fmt.Fprintln(w, SubtitleStyle.Render("(none)"))
		return nil
	}
	writeRows(w, rows)
	return nil
}

func packageRow(ctx context.Context, reg *pkgload.Registry, rec pkgload.PackageRecord, install bool) []cell {
	row := []cell{{rec.Name, KeyStyle}, {rec.State.String(), stateStyle(rec.State.String())}}
	pkg := reg.Package(rec.Name)
	if pkg == nil || pkg.Path() != rec.Path {
		detail := rec.Path
		if rec.Err != nil {
			detail = rec.Err.Error()
		}
		return append(row, cell{"-", SubtitleStyle}, cell{detail, SubtitleStyle})
	}

	if install {
		if err := pkg.Install(ctx); err != nil {
			return append(row, cell{"-", SubtitleStyle}, cell{err.Error(), ErrorStyle})
		}
		row[1] = cell{pkg.State().String(), stateStyle(pkg.State().String())}
	}

	version := pkg.VersionCode()
	if version == "" {
		version = "source"
	}
	where := pkg.Path()
	if install {
		where = pkg.SourceRoot()
	}
	if origin := pkg.Origin(); origin != "" {
		where += " <- " + origin
	}
	return append(row, cell{version, SuccessStyle}, cell{where, SubtitleStyle})
}

// writeRows prints cells in columns padded to the widest plain text.
func writeRows(w io.Writer, rows [][]cell) {
	var widths []int
	for _, row := range rows {
		for i, c := range row {
			if i >= len(widths) {
				widths = append(widths, 0)
			}
			widths[i] = max(widths[i], lipgloss.Width(c.text))
		}
	}
	for _, row := range rows {
		var sb strings.Builder
		for i, c := range row {
			sb.WriteString(c.style.Render(c.text))
			if i < len(row)-1 {
				sb.WriteString(strings.Repeat(" ", widths[i]-lipgloss.Width(c.text)+2))
			}
		}
		fmt.Fprintln(w, sb.String())
	}
}
