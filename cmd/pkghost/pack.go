// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pkghost/pkghost/internal/issue"
	"github.com/pkghost/pkghost/internal/packer"
)

type packFlags struct {
	output  string
	packed  []string
	exclude []string
	batch   bool
}

func newPackCommand(app *App) *cobra.Command {
	var flags packFlags
	cmd := &cobra.Command{
		Use:   "pack <package-dir>",
		Short: "Build a prebuilt copy of a package",
		Long: `Build a prebuilt copy of a package.

Every source file gets a content tag in versions.json and the manifest gets a
version_code: the build time in Unix milliseconds, kept when a rebuild finds
no content changes. Files matching --packed are stored in the <name>.pkg archive;
the rest are copied loose. Patterns are relative to the source root and
support ** globs.`,
		Example: `  pkghost pack ./app
  pkghost pack ./app -o ./dist --packed '**/*.sh' --exclude 'test/**' --batch`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return packPackage(cmd.Context(), app, args[0], flags)
		},
	}
	cmd.Flags().StringVarP(&flags.output, "output", "o", "", "output directory (default: dist beside the package)")
	cmd.Flags().StringSliceVar(&flags.packed, "packed", nil, "glob of files stored in the pack archive (repeatable)")
	cmd.Flags().StringSliceVar(&flags.exclude, "exclude", nil, "glob of files left out of the build (repeatable)")
	cmd.Flags().BoolVar(&flags.batch, "batch", false, "write packages.json for the output directory")
	return cmd
}

func packPackage(ctx context.Context, app *App, dir string, flags packFlags) error {
	cfg, err := app.loadConfig(ctx)
	if err != nil {
		return err
	}
	res, err := packer.Pack(ctx, packer.Options{
		Source:  dir,
		Output:  flags.output,
		Packed:  flags.packed,
		Exclude: flags.exclude,
		Logger:  app.newLogger(cfg),
	})
	if err != nil {
		return packError(err, dir)
	}

	w := app.stdout
	fmt.Fprintf(w, "%s %s %s\n", SuccessStyle.Render("✓"), KeyStyle.Render(res.Name), SubtitleStyle.Render(res.VersionCode))
	fmt.Fprintf(w, "  output:  %s\n", res.Dir)
	fmt.Fprintf(w, "  files:   %d loose, %d packed\n", res.Files, res.Packed)

	if flags.batch {
		outDir := filepath.Dir(res.Dir)
		n, err := packer.WriteBatchDescriptor(outDir)
		if err != nil {
			return packError(err, outDir)
		}
		fmt.Fprintf(w, "  batch:   %d package(s) in %s\n", n, filepath.Join(outDir, "packages.json"))
	}
	return nil
}

func packError(err error, resource string) error {
	return issue.NewErrorContext().
		WithOperation("pack package").
		WithResource(resource).
		WithIssue(issue.PackFailedId).
		Wrap(err).
		BuildError()
}
