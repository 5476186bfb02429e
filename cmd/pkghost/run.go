// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"

	"github.com/spf13/cobra"

	"github.com/pkghost/pkghost/internal/issue"
	"github.com/pkghost/pkghost/pkg/fspath"
	"github.com/pkghost/pkghost/pkg/manifest"
	"github.com/pkghost/pkghost/pkg/pkgload"
)

type runFlags struct {
	async bool
	print bool
}

func newRunCommand(app *App) *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run <package-dir|file|url>",
		Short: "Load a package entry or a single file",
		Long: `Load a package entry or a single file.

A directory holding a package.json is registered as a package and its entry
is loaded. Any other argument is loaded as a single unit. The search paths
node_modules and ../node_modules of the working directory are registered
alongside the configured ones.

Packages load through the asynchronous path with progress reporting; dev
mode switches to the synchronous path unless --async is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTarget(cmd.Context(), app, args[0], flags)
		},
	}
	cmd.Flags().BoolVar(&flags.async, "async", false, "use asynchronous readiness even in dev mode")
	cmd.Flags().BoolVar(&flags.print, "print", false, "print the loaded exports as JSON")
	return cmd
}

func runTarget(ctx context.Context, app *App, target string, flags runFlags) error {
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

	var exports pkgload.Exports
	if dir, ok := packageDir(target); ok {
		exports, err = runPackage(ctx, s, dir, flags.async || !s.cfg.Dev)
		if err != nil {
			return classify(err, "run package", target, issue.CompileFailedId)
		}
	} else {
		request := target
		if !fspath.IsNetwork(target) {
			request = fspath.Resolve(target)
		}
		exports, err = s.loader.Require(ctx, request, nil)
		if err != nil {
			return classify(err, "run", target, issue.CompileFailedId)
		}
	}

	if flags.print {
		out, err := json.MarshalIndent(printable(exports, map[uintptr]bool{}), "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode exports: %w", err)
		}
		fmt.Fprintln(app.stdout, string(out))
	}
	return nil
}

func runPackage(ctx context.Context, s *session, dir string, async bool) (pkgload.Exports, error) {
	if err := s.registry.RegisterPackage(dir); err != nil {
		return nil, err
	}
	name := filepath.Base(dir)
	if !async {
		return s.loader.LoadEntry(ctx, name)
	}
	all, err := s.loader.LoadEntries(ctx, []string{name}, func(done, total int) {
		s.logger.Info("installed", "package", name, "done", done, "total", total)
	})
	if err != nil {
		return nil, err
	}
	return all[name], nil
}

// packageDir reports whether target is a local directory with a manifest.
func packageDir(target string) (string, bool) {
	if fspath.IsNetwork(target) {
		return "", false
	}
	abs, err := filepath.Abs(target)
	if err != nil {
		return "", false
	}
	if info, err := os.Stat(filepath.Join(abs, manifest.ManifestFile)); err != nil || info.IsDir() {
		return "", false
	}
	return abs, true
}

// printable converts exports to plain values, dropping self references and
// any map already on the current path.
func printable(v any, seen map[uintptr]bool) any {
	rv := reflect.ValueOf(v)
	switch t := v.(type) {
	case pkgload.Exports:
		return printable(map[string]any(t), seen)
	case map[string]any:
		ptr := uintptr(rv.UnsafePointer())
		if seen[ptr] {
			return nil
		}
		seen[ptr] = true
		defer delete(seen, ptr)
		out := make(map[string]any, len(t))
		for k, val := range t {
			if m, ok := val.(pkgload.Exports); ok && seen[uintptr(reflect.ValueOf(m).UnsafePointer())] {
				continue
			}
			if m, ok := val.(map[string]any); ok && seen[uintptr(reflect.ValueOf(m).UnsafePointer())] {
				continue
			}
			out[k] = printable(val, seen)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = printable(val, seen)
		}
		return out
	default:
		return v
	}
}
