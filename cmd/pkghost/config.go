// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pkghost/pkghost/internal/config"
)

// newConfigCommand creates the `pkghost config` command tree.
func newConfigCommand(app *App) *cobra.Command {
	cfgCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage pkghost configuration",
		Long: `Manage pkghost configuration.

Configuration is stored in:
  - Linux: $XDG_CONFIG_HOME/pkghost/config.cue (default ~/.config)
  - macOS: ~/Library/Application Support/pkghost/config.cue
  - Windows: %APPDATA%\pkghost\config.cue

Every key can be overridden with a PKGHOST_<KEY> environment variable.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return showConfig(cmd.Context(), app)
		},
	})

	var dump bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Create the default configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dump {
				fmt.Fprint(app.stdout, config.GenerateCUE(config.DefaultConfig()))
				return nil
			}
			path, created, err := config.CreateDefaultConfig("")
			if err != nil {
				return err
			}
			if !created {
				fmt.Fprintf(app.stdout, "%s config already exists: %s\n", WarningStyle.Render("!"), path)
				return nil
			}
			fmt.Fprintf(app.stdout, "%s created %s\n", SuccessStyle.Render("✓"), path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&dump, "stdout", false, "print the default configuration instead of writing it")
	cfgCmd.AddCommand(initCmd)

	return cfgCmd
}

func showConfig(ctx context.Context, app *App) error {
	cfg, err := app.loadConfig(ctx)
	if err != nil {
		return err
	}

	w := app.stdout
	fmt.Fprintln(w, TitleStyle.Render("Current Configuration"))
	fmt.Fprintln(w)
	source := SubtitleStyle.Render("(using defaults)")
	if cfg.Source != "" {
		source = cfg.Source
	}
	fmt.Fprintf(w, "%s: %s\n\n", KeyStyle.Render("config file"), source)

	list := func(items []string) string {
		if len(items) == 0 {
			return SubtitleStyle.Render("(none)")
		}
		return SuccessStyle.Render(strings.Join(items, ", "))
	}
	value := func(s string) string {
		if s == "" {
			return SubtitleStyle.Render("(none)")
		}
		return SuccessStyle.Render(s)
	}
	fmt.Fprintf(w, "%s: %s\n", KeyStyle.Render("search_paths"), list(cfg.SearchPaths))
	fmt.Fprintf(w, "%s: %s\n", KeyStyle.Render("extensions"), list(cfg.Extensions))
	fmt.Fprintf(w, "%s: %s\n", KeyStyle.Render("ignore_local"), list(cfg.IgnoreLocal))
	fmt.Fprintf(w, "%s: %s\n", KeyStyle.Render("temp_dir"), value(cfg.TempDir))
	fmt.Fprintf(w, "%s: %s\n", KeyStyle.Render("url_arg"), value(cfg.EffectiveURLArg()))
	fmt.Fprintf(w, "%s: %s\n", KeyStyle.Render("no_cache"), value(fmt.Sprint(cfg.NoCache)))
	fmt.Fprintf(w, "%s: %s\n", KeyStyle.Render("dev"), value(fmt.Sprint(cfg.Dev)))
	fmt.Fprintf(w, "%s: %s\n", KeyStyle.Render("log_level"), value(cfg.LogLevel))
	return nil
}
