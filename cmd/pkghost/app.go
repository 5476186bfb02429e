// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"

	"github.com/pkghost/pkghost/internal/compile"
	"github.com/pkghost/pkghost/internal/config"
	"github.com/pkghost/pkghost/internal/transport"
	"github.com/pkghost/pkghost/pkg/pkgload"
)

type (
	// App wires CLI services and shared dependencies. Every command handler
	// receives the App and builds a session from it.
	App struct {
		Config ConfigProvider
		stdout io.Writer
		stderr io.Writer

		verbose    bool
		configPath string
	}

	// Dependencies defines the injection points for building an App. Nil
	// fields are replaced with production defaults by NewApp.
	Dependencies struct {
		Config ConfigProvider
		Stdout io.Writer
		Stderr io.Writer
	}

	// ConfigProvider loads configuration using explicit options.
	ConfigProvider interface {
		Load(ctx context.Context, opts config.LoadOptions) (*config.Config, error)
	}

	// session is the per-invocation runtime: configuration, logger,
	// transport, registry and loader.
	session struct {
		cfg      *config.Config
		logger   *log.Logger
		fs       *transport.FS
		registry *pkgload.Registry
		loader   *pkgload.Loader
	}
)

// NewApp creates an App with defaults for omitted dependencies.
func NewApp(deps Dependencies) *App {
	if deps.Stdout == nil {
		deps.Stdout = os.Stdout
	}
	if deps.Stderr == nil {
		deps.Stderr = os.Stderr
	}
	if deps.Config == nil {
		deps.Config = config.NewProvider()
	}
	return &App{Config: deps.Config, stdout: deps.Stdout, stderr: deps.Stderr}
}

func (a *App) loadConfig(ctx context.Context) (*config.Config, error) {
	return a.Config.Load(ctx, config.LoadOptions{ConfigFilePath: a.configPath})
}

func (a *App) newLogger(cfg *config.Config) *log.Logger {
	level := cfg.Level()
	if a.verbose {
		level = log.DebugLevel
	}
	return log.NewWithOptions(a.stderr, log.Options{Prefix: config.AppName, Level: level})
}

// newSession loads the configuration and builds a registry with the
// configured search paths and a loader with the default compilers.
func (a *App) newSession(ctx context.Context) (*session, error) {
	cfg, err := a.loadConfig(ctx)
	if err != nil {
		return nil, err
	}
	logger := a.newLogger(cfg)
	fs := transport.New(transport.WithLogger(logger))

	reg := pkgload.NewRegistry(fs,
		pkgload.WithLogger(logger),
		pkgload.WithTempDir(cfg.TempDir),
		pkgload.WithExtensions(cfg.Extensions...),
		pkgload.WithIgnore(cfg.IgnoreLocal...),
		pkgload.WithURLArg(cfg.EffectiveURLArg()),
	)
	for _, sp := range cfg.SearchPaths {
		reg.RegisterSearchPath(sp)
	}

	loader := pkgload.NewLoader(reg)
	compile.Register(loader, compile.Options{
		Stdout: a.stdout,
		Stderr: a.stderr,
		Minify: !cfg.Dev,
		Logger: logger,
	})
	logger.Debug("session ready", "config", cfg.Source, "search_paths", len(cfg.SearchPaths))
	return &session{cfg: cfg, logger: logger, fs: fs, registry: reg, loader: loader}, nil
}

// registerStandardPaths adds <dir>/node_modules and <dir>/../node_modules.
// Missing directories settle as empty search paths.
func (s *session) registerStandardPaths(dir string) {
	s.registry.RegisterSearchPath(filepath.Join(dir, "node_modules"))
	s.registry.RegisterSearchPath(filepath.Join(dir, "..", "node_modules"))
}

func (s *session) Close() error {
	return s.fs.Close()
}
