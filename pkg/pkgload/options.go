// SPDX-License-Identifier: MPL-2.0

package pkgload

import (
	"os"
	"path/filepath"
	"slices"

	"github.com/charmbracelet/log"
)

// DefaultExtensions is the extension priority used for extensionless requests.
var DefaultExtensions = []string{".sh", ".cue", ".json", ".yaml", ".yml", ".toml"}

// IgnoreAllLocal in an ignore list disables every local search path.
const IgnoreAllLocal = "*"

// NoCacheArg is the query argument appended to manifest fetches.
const NoCacheArg = "__nocache"

type (
	// Option configures a Registry.
	Option func(*settings)

	// RegisterOption configures a single RegisterPackage call.
	RegisterOption func(*registerSettings)

	// settings are immutable once the registry is built and shared with
	// every Package it creates.
	settings struct {
		transport  Transport
		logger     *log.Logger
		tempDir    string
		extensions []string
		ignore     map[string]bool
		ignoreAll  bool
		urlArg     string
	}

	registerSettings struct {
		optional bool
	}
)

// WithLogger sets the logger. The default logs warnings to stderr.
func WithLogger(l *log.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithTempDir sets the directory holding downloaded pack archives.
func WithTempDir(dir string) Option {
	return func(s *settings) { s.tempDir = dir }
}

// WithExtensions sets the extension priority for extensionless requests.
func WithExtensions(exts ...string) Option {
	return func(s *settings) {
		if len(exts) > 0 {
			s.extensions = slices.Clone(exts)
		}
	}
}

// WithIgnore excludes package names from local search-path discovery. The
// name IgnoreAllLocal skips local search paths entirely.
func WithIgnore(names ...string) Option {
	return func(s *settings) {
		for _, n := range names {
			if n == IgnoreAllLocal {
				s.ignoreAll = true
				continue
			}
			s.ignore[n] = true
		}
	}
}

// WithURLArg sets the query argument appended to network file locators that
// have no version tag of their own.
func WithURLArg(arg string) Option {
	return func(s *settings) { s.urlArg = arg }
}

// Optional marks a registration whose failure demotes the record to Ignored
// instead of failing readiness.
func Optional() RegisterOption {
	return func(s *registerSettings) { s.optional = true }
}

// DefaultLogger returns the logger used when none is injected.
func DefaultLogger() *log.Logger {
	return log.NewWithOptions(os.Stderr, log.Options{
		Prefix: "pkghost",
		Level:  log.WarnLevel,
	})
}

func defaultTempDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "pkghost")
	}
	return filepath.Join(os.TempDir(), "pkghost")
}
