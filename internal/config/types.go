// SPDX-License-Identifier: MPL-2.0

package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/log"
)

// NoCacheArg is appended to the URL argument when caching is disabled.
const NoCacheArg = "__nocache"

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

type (
	// Config is the effective configuration after defaults, the config file
	// and PKGHOST_* environment variables are merged.
	Config struct {
		SearchPaths []string `json:"search_paths" mapstructure:"search_paths"`
		Extensions  []string `json:"extensions" mapstructure:"extensions"`
		IgnoreLocal []string `json:"ignore_local" mapstructure:"ignore_local"`
		TempDir     string   `json:"temp_dir" mapstructure:"temp_dir"`
		URLArg      string   `json:"url_arg" mapstructure:"url_arg"`
		NoCache     bool     `json:"no_cache" mapstructure:"no_cache"`
		Dev         bool     `json:"dev" mapstructure:"dev"`
		LogLevel    string   `json:"log_level" mapstructure:"log_level"`

		// Source is the config file that was loaded, empty for defaults only.
		Source string `json:"-" mapstructure:"-"`
	}

	// InvalidConfigError lists every field that failed validation.
	InvalidConfigError struct {
		FieldErrors []error
	}
)

func (e *InvalidConfigError) Error() string {
	msgs := make([]string, len(e.FieldErrors))
	for i, err := range e.FieldErrors {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("invalid config: %s", strings.Join(msgs, "; "))
}

func (e *InvalidConfigError) Unwrap() error { return ErrInvalidConfig }

// Validate checks constraints the schema cannot express. Environment
// overrides bypass the schema, so the enumerations are checked again.
func (c *Config) Validate() error {
	var errs []error
	seen := map[string]bool{}
	for i, ext := range c.Extensions {
		switch {
		case !strings.HasPrefix(ext, ".") || len(ext) < 2:
			errs = append(errs, fmt.Errorf("extensions[%d]: %q must start with a dot", i, ext))
		case seen[ext]:
			errs = append(errs, fmt.Errorf("extensions[%d]: duplicate extension %q", i, ext))
		}
		seen[ext] = true
	}
	for i, p := range c.SearchPaths {
		if strings.TrimSpace(p) == "" {
			errs = append(errs, fmt.Errorf("search_paths[%d]: empty path", i))
		}
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if len(errs) > 0 {
		return &InvalidConfigError{FieldErrors: errs}
	}
	return nil
}

// EffectiveURLArg returns the URL argument with the no-cache marker added
// when no_cache or dev is set.
func (c *Config) EffectiveURLArg() string {
	if !c.NoCache && !c.Dev {
		return c.URLArg
	}
	if c.URLArg == "" {
		return NoCacheArg
	}
	if slices.Contains(strings.Split(c.URLArg, "&"), NoCacheArg) {
		return c.URLArg
	}
	return c.URLArg + "&" + NoCacheArg
}

// Level returns the parsed log level, falling back to info.
func (c *Config) Level() log.Level {
	lvl, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return log.InfoLevel
	}
	return lvl
}
