// SPDX-License-Identifier: MPL-2.0

package compile

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/charmbracelet/log"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/pkghost/pkghost/pkg/cueutil"
	"github.com/pkghost/pkghost/pkg/pkgload"
)

// ValueKey holds the decoded value of a data unit that is not an object.
const ValueKey = "value"

type (
	// Options configures the default compilers.
	Options struct {
		// Stdout and Stderr receive shell unit output. Nil means the process
		// streams.
		Stdout io.Writer
		Stderr io.Writer
		// Env is appended to the environment of shell units.
		Env []string
		// Minify registers the shell minifying transform.
		Minify bool
		Logger *log.Logger
	}

	decodeFunc func(source string, u *pkgload.Unit) (any, error)
)

// Register installs every default compiler, and the shell transform when
// opts.Minify is set, on l.
func Register(l *pkgload.Loader, opts Options) {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard)
	}

	l.RegisterCompiler(".json", data(decodeJSON))
	l.RegisterCompiler(".yaml", data(decodeYAML))
	l.RegisterCompiler(".yml", data(decodeYAML))
	l.RegisterCompiler(".toml", data(decodeTOML))
	l.RegisterCompiler(".cue", data(decodeCUE))

	sh := &shellCompiler{opts: opts}
	l.RegisterCompiler(".sh", sh.compile)
	if opts.Minify {
		l.RegisterTransform(".sh", MinifyShell)
	}
}

// data adapts a decoder to a compiler. Objects are merged into the unit's
// exports so the self reference survives.
func data(decode decodeFunc) pkgload.CompileFunc {
	return func(_ context.Context, u *pkgload.Unit, source string, _ pkgload.RequireFunc) (pkgload.Exports, error) {
		v, err := decode(source, u)
		if err != nil {
			return nil, err
		}
		if obj, ok := v.(map[string]any); ok {
			for k, val := range obj {
				u.Exports[k] = val
			}
		} else {
			u.Exports[ValueKey] = v
		}
		return u.Exports, nil
	}
}

func decodeJSON(source string, _ *pkgload.Unit) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(source), &v); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return v, nil
}

func decodeYAML(source string, _ *pkgload.Unit) (any, error) {
	var v any
	if err := yaml.Unmarshal([]byte(source), &v); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	return v, nil
}

func decodeTOML(source string, _ *pkgload.Unit) (any, error) {
	var v map[string]any
	if err := toml.Unmarshal([]byte(source), &v); err != nil {
		return nil, fmt.Errorf("invalid TOML: %w", err)
	}
	return v, nil
}

func decodeCUE(source string, u *pkgload.Unit) (any, error) {
	if err := cueutil.CheckFileSize([]byte(source), cueutil.DefaultMaxFileSize, u.Filename); err != nil {
		return nil, err
	}
	v := cuecontext.New().CompileString(source, cue.Filename(u.Filename))
	if err := v.Err(); err != nil {
		return nil, cueutil.FormatError(err, u.Filename)
	}
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, cueutil.FormatError(err, u.Filename)
	}
	var out any
	if err := v.Decode(&out); err != nil {
		return nil, cueutil.FormatError(err, u.Filename)
	}
	return out, nil
}
