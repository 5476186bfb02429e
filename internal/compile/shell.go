// SPDX-License-Identifier: MPL-2.0

package compile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/pkghost/pkghost/pkg/fspath"
	"github.com/pkghost/pkghost/pkg/pkgload"
)

// collectCommand is appended to every shell unit to read its exported
// variables back out of the interpreter.
const collectCommand = "__pkghost_collect_exports"

var shellNameRx = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type (
	shellCompiler struct {
		opts Options
	}

	// requireCall is a `require <request> [prefix]` command found in a
	// script. Requires are hoisted: they load before the script runs.
	requireCall struct {
		request string
		prefix  string
	}
)

func (c *shellCompiler) compile(ctx context.Context, u *pkgload.Unit, source string, require pkgload.RequireFunc) (pkgload.Exports, error) {
	parser := syntax.NewParser()
	prog, err := parser.Parse(strings.NewReader(source), u.Filename)
	if err != nil {
		return nil, fmt.Errorf("failed to parse script: %w", err)
	}
	calls, names, err := scanScript(prog)
	if err != nil {
		return nil, err
	}

	env := append(os.Environ(), c.opts.Env...)
	env = append(env, unitEnv(u)...)
	for _, call := range calls {
		dep, err := require(ctx, call.request)
		if err != nil {
			return nil, err
		}
		env = append(env, importVars(dep, call.prefix)...)
	}

	trailer, err := parser.Parse(strings.NewReader(collectCommand), u.Filename)
	if err != nil {
		return nil, err
	}
	prog.Stmts = append(prog.Stmts, trailer.Stmts...)

	runner, err := interp.New(
		interp.Env(expand.ListEnviron(env...)),
		interp.StdIO(nil, c.opts.Stdout, c.opts.Stderr),
		interp.ExecHandlers(c.execHandler(u.Exports, names, calls)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create interpreter: %w", err)
	}

	if err := runner.Run(ctx, prog); err != nil {
		var exitStatus interp.ExitStatus
		if errors.As(err, &exitStatus) {
			return nil, fmt.Errorf("script exited with status %d", int(exitStatus))
		}
		return nil, fmt.Errorf("script execution failed: %w", err)
	}
	c.opts.Logger.Debug("ran shell unit", "file", u.Filename, "requires", len(calls))
	return u.Exports, nil
}

// execHandler serves the hoisted require command and the export collector;
// everything else runs as an external command. A require that reaches the
// interpreter with a request that was not hoisted fails the script.
func (c *shellCompiler) execHandler(exports pkgload.Exports, names []string, calls []requireCall) func(interp.ExecHandlerFunc) interp.ExecHandlerFunc {
	return func(next interp.ExecHandlerFunc) interp.ExecHandlerFunc {
		return func(ctx context.Context, args []string) error {
			switch args[0] {
			case "require":
				if len(args) < 2 || !slices.ContainsFunc(calls, func(call requireCall) bool {
					return call.request == args[1]
				}) {
					return fmt.Errorf("require %s: request was not loaded before the script ran", strings.Join(args[1:], " "))
				}
				return nil
			case collectCommand:
				env := interp.HandlerCtx(ctx).Env
				for _, name := range names {
					if vr := env.Get(name); vr.Set && vr.Exported {
						exports[name] = vr.String()
					}
				}
				return nil
			}
			return next(ctx, args)
		}
	}
}

// scanScript returns the require calls of prog in source order and the
// sorted names of every variable it assigns. Require arguments must be
// static words so they can be loaded before the script runs.
func scanScript(prog *syntax.File) ([]requireCall, []string, error) {
	var (
		calls   []requireCall
		names   []string
		scanErr error
	)
	syntax.Walk(prog, func(node syntax.Node) bool {
		if scanErr != nil {
			return false
		}
		switch x := node.(type) {
		case *syntax.CallExpr:
			if len(x.Args) == 0 || x.Args[0].Lit() != "require" {
				return true
			}
			if len(x.Args) < 2 {
				scanErr = fmt.Errorf("%s: require needs a request", x.Pos())
				return false
			}
			var call requireCall
			call.request, scanErr = staticWord(x.Args[1])
			if scanErr == nil && len(x.Args) >= 3 {
				call.prefix, scanErr = staticWord(x.Args[2])
			}
			if scanErr != nil {
				return false
			}
			if call.request == "" {
				scanErr = fmt.Errorf("%s: require needs a request", x.Pos())
				return false
			}
			calls = append(calls, call)
		case *syntax.Assign:
			if x.Name != nil && !slices.Contains(names, x.Name.Value) {
				names = append(names, x.Name.Value)
			}
		}
		return true
	})
	if scanErr != nil {
		return nil, nil, scanErr
	}
	slices.Sort(names)
	return calls, names, nil
}

// staticWord returns the value of w after quote removal. Words with
// parameter expansions, command substitutions or globs are rejected.
func staticWord(w *syntax.Word) (string, error) {
	for _, part := range w.Parts {
		switch x := part.(type) {
		case *syntax.Lit, *syntax.SglQuoted:
		case *syntax.DblQuoted:
			for _, inner := range x.Parts {
				if _, ok := inner.(*syntax.Lit); !ok {
					return "", fmt.Errorf("%s: require arguments must be literal", w.Pos())
				}
			}
		default:
			return "", fmt.Errorf("%s: require arguments must be literal", w.Pos())
		}
	}
	return expand.Literal(nil, w)
}

// importVars renders the scalar exports of dep as NAME=value environment
// entries, each name prefixed with prefix.
func importVars(dep pkgload.Exports, prefix string) []string {
	var env []string
	for k, v := range dep.Plain() {
		name := prefix + k
		if !shellNameRx.MatchString(name) {
			continue
		}
		switch v.(type) {
		case string, bool, int, int64, uint64, float64:
			env = append(env, fmt.Sprintf("%s=%v", name, v))
		}
	}
	slices.Sort(env)
	return env
}

func unitEnv(u *pkgload.Unit) []string {
	env := []string{
		"PKGHOST_FILE=" + u.Filename,
		"PKGHOST_DIR=" + fspath.Dir(u.Filename),
	}
	if u.Package != nil {
		env = append(env, "PKGHOST_PACKAGE="+u.Package.Name())
	}
	return env
}

// MinifyShell reprints a shell script in its most compact form, dropping
// comments.
func MinifyShell(source, filename string) (string, error) {
	prog, err := syntax.NewParser(syntax.KeepComments(false)).Parse(strings.NewReader(source), filename)
	if err != nil {
		return "", fmt.Errorf("failed to parse script: %w", err)
	}
	var sb strings.Builder
	if err := syntax.NewPrinter(syntax.Minify(true)).Print(&sb, prog); err != nil {
		return "", err
	}
	return sb.String(), nil
}
