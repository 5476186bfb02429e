// SPDX-License-Identifier: MPL-2.0

package pkgload

import (
	"context"
	"fmt"
	"path"
	"reflect"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/pkghost/pkghost/pkg/fspath"
)

type (
	// Exports is the value a unit produces. Every unit's exports contain a
	// reference to themselves under the unit's SelfKey.
	Exports map[string]any

	// Unit is one loaded file.
	Unit struct {
		// Locator is the resolved locator, including any version query.
		Locator string
		// Filename is Locator without its query.
		Filename string
		// Package owns the unit; nil for external files.
		Package *Package
		// Rel is the source-relative path inside Package.
		Rel string
		// Dir is the directory relative requests resolve against: the
		// source-relative directory for package units, the locator's
		// directory otherwise.
		Dir string
		// Exports is replaced by the compiler's result.
		Exports Exports
	}

	// RequireFunc loads a request relative to the unit it was bound to.
	RequireFunc func(ctx context.Context, request string) (Exports, error)

	// CompileFunc turns unit source text into exports.
	CompileFunc func(ctx context.Context, u *Unit, source string, require RequireFunc) (Exports, error)

	// TransformFunc rewrites source text before compilation. Transforms are
	// skipped for prebuilt packages.
	TransformFunc func(source, filename string) (string, error)

	// ProgressFunc receives install progress from LoadEntries.
	ProgressFunc func(done, total int)

	// Loader resolves requests and memoizes the units it compiles.
	Loader struct {
		reg *Registry

		mu         sync.Mutex
		compilers  map[string]CompileFunc
		transforms map[string]TransformFunc
		builtins   map[string]Exports
		external   map[string]*Unit
	}
)

// NewLoader returns a loader with no compilers on top of reg.
func NewLoader(reg *Registry) *Loader {
	return &Loader{
		reg:        reg,
		compilers:  map[string]CompileFunc{},
		transforms: map[string]TransformFunc{},
		builtins:   map[string]Exports{},
		external:   map[string]*Unit{},
	}
}

// Registry returns the registry the loader resolves against.
func (l *Loader) Registry() *Registry { return l.reg }

// RegisterCompiler sets the compiler for files ending in ext.
func (l *Loader) RegisterCompiler(ext string, fn CompileFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.compilers[ext] = fn
}

// RegisterTransform sets the source transform for files ending in ext.
func (l *Loader) RegisterTransform(ext string, fn TransformFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transforms[ext] = fn
}

// RegisterBuiltin makes exports available under name ahead of any package.
func (l *Loader) RegisterBuiltin(name string, exports Exports) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.builtins[name] = exports
}

func (l *Loader) isBuiltin(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.builtins[name]
	return ok
}

func (l *Loader) hasExternal(locator string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.external[locator]
	return ok
}

// Require resolves request relative to from and returns the unit's exports,
// compiling the unit on first use.
func (l *Loader) Require(ctx context.Context, request string, from *Unit) (Exports, error) {
	t, err := l.classify(ctx, request, from)
	if err != nil {
		return nil, err
	}
	switch {
	case t.builtin != "":
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.builtins[t.builtin], nil
	case t.pkg != nil:
		r, err := l.packagePath(ctx, t.pkg, t.rel)
		if err != nil {
			return nil, err
		}
		return l.loadPackageUnit(ctx, t.pkg, r)
	default:
		return l.loadExternal(ctx, t.locator)
	}
}

// Load returns the exports of an already resolved locator.
func (l *Loader) Load(ctx context.Context, locator string) (Exports, error) {
	if l.isBuiltin(locator) {
		return l.Require(ctx, locator, nil)
	}
	if pkg, rel := l.reg.packageForLocator(locator); pkg != nil {
		r, err := pkg.resolvePath(rel)
		if err != nil {
			return nil, err
		}
		return l.loadPackageUnit(ctx, pkg, r)
	}
	return l.loadExternal(ctx, fspath.Resolve(locator))
}

// LoadEntry readies the registry and runs the entry of the named package.
func (l *Loader) LoadEntry(ctx context.Context, name string) (Exports, error) {
	if err := l.reg.EnsureReady(ctx); err != nil {
		return nil, err
	}
	if !l.reg.HasPackage(name) {
		return nil, notFoundf("load entry", name, "package %q is not registered", name)
	}
	return l.Require(ctx, name, nil)
}

// LoadEntries readies the registry asynchronously, installs the named
// packages concurrently and then runs their entries in order. onProgress,
// if set, is called after each install.
func (l *Loader) LoadEntries(ctx context.Context, names []string, onProgress ProgressFunc) (map[string]Exports, error) {
	if err := l.reg.EnsureReadyAsync(ctx).Wait(ctx); err != nil {
		return nil, err
	}

	pkgs := make([]*Package, len(names))
	for i, name := range names {
		if pkgs[i] = l.reg.Package(name); pkgs[i] == nil {
			return nil, notFoundf("load entry", name, "package %q is not registered", name)
		}
	}

	var (
		progressMu sync.Mutex
		done       int
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, pkg := range pkgs {
		g.Go(func() error {
			if err := pkg.InstallAsync(gctx).Wait(gctx); err != nil {
				return err
			}
			progressMu.Lock()
			defer progressMu.Unlock()
			done++
			if onProgress != nil {
				onProgress(done, len(pkgs))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]Exports, len(names))
	for _, name := range names {
		exports, err := l.Require(ctx, name, nil)
		if err != nil {
			return nil, err
		}
		out[name] = exports
	}
	return out, nil
}

func (l *Loader) loadPackageUnit(ctx context.Context, pkg *Package, r resolvedPath) (Exports, error) {
	pkg.mu.Lock()
	if u := pkg.units[r.locator]; u != nil {
		pkg.mu.Unlock()
		return u.Exports, nil
	}
	u := newUnit(r.locator, pkg, r.rel)
	pkg.units[r.locator] = u
	pkg.mu.Unlock()

	if err := l.compile(ctx, u, pkg.transformSources()); err != nil {
		pkg.mu.Lock()
		delete(pkg.units, r.locator)
		pkg.mu.Unlock()
		return nil, err
	}
	return u.Exports, nil
}

func (l *Loader) loadExternal(ctx context.Context, locator string) (Exports, error) {
	l.mu.Lock()
	if u := l.external[locator]; u != nil {
		l.mu.Unlock()
		return u.Exports, nil
	}
	u := newUnit(locator, nil, "")
	l.external[locator] = u
	l.mu.Unlock()

	if err := l.compile(ctx, u, true); err != nil {
		l.mu.Lock()
		delete(l.external, locator)
		l.mu.Unlock()
		return nil, err
	}
	return u.Exports, nil
}

func newUnit(locator string, pkg *Package, rel string) *Unit {
	u := &Unit{
		Locator:  locator,
		Filename: fspath.StripQuery(locator),
		Package:  pkg,
		Rel:      rel,
	}
	if pkg != nil {
		u.Dir = path.Dir(rel)
	} else {
		u.Dir = fspath.Dir(u.Filename)
	}
	u.Exports = Exports{}
	u.Exports[SelfKey(u.Filename)] = u.Exports
	return u
}

func (l *Loader) compile(ctx context.Context, u *Unit, transform bool) error {
	ext := fspath.Ext(u.Filename)
	l.mu.Lock()
	compiler := l.compilers[ext]
	transformer := l.transforms[ext]
	l.mu.Unlock()
	if compiler == nil {
		return notFoundf("load", u.Locator, "no compiler for %q files", ext)
	}

	source, err := l.reg.s.transport.ReadText(ctx, u.Locator)
	if err != nil {
		return readError("load", u.Locator, err)
	}
	if transform && transformer != nil {
		if source, err = transformer(source, u.Filename); err != nil {
			return fmt.Errorf("transform %s: %w", u.Filename, err)
		}
	}

	exports, err := compiler(ctx, u, source, func(ctx context.Context, request string) (Exports, error) {
		return l.Require(ctx, request, u)
	})
	if err != nil {
		return fmt.Errorf("compile %s: %w", u.Filename, err)
	}
	if exports != nil {
		key := SelfKey(u.Filename)
		if _, ok := exports[key]; !ok {
			exports[key] = exports
		}
		u.Exports = exports
	}
	l.reg.s.logger.Debug("loaded unit", "locator", u.Locator)
	return nil
}

// SelfKey is the exports key under which a unit references itself: the file
// base name without extension, with "." and "-" replaced by "_".
func SelfKey(filename string) string {
	base := fspath.Base(filename)
	base = strings.TrimSuffix(base, path.Ext(base))
	return strings.NewReplacer(".", "_", "-", "_").Replace(base)
}

// Plain returns a shallow copy of e without self references, suitable for
// printing or encoding.
func (e Exports) Plain() map[string]any {
	self := reflect.ValueOf(e).UnsafePointer()
	out := make(map[string]any, len(e))
	for k, v := range e {
		if rv := reflect.ValueOf(v); rv.Kind() == reflect.Map && rv.UnsafePointer() == self {
			continue
		}
		out[k] = v
	}
	return out
}
