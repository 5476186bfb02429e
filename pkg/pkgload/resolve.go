// SPDX-License-Identifier: MPL-2.0

package pkgload

import (
	"context"
	"os"
	"regexp"
	"strings"

	"github.com/pkghost/pkghost/pkg/fspath"
)

var bareRequestRx = regexp.MustCompile(`^([A-Za-z_$][A-Za-z0-9_$-]*)(?:/(.+))?$`)

// target is a classified request: either a path inside a package, a
// standalone external locator or a built-in unit.
type target struct {
	pkg     *Package
	rel     string
	locator string
	builtin string
}

// Resolve maps request to a locator without loading it. from, when set, is
// the unit issuing the request.
func (l *Loader) Resolve(ctx context.Context, request string, from *Unit) (string, error) {
	t, err := l.classify(ctx, request, from)
	if err != nil {
		return "", err
	}
	switch {
	case t.builtin != "":
		return t.builtin, nil
	case t.pkg != nil:
		r, err := l.packagePath(ctx, t.pkg, t.rel)
		return r.locator, err
	default:
		return t.locator, nil
	}
}

// classify decides which of the request shapes applies: built-in name,
// relative path, bare package name or absolute path.
func (l *Loader) classify(ctx context.Context, request string, from *Unit) (target, error) {
	if l.isBuiltin(request) {
		return target{builtin: request}, nil
	}

	if fspath.IsRelative(request) {
		if from != nil && from.Package != nil {
			rel := fspath.ResolveLevels(from.Dir+"/"+request, true)
			if !escapesRoot(rel) {
				return target{pkg: from.Package, rel: rel}, nil
			}
			// Climbing above the package root leaves the package.
			if err := from.Package.Install(ctx); err != nil {
				return target{}, err
			}
			base := fspath.Resolve(from.Package.SourceRoot(), from.Dir)
			return l.absoluteTarget(ctx, fspath.Resolve(base, request), request)
		}
		base := ""
		if from != nil {
			base = fspath.Dir(from.Locator)
		}
		if base == "" {
			wd, err := os.Getwd()
			if err != nil {
				return target{}, err
			}
			base = wd
		}
		return l.absoluteTarget(ctx, fspath.Resolve(base, request), request)
	}

	if m := bareRequestRx.FindStringSubmatch(request); m != nil {
		if err := l.reg.EnsureReady(ctx); err != nil {
			return target{}, err
		}
		pkg := l.reg.Package(m[1])
		if pkg == nil {
			return target{}, notFoundf("resolve", request, "package %q is not registered", m[1])
		}
		return target{pkg: pkg, rel: m[2]}, nil
	}

	if fspath.IsAbsolute(request) {
		return l.absoluteTarget(ctx, fspath.Resolve(request), request)
	}
	return target{}, notFound("resolve", request)
}

func (l *Loader) absoluteTarget(ctx context.Context, path, request string) (target, error) {
	if err := l.reg.EnsureReady(ctx); err != nil {
		return target{}, err
	}
	pkg, rel, err := l.reg.PackageByAbsolutePath(ctx, path)
	if err != nil {
		return target{}, err
	}
	if pkg != nil {
		return target{pkg: pkg, rel: rel}, nil
	}
	for _, cand := range l.candidates(path) {
		if l.hasExternal(cand) || l.reg.s.transport.IsFile(cand) {
			return target{locator: cand}, nil
		}
	}
	if fspath.IsNetwork(path) {
		return target{locator: path}, nil
	}
	return target{}, notFound("resolve", request)
}

// candidates lists path followed, when it has no extension, by path with
// each configured extension appended.
func (l *Loader) candidates(path string) []string {
	out := []string{path}
	if fspath.Ext(path) == "" {
		for _, ext := range l.reg.s.extensions {
			out = append(out, path+ext)
		}
	}
	return out
}

// packagePath installs pkg and resolves rel inside it.
func (l *Loader) packagePath(ctx context.Context, pkg *Package, rel string) (resolvedPath, error) {
	if err := pkg.Install(ctx); err != nil {
		return resolvedPath{}, err
	}
	if rel == "" || rel == "." {
		rel = pkg.Entry()
	}
	clean := fspath.ResolveLevels(strings.TrimPrefix(rel, "/"), true)
	if escapesRoot(clean) {
		return resolvedPath{}, notFoundf("resolve", pkg.Name()+"/"+rel, "path leaves the package root")
	}
	return pkg.resolvePath(clean)
}

// escapesRoot reports whether a collapsed relative path climbs above its base.
func escapesRoot(rel string) bool {
	return rel == ".." || strings.HasPrefix(rel, "../")
}
