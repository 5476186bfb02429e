// SPDX-License-Identifier: MPL-2.0

package pkgload

import (
	"context"
	"errors"

	"github.com/pkghost/pkghost/pkg/fspath"
)

var errNotInstalled = errors.New("package is not installed")

// ResolvePath installs the package and maps a source-relative path to a
// locator. An empty path or "." resolves the configured entry.
func (p *Package) ResolvePath(ctx context.Context, rel string) (string, error) {
	if err := p.Install(ctx); err != nil {
		return "", err
	}
	if rel == "" || rel == "." {
		rel = p.Entry()
	}
	r, err := p.resolvePath(fspath.ResolveLevels(rel, true))
	return r.locator, err
}

// resolvePath maps rel to a locator. Extensionless paths try every
// configured extension, first against the version table and then against the
// filesystem. Results are cached per request.
func (p *Package) resolvePath(rel string) (resolvedPath, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != Installed {
		return resolvedPath{}, newError(ErrNotFound, "resolve", fspath.Join(p.name, rel), errNotInstalled)
	}
	if r, ok := p.paths[rel]; ok {
		return r, nil
	}

	name, ver, ok := p.lookupLocked(rel)
	if !ok {
		return resolvedPath{}, notFoundf("resolve", rel, "no file %q in package %s", rel, p.name)
	}

	cur := &p.cur
	loc := fspath.Join(cur.SourceRoot, name)
	if cur.Packed[name] && cur.ArchiveRoot != "" {
		loc = fspath.Join(cur.ArchiveRoot, name)
	}
	if prev := p.prev; prev != nil {
		if pv, ok := prev.Versions[name]; ok && pv == ver {
			if prev.Packed[name] && prev.ArchiveRoot != "" {
				loc = fspath.Join(prev.ArchiveRoot, name)
			} else {
				loc = fspath.Join(prev.SourceRoot, name)
			}
		}
	}
	arg := ver
	if arg == "" {
		arg = p.settings.urlArg
	}

	r := resolvedPath{locator: fspath.WithQuery(loc, arg), rel: name}
	p.paths[rel] = r
	return r, nil
}

func (p *Package) lookupLocked(rel string) (name, ver string, ok bool) {
	src := p.cur.SourceRoot
	probe := func(name string) bool {
		return fspath.IsLocal(src) && p.settings.transport.IsFile(fspath.Join(src, name))
	}

	if fspath.Ext(rel) != "" {
		if v, ok := p.cur.Versions[rel]; ok {
			return rel, v, true
		}
		if probe(rel) {
			return rel, "", true
		}
		return "", "", false
	}

	for _, ext := range p.settings.extensions {
		if v, ok := p.cur.Versions[rel+ext]; ok {
			return rel + ext, v, true
		}
	}
	for _, ext := range p.settings.extensions {
		if probe(rel + ext) {
			return rel + ext, "", true
		}
	}
	return "", "", false
}
