// SPDX-License-Identifier: MPL-2.0

package pkgload

import (
	"maps"
	"slices"
	"sync"

	"github.com/pkghost/pkghost/pkg/fspath"
	"github.com/pkghost/pkghost/pkg/manifest"
)

// Install states of a Package.
const (
	NotInstalled InstallState = iota
	Installing
	Installed
)

type (
	// InstallState tracks Package.Install progress.
	InstallState int

	// Generation is the install-time view of one copy of a package: where it
	// lives, which build it is and which files it versions.
	Generation struct {
		// Path is the package directory (local path or URL).
		Path string
		// VersionCode is the build tag; empty for source packages.
		VersionCode string
		// Manifest is nil until the generation is installed, unless a
		// manifest load already supplied it.
		Manifest *manifest.Manifest
		// SourceRoot is Path joined with the manifest src.
		SourceRoot string
		// ArchiveRoot is the archive:// root of the pack archive, if any.
		ArchiveRoot string
		// Versions maps source-relative paths to version tags.
		Versions map[string]string
		// Packed holds the paths stored in the pack archive.
		Packed map[string]bool
	}

	// Package is one named, versioned bundle. All methods are safe for
	// concurrent use.
	Package struct {
		name     string
		local    bool
		origin   string
		settings *settings

		mu       sync.Mutex
		prebuilt bool
		cur      Generation
		prev     *Generation
		state    InstallState
		inflight *Future
		paths    map[string]resolvedPath
		units    map[string]*Unit
	}

	resolvedPath struct {
		locator string
		rel     string
	}
)

func (s InstallState) String() string {
	switch s {
	case NotInstalled:
		return "not-installed"
	case Installing:
		return "installing"
	case Installed:
		return "installed"
	default:
		return "unknown"
	}
}

// clone returns a deep copy.
func (g *Generation) clone() *Generation {
	c := *g
	c.Versions = maps.Clone(g.Versions)
	c.Packed = maps.Clone(g.Packed)
	if g.Manifest != nil {
		m := *g.Manifest
		m.ExternalDeps = slices.Clone(g.Manifest.ExternalDeps)
		c.Manifest = &m
	}
	return &c
}

func newPackage(s *settings, path, name string, prebuilt bool, m *manifest.Manifest, versionCode, origin string) *Package {
	if !fspath.IsNetwork(origin) {
		origin = ""
	}
	return &Package{
		name:     name,
		local:    fspath.IsLocal(path),
		origin:   origin,
		settings: s,
		prebuilt: prebuilt,
		cur:      Generation{Path: path, VersionCode: versionCode, Manifest: m},
		paths:    make(map[string]resolvedPath),
		units:    make(map[string]*Unit),
	}
}

// Name returns the package name.
func (p *Package) Name() string { return p.name }

// Origin returns the network origin checked for newer builds.
func (p *Package) Origin() string { return p.origin }

// Local reports whether the package was first registered from a local path.
func (p *Package) Local() bool { return p.local }

// Path returns the current package directory.
func (p *Package) Path() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cur.Path
}

// VersionCode returns the current build tag.
func (p *Package) VersionCode() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cur.VersionCode
}

// Prebuilt reports whether the package is a build output.
func (p *Package) Prebuilt() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prebuilt
}

// State returns the install state.
func (p *Package) State() InstallState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Manifest returns the installed manifest, or nil before install.
func (p *Package) Manifest() *manifest.Manifest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cur.Manifest
}

// SourceRoot returns the directory file paths resolve against.
func (p *Package) SourceRoot() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cur.SourceRoot
}

// Current returns a copy of the current generation.
func (p *Package) Current() Generation {
	p.mu.Lock()
	defer p.mu.Unlock()
	return *p.cur.clone()
}

// Previous returns a copy of the superseded generation, or nil.
func (p *Package) Previous() *Generation {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.prev == nil {
		return nil
	}
	return p.prev.clone()
}

// Entry returns the configured entry path, defaulting to "index".
func (p *Package) Entry() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cur.Manifest == nil {
		return "index"
	}
	return p.cur.Manifest.Entry()
}

// transformSources reports whether transforms apply to this package's units.
func (p *Package) transformSources() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.prebuilt || (p.cur.Manifest != nil && p.cur.Manifest.NoSyntaxPreprocess)
}

// canReconcile reports whether originPath may supersede the current
// generation. It holds only before install, for local prebuilt packages
// whose declared origin is originPath.
func (p *Package) canReconcile(originPath string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.canReconcileLocked(originPath)
}

func (p *Package) canReconcileLocked(originPath string) bool {
	return p.prebuilt && p.state == NotInstalled && p.local &&
		originPath == p.origin && originPath != p.cur.Path
}

// reconcile switches the package to the build found at originPath when its
// tag is comparable with and differs from the current one. An older origin
// build also wins, so a rollback at the origin propagates. The current
// generation is kept as the previous generation.
func (p *Package) reconcile(originPath string, prebuilt bool, versionCode string, m *manifest.Manifest) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.canReconcileLocked(originPath) || !prebuilt {
		return false
	}
	if c, ok := compareTags(versionCode, p.cur.VersionCode); !ok || c == 0 {
		return false
	}
	p.prev = &Generation{Path: p.cur.Path, VersionCode: p.cur.VersionCode, Manifest: p.cur.Manifest}
	p.cur = Generation{Path: originPath, VersionCode: versionCode, Manifest: m}
	p.paths = make(map[string]resolvedPath)
	return true
}

// ownerOf returns the source-relative path of locator when it lies under one
// of the package's generations.
func (p *Package) ownerOf(locator string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	gens := []*Generation{&p.cur}
	if p.prev != nil {
		gens = append(gens, p.prev)
	}
	for _, g := range gens {
		for _, root := range []string{g.ArchiveRoot, g.SourceRoot} {
			if root == "" {
				continue
			}
			if rel, ok := relativeTo(locator, root); ok {
				return rel, true
			}
		}
	}
	return "", false
}

func relativeTo(locator, root string) (string, bool) {
	locator = fspath.StripQuery(locator)
	if !fspath.HasPrefixDir(locator, root) {
		return "", false
	}
	return fspath.ResolveLevels(locator[len(root):], false), true
}
