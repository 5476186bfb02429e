// SPDX-License-Identifier: MPL-2.0

package pkgload

import (
	"context"
	"errors"
	"regexp"
	"slices"
	"sort"
	"sync"

	"github.com/pkghost/pkghost/pkg/fspath"
	"github.com/pkghost/pkghost/pkg/manifest"
)

var packageNameRx = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$-]*$`)

// Registry owns every registered package path, search path and Package. It
// is safe for concurrent use; all state changes happen under one lock.
type Registry struct {
	s *settings

	mu          sync.Mutex
	searchPaths []*SearchPathRecord
	searchIdx   map[string]*SearchPathRecord
	records     []*PackageRecord
	recordIdx   map[string]*PackageRecord
	packages    map[string]*Package
	ready       bool
	waiters     []*Future
	inflight    int
}

// NewRegistry returns an empty registry performing I/O through t.
func NewRegistry(t Transport, opts ...Option) *Registry {
	s := &settings{
		transport:  t,
		logger:     DefaultLogger(),
		tempDir:    defaultTempDir(),
		extensions: slices.Clone(DefaultExtensions),
		ignore:     map[string]bool{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return &Registry{
		s:         s,
		searchIdx: map[string]*SearchPathRecord{},
		recordIdx: map[string]*PackageRecord{},
		packages:  map[string]*Package{},
	}
}

// Extensions returns the extension priority list.
func (r *Registry) Extensions() []string {
	return slices.Clone(r.s.extensions)
}

// RegisterPackage registers a package directory. The base name of path must
// be a valid package name. The parent directory is registered as a search
// path. Registering the same path twice has no effect.
func (r *Registry) RegisterPackage(path string, opts ...RegisterOption) error {
	var rs registerSettings
	for _, opt := range opts {
		opt(&rs)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.registerLocked(path, rs.optional, false)
	return err
}

// RegisterSearchPath registers a directory whose subdirectories (or batch
// descriptor) declare packages.
func (r *Registry) RegisterSearchPath(dir string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addSearchPathLocked(fspath.Resolve(dir))
}

// SetOrigin overrides the origin of a registered package path. It fails
// once the record has settled.
func (r *Registry) SetOrigin(path, origin string) error {
	return r.mutateRecord("set origin", path, func(rec *PackageRecord) { rec.Origin = origin })
}

// DisableOrigin turns origin reconciliation off or on for a package path.
func (r *Registry) DisableOrigin(path string, disable bool) error {
	return r.mutateRecord("disable origin", path, func(rec *PackageRecord) { rec.DisableOrigin = disable })
}

func (r *Registry) mutateRecord(op, path string, fn func(*PackageRecord)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.recordIdx[fspath.Resolve(path)]
	if rec == nil {
		return newError(ErrNotFound, op, path, errors.New("path is not registered"))
	}
	if rec.State != StatePending && rec.State != StateLoading {
		return newError(ErrConcurrencyMisuse, op, path, errors.New("record is already "+rec.State.String()))
	}
	fn(rec)
	return nil
}

// Package returns the package named name, or nil.
func (r *Registry) Package(name string) *Package {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.packages[name]
}

// HasPackage reports whether a package named name exists.
func (r *Registry) HasPackage(name string) bool {
	return r.Package(name) != nil
}

// Names returns the sorted package names.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.packages))
	for name := range r.packages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Ready reports whether the readiness fixpoint has completed since the last
// registration.
func (r *Registry) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready
}

// Records returns a snapshot of the package records in registration order.
func (r *Registry) Records() []PackageRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PackageRecord, len(r.records))
	for i, rec := range r.records {
		out[i] = *rec
	}
	return out
}

// SearchPaths returns a snapshot of the search paths in registration order.
func (r *Registry) SearchPaths() []SearchPathRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SearchPathRecord, len(r.searchPaths))
	for i, sp := range r.searchPaths {
		out[i] = *sp
	}
	return out
}

// PackageByAbsolutePath finds the package whose source tree contains path,
// installing candidates as needed. It returns the source-relative path, or
// the package entry when path is the source root itself. A nil package and
// nil error mean no package owns path.
func (r *Registry) PackageByAbsolutePath(ctx context.Context, path string) (*Package, string, error) {
	target := fspath.Resolve(path)
	for _, pkg := range r.sortedPackages() {
		prev := pkg.Previous()
		if !fspath.HasPrefixDir(target, pkg.Path()) && (prev == nil || !fspath.HasPrefixDir(target, prev.Path)) {
			continue
		}
		if err := pkg.Install(ctx); err != nil {
			return nil, "", err
		}
		if rel, ok := pkg.ownerOf(target); ok {
			if rel == "" {
				rel = pkg.Entry()
			}
			return pkg, rel, nil
		}
	}
	return nil, "", nil
}

// packageForLocator returns the installed package whose generations contain
// locator.
func (r *Registry) packageForLocator(locator string) (*Package, string) {
	for _, pkg := range r.sortedPackages() {
		if pkg.State() != Installed {
			continue
		}
		if rel, ok := pkg.ownerOf(locator); ok {
			return pkg, rel
		}
	}
	return nil, ""
}

func (r *Registry) sortedPackages() []*Package {
	r.mu.Lock()
	defer r.mu.Unlock()
	pkgs := make([]*Package, 0, len(r.packages))
	for _, pkg := range r.packages {
		pkgs = append(pkgs, pkg)
	}
	slices.SortFunc(pkgs, func(a, b *Package) int {
		// Deeper paths first so nested packages win over their parents.
		if la, lb := len(a.Path()), len(b.Path()); la != lb {
			return lb - la
		}
		if a.name < b.name {
			return -1
		}
		return 1
	})
	return pkgs
}

func (r *Registry) registerLocked(path string, optional, discovered bool) (*PackageRecord, error) {
	p := fspath.Resolve(path)
	if rec := r.recordIdx[p]; rec != nil {
		if rec.State == StatePending && !optional && !discovered {
			rec.Optional, rec.Discovered = false, false
		}
		return rec, nil
	}
	name := fspath.Base(p)
	if !packageNameRx.MatchString(name) {
		return nil, newError(ErrInvalidPath, "register", path, errors.New("invalid package name "+name))
	}
	if parent := fspath.Dir(p); parent != p && parent != "/" {
		r.addSearchPathLocked(parent)
	}
	rec := r.newRecordLocked(p, name)
	rec.Optional, rec.Discovered = optional, discovered
	r.s.logger.Debug("registered package path", "path", p, "optional", optional, "discovered", discovered)
	return rec, nil
}

func (r *Registry) newRecordLocked(path, name string) *PackageRecord {
	rec := &PackageRecord{Path: path, Name: name}
	r.records = append(r.records, rec)
	r.recordIdx[path] = rec
	r.ready = false
	return rec
}

func (r *Registry) addSearchPathLocked(dir string) {
	if r.searchIdx[dir] != nil {
		return
	}
	sp := &SearchPathRecord{Path: dir}
	r.searchPaths = append(r.searchPaths, sp)
	r.searchIdx[dir] = sp
	r.ready = false
}

func (r *Registry) registerDepsLocked(base string, deps []string) {
	for _, dep := range deps {
		path := dep
		if !fspath.IsAbsolute(dep) {
			path = fspath.Join(base, dep)
		}
		if _, err := r.registerLocked(path, false, false); err != nil {
			r.s.logger.Warn("ignore dependency", "package", base, "dependency", dep, "err", err)
		}
	}
}

// needLoadLocked applies the conflict rule to rec. It returns false, after
// settling rec, when the package already exists at the same path or cannot
// be superseded from rec's path.
func (r *Registry) needLoadLocked(rec *PackageRecord, warn bool) bool {
	pkg := r.packages[rec.Name]
	if pkg == nil {
		return true
	}
	if pkg.Path() == rec.Path {
		rec.State = StateReady
		return false
	}
	if !pkg.canReconcile(rec.Path) {
		rec.State = StateIgnored
		if warn && !rec.Optional {
			r.s.logger.Warn("ignore package path, name already registered",
				"path", rec.Path, "package", rec.Name, "registered", pkg.Path())
		} else {
			r.s.logger.Debug("ignore package path", "path", rec.Path, "package", rec.Name)
		}
		return false
	}
	return true
}

// newPackageLocked creates the package for name, or offers path to the
// existing package as a reconciliation candidate.
func (r *Registry) newPackageLocked(path, name string, prebuilt bool, m *manifest.Manifest, versionCode, origin string) {
	if pkg := r.packages[name]; pkg != nil {
		if pkg.reconcile(path, prebuilt, versionCode, m) {
			r.s.logger.Info("package superseded by origin", "package", name, "origin", path, "version", versionCode)
		}
		return
	}
	pkg := newPackage(r.s, path, name, prebuilt, m, versionCode, origin)
	r.packages[name] = pkg
	r.s.logger.Debug("created package", "package", name, "path", path, "prebuilt", prebuilt, "version", versionCode)
	if pkg.origin != "" {
		if _, err := r.registerLocked(pkg.origin, true, false); err != nil {
			r.s.logger.Warn("ignore origin", "package", name, "origin", pkg.origin, "err", err)
		}
	}
}
