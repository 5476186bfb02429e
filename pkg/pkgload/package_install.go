// SPDX-License-Identifier: MPL-2.0

package pkgload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pkghost/pkghost/pkg/fspath"
	"github.com/pkghost/pkghost/pkg/manifest"
)

type (
	// installPlan is the snapshot an install works from. It is taken under
	// the package lock so the install itself runs unlocked.
	installPlan struct {
		prebuilt bool
		local    bool
		origin   string
		cur      Generation
		prev     *Generation
	}

	installResult struct {
		cur  Generation
		prev *Generation
	}
)

// Install makes the package ready for path resolution. It runs at most once
// at a time: concurrent callers share the in-flight install and observe the
// same outcome. A failed install may be retried.
func (p *Package) Install(ctx context.Context) error {
	f, plan := p.beginInstall()
	if plan != nil {
		res, err := p.runInstall(ctx, plan)
		p.finishInstall(res, err)
	}
	return f.Wait(ctx)
}

// InstallAsync starts Install in the background.
func (p *Package) InstallAsync(ctx context.Context) *Future {
	f, plan := p.beginInstall()
	if plan != nil {
		go func() {
			res, err := p.runInstall(ctx, plan)
			p.finishInstall(res, err)
		}()
	}
	return f
}

func (p *Package) beginInstall() (*Future, *installPlan) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case Installed:
		return resolvedFuture(nil), nil
	case Installing:
		return p.inflight, nil
	}
	p.state = Installing
	p.inflight = newFuture()
	plan := &installPlan{
		prebuilt: p.prebuilt,
		local:    p.local,
		origin:   p.origin,
		cur:      *p.cur.clone(),
	}
	if p.prev != nil {
		plan.prev = p.prev.clone()
	}
	return p.inflight, plan
}

func (p *Package) finishInstall(res installResult, err error) {
	p.mu.Lock()
	f := p.inflight
	p.inflight = nil
	if err != nil {
		p.state = NotInstalled
	} else {
		p.cur = res.cur
		p.prev = res.prev
		p.state = Installed
		p.paths = make(map[string]resolvedPath)
	}
	p.mu.Unlock()

	log := p.settings.logger
	if err != nil {
		log.Debug("install failed", "package", p.name, "err", err)
	} else {
		log.Debug("installed", "package", p.name, "path", res.cur.Path, "version", res.cur.VersionCode,
			"superseded", res.prev != nil)
	}
	f.resolve(err)
}

func (p *Package) runInstall(ctx context.Context, plan *installPlan) (installResult, error) {
	switch {
	case !plan.prebuilt:
		g, err := p.installFrom(ctx, plan.cur, "", false)
		return installResult{cur: g}, err

	case plan.local && plan.prev != nil:
		old, err := p.installLocal(ctx, *plan.prev)
		if err != nil {
			return installResult{}, err
		}
		g, err := p.installRemote(ctx, plan.cur)
		if err != nil {
			if errors.Is(err, ErrNameMismatch) {
				return installResult{}, err
			}
			p.settings.logger.Warn("origin install failed, keeping local build",
				"package", p.name, "origin", plan.cur.Path, "err", err)
			return installResult{cur: old}, nil
		}
		return installResult{cur: g, prev: &old}, nil

	case plan.local:
		g, err := p.installLocal(ctx, plan.cur)
		if err != nil {
			return installResult{}, err
		}
		if newer, ok := p.cachedOrigin(ctx, plan, g); ok {
			return installResult{cur: newer, prev: &g}, nil
		}
		return installResult{cur: g}, nil

	default:
		g, err := p.installRemote(ctx, plan.cur)
		return installResult{cur: g}, err
	}
}

// installLocal installs a local build, preferring its pack archive.
func (p *Package) installLocal(ctx context.Context, g Generation) (Generation, error) {
	archive := ""
	if !fspath.IsArchive(g.Path) {
		if pkgFile := fspath.Join(g.Path, p.name+manifest.ArchiveSuffix); p.settings.transport.IsFile(pkgFile) {
			archive = fspath.ArchiveRoot(pkgFile)
		}
	}
	return p.installFrom(ctx, g, archive, true)
}

// installRemote installs a network build through the archive cache in the
// temp directory. A failed download falls back to the last cached archive.
func (p *Package) installRemote(ctx context.Context, g Generation) (Generation, error) {
	s := p.settings
	if err := os.MkdirAll(s.tempDir, 0o755); err != nil {
		return g, fmt.Errorf("create archive cache: %w", err)
	}
	if !safeTag(g.VersionCode) {
		return g, newError(ErrManifest, "install", g.Path, fmt.Errorf("version code %q cannot name a cache file", g.VersionCode))
	}
	named := filepath.Join(s.tempDir, p.name+manifest.ArchiveSuffix)
	tagged := named + "." + g.VersionCode

	if s.transport.IsFile(filepath.ToSlash(tagged)) {
		s.logger.Debug("archive cache hit", "package", p.name, "archive", tagged)
	} else {
		url := fspath.WithQuery(fspath.Join(g.Path, p.name+manifest.ArchiveSuffix), g.VersionCode)
		tmp := tagged + ".~"
		err := s.transport.FetchBinary(ctx, url, tmp)
		if err == nil {
			err = os.Rename(tmp, tagged)
		}
		if err != nil {
			_ = os.Remove(tmp)
			if !s.transport.IsFile(filepath.ToSlash(named)) {
				return g, newError(ErrNetwork, "download", url, err)
			}
			s.logger.Warn("archive download failed, using cached archive",
				"package", p.name, "url", url, "archive", named, "err", err)
			cached, ierr := p.installFrom(ctx, g, fspath.ArchiveRoot(named), true)
			if ierr == nil && cached.Manifest.VersionCode != "" {
				cached.VersionCode = cached.Manifest.VersionCode
			}
			return cached, ierr
		}
		s.logger.Debug("downloaded archive", "package", p.name, "url", url)
	}

	if err := refreshAlias(tagged, named); err != nil {
		s.logger.Warn("refresh cached archive", "archive", named, "err", err)
	}
	return p.installFrom(ctx, g, fspath.ArchiveRoot(tagged), true)
}

// cachedOrigin adopts a previously downloaded origin archive whose build is
// strictly newer than the local one.
func (p *Package) cachedOrigin(ctx context.Context, plan *installPlan, local Generation) (Generation, bool) {
	s := p.settings
	if plan.origin == "" {
		return Generation{}, false
	}
	named := filepath.Join(s.tempDir, p.name+manifest.ArchiveSuffix)
	if !s.transport.IsFile(filepath.ToSlash(named)) {
		return Generation{}, false
	}
	root := fspath.ArchiveRoot(named)
	m, err := p.readManifest(ctx, fspath.Join(root, manifest.ManifestFile))
	if err != nil {
		s.logger.Debug("ignore cached archive", "archive", named, "err", err)
		return Generation{}, false
	}
	if !tagNewer(m.VersionCode, local.VersionCode) {
		return Generation{}, false
	}
	g, err := p.installFrom(ctx, Generation{Path: plan.origin, VersionCode: m.VersionCode}, root, true)
	if err != nil {
		s.logger.Warn("ignore cached archive", "archive", named, "err", err)
		return Generation{}, false
	}
	return g, true
}

// installFrom reads the manifest and, when needed, the version table of g.
// archive, when set, is the archive:// root both are read from.
func (p *Package) installFrom(ctx context.Context, g Generation, archive string, prebuilt bool) (Generation, error) {
	dir := g.Path
	if archive != "" {
		dir = archive
	}

	m, err := p.readManifest(ctx, fspath.WithQuery(fspath.Join(dir, manifest.ManifestFile), g.VersionCode))
	if err != nil {
		return g, err
	}
	if m.Name != p.name {
		return g, nameMismatch("install", g.Path, p.name, m.Name)
	}

	g.Manifest = m
	g.SourceRoot = fspath.Resolve(g.Path, m.Src)
	g.ArchiveRoot = archive
	g.Versions = map[string]string{}
	g.Packed = map[string]bool{}
	if m.SkipInstall || !(prebuilt || fspath.IsNetwork(dir)) {
		return g, nil
	}

	loc := fspath.WithQuery(fspath.Join(dir, manifest.VersionsFile), g.VersionCode)
	text, err := p.settings.transport.ReadText(ctx, loc)
	if err != nil {
		return g, readError("install", loc, err)
	}
	vt, err := manifest.ParseVersions([]byte(text), loc)
	if err != nil {
		return g, newError(ErrManifest, "install", loc, err)
	}
	g.Versions = vt.Versions
	if archive != "" {
		for rel := range vt.Packed {
			g.Packed[rel] = true
		}
	}
	return g, nil
}

func (p *Package) readManifest(ctx context.Context, loc string) (*manifest.Manifest, error) {
	text, err := p.settings.transport.ReadText(ctx, loc)
	if err != nil {
		return nil, readError("install", loc, err)
	}
	m, err := manifest.Parse([]byte(text), loc)
	if err != nil {
		return nil, newError(ErrManifest, "install", loc, err)
	}
	return m, nil
}

// refreshAlias points the name-keyed cache entry at the tagged archive,
// hard-linking when possible.
func refreshAlias(tagged, named string) error {
	ti, err := os.Stat(tagged)
	if err != nil {
		return err
	}
	if ni, err := os.Stat(named); err == nil && os.SameFile(ti, ni) {
		return nil
	}
	tmp := named + ".~"
	_ = os.Remove(tmp)
	if err := os.Link(tagged, tmp); err != nil {
		if err := copyFile(tagged, tmp); err != nil {
			return err
		}
	}
	return os.Rename(tmp, named)
}

func copyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	_, err = io.Copy(out, in)
	return err
}
