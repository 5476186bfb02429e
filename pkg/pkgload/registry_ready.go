// SPDX-License-Identifier: MPL-2.0

package pkgload

import (
	"context"
	"errors"
	"slices"

	"github.com/pkghost/pkghost/pkg/fspath"
	"github.com/pkghost/pkghost/pkg/manifest"
)

// EnsureReady runs the readiness fixpoint to completion on the calling
// goroutine. It fails with ErrConcurrencyMisuse while an EnsureReadyAsync
// pass is outstanding, without changing any state.
func (r *Registry) EnsureReady(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ready {
		return nil
	}
	if len(r.waiters) > 0 || r.inflight > 0 {
		return newError(ErrConcurrencyMisuse, "ensure ready", "",
			errors.New("asynchronous readiness is in progress"))
	}
	return r.advanceLocked(ctx, false)
}

// EnsureReadyAsync drives the fixpoint with network fetches running in the
// background. Every outstanding future completes once, in call order, when
// the fixpoint finishes or fails.
func (r *Registry) EnsureReadyAsync(ctx context.Context) *Future {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ready {
		return resolvedFuture(nil)
	}
	f := newFuture()
	r.waiters = append(r.waiters, f)
	_ = r.advanceLocked(ctx, true)
	return f
}

// advanceLocked runs passes until the fixpoint completes, fails, or waits on
// a background fetch whose completion re-enters it.
func (r *Registry) advanceLocked(ctx context.Context, async bool) error {
	for !r.ready {
		loading, err := r.passLocked(ctx, async)
		if err != nil {
			r.rejectLocked(err)
			return err
		}
		if loading {
			return nil
		}
		if !r.pendingLocked() {
			r.finishLocked()
		}
	}
	return nil
}

func (r *Registry) passLocked(ctx context.Context, async bool) (loading bool, err error) {
	for _, sp := range slices.Clone(r.searchPaths) {
		if sp.State == StatePending && fspath.IsLocal(sp.Path) {
			r.scanLocalLocked(ctx, sp)
		}
	}

	for _, sp := range slices.Clone(r.searchPaths) {
		switch {
		case sp.State == StatePending && !fspath.IsLocal(sp.Path):
			if async {
				r.fetchBatchAsync(ctx, sp)
				loading = true
			} else {
				r.fetchBatchLocked(ctx, sp)
			}
		case sp.State == StateLoading:
			loading = true
		}
	}
	if loading || r.searchPendingLocked() {
		return loading, nil
	}

	for _, rec := range slices.Clone(r.records) {
		switch rec.State {
		case StatePending:
			if !r.needLoadLocked(rec, true) {
				continue
			}
			if async && fspath.IsNetwork(rec.Path) {
				r.fetchManifestAsync(ctx, rec)
				loading = true
				continue
			}
			loc := manifestLocator(rec.Path)
			text, err := r.s.transport.ReadText(ctx, loc)
			r.applyManifestLocked(rec, loc, text, err)
			if rec.State == StateError {
				return false, rec.Err
			}
		case StateLoading:
			loading = true
		case StateError:
			return false, rec.Err
		}
	}
	return loading, nil
}

func (r *Registry) searchPendingLocked() bool {
	for _, sp := range r.searchPaths {
		if sp.State != StateReady {
			return true
		}
	}
	return false
}

func (r *Registry) pendingLocked() bool {
	if r.searchPendingLocked() {
		return true
	}
	for _, rec := range r.records {
		if rec.State == StatePending || rec.State == StateLoading {
			return true
		}
	}
	return false
}

func (r *Registry) finishLocked() {
	r.ready = true
	waiters := r.waiters
	r.waiters = nil
	r.s.logger.Debug("registry ready", "packages", len(r.packages), "waiters", len(waiters))
	for _, w := range waiters {
		w.resolve(nil)
	}
}

func (r *Registry) rejectLocked(err error) {
	waiters := r.waiters
	r.waiters = nil
	for _, w := range waiters {
		w.resolve(err)
	}
}

// scanLocalLocked settles a local search path from its batch descriptor, or
// by registering every subdirectory holding a manifest.
func (r *Registry) scanLocalLocked(ctx context.Context, sp *SearchPathRecord) {
	t := r.s.transport
	if r.s.ignoreAll || !t.IsDir(sp.Path) {
		sp.State = StateReady
		return
	}

	if batch := fspath.Join(sp.Path, manifest.BatchFile); t.IsFile(batch) {
		text, err := t.ReadText(ctx, batch)
		r.applyBatchLocked(sp, batch, text, err, true)
		return
	}

	sp.State = StateReady
	names, err := t.ReadDir(sp.Path)
	if err != nil {
		r.s.logger.Warn("ignore search path", "path", sp.Path, "err", err)
		return
	}
	for _, name := range names {
		if r.s.ignore[name] {
			continue
		}
		dir := fspath.Join(sp.Path, name)
		if !t.IsFile(fspath.Join(dir, manifest.ManifestFile)) {
			continue
		}
		if _, err := r.registerLocked(dir, false, true); err != nil {
			r.s.logger.Debug("skip directory", "path", dir, "err", err)
		}
	}
}

func (r *Registry) fetchBatchLocked(ctx context.Context, sp *SearchPathRecord) {
	loc := fspath.WithQuery(fspath.Join(sp.Path, manifest.BatchFile), NoCacheArg)
	text, err := r.s.transport.ReadText(ctx, loc)
	r.applyBatchLocked(sp, loc, text, err, false)
}

func (r *Registry) fetchBatchAsync(ctx context.Context, sp *SearchPathRecord) {
	sp.State = StateLoading
	r.inflight++
	loc := fspath.WithQuery(fspath.Join(sp.Path, manifest.BatchFile), NoCacheArg)
	go func() {
		text, err := r.s.transport.ReadText(ctx, loc)
		r.mu.Lock()
		defer r.mu.Unlock()
		r.inflight--
		r.applyBatchLocked(sp, loc, text, err, false)
		_ = r.advanceLocked(ctx, true)
	}()
}

func (r *Registry) fetchManifestAsync(ctx context.Context, rec *PackageRecord) {
	rec.State = StateLoading
	r.inflight++
	loc := manifestLocator(rec.Path)
	go func() {
		text, err := r.s.transport.ReadText(ctx, loc)
		r.mu.Lock()
		defer r.mu.Unlock()
		r.inflight--
		if rec.State == StateLoading {
			rec.State = StatePending
			if r.needLoadLocked(rec, true) {
				r.applyManifestLocked(rec, loc, text, err)
			}
		}
		_ = r.advanceLocked(ctx, true)
	}()
}

func manifestLocator(dir string) string {
	return fspath.WithQuery(fspath.Join(dir, manifest.ManifestFile), NoCacheArg)
}

// applyManifestLocked settles rec from the fetched manifest text.
func (r *Registry) applyManifestLocked(rec *PackageRecord, loc, text string, readErr error) {
	if readErr != nil {
		r.failRecordLocked(rec, readError("load", loc, readErr))
		return
	}
	m, err := manifest.Parse([]byte(text), fspath.StripQuery(loc))
	if err != nil {
		r.failRecordLocked(rec, newError(ErrManifest, "load", rec.Path, err))
		return
	}
	if m.Name != rec.Name {
		r.failRecordLocked(rec, nameMismatch("load", rec.Path, rec.Name, m.Name))
		return
	}

	origin := m.Origin
	if rec.Origin != "" {
		origin = rec.Origin
	}
	if rec.DisableOrigin {
		origin = ""
	}
	rec.State = StateReady
	r.registerDepsLocked(rec.Path, m.ExternalDeps)
	r.newPackageLocked(rec.Path, rec.Name, m.Prebuilt(), m, m.VersionCode, origin)
}

// failRecordLocked marks rec failed. Optional and discovered records are
// demoted to Ignored so they never block readiness.
func (r *Registry) failRecordLocked(rec *PackageRecord, err error) {
	rec.Err = err
	switch {
	case rec.Discovered:
		rec.State = StateIgnored
		r.s.logger.Warn("ignore package", "path", rec.Path, "err", err)
	case rec.Optional:
		rec.State = StateIgnored
		r.s.logger.Debug("ignore optional package", "path", rec.Path, "err", err)
	default:
		rec.State = StateError
	}
}

// applyBatchLocked reconciles a batch descriptor into package records. A
// descriptor that cannot be read or parsed is logged and skipped.
func (r *Registry) applyBatchLocked(sp *SearchPathRecord, loc, text string, readErr error, local bool) {
	sp.State = StateReady
	if readErr != nil {
		r.s.logger.Warn("ignore batch descriptor", "path", fspath.StripQuery(loc), "err", readErr)
		return
	}
	entries, err := manifest.ParseBatch([]byte(text), fspath.StripQuery(loc))
	if err != nil {
		r.s.logger.Warn("ignore batch descriptor", "path", fspath.StripQuery(loc), "err", err)
		return
	}

	for _, d := range entries {
		if local && r.s.ignore[d.Name] {
			continue
		}
		path := fspath.Resolve(sp.Path, d.RelPath())

		origin := d.Origin
		rec := r.recordIdx[path]
		if rec != nil {
			if rec.Origin != "" {
				origin = rec.Origin
			}
			if rec.DisableOrigin {
				origin = ""
			}
		} else {
			rec = r.newRecordLocked(path, d.Name)
		}
		if rec.settled() && rec.State != StateReady {
			continue
		}
		if !r.needLoadLocked(rec, false) {
			continue
		}
		rec.State = StateReady
		r.registerDepsLocked(path, d.ExternalDeps)
		r.newPackageLocked(path, d.Name, d.Prebuilt(), nil, d.VersionCode, origin)
	}
}
