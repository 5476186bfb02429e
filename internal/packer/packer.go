// SPDX-License-Identifier: MPL-2.0

// Package packer builds prebuilt packages: a content-tagged copy of a source
// package with a version table, a pack archive and a build manifest.
package packer

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/cespare/xxhash/v2"
	"github.com/charmbracelet/log"

	"github.com/pkghost/pkghost/pkg/manifest"
)

type (
	// Options configures Pack.
	Options struct {
		// Source is the package directory to build.
		Source string
		// Output is the directory the built package is written under, as
		// <Output>/<name>. Defaults to "dist" beside Source.
		Output string
		// Packed holds doublestar patterns, relative to the source root, of
		// files stored inside the pack archive instead of loose.
		Packed []string
		// Exclude holds doublestar patterns of files and directories left
		// out of the build.
		Exclude []string
		// Now is the build clock. Defaults to time.Now.
		Now    func() time.Time
		Logger *log.Logger
	}

	// Result describes a finished build.
	Result struct {
		Name        string
		Dir         string
		Archive     string
		VersionCode string
		Files       int
		Packed      int
	}

	file struct {
		rel    string
		path   string
		tag    string
		packed bool
	}

	versionTable struct {
		Versions map[string]string `json:"versions"`
		Packed   map[string]string `json:"pkg_files,omitempty"`
	}
)

// Pack builds the package at opts.Source.
func Pack(ctx context.Context, opts Options) (*Result, error) {
	if opts.Source == "" {
		return nil, errors.New("source cannot be empty")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard)
	}
	for _, p := range slices.Concat(opts.Packed, opts.Exclude) {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid pattern %q", p)
		}
	}

	source, err := filepath.Abs(opts.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve source path: %w", err)
	}
	raw, err := os.ReadFile(filepath.Join(source, manifest.ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	m, err := manifest.Parse(raw, filepath.Join(source, manifest.ManifestFile))
	if err != nil {
		return nil, err
	}
	if m.Name != filepath.Base(source) {
		return nil, fmt.Errorf("manifest declares %q, package directory is %q", m.Name, filepath.Base(source))
	}

	out := opts.Output
	if out == "" {
		out = filepath.Join(filepath.Dir(source), "dist")
	}
	if out, err = filepath.Abs(out); err != nil {
		return nil, fmt.Errorf("failed to resolve output path: %w", err)
	}
	dest := filepath.Join(out, m.Name)
	if dest == source {
		return nil, errors.New("output directory is the source directory")
	}

	srcRoot := filepath.Join(source, filepath.FromSlash(m.Src))
	files, err := collect(ctx, srcRoot, source, dest, m.Name, opts)
	if err != nil {
		return nil, err
	}

	digest := contentDigest(files)
	prev := readPreviousBuild(dest)
	versionCode, buildTime := nextVersion(prev, digest, opts.Now())

	if err := os.RemoveAll(dest); err != nil {
		return nil, fmt.Errorf("failed to clean output: %w", err)
	}
	vt := versionTable{Versions: map[string]string{}}
	res := &Result{Name: m.Name, Dir: dest, Archive: filepath.Join(dest, m.Name+manifest.ArchiveSuffix)}
	for _, f := range files {
		vt.Versions[f.rel] = f.tag
		if f.packed {
			if vt.Packed == nil {
				vt.Packed = map[string]string{}
			}
			vt.Packed[f.rel] = f.tag
			res.Packed++
			continue
		}
		if err := copyFile(f.path, filepath.Join(dest, filepath.FromSlash(m.Src), filepath.FromSlash(f.rel))); err != nil {
			return nil, err
		}
		res.Files++
	}
	res.VersionCode = versionCode

	versionsJSON, err := json.MarshalIndent(vt, "", "  ")
	if err != nil {
		return nil, err
	}
	manifestJSON, err := buildManifest(raw, res.VersionCode, buildTime, digest)
	if err != nil {
		return nil, err
	}
	if err := writeFile(filepath.Join(dest, manifest.VersionsFile), versionsJSON); err != nil {
		return nil, err
	}
	if err := writeFile(filepath.Join(dest, manifest.ManifestFile), manifestJSON); err != nil {
		return nil, err
	}
	if err := writeArchive(res.Archive, manifestJSON, versionsJSON, files); err != nil {
		return nil, err
	}

	opts.Logger.Info("packed", "package", m.Name, "version", res.VersionCode, "files", res.Files, "packed", res.Packed)
	return res, nil
}

// collect walks the source root and tags every file that is not excluded.
func collect(ctx context.Context, srcRoot, source, dest, name string, opts Options) ([]file, error) {
	reserved := map[string]bool{
		filepath.Join(source, manifest.ManifestFile):       true,
		filepath.Join(source, manifest.VersionsFile):       true,
		filepath.Join(source, name+manifest.ArchiveSuffix): true,
	}

	var files []file
	err := filepath.WalkDir(srcRoot, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(srcRoot, path)
		if err != nil {
			return fmt.Errorf("failed to get relative path: %w", err)
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if rel != "." && (d.Name() == ".git" || path == dest || matchAny(opts.Exclude, rel)) {
				return filepath.SkipDir
			}
			return nil
		}
		if reserved[path] || !d.Type().IsRegular() || matchAny(opts.Exclude, rel) {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read file %s: %w", path, err)
		}
		files = append(files, file{
			rel:    rel,
			path:   path,
			tag:    fmt.Sprintf("%016x", xxhash.Sum64(data)),
			packed: matchAny(opts.Packed, rel),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", srcRoot, err)
	}
	slices.SortFunc(files, func(a, b file) int { return strings.Compare(a.rel, b.rel) })
	return files, nil
}

func matchAny(patterns []string, rel string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

// contentDigest digests every path and tag of a build.
func contentDigest(files []file) string {
	h := xxhash.New()
	for _, f := range files {
		_, _ = h.WriteString(f.rel)
		_, _ = h.WriteString("\x00")
		_, _ = h.WriteString(f.tag)
		_, _ = h.WriteString("\n")
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// previousBuild is the part of an earlier build's manifest that decides the
// next version code.
type previousBuild struct {
	versionCode string
	buildTime   int64
	digest      string
}

// readPreviousBuild reads the manifest left in dest by an earlier build. A
// missing or unreadable manifest yields nil.
func readPreviousBuild(dest string) *previousBuild {
	path := filepath.Join(dest, manifest.ManifestFile)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	m, err := manifest.Parse(raw, path)
	if err != nil || !m.Prebuilt() {
		return nil
	}
	var extra struct {
		ContentHash string `json:"content_hash"`
	}
	if err := json.Unmarshal([]byte(strings.TrimPrefix(string(raw), "\ufeff")), &extra); err != nil {
		return nil
	}
	return &previousBuild{versionCode: m.VersionCode, buildTime: m.BuildTime, digest: extra.ContentHash}
}

// nextVersion returns the version code and build time for a build whose
// content digest is digest. Version codes are decimal build times in Unix
// milliseconds so that builds of a package order by age. Unchanged content
// keeps the previous version; changed content always gets a larger code,
// even when the clock went backwards.
func nextVersion(prev *previousBuild, digest string, now time.Time) (string, int64) {
	ms := now.UnixMilli()
	if prev == nil {
		return strconv.FormatInt(ms, 10), ms
	}
	if prev.digest == digest && prev.versionCode != "" {
		return prev.versionCode, prev.buildTime
	}
	if n, err := strconv.ParseInt(prev.versionCode, 10, 64); err == nil && n >= ms {
		ms = n + 1
	}
	return strconv.FormatInt(ms, 10), ms
}

// buildManifest returns the source manifest with the build fields set.
// Unknown fields are kept.
func buildManifest(raw []byte, versionCode string, buildTime int64, digest string) ([]byte, error) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(strings.TrimPrefix(string(raw), "\ufeff")), &fields); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	fields["version_code"] = versionCode
	fields["_build"] = true
	fields["build_time"] = buildTime
	fields["content_hash"] = digest
	return json.MarshalIndent(fields, "", "  ")
}

func writeArchive(path string, manifestJSON, versionsJSON []byte, files []file) (err error) {
	zipFile, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	defer func() {
		if closeErr := zipFile.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		if err != nil {
			_ = os.Remove(path)
		}
	}()

	zw := zip.NewWriter(zipFile)
	add := func(name string, data []byte) error {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
		if err != nil {
			return fmt.Errorf("failed to create archive entry: %w", err)
		}
		_, err = w.Write(data)
		return err
	}

	if err := add(manifest.ManifestFile, manifestJSON); err != nil {
		return err
	}
	if err := add(manifest.VersionsFile, versionsJSON); err != nil {
		return err
	}
	for _, f := range files {
		if !f.packed {
			continue
		}
		data, err := os.ReadFile(f.path)
		if err != nil {
			return fmt.Errorf("failed to read file %s: %w", f.path, err)
		}
		if err := add(f.rel, data); err != nil {
			return err
		}
	}
	return zw.Close()
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func copyFile(src, dst string) (err error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
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
		if closeErr := out.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	_, err = io.Copy(out, in)
	return err
}
