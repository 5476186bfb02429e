// SPDX-License-Identifier: MPL-2.0

// Package transport implements the runtime's I/O over the local filesystem,
// HTTP and zip pack archives addressed as archive://<file>@/<entry>.
package transport

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"github.com/pkghost/pkghost/pkg/fspath"
)

type (
	// Option configures an FS.
	Option func(*FS)

	// FS is the default transport. It is safe for concurrent use.
	FS struct {
		client    *http.Client
		logger    *log.Logger
		downloads singleflight.Group

		mu       sync.Mutex
		archives map[string]*archive
	}

	archive struct {
		info    os.FileInfo
		zr      *zip.ReadCloser
		entries map[string]*zip.File
		dirs    map[string][]string
	}

	// StatusError is returned for non-200 HTTP responses. 404 and 410
	// responses match fs.ErrNotExist.
	StatusError struct {
		URL        string
		StatusCode int
		Status     string
	}
)

// WithHTTPClient sets the client used for network locators.
func WithHTTPClient(c *http.Client) Option {
	return func(f *FS) { f.client = c }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(f *FS) { f.logger = l }
}

// New returns a transport using http.DefaultClient.
func New(opts ...Option) *FS {
	f := &FS{
		client:   http.DefaultClient,
		logger:   log.New(io.Discard),
		archives: map[string]*archive{},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: %s", e.URL, e.Status)
}

// Is makes 404 and 410 responses match fs.ErrNotExist.
func (e *StatusError) Is(target error) bool {
	return target == fs.ErrNotExist && (e.StatusCode == http.StatusNotFound || e.StatusCode == http.StatusGone)
}

// ReadText returns the content at locator with any UTF-8 byte order mark
// removed.
func (f *FS) ReadText(ctx context.Context, locator string) (string, error) {
	var (
		data []byte
		err  error
	)
	switch {
	case fspath.IsArchive(locator):
		data, err = f.readArchive(locator)
	case fspath.IsNetwork(locator):
		data, err = f.get(ctx, locator)
	default:
		data, err = os.ReadFile(fspath.OSPath(locator))
	}
	if err != nil {
		return "", err
	}
	return string(bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))), nil
}

func (f *FS) get(ctx context.Context, url string) ([]byte, error) {
	resp, err := f.open(ctx, url)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	return data, nil
}

func (f *FS) open(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	f.logger.Debug("fetch", "url", url)
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode, Status: resp.Status}
	}
	return resp, nil
}

// FetchBinary copies url to the local file dest. Concurrent fetches to the
// same destination share one download.
func (f *FS) FetchBinary(ctx context.Context, url, dest string) error {
	_, err, shared := f.downloads.Do(dest, func() (any, error) {
		return nil, f.download(ctx, url, dest)
	})
	if shared {
		f.logger.Debug("joined download", "url", url, "dest", dest)
	}
	return err
}

func (f *FS) download(ctx context.Context, url, dest string) (err error) {
	var src io.ReadCloser
	if fspath.IsNetwork(url) {
		resp, err := f.open(ctx, url)
		if err != nil {
			return err
		}
		src = resp.Body
	} else {
		if src, err = os.Open(fspath.OSPath(url)); err != nil {
			return err
		}
	}
	defer func() { _ = src.Close() }()

	part := dest + ".part"
	out, err := os.Create(part)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(part)
		}
	}()
	if _, err = io.Copy(out, src); err != nil {
		_ = out.Close()
		return fmt.Errorf("download %s: %w", url, err)
	}
	if err = out.Close(); err != nil {
		return err
	}
	return os.Rename(part, dest)
}

// IsFile reports whether locator is a local file or an archive entry.
func (f *FS) IsFile(locator string) bool {
	switch {
	case fspath.IsNetwork(locator):
		return false
	case fspath.IsArchive(locator):
		file, entry, _ := fspath.SplitArchive(locator)
		a, err := f.openArchive(file)
		if err != nil {
			return false
		}
		_, ok := a.entries[entry]
		return ok
	default:
		info, err := os.Stat(fspath.OSPath(locator))
		return err == nil && info.Mode().IsRegular()
	}
}

// IsDir reports whether locator is a local directory or an archive
// directory.
func (f *FS) IsDir(locator string) bool {
	switch {
	case fspath.IsNetwork(locator):
		return false
	case fspath.IsArchive(locator):
		file, entry, _ := fspath.SplitArchive(locator)
		a, err := f.openArchive(file)
		if err != nil {
			return false
		}
		_, ok := a.dirs[entry]
		return ok
	default:
		info, err := os.Stat(fspath.OSPath(locator))
		return err == nil && info.IsDir()
	}
}

// ReadDir lists the subdirectory names of a local or archive directory.
func (f *FS) ReadDir(locator string) ([]string, error) {
	if fspath.IsArchive(locator) {
		file, entry, _ := fspath.SplitArchive(locator)
		a, err := f.openArchive(file)
		if err != nil {
			return nil, err
		}
		dirs, ok := a.dirs[entry]
		if !ok {
			return nil, fmt.Errorf("readdir %s: %w", locator, fs.ErrNotExist)
		}
		return slices.Clone(dirs), nil
	}
	if fspath.IsNetwork(locator) {
		return nil, fmt.Errorf("readdir %s: %w", locator, errors.ErrUnsupported)
	}

	entries, err := os.ReadDir(fspath.OSPath(locator))
	if err != nil {
		return nil, err
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	return dirs, nil
}

// Close releases every cached archive.
func (f *FS) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var errs []error
	for p, a := range f.archives {
		errs = append(errs, a.zr.Close())
		delete(f.archives, p)
	}
	return errors.Join(errs...)
}

func (f *FS) readArchive(locator string) ([]byte, error) {
	file, entry, ok := fspath.SplitArchive(locator)
	if !ok {
		return nil, fmt.Errorf("invalid archive locator %q", locator)
	}
	a, err := f.openArchive(file)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	zf, ok := a.entries[entry]
	if !ok {
		return nil, fmt.Errorf("%s: entry %s: %w", file, entry, fs.ErrNotExist)
	}
	rc, err := zf.Open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	return io.ReadAll(rc)
}

// openArchive returns the cached reader for file, reopening it when the
// file was replaced or modified.
func (f *FS) openArchive(file string) (*archive, error) {
	info, err := os.Stat(file)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if a := f.archives[file]; a != nil {
		if os.SameFile(a.info, info) && a.info.ModTime().Equal(info.ModTime()) && a.info.Size() == info.Size() {
			return a, nil
		}
		_ = a.zr.Close()
		delete(f.archives, file)
	}

	zr, err := zip.OpenReader(file)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", file, err)
	}
	a := &archive{
		info:    info,
		zr:      zr,
		entries: map[string]*zip.File{},
		dirs:    map[string][]string{"": nil},
	}
	for _, zf := range zr.File {
		name := fspath.ResolveLevels(zf.Name, false)
		if name == "" {
			continue
		}
		if strings.HasSuffix(zf.Name, "/") {
			a.addDir(name)
			continue
		}
		a.entries[name] = zf
		a.addDir(path.Dir(name))
	}
	f.archives[file] = a
	f.logger.Debug("opened archive", "path", filepath.Clean(file), "entries", len(a.entries))
	return a, nil
}

// addDir records dir and links it into its parents' child lists.
func (a *archive) addDir(dir string) {
	if dir == "." {
		dir = ""
	}
	for dir != "" {
		if _, ok := a.dirs[dir]; ok {
			return
		}
		a.dirs[dir] = nil
		parent := path.Dir(dir)
		if parent == "." {
			parent = ""
		}
		a.dirs[parent] = append(a.dirs[parent], path.Base(dir))
		dir = parent
	}
}
