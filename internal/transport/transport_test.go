// SPDX-License-Identifier: MPL-2.0

package transport_test

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/pkghost/pkghost/internal/testutil"
	"github.com/pkghost/pkghost/internal/transport"
	"github.com/pkghost/pkghost/pkg/fspath"
)

func TestReadTextLocal(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p := filepath.Join(dir, "package.json")
	testutil.MustWriteFile(t, p, "\ufeff{\"name\":\"app\"}")

	f := transport.New()
	got, err := f.ReadText(context.Background(), filepath.ToSlash(p))
	if err != nil {
		t.Fatalf("ReadText() error = %v", err)
	}
	if got != `{"name":"app"}` {
		t.Errorf("ReadText() = %q, want BOM stripped", got)
	}

	_, err = f.ReadText(context.Background(), filepath.ToSlash(filepath.Join(dir, "missing")))
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("ReadText(missing) error = %v, want fs.ErrNotExist", err)
	}
}

func TestReadTextHTTP(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/app/package.json":
			_, _ = w.Write([]byte(`{"name":"app"}`))
		case "/broken":
			http.Error(w, "boom", http.StatusInternalServerError)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	f := transport.New(transport.WithHTTPClient(srv.Client()))
	ctx := context.Background()

	got, err := f.ReadText(ctx, srv.URL+"/app/package.json?3")
	if err != nil {
		t.Fatalf("ReadText() error = %v", err)
	}
	if got != `{"name":"app"}` {
		t.Errorf("ReadText() = %q", got)
	}

	if _, err := f.ReadText(ctx, srv.URL+"/nope"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("ReadText(404) error = %v, want fs.ErrNotExist", err)
	}

	_, err = f.ReadText(ctx, srv.URL+"/broken")
	var se *transport.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusInternalServerError {
		t.Errorf("ReadText(500) error = %v, want StatusError 500", err)
	}
	if errors.Is(err, fs.ErrNotExist) {
		t.Error("500 response matched fs.ErrNotExist")
	}
}

func TestFetchBinarySharesDownloads(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		<-release
		_, _ = w.Write([]byte("archive-bytes"))
	}))
	t.Cleanup(srv.Close)

	f := transport.New(transport.WithHTTPClient(srv.Client()))
	dest := filepath.Join(t.TempDir(), "app.pkg")

	errs := make(chan error, 2)
	for range 2 {
		go func() { errs <- f.FetchBinary(context.Background(), srv.URL+"/app.pkg", dest) }()
	}
	// Let both callers reach the shared download before the server answers.
	for hits.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)

	for range 2 {
		if err := <-errs; err != nil {
			t.Fatalf("FetchBinary() error = %v", err)
		}
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("server hits = %d, want 1", n)
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "archive-bytes" {
		t.Errorf("dest content = %q", data)
	}
	if _, err := os.Stat(dest + ".part"); !errors.Is(err, fs.ErrNotExist) {
		t.Error("partial download file left behind")
	}
}

func TestFetchBinaryFailureKeepsDest(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	dest := filepath.Join(t.TempDir(), "app.pkg")
	testutil.MustWriteFile(t, dest, "old")

	f := transport.New(transport.WithHTTPClient(srv.Client()))
	if err := f.FetchBinary(context.Background(), srv.URL+"/app.pkg", dest); err == nil {
		t.Fatal("FetchBinary() error = nil")
	}
	data, _ := os.ReadFile(dest)
	if string(data) != "old" {
		t.Errorf("dest content = %q, want previous content kept", data)
	}
}

func TestArchive(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	pkg := filepath.Join(dir, "app.pkg")
	testutil.WriteArchive(t, pkg, map[string]string{
		"package.json":    `{"name":"app"}`,
		"lib/util.sh":     "x=1",
		"lib/deep/a.json": "{}",
	})

	f := transport.New()
	t.Cleanup(func() { testutil.MustClose(t, f) })
	root := fspath.ArchiveRoot(pkg)

	got, err := f.ReadText(context.Background(), fspath.Join(root, "lib/util.sh"))
	if err != nil {
		t.Fatalf("ReadText() error = %v", err)
	}
	if got != "x=1" {
		t.Errorf("ReadText() = %q", got)
	}

	if !f.IsFile(fspath.Join(root, "package.json")) {
		t.Error("IsFile(package.json) = false")
	}
	if f.IsFile(fspath.Join(root, "lib")) {
		t.Error("IsFile(lib) = true")
	}
	if !f.IsDir(fspath.Join(root, "lib/deep")) {
		t.Error("IsDir(lib/deep) = false")
	}

	dirs, err := f.ReadDir(root)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if diff := cmp.Diff([]string{"lib"}, dirs); diff != "" {
		t.Errorf("ReadDir() mismatch (-want +got):\n%s", diff)
	}

	if _, err := f.ReadText(context.Background(), fspath.Join(root, "nope.sh")); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("ReadText(missing entry) error = %v, want fs.ErrNotExist", err)
	}
}

func TestArchiveReopenedAfterReplace(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	pkg := filepath.Join(dir, "app.pkg")
	testutil.WriteArchive(t, pkg, map[string]string{"index.sh": "v=1"})

	f := transport.New()
	t.Cleanup(func() { testutil.MustClose(t, f) })
	loc := fspath.Join(fspath.ArchiveRoot(pkg), "index.sh")

	if got, _ := f.ReadText(context.Background(), loc); got != "v=1" {
		t.Fatalf("ReadText() = %q", got)
	}

	next := filepath.Join(dir, "next.pkg")
	testutil.WriteArchive(t, next, map[string]string{"index.sh": "v=2!"})
	if err := os.Rename(next, pkg); err != nil {
		t.Fatal(err)
	}

	got, err := f.ReadText(context.Background(), loc)
	if err != nil {
		t.Fatalf("ReadText() after replace error = %v", err)
	}
	if got != "v=2!" {
		t.Errorf("ReadText() after replace = %q, want new content", got)
	}
}

func TestReadDirLocal(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	testutil.WriteTree(t, dir, map[string]string{
		"a/package.json": "{}",
		"b/package.json": "{}",
		"file.txt":       "",
	})

	f := transport.New()
	dirs, err := f.ReadDir(filepath.ToSlash(dir))
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if diff := cmp.Diff([]string{"a", "b"}, dirs); diff != "" {
		t.Errorf("ReadDir() mismatch (-want +got):\n%s", diff)
	}
	if f.IsDir("http://example.com/x") || f.IsFile("http://example.com/x") {
		t.Error("network locator reported as local")
	}
}
