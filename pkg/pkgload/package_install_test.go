// SPDX-License-Identifier: MPL-2.0

package pkgload_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkghost/pkghost/internal/testutil"
	"github.com/pkghost/pkghost/internal/transport"
	"github.com/pkghost/pkghost/pkg/fspath"
	"github.com/pkghost/pkghost/pkg/pkgload"
)

func readyPackage(t *testing.T, reg *pkgload.Registry, name string) *pkgload.Package {
	t.Helper()
	if err := reg.EnsureReady(context.Background()); err != nil {
		t.Fatalf("EnsureReady() error = %v", err)
	}
	pkg := reg.Package(name)
	if pkg == nil {
		t.Fatalf("Package(%q) = nil", name)
	}
	return pkg
}

func TestInstallIsShared(t *testing.T) {
	t.Parallel()

	mt := testutil.NewMemTransport().AddFiles("/libs", map[string]string{
		"packages.json":     `{"app": {"version_code": "4"}}`,
		"app/package.json":  `{"name": "app", "version_code": "4"}`,
		"app/versions.json": `{"versions": {"index.sh": "4"}}`,
		"app/index.sh":      "x=1",
	})
	reg := newRegistry(t, mt)
	reg.RegisterSearchPath("/libs")
	pkg := readyPackage(t, reg, "app")

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- pkg.Install(context.Background())
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Install() error = %v", err)
		}
	}
	if err := pkg.Install(context.Background()); err != nil {
		t.Fatalf("Install() after completion error = %v", err)
	}

	if n := mt.Count("read", "/libs/app/package.json"); n != 1 {
		t.Errorf("manifest reads = %d, want 1", n)
	}
	if n := mt.Count("read", "/libs/app/versions.json"); n != 1 {
		t.Errorf("version table reads = %d, want 1", n)
	}
	if pkg.State() != pkgload.Installed {
		t.Errorf("State() = %v, want installed", pkg.State())
	}
}

func TestInstallNameMismatchSkipsVersions(t *testing.T) {
	t.Parallel()

	mt := testutil.NewMemTransport().AddFiles("/libs", map[string]string{
		"packages.json":     `{"app": {"version_code": "4"}}`,
		"app/package.json":  `{"name": "impostor", "version_code": "4"}`,
		"app/versions.json": `{"versions": {}}`,
	})
	reg := newRegistry(t, mt)
	reg.RegisterSearchPath("/libs")
	pkg := readyPackage(t, reg, "app")

	err := pkg.Install(context.Background())
	if !pkgload.IsKind(err, pkgload.ErrNameMismatch) {
		t.Fatalf("Install() error = %v, want ErrNameMismatch", err)
	}
	if n := mt.Count("read", "/libs/app/versions.json"); n != 0 {
		t.Errorf("version table reads = %d, want 0", n)
	}
	if pkg.State() != pkgload.NotInstalled {
		t.Errorf("State() = %v, want not-installed after failure", pkg.State())
	}
}

func TestResolvePathExtensionOrder(t *testing.T) {
	t.Parallel()

	mt := testutil.NewMemTransport().AddFiles("/libs", map[string]string{
		"src/package.json":    `{"name": "src"}`,
		"src/index.b":         "",
		"src/index.a":         "",
		"built/package.json":  `{"name": "built", "version_code": "2", "src": "dist"}`,
		"built/versions.json": `{"versions": {"x.b": "2"}}`,
		"built/dist/x.a":      "",
		"built/dist/x.b":      "",
		"built/dist/y.a":      "",
	})
	reg := newRegistry(t, mt, pkgload.WithExtensions(".a", ".b"))
	reg.RegisterSearchPath("/libs")
	ctx := context.Background()

	tests := []struct {
		pkg  string
		rel  string
		want string
	}{
		{pkg: "src", rel: "", want: "/libs/src/index.a"},
		{pkg: "src", rel: "index.b", want: "/libs/src/index.b"},
		{pkg: "built", rel: "x", want: "/libs/built/dist/x.b"},
		{pkg: "built", rel: "y", want: "/libs/built/dist/y.a"},
	}
	for _, tt := range tests {
		got, err := readyPackage(t, reg, tt.pkg).ResolvePath(ctx, tt.rel)
		if err != nil {
			t.Errorf("%s.ResolvePath(%q) error = %v", tt.pkg, tt.rel, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%s.ResolvePath(%q) = %q, want %q", tt.pkg, tt.rel, got, tt.want)
		}
	}

	if _, err := reg.Package("src").ResolvePath(ctx, "nope"); !pkgload.IsKind(err, pkgload.ErrNotFound) {
		t.Errorf("ResolvePath(nope) error = %v, want ErrNotFound", err)
	}
}

func TestSourcePackageEndToEnd(t *testing.T) {
	t.Parallel()

	mt := testutil.NewMemTransport().AddFiles("/proj/app", map[string]string{
		"package.json": `{"name": "app"}`,
		"index.js":     "",
	})
	reg := newRegistry(t, mt, pkgload.WithExtensions(".js", ".jsx", ".json"))
	if err := reg.RegisterPackage("/proj/app"); err != nil {
		t.Fatal(err)
	}
	pkg := readyPackage(t, reg, "app")
	ctx := context.Background()

	got, err := pkg.ResolvePath(ctx, "./index")
	if err != nil {
		t.Fatalf("ResolvePath() error = %v", err)
	}
	if got != "/proj/app/index.js" {
		t.Errorf("ResolvePath(./index) = %q, want /proj/app/index.js", got)
	}
	cur := pkg.Current()
	if cur.SourceRoot != "/proj/app" || len(cur.Versions) != 0 {
		t.Errorf("Current() = %+v, want source root /proj/app and no versions", cur)
	}
	if n := mt.Count("read", "/proj/app/versions.json"); n != 0 {
		t.Errorf("version table reads = %d, want 0 for a local source package", n)
	}
}

func TestInstallLocalArchive(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	root := filepath.ToSlash(filepath.Join(dir, "app"))
	testutil.WriteTree(t, filepath.Join(dir, "app"), map[string]string{
		"package.json": `{"name": "app", "version_code": "5"}`,
		"lib/big.sh":   "big=1",
	})
	testutil.WriteArchive(t, filepath.Join(dir, "app", "app.pkg"), map[string]string{
		"package.json":  `{"name": "app", "version_code": "5"}`,
		"versions.json": `{"versions": {"index.sh": "5", "lib/big.sh": "5"}, "pkg_files": {"index.sh": "5"}}`,
		"index.sh":      "x=1",
	})

	fs := transport.New()
	t.Cleanup(func() { testutil.MustClose(t, fs) })
	reg := newRegistry(t, fs)
	if err := reg.RegisterPackage(root); err != nil {
		t.Fatal(err)
	}
	pkg := readyPackage(t, reg, "app")
	ctx := context.Background()

	got, err := pkg.ResolvePath(ctx, "")
	if err != nil {
		t.Fatalf("ResolvePath() error = %v", err)
	}
	if want := fspath.Join(fspath.ArchiveRoot(filepath.Join(dir, "app", "app.pkg")), "index.sh"); got != want {
		t.Errorf("ResolvePath(entry) = %q, want %q", got, want)
	}
	if got, _ := pkg.ResolvePath(ctx, "lib/big"); got != root+"/lib/big.sh" {
		t.Errorf("ResolvePath(lib/big) = %q, want the unpacked file", got)
	}
}

// cdnServer serves one remote prebuilt package named app.
type cdnServer struct {
	*httptest.Server
	tag     atomic.Value
	archive atomic.Value
	broken  atomic.Bool
	fetches atomic.Int32
}

func newCDN(t *testing.T) *cdnServer {
	t.Helper()
	c := &cdnServer{}
	c.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/libs/app/package.json":
			_, _ = w.Write([]byte(`{"name": "app", "version_code": "` + c.tag.Load().(string) + `"}`))
		case "/libs/app/app.pkg":
			c.fetches.Add(1)
			if c.broken.Load() {
				http.Error(w, "unavailable", http.StatusInternalServerError)
				return
			}
			_, _ = w.Write(c.archive.Load().([]byte))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(c.Close)
	return c
}

func (c *cdnServer) publish(t *testing.T, tag string) {
	t.Helper()
	p := filepath.Join(t.TempDir(), "app.pkg")
	writeBuild(t, p, tag)
	data, err := os.ReadFile(p)
	if err != nil {
		t.Fatal(err)
	}
	c.tag.Store(tag)
	c.archive.Store(data)
}

// writeBuild writes the pack archive of an app build tagged tag. index.sh is
// packed and changes with every build; lib/u.sh is loose and never changes.
func writeBuild(t *testing.T, path, tag string) {
	t.Helper()
	testutil.WriteArchive(t, path, map[string]string{
		"package.json":  `{"name": "app", "version_code": "` + tag + `"}`,
		"versions.json": `{"versions": {"index.sh": "` + tag + `", "lib/u.sh": "1"}, "pkg_files": {"index.sh": "` + tag + `"}}`,
		"index.sh":      "tag=" + tag,
	})
}

// writeLocalBuild writes a loose local app build tagged tag whose origin is
// origin, and returns its package path.
func writeLocalBuild(t *testing.T, tag, origin string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "app")
	testutil.WriteTree(t, dir, map[string]string{
		"package.json":  `{"name": "app", "version_code": "` + tag + `", "origin": "` + origin + `"}`,
		"versions.json": `{"versions": {"index.sh": "` + tag + `", "lib/u.sh": "1"}}`,
		"index.sh":      "tag=" + tag,
		"lib/u.sh":      "u=1",
	})
	return filepath.ToSlash(dir)
}

func TestInstallRemote(t *testing.T) {
	t.Parallel()

	cdn := newCDN(t)
	cdn.publish(t, "7")
	temp := t.TempDir()

	install := func() (*pkgload.Package, *syncBuffer) {
		fs := transport.New(transport.WithHTTPClient(cdn.Client()))
		t.Cleanup(func() { testutil.MustClose(t, fs) })
		reg, logs := newLoggedRegistry(t, fs, pkgload.WithTempDir(temp))
		if err := reg.RegisterPackage(cdn.URL + "/libs/app"); err != nil {
			t.Fatal(err)
		}
		pkg := readyPackage(t, reg, "app")
		if err := pkg.Install(context.Background()); err != nil {
			t.Fatalf("Install() error = %v", err)
		}
		return pkg, logs
	}

	pkg, _ := install()
	entry, err := pkg.ResolvePath(context.Background(), "index")
	if err != nil {
		t.Fatalf("ResolvePath(index) error = %v", err)
	}
	if want := fspath.ArchiveRoot(filepath.Join(temp, "app.pkg.7")) + "/index.sh"; entry != want {
		t.Errorf("ResolvePath(index) = %q, want %q", entry, want)
	}
	unpacked, _ := pkg.ResolvePath(context.Background(), "lib/u")
	if want := cdn.URL + "/libs/app/lib/u.sh?1"; unpacked != want {
		t.Errorf("ResolvePath(lib/u) = %q, want %q", unpacked, want)
	}
	for _, name := range []string{"app.pkg", "app.pkg.7"} {
		if _, err := os.Stat(filepath.Join(temp, name)); err != nil {
			t.Errorf("cache entry %s: %v", name, err)
		}
	}

	// Same tag again: served from the tagged cache.
	install()
	if n := cdn.fetches.Load(); n != 1 {
		t.Errorf("archive downloads = %d, want 1", n)
	}

	// New tag with a failing download: fall back to the cached build.
	cdn.tag.Store("8")
	cdn.broken.Store(true)
	pkg, logs := install()
	if got := pkg.VersionCode(); got != "7" {
		t.Errorf("VersionCode() after fallback = %q, want 7", got)
	}
	if !strings.Contains(logs.String(), "archive download failed") {
		t.Errorf("no fallback warning logged:\n%s", logs.String())
	}
	if _, err := os.Stat(filepath.Join(temp, "app.pkg.8")); !os.IsNotExist(err) {
		t.Errorf("tagged cache for failed download exists: %v", err)
	}
}

func TestInstallRemoteWithoutCacheFails(t *testing.T) {
	t.Parallel()

	cdn := newCDN(t)
	cdn.publish(t, "1")
	cdn.broken.Store(true)

	fs := transport.New(transport.WithHTTPClient(cdn.Client()))
	reg := newRegistry(t, fs)
	if err := reg.RegisterPackage(cdn.URL + "/libs/app"); err != nil {
		t.Fatal(err)
	}
	err := readyPackage(t, reg, "app").Install(context.Background())
	if !pkgload.IsKind(err, pkgload.ErrNetwork) {
		t.Errorf("Install() error = %v, want ErrNetwork", err)
	}
}

func TestInstallRemoteRejectsUnsafeTag(t *testing.T) {
	t.Parallel()

	cdn := newCDN(t)
	cdn.publish(t, "../../escape")
	temp := filepath.Join(t.TempDir(), "cache")

	fs := transport.New(transport.WithHTTPClient(cdn.Client()))
	t.Cleanup(func() { testutil.MustClose(t, fs) })
	reg := newRegistry(t, fs, pkgload.WithTempDir(temp))
	if err := reg.RegisterPackage(cdn.URL + "/libs/app"); err != nil {
		t.Fatal(err)
	}
	err := readyPackage(t, reg, "app").Install(context.Background())
	if !pkgload.IsKind(err, pkgload.ErrManifest) {
		t.Errorf("Install() error = %v, want ErrManifest", err)
	}
	if n := cdn.fetches.Load(); n != 0 {
		t.Errorf("archive downloads = %d, want 0", n)
	}
}

func TestInstallReconciledOrigin(t *testing.T) {
	t.Parallel()

	cdn := newCDN(t)
	cdn.publish(t, "8")
	origin := cdn.URL + "/libs/app"
	root := writeLocalBuild(t, "7", origin)
	temp := t.TempDir()

	fs := transport.New(transport.WithHTTPClient(cdn.Client()))
	t.Cleanup(func() { testutil.MustClose(t, fs) })
	reg, logs := newLoggedRegistry(t, fs, pkgload.WithTempDir(temp))
	if err := reg.RegisterPackage(root); err != nil {
		t.Fatal(err)
	}
	pkg := readyPackage(t, reg, "app")
	if !strings.Contains(logs.String(), "package superseded by origin") {
		t.Errorf("no supersession logged:\n%s", logs.String())
	}
	ctx := context.Background()
	if err := pkg.Install(ctx); err != nil {
		t.Fatalf("Install() error = %v", err)
	}

	if got := pkg.VersionCode(); got != "8" {
		t.Errorf("VersionCode() = %q, want 8", got)
	}
	prev := pkg.Previous()
	if prev == nil || prev.VersionCode != "7" || prev.Path != root {
		t.Fatalf("Previous() = %+v, want the local build at %s", prev, root)
	}

	entry, err := pkg.ResolvePath(ctx, "")
	if err != nil {
		t.Fatalf("ResolvePath() error = %v", err)
	}
	if want := fspath.ArchiveRoot(filepath.Join(temp, "app.pkg.8")) + "/index.sh"; entry != want {
		t.Errorf("ResolvePath(entry) = %q, want %q", entry, want)
	}
	// lib/u.sh has the same tag in both builds: the local copy is reused.
	unchanged, err := pkg.ResolvePath(ctx, "lib/u")
	if err != nil {
		t.Fatalf("ResolvePath(lib/u) error = %v", err)
	}
	if want := root + "/lib/u.sh"; unchanged != want {
		t.Errorf("ResolvePath(lib/u) = %q, want %q", unchanged, want)
	}
}

func TestInstallReconciledOriginFailureKeepsLocal(t *testing.T) {
	t.Parallel()

	cdn := newCDN(t)
	cdn.publish(t, "8")
	cdn.broken.Store(true)
	root := writeLocalBuild(t, "7", cdn.URL+"/libs/app")

	fs := transport.New(transport.WithHTTPClient(cdn.Client()))
	t.Cleanup(func() { testutil.MustClose(t, fs) })
	reg, logs := newLoggedRegistry(t, fs)
	if err := reg.RegisterPackage(root); err != nil {
		t.Fatal(err)
	}
	pkg := readyPackage(t, reg, "app")
	if got := pkg.VersionCode(); got != "8" {
		t.Fatalf("VersionCode() before install = %q, want 8", got)
	}
	ctx := context.Background()
	if err := pkg.Install(ctx); err != nil {
		t.Fatalf("Install() error = %v", err)
	}

	if got := pkg.VersionCode(); got != "7" {
		t.Errorf("VersionCode() = %q, want the local 7", got)
	}
	if prev := pkg.Previous(); prev != nil {
		t.Errorf("Previous() = %+v, want nil after the origin failed", prev)
	}
	if !strings.Contains(logs.String(), "origin install failed") {
		t.Errorf("no restore warning logged:\n%s", logs.String())
	}
	entry, err := pkg.ResolvePath(ctx, "")
	if err != nil {
		t.Fatalf("ResolvePath() error = %v", err)
	}
	if want := root + "/index.sh"; entry != want {
		t.Errorf("ResolvePath(entry) = %q, want %q", entry, want)
	}
}

func TestInstallAdoptsNewerCachedOrigin(t *testing.T) {
	t.Parallel()

	tests := []struct {
		cached  string
		adopted bool
	}{
		{cached: "9", adopted: true},
		{cached: "7"},
		{cached: "6"},
		{cached: "nightly"},
	}

	for _, tt := range tests {
		t.Run(tt.cached, func(t *testing.T) {
			t.Parallel()

			// The origin still serves the local tag, so readiness does not
			// reconcile and only the cached archive can supersede the build.
			cdn := newCDN(t)
			cdn.publish(t, "7")
			origin := cdn.URL + "/libs/app"
			root := writeLocalBuild(t, "7", origin)
			temp := t.TempDir()
			writeBuild(t, filepath.Join(temp, "app.pkg"), tt.cached)

			fs := transport.New(transport.WithHTTPClient(cdn.Client()))
			t.Cleanup(func() { testutil.MustClose(t, fs) })
			reg := newRegistry(t, fs, pkgload.WithTempDir(temp))
			if err := reg.RegisterPackage(root); err != nil {
				t.Fatal(err)
			}
			pkg := readyPackage(t, reg, "app")
			ctx := context.Background()
			if err := pkg.Install(ctx); err != nil {
				t.Fatalf("Install() error = %v", err)
			}

			entry, err := pkg.ResolvePath(ctx, "")
			if err != nil {
				t.Fatalf("ResolvePath() error = %v", err)
			}
			if !tt.adopted {
				if pkg.VersionCode() != "7" || pkg.Previous() != nil || entry != root+"/index.sh" {
					t.Errorf("cached %s adopted: version %q, entry %q", tt.cached, pkg.VersionCode(), entry)
				}
				return
			}
			if got := pkg.VersionCode(); got != tt.cached {
				t.Errorf("VersionCode() = %q, want %q", got, tt.cached)
			}
			if prev := pkg.Previous(); prev == nil || prev.VersionCode != "7" {
				t.Errorf("Previous() = %+v, want the local build", prev)
			}
			if want := fspath.ArchiveRoot(filepath.Join(temp, "app.pkg")) + "/index.sh"; entry != want {
				t.Errorf("ResolvePath(entry) = %q, want %q", entry, want)
			}
			if n := cdn.fetches.Load(); n != 0 {
				t.Errorf("archive downloads = %d, want 0", n)
			}
		})
	}
}
