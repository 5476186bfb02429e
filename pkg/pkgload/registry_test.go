// SPDX-License-Identifier: MPL-2.0

package pkgload_test

import (
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/pkghost/pkghost/internal/testutil"
	"github.com/pkghost/pkghost/pkg/pkgload"
)

func TestRegisterPackage(t *testing.T) {
	t.Parallel()

	reg := newRegistry(t, testutil.NewMemTransport())
	if err := reg.RegisterPackage("/proj/app"); err != nil {
		t.Fatalf("RegisterPackage() error = %v", err)
	}
	if err := reg.RegisterPackage("/proj/app/"); err != nil {
		t.Fatalf("RegisterPackage() again error = %v", err)
	}

	want := []pkgload.SearchPathRecord{{Path: "/proj", State: pkgload.StatePending}}
	if diff := cmp.Diff(want, reg.SearchPaths()); diff != "" {
		t.Errorf("SearchPaths() mismatch (-want +got):\n%s", diff)
	}
	if n := len(reg.Records()); n != 1 {
		t.Errorf("len(Records()) = %d, want 1", n)
	}
	if reg.Ready() {
		t.Error("Ready() = true before EnsureReady")
	}

	err := reg.RegisterPackage("/proj/1bad")
	if !pkgload.IsKind(err, pkgload.ErrInvalidPath) {
		t.Errorf("RegisterPackage(invalid) error = %v, want ErrInvalidPath", err)
	}
}

func TestEnsureReadyDiscoversSearchPath(t *testing.T) {
	t.Parallel()

	mt := testutil.NewMemTransport().AddFiles("/libs", map[string]string{
		"a/package.json":    `{"name": "a"}`,
		"b/package.json":    `{"name": "b"}`,
		"notes/readme.txt":  "not a package",
		"skip/package.json": `{"name": "skip"}`,
	})
	reg := newRegistry(t, mt, pkgload.WithIgnore("skip"))
	reg.RegisterSearchPath("/libs")

	if err := reg.EnsureReady(context.Background()); err != nil {
		t.Fatalf("EnsureReady() error = %v", err)
	}
	if diff := cmp.Diff([]string{"a", "b"}, reg.Names()); diff != "" {
		t.Errorf("Names() mismatch (-want +got):\n%s", diff)
	}
	if rec := recordByPath(t, reg, "/libs/a"); !rec.Discovered || rec.State != pkgload.StateReady {
		t.Errorf("record a = %+v, want discovered and ready", rec)
	}
	if !reg.Ready() {
		t.Error("Ready() = false after EnsureReady")
	}

	reads := mt.Count("read", "/libs/a/package.json")
	if err := reg.EnsureReady(context.Background()); err != nil {
		t.Fatalf("EnsureReady() again error = %v", err)
	}
	if got := mt.Count("read", "/libs/a/package.json"); got != reads {
		t.Errorf("manifest reads after second EnsureReady = %d, want %d", got, reads)
	}
}

func TestBatchDescriptorTakesPrecedence(t *testing.T) {
	t.Parallel()

	mt := testutil.NewMemTransport().AddFiles("/libs", map[string]string{
		"packages.json":       `{"a": "./a-impl", "b": null, "@comment": "skipped"}`,
		"a-impl/package.json": `{"name": "a"}`,
		"a-impl/index.sh":     "x=1",
		"a/package.json":      `{"name": "a"}`,
		"b/package.json":      `{"name": "b"}`,
		"c/package.json":      `{"name": "c"}`,
	})
	reg := newRegistry(t, mt)
	reg.RegisterSearchPath("/libs")

	ctx := context.Background()
	if err := reg.EnsureReady(ctx); err != nil {
		t.Fatalf("EnsureReady() error = %v", err)
	}
	if n := mt.Count("readdir", "/libs"); n != 0 {
		t.Errorf("readdir calls = %d, want 0 with a batch descriptor", n)
	}
	if diff := cmp.Diff([]string{"a", "b"}, reg.Names()); diff != "" {
		t.Errorf("Names() mismatch (-want +got):\n%s", diff)
	}

	a := reg.Package("a")
	if got := a.Path(); got != "/libs/a-impl" {
		t.Errorf("Package(a).Path() = %q, want /libs/a-impl", got)
	}
	loc, err := a.ResolvePath(ctx, "")
	if err != nil {
		t.Fatalf("ResolvePath() error = %v", err)
	}
	if loc != "/libs/a-impl/index.sh" {
		t.Errorf("ResolvePath() = %q", loc)
	}
}

func TestEnsureReadyFailures(t *testing.T) {
	t.Parallel()

	t.Run("name mismatch is fatal", func(t *testing.T) {
		t.Parallel()
		mt := testutil.NewMemTransport().AddFile("/proj/app/package.json", `{"name": "other"}`)
		reg := newRegistry(t, mt)
		if err := reg.RegisterPackage("/proj/app"); err != nil {
			t.Fatal(err)
		}
		err := reg.EnsureReady(context.Background())
		if !pkgload.IsKind(err, pkgload.ErrNameMismatch) {
			t.Fatalf("EnsureReady() error = %v, want ErrNameMismatch", err)
		}
		if rec := recordByPath(t, reg, "/proj/app"); rec.State != pkgload.StateError {
			t.Errorf("record state = %v, want error", rec.State)
		}
		if err2 := reg.EnsureReady(context.Background()); !pkgload.IsKind(err2, pkgload.ErrNameMismatch) {
			t.Errorf("EnsureReady() retry error = %v, want the same failure", err2)
		}
	})

	t.Run("optional is ignored", func(t *testing.T) {
		t.Parallel()
		reg := newRegistry(t, testutil.NewMemTransport())
		if err := reg.RegisterPackage("/proj/opt", pkgload.Optional()); err != nil {
			t.Fatal(err)
		}
		if err := reg.EnsureReady(context.Background()); err != nil {
			t.Fatalf("EnsureReady() error = %v", err)
		}
		rec := recordByPath(t, reg, "/proj/opt")
		if rec.State != pkgload.StateIgnored || !pkgload.IsKind(rec.Err, pkgload.ErrNotFound) {
			t.Errorf("record = %+v, want ignored with ErrNotFound", rec)
		}
	})

	t.Run("discovered is ignored with a warning", func(t *testing.T) {
		t.Parallel()
		mt := testutil.NewMemTransport().AddFiles("/libs", map[string]string{
			"bad/package.json":  `{"name": `,
			"good/package.json": `{"name": "good"}`,
		})
		reg, logs := newLoggedRegistry(t, mt)
		reg.RegisterSearchPath("/libs")
		if err := reg.EnsureReady(context.Background()); err != nil {
			t.Fatalf("EnsureReady() error = %v", err)
		}
		if rec := recordByPath(t, reg, "/libs/bad"); rec.State != pkgload.StateIgnored {
			t.Errorf("record state = %v, want ignored", rec.State)
		}
		if !reg.HasPackage("good") {
			t.Error("HasPackage(good) = false")
		}
		if !strings.Contains(logs.String(), "ignore package") {
			t.Errorf("no warning logged:\n%s", logs.String())
		}
	})
}

func TestNameConflict(t *testing.T) {
	t.Parallel()

	mt := testutil.NewMemTransport().
		AddFile("/one/a/package.json", `{"name": "a"}`).
		AddFile("/two/a/package.json", `{"name": "a"}`)
	reg := newRegistry(t, mt)
	for _, p := range []string{"/one/a", "/two/a"} {
		if err := reg.RegisterPackage(p); err != nil {
			t.Fatal(err)
		}
	}
	if err := reg.EnsureReady(context.Background()); err != nil {
		t.Fatalf("EnsureReady() error = %v", err)
	}
	if got := reg.Package("a").Path(); got != "/one/a" {
		t.Errorf("Package(a).Path() = %q, want first registration", got)
	}
	if rec := recordByPath(t, reg, "/two/a"); rec.State != pkgload.StateIgnored {
		t.Errorf("second record state = %v, want ignored", rec.State)
	}
}

func TestExternalDeps(t *testing.T) {
	t.Parallel()

	mt := testutil.NewMemTransport().
		AddFile("/proj/app/package.json", `{"name": "app", "external_deps": ["../../vendor/shared"]}`).
		AddFile("/vendor/shared/package.json", `{"name": "shared"}`)
	reg := newRegistry(t, mt)
	if err := reg.RegisterPackage("/proj/app"); err != nil {
		t.Fatal(err)
	}
	if err := reg.EnsureReady(context.Background()); err != nil {
		t.Fatalf("EnsureReady() error = %v", err)
	}
	if got := reg.Package("shared"); got == nil || got.Path() != "/vendor/shared" {
		t.Errorf("Package(shared) = %v, want /vendor/shared", got)
	}
}

func TestOriginReconciliation(t *testing.T) {
	t.Parallel()

	const origin = "http://cdn.test/app"
	files := func(remoteTag string) *testutil.MemTransport {
		return testutil.NewMemTransport().
			AddFile("/proj/app/package.json", `{"name": "app", "version_code": 1, "origin": "`+origin+`"}`).
			AddFile(origin+"/package.json", `{"name": "app", "version_code": `+remoteTag+`}`)
	}

	t.Run("different tag supersedes", func(t *testing.T) {
		t.Parallel()
		reg := newRegistry(t, files("2"))
		if err := reg.RegisterPackage("/proj/app"); err != nil {
			t.Fatal(err)
		}
		if err := reg.EnsureReady(context.Background()); err != nil {
			t.Fatalf("EnsureReady() error = %v", err)
		}
		pkg := reg.Package("app")
		if pkg.Path() != origin || pkg.VersionCode() != "2" {
			t.Errorf("package = %s@%s, want %s@2", pkg.Path(), pkg.VersionCode(), origin)
		}
		if prev := pkg.Previous(); prev == nil || prev.Path != "/proj/app" {
			t.Errorf("Previous() = %+v, want the local build", prev)
		}
		if rec := recordByPath(t, reg, origin); !rec.Optional {
			t.Error("origin record is not optional")
		}
	})

	t.Run("equal tag keeps local", func(t *testing.T) {
		t.Parallel()
		reg := newRegistry(t, files("1"))
		if err := reg.RegisterPackage("/proj/app"); err != nil {
			t.Fatal(err)
		}
		if err := reg.EnsureReady(context.Background()); err != nil {
			t.Fatalf("EnsureReady() error = %v", err)
		}
		if got := reg.Package("app").Path(); got != "/proj/app" {
			t.Errorf("Path() = %q, want local build", got)
		}
	})

	t.Run("disabled origin", func(t *testing.T) {
		t.Parallel()
		mt := files("2")
		reg := newRegistry(t, mt)
		if err := reg.RegisterPackage("/proj/app"); err != nil {
			t.Fatal(err)
		}
		if err := reg.DisableOrigin("/proj/app", true); err != nil {
			t.Fatalf("DisableOrigin() error = %v", err)
		}
		if err := reg.EnsureReady(context.Background()); err != nil {
			t.Fatalf("EnsureReady() error = %v", err)
		}
		if got := reg.Package("app").Path(); got != "/proj/app" {
			t.Errorf("Path() = %q, want local build", got)
		}
		if n := mt.Count("read", origin+"/package.json"); n != 0 {
			t.Errorf("origin manifest reads = %d, want 0", n)
		}
	})
}

func TestSetOrigin(t *testing.T) {
	t.Parallel()

	mt := testutil.NewMemTransport().AddFile("/proj/app/package.json", `{"name": "app"}`)
	reg := newRegistry(t, mt)
	if err := reg.SetOrigin("/proj/app", "http://cdn.test/app"); !pkgload.IsKind(err, pkgload.ErrNotFound) {
		t.Errorf("SetOrigin(unregistered) error = %v, want ErrNotFound", err)
	}
	if err := reg.RegisterPackage("/proj/app"); err != nil {
		t.Fatal(err)
	}
	if err := reg.SetOrigin("/proj/app", "http://cdn.test/app"); err != nil {
		t.Errorf("SetOrigin() error = %v", err)
	}
	if err := reg.EnsureReady(context.Background()); err != nil {
		t.Fatalf("EnsureReady() error = %v", err)
	}
	if err := reg.SetOrigin("/proj/app", "http://cdn.test/other"); !pkgload.IsKind(err, pkgload.ErrConcurrencyMisuse) {
		t.Errorf("SetOrigin(ready) error = %v, want ErrConcurrencyMisuse", err)
	}
}
