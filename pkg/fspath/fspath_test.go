// SPDX-License-Identifier: MPL-2.0

package fspath_test

import (
	"testing"

	"github.com/pkghost/pkghost/pkg/fspath"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		path     string
		network  bool
		local    bool
		archive  bool
		relative bool
	}{
		{name: "local absolute", path: "/srv/libs/app", local: true},
		{name: "file scheme", path: "file:///srv/app", local: true},
		{name: "http", path: "http://cdn.example.com/libs", network: true},
		{name: "https upper", path: "HTTPS://cdn.example.com/libs", network: true},
		{name: "archive", path: "archive:///tmp/app.pkg@/index.sh", local: true, archive: true},
		{name: "dot relative", path: "./util", relative: true},
		{name: "parent relative", path: "../util", relative: true},
		{name: "bare dot slash", path: "./"},
		{name: "bare name", path: "lodash"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := fspath.IsNetwork(tt.path); got != tt.network {
				t.Errorf("IsNetwork(%q) = %v, want %v", tt.path, got, tt.network)
			}
			if got := fspath.IsLocal(tt.path); got != tt.local {
				t.Errorf("IsLocal(%q) = %v, want %v", tt.path, got, tt.local)
			}
			if got := fspath.IsArchive(tt.path); got != tt.archive {
				t.Errorf("IsArchive(%q) = %v, want %v", tt.path, got, tt.archive)
			}
			if got := fspath.IsRelative(tt.path); got != tt.relative {
				t.Errorf("IsRelative(%q) = %v, want %v", tt.path, got, tt.relative)
			}
		})
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		parts []string
		want  string
	}{
		{name: "local levels", parts: []string{"/srv/libs/app", "../other/./x"}, want: "/srv/libs/other/x"},
		{name: "trailing slash", parts: []string{"/srv/libs/"}, want: "/srv/libs"},
		{name: "absolute restarts", parts: []string{"/srv", "/opt/app"}, want: "/opt/app"},
		{name: "network", parts: []string{"http://cdn.example.com/libs/app", "src"}, want: "http://cdn.example.com/libs/app/src"},
		{name: "network above root", parts: []string{"http://h/a", "../../b"}, want: "http://h/b"},
		{name: "file scheme", parts: []string{"file:///srv/app"}, want: "/srv/app"},
		{name: "archive", parts: []string{"archive:///tmp/app.pkg@", "lib/../index.sh"}, want: "archive:///tmp/app.pkg@/index.sh"},
		{name: "empty parts skipped", parts: []string{"/srv/app", "", "src"}, want: "/srv/app/src"},
		{name: "root", parts: []string{"/"}, want: "/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := fspath.Resolve(tt.parts...); got != tt.want {
				t.Errorf("Resolve(%q) = %q, want %q", tt.parts, got, tt.want)
			}
		})
	}
}

func TestResolveLevels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path     string
		retainUp bool
		want     string
	}{
		{path: "a/./b/../c", want: "a/c"},
		{path: "../a", want: "a"},
		{path: "../a", retainUp: true, want: "../a"},
		{path: "../../a/b/..", retainUp: true, want: "../../a"},
		{path: "/a//b/", want: "a/b"},
	}

	for _, tt := range tests {
		if got := fspath.ResolveLevels(tt.path, tt.retainUp); got != tt.want {
			t.Errorf("ResolveLevels(%q, %v) = %q, want %q", tt.path, tt.retainUp, got, tt.want)
		}
	}
}

func TestDirBase(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path string
		dir  string
		base string
	}{
		{path: "/srv/libs/app", dir: "/srv/libs", base: "app"},
		{path: "/app", dir: "/", base: "app"},
		{path: "http://h/libs/app?3", dir: "http://h/libs", base: "app"},
		{path: "http://h/app", dir: "http://h", base: "app"},
		{path: "archive:///tmp/app.pkg@/lib/x.sh", dir: "archive:///tmp/app.pkg@/lib", base: "x.sh"},
		{path: "archive:///tmp/app.pkg@/x.sh", dir: "archive:///tmp/app.pkg@", base: "x.sh"},
	}

	for _, tt := range tests {
		if got := fspath.Dir(tt.path); got != tt.dir {
			t.Errorf("Dir(%q) = %q, want %q", tt.path, got, tt.dir)
		}
		if got := fspath.Base(tt.path); got != tt.base {
			t.Errorf("Base(%q) = %q, want %q", tt.path, got, tt.base)
		}
	}
}

func TestWithQuery(t *testing.T) {
	t.Parallel()

	if got := fspath.WithQuery("http://h/a.sh", "3"); got != "http://h/a.sh?3" {
		t.Errorf("WithQuery() = %q", got)
	}
	if got := fspath.WithQuery("http://h/a.sh?3", "__nocache"); got != "http://h/a.sh?3&__nocache" {
		t.Errorf("WithQuery() = %q", got)
	}
	if got := fspath.WithQuery("/srv/a.sh", "3"); got != "/srv/a.sh" {
		t.Errorf("WithQuery() on local path = %q, want unchanged", got)
	}
	if got := fspath.WithQuery("http://h/a.sh", ""); got != "http://h/a.sh" {
		t.Errorf("WithQuery() with empty arg = %q, want unchanged", got)
	}
	if got := fspath.StripQuery("http://h/a.sh?3&x"); got != "http://h/a.sh" {
		t.Errorf("StripQuery() = %q", got)
	}
}

func TestHasPrefixDir(t *testing.T) {
	t.Parallel()

	if !fspath.HasPrefixDir("/srv/app/src/a.sh", "/srv/app") {
		t.Error("HasPrefixDir() = false for nested path")
	}
	if !fspath.HasPrefixDir("/srv/app", "/srv/app/") {
		t.Error("HasPrefixDir() = false for equal path")
	}
	if fspath.HasPrefixDir("/srv/application/a.sh", "/srv/app") {
		t.Error("HasPrefixDir() = true across a name boundary")
	}
	if fspath.HasPrefixDir("/srv/app", "") {
		t.Error("HasPrefixDir() = true for empty dir")
	}
}

func TestArchive(t *testing.T) {
	t.Parallel()

	root := fspath.ArchiveRoot("/tmp/cache/app.pkg")
	if root != "archive:///tmp/cache/app.pkg@" {
		t.Fatalf("ArchiveRoot() = %q", root)
	}

	archive, entry, ok := fspath.SplitArchive(fspath.Join(root, "lib/util.sh"))
	if !ok || archive != "/tmp/cache/app.pkg" || entry != "lib/util.sh" {
		t.Errorf("SplitArchive() = (%q, %q, %v)", archive, entry, ok)
	}

	archive, entry, ok = fspath.SplitArchive(root)
	if !ok || archive != "/tmp/cache/app.pkg" || entry != "" {
		t.Errorf("SplitArchive(root) = (%q, %q, %v)", archive, entry, ok)
	}

	if _, _, ok := fspath.SplitArchive("/tmp/app.pkg"); ok {
		t.Error("SplitArchive() ok for a plain path")
	}
}
