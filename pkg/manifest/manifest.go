// SPDX-License-Identifier: MPL-2.0

package manifest

import (
	_ "embed"
	"fmt"
	"math/big"
	"slices"
	"strconv"

	"github.com/pkghost/pkghost/pkg/cueutil"
)

const (
	// ManifestFile is the per-package manifest name.
	ManifestFile = "package.json"
	// VersionsFile is the per-package version table name.
	VersionsFile = "versions.json"
	// BatchFile is the per-search-path batch descriptor name.
	BatchFile = "packages.json"
	// ArchiveSuffix is appended to the package name to form the pack archive name.
	ArchiveSuffix = ".pkg"
)

//go:embed schema.cue
var schema []byte

type (
	// Manifest is the decoded package.json of one package.
	Manifest struct {
		// Name must equal the base name of the package directory.
		Name string `json:"name"`
		// Main is the entry file relative to the source root. Empty means "index".
		Main string `json:"main,omitempty"`
		// Src is the source root relative to the package directory.
		Src string `json:"src,omitempty"`
		// VersionCode is the build version tag. Non-empty marks a built package.
		VersionCode string `json:"version_code,omitempty"`
		// Origin is the network location holding newer builds of this package.
		Origin string `json:"origin,omitempty"`
		// ExternalDeps lists package paths, relative to the package directory,
		// that are registered whenever this package is.
		ExternalDeps []string `json:"external_deps,omitempty"`
		// Build is the explicit build flag; nil when the manifest omits it.
		Build *bool `json:"_build,omitempty"`
		// SkipInstall disables version-table loading.
		SkipInstall bool `json:"skipInstall,omitempty"`
		// NoSyntaxPreprocess forces source transforms even for built packages.
		NoSyntaxPreprocess bool `json:"no_syntax_preprocess,omitempty"`
		// BuildTime is the build timestamp in Unix milliseconds.
		BuildTime int64 `json:"build_time,omitempty"`
	}

	rawManifest struct {
		Name               string `json:"name"`
		Main               string `json:"main"`
		Src                string `json:"src"`
		VersionCode        any    `json:"version_code"`
		Origin             string `json:"origin"`
		ExternalDeps       any    `json:"external_deps"`
		Build              *bool  `json:"_build"`
		SkipInstall        bool   `json:"skipInstall"`
		NoSyntaxPreprocess bool   `json:"no_syntax_preprocess"`
		BuildTime          any    `json:"build_time"`
	}
)

// Prebuilt reports whether the package was produced by a build step. An
// explicit _build flag wins; otherwise a non-empty version code implies it.
func (m *Manifest) Prebuilt() bool {
	if m.Build != nil {
		return *m.Build
	}
	return m.VersionCode != ""
}

// Entry returns the main entry path, defaulting to "index".
func (m *Manifest) Entry() string {
	if m.Main == "" {
		return "index"
	}
	return m.Main
}

// Parse validates and decodes a package manifest. filename is used in
// error messages only.
func Parse(data []byte, filename string) (*Manifest, error) {
	result, err := cueutil.ParseAndDecode[rawManifest](schema, stripBOM(data), "#Manifest",
		cueutil.WithFilename(filename))
	if err != nil {
		return nil, err
	}
	raw := result.Value
	return &Manifest{
		Name:               raw.Name,
		Main:               raw.Main,
		Src:                raw.Src,
		VersionCode:        Tag(raw.VersionCode),
		Origin:             raw.Origin,
		ExternalDeps:       depPaths(raw.ExternalDeps),
		Build:              raw.Build,
		SkipInstall:        raw.SkipInstall,
		NoSyntaxPreprocess: raw.NoSyntaxPreprocess,
		BuildTime:          int64Of(raw.BuildTime),
	}, nil
}

// Tag renders a decoded version tag as a string. Absent tags become "".
func Tag(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case *big.Int:
		return t.String()
	case *big.Float:
		return t.Text('f', -1)
	default:
		return fmt.Sprint(t)
	}
}

func int64Of(v any) int64 {
	switch t := v.(type) {
	case int:
		return int64(t)
	case int64:
		return t
	case float64:
		return int64(t)
	case *big.Int:
		return t.Int64()
	}
	return 0
}

// depPaths accepts both dependency notations: a list of paths, or an object
// whose keys are the paths. Object keys are returned sorted.
func depPaths(v any) []string {
	switch t := v.(type) {
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case map[string]any:
		out := make([]string, 0, len(t))
		for k := range t {
			out = append(out, k)
		}
		slices.Sort(out)
		return out
	}
	return nil
}

func stripBOM(data []byte) []byte {
	if len(data) >= 3 && data[0] == 0xEF && data[1] == 0xBB && data[2] == 0xBF {
		return data[3:]
	}
	return data
}
