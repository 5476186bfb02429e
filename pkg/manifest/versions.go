// SPDX-License-Identifier: MPL-2.0

package manifest

import (
	"slices"

	"github.com/pkghost/pkghost/pkg/cueutil"
)

type (
	// VersionTable is the decoded versions.json of a built package.
	VersionTable struct {
		// Versions maps source-relative file paths to their version tags.
		Versions map[string]string `json:"versions"`
		// Packed maps the file paths stored inside the pack archive to their tags.
		Packed map[string]string `json:"pkg_files,omitempty"`
	}

	rawVersionTable struct {
		Versions map[string]any `json:"versions"`
		Packed   map[string]any `json:"pkg_files"`
	}
)

// ParseVersions validates and decodes a version table.
func ParseVersions(data []byte, filename string) (*VersionTable, error) {
	result, err := cueutil.ParseAndDecode[rawVersionTable](schema, stripBOM(data), "#VersionTable",
		cueutil.WithFilename(filename))
	if err != nil {
		return nil, err
	}
	vt := &VersionTable{Versions: make(map[string]string, len(result.Value.Versions))}
	for k, v := range result.Value.Versions {
		vt.Versions[k] = Tag(v)
	}
	if len(result.Value.Packed) > 0 {
		vt.Packed = make(map[string]string, len(result.Value.Packed))
		for k, v := range result.Value.Packed {
			vt.Packed[k] = Tag(v)
		}
	}
	return vt, nil
}

// PackedPaths returns the sorted list of files stored in the pack archive.
func (vt *VersionTable) PackedPaths() []string {
	out := make([]string, 0, len(vt.Packed))
	for k := range vt.Packed {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
