// SPDX-License-Identifier: MPL-2.0

package packer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkghost/pkghost/pkg/manifest"
)

type batchEntry struct {
	VersionCode  string   `json:"version_code,omitempty"`
	Origin       string   `json:"origin,omitempty"`
	ExternalDeps []string `json:"external_deps,omitempty"`
	Build        *bool    `json:"_build,omitempty"`
}

// WriteBatchDescriptor writes packages.json in dir, describing every package
// subdirectory so readers skip the per-directory manifest scan. It returns
// the number of packages described.
func WriteBatchDescriptor(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", dir, err)
	}

	batch := map[string]any{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name(), manifest.ManifestFile)
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return 0, err
		}
		m, err := manifest.Parse(data, path)
		if err != nil {
			return 0, err
		}
		if m.Name != e.Name() {
			return 0, fmt.Errorf("%s: manifest declares %q, directory is %q", path, m.Name, e.Name())
		}

		if !m.Prebuilt() && m.Origin == "" && len(m.ExternalDeps) == 0 {
			batch[m.Name] = nil
			continue
		}
		entry := batchEntry{VersionCode: m.VersionCode, Origin: m.Origin, ExternalDeps: m.ExternalDeps}
		if m.Build != nil && *m.Build != (m.VersionCode != "") {
			entry.Build = m.Build
		}
		batch[m.Name] = entry
	}

	out, err := json.MarshalIndent(batch, "", "  ")
	if err != nil {
		return 0, err
	}
	if err := os.WriteFile(filepath.Join(dir, manifest.BatchFile), out, 0o644); err != nil {
		return 0, err
	}
	return len(batch), nil
}
