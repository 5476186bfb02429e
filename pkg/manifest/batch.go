// SPDX-License-Identifier: MPL-2.0

package manifest

import (
	"fmt"
	"strings"

	"cuelang.org/go/cue"

	"github.com/pkghost/pkghost/pkg/cueutil"
)

// Shorthand and Full are the two notations of a batch entry.
const (
	// Shorthand entries are a bare path string, or null for the default path.
	Shorthand DescriptorKind = iota
	// Full entries are objects carrying build metadata.
	Full
)

type (
	// DescriptorKind tells which notation a batch entry used.
	DescriptorKind int

	// Descriptor is one entry of a batch descriptor.
	Descriptor struct {
		// Name is the package name; it is the entry key.
		Name string
		// Kind is the notation the entry was written in.
		Kind DescriptorKind
		// Path is the package path relative to the search path. Empty means Name.
		Path string
		// VersionCode is the build version tag (Full only).
		VersionCode string
		// Origin is the network origin (Full only).
		Origin string
		// ExternalDeps are dependency paths relative to the package (Full only).
		ExternalDeps []string
		// Build is the explicit build flag (Full only).
		Build *bool
	}

	rawDescriptor struct {
		Path         string `json:"path"`
		VersionCode  any    `json:"version_code"`
		Origin       string `json:"origin"`
		ExternalDeps any    `json:"external_deps"`
		Build        *bool  `json:"_build"`
	}
)

// Prebuilt applies the same build-flag rule as Manifest.Prebuilt.
func (d Descriptor) Prebuilt() bool {
	if d.Build != nil {
		return *d.Build
	}
	return d.VersionCode != ""
}

// RelPath returns the package path relative to its search path.
func (d Descriptor) RelPath() string {
	if d.Path == "" {
		return d.Name
	}
	return d.Path
}

// ParseBatch validates a batch descriptor and returns its entries in
// document order. Entries whose names begin with "@" are skipped.
func ParseBatch(data []byte, filename string) ([]Descriptor, error) {
	unified, err := cueutil.Parse(schema, stripBOM(data), "#Batch", cueutil.WithFilename(filename))
	if err != nil {
		return nil, err
	}
	iter, err := unified.Fields()
	if err != nil {
		return nil, cueutil.FormatError(err, filename)
	}

	var out []Descriptor
	for iter.Next() {
		name := iter.Selector().Unquoted()
		if strings.HasPrefix(name, "@") {
			continue
		}
		d, err := decodeDescriptor(name, iter.Value())
		if err != nil {
			return nil, fmt.Errorf("%s: %s: %w", filename, name, err)
		}
		out = append(out, d)
	}
	return out, nil
}

func decodeDescriptor(name string, v cue.Value) (Descriptor, error) {
	switch v.IncompleteKind() {
	case cue.NullKind:
		return Descriptor{Name: name, Kind: Shorthand}, nil
	case cue.StringKind:
		s, err := v.String()
		if err != nil {
			return Descriptor{}, err
		}
		return Descriptor{Name: name, Kind: Shorthand, Path: s}, nil
	}

	var raw rawDescriptor
	if err := v.Decode(&raw); err != nil {
		return Descriptor{}, err
	}
	return Descriptor{
		Name:         name,
		Kind:         Full,
		Path:         raw.Path,
		VersionCode:  Tag(raw.VersionCode),
		Origin:       raw.Origin,
		ExternalDeps: depPaths(raw.ExternalDeps),
		Build:        raw.Build,
	}, nil
}
