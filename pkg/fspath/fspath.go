// SPDX-License-Identifier: MPL-2.0

// Package fspath classifies and normalizes package locators. A locator is a
// forward-slash path in one of three namespaces: a local filesystem path, a
// network URL (http or https), or a path inside a pack archive written as
// "archive://<archive-file>@/<relative-path>".
package fspath

import (
	"os"
	"path"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
)

// ArchiveScheme prefixes every locator that addresses an entry of a pack archive.
const ArchiveScheme = "archive://"

const fileScheme = "file://"

var networkRx = regexp.MustCompile(`(?i)^https?://[^/?#]+`)

// IsNetwork reports whether p is an http or https URL.
func IsNetwork(p string) bool {
	return networkRx.MatchString(p)
}

// IsArchive reports whether p addresses an entry inside a pack archive.
func IsArchive(p string) bool {
	return strings.HasPrefix(p, ArchiveScheme)
}

// IsLocal reports whether p is reachable through the local filesystem,
// including entries of local pack archives.
func IsLocal(p string) bool {
	return strings.HasPrefix(p, "/") || strings.HasPrefix(p, fileScheme) || IsArchive(p) ||
		filepath.IsAbs(p)
}

// IsAbsolute reports whether p is a local or network locator that needs no
// base to be resolved.
func IsAbsolute(p string) bool {
	return IsLocal(p) || IsNetwork(p)
}

// IsRelative reports whether p is an explicitly relative request ("./x" or "../x").
func IsRelative(p string) bool {
	return len(p) > 2 && (strings.HasPrefix(p, "./") || strings.HasPrefix(p, "../"))
}

// Resolve joins the parts into one normalized locator. A part that is itself
// absolute restarts the join. A result that is still relative is anchored at
// the process working directory.
func Resolve(parts ...string) string {
	joined := ""
	for _, part := range parts {
		if part == "" {
			continue
		}
		part = filepath.ToSlash(part)
		if joined == "" || IsAbsolute(part) {
			joined = part
			continue
		}
		joined = strings.TrimSuffix(joined, "/") + "/" + part
	}
	if !IsAbsolute(joined) {
		cwd, err := os.Getwd()
		if err != nil {
			cwd = "/"
		}
		joined = strings.TrimSuffix(filepath.ToSlash(cwd), "/") + "/" + joined
	}
	prefix, rest := split(joined)
	rest = ResolveLevels(rest, false)
	if rest == "" {
		if prefix == "" {
			return "/"
		}
		return prefix
	}
	return prefix + "/" + rest
}

// ResolveLevels collapses "." and ".." segments of a slash-separated path.
// Leading ".." segments that climb above the start are kept when retainUp
// is set and dropped otherwise. The result carries no leading or trailing slash.
func ResolveLevels(p string, retainUp bool) string {
	var out []string
	up := 0
	for _, seg := range strings.Split(p, "/") {
		switch seg {
		case "", ".":
		case "..":
			if len(out) > 0 {
				out = out[:len(out)-1]
			} else {
				up++
			}
		default:
			out = append(out, seg)
		}
	}
	if retainUp && up > 0 {
		out = append(slices.Repeat([]string{".."}, up), out...)
	}
	return strings.Join(out, "/")
}

// split separates the namespace prefix of an absolute locator from its path.
// The prefix is "" for local paths, "scheme://host" for URLs and
// "archive://<file>@" for archive entries.
func split(p string) (prefix, rest string) {
	switch {
	case IsArchive(p):
		if i := strings.Index(p, "@/"); i >= 0 {
			return p[:i+1], p[i+1:]
		}
		return strings.TrimSuffix(p, "@") + "@", ""
	case IsNetwork(p):
		loc := networkRx.FindStringIndex(p)
		return p[:loc[1]], p[loc[1]:]
	case strings.HasPrefix(p, fileScheme):
		return "", strings.TrimPrefix(p, fileScheme)
	default:
		if vol := filepath.VolumeName(p); vol != "" {
			return vol, p[len(vol):]
		}
		return "", p
	}
}

// Join appends rel to base with exactly one separator.
func Join(base, rel string) string {
	rel = strings.TrimPrefix(rel, "/")
	if rel == "" {
		return base
	}
	return strings.TrimSuffix(base, "/") + "/" + rel
}

// Dir returns the parent locator of p. The parent of a namespace root is the
// root itself.
func Dir(p string) string {
	prefix, rest := split(p)
	if rest == "" || rest == "/" {
		if prefix == "" {
			return "/"
		}
		return prefix
	}
	dir := path.Dir(rest)
	if dir == "/" || dir == "." {
		if prefix == "" {
			return "/"
		}
		return prefix
	}
	return prefix + dir
}

// Base returns the final element of p, ignoring any query string.
func Base(p string) string {
	_, rest := split(StripQuery(p))
	if rest == "" {
		return ""
	}
	return path.Base(rest)
}

// Ext returns the extension of the final element of p, including the dot.
func Ext(p string) string {
	return path.Ext(Base(p))
}

// StripQuery removes a trailing "?query" from network locators.
func StripQuery(p string) string {
	if !IsNetwork(p) {
		return p
	}
	if i := strings.IndexByte(p, '?'); i >= 0 {
		return p[:i]
	}
	return p
}

// WithQuery appends arg as a query argument to a network locator. Local
// locators and empty arguments are returned unchanged.
func WithQuery(p, arg string) string {
	if arg == "" || !IsNetwork(p) {
		return p
	}
	if strings.Contains(p, "?") {
		return p + "&" + arg
	}
	return p + "?" + arg
}

// HasPrefixDir reports whether p equals dir or lies beneath it.
func HasPrefixDir(p, dir string) bool {
	if dir == "" {
		return false
	}
	dir = strings.TrimSuffix(dir, "/")
	return p == dir || strings.HasPrefix(p, dir+"/")
}

// ArchiveRoot returns the locator of the root of the pack archive stored at
// the local file archivePath.
func ArchiveRoot(archivePath string) string {
	return ArchiveScheme + filepath.ToSlash(archivePath) + "@"
}

// SplitArchive separates an archive locator into the archive file path and the
// entry path inside it. ok is false when p is not an archive locator.
func SplitArchive(p string) (archive, entry string, ok bool) {
	if !IsArchive(p) {
		return "", "", false
	}
	rest := strings.TrimPrefix(p, ArchiveScheme)
	i := strings.Index(rest, "@/")
	if i < 0 {
		if !strings.HasSuffix(rest, "@") {
			return "", "", false
		}
		i = len(rest) - 1
	}
	return filepath.FromSlash(rest[:i]), ResolveLevels(rest[i+1:], false), true
}

// OSPath converts a local locator to a native filesystem path.
func OSPath(p string) string {
	return filepath.FromSlash(strings.TrimPrefix(p, fileScheme))
}
