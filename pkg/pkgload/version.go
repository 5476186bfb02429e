// SPDX-License-Identifier: MPL-2.0

package pkgload

import (
	"cmp"
	"strconv"
	"strings"

	"golang.org/x/mod/semver"
)

// compareTags orders two version tags. Tags compare numerically when both
// are decimal integers and as semantic versions when both are valid semver,
// with or without a leading "v". Any other pair is incomparable and ok is
// false.
func compareTags(a, b string) (c int, ok bool) {
	if a == b {
		return 0, true
	}
	ai, aerr := strconv.ParseUint(a, 10, 64)
	bi, berr := strconv.ParseUint(b, 10, 64)
	if aerr == nil && berr == nil {
		return cmp.Compare(ai, bi), true
	}
	av, bv := canonicalSemver(a), canonicalSemver(b)
	if semver.IsValid(av) && semver.IsValid(bv) {
		return semver.Compare(av, bv), true
	}
	return 0, false
}

// tagNewer reports whether candidate is strictly newer than current.
// Equal and incomparable tags are never newer.
func tagNewer(candidate, current string) bool {
	c, ok := compareTags(candidate, current)
	return ok && c > 0
}

func canonicalSemver(tag string) string {
	if tag == "" || strings.HasPrefix(tag, "v") {
		return tag
	}
	return "v" + tag
}

// safeTag reports whether tag can be embedded in a cache file name without
// leaving the cache directory.
func safeTag(tag string) bool {
	return !strings.ContainsAny(tag, "/\\\x00") && !strings.Contains(tag, "..")
}
