// Copyright 2026 The Pkgenv Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package versions performs version number analysis, especially semantic
// version processing.
//
// Three disjoint classifications are recognized, tested in order: strict
// semver, datestamp-like, and coercible-to-semver. A string matching none of
// them is treated by callers as an opaque exact-match version.
package versions

import (
	"regexp"
	"strings"

	semver "github.com/Masterminds/semver/v3"
)

// Matches semantic version strings, e.g. `4.2.0-pre`.
const semverREStr = `(0|[1-9][0-9]*)\.(0|[1-9][0-9]*)\.(0|[1-9][0-9]*)(-[-[:alnum:]_+.]+)?`

// Matches loose versions which may omit trailing 0s.
const semverLooseREStr = `(0|[1-9][0-9]*)(\.(0|[1-9][0-9]*)(\.(0|[1-9][0-9]*))?)?(-[-[:alnum:]_+.]+)?`

// Coercively matches semantic version strings, e.g. `v1.0-pre` or `foo@1.2`.
const semverCoerceREStr = `(.*@)?[vV]?(0*([0-9]+)(\.0*([0-9]+)(\.0*([0-9]+))?)?(-[-[:alnum:]_+.]+)?)`

// Matches `-` separated date strings, e.g. `2023-05-31` or `5-1-2023`,
// with an optional trailing tag.
const dateREStr = `([12][0-9][0-9][0-9]-[0-1]?[0-9]-[0-3]?[0-9]|` + /* Y-M-D */
	`[0-1]?[0-9]-[0-3]?[0-9]-[12][0-9][0-9][0-9])` + /* M-D-Y */
	`(-[-[:alnum:]_+.]+)?`

var (
	semverRE       = regexp.MustCompile(`^` + semverREStr + `$`)
	semverCoerceRE = regexp.MustCompile(`^` + semverCoerceREStr + `$`)
	dateRE         = regexp.MustCompile(`^` + dateREStr + `$`)
	semverRangeRE  = regexp.MustCompile(`^\s*([~^><=]|>=|<=)?\s*` + semverLooseREStr + `.*$`)
	globRangeRE    = regexp.MustCompile(`^\s*(\*|any|latest)?\s*$`)

	// Matches `~<VERSION>-<TAG>` ranges, which request pre-release ordering.
	preTagRangeRE = regexp.MustCompile(`^~[^ ]+-.*$`)
)

// IsSemver reports whether version is a strict semantic version string.
func IsSemver(version string) bool {
	return semverRE.MatchString(version)
}

// IsDate reports whether version is a datestamp-like version string.
func IsDate(version string) bool {
	return dateRE.MatchString(version)
}

// IsCoercibleToSemver reports whether version can be interpreted as a
// semantic version. Date-like strings are never coercible.
func IsCoercibleToSemver(version string) bool {
	return !dateRE.MatchString(version) && semverCoerceRE.MatchString(version)
}

// IsSemverRange reports whether version looks like a semantic version range.
//
// This is a best-effort detection rather than a full range parse: it checks
// that the first token is a valid range modifier + loose version, a
// `4.2.0 - 5.3.1` style range, or one of the special tokens `*`, `any`,
// `latest`, or the empty string ( aligning with `node-semver` ). Exact
// version matches such as `4.2.0` also count as ranges.
func IsSemverRange(version string) bool {
	return semverRangeRE.MatchString(version) ||
		globRangeRE.MatchString(version) ||
		strings.Contains(version, " - ")
}

// WantsPreReleases reports whether a range of the form `~<VERSION>-<TAG>`
// requests pre-release versions to be ordered before releases.
func WantsPreReleases(rng string) bool {
	return preTagRangeRE.MatchString(rng)
}

// CoerceSemver attempts to coerce strings such as `v1.0.2` or `1.0` to valid
// semantic version strings, padding missing components with `0`. It reports
// false if version cannot be interpreted as a semantic version; date-like
// strings are always rejected.
func CoerceSemver(version string) (string, bool) {
	// Already a proper semver, nothing to do.
	if semverRE.MatchString(version) {
		return version, true
	}

	if dateRE.MatchString(version) {
		return "", false
	}
	match := semverCoerceRE.FindStringSubmatch(version)
	if match == nil {
		return "", false
	}

	// Capture group examples for `foo@v1.02.0-pre`:
	//   [1]: foo@  [3]: 1  [5]: 2  [7]: 0  [8]: -pre
	var sb strings.Builder
	sb.WriteString(match[3])
	sb.WriteByte('.')
	if match[5] == "" {
		sb.WriteByte('0')
	} else {
		sb.WriteString(match[5])
	}
	sb.WriteByte('.')
	if match[7] == "" {
		sb.WriteByte('0')
	} else {
		sb.WriteString(match[7])
	}
	sb.WriteString(match[8])
	return sb.String(), true
}

// CleanRange strips `*`, `x`, and `X` glob tokens from a range so that the
// range parser accepts forms such as `18.x`. A `.` left dangling before a
// dropped token is removed as well. Separators between range clauses
// ( space, `,`, `&`, `|` ) are preserved.
func CleanRange(rng string) string {
	var sb strings.Builder
	sb.Grow(len(rng))
	for idx := 0; idx < len(rng); idx++ {
		chr := rng[idx]
		if chr != '*' && chr != 'x' && chr != 'X' {
			sb.WriteByte(chr)
			continue
		}
		// Handle `18.x` by also dropping the trailing `.`.
		cur := sb.String()
		if strings.HasSuffix(cur, ".") {
			sb.Reset()
			sb.WriteString(cur[:len(cur)-1])
		}
		for idx < len(rng) && rng[idx] != ' ' && rng[idx] != ',' &&
			rng[idx] != '&' && rng[idx] != '|' {
			idx++
		}
		if idx < len(rng) {
			sb.WriteByte(rng[idx])
		}
	}
	return sb.String()
}

// SemverSat filters a list of versions by a semantic version range,
// preserving the input order. Versions which fail to parse even loosely are
// dropped. Pre-release versions are considered for satisfaction the way
// `node-semver --include-prerelease` treats them.
//
// An unparsable range yields an empty list rather than an error; callers
// distinguish "no matches" from "bad range" before reaching this point.
func SemverSat(rng string, versions []string) []string {
	constraint, err := semver.NewConstraint(CleanRange(rng))
	if err != nil {
		return nil
	}
	var rsl []string
	for _, version := range versions {
		ver, err := semver.NewVersion(version)
		if err != nil {
			continue
		}
		if constraint.Check(ver) {
			rsl = append(rsl, version)
			continue
		}
		// Masterminds excludes pre-releases from non-prerelease ranges;
		// node-semver with `--include-prerelease` does not. Retry against
		// the release the tag is cut from.
		if ver.Prerelease() != "" {
			if bare, err := ver.SetPrerelease(""); err == nil && constraint.Check(&bare) {
				rsl = append(rsl, version)
			}
		}
	}
	return rsl
}
