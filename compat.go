// Copyright 2026 The Pkgenv Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pkgenv

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/pkgenv/pkgenv/internal/attrpath"
	"github.com/pkgenv/pkgenv/pkgdb"
)

// The environment builder consumes lockfiles across schema generations.
// The adapters below load legacy forms into one canonical in-memory shape
// so nothing downstream ever sees version differences.

// BuilderPackage is one package entry in the canonical builder-facing
// form.
type BuilderPackage struct {
	System    pkgdb.System
	InstallID string
	Input     LockedInput
	AttrPath  []string
	Priority  int
}

// BuilderLockfile is the subset of a lockfile the environment builder
// needs, normalized across lockfile versions.
type BuilderLockfile struct {
	Vars     map[string]string
	Hook     *Hook
	Profile  *ProfileScripts
	Packages []BuilderPackage
}

// LoadBuilderLockfile dispatches on `lockfile-version`.
func LoadBuilderLockfile(data []byte) (*BuilderLockfile, error) {
	var probe struct {
		LockfileVersion *int `json:"lockfile-version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, WrapError(InvalidLockfile, "parsing lockfile", err)
	}
	if probe.LockfileVersion == nil {
		return nil, NewError(InvalidLockfile, "lockfile is missing `lockfile-version'")
	}
	switch *probe.LockfileVersion {
	case 0:
		return loadBuilderV0(data)
	case 1:
		return loadBuilderV1(data)
	}
	return nil, NewError(InvalidLockfile,
		fmt.Sprintf("unsupported lockfile version %d; only v0 and v1 are supported",
			*probe.LockfileVersion))
}

// loadBuilderV0 reads the canonical lockfile schema directly.
func loadBuilderV0(data []byte) (*BuilderLockfile, error) {
	lockfile, err := ParseLockfile(data)
	if err != nil {
		return nil, err
	}
	raw := lockfile.Raw()
	out := &BuilderLockfile{
		Vars:    raw.Manifest.Vars,
		Hook:    raw.Manifest.Hook,
		Profile: raw.Manifest.Profile,
	}
	for system, systemPackages := range raw.Packages {
		for iid, pkg := range systemPackages {
			if pkg == nil {
				continue
			}
			out.Packages = append(out.Packages, BuilderPackage{
				System:    system,
				InstallID: iid,
				Input:     wrapNixpkgsInput(pkg.Input),
				AttrPath:  pkg.AttrPath,
				Priority:  pkg.Priority,
			})
		}
	}
	return out, nil
}

// allowedHTTPSPrefix is the one HTTPS git host legacy lockfiles may pin.
const allowedHTTPSPrefix = "https://github.com/NixOS/nixpkgs"

// httpsToGithubInput converts URLs of the form
// `https://github.com/NixOS/nixpkgs?rev=XXX` to the structured github
// provider form, preserving `ref` and `rev`. Anything outside the
// allowlist, or carrying attributes beyond url/ref/rev, is rejected.
func httpsToGithubInput(lockedURL string) (LockedInput, error) {
	if !strings.HasPrefix(lockedURL, allowedHTTPSPrefix) {
		return LockedInput{}, NewError(InvalidLockfile,
			fmt.Sprintf("unsupported locked URL %q for v1 lockfile: must begin with %s",
				lockedURL, allowedHTTPSPrefix))
	}
	parsed, err := url.Parse(lockedURL)
	if err != nil {
		return LockedInput{}, WrapError(InvalidLockfile, "parsing locked URL", err)
	}

	attrs := map[string]interface{}{
		"type":  "github",
		"owner": "NixOS",
		"repo":  "nixpkgs",
	}
	rev := ""
	for key, values := range parsed.Query() {
		switch key {
		case "rev":
			attrs["rev"] = values[0]
			rev = values[0]
		case "ref":
			attrs["ref"] = values[0]
		default:
			return LockedInput{}, NewError(InvalidLockfile,
				fmt.Sprintf("unsupported locked URL %q: contains attributes other than 'url', 'ref', and 'rev'",
					lockedURL))
		}
	}

	githubURL := "github:NixOS/nixpkgs"
	if rev != "" {
		githubURL += "/" + rev
	}
	input := LockedInput{URL: githubURL, Attrs: attrs}
	input.Fingerprint = FingerprintInput(input.Spec())
	return input, nil
}

// wrapNixpkgsInput rewrites a github input into the wrapped scheme the
// builder fetches through. Only the commit revision survives into the
// wrapped URL.
func wrapNixpkgsInput(input LockedInput) LockedInput {
	rev, _ := input.Attrs["rev"].(string)
	wrapped := LockedInput{
		URL: "wrapped-nixpkgs:v0/" + rev,
		Attrs: map[string]interface{}{
			"type": "wrapped-nixpkgs",
			"rev":  rev,
		},
	}
	wrapped.Fingerprint = FingerprintInput(wrapped.Spec())
	return wrapped
}

// v1 lockfiles carry a flat package list rather than the per-system map.
type v1Lockfile struct {
	LockfileVersion int `json:"lockfile-version"`
	Manifest        struct {
		Vars    map[string]string `json:"vars,omitempty"`
		Hook    *Hook             `json:"hook,omitempty"`
		Profile *ProfileScripts   `json:"profile,omitempty"`
	} `json:"manifest"`
	Packages []json.RawMessage `json:"packages"`
}

type v1Package struct {
	InstallID          string  `json:"install_id"`
	System             string  `json:"system"`
	AttrPath           string  `json:"attr_path"`
	Priority           int     `json:"priority"`
	LockedURL          string  `json:"locked_url"`
	LockedFlakeAttrPath *string `json:"locked-flake-attr-path"`
}

func loadBuilderV1(data []byte) (*BuilderLockfile, error) {
	var raw v1Lockfile
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, WrapError(InvalidLockfile, "parsing v1 lockfile", err)
	}
	out := &BuilderLockfile{
		Vars:    raw.Manifest.Vars,
		Hook:    raw.Manifest.Hook,
		Profile: raw.Manifest.Profile,
	}
	for idx, encoded := range raw.Packages {
		var pkg v1Package
		if err := json.Unmarshal(encoded, &pkg); err != nil {
			return nil, WrapError(InvalidLockfile,
				fmt.Sprintf("couldn't parse 'packages[%d]'", idx), err)
		}
		if pkg.InstallID == "" {
			return nil, NewError(InvalidLockfile,
				fmt.Sprintf("couldn't parse 'packages[%d].install_id'", idx))
		}
		if pkg.System == "" {
			return nil, NewError(InvalidLockfile,
				fmt.Sprintf("couldn't parse 'packages[%d].system'", idx))
		}

		builderPkg := BuilderPackage{
			System:    pkgdb.System(pkg.System),
			InstallID: pkg.InstallID,
			Priority:  pkg.Priority,
		}
		if pkg.LockedFlakeAttrPath != nil {
			// Flake packages carry a pre-computed locked attribute path.
			builderPkg.AttrPath = attrpath.Split(*pkg.LockedFlakeAttrPath)
			builderPkg.Input = LockedInput{URL: pkg.LockedURL}
			builderPkg.Input.Fingerprint = FingerprintInput(builderPkg.Input.Spec())
		} else {
			// Catalog packages have no subtree/system prefix on their
			// attribute path and always point into the legacy subtree.
			builderPkg.AttrPath = append(
				[]string{string(pkgdb.SubtreeLegacy), pkg.System},
				attrpath.Split(pkg.AttrPath)...)
			github, err := httpsToGithubInput(pkg.LockedURL)
			if err != nil {
				return nil, err
			}
			builderPkg.Input = wrapNixpkgsInput(github)
		}
		out.Packages = append(out.Packages, builderPkg)
	}
	return out, nil
}
