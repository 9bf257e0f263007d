// Copyright 2026 The Pkgenv Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pkgenv

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pkgenv/pkgenv/pkgdb"
	"github.com/pkgenv/pkgenv/versions"
)

// fakePkg is one row of an in-memory package universe. Entries are kept in
// rank order so the fake can return the first match.
type fakePkg struct {
	id      pkgdb.RowID
	pname   string
	version string
	path    []string // absolute: subtree, system, rest...
}

// fakeIndex implements IndexReader over a slice of fakePkgs.
type fakeIndex struct {
	fingerprint string
	url         string
	pkgs        []fakePkg
}

func (f *fakeIndex) Fingerprint() string { return f.fingerprint }

func (f *fakeIndex) LockedRef() pkgdb.LockedRef {
	return pkgdb.LockedRef{String: f.url}
}

func (f *fakeIndex) Search(query *pkgdb.Query) ([]pkgdb.RowID, error) {
	if err := query.Validate(); err != nil {
		return nil, err
	}
	var matched []fakePkg
	for _, pkg := range f.pkgs {
		if !systemListed(query.Systems, pkgdb.System(pkg.path[1])) {
			continue
		}
		if query.PnameOrAttrName != "" &&
			query.PnameOrAttrName != pkg.pname &&
			query.PnameOrAttrName != pkg.path[len(pkg.path)-1] {
			continue
		}
		if query.Version != "" && query.Version != pkg.version {
			continue
		}
		if len(query.Subtrees) > 0 && query.Subtrees[0] != pkgdb.Subtree(pkg.path[0]) {
			continue
		}
		if query.RelPath != nil &&
			strings.Join(query.RelPath, ".") != strings.Join(pkg.path[2:], ".") {
			continue
		}
		matched = append(matched, pkg)
	}
	if query.Range != "" {
		var vs []string
		for _, pkg := range matched {
			vs = append(vs, pkg.version)
		}
		keep := map[string]bool{}
		for _, v := range versions.SemverSat(query.Range, vs) {
			keep[v] = true
		}
		var filtered []fakePkg
		for _, pkg := range matched {
			if keep[pkg.version] {
				filtered = append(filtered, pkg)
			}
		}
		matched = filtered
	}
	var ids []pkgdb.RowID
	for _, pkg := range matched {
		ids = append(ids, pkg.id)
	}
	return ids, nil
}

func (f *fakeIndex) Package(row pkgdb.RowID) (*pkgdb.PackageInfo, error) {
	for _, pkg := range f.pkgs {
		if pkg.id == row {
			return &pkgdb.PackageInfo{
				ID:      pkg.id,
				Pname:   pkg.pname,
				Version: pkg.version,
				Subtree: pkgdb.Subtree(pkg.path[0]),
				System:  pkgdb.System(pkg.path[1]),
				RelPath: pkg.path[2:],
				AbsPath: pkg.path,
			}, nil
		}
	}
	return nil, fmt.Errorf("no such Packages.id %d", row)
}

func systemListed(systems []pkgdb.System, system pkgdb.System) bool {
	for _, s := range systems {
		if s == system {
			return true
		}
	}
	return false
}

// fakeProvider serves fakeIndexes by fingerprint.
type fakeProvider struct {
	indexes map[string]*fakeIndex
}

func (p *fakeProvider) Open(input *LockedInput) (IndexReader, error) {
	idx, ok := p.indexes[input.Fingerprint]
	if !ok {
		return nil, &pkgdb.NoSuchDatabaseError{Path: input.Fingerprint}
	}
	return idx, nil
}

func (p *fakeProvider) Close() error { return nil }

// universe builds a provider plus a registry naming one input per index.
func universe(t *testing.T, inputs map[string][]fakePkg) (*fakeProvider, *Registry) {
	t.Helper()
	provider := &fakeProvider{indexes: map[string]*fakeIndex{}}
	registry := &Registry{Inputs: map[string]RegistryInput{}}
	for name, pkgs := range inputs {
		input := githubInput("rev-" + name)
		locked, err := LockInput(&input)
		require.NoError(t, err)
		provider.indexes[locked.Fingerprint] = &fakeIndex{
			fingerprint: locked.Fingerprint,
			url:         locked.URL,
			pkgs:        pkgs,
		}
		registry.Inputs[name] = input
	}
	return provider, registry
}

func x86Pkg(id pkgdb.RowID, pname, version string) fakePkg {
	return fakePkg{
		id:      id,
		pname:   pname,
		version: version,
		path:    []string{"legacyPackages", "x86_64-linux", pname},
	}
}

func testManifest(t *testing.T, registry *Registry, install string) *Manifest {
	t.Helper()
	raw := fmt.Sprintf(`{
	  "options": { "systems": ["x86_64-linux"] },
	  "install": %s
	}`, install)
	manifest, err := ParseManifest([]byte(raw))
	require.NoError(t, err)
	manifest.raw.Registry = registry
	return manifest
}

func lock(t *testing.T, cfg EnvironmentConfig) *Lockfile {
	t.Helper()
	lockfile, err := LockEnvironment(context.Background(), cfg)
	require.NoError(t, err)
	return lockfile
}

func TestTrivialLock(t *testing.T) {
	provider, registry := universe(t, map[string][]fakePkg{
		"nixpkgs": {x86Pkg(1, "hello", "2.12.1")},
	})
	manifest := testManifest(t, registry, `{ "hello": {} }`)

	lockfile := lock(t, EnvironmentConfig{Manifest: manifest, Provider: provider})

	pkg, ok := lockfile.Package(pkgdb.SystemX86Linux, "hello")
	require.True(t, ok)
	require.NotNil(t, pkg)
	assert.Equal(t, "hello", pkg.AttrPath[len(pkg.AttrPath)-1])
	assert.Equal(t, "hello", pkg.Info.Pname)
	require.NotNil(t, pkg.Info.Version)
	assert.Equal(t, "2.12.1", *pkg.Info.Version)
}

func TestLockReuse(t *testing.T) {
	provider, registry := universe(t, map[string][]fakePkg{
		"nixpkgs": {x86Pkg(1, "hello", "2.12.1")},
	})
	manifest := testManifest(t, registry, `{ "hello": {} }`)
	first := lock(t, EnvironmentConfig{Manifest: manifest, Provider: provider})

	// Bump the universe; a reused lock must keep the old resolution.
	provider2, _ := universe(t, map[string][]fakePkg{
		"nixpkgs": {x86Pkg(1, "hello", "2.13.0")},
	})
	second := lock(t, EnvironmentConfig{
		Manifest:    manifest,
		OldLockfile: first,
		Provider:    provider2,
	})

	firstJSON, err := first.Encode()
	require.NoError(t, err)
	secondJSON, err := second.Encode()
	require.NoError(t, err)
	assert.True(t, bytes.Equal(firstJSON, secondJSON), "expected carried lock to equal prior")
}

func TestUnlockOnDescriptorChange(t *testing.T) {
	provider, registry := universe(t, map[string][]fakePkg{
		"nixpkgs": {x86Pkg(1, "hello", "2.12.1")},
	})
	manifest := testManifest(t, registry, `{ "hello": {} }`)
	first := lock(t, EnvironmentConfig{Manifest: manifest, Provider: provider})

	provider2, _ := universe(t, map[string][]fakePkg{
		"nixpkgs": {x86Pkg(1, "hello", "2.13.0")},
	})
	changed := testManifest(t, registry, `{ "hello": { "version": "^2.12" } }`)
	second := lock(t, EnvironmentConfig{
		Manifest:    changed,
		OldLockfile: first,
		Provider:    provider2,
	})

	pkg, ok := second.Package(pkgdb.SystemX86Linux, "hello")
	require.True(t, ok)
	require.NotNil(t, pkg)
	require.NotNil(t, pkg.Info.Version)
	assert.Equal(t, "2.13.0", *pkg.Info.Version, "changed descriptor must re-resolve")
}

func TestOptionalDescriptorToleratesFailure(t *testing.T) {
	provider, registry := universe(t, map[string][]fakePkg{
		"nixpkgs": {x86Pkg(1, "hello", "2.12.1")},
	})
	manifest := testManifest(t, registry,
		`{ "hello": {}, "ghost": { "optional": true, "name": "definitely-not-a-package" } }`)

	lockfile := lock(t, EnvironmentConfig{Manifest: manifest, Provider: provider})

	pkg, ok := lockfile.Package(pkgdb.SystemX86Linux, "ghost")
	require.True(t, ok, "optional descriptor must be recorded")
	assert.Nil(t, pkg)
}

func TestRequiredDescriptorFailureEnumeratesAttempts(t *testing.T) {
	provider, registry := universe(t, map[string][]fakePkg{
		"nixpkgs": {x86Pkg(1, "hello", "2.12.1")},
		"extra":   {x86Pkg(1, "cowsay", "3.7.0")},
	})
	registry.Priority = []string{"nixpkgs", "extra"}
	manifest := testManifest(t, registry, `{ "ghost": { "name": "no-such-package" } }`)

	_, err := LockEnvironment(context.Background(), EnvironmentConfig{
		Manifest: manifest,
		Provider: provider,
	})
	require.Error(t, err)
	assert.True(t, IsKind(err, ResolutionFailure))
	msg := err.Error()
	// Every (install id, input) attempt shows up in the report.
	assert.Contains(t, msg, "ghost")
	assert.Contains(t, msg, "rev-nixpkgs")
	assert.Contains(t, msg, "rev-extra")
}

func TestUpgradeDirectiveReopensWholeGroup(t *testing.T) {
	provider, registry := universe(t, map[string][]fakePkg{
		"nixpkgs": {x86Pkg(1, "hello", "2.12.1"), x86Pkg(2, "curl", "8.4.0")},
	})
	manifest := testManifest(t, registry, `{ "hello": {}, "curl": {} }`)
	first := lock(t, EnvironmentConfig{Manifest: manifest, Provider: provider})

	provider2, _ := universe(t, map[string][]fakePkg{
		"nixpkgs": {x86Pkg(1, "hello", "2.13.0"), x86Pkg(2, "curl", "8.5.0")},
	})
	second := lock(t, EnvironmentConfig{
		Manifest:    manifest,
		OldLockfile: first,
		Upgrades:    UpgradeSet("hello"),
		Provider:    provider2,
	})

	// hello shares the default bucket with curl, so both re-resolve.
	hello, _ := second.Package(pkgdb.SystemX86Linux, "hello")
	curl, _ := second.Package(pkgdb.SystemX86Linux, "curl")
	require.NotNil(t, hello)
	require.NotNil(t, curl)
	assert.Equal(t, "2.13.0", *hello.Info.Version)
	assert.Equal(t, "8.5.0", *curl.Info.Version)
}

func TestUpgradeAllAndNone(t *testing.T) {
	provider, registry := universe(t, map[string][]fakePkg{
		"nixpkgs": {x86Pkg(1, "hello", "2.12.1")},
	})
	manifest := testManifest(t, registry, `{ "hello": {} }`)
	first := lock(t, EnvironmentConfig{Manifest: manifest, Provider: provider})

	provider2, _ := universe(t, map[string][]fakePkg{
		"nixpkgs": {x86Pkg(1, "hello", "2.13.0")},
	})

	reused := lock(t, EnvironmentConfig{
		Manifest: manifest, OldLockfile: first, Upgrades: UpgradeNone(), Provider: provider2,
	})
	pkg, _ := reused.Package(pkgdb.SystemX86Linux, "hello")
	assert.Equal(t, "2.12.1", *pkg.Info.Version)

	upgraded := lock(t, EnvironmentConfig{
		Manifest: manifest, OldLockfile: first, Upgrades: UpgradeAll(), Provider: provider2,
	})
	pkg, _ = upgraded.Package(pkgdb.SystemX86Linux, "hello")
	assert.Equal(t, "2.13.0", *pkg.Info.Version)
}

func TestGroupResolvesInSingleInput(t *testing.T) {
	// hello lives in both inputs, cowsay only in the second; the group
	// must land in `extra` as a unit.
	provider, registry := universe(t, map[string][]fakePkg{
		"nixpkgs": {x86Pkg(1, "hello", "2.12.1")},
		"extra":   {x86Pkg(1, "hello", "2.12.0"), x86Pkg(2, "cowsay", "3.7.0")},
	})
	registry.Priority = []string{"nixpkgs", "extra"}
	manifest := testManifest(t, registry,
		`{ "hello": { "package-group": "g" }, "cowsay": { "package-group": "g" } }`)

	lockfile := lock(t, EnvironmentConfig{Manifest: manifest, Provider: provider})

	hello, _ := lockfile.Package(pkgdb.SystemX86Linux, "hello")
	cowsay, _ := lockfile.Package(pkgdb.SystemX86Linux, "cowsay")
	require.NotNil(t, hello)
	require.NotNil(t, cowsay)
	assert.Equal(t, hello.Input.Fingerprint, cowsay.Input.Fingerprint)
	assert.Equal(t, "2.12.0", *hello.Info.Version)
}

func TestSystemSkipRecordsNull(t *testing.T) {
	provider, registry := universe(t, map[string][]fakePkg{
		"nixpkgs": {x86Pkg(1, "hello", "2.12.1")},
	})
	raw := `{
	  "options": { "systems": ["x86_64-linux", "aarch64-linux"] },
	  "install": { "hello": { "systems": ["x86_64-linux"] } }
	}`
	manifest, err := ParseManifest([]byte(raw))
	require.NoError(t, err)
	manifest.raw.Registry = registry

	lockfile := lock(t, EnvironmentConfig{Manifest: manifest, Provider: provider})

	pkg, ok := lockfile.Package(pkgdb.SystemAarch64Linux, "hello")
	require.True(t, ok, "skipped system still records an explicit null")
	assert.Nil(t, pkg)
	pkg, _ = lockfile.Package(pkgdb.SystemX86Linux, "hello")
	require.NotNil(t, pkg)
}

func TestDeterminismAndIdempotence(t *testing.T) {
	provider, registry := universe(t, map[string][]fakePkg{
		"nixpkgs": {x86Pkg(1, "hello", "2.12.1"), x86Pkg(2, "curl", "8.4.0")},
	})
	manifest := testManifest(t, registry, `{ "hello": {}, "curl": { "package-group": "net" } }`)

	first := lock(t, EnvironmentConfig{Manifest: manifest, Provider: provider})
	second := lock(t, EnvironmentConfig{Manifest: manifest, Provider: provider})
	firstJSON, _ := first.Encode()
	secondJSON, _ := second.Encode()
	assert.True(t, bytes.Equal(firstJSON, secondJSON), "two runs must agree byte-for-byte")

	// Feeding the output back as the prior lock is a fixed point.
	third := lock(t, EnvironmentConfig{Manifest: manifest, OldLockfile: first, Provider: provider})
	thirdJSON, _ := third.Encode()
	assert.True(t, bytes.Equal(firstJSON, thirdJSON), "lifecycle must be idempotent")
}

func TestPriorityRefreshOnCarryOver(t *testing.T) {
	provider, registry := universe(t, map[string][]fakePkg{
		"nixpkgs": {x86Pkg(1, "hello", "2.12.1")},
	})
	manifest := testManifest(t, registry, `{ "hello": {} }`)
	first := lock(t, EnvironmentConfig{Manifest: manifest, Provider: provider})

	bumped := testManifest(t, registry, `{ "hello": { "priority": 9 } }`)
	second := lock(t, EnvironmentConfig{
		Manifest: bumped, OldLockfile: first, Provider: provider,
	})

	pkg, _ := second.Package(pkgdb.SystemX86Linux, "hello")
	require.NotNil(t, pkg)
	// Priority is not locking-relevant: the pin carries, the priority
	// updates.
	assert.Equal(t, 9, pkg.Priority)
	assert.Equal(t, "2.12.1", *pkg.Info.Version)
}

func TestPreferredInputWinsOverRegistryOrder(t *testing.T) {
	// Prior lock pinned `extra`; nixpkgs is first in registry order but
	// the preferred input must be tried first and win.
	provider, registry := universe(t, map[string][]fakePkg{
		"nixpkgs": {x86Pkg(1, "hello", "2.13.0")},
		"extra":   {x86Pkg(1, "hello", "2.12.1")},
	})
	registry.Priority = []string{"extra", "nixpkgs"}
	manifest := testManifest(t, registry, `{ "hello": {} }`)
	first := lock(t, EnvironmentConfig{Manifest: manifest, Provider: provider})
	hello, _ := first.Package(pkgdb.SystemX86Linux, "hello")
	require.Contains(t, hello.Input.URL, "rev-extra") // pinned to extra by priority

	// Force re-resolution by adding a member to the group; swap registry
	// order so nixpkgs comes first. The group input from the old lock is
	// preferred.
	registry2 := registry.Clone()
	registry2.Priority = []string{"nixpkgs", "extra"}
	manifest2 := testManifest(t, registry, `{ "hello": {}, "cowsay": { "optional": true } }`)
	manifest2.raw.Registry = registry2

	second := lock(t, EnvironmentConfig{
		Manifest: manifest2, OldLockfile: first, Provider: provider,
	})
	helloAgain, _ := second.Package(pkgdb.SystemX86Linux, "hello")
	require.NotNil(t, helloAgain)
	assert.Equal(t, hello.Input.Fingerprint, helloAgain.Input.Fingerprint,
		"prior pinned input is preferred during fallback")
}
