// Copyright 2026 The Pkgenv Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pkgenv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pkgenv/pkgenv/pkgdb"
)

const manifestJSON = `{
  "options": { "systems": ["x86_64-linux", "aarch64-linux"] },
  "install": {
    "hello": {},
    "curl": { "package-group": "net" },
    "wget": { "package-group": "net" },
    "ripgrep": { "name": "ripgrep", "systems": ["x86_64-linux"] }
  },
  "registry": {
    "inputs": {
      "nixpkgs": { "from": { "type": "github", "owner": "NixOS", "repo": "nixpkgs", "rev": "ab12cd" } }
    },
    "priority": ["nixpkgs"]
  },
  "vars": { "EDITOR": "vim" },
  "profile": { "common": "echo hi" },
  "hook": { "on-activate": "true" }
}`

func TestParseManifest(t *testing.T) {
	manifest, err := ParseManifest([]byte(manifestJSON))
	require.NoError(t, err)

	assert.Equal(t,
		[]pkgdb.System{pkgdb.SystemX86Linux, pkgdb.SystemAarch64Linux},
		manifest.Systems())
	assert.Equal(t, []string{"hello", "curl", "wget", "ripgrep"}, manifest.InstallIDs())

	desc, ok := manifest.Descriptor("hello")
	require.True(t, ok)
	// The install id doubles as the name when nothing else is given.
	assert.Equal(t, "hello", desc.Name)
	assert.Equal(t, DefaultPriority, desc.Priority)
}

func TestManifestGroups(t *testing.T) {
	manifest, err := ParseManifest([]byte(manifestJSON))
	require.NoError(t, err)

	groups := manifest.Groups()
	require.Len(t, groups, 2)
	// Buckets are ordered by first appearance; descriptors without a
	// group share the default bucket.
	assert.Equal(t, "", groups[0].Name)
	assert.Equal(t, []string{"hello", "ripgrep"}, groups[0].IDs)
	assert.Equal(t, "net", groups[1].Name)
	assert.Equal(t, []string{"curl", "wget"}, groups[1].IDs)
}

func TestManifestRejectsUnknownKeys(t *testing.T) {
	_, err := ParseManifest([]byte(`{"packages": {}}`))
	require.Error(t, err)
	assert.True(t, IsKind(err, InvalidManifestFile))
}

func TestManifestHookExclusivity(t *testing.T) {
	_, err := ParseManifest([]byte(`{"hook": {"on-activate": "a", "script": "b"}}`))
	require.Error(t, err)
	assert.True(t, IsKind(err, InvalidManifestFile))
}

func TestManifestRejectsIndirectInput(t *testing.T) {
	_, err := ParseManifest([]byte(`{
	  "registry": { "inputs": { "nixpkgs": { "from": "nixpkgs" } } }
	}`))
	require.Error(t, err)
	assert.True(t, IsKind(err, InvalidRegistry))
}

func TestManifestSystemsSubset(t *testing.T) {
	_, err := ParseManifest([]byte(`{
	  "options": { "systems": ["x86_64-linux"] },
	  "install": { "hello": { "systems": ["aarch64-darwin"] } }
	}`))
	require.Error(t, err)
	assert.True(t, IsKind(err, InvalidManifestDescriptor))
}

func TestManifestEmptySystems(t *testing.T) {
	_, err := ParseManifest([]byte(`{"options": {"systems": []}}`))
	require.Error(t, err)
}

func TestOptionsMergeAndQuery(t *testing.T) {
	base := &Options{
		Systems: []pkgdb.System{pkgdb.SystemX86Linux},
		Allow:   &Allows{Unfree: boolPtr(false)},
	}
	base.Merge(&Options{
		Allow:  &Allows{Broken: boolPtr(true)},
		Semver: &SemverOptions{PreferPreReleases: boolPtr(true)},
	})

	// Merging retains settings the override leaves unset.
	require.NotNil(t, base.Allow.Unfree)
	assert.False(t, *base.Allow.Unfree)
	require.NotNil(t, base.Allow.Broken)
	assert.True(t, *base.Allow.Broken)

	query := &pkgdb.Query{}
	base.FillQuery(query)
	assert.False(t, query.AllowUnfree)
	assert.True(t, query.AllowBroken)
	assert.True(t, query.PreferPreReleases)
}

func TestTOMLManifest(t *testing.T) {
	jsonData, err := TOMLToJSON([]byte(`
[install.hello]

[options]
systems = ["x86_64-linux"]
`))
	require.NoError(t, err)
	manifest, err := ParseManifest(jsonData)
	require.NoError(t, err)
	_, ok := manifest.Descriptor("hello")
	assert.True(t, ok)
}

func TestYAMLManifest(t *testing.T) {
	jsonData, err := YAMLToJSON([]byte(`
install:
  hello: {}
options:
  systems: [x86_64-linux]
`))
	require.NoError(t, err)
	manifest, err := ParseManifest(jsonData)
	require.NoError(t, err)
	_, ok := manifest.Descriptor("hello")
	assert.True(t, ok)
}

func boolPtr(b bool) *bool { return &b }
