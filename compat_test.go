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

func TestLoadBuilderV1Catalog(t *testing.T) {
	data := []byte(`{
	  "lockfile-version": 1,
	  "manifest": { "vars": { "EDITOR": "vim" } },
	  "packages": [
	    {
	      "install_id": "hello",
	      "system": "x86_64-linux",
	      "attr_path": "hello",
	      "priority": 5,
	      "locked_url": "https://github.com/NixOS/nixpkgs?rev=ab12cd"
	    }
	  ]
	}`)
	out, err := LoadBuilderLockfile(data)
	require.NoError(t, err)
	require.Len(t, out.Packages, 1)
	pkg := out.Packages[0]

	// Catalog attr paths gain the subtree and system prefix.
	assert.Equal(t, []string{"legacyPackages", "x86_64-linux", "hello"}, pkg.AttrPath)
	// The input is wrapped, carrying only the commit revision.
	assert.Equal(t, "wrapped-nixpkgs:v0/ab12cd", pkg.Input.URL)
	assert.Equal(t, "ab12cd", pkg.Input.Attrs["rev"])
	assert.Equal(t, "vim", out.Vars["EDITOR"])
}

func TestLoadBuilderV1Flake(t *testing.T) {
	data := []byte(`{
	  "lockfile-version": 1,
	  "manifest": {},
	  "packages": [
	    {
	      "install_id": "tool",
	      "system": "aarch64-darwin",
	      "priority": 3,
	      "locked_url": "github:example/tool/ff00ff",
	      "locked-flake-attr-path": "packages.aarch64-darwin.default"
	    }
	  ]
	}`)
	out, err := LoadBuilderLockfile(data)
	require.NoError(t, err)
	require.Len(t, out.Packages, 1)
	pkg := out.Packages[0]
	assert.Equal(t, []string{"packages", "aarch64-darwin", "default"}, pkg.AttrPath)
	assert.Equal(t, "github:example/tool/ff00ff", pkg.Input.URL)
	assert.Equal(t, 3, pkg.Priority)
}

func TestLoadBuilderV1URLAllowlist(t *testing.T) {
	reject := func(url string) {
		t.Helper()
		data := []byte(`{
		  "lockfile-version": 1,
		  "manifest": {},
		  "packages": [
		    { "install_id": "x", "system": "x86_64-linux", "attr_path": "x",
		      "priority": 5, "locked_url": "` + url + `" }
		  ]
		}`)
		_, err := LoadBuilderLockfile(data)
		require.Error(t, err, "expected %s to be rejected", url)
		assert.True(t, IsKind(err, InvalidLockfile))
	}
	reject("https://example.com/nixpkgs?rev=ab12cd")
	reject("https://github.com/NixOS/nixpkgs?rev=ab12cd&dir=sub")
}

func TestLoadBuilderV0(t *testing.T) {
	raw := LockfileRaw{
		LockfileVersion: 0,
		Manifest:        groupedManifestRaw(t),
		Registry: Registry{
			Inputs: map[string]RegistryInput{"nixpkgs": githubInput("ab12cd")},
		},
		Packages: map[pkgdb.System]SystemPackages{
			pkgdb.SystemX86Linux: {
				"a": lockedPackageFor(t, "nixpkgs", "ab12cd", "a"),
				"b": nil,
			},
		},
	}
	lockfile, err := NewLockfile(raw)
	require.NoError(t, err)
	encoded, err := lockfile.Encode()
	require.NoError(t, err)

	out, err := LoadBuilderLockfile(encoded)
	require.NoError(t, err)
	// Null entries never reach the builder.
	require.Len(t, out.Packages, 1)
	assert.Equal(t, "a", out.Packages[0].InstallID)
	assert.Equal(t, "wrapped-nixpkgs:v0/ab12cd", out.Packages[0].Input.URL)
}

func TestLoadBuilderUnknownVersion(t *testing.T) {
	_, err := LoadBuilderLockfile([]byte(`{"lockfile-version": 9}`))
	require.Error(t, err)
	assert.True(t, IsKind(err, InvalidLockfile))
}
