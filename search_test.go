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

func TestParseSearchQuery(t *testing.T) {
	query, err := ParseSearchQuery([]byte(`{"match": "greet", "semver": "^2"}`))
	require.NoError(t, err)
	require.NotNil(t, query.Match)
	assert.Equal(t, "greet", *query.Match)

	_, err = ParseSearchQuery([]byte(`{"match": "greet", "bogus": true}`))
	require.Error(t, err)
	assert.True(t, IsKind(err, ParseSearchQueryError))

	_, err = ParseSearchQuery([]byte(`{"version": "1.0", "semver": "^1"}`))
	require.Error(t, err)
}

func TestSearchParamsFillQuery(t *testing.T) {
	manifest, err := ParseManifest([]byte(`{
	  "options": {
	    "systems": ["aarch64-darwin"],
	    "allow": { "unfree": false }
	  }
	}`))
	require.NoError(t, err)

	searchQuery, err := ParseSearchQuery([]byte(`{"match": "greet"}`))
	require.NoError(t, err)

	params := SearchParams{Manifest: manifest, Query: *searchQuery}
	query := &pkgdb.Query{}
	params.FillQuery(query)

	assert.Equal(t, "greet", query.PartialMatch)
	assert.False(t, query.AllowUnfree)
	assert.Equal(t, []pkgdb.System{pkgdb.SystemAarch64Darwin}, query.Systems)
	require.NoError(t, query.Validate())
}
