// Copyright 2026 The Pkgenv Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pkgenv

import (
	"bytes"
	"encoding/json"

	"github.com/pkgenv/pkgenv/pkgdb"
)

// SearchQuery is the user-facing slice of query parameters accepted by the
// search boundary.
type SearchQuery struct {
	// Match filters by substring against pname, attr name, or
	// description.
	Match *string `json:"match,omitempty"`
	// MatchName filters by substring against pname or attr name.
	MatchName *string `json:"match-name,omitempty"`
	// Name filters by exact pname or attr name.
	Name *string `json:"name,omitempty"`
	// Version filters by exact version; Semver by range.
	Version *string `json:"version,omitempty"`
	Semver  *string `json:"semver,omitempty"`
}

// ParseSearchQuery parses the JSON form, rejecting unknown keys.
func ParseSearchQuery(data []byte) (*SearchQuery, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var query SearchQuery
	if err := dec.Decode(&query); err != nil {
		return nil, WrapError(ParseSearchQueryError, "parsing search query", err)
	}
	if query.Version != nil && query.Semver != nil {
		return nil, NewError(ParseSearchQueryError,
			"queries may not mix `version' and `semver'")
	}
	return &query, nil
}

// SearchParams combines an environment's option context with a search
// query.
type SearchParams struct {
	Global   *Manifest
	Manifest *Manifest
	Query    SearchQuery
}

// FillQuery produces the index query for the search.
func (p *SearchParams) FillQuery(q *pkgdb.Query) {
	options := &Options{}
	if p.Global != nil {
		options.Merge(p.Global.Options())
	}
	if p.Manifest != nil {
		options.Merge(p.Manifest.Options())
	}
	options.FillQuery(q)
	if options.Systems != nil {
		q.Systems = options.Systems
	}

	if p.Query.Match != nil {
		q.PartialMatch = *p.Query.Match
	}
	if p.Query.MatchName != nil {
		q.PartialNameMatch = *p.Query.MatchName
	}
	if p.Query.Name != nil {
		q.PnameOrAttrName = *p.Query.Name
	}
	if p.Query.Version != nil {
		q.Version = *p.Query.Version
	}
	if p.Query.Semver != nil {
		q.Range = *p.Query.Semver
	}
}
