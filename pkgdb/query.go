// Copyright 2026 The Pkgenv Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pkgdb

import (
	"encoding/json"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/pkg/errors"

	"github.com/pkgenv/pkgenv/versions"
)

// Query collects the parameters used to look up packages in an index.
//
// Most filtering and all ordering happens in a single SQL statement; semver
// range satisfaction is post-processed because SQL cannot evaluate ranges.
type Query struct {
	// Name filters by exact full name.
	Name string
	// Pname filters by exact pname.
	Pname string
	// Version filters by exact version string.
	Version string
	// Range filters by a semantic version range.
	Range string

	// PartialMatch filters by substring against pname, attr name, or
	// description.
	PartialMatch string
	// PartialNameMatch filters by substring against pname or attr name.
	PartialNameMatch string
	// PnameOrAttrName filters by exact match on either pname or attr name.
	PnameOrAttrName string

	// Licenses admits only packages explicitly carrying one of the given
	// SPDX ids.
	Licenses []string

	AllowBroken       bool
	AllowUnfree       bool
	PreferPreReleases bool

	// Subtrees to search, in preference order.
	Subtrees []Subtree
	// Systems to search, in preference order. Empty means the current
	// host system.
	Systems []System

	// RelPath filters by exact relative attribute path.
	RelPath []string

	// exportedColumns is only widened by unit tests.
	exportedColumns []string
}

// InvalidQueryError reports query parameters that cannot be combined.
type InvalidQueryError struct {
	Reason string
}

func (e *InvalidQueryError) Error() string {
	return "invalid package query argument: " + e.Reason
}

// Validate sanity checks the parameter combination. It runs before any SQL
// is assembled or executed.
func (q *Query) Validate() error {
	if q.Name != "" && (q.Pname != "" || q.Version != "" || q.Range != "") {
		return &InvalidQueryError{
			Reason: "queries may not mix `name' with any of `pname', `version', or `range'",
		}
	}
	if q.Version != "" && q.Range != "" {
		return &InvalidQueryError{Reason: "queries may not mix `version' and `range'"}
	}
	if q.PartialMatch != "" && q.PartialNameMatch != "" {
		return &InvalidQueryError{
			Reason: "`partialMatch' and `partialNameMatch' filters may not be used together",
		}
	}
	for _, license := range q.Licenses {
		if strings.ContainsRune(license, '\'') {
			return &InvalidQueryError{Reason: fmt.Sprintf("license contains illegal character \"'\": %s", license)}
		}
	}
	for _, system := range q.Systems {
		if !IsSupportedSystem(system) {
			return &InvalidQueryError{Reason: fmt.Sprintf("unrecognized or unsupported system: %s", system)}
		}
	}
	return nil
}

// rankCase builds an iif() chain assigning each value its index in the
// requested list, with len(list) for everything else.
func rankCase(column string, values []string, alias string) string {
	var sb strings.Builder
	for idx, value := range values {
		fmt.Fprintf(&sb, "iif( ( %s = '%s' ), %d, ", column, value, idx)
	}
	fmt.Fprintf(&sb, "%d", len(values))
	sb.WriteString(strings.Repeat(" )", len(values)))
	fmt.Fprintf(&sb, " AS %s", alias)
	return sb.String()
}

func quoteIn(column string, values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = "'" + v + "'"
	}
	return fmt.Sprintf("%s IN ( %s )", column, strings.Join(quoted, ", "))
}

// build assembles the SQL statement and its bound arguments. Inner
// selections always include every ranking column so the ORDER BY block has
// stable inputs whether or not the corresponding filter was active; an
// inactive filter contributes a constant placeholder.
func (q *Query) build() (string, []interface{}, error) {
	if err := q.Validate(); err != nil {
		return "", nil, err
	}

	systems := q.Systems
	if len(systems) == 0 {
		systems = []System{CurrentSystem()}
	}

	inner := sq.Select("*")

	// Exact matching on `pname' or `attrName'.
	if q.PnameOrAttrName != "" {
		inner = inner.
			Column("( ? = pname ) AS exactPname", q.PnameOrAttrName).
			Column("( ? = attrName ) AS exactAttrName", q.PnameOrAttrName).
			Where("( exactPname OR exactAttrName )")
	} else {
		inner = inner.
			Column("NULL AS exactPname").
			Column("NULL AS exactAttrName")
	}

	// Partial matching on names and, for PartialMatch, descriptions.
	partial := q.PartialMatch
	namesOnly := false
	if q.PartialNameMatch != "" {
		partial = q.PartialNameMatch
		namesOnly = true
	}
	if partial != "" {
		// The bound value carries `%' for LIKE, so exact hits compare the
		// wrapped column against it.
		like := "%" + partial + "%"
		inner = inner.
			Column("( ( '%' || LOWER( pname ) || '%' ) = LOWER( ? ) ) AS matchExactPname", like).
			Column("( ( '%' || LOWER( attrName ) || '%' ) = LOWER( ? ) ) AS matchExactAttrName", like).
			Column("( pname LIKE ? ) AS matchPartialPname", like).
			Column("( attrName LIKE ? ) AS matchPartialAttrName", like)
		if namesOnly {
			inner = inner.
				Column("NULL AS matchPartialDescription").
				Where("( matchExactPname OR matchExactAttrName OR matchPartialPname OR matchPartialAttrName )")
		} else {
			inner = inner.
				Column("( description LIKE ? ) AS matchPartialDescription", like).
				Where("( matchExactPname OR matchExactAttrName OR matchPartialPname OR matchPartialAttrName OR matchPartialDescription )")
		}
	} else {
		inner = inner.
			Column("NULL AS matchExactPname").
			Column("NULL AS matchExactAttrName").
			Column("NULL AS matchPartialPname").
			Column("NULL AS matchPartialAttrName").
			Column("NULL AS matchPartialDescription")
	}

	if q.Name != "" {
		inner = inner.Where("name = ?", q.Name)
	}
	if q.Pname != "" {
		inner = inner.Where("pname = ?", q.Pname)
	}
	if q.Version != "" {
		inner = inner.Where("version = ?", q.Version)
	} else if q.Range != "" {
		inner = inner.Where("semver IS NOT NULL")
	}

	if len(q.Licenses) > 0 {
		inner = inner.Where("license IS NOT NULL")
		inner = inner.Where(quoteIn("license", q.Licenses))
	}
	if !q.AllowBroken {
		inner = inner.Where("( ( broken IS NULL ) OR ( broken = FALSE ) )")
	}
	if !q.AllowUnfree {
		inner = inner.Where("( ( unfree IS NULL ) OR ( unfree = FALSE ) )")
	}
	if q.RelPath != nil {
		relPath, err := json.Marshal(q.RelPath)
		if err != nil {
			return "", nil, errors.Wrap(err, "encoding relPath filter")
		}
		inner = inner.Where("relPath = ?", string(relPath))
	}

	// Subtree filtering and ranking.
	if len(q.Subtrees) > 0 {
		subtrees := make([]string, len(q.Subtrees))
		for i, subtree := range q.Subtrees {
			subtrees[i] = string(subtree)
		}
		inner = inner.Where(quoteIn("subtree", subtrees))
		if len(subtrees) > 1 {
			inner = inner.Column(rankCase("subtree", subtrees, "subtreesRank"))
		} else {
			inner = inner.Column("0 AS subtreesRank")
		}
	} else {
		inner = inner.Column("0 AS subtreesRank")
	}

	// System filtering and ranking.
	{
		strs := make([]string, len(systems))
		for i, system := range systems {
			strs[i] = string(system)
		}
		inner = inner.Where(quoteIn("system", strs))
		if len(strs) > 1 {
			inner = inner.Column(rankCase("system", strs, "systemsRank"))
		} else {
			inner = inner.Column("0 AS systemsRank")
		}
	}

	inner = inner.From("v_PackagesSearch").OrderBy(q.orderBy()...)

	exported := q.exportedColumns
	if len(exported) == 0 {
		exported = []string{"id", "semver"}
	}
	outer := sq.Select(exported...).FromSelect(inner, "ranked")
	return outer.ToSql()
}

// orderBy returns the full ordering policy, top priority first.
func (q *Query) orderBy() []string {
	orders := []string{
		"exactPname DESC",
		"matchExactPname DESC",
		"exactAttrName DESC",
		"matchExactAttrName DESC",
		"depth ASC",
		"matchPartialPname DESC",
		"matchPartialAttrName DESC",
		"matchPartialDescription DESC",
		"subtreesRank ASC",
		"systemsRank ASC",
		"pname ASC",
		"versionType ASC",
	}
	if q.PreferPreReleases {
		orders = append(orders,
			"major DESC NULLS LAST",
			"minor DESC NULLS LAST",
			"patch DESC NULLS LAST",
			"preTag DESC NULLS FIRST",
		)
	} else {
		orders = append(orders,
			"preTag DESC NULLS FIRST",
			"major DESC NULLS LAST",
			"minor DESC NULLS LAST",
			"patch DESC NULLS LAST",
		)
	}
	return append(orders,
		"versionDate DESC NULLS LAST",
		// Lexicographic as a fallback for misc. versions.
		"version ASC NULLS LAST",
		"brokenRank ASC",
		"unfreeRank ASC",
		"attrName ASC",
	)
}

// rangeNoops lists ranges every version satisfies, letting the post-filter
// skip the evaluator entirely.
var rangeNoops = map[string]bool{
	"": true, "*": true, "any": true, "^*": true, "~*": true, "x": true, "X": true,
}

// filterSemvers returns the set of versions that satisfy the requested
// range; Execute applies it while walking rows in SQL order.
func (q *Query) filterSemvers(versionsIn []string) map[string]bool {
	satisfied := make(map[string]bool, len(versionsIn))
	if rangeNoops[q.Range] {
		for _, version := range versionsIn {
			satisfied[version] = true
		}
		return satisfied
	}
	for _, version := range versions.SemverSat(q.Range, versionsIn) {
		satisfied[version] = true
	}
	return satisfied
}

// Execute runs the query against an index and returns matching row ids in
// rank order.
func (q *Query) Execute(idx *Index) ([]RowID, error) {
	stmt, args, err := q.build()
	if err != nil {
		return nil, err
	}
	idx.logger.Debug("executing package query", "stmt", stmt)

	rows, err := idx.db.Queryx(stmt, args...)
	if err != nil {
		return nil, errors.Wrap(err, "executing package query")
	}
	defer rows.Close()

	// Without a range there is no post-processing to do.
	if q.Range == "" {
		var ids []RowID
		for rows.Next() {
			var id RowID
			var semver interface{}
			if err := rows.Scan(&id, &semver); err != nil {
				return nil, errors.Wrap(err, "scanning package query result")
			}
			ids = append(ids, id)
		}
		return ids, rows.Err()
	}

	// Collect (id, version) pairs in SQL order, then keep those whose
	// version satisfies the range.
	type idVersion struct {
		id      RowID
		version string
	}
	var pairs []idVersion
	var unique []string
	seen := map[string]bool{}
	for rows.Next() {
		var id RowID
		var version string
		if err := rows.Scan(&id, &version); err != nil {
			return nil, errors.Wrap(err, "scanning package query result")
		}
		pairs = append(pairs, idVersion{id: id, version: version})
		if !seen[version] {
			seen[version] = true
			unique = append(unique, version)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "reading package query results")
	}

	satisfied := q.filterSemvers(unique)
	var ids []RowID
	for _, pair := range pairs {
		if satisfied[pair.version] {
			ids = append(ids, pair.id)
		}
	}
	return ids, nil
}
