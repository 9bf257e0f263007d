// Copyright 2026 The Pkgenv Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pkgdb reads fingerprint-keyed SQLite package indexes and runs
// ranked package queries against them.
//
// An index file caches the fully enumerated package universe of a single
// locked upstream snapshot. The scraper which populates indexes lives
// elsewhere; this package only ever opens them read-only.
package pkgdb

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jmoiron/sqlx"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// A scraper may hold the database lock for a while; keep single retries
// short to stay responsive but allow many of them so a slow scrape isn't
// cut off early.
const (
	dbRetryPeriod = 100 * time.Millisecond
	dbMaxRetries  = 2500
)

var fingerprintRE = regexp.MustCompile(`^[0-9a-f]{64}$`)

// LockedRef is the pinned upstream snapshot reference an index was
// built from.
type LockedRef struct {
	String string                 `json:"string"`
	Attrs  map[string]interface{} `json:"attrs"`
}

// Index is a read-only handle to one package index.
type Index struct {
	fingerprint string
	path        string
	db          *sqlx.DB
	lockedRef   LockedRef
	attrSets    attrSetTrie
	logger      hclog.Logger
}

// Open opens an existing index file read-only. It never creates one.
//
// Opening fails with NoSuchDatabase when the file does not exist, with
// SchemaMismatch when the on-disk tables schema differs from the compiled
// one, and with a timeout error when the busy-retry budget is exhausted
// while a scraper holds the write lock.
func Open(path string, logger hclog.Logger) (*Index, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if _, err := os.Stat(path); err != nil {
		return nil, &NoSuchDatabaseError{Path: path}
	}
	db, err := sqlx.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, errors.Wrapf(err, "opening index %s", path)
	}
	idx := &Index{
		path:     path,
		db:       db,
		attrSets: newAttrSetTrie(),
		logger:   logger,
	}
	if err := idx.connect(); err != nil {
		db.Close()
		return nil, err
	}
	if err := idx.checkSchema(); err != nil {
		db.Close()
		return nil, err
	}
	if err := idx.loadLockedRef(); err != nil {
		db.Close()
		return nil, err
	}
	logger.Debug("opened package index", "path", path, "fingerprint", idx.fingerprint)
	return idx, nil
}

// Close releases the underlying database handle.
func (idx *Index) Close() error { return idx.db.Close() }

// Path returns the index file location.
func (idx *Index) Path() string { return idx.path }

// Fingerprint returns the hex fingerprint of the snapshot the index
// was built from.
func (idx *Index) Fingerprint() string { return idx.fingerprint }

// LockedRef returns the pinned upstream snapshot reference.
func (idx *Index) LockedRef() LockedRef { return idx.lockedRef }

// NoSuchDatabaseError reports an index file that does not exist.
type NoSuchDatabaseError struct {
	Path string
}

func (e *NoSuchDatabaseError) Error() string {
	return fmt.Sprintf("no such database %q; has the snapshot been scraped?", e.Path)
}

// SchemaMismatchError reports an index whose tables schema does not match
// the compiled version.
type SchemaMismatchError struct {
	Path string
	Got  int
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("index %q has tables schema v%d, expected v%d; re-scrape the snapshot",
		e.Path, e.Got, TablesVersion)
}

// TimedOutError reports exhaustion of the busy-retry budget.
type TimedOutError struct {
	Path string
}

func (e *TimedOutError) Error() string {
	return fmt.Sprintf("timed out waiting for database %q to become available", e.Path)
}

func isBusy(err error) bool {
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) {
		return sqlErr.Code == sqlite3.ErrBusy || sqlErr.Code == sqlite3.ErrLocked
	}
	return false
}

// connect verifies the database accepts reads, waiting out any writer that
// currently holds the lock. Other readers are never blocked.
func (idx *Index) connect() error {
	var one int
	for attempt := 0; ; attempt++ {
		err := idx.db.Get(&one, "SELECT 1")
		if err == nil {
			return nil
		}
		if !isBusy(err) {
			return errors.Wrapf(err, "connecting to index %s", idx.path)
		}
		if attempt >= dbMaxRetries {
			return &TimedOutError{Path: idx.path}
		}
		time.Sleep(dbRetryPeriod)
	}
}

// SchemaVersion returns the tables schema version recorded in the index.
func (idx *Index) SchemaVersion() (int, error) {
	var version string
	err := idx.db.Get(&version,
		"SELECT version FROM DbVersions WHERE name = 'pkgdb_tables_schema'")
	if err != nil {
		return 0, errors.Wrap(err, "reading schema version")
	}
	n, err := strconv.Atoi(version)
	if err != nil {
		return 0, errors.Wrapf(err, "bad schema version %q", version)
	}
	return n, nil
}

func (idx *Index) checkSchema() error {
	got, err := idx.SchemaVersion()
	if err != nil {
		return err
	}
	if got != TablesVersion {
		return &SchemaMismatchError{Path: idx.path, Got: got}
	}
	return nil
}

// loadLockedRef reads the snapshot reference and fingerprint stored in the
// index. When the file's name is a fingerprint, it asserts that the stored
// fingerprint matches it.
func (idx *Index) loadLockedRef() error {
	var row struct {
		Fingerprint string `db:"fingerprint"`
		String      string `db:"string"`
		Attrs       string `db:"attrs"`
	}
	if err := idx.db.Get(&row, "SELECT fingerprint, string, attrs FROM LockedFlake LIMIT 1"); err != nil {
		return errors.Wrap(err, "reading locked snapshot reference")
	}
	idx.fingerprint = row.Fingerprint
	idx.lockedRef.String = row.String
	if err := json.Unmarshal([]byte(row.Attrs), &idx.lockedRef.Attrs); err != nil {
		return errors.Wrap(err, "parsing locked snapshot attrs")
	}

	base := strings.TrimSuffix(filepath.Base(idx.path), ".sqlite")
	if fingerprintRE.MatchString(base) && base != row.Fingerprint {
		return errors.Errorf("index %q fingerprint %q does not match its path",
			idx.path, row.Fingerprint)
	}
	return nil
}

// NoSuchPathError reports an attribute path with a missing segment.
type NoSuchPathError struct {
	Path []string
}

func (e *NoSuchPathError) Error() string {
	return fmt.Sprintf("no such attribute set %q", strings.Join(e.Path, "."))
}

// AttrSetID resolves an attribute path prefix such as
// `packages.x86_64-linux` to its AttrSets row id.
func (idx *Index) AttrSetID(path []string) (RowID, error) {
	if rec, ok := idx.attrSets.Get(path); ok {
		return rec.id, nil
	}
	var row RowID
	for _, part := range path {
		var next struct {
			ID   RowID `db:"id"`
			Done bool  `db:"done"`
		}
		err := idx.db.Get(&next,
			"SELECT id, done FROM AttrSets WHERE ( attrName = ? ) AND ( parent = ? ) LIMIT 1",
			part, row)
		if err == sql.ErrNoRows {
			return 0, &NoSuchPathError{Path: path}
		} else if err != nil {
			return 0, errors.Wrap(err, "walking attribute sets")
		}
		row = next.ID
	}
	idx.attrSets.Insert(path, attrSetRecord{id: row})
	return row, nil
}

// HasAttrSet reports whether the index has an attribute set at path.
func (idx *Index) HasAttrSet(path []string) (bool, error) {
	_, err := idx.AttrSetID(path)
	if err != nil {
		var noSuch *NoSuchPathError
		if errors.As(err, &noSuch) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CompletedAttrSet reports whether scraping has fully populated the subtree
// at path. A parent marked complete transitively completes its descendants.
func (idx *Index) CompletedAttrSet(path []string) (bool, error) {
	if idx.attrSets.DonePrefix(path) {
		return true, nil
	}
	var row RowID
	for i, part := range path {
		var next struct {
			ID   RowID `db:"id"`
			Done bool  `db:"done"`
		}
		err := idx.db.Get(&next,
			"SELECT id, done FROM AttrSets WHERE ( attrName = ? ) AND ( parent = ? ) LIMIT 1",
			part, row)
		if err == sql.ErrNoRows {
			return false, nil
		} else if err != nil {
			return false, errors.Wrap(err, "walking attribute sets")
		}
		if next.Done {
			idx.attrSets.Insert(path[:i+1], attrSetRecord{id: next.ID, done: true})
			return true, nil
		}
		row = next.ID
	}
	return false, nil
}

// AttrSetPath reconstructs the attribute path of an AttrSets row.
func (idx *Index) AttrSetPath(row RowID) ([]string, error) {
	var path []string
	for row != 0 {
		var node struct {
			Parent   RowID  `db:"parent"`
			AttrName string `db:"attrName"`
		}
		err := idx.db.Get(&node,
			"SELECT parent, attrName FROM AttrSets WHERE id = ?", row)
		if err == sql.ErrNoRows {
			return nil, errors.Errorf("no such AttrSets.id %d", row)
		} else if err != nil {
			return nil, errors.Wrap(err, "walking attribute sets")
		}
		path = append([]string{node.AttrName}, path...)
		row = node.Parent
	}
	return path, nil
}

// PackageID resolves a full attribute path to a Packages row id.
func (idx *Index) PackageID(path []string) (RowID, error) {
	if len(path) == 0 {
		return 0, &NoSuchPathError{Path: path}
	}
	parent, err := idx.AttrSetID(path[:len(path)-1])
	if err != nil {
		return 0, err
	}
	var id RowID
	err = idx.db.Get(&id,
		"SELECT id FROM Packages WHERE ( parentId = ? ) AND ( attrName = ? )",
		parent, path[len(path)-1])
	if err == sql.ErrNoRows {
		return 0, &NoSuchPathError{Path: path}
	} else if err != nil {
		return 0, errors.Wrap(err, "looking up package")
	}
	return id, nil
}

// HasPackage reports whether a package exists at the full attribute path.
func (idx *Index) HasPackage(path []string) (bool, error) {
	_, err := idx.PackageID(path)
	if err != nil {
		var noSuch *NoSuchPathError
		if errors.As(err, &noSuch) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// PackagePath reconstructs the full attribute path of a Packages row.
func (idx *Index) PackagePath(row RowID) ([]string, error) {
	var node struct {
		ParentID RowID  `db:"parentId"`
		AttrName string `db:"attrName"`
	}
	err := idx.db.Get(&node,
		"SELECT parentId, attrName FROM Packages WHERE id = ?", row)
	if err == sql.ErrNoRows {
		return nil, errors.Errorf("no such Packages.id %d", row)
	} else if err != nil {
		return nil, errors.Wrap(err, "looking up package")
	}
	path, err := idx.AttrSetPath(node.ParentID)
	if err != nil {
		return nil, err
	}
	return append(path, node.AttrName), nil
}

// Description returns a de-duplicated description string by id. Id 0 is
// the reserved empty description.
func (idx *Index) Description(descriptionID RowID) (string, error) {
	if descriptionID == 0 {
		return "", nil
	}
	var description string
	err := idx.db.Get(&description,
		"SELECT description FROM Descriptions WHERE id = ?", descriptionID)
	if err == sql.ErrNoRows {
		return "", errors.Errorf("no such Descriptions.id %d", descriptionID)
	} else if err != nil {
		return "", errors.Wrap(err, "looking up description")
	}
	return description, nil
}

// Package returns the full metadata of a package row.
func (idx *Index) Package(row RowID) (*PackageInfo, error) {
	var rec struct {
		ID               RowID          `db:"id"`
		AttrName         string         `db:"attrName"`
		Pname            sql.NullString `db:"pname"`
		Version          sql.NullString `db:"version"`
		Semver           sql.NullString `db:"semver"`
		License          sql.NullString `db:"license"`
		Broken           sql.NullBool   `db:"broken"`
		Unfree           sql.NullBool   `db:"unfree"`
		Description      sql.NullString `db:"description"`
		Subtree          string         `db:"subtree"`
		System           string         `db:"system"`
		RelPath          string         `db:"relPath"`
		Outputs          sql.NullString `db:"outputs"`
		OutputsToInstall sql.NullString `db:"outputsToInstall"`
	}
	err := idx.db.Get(&rec, `
SELECT s.id, s.attrName, s.pname, s.version, s.semver, s.license, s.broken
     , s.unfree, s.description, s.subtree, s.system, s.relPath
     , p.outputs, p.outputsToInstall
FROM v_PackagesSearch s JOIN Packages p ON p.id = s.id
WHERE s.id = ?`, row)
	if err == sql.ErrNoRows {
		return nil, errors.Errorf("no such Packages.id %d", row)
	} else if err != nil {
		return nil, errors.Wrap(err, "looking up package")
	}

	info := &PackageInfo{
		ID:       rec.ID,
		AttrName: rec.AttrName,
		Pname:    rec.Pname.String,
		Version:  rec.Version.String,
		Semver:   rec.Semver.String,
		Subtree:  Subtree(rec.Subtree),
		System:   System(rec.System),
	}
	if rec.License.Valid {
		license := rec.License.String
		info.License = &license
	}
	if rec.Broken.Valid {
		broken := rec.Broken.Bool
		info.Broken = &broken
	}
	if rec.Unfree.Valid {
		unfree := rec.Unfree.Bool
		info.Unfree = &unfree
	}
	info.Description = rec.Description.String
	if err := json.Unmarshal([]byte(rec.RelPath), &info.RelPath); err != nil {
		return nil, errors.Wrap(err, "parsing package relPath")
	}
	if rec.Outputs.Valid {
		if err := json.Unmarshal([]byte(rec.Outputs.String), &info.Outputs); err != nil {
			return nil, errors.Wrap(err, "parsing package outputs")
		}
	}
	if rec.OutputsToInstall.Valid {
		if err := json.Unmarshal([]byte(rec.OutputsToInstall.String), &info.OutputsToInstall); err != nil {
			return nil, errors.Wrap(err, "parsing package outputsToInstall")
		}
	}
	info.AbsPath = append([]string{string(info.Subtree), string(info.System)}, info.RelPath...)
	return info, nil
}

// Search runs a ranked package query, returning matching row ids in rank
// order.
func (idx *Index) Search(query *Query) ([]RowID, error) {
	return query.Execute(idx)
}
