// Copyright 2026 The Pkgenv Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pkgdb

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

// SQL schema versions. Bumping TablesVersion invalidates every cached
// index; bumping ViewsVersion only forces view redefinition on the
// scraper's side.
const (
	TablesVersion = 2
	ViewsVersion  = 3
)

// CacheDirEnvVar overrides the directory index files are looked up under.
const CacheDirEnvVar = "PKGENV_CACHEDIR"

// CacheDir returns the directory under which index files live. The
// environment variable PKGENV_CACHEDIR is respected when set; otherwise a
// schema-versioned subdirectory of the platform cache directory is used.
func CacheDir() string {
	if fromEnv := os.Getenv(CacheDirEnvVar); fromEnv != "" {
		return fromEnv
	}
	return filepath.Join(xdg.CacheHome, "pkgenv", fmt.Sprintf("pkgdb-v%d", TablesVersion))
}

// IndexPath derives the on-disk location of the index for a fingerprint.
func IndexPath(fingerprint string, cacheDir string) string {
	if cacheDir == "" {
		cacheDir = CacheDir()
	}
	return filepath.Join(cacheDir, fingerprint+".sqlite")
}

// schemaDDL mirrors the scraper's schema. The read side never issues DDL
// against a real index; tests use it to fabricate small universes.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS DbVersions (
  name     TEXT NOT NULL PRIMARY KEY
, version  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS LockedFlake (
  fingerprint  TEXT NOT NULL PRIMARY KEY
, string       TEXT NOT NULL
, attrs        JSON NOT NULL
);

CREATE TABLE IF NOT EXISTS AttrSets (
  id        INTEGER       PRIMARY KEY
, parent    INTEGER       DEFAULT 0
, attrName  TEXT NOT NULL
, done      BOOL          DEFAULT FALSE
, UNIQUE ( parent, attrName )
);

CREATE TABLE IF NOT EXISTS Descriptions (
  id           INTEGER        PRIMARY KEY
, description  TEXT NOT NULL  UNIQUE
);

CREATE TABLE IF NOT EXISTS Packages (
  id                INTEGER       PRIMARY KEY
, parentId          INTEGER       NOT NULL
, attrName          TEXT          NOT NULL
, name              TEXT          NOT NULL
, pname             TEXT
, version           TEXT
, semver            TEXT
, license           TEXT
, outputs           JSON
, outputsToInstall  JSON
, broken            BOOL
, unfree            BOOL
, descriptionId     INTEGER       DEFAULT 0
, UNIQUE ( parentId, attrName )
);

-- Walks the AttrSets tree once, tagging every node with its subtree,
-- system, relative path, and depth.
CREATE VIEW IF NOT EXISTS v_AttrPaths AS
WITH RECURSIVE tree ( id, subtree, system, relPath, depth ) AS (
  SELECT id, attrName, NULL, json_array(), 0
  FROM AttrSets WHERE parent = 0
  UNION ALL
  SELECT a.id
       , t.subtree
       , iif( t.depth = 0, a.attrName, t.system )
       , iif( t.depth <= 0, t.relPath, json_insert( t.relPath, '$[#]', a.attrName ) )
       , t.depth + 1
  FROM AttrSets a JOIN tree t ON a.parent = t.id
)
SELECT * FROM tree;

-- Splits coerced semver strings into sortable parts.
CREATE VIEW IF NOT EXISTS v_SemverParts AS
SELECT id
     , CAST( substr( core, 1, instr( core, '.' ) - 1 ) AS INTEGER )  AS major
     , CAST( substr( minorPatch, 1, instr( minorPatch, '.' ) - 1 )
             AS INTEGER )  AS minor
     , CAST( substr( minorPatch, instr( minorPatch, '.' ) + 1 )
             AS INTEGER )  AS patch
     , preTag
FROM ( SELECT id
            , core
            , substr( core, instr( core, '.' ) + 1 )  AS minorPatch
            , preTag
       FROM ( SELECT id
                   , iif( instr( semver, '-' ) = 0, semver
                        , substr( semver, 1, instr( semver, '-' ) - 1 ) )  AS core
                   , iif( instr( semver, '-' ) = 0, NULL
                        , substr( semver, instr( semver, '-' ) + 1 ) )  AS preTag
              FROM Packages WHERE semver IS NOT NULL ) );

CREATE VIEW IF NOT EXISTS v_PackagesSearch AS
SELECT
  Packages.id        AS id
, Packages.attrName  AS attrName
, Packages.name      AS name
, Packages.pname     AS pname
, Packages.version   AS version
, Packages.semver    AS semver
, Packages.license   AS license
, Packages.broken    AS broken
, Packages.unfree    AS unfree
, Descriptions.description  AS description
, paths.subtree      AS subtree
, paths.system       AS system
, json_insert( paths.relPath, '$[#]', Packages.attrName )  AS relPath
, paths.depth + 1    AS depth
, iif( Packages.semver IS NOT NULL, 0
     , iif( Packages.version GLOB '[12][0-9][0-9][0-9]-*'
            OR Packages.version GLOB '[0-9]-*-[12][0-9][0-9][0-9]*'
            OR Packages.version GLOB '[0-9][0-9]-*-[12][0-9][0-9][0-9]*'
          , 1
          , iif( Packages.version IS NULL, 3, 2 ) ) )  AS versionType
, parts.major        AS major
, parts.minor        AS minor
, parts.patch        AS patch
, parts.preTag       AS preTag
, iif( Packages.version GLOB '[12][0-9][0-9][0-9]-*', Packages.version, NULL )
    AS versionDate
, iif( Packages.broken IS NULL OR Packages.broken = FALSE, 0, 1 )  AS brokenRank
, iif( Packages.unfree IS NULL OR Packages.unfree = FALSE, 0, 1 )  AS unfreeRank
FROM Packages
LEFT JOIN Descriptions ON Packages.descriptionId = Descriptions.id
LEFT JOIN v_SemverParts AS parts ON parts.id = Packages.id
JOIN v_AttrPaths AS paths ON paths.id = Packages.parentId;
`
