// Copyright 2026 The Pkgenv Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pkgdb

import (
	"github.com/armon/go-radix"

	"github.com/pkgenv/pkgenv/internal/attrpath"
)

// Typed wrapper around a radix tree, keyed by joined attribute paths. Lets
// us avoid type asserting at every lookup site, and gives prefix semantics
// for free: a parent attr set marked done transitively completes its
// descendants, which is exactly a longest-prefix match.

type attrSetRecord struct {
	id   RowID
	done bool
}

type attrSetTrie struct {
	t *radix.Tree
}

func newAttrSetTrie() attrSetTrie {
	return attrSetTrie{t: radix.New()}
}

// Get is used to look up a specific path, returning the record and whether
// it was found.
func (t attrSetTrie) Get(path []string) (attrSetRecord, bool) {
	if v, has := t.t.Get(attrpath.Join(path)); has {
		return v.(attrSetRecord), true
	}
	return attrSetRecord{}, false
}

// Insert adds or updates the record for a path.
func (t attrSetTrie) Insert(path []string, rec attrSetRecord) {
	t.t.Insert(attrpath.Join(path), rec)
}

// DonePrefix reports whether any prefix of path ( including path itself )
// is recorded as completely scraped.
func (t attrSetTrie) DonePrefix(path []string) bool {
	key := attrpath.Join(path)
	for {
		prefix, v, has := t.t.LongestPrefix(key)
		if !has {
			return false
		}
		if v.(attrSetRecord).done {
			// The radix prefix must end on a segment boundary to be a
			// real ancestor.
			if len(prefix) == len(key) || key[len(prefix)] == '.' {
				return true
			}
		}
		if len(prefix) == 0 {
			return false
		}
		key = key[:len(prefix)-1]
	}
}
