// Copyright 2026 The Pkgenv Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pkgenv

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/pkgenv/pkgenv/pkgdb"
)

// IndexReader is the read surface of one locked input's package index.
// *pkgdb.Index satisfies it; tests substitute in-memory universes.
type IndexReader interface {
	Fingerprint() string
	LockedRef() pkgdb.LockedRef
	Search(query *pkgdb.Query) ([]pkgdb.RowID, error)
	Package(row pkgdb.RowID) (*pkgdb.PackageInfo, error)
}

// IndexProvider opens package indexes for locked inputs. Indexes are
// opened lazily on first use and stay open until Close.
type IndexProvider interface {
	Open(input *LockedInput) (IndexReader, error)
	Close() error
}

// CachedIndexProvider opens fingerprint-keyed index files under a cache
// directory, memoizing handles. Safe for concurrent use by parallel
// bucket resolution.
type CachedIndexProvider struct {
	CacheDir string
	Logger   hclog.Logger

	mu   sync.Mutex
	open map[string]*pkgdb.Index
}

// Open opens ( or reuses ) the index derived from input's fingerprint.
func (p *CachedIndexProvider) Open(input *LockedInput) (IndexReader, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.open == nil {
		p.open = map[string]*pkgdb.Index{}
	}
	if idx, ok := p.open[input.Fingerprint]; ok {
		return idx, nil
	}
	idx, err := pkgdb.Open(pkgdb.IndexPath(input.Fingerprint, p.CacheDir), p.Logger)
	if err != nil {
		return nil, err
	}
	p.open[input.Fingerprint] = idx
	return idx, nil
}

// Close releases every opened index.
func (p *CachedIndexProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for _, idx := range p.open {
		if err := idx.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.open = nil
	return firstErr
}

// Upgrades directs which buckets must be re-resolved even if reusable.
type Upgrades struct {
	// All forces every bucket open.
	All bool
	// Install lists install ids whose buckets are forced open.
	Install []string
}

// UpgradeNone leaves lock reuse entirely to the reuse predicate.
func UpgradeNone() Upgrades { return Upgrades{} }

// UpgradeAll re-resolves every bucket.
func UpgradeAll() Upgrades { return Upgrades{All: true} }

// UpgradeSet re-resolves every bucket containing any of the listed
// install ids.
func UpgradeSet(iids ...string) Upgrades { return Upgrades{Install: iids} }

func (u Upgrades) forcesOpen(group *Group) bool {
	if u.All {
		return true
	}
	for _, iid := range u.Install {
		if _, ok := group.Members[iid]; ok {
			return true
		}
	}
	return false
}

// Attempt records one failed (install id, input) resolution pairing.
type Attempt struct {
	InstallID string
	InputURL  string
}

// GroupFailure enumerates every attempt made for one bucket.
type GroupFailure struct {
	Group    string
	Attempts []Attempt
}

// ResolutionError reports every bucket that failed to resolve, with every
// input tried per bucket.
type ResolutionError struct {
	Failures []GroupFailure
}

func (e *ResolutionError) Error() string {
	var buf bytes.Buffer
	buf.WriteString("failed to resolve some package(s):")
	for _, failure := range e.Failures {
		if failure.Group != "" {
			fmt.Fprintf(&buf, "\n  in group `%s':", failure.Group)
		} else {
			buf.WriteString("\n  in default group:")
		}
		for _, attempt := range failure.Attempts {
			fmt.Fprintf(&buf, "\n    failed to resolve `%s' in input `%s'",
				attempt.InstallID, attempt.InputURL)
		}
		if len(failure.Attempts) == 0 {
			buf.WriteString("\n    no inputs found to search for packages")
		}
	}
	return buf.String()
}

// groupIsLocked is the lock-reuse predicate: a bucket may carry its prior
// pins forward iff the upgrade directive leaves it closed, every member is
// present in both the prior manifest and the prior per-system map, and no
// member's locking-relevant descriptor fields changed. Priority and
// systems are ignored, except that flipping whether the current system is
// included invalidates reuse.
func (env *Environment) groupIsLocked(group *Group, system pkgdb.System) bool {
	old := env.oldLockfile
	if old == nil {
		return false
	}
	if env.upgrades.forcesOpen(group) {
		return false
	}
	if _, ok := old.Raw().Packages[system]; !ok {
		return false
	}
	for _, iid := range group.IDs {
		desc := group.Members[iid]

		oldDesc, ok := old.Manifest().Descriptor(iid)
		if !ok {
			return false
		}
		if !desc.Unchanged(oldDesc) {
			return false
		}
		// Ignore changes to systems other than the one being locked.
		if desc.AppliesToSystem(system) != oldDesc.AppliesToSystem(system) {
			return false
		}
		if _, ok := old.Package(system, iid); !ok {
			return false
		}
	}
	return true
}

// groupInput chooses the prior locked input to try first for a bucket.
// The first member already pinned for this system under the same group
// wins; a member whose package is unchanged but whose group moved supplies
// a fallback.
func (env *Environment) groupInput(group *Group, system pkgdb.System) *LockedInput {
	old := env.oldLockfile
	if old == nil {
		return nil
	}
	var wrongGroupInput *LockedInput
	for _, iid := range group.IDs {
		desc := group.Members[iid]
		pkg, ok := old.Package(system, iid)
		if !ok || pkg == nil {
			continue
		}
		oldDesc, ok := old.Manifest().Descriptor(iid)
		if !ok {
			continue
		}
		// The fields compared here control what the package *is*;
		// `optional', `systems', and `priority' only change behavior
		// around it.
		if !samePackageFields(desc, oldDesc) {
			continue
		}
		if desc.Group == oldDesc.Group {
			input := pkg.Input
			return &input
		}
		if wrongGroupInput == nil {
			input := pkg.Input
			wrongGroupInput = &input
		}
	}
	return wrongGroupInput
}

func samePackageFields(a, b *Descriptor) bool {
	aRange, bRange := "", ""
	aHasRange, bHasRange := a.Range != nil, b.Range != nil
	if aHasRange {
		aRange = *a.Range
	}
	if bHasRange {
		bRange = *b.Range
	}
	return a.Name == b.Name &&
		attrPathEqual(a.Path, b.Path) &&
		a.Version == b.Version &&
		aHasRange == bHasRange && aRange == bRange &&
		a.Subtree == b.Subtree &&
		a.Input.Equal(b.Input)
}

func attrPathEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// tryResolveDescriptorIn resolves a single descriptor in one input,
// returning the top-ranked row or ok=false when nothing matches.
func (env *Environment) tryResolveDescriptorIn(
	desc *Descriptor, input *resolverInput, system pkgdb.System,
) (pkgdb.RowID, bool, error) {
	idx := input.idx
	query := env.baseQuery()
	// The input's subtree preference applies first; the descriptor may
	// still narrow it.
	if input.subtrees != nil {
		query.Subtrees = input.subtrees
	}
	desc.FillQuery(query)
	// Limit results to the target system.
	query.Systems = []pkgdb.System{system}

	rows, err := idx.Search(query)
	if err != nil {
		return 0, false, err
	}
	if len(rows) == 0 {
		return 0, false, nil
	}
	return rows[0], true, nil
}

// lockPackage converts a resolved row into a locked package entry.
func lockPackage(input *LockedInput, idx IndexReader, row pkgdb.RowID, priority int) (*LockedPackage, error) {
	info, err := idx.Package(row)
	if err != nil {
		return nil, err
	}
	pkg := &LockedPackage{
		Input:    *input,
		AttrPath: info.AbsPath,
		Priority: priority,
		Info:     LockInfo{Pname: info.Pname},
	}
	if info.Version != "" {
		version := info.Version
		pkg.Info.Version = &version
	}
	if info.Description != "" {
		description := info.Description
		pkg.Info.Description = &description
	}
	pkg.Info.License = info.License
	pkg.Info.Broken = info.Broken
	pkg.Info.Unfree = info.Unfree
	return pkg, nil
}

// resolverInput pairs a locked input with its opened index and the
// registry entry's subtree preference.
type resolverInput struct {
	locked   *LockedInput
	subtrees []pkgdb.Subtree
	idx      IndexReader
}

// tryResolveGroupIn attempts a whole bucket within a single input. On
// failure it returns the install id that could not be resolved.
func (env *Environment) tryResolveGroupIn(
	group *Group, input *resolverInput, system pkgdb.System,
) (SystemPackages, string, error) {
	rows := map[string]*pkgdb.RowID{}
	for _, iid := range group.IDs {
		desc := group.Members[iid]

		// Skip unrequested systems, recording an explicit null.
		if !desc.AppliesToSystem(system) {
			rows[iid] = nil
			continue
		}

		row, ok, err := env.tryResolveDescriptorIn(desc, input, system)
		if err != nil {
			return nil, "", err
		}
		if !ok && !desc.Optional {
			return nil, iid, nil
		}
		if ok {
			rowCopy := row
			rows[iid] = &rowCopy
		} else {
			rows[iid] = nil
		}
	}

	pkgs := SystemPackages{}
	for iid, row := range rows {
		if row == nil {
			pkgs[iid] = nil
			continue
		}
		pkg, err := lockPackage(input.locked, input.idx, *row, group.Members[iid].Priority)
		if err != nil {
			return nil, "", err
		}
		pkgs[iid] = pkg
	}
	return pkgs, "", nil
}

// tryResolveGroup resolves a bucket against the preferred prior input
// first, then every input in registry order. The first input where all
// non-optional members resolve wins.
func (env *Environment) tryResolveGroup(
	group *Group, system pkgdb.System,
) (SystemPackages, *GroupFailure, error) {
	failure := &GroupFailure{Group: group.Name}

	// The prior pin is only a candidate while its input is still present
	// in the combined registry.
	preferred := env.groupInput(group, system)
	if preferred != nil {
		present := false
		for _, entry := range env.lockedInputs() {
			if entry.locked.Equal(preferred) {
				present = true
				break
			}
		}
		if !present {
			preferred = nil
		}
	}
	if preferred != nil {
		idx, err := env.provider.Open(preferred)
		if err != nil {
			env.logger.Debug("skipping stale preferred input",
				"input", preferred.URL, "error", err)
		} else {
			candidate := &resolverInput{
				locked:   preferred,
				subtrees: env.subtreesFor(preferred),
				idx:      idx,
			}
			pkgs, failedIID, err := env.tryResolveGroupIn(group, candidate, system)
			if err != nil {
				return nil, nil, err
			}
			if pkgs != nil {
				return pkgs, nil, nil
			}
			failure.Attempts = append(failure.Attempts,
				Attempt{InstallID: failedIID, InputURL: preferred.URL})
		}
	}

	for _, entry := range env.lockedInputs() {
		// If we already tried this input as the preferred one, skip it.
		if preferred != nil && entry.locked.Equal(preferred) {
			continue
		}
		idx, err := env.provider.Open(entry.locked)
		if err != nil {
			return nil, nil, err
		}
		candidate := &resolverInput{locked: entry.locked, subtrees: entry.subtrees, idx: idx}
		pkgs, failedIID, err := env.tryResolveGroupIn(group, candidate, system)
		if err != nil {
			return nil, nil, err
		}
		if pkgs != nil {
			return pkgs, nil, nil
		}
		failure.Attempts = append(failure.Attempts,
			Attempt{InstallID: failedIID, InputURL: entry.locked.URL})
	}
	return nil, failure, nil
}
