// Copyright 2026 The Pkgenv Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pkgenv

import (
	"context"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"

	"github.com/pkgenv/pkgenv/pkgdb"
)

// Environment orchestrates lock creation from a manifest, an optional
// global manifest, an optional prior lockfile, and an upgrade directive.
//
// All collaborators are passed in at construction; the environment holds
// no global state and never mutates its inputs.
type Environment struct {
	global      *Manifest
	manifest    *Manifest
	oldLockfile *Lockfile
	upgrades    Upgrades
	provider    IndexProvider
	logger      hclog.Logger

	// Memoized merges; equivalent to computing them eagerly.
	combinedRegistry *Registry
	combinedOptions  *Options
	lockedInputCache []lockedRegistryEntry
}

// lockedRegistryEntry pairs a locked input with its registry entry's
// subtree preference.
type lockedRegistryEntry struct {
	locked   *LockedInput
	subtrees []pkgdb.Subtree
}

// EnvironmentConfig collects the inputs of a lock operation.
type EnvironmentConfig struct {
	// Global optionally supplies user-level registry and options merged
	// beneath the manifest.
	Global *Manifest
	// Manifest is the environment being locked.
	Manifest *Manifest
	// OldLockfile optionally supplies prior pins for reuse.
	OldLockfile *Lockfile
	// Upgrades forces buckets open; zero value forces none.
	Upgrades Upgrades
	// Provider opens package indexes. Defaults to a CachedIndexProvider
	// over the standard cache directory.
	Provider IndexProvider
	// Logger defaults to a no-op logger.
	Logger hclog.Logger
}

// NewEnvironment validates the configuration.
func NewEnvironment(cfg EnvironmentConfig) (*Environment, error) {
	if cfg.Manifest == nil {
		return nil, NewError(EnvironmentMixin, "an environment requires a manifest")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	provider := cfg.Provider
	if provider == nil {
		provider = &CachedIndexProvider{Logger: logger}
	}
	return &Environment{
		global:      cfg.Global,
		manifest:    cfg.Manifest,
		oldLockfile: cfg.OldLockfile,
		upgrades:    cfg.Upgrades,
		provider:    provider,
		logger:      logger,
	}, nil
}

// registry returns the combined registry: the global manifest's registry
// ( if any ) overridden by the manifest's, with prior lockfile pins
// substituted for inputs the manifest still names.
func (env *Environment) registry() *Registry {
	if env.combinedRegistry != nil {
		return env.combinedRegistry
	}
	combined := &Registry{Inputs: map[string]RegistryInput{}}
	if env.global != nil && env.global.Registry() != nil {
		combined.Merge(env.global.Registry())
	}
	if env.manifest.Registry() != nil {
		combined.Merge(env.manifest.Registry())
	}
	// Prefer pinned inputs from the old lockfile, but do not resurrect
	// inputs the manifest dropped.
	if env.oldLockfile != nil {
		locked := env.oldLockfile.Registry()
		for name := range combined.Inputs {
			if pinned, ok := locked.Inputs[name]; ok {
				combined.Inputs[name] = pinned
			}
		}
	}
	env.combinedRegistry = combined
	return combined
}

// options returns the combined options: global, then prior lockfile
// manifest, then current manifest, later layers clobbering earlier ones.
func (env *Environment) options() *Options {
	if env.combinedOptions != nil {
		return env.combinedOptions
	}
	combined := &Options{}
	if env.global != nil {
		combined.Merge(env.global.Options())
	}
	if env.oldLockfile != nil {
		combined.Merge(env.oldLockfile.Manifest().Options())
	}
	combined.Merge(env.manifest.Options())
	env.combinedOptions = combined
	return combined
}

// baseQuery converts the combined options into the query parameters every
// descriptor starts from.
func (env *Environment) baseQuery() *pkgdb.Query {
	query := &pkgdb.Query{}
	env.options().FillQuery(query)
	return query
}

// lockedInputs returns the combined registry's inputs, locked, in
// registry order.
func (env *Environment) lockedInputs() []lockedRegistryEntry {
	if env.lockedInputCache != nil {
		return env.lockedInputCache
	}
	registry := env.registry()
	inputs := []lockedRegistryEntry{}
	for _, name := range registry.Order() {
		input := registry.Inputs[name]
		locked, err := LockInput(&input)
		if err != nil {
			env.logger.Warn("skipping unlockable registry input", "name", name, "error", err)
			continue
		}
		inputs = append(inputs, lockedRegistryEntry{locked: locked, subtrees: input.Subtrees})
	}
	env.lockedInputCache = inputs
	return inputs
}

// subtreesFor recovers the registry subtree preference for a locked input
// chosen from a prior lockfile pin.
func (env *Environment) subtreesFor(locked *LockedInput) []pkgdb.Subtree {
	for _, entry := range env.lockedInputs() {
		if entry.locked.Equal(locked) {
			return entry.subtrees
		}
	}
	return nil
}

// systems returns the systems to lock, from the manifest's options.
func (env *Environment) systems() []pkgdb.System {
	return env.manifest.Systems()
}

// lockSystem partitions buckets into locked and unlocked, carries locked
// entries forward, and resolves the rest. Buckets resolve independently
// and may run concurrently; the merged result is deterministic because
// buckets never share install ids.
func (env *Environment) lockSystem(ctx context.Context, system pkgdb.System) (SystemPackages, error) {
	groups := env.manifest.Groups()

	// Warm the memoized merges before fanning out so the goroutines only
	// ever read them.
	env.lockedInputs()
	env.options()

	pkgs := SystemPackages{}
	results := make([]SystemPackages, len(groups))
	failures := make([]*GroupFailure, len(groups))

	eg, _ := errgroup.WithContext(ctx)
	for i, group := range groups {
		if env.groupIsLocked(group, system) {
			// Carry prior entries, refreshing priority: it is not a
			// locking-relevant field.
			carried := SystemPackages{}
			for _, iid := range group.IDs {
				pkg, _ := env.oldLockfile.Package(system, iid)
				if pkg != nil {
					clone := *pkg
					clone.Priority = group.Members[iid].Priority
					carried[iid] = &clone
				} else {
					carried[iid] = nil
				}
			}
			results[i] = carried
			continue
		}

		i, group := i, group
		eg.Go(func() error {
			resolved, failure, err := env.tryResolveGroup(group, system)
			if err != nil {
				return err
			}
			results[i] = resolved
			failures[i] = failure
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	resolutionErr := &ResolutionError{}
	for i := range groups {
		if failures[i] != nil {
			resolutionErr.Failures = append(resolutionErr.Failures, *failures[i])
			continue
		}
		for iid, pkg := range results[i] {
			pkgs[iid] = pkg
		}
	}
	if len(resolutionErr.Failures) > 0 {
		return nil, WrapError(ResolutionFailure, string(system), resolutionErr)
	}
	return pkgs, nil
}

// CreateLockfile produces a new lockfile. The prior lockfile, if any, is
// consumed read-only; persistence is the caller's responsibility.
func (env *Environment) CreateLockfile(ctx context.Context) (*Lockfile, error) {
	defer env.provider.Close()

	raw := LockfileRaw{
		LockfileVersion: LockfileVersion,
		Manifest:        env.manifest.Raw(),
		Registry:        *env.registry().Clone(),
		Packages:        map[pkgdb.System]SystemPackages{},
	}
	for _, system := range env.systems() {
		pkgs, err := env.lockSystem(ctx, system)
		if err != nil {
			return nil, err
		}
		raw.Packages[system] = pkgs
	}

	lockfile, err := NewLockfile(raw)
	if err != nil {
		return nil, err
	}
	lockfile.RemoveUnusedInputs()
	if err := lockfile.Check(); err != nil {
		return nil, err
	}
	return lockfile, nil
}

// LockEnvironment is the top-level lifecycle entry point: it groups the
// manifest's descriptors, reuses prior pins where the reuse predicate
// allows, resolves the remainder, and returns the new lockfile.
func LockEnvironment(ctx context.Context, cfg EnvironmentConfig) (*Lockfile, error) {
	env, err := NewEnvironment(cfg)
	if err != nil {
		return nil, err
	}
	return env.CreateLockfile(ctx)
}
