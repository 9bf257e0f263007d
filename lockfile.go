// Copyright 2026 The Pkgenv Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pkgenv

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/pkgenv/pkgenv/pkgdb"
)

// LockfileVersion is the schema version of lockfiles this build emits.
const LockfileVersion = 1

// LockInfo is the package metadata embedded alongside each locked package.
type LockInfo struct {
	Pname       string  `json:"pname"`
	Version     *string `json:"version,omitempty"`
	Description *string `json:"description,omitempty"`
	License     *string `json:"license,omitempty"`
	Broken      *bool   `json:"broken,omitempty"`
	Unfree      *bool   `json:"unfree,omitempty"`
}

// LockedPackage pins one install id to a concrete package. Two locked
// packages are equal iff all four parts are equal.
type LockedPackage struct {
	Input    LockedInput `json:"input"`
	AttrPath []string    `json:"attr-path"`
	Priority int         `json:"priority"`
	Info     LockInfo    `json:"info"`
}

// Equal compares all four parts.
func (p *LockedPackage) Equal(other *LockedPackage) bool {
	if p == nil || other == nil {
		return p == other
	}
	a, _ := json.Marshal(p)
	b, _ := json.Marshal(other)
	return bytes.Equal(a, b)
}

// SystemPackages maps install ids to locked packages for one system. A nil
// entry records an optional descriptor that resolved to nothing, or one
// whose systems exclude this system.
type SystemPackages map[string]*LockedPackage

// LockfileRaw is the serialized lockfile form.
type LockfileRaw struct {
	LockfileVersion int                             `json:"lockfile-version"`
	Manifest        ManifestRaw                     `json:"manifest"`
	Registry        Registry                        `json:"registry"`
	Packages        map[pkgdb.System]SystemPackages `json:"packages"`
}

// Check validates the schema version.
func (l *LockfileRaw) Check() error {
	if l.LockfileVersion != 0 && l.LockfileVersion != LockfileVersion {
		return NewError(InvalidLockfile,
			fmt.Sprintf("unsupported lockfile version %d", l.LockfileVersion))
	}
	return nil
}

// Lockfile is a validated lockfile together with its parsed manifest.
type Lockfile struct {
	raw      LockfileRaw
	manifest *Manifest
	// packagesRegistry indexes the inputs used by locked packages, keyed
	// by fingerprint.
	packagesRegistry map[string]LockedInput
}

// NewLockfile validates a raw lockfile.
func NewLockfile(raw LockfileRaw) (*Lockfile, error) {
	if err := raw.Check(); err != nil {
		return nil, err
	}
	manifest, err := NewManifest(raw.Manifest)
	if err != nil {
		return nil, err
	}
	lf := &Lockfile{
		raw:              raw,
		manifest:         manifest,
		packagesRegistry: map[string]LockedInput{},
	}
	for _, systemPackages := range raw.Packages {
		for _, pkg := range systemPackages {
			if pkg == nil {
				continue
			}
			lf.packagesRegistry[pkg.Input.Fingerprint] = pkg.Input
		}
	}
	if err := lf.Check(); err != nil {
		return nil, err
	}
	return lf, nil
}

// ParseLockfile parses lockfile JSON, dispatching on its
// `lockfile-version`.
func ParseLockfile(data []byte) (*Lockfile, error) {
	var probe struct {
		LockfileVersion *int `json:"lockfile-version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, WrapError(InvalidLockfile, "parsing lockfile", err)
	}
	if probe.LockfileVersion == nil {
		return nil, NewError(InvalidLockfile, "lockfile is missing `lockfile-version'")
	}
	switch *probe.LockfileVersion {
	case 0, LockfileVersion:
		var raw LockfileRaw
		if err := json.Unmarshal(data, &raw); err != nil {
			if coreErr, ok := err.(*Error); ok {
				return nil, coreErr
			}
			return nil, WrapError(InvalidLockfile, "parsing lockfile", err)
		}
		return NewLockfile(raw)
	}
	return nil, NewError(InvalidLockfile,
		fmt.Sprintf("unsupported lockfile version %d", *probe.LockfileVersion))
}

// Raw returns the serialized form.
func (l *Lockfile) Raw() *LockfileRaw { return &l.raw }

// Manifest returns the manifest snapshot the lockfile was produced from.
func (l *Lockfile) Manifest() *Manifest { return l.manifest }

// Registry returns the lockfile's pinned registry.
func (l *Lockfile) Registry() *Registry { return &l.raw.Registry }

// Package returns the locked entry for (system, iid); ok reports whether
// the entry exists at all ( a nil package with ok true is an explicit
// resolved-to-nothing record ).
func (l *Lockfile) Package(system pkgdb.System, iid string) (*LockedPackage, bool) {
	systemPackages, ok := l.raw.Packages[system]
	if !ok {
		return nil, false
	}
	pkg, ok := systemPackages[iid]
	return pkg, ok
}

// Check asserts lockfile invariants: a supported schema version, no
// indirect entries in the embedded manifest's registry, and a single
// locked input per group and system.
func (l *Lockfile) Check() error {
	if err := l.raw.Check(); err != nil {
		return err
	}
	if manifestRegistry := l.raw.Manifest.Registry; manifestRegistry != nil {
		for name, input := range manifestRegistry.Inputs {
			if input.From != nil && input.From.Type() == "indirect" {
				return NewError(InvalidLockfile,
					fmt.Sprintf("manifest `registry.inputs.%s.from.type' may not be \"indirect\"", name))
			}
		}
	}
	return l.checkGroups()
}

// checkGroups asserts that all locked members of a group share one input
// per system.
func (l *Lockfile) checkGroups() error {
	for _, group := range l.manifest.Groups() {
		for _, system := range l.manifest.Systems() {
			var groupInput *LockedInput
			for _, iid := range group.IDs {
				if !group.Members[iid].AppliesToSystem(system) {
					continue
				}
				pkg, ok := l.Package(system, iid)
				if !ok || pkg == nil {
					// Unresolved; `optional' is not enforced here.
					continue
				}
				if groupInput == nil {
					input := pkg.Input
					groupInput = &input
				} else if groupInput.Fingerprint != pkg.Input.Fingerprint {
					if group.Name != "" {
						return NewError(InvalidLockfile,
							fmt.Sprintf("invalid group `%s' uses multiple inputs", group.Name))
					}
					return NewError(InvalidLockfile, "invalid toplevel group uses multiple inputs")
				}
			}
		}
	}
	return nil
}

// RemoveUnusedInputs drops registry entries not referenced by the current
// manifest registry nor by any locked package, pruning the priority list
// accordingly. It returns the number of removed entries.
func (l *Lockfile) RemoveUnusedInputs() int {
	inManifestRegistry := func(name string) bool {
		registry := l.raw.Manifest.Registry
		if registry == nil {
			return false
		}
		_, ok := registry.Inputs[name]
		return ok
	}
	inPackagesRegistry := func(input RegistryInput) bool {
		if input.From == nil {
			return false
		}
		fingerprint := FingerprintInput(input.From)
		_, ok := l.packagesRegistry[fingerprint]
		return ok
	}

	count := 0
	for name, input := range l.raw.Registry.Inputs {
		if inManifestRegistry(name) || inPackagesRegistry(input) {
			continue
		}
		delete(l.raw.Registry.Inputs, name)
		for i, priorityName := range l.raw.Registry.Priority {
			if priorityName == name {
				l.raw.Registry.Priority = append(
					l.raw.Registry.Priority[:i], l.raw.Registry.Priority[i+1:]...)
				break
			}
		}
		count++
	}
	return count
}

// Encode emits canonical lockfile JSON. Map keys are sorted and struct
// fields keep their declaration order, making the encoding byte-stable for
// fixed inputs.
func (l *Lockfile) Encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(&l.raw); err != nil {
		return nil, WrapError(InvalidLockfile, "encoding lockfile", err)
	}
	return buf.Bytes(), nil
}
