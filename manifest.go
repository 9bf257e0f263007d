// Copyright 2026 The Pkgenv Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pkgenv

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/iancoleman/orderedmap"

	"github.com/pkgenv/pkgenv/pkgdb"
)

// Allows configures which package flags disqualify a candidate.
type Allows struct {
	Unfree   *bool    `json:"unfree,omitempty"`
	Broken   *bool    `json:"broken,omitempty"`
	Licenses []string `json:"licenses,omitempty"`
}

// SemverOptions configures range matching.
type SemverOptions struct {
	PreferPreReleases *bool `json:"prefer-pre-releases,omitempty"`
}

// Options is a manifest's top-level option block.
type Options struct {
	Systems []pkgdb.System `json:"systems,omitempty"`
	Allow   *Allows        `json:"allow,omitempty"`
	Semver  *SemverOptions `json:"semver,omitempty"`
}

// Merge applies overrides on top of the options, retaining anything the
// override leaves unset.
func (o *Options) Merge(overrides *Options) {
	if overrides == nil {
		return
	}
	if overrides.Systems != nil {
		o.Systems = overrides.Systems
	}
	if overrides.Allow != nil {
		if o.Allow == nil {
			o.Allow = &Allows{}
		}
		if overrides.Allow.Unfree != nil {
			o.Allow.Unfree = overrides.Allow.Unfree
		}
		if overrides.Allow.Broken != nil {
			o.Allow.Broken = overrides.Allow.Broken
		}
		if overrides.Allow.Licenses != nil {
			o.Allow.Licenses = overrides.Allow.Licenses
		}
	}
	if overrides.Semver != nil {
		if o.Semver == nil {
			o.Semver = &SemverOptions{}
		}
		if overrides.Semver.PreferPreReleases != nil {
			o.Semver.PreferPreReleases = overrides.Semver.PreferPreReleases
		}
	}
}

// FillQuery converts the options to a base set of query parameters.
func (o *Options) FillQuery(q *pkgdb.Query) {
	q.AllowUnfree = true
	q.AllowBroken = false
	if o.Allow != nil {
		if o.Allow.Unfree != nil {
			q.AllowUnfree = *o.Allow.Unfree
		}
		if o.Allow.Broken != nil {
			q.AllowBroken = *o.Allow.Broken
		}
		if o.Allow.Licenses != nil {
			q.Licenses = o.Allow.Licenses
		}
	}
	if o.Semver != nil && o.Semver.PreferPreReleases != nil {
		q.PreferPreReleases = *o.Semver.PreferPreReleases
	}
}

// Hook holds environment activation hooks. Only one of the two forms may
// be set.
type Hook struct {
	OnActivate *string `json:"on-activate,omitempty"`
	Script     *string `json:"script,omitempty"`
}

// ProfileScripts are sourced into interactive shells, keyed by shell.
type ProfileScripts struct {
	Common *string `json:"common,omitempty"`
	Bash   *string `json:"bash,omitempty"`
	Zsh    *string `json:"zsh,omitempty"`
	Fish   *string `json:"fish,omitempty"`
}

// BuildDescriptor describes a build command exposed by the environment.
type BuildDescriptor struct {
	Command string   `json:"command"`
	Version *string  `json:"version,omitempty"`
	Files   []string `json:"files,omitempty"`
}

// ManifestRaw is the serialized form of an unlocked environment
// description.
type ManifestRaw struct {
	Install  map[string]*RawDescriptor  `json:"install,omitempty"`
	Registry *Registry                  `json:"registry,omitempty"`
	Options  *Options                   `json:"options,omitempty"`
	Vars     map[string]string          `json:"vars,omitempty"`
	Profile  *ProfileScripts            `json:"profile,omitempty"`
	Hook     *Hook                      `json:"hook,omitempty"`
	Build    map[string]BuildDescriptor `json:"build,omitempty"`

	// installOrder preserves the authoring order of the install table for
	// deterministic error reporting.
	installOrder []string
}

// manifestRawShadow exists so UnmarshalJSON can use strict decoding
// without recursing.
type manifestRawShadow struct {
	Install  json.RawMessage            `json:"install,omitempty"`
	Registry *Registry                  `json:"registry,omitempty"`
	Options  *Options                   `json:"options,omitempty"`
	Vars     map[string]string          `json:"vars,omitempty"`
	Profile  *ProfileScripts            `json:"profile,omitempty"`
	Hook     *Hook                      `json:"hook,omitempty"`
	Build    map[string]BuildDescriptor `json:"build,omitempty"`
}

// UnmarshalJSON rejects unrecognized top-level keys and preserves install
// table ordering.
func (m *ManifestRaw) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var shadow manifestRawShadow
	if err := dec.Decode(&shadow); err != nil {
		return WrapError(InvalidManifestFile, "parsing manifest", err)
	}
	m.Registry = shadow.Registry
	m.Options = shadow.Options
	m.Vars = shadow.Vars
	m.Profile = shadow.Profile
	m.Hook = shadow.Hook
	m.Build = shadow.Build
	m.Install = nil
	m.installOrder = nil

	if shadow.Install != nil {
		ordered := orderedmap.New()
		if err := json.Unmarshal(shadow.Install, ordered); err != nil {
			return WrapError(InvalidManifestFile, "parsing manifest `install' table", err)
		}
		m.Install = make(map[string]*RawDescriptor, len(ordered.Keys()))
		for _, iid := range ordered.Keys() {
			value, _ := ordered.Get(iid)
			encoded, err := json.Marshal(value)
			if err != nil {
				return WrapError(InvalidManifestFile, "parsing manifest `install' table", err)
			}
			if bytes.Equal(encoded, []byte("null")) {
				m.Install[iid] = &RawDescriptor{}
			} else {
				raw, err := ParseRawDescriptor(encoded)
				if err != nil {
					return WrapError(InvalidManifestFile,
						fmt.Sprintf("parsing `install.%s'", iid), err)
				}
				m.Install[iid] = raw
			}
			m.installOrder = append(m.installOrder, iid)
		}
	}
	return nil
}

// MarshalJSON emits the plain object form.
func (m *ManifestRaw) MarshalJSON() ([]byte, error) {
	return json.Marshal(manifestRawShadowOut{
		Install:  m.Install,
		Registry: m.Registry,
		Options:  m.Options,
		Vars:     m.Vars,
		Profile:  m.Profile,
		Hook:     m.Hook,
		Build:    m.Build,
	})
}

type manifestRawShadowOut struct {
	Install  map[string]*RawDescriptor  `json:"install,omitempty"`
	Registry *Registry                  `json:"registry,omitempty"`
	Options  *Options                   `json:"options,omitempty"`
	Vars     map[string]string          `json:"vars,omitempty"`
	Profile  *ProfileScripts            `json:"profile,omitempty"`
	Hook     *Hook                      `json:"hook,omitempty"`
	Build    map[string]BuildDescriptor `json:"build,omitempty"`
}

// Check validates the raw manifest's own constraints.
func (m *ManifestRaw) Check() error {
	if m.Hook != nil && m.Hook.OnActivate != nil && m.Hook.Script != nil {
		return NewError(InvalidManifestFile,
			"hook may define only one of `hook.on-activate' or `hook.script'")
	}
	if m.Registry != nil {
		if err := m.Registry.Check(); err != nil {
			return err
		}
	}
	if m.Options != nil && m.Options.Systems != nil {
		if len(m.Options.Systems) == 0 {
			return NewError(InvalidManifestFile, "`options.systems' may not be empty")
		}
		for _, system := range m.Options.Systems {
			if !pkgdb.IsSupportedSystem(system) {
				return NewError(InvalidManifestFile,
					fmt.Sprintf("`options.systems' names unsupported system `%s'", system))
			}
		}
	}
	return nil
}

// Systems returns the systems the manifest requests, defaulting to the
// current host system.
func (m *ManifestRaw) Systems() []pkgdb.System {
	if m.Options != nil && m.Options.Systems != nil {
		return m.Options.Systems
	}
	return []pkgdb.System{pkgdb.CurrentSystem()}
}

// Manifest is a validated unlocked environment description.
type Manifest struct {
	raw         ManifestRaw
	descriptors map[string]*Descriptor
	order       []string
}

// NewManifest validates a raw manifest and canonicalizes its descriptors.
func NewManifest(raw ManifestRaw) (*Manifest, error) {
	if err := raw.Check(); err != nil {
		return nil, err
	}
	m := &Manifest{
		raw:         raw,
		descriptors: make(map[string]*Descriptor, len(raw.Install)),
		order:       raw.installOrder,
	}
	if m.order == nil {
		for iid := range raw.Install {
			m.order = append(m.order, iid)
		}
		sort.Strings(m.order)
	}

	systems := raw.Systems()
	for _, iid := range m.order {
		desc, err := NewDescriptor(iid, raw.Install[iid])
		if err != nil {
			return nil, err
		}
		// A descriptor restricted to specific systems must stay within
		// the manifest's requested set.
		for _, system := range desc.Systems {
			if !containsSystem(systems, system) {
				return nil, NewError(InvalidManifestDescriptor,
					fmt.Sprintf("`install.%s.systems' names system `%s' which `options.systems' omits",
						iid, system))
			}
		}
		m.descriptors[iid] = desc
	}
	return m, nil
}

// ParseManifest parses and validates a JSON-shaped manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var raw ManifestRaw
	if err := json.Unmarshal(data, &raw); err != nil {
		if coreErr, ok := err.(*Error); ok {
			return nil, coreErr
		}
		return nil, WrapError(InvalidManifestFile, "parsing manifest", err)
	}
	return NewManifest(raw)
}

// Raw returns the underlying serialized form.
func (m *Manifest) Raw() ManifestRaw { return m.raw }

// Systems returns the systems the manifest requests.
func (m *Manifest) Systems() []pkgdb.System { return m.raw.Systems() }

// Registry returns the manifest's registry, which may be nil.
func (m *Manifest) Registry() *Registry { return m.raw.Registry }

// Options returns the manifest's options, which may be nil.
func (m *Manifest) Options() *Options { return m.raw.Options }

// Descriptor returns the canonical descriptor for an install id.
func (m *Manifest) Descriptor(iid string) (*Descriptor, bool) {
	desc, ok := m.descriptors[iid]
	return desc, ok
}

// InstallIDs returns install ids in authoring order.
func (m *Manifest) InstallIDs() []string { return m.order }

// Group is a bucket of descriptors that must resolve within one input.
type Group struct {
	// Name is empty for the implicit default group.
	Name string
	// IDs are member install ids in authoring order.
	IDs []string
	// Members maps install ids to their descriptors.
	Members map[string]*Descriptor
}

// Groups buckets descriptors by group name. Descriptors without a group
// share the implicit default bucket. Buckets are ordered by first
// appearance in the install table.
func (m *Manifest) Groups() []*Group {
	var groups []*Group
	byName := map[string]*Group{}
	for _, iid := range m.order {
		desc := m.descriptors[iid]
		group, ok := byName[desc.Group]
		if !ok {
			group = &Group{Name: desc.Group, Members: map[string]*Descriptor{}}
			byName[desc.Group] = group
			groups = append(groups, group)
		}
		group.IDs = append(group.IDs, iid)
		group.Members[iid] = desc
	}
	return groups
}

func containsSystem(systems []pkgdb.System, system pkgdb.System) bool {
	for _, s := range systems {
		if s == system {
			return true
		}
	}
	return false
}
