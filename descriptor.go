// Copyright 2026 The Pkgenv Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pkgenv

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkgenv/pkgenv/internal/attrpath"
	"github.com/pkgenv/pkgenv/pkgdb"
	"github.com/pkgenv/pkgenv/versions"
)

// Delimiters of the compact descriptor string form
// `[<input>:]<path-or-name>[@<version>]`, where a version prefixed with `=`
// is matched exactly rather than as a range.
const (
	inputSigil        = ':'
	versionSigil      = '@'
	exactVersionSigil = '='
)

// PathSpec is a relative attribute path given either as a dotted string or
// as a list of components.
type PathSpec struct {
	parts []string
}

// NewPathSpec builds a PathSpec from components.
func NewPathSpec(parts ...string) *PathSpec { return &PathSpec{parts: parts} }

// Parts returns the path components.
func (p *PathSpec) Parts() []string { return p.parts }

// UnmarshalJSON accepts a list of strings or a single dotted string. As with
// every union in the model, alternatives are tried most-specific first with
// strings last.
func (p *PathSpec) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		p.parts = list
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		p.parts = attrpath.Split(str)
		return nil
	}
	return fmt.Errorf("path must be a string or a list of strings")
}

func (p *PathSpec) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.parts)
}

// GlobPart is one element of a globbed absolute attribute path; a glob
// stands for any system.
type GlobPart struct {
	Value string
	Glob  bool
}

func (g *GlobPart) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		g.Glob = true
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	if str == "*" || str == "null" {
		g.Glob = true
		return nil
	}
	g.Value = str
	return nil
}

func (g GlobPart) MarshalJSON() ([]byte, error) {
	if g.Glob {
		return []byte("null"), nil
	}
	return json.Marshal(g.Value)
}

// AbsPathSpec is an absolute attribute path which may use a glob for ( and
// only for ) its system element. It is given either as a dotted string or a
// list whose members are strings or null.
type AbsPathSpec struct {
	parts []GlobPart
}

// Parts returns the globbed path elements.
func (p *AbsPathSpec) Parts() []GlobPart { return p.parts }

func (p *AbsPathSpec) UnmarshalJSON(data []byte) error {
	var list []GlobPart
	if err := json.Unmarshal(data, &list); err == nil {
		p.parts = list
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		p.parts = splitAttrPathGlob(str)
		return nil
	}
	return fmt.Errorf("abspath must be a string or a list of strings and nulls")
}

func (p *AbsPathSpec) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.parts)
}

// splitAttrPathGlob splits a dotted path treating `*` and `null` segments
// as globs.
func splitAttrPathGlob(path string) []GlobPart {
	var parts []GlobPart
	for _, part := range attrpath.Split(path) {
		if part == "*" || part == "null" {
			parts = append(parts, GlobPart{Glob: true})
		} else {
			parts = append(parts, GlobPart{Value: part})
		}
	}
	return parts
}

// InputSpec names an input either as a reference string or as an exploded
// attribute set.
type InputSpec struct {
	URL   string
	Attrs map[string]interface{}
}

func (s *InputSpec) UnmarshalJSON(data []byte) error {
	var attrs map[string]interface{}
	if err := json.Unmarshal(data, &attrs); err == nil {
		s.Attrs = attrs
		return nil
	}
	var url string
	if err := json.Unmarshal(data, &url); err == nil {
		s.URL = url
		return nil
	}
	return fmt.Errorf("input must be a string or an attribute set")
}

func (s *InputSpec) MarshalJSON() ([]byte, error) {
	if s.Attrs != nil {
		return json.Marshal(s.Attrs)
	}
	return json.Marshal(s.URL)
}

// Type returns the scheme of the reference, either from the attrs or the
// URL prefix.
func (s *InputSpec) Type() string {
	if s == nil {
		return ""
	}
	if s.Attrs != nil {
		if t, ok := s.Attrs["type"].(string); ok {
			return t
		}
		return ""
	}
	if i := strings.IndexByte(s.URL, ':'); i > 0 {
		return s.URL[:i]
	}
	// A bare name is an indirect reference to the global registry.
	return "indirect"
}

// Equal compares two specs by canonical JSON.
func (s *InputSpec) Equal(other *InputSpec) bool {
	if s == nil || other == nil {
		return s == other
	}
	a, _ := json.Marshal(s)
	b, _ := json.Marshal(other)
	return bytes.Equal(a, b)
}

// RawDescriptor is the serialized form of a dependency requirement as it
// appears in a manifest's install table.
type RawDescriptor struct {
	Name              *string        `json:"name,omitempty"`
	Version           *string        `json:"version,omitempty"`
	Path              *PathSpec      `json:"path,omitempty"`
	AbsPath           *AbsPathSpec   `json:"abspath,omitempty"`
	Systems           []pkgdb.System `json:"systems,omitempty"`
	Optional          *bool          `json:"optional,omitempty"`
	PackageGroup      *string        `json:"package-group,omitempty"`
	PackageRepository *InputSpec     `json:"package-repository,omitempty"`
	Priority          *int           `json:"priority,omitempty"`
}

// ParseRawDescriptor parses the JSON object form, rejecting unknown keys.
func ParseRawDescriptor(data []byte) (*RawDescriptor, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var raw RawDescriptor
	if err := dec.Decode(&raw); err != nil {
		return nil, WrapError(ParseDescriptor, "parsing manifest descriptor", err)
	}
	return &raw, nil
}

// ParseDescriptorString parses the compact string form.
func ParseDescriptorString(descriptor string) (*RawDescriptor, error) {
	raw := &RawDescriptor{}
	rest := descriptor

	// Grab the input if it exists.
	if idx := strings.IndexByte(rest, inputSigil); idx >= 0 {
		input := rest[:idx]
		raw.PackageRepository = &InputSpec{URL: input}
		rest = rest[idx+1:]
	}

	// Split off the version text.
	var version string
	hasVersion := false
	if idx := strings.IndexByte(rest, versionSigil); idx >= 0 {
		version = rest[idx+1:]
		rest = rest[:idx]
		hasVersion = true
	}

	// Guard against `input:` i.e. an empty attribute path.
	if rest == "" {
		return nil, NewError(ParseDescriptor, "descriptor was missing a package name")
	}

	glob := splitAttrPathGlob(rest)
	for _, part := range glob {
		if !part.Glob && part.Value == "" {
			return nil, NewError(ParseDescriptor,
				fmt.Sprintf("descriptor attribute name was malformed: `%s'", rest))
		}
	}

	switch {
	case len(glob) == 1:
		// Match against `name`, `pname`, or `attrName`.
		if glob[0].Glob {
			return nil, globPlacementError(glob)
		}
		name := glob[0].Value
		raw.Name = &name
	case len(glob) == 2:
		// Definitely a relative path.
		path, err := relativePathFromGlob(glob)
		if err != nil {
			return nil, err
		}
		raw.Path = &PathSpec{parts: path}
	case isAbsolutePathGlob(glob):
		abs, err := validatedAbsolutePath(glob)
		if err != nil {
			return nil, err
		}
		raw.AbsPath = &AbsPathSpec{parts: abs}
	default:
		path, err := relativePathFromGlob(glob)
		if err != nil {
			return nil, err
		}
		raw.Path = &PathSpec{parts: path}
	}

	if hasVersion {
		raw.Version = &version
	}
	return raw, nil
}

func globPlacementError(glob []GlobPart) error {
	return NewError(ParseDescriptor,
		fmt.Sprintf("globs are only allowed to replace entire system names: `%s'",
			displayGlobbedPath(glob)))
}

func displayGlobbedPath(glob []GlobPart) string {
	parts := make([]string, len(glob))
	for i, part := range glob {
		if part.Glob {
			parts[i] = "*"
		} else {
			parts[i] = part.Value
		}
	}
	return strings.Join(parts, ".")
}

// relativePathFromGlob validates that a relative path contains no globs;
// relative paths never name a system, so a glob has no place in one.
func relativePathFromGlob(glob []GlobPart) ([]string, error) {
	parts := make([]string, len(glob))
	for i, part := range glob {
		if part.Glob || strings.ContainsRune(part.Value, '*') {
			return nil, globPlacementError(glob)
		}
		parts[i] = part.Value
	}
	return parts, nil
}

// isAbsolutePathGlob reports whether the path has enough components and
// begins with a recognized subtree tag.
func isAbsolutePathGlob(glob []GlobPart) bool {
	if len(glob) < 3 || glob[0].Glob {
		return false
	}
	_, err := pkgdb.ParseSubtree(glob[0].Value)
	return err == nil
}

// validatedAbsolutePath asserts that at most the system element is globbed
// and no attr name embeds a partial glob.
func validatedAbsolutePath(glob []GlobPart) ([]GlobPart, error) {
	globs := 0
	for i, part := range glob {
		if part.Glob {
			globs++
			if i != 1 {
				return nil, globPlacementError(glob)
			}
		} else if strings.ContainsRune(part.Value, '*') {
			return nil, globPlacementError(glob)
		}
	}
	if globs > 1 {
		return nil, globPlacementError(glob)
	}
	return glob, nil
}

// Descriptor is the canonical in-memory requirement for one dependency
// slot.
type Descriptor struct {
	// Name matches either the package's pname or its leaf attr name.
	Name string
	// Optional descriptors record an unresolved outcome instead of
	// failing resolution.
	Optional bool
	// Group names the bucket this descriptor must co-resolve with.
	Group string
	// Version matches exactly. Mutually exclusive with Range.
	Version string
	// Range matches a semantic version range; the empty string means
	// "any semver". Mutually exclusive with Version.
	Range *string
	// Subtree restricts matching to one namespace partition.
	Subtree pkgdb.Subtree
	// Systems restricts the systems the descriptor resolves for.
	Systems []pkgdb.System
	// Path is the relative attribute path to match.
	Path []string
	// Input names a single named or literal input. It takes part in the
	// lock-reuse comparison; resolution does not restrict the inputs it
	// searches to it.
	Input *InputSpec
	// Priority ranks the package for file conflicts; higher wins.
	Priority int
}

// DefaultPriority is assigned when a descriptor does not set one.
const DefaultPriority = 5

// checkRaw validates cross-field constraints of the raw form before
// canonicalization. iid is used for error context.
func checkRaw(raw *RawDescriptor, iid string) error {
	if raw.AbsPath == nil {
		return nil
	}
	glob := raw.AbsPath.Parts()
	if len(glob) < 3 {
		return NewError(InvalidManifestDescriptor,
			fmt.Sprintf("`install.%s.abspath' must have at least three parts", iid))
	}
	if glob[0].Glob {
		return NewError(InvalidManifestDescriptor,
			fmt.Sprintf("`install.%s.abspath' must have a subtree as its first element", iid))
	}
	if _, err := pkgdb.ParseSubtree(glob[0].Value); err != nil {
		return NewError(InvalidManifestDescriptor,
			fmt.Sprintf("`install.%s.abspath' must have a subtree as its first element", iid))
	}
	if raw.Path != nil {
		return NewError(InvalidManifestDescriptor,
			fmt.Sprintf("`install.%s.path' conflicts with `install.%s.abspath'", iid, iid))
	}
	if raw.Systems != nil && !glob[1].Glob {
		found := false
		for _, system := range raw.Systems {
			if string(system) == glob[1].Value {
				found = true
			}
		}
		if !found {
			return NewError(InvalidManifestDescriptor,
				fmt.Sprintf("`install.%s.systems' list conflicts with `install.%s.abspath' system specification",
					iid, iid))
		}
	}
	return nil
}

// NewDescriptor canonicalizes a raw descriptor. iid supplies the install id
// for error context and is used as the name when the descriptor gives no
// other way to match.
func NewDescriptor(iid string, raw *RawDescriptor) (*Descriptor, error) {
	if err := checkRaw(raw, iid); err != nil {
		return nil, err
	}

	desc := &Descriptor{Priority: DefaultPriority}
	if raw.Name != nil {
		desc.Name = *raw.Name
	}
	if raw.Optional != nil {
		desc.Optional = *raw.Optional
	}
	if raw.PackageGroup != nil {
		desc.Group = *raw.PackageGroup
	}
	if raw.Priority != nil {
		desc.Priority = *raw.Priority
	}

	if raw.Version != nil {
		desc.initVersion(*raw.Version)
	}

	if raw.AbsPath != nil {
		if err := desc.initAbsPath(raw, iid); err != nil {
			return nil, err
		}
	}

	// Only set if it wasn't pinned by the absolute path.
	if desc.Systems == nil && raw.Systems != nil {
		desc.Systems = raw.Systems
	}
	for _, system := range desc.Systems {
		if !pkgdb.IsSupportedSystem(system) {
			return nil, NewError(InvalidManifestDescriptor,
				fmt.Sprintf("`install.%s' names unsupported system `%s'", iid, system))
		}
	}

	if raw.Path != nil {
		desc.Path = raw.Path.Parts()
	}

	desc.Input = raw.PackageRepository

	if desc.Name == "" && desc.Path == nil {
		desc.Name = iid
	}
	return desc, nil
}

// initVersion distinguishes exact versions from semver ranges.
//
// The string `4.2.0` is not a range, but `4.2` is. An explicit match on
// `4.2` needs the `=4.2` spelling.
func (d *Descriptor) initVersion(version string) {
	trimmed := strings.TrimSpace(version)

	// Empty is recognized as the _any_ range.
	if trimmed == "" {
		d.Range = &trimmed
		return
	}

	switch trimmed[0] {
	case exactVersionSigil:
		d.Version = trimmed[1:]
	case '*', '~', '^', '>', '<':
		d.Range = &trimmed
	default:
		if versions.IsSemver(trimmed) || versions.IsDate(trimmed) ||
			!versions.IsSemverRange(trimmed) {
			d.Version = trimmed
		} else {
			d.Range = &trimmed
		}
	}
}

// initAbsPath explodes a validated absolute globbed path into subtree,
// system, and relative path.
func (d *Descriptor) initAbsPath(raw *RawDescriptor, iid string) error {
	glob, err := validatedAbsolutePath(raw.AbsPath.Parts())
	if err != nil {
		return err
	}
	subtree, err := pkgdb.ParseSubtree(glob[0].Value)
	if err != nil {
		return NewError(InvalidManifestDescriptor,
			fmt.Sprintf("`install.%s.abspath' must have a subtree as its first element", iid))
	}
	d.Subtree = subtree

	d.Path = nil
	for _, part := range glob[2:] {
		d.Path = append(d.Path, part.Value)
	}

	if !glob[1].Glob {
		d.Systems = []pkgdb.System{pkgdb.System(glob[1].Value)}
	}
	return nil
}

// AppliesToSystem reports whether the descriptor participates on system.
func (d *Descriptor) AppliesToSystem(system pkgdb.System) bool {
	if d.Systems == nil {
		return true
	}
	for _, s := range d.Systems {
		if s == system {
			return true
		}
	}
	return false
}

// FillQuery derives index query parameters from the descriptor.
func (d *Descriptor) FillQuery(q *pkgdb.Query) {
	// Must exactly match either `pname' or `attrName'.
	if d.Name != "" {
		q.PnameOrAttrName = d.Name
	}

	if d.Version != "" {
		q.Version = d.Version
	} else if d.Range != nil {
		q.Range = *d.Range
		if q.Range == "" {
			// The _any_ range still restricts results to semver packages.
			q.Range = "*"
		}
		// `~<VERSION>-<TAG>' ranges ask for pre-release ordering.
		if versions.WantsPreReleases(*d.Range) {
			q.PreferPreReleases = true
		}
	}

	if d.Subtree != "" {
		q.Subtrees = []pkgdb.Subtree{d.Subtree}
	}
	if d.Systems != nil {
		q.Systems = d.Systems
	}
	if d.Path != nil {
		q.RelPath = d.Path
	}
}

// fingerprintFields returns the descriptor fields that participate in the
// lock-reuse predicate; priority and systems are deliberately absent.
func (d *Descriptor) fingerprintFields() string {
	var rng interface{}
	if d.Range != nil {
		rng = *d.Range
	}
	var input interface{}
	if d.Input != nil {
		data, _ := json.Marshal(d.Input)
		input = string(data)
	}
	data, _ := json.Marshal([]interface{}{
		d.Name, d.Path, d.Version, rng, string(d.Subtree), input, d.Group, d.Optional,
	})
	return string(data)
}

// Unchanged reports whether the locking-relevant fields of the descriptor
// match a prior version of it.
func (d *Descriptor) Unchanged(old *Descriptor) bool {
	return d.fingerprintFields() == old.fingerprintFields()
}
