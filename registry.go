// Copyright 2026 The Pkgenv Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pkgenv

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/pkgenv/pkgenv/pkgdb"
)

// RegistryInput is a named entry in a registry.
type RegistryInput struct {
	// From is the parsed source reference. Inputs reaching the resolver
	// must already be locked to an exact revision.
	From *InputSpec `json:"from"`
	// Subtrees optionally restricts which namespace partitions of the
	// input are searched.
	Subtrees []pkgdb.Subtree `json:"subtrees,omitempty"`
}

// Registry is a set of named inputs with an explicit priority ordering.
type Registry struct {
	Inputs   map[string]RegistryInput `json:"inputs"`
	Priority []string                 `json:"priority,omitempty"`
}

// Order returns input names in resolution order: the explicit priority
// list first, then any remaining inputs in lexicographic order.
func (r *Registry) Order() []string {
	order := make([]string, 0, len(r.Inputs))
	seen := make(map[string]bool, len(r.Inputs))
	for _, name := range r.Priority {
		if _, ok := r.Inputs[name]; ok && !seen[name] {
			order = append(order, name)
			seen[name] = true
		}
	}
	var rest []string
	for name := range r.Inputs {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(order, rest...)
}

// Merge applies overrides on top of the registry: for every name the
// overriding entry replaces the base one, and priority lists merge by
// appending unique entries.
func (r *Registry) Merge(overrides *Registry) {
	if overrides == nil {
		return
	}
	if r.Inputs == nil && len(overrides.Inputs) > 0 {
		r.Inputs = make(map[string]RegistryInput, len(overrides.Inputs))
	}
	for name, input := range overrides.Inputs {
		r.Inputs[name] = input
	}
	for _, name := range overrides.Priority {
		found := false
		for _, existing := range r.Priority {
			if existing == name {
				found = true
				break
			}
		}
		if !found {
			r.Priority = append(r.Priority, name)
		}
	}
}

// Clone returns a deep copy.
func (r *Registry) Clone() *Registry {
	clone := &Registry{}
	if r.Inputs != nil {
		clone.Inputs = make(map[string]RegistryInput, len(r.Inputs))
		for name, input := range r.Inputs {
			clone.Inputs[name] = input
		}
	}
	clone.Priority = append([]string(nil), r.Priority...)
	return clone
}

// Check validates registry contents.
func (r *Registry) Check() error {
	for name, input := range r.Inputs {
		if input.From == nil {
			return NewError(InvalidRegistry, "registry input `"+name+"' has no source")
		}
		if input.From.Type() == "indirect" {
			return NewError(InvalidRegistry,
				"registry input `"+name+"' may not be an indirect reference")
		}
	}
	return nil
}

// LockedInput is a source reference pinned to an exact revision plus the
// fingerprint identifying the index built from it. Two locked inputs are
// equal iff their URL and attrs are equal.
type LockedInput struct {
	Fingerprint string                 `json:"fingerprint"`
	URL         string                 `json:"url"`
	Attrs       map[string]interface{} `json:"attrs"`
}

// Equal compares URL and attrs; the fingerprint is derived from them.
func (l *LockedInput) Equal(other *LockedInput) bool {
	if l == nil || other == nil {
		return l == other
	}
	if l.URL != other.URL {
		return false
	}
	a, _ := json.Marshal(l.Attrs)
	b, _ := json.Marshal(other.Attrs)
	return string(a) == string(b)
}

// Spec converts the locked input back to an input spec.
func (l *LockedInput) Spec() *InputSpec {
	if l.Attrs != nil {
		return &InputSpec{Attrs: l.Attrs}
	}
	return &InputSpec{URL: l.URL}
}

// FingerprintInput derives the index fingerprint of a locked source
// reference: the SHA-256 of its canonical JSON encoding.
func FingerprintInput(spec *InputSpec) string {
	data, _ := json.Marshal(spec)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// RefURL renders a stable URL string for an input spec. Attribute-set refs
// of known schemes get their short URL form; anything else falls back to
// canonical JSON.
func RefURL(spec *InputSpec) string {
	if spec.URL != "" {
		return spec.URL
	}
	attrs := spec.Attrs
	if scheme, _ := attrs["type"].(string); scheme == "github" || scheme == "gitlab" {
		owner, _ := attrs["owner"].(string)
		repo, _ := attrs["repo"].(string)
		if owner != "" && repo != "" {
			url := scheme + ":" + owner + "/" + repo
			if rev, _ := attrs["rev"].(string); rev != "" {
				url += "/" + rev
			}
			return url
		}
	}
	data, _ := json.Marshal(attrs)
	return string(data)
}

// LockInput pins a registry input, deriving its fingerprint. The input must
// already carry an exact revision; the core never fetches.
func LockInput(input *RegistryInput) (*LockedInput, error) {
	if input.From == nil {
		return nil, NewError(InvalidRegistry, "input has no source")
	}
	return &LockedInput{
		Fingerprint: FingerprintInput(input.From),
		URL:         RefURL(input.From),
		Attrs:       input.From.Attrs,
	}, nil
}
