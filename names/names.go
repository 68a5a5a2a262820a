// Copyright 2024 The pesde Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package names defines package name identities and their canonical
// renderings.
package names

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// A PackageName is the pair of a scope and a name, canonically rendered as
// "scope/name". Equality is byte-exact on both segments.
type PackageName struct {
	scope string
	name  string
}

// ErrInvalidName is returned when a string cannot be parsed as a package
// name.
var ErrInvalidName = errors.New("invalid package name")

// New constructs a PackageName from its two segments, validating each.
func New(scope, name string) (PackageName, error) {
	if err := validateSegment(scope); err != nil {
		return PackageName{}, errors.Wrapf(err, "scope %q", scope)
	}
	if err := validateSegment(name); err != nil {
		return PackageName{}, errors.Wrapf(err, "name %q", name)
	}
	return PackageName{scope: scope, name: name}, nil
}

// Parse parses a canonical "scope/name" string.
func Parse(s string) (PackageName, error) {
	scope, name, ok := strings.Cut(s, "/")
	if !ok {
		return PackageName{}, errors.Wrapf(ErrInvalidName, "%q is missing a scope separator", s)
	}
	return New(scope, name)
}

func validateSegment(s string) error {
	if len(s) == 0 || len(s) > 32 {
		return errors.Wrap(ErrInvalidName, "segment must be between 1 and 32 characters")
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '-':
		default:
			return errors.Wrapf(ErrInvalidName, "segment contains %q; only lowercase alphanumerics and hyphens are allowed", r)
		}
	}
	return nil
}

// Scope returns the first segment of the name, the ownership unit for
// publishing.
func (n PackageName) Scope() string { return n.scope }

// Name returns the second segment of the name.
func (n PackageName) Name() string { return n.name }

// IsZero reports whether n is the zero PackageName.
func (n PackageName) IsZero() bool { return n.scope == "" && n.name == "" }

func (n PackageName) String() string {
	return n.scope + "/" + n.name
}

// Escaped renders the name with the separator replaced for filesystem use.
func (n PackageName) Escaped() string {
	return n.scope + "+" + n.name
}

// MarshalText implements encoding.TextMarshaler so names can serve as TOML
// map keys.
func (n PackageName) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (n *PackageName) UnmarshalText(b []byte) error {
	pn, err := Parse(string(b))
	if err != nil {
		return err
	}
	*n = pn
	return nil
}

// Sorted returns the names in their natural (lexicographic) order. The
// input slice is not modified.
func Sorted(in []PackageName) []PackageName {
	out := make([]PackageName, len(in))
	copy(out, in)
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
