package source

import (
	"github.com/pkg/errors"

	"github.com/Paficent/pesde/names"
)

// DependencyType classifies how a dependency was declared. Resolution may
// transform the declared type; lockfiles record both.
type DependencyType string

const (
	// Standard dependencies are installed transitively.
	Standard DependencyType = "standard"
	// Peer dependencies must be supplied by the consumer. A peer with no
	// standard consumer keeps this type in the graph and is still
	// downloaded and linked like any other node.
	Peer DependencyType = "peer"
	// Dev dependencies are only installed for the root project and skipped
	// on disk in prod mode.
	Dev DependencyType = "dev"
)

// ParseDependencyType validates a serialized dependency type.
func ParseDependencyType(s string) (DependencyType, error) {
	switch DependencyType(s) {
	case Standard, Peer, Dev:
		return DependencyType(s), nil
	}
	return "", errors.Errorf("unknown dependency type %q", s)
}

// A PesdeDependencySpecifier is what a manifest writes for a first-party
// index dependency: a name, a version requirement, and optionally the alias
// of the index it resolves against.
type PesdeDependencySpecifier struct {
	Name    names.PackageName `toml:"name"`
	Version string            `toml:"version"`
	Index   string            `toml:"index,omitempty"`
}

func (s PesdeDependencySpecifier) String() string {
	return s.Name.String() + "@" + s.Version
}

// A WallyDependencySpecifier targets a wally-compat index.
type WallyDependencySpecifier struct {
	Name    names.PackageName `toml:"wally"`
	Version string            `toml:"version"`
	Index   string            `toml:"index,omitempty"`
}

func (s WallyDependencySpecifier) String() string {
	return "wally#" + s.Name.String() + "@" + s.Version
}

// DependencySpecifiers is the tagged union over specifier kinds. Exactly
// one field is non-nil.
type DependencySpecifiers struct {
	Pesde *PesdeDependencySpecifier `toml:"pesde,omitempty"`
	Wally *WallyDependencySpecifier `toml:"wally,omitempty"`
}

// Kind returns the source kind the specifier pairs with.
func (s DependencySpecifiers) Kind() SourceKind {
	if s.Wally != nil {
		return KindWally
	}
	return KindPesde
}

// TargetName returns the package name the specifier asks for.
func (s DependencySpecifiers) TargetName() names.PackageName {
	switch {
	case s.Pesde != nil:
		return s.Pesde.Name
	case s.Wally != nil:
		return s.Wally.Name
	}
	return names.PackageName{}
}

// Requirement returns the declared version requirement string.
func (s DependencySpecifiers) Requirement() string {
	switch {
	case s.Pesde != nil:
		return s.Pesde.Version
	case s.Wally != nil:
		return s.Wally.Version
	}
	return ""
}

// IndexAlias returns the declared index alias, or "default" when elided.
func (s DependencySpecifiers) IndexAlias() string {
	alias := ""
	switch {
	case s.Pesde != nil:
		alias = s.Pesde.Index
	case s.Wally != nil:
		alias = s.Wally.Index
	}
	if alias == "" {
		return DefaultIndexAlias
	}
	return alias
}

// IsZero reports whether no variant is set.
func (s DependencySpecifiers) IsZero() bool {
	return s.Pesde == nil && s.Wally == nil
}

func (s DependencySpecifiers) String() string {
	switch {
	case s.Pesde != nil:
		return s.Pesde.String()
	case s.Wally != nil:
		return s.Wally.String()
	}
	return "<empty specifier>"
}

// DefaultIndexAlias is the index alias used when a specifier does not name
// one.
const DefaultIndexAlias = "default"

// A DependencyEntry pairs a specifier with the type it was declared under.
type DependencyEntry struct {
	Specifier DependencySpecifiers `toml:"specifier"`
	Type      DependencyType       `toml:"type"`
}
