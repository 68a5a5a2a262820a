// Copyright 2024 The pesde Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pesde

import (
	"sort"
	"strings"

	"github.com/Masterminds/semver"
	toml "github.com/pelletier/go-toml"
	"github.com/pkg/errors"

	"github.com/Paficent/pesde/names"
	"github.com/Paficent/pesde/source"
	"github.com/Paficent/pesde/target"
)

// An OverrideKey identifies a path in the dependency tree, written as the
// package names along the path from the project root, e.g. "c/d/a/b" for
// a/b underneath c/d.
type OverrideKey []names.PackageName

// ParseOverrideKey parses the manifest rendering of an override key.
func ParseOverrideKey(s string) (OverrideKey, error) {
	segments := strings.Split(s, "/")
	if len(segments) == 0 || len(segments)%2 != 0 {
		return nil, errors.Errorf("override key %q is not a path of scope/name pairs", s)
	}
	key := make(OverrideKey, 0, len(segments)/2)
	for i := 0; i < len(segments); i += 2 {
		n, err := names.New(segments[i], segments[i+1])
		if err != nil {
			return nil, errors.Wrapf(err, "override key %q", s)
		}
		key = append(key, n)
	}
	return key, nil
}

func (k OverrideKey) String() string {
	parts := make([]string, len(k))
	for i, n := range k {
		parts[i] = n.String()
	}
	return strings.Join(parts, "/")
}

// A Manifest is the parsed project manifest.
type Manifest struct {
	Name        names.PackageName
	Version     *semver.Version
	Description string
	Authors     []string
	Repository  string
	License     string

	// Target selects the environment the project is built for, plus its
	// own entry points when it is a library or binary.
	Target target.Target

	// Indices maps index aliases to repository URLs; specifiers that name
	// no index use "default". ReadManifest does not check that any alias
	// is present; SourceFor fails for an alias the table lacks.
	// WallyIndices is the same mapping for wally-compat sources.
	Indices      map[string]string
	WallyIndices map[string]string

	// Scripts maps named script kinds to project-relative paths.
	Scripts map[string]string

	// Patches maps package name -> version id -> patch file path.
	Patches map[names.PackageName]map[source.VersionID]string

	// Overrides substitutes specifiers at paths in the dependency tree.
	Overrides map[string]source.DependencySpecifiers

	Dependencies     map[string]source.DependencySpecifiers
	PeerDependencies map[string]source.DependencySpecifiers
	DevDependencies  map[string]source.DependencySpecifiers

	// WorkspaceMembers are glob patterns selecting member project roots.
	WorkspaceMembers []string
}

type rawDependency struct {
	Name    string `toml:"name,omitempty"`
	Wally   string `toml:"wally,omitempty"`
	Version string `toml:"version"`
	Index   string `toml:"index,omitempty"`
}

type rawTarget struct {
	Environment string   `toml:"environment"`
	Lib         string   `toml:"lib,omitempty"`
	Bin         string   `toml:"bin,omitempty"`
	BuildFiles  []string `toml:"build_files,omitempty"`
}

type rawManifest struct {
	Name        string   `toml:"name"`
	Version     string   `toml:"version"`
	Description string   `toml:"description,omitempty"`
	Authors     []string `toml:"authors,omitempty"`
	Repository  string   `toml:"repository,omitempty"`
	License     string   `toml:"license,omitempty"`

	Target rawTarget `toml:"target"`

	Indices      map[string]string `toml:"indices,omitempty"`
	WallyIndices map[string]string `toml:"wally_indices,omitempty"`

	Scripts map[string]string            `toml:"scripts,omitempty"`
	Patches map[string]map[string]string `toml:"patches,omitempty"`

	Overrides map[string]rawDependency `toml:"overrides,omitempty"`

	Dependencies     map[string]rawDependency `toml:"dependencies,omitempty"`
	PeerDependencies map[string]rawDependency `toml:"peer_dependencies,omitempty"`
	DevDependencies  map[string]rawDependency `toml:"dev_dependencies,omitempty"`

	Workspace struct {
		Members []string `toml:"members,omitempty"`
	} `toml:"workspace"`
}

// ReadManifest parses manifest bytes, validating names, versions, and
// dependency declarations.
func ReadManifest(b []byte) (*Manifest, error) {
	var raw rawManifest
	if err := toml.Unmarshal(b, &raw); err != nil {
		return nil, errors.Wrap(err, "parsing manifest")
	}

	name, err := names.Parse(raw.Name)
	if err != nil {
		return nil, errors.Wrap(err, "manifest name")
	}
	version, err := semver.NewVersion(raw.Version)
	if err != nil {
		return nil, errors.Wrapf(err, "manifest version %q", raw.Version)
	}

	if raw.Target.Environment == "" {
		return nil, errors.New("manifest is missing target.environment")
	}
	kind, err := target.ParseKind(raw.Target.Environment)
	if err != nil {
		return nil, errors.Wrap(err, "manifest target")
	}
	tgt := target.Target{
		Environment: kind,
		Lib:         raw.Target.Lib,
		Bin:         raw.Target.Bin,
		BuildFiles:  raw.Target.BuildFiles,
	}

	m := &Manifest{
		Name:             name,
		Version:          version,
		Description:      raw.Description,
		Authors:          raw.Authors,
		Repository:       raw.Repository,
		License:          raw.License,
		Target:           tgt,
		Indices:          raw.Indices,
		WallyIndices:     raw.WallyIndices,
		Scripts:          raw.Scripts,
		Overrides:        make(map[string]source.DependencySpecifiers, len(raw.Overrides)),
		Dependencies:     make(map[string]source.DependencySpecifiers, len(raw.Dependencies)),
		PeerDependencies: make(map[string]source.DependencySpecifiers, len(raw.PeerDependencies)),
		DevDependencies:  make(map[string]source.DependencySpecifiers, len(raw.DevDependencies)),
		WorkspaceMembers: raw.Workspace.Members,
	}
	if m.Indices == nil {
		m.Indices = map[string]string{}
	}

	for key, rd := range raw.Overrides {
		if _, err := ParseOverrideKey(key); err != nil {
			return nil, err
		}
		spec, err := toSpecifier(key, rd)
		if err != nil {
			return nil, err
		}
		m.Overrides[key] = spec
	}

	for alias, rd := range raw.Dependencies {
		if m.Dependencies[alias], err = toSpecifier(alias, rd); err != nil {
			return nil, err
		}
	}
	for alias, rd := range raw.PeerDependencies {
		if m.PeerDependencies[alias], err = toSpecifier(alias, rd); err != nil {
			return nil, err
		}
	}
	for alias, rd := range raw.DevDependencies {
		if m.DevDependencies[alias], err = toSpecifier(alias, rd); err != nil {
			return nil, err
		}
	}

	if raw.Patches != nil {
		m.Patches = make(map[names.PackageName]map[source.VersionID]string, len(raw.Patches))
		for pkg, byVersion := range raw.Patches {
			pn, err := names.Parse(pkg)
			if err != nil {
				return nil, errors.Wrap(err, "patches table")
			}
			inner := make(map[source.VersionID]string, len(byVersion))
			for rendered, path := range byVersion {
				id, err := source.ParseVersionID(rendered)
				if err != nil {
					return nil, errors.Wrapf(err, "patches for %s", pkg)
				}
				inner[id] = path
			}
			m.Patches[pn] = inner
		}
	}

	return m, nil
}

// toSpecifier interprets a raw dependency declaration. Exactly one of name
// (pesde) and wally may be set, and a version requirement is mandatory - the
// same shape the long dependency form documents.
func toSpecifier(alias string, rd rawDependency) (source.DependencySpecifiers, error) {
	if rd.Name != "" && rd.Wally != "" {
		return source.DependencySpecifiers{}, errors.Errorf("dependency %q declares both name and wally", alias)
	}
	if rd.Version == "" {
		return source.DependencySpecifiers{}, errors.Errorf("dependency %q is missing a version requirement", alias)
	}
	if _, err := semver.NewConstraint(rd.Version); err != nil {
		return source.DependencySpecifiers{}, errors.Wrapf(err, "dependency %q version requirement", alias)
	}

	switch {
	case rd.Wally != "":
		n, err := names.Parse(rd.Wally)
		if err != nil {
			return source.DependencySpecifiers{}, errors.Wrapf(err, "dependency %q", alias)
		}
		return source.DependencySpecifiers{Wally: &source.WallyDependencySpecifier{
			Name:    n,
			Version: rd.Version,
			Index:   rd.Index,
		}}, nil
	case rd.Name != "":
		n, err := names.Parse(rd.Name)
		if err != nil {
			return source.DependencySpecifiers{}, errors.Wrapf(err, "dependency %q", alias)
		}
		return source.DependencySpecifiers{Pesde: &source.PesdeDependencySpecifier{
			Name:    n,
			Version: rd.Version,
			Index:   rd.Index,
		}}, nil
	}
	return source.DependencySpecifiers{}, errors.Errorf("dependency %q names no package", alias)
}

// DependencyEntries flattens the three dependency tables into alias ->
// (specifier, declared type). Aliases must be unique across tables.
func (m *Manifest) DependencyEntries() (map[string]source.DependencyEntry, error) {
	out := make(map[string]source.DependencyEntry, len(m.Dependencies)+len(m.PeerDependencies)+len(m.DevDependencies))
	add := func(table map[string]source.DependencySpecifiers, ty source.DependencyType) error {
		for alias, spec := range table {
			if _, dup := out[alias]; dup {
				return errors.Errorf("dependency alias %q is declared in multiple tables", alias)
			}
			out[alias] = source.DependencyEntry{Specifier: spec, Type: ty}
		}
		return nil
	}
	if err := add(m.Dependencies, source.Standard); err != nil {
		return nil, err
	}
	if err := add(m.PeerDependencies, source.Peer); err != nil {
		return nil, err
	}
	if err := add(m.DevDependencies, source.Dev); err != nil {
		return nil, err
	}
	return out, nil
}

// SortedAliases returns the aliases of entries in deterministic order.
func SortedAliases(entries map[string]source.DependencyEntry) []string {
	aliases := make([]string, 0, len(entries))
	for alias := range entries {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	return aliases
}

// SourceFor maps a specifier to the package source it resolves against,
// using the manifest's index alias tables.
func (m *Manifest) SourceFor(spec source.DependencySpecifiers) (source.PackageSource, error) {
	alias := spec.IndexAlias()
	switch spec.Kind() {
	case source.KindWally:
		repo, ok := m.WallyIndices[alias]
		if !ok {
			return source.PackageSource{}, errors.Errorf("manifest declares no wally index %q", alias)
		}
		return source.PackageSource{Kind: source.KindWally, Repo: repo}, nil
	default:
		repo, ok := m.Indices[alias]
		if !ok {
			return source.PackageSource{}, errors.Errorf("manifest declares no index %q", alias)
		}
		return source.PackageSource{Kind: source.KindPesde, Repo: repo}, nil
	}
}
