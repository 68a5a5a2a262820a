// Copyright 2024 The pesde Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pesde

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Masterminds/semver"
	toml "github.com/pelletier/go-toml"
	"github.com/pkg/errors"
	"github.com/sergi/go-diff/diffmatchpatch"

	pfs "github.com/Paficent/pesde/internal/fs"
	"github.com/Paficent/pesde/names"
	"github.com/Paficent/pesde/source"
	"github.com/Paficent/pesde/target"
)

// ErrLockfileNotFound is returned when no lockfile exists yet; the install
// flow treats it as "no prior lockfile".
var ErrLockfileNotFound = errors.New("lockfile not found")

// A Lockfile records the outcome of a run: the project identity, the
// invalidation keys, the workspace member map, and the downloaded graph.
type Lockfile struct {
	Name    names.PackageName
	Version *semver.Version
	Target  target.Kind

	Overrides map[string]source.DependencySpecifiers
	Workspace map[names.PackageName]map[target.Kind]string

	Graph DownloadedGraph
}

type rawLockSpecifier struct {
	Name    string `toml:"name,omitempty"`
	Wally   string `toml:"wally,omitempty"`
	Version string `toml:"version"`
	Index   string `toml:"index,omitempty"`
}

type rawLockDirect struct {
	Alias string           `toml:"alias"`
	Type  string           `toml:"type"`
	Spec  rawLockSpecifier `toml:"specifier"`
}

type rawLockDepEntry struct {
	Type string           `toml:"type"`
	Spec rawLockSpecifier `toml:"specifier"`
}

type rawLockPkgRef struct {
	Kind         string                     `toml:"kind"`
	Name         string                     `toml:"name"`
	Version      string                     `toml:"version"`
	Index        string                     `toml:"index_url"`
	Dependencies map[string]rawLockDepEntry `toml:"dependencies,omitempty"`
	Target       *target.Target             `toml:"target,omitempty"`
}

type rawLockNode struct {
	ResolvedTy   string              `toml:"resolved_ty"`
	Direct       *rawLockDirect      `toml:"direct,omitempty"`
	Dependencies map[string][]string `toml:"dependencies,omitempty"`
	PkgRef       rawLockPkgRef       `toml:"pkg_ref"`
	Target       target.Target       `toml:"target"`
}

type rawLockfile struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
	Target  string `toml:"target"`

	Overrides map[string]rawLockSpecifier  `toml:"overrides,omitempty"`
	Workspace map[string]map[string]string `toml:"workspace,omitempty"`

	Graph map[string]map[string]rawLockNode `toml:"graph,omitempty"`
}

func specifierToRaw(s source.DependencySpecifiers) rawLockSpecifier {
	switch {
	case s.Pesde != nil:
		return rawLockSpecifier{Name: s.Pesde.Name.String(), Version: s.Pesde.Version, Index: s.Pesde.Index}
	case s.Wally != nil:
		return rawLockSpecifier{Wally: s.Wally.Name.String(), Version: s.Wally.Version, Index: s.Wally.Index}
	}
	return rawLockSpecifier{}
}

func specifierFromRaw(r rawLockSpecifier) (source.DependencySpecifiers, error) {
	return toSpecifier("lockfile entry", rawDependency{
		Name:    r.Name,
		Wally:   r.Wally,
		Version: r.Version,
		Index:   r.Index,
	})
}

func pkgRefToRaw(r source.PackageRefs) rawLockPkgRef {
	raw := rawLockPkgRef{}
	var deps map[string]source.DependencyEntry
	switch {
	case r.Pesde != nil:
		raw.Kind = "pesde"
		raw.Name = r.Pesde.Name.String()
		raw.Version = r.Pesde.Version.String()
		raw.Index = r.Pesde.Index
		t := r.Pesde.Target
		raw.Target = &t
		deps = r.Pesde.Dependencies
	case r.Wally != nil:
		raw.Kind = "wally"
		raw.Name = r.Wally.Name.String()
		raw.Version = r.Wally.Version.String()
		raw.Index = r.Wally.Index
		deps = r.Wally.Dependencies
	}
	if len(deps) > 0 {
		raw.Dependencies = make(map[string]rawLockDepEntry, len(deps))
		for alias, entry := range deps {
			raw.Dependencies[alias] = rawLockDepEntry{
				Spec: specifierToRaw(entry.Specifier),
				Type: string(entry.Type),
			}
		}
	}
	return raw
}

func pkgRefFromRaw(raw rawLockPkgRef) (source.PackageRefs, error) {
	name, err := names.Parse(raw.Name)
	if err != nil {
		return source.PackageRefs{}, errors.Wrap(err, "package ref name")
	}
	id, err := source.ParseVersionID(raw.Version)
	if err != nil {
		return source.PackageRefs{}, errors.Wrap(err, "package ref version")
	}

	var deps map[string]source.DependencyEntry
	if len(raw.Dependencies) > 0 {
		deps = make(map[string]source.DependencyEntry, len(raw.Dependencies))
		for alias, rd := range raw.Dependencies {
			spec, err := specifierFromRaw(rd.Spec)
			if err != nil {
				return source.PackageRefs{}, errors.Wrapf(err, "dependency %q of package ref", alias)
			}
			ty, err := source.ParseDependencyType(rd.Type)
			if err != nil {
				return source.PackageRefs{}, errors.Wrapf(err, "dependency %q of package ref", alias)
			}
			deps[alias] = source.DependencyEntry{Specifier: spec, Type: ty}
		}
	}

	switch raw.Kind {
	case "pesde":
		ref := &source.PesdePackageRef{Name: name, Version: id, Index: raw.Index, Dependencies: deps}
		if raw.Target != nil {
			ref.Target = *raw.Target
		}
		return source.PackageRefs{Pesde: ref}, nil
	case "wally":
		return source.PackageRefs{Wally: &source.WallyPackageRef{Name: name, Version: id, Index: raw.Index, Dependencies: deps}}, nil
	}
	return source.PackageRefs{}, errors.Errorf("unknown package ref kind %q", raw.Kind)
}

// MarshalLockfile renders a lockfile with the stable field order the
// identity round-trip depends on.
func MarshalLockfile(l *Lockfile) ([]byte, error) {
	raw := rawLockfile{
		Name:    l.Name.String(),
		Version: l.Version.String(),
		Target:  l.Target.String(),
	}

	if len(l.Overrides) > 0 {
		raw.Overrides = make(map[string]rawLockSpecifier, len(l.Overrides))
		for key, spec := range l.Overrides {
			raw.Overrides[key] = specifierToRaw(spec)
		}
	}

	if len(l.Workspace) > 0 {
		raw.Workspace = make(map[string]map[string]string, len(l.Workspace))
		for name, byTarget := range l.Workspace {
			inner := make(map[string]string, len(byTarget))
			for kind, rel := range byTarget {
				inner[kind.String()] = rel
			}
			raw.Workspace[name.String()] = inner
		}
	}

	if len(l.Graph) > 0 {
		raw.Graph = make(map[string]map[string]rawLockNode, len(l.Graph))
		err := l.Graph.Nodes(func(name names.PackageName, id source.VersionID, node *DownloadedDependencyGraphNode) error {
			inner, ok := raw.Graph[name.String()]
			if !ok {
				inner = make(map[string]rawLockNode)
				raw.Graph[name.String()] = inner
			}

			rn := rawLockNode{
				ResolvedTy: string(node.Node.ResolvedType),
				PkgRef:     pkgRefToRaw(node.Node.PkgRef),
				Target:     node.Target,
			}
			if node.Node.Direct != nil {
				rn.Direct = &rawLockDirect{
					Alias: node.Node.Direct.Alias,
					Spec:  specifierToRaw(node.Node.Direct.Specifier),
					Type:  string(node.Node.Direct.Type),
				}
			}
			if len(node.Node.Dependencies) > 0 {
				rn.Dependencies = make(map[string][]string, len(node.Node.Dependencies))
				for child, edge := range node.Node.Dependencies {
					rn.Dependencies[child.String()] = []string{edge.Version.String(), edge.Alias}
				}
			}
			inner[id.String()] = rn
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	return toml.Marshal(raw)
}

// UnmarshalLockfile parses lockfile bytes.
func UnmarshalLockfile(b []byte) (*Lockfile, error) {
	var raw rawLockfile
	if err := toml.Unmarshal(b, &raw); err != nil {
		return nil, errors.Wrap(err, "parsing lockfile")
	}

	name, err := names.Parse(raw.Name)
	if err != nil {
		return nil, errors.Wrap(err, "lockfile name")
	}
	version, err := semver.NewVersion(raw.Version)
	if err != nil {
		return nil, errors.Wrap(err, "lockfile version")
	}
	kind, err := target.ParseKind(raw.Target)
	if err != nil {
		return nil, errors.Wrap(err, "lockfile target")
	}

	l := &Lockfile{
		Name:    name,
		Version: version,
		Target:  kind,
		Graph:   make(DownloadedGraph, len(raw.Graph)),
	}

	if len(raw.Overrides) > 0 {
		l.Overrides = make(map[string]source.DependencySpecifiers, len(raw.Overrides))
		for key, rs := range raw.Overrides {
			if _, err := ParseOverrideKey(key); err != nil {
				return nil, err
			}
			spec, err := specifierFromRaw(rs)
			if err != nil {
				return nil, errors.Wrapf(err, "override %q", key)
			}
			l.Overrides[key] = spec
		}
	}

	if len(raw.Workspace) > 0 {
		l.Workspace = make(map[names.PackageName]map[target.Kind]string, len(raw.Workspace))
		for ns, byTarget := range raw.Workspace {
			wn, err := names.Parse(ns)
			if err != nil {
				return nil, errors.Wrap(err, "workspace member name")
			}
			inner := make(map[target.Kind]string, len(byTarget))
			for ks, rel := range byTarget {
				kk, err := target.ParseKind(ks)
				if err != nil {
					return nil, errors.Wrapf(err, "workspace member %s", ns)
				}
				inner[kk] = rel
			}
			l.Workspace[wn] = inner
		}
	}

	for ns, versions := range raw.Graph {
		gn, err := names.Parse(ns)
		if err != nil {
			return nil, errors.Wrap(err, "graph entry name")
		}
		inner := make(map[source.VersionID]*DownloadedDependencyGraphNode, len(versions))
		for rendered, rn := range versions {
			id, err := source.ParseVersionID(rendered)
			if err != nil {
				return nil, errors.Wrapf(err, "graph entry for %s", ns)
			}

			node := &DependencyGraphNode{PkgRef: source.PackageRefs{}}
			node.ResolvedType, err = source.ParseDependencyType(rn.ResolvedTy)
			if err != nil {
				return nil, errors.Wrapf(err, "graph entry %s@%s", ns, rendered)
			}
			node.PkgRef, err = pkgRefFromRaw(rn.PkgRef)
			if err != nil {
				return nil, errors.Wrapf(err, "graph entry %s@%s", ns, rendered)
			}
			if rn.Direct != nil {
				spec, err := specifierFromRaw(rn.Direct.Spec)
				if err != nil {
					return nil, errors.Wrapf(err, "direct record of %s@%s", ns, rendered)
				}
				ty, err := source.ParseDependencyType(rn.Direct.Type)
				if err != nil {
					return nil, errors.Wrapf(err, "direct record of %s@%s", ns, rendered)
				}
				node.Direct = &DirectDependency{Alias: rn.Direct.Alias, Specifier: spec, Type: ty}
			}
			if len(rn.Dependencies) > 0 {
				node.Dependencies = make(map[names.PackageName]GraphDependency, len(rn.Dependencies))
				for child, pair := range rn.Dependencies {
					cn, err := names.Parse(child)
					if err != nil {
						return nil, errors.Wrapf(err, "edge of %s@%s", ns, rendered)
					}
					if len(pair) != 2 {
						return nil, errors.Errorf("edge %s of %s@%s is not a (version, alias) pair", child, ns, rendered)
					}
					cid, err := source.ParseVersionID(pair[0])
					if err != nil {
						return nil, errors.Wrapf(err, "edge %s of %s@%s", child, ns, rendered)
					}
					node.Dependencies[cn] = GraphDependency{Version: cid, Alias: pair[1]}
				}
			}

			inner[id] = &DownloadedDependencyGraphNode{Node: node, Target: rn.Target}
		}
		l.Graph[gn] = inner
	}

	return l, nil
}

// Lockfile reads and parses the project lockfile. A missing file is
// reported as ErrLockfileNotFound.
func (p *Project) Lockfile() (*Lockfile, error) {
	b, err := os.ReadFile(filepath.Join(p.Root, LockfileName))
	if os.IsNotExist(err) {
		return nil, ErrLockfileNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading lockfile")
	}
	return UnmarshalLockfile(b)
}

// WriteLockfile atomically replaces the project lockfile. This runs only
// after linking completes, so an aborted run leaves the prior lockfile in
// place.
func (p *Project) WriteLockfile(l *Lockfile) error {
	b, err := MarshalLockfile(l)
	if err != nil {
		return errors.Wrap(err, "encoding lockfile")
	}
	return errors.Wrap(
		pfs.WriteFileAtomic(filepath.Join(p.Root, LockfileName), b, 0644),
		"writing lockfile")
}

// UsableLockfile loads the prior lockfile and silently discards it when its
// invalidation keys (overrides, target kind) no longer match the manifest.
// A missing lockfile returns (nil, nil).
func (p *Project) UsableLockfile(m *Manifest) (*Lockfile, error) {
	l, err := p.Lockfile()
	if err == ErrLockfileNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !overridesEqual(m.Overrides, l.Overrides) {
		p.Dbg.Printf("lockfile overrides differ from manifest, discarding")
		return nil, nil
	}
	if l.Target != m.Target.Kind() {
		p.Dbg.Printf("lockfile target kind differs from manifest, discarding")
		return nil, nil
	}
	return l, nil
}

// CheckLocked verifies a lockfile against the manifest for --locked mode:
// overrides, target kind, and the declared dependency set with its version
// requirements must all match. The returned error carries a diff of the
// out-of-sync section.
func CheckLocked(m *Manifest, l *Lockfile) error {
	if l.Target != m.Target.Kind() {
		return errors.Errorf("lockfile is out of sync: target changed from %s to %s", l.Target, m.Target.Kind())
	}
	if !overridesEqual(m.Overrides, l.Overrides) {
		return errors.Errorf("lockfile is out of sync:\n%s",
			renderDiff(renderSpecifierTable(l.Overrides), renderSpecifierTable(m.Overrides)))
	}

	declared, err := m.DependencyEntries()
	if err != nil {
		return err
	}
	want := make(map[string]source.DependencySpecifiers, len(declared))
	for alias, entry := range declared {
		want[alias] = entry.Specifier
	}

	got := make(map[string]source.DependencySpecifiers)
	for _, versions := range l.Graph {
		for _, node := range versions {
			if node.Node.Direct != nil {
				got[node.Node.Direct.Alias] = node.Node.Direct.Specifier
			}
		}
	}

	if !specifierTablesEqual(want, got) {
		return errors.Errorf("lockfile is out of sync:\n%s",
			renderDiff(renderSpecifierTable(got), renderSpecifierTable(want)))
	}
	return nil
}

func overridesEqual(a, b map[string]source.DependencySpecifiers) bool {
	return specifierTablesEqual(a, b)
}

func specifierTablesEqual(a, b map[string]source.DependencySpecifiers) bool {
	if len(a) != len(b) {
		return false
	}
	for key, as := range a {
		bs, ok := b[key]
		if !ok || as.String() != bs.String() || as.IndexAlias() != bs.IndexAlias() {
			return false
		}
	}
	return true
}

func renderSpecifierTable(t map[string]source.DependencySpecifiers) string {
	keys := make([]string, 0, len(t))
	for key := range t {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, key := range keys {
		sb.WriteString(key)
		sb.WriteString(" = ")
		sb.WriteString(t[key].String())
		sb.WriteString("\n")
	}
	return sb.String()
}

func renderDiff(previous, current string) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(previous, current, false)
	return strings.TrimSpace(dmp.DiffPrettyText(diffs))
}
