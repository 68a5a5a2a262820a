// Copyright 2024 The pesde Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pesde

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver"
	radix "github.com/armon/go-radix"
	"github.com/pkg/errors"

	"github.com/Paficent/pesde/names"
	"github.com/Paficent/pesde/source"
	"github.com/Paficent/pesde/target"
)

// SourceRegistry is the resolver's and downloader's view of package
// sources. The production implementation dispatches into the source sum;
// tests inject fixtures.
type SourceRegistry interface {
	// Refresh brings a source's local state up to date. Idempotent.
	Refresh(ctx context.Context, src source.PackageSource) error
	// Resolve maps a specifier to its candidate versions.
	Resolve(ctx context.Context, src source.PackageSource, spec source.DependencySpecifiers, projectTarget target.Kind) (source.ResolveResult, error)
	// Download fetches a pinned package into the content store.
	Download(ctx context.Context, src source.PackageSource, ref source.PackageRefs) (*source.PackageFS, target.Target, error)
}

type sourceRegistry struct {
	env *source.Env
}

func (r sourceRegistry) Refresh(ctx context.Context, src source.PackageSource) error {
	return src.Refresh(ctx, r.env)
}

func (r sourceRegistry) Resolve(ctx context.Context, src source.PackageSource, spec source.DependencySpecifiers, projectTarget target.Kind) (source.ResolveResult, error) {
	return src.Resolve(ctx, spec, projectTarget, r.env)
}

func (r sourceRegistry) Download(ctx context.Context, src source.PackageSource, ref source.PackageRefs) (*source.PackageFS, target.Target, error) {
	return src.Download(ctx, ref, r.env)
}

// Sources returns the production source registry for this project.
func (p *Project) Sources() SourceRegistry {
	return sourceRegistry{env: p.SourceEnv()}
}

// A NoMatchingVersionError reports that no candidate satisfied a
// requirement for a target, naming the requirement chain that led there.
type NoMatchingVersionError struct {
	Spec          source.DependencySpecifiers
	ProjectTarget target.Kind
	Path          []names.PackageName
}

func (e *NoMatchingVersionError) Error() string {
	chain := make([]string, len(e.Path))
	for i, n := range e.Path {
		chain[i] = n.String()
	}
	via := "the project"
	if len(chain) > 0 {
		via = strings.Join(chain, " -> ")
	}
	return fmt.Sprintf("no version of %s satisfies %q for target %s (required via %s)",
		e.Spec.TargetName(), e.Spec.Requirement(), e.ProjectTarget, via)
}

// resolutionState tracks the lifecycle of a work item's specifier.
type resolutionState uint8

const (
	stateUnresolved resolutionState = iota
	stateInFlight
	stateResolved
	stateFailed
)

type workItem struct {
	alias  string
	spec   source.DependencySpecifiers
	ty     source.DependencyType
	path   []names.PackageName
	parent *DependencyGraphNode
}

type pinned struct {
	id  source.VersionID
	ref source.PackageRefs
}

// DependencyGraph transforms the manifest (plus an optional prior graph for
// pinning continuity) into a pinned dependency graph. refreshed is the
// per-run set of already-refreshed sources and is updated as sources are
// touched; the same set is later consulted by the downloader.
func (p *Project) DependencyGraph(ctx context.Context, m *Manifest, prior DependencyGraph, refreshed map[source.PackageSource]bool, reg SourceRegistry) (DependencyGraph, error) {
	graph := make(DependencyGraph)

	overrides := radix.New()
	for key, spec := range m.Overrides {
		overrides.Insert(key, spec)
	}

	entries, err := m.DependencyEntries()
	if err != nil {
		return nil, err
	}

	queue := make([]workItem, 0, len(entries))
	for _, alias := range SortedAliases(entries) {
		entry := entries[alias]
		queue = append(queue, workItem{alias: alias, spec: entry.Specifier, ty: entry.Type})
	}

	// Identical specifiers resolve once per run; later occurrences reuse
	// the pin and only contribute edges or direct promotions.
	memo := make(map[string]pinned)
	states := make(map[string]resolutionState)

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]
		topLevel := item.parent == nil

		spec := item.spec
		fullPath := append(append([]names.PackageName{}, item.path...), spec.TargetName())
		if raw, ok := overrides.Get(overridePathKey(fullPath)); ok {
			spec = raw.(source.DependencySpecifiers)
			p.Dbg.Printf("override matched at %s, using %s", overridePathKey(fullPath), spec)
		}

		memoKey := spec.String() + "#" + spec.IndexAlias()
		if states[memoKey] == stateInFlight {
			// A cycle through the work queue; the first occurrence
			// will finish the pin.
			continue
		}

		if pin, ok := memo[memoKey]; ok {
			name := spec.TargetName()
			if item.parent != nil {
				item.parent.Dependencies[name] = GraphDependency{Version: pin.id, Alias: item.alias}
			}
			if topLevel {
				insertNode(graph, name, pin.id, &DependencyGraphNode{
					Direct:       &DirectDependency{Alias: item.alias, Specifier: item.spec, Type: item.ty},
					Dependencies: make(map[names.PackageName]GraphDependency),
					ResolvedType: item.ty,
					PkgRef:       pin.ref,
				}, true, p.Dbg)
			}
			continue
		}

		states[memoKey] = stateInFlight

		src, err := m.SourceFor(spec)
		if err != nil {
			states[memoKey] = stateFailed
			return nil, err
		}

		if !refreshed[src] {
			if err := reg.Refresh(ctx, src); err != nil {
				states[memoKey] = stateFailed
				return nil, errors.Wrapf(err, "refreshing source for %s", spec)
			}
			refreshed[src] = true
		}

		req, err := semver.NewConstraint(spec.Requirement())
		if err != nil {
			states[memoKey] = stateFailed
			return nil, errors.Wrapf(err, "requirement of %s", spec)
		}

		id, ref, found := pinFromPrior(prior, spec, req, m.Target.Kind())
		if !found {
			res, err := reg.Resolve(ctx, src, spec, m.Target.Kind())
			if err != nil {
				states[memoKey] = stateFailed
				return nil, errors.Wrapf(err, "resolving %s", spec)
			}
			id, ref, found = source.HighestMatching(res, req, m.Target.Kind())
			if !found {
				states[memoKey] = stateFailed
				return nil, &NoMatchingVersionError{Spec: spec, ProjectTarget: m.Target.Kind(), Path: item.path}
			}
		}

		name := spec.TargetName()
		node := &DependencyGraphNode{
			Dependencies: make(map[names.PackageName]GraphDependency),
			ResolvedType: item.ty,
			PkgRef:       ref,
		}
		if topLevel {
			node.Direct = &DirectDependency{Alias: item.alias, Specifier: item.spec, Type: item.ty}
		}

		inserted := insertNode(graph, name, id, node, topLevel, p.Dbg)

		if item.parent != nil {
			item.parent.Dependencies[name] = GraphDependency{Version: id, Alias: item.alias}
		}

		memo[memoKey] = pinned{id: id, ref: ref}
		states[memoKey] = stateResolved

		if inserted != node {
			// The (name, version) pair was already in the graph; its
			// children are queued or done.
			continue
		}

		deps := ref.Dependencies()
		for _, childAlias := range sortedDepAliases(deps) {
			entry := deps[childAlias]
			if entry.Type == source.Dev {
				// Dev dependencies of transitives never install.
				continue
			}
			queue = append(queue, workItem{
				alias:  childAlias,
				spec:   entry.Specifier,
				ty:     entry.Type,
				path:   fullPath,
				parent: node,
			})
		}
	}

	promotePeers(graph)

	return graph, nil
}

// pinFromPrior prefers a pin from the prior graph when one still satisfies
// the requirement and target.
func pinFromPrior(prior DependencyGraph, spec source.DependencySpecifiers, req *semver.Constraints, projectTarget target.Kind) (source.VersionID, source.PackageRefs, bool) {
	if prior == nil {
		return source.VersionID{}, source.PackageRefs{}, false
	}
	versions, ok := prior[spec.TargetName()]
	if !ok {
		return source.VersionID{}, source.PackageRefs{}, false
	}
	res := source.ResolveResult{Name: spec.TargetName(), Versions: make(map[source.VersionID]source.PackageRefs, len(versions))}
	for id, node := range versions {
		res.Versions[id] = node.PkgRef
	}
	return source.HighestMatching(res, req, projectTarget)
}

// promotePeers applies the type transformation: a peer with a standard
// consumer (or a direct declaration at the root) resolves to standard.
// Peers with no such consumer stay in the graph with resolved type peer;
// the downloader and linker treat them like any other node, so they are
// still written to disk and linked.
func promotePeers(graph DependencyGraph) {
	for name, versions := range graph {
		for id, node := range versions {
			if node.ResolvedType != source.Peer {
				continue
			}
			if node.Direct != nil && node.Direct.Type != source.Peer {
				node.ResolvedType = node.Direct.Type
				continue
			}
			if hasStandardConsumer(graph, name, id) {
				node.ResolvedType = source.Standard
			}
		}
	}
}

func hasStandardConsumer(graph DependencyGraph, name names.PackageName, id source.VersionID) bool {
	for _, versions := range graph {
		for _, consumer := range versions {
			if consumer.ResolvedType != source.Standard {
				continue
			}
			edge, ok := consumer.Dependencies[name]
			if ok && edge.Version == id {
				return true
			}
		}
	}
	return false
}

func overridePathKey(path []names.PackageName) string {
	parts := make([]string, len(path))
	for i, n := range path {
		parts[i] = n.String()
	}
	return strings.Join(parts, "/")
}

func sortedDepAliases(deps map[string]source.DependencyEntry) []string {
	out := make([]string, 0, len(deps))
	for alias := range deps {
		out = append(out, alias)
	}
	sort.Strings(out)
	return out
}
