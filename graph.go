// Copyright 2024 The pesde Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pesde

import (
	"log"
	"path/filepath"
	"sort"

	"github.com/Paficent/pesde/names"
	"github.com/Paficent/pesde/source"
	"github.com/Paficent/pesde/target"
)

// A DirectDependency records how the current project declared a root-level
// dependency: the alias, the original specifier, and the original type.
type DirectDependency struct {
	Alias     string
	Specifier source.DependencySpecifiers
	Type      source.DependencyType
}

// A GraphDependency is one edge out of a node: the child's pinned version
// id plus the alias the parent requires it under.
type GraphDependency struct {
	Version source.VersionID
	Alias   string
}

// A DependencyGraphNode is one pinned package in the graph.
type DependencyGraphNode struct {
	// Direct is present iff the node is a root-level dependency of the
	// current project.
	Direct *DirectDependency
	// Dependencies maps child package names to their pinned edges.
	Dependencies map[names.PackageName]GraphDependency
	// ResolvedType is the possibly transformed dependency type (a peer
	// with a standard consumer resolves to standard).
	ResolvedType source.DependencyType
	// PkgRef pins the package and carries what download needs.
	PkgRef source.PackageRefs
}

// BaseFolder returns the folder, relative to the node's container, where
// shims for a dependency of kind depKind live. Legacy wally-style packages
// fall back to the parent directory.
func (n *DependencyGraphNode) BaseFolder(id source.VersionID, depKind target.Kind) string {
	if n.PkgRef.UseNewStructure() {
		return id.Target().PackagesFolder(depKind)
	}
	return ".."
}

// ContainerFolder returns the folder holding the node's installed contents
// under the given packages-container path.
func ContainerFolder(base string, name names.PackageName, version string) string {
	return filepath.Join(base, name.Escaped(), version, name.Name())
}

// A DependencyGraph is the two-level mapping name -> version id -> node.
type DependencyGraph map[names.PackageName]map[source.VersionID]*DependencyGraphNode

// A DownloadedDependencyGraphNode is a node plus the target descriptor its
// source reported on download.
type DownloadedDependencyGraphNode struct {
	Node   *DependencyGraphNode
	Target target.Target
}

// A DownloadedGraph is the downloaded counterpart of a DependencyGraph.
type DownloadedGraph map[names.PackageName]map[source.VersionID]*DownloadedDependencyGraphNode

// insertNode merges a discovery of (name, version) into the graph. Non
// top-level insertions never record direct; concurrent discoveries keep the
// first direct and promote direct onto an existing indirect entry.
func insertNode(graph DependencyGraph, name names.PackageName, version source.VersionID, node *DependencyGraphNode, isTopLevel bool, logger *log.Logger) *DependencyGraphNode {
	if !isTopLevel && node.Direct != nil {
		logger.Printf("tried to insert %s@%s as a direct dependency from a non top-level context", name, version)
		node.Direct = nil
	}

	versions, ok := graph[name]
	if !ok {
		versions = make(map[source.VersionID]*DependencyGraphNode)
		graph[name] = versions
	}

	existing, ok := versions[version]
	if !ok {
		versions[version] = node
		return node
	}

	switch {
	case existing.Direct != nil && node.Direct != nil:
		logger.Printf("duplicate direct dependency for %s@%s", name, version)
	case existing.Direct == nil && node.Direct != nil:
		existing.Direct = node.Direct
	}
	return existing
}

// Nodes iterates the graph in natural order (names, then version ids),
// which is also the lockfile serialization order.
func (g DependencyGraph) Nodes(visit func(name names.PackageName, id source.VersionID, node *DependencyGraphNode) error) error {
	for _, name := range sortedNames(g) {
		versions := g[name]
		for _, id := range sortedVersions(versions) {
			if err := visit(name, id, versions[id]); err != nil {
				return err
			}
		}
	}
	return nil
}

// Nodes iterates the downloaded graph in natural order.
func (g DownloadedGraph) Nodes(visit func(name names.PackageName, id source.VersionID, node *DownloadedDependencyGraphNode) error) error {
	for _, name := range sortedDownloadedNames(g) {
		versions := g[name]
		ids := make([]source.VersionID, 0, len(versions))
		for id := range versions {
			ids = append(ids, id)
		}
		sortVersionIDs(ids)
		for _, id := range ids {
			if err := visit(name, id, versions[id]); err != nil {
				return err
			}
		}
	}
	return nil
}

// NodeCount returns the total number of (name, version) pairs.
func (g DependencyGraph) NodeCount() int {
	total := 0
	for _, versions := range g {
		total += len(versions)
	}
	return total
}

// Strip drops the target descriptors, recovering the plain graph a prior
// lockfile contributes to resolution.
func (g DownloadedGraph) Strip() DependencyGraph {
	out := make(DependencyGraph, len(g))
	for name, versions := range g {
		inner := make(map[source.VersionID]*DependencyGraphNode, len(versions))
		for id, node := range versions {
			inner[id] = node.Node
		}
		out[name] = inner
	}
	return out
}

// FilterProd returns the graph without dev nodes. Used to keep dev
// dependencies off disk in prod mode while the full graph still reaches
// the lockfile.
func (g DownloadedGraph) FilterProd() DownloadedGraph {
	out := make(DownloadedGraph, len(g))
	for name, versions := range g {
		inner := make(map[source.VersionID]*DownloadedDependencyGraphNode, len(versions))
		for id, node := range versions {
			if node.Node.ResolvedType == source.Dev {
				continue
			}
			inner[id] = node
		}
		if len(inner) > 0 {
			out[name] = inner
		}
	}
	return out
}

func sortedNames(g DependencyGraph) []names.PackageName {
	out := make([]names.PackageName, 0, len(g))
	for name := range g {
		out = append(out, name)
	}
	return names.Sorted(out)
}

func sortedDownloadedNames(g DownloadedGraph) []names.PackageName {
	out := make([]names.PackageName, 0, len(g))
	for name := range g {
		out = append(out, name)
	}
	return names.Sorted(out)
}

func sortedVersions(versions map[source.VersionID]*DependencyGraphNode) []source.VersionID {
	ids := make([]source.VersionID, 0, len(versions))
	for id := range versions {
		ids = append(ids, id)
	}
	sortVersionIDs(ids)
	return ids
}

func sortVersionIDs(ids []source.VersionID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
}
