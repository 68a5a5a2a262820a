// Copyright 2024 The pesde Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pesde

import (
	"bytes"
	"log"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Paficent/pesde/names"
	"github.com/Paficent/pesde/source"
	"github.com/Paficent/pesde/target"
)

func testNode(direct *DirectDependency) *DependencyGraphNode {
	n, _ := names.Parse("a/b")
	id, _ := source.ParseVersionID("1.0.0 luau")
	return &DependencyGraphNode{
		Direct:       direct,
		Dependencies: map[names.PackageName]GraphDependency{},
		ResolvedType: source.Standard,
		PkgRef:       source.PackageRefs{Pesde: &source.PesdePackageRef{Name: n, Version: id}},
	}
}

func directRecord(alias string) *DirectDependency {
	n, _ := names.Parse("a/b")
	return &DirectDependency{
		Alias:     alias,
		Specifier: source.DependencySpecifiers{Pesde: &source.PesdeDependencySpecifier{Name: n, Version: "^1"}},
		Type:      source.Standard,
	}
}

func TestInsertNodePolicy(t *testing.T) {
	name, _ := names.Parse("a/b")
	id, _ := source.ParseVersionID("1.0.0 luau")

	cases := []struct {
		name        string
		existing    *DependencyGraphNode
		node        *DependencyGraphNode
		isTopLevel  bool
		wantDirect  string
		wantWarning string
	}{
		{
			name:       "fresh insert",
			node:       testNode(directRecord("b")),
			isTopLevel: true,
			wantDirect: "b",
		},
		{
			name:        "non top-level direct is cleared",
			node:        testNode(directRecord("b")),
			isTopLevel:  false,
			wantDirect:  "",
			wantWarning: "non top-level",
		},
		{
			name:        "duplicate direct keeps the first",
			existing:    testNode(directRecord("first")),
			node:        testNode(directRecord("second")),
			isTopLevel:  true,
			wantDirect:  "first",
			wantWarning: "duplicate direct dependency",
		},
		{
			name:       "direct promotes onto indirect",
			existing:   testNode(nil),
			node:       testNode(directRecord("b")),
			isTopLevel: true,
			wantDirect: "b",
		},
		{
			name:       "indirect leaves existing untouched",
			existing:   testNode(directRecord("b")),
			node:       testNode(nil),
			isTopLevel: false,
			wantDirect: "b",
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := log.New(&buf, "", 0)

			graph := make(DependencyGraph)
			if c.existing != nil {
				insertNode(graph, name, id, c.existing, true, logger)
				buf.Reset()
			}

			got := insertNode(graph, name, id, c.node, c.isTopLevel, logger)

			if len(graph[name]) != 1 {
				t.Fatalf("graph holds %d nodes for the pair, want exactly 1", len(graph[name]))
			}
			switch {
			case c.wantDirect == "" && got.Direct != nil:
				t.Errorf("direct should be empty, got %+v", got.Direct)
			case c.wantDirect != "" && (got.Direct == nil || got.Direct.Alias != c.wantDirect):
				t.Errorf("direct is not as expected:\n\t(GOT) %+v\n\t(WNT) alias %s", got.Direct, c.wantDirect)
			}
			if c.wantWarning != "" && !strings.Contains(buf.String(), c.wantWarning) {
				t.Errorf("expected a log line containing %q, got %q", c.wantWarning, buf.String())
			}
		})
	}
}

func TestFilterProd(t *testing.T) {
	ab, _ := names.Parse("a/b")
	dt, _ := names.Parse("d/t")
	id := mustVersionID(t, "1.0.0 luau")

	graph := DownloadedGraph{
		ab: {id: &DownloadedDependencyGraphNode{Node: testNode(nil), Target: target.Target{Environment: target.Luau}}},
		dt: {id: &DownloadedDependencyGraphNode{Node: &DependencyGraphNode{ResolvedType: source.Dev, PkgRef: source.PackageRefs{Pesde: &source.PesdePackageRef{Name: dt, Version: id}}}, Target: target.Target{Environment: target.Luau}}},
	}

	filtered := graph.FilterProd()
	if _, ok := filtered[ab]; !ok {
		t.Error("standard node was dropped")
	}
	if _, ok := filtered[dt]; ok {
		t.Error("dev node survived prod filtering")
	}
	// The unfiltered graph still holds the dev node for the lockfile.
	if _, ok := graph[dt]; !ok {
		t.Error("dev node lost from the original graph")
	}
}

func TestBaseFolder(t *testing.T) {
	node := testNode(nil)
	id := mustVersionID(t, "1.0.0 lune")

	if got := node.BaseFolder(id, target.Luau); got != "luau_packages" {
		t.Errorf("new-structure base folder is not as expected:\n\t(GOT) %s\n\t(WNT) luau_packages", got)
	}

	n, _ := names.Parse("w/old")
	wid := mustVersionID(t, "1.0.0 roblox")
	wally := &DependencyGraphNode{PkgRef: source.PackageRefs{Wally: &source.WallyPackageRef{Name: n, Version: wid}}}
	if got := wally.BaseFolder(wid, target.Roblox); got != ".." {
		t.Errorf("old-structure base folder is not as expected:\n\t(GOT) %s\n\t(WNT) ..", got)
	}
}

func TestContainerFolder(t *testing.T) {
	n, _ := names.Parse("a/b")
	got := ContainerFolder("base", n, "1.1.2")
	want := filepath.Join("base", "a+b", "1.1.2", "b")
	if got != want {
		t.Errorf("container folder is not as expected:\n\t(GOT) %s\n\t(WNT) %s", got, want)
	}
}
