// Copyright 2024 The pesde Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pesde

import (
	"bytes"
	"strings"
	"testing"

	"github.com/Masterminds/semver"

	"github.com/Paficent/pesde/names"
	"github.com/Paficent/pesde/source"
	"github.com/Paficent/pesde/target"
)

func sampleLockfile(t *testing.T) *Lockfile {
	t.Helper()

	name, _ := names.Parse("u/x")
	version, err := semver.NewVersion("0.1.0")
	if err != nil {
		t.Fatal(err)
	}

	ab, _ := names.Parse("a/b")
	cd, _ := names.Parse("c/d")
	wo, _ := names.Parse("w/old")
	abID := mustVersionID(t, "1.1.2 luau")
	cdID := mustVersionID(t, "1.0.0 luau")
	woID := mustVersionID(t, "0.3.1 roblox")

	abSpec := source.DependencySpecifiers{Pesde: &source.PesdeDependencySpecifier{Name: ab, Version: "^1.0"}}

	abNode := &DependencyGraphNode{
		Direct:       &DirectDependency{Alias: "b", Specifier: abSpec, Type: source.Standard},
		ResolvedType: source.Standard,
		PkgRef: source.PackageRefs{Pesde: &source.PesdePackageRef{
			Name: ab, Version: abID, Index: "https://example.com/index",
			Target: target.Target{Environment: target.Luau, Lib: "lib.luau"},
		}},
		Dependencies: map[names.PackageName]GraphDependency{
			cd: {Version: cdID, Alias: "d"},
		},
	}
	cdNode := &DependencyGraphNode{
		ResolvedType: source.Standard,
		PkgRef: source.PackageRefs{Pesde: &source.PesdePackageRef{
			Name: cd, Version: cdID, Index: "https://example.com/index",
			Dependencies: map[string]source.DependencyEntry{"b": {Specifier: abSpec, Type: source.Peer}},
			Target:       target.Target{Environment: target.Luau, Lib: "init.luau"},
		}},
	}
	woNode := &DependencyGraphNode{
		ResolvedType: source.Standard,
		PkgRef: source.PackageRefs{Wally: &source.WallyPackageRef{
			Name: wo, Version: woID, Index: "https://example.com/wally",
		}},
	}

	member, _ := names.Parse("u/member")

	return &Lockfile{
		Name:    name,
		Version: version,
		Target:  target.Luau,
		Overrides: map[string]source.DependencySpecifiers{
			"c/d/a/b": {Pesde: &source.PesdeDependencySpecifier{Name: ab, Version: "^2"}},
		},
		Workspace: map[names.PackageName]map[target.Kind]string{
			member: {target.Luau: "crates/member"},
		},
		Graph: DownloadedGraph{
			ab: {abID: &DownloadedDependencyGraphNode{Node: abNode, Target: target.Target{Environment: target.Luau, Lib: "lib.luau"}}},
			cd: {cdID: &DownloadedDependencyGraphNode{Node: cdNode, Target: target.Target{Environment: target.Luau, Lib: "init.luau"}}},
			wo: {woID: &DownloadedDependencyGraphNode{Node: woNode, Target: target.Target{Environment: target.Roblox, Lib: source.NoLibFile}}},
		},
	}
}

func TestLockfileRoundTrip(t *testing.T) {
	l := sampleLockfile(t)

	first, err := MarshalLockfile(l)
	if err != nil {
		t.Fatal(err)
	}
	back, err := UnmarshalLockfile(first)
	if err != nil {
		t.Fatalf("reparsing the serialized lockfile: %s", err)
	}
	second, err := MarshalLockfile(back)
	if err != nil {
		t.Fatal(err)
	}

	// Byte-for-byte identity over the serializer.
	if !bytes.Equal(first, second) {
		t.Errorf("lockfile did not round-trip byte-for-byte:\n(FIRST):\n%s\n(SECOND):\n%s", first, second)
	}
}

func TestLockfileRoundTripPreservesGraph(t *testing.T) {
	l := sampleLockfile(t)
	b, err := MarshalLockfile(l)
	if err != nil {
		t.Fatal(err)
	}
	back, err := UnmarshalLockfile(b)
	if err != nil {
		t.Fatal(err)
	}

	ab, _ := names.Parse("a/b")
	cd, _ := names.Parse("c/d")
	abID := mustVersionID(t, "1.1.2 luau")

	node := back.Graph[ab][abID]
	if node == nil {
		t.Fatal("a/b node lost in round trip")
	}
	if node.Node.Direct == nil || node.Node.Direct.Alias != "b" {
		t.Errorf("direct record lost: %+v", node.Node.Direct)
	}
	edge, ok := node.Node.Dependencies[cd]
	if !ok || edge.Alias != "d" {
		t.Errorf("edge lost: %+v", node.Node.Dependencies)
	}
	if node.Node.PkgRef.Pesde == nil {
		t.Fatal("pkg ref kind lost")
	}

	wo, _ := names.Parse("w/old")
	woID := mustVersionID(t, "0.3.1 roblox")
	if back.Graph[wo][woID].Node.PkgRef.Wally == nil {
		t.Error("wally ref kind lost")
	}
}

func TestEmptyGraphSerializesEmpty(t *testing.T) {
	name, _ := names.Parse("u/x")
	version, _ := semver.NewVersion("0.1.0")
	l := &Lockfile{Name: name, Version: version, Target: target.Luau, Graph: DownloadedGraph{}}

	b, err := MarshalLockfile(l)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(b), "[graph") {
		t.Errorf("empty graph should be omitted:\n%s", b)
	}
	back, err := UnmarshalLockfile(b)
	if err != nil {
		t.Fatal(err)
	}
	if len(back.Graph) != 0 {
		t.Errorf("empty graph did not survive: %v", back.Graph)
	}
}

func TestLockfileNotFound(t *testing.T) {
	p := testProject(t)
	if _, err := p.Lockfile(); err != ErrLockfileNotFound {
		t.Errorf("missing lockfile error is not as expected:\n\t(GOT) %v\n\t(WNT) %v", err, ErrLockfileNotFound)
	}
}

func TestUsableLockfileDiscardsStale(t *testing.T) {
	p := testProject(t)
	l := sampleLockfile(t)
	if err := p.WriteLockfile(l); err != nil {
		t.Fatal(err)
	}

	// Same overrides, same target: usable.
	m := manifestFromString(t, manifestHeader+"[overrides]\n\"c/d/a/b\" = { name = \"a/b\", version = \"^2\" }\n")
	got, err := p.UsableLockfile(m)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("matching lockfile was discarded")
	}

	// Different overrides: silently discarded.
	m2 := manifestFromString(t, manifestHeader)
	got, err = p.UsableLockfile(m2)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Error("lockfile with differing overrides should be discarded")
	}

	// Different target kind: silently discarded.
	m3 := manifestFromString(t, strings.Replace(manifestHeader, "luau", "lune", 1)+
		"[overrides]\n\"c/d/a/b\" = { name = \"a/b\", version = \"^2\" }\n")
	got, err = p.UsableLockfile(m3)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Error("lockfile with differing target should be discarded")
	}
}

func TestCheckLocked(t *testing.T) {
	l := sampleLockfile(t)

	// Target change errors out before anything else.
	m := manifestFromString(t, strings.Replace(manifestHeader, "luau", "lune", 1))
	err := CheckLocked(m, l)
	if err == nil || !strings.Contains(err.Error(), "out of sync") {
		t.Errorf("target mismatch error is not as expected: %v", err)
	}

	// Matching declarations pass.
	m2 := manifestFromString(t, manifestHeader+
		"[dependencies]\nb = { name = \"a/b\", version = \"^1.0\" }\n"+
		"[overrides]\n\"c/d/a/b\" = { name = \"a/b\", version = \"^2\" }\n")
	if err := CheckLocked(m2, l); err != nil {
		t.Errorf("in-sync lockfile should pass --locked: %s", err)
	}

	// A changed requirement fails.
	m3 := manifestFromString(t, manifestHeader+
		"[dependencies]\nb = { name = \"a/b\", version = \"^1.5\" }\n"+
		"[overrides]\n\"c/d/a/b\" = { name = \"a/b\", version = \"^2\" }\n")
	err = CheckLocked(m3, l)
	if err == nil || !strings.Contains(err.Error(), "out of sync") {
		t.Errorf("requirement mismatch error is not as expected: %v", err)
	}
}
