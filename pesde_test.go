// Copyright 2024 The pesde Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pesde

import (
	"context"
	"fmt"
	"io/ioutil"
	"log"
	"testing"

	"github.com/pkg/errors"

	"github.com/Paficent/pesde/names"
	"github.com/Paficent/pesde/source"
	"github.com/Paficent/pesde/target"
)

func parseName(t *testing.T, s string) (names.PackageName, error) {
	t.Helper()
	n, err := names.Parse(s)
	if err != nil {
		t.Fatal(err)
	}
	return n, nil
}

func mustVersionID(t *testing.T, s string) source.VersionID {
	t.Helper()
	id, err := source.ParseVersionID(s)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func discardLogger() *log.Logger {
	return log.New(ioutil.Discard, "", 0)
}

func testProject(t *testing.T) *Project {
	t.Helper()
	p := NewProject(context.Background(), t.TempDir(), t.TempDir())
	p.Out = discardLogger()
	p.Err = discardLogger()
	p.Dbg = discardLogger()
	return p
}

// fixtureRegistry is an in-memory SourceRegistry: resolution comes from a
// canned table and downloads produce the listed files through the content
// store, the same seam the production registry satisfies.
type fixtureRegistry struct {
	casDir string

	// results maps package name -> candidates.
	results map[string]source.ResolveResult
	// files maps "name@versionid" -> relative path -> contents.
	files map[string]map[string]string
	// targets maps "name@versionid" -> target override; defaults to the
	// ref's own target descriptor.
	targets map[string]target.Target

	refreshes []source.PackageSource
	resolves  int
	downloads int
}

func newFixtureRegistry(casDir string) *fixtureRegistry {
	return &fixtureRegistry{
		casDir:  casDir,
		results: make(map[string]source.ResolveResult),
		files:   make(map[string]map[string]string),
		targets: make(map[string]target.Target),
	}
}

// addPackage registers one candidate version. deps is alias -> entry.
func (f *fixtureRegistry) addPackage(t *testing.T, name, rendered string, tgt target.Target, deps map[string]source.DependencyEntry) {
	t.Helper()
	n, err := names.Parse(name)
	if err != nil {
		t.Fatal(err)
	}
	id, err := source.ParseVersionID(rendered)
	if err != nil {
		t.Fatal(err)
	}

	res, ok := f.results[name]
	if !ok {
		res = source.ResolveResult{Name: n, Versions: make(map[source.VersionID]source.PackageRefs)}
		f.results[name] = res
	}
	res.Versions[id] = source.PackageRefs{Pesde: &source.PesdePackageRef{
		Name:         n,
		Version:      id,
		Index:        "https://example.com/index",
		Dependencies: deps,
		Target:       tgt,
	}}
}

func (f *fixtureRegistry) addFiles(name, rendered string, files map[string]string) {
	f.files[name+"@"+rendered] = files
}

func (f *fixtureRegistry) Refresh(ctx context.Context, src source.PackageSource) error {
	f.refreshes = append(f.refreshes, src)
	return nil
}

func (f *fixtureRegistry) Resolve(ctx context.Context, src source.PackageSource, spec source.DependencySpecifiers, projectTarget target.Kind) (source.ResolveResult, error) {
	f.resolves++
	res, ok := f.results[spec.TargetName().String()]
	if !ok {
		return source.ResolveResult{}, errors.Errorf("fixture has no entries for %s", spec.TargetName())
	}
	filtered := source.ResolveResult{Name: res.Name, Versions: make(map[source.VersionID]source.PackageRefs)}
	for id, ref := range res.Versions {
		if id.Target().IsCompatibleWith(projectTarget) {
			filtered.Versions[id] = ref
		}
	}
	return filtered, nil
}

func (f *fixtureRegistry) Download(ctx context.Context, src source.PackageSource, ref source.PackageRefs) (*source.PackageFS, target.Target, error) {
	f.downloads++
	key := fmt.Sprintf("%s@%s", ref.Pesde.Name, ref.Pesde.Version)

	fs := &source.PackageFS{Entries: make(map[string]source.FSEntry)}
	for rel, contents := range f.files[key] {
		if err := fs.Add(f.casDir, rel, []byte(contents), false); err != nil {
			return nil, target.Target{}, err
		}
	}

	tgt, ok := f.targets[key]
	if !ok {
		tgt = ref.Pesde.Target
	}
	return fs, tgt, nil
}

func standardDep(t *testing.T, name, req string) source.DependencyEntry {
	return depEntry(t, name, req, source.Standard)
}

func depEntry(t *testing.T, name, req string, ty source.DependencyType) source.DependencyEntry {
	t.Helper()
	n, err := names.Parse(name)
	if err != nil {
		t.Fatal(err)
	}
	return source.DependencyEntry{
		Specifier: source.DependencySpecifiers{Pesde: &source.PesdeDependencySpecifier{Name: n, Version: req}},
		Type:      ty,
	}
}
