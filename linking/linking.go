package linking

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	pesde "github.com/Paficent/pesde"
	"github.com/Paficent/pesde/cas"
	pfs "github.com/Paficent/pesde/internal/fs"
	"github.com/Paficent/pesde/names"
	"github.com/Paficent/pesde/source"
)

// A DependencyNotFoundError reports a graph edge pointing at a node that is
// not in the downloaded graph.
type DependencyNotFoundError struct {
	Name    names.PackageName
	Version source.VersionID
}

func (e *DependencyNotFoundError) Error() string {
	return "dependency not found: " + e.Name.String() + "@" + e.Version.String()
}

// A LibFileNotFoundError reports a package claiming a library file that is
// missing from its container.
type LibFileNotFoundError struct {
	Path string
}

func (e *LibFileNotFoundError) Error() string {
	return "library file at " + e.Path + " not found"
}

type typeKey struct {
	name names.PackageName
	id   source.VersionID
}

// LinkDependencies generates shim modules for every node in the downloaded
// graph: library and binary shims beside the packages folders for direct
// dependencies, and per-container linker folders for transitive edges.
// Shims are rewritten every run.
func LinkDependencies(ctx context.Context, p *pesde.Project, m *pesde.Manifest, graph pesde.DownloadedGraph) error {
	projectTarget := m.Target.Kind()

	// First pass: extract each library's exported types and generate
	// Roblox sync configs where build files call for them.
	var (
		typesMu      sync.Mutex
		packageTypes = make(map[typeKey][]TypeDecl)
	)

	g, gctx := errgroup.WithContext(ctx)
	err := graph.Nodes(func(name names.PackageName, id source.VersionID, node *pesde.DownloadedDependencyGraphNode) error {
		g.Go(func() error {
			containerFolder := pesde.ContainerFolder(
				filepath.Join(
					p.PackageDir(),
					projectTarget.PackagesFolder(id.Target()),
					pesde.PackagesContainerName,
				),
				name, id.VersionString(),
			)

			if lib := node.Target.Lib; lib != "" && lib != source.NoLibFile {
				libPath := filepath.Join(containerFolder, filepath.FromSlash(lib))
				contents, err := os.ReadFile(libPath)
				if os.IsNotExist(err) {
					return &LibFileNotFoundError{Path: libPath}
				}
				if err != nil {
					return errors.Wrapf(err, "reading library of %s@%s", name, id)
				}

				types := GetFileTypes(string(contents))
				p.Dbg.Printf("%s@%s has %d exported types", name, id, len(types))

				typesMu.Lock()
				packageTypes[typeKey{name, id}] = types
				typesMu.Unlock()
			}

			if len(node.Target.BuildFiles) > 0 && !node.Node.PkgRef.LikeWally() {
				script, ok := m.Scripts[pesde.ScriptRobloxSyncConfigGenerator]
				if !ok {
					p.Err.Printf("not having a %q script in the manifest might cause issues with Roblox linking", pesde.ScriptRobloxSyncConfigGenerator)
					return nil
				}
				args := append([]string{containerFolder}, node.Target.BuildFiles...)
				if err := p.ExecuteScript(gctx, pesde.ScriptRobloxSyncConfigGenerator, script, args); err != nil {
					return errors.Wrapf(err, "generating roblox sync config for %s", containerFolder)
				}
			}

			return nil
		})
		return nil
	})
	if err != nil {
		return err
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Second pass: write the shims.
	g, _ = errgroup.WithContext(ctx)
	err = graph.Nodes(func(name names.PackageName, id source.VersionID, node *pesde.DownloadedDependencyGraphNode) error {
		g.Go(func() error {
			return linkNode(p, m, graph, packageTypes, name, id, node)
		})
		return nil
	})
	if err != nil {
		return err
	}
	return g.Wait()
}

func linkNode(p *pesde.Project, m *pesde.Manifest, graph pesde.DownloadedGraph, packageTypes map[typeKey][]TypeDecl, name names.PackageName, id source.VersionID, node *pesde.DownloadedDependencyGraphNode) error {
	projectTarget := m.Target.Kind()

	baseFolder := filepath.Join(p.PackageDir(), projectTarget.PackagesFolder(id.Target()))
	if err := os.MkdirAll(baseFolder, 0755); err != nil {
		return errors.Wrap(err, "creating packages folder")
	}

	containerFolder := pesde.ContainerFolder(
		filepath.Join(baseFolder, pesde.PackagesContainerName),
		name, id.VersionString(),
	)

	if direct := node.Node.Direct; direct != nil {
		if lib := node.Target.Lib; lib != "" {
			requirePath, err := GetLibRequirePath(baseFolder, containerFolder, lib)
			if err != nil {
				return err
			}
			shim := GenerateLibLinkingModule(requirePath, packageTypes[typeKey{name, id}])
			if err := writeShim(filepath.Join(baseFolder, direct.Alias+".luau"), p.CasDir(), shim); err != nil {
				return err
			}
		}

		if bin := node.Target.Bin; bin != "" {
			requirePath, err := GetBinRequirePath(baseFolder, containerFolder, bin)
			if err != nil {
				return err
			}
			shim := GenerateBinLinkingModule(containerFolder, requirePath)
			if err := writeShim(filepath.Join(baseFolder, direct.Alias+".bin.luau"), p.CasDir(), shim); err != nil {
				return err
			}
		}
	}

	for depName, edge := range node.Node.Dependencies {
		depNode, ok := lookupNode(graph, depName, edge.Version)
		if !ok {
			return &DependencyNotFoundError{Name: depName, Version: edge.Version}
		}

		lib := depNode.Target.Lib
		if lib == "" {
			continue
		}

		depBase := filepath.Join(p.PackageDir(), id.Target().PackagesFolder(edge.Version.Target()))
		depContainer := pesde.ContainerFolder(
			filepath.Join(depBase, pesde.PackagesContainerName),
			depName, edge.Version.VersionString(),
		)

		linkerFolder := filepath.Join(containerFolder, node.Node.BaseFolder(id, edge.Version.Target()))
		if err := os.MkdirAll(linkerFolder, 0755); err != nil {
			return errors.Wrap(err, "creating linker folder")
		}

		requirePath, err := GetLibRequirePath(linkerFolder, depContainer, lib)
		if err != nil {
			return err
		}
		shim := GenerateLibLinkingModule(requirePath, packageTypes[typeKey{depName, edge.Version}])
		if err := writeShim(filepath.Join(linkerFolder, edge.Alias+".luau"), p.CasDir(), shim); err != nil {
			return err
		}
	}

	return nil
}

// WriteBinLaunchers writes the top-level bin/<alias> launcher for every
// direct dependency exposing a binary and marks them executable.
func WriteBinLaunchers(p *pesde.Project, graph pesde.DownloadedGraph) error {
	binDir := p.BinDir()
	if err := os.MkdirAll(binDir, 0755); err != nil {
		return errors.Wrap(err, "creating bin directory")
	}

	return graph.Nodes(func(name names.PackageName, id source.VersionID, node *pesde.DownloadedDependencyGraphNode) error {
		if node.Target.Bin == "" || node.Node.Direct == nil {
			return nil
		}
		alias := node.Node.Direct.Alias
		path := filepath.Join(binDir, alias)
		if err := os.WriteFile(path, []byte(BinLauncherScript(alias, pesde.ManifestName)), 0755); err != nil {
			return errors.Wrapf(err, "writing bin launcher for %s", alias)
		}
		return errors.Wrapf(pfs.MakeExecutable(path), "marking bin launcher for %s executable", alias)
	})
}

func lookupNode(graph pesde.DownloadedGraph, name names.PackageName, id source.VersionID) (*pesde.DownloadedDependencyGraphNode, bool) {
	versions, ok := graph[name]
	if !ok {
		return nil, false
	}
	node, ok := versions[id]
	return node, ok
}

// writeShim stores the shim body in the content store and hard-links it
// into place, so identical shims across projects share an inode.
func writeShim(destination, casDir, contents string) error {
	hash, err := cas.Store(casDir, []byte(contents), nil)
	if err != nil {
		return err
	}
	return cas.Materialize(casDir, hash, destination)
}
