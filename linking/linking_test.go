package linking

import (
	"context"
	"io/ioutil"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pesde "github.com/Paficent/pesde"
	"github.com/Paficent/pesde/names"
	"github.com/Paficent/pesde/source"
	"github.com/Paficent/pesde/target"
)

func quietProject(t *testing.T) *pesde.Project {
	t.Helper()
	p := pesde.NewProject(context.Background(), t.TempDir(), t.TempDir())
	discard := log.New(ioutil.Discard, "", 0)
	p.Out, p.Err, p.Dbg = discard, discard, discard
	return p
}

func testManifest(t *testing.T) *pesde.Manifest {
	t.Helper()
	m, err := pesde.ReadManifest([]byte("name = \"u/x\"\nversion = \"0.1.0\"\n[target]\nenvironment = \"luau\"\n[indices]\ndefault = \"https://example.com/index\"\n"))
	require.NoError(t, err)
	return m
}

// buildNode writes a container with the given lib/bin files and returns the
// downloaded node.
func buildNode(t *testing.T, p *pesde.Project, m *pesde.Manifest, name string, rendered string, tgt target.Target, direct *pesde.DirectDependency, files map[string]string) (names.PackageName, source.VersionID, *pesde.DownloadedDependencyGraphNode) {
	t.Helper()
	n, err := names.Parse(name)
	require.NoError(t, err)
	id, err := source.ParseVersionID(rendered)
	require.NoError(t, err)

	container := pesde.ContainerFolder(
		filepath.Join(p.PackageDir(), m.Target.Kind().PackagesFolder(id.Target()), pesde.PackagesContainerName),
		n, id.VersionString(),
	)
	for rel, contents := range files {
		path := filepath.Join(container, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	}

	node := &pesde.DownloadedDependencyGraphNode{
		Node: &pesde.DependencyGraphNode{
			Direct:       direct,
			Dependencies: map[names.PackageName]pesde.GraphDependency{},
			ResolvedType: source.Standard,
			PkgRef: source.PackageRefs{Pesde: &source.PesdePackageRef{
				Name: n, Version: id, Index: "https://example.com/index", Target: tgt,
			}},
		},
		Target: tgt,
	}
	return n, id, node
}

var requireRe = regexp.MustCompile(`require\("([^"]+)"\)`)

// assertShimResolves parses the require path out of a shim and checks it
// resolves to an existing file relative to the shim's own directory.
func assertShimResolves(t *testing.T, shimPath string) {
	t.Helper()
	b, err := os.ReadFile(shimPath)
	require.NoError(t, err, "shim %s", shimPath)

	match := requireRe.FindStringSubmatch(string(b))
	require.NotNil(t, match, "shim %s has no require: %s", shimPath, b)

	rel := match[1]
	resolved := filepath.Join(filepath.Dir(shimPath), filepath.FromSlash(rel))
	if _, err := os.Stat(resolved); err != nil {
		if _, lerr := os.Stat(resolved + ".luau"); lerr != nil {
			t.Errorf("require path %q of %s resolves to nothing", rel, shimPath)
		}
	}
}

func TestLinkDirectDependency(t *testing.T) {
	p := quietProject(t)
	m := testManifest(t)

	tgt := target.Target{Environment: target.Luau, Lib: "lib.luau"}
	an, aid, node := buildNode(t, p, m, "a/b", "1.1.2 luau",
		tgt,
		&pesde.DirectDependency{Alias: "b", Type: source.Standard},
		map[string]string{"lib.luau": "export type Config = { debug: boolean }\nreturn {}\n"},
	)

	graph := pesde.DownloadedGraph{an: {aid: node}}
	require.NoError(t, LinkDependencies(context.Background(), p, m, graph))

	shim := filepath.Join(p.PackageDir(), "packages", "b.luau")
	assertShimResolves(t, shim)

	b, err := os.ReadFile(shim)
	require.NoError(t, err)
	// Exported types survive the indirection.
	assert.Contains(t, string(b), "export type Config = m.Config")
}

func TestLinkTransitiveDependency(t *testing.T) {
	p := quietProject(t)
	m := testManifest(t)

	libTgt := target.Target{Environment: target.Luau, Lib: "lib.luau"}
	dn, did, depNode := buildNode(t, p, m, "a/b", "1.0.0 luau", libTgt, nil,
		map[string]string{"lib.luau": "return {}\n"})
	cn, cid, consumer := buildNode(t, p, m, "c/d", "1.0.0 luau", libTgt,
		&pesde.DirectDependency{Alias: "d", Type: source.Standard},
		map[string]string{"lib.luau": "return {}\n"})
	consumer.Node.Dependencies[dn] = pesde.GraphDependency{Version: did, Alias: "b"}

	graph := pesde.DownloadedGraph{dn: {did: depNode}, cn: {cid: consumer}}
	require.NoError(t, LinkDependencies(context.Background(), p, m, graph))

	// The transitive shim lives in the consumer's linker folder.
	consumerContainer := pesde.ContainerFolder(
		filepath.Join(p.PackageDir(), "packages", pesde.PackagesContainerName),
		cn, "1.0.0",
	)
	shim := filepath.Join(consumerContainer, "packages", "b.luau")
	assertShimResolves(t, shim)
}

func TestLinkMissingDependencyNode(t *testing.T) {
	p := quietProject(t)
	m := testManifest(t)

	libTgt := target.Target{Environment: target.Luau, Lib: "lib.luau"}
	cn, cid, consumer := buildNode(t, p, m, "c/d", "1.0.0 luau", libTgt,
		&pesde.DirectDependency{Alias: "d", Type: source.Standard},
		map[string]string{"lib.luau": "return {}\n"})
	ghost, _ := names.Parse("a/b")
	consumer.Node.Dependencies[ghost] = pesde.GraphDependency{Version: mustID(t, "9.9.9 luau"), Alias: "b"}

	graph := pesde.DownloadedGraph{cn: {cid: consumer}}
	err := LinkDependencies(context.Background(), p, m, graph)
	require.Error(t, err)
	var dnf *DependencyNotFoundError
	require.ErrorAs(t, err, &dnf)
}

func TestLinkMissingLibFile(t *testing.T) {
	p := quietProject(t)
	m := testManifest(t)

	// The target claims a lib file that is not in the container.
	tgt := target.Target{Environment: target.Luau, Lib: "lib.luau"}
	an, aid, node := buildNode(t, p, m, "a/b", "1.0.0 luau", tgt,
		&pesde.DirectDependency{Alias: "b", Type: source.Standard}, nil)

	graph := pesde.DownloadedGraph{an: {aid: node}}
	err := LinkDependencies(context.Background(), p, m, graph)
	require.Error(t, err)
	var lnf *LibFileNotFoundError
	require.ErrorAs(t, err, &lnf)
}

func TestLinkBinaryPackage(t *testing.T) {
	p := quietProject(t)
	m := testManifest(t)

	tgt := target.Target{Environment: target.Luau, Bin: "main.luau"}
	an, aid, node := buildNode(t, p, m, "t/cli", "1.0.0 luau", tgt,
		&pesde.DirectDependency{Alias: "cli", Type: source.Standard},
		map[string]string{"main.luau": "print(\"hi\")\n"})

	graph := pesde.DownloadedGraph{an: {aid: node}}
	require.NoError(t, LinkDependencies(context.Background(), p, m, graph))
	require.NoError(t, WriteBinLaunchers(p, graph))

	binShim := filepath.Join(p.PackageDir(), "packages", "cli.bin.luau")
	assertShimResolves(t, binShim)

	launcher := filepath.Join(p.BinDir(), "cli")
	info, err := os.Stat(launcher)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&0111, "launcher must be executable")

	b, err := os.ReadFile(launcher)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(b), "cli.bin.luau"), "launcher probes for the bin shim")
}

func mustID(t *testing.T, s string) source.VersionID {
	t.Helper()
	id, err := source.ParseVersionID(s)
	require.NoError(t, err)
	return id
}
