package source

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/Masterminds/semver"
	toml "github.com/pelletier/go-toml"
	"github.com/pkg/errors"

	"github.com/Paficent/pesde/names"
	"github.com/Paficent/pesde/target"
)

// ScopeInfoFile is the per-scope ownership metadata file inside the index.
const ScopeInfoFile = "scope.toml"

// IndexConfig is the registry configuration stored at the index root.
type IndexConfig struct {
	APIURL               string   `toml:"api"`
	DownloadURL          string   `toml:"download,omitempty"`
	GithubOAuthClientID  string   `toml:"github_oauth_client_id,omitempty"`
	ScopesAllowlist      []string `toml:"scopes,omitempty"`
	MaxArchiveSize       int64    `toml:"max_archive_size,omitempty"`
	GitAllowed           bool     `toml:"git_allowed,omitempty"`
	WallyAllowed         bool     `toml:"wally_allowed,omitempty"`
}

// An IndexFileEntry describes one published version inside a package's
// index file.
type IndexFileEntry struct {
	Description  string                     `toml:"description,omitempty"`
	PublishedAt  int64                      `toml:"published_at"`
	License      string                     `toml:"license,omitempty"`
	Target       target.Target              `toml:"target"`
	Dependencies map[string]DependencyEntry `toml:"dependencies,omitempty"`
}

// An IndexFile is a package's full version listing, keyed by the rendered
// version id.
type IndexFile map[string]IndexFileEntry

// pesdeSource reads the first-party git-backed index.
type pesdeSource struct {
	Repo string
}

func (s pesdeSource) git() gitIndex { return gitIndex{Repo: s.Repo} }

func (s pesdeSource) refresh(ctx context.Context, env *Env) error {
	return s.git().refresh(ctx, env)
}

// Config reads and parses the registry config at the index root.
func (s pesdeSource) Config(ctx context.Context, env *Env) (IndexConfig, error) {
	tree, err := s.git().rootTree(ctx, env)
	if err != nil {
		return IndexConfig{}, err
	}
	contents, ok, err := tree.ReadFile(ctx, "config.toml")
	if err != nil {
		return IndexConfig{}, err
	}
	if !ok {
		return IndexConfig{}, errors.Errorf("index %s has no config.toml", s.Repo)
	}
	var cfg IndexConfig
	if err := toml.Unmarshal([]byte(contents), &cfg); err != nil {
		return IndexConfig{}, errors.Wrapf(err, "parsing config.toml of %s", s.Repo)
	}
	return cfg, nil
}

// NoMatchingEntriesError is returned when the index has no file for the
// requested package.
type NoMatchingEntriesError struct {
	Repo string
	Name names.PackageName
}

func (e *NoMatchingEntriesError) Error() string {
	return fmt.Sprintf("index %s has no entries for %s", e.Repo, e.Name)
}

func (s pesdeSource) resolve(ctx context.Context, spec PesdeDependencySpecifier, projectTarget target.Kind, env *Env) (ResolveResult, error) {
	tree, err := s.git().rootTree(ctx, env)
	if err != nil {
		return ResolveResult{}, err
	}

	contents, err := s.readIndexFile(ctx, env, tree, spec.Name)
	if err != nil {
		return ResolveResult{}, err
	}
	if contents == "" {
		return ResolveResult{}, &NoMatchingEntriesError{Repo: s.Repo, Name: spec.Name}
	}

	var file IndexFile
	if err := toml.Unmarshal([]byte(contents), &file); err != nil {
		return ResolveResult{}, errors.Wrapf(err, "parsing index file for %s", spec.Name)
	}

	versions := make(map[VersionID]PackageRefs, len(file))
	for rendered, entry := range file {
		id, err := ParseVersionID(rendered)
		if err != nil {
			return ResolveResult{}, errors.Wrapf(err, "index file for %s", spec.Name)
		}
		if !id.Target().IsCompatibleWith(projectTarget) {
			continue
		}
		versions[id] = PackageRefs{Pesde: &PesdePackageRef{
			Name:         spec.Name,
			Version:      id,
			Index:        s.Repo,
			Dependencies: entry.Dependencies,
			Target:       entry.Target,
		}}
	}

	return ResolveResult{Name: spec.Name, Versions: versions}, nil
}

// readIndexFile fetches the package's blob, consulting the bolt-backed
// resolve cache keyed by the root tree revision first.
func (s pesdeSource) readIndexFile(ctx context.Context, env *Env, tree Tree, name names.PackageName) (string, error) {
	cache, err := openResolveCache(env)
	if err == nil {
		defer cache.Close()
		if blob, ok := cache.Get(s.Repo, tree.Hash(), name.String()); ok {
			return string(blob), nil
		}
	} else {
		env.dbg().Printf("resolve cache unavailable: %s", err)
	}

	contents, ok, err := tree.ReadFile(ctx, name.Scope(), name.Name())
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}

	if cache != nil {
		if err := cache.Put(s.Repo, tree.Hash(), name.String(), []byte(contents)); err != nil {
			env.dbg().Printf("resolve cache write failed: %s", err)
		}
	}
	return contents, nil
}

func (s pesdeSource) download(ctx context.Context, ref PesdePackageRef, env *Env) (*PackageFS, target.Target, error) {
	cfg, err := s.Config(ctx, env)
	if err != nil {
		return nil, target.Target{}, err
	}

	url := fmt.Sprintf("%s/v0/packages/%s/%s/%s/%s",
		strings.TrimSuffix(cfg.APIURL, "/"),
		ref.Name.Scope(), ref.Name.Name(),
		ref.Version.VersionString(), ref.Version.Target())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, target.Target{}, errors.Wrapf(err, "building download request for %s", ref.Name)
	}
	if tok, ok := env.Auth.TokenFor(s.Repo); ok {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := env.HTTP.Do(req)
	if err != nil {
		return nil, target.Target{}, errors.Wrapf(err, "downloading %s@%s", ref.Name, ref.Version)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, target.Target{}, errors.Errorf("downloading %s@%s: registry responded %s", ref.Name, ref.Version, resp.Status)
	}

	fs, err := extractTarball(resp.Body, env.CasDir)
	if err != nil {
		return nil, target.Target{}, errors.Wrapf(err, "extracting %s@%s", ref.Name, ref.Version)
	}
	return fs, ref.Target, nil
}

// extractTarball streams a gzipped tar into the content store, building the
// package's virtual tree.
func extractTarball(r io.Reader, casDir string) (*PackageFS, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, errors.Wrap(err, "opening gzip stream")
	}
	defer gz.Close()

	fs := newPackageFS()
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "reading tar stream")
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		contents, err := io.ReadAll(tr)
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s from tar stream", hdr.Name)
		}
		rel := strings.TrimPrefix(hdr.Name, "./")
		if rel == "" || strings.HasPrefix(rel, "../") || strings.Contains(rel, "/../") {
			return nil, errors.Errorf("archive entry %q escapes the container", hdr.Name)
		}
		if err := fs.Add(casDir, rel, contents, hdr.FileInfo().Mode()&0111 != 0); err != nil {
			return nil, err
		}
	}
	return fs, nil
}

// HighestMatching picks the best candidate out of a resolve result: the
// highest version satisfying req whose target is compatible with
// projectTarget. Ties on semver precedence fall to the lexicographically
// largest version id.
func HighestMatching(res ResolveResult, req *semver.Constraints, projectTarget target.Kind) (VersionID, PackageRefs, bool) {
	var (
		best    VersionID
		bestRef PackageRefs
		found   bool
	)
	for id, ref := range res.Versions {
		if !req.Check(id.Version()) {
			continue
		}
		if !id.Target().IsCompatibleWith(projectTarget) {
			continue
		}
		if !found || best.Less(id) {
			best, bestRef, found = id, ref, true
		}
	}
	return best, bestRef, found
}
