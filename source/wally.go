package source

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/Masterminds/semver"
	"github.com/pkg/errors"

	"github.com/Paficent/pesde/names"
	"github.com/Paficent/pesde/target"
)

// NoLibFile marks a package (always wally-compat) whose library entry point
// is unknown; the linker requires the container folder itself and skips
// type extraction.
const NoLibFile = "*no lib file*"

// wallySource reads a wally index for compatibility installs. Wally index
// files are JSON: one manifest object per line, newest last. Artifacts are
// zips served by the wally registry API.
type wallySource struct {
	Repo string
}

type wallyIndexEntry struct {
	Package struct {
		Name     string `json:"name"`
		Version  string `json:"version"`
		Registry string `json:"registry"`
	} `json:"package"`
	Dependencies       map[string]string `json:"dependencies"`
	ServerDependencies map[string]string `json:"server-dependencies"`
}

type wallyIndexConfig struct {
	API string `json:"api"`
}

func (s wallySource) git() gitIndex { return gitIndex{Repo: s.Repo} }

func (s wallySource) refresh(ctx context.Context, env *Env) error {
	return s.git().refresh(ctx, env)
}

func (s wallySource) resolve(ctx context.Context, spec WallyDependencySpecifier, projectTarget target.Kind, env *Env) (ResolveResult, error) {
	tree, err := s.git().rootTree(ctx, env)
	if err != nil {
		return ResolveResult{}, err
	}

	contents, ok, err := tree.ReadFile(ctx, spec.Name.Scope(), spec.Name.Name())
	if err != nil {
		return ResolveResult{}, err
	}
	if !ok {
		return ResolveResult{}, &NoMatchingEntriesError{Repo: s.Repo, Name: spec.Name}
	}

	versions := make(map[VersionID]PackageRefs)
	for _, line := range strings.Split(contents, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var entry wallyIndexEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return ResolveResult{}, errors.Wrapf(err, "parsing wally index entry for %s", spec.Name)
		}
		ver, err := semver.NewVersion(entry.Package.Version)
		if err != nil {
			return ResolveResult{}, errors.Wrapf(err, "invalid version %q for %s", entry.Package.Version, spec.Name)
		}

		// Wally predates targets; everything it serves is a Roblox
		// package.
		id := NewVersionID(ver, target.Roblox)
		if !id.Target().IsCompatibleWith(projectTarget) {
			continue
		}

		deps := make(map[string]DependencyEntry, len(entry.Dependencies)+len(entry.ServerDependencies))
		for alias, req := range entry.Dependencies {
			dep, err := wallyDependency(alias, req, s.Repo)
			if err != nil {
				return ResolveResult{}, err
			}
			deps[alias] = dep
		}
		for alias, req := range entry.ServerDependencies {
			dep, err := wallyDependency(alias, req, s.Repo)
			if err != nil {
				return ResolveResult{}, err
			}
			deps[alias] = dep
		}

		versions[id] = PackageRefs{Wally: &WallyPackageRef{
			Name:         spec.Name,
			Version:      id,
			Index:        s.Repo,
			Dependencies: deps,
		}}
	}

	return ResolveResult{Name: spec.Name, Versions: versions}, nil
}

// wallyDependency parses wally's "scope/name@req" dependency rendering.
func wallyDependency(alias, decl, repo string) (DependencyEntry, error) {
	nameStr, req, ok := strings.Cut(decl, "@")
	if !ok {
		return DependencyEntry{}, errors.Errorf("wally dependency %q for alias %s is missing a requirement", decl, alias)
	}
	name, err := names.Parse(nameStr)
	if err != nil {
		return DependencyEntry{}, errors.Wrapf(err, "wally dependency for alias %s", alias)
	}
	return DependencyEntry{
		Specifier: DependencySpecifiers{Wally: &WallyDependencySpecifier{
			Name:    name,
			Version: req,
		}},
		Type: Standard,
	}, nil
}

func (s wallySource) download(ctx context.Context, ref WallyPackageRef, env *Env) (*PackageFS, target.Target, error) {
	tree, err := s.git().rootTree(ctx, env)
	if err != nil {
		return nil, target.Target{}, err
	}
	rawCfg, ok, err := tree.ReadFile(ctx, "config.json")
	if err != nil {
		return nil, target.Target{}, err
	}
	if !ok {
		return nil, target.Target{}, errors.Errorf("wally index %s has no config.json", s.Repo)
	}
	var cfg wallyIndexConfig
	if err := json.Unmarshal([]byte(rawCfg), &cfg); err != nil {
		return nil, target.Target{}, errors.Wrapf(err, "parsing config.json of %s", s.Repo)
	}

	url := fmt.Sprintf("%s/v1/package-contents/%s/%s/%s",
		strings.TrimSuffix(cfg.API, "/"),
		ref.Name.Scope(), ref.Name.Name(), ref.Version.VersionString())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, target.Target{}, errors.Wrapf(err, "building download request for %s", ref.Name)
	}
	req.Header.Set("Wally-Version", "0.3.2")
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

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, target.Target{}, errors.Wrapf(err, "reading archive for %s@%s", ref.Name, ref.Version)
	}

	fs, err := extractZip(body, env.CasDir)
	if err != nil {
		return nil, target.Target{}, errors.Wrapf(err, "extracting %s@%s", ref.Name, ref.Version)
	}

	return fs, target.Target{Environment: target.Roblox, Lib: NoLibFile}, nil
}

// extractZip unpacks a zip archive to a scratch directory, then walks it
// into the content store.
func extractZip(body []byte, casDir string) (*PackageFS, error) {
	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return nil, errors.Wrap(err, "opening zip archive")
	}

	scratch, err := os.MkdirTemp("", "pesde-wally-")
	if err != nil {
		return nil, errors.Wrap(err, "creating scratch directory")
	}
	defer os.RemoveAll(scratch)

	for _, file := range zr.File {
		if file.FileInfo().IsDir() {
			continue
		}
		rel := strings.TrimPrefix(file.Name, "./")
		if strings.HasPrefix(rel, "../") || strings.Contains(rel, "/../") {
			return nil, errors.Errorf("archive entry %q escapes the container", file.Name)
		}
		rc, err := file.Open()
		if err != nil {
			return nil, errors.Wrapf(err, "opening %s in archive", file.Name)
		}
		contents, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s from archive", file.Name)
		}
		if err := writeScratchFile(scratch, rel, contents); err != nil {
			return nil, err
		}
	}

	return storeDir(casDir, scratch)
}
