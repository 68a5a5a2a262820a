// Copyright 2024 The pesde Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pesde implements the dependency engine: manifest and lockfile
// handling, resolution into a pinned graph, concurrent download through the
// content-addressed store, and the glue the linker and CLI build on.
package pesde

import (
	"context"
	"io/ioutil"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	toml "github.com/pelletier/go-toml"
	"github.com/pkg/errors"

	"github.com/Paficent/pesde/source"
)

// ManifestName is the project manifest file name.
const ManifestName = "pesde.toml"

// LockfileName is the lockfile file name.
const LockfileName = "pesde.lock"

// PackagesContainerName is the hidden folder inside each packages folder
// that holds installed containers.
const PackagesContainerName = ".pesde"

// A Project is the supporting context of one run: the project root, the
// user directories, credentials, and the shared HTTP client. It is
// constructed once per run and passed explicitly.
type Project struct {
	// Root is the absolute path of the directory holding the manifest.
	Root string
	// DataDir is the user data directory (git mirrors, caches, config).
	DataDir string

	// Auth holds per-index credentials.
	Auth source.AuthConfig
	// HTTP is the client used for artifact downloads.
	HTTP *http.Client

	// Out receives user-facing lines; Err receives warnings and errors;
	// Dbg receives debug lines and defaults to a discarding logger.
	Out *log.Logger
	Err *log.Logger
	Dbg *log.Logger

	// runCtx bounds all background work started by this project; it is
	// joined with per-call contexts so a shutdown signal aborts in-flight
	// downloads.
	runCtx context.Context
}

// NewProject builds a Project rooted at root. The context bounds every
// operation started through the project.
func NewProject(ctx context.Context, root, dataDir string) *Project {
	return &Project{
		Root:    root,
		DataDir: dataDir,
		HTTP:    &http.Client{Timeout: 5 * time.Minute},
		Out:     log.New(os.Stdout, "", 0),
		Err:     log.New(os.Stderr, "", 0),
		Dbg:     log.New(ioutil.Discard, "", 0),
		runCtx:  ctx,
	}
}

// DefaultDataDir returns the platform location of the user data directory.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "locating home directory")
	}
	return filepath.Join(home, ".pesde"), nil
}

// FindProjectRoot searches from dir upward for a directory containing the
// manifest.
func FindProjectRoot(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		mp := filepath.Join(abs, ManifestName)
		if _, err := os.Stat(mp); err == nil {
			return abs, nil
		}
		parent := filepath.Dir(abs)
		if parent == abs {
			return "", errors.Errorf("no %s found in %s or any parent directory", ManifestName, dir)
		}
		abs = parent
	}
}

// CasDir is the root of the content-addressed store.
func (p *Project) CasDir() string {
	return filepath.Join(p.DataDir, "cas")
}

// BinDir is where generated binary launchers are written.
func (p *Project) BinDir() string {
	return filepath.Join(p.DataDir, "bin")
}

// PackageDir is the directory package folders are created under.
func (p *Project) PackageDir() string {
	return p.Root
}

// SourceEnv builds the environment handed to package sources.
func (p *Project) SourceEnv() *source.Env {
	return &source.Env{
		DataDir: p.DataDir,
		CasDir:  p.CasDir(),
		Auth:    p.Auth,
		HTTP:    p.HTTP,
		Out:     p.Out,
		Dbg:     p.Dbg,
	}
}

// RunContext returns the context bounding this project's background work.
func (p *Project) RunContext() context.Context {
	if p.runCtx != nil {
		return p.runCtx
	}
	return context.Background()
}

// Manifest reads and parses the project manifest.
func (p *Project) Manifest() (*Manifest, error) {
	b, err := os.ReadFile(filepath.Join(p.Root, ManifestName))
	if err != nil {
		return nil, errors.Wrap(err, "reading manifest")
	}
	return ReadManifest(b)
}

// UserConfig is the per-user tool configuration stored under the data
// directory: a default index override plus per-index tokens.
type UserConfig struct {
	DefaultIndex string            `toml:"default_index,omitempty"`
	Tokens       map[string]string `toml:"tokens,omitempty"`
}

// LoadUserConfig reads the user config, returning the zero value when none
// has been written yet.
func LoadUserConfig(dataDir string) (UserConfig, error) {
	var cfg UserConfig
	b, err := os.ReadFile(filepath.Join(dataDir, "config.toml"))
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, errors.Wrap(err, "reading user config")
	}
	if err := toml.Unmarshal(b, &cfg); err != nil {
		return cfg, errors.Wrap(err, "parsing user config")
	}
	return cfg, nil
}

// SaveUserConfig writes the user config in place.
func SaveUserConfig(dataDir string, cfg UserConfig) error {
	b, err := toml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "encoding user config")
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return errors.Wrap(err, "creating data directory")
	}
	return errors.Wrap(os.WriteFile(filepath.Join(dataDir, "config.toml"), b, 0600), "writing user config")
}
