// Copyright 2024 The pesde Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pesde

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/Paficent/pesde/names"
	"github.com/Paficent/pesde/target"
)

// WorkspaceMembers expands the manifest's member globs, reads each member
// manifest, and returns the workspace map recorded in the lockfile:
// member name -> target kind -> path relative to the project root.
func (p *Project) WorkspaceMembers(m *Manifest) (map[names.PackageName]map[target.Kind]string, error) {
	if len(m.WorkspaceMembers) == 0 {
		return nil, nil
	}

	var roots []string
	seen := make(map[string]bool)
	for _, pattern := range m.WorkspaceMembers {
		matches, err := filepath.Glob(filepath.Join(p.Root, pattern))
		if err != nil {
			return nil, errors.Wrapf(err, "workspace member pattern %q", pattern)
		}
		for _, match := range matches {
			if seen[match] {
				continue
			}
			seen[match] = true
			if ok, err := isProjectDir(match); err != nil {
				return nil, err
			} else if ok {
				roots = append(roots, match)
			}
		}
	}

	var (
		mu  sync.Mutex
		out = make(map[names.PackageName]map[target.Kind]string, len(roots))
	)
	var g errgroup.Group
	for _, root := range roots {
		root := root
		g.Go(func() error {
			b, err := os.ReadFile(filepath.Join(root, ManifestName))
			if err != nil {
				return errors.Wrapf(err, "reading member manifest at %s", root)
			}
			member, err := ReadManifest(b)
			if err != nil {
				return errors.Wrapf(err, "member manifest at %s", root)
			}
			rel, err := filepath.Rel(p.Root, root)
			if err != nil {
				return err
			}

			mu.Lock()
			defer mu.Unlock()
			byTarget, ok := out[member.Name]
			if !ok {
				byTarget = make(map[target.Kind]string)
				out[member.Name] = byTarget
			}
			byTarget[member.Target.Kind()] = filepath.ToSlash(rel)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func isProjectDir(path string) (bool, error) {
	fi, err := os.Stat(path)
	if err != nil || !fi.IsDir() {
		return false, nil
	}
	if _, err := os.Stat(filepath.Join(path, ManifestName)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
