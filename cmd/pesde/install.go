// Copyright 2024 The pesde Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	pesde "github.com/Paficent/pesde"
	"github.com/Paficent/pesde/linking"
	"github.com/Paficent/pesde/source"
	"github.com/Paficent/pesde/target"
)

const jobs = 5

func job(n int) string {
	return color.New(color.Faint, color.Bold).Sprintf("[%d/%d]", n, jobs)
}

func newInstallCommand(ctx context.Context) *cobra.Command {
	var (
		locked bool
		prod   bool
	)
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Installs all dependencies for the project",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadProject(ctx)
			if err != nil {
				return err
			}
			return runInstall(ctx, p, installOptions{locked: locked, prod: prod, usePrior: true})
		},
	}
	cmd.Flags().BoolVar(&locked, "locked", false, "error on changes in the lockfile")
	cmd.Flags().BoolVar(&prod, "prod", false, "do not install dev dependencies")
	return cmd
}

type installOptions struct {
	locked   bool
	prod     bool
	usePrior bool
}

// runInstall is the install driver: wipe package folders, build the graph,
// download, link, and commit the new lockfile last.
func runInstall(ctx context.Context, p *pesde.Project, opts installOptions) error {
	refreshed := make(map[source.PackageSource]bool)

	manifest, err := p.Manifest()
	if err != nil {
		return errors.Wrap(err, "failed to read manifest")
	}

	var prior *pesde.Lockfile
	if opts.locked {
		prior, err = p.Lockfile()
		if err == pesde.ErrLockfileNotFound {
			return errors.New("lockfile is out of sync, run `pesde install` to update it")
		}
		if err != nil {
			return err
		}
		// Refuses before touching the network.
		if err := pesde.CheckLocked(manifest, prior); err != nil {
			return err
		}
	} else if opts.usePrior {
		prior, err = p.UsableLockfile(manifest)
		if err != nil {
			return err
		}
	}

	fmt.Printf("\n%s\n\n", color.New(color.Bold).Sprintf("[now installing %s %s]", manifest.Name, manifest.Target.Kind()))

	fmt.Printf("%s removing current package folders\n", job(1))
	if err := removePackageFolders(p, manifest); err != nil {
		return err
	}

	var priorGraph pesde.DependencyGraph
	if prior != nil {
		priorGraph = prior.Graph.Strip()
	}

	fmt.Printf("%s building dependency graph\n", job(2))
	reg := p.Sources()
	graph, err := p.DependencyGraph(ctx, manifest, priorGraph, refreshed, reg)
	if err != nil {
		return errors.Wrap(err, "failed to build dependency graph")
	}

	fmt.Printf("%s downloading dependencies\n", job(3))
	downloaded, err := downloadWithProgress(ctx, p, manifest, graph, refreshed, reg, opts.prod)
	if err != nil {
		return err
	}

	filtered := downloaded
	if opts.prod {
		filtered = downloaded.FilterProd()
	}

	fmt.Printf("%s linking dependencies\n", job(4))
	if err := linking.LinkDependencies(ctx, p, manifest, filtered); err != nil {
		return errors.Wrap(err, "failed to link dependencies")
	}
	if err := linking.WriteBinLaunchers(p, filtered); err != nil {
		return errors.Wrap(err, "failed to write bin launchers")
	}

	fmt.Printf("%s finishing up\n", job(5))
	workspace, err := p.WorkspaceMembers(manifest)
	if err != nil {
		return errors.Wrap(err, "failed to scan workspace members")
	}

	err = p.WriteLockfile(&pesde.Lockfile{
		Name:      manifest.Name,
		Version:   manifest.Version,
		Target:    manifest.Target.Kind(),
		Overrides: manifest.Overrides,
		Workspace: workspace,
		Graph:     downloaded,
	})
	return errors.Wrap(err, "failed to write lockfile")
}

// removePackageFolders clears every packages folder the project's target
// can produce, so stale shims and containers never survive a run.
func removePackageFolders(p *pesde.Project, m *pesde.Manifest) error {
	folders := make(map[string]bool)
	for _, kind := range target.Kinds {
		folders[m.Target.Kind().PackagesFolder(kind)] = true
	}
	for folder := range folders {
		if err := os.RemoveAll(filepath.Join(p.PackageDir(), folder)); err != nil {
			return errors.Wrapf(err, "failed to remove the %s folder", folder)
		}
	}
	return nil
}

// downloadWithProgress drains the downloader's completion channel into a
// progress bar, failing on the first error after the drain.
func downloadWithProgress(ctx context.Context, p *pesde.Project, m *pesde.Manifest, graph pesde.DependencyGraph, refreshed map[source.PackageSource]bool, reg pesde.SourceRegistry, prod bool) (pesde.DownloadedGraph, error) {
	signals, downloaded, err := p.DownloadGraph(ctx, m, graph, refreshed, reg, prod, true)
	if err != nil {
		return nil, errors.Wrap(err, "failed to download dependencies")
	}

	bar := progressbar.NewOptions(graph.NodeCount(),
		progressbar.OptionSetDescription("downloading dependencies"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionClearOnFinish(),
	)

	var firstErr error
	for signal := range signals {
		if signal != nil && firstErr == nil {
			firstErr = signal
		}
		bar.Add(1)
	}
	bar.Finish()

	if firstErr != nil {
		return nil, errors.Wrap(firstErr, "failed to download dependencies")
	}
	return downloaded.Take(), nil
}
