// Copyright 2024 The pesde Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command pesde is the package manager CLI: it installs, updates, and
// links dependencies for Luau projects.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	pesde "github.com/Paficent/pesde"
	"github.com/Paficent/pesde/source"
)

var verbose bool

func main() {
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		color.NoColor = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	root := &cobra.Command{
		Use:           "pesde",
		Short:         "a package manager for the Luau ecosystem",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "print debug output")

	root.AddCommand(newInstallCommand(ctx))
	root.AddCommand(newUpdateCommand(ctx))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error: %s", err))
		os.Exit(1)
	}
}

// loadProject locates the project root from the working directory and
// builds the run's Project with the user config applied.
func loadProject(ctx context.Context) (*pesde.Project, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	root, err := pesde.FindProjectRoot(wd)
	if err != nil {
		return nil, err
	}
	dataDir, err := pesde.DefaultDataDir()
	if err != nil {
		return nil, err
	}

	p := pesde.NewProject(ctx, root, dataDir)
	if verbose {
		p.Dbg = log.New(os.Stderr, "debug: ", 0)
	}

	cfg, err := pesde.LoadUserConfig(dataDir)
	if err != nil {
		return nil, err
	}
	if len(cfg.Tokens) > 0 {
		p.Auth = source.AuthConfig{Tokens: cfg.Tokens}
	}
	return p, nil
}
