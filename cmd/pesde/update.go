// Copyright 2024 The pesde Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"

	"github.com/spf13/cobra"
)

func newUpdateCommand(ctx context.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "update",
		Short: "Updates the project's lockfile, ignoring pinned versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadProject(ctx)
			if err != nil {
				return err
			}
			// Resolving without the prior graph re-picks the highest
			// satisfying versions.
			return runInstall(ctx, p, installOptions{usePrior: false})
		},
	}
}
