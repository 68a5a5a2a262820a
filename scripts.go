// Copyright 2024 The pesde Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pesde

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/pkg/errors"
)

// Named script kinds a manifest may declare.
const (
	// ScriptRobloxSyncConfigGenerator generates the Roblox sync config
	// for a container with build files.
	ScriptRobloxSyncConfigGenerator = "roblox_sync_config_generator"
	// ScriptSourcemapGenerator generates a sourcemap for a container.
	ScriptSourcemapGenerator = "sourcemap_generator"
)

// ExecuteScript runs a manifest-declared script through lune with the
// project environment inherited. Its combined output is collected and
// written to the debug logger line by line once the script exits.
func (p *Project) ExecuteScript(ctx context.Context, name, scriptPath string, args []string) error {
	full := scriptPath
	if !filepath.IsAbs(full) {
		full = filepath.Join(p.Root, scriptPath)
	}

	lune := append([]string{"run", full, "--"}, args...)
	cmd := exec.CommandContext(ctx, "lune", lune...)
	cmd.Dir = p.Root
	cmd.Env = os.Environ()

	out, err := cmd.CombinedOutput()
	for scanner := bufio.NewScanner(bytes.NewReader(out)); scanner.Scan(); {
		p.Dbg.Printf("[script %s] %s", name, scanner.Text())
	}
	if err != nil {
		return errors.Wrapf(err, "script %s failed", name)
	}
	return nil
}
