// Copyright 2024 The pesde Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cas

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreAndPath(t *testing.T) {
	dir := t.TempDir()

	hash, err := Store(dir, []byte("return {}\n"), nil)
	require.NoError(t, err)
	assert.Len(t, hash, 64)

	// Two leading nibble directories for fanout.
	want := filepath.Join(dir, hash[:2], hash[2:4], hash[4:])
	assert.Equal(t, want, Path(dir, hash))

	b, err := os.ReadFile(want)
	require.NoError(t, err)
	assert.Equal(t, "return {}\n", string(b))
}

func TestStoreDeduplicates(t *testing.T) {
	dir := t.TempDir()

	calls := 0
	post := func(string) error { calls++; return nil }

	h1, err := Store(dir, []byte("same"), post)
	require.NoError(t, err)
	h2, err := Store(dir, []byte("same"), post)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	// postprocess runs on first write only.
	assert.Equal(t, 1, calls)
}

func TestStoreConcurrent(t *testing.T) {
	dir := t.TempDir()
	contents := []byte("concurrently stored")

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := Store(dir, contents, nil)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	b, err := os.ReadFile(Path(dir, Hash(contents)))
	require.NoError(t, err)
	assert.Equal(t, contents, b)
}

func TestMaterializeHardLink(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(t.TempDir(), "pkg", "init.luau")

	hash, err := Store(dir, []byte("local x = 1\n"), nil)
	require.NoError(t, err)
	require.NoError(t, Materialize(dir, hash, dest))

	b, err := os.ReadFile(dest)
	require.NoError(t, err)
	// The materialized file's content hashes back to its key.
	assert.Equal(t, hash, Hash(b))

	// Rewriting over an existing destination must succeed; shims are
	// rewritten every run.
	require.NoError(t, Materialize(dir, hash, dest))
}
