// Copyright 2024 The pesde Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package cas implements the user-level content-addressed store. Files are
// keyed by the SHA-256 of their contents with a two-nibble directory fanout,
// written via temp-and-rename, and materialized into projects as hard links.
package cas

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	pfs "github.com/Paficent/pesde/internal/fs"
)

// Hash returns the store key for contents.
func Hash(contents []byte) string {
	sum := sha256.Sum256(contents)
	return hex.EncodeToString(sum[:])
}

// Path returns the object path for hash under the store rooted at casDir.
func Path(casDir, hash string) string {
	return filepath.Join(casDir, hash[:2], hash[2:4], hash[4:])
}

// Store hashes contents and writes them to the object path if absent,
// returning the hash. postprocess runs on the first write only, giving
// callers a hook for permission adjustment. Concurrent stores of the same
// content are safe: writers land on temp files and the rename is
// last-writer-wins over identical bytes.
func Store(casDir string, contents []byte, postprocess func(path string) error) (string, error) {
	hash := Hash(contents)
	dest := Path(casDir, hash)

	if _, err := os.Stat(dest); err == nil {
		return hash, nil
	} else if !os.IsNotExist(err) {
		return "", errors.Wrapf(err, "checking store for %s", hash)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", errors.Wrap(err, "creating store directory")
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".tmp-")
	if err != nil {
		return "", errors.Wrap(err, "creating temporary store file")
	}
	name := tmp.Name()
	if _, err := tmp.Write(contents); err != nil {
		tmp.Close()
		os.Remove(name)
		return "", errors.Wrapf(err, "writing object %s", hash)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return "", errors.Wrapf(err, "closing object %s", hash)
	}

	if err := pfs.RenameWithFallback(name, dest); err != nil {
		os.Remove(name)
		return "", errors.Wrapf(err, "committing object %s", hash)
	}

	if postprocess != nil {
		if err := postprocess(dest); err != nil {
			return "", errors.Wrapf(err, "postprocessing object %s", hash)
		}
	}
	return hash, nil
}

// StoreFile reads a file on disk into the store.
func StoreFile(casDir, path string, postprocess func(path string) error) (string, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrapf(err, "reading %s", path)
	}
	return Store(casDir, contents, postprocess)
}

// Materialize creates destination as a hard link to the stored object,
// falling back to a copy on filesystems that forbid cross-device links.
func Materialize(casDir, hash, destination string) error {
	if err := os.MkdirAll(filepath.Dir(destination), 0755); err != nil {
		return errors.Wrap(err, "creating destination directory")
	}
	if err := os.Remove(destination); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "clearing stale file at %s", destination)
	}
	if err := pfs.LinkOrCopy(Path(casDir, hash), destination); err != nil {
		return errors.Wrapf(err, "materializing %s", hash)
	}
	return nil
}
