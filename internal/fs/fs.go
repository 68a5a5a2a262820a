// Copyright 2024 The pesde Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fs provides the filesystem helpers shared by the content store,
// the lockfile writer, and the linker.
package fs

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"syscall"

	shutil "github.com/termie/go-shutil"
)

// IsDir is true if name is a directory.
func IsDir(name string) (bool, error) {
	fi, err := os.Stat(name)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return fi.IsDir(), nil
}

// RenameWithFallback attempts to rename a file, but falls back to copying
// in the event of a cross-device link error. If the fallback copy succeeds,
// src is still removed, emulating normal rename behavior.
func RenameWithFallback(src, dest string) error {
	err := os.Rename(src, dest)
	if err == nil {
		return nil
	}

	terr, ok := err.(*os.LinkError)
	if !ok {
		return err
	}
	if !isCrossDevice(terr.Err) {
		return terr
	}

	if err := CopyFile(src, dest); err != nil {
		return err
	}
	return os.Remove(src)
}

// LinkOrCopy hard-links src to dest, copying instead when the filesystem
// forbids the link (cross-device, or no hard-link support).
func LinkOrCopy(src, dest string) error {
	err := os.Link(src, dest)
	if err == nil {
		return nil
	}
	if lerr, ok := err.(*os.LinkError); ok {
		if os.IsExist(lerr.Err) {
			return nil
		}
		if isCrossDevice(lerr.Err) || lerr.Err == syscall.EPERM || lerr.Err == syscall.ENOTSUP {
			_, cerr := shutil.Copy(src, dest, false)
			return cerr
		}
	}
	return err
}

func isCrossDevice(err error) bool {
	if err == syscall.EXDEV {
		return true
	}
	if runtime.GOOS == "windows" {
		// 0x11 (ERROR_NOT_SAME_DEVICE) is the windows error.
		noerr, ok := err.(syscall.Errno)
		return ok && noerr == 0x11
	}
	return false
}

// CopyFile copies a file from one place to another with the permission bits
// preserved as well.
func CopyFile(src, dest string) error {
	srcfile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcfile.Close()

	destfile, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer destfile.Close()

	if _, err := io.Copy(destfile, srcfile); err != nil {
		return err
	}

	srcinfo, err := os.Stat(src)
	if err != nil {
		return err
	}
	return os.Chmod(dest, srcinfo.Mode())
}

// WriteFileAtomic writes contents to a temporary sibling of path and
// renames it into place.
func WriteFileAtomic(path string, contents []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(contents); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	return RenameWithFallback(name, path)
}

// MakeExecutable sets the executable bits on a generated launcher.
func MakeExecutable(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	return os.Chmod(path, 0755)
}
