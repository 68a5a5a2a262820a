package source

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/karrick/godirwalk"
	"github.com/pkg/errors"

	"github.com/Paficent/pesde/cas"
)

// An FSEntry is one file in a downloaded package: the store hash of its
// contents plus whether it should be executable when materialized.
type FSEntry struct {
	Hash       string
	Executable bool
}

// A PackageFS is the virtual tree of a downloaded package. Contents already
// live in the content-addressed store; the tree only maps slash-separated
// relative paths to store entries.
type PackageFS struct {
	Entries map[string]FSEntry
}

func newPackageFS() *PackageFS {
	return &PackageFS{Entries: make(map[string]FSEntry)}
}

// Add stores contents and records them at rel.
func (f *PackageFS) Add(casDir, rel string, contents []byte, executable bool) error {
	post := func(string) error { return nil }
	if executable {
		post = func(p string) error { return os.Chmod(p, 0755) }
	}
	hash, err := cas.Store(casDir, contents, post)
	if err != nil {
		return err
	}
	f.Entries[rel] = FSEntry{Hash: hash, Executable: executable}
	return nil
}

// WriteTo materializes the tree under destination via hard links from the
// store.
func (f *PackageFS) WriteTo(destination, casDir string) error {
	paths := make([]string, 0, len(f.Entries))
	for rel := range f.Entries {
		paths = append(paths, rel)
	}
	sort.Strings(paths)

	for _, rel := range paths {
		entry := f.Entries[rel]
		dest := filepath.Join(destination, filepath.FromSlash(rel))
		if !strings.HasPrefix(dest, filepath.Clean(destination)+string(filepath.Separator)) {
			return errors.Errorf("entry %q escapes the container", rel)
		}
		if err := cas.Materialize(casDir, entry.Hash, dest); err != nil {
			return err
		}
	}
	return nil
}

// writeScratchFile writes one extracted archive entry under root.
func writeScratchFile(root, rel string, contents []byte) error {
	dest := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return errors.Wrapf(err, "creating directory for %s", rel)
	}
	if err := os.WriteFile(dest, contents, 0644); err != nil {
		return errors.Wrapf(err, "writing %s", rel)
	}
	return nil
}

// storeDir walks an on-disk tree (an extracted archive) into the store and
// returns the resulting virtual tree.
func storeDir(casDir, root string) (*PackageFS, error) {
	fs := newPackageFS()
	err := godirwalk.Walk(root, &godirwalk.Options{
		Unsorted: true,
		Callback: func(path string, de *godirwalk.Dirent) error {
			if de.IsDir() || de.IsSymlink() {
				return nil
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			contents, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			info, err := os.Stat(path)
			if err != nil {
				return err
			}
			return fs.Add(casDir, filepath.ToSlash(rel), contents, info.Mode()&0111 != 0)
		},
	})
	if err != nil {
		return nil, errors.Wrapf(err, "storing tree at %s", root)
	}
	return fs, nil
}
