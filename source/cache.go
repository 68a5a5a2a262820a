package source

import (
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
	"github.com/pkg/errors"
)

// resolveCache is a bolt-backed cache of index blobs, keyed by the mirror's
// root tree revision so entries invalidate themselves whenever the index
// moves. One top-level bucket per index URL.
type resolveCache struct {
	db *bolt.DB
}

func openResolveCache(env *Env) (*resolveCache, error) {
	dir := filepath.Join(env.DataDir, "cache")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "creating cache directory")
	}
	db, err := bolt.Open(filepath.Join(dir, "resolve.db"), 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "opening resolve cache")
	}
	return &resolveCache{db: db}, nil
}

func (c *resolveCache) Close() error {
	if c == nil {
		return nil
	}
	return c.db.Close()
}

func cacheKey(revision, name string) []byte {
	return []byte(revision + "\x00" + name)
}

// Get returns the cached blob for name at the given index revision.
func (c *resolveCache) Get(repo, revision, name string) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	var out []byte
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(repo))
		if b == nil {
			return nil
		}
		if v := b.Get(cacheKey(revision, name)); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil || out == nil {
		return nil, false
	}
	return out, true
}

// Put records a blob for name at the given index revision, dropping entries
// from older revisions of the same index as it goes.
func (c *resolveCache) Put(repo, revision, name string, blob []byte) error {
	if c == nil {
		return nil
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(repo))
		if err != nil {
			return err
		}
		prefix := []byte(revision + "\x00")
		cur := b.Cursor()
		for k, _ := cur.First(); k != nil; k, _ = cur.Next() {
			if len(k) < len(prefix) || string(k[:len(prefix)]) != string(prefix) {
				if err := cur.Delete(); err != nil {
					return err
				}
			}
		}
		return b.Put(cacheKey(revision, name), blob)
	})
}
