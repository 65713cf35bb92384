package nodestore

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/boltdb/bolt"
	"github.com/pkg/errors"

	"github.com/oxen-data/oxen-core/internal/oxerr"
	"github.com/oxen-data/oxen-core/internal/oxhash"
)

var pathBucket = []byte("paths")

// rootKey stands in for the repository root path (""), which bolt's
// key-value store rejects as a key (ErrKeyRequired demands a non-empty
// key). It never collides with an actual repository-relative path since
// those never start with a NUL byte.
var rootKey = []byte{0}

func pathKey(path string) []byte {
	if path == "" {
		return rootKey
	}
	return []byte(path)
}

// DirHashIndex is the per-commit auxiliary map from repository path to
// dir hash (history/<commit_hash>/dir_hashes/). It lets a reader jump
// into the tree at any path in O(1) instead of walking down from the
// commit root.
type DirHashIndex struct {
	db *bolt.DB
}

func dirIndexPath(historyBase string, commit oxhash.Hash) string {
	return filepath.Join(historyBase, commit.String(), "dir_hashes")
}

// OpenDirHashIndex opens (creating if absent) the index for commit.
func OpenDirHashIndex(historyBase string, commit oxhash.Hash) (*DirHashIndex, error) {
	dir := dirIndexPath(historyBase, commit)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "dirindex: mkdir")
	}
	db, err := bolt.Open(filepath.Join(dir, "index.bolt"), 0o644, nil)
	if err != nil {
		return nil, errors.Wrap(err, "dirindex: open")
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(pathBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &DirHashIndex{db: db}, nil
}

// OpenDirHashIndexReadOnly opens an existing index without creating one,
// failing with NotFound if the commit has none (e.g. unknown commit hash).
func OpenDirHashIndexReadOnly(historyBase string, commit oxhash.Hash) (*DirHashIndex, error) {
	path := filepath.Join(dirIndexPath(historyBase, commit), "index.bolt")
	if _, err := os.Stat(path); err != nil {
		return nil, oxerr.NotFound("dir hash index for commit %s", commit)
	}
	db, err := bolt.Open(path, 0o644, &bolt.Options{ReadOnly: true})
	if err != nil {
		return nil, errors.Wrap(err, "dirindex: open read-only")
	}
	return &DirHashIndex{db: db}, nil
}

func (idx *DirHashIndex) Put(path string, dirHash oxhash.Hash) error {
	return idx.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(pathBucket).Put(pathKey(path), dirHash[:])
	})
}

func (idx *DirHashIndex) Get(path string) (oxhash.Hash, bool) {
	var h oxhash.Hash
	var found bool
	_ = idx.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(pathBucket).Get(pathKey(path))
		if v != nil {
			copy(h[:], v)
			found = true
		}
		return nil
	})
	return h, found
}

// All returns every (path, dirHash) pair in the index.
func (idx *DirHashIndex) All() (map[string]oxhash.Hash, error) {
	out := map[string]oxhash.Hash{}
	err := idx.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(pathBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var h oxhash.Hash
			copy(h[:], v)
			p := string(k)
			if bytes.Equal(k, rootKey) {
				p = ""
			}
			out[p] = h
		}
		return nil
	})
	return out, err
}

func (idx *DirHashIndex) Close() error { return idx.db.Close() }
