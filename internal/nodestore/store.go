// Package nodestore persists Merkle nodes, one embedded key-value
// database per node hash, sharded on disk by hash prefix
// (tree/<hh>/<remaining hash>/node.db). Container nodes also record each
// child's header under the child's hash key, so a reader can enumerate a
// directory's children with a single DB open and no per-child
// deserialization.
package nodestore

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/boltdb/bolt"
	"github.com/pkg/errors"

	"github.com/oxen-data/oxen-core/internal/merkle"
	"github.com/oxen-data/oxen-core/internal/oxerr"
	"github.com/oxen-data/oxen-core/internal/oxhash"
)

var (
	selfBucket     = []byte("self")
	childrenBucket = []byte("children")
)

var bodyKey = []byte("node")

// Store roots the on-disk tree/ directory and holds per-hash creation
// locks so at most one writer opens a given node's database at a time;
// the writer holds its creation lock until close.
type Store struct {
	base  string
	locks sync.Map // oxhash.Hash -> *sync.Mutex
}

func New(base string) *Store {
	return &Store{base: base}
}

func (s *Store) pathFor(h oxhash.Hash) string {
	a, b, rest := h.Prefix()
	return filepath.Join(s.base, a, b+rest)
}

func (s *Store) lockFor(h oxhash.Hash) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(h, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Exists reports whether a node database for hash h is already present.
func (s *Store) Exists(h oxhash.Hash) bool {
	_, err := os.Stat(filepath.Join(s.pathFor(h), "node.db"))
	return err == nil
}

// WriteHandle is a bolt database open for writing a single node, held
// append-only during construction and becoming read-only for the rest of
// its lifetime once Close returns.
type WriteHandle struct {
	store *bolt.DB
	hash  oxhash.Hash
	mu    *sync.Mutex
}

// OpenForWrite creates (or reopens) the database for hash, holding a
// creation lock for its lifetime. parent is informational only; node DBs
// do not nest physically.
func (s *Store) OpenForWrite(hash, parent oxhash.Hash) (*WriteHandle, error) {
	mu := s.lockFor(hash)
	mu.Lock()

	dir := s.pathFor(hash)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		mu.Unlock()
		return nil, errors.Wrap(err, "nodestore: mkdir")
	}
	db, err := bolt.Open(filepath.Join(dir, "node.db"), 0o644, nil)
	if err != nil {
		mu.Unlock()
		return nil, errors.Wrap(err, "nodestore: open for write")
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(selfBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(childrenBucket)
		return err
	}); err != nil {
		db.Close()
		mu.Unlock()
		return nil, errors.Wrap(err, "nodestore: prepare")
	}
	return &WriteHandle{store: db, hash: hash, mu: mu}, nil
}

// SetBody writes the node's own canonical encoding (its Marshal() output).
func (w *WriteHandle) SetBody(b []byte) error {
	return w.store.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(selfBucket).Put(bodyKey, b)
	})
}

// AddChild records a child's header under its hash, so Map() can enumerate
// children without opening each child's own database.
func (w *WriteHandle) AddChild(childHash oxhash.Hash, header merkle.Header) error {
	return w.store.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(childrenBucket).Put(childHash[:], header.Marshal())
	})
}

// Close flushes and releases the write lock; the node database becomes
// read-only for the remainder of the process.
func (w *WriteHandle) Close() error {
	err := w.store.Close()
	w.mu.Unlock()
	return err
}

// ChildEntry is one (child hash, child header) pair returned by Map().
type ChildEntry struct {
	Hash   oxhash.Hash
	Header merkle.Header
}

// ReadHandle is a read-only view over a node's database.
type ReadHandle struct {
	store *bolt.DB
	hash  oxhash.Hash
}

// OpenForRead opens the database for hash read-only, failing with
// NotFound if it doesn't exist.
func (s *Store) OpenForRead(hash oxhash.Hash) (*ReadHandle, error) {
	path := filepath.Join(s.pathFor(hash), "node.db")
	if _, err := os.Stat(path); err != nil {
		return nil, oxerr.NotFound("node %s", hash)
	}
	db, err := bolt.Open(path, 0o644, &bolt.Options{ReadOnly: true})
	if err != nil {
		return nil, errors.Wrap(err, "nodestore: open for read")
	}
	return &ReadHandle{store: db, hash: hash}, nil
}

// Body returns the node's own canonical encoding.
func (r *ReadHandle) Body() ([]byte, error) {
	var out []byte
	err := r.store.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(selfBucket).Get(bodyKey)
		if v == nil {
			return oxerr.ErrCorruption
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

// Map enumerates this node's children (child hash + header), sorted by
// hash for deterministic iteration.
func (r *ReadHandle) Map() ([]ChildEntry, error) {
	var out []ChildEntry
	err := r.store.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(childrenBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var h oxhash.Hash
			copy(h[:], k)
			hdr, err := merkle.UnmarshalHeader(v)
			if err != nil {
				return err
			}
			out = append(out, ChildEntry{Hash: h, Header: hdr})
		}
		return nil
	})
	return out, err
}

func (r *ReadHandle) Close() error { return r.store.Close() }
