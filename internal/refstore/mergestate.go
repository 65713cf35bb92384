package refstore

import (
	"os"
	"path/filepath"

	"github.com/boltdb/bolt"
	"github.com/pkg/errors"

	"github.com/oxen-data/oxen-core/internal/merkle"
	"github.com/oxen-data/oxen-core/internal/oxhash"
)

var conflictBucket = []byte("conflicts")
var mergeHeadBucket = []byte("merge_head")

// EntryRef names one side of a conflict: a file or directory's hash and
// kind at a given path, or absent (IsZero()).
type EntryRef struct {
	Hash oxhash.Hash
	Kind merkle.Kind
}

// ConflictEntry is the (lca, base, merge) triple recorded per
// conflicting path.
type ConflictEntry struct {
	Path  string
	LCA   EntryRef
	Base  EntryRef
	Merge EntryRef
}

func (s *Store) mergeDBPath() string { return filepath.Join(s.base, "merge", "merge.bolt") }

func (s *Store) openMergeDB() (*bolt.DB, error) {
	dir := filepath.Dir(s.mergeDBPath())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(s.mergeDBPath(), 0o644, nil)
	if err != nil {
		return nil, errors.Wrap(err, "refstore: open merge db")
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(conflictBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(mergeHeadBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// HasMergeInProgress reports whether merge state exists, i.e. whether the
// merge database has been created; it does not look at the conflict set,
// which is empty for a clean three-way merge that has not committed yet.
func (s *Store) HasMergeInProgress() bool {
	_, err := os.Stat(s.mergeDBPath())
	return err == nil
}

// BeginMerge records the incoming commit (MERGE_HEAD) and the conflict
// set for an in-progress three-way merge.
func (s *Store) BeginMerge(mergeCommit oxhash.Hash, conflicts []ConflictEntry) error {
	db, err := s.openMergeDB()
	if err != nil {
		return err
	}
	defer db.Close()
	return db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(mergeHeadBucket).Put([]byte("MERGE_HEAD"), mergeCommit[:]); err != nil {
			return err
		}
		cb := tx.Bucket(conflictBucket)
		for _, c := range conflicts {
			if err := cb.Put([]byte(c.Path), encodeConflict(c)); err != nil {
				return err
			}
		}
		return nil
	})
}

// MergeHead returns the incoming commit of an in-progress merge.
func (s *Store) MergeHead() (oxhash.Hash, error) {
	db, err := s.openMergeDB()
	if err != nil {
		return oxhash.Hash{}, err
	}
	defer db.Close()
	var h oxhash.Hash
	err = db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(mergeHeadBucket).Get([]byte("MERGE_HEAD"))
		if v != nil {
			copy(h[:], v)
		}
		return nil
	})
	return h, err
}

// Conflicts returns every unresolved conflict.
func (s *Store) Conflicts() ([]ConflictEntry, error) {
	db, err := s.openMergeDB()
	if err != nil {
		return nil, err
	}
	defer db.Close()
	var out []ConflictEntry
	err = db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(conflictBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			ce, err := decodeConflict(string(k), v)
			if err != nil {
				return err
			}
			out = append(out, ce)
		}
		return nil
	})
	return out, err
}

// MarkResolved removes path's conflict row; resolution proceeds through
// normal staging plus this call.
func (s *Store) MarkResolved(path string) error {
	db, err := s.openMergeDB()
	if err != nil {
		return err
	}
	defer db.Close()
	return db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(conflictBucket).Delete([]byte(path))
	})
}

// ClearMergeState removes the merge database entirely, once the merge
// commit has been made.
func (s *Store) ClearMergeState() error {
	return os.RemoveAll(filepath.Dir(s.mergeDBPath()))
}

func encodeConflict(c ConflictEntry) []byte {
	buf := make([]byte, 0, 3*17)
	for _, e := range []EntryRef{c.LCA, c.Base, c.Merge} {
		buf = append(buf, e.Hash[:]...)
		buf = append(buf, byte(e.Kind))
	}
	return buf
}

func decodeConflict(path string, b []byte) (ConflictEntry, error) {
	if len(b) != 3*17 {
		return ConflictEntry{}, errMalformedConflict
	}
	read := func(i int) EntryRef {
		var h oxhash.Hash
		copy(h[:], b[i*17:i*17+16])
		return EntryRef{Hash: h, Kind: merkle.Kind(b[i*17+16])}
	}
	return ConflictEntry{Path: path, LCA: read(0), Base: read(1), Merge: read(2)}, nil
}

type malformedConflictErr struct{}

func (malformedConflictErr) Error() string { return "refstore: malformed conflict record" }

var errMalformedConflict = malformedConflictErr{}
