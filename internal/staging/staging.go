// Package staging turns working-directory changes into candidate Merkle
// subtrees and computes status relative to HEAD. The staged set persists
// in a bolt database under the hidden directory, so it survives across
// processes.
package staging

import (
	"encoding/binary"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/boltdb/bolt"
	"github.com/pkg/errors"

	"github.com/oxen-data/oxen-core/internal/merkle"
	"github.com/oxen-data/oxen-core/internal/objectstore"
	"github.com/oxen-data/oxen-core/internal/oxerr"
	"github.com/oxen-data/oxen-core/internal/oxhash"
	"github.com/oxen-data/oxen-core/internal/repo"
	"github.com/oxen-data/oxen-core/internal/tree"
)

var (
	entriesBucket = []byte("entries")
	schemasBucket = []byte("schemas")
)

// Action is what a staged entry does to the committed tree.
type Action byte

const (
	ActionAdd Action = iota
	ActionRemove
)

// Entry is one path's pending change: a candidate FileNode-in-progress
// whose content is already written to the object store, or a pending
// removal.
type Entry struct {
	Path        string
	Action      Action
	ContentHash oxhash.Hash
	Size        int64
	Chunks      []oxhash.Hash
	DataType    merkle.DataType
	MimeType    string
	Extension   string
}

// Engine is the staging area for one repository.
type Engine struct {
	repo *repo.Repository
}

func New(r *repo.Repository) *Engine { return &Engine{repo: r} }

func (e *Engine) dbPath() string { return filepath.Join(e.repo.StagedDir(), "staged.bolt") }

func (e *Engine) open() (*bolt.DB, error) {
	if err := os.MkdirAll(e.repo.StagedDir(), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(e.dbPath(), 0o644, nil)
	if err != nil {
		return nil, errors.Wrap(err, "staging: open")
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(entriesBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(schemasBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func detectDataType(ext string) merkle.DataType {
	switch strings.ToLower(ext) {
	case ".csv", ".tsv", ".parquet":
		return merkle.DataTabular
	case ".png", ".jpg", ".jpeg", ".gif", ".bmp", ".tiff":
		return merkle.DataImage
	case ".json", ".jsonl", ".ndjson":
		return merkle.DataTabular
	case ".txt", ".md", ".rst":
		return merkle.DataText
	default:
		return merkle.DataBinary
	}
}

// Add stages every file under each of paths, recursing into directories
// with a single walk and writing their content into the object store as
// chunked blobs.
func (e *Engine) Add(paths []string) error {
	db, err := e.open()
	if err != nil {
		return err
	}
	defer db.Close()

	for _, p := range paths {
		abs := filepath.Join(e.repo.WorkDir, p)
		info, err := os.Stat(abs)
		if err != nil {
			return oxerr.NotFound("path %q", p)
		}
		if !info.IsDir() {
			entry, err := e.buildEntry(abs, p)
			if err != nil {
				return err
			}
			if err := putEntry(db, entry); err != nil {
				return err
			}
			continue
		}
		err = filepath.WalkDir(abs, func(fp string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(e.repo.WorkDir, fp)
			if err != nil {
				return err
			}
			entry, err := e.buildEntry(fp, filepath.ToSlash(rel))
			if err != nil {
				return err
			}
			return putEntry(db, entry)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) buildEntry(absPath, relPath string) (Entry, error) {
	f, err := os.Open(absPath)
	if err != nil {
		return Entry{}, err
	}
	defer f.Close()

	fileHash, chunks, err := e.repo.Objects.PutChunked(f)
	if err != nil {
		return Entry{}, err
	}
	info, err := f.Stat()
	if err != nil {
		return Entry{}, err
	}
	ext := filepath.Ext(relPath)
	return Entry{
		Path:        relPath,
		Action:      ActionAdd,
		ContentHash: fileHash,
		Size:        info.Size(),
		Chunks:      chunks,
		DataType:    detectDataType(ext),
		MimeType:    mimeTypeFor(ext),
		Extension:   strings.TrimPrefix(ext, "."),
	}, nil
}

func mimeTypeFor(ext string) string {
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

// StageRaw writes already-resolved entries directly into the staging area,
// bypassing disk hashing. Used by the merge engine to stage the
// automatically-resolved side of a three-way merge, whose FileNode fields
// are already known from an existing commit rather than the working copy.
func (e *Engine) StageRaw(entries []Entry) error {
	db, err := e.open()
	if err != nil {
		return err
	}
	defer db.Close()
	return db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(entriesBucket)
		for _, entry := range entries {
			if err := b.Put([]byte(entry.Path), encodeEntry(entry)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Rm stages a removal. If staged is true, it only unstages currently
// staged entries under paths; unstaged paths among a mixed match are
// silently ignored rather than erroring, matching the rest of the
// core's idempotent-unstage behavior. If staged is false, the path is
// additionally marked ActionRemove so commit removes it from the tree.
func (e *Engine) Rm(paths []string, recursive, staged bool) error {
	db, err := e.open()
	if err != nil {
		return err
	}
	defer db.Close()

	return db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(entriesBucket)
		for _, p := range paths {
			matched, err := matchingKeys(b, p, recursive)
			if err != nil {
				return err
			}
			for _, key := range matched {
				if err := b.Delete(key); err != nil {
					return err
				}
			}
			if !staged {
				if err := b.Put([]byte(p), encodeEntry(Entry{Path: p, Action: ActionRemove})); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func matchingKeys(b *bolt.Bucket, p string, recursive bool) ([][]byte, error) {
	var out [][]byte
	c := b.Cursor()
	prefix := []byte(p)
	for k, _ := c.Seek(prefix); k != nil; k, _ = c.Next() {
		ks := string(k)
		if ks == p {
			out = append(out, append([]byte(nil), k...))
			continue
		}
		if recursive && strings.HasPrefix(ks, p+"/") {
			out = append(out, append([]byte(nil), k...))
			continue
		}
		if !strings.HasPrefix(ks, p) {
			break
		}
	}
	return out, nil
}

// Unstage removes paths from the staging area entirely, leaving the
// working directory untouched.
func (e *Engine) Unstage(paths []string) error {
	db, err := e.open()
	if err != nil {
		return err
	}
	defer db.Close()
	return db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(entriesBucket)
		for _, p := range paths {
			if err := b.Delete([]byte(p)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Entries returns every currently staged entry, sorted by path.
func (e *Engine) Entries() ([]Entry, error) {
	db, err := e.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()
	var out []Entry
	err = db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(entriesBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			entry, err := decodeEntry(string(k), v)
			if err != nil {
				return err
			}
			out = append(out, entry)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, err
}

// HasStaged reports whether any entry is currently staged.
func (e *Engine) HasStaged() (bool, error) {
	entries, err := e.Entries()
	if err != nil {
		return false, err
	}
	return len(entries) > 0, nil
}

// ClearStaged empties the staging area (called once a commit succeeds).
func (e *Engine) ClearStaged() error {
	db, err := e.open()
	if err != nil {
		return err
	}
	defer db.Close()
	return db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{entriesBucket, schemasBucket} {
			if err := tx.DeleteBucket(bucket); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
			if _, err := tx.CreateBucket(bucket); err != nil {
				return err
			}
		}
		return nil
	})
}

// StageSchema records a pending schema for a tabular path, to be merged
// over the inferred schema when the path commits.
func (e *Engine) StageSchema(path string, node *merkle.SchemaNode) error {
	db, err := e.open()
	if err != nil {
		return err
	}
	defer db.Close()
	return db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(schemasBucket).Put([]byte(path), node.Marshal())
	})
}

// UnstageSchema drops a pending schema.
func (e *Engine) UnstageSchema(path string) error {
	db, err := e.open()
	if err != nil {
		return err
	}
	defer db.Close()
	return db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(schemasBucket).Delete([]byte(path))
	})
}

// StagedSchemas returns every pending schema keyed by path.
func (e *Engine) StagedSchemas() (map[string]*merkle.SchemaNode, error) {
	db, err := e.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()
	out := map[string]*merkle.SchemaNode{}
	err = db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(schemasBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			node, err := merkle.UnmarshalSchema(oxhash.Hash{}, v)
			if err != nil {
				return err
			}
			out[string(k)] = node
		}
		return nil
	})
	return out, err
}

// StagedSchema returns the pending schema for one path, if any.
func (e *Engine) StagedSchema(path string) (*merkle.SchemaNode, bool, error) {
	all, err := e.StagedSchemas()
	if err != nil {
		return nil, false, err
	}
	node, ok := all[path]
	return node, ok, nil
}

// --- status ---

// PathStatus names where one path differs between disk, staging and HEAD.
type PathStatus struct {
	Path string
	From string // for Moved, the path it moved from
}

// Status is the working directory's full state relative to HEAD and the
// staged set.
type Status struct {
	Added          []PathStatus
	Modified       []PathStatus
	Removed        []PathStatus
	Moved          []PathStatus
	Untracked      []PathStatus
	MergeConflicts []PathStatus
}

// Status computes the working directory's status relative to HEAD.
// headCommit is the zero hash for a repository with no commits yet, in
// which case every on-disk file is Untracked (or Added, if staged).
func (e *Engine) Status(headCommit oxhash.Hash) (*Status, error) {
	staged, err := e.Entries()
	if err != nil {
		return nil, err
	}
	stagedByPath := make(map[string]Entry, len(staged))
	for _, s := range staged {
		stagedByPath[s.Path] = s
	}

	// headFiles maps each committed path to its content hash, the value
	// disk bytes are compared against.
	var headFiles map[string]oxhash.Hash
	if !headCommit.IsZero() {
		node, err := tree.ReadCommit(e.repo.Nodes, headCommit)
		if err != nil {
			return nil, err
		}
		headFiles = make(map[string]oxhash.Hash)
		if err := tree.WalkFiles(e.repo.Nodes, node.RootDir, "", func(p string, f tree.Entry) error {
			fn, err := tree.ReadFile(e.repo.Nodes, f.Hash)
			if err != nil {
				return err
			}
			headFiles[p] = fn.ContentHash
			return nil
		}); err != nil {
			return nil, err
		}
	}

	diskFiles, err := e.walkDisk()
	if err != nil {
		return nil, err
	}

	st := &Status{}
	seenOnDisk := make(map[string]bool)

	for p, hash := range diskFiles {
		seenOnDisk[p] = true
		headHash, inHead := headFiles[p]
		stagedEntry, inStaged := stagedByPath[p]

		switch {
		case inStaged && stagedEntry.Action == ActionAdd:
			if !inHead {
				st.Added = append(st.Added, PathStatus{Path: p})
			} else if stagedEntry.ContentHash != headHash {
				st.Modified = append(st.Modified, PathStatus{Path: p})
			}
		case !inHead:
			st.Untracked = append(st.Untracked, PathStatus{Path: p})
		case hash != headHash:
			st.Modified = append(st.Modified, PathStatus{Path: p})
		}
	}

	var removedCandidates []PathStatus
	for p := range headFiles {
		if seenOnDisk[p] {
			continue
		}
		removedCandidates = append(removedCandidates, PathStatus{Path: p})
	}

	// move detection: pair a removed path with an added path sharing its
	// content hash.
	addedByHash := make(map[oxhash.Hash]int)
	for i, a := range st.Added {
		addedByHash[diskFiles[a.Path]] = i
	}
	usedAdded := make(map[int]bool)
	for _, rm := range removedCandidates {
		h := headFiles[rm.Path]
		if idx, ok := addedByHash[h]; ok && !usedAdded[idx] {
			usedAdded[idx] = true
			st.Moved = append(st.Moved, PathStatus{Path: st.Added[idx].Path, From: rm.Path})
			continue
		}
		st.Removed = append(st.Removed, rm)
	}
	if len(usedAdded) > 0 {
		var kept []PathStatus
		for i, a := range st.Added {
			if !usedAdded[i] {
				kept = append(kept, a)
			}
		}
		st.Added = kept
	}

	if e.repo.Refs.HasMergeInProgress() {
		conflicts, err := e.repo.Refs.Conflicts()
		if err != nil {
			return nil, err
		}
		for _, c := range conflicts {
			st.MergeConflicts = append(st.MergeConflicts, PathStatus{Path: c.Path})
		}
	}

	sortPathStatus(st.Added)
	sortPathStatus(st.Modified)
	sortPathStatus(st.Removed)
	sortPathStatus(st.Moved)
	sortPathStatus(st.Untracked)
	sortPathStatus(st.MergeConflicts)
	return st, nil
}

func sortPathStatus(s []PathStatus) {
	sort.Slice(s, func(i, j int) bool { return s[i].Path < s[j].Path })
}

// walkDisk returns every regular file's repository-relative path mapped
// to its content hash, skipping the hidden repository directory.
//
// TODO: cache a per-directory (name, size, mtime) fingerprint from the
// previous status call and skip re-hashing directories whose fingerprint
// is unchanged; hashing everything is correct but linear in tree size.
func (e *Engine) walkDisk() (map[string]oxhash.Hash, error) {
	out := make(map[string]oxhash.Hash)
	err := filepath.WalkDir(e.repo.WorkDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != e.repo.WorkDir && d.Name() == repo.HiddenDirName {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(e.repo.WorkDir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		h, err := e.hashFile(p, info)
		if err != nil {
			return err
		}
		out[rel] = h
		return nil
	})
	return out, err
}

// hashFile content-hashes a file the same way PutChunked would, without
// storing it — Status must not mutate the object store for files that
// aren't staged.
func (e *Engine) hashFile(path string, info os.FileInfo) (oxhash.Hash, error) {
	if info.Size() == 0 {
		return oxhash.Sum(nil), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return oxhash.Hash{}, err
	}
	defer f.Close()
	return objectstore.SumChunked(f)
}

func putEntry(db *bolt.DB, e Entry) error {
	return db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(entriesBucket).Put([]byte(e.Path), encodeEntry(e))
	})
}

func encodeEntry(e Entry) []byte {
	var out []byte
	out = append(out, byte(e.Action))
	out = append(out, e.ContentHash[:]...)
	out = appendI64(out, e.Size)
	out = appendLP(out, []byte(e.DataType))
	out = appendLP(out, []byte(e.MimeType))
	out = appendLP(out, []byte(e.Extension))
	out = appendI64(out, int64(len(e.Chunks)))
	for _, c := range e.Chunks {
		out = append(out, c[:]...)
	}
	return out
}

func decodeEntry(path string, b []byte) (Entry, error) {
	if len(b) < 1+16+8 {
		return Entry{}, oxerr.ErrCorruption
	}
	e := Entry{Path: path, Action: Action(b[0])}
	b = b[1:]
	copy(e.ContentHash[:], b[:16])
	b = b[16:]
	e.Size, b = readI64(b)
	dt, b := readLP2(b)
	e.DataType = merkle.DataType(dt)
	mt, b := readLP2(b)
	e.MimeType = string(mt)
	ext, b := readLP2(b)
	e.Extension = string(ext)
	n, b := readI64(b)
	for i := int64(0); i < n; i++ {
		var c oxhash.Hash
		copy(c[:], b[:16])
		b = b[16:]
		e.Chunks = append(e.Chunks, c)
	}
	return e, nil
}

func appendI64(b []byte, v int64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(v))
	return append(b, tmp[:]...)
}

func readI64(b []byte) (int64, []byte) {
	return int64(binary.BigEndian.Uint64(b[:8])), b[8:]
}

func appendLP(b []byte, payload []byte) []byte {
	n := len(payload)
	b = append(b, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
	return append(b, payload...)
}

func readLP2(b []byte) ([]byte, []byte) {
	n := int(b[0])<<24 | int(b[1])<<16 | int(b[2])<<8 | int(b[3])
	b = b[4:]
	return b[:n], b[n:]
}
