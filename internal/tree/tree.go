// Package tree builds and reads the Merkle subtrees every other engine
// (staging, commit, checkout, merge, diff) shares: partitioning a
// directory's entries into VNodes, writing the resulting node databases,
// and walking a commit's tree back out again.
package tree

import (
	"encoding/binary"
	"path"
	"sort"
	"strings"

	"github.com/oxen-data/oxen-core/internal/merkle"
	"github.com/oxen-data/oxen-core/internal/nodestore"
	"github.com/oxen-data/oxen-core/internal/oxerr"
	"github.com/oxen-data/oxen-core/internal/oxhash"
)

// VNodeSize bounds how many entries a single VNode may hold; a
// directory shards into ceil(children / VNodeSize) VNodes.
const VNodeSize = 1000

// Entry is one named child of a directory, in memory, before it is
// partitioned into VNodes.
type Entry struct {
	Name string
	Hash oxhash.Hash
	Kind merkle.Kind
}

func shardOf(name string, n int) int {
	if n <= 1 {
		return 0
	}
	sum := oxhash.Sum([]byte(name))
	v := binary.BigEndian.Uint64(sum[:8])
	return int(v % uint64(n))
}

func vnodeCount(numEntries int) int {
	if numEntries == 0 {
		return 1
	}
	n := (numEntries + VNodeSize - 1) / VNodeSize
	if n < 1 {
		n = 1
	}
	return n
}

// BuildDir partitions entries into VNodes by hash(name) mod N, writes any
// VNode whose content changed (structural sharing: VNodes whose entry set
// is identical to an already-known hash are not rewritten), writes the
// resulting DirNode, and returns it.
func BuildDir(ns *nodestore.Store, name string, entries []Entry, typeCounts map[merkle.DataType]merkle.DataTypeAgg, lastCommitID oxhash.Hash) (*merkle.DirNode, error) {
	n := vnodeCount(len(entries))
	shards := make([][]Entry, n)
	for _, e := range entries {
		s := shardOf(e.Name, n)
		shards[s] = append(shards[s], e)
	}

	var totalSize int64
	children := make([]merkle.VNodeRef, 0, n)
	for shard, es := range shards {
		vnode := &merkle.VNode{}
		for _, e := range es {
			vnode.Entries = append(vnode.Entries, merkle.DirEntry{Name: e.Name, Hash: e.Hash, Kind: e.Kind})
		}
		vnode.Sort()
		vnode.Hash = vnode.ComputeHash()

		if !ns.Exists(vnode.Hash) {
			w, err := ns.OpenForWrite(vnode.Hash, oxhash.Hash{})
			if err != nil {
				return nil, err
			}
			if err := w.SetBody(vnode.MarshalEntries()); err != nil {
				w.Close()
				return nil, err
			}
			for _, entry := range vnode.Entries {
				if err := w.AddChild(entry.Hash, merkle.Header{Kind: entry.Kind, Hash: entry.Hash, Name: entry.Name}); err != nil {
					w.Close()
					return nil, err
				}
			}
			if err := w.Close(); err != nil {
				return nil, err
			}
		}

		children = append(children, merkle.VNodeRef{Shard: shard, Hash: vnode.Hash})
	}

	for _, agg := range typeCounts {
		totalSize += agg.Size
	}

	dir := &merkle.DirNode{
		Name:         name,
		Size:         totalSize,
		TypeCounts:   typeCounts,
		LastCommitID: lastCommitID,
		Children:     children,
	}
	dir.Hash = dir.ComputeHash()

	if !ns.Exists(dir.Hash) {
		w, err := ns.OpenForWrite(dir.Hash, oxhash.Hash{})
		if err != nil {
			return nil, err
		}
		if err := w.SetBody(dir.Marshal()); err != nil {
			w.Close()
			return nil, err
		}
		for _, ref := range children {
			if err := w.AddChild(ref.Hash, merkle.Header{Kind: merkle.KindVNode, Hash: ref.Hash}); err != nil {
				w.Close()
				return nil, err
			}
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	}
	return dir, nil
}

// ReadDir loads a DirNode's own record.
func ReadDir(ns *nodestore.Store, hash oxhash.Hash) (*merkle.DirNode, error) {
	r, err := ns.OpenForRead(hash)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	body, err := r.Body()
	if err != nil {
		return nil, err
	}
	return merkle.UnmarshalDir(hash, body)
}

// ReadVNode loads a VNode's entry list.
func ReadVNode(ns *nodestore.Store, hash oxhash.Hash) (*merkle.VNode, error) {
	r, err := ns.OpenForRead(hash)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	body, err := r.Body()
	if err != nil {
		return nil, err
	}
	return merkle.UnmarshalVNodeEntries(hash, body)
}

// ReadFile loads a FileNode's own record.
func ReadFile(ns *nodestore.Store, hash oxhash.Hash) (*merkle.FileNode, error) {
	r, err := ns.OpenForRead(hash)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	body, err := r.Body()
	if err != nil {
		return nil, err
	}
	return merkle.UnmarshalFile(hash, body)
}

// ReadCommit loads a CommitNode's own record.
func ReadCommit(ns *nodestore.Store, hash oxhash.Hash) (*merkle.CommitNode, error) {
	r, err := ns.OpenForRead(hash)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	body, err := r.Body()
	if err != nil {
		return nil, err
	}
	return merkle.UnmarshalCommit(hash, body)
}

// ReadSchema loads a SchemaNode's own record.
func ReadSchema(ns *nodestore.Store, hash oxhash.Hash) (*merkle.SchemaNode, error) {
	r, err := ns.OpenForRead(hash)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	body, err := r.Body()
	if err != nil {
		return nil, err
	}
	return merkle.UnmarshalSchema(hash, body)
}

// ListEntries returns every direct child (file or dir) of the directory at
// dirHash, sorted by name.
func ListEntries(ns *nodestore.Store, dirHash oxhash.Hash) ([]Entry, error) {
	dir, err := ReadDir(ns, dirHash)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, ref := range dir.Children {
		vnode, err := ReadVNode(ns, ref.Hash)
		if err != nil {
			return nil, err
		}
		for _, e := range vnode.Entries {
			out = append(out, Entry{Name: e.Name, Hash: e.Hash, Kind: e.Kind})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// FindChild looks up name directly under dirHash without listing every
// entry: hash the name to its shard, then binary-search that VNode.
func FindChild(ns *nodestore.Store, dirHash oxhash.Hash, name string) (Entry, bool, error) {
	dir, err := ReadDir(ns, dirHash)
	if err != nil {
		return Entry{}, false, err
	}
	n := len(dir.Children)
	if n == 0 {
		return Entry{}, false, nil
	}
	shard := shardOf(name, n)
	for _, ref := range dir.Children {
		if ref.Shard != shard {
			continue
		}
		vnode, err := ReadVNode(ns, ref.Hash)
		if err != nil {
			return Entry{}, false, err
		}
		if e, ok := vnode.Find(name); ok {
			return Entry{Name: e.Name, Hash: e.Hash, Kind: e.Kind}, true, nil
		}
	}
	return Entry{}, false, nil
}

// Resolve walks the tree rooted at rootHash down to repoPath (slash
// separated, relative), returning the entry found there. An empty
// repoPath resolves to the root directory itself.
func Resolve(ns *nodestore.Store, rootHash oxhash.Hash, repoPath string) (Entry, bool, error) {
	repoPath = path.Clean("/" + repoPath)
	if repoPath == "/" {
		return Entry{Hash: rootHash, Kind: merkle.KindDir}, true, nil
	}
	parts := strings.Split(strings.TrimPrefix(repoPath, "/"), "/")
	cur := rootHash
	var found Entry
	for i, p := range parts {
		e, ok, err := FindChild(ns, cur, p)
		if err != nil {
			return Entry{}, false, err
		}
		if !ok {
			return Entry{}, false, nil
		}
		found = e
		if i < len(parts)-1 {
			if e.Kind != merkle.KindDir {
				return Entry{}, false, nil
			}
			cur = e.Hash
		}
	}
	return found, true, nil
}

// WalkFiles recursively visits every FileNode under dirHash, calling fn
// with its repository-relative path.
func WalkFiles(ns *nodestore.Store, dirHash oxhash.Hash, prefix string, fn func(p string, f Entry) error) error {
	entries, err := ListEntries(ns, dirHash)
	if err != nil {
		return err
	}
	for _, e := range entries {
		p := path.Join(prefix, e.Name)
		switch e.Kind {
		case merkle.KindFile:
			if err := fn(p, e); err != nil {
				return err
			}
		case merkle.KindDir:
			if err := WalkFiles(ns, e.Hash, p, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// ErrNotADirectory is an InvalidInput error for a path that descends
// through a non-directory entry. Resolve does not return it: it reports
// that case as not found (ok == false).
var ErrNotADirectory = oxerr.InvalidInput("not a directory")
