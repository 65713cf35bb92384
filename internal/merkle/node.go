// Package merkle defines the typed Merkle-tree nodes: Commit, Dir,
// VNode, File, FileChunk and Schema, a tagged union dispatched on Kind.
// Every kind is hashed over the canonical-record encoding (encoding.go)
// and follows the same hashing rule: a node's Hash is computed from its own fields
// plus its children's Hashes, never from a child's full content, so any
// change in any descendant changes every ancestor's hash up to the
// commit root.
package merkle

import (
	"sort"
	"time"

	"github.com/oxen-data/oxen-core/internal/oxhash"
)

// Kind discriminates the tagged union of node types.
type Kind uint8

const (
	KindCommit Kind = iota + 1
	KindDir
	KindVNode
	KindFile
	KindFileChunk
	KindSchema
)

func (k Kind) String() string {
	switch k {
	case KindCommit:
		return "Commit"
	case KindDir:
		return "Dir"
	case KindVNode:
		return "VNode"
	case KindFile:
		return "File"
	case KindFileChunk:
		return "FileChunk"
	case KindSchema:
		return "Schema"
	default:
		return "Unknown"
	}
}

// DataType tags the kind of content a FileNode/DirNode aggregate describes.
type DataType string

const (
	DataTabular DataType = "tabular"
	DataImage   DataType = "image"
	DataText    DataType = "text"
	DataBinary  DataType = "binary"
	DataDir     DataType = "dir"
)

// Field tags for the canonical record encoding. Stable once assigned;
// new fields get new tags appended at the end of each node's tag list.
const (
	tagAuthor byte = iota + 1
	tagEmail
	tagMessage
	tagTimestamp
	tagParents
	tagRootDir

	tagName
	tagSize
	tagLastCommit
	tagChildren
	tagTypeCounts
	tagTypeSizes

	tagEntries

	tagContentHash
	tagDataType
	tagMimeType
	tagExtension
	tagMetadata
	tagChunks

	tagChunkSize

	tagFields
	tagSchemaMeta

	tagFieldName
	tagFieldDtype
	tagFieldOverride
	tagFieldMeta
)

// CommitNode is an immutable snapshot: metadata plus a pointer to its
// root DirNode. Parents is empty for the root commit, length 1 for a
// normal commit, length 2 for a merge commit; every parent names a known
// commit hash.
type CommitNode struct {
	Hash      oxhash.Hash
	Author    string
	Email     string
	Message   string
	Timestamp time.Time
	Parents   []oxhash.Hash
	RootDir   oxhash.Hash
}

// ComputeHash derives Hash from every field but itself — changing any
// field, including RootDir (which changes if any descendant changes),
// changes the commit's hash.
func (c *CommitNode) ComputeHash() oxhash.Hash {
	e := newEncoder()
	e.str(tagAuthor, c.Author)
	e.str(tagEmail, c.Email)
	e.str(tagMessage, c.Message)
	e.t(tagTimestamp, c.Timestamp)
	e.bytes16List(tagParents, hashesToRaw(c.Parents))
	e.bytes16(tagRootDir, c.RootDir)
	return oxhash.Sum(e.bytesOut())
}

func hashesToRaw(hs []oxhash.Hash) [][16]byte {
	out := make([][16]byte, len(hs))
	for i, h := range hs {
		out[i] = [16]byte(h)
	}
	return out
}

func rawToHashes(raw [][16]byte) []oxhash.Hash {
	out := make([]oxhash.Hash, len(raw))
	for i, r := range raw {
		out[i] = oxhash.Hash(r)
	}
	return out
}

// DataTypeAgg aggregates count/size for one DataType tag under a directory.
type DataTypeAgg struct {
	Count int64
	Size  int64
}

// VNodeRef is a DirNode's pointer to one of its sharding VNode children.
type VNodeRef struct {
	Shard int // the hash(name) mod N bucket this VNode holds
	Hash  oxhash.Hash
}

// DirNode is a directory's Merkle node. Its hash is a function of its
// VNode children's hashes, never of the entry names directly; those live
// one level down, inside the VNodes.
type DirNode struct {
	Hash         oxhash.Hash
	Name         string
	Size         int64
	TypeCounts   map[DataType]DataTypeAgg
	LastCommitID oxhash.Hash
	Children     []VNodeRef // sorted by Shard
}

// ComputeHash deliberately excludes LastCommitID: a commit's hash is a
// function of RootDir and therefore of every DirNode's hash, so a DirNode
// hash that covered a commit id could not name the commit containing it.
// LastCommitID is persisted (Marshal) and exposed via Header as
// informational metadata only, the same way a child's header in its
// parent's node DB never affects the child's own hash. The commit engine
// builds every DirNode with a zero LastCommitID; the field is not filled
// in with the commit that last changed the directory.
func (d *DirNode) ComputeHash() oxhash.Hash {
	sorted := append([]VNodeRef(nil), d.Children...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Shard < sorted[j].Shard })

	e := newEncoder()
	e.str(tagName, d.Name)
	e.i64(tagSize, d.Size)

	raw := make([][16]byte, len(sorted))
	for i, c := range sorted {
		raw[i] = [16]byte(c.Hash)
	}
	e.bytes16List(tagChildren, raw)

	// type counts/sizes are encoded in deterministic DataType order.
	types := make([]DataType, 0, len(d.TypeCounts))
	for t := range d.TypeCounts {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	countBuf, sizeBuf := make([]byte, 0, len(types)*8), make([]byte, 0, len(types)*8)
	for _, t := range types {
		agg := d.TypeCounts[t]
		countBuf = appendU64(countBuf, uint64(agg.Count))
		sizeBuf = appendU64(sizeBuf, uint64(agg.Size))
	}
	e.bytes(tagTypeCounts, append([]byte(joinTypes(types)), countBuf...))
	e.bytes(tagTypeSizes, sizeBuf)
	return oxhash.Sum(e.bytesOut())
}

func appendU64(b []byte, v uint64) []byte {
	var tmp [8]byte
	for i := 7; i >= 0; i-- {
		tmp[i] = byte(v)
		v >>= 8
	}
	return append(b, tmp[:]...)
}

func joinTypes(types []DataType) string {
	s := ""
	for i, t := range types {
		if i > 0 {
			s += ","
		}
		s += string(t)
	}
	return s
}

// DirEntry is one named child inside a VNode: either a sub-DirNode or a
// FileNode, distinguished by Kind.
type DirEntry struct {
	Name string
	Hash oxhash.Hash
	Kind Kind // KindDir or KindFile
}

// VNode is the sharding layer between a DirNode and its entries:
// entries are partitioned by hash(name) mod N so a directory update
// touches only the VNode(s) whose shard contains the changed name, not
// the whole directory.
type VNode struct {
	Hash    oxhash.Hash
	Entries []DirEntry // kept sorted by Name for binary search
}

func (v *VNode) Sort() {
	sort.Slice(v.Entries, func(i, j int) bool { return v.Entries[i].Name < v.Entries[j].Name })
}

func (v *VNode) ComputeHash() oxhash.Hash {
	v.Sort()
	e := newEncoder()
	for _, entry := range v.Entries {
		e.str(tagName, entry.Name)
		e.bytes16(tagEntries, entry.Hash)
		e.field(tagChunkSize, []byte{byte(entry.Kind)})
	}
	return oxhash.Sum(e.bytesOut())
}

// Find does a binary search for name among the sorted entries.
func (v *VNode) Find(name string) (DirEntry, bool) {
	i := sort.Search(len(v.Entries), func(i int) bool { return v.Entries[i].Name >= name })
	if i < len(v.Entries) && v.Entries[i].Name == name {
		return v.Entries[i], true
	}
	return DirEntry{}, false
}

// FileNode is a file's Merkle node: content hash, size, and the ordered
// FileChunk hashes that make it up.
type FileNode struct {
	Hash         oxhash.Hash
	Name         string
	ContentHash  oxhash.Hash
	Size         int64
	DataType     DataType
	MimeType     string
	Extension    string
	LastCommitID oxhash.Hash
	Metadata     []byte
	Chunks       []oxhash.Hash
}

// ComputeHash excludes LastCommitID for the same reason DirNode's does:
// see DirNode.ComputeHash.
func (f *FileNode) ComputeHash() oxhash.Hash {
	e := newEncoder()
	e.str(tagName, f.Name)
	e.bytes16(tagContentHash, f.ContentHash)
	e.i64(tagSize, f.Size)
	e.str(tagDataType, string(f.DataType))
	e.str(tagMimeType, f.MimeType)
	e.str(tagExtension, f.Extension)
	e.bytes(tagMetadata, f.Metadata)
	e.bytes16List(tagChunks, hashesToRaw(f.Chunks))
	return oxhash.Sum(e.bytesOut())
}

// FileChunkNode is a leaf pointing into the object store; its hash equals
// the hash of the blob it names, so no separate ComputeHash is needed
// beyond mirroring ContentHash — kept as a distinct type for the tagged
// union's dispatch uniformity.
type FileChunkNode struct {
	Hash oxhash.Hash
	Size int64
}

// SchemaField describes one column of a tabular file.
type SchemaField struct {
	Name         string
	Dtype        string
	OverrideType string // empty if not overridden
	Metadata     []byte
}

// SchemaNode is the ordered field list for a tabular file.
type SchemaNode struct {
	Hash     oxhash.Hash
	Fields   []SchemaField
	Metadata []byte
}

func (s *SchemaNode) ComputeHash() oxhash.Hash {
	e := newEncoder()
	for _, f := range s.Fields {
		e.str(tagFieldName, f.Name)
		e.str(tagFieldDtype, f.Dtype)
		e.str(tagFieldOverride, f.OverrideType)
		e.bytes(tagFieldMeta, f.Metadata)
	}
	e.bytes(tagSchemaMeta, s.Metadata)
	return oxhash.Sum(e.bytesOut())
}
