package merkle

import (
	"sort"

	"github.com/oxen-data/oxen-core/internal/oxhash"
)

// Header is the compact summary of a node stored as the *value* under a
// child's hash key inside its parent's node DB: enough to enumerate a
// directory's children (name, kind, size) with one DB open, without
// touching each child's own database.
type Header struct {
	Kind         Kind
	Hash         oxhash.Hash
	Name         string
	Size         int64
	DataType     DataType
	LastCommitID oxhash.Hash
}

func (h Header) Marshal() []byte {
	e := newEncoder()
	e.field(tagFieldMeta, []byte{byte(h.Kind)})
	e.bytes16(tagRootDir, h.Hash)
	e.str(tagName, h.Name)
	e.i64(tagSize, h.Size)
	e.str(tagDataType, string(h.DataType))
	e.bytes16(tagLastCommit, h.LastCommitID)
	return e.bytesOut()
}

func UnmarshalHeader(b []byte) (Header, error) {
	f, err := decodeRecord(b)
	if err != nil {
		return Header{}, err
	}
	kindByte := f[tagFieldMeta]
	var k Kind
	if len(kindByte) == 1 {
		k = Kind(kindByte[0])
	}
	return Header{
		Kind:         k,
		Hash:         oxhash.Hash(f.hash16(tagRootDir)),
		Name:         f.str(tagName),
		Size:         f.i64(tagSize),
		DataType:     DataType(f.str(tagDataType)),
		LastCommitID: oxhash.Hash(f.hash16(tagLastCommit)),
	}, nil
}

// --- full-node marshal/unmarshal: stored at tree/<hh>/<hash>/node.db
// in that database's "self" bucket, so a node's complete contents can be
// read back from its own database. ---

func (c *CommitNode) Marshal() []byte {
	e := newEncoder()
	e.str(tagAuthor, c.Author)
	e.str(tagEmail, c.Email)
	e.str(tagMessage, c.Message)
	e.t(tagTimestamp, c.Timestamp)
	e.bytes16List(tagParents, hashesToRaw(c.Parents))
	e.bytes16(tagRootDir, c.RootDir)
	return e.bytesOut()
}

func UnmarshalCommit(h oxhash.Hash, b []byte) (*CommitNode, error) {
	f, err := decodeRecord(b)
	if err != nil {
		return nil, err
	}
	return &CommitNode{
		Hash:      h,
		Author:    f.str(tagAuthor),
		Email:     f.str(tagEmail),
		Message:   f.str(tagMessage),
		Timestamp: f.t(tagTimestamp),
		Parents:   rawToHashes(f.hash16List(tagParents)),
		RootDir:   oxhash.Hash(f.hash16(tagRootDir)),
	}, nil
}

func (d *DirNode) Marshal() []byte {
	e := newEncoder()
	e.str(tagName, d.Name)
	e.i64(tagSize, d.Size)
	e.bytes16(tagLastCommit, d.LastCommitID)
	raw := make([]byte, 0, len(d.Children)*20)
	for _, c := range d.Children {
		raw = appendU64(raw, uint64(c.Shard))
		raw = append(raw, c.Hash[:]...)
	}
	e.bytes(tagChildren, raw)
	e.bytes(tagTypeCounts, encodeTypeCounts(d.TypeCounts))
	return e.bytesOut()
}

func UnmarshalDir(h oxhash.Hash, b []byte) (*DirNode, error) {
	f, err := decodeRecord(b)
	if err != nil {
		return nil, err
	}
	raw := f[tagChildren]
	var children []VNodeRef
	for i := 0; i+8+16 <= len(raw); i += 8 + 16 {
		shard := int(beU64(raw[i : i+8]))
		var hh oxhash.Hash
		copy(hh[:], raw[i+8:i+8+16])
		children = append(children, VNodeRef{Shard: shard, Hash: hh})
	}
	return &DirNode{
		Hash:         h,
		Name:         f.str(tagName),
		Size:         f.i64(tagSize),
		LastCommitID: oxhash.Hash(f.hash16(tagLastCommit)),
		Children:     children,
		TypeCounts:   decodeTypeCounts(f[tagTypeCounts]),
	}, nil
}

// encodeTypeCounts writes (name, count, size) triples in sorted DataType
// order, so the byte stream round-trips the aggregate map
// deterministically.
func encodeTypeCounts(tc map[DataType]DataTypeAgg) []byte {
	types := make([]DataType, 0, len(tc))
	for t := range tc {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	var out []byte
	for _, t := range types {
		out = appendLP(out, []byte(t))
		out = appendU64(out, uint64(tc[t].Count))
		out = appendU64(out, uint64(tc[t].Size))
	}
	return out
}

func decodeTypeCounts(b []byte) map[DataType]DataTypeAgg {
	out := map[DataType]DataTypeAgg{}
	for len(b) > 0 {
		name, rest, err := readLP(b)
		if err != nil || len(rest) < 16 {
			return out
		}
		out[DataType(name)] = DataTypeAgg{
			Count: int64(beU64(rest[:8])),
			Size:  int64(beU64(rest[8:16])),
		}
		b = rest[16:]
	}
	return out
}

func beU64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

func (v *VNode) Marshal() []byte {
	v.Sort()
	e := newEncoder()
	for _, entry := range v.Entries {
		e.str(tagName, entry.Name)
		e.bytes16(tagEntries, entry.Hash)
		e.field(tagChunkSize, []byte{byte(entry.Kind)})
	}
	return e.bytesOut()
}

// VNode entries are variable-count repeats of the same three tags, which
// the simple map-based fields decoder cannot represent (it keeps only the
// last write per tag). VNode therefore uses its own length-prefixed
// sub-record format instead of the shared tag map.
func (v *VNode) MarshalEntries() []byte {
	v.Sort()
	var out []byte
	for _, entry := range v.Entries {
		out = appendLP(out, []byte(entry.Name))
		out = append(out, entry.Hash[:]...)
		out = append(out, byte(entry.Kind))
	}
	return out
}

func UnmarshalVNodeEntries(h oxhash.Hash, b []byte) (*VNode, error) {
	var entries []DirEntry
	for len(b) > 0 {
		name, rest, err := readLP(b)
		if err != nil {
			return nil, err
		}
		if len(rest) < 17 {
			return nil, errBadRecord
		}
		var hh oxhash.Hash
		copy(hh[:], rest[:16])
		kind := Kind(rest[16])
		entries = append(entries, DirEntry{Name: string(name), Hash: hh, Kind: kind})
		b = rest[17:]
	}
	return &VNode{Hash: h, Entries: entries}, nil
}

func appendLP(b []byte, payload []byte) []byte {
	n := len(payload)
	b = append(b, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
	return append(b, payload...)
}

func readLP(b []byte) ([]byte, []byte, error) {
	if len(b) < 4 {
		return nil, nil, errBadRecord
	}
	n := int(b[0])<<24 | int(b[1])<<16 | int(b[2])<<8 | int(b[3])
	b = b[4:]
	if len(b) < n {
		return nil, nil, errBadRecord
	}
	return b[:n], b[n:], nil
}

func (f *FileNode) Marshal() []byte {
	e := newEncoder()
	e.str(tagName, f.Name)
	e.bytes16(tagContentHash, f.ContentHash)
	e.i64(tagSize, f.Size)
	e.str(tagDataType, string(f.DataType))
	e.str(tagMimeType, f.MimeType)
	e.str(tagExtension, f.Extension)
	e.bytes16(tagLastCommit, f.LastCommitID)
	e.bytes(tagMetadata, f.Metadata)
	e.bytes16List(tagChunks, hashesToRaw(f.Chunks))
	return e.bytesOut()
}

func UnmarshalFile(h oxhash.Hash, b []byte) (*FileNode, error) {
	f, err := decodeRecord(b)
	if err != nil {
		return nil, err
	}
	return &FileNode{
		Hash:         h,
		Name:         f.str(tagName),
		ContentHash:  oxhash.Hash(f.hash16(tagContentHash)),
		Size:         f.i64(tagSize),
		DataType:     DataType(f.str(tagDataType)),
		MimeType:     f.str(tagMimeType),
		Extension:    f.str(tagExtension),
		LastCommitID: oxhash.Hash(f.hash16(tagLastCommit)),
		Metadata:     append([]byte(nil), f[tagMetadata]...),
		Chunks:       rawToHashes(f.hash16List(tagChunks)),
	}, nil
}

func (s *SchemaNode) Marshal() []byte {
	var out []byte
	for _, field := range s.Fields {
		out = appendLP(out, []byte(field.Name))
		out = appendLP(out, []byte(field.Dtype))
		out = appendLP(out, []byte(field.OverrideType))
		out = appendLP(out, field.Metadata)
	}
	out = appendLP(out, s.Metadata)
	return out
}

func UnmarshalSchema(h oxhash.Hash, b []byte) (*SchemaNode, error) {
	var fieldsOut []SchemaField
	// all but the trailing schema-metadata blob are 4-tuples
	var chunks [][]byte
	for len(b) > 0 {
		part, rest, err := readLP(b)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, part)
		b = rest
	}
	if len(chunks) == 0 {
		return &SchemaNode{Hash: h}, nil
	}
	meta := chunks[len(chunks)-1]
	rest := chunks[:len(chunks)-1]
	for i := 0; i+4 <= len(rest); i += 4 {
		fieldsOut = append(fieldsOut, SchemaField{
			Name:         string(rest[i]),
			Dtype:        string(rest[i+1]),
			OverrideType: string(rest[i+2]),
			Metadata:     append([]byte(nil), rest[i+3]...),
		})
	}
	return &SchemaNode{Hash: h, Fields: fieldsOut, Metadata: append([]byte(nil), meta...)}, nil
}
