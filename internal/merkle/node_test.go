package merkle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oxen-data/oxen-core/internal/oxhash"
)

func TestCommitHashDeterministic(t *testing.T) {
	ts := time.Unix(1700000000, 0).UTC()
	mk := func() *CommitNode {
		return &CommitNode{
			Author:    "Ox Hen",
			Email:     "ox@example.com",
			Message:   "initial commit",
			Timestamp: ts,
			RootDir:   oxhash.Sum([]byte("root")),
		}
	}

	a, b := mk(), mk()
	require.Equal(t, a.ComputeHash(), b.ComputeHash())

	b.Message = "different message"
	require.NotEqual(t, a.ComputeHash(), b.ComputeHash())
}

func TestCommitMarshalRoundTrip(t *testing.T) {
	c := &CommitNode{
		Author:    "a",
		Email:     "a@b.com",
		Message:   "msg",
		Timestamp: time.Unix(1700000000, 0).UTC(),
		Parents:   []oxhash.Hash{oxhash.Sum([]byte("p1"))},
		RootDir:   oxhash.Sum([]byte("root")),
	}
	c.Hash = c.ComputeHash()

	got, err := UnmarshalCommit(c.Hash, c.Marshal())
	require.NoError(t, err)
	require.Equal(t, c.Author, got.Author)
	require.Equal(t, c.Email, got.Email)
	require.Equal(t, c.Message, got.Message)
	require.Equal(t, c.Timestamp, got.Timestamp)
	require.Equal(t, c.Parents, got.Parents)
	require.Equal(t, c.RootDir, got.RootDir)
}

func TestVNodeSortedAndHashStable(t *testing.T) {
	v1 := &VNode{Entries: []DirEntry{
		{Name: "b.txt", Hash: oxhash.Sum([]byte("b")), Kind: KindFile},
		{Name: "a.txt", Hash: oxhash.Sum([]byte("a")), Kind: KindFile},
	}}
	v2 := &VNode{Entries: []DirEntry{
		{Name: "a.txt", Hash: oxhash.Sum([]byte("a")), Kind: KindFile},
		{Name: "b.txt", Hash: oxhash.Sum([]byte("b")), Kind: KindFile},
	}}

	require.Equal(t, v1.ComputeHash(), v2.ComputeHash())
	require.Equal(t, "a.txt", v1.Entries[0].Name)

	_, ok := v1.Find("a.txt")
	require.True(t, ok)
	_, ok = v1.Find("missing")
	require.False(t, ok)
}

func TestVNodeMarshalRoundTrip(t *testing.T) {
	v := &VNode{Entries: []DirEntry{
		{Name: "a.txt", Hash: oxhash.Sum([]byte("a")), Kind: KindFile},
		{Name: "sub", Hash: oxhash.Sum([]byte("sub")), Kind: KindDir},
	}}
	v.Hash = v.ComputeHash()

	got, err := UnmarshalVNodeEntries(v.Hash, v.MarshalEntries())
	require.NoError(t, err)
	require.Equal(t, v.Entries, got.Entries)
}

func TestFileNodeSingleChunkHashEqualsChunk(t *testing.T) {
	single := oxhash.Sum([]byte("chunk"))
	require.Equal(t, single, oxhash.SumChunks([]oxhash.Hash{single}))

	c1, c2 := oxhash.Sum([]byte("a")), oxhash.Sum([]byte("b"))
	combined := oxhash.SumChunks([]oxhash.Hash{c1, c2})
	require.NotEqual(t, c1, combined)
	require.NotEqual(t, c2, combined)
}

func TestDirNodeHashChangesWithChildren(t *testing.T) {
	d := &DirNode{Name: "root", TypeCounts: map[DataType]DataTypeAgg{
		DataText: {Count: 1, Size: 10},
	}}
	h1 := d.ComputeHash()

	d.Children = append(d.Children, VNodeRef{Shard: 0, Hash: oxhash.Sum([]byte("vnode"))})
	h2 := d.ComputeHash()

	require.NotEqual(t, h1, h2)
}

func TestDirNodeMarshalRoundTrip(t *testing.T) {
	d := &DirNode{
		Name: "data",
		Size: 42,
		TypeCounts: map[DataType]DataTypeAgg{
			DataText:    {Count: 1, Size: 10},
			DataTabular: {Count: 2, Size: 32},
		},
		Children: []VNodeRef{{Shard: 0, Hash: oxhash.Sum([]byte("v0"))}},
	}
	d.Hash = d.ComputeHash()

	got, err := UnmarshalDir(d.Hash, d.Marshal())
	require.NoError(t, err)
	require.Equal(t, d.Name, got.Name)
	require.Equal(t, d.Size, got.Size)
	require.Equal(t, d.Children, got.Children)
	require.Equal(t, d.TypeCounts, got.TypeCounts)
	require.Equal(t, d.Hash, got.ComputeHash(), "a round-tripped DirNode must re-hash identically")
}

func TestSchemaMarshalRoundTrip(t *testing.T) {
	s := &SchemaNode{
		Fields: []SchemaField{
			{Name: "label", Dtype: "str"},
			{Name: "width", Dtype: "i64", OverrideType: "f64"},
		},
		Metadata: []byte(`{"source":"test"}`),
	}
	s.Hash = s.ComputeHash()

	got, err := UnmarshalSchema(s.Hash, s.Marshal())
	require.NoError(t, err)
	require.Equal(t, s.Fields, got.Fields)
	require.Equal(t, s.Metadata, got.Metadata)
}
