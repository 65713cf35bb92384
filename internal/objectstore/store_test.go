package objectstore

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "objects.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutBlobIdempotent(t *testing.T) {
	s := testStore(t)

	h1, err := s.PutBlob([]byte("hello world"))
	require.NoError(t, err)

	h2, err := s.PutBlob([]byte("hello world"))
	require.NoError(t, err)

	require.Equal(t, h1, h2)
	require.True(t, s.Has(h1))
}

func TestGetBlobNotFound(t *testing.T) {
	s := testStore(t)

	_, err := s.GetBlob([16]byte{1, 2, 3})
	require.Error(t, err)
}

func TestGetBlobRoundTrip(t *testing.T) {
	s := testStore(t)
	want := []byte("the quick brown fox jumps over the lazy dog")

	h, err := s.PutBlob(want)
	require.NoError(t, err)

	got, err := s.GetBlob(h)
	require.NoError(t, err)
	require.Equal(t, want, got)

	sz, err := s.Size(h)
	require.NoError(t, err)
	require.Equal(t, uint64(len(want)), sz)
}

func TestPutChunkedSingleChunk(t *testing.T) {
	s := testStore(t)
	data := []byte("small file, one chunk")

	fileHash, chunks, err := s.PutChunked(bytes.NewReader(data))
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	require.Equal(t, chunks[0], fileHash)

	got, err := s.GetBlob(chunks[0])
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestPutChunkedLargeFileMultipleChunks(t *testing.T) {
	s := testStore(t)

	// Large enough and varied enough to force the content-defined chunker
	// past its minimum boundary more than once.
	buf := make([]byte, 4*miB)
	for i := range buf {
		buf[i] = byte(i*2654435761 + i*i)
	}

	fileHash, chunks, err := s.PutChunked(bytes.NewReader(buf))
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)

	var reconstructed []byte
	for _, c := range chunks {
		b, err := s.GetBlob(c)
		require.NoError(t, err)
		reconstructed = append(reconstructed, b...)
	}
	require.Equal(t, buf, reconstructed)
	require.NotEqual(t, chunks[0], fileHash)
}

func TestPutChunkedEmptyFile(t *testing.T) {
	s := testStore(t)

	fileHash, chunks, err := s.PutChunked(bytes.NewReader(nil))
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	require.Equal(t, chunks[0], fileHash)
}
