// Package objectstore is the content-addressed blob store: a flat map
// from hash to bytes with idempotent writes and content-defined chunking
// for large files. One bolt bucket keyed by content hash holds every
// blob; values are zstd-compressed on the way in and transparently
// decompressed on the way out, so hashes always cover the uncompressed
// bytes.
package objectstore

import (
	"bytes"
	"io"

	"github.com/boltdb/bolt"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/restic/chunker"
	"golang.org/x/sync/singleflight"

	"github.com/oxen-data/oxen-core/internal/oxerr"
	"github.com/oxen-data/oxen-core/internal/oxhash"
)

var blobsBucket = []byte("blobs")

// chunkPolynomial is the irreducible polynomial the content-defined
// chunker splits with. Changing it changes every multi-chunk file hash.
const chunkPolynomial = chunker.Pol(0x3DA3358B4DC173)

const (
	kiB = 1024
	miB = kiB * 1024

	// chunk boundaries; files under minChunkSize stay single-chunk
	minChunkSize = 256 * kiB
	maxChunkSize = 1 * miB
)

// Store is an embedded, content-addressed blob store.
type Store struct {
	db *bolt.DB
	sf singleflight.Group // collapses concurrent PutBlob of identical content
}

// Open opens (creating if absent) the object store at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, errors.Wrap(err, "objectstore: open")
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(blobsBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "objectstore: prepare")
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Has reports whether a blob with hash h is stored.
func (s *Store) Has(h oxhash.Hash) bool {
	var found bool
	_ = s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(blobsBucket).Get(h[:]) != nil
		return nil
	})
	return found
}

// Size returns the uncompressed length of the blob stored under h.
func (s *Store) Size(h oxhash.Hash) (uint64, error) {
	b, err := s.GetBlob(h)
	if err != nil {
		return 0, err
	}
	return uint64(len(b)), nil
}

// PutBlob stores data under its content hash, idempotently: a second put of
// the same content returns the existing hash without writing again.
func (s *Store) PutBlob(data []byte) (oxhash.Hash, error) {
	h := oxhash.Sum(data)
	_, err, _ := s.sf.Do(h.String(), func() (interface{}, error) {
		if s.Has(h) {
			return nil, nil
		}
		compressed, err := compress(data)
		if err != nil {
			return nil, err
		}
		return nil, s.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(blobsBucket).Put(h[:], compressed)
		})
	})
	if err != nil {
		return oxhash.Hash{}, errors.Wrap(err, "objectstore: put")
	}
	return h, nil
}

// GetBlob returns the stored bytes for hash h, or a NotFound error.
func (s *Store) GetBlob(h oxhash.Hash) ([]byte, error) {
	var compressed []byte
	if err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(blobsBucket).Get(h[:])
		if v == nil {
			return oxerr.NotFound("blob %s", h)
		}
		compressed = append([]byte(nil), v...)
		return nil
	}); err != nil {
		return nil, err
	}
	return decompress(compressed)
}

// OpenStream returns a reader over the blob stored under h.
func (s *Store) OpenStream(h oxhash.Hash) (io.ReadCloser, error) {
	data, err := s.GetBlob(h)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// PutChunked splits r's bytes into content-defined chunks, stores each
// chunk as a blob, and returns the file's combined hash along with the
// ordered chunk hashes.
func (s *Store) PutChunked(r io.Reader) (fileHash oxhash.Hash, chunkHashes []oxhash.Hash, err error) {
	chkr := chunker.NewWithBoundaries(r, chunkPolynomial, minChunkSize, maxChunkSize)
	buf := make([]byte, maxChunkSize)
	for {
		c, cerr := chkr.Next(buf)
		if cerr == io.EOF {
			break
		}
		if cerr != nil {
			return oxhash.Hash{}, nil, errors.Wrap(cerr, "objectstore: chunk")
		}
		data := make([]byte, c.Length)
		copy(data, c.Data)
		h, perr := s.PutBlob(data)
		if perr != nil {
			return oxhash.Hash{}, nil, perr
		}
		chunkHashes = append(chunkHashes, h)
	}
	if len(chunkHashes) == 0 {
		// zero-byte file: a single empty chunk
		h, perr := s.PutBlob(nil)
		if perr != nil {
			return oxhash.Hash{}, nil, perr
		}
		chunkHashes = []oxhash.Hash{h}
	}
	return oxhash.SumChunks(chunkHashes), chunkHashes, nil
}

// SumChunked computes the hash PutChunked would return for r's bytes
// without storing anything. Status and checkout use it to compare a
// file on disk against a committed FileNode's content hash.
func SumChunked(r io.Reader) (oxhash.Hash, error) {
	chkr := chunker.NewWithBoundaries(r, chunkPolynomial, minChunkSize, maxChunkSize)
	buf := make([]byte, maxChunkSize)
	var chunkHashes []oxhash.Hash
	for {
		c, cerr := chkr.Next(buf)
		if cerr == io.EOF {
			break
		}
		if cerr != nil {
			return oxhash.Hash{}, errors.Wrap(cerr, "objectstore: chunk")
		}
		chunkHashes = append(chunkHashes, oxhash.Sum(c.Data))
	}
	if len(chunkHashes) == 0 {
		chunkHashes = []oxhash.Hash{oxhash.Sum(nil)}
	}
	return oxhash.SumChunks(chunkHashes), nil
}

func compress(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil), nil
}

func decompress(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, errors.Wrap(err, "objectstore: corrupt blob")
	}
	return out, nil
}
