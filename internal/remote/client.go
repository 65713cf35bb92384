// Package remote synchronizes commits, nodes and object-store blobs with
// a single origin through the Client capability. The wire encoding is the
// transport's concern; the core only requires that nodes and blobs
// round-trip by hash.
package remote

import (
	"context"

	"github.com/oxen-data/oxen-core/internal/nodestore"
	"github.com/oxen-data/oxen-core/internal/oxhash"
)

// NodePayload carries one Merkle node across the wire: its canonical body
// plus the (child hash, child header) pairs its database maps.
type NodePayload struct {
	Hash     oxhash.Hash
	Body     []byte
	Children []nodestore.ChildEntry
}

// Client is everything the sync engine needs from an origin. All calls
// accept a context for cancellation and deadlines; implementations hold
// no locks across calls.
type Client interface {
	// ListBranches returns the origin's branch names.
	ListBranches(ctx context.Context) ([]string, error)
	// GetBranch returns the origin's current head for name, or NotFound.
	GetBranch(ctx context.Context, name string) (oxhash.Hash, error)
	// SetBranch advances the origin's branch from old to new, failing
	// with Conflict if the origin no longer points at old.
	SetBranch(ctx context.Context, name string, old, new oxhash.Hash) error

	// HasNode / GetNode / PutNode move Merkle node databases.
	HasNode(ctx context.Context, h oxhash.Hash) (bool, error)
	GetNode(ctx context.Context, h oxhash.Hash) (*NodePayload, error)
	PutNode(ctx context.Context, p *NodePayload) error

	// HasBlob / GetBlob / PutBlob move object-store content.
	HasBlob(ctx context.Context, h oxhash.Hash) (bool, error)
	GetBlob(ctx context.Context, h oxhash.Hash) ([]byte, error)
	PutBlob(ctx context.Context, data []byte) (oxhash.Hash, error)
}
