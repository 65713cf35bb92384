package remote

import (
	"context"

	"github.com/oxen-data/oxen-core/internal/oxerr"
	"github.com/oxen-data/oxen-core/internal/oxhash"
	"github.com/oxen-data/oxen-core/internal/repo"
)

func conflictAdvanced(name string) error {
	return oxerr.Conflict("remote branch %q advanced", name)
}

// RepoClient serves another repository on the same filesystem as an
// origin, the way a path URL works in other version control systems.
// It is also the Client used to exercise the sync engine in tests.
type RepoClient struct {
	Repo *repo.Repository
}

var _ Client = (*RepoClient)(nil)

func (c *RepoClient) ListBranches(ctx context.Context) ([]string, error) {
	return c.Repo.Refs.ListBranches()
}

func (c *RepoClient) GetBranch(ctx context.Context, name string) (oxhash.Hash, error) {
	return c.Repo.Refs.GetBranch(name)
}

func (c *RepoClient) SetBranch(ctx context.Context, name string, old, new oxhash.Hash) error {
	cur, err := c.Repo.Refs.GetBranch(name)
	if err == nil && cur != old {
		return conflictAdvanced(name)
	}
	return c.Repo.Refs.SetBranch(name, new)
}

func (c *RepoClient) HasNode(ctx context.Context, h oxhash.Hash) (bool, error) {
	return c.Repo.Nodes.Exists(h), nil
}

func (c *RepoClient) GetNode(ctx context.Context, h oxhash.Hash) (*NodePayload, error) {
	r, err := c.Repo.Nodes.OpenForRead(h)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	body, err := r.Body()
	if err != nil {
		return nil, err
	}
	children, err := r.Map()
	if err != nil {
		return nil, err
	}
	return &NodePayload{Hash: h, Body: body, Children: children}, nil
}

func (c *RepoClient) PutNode(ctx context.Context, p *NodePayload) error {
	return writeNode(c.Repo.Nodes, p)
}

func (c *RepoClient) HasBlob(ctx context.Context, h oxhash.Hash) (bool, error) {
	return c.Repo.Objects.Has(h), nil
}

func (c *RepoClient) GetBlob(ctx context.Context, h oxhash.Hash) ([]byte, error) {
	return c.Repo.Objects.GetBlob(h)
}

func (c *RepoClient) PutBlob(ctx context.Context, data []byte) (oxhash.Hash, error) {
	return c.Repo.Objects.PutBlob(data)
}
