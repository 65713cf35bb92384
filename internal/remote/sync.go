package remote

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/oxen-data/oxen-core/internal/commitengine"
	"github.com/oxen-data/oxen-core/internal/merkle"
	"github.com/oxen-data/oxen-core/internal/nodestore"
	"github.com/oxen-data/oxen-core/internal/oxerr"
	"github.com/oxen-data/oxen-core/internal/oxhash"
	"github.com/oxen-data/oxen-core/internal/repo"
	"github.com/oxen-data/oxen-core/internal/tree"
)

// blobWorkers bounds how many blob transfers run concurrently during a
// push or fetch.
const blobWorkers = 8

// schemaRef extracts the SchemaNode hash a tabular FileNode carries in
// its metadata payload.
func schemaRef(fn *merkle.FileNode) (oxhash.Hash, bool) {
	if fn.DataType != merkle.DataTabular || len(fn.Metadata) != oxhash.Size {
		return oxhash.Hash{}, false
	}
	var h oxhash.Hash
	copy(h[:], fn.Metadata)
	return h, true
}

// Syncer moves history between one repository and one origin client.
type Syncer struct {
	repo   *repo.Repository
	client Client
	log    *logrus.Entry
}

func NewSyncer(r *repo.Repository, c Client) *Syncer {
	return &Syncer{repo: r, client: c, log: logrus.WithField("component", "remote")}
}

// retry re-runs fn once if it failed with a transient network error.
func retry(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	if !oxerr.Is(err, oxerr.KindNetwork) && !oxerr.Is(err, oxerr.KindTimeout) {
		return err
	}
	if ctx.Err() != nil {
		return err
	}
	return fn()
}

// Fetch mirrors the origin's head of branch into the local node and
// object stores and returns it. Local refs are not moved.
func (s *Syncer) Fetch(ctx context.Context, branch string) (oxhash.Hash, error) {
	var remoteHead oxhash.Hash
	err := retry(ctx, func() error {
		var err error
		remoteHead, err = s.client.GetBranch(ctx, branch)
		return err
	})
	if err != nil {
		return oxhash.Hash{}, err
	}
	s.log.WithFields(logrus.Fields{"branch": branch, "head": remoteHead.String()}).Debug("fetching")

	queue := []oxhash.Hash{remoteHead}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.IsZero() || s.repo.Nodes.Exists(cur) {
			continue
		}
		node, err := s.fetchCommit(ctx, cur)
		if err != nil {
			return oxhash.Hash{}, err
		}
		queue = append(queue, node.Parents...)
	}
	return remoteHead, nil
}

// fetchCommit pulls one commit: its node, its full tree, and every blob
// its files chunk into.
func (s *Syncer) fetchCommit(ctx context.Context, commit oxhash.Hash) (*merkle.CommitNode, error) {
	if err := s.fetchNode(ctx, commit); err != nil {
		return nil, err
	}
	node, err := tree.ReadCommit(s.repo.Nodes, commit)
	if err != nil {
		return nil, err
	}
	if err := s.fetchTree(ctx, node.RootDir); err != nil {
		return nil, err
	}
	if err := commitengine.WriteDirHashIndex(s.repo, commit, node.RootDir); err != nil {
		return nil, err
	}
	return node, nil
}

func (s *Syncer) fetchNode(ctx context.Context, h oxhash.Hash) error {
	if s.repo.Nodes.Exists(h) {
		return nil
	}
	var payload *NodePayload
	err := retry(ctx, func() error {
		var err error
		payload, err = s.client.GetNode(ctx, h)
		return err
	})
	if err != nil {
		return err
	}
	return writeNode(s.repo.Nodes, payload)
}

func writeNode(ns *nodestore.Store, p *NodePayload) error {
	if ns.Exists(p.Hash) {
		return nil
	}
	w, err := ns.OpenForWrite(p.Hash, oxhash.Hash{})
	if err != nil {
		return err
	}
	if err := w.SetBody(p.Body); err != nil {
		w.Close()
		return err
	}
	for _, c := range p.Children {
		if err := w.AddChild(c.Hash, c.Header); err != nil {
			w.Close()
			return err
		}
	}
	return w.Close()
}

// fetchTree walks a directory subtree on the origin, pulling every node
// and blob the local stores are missing. Blobs transfer concurrently.
func (s *Syncer) fetchTree(ctx context.Context, dirHash oxhash.Hash) error {
	if err := s.fetchNode(ctx, dirHash); err != nil {
		return err
	}
	dir, err := tree.ReadDir(s.repo.Nodes, dirHash)
	if err != nil {
		return err
	}
	for _, ref := range dir.Children {
		if err := s.fetchNode(ctx, ref.Hash); err != nil {
			return err
		}
	}
	entries, err := tree.ListEntries(s.repo.Nodes, dirHash)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(blobWorkers)
	for _, e := range entries {
		switch e.Kind {
		case merkle.KindDir:
			if err := s.fetchTree(ctx, e.Hash); err != nil {
				return err
			}
		case merkle.KindFile:
			if err := s.fetchNode(ctx, e.Hash); err != nil {
				return err
			}
			fn, err := tree.ReadFile(s.repo.Nodes, e.Hash)
			if err != nil {
				return err
			}
			if h, ok := schemaRef(fn); ok {
				if err := s.fetchNode(ctx, h); err != nil {
					return err
				}
			}
			for _, chunk := range fn.Chunks {
				chunk := chunk
				if s.repo.Objects.Has(chunk) {
					continue
				}
				g.Go(func() error {
					var data []byte
					err := retry(gctx, func() error {
						var err error
						data, err = s.client.GetBlob(gctx, chunk)
						return err
					})
					if err != nil {
						return err
					}
					_, err = s.repo.Objects.PutBlob(data)
					return err
				})
			}
		}
	}
	return g.Wait()
}

// Push uploads the current branch's history the origin is missing, then
// advances the origin's branch reference. The local push lock serializes
// pushes to the same branch across processes; a remote head that is not
// an ancestor of ours rejects the push with Conflict.
func (s *Syncer) Push(ctx context.Context, branch string) error {
	localHead, err := s.repo.Refs.GetBranch(branch)
	if err != nil {
		return err
	}
	if err := s.repo.Refs.Lock(branch, localHead); err != nil {
		return err
	}
	defer s.repo.Refs.Unlock(branch)

	remoteHead, err := s.client.GetBranch(ctx, branch)
	if err != nil && !oxerr.Is(err, oxerr.KindNotFound) {
		return err
	}

	// every commit from localHead back to remoteHead must upload
	toSend, err := s.commitsToSend(localHead, remoteHead)
	if err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{"branch": branch, "commits": len(toSend)}).Debug("pushing")

	for i := len(toSend) - 1; i >= 0; i-- {
		if err := s.pushCommit(ctx, toSend[i]); err != nil {
			return err
		}
	}
	return s.client.SetBranch(ctx, branch, remoteHead, localHead)
}

// commitsToSend walks parents from localHead until it reaches remoteHead
// (or the root), newest first. A remoteHead not found on the walk means
// the origin advanced past us: the push is rejected.
func (s *Syncer) commitsToSend(localHead, remoteHead oxhash.Hash) ([]oxhash.Hash, error) {
	var out []oxhash.Hash
	seen := map[oxhash.Hash]bool{}
	reachedRemote := remoteHead.IsZero()
	queue := []oxhash.Hash{localHead}
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		if h.IsZero() || seen[h] {
			continue
		}
		if h == remoteHead {
			reachedRemote = true
			continue
		}
		seen[h] = true
		node, err := tree.ReadCommit(s.repo.Nodes, h)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
		queue = append(queue, node.Parents...)
	}
	if !reachedRemote {
		return nil, oxerr.Conflict("remote branch advanced; pull before pushing")
	}
	return out, nil
}

func (s *Syncer) pushCommit(ctx context.Context, commit oxhash.Hash) error {
	node, err := tree.ReadCommit(s.repo.Nodes, commit)
	if err != nil {
		return err
	}
	if err := s.pushTree(ctx, node.RootDir); err != nil {
		return err
	}
	return s.pushNode(ctx, commit)
}

func (s *Syncer) pushNode(ctx context.Context, h oxhash.Hash) error {
	ok, err := s.client.HasNode(ctx, h)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	r, err := s.repo.Nodes.OpenForRead(h)
	if err != nil {
		return err
	}
	body, err := r.Body()
	if err != nil {
		r.Close()
		return err
	}
	children, err := r.Map()
	if err != nil {
		r.Close()
		return err
	}
	r.Close()
	return s.client.PutNode(ctx, &NodePayload{Hash: h, Body: body, Children: children})
}

func (s *Syncer) pushTree(ctx context.Context, dirHash oxhash.Hash) error {
	ok, err := s.client.HasNode(ctx, dirHash)
	if err != nil {
		return err
	}
	if ok {
		return nil // structural sharing: the origin has this whole subtree
	}

	entries, err := tree.ListEntries(s.repo.Nodes, dirHash)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(blobWorkers)
	for _, e := range entries {
		switch e.Kind {
		case merkle.KindDir:
			if err := s.pushTree(ctx, e.Hash); err != nil {
				return err
			}
		case merkle.KindFile:
			fn, err := tree.ReadFile(s.repo.Nodes, e.Hash)
			if err != nil {
				return err
			}
			for _, chunk := range fn.Chunks {
				chunk := chunk
				g.Go(func() error {
					ok, err := s.client.HasBlob(gctx, chunk)
					if err != nil || ok {
						return err
					}
					data, err := s.repo.Objects.GetBlob(chunk)
					if err != nil {
						return err
					}
					_, err = s.client.PutBlob(gctx, data)
					return err
				})
			}
			if h, ok := schemaRef(fn); ok {
				if err := s.pushNode(ctx, h); err != nil {
					return err
				}
			}
			if err := s.pushNode(ctx, e.Hash); err != nil {
				return err
			}
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// VNodes travel inside the directory's push
	if err := s.pushDirWithVNodes(ctx, dirHash); err != nil {
		return err
	}
	return nil
}

func (s *Syncer) pushDirWithVNodes(ctx context.Context, dirHash oxhash.Hash) error {
	dir, err := tree.ReadDir(s.repo.Nodes, dirHash)
	if err != nil {
		return err
	}
	for _, ref := range dir.Children {
		if err := s.pushNode(ctx, ref.Hash); err != nil {
			return err
		}
	}
	return s.pushNode(ctx, dirHash)
}

// Pull fetches branch from the origin and fast-forwards the local branch
// onto it. A local branch that has diverged from the origin is reported
// as Conflict; merging the two histories is the caller's move.
func (s *Syncer) Pull(ctx context.Context, branch string) error {
	remoteHead, err := s.Fetch(ctx, branch)
	if err != nil {
		return err
	}
	localHead, err := s.repo.Refs.GetBranch(branch)
	if err != nil && !oxerr.Is(err, oxerr.KindNotFound) {
		return err
	}
	if localHead == remoteHead {
		return nil
	}
	if !localHead.IsZero() {
		isAncestor, err := s.isAncestor(localHead, remoteHead)
		if err != nil {
			return err
		}
		if !isAncestor {
			return oxerr.Conflict("branch %q has local commits the origin lacks; merge required", branch)
		}
	}
	return s.repo.Refs.SetBranch(branch, remoteHead)
}

func (s *Syncer) isAncestor(ancestor, descendant oxhash.Hash) (bool, error) {
	queue := []oxhash.Hash{descendant}
	seen := map[oxhash.Hash]bool{}
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		if h == ancestor {
			return true, nil
		}
		if h.IsZero() || seen[h] {
			continue
		}
		seen[h] = true
		node, err := tree.ReadCommit(s.repo.Nodes, h)
		if err != nil {
			return false, err
		}
		queue = append(queue, node.Parents...)
	}
	return false, nil
}

// Clone initializes a fresh repository at dir, mirrors the origin's
// default branch into it, and checks out the head.
func Clone(ctx context.Context, client Client, url, dir string, checkoutFn func(r *repo.Repository, head oxhash.Hash) error) (*repo.Repository, error) {
	r, err := repo.Init(dir)
	if err != nil {
		return nil, err
	}
	r.Config.SetRemote("origin", url)
	if err := r.SaveConfig(); err != nil {
		r.Close()
		return nil, err
	}

	s := NewSyncer(r, client)
	branches, err := client.ListBranches(ctx)
	if err != nil {
		r.Close()
		return nil, err
	}
	branch := repo.DefaultBranch
	if len(branches) > 0 && !contains(branches, branch) {
		branch = branches[0]
	}

	head, err := s.Fetch(ctx, branch)
	if err != nil {
		r.Close()
		return nil, err
	}
	if err := r.Refs.SetBranch(branch, head); err != nil {
		r.Close()
		return nil, err
	}
	if err := r.Refs.SetHead(branch); err != nil {
		r.Close()
		return nil, err
	}
	if checkoutFn != nil {
		if err := checkoutFn(r, head); err != nil {
			r.Close()
			return nil, err
		}
	}
	return r, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// WithTimeout wraps ctx with a deadline when timeout is positive.
func WithTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}
