// Package history walks the commit graph backwards from a branch head:
// the full log, and the per-file version history of a branch.
package history

import (
	"sort"

	"github.com/oxen-data/oxen-core/internal/merkle"
	"github.com/oxen-data/oxen-core/internal/oxhash"
	"github.com/oxen-data/oxen-core/internal/repo"
	"github.com/oxen-data/oxen-core/internal/tree"
)

// Log returns every commit reachable from start, newest first. Merge
// commits contribute both parent chains; each commit appears once.
func Log(r *repo.Repository, start oxhash.Hash) ([]*merkle.CommitNode, error) {
	var out []*merkle.CommitNode
	if start.IsZero() {
		return out, nil
	}
	seen := map[oxhash.Hash]bool{}
	queue := []oxhash.Hash{start}
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		if seen[h] {
			continue
		}
		seen[h] = true
		node, err := tree.ReadCommit(r.Nodes, h)
		if err != nil {
			return nil, err
		}
		out = append(out, node)
		queue = append(queue, node.Parents...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].Hash.String() > out[j].Hash.String()
	})
	return out, nil
}

// Version is one point in a file's history: the commit that changed it
// and the FileNode hash it had afterwards.
type Version struct {
	Commit   *merkle.CommitNode
	FileHash oxhash.Hash
}

// VersionsOf returns the commits along branch's first-parent chain that
// changed the file at path, newest first. A commit counts as a change
// when the file's hash differs from the previous version (including the
// commit that first added it); commits that merely touched siblings are
// skipped.
func VersionsOf(r *repo.Repository, branch, path string) ([]Version, error) {
	head, err := r.Refs.GetBranch(branch)
	if err != nil {
		return nil, err
	}

	// Walk the first-parent chain oldest-last, recording the file's hash
	// at each commit.
	type step struct {
		commit *merkle.CommitNode
		hash   oxhash.Hash
		found  bool
	}
	var chain []step
	for h := head; !h.IsZero(); {
		node, err := tree.ReadCommit(r.Nodes, h)
		if err != nil {
			return nil, err
		}
		entry, ok, err := tree.Resolve(r.Nodes, node.RootDir, path)
		if err != nil {
			return nil, err
		}
		chain = append(chain, step{commit: node, hash: entry.Hash, found: ok && entry.Kind == merkle.KindFile})
		if len(node.Parents) == 0 {
			break
		}
		h = node.Parents[0]
	}

	var out []Version
	for i, s := range chain {
		if !s.found {
			continue
		}
		// the next element is this commit's first parent
		if i+1 < len(chain) {
			prev := chain[i+1]
			if prev.found && prev.hash == s.hash {
				continue
			}
		}
		out = append(out, Version{Commit: s.commit, FileHash: s.hash})
	}
	return out, nil
}
