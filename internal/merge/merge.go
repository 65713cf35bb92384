// Package merge locates a lowest common ancestor, detects
// fast-forwards, and walks a three-way diff over the union of files
// touched since that ancestor. The no-conflict case reuses the commit
// engine's "apply staged entries over HEAD" path rather than duplicating
// tree-rebuild logic; the conflict case persists its table through the
// reference store's merge state.
package merge

import (
	"fmt"
	"time"

	"github.com/oxen-data/oxen-core/internal/checkout"
	"github.com/oxen-data/oxen-core/internal/commitengine"
	"github.com/oxen-data/oxen-core/internal/merkle"
	"github.com/oxen-data/oxen-core/internal/oxerr"
	"github.com/oxen-data/oxen-core/internal/oxhash"
	"github.com/oxen-data/oxen-core/internal/refstore"
	"github.com/oxen-data/oxen-core/internal/repo"
	"github.com/oxen-data/oxen-core/internal/staging"
	"github.com/oxen-data/oxen-core/internal/tree"
)

// Engine merges a source branch into the repository's current HEAD branch.
type Engine struct {
	repo     *repo.Repository
	staging  *staging.Engine
	commit   *commitengine.Engine
	checkout *checkout.Engine
}

func New(r *repo.Repository, s *staging.Engine, c *commitengine.Engine, co *checkout.Engine) *Engine {
	return &Engine{repo: r, staging: s, commit: c, checkout: co}
}

// Result reports what Merge did.
type Result struct {
	UpToDate    bool
	FastForward bool
	Commit      *merkle.CommitNode // set on fast-forward or a clean three-way merge
	Conflicts   []refstore.ConflictEntry
}

// Merge merges sourceBranch into the branch currently checked out. HEAD
// must be attached to a branch (not detached).
func (e *Engine) Merge(sourceBranch, author, email string, now time.Time) (*Result, error) {
	head, err := e.repo.Refs.GetHead()
	if err != nil {
		return nil, err
	}
	if head.Detached {
		return nil, oxerr.InvalidInput("cannot merge with a detached HEAD")
	}
	targetBranch := head.Branch
	targetCommit := head.Commit

	sourceCommit, err := e.repo.Refs.GetBranch(sourceBranch)
	if err != nil {
		return nil, err
	}

	lcaCommit, err := e.lca(targetCommit, sourceCommit)
	if err != nil {
		return nil, err
	}

	if lcaCommit == sourceCommit {
		return &Result{UpToDate: true}, nil
	}

	if lcaCommit == targetCommit {
		if err := e.checkout.CheckoutTo(targetCommit, sourceCommit); err != nil {
			return nil, err
		}
		if err := e.repo.Refs.SetBranch(targetBranch, sourceCommit); err != nil {
			return nil, err
		}
		sourceNode, err := tree.ReadCommit(e.repo.Nodes, sourceCommit)
		if err != nil {
			return nil, err
		}
		return &Result{FastForward: true, Commit: sourceNode}, nil
	}

	var lcaRoot, targetRoot, sourceRoot oxhash.Hash
	if !lcaCommit.IsZero() {
		lcaNode, err := tree.ReadCommit(e.repo.Nodes, lcaCommit)
		if err != nil {
			return nil, err
		}
		lcaRoot = lcaNode.RootDir
	}
	targetNode, err := tree.ReadCommit(e.repo.Nodes, targetCommit)
	if err != nil {
		return nil, err
	}
	targetRoot = targetNode.RootDir
	sourceNode, err := tree.ReadCommit(e.repo.Nodes, sourceCommit)
	if err != nil {
		return nil, err
	}
	sourceRoot = sourceNode.RootDir

	toStage, conflicts, err := e.threeWayDiff(lcaRoot, targetRoot, sourceRoot)
	if err != nil {
		return nil, err
	}

	if len(conflicts) > 0 {
		if err := e.repo.Refs.BeginMerge(sourceCommit, conflicts); err != nil {
			return nil, err
		}
		return &Result{Conflicts: conflicts}, nil
	}

	if err := e.repo.Refs.BeginMerge(sourceCommit, nil); err != nil {
		return nil, err
	}
	if err := e.staging.StageRaw(toStage); err != nil {
		return nil, err
	}
	message := fmt.Sprintf("Merge branch '%s' into %s", sourceBranch, targetBranch)
	res, err := e.commit.Commit(message, author, email, now)
	if err != nil {
		return nil, err
	}
	return &Result{Commit: res.Commit}, nil
}

// collectFiles maps every file's repository-relative path to its FileNode
// hash for the tree rooted at root (the zero hash yields an empty map).
func (e *Engine) collectFiles(root oxhash.Hash) (map[string]oxhash.Hash, error) {
	out := map[string]oxhash.Hash{}
	if root.IsZero() {
		return out, nil
	}
	err := tree.WalkFiles(e.repo.Nodes, root, "", func(p string, f tree.Entry) error {
		out[p] = f.Hash
		return nil
	})
	return out, err
}

// threeWayDiff walks the union of paths known to target or source and
// decides, for each, whether target's version already wins (nothing to
// stage), source's version should be taken (stage an Add), the path
// should be removed (stage a Remove), or the two sides conflict.
func (e *Engine) threeWayDiff(lcaRoot, targetRoot, sourceRoot oxhash.Hash) ([]staging.Entry, []refstore.ConflictEntry, error) {
	lcaFiles, err := e.collectFiles(lcaRoot)
	if err != nil {
		return nil, nil, err
	}
	targetFiles, err := e.collectFiles(targetRoot)
	if err != nil {
		return nil, nil, err
	}
	sourceFiles, err := e.collectFiles(sourceRoot)
	if err != nil {
		return nil, nil, err
	}

	paths := map[string]bool{}
	for p := range targetFiles {
		paths[p] = true
	}
	for p := range sourceFiles {
		paths[p] = true
	}

	var toStage []staging.Entry
	var conflicts []refstore.ConflictEntry

	for p := range paths {
		tH, inTarget := targetFiles[p]
		sH, inSource := sourceFiles[p]
		lH, inLCA := lcaFiles[p]

		switch {
		case inTarget && inSource:
			if tH == sH {
				continue
			}
			if inLCA && lH == tH {
				entry, err := e.stageEntryFor(p, sH)
				if err != nil {
					return nil, nil, err
				}
				toStage = append(toStage, entry)
				continue
			}
			if inLCA && lH == sH {
				continue // target already has the winning content
			}
			conflicts = append(conflicts, refstore.ConflictEntry{
				Path:  p,
				LCA:   fileRef(lH, inLCA),
				Base:  fileRef(tH, true),
				Merge: fileRef(sH, true),
			})

		case inTarget && !inSource:
			if inLCA && lH == tH {
				toStage = append(toStage, staging.Entry{Path: p, Action: staging.ActionRemove})
				continue
			}
			if !inLCA {
				continue // target-only addition, source never had it
			}
			conflicts = append(conflicts, refstore.ConflictEntry{
				Path:  p,
				LCA:   fileRef(lH, inLCA),
				Base:  fileRef(tH, true),
				Merge: fileRef(oxhash.Hash{}, false),
			})

		case !inTarget && inSource:
			if inLCA && lH == sH {
				continue // target deliberately deleted it, deletion wins
			}
			if !inLCA {
				entry, err := e.stageEntryFor(p, sH)
				if err != nil {
					return nil, nil, err
				}
				toStage = append(toStage, entry)
				continue
			}
			conflicts = append(conflicts, refstore.ConflictEntry{
				Path:  p,
				LCA:   fileRef(lH, inLCA),
				Base:  fileRef(oxhash.Hash{}, false),
				Merge: fileRef(sH, true),
			})
		}
	}
	return toStage, conflicts, nil
}

func fileRef(h oxhash.Hash, present bool) refstore.EntryRef {
	if !present {
		return refstore.EntryRef{}
	}
	return refstore.EntryRef{Hash: h, Kind: merkle.KindFile}
}

func (e *Engine) stageEntryFor(path string, fileHash oxhash.Hash) (staging.Entry, error) {
	fn, err := tree.ReadFile(e.repo.Nodes, fileHash)
	if err != nil {
		return staging.Entry{}, err
	}
	return staging.Entry{
		Path:        path,
		Action:      staging.ActionAdd,
		ContentHash: fn.ContentHash,
		Size:        fn.Size,
		Chunks:      fn.Chunks,
		DataType:    fn.DataType,
		MimeType:    fn.MimeType,
		Extension:   fn.Extension,
	}, nil
}

// MarkResolved finishes resolving one conflicted path; the caller has
// already staged the resolution via the normal staging engine.
func (e *Engine) MarkResolved(path string) error {
	return e.repo.Refs.MarkResolved(path)
}

// ancestorInfo is one commit's BFS distance from a merge endpoint plus its
// timestamp, used to break ties between equally-close common ancestors.
type ancestorInfo struct {
	dist int
	ts   time.Time
}

func (e *Engine) ancestors(start oxhash.Hash) (map[oxhash.Hash]ancestorInfo, error) {
	out := map[oxhash.Hash]ancestorInfo{}
	if start.IsZero() {
		return out, nil
	}
	type item struct {
		hash oxhash.Hash
		dist int
	}
	queue := []item{{hash: start, dist: 0}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if _, seen := out[cur.hash]; seen {
			continue
		}
		node, err := tree.ReadCommit(e.repo.Nodes, cur.hash)
		if err != nil {
			return nil, err
		}
		out[cur.hash] = ancestorInfo{dist: cur.dist, ts: node.Timestamp}
		for _, p := range node.Parents {
			queue = append(queue, item{hash: p, dist: cur.dist + 1})
		}
	}
	return out, nil
}

// lca finds the lowest common ancestor: the common ancestor of a and b
// with the smallest BFS distance from a. Ties (more than one common
// ancestor at the same distance from a) are broken by earliest
// timestamp, then smallest hash, so the choice is deterministic
// regardless of traversal order.
func (e *Engine) lca(a, b oxhash.Hash) (oxhash.Hash, error) {
	if a == b {
		return a, nil
	}
	distA, err := e.ancestors(a)
	if err != nil {
		return oxhash.Hash{}, err
	}
	distB, err := e.ancestors(b)
	if err != nil {
		return oxhash.Hash{}, err
	}

	var best oxhash.Hash
	var bestInfo ancestorInfo
	bestTotal := -1
	found := false

	for h, ia := range distA {
		if _, ok := distB[h]; !ok {
			continue
		}
		total := ia.dist
		ts := ia.ts
		if !found || total < bestTotal ||
			(total == bestTotal && ts.Before(bestInfo.ts)) ||
			(total == bestTotal && ts.Equal(bestInfo.ts) && h.String() < best.String()) {
			found = true
			bestTotal = total
			best = h
			bestInfo = ancestorInfo{dist: total, ts: ts}
		}
	}
	if !found {
		return oxhash.Hash{}, oxerr.InvalidInput("no common ancestor between %s and %s", a, b)
	}
	return best, nil
}
