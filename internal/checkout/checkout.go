// Package checkout materializes a commit's tree onto the working
// directory, minimizing file writes and refusing to clobber local
// modifications. Files stream back out of the object store through each
// FileNode's chunk list.
package checkout

import (
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/oxen-data/oxen-core/internal/merkle"
	"github.com/oxen-data/oxen-core/internal/objectstore"
	"github.com/oxen-data/oxen-core/internal/oxerr"
	"github.com/oxen-data/oxen-core/internal/oxhash"
	"github.com/oxen-data/oxen-core/internal/repo"
	"github.com/oxen-data/oxen-core/internal/tree"
)

// restoreWorkers bounds how many files materialize concurrently.
const restoreWorkers = 8

// Engine materializes commits onto one repository's working directory.
type Engine struct {
	repo *repo.Repository
	log  *logrus.Entry
}

func New(r *repo.Repository) *Engine {
	return &Engine{repo: r, log: logrus.WithField("component", "checkout")}
}

// fileRef pairs a committed file's node hash (to read it back from the
// node store) with its content hash (to compare against bytes on disk).
type fileRef struct {
	Node    oxhash.Hash
	Content oxhash.Hash
}

// fileSet maps a repository-relative path to its committed file.
type fileSet map[string]fileRef

func (e *Engine) collectFiles(commit oxhash.Hash) (fileSet, error) {
	out := fileSet{}
	if commit.IsZero() {
		return out, nil
	}
	node, err := tree.ReadCommit(e.repo.Nodes, commit)
	if err != nil {
		return nil, err
	}
	err = tree.WalkFiles(e.repo.Nodes, node.RootDir, "", func(p string, f tree.Entry) error {
		fn, err := tree.ReadFile(e.repo.Nodes, f.Hash)
		if err != nil {
			return err
		}
		out[p] = fileRef{Node: f.Hash, Content: fn.ContentHash}
		return nil
	})
	return out, err
}

// hashOnDisk content-hashes the file currently at path the same way
// PutChunked would, or returns ok=false if the path doesn't exist.
func (e *Engine) hashOnDisk(relPath string) (h oxhash.Hash, ok bool, err error) {
	abs := filepath.Join(e.repo.WorkDir, relPath)
	f, err := os.Open(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return oxhash.Hash{}, false, nil
		}
		return oxhash.Hash{}, false, err
	}
	defer f.Close()
	h, err = objectstore.SumChunked(f)
	return h, err == nil, err
}

// CheckoutTo moves the working directory from fromCommit's tree to
// targetCommit's tree. Both may be the zero hash (no commits yet / no
// prior state). If any on-disk file is modified relative to fromCommit,
// nothing is touched and the offending paths come back in the error.
func (e *Engine) CheckoutTo(fromCommit, targetCommit oxhash.Hash) error {
	if fromCommit == targetCommit {
		return nil
	}

	target, err := e.collectFiles(targetCommit)
	if err != nil {
		return err
	}
	from, err := e.collectFiles(fromCommit)
	if err != nil {
		return err
	}

	var toRestore []string
	var cannotOverwrite []string

	for p, targetRef := range target {
		onDisk, exists, err := e.hashOnDisk(p)
		if err != nil {
			return err
		}
		if !exists {
			toRestore = append(toRestore, p)
			continue
		}
		if onDisk == targetRef.Content {
			continue
		}
		fromRef, inFrom := from[p]
		if inFrom && onDisk != fromRef.Content {
			cannotOverwrite = append(cannotOverwrite, p)
			continue
		}
		toRestore = append(toRestore, p)
	}

	var toDelete []string
	for p, fromRef := range from {
		if _, stillPresent := target[p]; stillPresent {
			continue
		}
		onDisk, exists, err := e.hashOnDisk(p)
		if err != nil {
			return err
		}
		if !exists {
			continue
		}
		if onDisk == fromRef.Content {
			toDelete = append(toDelete, p)
		} else {
			cannotOverwrite = append(cannotOverwrite, p)
		}
	}

	if len(cannotOverwrite) > 0 {
		return oxerr.NewCannotOverwrite(cannotOverwrite)
	}

	for _, p := range toDelete {
		abs := filepath.Join(e.repo.WorkDir, p)
		if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
			return err
		}
		removeEmptyParents(e.repo.WorkDir, filepath.Dir(abs))
	}

	e.log.WithFields(logrus.Fields{"restore": len(toRestore), "delete": len(toDelete)}).Debug("checkout")

	g := new(errgroup.Group)
	g.SetLimit(restoreWorkers)
	for _, p := range toRestore {
		p := p
		g.Go(func() error { return e.restoreFile(p, target[p].Node) })
	}
	return g.Wait()
}

func removeEmptyParents(root, dir string) {
	for dir != root && dir != "." && dir != string(filepath.Separator) {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if os.Remove(dir) != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// restoreFile streams a FileNode's chunks from the object store onto
// disk, minimizing memory use for large files.
func (e *Engine) restoreFile(relPath string, fileHash oxhash.Hash) error {
	fn, err := tree.ReadFile(e.repo.Nodes, fileHash)
	if err != nil {
		return err
	}
	abs := filepath.Join(e.repo.WorkDir, relPath)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	f, err := os.Create(abs)
	if err != nil {
		return err
	}
	defer f.Close()

	for _, chunkHash := range fn.Chunks {
		r, err := e.repo.Objects.OpenStream(chunkHash)
		if err != nil {
			return err
		}
		_, err = io.Copy(f, r)
		r.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// RestorePath restores a single path to its state in sourceCommit,
// ignoring everything else in the tree. A directory path restores its
// whole subtree.
func (e *Engine) RestorePath(sourceCommit oxhash.Hash, relPath string) error {
	node, err := tree.ReadCommit(e.repo.Nodes, sourceCommit)
	if err != nil {
		return err
	}
	entry, ok, err := tree.Resolve(e.repo.Nodes, node.RootDir, relPath)
	if err != nil {
		return err
	}
	if !ok {
		return oxerr.NotFound("path %q in commit %s", relPath, sourceCommit)
	}
	if entry.Kind == merkle.KindDir {
		return tree.WalkFiles(e.repo.Nodes, entry.Hash, relPath, func(p string, f tree.Entry) error {
			return e.restoreOne(p, f.Hash)
		})
	}
	return e.restoreOne(relPath, entry.Hash)
}

func (e *Engine) restoreOne(relPath string, fileNodeHash oxhash.Hash) error {
	fn, err := tree.ReadFile(e.repo.Nodes, fileNodeHash)
	if err != nil {
		return err
	}
	onDisk, exists, err := e.hashOnDisk(relPath)
	if err != nil {
		return err
	}
	if exists && onDisk == fn.ContentHash {
		return nil
	}
	return e.restoreFile(relPath, fileNodeHash)
}

// CheckoutBranch materializes branch's current commit and attaches HEAD
// to it.
func (e *Engine) CheckoutBranch(branch string) error {
	head, err := e.repo.Refs.GetHead()
	if err != nil {
		return err
	}
	target, err := e.repo.Refs.GetBranch(branch)
	if err != nil {
		return err
	}
	if err := e.CheckoutTo(head.Commit, target); err != nil {
		return err
	}
	return e.repo.Refs.SetHead(branch)
}

// CheckoutCommit materializes commit directly and detaches HEAD.
func (e *Engine) CheckoutCommit(commit oxhash.Hash) error {
	head, err := e.repo.Refs.GetHead()
	if err != nil {
		return err
	}
	if err := e.CheckoutTo(head.Commit, commit); err != nil {
		return err
	}
	return e.repo.Refs.SetHeadDetached(commit)
}

// CreateAndCheckoutBranch creates a new branch at the current HEAD
// commit and attaches to it; the working directory is untouched since
// the tree doesn't change.
func (e *Engine) CreateAndCheckoutBranch(name string) error {
	head, err := e.repo.Refs.GetHead()
	if err != nil {
		return err
	}
	if err := e.repo.Refs.CreateBranch(name, head.Commit); err != nil {
		return err
	}
	return e.repo.Refs.SetHead(name)
}
