// Package refstore keeps the repository's named pointers: branches,
// HEAD, merge state and branch locks.
//
// Branches and HEAD are flat files (refs/<branch_name>, HEAD) written
// via temp-file-then-rename, so readers observe either the old or the
// new head and never a partial write, and the files stay trivially
// readable outside the process. Merge state lives in a bolt database;
// push locks go through juju/fslock.
package refstore

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/juju/fslock"

	"github.com/oxen-data/oxen-core/internal/oxerr"
	"github.com/oxen-data/oxen-core/internal/oxhash"
)

// Store roots the hidden repository directory.
type Store struct {
	base string
}

func New(base string) *Store { return &Store{base: base} }

func (s *Store) refsDir() string   { return filepath.Join(s.base, "refs") }
func (s *Store) headPath() string  { return filepath.Join(s.base, "HEAD") }
func (s *Store) locksDir() string  { return filepath.Join(s.base, "locks") }
func (s *Store) branchPath(name string) string {
	return filepath.Join(s.refsDir(), filepath.FromSlash(name))
}

// safeName normalizes a branch name for use as a lock file:
// "/" is normalized to "-" for filesystem-safe lock files.
func safeName(name string) string {
	return strings.ReplaceAll(name, "/", "-")
}

func atomicWrite(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ListBranches returns every known branch name, sorted.
func (s *Store) ListBranches() ([]string, error) {
	var names []string
	err := filepath.WalkDir(s.refsDir(), func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.refsDir(), path)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// GetBranch returns the commit hash a branch currently points to.
func (s *Store) GetBranch(name string) (oxhash.Hash, error) {
	b, err := os.ReadFile(s.branchPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return oxhash.Hash{}, oxerr.NotFound("branch %q", name)
		}
		return oxhash.Hash{}, err
	}
	return oxhash.Parse(strings.TrimSpace(string(b)))
}

func (s *Store) branchExists(name string) bool {
	_, err := os.Stat(s.branchPath(name))
	return err == nil
}

// CreateBranch creates a new branch, failing with AlreadyExists if one of
// that name is already present.
func (s *Store) CreateBranch(name string, hash oxhash.Hash) error {
	if s.branchExists(name) {
		return oxerr.AlreadyExists("branch %q", name)
	}
	return s.SetBranch(name, hash)
}

// SetBranch advances (or creates) a branch to point at hash, atomically.
func (s *Store) SetBranch(name string, hash oxhash.Hash) error {
	return atomicWrite(s.branchPath(name), []byte(hash.String()))
}

// DeleteBranch removes a branch. unmerged reports whether the branch's
// current commit has commits not reachable from any other branch; the
// caller supplies it since refstore has no view of the commit graph.
// DeleteBranch refuses to remove a branch with unmerged commits unless
// force is set.
func (s *Store) DeleteBranch(name string, force bool, unmerged func(hash oxhash.Hash) (bool, error)) error {
	hash, err := s.GetBranch(name)
	if err != nil {
		return err
	}
	if !force && unmerged != nil {
		has, err := unmerged(hash)
		if err != nil {
			return err
		}
		if has {
			return oxerr.Conflict("branch %q has unmerged commits", name)
		}
	}
	return os.Remove(s.branchPath(name))
}

// RenameBranch moves a branch reference to a new name.
func (s *Store) RenameBranch(oldName, newName string) error {
	if s.branchExists(newName) {
		return oxerr.AlreadyExists("branch %q", newName)
	}
	hash, err := s.GetBranch(oldName)
	if err != nil {
		return err
	}
	if err := s.SetBranch(newName, hash); err != nil {
		return err
	}
	return os.Remove(s.branchPath(oldName))
}

// HeadRef is either an attached branch or a detached commit.
type HeadRef struct {
	Branch   string // empty if detached
	Commit   oxhash.Hash
	Detached bool
}

const headBranchPrefix = "ref: "

// GetHead reads HEAD, resolving to the branch's current commit when
// attached.
func (s *Store) GetHead() (HeadRef, error) {
	b, err := os.ReadFile(s.headPath())
	if err != nil {
		if os.IsNotExist(err) {
			return HeadRef{}, oxerr.NotFound("HEAD")
		}
		return HeadRef{}, err
	}
	content := strings.TrimSpace(string(b))
	if strings.HasPrefix(content, headBranchPrefix) {
		branch := strings.TrimPrefix(content, headBranchPrefix)
		commit, err := s.GetBranch(branch)
		if err != nil {
			// An unborn branch (no commits yet) resolves to the zero hash.
			if oxerr.Is(err, oxerr.KindNotFound) {
				return HeadRef{Branch: branch}, nil
			}
			return HeadRef{}, err
		}
		return HeadRef{Branch: branch, Commit: commit}, nil
	}
	commit, err := oxhash.Parse(content)
	if err != nil {
		return HeadRef{}, oxerr.InvalidInput("malformed HEAD: %v", err)
	}
	return HeadRef{Commit: commit, Detached: true}, nil
}

// SetHead attaches HEAD to a branch name.
func (s *Store) SetHead(branch string) error {
	return atomicWrite(s.headPath(), []byte(headBranchPrefix+branch))
}

// SetHeadDetached points HEAD directly at a commit hash.
func (s *Store) SetHeadDetached(commit oxhash.Hash) error {
	return atomicWrite(s.headPath(), []byte(commit.String()))
}

// --- branch locking: serializes pushes to the same branch ---

func (s *Store) lockPath(name string) string {
	return filepath.Join(s.locksDir(), safeName(name))
}

// LockInfo records the commit hash current at lock time, so a racing
// reader can detect what the remote advanced past.
type LockInfo struct {
	Commit oxhash.Hash
}

// Lock acquires the push lock for branch name, failing with Conflict if
// the lock file already exists. The lock file itself is the held marker
// (it survives the process, so pushes serialize across processes); the
// flock only serializes the check-and-create against racing lockers.
func (s *Store) Lock(name string, current oxhash.Hash) error {
	if err := os.MkdirAll(s.locksDir(), 0o755); err != nil {
		return err
	}
	l := fslock.New(s.lockPath(name) + ".flock")
	if err := l.TryLock(); err != nil {
		return oxerr.Conflict("branch %q is locked", name)
	}
	defer l.Unlock()
	if _, err := os.Stat(s.lockPath(name)); err == nil {
		return oxerr.Conflict("branch %q is locked", name)
	}
	return atomicWrite(s.lockPath(name), []byte(current.String()))
}

// Unlock releases the push lock for branch name.
func (s *Store) Unlock(name string) error {
	if err := os.Remove(s.lockPath(name)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ReadLock returns the commit hash recorded when the lock was acquired.
func (s *Store) ReadLock(name string) (oxhash.Hash, error) {
	b, err := os.ReadFile(s.lockPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return oxhash.Hash{}, oxerr.NotFound("lock for branch %q", name)
		}
		return oxhash.Hash{}, err
	}
	return oxhash.Parse(strings.TrimSpace(string(b)))
}
