package commitengine

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oxen-data/oxen-core/internal/oxerr"
	"github.com/oxen-data/oxen-core/internal/repo"
	"github.com/oxen-data/oxen-core/internal/staging"
	"github.com/oxen-data/oxen-core/internal/tree"
)

func newTestRepo(t *testing.T) *repo.Repository {
	dir := t.TempDir()
	r, err := repo.Init(dir)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func writeFile(t *testing.T, r *repo.Repository, rel, content string) {
	path := filepath.Join(r.WorkDir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestCommitWithoutStagingFails(t *testing.T) {
	r := newTestRepo(t)
	s := staging.New(r)
	e := New(r, s)

	_, err := e.Commit("empty", "a", "a@example.com", time.Unix(0, 0))
	require.True(t, oxerr.Is(err, oxerr.KindNothingToCommit))
}

func TestFirstCommitBuildsTreeAndAdvancesBranch(t *testing.T) {
	r := newTestRepo(t)
	writeFile(t, r, "hello.txt", "hello world")
	s := staging.New(r)
	require.NoError(t, s.Add([]string{"hello.txt"}))

	e := New(r, s)
	res, err := e.Commit("first commit", "Ada", "ada@example.com", time.Unix(1000, 0))
	require.NoError(t, err)
	require.Equal(t, "main", res.Branch)
	require.False(t, res.Commit.RootDir.IsZero())

	head, err := r.Refs.GetHead()
	require.NoError(t, err)
	require.Equal(t, res.Commit.Hash, head.Commit)

	entry, ok, err := tree.Resolve(r.Nodes, res.Commit.RootDir, "hello.txt")
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, entry.Hash.IsZero())

	staged, err := s.Entries()
	require.NoError(t, err)
	require.Empty(t, staged)
}

func TestSecondCommitSharesUnchangedSubtree(t *testing.T) {
	r := newTestRepo(t)
	writeFile(t, r, "a/one.txt", "one")
	writeFile(t, r, "b/two.txt", "two")
	s := staging.New(r)
	require.NoError(t, s.Add([]string{"a", "b"}))
	e := New(r, s)

	res1, err := e.Commit("first", "Ada", "ada@example.com", time.Unix(1, 0))
	require.NoError(t, err)

	dirA1, ok, err := tree.Resolve(r.Nodes, res1.Commit.RootDir, "a")
	require.NoError(t, err)
	require.True(t, ok)

	writeFile(t, r, "b/two.txt", "two-modified")
	require.NoError(t, s.Add([]string{"b"}))

	res2, err := e.Commit("second", "Ada", "ada@example.com", time.Unix(2, 0))
	require.NoError(t, err)

	dirA2, ok, err := tree.Resolve(r.Nodes, res2.Commit.RootDir, "a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, dirA1.Hash, dirA2.Hash, "unchanged directory 'a' must keep the same hash (structural sharing)")

	fileB, ok, err := tree.Resolve(r.Nodes, res2.Commit.RootDir, "b/two.txt")
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, fileB.Hash.IsZero())
}

func TestCommitRemovesStagedDeletion(t *testing.T) {
	r := newTestRepo(t)
	writeFile(t, r, "x.txt", "content")
	s := staging.New(r)
	require.NoError(t, s.Add([]string{"x.txt"}))
	e := New(r, s)
	res1, err := e.Commit("add x", "Ada", "ada@example.com", time.Unix(1, 0))
	require.NoError(t, err)

	require.NoError(t, s.Rm([]string{"x.txt"}, false, false))
	res2, err := e.Commit("remove x", "Ada", "ada@example.com", time.Unix(2, 0))
	require.NoError(t, err)

	_, ok, err := tree.Resolve(r.Nodes, res2.Commit.RootDir, "x.txt")
	require.NoError(t, err)
	require.False(t, ok)
	require.NotEqual(t, res1.Commit.Hash, res2.Commit.Hash)
}
