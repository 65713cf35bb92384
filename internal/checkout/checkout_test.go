package checkout

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oxen-data/oxen-core/internal/commitengine"
	"github.com/oxen-data/oxen-core/internal/oxhash"
	"github.com/oxen-data/oxen-core/internal/repo"
	"github.com/oxen-data/oxen-core/internal/staging"
)

func newTestRepo(t *testing.T) (*repo.Repository, *staging.Engine, *commitengine.Engine) {
	dir := t.TempDir()
	r, err := repo.Init(dir)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	s := staging.New(r)
	return r, s, commitengine.New(r, s)
}

func writeFile(t *testing.T, r *repo.Repository, rel, content string) {
	path := filepath.Join(r.WorkDir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func readFile(t *testing.T, r *repo.Repository, rel string) string {
	b, err := os.ReadFile(filepath.Join(r.WorkDir, rel))
	require.NoError(t, err)
	return string(b)
}

func TestCheckoutToNoopWhenCommitsMatch(t *testing.T) {
	r, _, _ := newTestRepo(t)
	e := New(r)
	require.NoError(t, e.CheckoutTo(oxhash.Hash{}, oxhash.Hash{}))
}

func TestCheckoutBetweenCommitsRestoresAndDeletes(t *testing.T) {
	r, s, ce := newTestRepo(t)
	writeFile(t, r, "keep.txt", "keep")
	writeFile(t, r, "gone.txt", "bye")
	require.NoError(t, s.Add([]string{"keep.txt", "gone.txt"}))
	res1, err := ce.Commit("c1", "Ada", "ada@example.com", time.Unix(1, 0))
	require.NoError(t, err)

	require.NoError(t, s.Rm([]string{"gone.txt"}, false, false))
	writeFile(t, r, "new.txt", "new")
	require.NoError(t, s.Add([]string{"new.txt"}))
	res2, err := ce.Commit("c2", "Ada", "ada@example.com", time.Unix(2, 0))
	require.NoError(t, err)

	e := New(r)
	require.NoError(t, e.CheckoutTo(res2.Commit.Hash, res1.Commit.Hash))
	require.Equal(t, "keep", readFile(t, r, "keep.txt"))
	require.Equal(t, "bye", readFile(t, r, "gone.txt"))
	_, err = os.Stat(filepath.Join(r.WorkDir, "new.txt"))
	require.True(t, os.IsNotExist(err))

	require.NoError(t, e.CheckoutTo(res1.Commit.Hash, res2.Commit.Hash))
	require.Equal(t, "new", readFile(t, r, "new.txt"))
	_, err = os.Stat(filepath.Join(r.WorkDir, "gone.txt"))
	require.True(t, os.IsNotExist(err))
}

func TestCheckoutRefusesToOverwriteLocalModification(t *testing.T) {
	r, s, ce := newTestRepo(t)
	writeFile(t, r, "a.txt", "v1")
	require.NoError(t, s.Add([]string{"a.txt"}))
	res1, err := ce.Commit("c1", "Ada", "ada@example.com", time.Unix(1, 0))
	require.NoError(t, err)

	writeFile(t, r, "a.txt", "v2")
	require.NoError(t, s.Add([]string{"a.txt"}))
	res2, err := ce.Commit("c2", "Ada", "ada@example.com", time.Unix(2, 0))
	require.NoError(t, err)

	writeFile(t, r, "a.txt", "local edit, uncommitted")

	e := New(r)
	err = e.CheckoutTo(res2.Commit.Hash, res1.Commit.Hash)
	require.Error(t, err)
	require.Equal(t, "local edit, uncommitted", readFile(t, r, "a.txt"))
}

func TestCheckoutIdempotent(t *testing.T) {
	r, s, ce := newTestRepo(t)
	writeFile(t, r, "a.txt", "v1")
	writeFile(t, r, "sub/b.txt", "bee")
	require.NoError(t, s.Add([]string{"a.txt", "sub"}))
	res1, err := ce.Commit("c1", "Ada", "ada@example.com", time.Unix(1, 0))
	require.NoError(t, err)

	writeFile(t, r, "a.txt", "v2")
	require.NoError(t, s.Add([]string{"a.txt"}))
	require.NoError(t, s.Rm([]string{"sub/b.txt"}, false, false))
	res2, err := ce.Commit("c2", "Ada", "ada@example.com", time.Unix(2, 0))
	require.NoError(t, err)

	e := New(r)
	require.NoError(t, e.CheckoutTo(res2.Commit.Hash, res1.Commit.Hash))
	firstA := readFile(t, r, "a.txt")
	firstB := readFile(t, r, "sub/b.txt")

	// a second checkout of the same commit changes nothing
	require.NoError(t, e.CheckoutTo(res1.Commit.Hash, res1.Commit.Hash))
	require.Equal(t, firstA, readFile(t, r, "a.txt"))

	// bounce through the other commit and back: byte-identical
	require.NoError(t, e.CheckoutTo(res1.Commit.Hash, res2.Commit.Hash))
	require.NoError(t, e.CheckoutTo(res2.Commit.Hash, res1.Commit.Hash))
	require.Equal(t, firstA, readFile(t, r, "a.txt"))
	require.Equal(t, firstB, readFile(t, r, "sub/b.txt"))
}

func TestCheckoutBranchAdvancesHead(t *testing.T) {
	r, s, ce := newTestRepo(t)
	writeFile(t, r, "a.txt", "v1")
	require.NoError(t, s.Add([]string{"a.txt"}))
	_, err := ce.Commit("c1", "Ada", "ada@example.com", time.Unix(1, 0))
	require.NoError(t, err)

	e := New(r)
	require.NoError(t, e.CreateAndCheckoutBranch("feature"))

	head, err := r.Refs.GetHead()
	require.NoError(t, err)
	require.Equal(t, "feature", head.Branch)

	require.NoError(t, e.CheckoutBranch("main"))
	head, err = r.Refs.GetHead()
	require.NoError(t, err)
	require.Equal(t, "main", head.Branch)
}
