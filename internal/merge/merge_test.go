package merge

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oxen-data/oxen-core/internal/checkout"
	"github.com/oxen-data/oxen-core/internal/commitengine"
	"github.com/oxen-data/oxen-core/internal/repo"
	"github.com/oxen-data/oxen-core/internal/staging"
	"github.com/oxen-data/oxen-core/internal/tree"
)

type harness struct {
	repo     *repo.Repository
	staging  *staging.Engine
	commit   *commitengine.Engine
	checkout *checkout.Engine
	merge    *Engine
}

func newHarness(t *testing.T) *harness {
	dir := t.TempDir()
	r, err := repo.Init(dir)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	s := staging.New(r)
	ce := commitengine.New(r, s)
	co := checkout.New(r)
	return &harness{repo: r, staging: s, commit: ce, checkout: co, merge: New(r, s, ce, co)}
}

func writeFile(t *testing.T, r *repo.Repository, rel, content string) {
	path := filepath.Join(r.WorkDir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func commitAll(t *testing.T, h *harness, rel, content, message string, ts int64) {
	writeFile(t, h.repo, rel, content)
	require.NoError(t, h.staging.Add([]string{rel}))
	_, err := h.commit.Commit(message, "Ada", "ada@example.com", time.Unix(ts, 0))
	require.NoError(t, err)
}

func TestMergeFastForward(t *testing.T) {
	h := newHarness(t)
	commitAll(t, h, "a.txt", "v1", "c1", 1)

	require.NoError(t, h.checkout.CreateAndCheckoutBranch("feature"))
	commitAll(t, h, "b.txt", "v1", "c2", 2)

	require.NoError(t, h.checkout.CheckoutBranch("main"))
	res, err := h.merge.Merge("feature", "Ada", "ada@example.com", time.Unix(3, 0))
	require.NoError(t, err)
	require.True(t, res.FastForward)

	head, err := h.repo.Refs.GetHead()
	require.NoError(t, err)
	headNode, err := tree.ReadCommit(h.repo.Nodes, head.Commit)
	require.NoError(t, err)
	require.Len(t, headNode.Parents, 1, "fast-forward must not create a merge commit")
	_, ok, err := tree.Resolve(h.repo.Nodes, headNode.RootDir, "b.txt")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMergeUpToDate(t *testing.T) {
	h := newHarness(t)
	commitAll(t, h, "a.txt", "v1", "c1", 1)
	require.NoError(t, h.checkout.CreateAndCheckoutBranch("feature"))
	require.NoError(t, h.checkout.CheckoutBranch("main"))

	res, err := h.merge.Merge("feature", "Ada", "ada@example.com", time.Unix(2, 0))
	require.NoError(t, err)
	require.True(t, res.UpToDate)
}

func TestMergeCleanThreeWay(t *testing.T) {
	h := newHarness(t)
	commitAll(t, h, "base.txt", "base", "c1", 1)

	require.NoError(t, h.checkout.CreateAndCheckoutBranch("feature"))
	commitAll(t, h, "feature.txt", "from feature", "c2", 2)

	require.NoError(t, h.checkout.CheckoutBranch("main"))
	commitAll(t, h, "main.txt", "from main", "c3", 3)

	res, err := h.merge.Merge("feature", "Ada", "ada@example.com", time.Unix(4, 0))
	require.NoError(t, err)
	require.NotNil(t, res.Commit)
	require.Empty(t, res.Conflicts)
	require.Len(t, res.Commit.Parents, 2)

	for _, rel := range []string{"base.txt", "feature.txt", "main.txt"} {
		_, ok, err := tree.Resolve(h.repo.Nodes, res.Commit.RootDir, rel)
		require.NoError(t, err)
		require.True(t, ok, rel)
	}
}

// Diamond: a → c → d on main, a → b → e on feature, each arm adding
// disjoint files. The merge tree must contain the union.
func TestMergeDiamondUnionOfDisjointAdds(t *testing.T) {
	h := newHarness(t)
	commitAll(t, h, "a.txt", "a", "A", 1)

	require.NoError(t, h.checkout.CreateAndCheckoutBranch("feature"))
	commitAll(t, h, "b.txt", "b", "B", 2)
	commitAll(t, h, "e.txt", "e", "E", 3)

	require.NoError(t, h.checkout.CheckoutBranch("main"))
	commitAll(t, h, "c.txt", "c", "C", 4)
	commitAll(t, h, "d.txt", "d", "D", 5)

	res, err := h.merge.Merge("feature", "Ada", "ada@example.com", time.Unix(6, 0))
	require.NoError(t, err)
	require.NotNil(t, res.Commit)
	require.Empty(t, res.Conflicts)

	for _, rel := range []string{"a.txt", "b.txt", "c.txt", "d.txt", "e.txt"} {
		_, ok, err := tree.Resolve(h.repo.Nodes, res.Commit.RootDir, rel)
		require.NoError(t, err)
		require.True(t, ok, rel)
	}
}

func TestMergeConflictRecordsAndBlocksCommit(t *testing.T) {
	h := newHarness(t)
	commitAll(t, h, "shared.txt", "base", "c1", 1)

	require.NoError(t, h.checkout.CreateAndCheckoutBranch("feature"))
	commitAll(t, h, "shared.txt", "from feature", "c2", 2)

	require.NoError(t, h.checkout.CheckoutBranch("main"))
	commitAll(t, h, "shared.txt", "from main", "c3", 3)

	res, err := h.merge.Merge("feature", "Ada", "ada@example.com", time.Unix(4, 0))
	require.NoError(t, err)
	require.Nil(t, res.Commit)
	require.Len(t, res.Conflicts, 1)
	require.Equal(t, "shared.txt", res.Conflicts[0].Path)
	require.True(t, h.repo.Refs.HasMergeInProgress())
}
