package remote

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oxen-data/oxen-core/internal/checkout"
	"github.com/oxen-data/oxen-core/internal/commitengine"
	"github.com/oxen-data/oxen-core/internal/oxerr"
	"github.com/oxen-data/oxen-core/internal/oxhash"
	"github.com/oxen-data/oxen-core/internal/repo"
	"github.com/oxen-data/oxen-core/internal/staging"
	"github.com/oxen-data/oxen-core/internal/tree"
)

type harness struct {
	repo    *repo.Repository
	staging *staging.Engine
	commit  *commitengine.Engine
}

func newHarness(t *testing.T) *harness {
	dir := t.TempDir()
	r, err := repo.Init(dir)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	s := staging.New(r)
	return &harness{repo: r, staging: s, commit: commitengine.New(r, s)}
}

func commitFile(t *testing.T, h *harness, rel, content, msg string, ts int64) oxhash.Hash {
	abs := filepath.Join(h.repo.WorkDir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
	require.NoError(t, h.staging.Add([]string{rel}))
	res, err := h.commit.Commit(msg, "Ada", "ada@example.com", time.Unix(ts, 0))
	require.NoError(t, err)
	return res.Commit.Hash
}

func TestPushThenFetchRoundTrip(t *testing.T) {
	ctx := context.Background()
	local := newHarness(t)
	origin := newHarness(t)

	head := commitFile(t, local, "data/train.csv", "a,b\n1,2\n", "c1", 1)
	commitFile(t, local, "data/test.csv", "a,b\n3,4\n", "c2", 2)

	syncer := NewSyncer(local.repo, &RepoClient{Repo: origin.repo})
	require.NoError(t, syncer.Push(ctx, "main"))

	originHead, err := origin.repo.Refs.GetBranch("main")
	require.NoError(t, err)
	localHead, err := local.repo.Refs.GetBranch("main")
	require.NoError(t, err)
	require.Equal(t, localHead, originHead)
	require.NotEqual(t, head, originHead, "second commit advanced the head")

	// a third repository fetches everything back
	other := newHarness(t)
	otherSync := NewSyncer(other.repo, &RepoClient{Repo: origin.repo})
	fetched, err := otherSync.Fetch(ctx, "main")
	require.NoError(t, err)
	require.Equal(t, localHead, fetched)

	node, err := tree.ReadCommit(other.repo.Nodes, fetched)
	require.NoError(t, err)
	entry, ok, err := tree.Resolve(other.repo.Nodes, node.RootDir, "data/train.csv")
	require.NoError(t, err)
	require.True(t, ok)
	fn, err := tree.ReadFile(other.repo.Nodes, entry.Hash)
	require.NoError(t, err)
	for _, c := range fn.Chunks {
		require.True(t, other.repo.Objects.Has(c), "chunk blob must have transferred")
	}
}

func TestPushRejectedWhenRemoteAdvanced(t *testing.T) {
	ctx := context.Background()
	a := newHarness(t)
	b := newHarness(t)
	origin := newHarness(t)

	commitFile(t, a, "a.txt", "from a", "a1", 1)
	require.NoError(t, NewSyncer(a.repo, &RepoClient{Repo: origin.repo}).Push(ctx, "main"))

	// b has unrelated history; its push must be rejected
	commitFile(t, b, "b.txt", "from b", "b1", 2)
	err := NewSyncer(b.repo, &RepoClient{Repo: origin.repo}).Push(ctx, "main")
	require.Error(t, err)
	require.True(t, oxerr.Is(err, oxerr.KindConflict))
}

func TestPushHoldsBranchLock(t *testing.T) {
	ctx := context.Background()
	local := newHarness(t)
	origin := newHarness(t)
	head := commitFile(t, local, "a.txt", "v1", "c1", 1)

	// simulate an in-progress push from another process
	require.NoError(t, local.repo.Refs.Lock("main", head))
	err := NewSyncer(local.repo, &RepoClient{Repo: origin.repo}).Push(ctx, "main")
	require.Error(t, err)
	require.NoError(t, local.repo.Refs.Unlock("main"))

	require.NoError(t, NewSyncer(local.repo, &RepoClient{Repo: origin.repo}).Push(ctx, "main"))
}

func TestPullFastForwards(t *testing.T) {
	ctx := context.Background()
	local := newHarness(t)
	origin := newHarness(t)

	commitFile(t, local, "a.txt", "v1", "c1", 1)
	require.NoError(t, NewSyncer(local.repo, &RepoClient{Repo: origin.repo}).Push(ctx, "main"))

	// another writer advances the origin
	writer := newHarness(t)
	writerSync := NewSyncer(writer.repo, &RepoClient{Repo: origin.repo})
	require.NoError(t, writerSync.Pull(ctx, "main"))
	commitFile(t, writer, "a.txt", "v2", "c2", 2)
	require.NoError(t, writerSync.Push(ctx, "main"))

	require.NoError(t, NewSyncer(local.repo, &RepoClient{Repo: origin.repo}).Pull(ctx, "main"))
	localHead, err := local.repo.Refs.GetBranch("main")
	require.NoError(t, err)
	originHead, err := origin.repo.Refs.GetBranch("main")
	require.NoError(t, err)
	require.Equal(t, originHead, localHead)
}

func TestPullDivergedReportsConflict(t *testing.T) {
	ctx := context.Background()
	local := newHarness(t)
	origin := newHarness(t)

	commitFile(t, local, "a.txt", "v1", "c1", 1)
	require.NoError(t, NewSyncer(local.repo, &RepoClient{Repo: origin.repo}).Push(ctx, "main"))

	other := newHarness(t)
	otherSync := NewSyncer(other.repo, &RepoClient{Repo: origin.repo})
	require.NoError(t, otherSync.Pull(ctx, "main"))
	commitFile(t, other, "a.txt", "v2", "c2", 2)
	require.NoError(t, otherSync.Push(ctx, "main"))

	commitFile(t, local, "a.txt", "local v2", "c2-local", 3)
	err := NewSyncer(local.repo, &RepoClient{Repo: origin.repo}).Pull(ctx, "main")
	require.Error(t, err)
	require.True(t, oxerr.Is(err, oxerr.KindConflict))
}

func TestCloneMaterializesWorkingDirectory(t *testing.T) {
	ctx := context.Background()
	origin := newHarness(t)
	commitFile(t, origin, "data/train.csv", "a,b\n1,2\n", "c1", 1)

	dir := t.TempDir()
	cloneDir := filepath.Join(dir, "clone")
	r, err := Clone(ctx, &RepoClient{Repo: origin.repo}, "file://origin", cloneDir,
		func(r *repo.Repository, head oxhash.Hash) error {
			return checkout.New(r).CheckoutTo(oxhash.Hash{}, head)
		})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })

	b, err := os.ReadFile(filepath.Join(cloneDir, "data", "train.csv"))
	require.NoError(t, err)
	require.Equal(t, "a,b\n1,2\n", string(b))

	rem, ok := r.Config.Remote("origin")
	require.True(t, ok)
	require.Equal(t, "file://origin", rem.URL)
}
