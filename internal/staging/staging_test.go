package staging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oxen-data/oxen-core/internal/merkle"
	"github.com/oxen-data/oxen-core/internal/oxhash"
	"github.com/oxen-data/oxen-core/internal/repo"
)

func TestStageSchemaRoundTrip(t *testing.T) {
	r := newTestRepo(t)
	e := New(r)

	node := &merkle.SchemaNode{Fields: []merkle.SchemaField{
		{Name: "label", OverrideType: "categorical"},
	}}
	require.NoError(t, e.StageSchema("data/train.csv", node))

	got, ok, err := e.StagedSchema("data/train.csv")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "categorical", got.Fields[0].OverrideType)

	require.NoError(t, e.UnstageSchema("data/train.csv"))
	_, ok, err = e.StagedSchema("data/train.csv")
	require.NoError(t, err)
	require.False(t, ok)
}

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

func TestAddStagesFileAndStatusShowsAdded(t *testing.T) {
	r := newTestRepo(t)
	writeFile(t, r, "a.txt", "hello")

	e := New(r)
	require.NoError(t, e.Add([]string{"a.txt"}))

	st, err := e.Status(oxhash.Hash{})
	require.NoError(t, err)
	require.Len(t, st.Added, 1)
	require.Equal(t, "a.txt", st.Added[0].Path)
}

func TestAddDirectoryRecurses(t *testing.T) {
	r := newTestRepo(t)
	writeFile(t, r, "data/a.csv", "a,b\n1,2")
	writeFile(t, r, "data/b.csv", "a,b\n3,4")

	e := New(r)
	require.NoError(t, e.Add([]string{"data"}))

	entries, err := e.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestUntrackedFileWithoutAdd(t *testing.T) {
	r := newTestRepo(t)
	writeFile(t, r, "u.txt", "untracked")

	e := New(r)
	st, err := e.Status(oxhash.Hash{})
	require.NoError(t, err)
	require.Len(t, st.Untracked, 1)
	require.Empty(t, st.Added)
}

func TestRmStagedUnstagesWithoutError(t *testing.T) {
	r := newTestRepo(t)
	writeFile(t, r, "a.txt", "hello")
	e := New(r)
	require.NoError(t, e.Add([]string{"a.txt"}))

	require.NoError(t, e.Rm([]string{"a.txt", "never-staged.txt"}, false, true))

	entries, err := e.Entries()
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestClearStagedEmptiesEntries(t *testing.T) {
	r := newTestRepo(t)
	writeFile(t, r, "a.txt", "hello")
	e := New(r)
	require.NoError(t, e.Add([]string{"a.txt"}))
	require.NoError(t, e.ClearStaged())

	entries, err := e.Entries()
	require.NoError(t, err)
	require.Empty(t, entries)
}
