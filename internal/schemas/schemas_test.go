package schemas

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

type harness struct {
	repo    *repo.Repository
	staging *staging.Engine
	commit  *commitengine.Engine
	schemas *Engine
}

func newHarness(t *testing.T) *harness {
	dir := t.TempDir()
	r, err := repo.Init(dir)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	s := staging.New(r)
	return &harness{repo: r, staging: s, commit: commitengine.New(r, s), schemas: New(r, s)}
}

func commitFile(t *testing.T, h *harness, rel, content string, ts int64) oxhash.Hash {
	abs := filepath.Join(h.repo.WorkDir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
	require.NoError(t, h.staging.Add([]string{rel}))
	res, err := h.commit.Commit("add "+rel, "Ada", "ada@example.com", time.Unix(ts, 0))
	require.NoError(t, err)
	return res.Commit.Hash
}

func TestCommitDerivesSchemaForTabularFile(t *testing.T) {
	h := newHarness(t)
	commit := commitFile(t, h, "data/train.csv", "file,label,score\na.jpg,cat,0.9\n", 1)

	schema, err := h.schemas.Show(commit, "data/train.csv")
	require.NoError(t, err)
	require.Len(t, schema.Fields, 3)
	require.Equal(t, "file", schema.Fields[0].Name)
	require.Equal(t, "string", schema.Fields[0].Dtype)
	require.Equal(t, "float64", schema.Fields[2].Dtype)
}

func TestListSkipsNonTabularFiles(t *testing.T) {
	h := newHarness(t)
	abs := filepath.Join(h.repo.WorkDir, "notes.txt")
	require.NoError(t, os.WriteFile(abs, []byte("plain"), 0o644))
	require.NoError(t, h.staging.Add([]string{"notes.txt"}))
	commit := commitFile(t, h, "data/train.csv", "a,b\n1,2\n", 1)

	entries, err := h.schemas.List(commit)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "data/train.csv", entries[0].Path)
}

func TestStagedOverrideMergesAtCommit(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.schemas.Add("data/train.csv", "label", "categorical", []byte(`{"classes":2}`)))

	commit := commitFile(t, h, "data/train.csv", "file,label\na.jpg,cat\n", 1)
	schema, err := h.schemas.Show(commit, "data/train.csv")
	require.NoError(t, err)
	for _, f := range schema.Fields {
		if f.Name == "label" {
			require.Equal(t, "categorical", f.OverrideType)
			require.NotEmpty(t, f.Metadata)
			return
		}
	}
	t.Fatal("label field missing from committed schema")
}

func TestRmDropsStagedEdit(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.schemas.Add("data/train.csv", "label", "categorical", nil))
	staged, err := h.schemas.Staged()
	require.NoError(t, err)
	require.Len(t, staged, 1)

	require.NoError(t, h.schemas.Rm("data/train.csv"))
	staged, err = h.schemas.Staged()
	require.NoError(t, err)
	require.Empty(t, staged)
}

func TestShowMissingPathIsNotFound(t *testing.T) {
	h := newHarness(t)
	commit := commitFile(t, h, "data/train.csv", "a,b\n1,2\n", 1)
	_, err := h.schemas.Show(commit, "nope.csv")
	require.Error(t, err)
}
