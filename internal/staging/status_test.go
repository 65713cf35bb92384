package staging_test

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

func setup(t *testing.T) (*repo.Repository, *staging.Engine, *commitengine.Engine) {
	dir := t.TempDir()
	r, err := repo.Init(dir)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	s := staging.New(r)
	return r, s, commitengine.New(r, s)
}

func write(t *testing.T, r *repo.Repository, rel, content string) {
	path := filepath.Join(r.WorkDir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func head(t *testing.T, r *repo.Repository) oxhash.Hash {
	h, err := r.CurrentCommit()
	require.NoError(t, err)
	return h
}

func requireClean(t *testing.T, st *staging.Status) {
	require.Empty(t, st.Added)
	require.Empty(t, st.Modified)
	require.Empty(t, st.Removed)
	require.Empty(t, st.Moved)
	require.Empty(t, st.Untracked)
}

func TestStatusCleanAfterCommit(t *testing.T) {
	r, s, ce := setup(t)
	write(t, r, "a.txt", "hello")
	write(t, r, "sub/b.txt", "world")
	require.NoError(t, s.Add([]string{"a.txt", "sub"}))
	_, err := ce.Commit("c1", "Ada", "ada@example.com", time.Unix(1, 0))
	require.NoError(t, err)

	st, err := s.Status(head(t, r))
	require.NoError(t, err)
	requireClean(t, st)
}

func TestStatusEditThenRevertIsClean(t *testing.T) {
	r, s, ce := setup(t)
	write(t, r, "a.txt", "v1")
	require.NoError(t, s.Add([]string{"a.txt"}))
	_, err := ce.Commit("c1", "Ada", "ada@example.com", time.Unix(1, 0))
	require.NoError(t, err)

	write(t, r, "a.txt", "v2")
	st, err := s.Status(head(t, r))
	require.NoError(t, err)
	require.Len(t, st.Modified, 1)

	write(t, r, "a.txt", "v1")
	st, err = s.Status(head(t, r))
	require.NoError(t, err)
	requireClean(t, st)
}

func TestStatusDetectsMove(t *testing.T) {
	r, s, ce := setup(t)
	write(t, r, "old.txt", "same content")
	require.NoError(t, s.Add([]string{"old.txt"}))
	_, err := ce.Commit("c1", "Ada", "ada@example.com", time.Unix(1, 0))
	require.NoError(t, err)

	require.NoError(t, os.Rename(
		filepath.Join(r.WorkDir, "old.txt"),
		filepath.Join(r.WorkDir, "new.txt")))
	require.NoError(t, s.Add([]string{"new.txt"}))

	st, err := s.Status(head(t, r))
	require.NoError(t, err)
	require.Len(t, st.Moved, 1)
	require.Equal(t, "old.txt", st.Moved[0].From)
	require.Equal(t, "new.txt", st.Moved[0].Path)
	require.Empty(t, st.Added)
	require.Empty(t, st.Removed)
}

func TestStatusRemovedWhenFileDeleted(t *testing.T) {
	r, s, ce := setup(t)
	write(t, r, "a.txt", "v1")
	require.NoError(t, s.Add([]string{"a.txt"}))
	_, err := ce.Commit("c1", "Ada", "ada@example.com", time.Unix(1, 0))
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(r.WorkDir, "a.txt")))
	st, err := s.Status(head(t, r))
	require.NoError(t, err)
	require.Len(t, st.Removed, 1)
	require.Equal(t, "a.txt", st.Removed[0].Path)
}
