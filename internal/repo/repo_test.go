package repo

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitCreatesLayoutAndHead(t *testing.T) {
	dir := t.TempDir()

	r, err := Init(dir)
	require.NoError(t, err)
	defer r.Close()

	head, err := r.Refs.GetHead()
	require.NoError(t, err)
	require.Equal(t, DefaultBranch, head.Branch)

	_, err = Init(dir)
	require.Error(t, err)
}

func TestOpenMissingRepoIsNotFound(t *testing.T) {
	_, err := Open(t.TempDir())
	require.Error(t, err)
}

func TestOpenReopensExistingRepository(t *testing.T) {
	dir := t.TempDir()
	r1, err := Init(dir)
	require.NoError(t, err)
	r1.Config.User.Name = "Ada"
	require.NoError(t, r1.SaveConfig())
	require.NoError(t, r1.Close())

	r2, err := Open(dir)
	require.NoError(t, err)
	defer r2.Close()
	require.Equal(t, "Ada", r2.Config.User.Name)
}
