package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingReturnsEmpty(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "config.toml"))
	require.NoError(t, err)
	require.Equal(t, "", c.User.Name)
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	c := &Config{User: User{Name: "Ada Lovelace", Email: "ada@example.com"}}
	c.SetRemote("origin", "https://hub.oxen.ai/ada/dataset")

	require.NoError(t, c.Save(path))

	got, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "Ada Lovelace", got.User.Name)
	r, ok := got.Remote("origin")
	require.True(t, ok)
	require.Equal(t, "https://hub.oxen.ai/ada/dataset", r.URL)
}

func TestSetRemoteReplacesExisting(t *testing.T) {
	c := &Config{}
	c.SetRemote("origin", "https://a")
	c.SetRemote("origin", "https://b")
	require.Len(t, c.Remotes, 1)
	r, _ := c.Remote("origin")
	require.Equal(t, "https://b", r.URL)
}
