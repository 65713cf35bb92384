// Package config reads and writes the repository's config.toml: the
// committer identity and the remotes the repository syncs with.
package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// FileName is the config file's name inside the repository's hidden
// directory.
const FileName = "config.toml"

// User holds the commit-identity fields every CommitNode needs
// (merkle.CommitNode.Author / Email).
type User struct {
	Name  string `toml:"name"`
	Email string `toml:"email"`
}

// Remote names an origin the repository pushes to and pulls from.
type Remote struct {
	Name string `toml:"name"`
	URL  string `toml:"url"`
}

// Config is the repository's persisted configuration.
type Config struct {
	User    User     `toml:"user"`
	Remotes []Remote `toml:"remote"`
}

// Load reads the config file at path, returning an empty Config if it
// does not exist yet (a freshly initialized repository has none).
func Load(path string) (*Config, error) {
	var c Config
	_, err := toml.DecodeFile(path, &c)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}
	return &c, nil
}

// Save writes c to path, creating parent directories as needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(c)
}

// Remote looks up a configured remote by name.
func (c *Config) Remote(name string) (Remote, bool) {
	for _, r := range c.Remotes {
		if r.Name == name {
			return r, true
		}
	}
	return Remote{}, false
}

// SetRemote adds or replaces a remote by name.
func (c *Config) SetRemote(name, url string) {
	for i, r := range c.Remotes {
		if r.Name == name {
			c.Remotes[i].URL = url
			return
		}
	}
	c.Remotes = append(c.Remotes, Remote{Name: name, URL: url})
}
