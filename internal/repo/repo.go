// Package repo wires the object store, node store and reference store
// together under a single hidden directory and manages their on-disk
// layout. Every higher layer (staging, commit, checkout, merge, diff,
// workspace) takes a *Repository rather than opening these stores
// itself.
package repo

import (
	"os"
	"path/filepath"

	"github.com/oxen-data/oxen-core/internal/config"
	"github.com/oxen-data/oxen-core/internal/nodestore"
	"github.com/oxen-data/oxen-core/internal/objectstore"
	"github.com/oxen-data/oxen-core/internal/oxerr"
	"github.com/oxen-data/oxen-core/internal/oxhash"
	"github.com/oxen-data/oxen-core/internal/refstore"
)

// HiddenDirName is the repository metadata directory's name, analogous
// to ".git".
const HiddenDirName = ".oxen"

// DefaultBranch is the branch created and checked out by Init.
const DefaultBranch = "main"

// Repository is an open handle onto one repository: its working
// directory plus the stores rooted at its hidden directory.
type Repository struct {
	WorkDir string
	hidden  string

	Objects *objectstore.Store
	Nodes   *nodestore.Store
	Refs    *refstore.Store
	Config  *config.Config
}

func hiddenDir(workDir string) string { return filepath.Join(workDir, HiddenDirName) }

// layoutDirs lists the hidden directory's layout. objects/ holds a
// single bolt database (objects/objects.bolt); tree/ and history/ shard
// physically, as nodestore and the dir-hash index do their own
// per-hash/per-commit file layout under these roots.
func layoutDirs(hidden string) []string {
	return []string{
		filepath.Join(hidden, "objects"),
		filepath.Join(hidden, "tree"),
		filepath.Join(hidden, "history"),
		filepath.Join(hidden, "refs"),
		filepath.Join(hidden, "staged"),
		filepath.Join(hidden, "workspaces"),
		filepath.Join(hidden, "locks"),
	}
}

// Init creates a new repository rooted at workDir, failing with
// AlreadyExists if one is already present.
func Init(workDir string) (*Repository, error) {
	hidden := hiddenDir(workDir)
	if _, err := os.Stat(hidden); err == nil {
		return nil, oxerr.AlreadyExists("repository at %s", workDir)
	}
	for _, d := range layoutDirs(hidden) {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, err
		}
	}

	r, err := open(workDir, hidden)
	if err != nil {
		return nil, err
	}
	if err := r.Refs.SetHead(DefaultBranch); err != nil {
		r.Close()
		return nil, err
	}
	if err := r.Config.Save(filepath.Join(hidden, config.FileName)); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

// Open opens an existing repository rooted at workDir, failing with
// NotFound if none is present.
func Open(workDir string) (*Repository, error) {
	hidden := hiddenDir(workDir)
	if _, err := os.Stat(hidden); err != nil {
		return nil, oxerr.NotFound("repository at %s", workDir)
	}
	return open(workDir, hidden)
}

func open(workDir, hidden string) (*Repository, error) {
	objs, err := objectstore.Open(filepath.Join(hidden, "objects", "objects.bolt"))
	if err != nil {
		return nil, err
	}
	nodes := nodestore.New(filepath.Join(hidden, "tree"))
	refs := refstore.New(hidden)

	cfg, err := config.Load(filepath.Join(hidden, config.FileName))
	if err != nil {
		objs.Close()
		return nil, err
	}

	return &Repository{
		WorkDir: workDir,
		hidden:  hidden,
		Objects: objs,
		Nodes:   nodes,
		Refs:    refs,
		Config:  cfg,
	}, nil
}

// Close releases the repository's open handles (currently just the
// object store's bolt database).
func (r *Repository) Close() error {
	return r.Objects.Close()
}

// HiddenDir returns the repository's metadata directory.
func (r *Repository) HiddenDir() string { return r.hidden }

// HistoryDir returns the history/ directory under which each commit's
// dir-hash index lives.
func (r *Repository) HistoryDir() string { return filepath.Join(r.hidden, "history") }

// StagedDir returns the staging database's directory.
func (r *Repository) StagedDir() string { return filepath.Join(r.hidden, "staged") }

// MergeDir returns the merge-conflict database's directory.
func (r *Repository) MergeDir() string { return filepath.Join(r.hidden, "merge") }

// WorkspacesDir returns the root directory under which every workspace's
// per-path analytical DB lives.
func (r *Repository) WorkspacesDir() string { return filepath.Join(r.hidden, "workspaces") }

// ConfigPath returns the repository's config.toml path.
func (r *Repository) ConfigPath() string { return filepath.Join(r.hidden, config.FileName) }

// SaveConfig persists the in-memory Config back to disk.
func (r *Repository) SaveConfig() error { return r.Config.Save(r.ConfigPath()) }

// CurrentCommit resolves HEAD to its commit hash, whether attached to a
// branch or detached.
func (r *Repository) CurrentCommit() (oxhash.Hash, error) {
	head, err := r.Refs.GetHead()
	if err != nil {
		return oxhash.Hash{}, err
	}
	return head.Commit, nil
}

// ResolveRev resolves a user-supplied revision string: "HEAD" (or empty),
// a branch name, or a full commit hash, in that order.
func (r *Repository) ResolveRev(rev string) (oxhash.Hash, error) {
	if rev == "" || rev == "HEAD" {
		return r.CurrentCommit()
	}
	if h, err := r.Refs.GetBranch(rev); err == nil {
		return h, nil
	}
	if h, err := oxhash.Parse(rev); err == nil {
		return h, nil
	}
	return oxhash.Hash{}, oxerr.InvalidInput("unknown revision %q", rev)
}
