// Package schemas reads the schemas committed for tabular files and
// stages schema edits (dtype overrides, column metadata) to be merged in
// at the next commit.
package schemas

import (
	"sort"

	"github.com/oxen-data/oxen-core/internal/merkle"
	"github.com/oxen-data/oxen-core/internal/oxerr"
	"github.com/oxen-data/oxen-core/internal/oxhash"
	"github.com/oxen-data/oxen-core/internal/repo"
	"github.com/oxen-data/oxen-core/internal/staging"
	"github.com/oxen-data/oxen-core/internal/tree"
)

// Engine resolves committed schemas and manages staged schema edits.
type Engine struct {
	repo    *repo.Repository
	staging *staging.Engine
}

func New(r *repo.Repository, s *staging.Engine) *Engine {
	return &Engine{repo: r, staging: s}
}

// Entry pairs a tabular file's path with its committed schema.
type Entry struct {
	Path   string
	Schema *merkle.SchemaNode
}

// List returns every tabular file under commit that carries a schema,
// sorted by path.
func (e *Engine) List(commit oxhash.Hash) ([]Entry, error) {
	node, err := tree.ReadCommit(e.repo.Nodes, commit)
	if err != nil {
		return nil, err
	}
	var out []Entry
	err = tree.WalkFiles(e.repo.Nodes, node.RootDir, "", func(p string, f tree.Entry) error {
		fn, err := tree.ReadFile(e.repo.Nodes, f.Hash)
		if err != nil {
			return err
		}
		schema, ok, err := e.schemaOf(fn)
		if err != nil {
			return err
		}
		if ok {
			out = append(out, Entry{Path: p, Schema: schema})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Show returns the schema committed for one path.
func (e *Engine) Show(commit oxhash.Hash, path string) (*merkle.SchemaNode, error) {
	node, err := tree.ReadCommit(e.repo.Nodes, commit)
	if err != nil {
		return nil, err
	}
	entry, ok, err := tree.Resolve(e.repo.Nodes, node.RootDir, path)
	if err != nil {
		return nil, err
	}
	if !ok || entry.Kind != merkle.KindFile {
		return nil, oxerr.NotFound("path %q in commit %s", path, commit)
	}
	fn, err := tree.ReadFile(e.repo.Nodes, entry.Hash)
	if err != nil {
		return nil, err
	}
	schema, found, err := e.schemaOf(fn)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, oxerr.NotFound("no schema for %q", path)
	}
	return schema, nil
}

func (e *Engine) schemaOf(fn *merkle.FileNode) (*merkle.SchemaNode, bool, error) {
	if fn.DataType != merkle.DataTabular || len(fn.Metadata) != oxhash.Size {
		return nil, false, nil
	}
	var h oxhash.Hash
	copy(h[:], fn.Metadata)
	schema, err := tree.ReadSchema(e.repo.Nodes, h)
	if err != nil {
		return nil, false, err
	}
	return schema, true, nil
}

// Add stages a schema edit for path: a dtype override and/or metadata for
// one column. Staged edits fold into the file's schema at the next commit
// of that path.
func (e *Engine) Add(path, column, overrideType string, metadata []byte) error {
	staged, ok, err := e.staging.StagedSchema(path)
	if err != nil {
		return err
	}
	if !ok {
		staged = &merkle.SchemaNode{}
	}
	found := false
	for i := range staged.Fields {
		if staged.Fields[i].Name == column {
			if overrideType != "" {
				staged.Fields[i].OverrideType = overrideType
			}
			if len(metadata) > 0 {
				staged.Fields[i].Metadata = metadata
			}
			found = true
		}
	}
	if !found {
		staged.Fields = append(staged.Fields, merkle.SchemaField{
			Name:         column,
			OverrideType: overrideType,
			Metadata:     metadata,
		})
	}
	return e.staging.StageSchema(path, staged)
}

// Rm drops the staged schema edits for path, leaving the committed
// schema alone.
func (e *Engine) Rm(path string) error {
	return e.staging.UnstageSchema(path)
}

// Staged lists paths with pending schema edits.
func (e *Engine) Staged() (map[string]*merkle.SchemaNode, error) {
	return e.staging.StagedSchemas()
}
