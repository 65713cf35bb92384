// Package commitengine assembles staged changes plus unchanged
// inheritance from the parent commit into a new commit root: rebuild the
// touched directories bottom-up, reference untouched sibling subtrees by
// their existing hashes, write the new node databases, then atomically
// swap the branch pointer. A failure anywhere before that final swap
// leaves only orphaned node databases behind, which nothing reads.
package commitengine

import (
	"bytes"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/oxen-data/oxen-core/internal/merkle"
	"github.com/oxen-data/oxen-core/internal/nodestore"
	"github.com/oxen-data/oxen-core/internal/oxerr"
	"github.com/oxen-data/oxen-core/internal/oxhash"
	"github.com/oxen-data/oxen-core/internal/repo"
	"github.com/oxen-data/oxen-core/internal/staging"
	"github.com/oxen-data/oxen-core/internal/tabular"
	"github.com/oxen-data/oxen-core/internal/tree"
)

// Engine builds commits for one repository.
type Engine struct {
	repo    *repo.Repository
	staging *staging.Engine
}

func New(r *repo.Repository, s *staging.Engine) *Engine {
	return &Engine{repo: r, staging: s}
}

// Result is a completed commit: its node plus the branch it advanced.
type Result struct {
	Commit *merkle.CommitNode
	Branch string // empty if HEAD was detached
}

// Commit turns the staged set into a new commit. now is injected by the
// caller so the engine itself never reads the wall clock.
func (e *Engine) Commit(message, author, email string, now time.Time) (*Result, error) {
	entries, err := e.staging.Entries()
	if err != nil {
		return nil, err
	}
	mergeInProgress := e.repo.Refs.HasMergeInProgress()
	if len(entries) == 0 && !mergeInProgress {
		return nil, oxerr.ErrNothingToCommit
	}
	if mergeInProgress {
		conflicts, err := e.repo.Refs.Conflicts()
		if err != nil {
			return nil, err
		}
		if len(conflicts) > 0 {
			return nil, oxerr.Conflict("unresolved merge conflicts in %d path(s)", len(conflicts))
		}
	}

	head, err := e.repo.Refs.GetHead()
	if err != nil {
		return nil, err
	}

	var parents []oxhash.Hash
	if !head.Commit.IsZero() {
		parents = append(parents, head.Commit)
	}
	if mergeInProgress {
		mergeHead, err := e.repo.Refs.MergeHead()
		if err != nil {
			return nil, err
		}
		parents = append(parents, mergeHead)
	}

	var parentRoot oxhash.Hash
	if !head.Commit.IsZero() {
		parentNode, err := tree.ReadCommit(e.repo.Nodes, head.Commit)
		if err != nil {
			return nil, err
		}
		parentRoot = parentNode.RootDir
	}
	newRoot, err := e.rebuildTree(parentRoot, entries)
	if err != nil {
		return nil, err
	}

	commit := &merkle.CommitNode{
		Author:    author,
		Email:     email,
		Message:   message,
		Timestamp: now,
		Parents:   parents,
		RootDir:   newRoot,
	}
	commit.Hash = commit.ComputeHash()

	if !e.repo.Nodes.Exists(commit.Hash) {
		w, err := e.repo.Nodes.OpenForWrite(commit.Hash, oxhash.Hash{})
		if err != nil {
			return nil, err
		}
		if err := w.SetBody(commit.Marshal()); err != nil {
			w.Close()
			return nil, err
		}
		if err := w.AddChild(newRoot, merkle.Header{Kind: merkle.KindDir, Hash: newRoot}); err != nil {
			w.Close()
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	}

	if err := e.writeDirHashIndex(commit.Hash, newRoot); err != nil {
		return nil, err
	}

	var branch string
	if head.Detached {
		if err := e.repo.Refs.SetHeadDetached(commit.Hash); err != nil {
			return nil, err
		}
	} else {
		branch = head.Branch
		if err := e.repo.Refs.SetBranch(branch, commit.Hash); err != nil {
			return nil, err
		}
	}

	if mergeInProgress {
		if err := e.repo.Refs.ClearMergeState(); err != nil {
			return nil, err
		}
	}
	if err := e.staging.ClearStaged(); err != nil {
		return nil, err
	}

	return &Result{Commit: commit, Branch: branch}, nil
}

// change is one staged file event localized to its containing directory.
type change struct {
	name   string // base name within its directory
	action staging.Action
	entry  staging.Entry
}

// rebuildTree applies entries over parentRoot (the zero hash for a
// repository with no commits yet) and returns the new root DirNode hash.
func (e *Engine) rebuildTree(parentRoot oxhash.Hash, entries []staging.Entry) (oxhash.Hash, error) {
	byDir := make(map[string][]change)
	dirSet := map[string]bool{"": true}

	for _, entry := range entries {
		dir := path.Dir(entry.Path)
		if dir == "." {
			dir = ""
		}
		name := path.Base(entry.Path)
		byDir[dir] = append(byDir[dir], change{name: name, action: entry.Action, entry: entry})

		for d := dir; ; {
			if dirSet[d] {
				break
			}
			dirSet[d] = true
			if d == "" {
				break
			}
			d = path.Dir(d)
			if d == "." {
				d = ""
			}
		}
	}

	dirs := make([]string, 0, len(dirSet))
	for d := range dirSet {
		dirs = append(dirs, d)
	}
	// deepest first, so a parent rebuild can see its children's new hashes.
	sort.Slice(dirs, func(i, j int) bool {
		return strings.Count(dirs[i], "/") > strings.Count(dirs[j], "/")
	})

	newHashes := make(map[string]oxhash.Hash)
	for _, dir := range dirs {
		h, err := e.rebuildDir(parentRoot, dir, byDir[dir], newHashes)
		if err != nil {
			return oxhash.Hash{}, err
		}
		newHashes[dir] = h
	}
	return newHashes[""], nil
}

func (e *Engine) rebuildDir(parentRoot oxhash.Hash, dirPath string, changes []change, newHashes map[string]oxhash.Hash) (oxhash.Hash, error) {
	var existing []tree.Entry
	if !parentRoot.IsZero() {
		found, ok, err := tree.Resolve(e.repo.Nodes, parentRoot, dirPath)
		if err != nil {
			return oxhash.Hash{}, err
		}
		if ok {
			existing, err = tree.ListEntries(e.repo.Nodes, found.Hash)
			if err != nil {
				return oxhash.Hash{}, err
			}
		}
	}

	byName := make(map[string]tree.Entry, len(existing))
	for _, en := range existing {
		byName[en.Name] = en
	}

	for _, c := range changes {
		switch c.action {
		case staging.ActionRemove:
			delete(byName, c.name)
		case staging.ActionAdd:
			fileHash, err := e.writeFileNode(c.entry)
			if err != nil {
				return oxhash.Hash{}, err
			}
			byName[c.name] = tree.Entry{Name: c.name, Hash: fileHash, Kind: merkle.KindFile}
		}
	}

	// subdirectories whose contents changed get their freshly rebuilt hash.
	for name := range byName {
		childPath := path.Join(dirPath, name)
		if h, ok := newHashes[childPath]; ok {
			byName[name] = tree.Entry{Name: name, Hash: h, Kind: merkle.KindDir}
		}
	}
	for childPath, h := range newHashes {
		if childPath == dirPath || childPath == "" {
			continue
		}
		if path.Dir(childPath) != dirPath {
			continue
		}
		name := path.Base(childPath)
		if _, present := byName[name]; !present {
			byName[name] = tree.Entry{Name: name, Hash: h, Kind: merkle.KindDir}
		}
	}

	entries := make([]tree.Entry, 0, len(byName))
	typeCounts := map[merkle.DataType]merkle.DataTypeAgg{}
	for _, en := range byName {
		entries = append(entries, en)
		switch en.Kind {
		case merkle.KindFile:
			fn, err := tree.ReadFile(e.repo.Nodes, en.Hash)
			if err == nil {
				agg := typeCounts[fn.DataType]
				agg.Count++
				agg.Size += fn.Size
				typeCounts[fn.DataType] = agg
			}
		case merkle.KindDir:
			dn, err := tree.ReadDir(e.repo.Nodes, en.Hash)
			if err == nil {
				for dt, sub := range dn.TypeCounts {
					agg := typeCounts[dt]
					agg.Count += sub.Count
					agg.Size += sub.Size
					typeCounts[dt] = agg
				}
			}
		}
	}

	dirName := path.Base(dirPath)
	if dirPath == "" {
		dirName = ""
	}
	dir, err := tree.BuildDir(e.repo.Nodes, dirName, entries, typeCounts, oxhash.Hash{})
	if err != nil {
		return oxhash.Hash{}, err
	}
	return dir.Hash, nil
}

func (e *Engine) writeFileNode(entry staging.Entry) (oxhash.Hash, error) {
	fn := &merkle.FileNode{
		Name:        path.Base(entry.Path),
		ContentHash: entry.ContentHash,
		Size:        entry.Size,
		DataType:    entry.DataType,
		MimeType:    entry.MimeType,
		Extension:   entry.Extension,
		Chunks:      entry.Chunks,
	}
	if entry.DataType == merkle.DataTabular {
		schemaHash, err := e.writeSchemaNode(entry)
		if err != nil {
			return oxhash.Hash{}, err
		}
		if !schemaHash.IsZero() {
			fn.Metadata = schemaHash[:]
		}
	}
	fn.Hash = fn.ComputeHash()

	if e.repo.Nodes.Exists(fn.Hash) {
		return fn.Hash, nil
	}
	w, err := e.repo.Nodes.OpenForWrite(fn.Hash, oxhash.Hash{})
	if err != nil {
		return oxhash.Hash{}, err
	}
	if err := w.SetBody(fn.Marshal()); err != nil {
		w.Close()
		return oxhash.Hash{}, err
	}
	if err := w.Close(); err != nil {
		return oxhash.Hash{}, err
	}
	return fn.Hash, nil
}

func (e *Engine) writeDirHashIndex(commit, root oxhash.Hash) error {
	return WriteDirHashIndex(e.repo, commit, root)
}

// writeSchemaNode derives a tabular file's schema from its staged
// content, merges any pending schema staged for the path on top, and
// persists the resulting SchemaNode. A file whose rows cannot be decoded
// (an unsupported tabular variant) commits without a schema.
func (e *Engine) writeSchemaNode(entry staging.Entry) (oxhash.Hash, error) {
	var content []byte
	for _, c := range entry.Chunks {
		b, err := e.repo.Objects.GetBlob(c)
		if err != nil {
			return oxhash.Hash{}, err
		}
		content = append(content, b...)
	}
	table, err := tabular.Decode(bytes.NewReader(content), tabular.DetectFormat(entry.Extension))
	if err != nil {
		return oxhash.Hash{}, nil
	}
	schema := table.Schema

	if staged, ok, err := e.staging.StagedSchema(entry.Path); err != nil {
		return oxhash.Hash{}, err
	} else if ok {
		schema = mergeSchemas(schema, staged)
	}
	if len(schema.Fields) == 0 && len(schema.Metadata) == 0 {
		return oxhash.Hash{}, nil
	}
	schema.Hash = schema.ComputeHash()

	if e.repo.Nodes.Exists(schema.Hash) {
		return schema.Hash, nil
	}
	w, err := e.repo.Nodes.OpenForWrite(schema.Hash, oxhash.Hash{})
	if err != nil {
		return oxhash.Hash{}, err
	}
	if err := w.SetBody(schema.Marshal()); err != nil {
		w.Close()
		return oxhash.Hash{}, err
	}
	if err := w.Close(); err != nil {
		return oxhash.Hash{}, err
	}
	return schema.Hash, nil
}

// mergeSchemas lays staged per-field overrides and metadata over the
// inferred schema. Fields are matched by name; staged fields that no
// longer exist in the file are dropped.
func mergeSchemas(inferred, staged *merkle.SchemaNode) *merkle.SchemaNode {
	out := &merkle.SchemaNode{Metadata: inferred.Metadata}
	if len(staged.Metadata) > 0 {
		out.Metadata = staged.Metadata
	}
	byName := make(map[string]merkle.SchemaField, len(staged.Fields))
	for _, f := range staged.Fields {
		byName[f.Name] = f
	}
	for _, f := range inferred.Fields {
		if s, ok := byName[f.Name]; ok {
			if s.OverrideType != "" {
				f.OverrideType = s.OverrideType
			}
			if len(s.Metadata) > 0 {
				f.Metadata = s.Metadata
			}
		}
		out.Fields = append(out.Fields, f)
	}
	return out
}

// WriteDirHashIndex populates the per-commit path → dir_hash auxiliary
// map, letting later lookups jump into any path of this commit's tree
// without walking from the root. Also called when commits arrive from a
// remote, whose node databases carry no index.
func WriteDirHashIndex(r *repo.Repository, commit, root oxhash.Hash) error {
	idx, err := nodestore.OpenDirHashIndex(r.HistoryDir(), commit)
	if err != nil {
		return err
	}
	defer idx.Close()

	if err := idx.Put("", root); err != nil {
		return err
	}
	return recordDirs(r, root, "", idx)
}

func recordDirs(r *repo.Repository, dirHash oxhash.Hash, prefix string, idx *nodestore.DirHashIndex) error {
	entries, err := tree.ListEntries(r.Nodes, dirHash)
	if err != nil {
		return err
	}
	for _, en := range entries {
		if en.Kind != merkle.KindDir {
			continue
		}
		p := path.Join(prefix, en.Name)
		if err := idx.Put(p, en.Hash); err != nil {
			return err
		}
		if err := recordDirs(r, en.Hash, p, idx); err != nil {
			return err
		}
	}
	return nil
}
