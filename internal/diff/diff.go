// Package diff compares two commit subtrees (added/removed/modified
// entries at one directory level), two text files line by line, and two
// data frames joined on key columns.
package diff

import (
	"encoding/json"
	"fmt"
	"path"
	"sort"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/oxen-data/oxen-core/internal/merkle"
	"github.com/oxen-data/oxen-core/internal/nodestore"
	"github.com/oxen-data/oxen-core/internal/oxerr"
	"github.com/oxen-data/oxen-core/internal/oxhash"
	"github.com/oxen-data/oxen-core/internal/tabular"
	"github.com/oxen-data/oxen-core/internal/tree"
)

// ChangeKind classifies one entry's change between base and head.
type ChangeKind string

const (
	Added    ChangeKind = "added"
	Removed  ChangeKind = "removed"
	Modified ChangeKind = "modified"
)

// EntryDiff is one direct child of the compared directory.
type EntryDiff struct {
	Path     string
	Kind     merkle.Kind // KindDir or KindFile
	Change   ChangeKind
	BaseHash oxhash.Hash
	HeadHash oxhash.Hash
}

// Page is one paginated slice of a tree diff: directories first, files
// second, each sorted by path.
type Page struct {
	Entries []EntryDiff
	Total   int
}

// Engine computes diffs against one repository's node store.
type Engine struct {
	nodes *nodestore.Store
}

func New(ns *nodestore.Store) *Engine { return &Engine{nodes: ns} }

// ListTopLevel implements list_diff_entries: the direct children of dir as
// it appears under baseRoot versus headRoot, paginated.
func (e *Engine) ListTopLevel(baseRoot, headRoot oxhash.Hash, dir string, page, size int) (*Page, error) {
	baseEntries, err := e.entriesAt(baseRoot, dir)
	if err != nil {
		return nil, err
	}
	headEntries, err := e.entriesAt(headRoot, dir)
	if err != nil {
		return nil, err
	}

	baseByName := make(map[string]tree.Entry, len(baseEntries))
	for _, en := range baseEntries {
		baseByName[en.Name] = en
	}
	headByName := make(map[string]tree.Entry, len(headEntries))
	for _, en := range headEntries {
		headByName[en.Name] = en
	}

	var dirs, files []EntryDiff
	names := map[string]bool{}
	for n := range baseByName {
		names[n] = true
	}
	for n := range headByName {
		names[n] = true
	}

	for name := range names {
		b, inBase := baseByName[name]
		h, inHead := headByName[name]
		d := EntryDiff{Path: path.Join(dir, name)}

		switch {
		case inBase && inHead:
			if b.Hash == h.Hash {
				continue
			}
			d.Kind = h.Kind
			d.Change = Modified
			d.BaseHash, d.HeadHash = b.Hash, h.Hash
		case inHead && !inBase:
			d.Kind = h.Kind
			d.Change = Added
			d.HeadHash = h.Hash
		case inBase && !inHead:
			d.Kind = b.Kind
			d.Change = Removed
			d.BaseHash = b.Hash
		}

		if d.Kind == merkle.KindDir {
			dirs = append(dirs, d)
		} else {
			files = append(files, d)
		}
	}

	sort.Slice(dirs, func(i, j int) bool { return dirs[i].Path < dirs[j].Path })
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	all := append(dirs, files...)
	total := len(all)
	start := page * size
	if start > total {
		start = total
	}
	end := start + size
	if end > total {
		end = total
	}
	return &Page{Entries: all[start:end], Total: total}, nil
}

func (e *Engine) entriesAt(root oxhash.Hash, dir string) ([]tree.Entry, error) {
	if root.IsZero() {
		return nil, nil
	}
	found, ok, err := tree.Resolve(e.nodes, root, dir)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	if found.Kind != merkle.KindDir {
		return nil, oxerr.InvalidInput("%q is not a directory", dir)
	}
	return tree.ListEntries(e.nodes, found.Hash)
}

// LineOp is one line-diff operation, mirroring diffmatchpatch's Equal/
// Insert/Delete classification but expressed per-line rather than
// per-character run.
type LineOp string

const (
	LineEqual  LineOp = "unchanged"
	LineInsert LineOp = "added"
	LineDelete LineOp = "removed"
)

// LineDiff is one line's classification in a text diff.
type LineDiff struct {
	Op   LineOp
	Text string
}

// TextDiff runs a line-mode diff between oldText and newText, used for
// non-tabular file contents.
func TextDiff(oldText, newText string) []LineDiff {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(oldText, newText)
	diffs := dmp.DiffMain(a, b, false)
	diffs = dmp.DiffCharsToLines(diffs, lines)

	var out []LineDiff
	for _, d := range diffs {
		op := LineEqual
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			op = LineInsert
		case diffmatchpatch.DiffDelete:
			op = LineDelete
		}
		for _, line := range splitKeepEmpty(d.Text) {
			out = append(out, LineDiff{Op: op, Text: line})
		}
	}
	return out
}

// RowStatus is the synthetic `.oxen.diff.status` column of a keyed
// tabular diff.
type RowStatus string

const (
	RowAdded     RowStatus = "added"
	RowRemoved   RowStatus = "removed"
	RowModified  RowStatus = "modified"
	RowUnchanged RowStatus = "unchanged"
)

const StatusColumn = ".oxen.diff.status"

// KeyedPage is one paginated slice of a keyed tabular diff.
type KeyedPage struct {
	Rows  []tabular.Row
	Total int
}

// KeyedTableDiff left-joins base and head on keyCols and classifies each
// key's row as added/removed/modified/unchanged, reporting targetCols
// side by side as `<col>.left` / `<col>.right`.
func KeyedTableDiff(base, head *tabular.Table, keyCols, targetCols []string, page, size int) (*KeyedPage, error) {
	if len(keyCols) == 0 {
		return nil, oxerr.InvalidInput("keyed diff requires at least one key column")
	}
	baseByKey := indexByKey(base.Rows, keyCols)
	headByKey := indexByKey(head.Rows, keyCols)

	keys := map[string]bool{}
	for k := range baseByKey {
		keys[k] = true
	}
	for k := range headByKey {
		keys[k] = true
	}
	sortedKeys := make([]string, 0, len(keys))
	for k := range keys {
		sortedKeys = append(sortedKeys, k)
	}
	sort.Strings(sortedKeys)

	var rows []tabular.Row
	for _, k := range sortedKeys {
		b, inBase := baseByKey[k]
		h, inHead := headByKey[k]
		out := tabular.Row{}
		for _, kc := range keyCols {
			if inHead {
				out[kc] = h[kc]
			} else {
				out[kc] = b[kc]
			}
		}

		var status RowStatus
		switch {
		case inBase && inHead:
			status = RowUnchanged
			for _, tc := range targetCols {
				out[tc+".left"] = b[tc]
				out[tc+".right"] = h[tc]
				if !valuesEqual(b[tc], h[tc]) {
					status = RowModified
				}
			}
		case inHead && !inBase:
			status = RowAdded
			for _, tc := range targetCols {
				out[tc+".left"] = nil
				out[tc+".right"] = h[tc]
			}
		case inBase && !inHead:
			status = RowRemoved
			for _, tc := range targetCols {
				out[tc+".left"] = b[tc]
				out[tc+".right"] = nil
			}
		}
		out[StatusColumn] = status
		rows = append(rows, out)
	}

	total := len(rows)
	start := page * size
	if start > total {
		start = total
	}
	end := start + size
	if end > total {
		end = total
	}
	return &KeyedPage{Rows: rows[start:end], Total: total}, nil
}

func indexByKey(rows []tabular.Row, keyCols []string) map[string]tabular.Row {
	out := make(map[string]tabular.Row, len(rows))
	for _, r := range rows {
		out[rowKey(r, keyCols)] = r
	}
	return out
}

func rowKey(r tabular.Row, keyCols []string) string {
	parts := make([]string, len(keyCols))
	for i, kc := range keyCols {
		parts[i] = fmt.Sprintf("%v", r[kc])
	}
	return path.Join(parts...)
}

func valuesEqual(a, b interface{}) bool {
	if a == nil && b == nil {
		return true
	}
	ab, _ := json.Marshal(a)
	bb, _ := json.Marshal(b)
	return string(ab) == string(bb)
}

func splitKeepEmpty(s string) []string {
	if s == "" {
		return nil
	}
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
