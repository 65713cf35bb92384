package diff

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oxen-data/oxen-core/internal/commitengine"
	"github.com/oxen-data/oxen-core/internal/repo"
	"github.com/oxen-data/oxen-core/internal/staging"
	"github.com/oxen-data/oxen-core/internal/tabular"
)

func newTestRepo(t *testing.T) (*repo.Repository, *staging.Engine, *commitengine.Engine) {
	dir := t.TempDir()
	r, err := repo.Init(dir)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	s := staging.New(r)
	return r, s, commitengine.New(r, s)
}

func writeFile(t *testing.T, r *repo.Repository, rel, content string) {
	path := filepath.Join(r.WorkDir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestListTopLevelDetectsAddedModifiedRemoved(t *testing.T) {
	r, s, ce := newTestRepo(t)
	writeFile(t, r, "keep.txt", "same")
	writeFile(t, r, "change.txt", "v1")
	writeFile(t, r, "gone.txt", "bye")
	require.NoError(t, s.Add([]string{"keep.txt", "change.txt", "gone.txt"}))
	res1, err := ce.Commit("c1", "Ada", "ada@example.com", time.Unix(1, 0))
	require.NoError(t, err)

	writeFile(t, r, "change.txt", "v2")
	writeFile(t, r, "new.txt", "hi")
	require.NoError(t, s.Add([]string{"change.txt", "new.txt"}))
	require.NoError(t, s.Rm([]string{"gone.txt"}, false, false))
	res2, err := ce.Commit("c2", "Ada", "ada@example.com", time.Unix(2, 0))
	require.NoError(t, err)

	e := New(r.Nodes)
	page, err := e.ListTopLevel(res1.Commit.RootDir, res2.Commit.RootDir, "", 0, 10)
	require.NoError(t, err)

	byPath := map[string]EntryDiff{}
	for _, en := range page.Entries {
		byPath[en.Path] = en
	}
	require.Equal(t, Modified, byPath["change.txt"].Change)
	require.Equal(t, Added, byPath["new.txt"].Change)
	require.Equal(t, Removed, byPath["gone.txt"].Change)
	_, unchangedPresent := byPath["keep.txt"]
	require.False(t, unchangedPresent)
}

func TestTextDiffLineLevel(t *testing.T) {
	diffs := TextDiff("a\nb\nc\n", "a\nx\nc\n")
	var added, removed, unchanged int
	for _, d := range diffs {
		switch d.Op {
		case LineInsert:
			added++
		case LineDelete:
			removed++
		case LineEqual:
			unchanged++
		}
	}
	require.Equal(t, 1, added)
	require.Equal(t, 1, removed)
	require.Equal(t, 2, unchanged)
}

func TestTextDiffChangedQuestion(t *testing.T) {
	diffs := TextDiff("hello\nhi\nhow are you?", "hello\nhi\nhow are you doing?")
	var unchanged int
	var removed, added []string
	for _, d := range diffs {
		switch d.Op {
		case LineEqual:
			unchanged++
		case LineDelete:
			removed = append(removed, d.Text)
		case LineInsert:
			added = append(added, d.Text)
		}
	}
	require.Equal(t, 2, unchanged)
	require.Equal(t, []string{"how are you?"}, removed)
	require.Equal(t, []string{"how are you doing?"}, added)
}

func TestKeyedTableDiffThreeKeyColumns(t *testing.T) {
	base, err := tabular.Decode(strings.NewReader("a,b,c,d\n1,2,3,4\n4,5,6,7\n9,0,1,2"), tabular.FormatCSV)
	require.NoError(t, err)
	head, err := tabular.Decode(strings.NewReader("a,b,c,d\n1,2,3,4\n4,5,6,8\n0,1,9,2"), tabular.FormatCSV)
	require.NoError(t, err)

	page, err := KeyedTableDiff(base, head, []string{"a", "b", "c"}, []string{"d"}, 0, 10)
	require.NoError(t, err)

	statuses := map[string]RowStatus{}
	for _, r := range page.Rows {
		key := r["a"].(string) + r["b"].(string) + r["c"].(string)
		statuses[key] = r[StatusColumn].(RowStatus)
	}
	require.Equal(t, RowUnchanged, statuses["123"])
	require.Equal(t, RowModified, statuses["456"])
	require.Equal(t, RowAdded, statuses["019"])
	require.Equal(t, RowRemoved, statuses["901"])

	for _, r := range page.Rows {
		if r[StatusColumn] == RowModified {
			require.Equal(t, "7", r["d.left"])
			require.Equal(t, "8", r["d.right"])
		}
	}
}

func TestKeyedTableDiffClassifiesRows(t *testing.T) {
	base, err := tabular.Decode(strings.NewReader("id,name\n1,Ada\n2,Grace\n"), tabular.FormatCSV)
	require.NoError(t, err)
	head, err := tabular.Decode(strings.NewReader("id,name\n1,Ada\n2,Grace H\n3,Lin\n"), tabular.FormatCSV)
	require.NoError(t, err)

	page, err := KeyedTableDiff(base, head, []string{"id"}, []string{"name"}, 0, 10)
	require.NoError(t, err)
	require.Equal(t, 3, page.Total)

	statuses := map[string]RowStatus{}
	for _, r := range page.Rows {
		statuses[r["id"].(string)] = r[StatusColumn].(RowStatus)
	}
	require.Equal(t, RowUnchanged, statuses["1"])
	require.Equal(t, RowModified, statuses["2"])
	require.Equal(t, RowAdded, statuses["3"])
}
