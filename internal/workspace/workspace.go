// Package workspace is a mutable, sqlite-backed overlay over one
// committed tabular file. A caller indexes the file into a table, edits
// rows and columns there, and folds the result back into a commit.
//
// Every workspace owns its own sqlite file under repo.WorkspacesDir(),
// one real table per indexed path. Each row carries an injected stable
// identity (a UUID under _oxen_id), a monotonic sequence number, and the
// bookkeeping columns the derived status is computed from.
package workspace

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/oxen-data/oxen-core/internal/commitengine"
	"github.com/oxen-data/oxen-core/internal/merkle"
	"github.com/oxen-data/oxen-core/internal/oxerr"
	"github.com/oxen-data/oxen-core/internal/oxhash"
	"github.com/oxen-data/oxen-core/internal/repo"
	"github.com/oxen-data/oxen-core/internal/staging"
	"github.com/oxen-data/oxen-core/internal/tabular"
	"github.com/oxen-data/oxen-core/internal/tree"
)

// RowStatus is the derived per-row status tag.
type RowStatus string

const (
	StatusUnchanged RowStatus = "unchanged"
	StatusAdded     RowStatus = "added"
	StatusModified  RowStatus = "modified"
	StatusRemoved   RowStatus = "removed"
)

// Engine manages workspace databases for one repository.
type Engine struct {
	repo *repo.Repository
}

func New(r *repo.Repository) *Engine { return &Engine{repo: r} }

func (e *Engine) dbPath(workspaceID string) string {
	return filepath.Join(e.repo.WorkspacesDir(), workspaceID, "workspace.db")
}

func (e *Engine) open(workspaceID string) (*sql.DB, error) {
	path := e.dbPath(workspaceID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, oxerr.Wrap(err, oxerr.KindIO, "workspace: open")
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS _oxen_meta (
		path TEXT PRIMARY KEY,
		table_name TEXT NOT NULL,
		format TEXT NOT NULL,
		source_commit TEXT NOT NULL,
		schema_fields TEXT NOT NULL,
		committed_fields TEXT NOT NULL DEFAULT '',
		next_row_id INTEGER NOT NULL DEFAULT 1
	)`); err != nil {
		db.Close()
		return nil, oxerr.Wrap(err, oxerr.KindIO, "workspace: prepare meta")
	}
	return db, nil
}

// tableName derives a stable sqlite table identifier from a repository
// path, since arbitrary path characters aren't valid unquoted identifiers.
func tableName(path string) string {
	sanitized := strings.NewReplacer("/", "_", ".", "_", "-", "_").Replace(path)
	return "tbl_" + sanitized
}

type meta struct {
	TableName    string
	Format       tabular.Format
	SourceCommit string
	Fields       []merkle.SchemaField // current schema, pending column edits applied
	Committed    []merkle.SchemaField // schema as of the indexed commit
	NextRowID    int64
}

func (e *Engine) loadMeta(db *sql.DB, path string) (*meta, error) {
	row := db.QueryRow(`SELECT table_name, format, source_commit, schema_fields, committed_fields, next_row_id FROM _oxen_meta WHERE path = ?`, path)
	var m meta
	var format, fields, committed string
	if err := row.Scan(&m.TableName, &format, &m.SourceCommit, &fields, &committed, &m.NextRowID); err != nil {
		if err == sql.ErrNoRows {
			return nil, oxerr.New(oxerr.KindInvalidInput, "workspace: %q is not indexed", path)
		}
		return nil, err
	}
	m.Format = tabular.Format(format)
	m.Fields = decodeFields(fields)
	m.Committed = decodeFields(committed)
	return &m, nil
}

func encodeFields(fields []merkle.SchemaField) string {
	b, _ := json.Marshal(fields)
	return string(b)
}

func decodeFields(s string) []merkle.SchemaField {
	if s == "" {
		return nil
	}
	var out []merkle.SchemaField
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

const (
	colID         = "_oxen_id"
	colRowID      = "_oxen_row_id"
	colGeneration = "_oxen_generation"
	colDeleted    = "_oxen_deleted"
	colCreated    = "_oxen_created_here"
)

// Index materializes a fresh sqlite table from the committed file at
// path, idempotently: re-indexing the same path drops and rebuilds its
// table. sourceCommit may be a branch name, a commit hash or "HEAD".
func (e *Engine) Index(workspaceID string, sourceCommit string, path string) error {
	commitHash, err := e.repo.ResolveRev(sourceCommit)
	if err != nil {
		return err
	}
	entry, ok, err := resolveFile(e.repo, commitHash, path)
	if err != nil {
		return err
	}
	if !ok {
		return oxerr.NotFound("path %q in commit %s", path, sourceCommit)
	}
	fn, err := tree.ReadFile(e.repo.Nodes, entry.Hash)
	if err != nil {
		return err
	}
	if fn.DataType != merkle.DataTabular {
		return oxerr.InvalidInput("%q is not tabular", path)
	}

	blob, err := readChunks(e.repo, fn)
	if err != nil {
		return err
	}
	format := tabular.DetectFormat(filepath.Ext(path))
	table, err := tabular.Decode(strings.NewReader(string(blob)), format)
	if err != nil {
		return err
	}

	db, err := e.open(workspaceID)
	if err != nil {
		return err
	}
	defer db.Close()

	tbl := tableName(path)
	if _, err := db.Exec("DROP TABLE IF EXISTS " + quoteIdent(tbl)); err != nil {
		return err
	}

	cols := []string{
		colID + " TEXT PRIMARY KEY",
		colRowID + " INTEGER NOT NULL",
		colGeneration + " INTEGER NOT NULL DEFAULT 0",
		colDeleted + " INTEGER NOT NULL DEFAULT 0",
		colCreated + " INTEGER NOT NULL DEFAULT 0",
	}
	for _, f := range table.Schema.Fields {
		cols = append(cols, quoteIdent(f.Name)+" TEXT")
	}
	createSQL := fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(tbl), strings.Join(cols, ", "))
	if _, err := db.Exec(createSQL); err != nil {
		return err
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	insertCols := append([]string{colID, colRowID}, fieldNames(table.Schema.Fields)...)
	placeholders := strings.Repeat("?,", len(insertCols))
	placeholders = placeholders[:len(placeholders)-1]
	insertSQL := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", quoteIdent(tbl), quoteList(insertCols), placeholders)

	for i, row := range table.Rows {
		args := make([]interface{}, 0, len(insertCols))
		args = append(args, uuid.New().String(), int64(i+1))
		for _, f := range table.Schema.Fields {
			args = append(args, stringify(row[f.Name]))
		}
		if _, err := tx.Exec(insertSQL, args...); err != nil {
			tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	fields := encodeFields(table.Schema.Fields)
	_, err = db.Exec(`INSERT INTO _oxen_meta (path, table_name, format, source_commit, schema_fields, committed_fields, next_row_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET table_name=excluded.table_name, format=excluded.format,
			source_commit=excluded.source_commit, schema_fields=excluded.schema_fields,
			committed_fields=excluded.committed_fields, next_row_id=excluded.next_row_id`,
		path, tbl, string(format), commitHash.String(), fields, fields, int64(len(table.Rows)+1))
	return err
}

func fieldNames(fields []merkle.SchemaField) []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = f.Name
	}
	return out
}

func stringify(v interface{}) interface{} {
	if v == nil {
		return nil
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func quoteIdent(s string) string { return `"` + strings.ReplaceAll(s, `"`, `""`) + `"` }

func quoteList(names []string) string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = quoteIdent(n)
	}
	return strings.Join(out, ", ")
}

// Row is one materialized row, including the derived status column under
// the key "status".
type Row map[string]interface{}

// Page is one paginated Get result.
type Page struct {
	Rows  []Row
	Total int
}

// GetOpts selects and shapes the rows Get returns. The zero value means
// "the first DefaultPageSize rows in sequence order".
type GetOpts struct {
	Page    int
	Size    int
	Columns []string // subset of schema columns; nil means all
	Filter  string   // SQL boolean expression over the schema columns
	SortBy  string   // schema column to order by; empty means sequence order
}

// DefaultPageSize is used when GetOpts.Size is zero.
const DefaultPageSize = 100

// Get pages, slices and filters the indexed table at path.
func (e *Engine) Get(workspaceID, path string, opts GetOpts) (*Page, error) {
	db, err := e.open(workspaceID)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	m, err := e.loadMeta(db, path)
	if err != nil {
		return nil, err
	}

	fields := m.Fields
	if len(opts.Columns) > 0 {
		var sel []merkle.SchemaField
		for _, name := range opts.Columns {
			found := false
			for _, f := range m.Fields {
				if f.Name == name {
					sel = append(sel, f)
					found = true
				}
			}
			if !found {
				return nil, oxerr.InvalidInput("column %q not in schema", name)
			}
		}
		fields = sel
	}
	size := opts.Size
	if size <= 0 {
		size = DefaultPageSize
	}
	where := ""
	if opts.Filter != "" {
		where = " WHERE " + opts.Filter
	}
	order := colRowID
	if opts.SortBy != "" {
		if !hasField(m.Fields, opts.SortBy) {
			return nil, oxerr.InvalidInput("column %q not in schema", opts.SortBy)
		}
		order = quoteIdent(opts.SortBy)
	}

	var total int
	if err := db.QueryRow("SELECT COUNT(*) FROM " + quoteIdent(m.TableName) + where).Scan(&total); err != nil {
		return nil, oxerr.Wrap(err, oxerr.KindInvalidInput, "workspace: filter")
	}

	cols := append([]string{colID, colRowID, colGeneration, colDeleted, colCreated}, fieldNames(fields)...)
	query := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY %s LIMIT ? OFFSET ?", quoteList(cols), quoteIdent(m.TableName), where, order)
	rows, err := db.Query(query, size, opts.Page*size)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		r, err := scanRow(rows, fields)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return &Page{Rows: out, Total: total}, rows.Err()
}

func scanRow(rows *sql.Rows, fields []merkle.SchemaField) (Row, error) {
	dest := make([]interface{}, 5+len(fields))
	var id string
	var rowID, generation, deleted, created int64
	dest[0], dest[1], dest[2], dest[3], dest[4] = &id, &rowID, &generation, &deleted, &created
	vals := make([]sql.NullString, len(fields))
	for i := range fields {
		dest[5+i] = &vals[i]
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, err
	}
	r := Row{
		colID:    id,
		colRowID: rowID,
		"status": deriveStatus(deleted != 0, generation, created != 0),
	}
	for i, f := range fields {
		if vals[i].Valid {
			r[f.Name] = vals[i].String
		} else {
			r[f.Name] = nil
		}
	}
	if deleted != 0 {
		for _, f := range fields {
			r[f.Name] = nil
		}
	}
	return r, nil
}

func deriveStatus(deleted bool, generation int64, createdHere bool) RowStatus {
	switch {
	case deleted:
		return StatusRemoved
	case generation == 0:
		return StatusUnchanged
	case createdHere:
		return StatusAdded
	default:
		return StatusModified
	}
}

// RowsGet fetches a single row by its `_oxen_id`.
func (e *Engine) RowsGet(workspaceID, path, oxenID string) (Row, error) {
	db, err := e.open(workspaceID)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	m, err := e.loadMeta(db, path)
	if err != nil {
		return nil, err
	}
	cols := append([]string{colID, colRowID, colGeneration, colDeleted, colCreated}, fieldNames(m.Fields)...)
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", quoteList(cols), quoteIdent(m.TableName), colID)
	row := db.QueryRow(query, oxenID)
	r, err := scanRowSingle(row, m.Fields)
	if err == sql.ErrNoRows {
		return nil, oxerr.NotFound("row %q", oxenID)
	}
	return r, err
}

func scanRowSingle(row *sql.Row, fields []merkle.SchemaField) (Row, error) {
	dest := make([]interface{}, 5+len(fields))
	var id string
	var rowID, generation, deleted, created int64
	dest[0], dest[1], dest[2], dest[3], dest[4] = &id, &rowID, &generation, &deleted, &created
	vals := make([]sql.NullString, len(fields))
	for i := range fields {
		dest[5+i] = &vals[i]
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	r := Row{
		colID:    id,
		colRowID: rowID,
		"status": deriveStatus(deleted != 0, generation, created != 0),
	}
	for i, f := range fields {
		if vals[i].Valid && deleted == 0 {
			r[f.Name] = vals[i].String
		} else {
			r[f.Name] = nil
		}
	}
	return r, nil
}

// RowsAdd inserts a new row coerced against the committed schema and
// returns its newly minted `_oxen_id`. Payload keys outside the schema
// are rejected.
func (e *Engine) RowsAdd(workspaceID, path string, payload map[string]interface{}) (string, error) {
	db, err := e.open(workspaceID)
	if err != nil {
		return "", err
	}
	defer db.Close()
	m, err := e.loadMeta(db, path)
	if err != nil {
		return "", err
	}
	for k := range payload {
		if !hasField(m.Fields, k) {
			return "", oxerr.InvalidInput("column %q not in schema", k)
		}
	}

	id := uuid.New().String()
	cols := []string{colID, colRowID, colGeneration, colCreated}
	vals := []interface{}{id, m.NextRowID, 1, 1}
	for _, f := range m.Fields {
		cols = append(cols, quoteIdent(f.Name))
		vals = append(vals, stringify(payload[f.Name]))
	}
	placeholders := strings.Repeat("?,", len(cols))
	placeholders = placeholders[:len(placeholders)-1]
	insertSQL := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", quoteIdent(m.TableName), quoteList(rawCols(cols)), placeholders)
	if _, err := db.Exec(insertSQL, vals...); err != nil {
		return "", err
	}
	_, err = db.Exec(`UPDATE _oxen_meta SET next_row_id = next_row_id + 1 WHERE path = ?`, path)
	return id, err
}

func rawCols(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = strings.Trim(c, `"`)
	}
	return out
}

func hasField(fields []merkle.SchemaField, name string) bool {
	for _, f := range fields {
		if f.Name == name {
			return true
		}
	}
	return false
}

// RowsUpdate updates selected columns of an existing row. Its status
// becomes modified, unless the row was added in this workspace, in which
// case it stays added.
func (e *Engine) RowsUpdate(workspaceID, path, oxenID string, payload map[string]interface{}) error {
	db, err := e.open(workspaceID)
	if err != nil {
		return err
	}
	defer db.Close()
	m, err := e.loadMeta(db, path)
	if err != nil {
		return err
	}

	var setClauses []string
	var args []interface{}
	for k, v := range payload {
		if !hasField(m.Fields, k) {
			return oxerr.InvalidInput("column %q not in schema", k)
		}
		setClauses = append(setClauses, quoteIdent(k)+" = ?")
		args = append(args, stringify(v))
	}
	setClauses = append(setClauses, colGeneration+" = "+colGeneration+" + 1")
	args = append(args, oxenID)
	updateSQL := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?", quoteIdent(m.TableName), strings.Join(setClauses, ", "), colID)
	res, err := db.Exec(updateSQL, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, oxenID)
}

func checkRowsAffected(res sql.Result, oxenID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return oxerr.NotFound("row %q", oxenID)
	}
	return nil
}

// RowsDelete tombstones a row. The row stays fetchable; its data
// columns read back null and its status reads removed. A row that was
// added in this workspace is erased instead of tombstoned.
func (e *Engine) RowsDelete(workspaceID, path, oxenID string) error {
	return e.setDeleted(workspaceID, path, oxenID, true)
}

// RowsRestore reverts a tombstone or a prior edit, returning the row's
// status to unchanged.
func (e *Engine) RowsRestore(workspaceID, path, oxenID string) error {
	db, err := e.open(workspaceID)
	if err != nil {
		return err
	}
	defer db.Close()
	m, err := e.loadMeta(db, path)
	if err != nil {
		return err
	}
	updateSQL := fmt.Sprintf("UPDATE %s SET %s = 0, %s = 0 WHERE %s = ?", quoteIdent(m.TableName), colDeleted, colGeneration, colID)
	res, err := db.Exec(updateSQL, oxenID)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, oxenID)
}

func (e *Engine) setDeleted(workspaceID, path, oxenID string, deleted bool) error {
	db, err := e.open(workspaceID)
	if err != nil {
		return err
	}
	defer db.Close()
	m, err := e.loadMeta(db, path)
	if err != nil {
		return err
	}
	if deleted {
		// A row added in this workspace never existed in the commit;
		// deleting it erases it instead of leaving a tombstone.
		res, err := db.Exec(fmt.Sprintf("DELETE FROM %s WHERE %s = ? AND %s = 1", quoteIdent(m.TableName), colID, colCreated), oxenID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			return nil
		}
	}
	flag := 0
	if deleted {
		flag = 1
	}
	updateSQL := fmt.Sprintf("UPDATE %s SET %s = ?, %s = %s + 1 WHERE %s = ?", quoteIdent(m.TableName), colDeleted, colGeneration, colGeneration, colID)
	res, err := db.Exec(updateSQL, flag, oxenID)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, oxenID)
}

// ChangesList summarizes every row whose status differs from unchanged
// across every indexed path under dir.
func (e *Engine) ChangesList(workspaceID, dir string) (map[string]int, error) {
	db, err := e.open(workspaceID)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.Query(`SELECT path, table_name FROM _oxen_meta WHERE path LIKE ?`, dir+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var path, tbl string
		if err := rows.Scan(&path, &tbl); err != nil {
			return nil, err
		}
		var n int
		countSQL := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s != 0 OR %s != 0", quoteIdent(tbl), colGeneration, colDeleted)
		if err := db.QueryRow(countSQL).Scan(&n); err != nil {
			return nil, err
		}
		if n > 0 {
			out[path] = n
		}
	}
	return out, rows.Err()
}

// Commit materializes the workspace's pending table back to a file,
// stages it, and runs the commit engine on the current branch, then
// invalidates the workspace's index for path.
func (e *Engine) Commit(workspaceID, path, message, author, email string, now time.Time, s *staging.Engine, ce *commitengine.Engine) (*commitengine.Result, error) {
	db, err := e.open(workspaceID)
	if err != nil {
		return nil, err
	}
	m, err := e.loadMeta(db, path)
	if err != nil {
		db.Close()
		return nil, err
	}

	cols := append([]string{colID}, fieldNames(m.Fields)...)
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = 0 ORDER BY %s", quoteList(cols), quoteIdent(m.TableName), colDeleted, colRowID)
	rows, err := db.Query(query)
	if err != nil {
		db.Close()
		return nil, err
	}
	var table tabular.Table
	table.Schema = &merkle.SchemaNode{Fields: m.Fields}
	for rows.Next() {
		vals := make([]sql.NullString, len(cols))
		dest := make([]interface{}, len(cols))
		for i := range vals {
			dest[i] = &vals[i]
		}
		if err := rows.Scan(dest...); err != nil {
			rows.Close()
			db.Close()
			return nil, err
		}
		r := tabular.Row{}
		for i, f := range m.Fields {
			if vals[i+1].Valid {
				r[f.Name] = vals[i+1].String
			}
		}
		table.Rows = append(table.Rows, r)
	}
	rows.Close()
	db.Close()

	abs := filepath.Join(e.repo.WorkDir, path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, err
	}
	f, err := os.Create(abs)
	if err != nil {
		return nil, err
	}
	if err := tabular.Encode(f, &table, m.Format); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}

	if err := s.Add([]string{path}); err != nil {
		return nil, err
	}
	res, err := ce.Commit(message, author, email, now)
	if err != nil {
		return nil, err
	}
	return res, e.invalidate(workspaceID, path)
}

func (e *Engine) invalidate(workspaceID, path string) error {
	db, err := e.open(workspaceID)
	if err != nil {
		return err
	}
	defer db.Close()
	m, err := e.loadMeta(db, path)
	if err != nil {
		return nil // already gone
	}
	if _, err := db.Exec("DROP TABLE IF EXISTS " + quoteIdent(m.TableName)); err != nil {
		return err
	}
	_, err = db.Exec(`DELETE FROM _oxen_meta WHERE path = ?`, path)
	return err
}

func resolveFile(r *repo.Repository, commitHash oxhash.Hash, path string) (tree.Entry, bool, error) {
	node, err := tree.ReadCommit(r.Nodes, commitHash)
	if err != nil {
		return tree.Entry{}, false, err
	}
	return tree.Resolve(r.Nodes, node.RootDir, path)
}

// readChunks concatenates a FileNode's chunk blobs back into the file's
// full content.
func readChunks(r *repo.Repository, fn *merkle.FileNode) ([]byte, error) {
	var out []byte
	for _, c := range fn.Chunks {
		b, err := r.Objects.GetBlob(c)
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}
