package workspace

import (
	"database/sql"
	"fmt"

	"github.com/oxen-data/oxen-core/internal/merkle"
	"github.com/oxen-data/oxen-core/internal/oxerr"
)

// Column operations evolve an indexed table's schema in place. The edits
// stay pending in the workspace (meta's schema_fields diverges from
// committed_fields) until Commit folds them back into a file.

// ColumnsCreate adds a new column with the given dtype to the indexed
// table at path.
func (e *Engine) ColumnsCreate(workspaceID, path, name, dtype string) error {
	db, err := e.open(workspaceID)
	if err != nil {
		return err
	}
	defer db.Close()
	m, err := e.loadMeta(db, path)
	if err != nil {
		return err
	}
	if hasField(m.Fields, name) {
		return oxerr.AlreadyExists("column %q", name)
	}
	if _, err := db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s TEXT", quoteIdent(m.TableName), quoteIdent(name))); err != nil {
		return err
	}
	m.Fields = append(m.Fields, merkle.SchemaField{Name: name, Dtype: dtype})
	return e.saveFields(db, path, m.Fields)
}

// ColumnsUpdate renames a column and/or overrides its dtype. Empty
// newName keeps the name; empty dtype keeps the type.
func (e *Engine) ColumnsUpdate(workspaceID, path, name, newName, dtype string) error {
	db, err := e.open(workspaceID)
	if err != nil {
		return err
	}
	defer db.Close()
	m, err := e.loadMeta(db, path)
	if err != nil {
		return err
	}
	idx := fieldIndex(m.Fields, name)
	if idx < 0 {
		return oxerr.NotFound("column %q", name)
	}
	if newName != "" && newName != name {
		if hasField(m.Fields, newName) {
			return oxerr.AlreadyExists("column %q", newName)
		}
		if _, err := db.Exec(fmt.Sprintf("ALTER TABLE %s RENAME COLUMN %s TO %s", quoteIdent(m.TableName), quoteIdent(name), quoteIdent(newName))); err != nil {
			return err
		}
		m.Fields[idx].Name = newName
	}
	if dtype != "" {
		m.Fields[idx].OverrideType = dtype
	}
	return e.saveFields(db, path, m.Fields)
}

// ColumnsDelete drops a column from the indexed table.
func (e *Engine) ColumnsDelete(workspaceID, path, name string) error {
	db, err := e.open(workspaceID)
	if err != nil {
		return err
	}
	defer db.Close()
	m, err := e.loadMeta(db, path)
	if err != nil {
		return err
	}
	idx := fieldIndex(m.Fields, name)
	if idx < 0 {
		return oxerr.NotFound("column %q", name)
	}
	if _, err := db.Exec(fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", quoteIdent(m.TableName), quoteIdent(name))); err != nil {
		return err
	}
	m.Fields = append(m.Fields[:idx], m.Fields[idx+1:]...)
	return e.saveFields(db, path, m.Fields)
}

// ColumnsAddMetadata attaches an opaque metadata payload to a column.
func (e *Engine) ColumnsAddMetadata(workspaceID, path, name string, metadata []byte) error {
	db, err := e.open(workspaceID)
	if err != nil {
		return err
	}
	defer db.Close()
	m, err := e.loadMeta(db, path)
	if err != nil {
		return err
	}
	idx := fieldIndex(m.Fields, name)
	if idx < 0 {
		return oxerr.NotFound("column %q", name)
	}
	m.Fields[idx].Metadata = metadata
	return e.saveFields(db, path, m.Fields)
}

// SchemaPending reports the current and committed schemas for path, so a
// caller can tell whether column edits are pending.
func (e *Engine) SchemaPending(workspaceID, path string) (current, committed []merkle.SchemaField, err error) {
	db, err := e.open(workspaceID)
	if err != nil {
		return nil, nil, err
	}
	defer db.Close()
	m, err := e.loadMeta(db, path)
	if err != nil {
		return nil, nil, err
	}
	return m.Fields, m.Committed, nil
}

func (e *Engine) saveFields(db *sql.DB, path string, fields []merkle.SchemaField) error {
	_, err := db.Exec(`UPDATE _oxen_meta SET schema_fields = ? WHERE path = ?`, encodeFields(fields), path)
	return err
}

func fieldIndex(fields []merkle.SchemaField, name string) int {
	for i, f := range fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}
