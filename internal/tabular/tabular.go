// Package tabular implements schema inference and row decoding for the
// supported tabular file formats: CSV/TSV and JSON/JSONL/NDJSON. Parquet
// is recognized by extension but its row decoding is not implemented.
package tabular

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/oxen-data/oxen-core/internal/merkle"
	"github.com/oxen-data/oxen-core/internal/oxerr"
)

// Row is one record: column name to scalar value (string, float64, bool,
// nil, or a nested map/slice for JSON sources).
type Row map[string]interface{}

// Table is a decoded tabular file: an ordered schema plus its rows.
type Table struct {
	Schema *merkle.SchemaNode
	Rows   []Row
}

// Format names a recognized tabular encoding.
type Format string

const (
	FormatCSV     Format = "csv"
	FormatTSV     Format = "tsv"
	FormatJSON    Format = "json"
	FormatJSONL   Format = "jsonl"
	FormatParquet Format = "parquet"
)

// DetectFormat maps a file extension to a Format, defaulting to CSV for
// anything unrecognized.
func DetectFormat(ext string) Format {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "tsv":
		return FormatTSV
	case "json":
		return FormatJSON
	case "jsonl", "ndjson":
		return FormatJSONL
	case "parquet":
		return FormatParquet
	default:
		return FormatCSV
	}
}

// Decode parses r as format, inferring a schema from the rows.
func Decode(r io.Reader, format Format) (*Table, error) {
	switch format {
	case FormatCSV:
		return decodeDelimited(r, ',')
	case FormatTSV:
		return decodeDelimited(r, '\t')
	case FormatJSON:
		return decodeJSON(r)
	case FormatJSONL:
		return decodeJSONL(r)
	case FormatParquet:
		return nil, oxerr.InvalidInput("parquet row decoding not supported")
	default:
		return nil, oxerr.InvalidInput("unknown tabular format %q", format)
	}
}

func decodeDelimited(r io.Reader, sep rune) (*Table, error) {
	cr := csv.NewReader(r)
	cr.Comma = sep
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return &Table{Schema: &merkle.SchemaNode{}}, nil
	}
	if err != nil {
		return nil, oxerr.Wrap(err, oxerr.KindInvalidInput, "tabular: read header")
	}

	rows, dtypes, err := readDelimitedRows(cr, header)
	if err != nil {
		return nil, err
	}

	fields := make([]merkle.SchemaField, len(header))
	for i, name := range header {
		fields[i] = merkle.SchemaField{Name: name, Dtype: dtypes[i]}
	}
	schema := &merkle.SchemaNode{Fields: fields}
	schema.Hash = schema.ComputeHash()
	return &Table{Schema: schema, Rows: rows}, nil
}

func readDelimitedRows(cr *csv.Reader, header []string) ([]Row, []string, error) {
	var rows []Row
	dtypes := make([]string, len(header))
	known := make([]bool, len(header))

	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, oxerr.Wrap(err, oxerr.KindInvalidInput, "tabular: read row")
		}
		row := make(Row, len(header))
		for i, name := range header {
			var raw string
			if i < len(record) {
				raw = record[i]
			}
			row[name] = raw
			if !known[i] {
				dtypes[i] = inferDtype(raw)
				known[i] = true
			}
		}
		rows = append(rows, row)
	}
	for i := range dtypes {
		if dtypes[i] == "" {
			dtypes[i] = "string"
		}
	}
	return rows, dtypes, nil
}

func inferDtype(s string) string {
	if s == "" {
		return ""
	}
	if _, err := strconv.ParseInt(s, 10, 64); err == nil {
		return "int64"
	}
	if _, err := strconv.ParseFloat(s, 64); err == nil {
		return "float64"
	}
	if s == "true" || s == "false" {
		return "bool"
	}
	return "string"
}

func decodeJSON(r io.Reader) (*Table, error) {
	var records []map[string]interface{}
	dec := json.NewDecoder(r)
	if err := dec.Decode(&records); err != nil {
		return nil, oxerr.Wrap(err, oxerr.KindInvalidInput, "tabular: decode json array")
	}
	return buildFromRecords(records)
}

func decodeJSONL(r io.Reader) (*Table, error) {
	var records []map[string]interface{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec map[string]interface{}
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, oxerr.Wrap(err, oxerr.KindInvalidInput, "tabular: decode jsonl line")
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, oxerr.Wrap(err, oxerr.KindInvalidInput, "tabular: scan jsonl")
	}
	return buildFromRecords(records)
}

func buildFromRecords(records []map[string]interface{}) (*Table, error) {
	colSet := map[string]bool{}
	for _, rec := range records {
		for k := range rec {
			colSet[k] = true
		}
	}
	names := make([]string, 0, len(colSet))
	for n := range colSet {
		names = append(names, n)
	}
	sort.Strings(names)

	fields := make([]merkle.SchemaField, len(names))
	for i, n := range names {
		fields[i] = merkle.SchemaField{Name: n, Dtype: jsonDtype(records, n)}
	}
	schema := &merkle.SchemaNode{Fields: fields}
	schema.Hash = schema.ComputeHash()

	rows := make([]Row, len(records))
	for i, rec := range records {
		rows[i] = Row(rec)
	}
	return &Table{Schema: schema, Rows: rows}, nil
}

func jsonDtype(records []map[string]interface{}, name string) string {
	for _, rec := range records {
		v, ok := rec[name]
		if !ok || v == nil {
			continue
		}
		switch v.(type) {
		case float64:
			return "float64"
		case bool:
			return "bool"
		case string:
			return "string"
		default:
			return "object"
		}
	}
	return "string"
}

// Encode serializes rows back to format using schema's field order (used
// by the workspace engine's commit step to materialize pending edits back
// to a file).
func Encode(w io.Writer, table *Table, format Format) error {
	switch format {
	case FormatCSV:
		return encodeDelimited(w, table, ',')
	case FormatTSV:
		return encodeDelimited(w, table, '\t')
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		records := make([]map[string]interface{}, len(table.Rows))
		for i, r := range table.Rows {
			records[i] = map[string]interface{}(r)
		}
		return enc.Encode(records)
	case FormatJSONL:
		enc := json.NewEncoder(w)
		for _, r := range table.Rows {
			if err := enc.Encode(map[string]interface{}(r)); err != nil {
				return err
			}
		}
		return nil
	default:
		return oxerr.InvalidInput("tabular: cannot encode format %q", format)
	}
}

func encodeDelimited(w io.Writer, table *Table, sep rune) error {
	cw := csv.NewWriter(w)
	cw.Comma = sep
	header := make([]string, len(table.Schema.Fields))
	for i, f := range table.Schema.Fields {
		header[i] = f.Name
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, row := range table.Rows {
		record := make([]string, len(header))
		for i, name := range header {
			record[i] = toCSVString(row[name])
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func toCSVString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}
