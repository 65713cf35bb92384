package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/oxen-data/oxen-core/internal/diff"
	"github.com/oxen-data/oxen-core/internal/merkle"
	"github.com/oxen-data/oxen-core/internal/oxerr"
	"github.com/oxen-data/oxen-core/internal/oxhash"
	"github.com/oxen-data/oxen-core/internal/repo"
	"github.com/oxen-data/oxen-core/internal/schemas"
	"github.com/oxen-data/oxen-core/internal/staging"
	"github.com/oxen-data/oxen-core/internal/tabular"
	"github.com/oxen-data/oxen-core/internal/tree"
	"github.com/oxen-data/oxen-core/internal/workspace"
)

// dfWorkspaceID is the workspace the df command indexes into; one per
// repository, reused across invocations.
const dfWorkspaceID = "cli-df"

func dfCmd() *cobra.Command {
	var slice, filter, sortBy string
	var columns []string
	var page, pageSize int
	cmd := &cobra.Command{
		Use:   "df <path>",
		Short: "view a committed data frame",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			defer r.Close()
			ws := workspace.New(r)
			if err := ws.Index(dfWorkspaceID, "HEAD", args[0]); err != nil {
				return err
			}
			opts := workspace.GetOpts{
				Page:    page,
				Size:    pageSize,
				Columns: columns,
				Filter:  filter,
				SortBy:  sortBy,
			}
			if slice != "" {
				sliceFilter, err := sliceToFilter(slice)
				if err != nil {
					return err
				}
				if opts.Filter != "" {
					opts.Filter = "(" + opts.Filter + ") AND " + sliceFilter
				} else {
					opts.Filter = sliceFilter
				}
			}
			pageOut, err := ws.Get(dfWorkspaceID, args[0], opts)
			if err != nil {
				return err
			}
			printRows(pageOut, columns)
			return nil
		},
	}
	cmd.Flags().StringVar(&slice, "slice", "", "row range start:end")
	cmd.Flags().StringVar(&filter, "filter", "", "SQL filter expression")
	cmd.Flags().StringSliceVar(&columns, "columns", nil, "columns to show")
	cmd.Flags().StringVar(&sortBy, "sort", "", "column to sort by")
	cmd.Flags().IntVar(&page, "page", 0, "page number")
	cmd.Flags().IntVar(&pageSize, "page-size", workspace.DefaultPageSize, "rows per page")
	return cmd
}

func sliceToFilter(s string) (string, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return "", oxerr.InvalidInput("slice %q is not start:end", s)
	}
	return fmt.Sprintf("_oxen_row_id > %s AND _oxen_row_id <= %s", parts[0], parts[1]), nil
}

func printRows(page *workspace.Page, columns []string) {
	for _, row := range page.Rows {
		if len(columns) == 0 {
			fmt.Println(row)
			continue
		}
		vals := make([]string, len(columns))
		for i, c := range columns {
			vals[i] = fmt.Sprintf("%v", row[c])
		}
		fmt.Println(strings.Join(vals, "\t"))
	}
	fmt.Printf("(%d rows total)\n", page.Total)
}

func diffCmd() *cobra.Command {
	var keys, targets []string
	cmd := &cobra.Command{
		Use:   "diff [rev1] [rev2] <path>",
		Short: "compare a path between two revisions (or HEAD and disk)",
		Args:  cobra.RangeArgs(1, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			defer r.Close()

			path := args[len(args)-1]
			switch len(args) {
			case 1:
				return diffAgainstDisk(r, path, keys, targets)
			case 2:
				return diffRevs(r, args[0], "HEAD", path, keys, targets)
			default:
				return diffRevs(r, args[0], args[1], path, keys, targets)
			}
		},
	}
	cmd.Flags().StringSliceVar(&keys, "keys", nil, "key columns for a tabular diff")
	cmd.Flags().StringSliceVar(&targets, "targets", nil, "compared columns for a tabular diff")
	return cmd
}

func commitFileContent(r *repo.Repository, commit oxhash.Hash, path string) ([]byte, *merkle.FileNode, error) {
	node, err := tree.ReadCommit(r.Nodes, commit)
	if err != nil {
		return nil, nil, err
	}
	entry, ok, err := tree.Resolve(r.Nodes, node.RootDir, path)
	if err != nil {
		return nil, nil, err
	}
	if !ok || entry.Kind != merkle.KindFile {
		return nil, nil, oxerr.NotFound("path %q in commit %s", path, commit)
	}
	fn, err := tree.ReadFile(r.Nodes, entry.Hash)
	if err != nil {
		return nil, nil, err
	}
	var content []byte
	for _, c := range fn.Chunks {
		b, err := r.Objects.GetBlob(c)
		if err != nil {
			return nil, nil, err
		}
		content = append(content, b...)
	}
	return content, fn, nil
}

func diffAgainstDisk(r *repo.Repository, path string, keys, targets []string) error {
	head, err := r.CurrentCommit()
	if err != nil {
		return err
	}
	old, fn, err := commitFileContent(r, head, path)
	if err != nil {
		return err
	}
	current, err := os.ReadFile(filepath.Join(r.WorkDir, path))
	if err != nil {
		return err
	}
	if fn.DataType == merkle.DataTabular && len(keys) > 0 {
		return printTabularDiff(old, current, path, keys, targets)
	}
	printTextDiff(diff.TextDiff(string(old), string(current)))
	return nil
}

func diffRevs(r *repo.Repository, rev1, rev2, path string, keys, targets []string) error {
	c1, err := r.ResolveRev(rev1)
	if err != nil {
		return err
	}
	c2, err := r.ResolveRev(rev2)
	if err != nil {
		return err
	}

	// a directory path lists entry-level changes instead
	n1, err := tree.ReadCommit(r.Nodes, c1)
	if err != nil {
		return err
	}
	n2, err := tree.ReadCommit(r.Nodes, c2)
	if err != nil {
		return err
	}
	if entry, ok, _ := tree.Resolve(r.Nodes, n2.RootDir, path); ok && entry.Kind == merkle.KindDir {
		page, err := diff.New(r.Nodes).ListTopLevel(n1.RootDir, n2.RootDir, path, 0, 100)
		if err != nil {
			return err
		}
		for _, e := range page.Entries {
			fmt.Printf("%s: %s\n", e.Kind, e.Path)
		}
		return nil
	}

	old, fn, err := commitFileContent(r, c1, path)
	if err != nil {
		return err
	}
	current, _, err := commitFileContent(r, c2, path)
	if err != nil {
		return err
	}
	if fn.DataType == merkle.DataTabular && len(keys) > 0 {
		return printTabularDiff(old, current, path, keys, targets)
	}
	printTextDiff(diff.TextDiff(string(old), string(current)))
	return nil
}

func printTextDiff(lines []diff.LineDiff) {
	for _, l := range lines {
		switch l.Op {
		case diff.LineInsert:
			fmt.Println("+", l.Text)
		case diff.LineDelete:
			fmt.Println("-", l.Text)
		default:
			fmt.Println(" ", l.Text)
		}
	}
}

func printTabularDiff(old, current []byte, path string, keys, targets []string) error {
	format := tabular.DetectFormat(filepath.Ext(path))
	base, err := tabular.Decode(strings.NewReader(string(old)), format)
	if err != nil {
		return err
	}
	head, err := tabular.Decode(strings.NewReader(string(current)), format)
	if err != nil {
		return err
	}
	page, err := diff.KeyedTableDiff(base, head, keys, targets, 0, 100)
	if err != nil {
		return err
	}
	for _, row := range page.Rows {
		fmt.Println(row)
	}
	return nil
}

func schemasCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schemas",
		Short: "inspect and stage tabular schemas",
	}
	cmd.AddCommand(schemasListCmd(), schemasShowCmd(), schemasAddCmd(), schemasRmCmd())
	return cmd
}

func schemasEngine() (*repo.Repository, *schemas.Engine, error) {
	r, err := openRepo()
	if err != nil {
		return nil, nil, err
	}
	return r, schemas.New(r, staging.New(r)), nil
}

func schemasListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "list committed schemas",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, eng, err := schemasEngine()
			if err != nil {
				return err
			}
			defer r.Close()
			head, err := r.CurrentCommit()
			if err != nil {
				return err
			}
			entries, err := eng.List(head)
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Printf("%s\t%d columns\n", e.Path, len(e.Schema.Fields))
			}
			return nil
		},
	}
}

func schemasShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <path>",
		Short: "print one file's schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, eng, err := schemasEngine()
			if err != nil {
				return err
			}
			defer r.Close()
			head, err := r.CurrentCommit()
			if err != nil {
				return err
			}
			schema, err := eng.Show(head, args[0])
			if err != nil {
				return err
			}
			for _, f := range schema.Fields {
				dtype := f.Dtype
				if f.OverrideType != "" {
					dtype = f.OverrideType
				}
				fmt.Printf("%s\t%s\n", f.Name, dtype)
			}
			return nil
		},
	}
}

func schemasAddCmd() *cobra.Command {
	var column, dtype, metadata string
	cmd := &cobra.Command{
		Use:   "add <path>",
		Short: "stage a schema edit for a column",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if column == "" {
				return oxerr.InvalidInput("--column required")
			}
			r, eng, err := schemasEngine()
			if err != nil {
				return err
			}
			defer r.Close()
			var meta []byte
			if metadata != "" {
				meta = []byte(metadata)
			}
			return eng.Add(args[0], column, dtype, meta)
		},
	}
	cmd.Flags().StringVar(&column, "column", "", "column to edit")
	cmd.Flags().StringVar(&dtype, "dtype", "", "override dtype")
	cmd.Flags().StringVar(&metadata, "metadata", "", "metadata payload")
	return cmd
}

func schemasRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <path>",
		Short: "drop staged schema edits for a path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, eng, err := schemasEngine()
			if err != nil {
				return err
			}
			defer r.Close()
			return eng.Rm(args[0])
		},
	}
}
