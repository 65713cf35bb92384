package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/oxen-data/oxen-core/internal/checkout"
	"github.com/oxen-data/oxen-core/internal/commitengine"
	"github.com/oxen-data/oxen-core/internal/history"
	"github.com/oxen-data/oxen-core/internal/merge"
	"github.com/oxen-data/oxen-core/internal/oxerr"
	"github.com/oxen-data/oxen-core/internal/oxhash"
	"github.com/oxen-data/oxen-core/internal/repo"
	"github.com/oxen-data/oxen-core/internal/staging"
)

// isAncestor reports whether ancestor is reachable from descendant by
// walking parents.
func isAncestor(r *repo.Repository, ancestor, descendant oxhash.Hash) (bool, error) {
	commits, err := history.Log(r, descendant)
	if err != nil {
		return false, err
	}
	for _, c := range commits {
		if c.Hash == ancestor {
			return true, nil
		}
	}
	return false, nil
}

func openRepo() (*repo.Repository, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return repo.Open(wd)
}

func userIdentity(r *repo.Repository) (name, email string) {
	name, email = r.Config.User.Name, r.Config.User.Email
	if name == "" {
		name = "unknown"
	}
	if email == "" {
		email = "unknown@localhost"
	}
	return name, email
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "create an empty repository in the current directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			wd, err := os.Getwd()
			if err != nil {
				return err
			}
			r, err := repo.Init(wd)
			if err != nil {
				return err
			}
			defer r.Close()
			fmt.Println("Initialized oxen repository in", wd)
			return nil
		},
	}
}

func addCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <paths...>",
		Short: "stage files or directories",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			defer r.Close()
			return staging.New(r).Add(args)
		},
	}
}

func rmCmd() *cobra.Command {
	var recursive, staged bool
	cmd := &cobra.Command{
		Use:   "rm <paths...>",
		Short: "stage removals, or unstage with --staged",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			defer r.Close()
			return staging.New(r).Rm(args, recursive, staged)
		},
	}
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "recurse into directories")
	cmd.Flags().BoolVar(&staged, "staged", false, "only unstage; leave the working directory alone")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "show changed, staged and untracked paths",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			defer r.Close()
			head, err := r.CurrentCommit()
			if err != nil {
				return err
			}
			st, err := staging.New(r).Status(head)
			if err != nil {
				return err
			}
			printSection := func(label string, entries []staging.PathStatus) {
				for _, e := range entries {
					if e.From != "" {
						fmt.Printf("%s: %s -> %s\n", label, e.From, e.Path)
						continue
					}
					fmt.Printf("%s: %s\n", label, e.Path)
				}
			}
			printSection("added", st.Added)
			printSection("modified", st.Modified)
			printSection("removed", st.Removed)
			printSection("moved", st.Moved)
			printSection("untracked", st.Untracked)
			printSection("conflict", st.MergeConflicts)
			return nil
		},
	}
}

func commitCmd() *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "commit -m <message>",
		Short: "record staged changes as a new commit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if message == "" {
				return oxerr.InvalidInput("commit message required (-m)")
			}
			r, err := openRepo()
			if err != nil {
				return err
			}
			defer r.Close()
			name, email := userIdentity(r)
			s := staging.New(r)
			res, err := commitengine.New(r, s).Commit(message, name, email, time.Now())
			if err != nil {
				return err
			}
			fmt.Printf("[%s] %s\n", res.Commit.Hash, message)
			return nil
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "commit message")
	return cmd
}

func logCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "log",
		Short: "show commit history, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			defer r.Close()
			head, err := r.CurrentCommit()
			if err != nil {
				return err
			}
			commits, err := history.Log(r, head)
			if err != nil {
				return err
			}
			for _, c := range commits {
				fmt.Printf("commit %s\nAuthor: %s <%s>\nDate:   %s\n\n    %s\n\n",
					c.Hash, c.Author, c.Email, c.Timestamp.Format(time.RFC1123), c.Message)
			}
			return nil
		},
	}
}

func restoreCmd() *cobra.Command {
	var stagedOnly bool
	var source string
	cmd := &cobra.Command{
		Use:   "restore <paths...>",
		Short: "restore paths from a commit, or unstage with --staged",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			defer r.Close()
			if stagedOnly {
				return staging.New(r).Unstage(args)
			}
			commit, err := r.ResolveRev(source)
			if err != nil {
				return err
			}
			co := checkout.New(r)
			for _, p := range args {
				if err := co.RestorePath(commit, p); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&stagedOnly, "staged", false, "unstage instead of touching the working directory")
	cmd.Flags().StringVar(&source, "source", "HEAD", "commit or branch to restore from")
	return cmd
}

func checkoutCmd() *cobra.Command {
	var createBranch bool
	cmd := &cobra.Command{
		Use:   "checkout <branch-or-commit>",
		Short: "switch branches or detach onto a commit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			defer r.Close()
			co := checkout.New(r)
			if createBranch {
				return co.CreateAndCheckoutBranch(args[0])
			}
			if _, err := r.Refs.GetBranch(args[0]); err == nil {
				return co.CheckoutBranch(args[0])
			}
			commit, err := r.ResolveRev(args[0])
			if err != nil {
				return err
			}
			return co.CheckoutCommit(commit)
		},
	}
	cmd.Flags().BoolVarP(&createBranch, "branch", "b", false, "create the branch first")
	return cmd
}

func branchCmd() *cobra.Command {
	var del, forceDel bool
	cmd := &cobra.Command{
		Use:   "branch [name]",
		Short: "list, create or delete branches",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			defer r.Close()
			if len(args) == 0 {
				head, err := r.Refs.GetHead()
				if err != nil {
					return err
				}
				names, err := r.Refs.ListBranches()
				if err != nil {
					return err
				}
				for _, n := range names {
					marker := "  "
					if !head.Detached && n == head.Branch {
						marker = "* "
					}
					fmt.Println(marker + n)
				}
				return nil
			}
			name := args[0]
			if del || forceDel {
				headCommit, err := r.CurrentCommit()
				if err != nil {
					return err
				}
				unmerged := func(branchHead oxhash.Hash) (bool, error) {
					reachable, err := isAncestor(r, branchHead, headCommit)
					return !reachable, err
				}
				return r.Refs.DeleteBranch(name, forceDel, unmerged)
			}
			head, err := r.CurrentCommit()
			if err != nil {
				return err
			}
			return r.Refs.CreateBranch(name, head)
		},
	}
	cmd.Flags().BoolVarP(&del, "delete", "d", false, "delete a merged branch")
	cmd.Flags().BoolVarP(&forceDel, "force-delete", "D", false, "delete even with unmerged commits")
	return cmd
}

func mergeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "merge <branch>",
		Short: "merge a branch into the current one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			defer r.Close()
			name, email := userIdentity(r)
			s := staging.New(r)
			ce := commitengine.New(r, s)
			co := checkout.New(r)
			res, err := merge.New(r, s, ce, co).Merge(args[0], name, email, time.Now())
			if err != nil {
				return err
			}
			switch {
			case res.UpToDate:
				fmt.Println("Already up to date.")
			case res.FastForward:
				fmt.Printf("Fast-forward to %s\n", res.Commit.Hash)
			case len(res.Conflicts) > 0:
				for _, c := range res.Conflicts {
					fmt.Println("CONFLICT:", c.Path)
				}
				return oxerr.Conflict("merge produced %d conflict(s)", len(res.Conflicts))
			default:
				fmt.Printf("Merge commit %s\n", res.Commit.Hash)
			}
			return nil
		},
	}
}
