package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/oxen-data/oxen-core/internal/checkout"
	"github.com/oxen-data/oxen-core/internal/oxerr"
	"github.com/oxen-data/oxen-core/internal/oxhash"
	"github.com/oxen-data/oxen-core/internal/remote"
	"github.com/oxen-data/oxen-core/internal/repo"
)

// clientFor opens a Client for a remote URL. Filesystem origins
// ("file://..." or a bare path) are the transport this build ships;
// other schemes belong to an HTTP collaborator.
func clientFor(url string) (remote.Client, func(), error) {
	path := strings.TrimPrefix(url, "file://")
	if strings.Contains(path, "://") {
		return nil, nil, oxerr.InvalidInput("unsupported remote scheme in %q", url)
	}
	r, err := repo.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return &remote.RepoClient{Repo: r}, func() { r.Close() }, nil
}

func originClient(r *repo.Repository) (remote.Client, func(), error) {
	rem, ok := r.Config.Remote("origin")
	if !ok {
		return nil, nil, oxerr.NotFound("remote %q", "origin")
	}
	return clientFor(rem.URL)
}

func currentBranch(r *repo.Repository) (string, error) {
	head, err := r.Refs.GetHead()
	if err != nil {
		return "", err
	}
	if head.Detached {
		return "", oxerr.InvalidInput("HEAD is detached")
	}
	return head.Branch, nil
}

func cloneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clone <url> [dir]",
		Short: "copy a repository and check out its head",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			url := args[0]
			dir := filepath.Base(strings.TrimSuffix(strings.TrimPrefix(url, "file://"), "/"))
			if len(args) == 2 {
				dir = args[1]
			}
			client, done, err := clientFor(url)
			if err != nil {
				return err
			}
			defer done()
			r, err := remote.Clone(cmd.Context(), client, url, dir,
				func(r *repo.Repository, head oxhash.Hash) error {
					return checkout.New(r).CheckoutTo(oxhash.Hash{}, head)
				})
			if err != nil {
				return err
			}
			defer r.Close()
			fmt.Println("Cloned into", dir)
			return nil
		},
	}
}

func pushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "push",
		Short: "upload the current branch to origin",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrigin(cmd.Context(), func(ctx context.Context, r *repo.Repository, s *remote.Syncer) error {
				branch, err := currentBranch(r)
				if err != nil {
					return err
				}
				return s.Push(ctx, branch)
			})
		},
	}
}

func pullCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pull",
		Short: "fetch origin and fast-forward the current branch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrigin(cmd.Context(), func(ctx context.Context, r *repo.Repository, s *remote.Syncer) error {
				branch, err := currentBranch(r)
				if err != nil {
					return err
				}
				head, err := r.CurrentCommit()
				if err != nil {
					return err
				}
				if err := s.Pull(ctx, branch); err != nil {
					return err
				}
				newHead, err := r.CurrentCommit()
				if err != nil {
					return err
				}
				return checkout.New(r).CheckoutTo(head, newHead)
			})
		},
	}
}

func fetchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fetch",
		Short: "download origin's history without moving local refs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrigin(cmd.Context(), func(ctx context.Context, r *repo.Repository, s *remote.Syncer) error {
				branch, err := currentBranch(r)
				if err != nil {
					return err
				}
				head, err := s.Fetch(ctx, branch)
				if err != nil {
					return err
				}
				fmt.Printf("%s\t%s\n", head, branch)
				return nil
			})
		},
	}
}

// syncTimeout caps any single push/pull/fetch invocation.
const syncTimeout = 5 * time.Minute

func withOrigin(ctx context.Context, fn func(ctx context.Context, r *repo.Repository, s *remote.Syncer) error) error {
	r, err := openRepo()
	if err != nil {
		return err
	}
	defer r.Close()
	client, done, err := originClient(r)
	if err != nil {
		return err
	}
	defer done()
	ctx, cancel := remote.WithTimeout(ctx, syncTimeout)
	defer cancel()
	return fn(ctx, r, remote.NewSyncer(r, client))
}
