// Command oxen is the command-line surface over the repository core. It
// only parses arguments, calls core packages, and prints their typed
// results; no repository logic lives here.
package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/oxen-data/oxen-core/internal/oxerr"
)

func main() {
	logrus.SetLevel(logrus.WarnLevel)
	if os.Getenv("OXEN_DEBUG") != "" {
		logrus.SetLevel(logrus.DebugLevel)
	}

	root := &cobra.Command{
		Use:           "oxen",
		Short:         "version control for datasets",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		initCmd(), addCmd(), rmCmd(), statusCmd(), commitCmd(), logCmd(),
		diffCmd(), restoreCmd(), checkoutCmd(), branchCmd(), mergeCmd(),
		cloneCmd(), pushCmd(), pullCmd(), fetchCmd(), dfCmd(), schemasCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "oxen:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps the core's error taxonomy onto the process exit code:
// 1 for user errors, 2 for internal ones.
func exitCode(err error) int {
	var e *oxerr.Error
	if errors.As(err, &e) {
		switch e.Kind {
		case oxerr.KindNotFound, oxerr.KindAlreadyExists, oxerr.KindInvalidInput,
			oxerr.KindConflict, oxerr.KindCannotOverwrite, oxerr.KindNothingToCommit:
			return 1
		}
		return 2
	}
	return 2
}
