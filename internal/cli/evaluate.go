package cli

import (
	"github.com/spf13/cobra"

	"github.com/rpattn/evalsandbox/internal/diff"
	"github.com/rpattn/evalsandbox/internal/dsl"
)

func NewEvaluateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate <document> <before> <after>",
		Short: "Evaluate an assertion document against two snapshot files",
		Long: `Diff two snapshot files and score the diff with an assertion document.

Exits with status 1 when any assertion fails.`,
		Args:          cobra.ExactArgs(3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvaluate(cmd, rootOpts, args[0], args[1], args[2])
		},
	}
	return cmd
}

func runEvaluate(cmd *cobra.Command, opts *RootOptions, documentPath, beforePath, afterPath string) error {
	data, err := readDocument(documentPath)
	if err != nil {
		return err
	}
	before, err := readSnapshot(beforePath)
	if err != nil {
		return err
	}
	after, err := readSnapshot(afterPath)
	if err != nil {
		return err
	}

	doc, err := dsl.Parse(data, snapshotTables(after))
	if err != nil {
		return &ExitError{Code: ExitFailure, Message: "assertion document is invalid", Err: err}
	}
	changes, err := diff.ComputeContext(cmd.Context(), before, after, diff.Options{
		Ignore:           doc.IgnoreFields,
		IncludeUnchanged: doc.Uses(dsl.DiffTypeUnchanged),
	})
	if err != nil {
		return &ExitError{Code: ExitFailure, Message: "diff snapshots", Err: err}
	}
	result := dsl.EvaluateContext(cmd.Context(), doc, changes)

	out := cmd.OutOrStdout()
	if opts.Format == "json" {
		if err := writeJSON(out, result); err != nil {
			return err
		}
	} else {
		renderEvaluation(out, result)
	}

	if !result.Passed {
		return &ExitError{Code: ExitFailure, Message: "assertions failed"}
	}
	return nil
}
