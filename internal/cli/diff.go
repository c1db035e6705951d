package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rpattn/evalsandbox/internal/diff"
	"github.com/rpattn/evalsandbox/internal/domain"
	"github.com/rpattn/evalsandbox/internal/dsl"
	"github.com/rpattn/evalsandbox/internal/export"
)

type diffOptions struct {
	document         string
	includeUnchanged bool
	workbook         string
}

func NewDiffCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &diffOptions{}

	cmd := &cobra.Command{
		Use:   "diff <before> <after>",
		Short: "Diff two snapshot files",
		Long: `Compare two snapshot files of one environment and print the row changes.

With --document, the ignore_fields section of that assertion document is
applied. With --xlsx, the diff is also written as a workbook.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiff(cmd, rootOpts, opts, args[0], args[1])
		},
	}
	cmd.Flags().StringVar(&opts.document, "document", "", "assertion document whose ignore_fields apply")
	cmd.Flags().BoolVar(&opts.includeUnchanged, "include-unchanged", false, "also report unchanged rows (json output)")
	cmd.Flags().StringVar(&opts.workbook, "xlsx", "", "write the diff as an xlsx workbook to this path")
	return cmd
}

func runDiff(cmd *cobra.Command, rootOpts *RootOptions, opts *diffOptions, beforePath, afterPath string) error {
	before, err := readSnapshot(beforePath)
	if err != nil {
		return err
	}
	after, err := readSnapshot(afterPath)
	if err != nil {
		return err
	}

	var ignore domain.FieldSet
	if opts.document != "" {
		data, err := readDocument(opts.document)
		if err != nil {
			return err
		}
		doc, err := dsl.Parse(data, nil)
		if err != nil {
			return &ExitError{Code: ExitFailure, Message: "assertion document is invalid", Err: err}
		}
		ignore = doc.IgnoreFields
	}

	changes, err := diff.Compute(before, after, diff.Options{Ignore: ignore, IncludeUnchanged: opts.includeUnchanged})
	if err != nil {
		return &ExitError{Code: ExitFailure, Message: "diff snapshots", Err: err}
	}

	if opts.workbook != "" {
		if err := writeWorkbook(opts.workbook, changes); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	if rootOpts.Format == "json" {
		return writeJSON(out, changes)
	}
	text, err := domain.RenderDiff(changes)
	if err != nil {
		return commandError("render diff", err)
	}
	_, err = fmt.Fprint(out, text)
	return err
}

func writeWorkbook(path string, changes domain.DiffResult) error {
	f, err := os.Create(path)
	if err != nil {
		return commandError("create workbook", err)
	}
	if err := export.NewWorkbookExporter().Write(f, changes); err != nil {
		_ = f.Close()
		return commandError("write workbook", err)
	}
	if err := f.Close(); err != nil {
		return commandError("close workbook", err)
	}
	return nil
}
