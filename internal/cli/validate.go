package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rpattn/evalsandbox/internal/domain"
	"github.com/rpattn/evalsandbox/internal/dsl"
)

// ValidationResult is the JSON output of validate.
type ValidationResult struct {
	Valid      bool                 `json:"valid"`
	Assertions int                  `json:"assertions"`
	Issues     []domain.SchemaIssue `json:"issues,omitempty"`
}

func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	var against string

	cmd := &cobra.Command{
		Use:   "validate <document>",
		Short: "Validate an assertion document",
		Long: `Validate a JSON or YAML assertion document and list every offending path.

With --against, assertion entities are also checked against the tables of a
snapshot file.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, rootOpts, args[0], against)
		},
	}
	cmd.Flags().StringVar(&against, "against", "", "snapshot file whose tables the document must reference")
	return cmd
}

func runValidate(cmd *cobra.Command, opts *RootOptions, documentPath, against string) error {
	data, err := readDocument(documentPath)
	if err != nil {
		return err
	}
	var catalog dsl.TableCatalog
	if against != "" {
		snapshot, err := readSnapshot(against)
		if err != nil {
			return err
		}
		catalog = snapshotTables(snapshot)
	}

	doc, parseErr := dsl.Parse(data, catalog)
	result := ValidationResult{Valid: parseErr == nil, Assertions: len(doc.Assertions)}
	var schemaErr *domain.SchemaError
	if parseErr != nil && !errors.As(parseErr, &schemaErr) {
		return commandError("validate document", parseErr)
	}
	if schemaErr != nil {
		result.Issues = schemaErr.Issues
	}

	out := cmd.OutOrStdout()
	if opts.Format == "json" {
		if err := writeJSON(out, result); err != nil {
			return err
		}
	} else if result.Valid {
		fmt.Fprintf(out, "✓ %s is valid (%d assertions)\n", documentPath, result.Assertions)
	} else {
		fmt.Fprintf(out, "✗ %s has %d issues\n", documentPath, len(result.Issues))
		renderIssues(out, result.Issues)
	}

	if !result.Valid {
		return &ExitError{Code: ExitFailure, Message: "assertion document is invalid", Err: parseErr}
	}
	return nil
}
