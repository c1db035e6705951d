package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rpattn/evalsandbox/internal/domain"
	"github.com/rpattn/evalsandbox/internal/dsl"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Invalid document or failed evaluation
	ExitCommandError = 2 // Unreadable input, bad flags
)

// ExitError carries the process exit code for a command failure.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// GetExitCode extracts the exit code from an error.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

func commandError(message string, err error) *ExitError {
	return &ExitError{Code: ExitCommandError, Message: message, Err: err}
}

func writeJSON(w io.Writer, payload any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}

func readSnapshot(path string) (domain.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Snapshot{}, commandError("read snapshot", err)
	}
	var snapshot domain.Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return domain.Snapshot{}, commandError(fmt.Sprintf("parse snapshot %s", path), err)
	}
	return snapshot, nil
}

func readDocument(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, commandError("read assertion document", err)
	}
	return data, nil
}

// snapshotTables lists the tables of a snapshot as a document catalog.
func snapshotTables(snapshot domain.Snapshot) dsl.TableSet {
	return dsl.NewTableSet(snapshot.TableNames()...)
}

func renderIssues(w io.Writer, issues []domain.SchemaIssue) {
	for _, issue := range issues {
		fmt.Fprintf(w, "  %s: %s\n", issue.Path, issue.Message)
	}
}

func renderEvaluation(w io.Writer, result domain.EvaluationResult) {
	status := "PASS"
	if !result.Passed {
		status = "FAIL"
	}
	fmt.Fprintf(w, "%s %d/%d assertions passed (score %.0f)\n", status, result.PassedCount, result.Total, result.Score)
	for _, outcome := range result.Assertions {
		mark := "ok  "
		if !outcome.Passed {
			mark = "FAIL"
		}
		label := outcome.Description
		if label == "" {
			label = fmt.Sprintf("%s %s", outcome.DiffType, outcome.Entity)
		}
		fmt.Fprintf(w, "  %s [%d] %s: %d matched, expected %s\n", mark, outcome.Index, label, outcome.ActualCount, outcome.ExpectedCount)
		if !outcome.Passed && outcome.Message != "" {
			fmt.Fprintf(w, "       %s\n", outcome.Message)
		}
	}
}
