package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound marks lookups of environments, runs or snapshots that do not exist.
var ErrNotFound = errors.New("not found")

// ErrRunNotReady indicates the run has no usable before snapshot yet.
var ErrRunNotReady = errors.New("run not ready")

// ErrEnvironmentNotActive is returned when a run targets a pooled or expired environment.
var ErrEnvironmentNotActive = errors.New("environment not active")

// ErrRunAlreadyEvaluated guards the evaluated transition of a run.
var ErrRunAlreadyEvaluated = errors.New("run already evaluated")

// ErrSchemaMismatch is matched by every SchemaMismatchError.
var ErrSchemaMismatch = errors.New("schema mismatch")

// AllocationError reports that no environment could be provided.
type AllocationError struct {
	Template  string
	Reason    string
	Retryable bool
	Err       error
}

func (e *AllocationError) Error() string {
	msg := fmt.Sprintf("allocate environment from template %q: %s", e.Template, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AllocationError) Unwrap() error {
	return e.Err
}

// SchemaIssue is one offending location in an assertion document.
type SchemaIssue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// SchemaError lists every problem found while validating a document.
type SchemaError struct {
	Issues []SchemaIssue `json:"issues"`
}

func (e *SchemaError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		parts = append(parts, fmt.Sprintf("%s: %s", issue.Path, issue.Message))
	}
	return fmt.Sprintf("invalid assertion document (%d issues): %s", len(e.Issues), strings.Join(parts, "; "))
}

// Add records an issue at path.
func (e *SchemaError) Add(path, format string, args ...any) {
	e.Issues = append(e.Issues, SchemaIssue{Path: path, Message: fmt.Sprintf(format, args...)})
}

// ErrOrNil returns e when it carries issues.
func (e *SchemaError) ErrOrNil() error {
	if e == nil || len(e.Issues) == 0 {
		return nil
	}
	return e
}

// SchemaMismatchError reports snapshots that cannot be compared.
type SchemaMismatchError struct {
	Table  string
	Reason string
}

func (e *SchemaMismatchError) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("schema mismatch: %s", e.Reason)
	}
	return fmt.Sprintf("schema mismatch on table %s: %s", e.Table, e.Reason)
}

func (e *SchemaMismatchError) Is(target error) bool {
	return target == ErrSchemaMismatch
}
