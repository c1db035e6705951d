package export

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/rpattn/evalsandbox/internal/domain"
	"github.com/rpattn/evalsandbox/pkg/valuecmp"
)

// excelCellLimit is the longest text a worksheet cell may hold.
const excelCellLimit = 32767

const (
	summarySheet = "Summary"
	changesSheet = "Changes"
)

var changeHeader = []any{"kind", "table", "primary_key", "field", "before", "after"}

// WorkbookExporter renders diffs as xlsx workbooks.
type WorkbookExporter struct {
	maxCellLength int
	includeValues bool
}

type Option func(*WorkbookExporter)

// WithMaxCellLength truncates rendered values to n characters.
func WithMaxCellLength(n int) Option {
	return func(e *WorkbookExporter) {
		if n > 0 && n <= excelCellLimit {
			e.maxCellLength = n
		}
	}
}

// WithRowValues lists every field of inserted and deleted rows, not only the
// key.
func WithRowValues(enabled bool) Option {
	return func(e *WorkbookExporter) {
		e.includeValues = enabled
	}
}

func NewWorkbookExporter(opts ...Option) *WorkbookExporter {
	exporter := &WorkbookExporter{
		maxCellLength: excelCellLimit,
		includeValues: true,
	}
	for _, opt := range opts {
		opt(exporter)
	}
	return exporter
}

// Write renders diff and streams the workbook to w.
func (e *WorkbookExporter) Write(w io.Writer, diff domain.DiffResult) error {
	f, err := e.Workbook(diff)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if err := f.Write(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

// Workbook builds a workbook with a summary sheet and one row per changed
// field.
func (e *WorkbookExporter) Workbook(diff domain.DiffResult) (*excelize.File, error) {
	f := excelize.NewFile()

	if _, err := f.NewSheet(summarySheet); err != nil {
		return nil, fmt.Errorf("failed to create summary sheet: %w", err)
	}
	changes, err := f.NewSheet(changesSheet)
	if err != nil {
		return nil, fmt.Errorf("failed to create changes sheet: %w", err)
	}
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, fmt.Errorf("failed to remove default sheet: %w", err)
	}
	f.SetActiveSheet(changes)

	summary := [][]any{
		{"environment", diff.EnvironmentID.String()},
		{"before", diff.BeforeLabel},
		{"after", diff.AfterLabel},
		{"inserts", len(diff.Inserts)},
		{"updates", len(diff.Updates)},
		{"deletes", len(diff.Deletes)},
	}
	for i, row := range summary {
		if err := e.setRow(f, summarySheet, i+1, row); err != nil {
			return nil, err
		}
	}

	if err := e.setRow(f, changesSheet, 1, changeHeader); err != nil {
		return nil, err
	}
	line := 2
	for _, group := range [][]domain.RowChange{diff.Inserts, diff.Updates, diff.Deletes} {
		for _, change := range group {
			for _, row := range e.changeRows(change) {
				if err := e.setRow(f, changesSheet, line, row); err != nil {
					return nil, err
				}
				line++
			}
		}
	}

	return f, nil
}

func (e *WorkbookExporter) changeRows(change domain.RowChange) [][]any {
	prefix := []any{string(change.Kind), change.Table, change.PrimaryKey.String()}
	row := func(field string, before, after string) []any {
		return append(append([]any{}, prefix...), field, before, after)
	}

	switch change.Kind {
	case domain.ChangeKindUpdate:
		rows := make([][]any, 0, len(change.Changes))
		for _, field := range change.ChangedFields() {
			fc := change.Changes[field]
			rows = append(rows, row(field, e.render(fc.From), e.render(fc.To)))
		}
		return rows
	case domain.ChangeKindInsert, domain.ChangeKindDelete:
		if !e.includeValues {
			return [][]any{row("", "", "")}
		}
		fields := make([]string, 0, len(change.Fields))
		for field := range change.Fields {
			fields = append(fields, field)
		}
		sort.Strings(fields)
		rows := make([][]any, 0, len(fields))
		for _, field := range fields {
			value := e.render(change.Fields[field])
			if change.Kind == domain.ChangeKindInsert {
				rows = append(rows, row(field, "", value))
			} else {
				rows = append(rows, row(field, value, ""))
			}
		}
		return rows
	}
	return nil
}

func (e *WorkbookExporter) render(value any) string {
	var text string
	switch v := value.(type) {
	case nil:
		text = "null"
	case string:
		text = v
	default:
		text = valuecmp.CanonicalJSON(valuecmp.Normalize(v))
	}
	if len([]rune(text)) > e.maxCellLength {
		text = string([]rune(text)[:e.maxCellLength])
	}
	return strings.ToValidUTF8(text, "�")
}

func (e *WorkbookExporter) setRow(f *excelize.File, sheet string, line int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, line)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("failed to write %s row %d: %w", sheet, line, err)
	}
	return nil
}
