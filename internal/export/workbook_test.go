package export

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/rpattn/evalsandbox/internal/domain"
)

func sampleDiff() domain.DiffResult {
	return domain.DiffResult{
		EnvironmentID: uuid.MustParse("11111111-1111-1111-1111-111111111111"),
		BeforeLabel:   "before_1",
		AfterLabel:    "after_1",
		Inserts: []domain.RowChange{{
			Kind: domain.ChangeKindInsert, Table: "comments", PrimaryKey: domain.NewPrimaryKey(int64(3)),
			Fields: domain.Row{"id": int64(3), "body": "At Risk"},
		}},
		Updates: []domain.RowChange{{
			Kind: domain.ChangeKindUpdate, Table: "issues", PrimaryKey: domain.NewPrimaryKey(int64(1)),
			Fields:  domain.Row{"id": int64(1), "state": "closed", "tags": []any{"a"}},
			Changes: map[string]domain.FieldChange{"state": {From: "open", To: "closed"}, "tags": {From: nil, To: []any{"a"}}},
		}},
		Deletes: []domain.RowChange{{
			Kind: domain.ChangeKindDelete, Table: "issues", PrimaryKey: domain.NewPrimaryKey(int64(2)),
			Fields: domain.Row{"id": int64(2)},
		}},
	}
}

func readRows(t *testing.T, payload []byte, sheet string) [][]string {
	t.Helper()
	f, err := excelize.OpenReader(bytes.NewReader(payload))
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	rows, err := f.GetRows(sheet)
	require.NoError(t, err)
	return rows
}

func TestWorkbookExporterWritesSummaryAndChanges(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewWorkbookExporter().Write(&buf, sampleDiff()))

	summary := readRows(t, buf.Bytes(), summarySheet)
	assert.Equal(t, []string{"inserts", "1"}, summary[3])
	assert.Equal(t, []string{"after", "after_1"}, summary[2])

	changes := readRows(t, buf.Bytes(), changesSheet)
	assert.Equal(t, [][]string{
		{"kind", "table", "primary_key", "field", "before", "after"},
		{"insert", "comments", "[3]", "body", "", "At Risk"},
		{"insert", "comments", "[3]", "id", "", "3"},
		{"update", "issues", "[1]", "state", "open", "closed"},
		{"update", "issues", "[1]", "tags", "null", `["a"]`},
		{"delete", "issues", "[2]", "id", "2"},
	}, changes)
}

func TestWorkbookExporterOptions(t *testing.T) {
	diff := sampleDiff()
	diff.Updates[0].Changes["state"] = domain.FieldChange{From: "open", To: "closed for good"}

	var buf bytes.Buffer
	require.NoError(t, NewWorkbookExporter(WithMaxCellLength(6), WithRowValues(false)).Write(&buf, diff))

	changes := readRows(t, buf.Bytes(), changesSheet)
	assert.Equal(t, []string{"insert", "comments", "[3]"}, changes[1])
	assert.Equal(t, []string{"update", "issues", "[1]", "state", "open", "closed"}, changes[2])
}
