package domain

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/sebdah/goldie/v2"
)

func TestRowCanonicalText(t *testing.T) {
	row := Row{
		"name": "base",
		"metadata": map[string]any{
			"color": "red",
			"size":  int64(10),
		},
		"tags":  []any{"alpha", "beta"},
		"empty": map[string]any{},
		"gone":  nil,
	}

	lines, err := row.CanonicalText()
	if err != nil {
		t.Fatalf("unexpected error generating canonical text: %v", err)
	}

	expected := []string{
		"empty: {}",
		"gone: null",
		"metadata.color: \"red\"",
		"metadata.size: 10",
		"name: \"base\"",
		"tags[0]: \"alpha\"",
		"tags[1]: \"beta\"",
	}

	if len(lines) != len(expected) {
		t.Fatalf("expected %d canonical lines, got %d\n%v", len(expected), len(lines), lines)
	}

	for idx, line := range expected {
		if lines[idx] != line {
			t.Errorf("line %d mismatch: expected %q got %q", idx, line, lines[idx])
		}
	}
}

func TestDiffRows(t *testing.T) {
	base := Row{"name": "Base", "metadata": map[string]any{"color": "red"}}
	target := Row{"name": "Target", "metadata": map[string]any{"color": "blue"}, "count": int64(2)}

	diff, err := DiffRows("before", base, "after", target)
	if err != nil {
		t.Fatalf("unexpected diff error: %v", err)
	}

	if !strings.Contains(diff, "-metadata.color: \"red\"") {
		t.Errorf("diff missing base metadata change: %s", diff)
	}
	if !strings.Contains(diff, "+metadata.color: \"blue\"") {
		t.Errorf("diff missing target metadata change: %s", diff)
	}
	if !strings.Contains(diff, "+count: 2") {
		t.Errorf("diff missing added field: %s", diff)
	}
}

func TestRenderDiffGolden(t *testing.T) {
	result := DiffResult{
		EnvironmentID: uuid.MustParse("11111111-1111-1111-1111-111111111111"),
		BeforeLabel:   "before_a",
		AfterLabel:    "after_a",
		Inserts: []RowChange{{
			Kind:       ChangeKindInsert,
			Table:      "issues",
			PrimaryKey: NewPrimaryKey(3),
			Fields:     Row{"id": int64(3), "title": "New", "done": false},
		}},
		Updates: []RowChange{{
			Kind:       ChangeKindUpdate,
			Table:      "issues",
			PrimaryKey: NewPrimaryKey(1),
			Before:     Row{"id": int64(1), "title": "Old", "done": false},
			Fields:     Row{"id": int64(1), "title": "Old", "done": true},
			Changes:    map[string]FieldChange{"done": {From: false, To: true}},
		}},
		Deletes: []RowChange{{
			Kind:       ChangeKindDelete,
			Table:      "comments",
			PrimaryKey: NewPrimaryKey(7),
			Fields:     Row{"id": int64(7), "body": "bye"},
		}},
	}

	rendered, err := RenderDiff(result)
	if err != nil {
		t.Fatalf("unexpected render error: %v", err)
	}

	g := goldie.New(t)
	g.Assert(t, "render_diff", []byte(rendered))
}
