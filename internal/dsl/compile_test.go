package dsl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/evalsandbox/internal/domain"
)

func issuePaths(t *testing.T, err error) []string {
	t.Helper()
	var schemaErr *domain.SchemaError
	require.ErrorAs(t, err, &schemaErr)
	paths := make([]string, 0, len(schemaErr.Issues))
	for _, issue := range schemaErr.Issues {
		paths = append(paths, issue.Path)
	}
	return paths
}

func TestParseCompilesDocument(t *testing.T) {
	doc, err := Parse([]byte(`{
		"version": "1",
		"scenario": "triage",
		"task": "close the login bug",
		"ignore_fields": {"global": ["updated_at"], "issues": ["sort_order"]},
		"assertions": [
			{
				"diff_type": "changed",
				"entity": "issues",
				"where": {"id": 1, "meta.team": {"i_contains": "CORE"}},
				"expected_changes": {"state": {"from": "open", "to": {"in": ["closed", "done"]}}, "priority": 2},
				"strict": false,
				"description": "login bug closed"
			},
			{"diff_type": "added", "entity": "comments", "expected_count": {"min": 1, "max": 3}}
		]
	}`), NewTableSet("issues", "comments"))
	require.NoError(t, err)

	assert.Equal(t, "1", doc.Version)
	assert.Equal(t, "triage", doc.Scenario)
	assert.Equal(t, []string{"updated_at"}, doc.IgnoreFields.Global)
	assert.Equal(t, []string{"sort_order"}, doc.IgnoreFields.PerTable["issues"])
	require.Len(t, doc.Assertions, 2)

	changed := doc.Assertions[0]
	assert.Equal(t, DiffTypeChanged, changed.DiffType)
	assert.False(t, changed.Strict)
	require.Len(t, changed.Where, 2)
	assert.Equal(t, "id", changed.Where[0].Field)
	assert.Equal(t, OpEq, changed.Where[0].Condition[0].Op)
	assert.Equal(t, "meta.team", changed.Where[1].Field)
	assert.Equal(t, OpIContains, changed.Where[1].Condition[0].Op)

	require.Len(t, changed.ExpectedChanges, 2)
	assert.Equal(t, "priority", changed.ExpectedChanges[0].Field)
	assert.Nil(t, changed.ExpectedChanges[0].From)
	assert.Equal(t, OpEq, changed.ExpectedChanges[0].To[0].Op)
	assert.Equal(t, "state", changed.ExpectedChanges[1].Field)
	assert.Equal(t, OpIn, changed.ExpectedChanges[1].To[0].Op)

	added := doc.Assertions[1]
	assert.True(t, added.Strict, "strict defaults to true")
	require.NotNil(t, added.ExpectedCount)
	assert.Equal(t, int64(1), *added.ExpectedCount.Min)
	assert.Equal(t, int64(3), *added.ExpectedCount.Max)
}

func TestParseYAMLDocument(t *testing.T) {
	doc, err := Parse([]byte(`
version: 1
scenario: onboarding
assertions:
  - diff_type: added
    entity: users
    where:
      email: {ends_with: "@example.com"}
    expected_count: 1
`), nil)
	require.NoError(t, err)
	assert.Equal(t, "1", doc.Version)
	require.Len(t, doc.Assertions, 1)
	assert.Equal(t, int64(1), *doc.Assertions[0].ExpectedCount.Exact)
}

func TestValidateReportsEveryOffendingPath(t *testing.T) {
	_, err := Parse([]byte(`{
		"assertions": [
			{"diff_type": "modified", "entity": "issues", "where": {"title": {"containz": "x"}}},
			{"diff_type": "added", "entity": "ghosts", "where": {"n": {"gt": [1]}, "tags": {"has_any": "bug"}}},
			{"diff_type": "added", "entity": "issues", "expected_changes": {"state": "closed"}, "strict": true},
			{"diff_type": "changed", "entity": "issues", "expected_count": {"min": 3, "max": 1}, "extra": 1},
			{"diff_type": "removed", "entity": "issues", "where": {"title": {"regex": "("}, "body": {}}}
		]
	}`), NewTableSet("issues"))

	paths := issuePaths(t, err)
	assert.ElementsMatch(t, []string{
		"version",
		"assertions[0].diff_type",
		"assertions[0].where.title.containz",
		"assertions[1].entity",
		"assertions[1].where.n.gt",
		"assertions[1].where.tags.has_any",
		"assertions[2].expected_changes",
		"assertions[2].strict",
		"assertions[3].expected_count",
		"assertions[3].extra",
		"assertions[4].where.body",
		"assertions[4].where.title.regex",
	}, paths)
}

func TestValidateDocumentShape(t *testing.T) {
	cases := []struct {
		name  string
		input string
		paths []string
	}{
		{"not an object", `[1, 2]`, []string{"document"}},
		{"empty assertions", `{"version": "1", "assertions": []}`, []string{"assertions"}},
		{"missing assertions", `{"version": "1"}`, []string{"assertions"}},
		{"unknown top level key", `{"version": "1", "strict": true, "assertions": [{"diff_type": "added", "entity": "t"}]}`, []string{"strict"}},
		{"bad ignore fields", `{"version": "1", "ignore_fields": {"global": "updated_at"}, "assertions": [{"diff_type": "added", "entity": "t"}]}`, []string{"ignore_fields.global"}},
		{"negative count", `{"version": "1", "assertions": [{"diff_type": "added", "entity": "t", "expected_count": -1}]}`, []string{"assertions[0].expected_count"}},
		{"fractional count", `{"version": "1", "assertions": [{"diff_type": "added", "entity": "t", "expected_count": 1.5}]}`, []string{"assertions[0].expected_count"}},
		{"missing entity", `{"version": "1", "assertions": [{"diff_type": "added"}]}`, []string{"assertions[0].entity"}},
		{"malformed json", `{"version": `, []string{"document"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.input), nil)
			assert.ElementsMatch(t, tc.paths, issuePaths(t, err))
		})
	}
}

func TestValidateWithoutCatalogSkipsEntityCheck(t *testing.T) {
	raw, err := Decode([]byte(`{"version": "1", "assertions": [{"diff_type": "added", "entity": "anything"}]}`))
	require.NoError(t, err)
	assert.NoError(t, Validate(raw, nil))
	assert.Error(t, Validate(raw, NewTableSet("issues")))
}
