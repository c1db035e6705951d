package dsl

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/evalsandbox/internal/diff"
	"github.com/rpattn/evalsandbox/internal/domain"
)

var evalEnv = uuid.MustParse("33333333-3333-3333-3333-333333333333")

func snapshotOf(t *testing.T, label string, tables map[string][]domain.Row) domain.Snapshot {
	t.Helper()
	images := make([]domain.TableSnapshot, 0, len(tables))
	for name, rows := range tables {
		table, err := domain.NewTableSnapshot(name, nil, []string{"id"}, rows)
		require.NoError(t, err)
		images = append(images, table)
	}
	snapshot, err := domain.NewSnapshot(evalEnv, label, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), images...)
	require.NoError(t, err)
	return snapshot
}

func diffOf(t *testing.T, before, after map[string][]domain.Row, opts diff.Options) domain.DiffResult {
	t.Helper()
	result, err := diff.Compute(snapshotOf(t, "before", before), snapshotOf(t, "after", after), opts)
	require.NoError(t, err)
	return result
}

func mustParse(t *testing.T, document string) Document {
	t.Helper()
	doc, err := Parse([]byte(document), nil)
	require.NoError(t, err)
	return doc
}

func commentsFixture() (before, after map[string][]domain.Row) {
	before = map[string][]domain.Row{
		"comments": {
			{"id": 1, "projectId": 2, "body": "kickoff notes"},
			{"id": 2, "projectId": 2, "body": "weekly sync"},
		},
	}
	after = map[string][]domain.Row{
		"comments": {
			{"id": 1, "projectId": 2, "body": "kickoff notes"},
			{"id": 2, "projectId": 2, "body": "weekly sync"},
			{"id": 3, "projectId": 1, "body": "Status: At Risk (budget)"},
			{"id": 4, "projectId": 1, "body": "Timeline At Risk"},
			{"id": 5, "projectId": 1, "body": "Marked At Risk by lead"},
		},
	}
	return before, after
}

func TestEvaluateScenarioAddedCommentsPass(t *testing.T) {
	before, after := commentsFixture()
	result := Evaluate(mustParse(t, `{
		"version": "1",
		"assertions": [{
			"diff_type": "added",
			"entity": "comments",
			"where": {"projectId": {"eq": 1}, "body": {"contains": "At Risk"}},
			"expected_count": 3
		}]
	}`), diffOf(t, before, after, diff.Options{}))

	require.True(t, result.Passed, result.Failures)
	assert.Equal(t, 1.0, result.Score)
	require.Len(t, result.Assertions, 1)
	assert.Equal(t, 3, result.Assertions[0].ActualCount)
	assert.Equal(t, []string{"[3]", "[4]", "[5]"}, keyStrings(result.Assertions[0].MatchedKeys))
}

func TestEvaluateScenarioUnchangedDefaultsToZero(t *testing.T) {
	before, after := commentsFixture()
	doc := mustParse(t, `{
		"version": "1",
		"assertions": [{"diff_type": "unchanged", "entity": "comments", "where": {"projectId": {"eq": 2}}}]
	}`)
	result := Evaluate(doc, diffOf(t, before, after, diff.Options{IncludeUnchanged: true}))

	require.Len(t, result.Assertions, 1)
	assert.Equal(t, 2, result.Assertions[0].ActualCount)
	assert.Equal(t, "0", result.Assertions[0].ExpectedCount)
	assert.False(t, result.Passed, "unchanged assertions expect zero matches unless expected_count is set")
	assert.Equal(t, 0.0, result.Score)

	explicit := mustParse(t, `{
		"version": "1",
		"assertions": [{"diff_type": "unchanged", "entity": "comments", "where": {"projectId": 2}, "expected_count": 2}]
	}`)
	assert.True(t, Evaluate(explicit, diffOf(t, before, after, diff.Options{IncludeUnchanged: true})).Passed)
}

func TestEvaluateCountDefaults(t *testing.T) {
	doc := mustParse(t, `{"version": "1", "assertions": [{"diff_type": "added", "entity": "issues"}]}`)

	empty := diffOf(t, map[string][]domain.Row{"issues": {}}, map[string][]domain.Row{"issues": {}}, diff.Options{})
	assert.False(t, Evaluate(doc, empty).Passed)

	one := diffOf(t, map[string][]domain.Row{"issues": {}}, map[string][]domain.Row{"issues": {{"id": 1}}}, diff.Options{})
	assert.True(t, Evaluate(doc, one).Passed)
}

func TestEvaluateRangeCounts(t *testing.T) {
	doc := mustParse(t, `{"version": "1", "assertions": [{"diff_type": "added", "entity": "issues", "expected_count": {"min": 2, "max": 3}}]}`)

	for n, expected := range map[int]bool{1: false, 2: true, 3: true, 4: false} {
		rows := make([]domain.Row, 0, n)
		for i := 1; i <= n; i++ {
			rows = append(rows, domain.Row{"id": i})
		}
		result := Evaluate(doc, diffOf(t, map[string][]domain.Row{"issues": {}}, map[string][]domain.Row{"issues": rows}, diff.Options{}))
		assert.Equal(t, expected, result.Passed, "count %d", n)
	}
}

func TestEvaluateStrictChanged(t *testing.T) {
	before := map[string][]domain.Row{"issues": {{"id": 1, "state": "open", "priority": 1, "updated_at": "t1"}}}
	after := map[string][]domain.Row{"issues": {{"id": 1, "state": "closed", "priority": 3, "updated_at": "t2"}}}
	changes := diffOf(t, before, after, diff.Options{})

	strict := mustParse(t, `{"version": "1", "assertions": [{
		"diff_type": "changed", "entity": "issues",
		"expected_changes": {"state": {"from": "open", "to": "closed"}}
	}]}`)
	result := Evaluate(strict, changes)
	assert.False(t, result.Passed)
	require.Len(t, result.Failures, 1)
	assert.Contains(t, result.Failures[0], "also changed priority, updated_at (strict)")

	loose := mustParse(t, `{"version": "1", "assertions": [{
		"diff_type": "changed", "entity": "issues",
		"expected_changes": {"state": {"from": "open", "to": "closed"}},
		"strict": false
	}]}`)
	assert.True(t, Evaluate(loose, changes).Passed)

	ignoring := mustParse(t, `{"version": "1",
		"ignore_fields": {"global": ["updated_at"], "issues": ["priority"]},
		"assertions": [{
			"diff_type": "changed", "entity": "issues",
			"expected_changes": {"state": {"to": "closed"}}
		}]}`)
	assert.True(t, Evaluate(ignoring, changes).Passed, "ignored fields do not violate strict mode")
}

func TestEvaluateChangedRequiresNamedFieldToChange(t *testing.T) {
	before := map[string][]domain.Row{"issues": {{"id": 1, "state": "open", "title": "a"}}}
	after := map[string][]domain.Row{"issues": {{"id": 1, "state": "open", "title": "b"}}}

	doc := mustParse(t, `{"version": "1", "assertions": [{
		"diff_type": "changed", "entity": "issues",
		"expected_changes": {"state": {"to": "open"}}, "strict": false
	}]}`)
	result := Evaluate(doc, diffOf(t, before, after, diff.Options{}))
	assert.False(t, result.Passed)
	assert.Contains(t, result.Failures[0], "did not change field state")
}

func TestEvaluateChangedWhereMatchesBeforeOrAfter(t *testing.T) {
	before := map[string][]domain.Row{"issues": {{"id": 1, "state": "open"}}}
	after := map[string][]domain.Row{"issues": {{"id": 1, "state": "closed"}}}
	changes := diffOf(t, before, after, diff.Options{})

	for _, state := range []string{"open", "closed"} {
		doc := mustParse(t, `{"version": "1", "assertions": [{"diff_type": "changed", "entity": "issues", "where": {"state": "`+state+`"}, "strict": false}]}`)
		assert.True(t, Evaluate(doc, changes).Passed, "where on %s image", state)
	}
}

func TestEvaluateStrictChangedWithoutExpectedChanges(t *testing.T) {
	before := map[string][]domain.Row{"issues": {{"id": 1, "state": "open", "priority": 1, "updated_at": "t1"}}}
	after := map[string][]domain.Row{"issues": {{"id": 1, "state": "closed", "priority": 3, "updated_at": "t2"}}}
	changes := diffOf(t, before, after, diff.Options{})

	strict := mustParse(t, `{"version": "1", "assertions": [{"diff_type": "changed", "entity": "issues", "where": {"id": 1}}]}`)
	result := Evaluate(strict, changes)
	assert.False(t, result.Passed)
	require.Len(t, result.Assertions, 1)
	assert.Equal(t, 0, result.Assertions[0].ActualCount)
	require.Len(t, result.Failures, 1)
	assert.Contains(t, result.Failures[0], "also changed priority, state, updated_at (strict)")

	loose := mustParse(t, `{"version": "1", "assertions": [{"diff_type": "changed", "entity": "issues", "where": {"id": 1}, "strict": false}]}`)
	assert.True(t, Evaluate(loose, changes).Passed)

	onlyIgnored := diffOf(t,
		map[string][]domain.Row{"issues": {{"id": 1, "state": "open", "updated_at": "t1"}}},
		map[string][]domain.Row{"issues": {{"id": 1, "state": "open", "updated_at": "t2"}}},
		diff.Options{},
	)
	ignoring := mustParse(t, `{"version": "1", "ignore_fields": {"global": ["updated_at"]},
		"assertions": [{"diff_type": "changed", "entity": "issues", "where": {"id": 1}}]}`)
	assert.True(t, Evaluate(ignoring, onlyIgnored).Passed, "ignored fields do not violate strict mode")
}

func TestEvaluateRemoved(t *testing.T) {
	before := map[string][]domain.Row{"issues": {{"id": 1, "title": "old"}, {"id": 2, "title": "keep"}}}
	after := map[string][]domain.Row{"issues": {{"id": 2, "title": "keep"}}}

	doc := mustParse(t, `{"version": "1", "assertions": [{"diff_type": "removed", "entity": "issues", "where": {"title": "old"}, "expected_count": 1}]}`)
	assert.True(t, Evaluate(doc, diffOf(t, before, after, diff.Options{})).Passed)
}

func TestEvaluateAggregateIsConjunction(t *testing.T) {
	before, after := commentsFixture()
	doc := mustParse(t, `{"version": "1", "assertions": [
		{"diff_type": "added", "entity": "comments", "expected_count": 3},
		{"diff_type": "removed", "entity": "comments", "description": "nothing deleted"}
	]}`)

	result := Evaluate(doc, diffOf(t, before, after, diff.Options{}))
	assert.False(t, result.Passed)
	assert.Equal(t, 1, result.PassedCount)
	assert.Equal(t, 2, result.Total)
	assert.Equal(t, 0.0, result.Score)
	require.Len(t, result.Failures, 1)
	assert.Contains(t, result.Failures[0], "nothing deleted")
}

func keyStrings(keys []domain.PrimaryKey) []string {
	out := make([]string, len(keys))
	for i, key := range keys {
		out[i] = key.String()
	}
	return out
}
