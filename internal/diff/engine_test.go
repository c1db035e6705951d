package diff

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/evalsandbox/internal/domain"
)

var (
	testEnv  = uuid.MustParse("22222222-2222-2222-2222-222222222222")
	baseTime = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
)

func buildSnapshot(t *testing.T, envID uuid.UUID, label string, tables map[string][]domain.Row) domain.Snapshot {
	t.Helper()
	snapshot, err := snapshotFromRows(envID, label, tables)
	require.NoError(t, err)
	return snapshot
}

func snapshotFromRows(envID uuid.UUID, label string, tables map[string][]domain.Row) (domain.Snapshot, error) {
	images := make([]domain.TableSnapshot, 0, len(tables))
	for name, rows := range tables {
		table, err := domain.NewTableSnapshot(name, nil, []string{"id"}, rows)
		if err != nil {
			return domain.Snapshot{}, err
		}
		images = append(images, table)
	}
	return domain.NewSnapshot(envID, label, baseTime, images...)
}

func keysOf(changes []domain.RowChange) []string {
	keys := make([]string, 0, len(changes))
	for _, change := range changes {
		keys = append(keys, change.Table+" "+change.PrimaryKey.String())
	}
	return keys
}

func TestComputeClassifiesRows(t *testing.T) {
	before := buildSnapshot(t, testEnv, "before", map[string][]domain.Row{
		"issues": {
			{"id": 1, "title": "Fix login", "state": "open"},
			{"id": 2, "title": "Drop me", "state": "open"},
			{"id": 3, "title": "Stable", "state": "done"},
		},
		"users": {{"id": 1, "name": "ann"}},
	})
	after := buildSnapshot(t, testEnv, "after", map[string][]domain.Row{
		"issues": {
			{"id": 1, "title": "Fix login", "state": "closed"},
			{"id": 3, "title": "Stable", "state": "done"},
			{"id": 4, "title": "New", "state": "open"},
		},
		"users": {{"id": 1, "name": "ann"}},
	})

	result, err := Compute(before, after, Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{"issues [4]"}, keysOf(result.Inserts))
	assert.Equal(t, []string{"issues [2]"}, keysOf(result.Deletes))
	require.Equal(t, []string{"issues [1]"}, keysOf(result.Updates))

	update := result.Updates[0]
	assert.Equal(t, map[string]domain.FieldChange{"state": {From: "open", To: "closed"}}, update.Changes)
	assert.Equal(t, "open", update.Before["state"])
	assert.Equal(t, "closed", update.Fields["state"])
	assert.Nil(t, result.Unchanged)
	assert.Equal(t, "before", result.BeforeLabel)
	assert.Equal(t, "after", result.AfterLabel)
}

func TestComputeOrdersByTableThenKey(t *testing.T) {
	before := buildSnapshot(t, testEnv, "before", map[string][]domain.Row{})
	after := buildSnapshot(t, testEnv, "after", map[string][]domain.Row{
		"zeta":  {{"id": 1}},
		"alpha": {{"id": 10}, {"id": 2}, {"id": 1}},
	})

	result, err := Compute(before, after, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha [1]", "alpha [2]", "alpha [10]", "zeta [1]"}, keysOf(result.Inserts))
}

func TestComputeIgnoreFields(t *testing.T) {
	before := buildSnapshot(t, testEnv, "before", map[string][]domain.Row{
		"issues": {{"id": 1, "title": "a", "updated_at": "t1", "sort_order": 1}},
	})
	after := buildSnapshot(t, testEnv, "after", map[string][]domain.Row{
		"issues": {
			{"id": 1, "title": "a", "updated_at": "t2", "sort_order": 5},
			{"id": 2, "title": "b", "updated_at": "t2", "sort_order": 2},
		},
	})

	ignore := domain.FieldSet{
		Global:   []string{"updated_at"},
		PerTable: map[string][]string{"issues": {"sort_order"}},
	}
	result, err := Compute(before, after, Options{Ignore: ignore, IncludeUnchanged: true})
	require.NoError(t, err)

	assert.Empty(t, result.Updates)
	assert.Equal(t, []string{"issues [2]"}, keysOf(result.Inserts), "ignore fields never hide inserts")
	assert.Equal(t, []string{"issues [1]"}, keysOf(result.Unchanged))
}

func TestComputeSequencesAreOrderSensitiveByDefault(t *testing.T) {
	before := buildSnapshot(t, testEnv, "before", map[string][]domain.Row{
		"issues": {{"id": 1, "labels": []any{"bug", "ui"}, "watchers": []any{"a", "b"}}},
	})
	after := buildSnapshot(t, testEnv, "after", map[string][]domain.Row{
		"issues": {{"id": 1, "labels": []any{"ui", "bug"}, "watchers": []any{"b", "a"}}},
	})

	result, err := Compute(before, after, Options{})
	require.NoError(t, err)
	require.Len(t, result.Updates, 1)
	assert.Equal(t, []string{"labels", "watchers"}, result.Updates[0].ChangedFields())

	result, err = Compute(before, after, Options{
		Unordered: domain.FieldSet{PerTable: map[string][]string{"issues": {"labels"}}},
	})
	require.NoError(t, err)
	require.Len(t, result.Updates, 1)
	assert.Equal(t, []string{"watchers"}, result.Updates[0].ChangedFields())
}

func TestComputeNestedStructures(t *testing.T) {
	before := buildSnapshot(t, testEnv, "before", map[string][]domain.Row{
		"issues": {{"id": 1, "meta": map[string]any{"labels": map[string]any{"team": "core"}, "points": 3}}},
	})
	after := buildSnapshot(t, testEnv, "after", map[string][]domain.Row{
		"issues": {{"id": 1, "meta": map[string]any{"labels": map[string]any{"team": "core"}, "points": 3.0}}},
	})

	result, err := Compute(before, after, Options{})
	require.NoError(t, err)
	assert.True(t, result.IsEmpty(), "numerically equal nested values should not produce updates")
}

func TestComputeRejectsCrossEnvironment(t *testing.T) {
	before := buildSnapshot(t, testEnv, "before", map[string][]domain.Row{"issues": {{"id": 1}}})
	after := buildSnapshot(t, uuid.New(), "after", map[string][]domain.Row{"issues": {{"id": 1}}})

	_, err := Compute(before, after, Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrSchemaMismatch))
}

func TestComputeRejectsKeyColumnChange(t *testing.T) {
	beforeTable, err := domain.NewTableSnapshot("issues", nil, []string{"id"}, []domain.Row{{"id": 1, "slug": "a"}})
	require.NoError(t, err)
	afterTable, err := domain.NewTableSnapshot("issues", nil, []string{"slug"}, []domain.Row{{"id": 1, "slug": "a"}})
	require.NoError(t, err)
	before, err := domain.NewSnapshot(testEnv, "before", baseTime, beforeTable)
	require.NoError(t, err)
	after, err := domain.NewSnapshot(testEnv, "after", baseTime, afterTable)
	require.NoError(t, err)

	_, err = Compute(before, after, Options{})
	var mismatch *domain.SchemaMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "issues", mismatch.Table)
}

func rowsFromTitles(titles map[int]string, stamp string) []domain.Row {
	rows := make([]domain.Row, 0, len(titles))
	for id, title := range titles {
		rows = append(rows, domain.Row{"id": id, "title": title, "updated_at": stamp})
	}
	return rows
}

func TestComputeProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	titles := gen.MapOf(gen.IntRange(1, 40), gen.AlphaString())

	properties.Property("diff of a snapshot with itself is empty", prop.ForAll(
		func(rows map[int]string) bool {
			snapshot, err := snapshotFromRows(testEnv, "s", map[string][]domain.Row{"issues": rowsFromTitles(rows, "t")})
			if err != nil {
				return false
			}
			result, err := Compute(snapshot, snapshot, Options{})
			return err == nil && result.IsEmpty()
		},
		titles,
	))

	properties.Property("inserts and deletes swap when arguments swap", prop.ForAll(
		func(a, b map[int]string) bool {
			left, errA := snapshotFromRows(testEnv, "a", map[string][]domain.Row{"issues": rowsFromTitles(a, "t")})
			right, errB := snapshotFromRows(testEnv, "b", map[string][]domain.Row{"issues": rowsFromTitles(b, "t")})
			if errA != nil || errB != nil {
				return false
			}
			forward, err := Compute(left, right, Options{})
			if err != nil {
				return false
			}
			backward, err := Compute(right, left, Options{})
			if err != nil {
				return false
			}
			if !equalStrings(keysOf(forward.Inserts), keysOf(backward.Deletes)) ||
				!equalStrings(keysOf(forward.Deletes), keysOf(backward.Inserts)) ||
				!equalStrings(keysOf(forward.Updates), keysOf(backward.Updates)) {
				return false
			}
			for i, update := range forward.Updates {
				mirrored := backward.Updates[i].Changes["title"]
				if update.Changes["title"].From != mirrored.To || update.Changes["title"].To != mirrored.From {
					return false
				}
			}
			return true
		},
		titles, titles,
	))

	properties.Property("changes confined to ignored fields yield no updates", prop.ForAll(
		func(rows map[int]string) bool {
			before, errA := snapshotFromRows(testEnv, "a", map[string][]domain.Row{"issues": rowsFromTitles(rows, "t1")})
			after, errB := snapshotFromRows(testEnv, "b", map[string][]domain.Row{"issues": rowsFromTitles(rows, "t2")})
			if errA != nil || errB != nil {
				return false
			}
			result, err := Compute(before, after, Options{Ignore: domain.FieldSet{Global: []string{"updated_at"}}})
			return err == nil && result.IsEmpty()
		},
		titles,
	))

	properties.Property("diff is deterministic", prop.ForAll(
		func(a, b map[int]string) bool {
			left, errA := snapshotFromRows(testEnv, "a", map[string][]domain.Row{"issues": rowsFromTitles(a, "t")})
			right, errB := snapshotFromRows(testEnv, "b", map[string][]domain.Row{"issues": rowsFromTitles(b, "t")})
			if errA != nil || errB != nil {
				return false
			}
			first, err1 := Compute(left, right, Options{})
			second, err2 := Compute(left, right, Options{})
			return err1 == nil && err2 == nil &&
				equalStrings(keysOf(first.Inserts), keysOf(second.Inserts)) &&
				equalStrings(keysOf(first.Updates), keysOf(second.Updates)) &&
				equalStrings(keysOf(first.Deletes), keysOf(second.Deletes))
		},
		titles, titles,
	))

	properties.TestingRun(t)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
