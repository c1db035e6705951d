package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/evalsandbox/internal/backend"
	"github.com/rpattn/evalsandbox/internal/domain"
)

func TestCloneIsDeepCopy(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	require.NoError(t, store.CreateTable("tpl", backend.TableInfo{Name: "issues", Columns: []string{"id", "meta"}, PrimaryKey: []string{"id"}},
		map[string]any{"id": 1, "meta": map[string]any{"labels": []any{"bug"}}}))

	require.NoError(t, store.Clone(ctx, "tpl", "env_a"))
	assert.EqualValues(t, 1, store.CloneCount())

	n, err := store.Update("env_a", "issues", func(map[string]any) bool { return true }, map[string]any{"meta": map[string]any{}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	template, err := store.Capture(ctx, "tpl")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"labels": []any{"bug"}}, template[0].Rows[0]["meta"])

	assert.Error(t, store.Clone(ctx, "tpl", "env_a"))
	assert.Error(t, store.Clone(ctx, "missing", "env_b"))
}

func TestDeleteAndDrop(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	require.NoError(t, store.CreateTable("tpl", backend.TableInfo{Name: "t", PrimaryKey: []string{"id"}},
		map[string]any{"id": 1}, map[string]any{"id": 2}))

	n, err := store.Delete("tpl", "t", func(row map[string]any) bool { return row["id"] == 1 })
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, store.Drop(ctx, "tpl"))
	exists, err := store.Exists(ctx, "tpl")
	require.NoError(t, err)
	assert.False(t, exists)
	_, err = store.Capture(ctx, "tpl")
	assert.Error(t, err)
}

func TestLoadSnapshotSeedsNamespace(t *testing.T) {
	ctx := context.Background()
	table, err := domain.NewTableSnapshot("projects", []string{"id", "name"}, []string{"id"}, []domain.Row{
		{"id": 2, "name": "Gemini"},
		{"id": 1, "name": "Apollo"},
	})
	require.NoError(t, err)
	seed, err := domain.NewSnapshot(uuid.Nil, "seed", time.Now(), table)
	require.NoError(t, err)

	store := NewStore()
	require.NoError(t, store.LoadSnapshot("tpl_tracker", seed))

	tables, err := store.Tables(ctx, "tpl_tracker")
	require.NoError(t, err)
	require.Len(t, tables, 1)
	assert.Equal(t, []string{"id"}, tables[0].PrimaryKey)

	data, err := store.Capture(ctx, "tpl_tracker")
	require.NoError(t, err)
	assert.Len(t, data[0].Rows, 2)
	assert.Error(t, store.LoadSnapshot("tpl_tracker", seed), "tables already exist")
}
