package sqlite

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedTemplate(t *testing.T, store *Store, namespace string) {
	t.Helper()
	conn, err := sql.Open("sqlite3", dsn(store.Path(namespace)))
	require.NoError(t, err)
	defer conn.Close()

	statements := []string{
		`CREATE TABLE projects (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT NOT NULL)`,
		`CREATE TABLE comments (id INTEGER PRIMARY KEY AUTOINCREMENT, project_id INTEGER REFERENCES projects(id), body TEXT)`,
		`CREATE TABLE memberships (project_id INTEGER, user_id INTEGER, role TEXT, PRIMARY KEY (user_id, project_id))`,
		`CREATE TABLE audit (message TEXT)`,
		`INSERT INTO projects (name) VALUES ('alpha'), ('beta')`,
		`INSERT INTO comments (project_id, body) VALUES (1, 'kickoff'), (2, 'weekly sync')`,
		`INSERT INTO memberships VALUES (1, 7, 'owner')`,
	}
	for _, statement := range statements {
		_, err := conn.Exec(statement)
		require.NoError(t, err, statement)
	}
}

func TestStoreCloneAndCapture(t *testing.T) {
	ctx := context.Background()
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	seedTemplate(t, store, "tpl_tracker")

	require.NoError(t, store.Clone(ctx, "tpl_tracker", "env_one"))
	exists, err := store.Exists(ctx, "env_one")
	require.NoError(t, err)
	assert.True(t, exists)

	tables, err := store.Capture(ctx, "env_one")
	require.NoError(t, err)
	require.Len(t, tables, 4)

	names := make([]string, len(tables))
	for i, table := range tables {
		names[i] = table.Info.Name
	}
	assert.Equal(t, []string{"audit", "comments", "memberships", "projects"}, names)

	assert.Empty(t, tables[0].Info.PrimaryKey)
	assert.Equal(t, []string{"id"}, tables[1].Info.PrimaryKey)
	assert.Equal(t, []string{"user_id", "project_id"}, tables[2].Info.PrimaryKey)
	assert.Equal(t, []string{"id", "name"}, tables[3].Info.Columns)
	assert.Len(t, tables[3].Rows, 2)
}

func TestStoreCloneIsIndependentOfTemplate(t *testing.T) {
	ctx := context.Background()
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	seedTemplate(t, store, "tpl_tracker")
	require.NoError(t, store.Clone(ctx, "tpl_tracker", "env_one"))

	conn, err := store.Open("env_one")
	require.NoError(t, err)
	_, err = conn.Exec(`INSERT INTO projects (name) VALUES ('gamma')`)
	require.NoError(t, err)

	var id int64
	require.NoError(t, conn.QueryRow(`SELECT id FROM projects WHERE name = 'gamma'`).Scan(&id))
	assert.Equal(t, int64(3), id, "sequence continues past copied rows")
	require.NoError(t, conn.Close())

	template, err := store.Capture(ctx, "tpl_tracker")
	require.NoError(t, err)
	for _, table := range template {
		if table.Info.Name == "projects" {
			assert.Len(t, table.Rows, 2)
		}
	}

	assert.Error(t, store.Clone(ctx, "tpl_tracker", "env_one"), "existing namespace")
}

func TestStoreDrop(t *testing.T) {
	ctx := context.Background()
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	seedTemplate(t, store, "tpl_tracker")
	require.NoError(t, store.Clone(ctx, "tpl_tracker", "env_one"))

	require.NoError(t, store.Drop(ctx, "env_one"))
	exists, err := store.Exists(ctx, "env_one")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, store.Drop(ctx, "env_one"), "dropping twice is harmless")
	assert.Error(t, store.Drop(ctx, "../escape"))
}
