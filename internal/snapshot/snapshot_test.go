package snapshot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/evalsandbox/internal/backend"
	"github.com/rpattn/evalsandbox/internal/backend/memory"
	"github.com/rpattn/evalsandbox/internal/domain"
)

type failingBackend struct {
	backend.Store
}

func (failingBackend) Capture(context.Context, string) ([]backend.TableData, error) {
	return nil, errors.New("connection reset")
}

func newEnvironment(t *testing.T, store *memory.Store) domain.Environment {
	t.Helper()
	env := domain.NewPooledEnvironment(domain.Template{Name: "tracker", Namespace: "tpl_tracker"}, time.Now())
	require.NoError(t, store.CreateTable(env.Namespace,
		backend.TableInfo{Name: "issues", Columns: []string{"id", "title", "payload"}, PrimaryKey: []string{"id"}},
		map[string]any{"id": int32(1), "title": "Fix login", "payload": []byte{0xde, 0xad}},
		map[string]any{"id": int32(2), "title": "Add search", "payload": nil},
	))
	return env
}

func storesUnderTest(t *testing.T) map[string]Store {
	t.Helper()
	badgerStore, err := OpenBadgerStore(BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = badgerStore.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"badger": badgerStore,
	}
}

func TestCaptureAndGet(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			backendStore := memory.NewStore()
			env := newEnvironment(t, backendStore)
			capturer := NewCapturer(backendStore, store, nil)

			captured, err := capturer.Capture(ctx, env, "before_1")
			require.NoError(t, err)
			assert.Equal(t, 2, captured.RowCount())

			loaded, err := capturer.Get(ctx, env.ID, "before_1")
			require.NoError(t, err)
			assert.True(t, captured.Equal(loaded))

			issues, ok := loaded.Table("issues")
			require.True(t, ok)
			row, ok := issues.Row(domain.NewPrimaryKey(int64(1)))
			require.True(t, ok)
			assert.Equal(t, `\xdead`, row["payload"])
			assert.Equal(t, int64(1), row["id"])

			_, err = capturer.Get(ctx, env.ID, "after_1")
			assert.ErrorIs(t, err, domain.ErrNotFound)
		})
	}
}

func TestCaptureOverwritesLabel(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			backendStore := memory.NewStore()
			env := newEnvironment(t, backendStore)
			capturer := NewCapturer(backendStore, store, nil)

			_, err := capturer.Capture(ctx, env, "before_1")
			require.NoError(t, err)
			require.NoError(t, backendStore.Insert(env.Namespace, "issues", map[string]any{"id": 3, "title": "new"}))
			_, err = capturer.Capture(ctx, env, "before_1")
			require.NoError(t, err)

			loaded, err := capturer.Get(ctx, env.ID, "before_1")
			require.NoError(t, err)
			assert.Equal(t, 3, loaded.RowCount())

			labels, err := store.List(ctx, env.ID)
			require.NoError(t, err)
			assert.Equal(t, []string{"before_1"}, labels)
		})
	}
}

func TestFailedCaptureStoresNothing(t *testing.T) {
	ctx := context.Background()
	backendStore := memory.NewStore()
	env := newEnvironment(t, backendStore)
	store := NewMemoryStore()
	capturer := NewCapturer(failingBackend{Store: backendStore}, store, nil)

	_, err := capturer.Capture(ctx, env, "before_1")
	require.Error(t, err)
	_, err = store.Get(ctx, env.ID, "before_1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPurgeEnvironment(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			backendStore := memory.NewStore()
			env := newEnvironment(t, backendStore)
			other := newEnvironment(t, backendStore)
			capturer := NewCapturer(backendStore, store, nil)

			for _, label := range []string{"before_1", "after_1"} {
				_, err := capturer.Capture(ctx, env, label)
				require.NoError(t, err)
			}
			_, err := capturer.Capture(ctx, other, "before_2")
			require.NoError(t, err)

			require.NoError(t, capturer.Purge(ctx, env.ID))

			labels, err := store.List(ctx, env.ID)
			require.NoError(t, err)
			assert.Empty(t, labels)

			_, err = capturer.Get(ctx, other.ID, "before_2")
			assert.NoError(t, err)
		})
	}
}

func TestListOrdersByCaptureTime(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	env := uuid.New()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, label := range []string{"b", "a", "c"} {
		snapshot, err := domain.NewSnapshot(env, label, base.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		require.NoError(t, store.Put(ctx, snapshot))
	}
	labels, err := store.List(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a", "c"}, labels)
}
