package runloader

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/evalsandbox/internal/domain"
	"github.com/rpattn/evalsandbox/internal/repository"
	"github.com/rpattn/evalsandbox/internal/repository/inmem"
)

type countingRepo struct {
	repository.RunRepository
	batches atomic.Int32
}

func (c *countingRepo) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]domain.Run, error) {
	c.batches.Add(1)
	return c.RunRepository.GetByIDs(ctx, ids)
}

func TestRunLoaderBatchesConcurrentLoads(t *testing.T) {
	ctx := context.Background()
	repo := &countingRepo{RunRepository: inmem.NewRunRepository()}
	var ids []uuid.UUID
	for i := 0; i < 4; i++ {
		run, err := repo.Create(ctx, domain.NewRun(uuid.New(), nil, time.Now()))
		require.NoError(t, err)
		ids = append(ids, run.ID)
	}

	loader := NewRunLoader(repo)
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run, err := loader.Load(ctx, id)
			assert.NoError(t, err)
			assert.Equal(t, id, run.ID)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, repo.batches.Load())
}

func TestRunLoaderReportsMissingRuns(t *testing.T) {
	ctx := context.Background()
	repo := inmem.NewRunRepository()
	run, err := repo.Create(ctx, domain.NewRun(uuid.New(), nil, time.Now()))
	require.NoError(t, err)

	loader := NewRunLoader(repo)
	runs, errs := loader.LoadMany(ctx, []uuid.UUID{run.ID, uuid.New()})
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)
	require.Len(t, errs, 2)
	assert.NoError(t, errs[0])
	assert.ErrorIs(t, errs[1], domain.ErrNotFound)
}
