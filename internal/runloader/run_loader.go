package runloader

import (
	"context"
	"fmt"
	"time"

	"github.com/rpattn/evalsandbox/internal/domain"
	"github.com/rpattn/evalsandbox/internal/repository"

	"github.com/google/uuid"
	"github.com/graph-gophers/dataloader"
)

// RunLoader batches run lookups issued within one request.
type RunLoader struct {
	Loader *dataloader.Loader
}

func NewRunLoader(repo repository.RunRepository) *RunLoader {
	batchFn := func(ctx context.Context, keys dataloader.Keys) []*dataloader.Result {
		ids := make([]uuid.UUID, len(keys))
		results := make([]*dataloader.Result, len(keys))
		valid := make([]uuid.UUID, 0, len(keys))
		for i, k := range keys {
			id, err := uuid.Parse(k.String())
			if err != nil {
				results[i] = &dataloader.Result{Error: fmt.Errorf("invalid run id %q: %w", k.String(), err)}
				continue
			}
			ids[i] = id
			valid = append(valid, id)
		}

		runs, err := repo.GetByIDs(ctx, valid)
		if err != nil {
			for i := range results {
				if results[i] == nil {
					results[i] = &dataloader.Result{Error: err}
				}
			}
			return results
		}

		runMap := make(map[uuid.UUID]domain.Run, len(runs))
		for _, run := range runs {
			runMap[run.ID] = run
		}

		// Results follow key order.
		for i, id := range ids {
			if results[i] != nil {
				continue
			}
			if run, ok := runMap[id]; ok {
				results[i] = &dataloader.Result{Data: run}
			} else {
				results[i] = &dataloader.Result{Error: fmt.Errorf("run %s: %w", id, domain.ErrNotFound)}
			}
		}
		return results
	}

	loader := dataloader.NewBatchedLoader(batchFn, dataloader.WithWait(5*time.Millisecond))

	return &RunLoader{Loader: loader}
}

// Load resolves one run through the batch loader.
func (l *RunLoader) Load(ctx context.Context, id uuid.UUID) (domain.Run, error) {
	value, err := l.Loader.Load(ctx, dataloader.StringKey(id.String()))()
	if err != nil {
		return domain.Run{}, err
	}
	return value.(domain.Run), nil
}

// LoadMany resolves runs in key order, returning one error per missing run.
func (l *RunLoader) LoadMany(ctx context.Context, ids []uuid.UUID) ([]domain.Run, []error) {
	keys := make(dataloader.Keys, len(ids))
	for i, id := range ids {
		keys[i] = dataloader.StringKey(id.String())
	}
	values, errs := l.Loader.LoadMany(ctx, keys)()

	runs := make([]domain.Run, 0, len(values))
	for _, value := range values {
		if run, ok := value.(domain.Run); ok {
			runs = append(runs, run)
		}
	}
	return runs, errs
}
