package inmem

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rpattn/evalsandbox/internal/domain"
	"github.com/rpattn/evalsandbox/internal/repository"
)

// RunRepository keeps runs in a map. Stored results round-trip through JSON
// so callers see the same shapes the Postgres repository returns.
type RunRepository struct {
	mu   sync.Mutex
	runs map[uuid.UUID]domain.Run
}

// NewRunRepository creates an empty repository.
func NewRunRepository() *RunRepository {
	return &RunRepository{runs: map[uuid.UUID]domain.Run{}}
}

var _ repository.RunRepository = (*RunRepository)(nil)

func (r *RunRepository) Create(_ context.Context, run domain.Run) (domain.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if _, exists := r.runs[run.ID]; exists {
		return domain.Run{}, fmt.Errorf("run %s already exists", run.ID)
	}
	r.runs[run.ID] = run
	return run, nil
}

func (r *RunRepository) GetByID(_ context.Context, id uuid.UUID) (domain.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return domain.Run{}, fmt.Errorf("run %s: %w", id, domain.ErrNotFound)
	}
	return run, nil
}

func (r *RunRepository) GetByIDs(_ context.Context, ids []uuid.UUID) ([]domain.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Run, 0, len(ids))
	for _, id := range ids {
		if run, ok := r.runs[id]; ok {
			out = append(out, run)
		}
	}
	return out, nil
}

func (r *RunRepository) ListByEnvironment(_ context.Context, environmentID uuid.UUID) ([]domain.Run, error) {
	r.mu.Lock()
	out := []domain.Run{}
	for _, run := range r.runs {
		if run.EnvironmentID == environmentID {
			out = append(out, run)
		}
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *RunRepository) transition(id uuid.UUID, from []domain.RunStatus, apply func(*domain.Run)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return repository.ErrRunStatusConflict
	}
	allowed := false
	for _, status := range from {
		if run.Status == status {
			allowed = true
			break
		}
	}
	if !allowed {
		return repository.ErrRunStatusConflict
	}
	apply(&run)
	r.runs[id] = run
	return nil
}

func (r *RunRepository) MarkStarted(_ context.Context, id uuid.UUID, now time.Time) error {
	return r.transition(id, []domain.RunStatus{domain.RunStatusPending}, func(run *domain.Run) {
		run.Status = domain.RunStatusStarted
		run.StartedAt = &now
		run.UpdatedAt = now
	})
}

func (r *RunRepository) MarkEvaluated(_ context.Context, id uuid.UUID, result domain.EvaluationResult, diff domain.DiffResult, now time.Time) error {
	var (
		storedResult domain.EvaluationResult
		storedDiff   domain.DiffResult
	)
	if err := roundTrip(result, &storedResult); err != nil {
		return fmt.Errorf("marshal run result: %w", err)
	}
	if err := roundTrip(diff, &storedDiff); err != nil {
		return fmt.Errorf("marshal run diff: %w", err)
	}

	return r.transition(id, []domain.RunStatus{domain.RunStatusStarted, domain.RunStatusFailed}, func(run *domain.Run) {
		run.Status = domain.RunStatusEvaluated
		run.Result = &storedResult
		run.Diff = &storedDiff
		run.ErrorMessage = nil
		run.EvaluatedAt = &now
		run.UpdatedAt = now
	})
}

func (r *RunRepository) MarkFailed(_ context.Context, id uuid.UUID, errorMessage string, now time.Time) error {
	return r.transition(id, []domain.RunStatus{domain.RunStatusStarted, domain.RunStatusFailed}, func(run *domain.Run) {
		run.Status = domain.RunStatusFailed
		run.ErrorMessage = &errorMessage
		run.UpdatedAt = now
	})
}

func (r *RunRepository) MarkCancelled(_ context.Context, id uuid.UUID, now time.Time) error {
	return r.transition(id, []domain.RunStatus{domain.RunStatusPending, domain.RunStatusStarted, domain.RunStatusFailed}, func(run *domain.Run) {
		run.Status = domain.RunStatusCancelled
		run.UpdatedAt = now
	})
}

func roundTrip(value any, target any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(payload, target)
}
