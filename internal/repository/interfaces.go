package repository

import (
	"context"
	"errors"
	"time"

	"github.com/rpattn/evalsandbox/internal/domain"

	"github.com/google/uuid"
)

// ErrEnvironmentStatusConflict indicates that an environment cannot transition to the requested state.
var ErrEnvironmentStatusConflict = errors.New("environment status conflict")

// ErrRunStatusConflict indicates that a run cannot transition to the requested state.
var ErrRunStatusConflict = errors.New("run status conflict")

// ErrNoPooledEnvironment is returned by ClaimPooled when the pool for a template is empty.
var ErrNoPooledEnvironment = errors.New("no pooled environment available")

// EnvironmentRepository persists environment lifecycle records.
type EnvironmentRepository interface {
	Create(ctx context.Context, env domain.Environment) (domain.Environment, error)
	GetByID(ctx context.Context, id uuid.UUID) (domain.Environment, error)
	// ClaimPooled atomically moves the oldest pooled environment of template
	// to active. Concurrent callers never receive the same environment.
	ClaimPooled(ctx context.Context, template string, now time.Time, ttl time.Duration) (domain.Environment, error)
	// MarkExpired moves a pooled or active environment to expired.
	MarkExpired(ctx context.Context, id uuid.UUID, now time.Time) error
	// ListExpired returns active environments whose TTL elapsed at now.
	ListExpired(ctx context.Context, now time.Time) ([]domain.Environment, error)
	ListByState(ctx context.Context, state domain.EnvironmentState) ([]domain.Environment, error)
	CountByState(ctx context.Context, template string, state domain.EnvironmentState) (int, error)
	// Delete removes the record once its namespace is gone.
	Delete(ctx context.Context, id uuid.UUID) error
}

// RunRepository persists runs and their evaluation results.
type RunRepository interface {
	Create(ctx context.Context, run domain.Run) (domain.Run, error)
	GetByID(ctx context.Context, id uuid.UUID) (domain.Run, error)
	GetByIDs(ctx context.Context, ids []uuid.UUID) ([]domain.Run, error)
	ListByEnvironment(ctx context.Context, environmentID uuid.UUID) ([]domain.Run, error)
	// MarkStarted moves a pending run to started.
	MarkStarted(ctx context.Context, id uuid.UUID, now time.Time) error
	// MarkEvaluated stores the result of a started or failed run. It returns
	// ErrRunStatusConflict once the run is evaluated or cancelled.
	MarkEvaluated(ctx context.Context, id uuid.UUID, result domain.EvaluationResult, diff domain.DiffResult, now time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, errorMessage string, now time.Time) error
	// MarkCancelled moves any non-terminal run to cancelled.
	MarkCancelled(ctx context.Context, id uuid.UUID, now time.Time) error
}
