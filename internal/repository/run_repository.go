package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rpattn/evalsandbox/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type runRepository struct {
	pool *pgxpool.Pool
}

// NewRunRepository wires a repository backed by pgxpool.
func NewRunRepository(pool *pgxpool.Pool) RunRepository {
	return &runRepository{pool: pool}
}

const runColumns = `id, environment_id, status, before_label, after_label, document, result, diff,
	error_message, created_at, started_at, evaluated_at, updated_at`

func scanRun(row pgx.Row) (domain.Run, error) {
	var (
		run        domain.Run
		status     string
		document   []byte
		resultJSON []byte
		diffJSON   []byte
	)
	if err := row.Scan(
		&run.ID,
		&run.EnvironmentID,
		&status,
		&run.BeforeLabel,
		&run.AfterLabel,
		&document,
		&resultJSON,
		&diffJSON,
		&run.ErrorMessage,
		&run.CreatedAt,
		&run.StartedAt,
		&run.EvaluatedAt,
		&run.UpdatedAt,
	); err != nil {
		return domain.Run{}, err
	}

	run.Status = domain.RunStatus(status)
	if len(document) > 0 {
		run.Document = json.RawMessage(document)
	}
	if len(resultJSON) > 0 {
		var result domain.EvaluationResult
		if err := json.Unmarshal(resultJSON, &result); err != nil {
			return domain.Run{}, fmt.Errorf("decode run result: %w", err)
		}
		run.Result = &result
	}
	if len(diffJSON) > 0 {
		var diff domain.DiffResult
		if err := json.Unmarshal(diffJSON, &diff); err != nil {
			return domain.Run{}, fmt.Errorf("decode run diff: %w", err)
		}
		run.Diff = &diff
	}
	return run, nil
}

func collectRuns(rows pgx.Rows) ([]domain.Run, error) {
	defer rows.Close()
	runs := []domain.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}

func (r *runRepository) Create(ctx context.Context, run domain.Run) (domain.Run, error) {
	if r.pool == nil {
		return domain.Run{}, fmt.Errorf("run repository not initialized")
	}
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}

	var document any
	if len(run.Document) > 0 {
		document = run.Document
	}

	created, err := scanRun(r.pool.QueryRow(
		ctx,
		`INSERT INTO sandbox_runs (id, environment_id, status, before_label, after_label, document, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING `+runColumns,
		run.ID,
		run.EnvironmentID,
		string(run.Status),
		run.BeforeLabel,
		run.AfterLabel,
		document,
		run.CreatedAt,
		run.UpdatedAt,
	))
	if err != nil {
		return domain.Run{}, fmt.Errorf("failed to insert run: %w", err)
	}
	return created, nil
}

func (r *runRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.Run, error) {
	if r.pool == nil {
		return domain.Run{}, fmt.Errorf("run repository not initialized")
	}

	run, err := scanRun(r.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM sandbox_runs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Run{}, fmt.Errorf("run %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Run{}, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

func (r *runRepository) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]domain.Run, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("run repository not initialized")
	}
	if len(ids) == 0 {
		return []domain.Run{}, nil
	}

	rows, err := r.pool.Query(ctx, `SELECT `+runColumns+` FROM sandbox_runs WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to get runs: %w", err)
	}
	return collectRuns(rows)
}

func (r *runRepository) ListByEnvironment(ctx context.Context, environmentID uuid.UUID) ([]domain.Run, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("run repository not initialized")
	}

	rows, err := r.pool.Query(ctx,
		`SELECT `+runColumns+` FROM sandbox_runs WHERE environment_id = $1 ORDER BY created_at`,
		environmentID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return collectRuns(rows)
}

func (r *runRepository) transition(ctx context.Context, action string, sql string, args ...any) error {
	if r.pool == nil {
		return fmt.Errorf("run repository not initialized")
	}

	tag, err := r.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("failed to mark run %s: %w", action, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRunStatusConflict
	}
	return nil
}

func (r *runRepository) MarkStarted(ctx context.Context, id uuid.UUID, now time.Time) error {
	return r.transition(ctx, "started",
		`UPDATE sandbox_runs SET status = 'started', started_at = $2, updated_at = $2
		 WHERE id = $1 AND status = 'pending'`,
		id, now,
	)
}

func (r *runRepository) MarkEvaluated(ctx context.Context, id uuid.UUID, result domain.EvaluationResult, diff domain.DiffResult, now time.Time) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal run result: %w", err)
	}
	diffJSON, err := json.Marshal(diff)
	if err != nil {
		return fmt.Errorf("marshal run diff: %w", err)
	}

	return r.transition(ctx, "evaluated",
		`UPDATE sandbox_runs
		 SET status = 'evaluated', result = $2, diff = $3, error_message = NULL, evaluated_at = $4, updated_at = $4
		 WHERE id = $1 AND status IN ('started', 'failed')`,
		id, resultJSON, diffJSON, now,
	)
}

func (r *runRepository) MarkFailed(ctx context.Context, id uuid.UUID, errorMessage string, now time.Time) error {
	return r.transition(ctx, "failed",
		`UPDATE sandbox_runs SET status = 'failed', error_message = $2, updated_at = $3
		 WHERE id = $1 AND status IN ('started', 'failed')`,
		id, errorMessage, now,
	)
}

func (r *runRepository) MarkCancelled(ctx context.Context, id uuid.UUID, now time.Time) error {
	return r.transition(ctx, "cancelled",
		`UPDATE sandbox_runs SET status = 'cancelled', updated_at = $2
		 WHERE id = $1 AND status IN ('pending', 'started', 'failed')`,
		id, now,
	)
}
