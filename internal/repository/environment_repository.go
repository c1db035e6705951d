package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rpattn/evalsandbox/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type environmentRepository struct {
	pool *pgxpool.Pool
}

// NewEnvironmentRepository wires a repository backed by pgxpool.
func NewEnvironmentRepository(pool *pgxpool.Pool) EnvironmentRepository {
	return &environmentRepository{pool: pool}
}

const environmentColumns = `id, template_name, namespace, state, created_at, claimed_at, expires_at, updated_at`

func scanEnvironment(row pgx.Row) (domain.Environment, error) {
	var (
		env   domain.Environment
		state string
	)
	if err := row.Scan(
		&env.ID,
		&env.Template,
		&env.Namespace,
		&state,
		&env.CreatedAt,
		&env.ClaimedAt,
		&env.ExpiresAt,
		&env.UpdatedAt,
	); err != nil {
		return domain.Environment{}, err
	}
	env.State = domain.EnvironmentState(state)
	return env, nil
}

func collectEnvironments(rows pgx.Rows) ([]domain.Environment, error) {
	defer rows.Close()
	envs := []domain.Environment{}
	for rows.Next() {
		env, err := scanEnvironment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan environment: %w", err)
		}
		envs = append(envs, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate environments: %w", err)
	}
	return envs, nil
}

func (r *environmentRepository) Create(ctx context.Context, env domain.Environment) (domain.Environment, error) {
	if r.pool == nil {
		return domain.Environment{}, fmt.Errorf("environment repository not initialized")
	}
	if env.ID == uuid.Nil {
		env.ID = uuid.New()
	}

	created, err := scanEnvironment(r.pool.QueryRow(
		ctx,
		`INSERT INTO sandbox_environments (id, template_name, namespace, state, created_at, claimed_at, expires_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING `+environmentColumns,
		env.ID,
		env.Template,
		env.Namespace,
		string(env.State),
		env.CreatedAt,
		env.ClaimedAt,
		env.ExpiresAt,
		env.UpdatedAt,
	))
	if err != nil {
		return domain.Environment{}, fmt.Errorf("failed to insert environment: %w", err)
	}
	return created, nil
}

func (r *environmentRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.Environment, error) {
	if r.pool == nil {
		return domain.Environment{}, fmt.Errorf("environment repository not initialized")
	}

	env, err := scanEnvironment(r.pool.QueryRow(ctx,
		`SELECT `+environmentColumns+` FROM sandbox_environments WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Environment{}, fmt.Errorf("environment %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Environment{}, fmt.Errorf("failed to get environment: %w", err)
	}
	return env, nil
}

func (r *environmentRepository) ClaimPooled(ctx context.Context, template string, now time.Time, ttl time.Duration) (domain.Environment, error) {
	if r.pool == nil {
		return domain.Environment{}, fmt.Errorf("environment repository not initialized")
	}

	env, err := scanEnvironment(r.pool.QueryRow(
		ctx,
		`UPDATE sandbox_environments
		 SET state = 'active', claimed_at = $2, expires_at = $3, updated_at = $2
		 WHERE id = (
		     SELECT id FROM sandbox_environments
		     WHERE template_name = $1 AND state = 'pooled'
		     ORDER BY created_at
		     FOR UPDATE SKIP LOCKED
		     LIMIT 1
		 )
		 RETURNING `+environmentColumns,
		template,
		now,
		now.Add(ttl),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Environment{}, ErrNoPooledEnvironment
	}
	if err != nil {
		return domain.Environment{}, fmt.Errorf("failed to claim pooled environment: %w", err)
	}
	return env, nil
}

func (r *environmentRepository) MarkExpired(ctx context.Context, id uuid.UUID, now time.Time) error {
	if r.pool == nil {
		return fmt.Errorf("environment repository not initialized")
	}

	tag, err := r.pool.Exec(ctx,
		`UPDATE sandbox_environments SET state = 'expired', updated_at = $2
		 WHERE id = $1 AND state IN ('pooled', 'active')`,
		id, now,
	)
	if err != nil {
		return fmt.Errorf("failed to mark environment expired: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEnvironmentStatusConflict
	}
	return nil
}

func (r *environmentRepository) ListExpired(ctx context.Context, now time.Time) ([]domain.Environment, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("environment repository not initialized")
	}

	rows, err := r.pool.Query(ctx,
		`SELECT `+environmentColumns+` FROM sandbox_environments
		 WHERE state = 'active' AND expires_at <= $1
		 ORDER BY expires_at`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired environments: %w", err)
	}
	return collectEnvironments(rows)
}

func (r *environmentRepository) ListByState(ctx context.Context, state domain.EnvironmentState) ([]domain.Environment, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("environment repository not initialized")
	}

	rows, err := r.pool.Query(ctx,
		`SELECT `+environmentColumns+` FROM sandbox_environments
		 WHERE state = $1
		 ORDER BY created_at`,
		string(state),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list environments: %w", err)
	}
	return collectEnvironments(rows)
}

func (r *environmentRepository) CountByState(ctx context.Context, template string, state domain.EnvironmentState) (int, error) {
	if r.pool == nil {
		return 0, fmt.Errorf("environment repository not initialized")
	}

	var count int
	if err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM sandbox_environments WHERE template_name = $1 AND state = $2`,
		template, string(state),
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count environments: %w", err)
	}
	return count, nil
}

func (r *environmentRepository) Delete(ctx context.Context, id uuid.UUID) error {
	if r.pool == nil {
		return fmt.Errorf("environment repository not initialized")
	}

	if _, err := r.pool.Exec(ctx, `DELETE FROM sandbox_environments WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete environment: %w", err)
	}
	return nil
}
