// Package inmem provides mutex-guarded repositories for tests and
// single-process deployments.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rpattn/evalsandbox/internal/domain"
	"github.com/rpattn/evalsandbox/internal/repository"
)

// EnvironmentRepository keeps environments in a map.
type EnvironmentRepository struct {
	mu   sync.Mutex
	envs map[uuid.UUID]domain.Environment
}

// NewEnvironmentRepository creates an empty repository.
func NewEnvironmentRepository() *EnvironmentRepository {
	return &EnvironmentRepository{envs: map[uuid.UUID]domain.Environment{}}
}

var _ repository.EnvironmentRepository = (*EnvironmentRepository)(nil)

func (r *EnvironmentRepository) Create(_ context.Context, env domain.Environment) (domain.Environment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if env.ID == uuid.Nil {
		env.ID = uuid.New()
	}
	if _, exists := r.envs[env.ID]; exists {
		return domain.Environment{}, fmt.Errorf("environment %s already exists", env.ID)
	}
	r.envs[env.ID] = env
	return env, nil
}

func (r *EnvironmentRepository) GetByID(_ context.Context, id uuid.UUID) (domain.Environment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	env, ok := r.envs[id]
	if !ok {
		return domain.Environment{}, fmt.Errorf("environment %s: %w", id, domain.ErrNotFound)
	}
	return env, nil
}

// ClaimPooled picks the oldest pooled entry and flips it to active inside a
// single critical section.
func (r *EnvironmentRepository) ClaimPooled(_ context.Context, template string, now time.Time, ttl time.Duration) (domain.Environment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		oldest domain.Environment
		found  bool
	)
	for _, env := range r.envs {
		if env.Template != template || env.State != domain.EnvironmentStatePooled {
			continue
		}
		if !found || env.CreatedAt.Before(oldest.CreatedAt) ||
			(env.CreatedAt.Equal(oldest.CreatedAt) && env.ID.String() < oldest.ID.String()) {
			oldest = env
			found = true
		}
	}
	if !found {
		return domain.Environment{}, repository.ErrNoPooledEnvironment
	}

	claimed := oldest.WithClaim(now, ttl)
	r.envs[claimed.ID] = claimed
	return claimed, nil
}

func (r *EnvironmentRepository) MarkExpired(_ context.Context, id uuid.UUID, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	env, ok := r.envs[id]
	if !ok || env.State == domain.EnvironmentStateExpired {
		return repository.ErrEnvironmentStatusConflict
	}
	r.envs[id] = env.WithState(domain.EnvironmentStateExpired, now)
	return nil
}

func (r *EnvironmentRepository) ListExpired(_ context.Context, now time.Time) ([]domain.Environment, error) {
	return r.filter(func(env domain.Environment) bool {
		return env.State == domain.EnvironmentStateActive && env.IsExpired(now)
	}), nil
}

func (r *EnvironmentRepository) ListByState(_ context.Context, state domain.EnvironmentState) ([]domain.Environment, error) {
	return r.filter(func(env domain.Environment) bool {
		return env.State == state
	}), nil
}

func (r *EnvironmentRepository) CountByState(_ context.Context, template string, state domain.EnvironmentState) (int, error) {
	return len(r.filter(func(env domain.Environment) bool {
		return env.Template == template && env.State == state
	})), nil
}

func (r *EnvironmentRepository) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.envs, id)
	return nil
}

func (r *EnvironmentRepository) filter(keep func(domain.Environment) bool) []domain.Environment {
	r.mu.Lock()
	out := []domain.Environment{}
	for _, env := range r.envs {
		if keep(env) {
			out = append(out, env)
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}
