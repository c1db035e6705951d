package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rpattn/evalsandbox/internal/backend"
	"github.com/rpattn/evalsandbox/internal/domain"
	"github.com/rpattn/evalsandbox/internal/repository"
)

var tracer = otel.Tracer("evalsandbox.pool")

// Config controls allocation behaviour.
type Config struct {
	Templates    []domain.Template
	TTL          time.Duration
	CloneTimeout time.Duration
	ClaimTimeout time.Duration
}

// ReleaseHook runs after an environment's namespace has been dropped.
type ReleaseHook func(ctx context.Context, environmentID uuid.UUID) error

// Releaser releases one environment on behalf of the TTL sweep.
type Releaser func(ctx context.Context, environmentID uuid.UUID) error

// Manager hands out isolated environments, preferring pre-cloned pooled
// entries and falling back to a synchronous clone.
type Manager struct {
	envs    repository.EnvironmentRepository
	backend backend.Store
	logger  *slog.Logger
	now     func() time.Time

	ttl          time.Duration
	cloneTimeout time.Duration
	claimTimeout time.Duration

	mu        sync.RWMutex
	templates map[string]domain.Template
	hooks     []ReleaseHook
	releaser  Releaser
}

// NewManager wires a pool manager. A nil logger falls back to slog.Default.
func NewManager(envs repository.EnvironmentRepository, b backend.Store, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		envs:         envs,
		backend:      b,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
		ttl:          cfg.TTL,
		cloneTimeout: cfg.CloneTimeout,
		claimTimeout: cfg.ClaimTimeout,
	}
	if m.ttl <= 0 {
		m.ttl = time.Hour
	}
	if m.cloneTimeout <= 0 {
		m.cloneTimeout = time.Minute
	}
	if m.claimTimeout <= 0 {
		m.claimTimeout = 5 * time.Second
	}
	m.SetTemplates(cfg.Templates)
	return m
}

// SetTemplates replaces the known templates.
func (m *Manager) SetTemplates(templates []domain.Template) {
	byName := make(map[string]domain.Template, len(templates))
	for _, tpl := range templates {
		byName[tpl.Name] = tpl
	}
	m.mu.Lock()
	m.templates = byName
	m.mu.Unlock()
}

// Template looks up a configured template by name.
func (m *Manager) Template(name string) (domain.Template, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tpl, ok := m.templates[name]
	return tpl, ok
}

// OnRelease registers a hook invoked for every released environment.
func (m *Manager) OnRelease(hook ReleaseHook) {
	m.mu.Lock()
	m.hooks = append(m.hooks, hook)
	m.mu.Unlock()
}

// SetReleaser routes TTL sweep releases through releaser, which must end in
// Release. Without one the sweep releases environments directly.
func (m *Manager) SetReleaser(releaser Releaser) {
	m.mu.Lock()
	m.releaser = releaser
	m.mu.Unlock()
}

func (m *Manager) sweepReleaser() Releaser {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.releaser != nil {
		return m.releaser
	}
	return func(ctx context.Context, id uuid.UUID) error {
		return m.release(ctx, id, "expired")
	}
}

func (m *Manager) Get(ctx context.Context, id uuid.UUID) (domain.Environment, error) {
	return m.envs.GetByID(ctx, id)
}

// Allocate returns an active environment of template that no other caller
// holds.
func (m *Manager) Allocate(ctx context.Context, templateName string) (domain.Environment, error) {
	ctx, span := tracer.Start(ctx, "pool.allocate", trace.WithAttributes(attribute.String("template", templateName)))
	defer span.End()

	tpl, ok := m.Template(templateName)
	if !ok {
		return domain.Environment{}, fmt.Errorf("template %q: %w", templateName, domain.ErrNotFound)
	}

	claimCtx, cancel := context.WithTimeout(ctx, m.claimTimeout)
	env, err := m.envs.ClaimPooled(claimCtx, tpl.Name, m.now(), m.ttl)
	cancel()
	switch {
	case err == nil:
		allocations.WithLabelValues(tpl.Name, "hit").Inc()
		pooledEnvironments.WithLabelValues(tpl.Name).Dec()
		span.SetAttributes(attribute.Bool("pool.hit", true))
		m.logger.InfoContext(ctx, "claimed pooled environment", "template", tpl.Name, "environment_id", env.ID)
		return env, nil
	case errors.Is(err, repository.ErrNoPooledEnvironment):
	case errors.Is(err, context.DeadlineExceeded):
		allocations.WithLabelValues(tpl.Name, "error").Inc()
		return domain.Environment{}, &domain.AllocationError{Template: tpl.Name, Reason: "claim timed out", Retryable: true, Err: err}
	default:
		allocations.WithLabelValues(tpl.Name, "error").Inc()
		return domain.Environment{}, &domain.AllocationError{Template: tpl.Name, Reason: "claim failed", Retryable: true, Err: err}
	}

	span.SetAttributes(attribute.Bool("pool.hit", false))
	now := m.now()
	env = domain.NewPooledEnvironment(tpl, now).WithClaim(now, m.ttl)
	if err := m.clone(ctx, tpl, env.Namespace); err != nil {
		allocations.WithLabelValues(tpl.Name, "error").Inc()
		reason := "clone failed"
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "clone timed out"
		}
		return domain.Environment{}, &domain.AllocationError{Template: tpl.Name, Reason: reason, Retryable: true, Err: err}
	}

	created, err := m.envs.Create(ctx, env)
	if err != nil {
		m.dropQuietly(env.Namespace)
		allocations.WithLabelValues(tpl.Name, "error").Inc()
		return domain.Environment{}, &domain.AllocationError{Template: tpl.Name, Reason: "register environment", Retryable: true, Err: err}
	}

	allocations.WithLabelValues(tpl.Name, "miss").Inc()
	m.logger.InfoContext(ctx, "cloned environment on demand", "template", tpl.Name, "environment_id", created.ID)
	return created, nil
}

// buildPooled clones template into a new pooled environment.
func (m *Manager) buildPooled(ctx context.Context, tpl domain.Template) (domain.Environment, error) {
	env := domain.NewPooledEnvironment(tpl, m.now())
	if err := m.clone(ctx, tpl, env.Namespace); err != nil {
		return domain.Environment{}, err
	}
	created, err := m.envs.Create(ctx, env)
	if err != nil {
		m.dropQuietly(env.Namespace)
		return domain.Environment{}, fmt.Errorf("register pooled environment: %w", err)
	}
	return created, nil
}

func (m *Manager) clone(ctx context.Context, tpl domain.Template, namespace string) error {
	cloneCtx, cancel := context.WithTimeout(ctx, m.cloneTimeout)
	defer cancel()

	start := time.Now()
	err := m.backend.Clone(cloneCtx, tpl.Namespace, namespace)
	result := "ok"
	if err != nil {
		result = "error"
		m.dropQuietly(namespace)
		if cloneCtx.Err() != nil && !errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", cloneCtx.Err(), err)
		}
	}
	cloneDuration.WithLabelValues(tpl.Name, result).Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("clone %s into %s: %w", tpl.Namespace, namespace, err)
	}
	return nil
}

// dropQuietly removes a partially built namespace.
func (m *Manager) dropQuietly(namespace string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cloneTimeout)
	defer cancel()
	if err := m.backend.Drop(ctx, namespace); err != nil {
		m.logger.Warn("failed to drop namespace", "namespace", namespace, "error", err)
	}
}

// Release expires an environment, drops its namespace and runs the release
// hooks. Releasing an expired environment does nothing.
func (m *Manager) Release(ctx context.Context, id uuid.UUID) error {
	return m.release(ctx, id, "release")
}

func (m *Manager) release(ctx context.Context, id uuid.UUID, reason string) error {
	env, err := m.envs.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if env.State == domain.EnvironmentStateExpired {
		return nil
	}
	if err := m.envs.MarkExpired(ctx, id, m.now()); err != nil {
		if errors.Is(err, repository.ErrEnvironmentStatusConflict) {
			return nil
		}
		return fmt.Errorf("expire environment %s: %w", id, err)
	}
	if env.State == domain.EnvironmentStatePooled {
		pooledEnvironments.WithLabelValues(env.Template).Dec()
	}
	releases.WithLabelValues(reason).Inc()
	m.logger.InfoContext(ctx, "released environment", "environment_id", id, "reason", reason)
	return m.cleanup(ctx, env)
}

func (m *Manager) cleanup(ctx context.Context, env domain.Environment) error {
	if err := m.backend.Drop(ctx, env.Namespace); err != nil {
		return fmt.Errorf("drop namespace %s: %w", env.Namespace, err)
	}

	m.mu.RLock()
	hooks := append([]ReleaseHook(nil), m.hooks...)
	m.mu.RUnlock()

	var errs []error
	for _, hook := range hooks {
		if err := hook(ctx, env.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SweepExpired force-releases active environments past their TTL through the
// configured Releaser, then retries namespace cleanup for expired
// environments whose namespace is still present.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	expired, err := m.envs.ListExpired(ctx, m.now())
	if err != nil {
		return 0, err
	}

	var (
		released int
		errs     []error
		release  = m.sweepReleaser()
	)
	for _, env := range expired {
		if err := release(ctx, env.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		released++
	}

	leftovers, err := m.envs.ListByState(ctx, domain.EnvironmentStateExpired)
	if err != nil {
		return released, errors.Join(append(errs, err)...)
	}
	for _, env := range leftovers {
		exists, err := m.backend.Exists(ctx, env.Namespace)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !exists {
			continue
		}
		if err := m.cleanup(ctx, env); err != nil {
			errs = append(errs, err)
		}
	}

	if released > 0 {
		m.logger.InfoContext(ctx, "swept expired environments", "released", released)
	}
	return released, errors.Join(errs...)
}

// PooledCount reports how many environments of template are ready to claim.
func (m *Manager) PooledCount(ctx context.Context, template string) (int, error) {
	return m.envs.CountByState(ctx, template, domain.EnvironmentStatePooled)
}
