package run

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/rpattn/evalsandbox/internal/backend"
	"github.com/rpattn/evalsandbox/internal/diff"
	"github.com/rpattn/evalsandbox/internal/domain"
	"github.com/rpattn/evalsandbox/internal/dsl"
	"github.com/rpattn/evalsandbox/internal/repository"
	"github.com/rpattn/evalsandbox/internal/snapshot"
)

var tracer = otel.Tracer("evalsandbox.run")

// maxInFlight is the weight of an environment gate; release acquires all of it.
const maxInFlight = 1 << 20

// Environments is the slice of the pool the coordinator depends on.
type Environments interface {
	Get(ctx context.Context, id uuid.UUID) (domain.Environment, error)
	Release(ctx context.Context, id uuid.UUID) error
}

// Config tunes diffing for every run.
type Config struct {
	// Unordered lists array-valued fields compared as multisets.
	Unordered domain.FieldSet
}

// Coordinator sequences runs: before snapshot, after snapshot, diff and
// evaluation.
type Coordinator struct {
	envs      Environments
	runs      repository.RunRepository
	snapshots *snapshot.Capturer
	catalog   backend.Store
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time

	group singleflight.Group

	mu    sync.Mutex
	gates map[uuid.UUID]*semaphore.Weighted
}

// NewCoordinator wires a coordinator. catalog is used to check assertion
// entities against the environment's tables and may be nil.
func NewCoordinator(envs Environments, runs repository.RunRepository, snapshots *snapshot.Capturer, catalog backend.Store, cfg Config, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		envs:      envs,
		runs:      runs,
		snapshots: snapshots,
		catalog:   catalog,
		cfg:       cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		gates:     map[uuid.UUID]*semaphore.Weighted{},
	}
}

func (c *Coordinator) gate(environmentID uuid.UUID) *semaphore.Weighted {
	c.mu.Lock()
	defer c.mu.Unlock()
	sem, ok := c.gates[environmentID]
	if !ok {
		sem = semaphore.NewWeighted(maxInFlight)
		c.gates[environmentID] = sem
	}
	return sem
}

// enter registers an in-flight evaluate or diff on an environment.
func (c *Coordinator) enter(ctx context.Context, environmentID uuid.UUID) (func(), error) {
	sem := c.gate(environmentID)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { sem.Release(1) }, nil
}

func (c *Coordinator) activeEnvironment(ctx context.Context, id uuid.UUID) (domain.Environment, error) {
	env, err := c.envs.Get(ctx, id)
	if err != nil {
		return domain.Environment{}, err
	}
	if env.State != domain.EnvironmentStateActive || env.IsExpired(c.now()) {
		return domain.Environment{}, fmt.Errorf("environment %s is %s: %w", id, env.State, domain.ErrEnvironmentNotActive)
	}
	return env, nil
}

// ParseDocument validates an assertion document against the tables of env.
func (c *Coordinator) ParseDocument(ctx context.Context, env domain.Environment, document []byte) (dsl.Document, error) {
	var catalog dsl.TableCatalog
	if c.catalog != nil {
		tables, err := c.catalog.Tables(ctx, env.Namespace)
		if err != nil {
			return dsl.Document{}, fmt.Errorf("list tables of environment %s: %w", env.ID, err)
		}
		names := make([]string, len(tables))
		for i, table := range tables {
			names[i] = table.Name
		}
		catalog = dsl.NewTableSet(names...)
	}
	return dsl.Parse(document, catalog)
}

// StartRun records a run on an active environment and captures its before
// snapshot. A supplied document is validated up front and kept for
// evaluation.
func (c *Coordinator) StartRun(ctx context.Context, environmentID uuid.UUID, document []byte) (domain.Run, error) {
	ctx, span := tracer.Start(ctx, "run.start", trace.WithAttributes(attribute.String("environment.id", environmentID.String())))
	defer span.End()

	env, err := c.activeEnvironment(ctx, environmentID)
	if err != nil {
		return domain.Run{}, err
	}
	if len(document) > 0 {
		if _, err := c.ParseDocument(ctx, env, document); err != nil {
			return domain.Run{}, err
		}
	}

	run, err := c.runs.Create(ctx, domain.NewRun(env.ID, document, c.now()))
	if err != nil {
		return domain.Run{}, fmt.Errorf("create run: %w", err)
	}
	span.SetAttributes(attribute.String("run.id", run.ID.String()))

	if _, err := c.snapshots.Capture(ctx, env, run.BeforeLabel); err != nil {
		return domain.Run{}, err
	}
	if err := c.runs.MarkStarted(ctx, run.ID, c.now()); err != nil {
		return domain.Run{}, fmt.Errorf("start run %s: %w", run.ID, err)
	}

	c.logger.InfoContext(ctx, "started run", "run_id", run.ID, "environment_id", env.ID, "before_label", run.BeforeLabel)
	return c.runs.GetByID(ctx, run.ID)
}

// GetRun returns a run by id.
func (c *Coordinator) GetRun(ctx context.Context, id uuid.UUID) (domain.Run, error) {
	return c.runs.GetByID(ctx, id)
}

// EvaluateRun captures the after snapshot, diffs it against the before
// snapshot and evaluates the assertion document. Evaluated runs return their
// stored result. document overrides the one supplied at start; concurrent
// calls for one run with the same document share a single evaluation, which
// keeps running when one of the callers gives up.
func (c *Coordinator) EvaluateRun(ctx context.Context, runID uuid.UUID, document []byte) (domain.EvaluationResult, error) {
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(evaluationKey(runID, document), func() (any, error) {
		return c.evaluate(shared, runID, document)
	})

	select {
	case <-ctx.Done():
		return domain.EvaluationResult{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return domain.EvaluationResult{}, res.Err
		}
		if res.Shared {
			c.logger.DebugContext(ctx, "joined in-flight evaluation", "run_id", runID)
		}
		return res.Val.(domain.EvaluationResult), nil
	}
}

func evaluationKey(runID uuid.UUID, document []byte) string {
	if len(document) == 0 {
		return runID.String()
	}
	sum := sha256.Sum256(document)
	return runID.String() + ":" + hex.EncodeToString(sum[:])
}

func (c *Coordinator) evaluate(ctx context.Context, runID uuid.UUID, document []byte) (domain.EvaluationResult, error) {
	ctx, span := tracer.Start(ctx, "run.evaluate", trace.WithAttributes(attribute.String("run.id", runID.String())))
	defer span.End()

	run, err := c.runs.GetByID(ctx, runID)
	if err != nil {
		return domain.EvaluationResult{}, err
	}
	if cached, ok, err := cachedResult(run); ok || err != nil {
		if ok {
			evaluations.WithLabelValues("cached").Inc()
		}
		return cached, err
	}

	if len(document) == 0 {
		document = run.Document
	}
	if len(document) == 0 {
		schemaErr := &domain.SchemaError{}
		schemaErr.Add("document", "an assertion document is required")
		return domain.EvaluationResult{}, schemaErr
	}

	leave, err := c.enter(ctx, run.EnvironmentID)
	if err != nil {
		return domain.EvaluationResult{}, err
	}
	defer leave()
	env, err := c.activeEnvironment(ctx, run.EnvironmentID)
	if err != nil {
		return domain.EvaluationResult{}, err
	}

	doc, err := c.ParseDocument(ctx, env, document)
	if err != nil {
		evaluations.WithLabelValues("error").Inc()
		return domain.EvaluationResult{}, err
	}

	start := time.Now()
	changes, err := c.captureAndDiff(ctx, env, run, doc.IgnoreFields, doc.Uses(dsl.DiffTypeUnchanged))
	if err != nil {
		evaluations.WithLabelValues("error").Inc()
		c.markFailed(ctx, run.ID, err)
		return domain.EvaluationResult{}, err
	}

	result := dsl.EvaluateContext(ctx, doc, changes)
	evaluationDuration.Observe(time.Since(start).Seconds())

	if err := c.runs.MarkEvaluated(ctx, run.ID, result, changes, c.now()); err != nil {
		if !errors.Is(err, repository.ErrRunStatusConflict) {
			return domain.EvaluationResult{}, fmt.Errorf("store result of run %s: %w", run.ID, err)
		}
		// Another process finished first; its result is authoritative.
		latest, getErr := c.runs.GetByID(ctx, run.ID)
		if getErr != nil {
			return domain.EvaluationResult{}, getErr
		}
		if cached, ok, cachedErr := cachedResult(latest); ok || cachedErr != nil {
			return cached, cachedErr
		}
		return domain.EvaluationResult{}, fmt.Errorf("run %s: %w", run.ID, domain.ErrRunAlreadyEvaluated)
	}

	outcome := "failed"
	if result.Passed {
		outcome = "passed"
	}
	evaluations.WithLabelValues(outcome).Inc()
	span.SetAttributes(attribute.Bool("run.passed", result.Passed), attribute.Float64("run.score", result.Score))
	c.logger.InfoContext(ctx, "evaluated run",
		"run_id", run.ID,
		"passed", result.Passed,
		"passed_count", result.PassedCount,
		"total", result.Total,
	)
	return result, nil
}

// cachedResult resolves runs that must not be evaluated again.
func cachedResult(run domain.Run) (domain.EvaluationResult, bool, error) {
	switch run.Status {
	case domain.RunStatusEvaluated:
		if run.Result == nil {
			return domain.EvaluationResult{}, false, fmt.Errorf("run %s has no stored result: %w", run.ID, domain.ErrRunAlreadyEvaluated)
		}
		return *run.Result, true, nil
	case domain.RunStatusPending:
		return domain.EvaluationResult{}, false, fmt.Errorf("run %s has not started: %w", run.ID, domain.ErrRunNotReady)
	case domain.RunStatusCancelled:
		return domain.EvaluationResult{}, false, fmt.Errorf("run %s was cancelled: %w", run.ID, domain.ErrRunNotReady)
	}
	return domain.EvaluationResult{}, false, nil
}

func (c *Coordinator) captureAndDiff(ctx context.Context, env domain.Environment, run domain.Run, ignore domain.FieldSet, includeUnchanged bool) (domain.DiffResult, error) {
	before, err := c.snapshots.Get(ctx, env.ID, run.BeforeLabel)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.DiffResult{}, fmt.Errorf("run %s has no before snapshot: %w", run.ID, domain.ErrRunNotReady)
	}
	if err != nil {
		return domain.DiffResult{}, err
	}

	after, err := c.snapshots.Capture(ctx, env, run.AfterLabel)
	if err != nil {
		return domain.DiffResult{}, err
	}

	changes, err := diff.ComputeContext(ctx, before, after, diff.Options{
		Ignore:           ignore,
		Unordered:        c.cfg.Unordered,
		IncludeUnchanged: includeUnchanged,
	})
	if err != nil {
		return domain.DiffResult{}, err
	}
	diffRows.WithLabelValues(string(domain.ChangeKindInsert)).Observe(float64(len(changes.Inserts)))
	diffRows.WithLabelValues(string(domain.ChangeKindUpdate)).Observe(float64(len(changes.Updates)))
	diffRows.WithLabelValues(string(domain.ChangeKindDelete)).Observe(float64(len(changes.Deletes)))
	return changes, nil
}

func (c *Coordinator) markFailed(ctx context.Context, runID uuid.UUID, cause error) {
	if errors.Is(cause, domain.ErrRunNotReady) {
		return
	}
	if err := c.runs.MarkFailed(ctx, runID, cause.Error(), c.now()); err != nil {
		c.logger.WarnContext(ctx, "failed to mark run failed", "run_id", runID, "error", err)
	}
}

// DiffRun returns the raw diff of a run. Evaluated runs return the diff
// stored with their result; others capture a fresh after snapshot.
func (c *Coordinator) DiffRun(ctx context.Context, runID uuid.UUID) (domain.DiffResult, error) {
	ctx, span := tracer.Start(ctx, "run.diff", trace.WithAttributes(attribute.String("run.id", runID.String())))
	defer span.End()

	run, err := c.runs.GetByID(ctx, runID)
	if err != nil {
		return domain.DiffResult{}, err
	}
	switch run.Status {
	case domain.RunStatusEvaluated:
		if run.Diff != nil {
			return *run.Diff, nil
		}
	case domain.RunStatusPending, domain.RunStatusCancelled:
		return domain.DiffResult{}, fmt.Errorf("run %s is %s: %w", run.ID, run.Status, domain.ErrRunNotReady)
	}

	leave, err := c.enter(ctx, run.EnvironmentID)
	if err != nil {
		return domain.DiffResult{}, err
	}
	defer leave()
	env, err := c.activeEnvironment(ctx, run.EnvironmentID)
	if err != nil {
		return domain.DiffResult{}, err
	}

	var ignore domain.FieldSet
	if len(run.Document) > 0 {
		if doc, err := dsl.Parse(run.Document, nil); err == nil {
			ignore = doc.IgnoreFields
		}
	}
	return c.captureAndDiff(ctx, env, run, ignore, false)
}

// CancelRun cancels a run and releases its environment.
func (c *Coordinator) CancelRun(ctx context.Context, runID uuid.UUID) (domain.Run, error) {
	run, err := c.runs.GetByID(ctx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	if err := c.runs.MarkCancelled(ctx, run.ID, c.now()); err != nil {
		if errors.Is(err, repository.ErrRunStatusConflict) {
			return domain.Run{}, fmt.Errorf("run %s is %s: %w", run.ID, run.Status, domain.ErrRunAlreadyEvaluated)
		}
		return domain.Run{}, err
	}
	if err := c.ReleaseEnvironment(ctx, run.EnvironmentID); err != nil {
		return domain.Run{}, err
	}
	c.logger.InfoContext(ctx, "cancelled run", "run_id", run.ID, "environment_id", run.EnvironmentID)
	return c.runs.GetByID(ctx, run.ID)
}

// ReleaseEnvironment waits for in-flight evaluations and diffs on the
// environment, cancels its unfinished runs and releases it to the pool. It is
// also the pool's releaser for TTL sweeps.
func (c *Coordinator) ReleaseEnvironment(ctx context.Context, environmentID uuid.UUID) error {
	if _, err := c.envs.Get(ctx, environmentID); err != nil {
		return err
	}

	sem := c.gate(environmentID)
	if err := sem.Acquire(ctx, maxInFlight); err != nil {
		return fmt.Errorf("wait for in-flight work on environment %s: %w", environmentID, err)
	}
	defer func() {
		sem.Release(maxInFlight)
		c.mu.Lock()
		delete(c.gates, environmentID)
		c.mu.Unlock()
	}()

	runs, err := c.runs.ListByEnvironment(ctx, environmentID)
	if err != nil {
		return err
	}
	for _, run := range runs {
		if run.IsTerminal() {
			continue
		}
		if err := c.runs.MarkCancelled(ctx, run.ID, c.now()); err != nil && !errors.Is(err, repository.ErrRunStatusConflict) {
			return err
		}
	}
	return c.envs.Release(ctx, environmentID)
}
