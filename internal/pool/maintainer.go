package pool

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// MaintainerConfig controls background pool upkeep.
type MaintainerConfig struct {
	// Targets maps template names to the number of pooled environments kept ready.
	Targets           map[string]int
	ReplenishInterval time.Duration
	SweepInterval     time.Duration
	// Concurrency bounds simultaneous clones during a replenish pass.
	Concurrency int64
	// CloneRate limits clones per second across all templates. Zero disables limiting.
	CloneRate float64
}

// Maintainer keeps pools topped up and sweeps expired environments.
type Maintainer struct {
	manager *Manager
	logger  *slog.Logger

	replenishInterval time.Duration
	sweepInterval     time.Duration
	concurrency       int64
	limiter           *rate.Limiter

	mu      sync.RWMutex
	targets map[string]int
}

// NewMaintainer wires background upkeep for manager.
func NewMaintainer(manager *Manager, cfg MaintainerConfig) *Maintainer {
	mt := &Maintainer{
		manager:           manager,
		logger:            manager.logger.With("component", "pool_maintainer"),
		replenishInterval: cfg.ReplenishInterval,
		sweepInterval:     cfg.SweepInterval,
		concurrency:       cfg.Concurrency,
		limiter:           rate.NewLimiter(rate.Inf, 1),
	}
	if mt.replenishInterval <= 0 {
		mt.replenishInterval = 30 * time.Second
	}
	if mt.sweepInterval <= 0 {
		mt.sweepInterval = time.Minute
	}
	if mt.concurrency <= 0 {
		mt.concurrency = 2
	}
	if cfg.CloneRate > 0 {
		mt.limiter = rate.NewLimiter(rate.Limit(cfg.CloneRate), 1)
	}
	mt.SetTargets(cfg.Targets)
	return mt
}

// SetTargets replaces the pool targets. Safe to call while Run is active.
func (mt *Maintainer) SetTargets(targets map[string]int) {
	copied := make(map[string]int, len(targets))
	for name, n := range targets {
		copied[name] = n
	}
	mt.mu.Lock()
	mt.targets = copied
	mt.mu.Unlock()
}

// Targets returns a copy of the current pool targets.
func (mt *Maintainer) Targets() map[string]int {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	copied := make(map[string]int, len(mt.targets))
	for name, n := range mt.targets {
		copied[name] = n
	}
	return copied
}

// Run replenishes immediately, then on every replenish tick, and sweeps on
// every sweep tick until ctx is cancelled.
func (mt *Maintainer) Run(ctx context.Context) error {
	replenish := time.NewTicker(mt.replenishInterval)
	defer replenish.Stop()
	sweep := time.NewTicker(mt.sweepInterval)
	defer sweep.Stop()

	mt.replenishAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-replenish.C:
			mt.replenishAndLog(ctx)
		case <-sweep.C:
			if _, err := mt.SweepOnce(ctx); err != nil {
				mt.logger.WarnContext(ctx, "sweep failed", "error", err)
			}
		}
	}
}

func (mt *Maintainer) replenishAndLog(ctx context.Context) {
	built, err := mt.ReplenishOnce(ctx)
	if err != nil {
		mt.logger.WarnContext(ctx, "replenish incomplete", "built", built, "error", err)
		return
	}
	if built > 0 {
		mt.logger.InfoContext(ctx, "replenished pools", "built", built)
	}
}

// ReplenishOnce tops every template up to its target and returns the number
// of environments built. Individual build failures are logged, counted and
// joined into the returned error; the next pass retries them.
func (mt *Maintainer) ReplenishOnce(ctx context.Context) (int, error) {
	targets := mt.Targets()
	names := make([]string, 0, len(targets))
	for name := range targets {
		names = append(names, name)
	}
	sort.Strings(names)

	var (
		mu    sync.Mutex
		built int
		errs  []error
	)
	record := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			errs = append(errs, err)
			return
		}
		built++
	}

	sem := semaphore.NewWeighted(mt.concurrency)
	g, gctx := errgroup.WithContext(ctx)

	for _, name := range names {
		tpl, ok := mt.manager.Template(name)
		if !ok {
			mt.logger.WarnContext(ctx, "pool target for unknown template", "template", name)
			continue
		}
		pooled, err := mt.manager.PooledCount(ctx, name)
		if err != nil {
			record(err)
			continue
		}
		pooledEnvironments.WithLabelValues(name).Set(float64(pooled))

		for i := pooled; i < targets[name]; i++ {
			if err := sem.Acquire(gctx, 1); err != nil {
				break
			}
			g.Go(func() error {
				defer sem.Release(1)
				if err := mt.limiter.Wait(gctx); err != nil {
					return err
				}
				env, err := mt.manager.buildPooled(gctx, tpl)
				if err != nil {
					buildFailures.WithLabelValues(tpl.Name).Inc()
					mt.logger.WarnContext(gctx, "failed to build pooled environment", "template", tpl.Name, "error", err)
					record(err)
					return nil
				}
				pooledEnvironments.WithLabelValues(tpl.Name).Inc()
				mt.logger.DebugContext(gctx, "built pooled environment", "template", tpl.Name, "environment_id", env.ID)
				record(nil)
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	return built, errors.Join(errs...)
}

// SweepOnce releases environments past their TTL.
func (mt *Maintainer) SweepOnce(ctx context.Context) (int, error) {
	return mt.manager.SweepExpired(ctx)
}
