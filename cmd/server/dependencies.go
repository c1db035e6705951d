package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/rpattn/evalsandbox/internal/backend"
	"github.com/rpattn/evalsandbox/internal/backend/memory"
	"github.com/rpattn/evalsandbox/internal/backend/postgres"
	"github.com/rpattn/evalsandbox/internal/backend/sqlite"
	"github.com/rpattn/evalsandbox/internal/config"
	"github.com/rpattn/evalsandbox/internal/db"
	"github.com/rpattn/evalsandbox/internal/domain"
	"github.com/rpattn/evalsandbox/internal/repository"
	"github.com/rpattn/evalsandbox/internal/repository/inmem"
	"github.com/rpattn/evalsandbox/internal/snapshot"
)

type dependencies struct {
	backend      backend.Store
	environments repository.EnvironmentRepository
	runs         repository.RunRepository
	snapshots    snapshot.Store
	closers      []func()
}

func (d *dependencies) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

func openDependencies(ctx context.Context, cfg config.Config, logger *slog.Logger) (*dependencies, error) {
	deps := &dependencies{}
	ok := false
	defer func() {
		if !ok {
			deps.Close()
		}
	}()

	var conn *db.Connection
	if cfg.Backend.Driver == "postgres" || cfg.Metadata.Store == "postgres" {
		if cfg.Metadata.Store == "postgres" && cfg.Metadata.Migrate {
			if err := db.RunMigrations(cfg.Database); err != nil {
				return nil, err
			}
		}
		var err error
		conn, err = db.NewConnection(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		deps.closers = append(deps.closers, conn.Close)
	}

	switch cfg.Backend.Driver {
	case "postgres":
		deps.backend = postgres.NewStore(conn)
	case "sqlite":
		store, err := sqlite.NewStore(cfg.Backend.SQLiteDir)
		if err != nil {
			return nil, err
		}
		deps.backend = store
	case "memory":
		store := memory.NewStore()
		if err := seedMemoryStore(store, cfg.Backend.Seeds); err != nil {
			return nil, err
		}
		deps.backend = store
	default:
		return nil, fmt.Errorf("unknown backend driver %q", cfg.Backend.Driver)
	}

	switch cfg.Metadata.Store {
	case "postgres":
		deps.environments = repository.NewEnvironmentRepository(conn.Pool)
		deps.runs = repository.NewRunRepository(conn.Pool)
	default:
		deps.environments = inmem.NewEnvironmentRepository()
		deps.runs = inmem.NewRunRepository()
	}

	switch cfg.Snapshots.Store {
	case "badger":
		store, err := snapshot.OpenBadgerStore(snapshot.BadgerConfig{
			Path:     cfg.Snapshots.BadgerPath,
			InMemory: cfg.Snapshots.BadgerPath == "",
			Logger:   logger.With("component", "badger"),
		})
		if err != nil {
			return nil, err
		}
		deps.snapshots = store
		deps.closers = append(deps.closers, func() {
			if err := store.Close(); err != nil {
				logger.Warn("failed to close snapshot store", "error", err)
			}
		})
	default:
		deps.snapshots = snapshot.NewMemoryStore()
	}

	ok = true
	return deps, nil
}

// seedMemoryStore loads template namespaces from snapshot files.
func seedMemoryStore(store *memory.Store, seeds map[string]string) error {
	for namespace, path := range seeds {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read seed for %s: %w", namespace, err)
		}
		var seed domain.Snapshot
		if err := json.Unmarshal(data, &seed); err != nil {
			return fmt.Errorf("parse seed for %s: %w", namespace, err)
		}
		if err := store.LoadSnapshot(namespace, seed); err != nil {
			return fmt.Errorf("seed %s: %w", namespace, err)
		}
	}
	return nil
}
