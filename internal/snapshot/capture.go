package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rpattn/evalsandbox/internal/backend"
	"github.com/rpattn/evalsandbox/internal/domain"
)

var tracer = otel.Tracer("evalsandbox.snapshot")

// Capturer reads environment namespaces from the backing store and records
// them as immutable snapshots.
type Capturer struct {
	backend backend.Store
	store   Store
	logger  *slog.Logger
	now     func() time.Time
}

// NewCapturer wires a capturer. A nil logger falls back to slog.Default.
func NewCapturer(b backend.Store, store Store, logger *slog.Logger) *Capturer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Capturer{
		backend: b,
		store:   store,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Capture snapshots every table of env's namespace under label, replacing a
// previous snapshot with the same label. Nothing is stored when reading fails.
func (c *Capturer) Capture(ctx context.Context, env domain.Environment, label string) (domain.Snapshot, error) {
	ctx, span := tracer.Start(ctx, "snapshot.capture", trace.WithAttributes(
		attribute.String("environment.id", env.ID.String()),
		attribute.String("snapshot.label", label),
	))
	defer span.End()

	if label == "" {
		return domain.Snapshot{}, fmt.Errorf("snapshot label is required")
	}

	start := time.Now()
	tables, err := c.backend.Capture(ctx, env.Namespace)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "capture failed")
		return domain.Snapshot{}, fmt.Errorf("capture %s of environment %s: %w", label, env.ID, err)
	}

	images := make([]domain.TableSnapshot, 0, len(tables))
	for _, table := range tables {
		rows := make([]domain.Row, len(table.Rows))
		for i, row := range table.Rows {
			rows[i] = domain.Row(row)
		}
		image, err := domain.NewTableSnapshot(table.Info.Name, table.Info.Columns, table.Info.PrimaryKey, rows)
		if err != nil {
			span.RecordError(err)
			return domain.Snapshot{}, fmt.Errorf("capture %s of environment %s: %w", label, env.ID, err)
		}
		images = append(images, image)
	}

	snapshot, err := domain.NewSnapshot(env.ID, label, c.now(), images...)
	if err != nil {
		span.RecordError(err)
		return domain.Snapshot{}, fmt.Errorf("capture %s of environment %s: %w", label, env.ID, err)
	}
	if err := c.store.Put(ctx, snapshot); err != nil {
		span.RecordError(err)
		return domain.Snapshot{}, fmt.Errorf("store snapshot %s: %w", label, err)
	}

	span.SetAttributes(attribute.Int("snapshot.rows", snapshot.RowCount()))
	c.logger.DebugContext(ctx, "captured snapshot",
		"environment_id", env.ID,
		"label", label,
		"tables", len(images),
		"rows", snapshot.RowCount(),
		"duration", time.Since(start),
	)
	return snapshot, nil
}

// Get returns a stored snapshot or domain.ErrNotFound.
func (c *Capturer) Get(ctx context.Context, environmentID uuid.UUID, label string) (domain.Snapshot, error) {
	return c.store.Get(ctx, environmentID, label)
}

// Purge drops every snapshot of an environment.
func (c *Capturer) Purge(ctx context.Context, environmentID uuid.UUID) error {
	return c.store.DeleteEnvironment(ctx, environmentID)
}
