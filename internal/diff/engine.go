package diff

import (
	"context"
	"slices"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rpattn/evalsandbox/internal/domain"
	"github.com/rpattn/evalsandbox/pkg/valuecmp"
)

var tracer = otel.Tracer("evalsandbox.diff")

// Options tunes a comparison.
type Options struct {
	// Ignore excludes fields from update detection. Inserts and deletes are
	// never affected.
	Ignore domain.FieldSet
	// Unordered lists sequence-valued fields compared as multisets.
	Unordered domain.FieldSet
	// IncludeUnchanged also reports rows present and equal on both sides.
	IncludeUnchanged bool
}

// Compute classifies every row of before and after into inserts, updates and
// deletes, ordered by (table, primary key). Both snapshots must belong to the
// same environment.
func Compute(before, after domain.Snapshot, opts Options) (domain.DiffResult, error) {
	return ComputeContext(context.Background(), before, after, opts)
}

// ComputeContext is Compute with a tracing span.
func ComputeContext(ctx context.Context, before, after domain.Snapshot, opts Options) (domain.DiffResult, error) {
	_, span := tracer.Start(ctx, "diff.Compute", trace.WithAttributes(
		attribute.String("environment.id", before.EnvironmentID().String()),
		attribute.String("snapshot.before", before.Label()),
		attribute.String("snapshot.after", after.Label()),
	))
	defer span.End()

	if before.EnvironmentID() != after.EnvironmentID() {
		err := &domain.SchemaMismatchError{Reason: "snapshots belong to different environments"}
		span.RecordError(err)
		return domain.DiffResult{}, err
	}

	result := domain.DiffResult{
		EnvironmentID: before.EnvironmentID(),
		BeforeLabel:   before.Label(),
		AfterLabel:    after.Label(),
		Inserts:       []domain.RowChange{},
		Updates:       []domain.RowChange{},
		Deletes:       []domain.RowChange{},
	}
	if opts.IncludeUnchanged {
		result.Unchanged = []domain.RowChange{}
	}

	for _, name := range tableNames(before, after) {
		beforeTable, inBefore := before.Table(name)
		afterTable, inAfter := after.Table(name)
		if inBefore && inAfter && !slices.Equal(beforeTable.KeyColumns(), afterTable.KeyColumns()) {
			err := &domain.SchemaMismatchError{Table: name, Reason: "primary key columns differ"}
			span.RecordError(err)
			return domain.DiffResult{}, err
		}
		if inBefore && inAfter && !opts.IncludeUnchanged && beforeTable.Fingerprint() == afterTable.Fingerprint() {
			continue
		}
		compareTable(name, beforeTable, afterTable, opts, &result)
	}

	domain.SortRowChanges(result.Inserts)
	domain.SortRowChanges(result.Updates)
	domain.SortRowChanges(result.Deletes)
	domain.SortRowChanges(result.Unchanged)

	span.SetAttributes(
		attribute.Int("diff.inserts", len(result.Inserts)),
		attribute.Int("diff.updates", len(result.Updates)),
		attribute.Int("diff.deletes", len(result.Deletes)),
	)
	return result, nil
}

func tableNames(before, after domain.Snapshot) []string {
	seen := map[string]struct{}{}
	for _, name := range before.TableNames() {
		seen[name] = struct{}{}
	}
	for _, name := range after.TableNames() {
		seen[name] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// compareTable handles a table missing on one side as empty.
func compareTable(name string, before, after domain.TableSnapshot, opts Options, result *domain.DiffResult) {
	ignored := opts.Ignore.For(name)
	unordered := opts.Unordered.For(name)

	for _, key := range after.Keys() {
		afterRow, _ := after.Row(key)
		beforeRow, existed := before.Row(key)
		if !existed {
			result.Inserts = append(result.Inserts, domain.RowChange{
				Kind:       domain.ChangeKindInsert,
				Table:      name,
				PrimaryKey: key,
				Fields:     afterRow,
			})
			continue
		}

		changes := ChangedFields(beforeRow, afterRow, ignored, unordered)
		if len(changes) == 0 {
			if opts.IncludeUnchanged {
				result.Unchanged = append(result.Unchanged, domain.RowChange{
					Kind:       domain.ChangeKindUnchanged,
					Table:      name,
					PrimaryKey: key,
					Fields:     afterRow,
				})
			}
			continue
		}
		result.Updates = append(result.Updates, domain.RowChange{
			Kind:       domain.ChangeKindUpdate,
			Table:      name,
			PrimaryKey: key,
			Fields:     afterRow,
			Before:     beforeRow,
			Changes:    changes,
		})
	}

	for _, key := range before.Keys() {
		if after.Has(key) {
			continue
		}
		beforeRow, _ := before.Row(key)
		result.Deletes = append(result.Deletes, domain.RowChange{
			Kind:       domain.ChangeKindDelete,
			Table:      name,
			PrimaryKey: key,
			Fields:     beforeRow,
		})
	}
}

// ChangedFields compares two row images field by field, skipping ignored
// fields. A field absent on one side compares as null.
func ChangedFields(before, after domain.Row, ignored, unordered map[string]struct{}) map[string]domain.FieldChange {
	changes := map[string]domain.FieldChange{}
	fields := map[string]struct{}{}
	for field := range before {
		fields[field] = struct{}{}
	}
	for field := range after {
		fields[field] = struct{}{}
	}

	for field := range fields {
		if _, skip := ignored[field]; skip {
			continue
		}
		from, to := before[field], after[field]
		equal := valuecmp.Equal
		if _, ok := unordered[field]; ok {
			equal = valuecmp.EqualUnordered
		}
		if !equal(from, to) {
			changes[field] = domain.FieldChange{From: from, To: to}
		}
	}
	return changes
}
