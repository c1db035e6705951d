package domain

import (
	"sort"

	"github.com/google/uuid"
)

// ChangeKind classifies a row in a diff.
type ChangeKind string

const (
	ChangeKindInsert    ChangeKind = "insert"
	ChangeKindUpdate    ChangeKind = "update"
	ChangeKindDelete    ChangeKind = "delete"
	ChangeKindUnchanged ChangeKind = "unchanged"
)

// FieldChange is the before and after value of one mutated field.
type FieldChange struct {
	From any `json:"from"`
	To   any `json:"to"`
}

// RowChange describes one row of a diff. Fields holds the after image for
// inserts, updates and unchanged rows, and the before image for deletes.
type RowChange struct {
	Kind       ChangeKind             `json:"kind"`
	Table      string                 `json:"table"`
	PrimaryKey PrimaryKey             `json:"primary_key"`
	Fields     Row                    `json:"fields"`
	Before     Row                    `json:"before,omitempty"`
	Changes    map[string]FieldChange `json:"changes,omitempty"`
}

// ChangedFields returns the mutated field names in ascending order.
func (c RowChange) ChangedFields() []string {
	fields := make([]string, 0, len(c.Changes))
	for field := range c.Changes {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields
}

// DiffResult is the ordered set of row changes between two snapshots of the
// same environment. Every list is sorted by (table, primary key).
type DiffResult struct {
	EnvironmentID uuid.UUID   `json:"environment_id"`
	BeforeLabel   string      `json:"before_label"`
	AfterLabel    string      `json:"after_label"`
	Inserts       []RowChange `json:"inserts"`
	Updates       []RowChange `json:"updates"`
	Deletes       []RowChange `json:"deletes"`
	Unchanged     []RowChange `json:"unchanged,omitempty"`
}

// IsEmpty reports whether nothing was inserted, updated or deleted.
func (d DiffResult) IsEmpty() bool {
	return len(d.Inserts) == 0 && len(d.Updates) == 0 && len(d.Deletes) == 0
}

// Rows returns the entries of kind for table, in diff order.
func (d DiffResult) Rows(kind ChangeKind, table string) []RowChange {
	var source []RowChange
	switch kind {
	case ChangeKindInsert:
		source = d.Inserts
	case ChangeKindUpdate:
		source = d.Updates
	case ChangeKindDelete:
		source = d.Deletes
	case ChangeKindUnchanged:
		source = d.Unchanged
	}
	out := make([]RowChange, 0)
	for _, change := range source {
		if change.Table == table {
			out = append(out, change)
		}
	}
	return out
}

// SortRowChanges orders changes by (table, primary key).
func SortRowChanges(changes []RowChange) {
	sort.SliceStable(changes, func(i, j int) bool {
		if changes[i].Table != changes[j].Table {
			return changes[i].Table < changes[j].Table
		}
		return changes[i].PrimaryKey.Compare(changes[j].PrimaryKey) < 0
	})
}
