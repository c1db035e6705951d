package domain

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rpattn/evalsandbox/pkg/valuecmp"
)

// Row maps column names to normalized values.
type Row map[string]any

// Clone deep-copies the row.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for key, value := range r {
		out[key] = valuecmp.Clone(value)
	}
	return out
}

// PrimaryKey is the ordered tuple of key column values identifying a row.
type PrimaryKey struct {
	values []any
	text   string
}

// NewPrimaryKey normalizes values into a key.
func NewPrimaryKey(values ...any) PrimaryKey {
	normalized := make([]any, len(values))
	for i, value := range values {
		normalized[i] = valuecmp.Normalize(value)
	}
	return PrimaryKey{values: normalized, text: valuecmp.CanonicalJSON(normalized)}
}

// Values returns a copy of the key components.
func (k PrimaryKey) Values() []any {
	out := make([]any, len(k.values))
	copy(out, k.values)
	return out
}

// String is the canonical text form, a compact JSON array.
func (k PrimaryKey) String() string {
	if k.text == "" {
		return "[]"
	}
	return k.text
}

// Compare orders keys component-wise.
func (k PrimaryKey) Compare(other PrimaryKey) int {
	return valuecmp.Order(k.values, other.values)
}

// Equal reports whether both keys identify the same row.
func (k PrimaryKey) Equal(other PrimaryKey) bool {
	return k.String() == other.String()
}

func (k PrimaryKey) MarshalJSON() ([]byte, error) {
	values := k.values
	if values == nil {
		values = []any{}
	}
	return json.Marshal(values)
}

func (k *PrimaryKey) UnmarshalJSON(data []byte) error {
	var values []any
	if err := decodeJSON(data, &values); err != nil {
		return fmt.Errorf("decode primary key: %w", err)
	}
	*k = NewPrimaryKey(values...)
	return nil
}

// TableSnapshot holds every row of one table keyed by primary key.
type TableSnapshot struct {
	name        string
	columns     []string
	keyColumns  []string
	keys        []PrimaryKey
	rows        map[string]Row
	fingerprint string
}

// NewTableSnapshot builds an immutable table image. Tables without declared
// key columns use every column as row identity.
func NewTableSnapshot(name string, columns, keyColumns []string, rows []Row) (TableSnapshot, error) {
	if strings.TrimSpace(name) == "" {
		return TableSnapshot{}, errors.New("table name is required")
	}

	columns = slices.Clone(columns)
	if len(columns) == 0 {
		columns = columnsFromRows(rows)
	}
	keyless := len(keyColumns) == 0
	identity := slices.Clone(keyColumns)
	if keyless {
		identity = slices.Sorted(slices.Values(columns))
	}

	table := TableSnapshot{
		name:       name,
		columns:    columns,
		keyColumns: slices.Clone(keyColumns),
		keys:       make([]PrimaryKey, 0, len(rows)),
		rows:       make(map[string]Row, len(rows)),
	}

	for idx, row := range rows {
		normalized := Row(valuecmp.NormalizeRow(row))
		values := make([]any, 0, len(identity)+1)
		for _, column := range identity {
			value, ok := normalized[column]
			if !ok && !keyless {
				return TableSnapshot{}, fmt.Errorf("table %s row %d: missing key column %s", name, idx, column)
			}
			values = append(values, value)
		}

		key := NewPrimaryKey(values...)
		if _, exists := table.rows[key.String()]; exists {
			if !keyless {
				return TableSnapshot{}, fmt.Errorf("table %s: duplicate primary key %s", name, key)
			}
			// identical rows in a keyless table get an occurrence suffix
			for n := int64(1); ; n++ {
				candidate := NewPrimaryKey(append(slices.Clone(values), n)...)
				if _, taken := table.rows[candidate.String()]; !taken {
					key = candidate
					break
				}
			}
		}

		table.keys = append(table.keys, key)
		table.rows[key.String()] = normalized
	}

	sort.Slice(table.keys, func(i, j int) bool {
		return table.keys[i].Compare(table.keys[j]) < 0
	})
	table.fingerprint = table.computeFingerprint()
	return table, nil
}

func columnsFromRows(rows []Row) []string {
	seen := map[string]struct{}{}
	for _, row := range rows {
		for column := range row {
			seen[column] = struct{}{}
		}
	}
	columns := make([]string, 0, len(seen))
	for column := range seen {
		columns = append(columns, column)
	}
	sort.Strings(columns)
	return columns
}

func (t TableSnapshot) computeFingerprint() string {
	hash := sha256.New()
	for _, key := range t.keys {
		hash.Write([]byte(key.String()))
		hash.Write([]byte{0})
		hash.Write([]byte(valuecmp.CanonicalJSON(map[string]any(t.rows[key.String()]))))
		hash.Write([]byte{'\n'})
	}
	return hex.EncodeToString(hash.Sum(nil))
}

func (t TableSnapshot) Name() string { return t.name }

// Columns returns the table columns in catalog order.
func (t TableSnapshot) Columns() []string { return slices.Clone(t.columns) }

// KeyColumns returns the declared primary key columns, empty for keyless tables.
func (t TableSnapshot) KeyColumns() []string { return slices.Clone(t.keyColumns) }

func (t TableSnapshot) Len() int { return len(t.keys) }

// Keys returns the row keys in ascending order.
func (t TableSnapshot) Keys() []PrimaryKey { return slices.Clone(t.keys) }

// Fingerprint is a content hash over the ordered rows.
func (t TableSnapshot) Fingerprint() string { return t.fingerprint }

// Row returns a copy of the row identified by key.
func (t TableSnapshot) Row(key PrimaryKey) (Row, bool) {
	row, ok := t.rows[key.String()]
	if !ok {
		return nil, false
	}
	return row.Clone(), true
}

// Has reports whether a row with key exists.
func (t TableSnapshot) Has(key PrimaryKey) bool {
	_, ok := t.rows[key.String()]
	return ok
}

// Equal reports identical structure and contents.
func (t TableSnapshot) Equal(other TableSnapshot) bool {
	if t.name != other.name || !slices.Equal(t.keyColumns, other.keyColumns) {
		return false
	}
	if t.fingerprint != other.fingerprint || len(t.keys) != len(other.keys) {
		return false
	}
	for _, key := range t.keys {
		otherRow, ok := other.rows[key.String()]
		if !ok || !valuecmp.Equal(map[string]any(t.rows[key.String()]), map[string]any(otherRow)) {
			return false
		}
	}
	return true
}

// Snapshot is an immutable image of every table in an environment, taken at
// one point in time and identified by (environment, label).
type Snapshot struct {
	environmentID uuid.UUID
	label         string
	capturedAt    time.Time
	tables        map[string]TableSnapshot
	names         []string
}

// NewSnapshot assembles a snapshot from table images.
func NewSnapshot(environmentID uuid.UUID, label string, capturedAt time.Time, tables ...TableSnapshot) (Snapshot, error) {
	if strings.TrimSpace(label) == "" {
		return Snapshot{}, errors.New("snapshot label is required")
	}
	snapshot := Snapshot{
		environmentID: environmentID,
		label:         label,
		capturedAt:    capturedAt.UTC(),
		tables:        make(map[string]TableSnapshot, len(tables)),
		names:         make([]string, 0, len(tables)),
	}
	for _, table := range tables {
		if _, exists := snapshot.tables[table.name]; exists {
			return Snapshot{}, fmt.Errorf("duplicate table %s in snapshot", table.name)
		}
		snapshot.tables[table.name] = table
		snapshot.names = append(snapshot.names, table.name)
	}
	sort.Strings(snapshot.names)
	return snapshot, nil
}

func (s Snapshot) EnvironmentID() uuid.UUID { return s.environmentID }
func (s Snapshot) Label() string            { return s.label }
func (s Snapshot) CapturedAt() time.Time    { return s.capturedAt }

// TableNames returns table names in ascending order.
func (s Snapshot) TableNames() []string { return slices.Clone(s.names) }

// Table returns the image of one table.
func (s Snapshot) Table(name string) (TableSnapshot, bool) {
	table, ok := s.tables[name]
	return table, ok
}

// RowCount sums rows across all tables.
func (s Snapshot) RowCount() int {
	total := 0
	for _, table := range s.tables {
		total += table.Len()
	}
	return total
}

// Equal compares environment and table contents; label and capture time are
// metadata and do not participate.
func (s Snapshot) Equal(other Snapshot) bool {
	if s.environmentID != other.environmentID || !slices.Equal(s.names, other.names) {
		return false
	}
	for _, name := range s.names {
		if !s.tables[name].Equal(other.tables[name]) {
			return false
		}
	}
	return true
}

// Compare orders snapshots by capture time, then label.
func (s Snapshot) Compare(other Snapshot) int {
	if c := s.capturedAt.Compare(other.capturedAt); c != 0 {
		return c
	}
	return strings.Compare(s.label, other.label)
}

type snapshotJSON struct {
	EnvironmentID uuid.UUID   `json:"environment_id"`
	Label         string      `json:"label"`
	CapturedAt    time.Time   `json:"captured_at"`
	Tables        []tableJSON `json:"tables"`
}

type tableJSON struct {
	Name       string   `json:"name"`
	Columns    []string `json:"columns"`
	KeyColumns []string `json:"key_columns"`
	Rows       []Row    `json:"rows"`
}

func (s Snapshot) MarshalJSON() ([]byte, error) {
	payload := snapshotJSON{
		EnvironmentID: s.environmentID,
		Label:         s.label,
		CapturedAt:    s.capturedAt,
		Tables:        make([]tableJSON, 0, len(s.names)),
	}
	for _, name := range s.names {
		table := s.tables[name]
		rows := make([]Row, 0, len(table.keys))
		for _, key := range table.keys {
			rows = append(rows, table.rows[key.String()])
		}
		keyColumns := table.keyColumns
		if keyColumns == nil {
			keyColumns = []string{}
		}
		payload.Tables = append(payload.Tables, tableJSON{
			Name:       name,
			Columns:    table.columns,
			KeyColumns: keyColumns,
			Rows:       rows,
		})
	}
	return json.Marshal(payload)
}

func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var payload snapshotJSON
	if err := decodeJSON(data, &payload); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	tables := make([]TableSnapshot, 0, len(payload.Tables))
	for _, raw := range payload.Tables {
		table, err := NewTableSnapshot(raw.Name, raw.Columns, raw.KeyColumns, raw.Rows)
		if err != nil {
			return fmt.Errorf("decode snapshot: %w", err)
		}
		tables = append(tables, table)
	}
	decoded, err := NewSnapshot(payload.EnvironmentID, payload.Label, payload.CapturedAt, tables...)
	if err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	*s = decoded
	return nil
}

func decodeJSON(data []byte, target any) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	return decoder.Decode(target)
}
