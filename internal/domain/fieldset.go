package domain

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
)

// GlobalFieldSetKey is the document key for fields applying to every table.
const GlobalFieldSetKey = "global"

// FieldSet names fields globally and per table, as in the ignore_fields
// section of an assertion document: {"global": [...], "<table>": [...]}.
type FieldSet struct {
	Global   []string
	PerTable map[string][]string
}

// For returns the union of global and table-specific fields.
func (f FieldSet) For(table string) map[string]struct{} {
	out := make(map[string]struct{}, len(f.Global)+len(f.PerTable[table]))
	for _, field := range f.Global {
		out[field] = struct{}{}
	}
	for _, field := range f.PerTable[table] {
		out[field] = struct{}{}
	}
	return out
}

// Contains reports whether field is named for table.
func (f FieldSet) Contains(table, field string) bool {
	return slices.Contains(f.Global, field) || slices.Contains(f.PerTable[table], field)
}

// IsEmpty reports whether no field is named.
func (f FieldSet) IsEmpty() bool {
	if len(f.Global) > 0 {
		return false
	}
	for _, fields := range f.PerTable {
		if len(fields) > 0 {
			return false
		}
	}
	return true
}

// Merge returns the union of both sets.
func (f FieldSet) Merge(other FieldSet) FieldSet {
	merged := FieldSet{
		Global:   appendUnique(slices.Clone(f.Global), other.Global...),
		PerTable: map[string][]string{},
	}
	for table, fields := range f.PerTable {
		merged.PerTable[table] = appendUnique(nil, fields...)
	}
	for table, fields := range other.PerTable {
		merged.PerTable[table] = appendUnique(merged.PerTable[table], fields...)
	}
	return merged
}

func appendUnique(dst []string, values ...string) []string {
	for _, value := range values {
		if !slices.Contains(dst, value) {
			dst = append(dst, value)
		}
	}
	return dst
}

func (f FieldSet) MarshalJSON() ([]byte, error) {
	out := map[string][]string{GlobalFieldSetKey: f.Global}
	if out[GlobalFieldSetKey] == nil {
		out[GlobalFieldSetKey] = []string{}
	}
	tables := make([]string, 0, len(f.PerTable))
	for table := range f.PerTable {
		tables = append(tables, table)
	}
	sort.Strings(tables)
	for _, table := range tables {
		out[table] = f.PerTable[table]
	}
	return json.Marshal(out)
}

func (f *FieldSet) UnmarshalJSON(data []byte) error {
	var raw map[string][]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode field set: %w", err)
	}
	decoded := FieldSet{PerTable: map[string][]string{}}
	for key, fields := range raw {
		if key == GlobalFieldSetKey {
			decoded.Global = fields
			continue
		}
		decoded.PerTable[key] = fields
	}
	*f = decoded
	return nil
}
