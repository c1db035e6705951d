// Package memory is a process-local backend used by tests and the "memory"
// backend driver.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rpattn/evalsandbox/internal/backend"
	"github.com/rpattn/evalsandbox/internal/domain"
	"github.com/rpattn/evalsandbox/pkg/valuecmp"
)

type table struct {
	info backend.TableInfo
	rows []map[string]any
}

// Store holds namespaces as maps of tables.
type Store struct {
	mu         sync.RWMutex
	namespaces map[string]map[string]*table

	// CloneHook, when set, runs before every clone and aborts it on error.
	CloneHook func(ctx context.Context, template, namespace string) error

	clones atomic.Int64
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{namespaces: map[string]map[string]*table{}}
}

var _ backend.Store = (*Store)(nil)

// CloneCount reports how many clones completed.
func (s *Store) CloneCount() int64 {
	return s.clones.Load()
}

// CreateTable adds a table to namespace, creating the namespace on demand.
func (s *Store) CreateTable(namespace string, info backend.TableInfo, rows ...map[string]any) error {
	if err := backend.ValidateIdentifier(namespace); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tables, ok := s.namespaces[namespace]
	if !ok {
		tables = map[string]*table{}
		s.namespaces[namespace] = tables
	}
	if _, exists := tables[info.Name]; exists {
		return fmt.Errorf("table %s.%s already exists", namespace, info.Name)
	}
	t := &table{info: info}
	for _, row := range rows {
		t.rows = append(t.rows, copyRow(row))
	}
	tables[info.Name] = t
	return nil
}

// LoadSnapshot creates one table per snapshot table in namespace, seeded with
// the snapshot rows.
func (s *Store) LoadSnapshot(namespace string, snapshot domain.Snapshot) error {
	for _, name := range snapshot.TableNames() {
		image, _ := snapshot.Table(name)
		rows := make([]map[string]any, 0, image.Len())
		for _, key := range image.Keys() {
			row, _ := image.Row(key)
			rows = append(rows, row)
		}
		info := backend.TableInfo{Name: name, Columns: image.Columns(), PrimaryKey: image.KeyColumns()}
		if err := s.CreateTable(namespace, info, rows...); err != nil {
			return err
		}
	}
	return nil
}

// Insert appends a row.
func (s *Store) Insert(namespace, tableName string, row map[string]any) error {
	return s.mutate(namespace, tableName, func(t *table) {
		t.rows = append(t.rows, copyRow(row))
	})
}

// Update applies set to every row where match holds and returns the number
// of rows touched.
func (s *Store) Update(namespace, tableName string, match func(map[string]any) bool, set map[string]any) (int, error) {
	var n int
	err := s.mutate(namespace, tableName, func(t *table) {
		for _, row := range t.rows {
			if match(row) {
				for k, v := range set {
					row[k] = valuecmp.Clone(v)
				}
				n++
			}
		}
	})
	return n, err
}

// Delete removes every row where match holds.
func (s *Store) Delete(namespace, tableName string, match func(map[string]any) bool) (int, error) {
	var n int
	err := s.mutate(namespace, tableName, func(t *table) {
		kept := t.rows[:0]
		for _, row := range t.rows {
			if match(row) {
				n++
				continue
			}
			kept = append(kept, row)
		}
		t.rows = kept
	})
	return n, err
}

func (s *Store) mutate(namespace, tableName string, fn func(*table)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.namespaces[namespace][tableName]
	if !ok {
		return fmt.Errorf("table %s.%s does not exist", namespace, tableName)
	}
	fn(t)
	return nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Tables(_ context.Context, namespace string) ([]backend.TableInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tables, ok := s.namespaces[namespace]
	if !ok {
		return nil, fmt.Errorf("namespace %s does not exist", namespace)
	}
	out := make([]backend.TableInfo, 0, len(tables))
	for _, name := range sortedNames(tables) {
		out = append(out, copyInfo(tables[name].info))
	}
	return out, nil
}

func (s *Store) Capture(_ context.Context, namespace string) ([]backend.TableData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tables, ok := s.namespaces[namespace]
	if !ok {
		return nil, fmt.Errorf("namespace %s does not exist", namespace)
	}
	out := make([]backend.TableData, 0, len(tables))
	for _, name := range sortedNames(tables) {
		t := tables[name]
		rows := make([]map[string]any, len(t.rows))
		for i, row := range t.rows {
			rows[i] = copyRow(row)
		}
		out = append(out, backend.TableData{Info: copyInfo(t.info), Rows: rows})
	}
	return out, nil
}

func (s *Store) Clone(ctx context.Context, template, namespace string) error {
	if err := backend.ValidateIdentifier(namespace); err != nil {
		return err
	}
	if s.CloneHook != nil {
		if err := s.CloneHook(ctx, template, namespace); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	source, ok := s.namespaces[template]
	if !ok {
		return fmt.Errorf("template %s does not exist", template)
	}
	if _, exists := s.namespaces[namespace]; exists {
		return fmt.Errorf("namespace %s already exists", namespace)
	}
	copied := make(map[string]*table, len(source))
	for name, t := range source {
		rows := make([]map[string]any, len(t.rows))
		for i, row := range t.rows {
			rows[i] = copyRow(row)
		}
		copied[name] = &table{info: copyInfo(t.info), rows: rows}
	}
	s.namespaces[namespace] = copied
	s.clones.Add(1)
	return nil
}

func (s *Store) Drop(_ context.Context, namespace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.namespaces, namespace)
	return nil
}

func (s *Store) Exists(_ context.Context, namespace string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.namespaces[namespace]
	return ok, nil
}

func sortedNames(tables map[string]*table) []string {
	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func copyRow(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = valuecmp.Clone(v)
	}
	return out
}

func copyInfo(info backend.TableInfo) backend.TableInfo {
	return backend.TableInfo{
		Name:       info.Name,
		Columns:    append([]string(nil), info.Columns...),
		PrimaryKey: append([]string(nil), info.PrimaryKey...),
	}
}
