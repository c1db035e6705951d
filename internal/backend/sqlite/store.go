package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/rpattn/evalsandbox/internal/backend"
)

// Store keeps every namespace as its own SQLite database file under Dir.
type Store struct {
	Dir string
}

// NewStore wires a file-per-namespace backend rooted at dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dir, err)
	}
	return &Store{Dir: dir}, nil
}

var _ backend.Store = (*Store)(nil)

// Path returns the database file backing namespace.
func (s *Store) Path(namespace string) string {
	return filepath.Join(s.Dir, namespace+".db")
}

// Open opens the namespace database. The file must already exist.
func (s *Store) Open(namespace string) (*sql.DB, error) {
	if err := backend.ValidateIdentifier(namespace); err != nil {
		return nil, err
	}
	path := s.Path(namespace)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("namespace %s: %w", namespace, err)
	}
	return sql.Open("sqlite3", dsn(path))
}

func dsn(path string) string {
	return "file:" + path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
}

func quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (s *Store) Ping(ctx context.Context) error {
	info, err := os.Stat(s.Dir)
	if err != nil {
		return fmt.Errorf("sqlite data directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("sqlite data directory %s is not a directory", s.Dir)
	}
	return nil
}

func (s *Store) Tables(ctx context.Context, namespace string) ([]backend.TableInfo, error) {
	conn, err := s.Open(namespace)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	tx, err := conn.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	return listTables(ctx, tx)
}

func listTables(ctx context.Context, tx *sql.Tx) ([]backend.TableInfo, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		names = append(names, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tables: %w", err)
	}

	tables := make([]backend.TableInfo, 0, len(names))
	for _, name := range names {
		info, err := tableInfo(ctx, tx, name)
		if err != nil {
			return nil, err
		}
		tables = append(tables, info)
	}
	return tables, nil
}

func tableInfo(ctx context.Context, tx *sql.Tx, table string) (backend.TableInfo, error) {
	rows, err := tx.QueryContext(ctx, "PRAGMA table_info("+quote(table)+")")
	if err != nil {
		return backend.TableInfo{}, fmt.Errorf("failed to describe %s: %w", table, err)
	}
	defer rows.Close()

	type keyColumn struct {
		name    string
		ordinal int
	}
	info := backend.TableInfo{Name: table}
	var keys []keyColumn
	for rows.Next() {
		var (
			cid      int
			name     string
			declType string
			notNull  int
			dflt     sql.NullString
			pk       int
		)
		if err := rows.Scan(&cid, &name, &declType, &notNull, &dflt, &pk); err != nil {
			return backend.TableInfo{}, fmt.Errorf("failed to scan column of %s: %w", table, err)
		}
		info.Columns = append(info.Columns, name)
		if pk > 0 {
			keys = append(keys, keyColumn{name: name, ordinal: pk})
		}
	}
	if err := rows.Err(); err != nil {
		return backend.TableInfo{}, fmt.Errorf("failed to iterate columns of %s: %w", table, err)
	}

	sort.Slice(keys, func(i, j int) bool { return keys[i].ordinal < keys[j].ordinal })
	for _, key := range keys {
		info.PrimaryKey = append(info.PrimaryKey, key.name)
	}
	return info, nil
}

// Capture reads every table inside a single read transaction.
func (s *Store) Capture(ctx context.Context, namespace string) ([]backend.TableData, error) {
	conn, err := s.Open(namespace)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	tx, err := conn.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to begin capture transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	tables, err := listTables(ctx, tx)
	if err != nil {
		return nil, err
	}

	data := make([]backend.TableData, 0, len(tables))
	for _, table := range tables {
		rows, err := readTable(ctx, tx, table.Name)
		if err != nil {
			return nil, err
		}
		data = append(data, backend.TableData{Info: table, Rows: rows})
	}
	return data, nil
}

func readTable(ctx context.Context, tx *sql.Tx, table string) ([]map[string]any, error) {
	rows, err := tx.QueryContext(ctx, "SELECT * FROM "+quote(table))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", table, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", table, err)
	}

	out := []map[string]any{}
	for rows.Next() {
		values := make([]any, len(columns))
		targets := make([]any, len(columns))
		for i := range values {
			targets[i] = &values[i]
		}
		if err := rows.Scan(targets...); err != nil {
			return nil, fmt.Errorf("failed to scan row of %s: %w", table, err)
		}
		row := make(map[string]any, len(columns))
		for i, column := range columns {
			row[column] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s: %w", table, err)
	}
	return out, nil
}

// Clone writes a compacted copy of the template database to the namespace
// file. Sequences and foreign keys live inside the file and travel with it.
func (s *Store) Clone(ctx context.Context, template, namespace string) error {
	if err := backend.ValidateIdentifier(namespace); err != nil {
		return err
	}
	target := s.Path(namespace)
	if _, err := os.Stat(target); err == nil {
		return fmt.Errorf("namespace %s already exists", namespace)
	}

	conn, err := s.Open(template)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "VACUUM INTO ?", target); err != nil {
		return fmt.Errorf("failed to clone %s into %s: %w", template, namespace, err)
	}
	return nil
}

// Drop removes the namespace file together with its WAL and shared-memory
// companions.
func (s *Store) Drop(ctx context.Context, namespace string) error {
	if err := backend.ValidateIdentifier(namespace); err != nil {
		return err
	}
	path := s.Path(namespace)
	for _, file := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", file, err)
		}
	}
	return nil
}

func (s *Store) Exists(ctx context.Context, namespace string) (bool, error) {
	if err := backend.ValidateIdentifier(namespace); err != nil {
		return false, err
	}
	_, err := os.Stat(s.Path(namespace))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("failed to check namespace %s: %w", namespace, err)
	}
}
