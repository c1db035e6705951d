package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/rpattn/evalsandbox/internal/backend"
	"github.com/rpattn/evalsandbox/internal/db"
)

// Store keeps every namespace as a Postgres schema in one database.
type Store struct {
	conn *db.Connection
}

// NewStore wires a schema-per-namespace backend over conn.
func NewStore(conn *db.Connection) *Store {
	return &Store{conn: conn}
}

var _ backend.Store = (*Store)(nil)

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *Store) Ping(ctx context.Context) error {
	if s.conn == nil || s.conn.Pool == nil {
		return errors.New("postgres backend not initialized")
	}
	return s.conn.Pool.Ping(ctx)
}

func (s *Store) Tables(ctx context.Context, namespace string) ([]backend.TableInfo, error) {
	if err := backend.ValidateIdentifier(namespace); err != nil {
		return nil, err
	}
	return listTables(ctx, s.conn.Pool, namespace)
}

func listTables(ctx context.Context, q querier, namespace string) ([]backend.TableInfo, error) {
	rows, err := q.Query(ctx,
		`SELECT c.table_name, c.column_name
		 FROM information_schema.columns c
		 JOIN information_schema.tables t
		   ON t.table_schema = c.table_schema AND t.table_name = c.table_name
		 WHERE c.table_schema = $1 AND t.table_type = 'BASE TABLE'
		 ORDER BY c.table_name, c.ordinal_position`,
		namespace,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list columns of %s: %w", namespace, err)
	}

	var tables []backend.TableInfo
	index := map[string]int{}
	for rows.Next() {
		var table, column string
		if err := rows.Scan(&table, &column); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan column: %w", err)
		}
		pos, ok := index[table]
		if !ok {
			pos = len(tables)
			index[table] = pos
			tables = append(tables, backend.TableInfo{Name: table})
		}
		tables[pos].Columns = append(tables[pos].Columns, column)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate columns: %w", err)
	}

	keyRows, err := q.Query(ctx,
		`SELECT kcu.table_name, kcu.column_name
		 FROM information_schema.table_constraints tc
		 JOIN information_schema.key_column_usage kcu
		   ON tc.constraint_name = kcu.constraint_name
		  AND tc.table_schema = kcu.table_schema
		  AND tc.table_name = kcu.table_name
		 WHERE tc.table_schema = $1 AND tc.constraint_type = 'PRIMARY KEY'
		 ORDER BY kcu.table_name, kcu.ordinal_position`,
		namespace,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list primary keys of %s: %w", namespace, err)
	}
	defer keyRows.Close()
	for keyRows.Next() {
		var table, column string
		if err := keyRows.Scan(&table, &column); err != nil {
			return nil, fmt.Errorf("failed to scan primary key: %w", err)
		}
		if pos, ok := index[table]; ok {
			tables[pos].PrimaryKey = append(tables[pos].PrimaryKey, column)
		}
	}
	if err := keyRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate primary keys: %w", err)
	}

	return tables, nil
}

// Capture reads all tables in one REPEATABLE READ, read-only transaction so
// every table reflects the same instant.
func (s *Store) Capture(ctx context.Context, namespace string) ([]backend.TableData, error) {
	if err := backend.ValidateIdentifier(namespace); err != nil {
		return nil, err
	}

	tx, err := s.conn.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("failed to begin capture transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	tables, err := listTables(ctx, tx, namespace)
	if err != nil {
		return nil, err
	}

	data := make([]backend.TableData, 0, len(tables))
	for _, table := range tables {
		rows, err := readTable(ctx, tx, namespace, table.Name)
		if err != nil {
			return nil, err
		}
		data = append(data, backend.TableData{Info: table, Rows: rows})
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit capture transaction: %w", err)
	}
	return data, nil
}

func readTable(ctx context.Context, tx pgx.Tx, namespace, table string) ([]map[string]any, error) {
	rows, err := tx.Query(ctx, "SELECT * FROM "+pgx.Identifier{namespace, table}.Sanitize())
	if err != nil {
		return nil, fmt.Errorf("failed to read %s.%s: %w", namespace, table, err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	out := []map[string]any{}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to decode row of %s.%s: %w", namespace, table, err)
		}
		row := make(map[string]any, len(fields))
		for i, field := range fields {
			row[field.Name] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s.%s: %w", namespace, table, err)
	}
	return out, nil
}

// Clone copies structure and data of template into a new schema, rebinds
// serial defaults to namespace-local sequences, resets sequences past the
// copied data and re-creates foreign keys.
func (s *Store) Clone(ctx context.Context, template, namespace string) error {
	if err := backend.ValidateIdentifier(template); err != nil {
		return err
	}
	if err := backend.ValidateIdentifier(namespace); err != nil {
		return err
	}

	return s.conn.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "CREATE SCHEMA "+pgx.Identifier{namespace}.Sanitize()); err != nil {
			return fmt.Errorf("failed to create schema %s: %w", namespace, err)
		}

		tables, err := listTables(ctx, tx, template)
		if err != nil {
			return err
		}
		if len(tables) == 0 {
			return fmt.Errorf("template %s has no tables", template)
		}

		for _, table := range tables {
			target := pgx.Identifier{namespace, table.Name}.Sanitize()
			source := pgx.Identifier{template, table.Name}.Sanitize()
			if _, err := tx.Exec(ctx, fmt.Sprintf("CREATE TABLE %s (LIKE %s INCLUDING ALL)", target, source)); err != nil {
				return fmt.Errorf("failed to create table %s: %w", table.Name, err)
			}
			if _, err := tx.Exec(ctx, fmt.Sprintf("INSERT INTO %s OVERRIDING SYSTEM VALUE SELECT * FROM %s", target, source)); err != nil {
				return fmt.Errorf("failed to seed table %s: %w", table.Name, err)
			}
		}

		if err := rebindSerialDefaults(ctx, tx, namespace); err != nil {
			return err
		}
		if err := resetSequences(ctx, tx, namespace); err != nil {
			return err
		}
		return copyForeignKeys(ctx, tx, template, namespace)
	})
}

type columnRef struct {
	table  string
	column string
}

func collectColumns(ctx context.Context, tx pgx.Tx, sql string, namespace string) ([]columnRef, error) {
	rows, err := tx.Query(ctx, sql, namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to list sequence columns: %w", err)
	}
	defer rows.Close()
	var refs []columnRef
	for rows.Next() {
		var ref columnRef
		if err := rows.Scan(&ref.table, &ref.column); err != nil {
			return nil, fmt.Errorf("failed to scan sequence column: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// rebindSerialDefaults points serial columns, which LIKE copies verbatim, at
// fresh sequences owned by the clone.
func rebindSerialDefaults(ctx context.Context, tx pgx.Tx, namespace string) error {
	refs, err := collectColumns(ctx, tx,
		`SELECT table_name, column_name FROM information_schema.columns
		 WHERE table_schema = $1 AND column_default LIKE 'nextval(%'
		 ORDER BY table_name, column_name`,
		namespace,
	)
	if err != nil {
		return err
	}

	for _, ref := range refs {
		sequence := pgx.Identifier{namespace, fmt.Sprintf("%s_%s_seq", ref.table, ref.column)}.Sanitize()
		column := pgx.Identifier{namespace, ref.table, ref.column}.Sanitize()
		table := pgx.Identifier{namespace, ref.table}.Sanitize()

		statements := []string{
			fmt.Sprintf("CREATE SEQUENCE %s OWNED BY %s", sequence, column),
			fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s SET DEFAULT nextval('%s'::regclass)",
				table, pgx.Identifier{ref.column}.Sanitize(), strings.ReplaceAll(sequence, "'", "''")),
		}
		for _, statement := range statements {
			if _, err := tx.Exec(ctx, statement); err != nil {
				return fmt.Errorf("failed to rebind sequence for %s.%s: %w", ref.table, ref.column, err)
			}
		}
	}
	return nil
}

func resetSequences(ctx context.Context, tx pgx.Tx, namespace string) error {
	refs, err := collectColumns(ctx, tx,
		`SELECT table_name, column_name FROM information_schema.columns
		 WHERE table_schema = $1 AND (column_default LIKE 'nextval(%' OR is_identity = 'YES')
		 ORDER BY table_name, column_name`,
		namespace,
	)
	if err != nil {
		return err
	}

	for _, ref := range refs {
		table := pgx.Identifier{namespace, ref.table}.Sanitize()
		statement := fmt.Sprintf(
			"SELECT setval(pg_get_serial_sequence($1, $2), COALESCE((SELECT MAX(%s) FROM %s), 0) + 1, false)",
			pgx.Identifier{ref.column}.Sanitize(), table,
		)
		if _, err := tx.Exec(ctx, statement, table, ref.column); err != nil {
			return fmt.Errorf("failed to reset sequence for %s.%s: %w", ref.table, ref.column, err)
		}
	}
	return nil
}

// copyForeignKeys renders constraint definitions with the template on the
// search path so references come out unqualified, then replays them with the
// clone on the search path.
func copyForeignKeys(ctx context.Context, tx pgx.Tx, template, namespace string) error {
	if _, err := tx.Exec(ctx, "SET LOCAL search_path TO "+pgx.Identifier{template}.Sanitize()); err != nil {
		return fmt.Errorf("failed to set search path: %w", err)
	}

	rows, err := tx.Query(ctx,
		`SELECT con.conname, cl.relname, pg_get_constraintdef(con.oid)
		 FROM pg_constraint con
		 JOIN pg_class cl ON cl.oid = con.conrelid
		 JOIN pg_namespace ns ON ns.oid = cl.relnamespace
		 WHERE ns.nspname = $1 AND con.contype = 'f'
		 ORDER BY cl.relname, con.conname`,
		template,
	)
	if err != nil {
		return fmt.Errorf("failed to list foreign keys: %w", err)
	}
	type foreignKey struct {
		name       string
		table      string
		definition string
	}
	var keys []foreignKey
	for rows.Next() {
		var fk foreignKey
		if err := rows.Scan(&fk.name, &fk.table, &fk.definition); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan foreign key: %w", err)
		}
		keys = append(keys, fk)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate foreign keys: %w", err)
	}

	if _, err := tx.Exec(ctx, "SET LOCAL search_path TO "+pgx.Identifier{namespace}.Sanitize()); err != nil {
		return fmt.Errorf("failed to set search path: %w", err)
	}
	for _, fk := range keys {
		statement := fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s %s",
			pgx.Identifier{fk.table}.Sanitize(), pgx.Identifier{fk.name}.Sanitize(), fk.definition)
		if _, err := tx.Exec(ctx, statement); err != nil {
			return fmt.Errorf("failed to add foreign key %s: %w", fk.name, err)
		}
	}
	return nil
}

func (s *Store) Drop(ctx context.Context, namespace string) error {
	if err := backend.ValidateIdentifier(namespace); err != nil {
		return err
	}
	if _, err := s.conn.Pool.Exec(ctx, "DROP SCHEMA IF EXISTS "+pgx.Identifier{namespace}.Sanitize()+" CASCADE"); err != nil {
		return fmt.Errorf("failed to drop schema %s: %w", namespace, err)
	}
	return nil
}

func (s *Store) Exists(ctx context.Context, namespace string) (bool, error) {
	var exists bool
	err := s.conn.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.schemata WHERE schema_name = $1)`,
		namespace,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check schema %s: %w", namespace, err)
	}
	return exists, nil
}
