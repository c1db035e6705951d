package backend

import (
	"context"
	"fmt"
	"regexp"
)

// TableInfo describes one table of a namespace.
type TableInfo struct {
	Name       string
	Columns    []string
	PrimaryKey []string
}

// TableData is a table together with every row read from it.
type TableData struct {
	Info TableInfo
	Rows []map[string]any
}

// Store is the backing relational store holding template and environment
// namespaces.
type Store interface {
	// Tables lists the tables of a namespace in name order.
	Tables(ctx context.Context, namespace string) ([]TableInfo, error)
	// Capture reads every table of a namespace inside one consistent
	// read-only transaction.
	Capture(ctx context.Context, namespace string) ([]TableData, error)
	// Clone creates namespace as a structural and data copy of template.
	Clone(ctx context.Context, template, namespace string) error
	// Drop removes a namespace and everything in it. Dropping a missing
	// namespace is not an error.
	Drop(ctx context.Context, namespace string) error
	// Exists reports whether a namespace exists.
	Exists(ctx context.Context, namespace string) (bool, error)
	// Ping checks connectivity.
	Ping(ctx context.Context) error
}

var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidateIdentifier guards namespace and table names that end up in SQL.
func ValidateIdentifier(name string) error {
	if !validIdentifier.MatchString(name) {
		return fmt.Errorf("invalid identifier %q", name)
	}
	return nil
}
