package fieldpath

import (
	"fmt"
	"strings"
)

// Separator joins nested field names, e.g. "metadata.labels.team".
const Separator = "."

// Components splits a dotted path into its components.
func Components(path string) []string {
	if path == "" {
		return []string{}
	}
	return strings.Split(path, Separator)
}

// Join appends key to prefix, returning key alone for an empty prefix.
func Join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + Separator + key
}

// Validate checks that a path is non-empty and has no empty components.
func Validate(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("path cannot be empty")
	}
	for i, component := range Components(path) {
		if component == "" {
			return fmt.Errorf("path component %d is empty", i)
		}
	}
	return nil
}

// Lookup resolves path against row. A column literally named like the full
// path wins over nested traversal. Missing segments report ok=false.
func Lookup(row map[string]any, path string) (any, bool) {
	if row == nil {
		return nil, false
	}
	if value, ok := row[path]; ok {
		return value, true
	}

	components := Components(path)
	if len(components) < 2 {
		return nil, false
	}

	var current any = row
	for _, component := range components {
		nested, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = nested[component]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
