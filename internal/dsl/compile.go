package dsl

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rpattn/evalsandbox/internal/domain"
	"github.com/rpattn/evalsandbox/pkg/fieldpath"
	"github.com/rpattn/evalsandbox/pkg/valuecmp"
)

// TableCatalog answers whether an entity names a real table.
type TableCatalog interface {
	HasTable(name string) bool
}

// TableSet is a TableCatalog over a fixed list of names.
type TableSet map[string]struct{}

// NewTableSet builds a catalog from table names.
func NewTableSet(names ...string) TableSet {
	set := make(TableSet, len(names))
	for _, name := range names {
		set[name] = struct{}{}
	}
	return set
}

func (s TableSet) HasTable(name string) bool {
	_, ok := s[name]
	return ok
}

var (
	documentKeys       = []string{"version", "scenario", "task", "ignore_fields", "assertions"}
	assertionKeys      = []string{"diff_type", "entity", "where", "expected_count", "expected_changes", "strict", "description"}
	countRangeKeys     = []string{"min", "max"}
	changeBoundaryKeys = []string{"from", "to"}
)

// Decode reads a JSON or YAML assertion document into a normalized tree.
func Decode(data []byte) (any, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, &domain.SchemaError{Issues: []domain.SchemaIssue{{Path: "document", Message: "document is empty"}}}
	}

	var raw any
	if trimmed[0] == '{' || trimmed[0] == '[' {
		decoder := json.NewDecoder(bytes.NewReader(trimmed))
		decoder.UseNumber()
		if err := decoder.Decode(&raw); err != nil {
			return nil, &domain.SchemaError{Issues: []domain.SchemaIssue{{Path: "document", Message: fmt.Sprintf("malformed JSON: %v", err)}}}
		}
	} else {
		decoder := yaml.NewDecoder(bytes.NewReader(trimmed))
		if err := decoder.Decode(&raw); err != nil {
			return nil, &domain.SchemaError{Issues: []domain.SchemaIssue{{Path: "document", Message: fmt.Sprintf("malformed YAML: %v", err)}}}
		}
	}
	return valuecmp.Normalize(raw), nil
}

// Parse decodes and compiles a document. catalog may be nil to skip the
// entity check.
func Parse(data []byte, catalog TableCatalog) (Document, error) {
	raw, err := Decode(data)
	if err != nil {
		return Document{}, err
	}
	return Compile(raw, catalog)
}

// Validate reports every problem in a decoded document as a SchemaError.
func Validate(raw any, catalog TableCatalog) error {
	_, err := Compile(raw, catalog)
	return err
}

// Compile checks a decoded document and turns it into a Document. All
// offending paths are collected before returning.
func Compile(raw any, catalog TableCatalog) (Document, error) {
	c := &compiler{issues: &domain.SchemaError{}, catalog: catalog}

	root, ok := raw.(map[string]any)
	if !ok {
		c.issues.Add("document", "must be an object, got %s", describe(raw))
		return Document{}, c.issues
	}

	doc := c.document(root)
	if err := c.issues.ErrOrNil(); err != nil {
		return Document{}, err
	}
	return doc, nil
}

type compiler struct {
	issues  *domain.SchemaError
	catalog TableCatalog
}

func (c *compiler) unknownKeys(path string, object map[string]any, allowed []string) {
	for _, key := range sortedKeys(object) {
		if !contains(allowed, key) {
			c.issues.Add(join(path, key), "unknown field")
		}
	}
}

func (c *compiler) document(root map[string]any) Document {
	c.unknownKeys("", root, documentKeys)

	doc := Document{}
	switch version := root["version"].(type) {
	case nil:
		c.issues.Add("version", "is required")
	case string:
		if strings.TrimSpace(version) == "" {
			c.issues.Add("version", "must not be empty")
		}
		doc.Version = version
	case int64, float64:
		doc.Version = valuecmp.CanonicalJSON(version)
	default:
		c.issues.Add("version", "must be a string or number, got %s", describe(version))
	}

	doc.Scenario = c.optionalString("scenario", root["scenario"])
	doc.Task = c.optionalString("task", root["task"])
	doc.IgnoreFields = c.ignoreFields(root["ignore_fields"])

	rawAssertions, present := root["assertions"]
	items, ok := rawAssertions.([]any)
	switch {
	case !present || rawAssertions == nil:
		c.issues.Add("assertions", "is required")
	case !ok:
		c.issues.Add("assertions", "must be an array, got %s", describe(rawAssertions))
	case len(items) == 0:
		c.issues.Add("assertions", "must not be empty")
	}
	for i, item := range items {
		doc.Assertions = append(doc.Assertions, c.assertion(fmt.Sprintf("assertions[%d]", i), item))
	}
	return doc
}

func (c *compiler) optionalString(path string, value any) string {
	if value == nil {
		return ""
	}
	text, ok := value.(string)
	if !ok {
		c.issues.Add(path, "must be a string, got %s", describe(value))
	}
	return text
}

func (c *compiler) ignoreFields(value any) domain.FieldSet {
	set := domain.FieldSet{PerTable: map[string][]string{}}
	if value == nil {
		return set
	}
	object, ok := value.(map[string]any)
	if !ok {
		c.issues.Add("ignore_fields", "must be an object, got %s", describe(value))
		return set
	}
	for _, key := range sortedKeys(object) {
		path := join("ignore_fields", key)
		items, ok := object[key].([]any)
		if !ok {
			c.issues.Add(path, "must be an array of field names, got %s", describe(object[key]))
			continue
		}
		fields := make([]string, 0, len(items))
		for i, item := range items {
			name, ok := item.(string)
			if !ok || strings.TrimSpace(name) == "" {
				c.issues.Add(fmt.Sprintf("%s[%d]", path, i), "must be a non-empty field name")
				continue
			}
			fields = append(fields, name)
		}
		if key == domain.GlobalFieldSetKey {
			set.Global = fields
			continue
		}
		if c.catalog != nil && !c.catalog.HasTable(key) {
			c.issues.Add(path, "unknown entity %q", key)
		}
		set.PerTable[key] = fields
	}
	return set
}

func (c *compiler) assertion(path string, value any) Assertion {
	object, ok := value.(map[string]any)
	if !ok {
		c.issues.Add(path, "must be an object, got %s", describe(value))
		return Assertion{}
	}
	c.unknownKeys(path, object, assertionKeys)

	assertion := Assertion{Strict: true}

	switch diffType := object["diff_type"].(type) {
	case nil:
		c.issues.Add(join(path, "diff_type"), "is required")
	case string:
		if !contains(diffTypeNames(), diffType) {
			c.issues.Add(join(path, "diff_type"), "must be one of %s, got %q", strings.Join(diffTypeNames(), ", "), diffType)
		}
		assertion.DiffType = DiffType(diffType)
	default:
		c.issues.Add(join(path, "diff_type"), "must be a string, got %s", describe(diffType))
	}

	switch entity := object["entity"].(type) {
	case nil:
		c.issues.Add(join(path, "entity"), "is required")
	case string:
		switch {
		case strings.TrimSpace(entity) == "":
			c.issues.Add(join(path, "entity"), "must not be empty")
		case c.catalog != nil && !c.catalog.HasTable(entity):
			c.issues.Add(join(path, "entity"), "unknown entity %q", entity)
		}
		assertion.Entity = entity
	default:
		c.issues.Add(join(path, "entity"), "must be a string, got %s", describe(entity))
	}

	if raw, ok := object["where"]; ok && raw != nil {
		assertion.Where = c.where(join(path, "where"), raw)
	}

	if raw, ok := object["expected_count"]; ok && raw != nil {
		assertion.ExpectedCount = c.count(join(path, "expected_count"), raw)
	}

	if raw, ok := object["expected_changes"]; ok && raw != nil {
		if assertion.DiffType != DiffTypeChanged {
			c.issues.Add(join(path, "expected_changes"), "is only allowed for diff_type changed")
		}
		assertion.ExpectedChanges = c.changes(join(path, "expected_changes"), raw)
	}

	if raw, ok := object["strict"]; ok && raw != nil {
		strict, isBool := raw.(bool)
		switch {
		case !isBool:
			c.issues.Add(join(path, "strict"), "must be a boolean, got %s", describe(raw))
		case assertion.DiffType != DiffTypeChanged:
			c.issues.Add(join(path, "strict"), "is only allowed for diff_type changed")
		default:
			assertion.Strict = strict
		}
	}

	assertion.Description = c.optionalString(join(path, "description"), object["description"])
	return assertion
}

func (c *compiler) where(path string, value any) Where {
	object, ok := value.(map[string]any)
	if !ok {
		c.issues.Add(path, "must be an object, got %s", describe(value))
		return nil
	}
	where := make(Where, 0, len(object))
	for _, field := range sortedKeys(object) {
		fieldPath := join(path, field)
		if err := fieldpath.Validate(field); err != nil {
			c.issues.Add(fieldPath, "invalid field path: %v", err)
			continue
		}
		where = append(where, FieldCondition{Field: field, Condition: c.condition(fieldPath, object[field])})
	}
	return where
}

// condition compiles an operator map, or a bare literal as eq.
func (c *compiler) condition(path string, value any) Condition {
	object, ok := value.(map[string]any)
	if !ok {
		predicate, err := NewPredicate(OpEq, value)
		if err != nil {
			c.issues.Add(path, "%v", err)
			return nil
		}
		return Condition{predicate}
	}

	if len(object) == 0 {
		c.issues.Add(path, "must name at least one operator")
		return nil
	}

	condition := make(Condition, 0, len(object))
	for _, name := range sortedKeys(object) {
		op, known := ParseOperator(name)
		if !known {
			c.issues.Add(join(path, name), "unknown operator %q (allowed: %s)", name, strings.Join(Operators(), ", "))
			continue
		}
		predicate, err := NewPredicate(op, object[name])
		if err != nil {
			c.issues.Add(join(path, name), "%v", err)
			continue
		}
		condition = append(condition, predicate)
	}
	return condition
}

func (c *compiler) count(path string, value any) *CountExpectation {
	switch typed := value.(type) {
	case int64:
		if typed < 0 {
			c.issues.Add(path, "must not be negative")
			return nil
		}
		return &CountExpectation{Exact: &typed}
	case map[string]any:
		c.unknownKeys(path, typed, countRangeKeys)
		expectation := &CountExpectation{}
		expectation.Min = c.bound(join(path, "min"), typed["min"])
		expectation.Max = c.bound(join(path, "max"), typed["max"])
		if typed["min"] == nil && typed["max"] == nil {
			c.issues.Add(path, "range must set min, max or both")
		}
		if expectation.Min != nil && expectation.Max != nil && *expectation.Min > *expectation.Max {
			c.issues.Add(path, "min %d exceeds max %d", *expectation.Min, *expectation.Max)
		}
		return expectation
	default:
		c.issues.Add(path, "must be a non-negative integer or {min, max}, got %s", describe(value))
		return nil
	}
}

func (c *compiler) bound(path string, value any) *int64 {
	if value == nil {
		return nil
	}
	number, ok := value.(int64)
	if !ok || number < 0 {
		c.issues.Add(path, "must be a non-negative integer")
		return nil
	}
	return &number
}

func (c *compiler) changes(path string, value any) []ChangeExpectation {
	object, ok := value.(map[string]any)
	if !ok {
		c.issues.Add(path, "must be an object, got %s", describe(value))
		return nil
	}

	changes := make([]ChangeExpectation, 0, len(object))
	for _, field := range sortedKeys(object) {
		fieldPath := join(path, field)
		expectation := ChangeExpectation{Field: field}

		boundaries, isObject := object[field].(map[string]any)
		if !isObject {
			// a bare literal constrains the new value
			expectation.To = c.condition(join(fieldPath, "to"), object[field])
			changes = append(changes, expectation)
			continue
		}

		c.unknownKeys(fieldPath, boundaries, changeBoundaryKeys)
		if len(boundaries) == 0 {
			c.issues.Add(fieldPath, "must declare from, to or both")
		}
		if raw, ok := boundaries["from"]; ok {
			expectation.From = c.condition(join(fieldPath, "from"), raw)
		}
		if raw, ok := boundaries["to"]; ok {
			expectation.To = c.condition(join(fieldPath, "to"), raw)
		}
		changes = append(changes, expectation)
	}
	return changes
}

func diffTypeNames() []string {
	names := make([]string, len(diffTypes))
	for i, diffType := range diffTypes {
		names[i] = string(diffType)
	}
	return names
}

func sortedKeys(object map[string]any) []string {
	keys := make([]string, 0, len(object))
	for key := range object {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func contains(values []string, value string) bool {
	for _, candidate := range values {
		if candidate == value {
			return true
		}
	}
	return false
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}
