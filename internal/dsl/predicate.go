package dsl

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/text/cases"

	"github.com/rpattn/evalsandbox/internal/domain"
	"github.com/rpattn/evalsandbox/pkg/fieldpath"
	"github.com/rpattn/evalsandbox/pkg/valuecmp"
)

// Operator is one of the closed set of predicate operators.
type Operator string

const (
	OpEq          Operator = "eq"
	OpNe          Operator = "ne"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpIContains   Operator = "i_contains"
	OpStartsWith  Operator = "starts_with"
	OpEndsWith    Operator = "ends_with"
	OpIStartsWith Operator = "i_starts_with"
	OpIEndsWith   Operator = "i_ends_with"
	OpRegex       Operator = "regex"
	OpGt          Operator = "gt"
	OpGte         Operator = "gte"
	OpLt          Operator = "lt"
	OpLte         Operator = "lte"
	OpExists      Operator = "exists"
	OpHasAny      Operator = "has_any"
	OpHasAll      Operator = "has_all"
)

type operandKind int

const (
	operandAny operandKind = iota
	operandList
	operandString
	operandPattern
	operandOrdered
	operandBool
)

var operators = map[Operator]operandKind{
	OpEq:          operandAny,
	OpNe:          operandAny,
	OpIn:          operandList,
	OpNotIn:       operandList,
	OpContains:    operandString,
	OpNotContains: operandString,
	OpIContains:   operandString,
	OpStartsWith:  operandString,
	OpEndsWith:    operandString,
	OpIStartsWith: operandString,
	OpIEndsWith:   operandString,
	OpRegex:       operandPattern,
	OpGt:          operandOrdered,
	OpGte:         operandOrdered,
	OpLt:          operandOrdered,
	OpLte:         operandOrdered,
	OpExists:      operandBool,
	OpHasAny:      operandList,
	OpHasAll:      operandList,
}

// ParseOperator resolves an operator name.
func ParseOperator(name string) (Operator, bool) {
	op := Operator(name)
	_, ok := operators[op]
	return op, ok
}

// Operators lists every supported operator name in ascending order.
func Operators() []string {
	names := make([]string, 0, len(operators))
	for op := range operators {
		names = append(names, string(op))
	}
	sort.Strings(names)
	return names
}

// Predicate is one operator applied to a field value.
type Predicate struct {
	Op      Operator
	Operand any
	pattern *regexp.Regexp
}

// NewPredicate checks the operand shape for op.
func NewPredicate(op Operator, operand any) (Predicate, error) {
	kind, ok := operators[op]
	if !ok {
		return Predicate{}, fmt.Errorf("unknown operator %q", op)
	}
	operand = valuecmp.Normalize(operand)
	predicate := Predicate{Op: op, Operand: operand}

	switch kind {
	case operandList:
		if _, ok := operand.([]any); !ok {
			return Predicate{}, fmt.Errorf("operator %s requires an array, got %s", op, describe(operand))
		}
	case operandString:
		if _, ok := operand.(string); !ok {
			return Predicate{}, fmt.Errorf("operator %s requires a string, got %s", op, describe(operand))
		}
	case operandPattern:
		text, ok := operand.(string)
		if !ok {
			return Predicate{}, fmt.Errorf("operator %s requires a string pattern, got %s", op, describe(operand))
		}
		pattern, err := regexp.Compile(text)
		if err != nil {
			return Predicate{}, fmt.Errorf("invalid regex: %v", err)
		}
		predicate.pattern = pattern
	case operandOrdered:
		if _, ok := operand.(string); !ok && !valuecmp.IsNumber(operand) {
			return Predicate{}, fmt.Errorf("operator %s requires a number or string, got %s", op, describe(operand))
		}
	case operandBool:
		if _, ok := operand.(bool); !ok {
			return Predicate{}, fmt.Errorf("operator %s requires a boolean, got %s", op, describe(operand))
		}
	}

	return predicate, nil
}

func describe(value any) string {
	switch value.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case int64, float64:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", value)
	}
}

// Match applies the predicate to a normalized value. Missing fields are
// passed as nil.
func (p Predicate) Match(value any) bool {
	switch p.Op {
	case OpEq:
		return valuecmp.Equal(value, p.Operand)
	case OpNe:
		return !valuecmp.Equal(value, p.Operand)
	case OpIn:
		return valuecmp.Contains(p.Operand.([]any), value)
	case OpNotIn:
		return !valuecmp.Contains(p.Operand.([]any), value)
	case OpContains:
		text, ok := textOf(value)
		return ok && strings.Contains(text, p.Operand.(string))
	case OpNotContains:
		if value == nil {
			return true
		}
		text, ok := textOf(value)
		return ok && !strings.Contains(text, p.Operand.(string))
	case OpIContains:
		text, ok := textOf(value)
		return ok && strings.Contains(fold(text), fold(p.Operand.(string)))
	case OpStartsWith:
		text, ok := value.(string)
		return ok && strings.HasPrefix(text, p.Operand.(string))
	case OpEndsWith:
		text, ok := value.(string)
		return ok && strings.HasSuffix(text, p.Operand.(string))
	case OpIStartsWith:
		text, ok := value.(string)
		return ok && strings.HasPrefix(fold(text), fold(p.Operand.(string)))
	case OpIEndsWith:
		text, ok := value.(string)
		return ok && strings.HasSuffix(fold(text), fold(p.Operand.(string)))
	case OpRegex:
		text, ok := value.(string)
		return ok && p.pattern.MatchString(text)
	case OpGt, OpGte, OpLt, OpLte:
		c, ok := valuecmp.Compare(value, p.Operand)
		if !ok {
			return false
		}
		switch p.Op {
		case OpGt:
			return c > 0
		case OpGte:
			return c >= 0
		case OpLt:
			return c < 0
		default:
			return c <= 0
		}
	case OpExists:
		return (value != nil) == p.Operand.(bool)
	case OpHasAny:
		items, ok := value.([]any)
		if !ok {
			return false
		}
		for _, wanted := range p.Operand.([]any) {
			if valuecmp.Contains(items, wanted) {
				return true
			}
		}
		return false
	case OpHasAll:
		items, ok := value.([]any)
		if !ok {
			return false
		}
		for _, wanted := range p.Operand.([]any) {
			if !valuecmp.Contains(items, wanted) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func (p Predicate) String() string {
	return fmt.Sprintf("%s %s", p.Op, valuecmp.CanonicalJSON(p.Operand))
}

// textOf renders strings as-is and structured values as compact JSON.
func textOf(value any) (string, bool) {
	switch v := value.(type) {
	case string:
		return v, true
	case map[string]any, []any:
		return valuecmp.CanonicalJSON(v), true
	default:
		return "", false
	}
}

func fold(s string) string {
	// a Caser is stateful, so one per call
	return cases.Fold().String(s)
}

// Condition is a conjunction of predicates on one value.
type Condition []Predicate

// Match reports whether every predicate holds.
func (c Condition) Match(value any) bool {
	for _, predicate := range c {
		if !predicate.Match(value) {
			return false
		}
	}
	return true
}

// FieldCondition binds a condition to a (possibly dotted) field path.
type FieldCondition struct {
	Field     string
	Condition Condition
}

// Where is the row filter of an assertion, ordered by field.
type Where []FieldCondition

// Match reports whether row satisfies every field condition.
func (w Where) Match(row domain.Row) bool {
	for _, fc := range w {
		value, _ := fieldpath.Lookup(row, fc.Field)
		if !fc.Condition.Match(value) {
			return false
		}
	}
	return true
}
