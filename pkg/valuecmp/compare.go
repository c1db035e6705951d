package valuecmp

import (
	"cmp"
	"strings"
)

// IsNumber reports whether value is a normalized number.
func IsNumber(value any) bool {
	switch value.(type) {
	case int64, float64:
		return true
	default:
		return false
	}
}

// ToFloat converts a normalized number to float64.
func ToFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case int64:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}

// Equal reports deep structural equality between two normalized values.
// Numbers compare by value across int64 and float64; sequences are order
// sensitive.
func Equal(a, b any) bool {
	return equal(a, b, false)
}

// EqualUnordered is Equal except that the outermost sequence is compared as
// a multiset.
func EqualUnordered(a, b any) bool {
	return equal(a, b, true)
}

func equal(a, b any, unordered bool) bool {
	if IsNumber(a) && IsNumber(b) {
		return compareNumbers(a, b) == 0
	}

	switch av := a.(type) {
	case nil:
		return b == nil
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for key, item := range av {
			other, ok := bv[key]
			if !ok || !Equal(item, other) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		if unordered {
			return equalMultiset(av, bv)
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func equalMultiset(a, b []any) bool {
	used := make([]bool, len(b))
	for _, item := range a {
		found := false
		for j, other := range b {
			if used[j] || !Equal(item, other) {
				continue
			}
			used[j] = true
			found = true
			break
		}
		if !found {
			return false
		}
	}
	return true
}

// Contains reports whether list holds an element equal to value.
func Contains(list []any, value any) bool {
	for _, item := range list {
		if Equal(item, value) {
			return true
		}
	}
	return false
}

// Compare orders two values of the same comparable kind: both numbers or
// both strings. ok is false when the values cannot be ordered.
func Compare(a, b any) (int, bool) {
	if IsNumber(a) && IsNumber(b) {
		return compareNumbers(a, b), true
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

// Order is a total order over normalized values, ranking mixed kinds by
// type: nil, bool, number, string, sequence, map.
func Order(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return cmp.Compare(ra, rb)
	}

	switch av := a.(type) {
	case nil:
		return 0
	case bool:
		bv := b.(bool)
		switch {
		case av == bv:
			return 0
		case !av:
			return -1
		default:
			return 1
		}
	case int64, float64:
		return compareNumbers(a, b)
	case string:
		return strings.Compare(av, b.(string))
	case []any:
		bv := b.([]any)
		for i := 0; i < len(av) && i < len(bv); i++ {
			if c := Order(av[i], bv[i]); c != 0 {
				return c
			}
		}
		return cmp.Compare(len(av), len(bv))
	default:
		return strings.Compare(CanonicalJSON(a), CanonicalJSON(b))
	}
}

func rank(value any) int {
	switch value.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case int64, float64:
		return 2
	case string:
		return 3
	case []any:
		return 4
	default:
		return 5
	}
}

func compareNumbers(a, b any) int {
	ai, aInt := a.(int64)
	bi, bInt := b.(int64)
	if aInt && bInt {
		return cmp.Compare(ai, bi)
	}
	af, _ := ToFloat(a)
	bf, _ := ToFloat(b)
	return cmp.Compare(af, bf)
}
