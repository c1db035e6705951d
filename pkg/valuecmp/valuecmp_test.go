package valuecmp

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestNormalizeDriverValues(t *testing.T) {
	id := uuid.MustParse("123e4567-e89b-12d3-a456-426614174000")
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))

	cases := []struct {
		name     string
		input    any
		expected any
	}{
		{"int32", int32(7), int64(7)},
		{"uint16", uint16(9), int64(9)},
		{"float32", float32(1.5), float64(1.5)},
		{"json integer", json.Number("42"), int64(42)},
		{"json float", json.Number("4.25"), float64(4.25)},
		{"bytes", []byte{0xde, 0xad}, `\xdead`},
		{"time", ts, "2024-03-01T11:00:00Z"},
		{"uuid", id, id.String()},
		{"uuid bytes", [16]byte(id), id.String()},
		{"string slice", []string{"a", "b"}, []any{"a", "b"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Normalize(tc.input)
			if !Equal(got, tc.expected) {
				t.Fatalf("expected %#v, got %#v", tc.expected, got)
			}
		})
	}
}

func TestEqualNumbersAcrossKinds(t *testing.T) {
	if !Equal(int64(3), float64(3)) {
		t.Fatalf("expected 3 and 3.0 to be equal")
	}
	if Equal(int64(3), "3") {
		t.Fatalf("expected number and string to differ")
	}
}

func TestEqualSequences(t *testing.T) {
	a := []any{"x", "y", int64(1)}
	b := []any{int64(1), "y", "x"}

	if Equal(a, b) {
		t.Fatalf("expected ordered comparison to detect reordering")
	}
	if !EqualUnordered(a, b) {
		t.Fatalf("expected unordered comparison to ignore reordering")
	}
	if EqualUnordered([]any{"x", "x"}, []any{"x", "y"}) {
		t.Fatalf("expected multiset comparison to respect multiplicity")
	}
}

func TestEqualNestedMaps(t *testing.T) {
	a := map[string]any{"meta": map[string]any{"tags": []any{"a"}, "n": int64(1)}}
	b := map[string]any{"meta": map[string]any{"tags": []any{"a"}, "n": float64(1)}}
	if !Equal(a, b) {
		t.Fatalf("expected nested maps to be equal")
	}
	b["meta"].(map[string]any)["tags"] = []any{"b"}
	if Equal(a, b) {
		t.Fatalf("expected nested difference to be detected")
	}
}

func TestOrderAcrossKinds(t *testing.T) {
	ordered := []any{nil, false, true, int64(-1), float64(2.5), int64(10), "a", "b", []any{"a"}}
	for i := 0; i < len(ordered)-1; i++ {
		if Order(ordered[i], ordered[i+1]) >= 0 {
			t.Errorf("expected %#v < %#v", ordered[i], ordered[i+1])
		}
		if Order(ordered[i+1], ordered[i]) <= 0 {
			t.Errorf("expected %#v > %#v", ordered[i+1], ordered[i])
		}
	}
}

func TestCompare(t *testing.T) {
	if c, ok := Compare(int64(2), float64(1.5)); !ok || c <= 0 {
		t.Fatalf("expected 2 > 1.5, got %d %v", c, ok)
	}
	if c, ok := Compare("2024-01-02", "2024-01-10"); !ok || c >= 0 {
		t.Fatalf("expected lexical ordering, got %d %v", c, ok)
	}
	if _, ok := Compare("1", int64(1)); ok {
		t.Fatalf("expected mixed kinds to be unordered")
	}
}

func TestCanonicalJSON(t *testing.T) {
	got := CanonicalJSON(map[string]any{"b": int64(1), "a": "<x>"})
	if got != `{"a":"<x>","b":1}` {
		t.Fatalf("unexpected canonical json: %s", got)
	}
}
