package dsl

import (
	"fmt"
	"strings"

	"github.com/rpattn/evalsandbox/internal/domain"
)

// DiffType selects the diff category an assertion inspects.
type DiffType string

const (
	DiffTypeAdded     DiffType = "added"
	DiffTypeRemoved   DiffType = "removed"
	DiffTypeChanged   DiffType = "changed"
	DiffTypeUnchanged DiffType = "unchanged"
)

var diffTypes = []DiffType{DiffTypeAdded, DiffTypeRemoved, DiffTypeChanged, DiffTypeUnchanged}

// Document is a compiled assertion document.
type Document struct {
	Version      string
	Scenario     string
	Task         string
	IgnoreFields domain.FieldSet
	Assertions   []Assertion
}

// Uses reports whether any assertion targets the given diff type.
func (d Document) Uses(diffType DiffType) bool {
	for _, assertion := range d.Assertions {
		if assertion.DiffType == diffType {
			return true
		}
	}
	return false
}

// Assertion is one compiled check against a diff.
type Assertion struct {
	DiffType        DiffType
	Entity          string
	Where           Where
	ExpectedCount   *CountExpectation
	ExpectedChanges []ChangeExpectation
	Strict          bool
	Description     string
}

// Count returns the explicit expectation or the default for the diff type:
// at least one match for added, removed and changed; none for unchanged.
func (a Assertion) Count() CountExpectation {
	if a.ExpectedCount != nil {
		return *a.ExpectedCount
	}
	if a.DiffType == DiffTypeUnchanged {
		zero := int64(0)
		return CountExpectation{Exact: &zero}
	}
	one := int64(1)
	return CountExpectation{Min: &one}
}

// CountExpectation is an exact count or an inclusive range.
type CountExpectation struct {
	Exact *int64
	Min   *int64
	Max   *int64
}

// Satisfied reports whether n matches the expectation.
func (c CountExpectation) Satisfied(n int) bool {
	count := int64(n)
	if c.Exact != nil {
		return count == *c.Exact
	}
	if c.Min != nil && count < *c.Min {
		return false
	}
	if c.Max != nil && count > *c.Max {
		return false
	}
	return true
}

func (c CountExpectation) String() string {
	if c.Exact != nil {
		return fmt.Sprintf("%d", *c.Exact)
	}
	parts := []string{}
	if c.Min != nil {
		parts = append(parts, fmt.Sprintf(">=%d", *c.Min))
	}
	if c.Max != nil {
		parts = append(parts, fmt.Sprintf("<=%d", *c.Max))
	}
	if len(parts) == 0 {
		return "any"
	}
	return strings.Join(parts, " and ")
}

// ChangeExpectation constrains the recorded from/to values of one field. A
// nil condition accepts any value.
type ChangeExpectation struct {
	Field string
	From  Condition
	To    Condition
}
