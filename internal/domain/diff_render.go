package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rpattn/evalsandbox/pkg/fieldpath"
)

// CanonicalText flattens a row into sorted "field: value" lines suitable for
// line diffing. Nested values use dotted paths and [i] indexes.
func (r Row) CanonicalText() ([]string, error) {
	flattened := map[string]string{}
	for key, value := range r {
		if err := flattenValue(key, value, flattened); err != nil {
			return nil, err
		}
	}

	keys := make([]string, 0, len(flattened))
	for key := range flattened {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, key := range keys {
		lines = append(lines, fmt.Sprintf("%s: %s", key, flattened[key]))
	}
	return lines, nil
}

// RenderDiff produces a deterministic text report with a unified diff per
// changed row.
func RenderDiff(d DiffResult) (string, error) {
	var builder strings.Builder
	fmt.Fprintf(&builder, "environment: %s\n", d.EnvironmentID)
	fmt.Fprintf(&builder, "compare: %s -> %s\n", d.BeforeLabel, d.AfterLabel)
	fmt.Fprintf(&builder, "inserts: %d, updates: %d, deletes: %d\n", len(d.Inserts), len(d.Updates), len(d.Deletes))

	sections := []struct {
		kind    ChangeKind
		changes []RowChange
	}{
		{ChangeKindInsert, d.Inserts},
		{ChangeKindUpdate, d.Updates},
		{ChangeKindDelete, d.Deletes},
	}

	for _, section := range sections {
		for _, change := range section.changes {
			var base, target Row
			switch section.kind {
			case ChangeKindInsert:
				target = change.Fields
			case ChangeKindUpdate:
				base, target = change.Before, change.Fields
			case ChangeKindDelete:
				base = change.Fields
			}

			rowDiff, err := DiffRows(
				fmt.Sprintf("%s %s %s", d.BeforeLabel, change.Table, change.PrimaryKey),
				base,
				fmt.Sprintf("%s %s %s", d.AfterLabel, change.Table, change.PrimaryKey),
				target,
			)
			if err != nil {
				return "", err
			}

			fmt.Fprintf(&builder, "\n%s %s %s\n", section.kind, change.Table, change.PrimaryKey)
			builder.WriteString(rowDiff)
		}
	}

	return builder.String(), nil
}

// DiffRows produces a unified diff between two row images. A nil row renders
// as empty content.
func DiffRows(baseLabel string, base Row, targetLabel string, target Row) (string, error) {
	baseLines, err := canonicalLines(base)
	if err != nil {
		return "", err
	}
	targetLines, err := canonicalLines(target)
	if err != nil {
		return "", err
	}
	return buildUnifiedDiff(baseLabel, targetLabel, baseLines, targetLines), nil
}

func canonicalLines(row Row) ([]string, error) {
	if row == nil {
		return nil, nil
	}
	return row.CanonicalText()
}

func flattenValue(prefix string, value any, acc map[string]string) error {
	switch typed := value.(type) {
	case map[string]any:
		if len(typed) == 0 {
			acc[prefix] = "{}"
			return nil
		}
		for key, item := range typed {
			if err := flattenValue(fieldpath.Join(prefix, key), item, acc); err != nil {
				return err
			}
		}
	case []any:
		if len(typed) == 0 {
			acc[prefix] = "[]"
			return nil
		}
		for idx, item := range typed {
			if err := flattenValue(fmt.Sprintf("%s[%d]", prefix, idx), item, acc); err != nil {
				return err
			}
		}
	case nil:
		acc[prefix] = "null"
	default:
		if prefix == "" {
			return fmt.Errorf("field name missing for value %v", typed)
		}
		encoded, err := json.Marshal(typed)
		if err != nil {
			acc[prefix] = fmt.Sprintf("%v", typed)
		} else {
			acc[prefix] = string(encoded)
		}
	}

	return nil
}

type diffOp struct {
	prefix string
	line   string
}

func buildUnifiedDiff(baseLabel, targetLabel string, baseLines, targetLines []string) string {
	ops := diffLines(baseLines, targetLines)

	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("--- %s\n", baseLabel))
	builder.WriteString(fmt.Sprintf("+++ %s\n", targetLabel))
	builder.WriteString(fmt.Sprintf("@@ -1,%d +1,%d @@\n", len(baseLines), len(targetLines)))
	for _, operation := range ops {
		builder.WriteString(operation.prefix)
		builder.WriteString(operation.line)
		builder.WriteString("\n")
	}

	return builder.String()
}

func diffLines(base, target []string) []diffOp {
	m := len(base)
	n := len(target)
	dp := make([][]int, m+1)
	for i := range dp {
		dp[i] = make([]int, n+1)
	}

	for i := m - 1; i >= 0; i-- {
		for j := n - 1; j >= 0; j-- {
			if base[i] == target[j] {
				dp[i][j] = dp[i+1][j+1] + 1
			} else if dp[i+1][j] >= dp[i][j+1] {
				dp[i][j] = dp[i+1][j]
			} else {
				dp[i][j] = dp[i][j+1]
			}
		}
	}

	ops := make([]diffOp, 0, m+n)
	i, j := 0, 0
	for i < m && j < n {
		if base[i] == target[j] {
			ops = append(ops, diffOp{prefix: " ", line: base[i]})
			i++
			j++
			continue
		}

		if dp[i+1][j] >= dp[i][j+1] {
			ops = append(ops, diffOp{prefix: "-", line: base[i]})
			i++
		} else {
			ops = append(ops, diffOp{prefix: "+", line: target[j]})
			j++
		}
	}

	for i < m {
		ops = append(ops, diffOp{prefix: "-", line: base[i]})
		i++
	}

	for j < n {
		ops = append(ops, diffOp{prefix: "+", line: target[j]})
		j++
	}

	return ops
}
