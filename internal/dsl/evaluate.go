package dsl

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rpattn/evalsandbox/internal/domain"
)

var tracer = otel.Tracer("evalsandbox.dsl")

// Evaluate runs every assertion of doc against diff. The aggregate passes
// only when every assertion passes.
func Evaluate(doc Document, diff domain.DiffResult) domain.EvaluationResult {
	return EvaluateContext(context.Background(), doc, diff)
}

// EvaluateContext is Evaluate with a tracing span.
func EvaluateContext(ctx context.Context, doc Document, diff domain.DiffResult) domain.EvaluationResult {
	_, span := tracer.Start(ctx, "dsl.Evaluate", trace.WithAttributes(
		attribute.String("document.scenario", doc.Scenario),
		attribute.Int("document.assertions", len(doc.Assertions)),
	))
	defer span.End()

	outcomes := make([]domain.AssertionOutcome, 0, len(doc.Assertions))
	for i, assertion := range doc.Assertions {
		outcomes = append(outcomes, evaluateAssertion(i, assertion, doc.IgnoreFields, diff))
	}

	result := domain.NewEvaluationResult(outcomes)
	span.SetAttributes(attribute.Bool("evaluation.passed", result.Passed))
	return result
}

func evaluateAssertion(index int, assertion Assertion, ignore domain.FieldSet, diff domain.DiffResult) domain.AssertionOutcome {
	expected := assertion.Count()
	outcome := domain.AssertionOutcome{
		Index:         index,
		DiffType:      string(assertion.DiffType),
		Entity:        assertion.Entity,
		Description:   assertion.Description,
		ExpectedCount: expected.String(),
		MatchedKeys:   []domain.PrimaryKey{},
	}

	var rejection string
	for _, change := range diff.Rows(changeKindFor(assertion.DiffType), assertion.Entity) {
		if assertion.DiffType == DiffTypeChanged {
			if !assertion.Where.Match(change.Fields) && !assertion.Where.Match(change.Before) {
				continue
			}
			if ok, reason := assertion.changesSatisfied(change, ignore); !ok {
				if rejection == "" {
					rejection = fmt.Sprintf("row %s %s", change.PrimaryKey, reason)
				}
				continue
			}
		} else if !assertion.Where.Match(change.Fields) {
			continue
		}
		outcome.MatchedKeys = append(outcome.MatchedKeys, change.PrimaryKey)
	}

	outcome.ActualCount = len(outcome.MatchedKeys)
	outcome.Passed = expected.Satisfied(outcome.ActualCount)
	if !outcome.Passed {
		outcome.Message = failureMessage(index, assertion, expected, outcome.ActualCount, rejection)
	}
	return outcome
}

func changeKindFor(diffType DiffType) domain.ChangeKind {
	switch diffType {
	case DiffTypeAdded:
		return domain.ChangeKindInsert
	case DiffTypeRemoved:
		return domain.ChangeKindDelete
	case DiffTypeChanged:
		return domain.ChangeKindUpdate
	default:
		return domain.ChangeKindUnchanged
	}
}

// changesSatisfied checks expected_changes against one updated row. In strict
// mode every changed field outside expected_changes disqualifies the row, so a
// strict assertion without expected_changes only accepts rows whose changes
// are all ignored fields.
func (a Assertion) changesSatisfied(change domain.RowChange, ignore domain.FieldSet) (bool, string) {
	for _, expectation := range a.ExpectedChanges {
		recorded, ok := change.Changes[expectation.Field]
		if !ok {
			return false, fmt.Sprintf("did not change field %s", expectation.Field)
		}
		if expectation.From != nil && !expectation.From.Match(recorded.From) {
			return false, fmt.Sprintf("changed %s from %v, which does not satisfy %s", expectation.Field, recorded.From, describeCondition(expectation.From))
		}
		if expectation.To != nil && !expectation.To.Match(recorded.To) {
			return false, fmt.Sprintf("changed %s to %v, which does not satisfy %s", expectation.Field, recorded.To, describeCondition(expectation.To))
		}
	}

	if !a.Strict {
		return true, ""
	}

	allowed := make(map[string]struct{}, len(a.ExpectedChanges))
	for _, expectation := range a.ExpectedChanges {
		allowed[expectation.Field] = struct{}{}
	}
	var extra []string
	for _, field := range change.ChangedFields() {
		if _, ok := allowed[field]; ok || ignore.Contains(a.Entity, field) {
			continue
		}
		extra = append(extra, field)
	}
	if len(extra) > 0 {
		return false, fmt.Sprintf("also changed %s (strict)", strings.Join(extra, ", "))
	}
	return true, ""
}

func describeCondition(condition Condition) string {
	parts := make([]string, len(condition))
	for i, predicate := range condition {
		parts[i] = predicate.String()
	}
	return strings.Join(parts, " and ")
}

func failureMessage(index int, assertion Assertion, expected CountExpectation, actual int, rejection string) string {
	label := assertion.Description
	if label == "" {
		label = fmt.Sprintf("%s %s", assertion.DiffType, assertion.Entity)
	}
	msg := fmt.Sprintf("assertion %d (%s): expected %s matching rows, found %d", index, label, expected, actual)
	if rejection != "" {
		msg += "; " + rejection
	}
	return msg
}
