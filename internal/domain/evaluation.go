package domain

// AssertionOutcome is the verdict for one assertion of a document.
type AssertionOutcome struct {
	Index         int          `json:"index"`
	DiffType      string       `json:"diff_type"`
	Entity        string       `json:"entity"`
	Description   string       `json:"description,omitempty"`
	Passed        bool         `json:"passed"`
	ActualCount   int          `json:"actual_count"`
	ExpectedCount string       `json:"expected_count"`
	MatchedKeys   []PrimaryKey `json:"matched_keys"`
	Message       string       `json:"message,omitempty"`
}

// EvaluationResult aggregates assertion outcomes. Score is binary: 1 when
// every assertion passed, 0 otherwise.
type EvaluationResult struct {
	Passed      bool               `json:"passed"`
	Score       float64            `json:"score"`
	PassedCount int                `json:"passed_count"`
	Total       int                `json:"total"`
	Assertions  []AssertionOutcome `json:"assertions"`
	Failures    []string           `json:"failures"`
}

// NewEvaluationResult derives the aggregate fields from outcomes.
func NewEvaluationResult(outcomes []AssertionOutcome) EvaluationResult {
	result := EvaluationResult{
		Passed:     true,
		Total:      len(outcomes),
		Assertions: outcomes,
		Failures:   []string{},
	}
	for _, outcome := range outcomes {
		if outcome.Passed {
			result.PassedCount++
			continue
		}
		result.Passed = false
		result.Failures = append(result.Failures, outcome.Message)
	}
	if result.Passed {
		result.Score = 1
	}
	return result
}
