package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RunStatus captures lifecycle state for a run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusStarted   RunStatus = "started"
	RunStatusEvaluated RunStatus = "evaluated"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Run ties one agent attempt to an environment and its before/after snapshots.
type Run struct {
	ID            uuid.UUID         `json:"id"`
	EnvironmentID uuid.UUID         `json:"environment_id"`
	Status        RunStatus         `json:"status"`
	BeforeLabel   string            `json:"before_label"`
	AfterLabel    string            `json:"after_label"`
	Document      json.RawMessage   `json:"document,omitempty"`
	Result        *EvaluationResult `json:"result,omitempty"`
	Diff          *DiffResult       `json:"diff,omitempty"`
	ErrorMessage  *string           `json:"error_message,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	EvaluatedAt   *time.Time        `json:"evaluated_at,omitempty"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// NewRun prepares a pending run with run-scoped snapshot labels.
func NewRun(environmentID uuid.UUID, document json.RawMessage, now time.Time) Run {
	id := uuid.New()
	return Run{
		ID:            id,
		EnvironmentID: environmentID,
		Status:        RunStatusPending,
		BeforeLabel:   SnapshotLabel("before", id),
		AfterLabel:    SnapshotLabel("after", id),
		Document:      document,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// SnapshotLabel scopes a snapshot label to a run.
func SnapshotLabel(prefix string, runID uuid.UUID) string {
	return fmt.Sprintf("%s_%s", prefix, runID.String()[:8])
}

// IsTerminal reports whether no further transition is allowed.
func (r Run) IsTerminal() bool {
	return r.Status == RunStatusEvaluated || r.Status == RunStatusCancelled
}
