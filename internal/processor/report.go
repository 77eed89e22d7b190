package processor

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/corey-beep/email-agent/internal/router"
	"github.com/corey-beep/email-agent/internal/storage"
	"github.com/corey-beep/email-agent/internal/task"
)

// ErrTotalFailure is returned with the report when a non-empty batch produced no result
var ErrTotalFailure = errors.New("every message in the batch failed")

// Failure records why one message produced no result
type Failure struct {
	MessageID string         `json:"message_id"`
	Kind      task.ErrorKind `json:"kind"`
	Cause     string         `json:"cause"`
}

// Counts summarizes a run
type Counts struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// RunReport is the outcome of one batch run. It is complete when returned.
type RunReport struct {
	RunID      string                 `json:"run_id"`
	Task       task.Type              `json:"task"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt time.Time              `json:"finished_at"`
	Results    []task.Result          `json:"results"`
	Failures   []Failure              `json:"failures"`
	Moves      []router.MoveOperation `json:"moves,omitempty"`
	DryRun     bool                   `json:"dry_run,omitempty"`
	Counts     Counts                 `json:"counts"`
}

// Categorizations returns the categorize payloads in result order
func (r *RunReport) Categorizations() []task.Categorization {
	var out []task.Categorization
	for _, res := range r.Results {
		if res.Category != nil {
			out = append(out, *res.Category)
		}
	}
	return out
}

func (r *RunReport) fail(id string, err error) {
	r.Failures = append(r.Failures, Failure{
		MessageID: id,
		Kind:      task.KindOf(err),
		Cause:     err.Error(),
	})
}

// toRun converts the report into a history row
func (r *RunReport) toRun(label string) *storage.Run {
	failures, _ := json.Marshal(r.Failures)
	return &storage.Run{
		ID:         r.RunID,
		Task:       label,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Total:      r.Counts.Total,
		Succeeded:  r.Counts.Succeeded,
		Failed:     r.Counts.Failed,
		Skipped:    r.Counts.Skipped,
		Failures:   string(failures),
	}
}
