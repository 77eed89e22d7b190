package storage

import (
	"context"
	"time"
)

// Store persists the de-duplication ledger and run history
type Store interface {
	// IsProcessed reports whether key already completed task
	IsProcessed(ctx context.Context, key, task string) (bool, error)
	// MarkProcessed records key as done for task. Marking twice is a no-op.
	MarkProcessed(ctx context.Context, key, task string) error
	RecordMove(ctx context.Context, move *Move) error
	// MovedTo returns the last folder key was moved to, if any
	MovedTo(ctx context.Context, key string) (string, bool, error)
	SaveRun(ctx context.Context, run *Run) error
	// ListRuns returns up to limit runs, newest first
	ListRuns(ctx context.Context, limit int) ([]*Run, error)
	Stats(ctx context.Context) (*Stats, error)
	Close() error
}

// Run represents one finished pipeline run
type Run struct {
	ID         string    `json:"id" db:"id"`
	Task       string    `json:"task" db:"task"`
	StartedAt  time.Time `json:"started_at" db:"started_at"`
	FinishedAt time.Time `json:"finished_at" db:"finished_at"`
	Total      int       `json:"total" db:"total"`
	Succeeded  int       `json:"succeeded" db:"succeeded"`
	Failed     int       `json:"failed" db:"failed"`
	Skipped    int       `json:"skipped" db:"skipped"`
	Failures   string    `json:"failures" db:"failures"` // JSON encoded failure list
}

// Move represents a folder move applied to a message
type Move struct {
	Key         string    `json:"key" db:"message_key"`
	Source      string    `json:"source" db:"source_folder"`
	Destination string    `json:"destination" db:"destination_folder"`
	Category    string    `json:"category" db:"category"`
	MovedAt     time.Time `json:"moved_at" db:"moved_at"`
}

// Stats represents aggregate history
type Stats struct {
	Runs            int            `json:"runs"`
	ProcessedByTask map[string]int `json:"processed_by_task"`
	Moves           int            `json:"moves"`
	MovesByFolder   map[string]int `json:"moves_by_folder"`
	Failures        int            `json:"failures"`
	LastRunAt       *time.Time     `json:"last_run_at,omitempty"`
}
