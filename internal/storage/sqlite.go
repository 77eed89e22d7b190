package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a local SQLite database
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore creates a new SQLiteStore with the given database path
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single writer avoids SQLITE_BUSY and keeps ":memory:" on one connection
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// migrate runs database migrations
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS processed_messages (
			message_key TEXT NOT NULL,
			task TEXT NOT NULL,
			processed_at DATETIME NOT NULL,
			PRIMARY KEY (message_key, task)
		)`,

		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			task TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			finished_at DATETIME NOT NULL,
			total INTEGER NOT NULL,
			succeeded INTEGER NOT NULL,
			failed INTEGER NOT NULL,
			skipped INTEGER NOT NULL,
			failures TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_finished ON runs(finished_at)`,

		`CREATE TABLE IF NOT EXISTS moves (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			message_key TEXT NOT NULL,
			source_folder TEXT NOT NULL,
			destination_folder TEXT NOT NULL,
			category TEXT,
			moved_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_moves_key ON moves(message_key)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// IsProcessed reports whether key already completed task
func (s *SQLiteStore) IsProcessed(ctx context.Context, key, task string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM processed_messages WHERE message_key = ? AND task = ?`, key, task)
	if err != nil {
		return false, fmt.Errorf("failed to check processed message: %w", err)
	}
	return n > 0, nil
}

// MarkProcessed records key as done for task
func (s *SQLiteStore) MarkProcessed(ctx context.Context, key, task string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO processed_messages (message_key, task, processed_at) VALUES (?, ?, ?)`,
		key, task, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to mark message processed: %w", err)
	}
	return nil
}

// RecordMove stores an applied move
func (s *SQLiteStore) RecordMove(ctx context.Context, move *Move) error {
	if move.MovedAt.IsZero() {
		move.MovedAt = time.Now()
	}
	move.MovedAt = move.MovedAt.UTC()

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO moves (message_key, source_folder, destination_folder, category, moved_at)
		VALUES (:message_key, :source_folder, :destination_folder, :category, :moved_at)`, move)
	if err != nil {
		return fmt.Errorf("failed to record move: %w", err)
	}
	return nil
}

// MovedTo returns the last folder key was moved to
func (s *SQLiteStore) MovedTo(ctx context.Context, key string) (string, bool, error) {
	var folder string
	err := s.db.GetContext(ctx, &folder, `
		SELECT destination_folder FROM moves
		WHERE message_key = ?
		ORDER BY id DESC LIMIT 1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to look up move: %w", err)
	}
	return folder, true, nil
}

// SaveRun stores a finished run
func (s *SQLiteStore) SaveRun(ctx context.Context, run *Run) error {
	row := *run
	row.StartedAt = row.StartedAt.UTC()
	row.FinishedAt = row.FinishedAt.UTC()

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO runs (id, task, started_at, finished_at, total, succeeded, failed, skipped, failures)
		VALUES (:id, :task, :started_at, :finished_at, :total, :succeeded, :failed, :skipped, :failures)`, &row)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	var runs []*Run
	err := s.db.SelectContext(ctx, &runs, `
		SELECT id, task, started_at, finished_at, total, succeeded, failed, skipped, COALESCE(failures, '') AS failures
		FROM runs ORDER BY finished_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// Stats returns aggregate history
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		ProcessedByTask: make(map[string]int),
		MovesByFolder:   make(map[string]int),
	}

	if err := s.db.GetContext(ctx, &stats.Runs, `SELECT COUNT(*) FROM runs`); err != nil {
		return nil, err
	}
	if err := s.db.GetContext(ctx, &stats.Failures, `SELECT COALESCE(SUM(failed), 0) FROM runs`); err != nil {
		return nil, err
	}
	if err := s.db.GetContext(ctx, &stats.Moves, `SELECT COUNT(*) FROM moves`); err != nil {
		return nil, err
	}

	var byTask []struct {
		Task  string `db:"task"`
		Count int    `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &byTask,
		`SELECT task, COUNT(*) AS n FROM processed_messages GROUP BY task`); err != nil {
		return nil, err
	}
	for _, row := range byTask {
		stats.ProcessedByTask[row.Task] = row.Count
	}

	var byFolder []struct {
		Folder string `db:"destination_folder"`
		Count  int    `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &byFolder,
		`SELECT destination_folder, COUNT(*) AS n FROM moves GROUP BY destination_folder`); err != nil {
		return nil, err
	}
	for _, row := range byFolder {
		stats.MovesByFolder[row.Folder] = row.Count
	}

	var last []time.Time
	if err := s.db.SelectContext(ctx, &last,
		`SELECT finished_at FROM runs ORDER BY finished_at DESC LIMIT 1`); err != nil {
		return nil, err
	}
	if len(last) > 0 {
		stats.LastRunAt = &last[0]
	}

	return stats, nil
}
