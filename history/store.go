// Package history records generation jobs in SQLite.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"genstudio/workflow"

	_ "github.com/mattn/go-sqlite3"
)

const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

var ErrNotFound = errors.New("job not found")

// Job is one submitted generation.
type Job struct {
	ID         string         `json:"id"`
	Workflow   string         `json:"workflow"`
	PromptID   string         `json:"prompt_id,omitempty"`
	Status     string         `json:"status"`
	Params     map[string]any `json:"params"`
	Outputs    []string       `json:"outputs,omitempty"`
	Error      string         `json:"error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

// Store manages the SQLite connection and schema.
type Store struct {
	db *sql.DB
}

// Open initializes the SQLite database at path in WAL mode.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history dir: %w", err)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("failed to ping sqlite db: %w", err)
	}
	if _, err := s.db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if err := s.migrate(); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		workflow TEXT NOT NULL,
		prompt_id TEXT,
		status TEXT NOT NULL,
		params JSON NOT NULL,
		outputs JSON,
		error TEXT,
		created_at DATETIME NOT NULL,
		finished_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create jobs table: %w", err)
	}
	return nil
}

// Create inserts j. CreatedAt and Status are filled when empty.
func (s *Store) Create(ctx context.Context, j *Job) error {
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	if j.Status == "" {
		j.Status = StatusQueued
	}
	params, err := json.Marshal(j.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal job params: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, workflow, status, params, created_at) VALUES (?, ?, ?, ?, ?)`,
		j.ID, j.Workflow, j.Status, string(params), j.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert job %s: %w", j.ID, err)
	}
	return nil
}

// Start records the engine prompt id and marks the job running.
func (s *Store) Start(ctx context.Context, id, promptID string) error {
	return s.exec(ctx, id, `UPDATE jobs SET prompt_id = ?, status = ? WHERE id = ?`, promptID, StatusRunning, id)
}

// Finish marks the job succeeded (jobErr nil) or failed.
func (s *Store) Finish(ctx context.Context, id string, outputs []string, jobErr error) error {
	status, msg := StatusSucceeded, ""
	if jobErr != nil {
		status, msg = StatusFailed, jobErr.Error()
	}
	out, err := json.Marshal(outputs)
	if err != nil {
		return fmt.Errorf("failed to marshal job outputs: %w", err)
	}
	return s.exec(ctx, id,
		`UPDATE jobs SET status = ?, outputs = ?, error = ?, finished_at = ? WHERE id = ?`,
		status, string(out), msg, time.Now().UTC(), id)
}

func (s *Store) exec(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

const selectJob = `SELECT id, workflow, prompt_id, status, params, outputs, error, created_at, finished_at FROM jobs`

// Get returns the job with id.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, selectJob+` WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return j, err
}

// Recent returns up to limit jobs, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, selectJob+` ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*Job, error) {
	var (
		j                         Job
		promptID, outputs, errMsg sql.NullString
		params                    string
		finished                  sql.NullTime
	)
	if err := row.Scan(&j.ID, &j.Workflow, &promptID, &j.Status, &params, &outputs, &errMsg, &j.CreatedAt, &finished); err != nil {
		return nil, err
	}
	j.PromptID = promptID.String
	j.Error = errMsg.String
	if finished.Valid {
		t := finished.Time
		j.FinishedAt = &t
	}
	if err := workflow.DecodeJSON([]byte(params), &j.Params); err != nil {
		return nil, fmt.Errorf("failed to decode params of job %s: %w", j.ID, err)
	}
	if outputs.Valid && outputs.String != "" {
		if err := json.Unmarshal([]byte(outputs.String), &j.Outputs); err != nil {
			return nil, fmt.Errorf("failed to decode outputs of job %s: %w", j.ID, err)
		}
	}
	return &j, nil
}
