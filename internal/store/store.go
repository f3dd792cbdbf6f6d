// Package store is the durable job repository, backed by a single embedded
// SQLite database. It is the sole owner of persisted job state.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/sidequest/sidequest/internal/job"
)

// ErrNotFound is returned when a job id has no row.
var ErrNotFound = errors.New("job not found")

// Pagination bounds. Out-of-range values are clamped, never rejected.
const (
	DefaultLimit = 50
	MaxLimit     = 1000
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id              TEXT PRIMARY KEY,
	pipeline_id     TEXT NOT NULL,
	status          TEXT NOT NULL,
	attempt         INTEGER NOT NULL DEFAULT 1,
	max_retries     INTEGER NOT NULL DEFAULT 3,
	payload         BLOB,
	result          BLOB,
	error_info      BLOB,
	fingerprint     TEXT,
	branch_name     TEXT,
	pr_url          TEXT,
	created_at      TEXT NOT NULL,
	started_at      TEXT,
	completed_at    TEXT,
	next_attempt_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_jobs_pipeline ON jobs(pipeline_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_fingerprint ON jobs(pipeline_id, fingerprint, status);
`

// Store is the SQLite-backed job repository.
type Store struct {
	db  *sqlx.DB
	log zerolog.Logger
}

// Open opens (creating if needed) the database at path. WAL keeps writes
// durable without serializing readers behind them.
func Open(path string, log zerolog.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// SQLite allows a single writer; one connection avoids SQLITE_BUSY
	// churn under concurrent job completions.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, log: log}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

type jobRow struct {
	ID            string         `db:"id"`
	PipelineID    string         `db:"pipeline_id"`
	Status        string         `db:"status"`
	Attempt       int            `db:"attempt"`
	MaxRetries    int            `db:"max_retries"`
	Payload       []byte         `db:"payload"`
	Result        []byte         `db:"result"`
	ErrorInfo     []byte         `db:"error_info"`
	Fingerprint   sql.NullString `db:"fingerprint"`
	BranchName    sql.NullString `db:"branch_name"`
	PRURL         sql.NullString `db:"pr_url"`
	CreatedAt     string         `db:"created_at"`
	StartedAt     sql.NullString `db:"started_at"`
	CompletedAt   sql.NullString `db:"completed_at"`
	NextAttemptAt sql.NullString `db:"next_attempt_at"`
}

func toRow(j *job.Job) (*jobRow, error) {
	r := &jobRow{
		ID:         j.ID,
		PipelineID: j.PipelineID,
		Status:     string(j.Status),
		Attempt:    j.Attempt,
		MaxRetries: j.MaxRetries,
		CreatedAt:  j.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	var err error
	if len(j.Payload) > 0 {
		if r.Payload, err = json.Marshal(j.Payload); err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
	}
	if len(j.Result) > 0 {
		if r.Result, err = json.Marshal(j.Result); err != nil {
			return nil, fmt.Errorf("marshal result: %w", err)
		}
	}
	if j.ErrorInfo != nil {
		if r.ErrorInfo, err = json.Marshal(j.ErrorInfo); err != nil {
			return nil, fmt.Errorf("marshal error info: %w", err)
		}
	}
	setNull := func(v string) sql.NullString {
		return sql.NullString{String: v, Valid: v != ""}
	}
	r.Fingerprint = setNull(j.Fingerprint)
	r.BranchName = setNull(j.BranchName)
	r.PRURL = setNull(j.PRURL)
	fmtTime := func(t *time.Time) sql.NullString {
		if t == nil {
			return sql.NullString{}
		}
		return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
	}
	r.StartedAt = fmtTime(j.StartedAt)
	r.CompletedAt = fmtTime(j.CompletedAt)
	r.NextAttemptAt = fmtTime(j.NextAttemptAt)
	return r, nil
}

func fromRow(r *jobRow) (*job.Job, error) {
	j := &job.Job{
		ID:          r.ID,
		PipelineID:  r.PipelineID,
		Status:      job.Status(r.Status),
		Attempt:     r.Attempt,
		MaxRetries:  r.MaxRetries,
		Fingerprint: r.Fingerprint.String,
		BranchName:  r.BranchName.String,
		PRURL:       r.PRURL.String,
	}
	var err error
	if j.CreatedAt, err = time.Parse(time.RFC3339Nano, r.CreatedAt); err != nil {
		return nil, fmt.Errorf("job %s: parse created_at: %w", r.ID, err)
	}
	parseTime := func(ns sql.NullString) (*time.Time, error) {
		if !ns.Valid {
			return nil, nil
		}
		t, err := time.Parse(time.RFC3339Nano, ns.String)
		if err != nil {
			return nil, err
		}
		return &t, nil
	}
	if j.StartedAt, err = parseTime(r.StartedAt); err != nil {
		return nil, fmt.Errorf("job %s: parse started_at: %w", r.ID, err)
	}
	if j.CompletedAt, err = parseTime(r.CompletedAt); err != nil {
		return nil, fmt.Errorf("job %s: parse completed_at: %w", r.ID, err)
	}
	if j.NextAttemptAt, err = parseTime(r.NextAttemptAt); err != nil {
		return nil, fmt.Errorf("job %s: parse next_attempt_at: %w", r.ID, err)
	}
	if len(r.Payload) > 0 {
		if err := json.Unmarshal(r.Payload, &j.Payload); err != nil {
			return nil, fmt.Errorf("job %s: unmarshal payload: %w", r.ID, err)
		}
	}
	if len(r.Result) > 0 {
		if err := json.Unmarshal(r.Result, &j.Result); err != nil {
			return nil, fmt.Errorf("job %s: unmarshal result: %w", r.ID, err)
		}
	}
	if len(r.ErrorInfo) > 0 {
		j.ErrorInfo = &job.ErrorInfo{}
		if err := json.Unmarshal(r.ErrorInfo, j.ErrorInfo); err != nil {
			return nil, fmt.Errorf("job %s: unmarshal error info: %w", r.ID, err)
		}
	}
	return j, nil
}

const upsertSQL = `
INSERT INTO jobs (
	id, pipeline_id, status, attempt, max_retries,
	payload, result, error_info, fingerprint, branch_name, pr_url,
	created_at, started_at, completed_at, next_attempt_at
) VALUES (
	:id, :pipeline_id, :status, :attempt, :max_retries,
	:payload, :result, :error_info, :fingerprint, :branch_name, :pr_url,
	:created_at, :started_at, :completed_at, :next_attempt_at
)
ON CONFLICT(id) DO UPDATE SET
	pipeline_id = excluded.pipeline_id,
	status = excluded.status,
	attempt = excluded.attempt,
	max_retries = excluded.max_retries,
	payload = excluded.payload,
	result = excluded.result,
	error_info = excluded.error_info,
	fingerprint = excluded.fingerprint,
	branch_name = excluded.branch_name,
	pr_url = excluded.pr_url,
	created_at = excluded.created_at,
	started_at = excluded.started_at,
	completed_at = excluded.completed_at,
	next_attempt_at = excluded.next_attempt_at`

// SaveJob upserts a job. Idempotent.
func (s *Store) SaveJob(ctx context.Context, j *job.Job) error {
	if err := job.ValidateID(j.ID); err != nil {
		return err
	}
	r, err := toRow(j)
	if err != nil {
		return err
	}
	if _, err := s.db.NamedExecContext(ctx, upsertSQL, r); err != nil {
		return fmt.Errorf("save job %s: %w", j.ID, err)
	}
	return nil
}

// GetJob fetches one job. The id is validated before any lookup so
// traversal or injection attempts never reach the database.
func (s *Store) GetJob(ctx context.Context, id string) (*job.Job, error) {
	if err := job.ValidateID(id); err != nil {
		return nil, err
	}
	var r jobRow
	err := s.db.GetContext(ctx, &r, `SELECT * FROM jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return fromRow(&r)
}

// Filter narrows ListJobs. Zero values mean "any".
type Filter struct {
	PipelineID string
	Status     job.Status
	Limit      int
	Offset     int
}

// Sanitize clamps pagination into [1, MaxLimit] / offset >= 0. A zero or
// negative limit falls back to the default.
func (f *Filter) Sanitize() {
	if f.Limit <= 0 {
		f.Limit = DefaultLimit
	}
	if f.Limit > MaxLimit {
		f.Limit = MaxLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
}

// ListJobs returns jobs ordered by creation time descending, plus the total
// match count for the filter.
func (s *Store) ListJobs(ctx context.Context, f Filter) ([]*job.Job, int, error) {
	f.Sanitize()
	if f.PipelineID != "" {
		if err := job.ValidateID(f.PipelineID); err != nil {
			return nil, 0, err
		}
	}

	where := "WHERE 1=1"
	args := []any{}
	if f.PipelineID != "" {
		where += " AND pipeline_id = ?"
		args = append(args, f.PipelineID)
	}
	if f.Status != "" {
		where += " AND status = ?"
		args = append(args, string(f.Status))
	}

	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM jobs `+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	var rows []jobRow
	query := `SELECT * FROM jobs ` + where + ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, f.Limit, f.Offset)
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}

	out := make([]*job.Job, 0, len(rows))
	for i := range rows {
		j, err := fromRow(&rows[i])
		if err != nil {
			return nil, 0, err
		}
		out = append(out, j)
	}
	return out, total, nil
}

// StatusCounts is a per-status tally.
type StatusCounts struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Paused    int `json:"paused"`
}

func (c *StatusCounts) add(status string, n int) {
	switch job.Status(status) {
	case job.StatusQueued:
		c.Queued += n
	case job.StatusRunning:
		c.Running += n
	case job.StatusCompleted:
		c.Completed += n
	case job.StatusFailed:
		c.Failed += n
	case job.StatusCancelled:
		c.Cancelled += n
	case job.StatusPaused:
		c.Paused += n
	}
}

func (s *Store) counts(ctx context.Context, where string, args ...any) (StatusCounts, error) {
	rows, err := s.db.QueryxContext(ctx, `SELECT status, COUNT(*) FROM jobs `+where+` GROUP BY status`, args...)
	if err != nil {
		return StatusCounts{}, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()
	var out StatusCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return StatusCounts{}, err
		}
		out.add(status, n)
	}
	return out, rows.Err()
}

// CountsByPipeline tallies jobs of one pipeline by status.
func (s *Store) CountsByPipeline(ctx context.Context, pipelineID string) (StatusCounts, error) {
	if err := job.ValidateID(pipelineID); err != nil {
		return StatusCounts{}, err
	}
	return s.counts(ctx, "WHERE pipeline_id = ?", pipelineID)
}

// Counts tallies all jobs by status.
func (s *Store) Counts(ctx context.Context) (StatusCounts, error) {
	return s.counts(ctx, "")
}

// LastJob returns the most recently created job for a pipeline, optionally
// restricted to one status. Returns nil (no error) when there is none.
func (s *Store) LastJob(ctx context.Context, pipelineID string, status job.Status) (*job.Job, error) {
	if err := job.ValidateID(pipelineID); err != nil {
		return nil, err
	}
	query := `SELECT * FROM jobs WHERE pipeline_id = ?`
	args := []any{pipelineID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT 1`

	var r jobRow
	err := s.db.GetContext(ctx, &r, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last job for %s: %w", pipelineID, err)
	}
	return fromRow(&r)
}

// BulkImport saves all jobs in one transaction; either all rows land or none.
func (s *Store) BulkImport(ctx context.Context, jobs []*job.Job) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin bulk import: %w", err)
	}
	defer tx.Rollback()
	for _, j := range jobs {
		if err := job.ValidateID(j.ID); err != nil {
			return err
		}
		r, err := toRow(j)
		if err != nil {
			return err
		}
		if _, err := tx.NamedExecContext(ctx, upsertSQL, r); err != nil {
			return fmt.Errorf("bulk import job %s: %w", j.ID, err)
		}
	}
	return tx.Commit()
}

// HasQueuedFingerprint reports whether a queued job with the same payload
// fingerprint already exists for the pipeline. Used to collapse overlapping
// cron fires.
func (s *Store) HasQueuedFingerprint(ctx context.Context, pipelineID, fingerprint string) (bool, error) {
	if fingerprint == "" {
		return false, nil
	}
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM jobs WHERE pipeline_id = ? AND fingerprint = ? AND status = ?`,
		pipelineID, fingerprint, string(job.StatusQueued))
	if err != nil {
		return false, fmt.Errorf("fingerprint lookup: %w", err)
	}
	return n > 0, nil
}

// ResetRunning re-queues jobs left in running state by a previous process.
// Called once at startup, before the dispatcher begins.
func (s *Store) ResetRunning(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, started_at = NULL WHERE status = ?`,
		string(job.StatusQueued), string(job.StatusRunning))
	if err != nil {
		return 0, fmt.Errorf("reset running jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.Warn().Int64("jobs", n).Msg("re-queued jobs left running by previous process")
	}
	return int(n), nil
}

// QueuedJobs returns all queued jobs with no pending retry timer, oldest
// first, so the dispatcher can rebuild its FIFO after a restart.
func (s *Store) QueuedJobs(ctx context.Context) ([]*job.Job, error) {
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM jobs WHERE status = ? ORDER BY created_at ASC, id ASC`,
		string(job.StatusQueued))
	if err != nil {
		return nil, fmt.Errorf("load queued jobs: %w", err)
	}
	out := make([]*job.Job, 0, len(rows))
	for i := range rows {
		j, err := fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}
