package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Job statuses.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// Job is a message accepted with ?async=true, waiting for or done with
// processing. PayloadJSON and ResultJSON are opaque to the store.
type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
	ResultJSON  string
}

const jobColumns = `id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error, result_json`

// Timestamps are stored as fixed-width UTC RFC 3339 text so that string
// comparison in SQL orders them correctly.
func stamp(t time.Time) string { return t.UTC().Format(time.RFC3339) }

// EnqueueJob inserts a pending job. A zero MaxAttempts means one attempt:
// replaying a message would store its questions twice.
func (s *Store) EnqueueJob(job Job) error {
	now := time.Now()
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = job.RunAfter
	}
	job.MaxAttempts = max(job.MaxAttempts, 1)

	_, err := s.db.Exec(`INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		job.ID, job.Type, job.PayloadJSON, job.MaxAttempts, stamp(runAfter), stamp(now), stamp(now))
	if err != nil {
		return fmt.Errorf("enqueueing job %s: %w", job.ID, err)
	}
	return nil
}

// ClaimNextJob marks the oldest runnable job of one of types as running and
// returns it, or returns nil when none is runnable. The select and update
// are one statement.
func (s *Store) ClaimNextJob(types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}
	now := stamp(time.Now())
	args := []any{now, now}
	for _, t := range types {
		args = append(args, t)
	}

	j, err := scanJob(s.db.QueryRow(`UPDATE jobs SET status = 'running', updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending' AND run_after <= ? AND type IN (?`+strings.Repeat(", ?", len(types)-1)+`)
			ORDER BY run_after, rowid
			LIMIT 1
		)
		RETURNING `+jobColumns, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claiming job: %w", err)
	}
	return j, nil
}

func (s *Store) GetJob(id string) (*Job, error) {
	j, err := scanJob(s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

// CompleteJob stores the result and marks the job completed.
func (s *Store) CompleteJob(id, resultJSON string) error {
	return oneRow(s.db.Exec(`UPDATE jobs SET status = 'completed', result_json = ?, updated_at = ? WHERE id = ?`,
		resultJSON, stamp(time.Now()), id))
}

// FailJob records a failed attempt. Below max_attempts the job goes back to
// pending after retryDelay; at the limit it is marked failed.
func (s *Store) FailJob(id string, errMsg string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRow(`SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now()
	attempts++
	status, runAfter := JobFailed, sql.NullString{}
	if attempts < maxAttempts {
		status = JobPending
		runAfter = sql.NullString{String: stamp(now.Add(retryDelay(attempts))), Valid: true}
	}
	if _, err := tx.Exec(`UPDATE jobs SET status = ?, attempts = ?, last_error = ?, run_after = COALESCE(?, run_after), updated_at = ?
		WHERE id = ?`, status, attempts, errMsg, runAfter, stamp(now), id); err != nil {
		return fmt.Errorf("failing job %s: %w", id, err)
	}
	return tx.Commit()
}

// retryDelay doubles per attempt: 2s, 4s, 8s, capped at a minute.
func retryDelay(attempt int) time.Duration {
	return min(time.Second<<attempt, time.Minute)
}

func oneRow(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var (
		j                          Job
		runAfter, created, updated string
		lastError, result          sql.NullString
	)
	if err := row.Scan(&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &created, &updated, &lastError, &result); err != nil {
		return nil, err
	}
	j.LastError, j.ResultJSON = lastError.String, result.String

	for _, ts := range []struct {
		raw string
		dst *time.Time
	}{{runAfter, &j.RunAfter}, {created, &j.CreatedAt}, {updated, &j.UpdatedAt}} {
		t, err := time.Parse(time.RFC3339, ts.raw)
		if err != nil {
			return nil, fmt.Errorf("job %s: bad timestamp %q: %w", j.ID, ts.raw, err)
		}
		*ts.dst = t
	}
	return &j, nil
}
