package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrJobNotFound is returned when no row matches a job ID.
var ErrJobNotFound = errors.New("job not found")

const jobColumns = `id, source, options, cache_key, state, progress, frames_decoded, frames_encoded,
	error, error_kind, output_path, output_size, created_at, updated_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job              Job
		created, updated int64
		completed        sql.NullInt64
	)
	err := row.Scan(
		&job.ID, &job.Source, &job.Options, &job.CacheKey, &job.State, &job.Progress,
		&job.FramesDecoded, &job.FramesEncoded, &job.Error, &job.ErrorKind,
		&job.OutputPath, &job.OutputSize, &created, &updated, &completed,
	)
	if err != nil {
		return nil, err
	}
	job.CreatedAt = time.Unix(created, 0)
	job.UpdatedAt = time.Unix(updated, 0)
	if completed.Valid {
		t := time.Unix(completed.Int64, 0)
		job.CompletedAt = &t
	}
	return &job, nil
}

// CreateJob inserts a new job. CreatedAt and UpdatedAt default to now.
func (d *Database) CreateJob(ctx context.Context, job *Job) error {
	start := time.Now()
	var err error
	defer func() { recordQuery("create_job", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	if job.CreatedAt.IsZero() {
		job.CreatedAt = start
	}
	job.UpdatedAt = job.CreatedAt
	if job.State == "" {
		job.State = JobQueued
	}
	if job.Options == "" {
		job.Options = "{}"
	}

	_, err = d.db.ExecContext(ctx, `
		INSERT INTO jobs (id, source, options, cache_key, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, job.ID, job.Source, job.Options, job.CacheKey, job.State, job.CreatedAt.Unix(), job.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to create job %s: %w", job.ID, err)
	}
	return nil
}

// UpdateJobProgress records a state and counters for a job that has not
// finished yet. Updates to terminal jobs are ignored.
func (d *Database) UpdateJobProgress(ctx context.Context, id, state string, progress float64, decoded, encoded int) error {
	start := time.Now()
	var err error
	defer func() { recordQuery("update_progress", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err = d.db.ExecContext(ctx, `
		UPDATE jobs
		SET state = ?, progress = ?, frames_decoded = ?, frames_encoded = ?, updated_at = ?
		WHERE id = ? AND state IN (?, ?)
	`, state, progress, decoded, encoded, start.Unix(), id, JobQueued, JobRunning)
	return err
}

// CompleteJob marks a job complete with its output file.
func (d *Database) CompleteJob(ctx context.Context, id, outputPath string, outputSize int64, decoded, encoded int) error {
	start := time.Now()
	var err error
	defer func() { recordQuery("complete_job", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err = d.db.ExecContext(ctx, `
		UPDATE jobs
		SET state = ?, progress = 100, output_path = ?, output_size = ?,
			frames_decoded = ?, frames_encoded = ?, updated_at = ?, completed_at = ?
		WHERE id = ?
	`, JobComplete, outputPath, outputSize, decoded, encoded, start.Unix(), start.Unix(), id)
	return err
}

// FailJob marks a job failed or cancelled with a reason. kind is the
// pipeline error label, e.g. "decode_failure".
func (d *Database) FailJob(ctx context.Context, id, state, kind, message string) error {
	start := time.Now()
	var err error
	defer func() { recordQuery("fail_job", start, err) }()

	if state != JobFailed && state != JobCancelled {
		err = fmt.Errorf("invalid terminal state %q", state)
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err = d.db.ExecContext(ctx, `
		UPDATE jobs
		SET state = ?, error_kind = ?, error = ?, updated_at = ?, completed_at = ?
		WHERE id = ?
	`, state, kind, message, start.Unix(), start.Unix(), id)
	return err
}

// GetJob returns one job or ErrJobNotFound.
func (d *Database) GetJob(ctx context.Context, id string) (*Job, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("get_job", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	job, err := scanJob(d.db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return job, err
}

// FindCompletedByCacheKey returns the newest complete job with the given
// cache key, or ErrJobNotFound.
func (d *Database) FindCompletedByCacheKey(ctx context.Context, key string) (*Job, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("find_cached_job", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	job, err := scanJob(d.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE cache_key = ? AND cache_key != '' AND state = ?
		ORDER BY completed_at DESC LIMIT 1
	`, key, JobComplete))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return job, err
}

// ListJobs returns up to limit jobs, newest first. A limit of zero or less
// returns every job.
func (d *Database) ListJobs(ctx context.Context, limit int) ([]*Job, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("list_jobs", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	if limit <= 0 {
		limit = -1
	}

	rows, err := d.db.QueryContext(ctx, "SELECT "+jobColumns+" FROM jobs ORDER BY created_at DESC, rowid DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, scanErr := scanJob(rows)
		if scanErr != nil {
			err = scanErr
			return nil, err
		}
		jobs = append(jobs, job)
	}
	err = rows.Err()
	return jobs, err
}

// CountJobsByState returns the number of jobs in each state.
func (d *Database) CountJobsByState(ctx context.Context) (map[string]int, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("count_jobs", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	rows, err := d.db.QueryContext(ctx, "SELECT state, COUNT(*) FROM jobs GROUP BY state")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err = rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	err = rows.Err()
	return counts, err
}

// DeleteJobsBefore removes finished jobs last updated before cutoff and
// returns their output paths so the caller can remove the files.
func (d *Database) DeleteJobsBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("delete_jobs", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	rows, err := tx.QueryContext(ctx, `
		SELECT output_path FROM jobs
		WHERE updated_at < ? AND state IN (?, ?, ?) AND output_path != ''
	`, cutoff.Unix(), JobComplete, JobFailed, JobCancelled)
	if err != nil {
		return nil, err
	}
	var paths []string
	for rows.Next() {
		var p string
		if err = rows.Scan(&p); err != nil {
			rows.Close()
			return nil, err
		}
		paths = append(paths, p)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, err
	}

	if _, err = tx.ExecContext(ctx, `
		DELETE FROM jobs WHERE updated_at < ? AND state IN (?, ?, ?)
	`, cutoff.Unix(), JobComplete, JobFailed, JobCancelled); err != nil {
		return nil, err
	}
	err = tx.Commit()
	return paths, err
}

// FailStaleJobs marks queued and running jobs as failed. It runs once at
// startup, when no pipeline from a previous process can still be alive.
func (d *Database) FailStaleJobs(ctx context.Context, reason string) (int64, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("fail_stale_jobs", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	result, err := d.db.ExecContext(ctx, `
		UPDATE jobs SET state = ?, error = ?, error_kind = 'interrupted', updated_at = ?, completed_at = ?
		WHERE state IN (?, ?)
	`, JobFailed, reason, start.Unix(), start.Unix(), JobQueued, JobRunning)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
