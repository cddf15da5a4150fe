package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/capgate/internal/protocol"
)

// SaveJob writes the current snapshot of a job, replacing any earlier row.
// Implements jobs.Journal.
func (s *Store) SaveJob(ctx context.Context, job protocol.Job) error {
	result, err := marshalPayload(job.Result)
	if err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	var jobErr any
	if job.Error != nil {
		jobErr = job.Error
	}
	errCol, err := marshalPayload(jobErr)
	if err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs
		(id, capability_id, owner, state, progress, result, error, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			progress = excluded.progress,
			result = excluded.result,
			error = excluded.error,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at
	`,
		job.ID,
		job.CapabilityID,
		job.Owner,
		string(job.State),
		job.Progress,
		result,
		errCol,
		toNanos(job.CreatedAt),
		toNullNanos(job.StartedAt),
		toNullNanos(job.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}

// LoadJob reads one job. found is false when no row exists.
func (s *Store) LoadJob(ctx context.Context, id string) (protocol.Job, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, capability_id, owner, state, progress, result, error, created_at, started_at, completed_at
		FROM jobs
		WHERE id = ?
	`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.Job{}, false, nil
	}
	if err != nil {
		return protocol.Job{}, false, fmt.Errorf("load job %s: %w", id, err)
	}
	return job, true, nil
}

// UnfinishedJobs returns jobs that are pending or in_progress, oldest first.
func (s *Store) UnfinishedJobs(ctx context.Context) ([]protocol.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, capability_id, owner, state, progress, result, error, created_at, started_at, completed_at
		FROM jobs
		WHERE state IN ('pending', 'in_progress')
		ORDER BY created_at ASC, id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query unfinished jobs: %w", err)
	}
	defer rows.Close()

	jobs := []protocol.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unfinished jobs: %w", err)
	}
	return jobs, nil
}

// DeleteJobsCompletedBefore removes terminal jobs whose completedAt is
// earlier than cutoff and returns how many rows were deleted.
func (s *Store) DeleteJobsCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE state IN ('completed', 'failed') AND completed_at < ?
	`, toNanos(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete expired jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired jobs: rows affected: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (protocol.Job, error) {
	var (
		job       protocol.Job
		state     string
		result    sql.NullString
		errCol    sql.NullString
		createdAt int64
		startedAt sql.NullInt64
		doneAt    sql.NullInt64
	)
	if err := row.Scan(&job.ID, &job.CapabilityID, &job.Owner, &state, &job.Progress,
		&result, &errCol, &createdAt, &startedAt, &doneAt); err != nil {
		return protocol.Job{}, err
	}

	var err error
	job.State = protocol.JobState(state)
	if job.Result, err = unmarshalResult(result); err != nil {
		return protocol.Job{}, err
	}
	if job.Error, err = unmarshalError(errCol); err != nil {
		return protocol.Job{}, err
	}
	job.CreatedAt = fromNanos(createdAt)
	job.StartedAt = fromNullNanos(startedAt)
	job.CompletedAt = fromNullNanos(doneAt)
	return job, nil
}
