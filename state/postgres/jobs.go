package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/plue-dev/plue-flow/state"
)

const jobColumns = `id, run_id, job_id, name, needs, runs_on, status, attempt, concurrency_group, concurrency_cancel, started_at, stopped_at, created_at, updated_at`

func (s *Store) GetJob(ctx context.Context, id int64) (state.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return state.Job{}, fmt.Errorf("%w: job %d", state.ErrNotFound, id)
	}
	return job, err
}

func (s *Store) ListJobsByRun(ctx context.Context, runID int64) ([]state.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE run_id = $1 ORDER BY id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []state.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *Store) UpdateJobStatus(ctx context.Context, id int64, status state.Status, stoppedAt *time.Time) error {
	return s.updateStatusRow(ctx, "jobs", "id", id, status, stoppedAt)
}

func scanJob(row rowScanner) (state.Job, error) {
	var job state.Job
	var needs, runsOn []byte
	var status int
	err := row.Scan(&job.ID, &job.RunID, &job.JobID, &job.Name, &needs, &runsOn, &status,
		&job.Attempt, &job.ConcurrencyGroup, &job.ConcurrencyCancel,
		&job.StartedAt, &job.StoppedAt, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return state.Job{}, err
	}
	job.Needs = unmarshalStrings(needs)
	job.RunsOn = unmarshalStrings(runsOn)
	job.Status = state.StatusFromCode(status)
	return job, nil
}
