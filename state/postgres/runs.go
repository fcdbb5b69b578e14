package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/plue-dev/plue-flow/state"
)

const runColumns = `id, repo, workflow_id, run_number, title, trigger_event, trigger_user, event_payload, ref, commit_sha, status, concurrency_group, concurrency_cancel, session_id, started_at, stopped_at, created_at, updated_at`

// CreateRun inserts a run and its jobs in one transaction. The per-repo run
// number is assigned under an advisory lock keyed by the repository, with a
// unique constraint as the backstop.
func (s *Store) CreateRun(ctx context.Context, run state.Run, jobs []state.Job) (state.Run, []state.Job, error) {
	if run.Repo == "" {
		return state.Run{}, nil, errors.New("run repo required")
	}
	if run.Status == state.StatusUnknown {
		run.Status = state.StatusWaiting
	}

	var created state.Run
	var createdJobs []state.Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, run.Repo); err != nil {
			return err
		}

		var runNumber int64
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(run_number), 0) + 1 FROM runs WHERE repo = $1`, run.Repo).Scan(&runNumber); err != nil {
			return err
		}

		row := tx.QueryRowContext(ctx, `
INSERT INTO runs (repo, workflow_id, run_number, title, trigger_event, trigger_user, event_payload, ref, commit_sha, status, concurrency_group, concurrency_cancel, session_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
RETURNING `+runColumns,
			run.Repo, run.WorkflowID, runNumber, run.Title, run.TriggerEvent, run.TriggerUser,
			nullableJSON(run.EventPayload), run.Ref, run.CommitSHA, int(run.Status),
			run.ConcurrencyGroup, run.ConcurrencyCancel, run.SessionID)

		var err error
		created, err = scanRun(row)
		if isUniqueViolation(err) {
			return state.ConflictError{Entity: "run", Key: fmt.Sprintf("%s#%d", run.Repo, runNumber)}
		}
		if err != nil {
			return err
		}

		for _, job := range jobs {
			if job.Status == state.StatusUnknown {
				job.Status = state.StatusWaiting
			}
			if job.Attempt == 0 {
				job.Attempt = 1
			}
			jobRow := tx.QueryRowContext(ctx, `
INSERT INTO jobs (run_id, job_id, name, needs, runs_on, status, attempt, concurrency_group, concurrency_cancel)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING `+jobColumns,
				created.ID, job.JobID, job.Name, marshalStrings(job.Needs), marshalStrings(job.RunsOn),
				int(job.Status), job.Attempt, job.ConcurrencyGroup, job.ConcurrencyCancel)

			createdJob, err := scanJob(jobRow)
			if isUniqueViolation(err) {
				return state.ConflictError{Entity: "job", Key: job.JobID}
			}
			if err != nil {
				return err
			}
			createdJobs = append(createdJobs, createdJob)
		}
		return nil
	})
	if err != nil {
		return state.Run{}, nil, err
	}
	return created, createdJobs, nil
}

func (s *Store) GetRun(ctx context.Context, id int64) (state.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return state.Run{}, fmt.Errorf("%w: run %d", state.ErrNotFound, id)
	}
	return run, err
}

func (s *Store) ListRuns(ctx context.Context, filter state.RunFilter) ([]state.Run, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	var status any
	if filter.Status != nil {
		status = int(*filter.Status)
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT `+runColumns+`
FROM runs
WHERE ($1 = '' OR repo = $1)
  AND ($2::int IS NULL OR status = $2)
  AND ($3 = '' OR concurrency_group = $3)
ORDER BY id DESC
LIMIT $4 OFFSET $5
`, filter.Repo, status, filter.ConcurrencyGroup, limit, filter.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []state.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *Store) UpdateRunStatus(ctx context.Context, id int64, status state.Status, stoppedAt *time.Time) error {
	return s.updateStatusRow(ctx, "runs", "id", id, status, stoppedAt)
}

// updateStatusRow applies the shared status-update rule: status and
// updated_at always, started_at only on the first transition to Running,
// stopped_at only when the caller supplies one.
func (s *Store) updateStatusRow(ctx context.Context, table, idColumn string, id int64, status state.Status, stoppedAt *time.Time) error {
	result, err := s.db.ExecContext(ctx, `
UPDATE `+table+`
SET status = $2,
    started_at = CASE WHEN $2 = $3 AND started_at IS NULL THEN NOW() ELSE started_at END,
    stopped_at = COALESCE($4, stopped_at),
    updated_at = NOW()
WHERE `+idColumn+` = $1
`, id, int(status), int(state.StatusRunning), stoppedAt)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s %d", state.ErrNotFound, table, id)
	}
	return nil
}

func scanRun(row rowScanner) (state.Run, error) {
	var run state.Run
	var payload []byte
	var status int
	err := row.Scan(&run.ID, &run.Repo, &run.WorkflowID, &run.RunNumber, &run.Title,
		&run.TriggerEvent, &run.TriggerUser, &payload, &run.Ref, &run.CommitSHA, &status,
		&run.ConcurrencyGroup, &run.ConcurrencyCancel, &run.SessionID,
		&run.StartedAt, &run.StoppedAt, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return state.Run{}, err
	}
	run.EventPayload = payload
	run.Status = state.StatusFromCode(status)
	return run, nil
}
