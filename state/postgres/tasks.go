package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/plue-dev/plue-flow/state"
)

const taskColumns = `id, job_id, runner_id, attempt, status, repo, commit_sha, workflow_path, workflow_content, token_hash, token_last_eight, log_file_ref, log_size, started_at, stopped_at, created_at, updated_at`

// CreateTask inserts a task and its declared steps in one transaction.
func (s *Store) CreateTask(ctx context.Context, task state.Task, steps []state.Step) (state.Task, error) {
	if task.Status == state.StatusUnknown {
		task.Status = state.StatusWaiting
	}
	if task.Attempt == 0 {
		task.Attempt = 1
	}

	var created state.Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
INSERT INTO tasks (job_id, attempt, status, repo, commit_sha, workflow_path, workflow_content, token_hash, token_last_eight, log_file_ref, log_size)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0)
RETURNING `+taskColumns,
			task.JobID, task.Attempt, int(task.Status), task.Repo, task.CommitSHA,
			task.WorkflowPath, task.WorkflowContent, task.TokenHash, task.TokenLastEight, task.LogFileRef)

		var err error
		created, err = scanTask(row)
		if err != nil {
			return err
		}

		for _, step := range steps {
			if step.Status == state.StatusUnknown {
				step.Status = state.StatusWaiting
			}
			if _, err := tx.ExecContext(ctx, `
INSERT INTO steps (task_id, step_index, name, status)
VALUES ($1, $2, $3, $4)
`, created.ID, step.Index, step.Name, int(step.Status)); err != nil {
				if isUniqueViolation(err) {
					return state.ConflictError{Entity: "step", Key: fmt.Sprintf("%d/%d", created.ID, step.Index)}
				}
				return err
			}
		}
		return nil
	})
	if err != nil {
		return state.Task{}, err
	}
	return created, nil
}

func (s *Store) GetTask(ctx context.Context, id int64) (state.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return state.Task{}, fmt.Errorf("%w: task %d", state.ErrNotFound, id)
	}
	return task, err
}

func (s *Store) FindTaskByTokenHash(ctx context.Context, hash string) (state.Task, error) {
	if hash == "" {
		return state.Task{}, fmt.Errorf("%w: task token", state.ErrNotFound)
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE token_hash = $1`, hash)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return state.Task{}, fmt.Errorf("%w: task token", state.ErrNotFound)
	}
	return task, err
}

func (s *Store) ListTasksByJob(ctx context.Context, jobID int64) ([]state.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE job_id = $1 ORDER BY id ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []state.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (s *Store) UpdateTaskStatus(ctx context.Context, id int64, status state.Status, stoppedAt *time.Time) error {
	return s.updateStatusRow(ctx, "tasks", "id", id, status, stoppedAt)
}

// ClaimTask assigns the oldest waiting, label-compatible task to the
// claiming runner. The select locks the candidate row with SKIP LOCKED and
// the update re-checks the waiting/unassigned condition, so exactly one of
// any set of concurrent claimers can win a given task.
func (s *Store) ClaimTask(ctx context.Context, claim state.TaskClaim) (state.Task, error) {
	now := claim.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var claimed state.Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var taskID int64
		row := tx.QueryRowContext(ctx, `
SELECT t.id
FROM tasks t
JOIN jobs j ON j.id = t.job_id
WHERE t.status = $1
  AND t.runner_id IS NULL
  AND j.runs_on <@ $2::jsonb
ORDER BY t.created_at ASC, t.id ASC
FOR UPDATE OF t SKIP LOCKED
LIMIT 1
`, int(state.StatusWaiting), marshalStrings(claim.Labels))
		if err := row.Scan(&taskID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return state.ErrNoTask
			}
			return err
		}

		result, err := tx.ExecContext(ctx, `
UPDATE tasks
SET runner_id = $2,
    status = $3,
    token_hash = $4,
    token_last_eight = $5,
    started_at = COALESCE(started_at, $6),
    updated_at = $6
WHERE id = $1
  AND status = $7
  AND runner_id IS NULL
`, taskID, claim.RunnerID, int(state.StatusRunning), claim.TokenHash, claim.TokenLastEight, now, int(state.StatusWaiting))
		if err != nil {
			return err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return state.ErrNoTask
		}

		claimed, err = scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, taskID))
		return err
	})
	if err != nil {
		return state.Task{}, err
	}
	return claimed, nil
}

func (s *Store) SetTaskLogFile(ctx context.Context, id int64, ref string) error {
	result, err := s.db.ExecContext(ctx, `
UPDATE tasks
SET log_file_ref = $2,
    updated_at = NOW()
WHERE id = $1
`, id, ref)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: task %d", state.ErrNotFound, id)
	}
	return nil
}

func scanTask(row rowScanner) (state.Task, error) {
	var task state.Task
	var status int
	err := row.Scan(&task.ID, &task.JobID, &task.RunnerID, &task.Attempt, &status,
		&task.Repo, &task.CommitSHA, &task.WorkflowPath, &task.WorkflowContent,
		&task.TokenHash, &task.TokenLastEight, &task.LogFileRef, &task.LogSize,
		&task.StartedAt, &task.StoppedAt, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return state.Task{}, err
	}
	task.Status = state.StatusFromCode(status)
	return task, nil
}
