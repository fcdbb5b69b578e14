package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/plue-dev/plue-flow/state"
)

const stepColumns = `id, task_id, step_index, name, status, log_index, log_length, output, started_at, stopped_at, created_at, updated_at`

func (s *Store) GetStep(ctx context.Context, taskID int64, index int) (state.Step, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM steps WHERE task_id = $1 AND step_index = $2`, taskID, index)
	step, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return state.Step{}, fmt.Errorf("%w: step %d/%d", state.ErrNotFound, taskID, index)
	}
	return step, err
}

func (s *Store) ListStepsByTask(ctx context.Context, taskID int64) ([]state.Step, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+stepColumns+` FROM steps WHERE task_id = $1 ORDER BY step_index ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []state.Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func (s *Store) UpdateStepStatus(ctx context.Context, taskID int64, index int, status state.Status, stoppedAt *time.Time) error {
	result, err := s.db.ExecContext(ctx, `
UPDATE steps
SET status = $3,
    started_at = CASE WHEN $3 = $4 AND started_at IS NULL THEN NOW() ELSE started_at END,
    stopped_at = COALESCE($5, stopped_at),
    updated_at = NOW()
WHERE task_id = $1 AND step_index = $2
`, taskID, index, int(status), int(state.StatusRunning), stoppedAt)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: step %d/%d", state.ErrNotFound, taskID, index)
	}
	return nil
}

func (s *Store) SetStepOutput(ctx context.Context, taskID int64, index int, output []byte) error {
	result, err := s.db.ExecContext(ctx, `
UPDATE steps
SET output = $3,
    updated_at = NOW()
WHERE task_id = $1 AND step_index = $2
`, taskID, index, nullableJSON(output))
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: step %d/%d", state.ErrNotFound, taskID, index)
	}
	return nil
}

func scanStep(row rowScanner) (state.Step, error) {
	var step state.Step
	var status int
	var output []byte
	err := row.Scan(&step.ID, &step.TaskID, &step.Index, &step.Name, &status,
		&step.LogIndex, &step.LogLength, &output,
		&step.StartedAt, &step.StoppedAt, &step.CreatedAt, &step.UpdatedAt)
	if err != nil {
		return state.Step{}, err
	}
	step.Status = state.StatusFromCode(status)
	step.Output = output
	return step, nil
}
