package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/plue-dev/plue-flow/state"
)

// AppendLogLines appends a batch for one (task, step) pair. The step row is
// locked first, serializing concurrent appends so line numbers stay
// consecutive from zero. The first append records the step's offset into
// the task stream; step length and task size grow by the batch size.
func (s *Store) AppendLogLines(ctx context.Context, taskID int64, stepIndex int, lines []string, now time.Time) ([]state.LogLine, error) {
	if len(lines) == 0 {
		return nil, nil
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var appended []state.LogLine
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var stepID, logLength int64
		row := tx.QueryRowContext(ctx, `
SELECT id, log_length
FROM steps
WHERE task_id = $1 AND step_index = $2
FOR UPDATE
`, taskID, stepIndex)
		if err := row.Scan(&stepID, &logLength); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: step %d/%d", state.ErrNotFound, taskID, stepIndex)
			}
			return err
		}

		var logSize int64
		if err := tx.QueryRowContext(ctx, `SELECT log_size FROM tasks WHERE id = $1 FOR UPDATE`, taskID).Scan(&logSize); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: task %d", state.ErrNotFound, taskID)
			}
			return err
		}

		appended = make([]state.LogLine, 0, len(lines))
		for i, content := range lines {
			line := state.LogLine{
				TaskID:     taskID,
				StepIndex:  stepIndex,
				LineNumber: logLength + int64(i),
				Content:    content,
				CreatedAt:  now,
			}
			if err := tx.QueryRowContext(ctx, `
INSERT INTO log_lines (task_id, step_index, line_number, content, created_at)
VALUES ($1, $2, $3, $4, $5)
RETURNING id
`, line.TaskID, line.StepIndex, line.LineNumber, line.Content, now).Scan(&line.ID); err != nil {
				if isUniqueViolation(err) {
					return state.ConflictError{Entity: "log_line", Key: fmt.Sprintf("%d/%d/%d", taskID, stepIndex, line.LineNumber)}
				}
				return err
			}
			appended = append(appended, line)
		}

		batch := int64(len(lines))
		if _, err := tx.ExecContext(ctx, `
UPDATE steps
SET log_index = CASE WHEN log_length = 0 THEN $2 ELSE log_index END,
    log_length = log_length + $3,
    updated_at = $4
WHERE id = $1
`, stepID, logSize, batch, now); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
UPDATE tasks
SET log_size = log_size + $2,
    updated_at = $3
WHERE id = $1
`, taskID, batch, now); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return appended, nil
}

func (s *Store) ListLogLines(ctx context.Context, filter state.LogFilter) ([]state.LogLine, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 10000
	}

	var stepIndex any
	if filter.StepIndex != nil {
		stepIndex = *filter.StepIndex
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, task_id, step_index, line_number, content, created_at
FROM log_lines
WHERE task_id = $1
  AND ($2::int IS NULL OR step_index = $2)
ORDER BY step_index ASC, line_number ASC
LIMIT $3 OFFSET $4
`, filter.TaskID, stepIndex, limit, filter.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []state.LogLine
	for rows.Next() {
		var line state.LogLine
		if err := rows.Scan(&line.ID, &line.TaskID, &line.StepIndex, &line.LineNumber, &line.Content, &line.CreatedAt); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}
