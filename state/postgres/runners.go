package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/plue-dev/plue-flow/state"
)

const runnerColumns = `id, uuid, owner, repo, name, version, labels, status, token_hash, token_last_eight, last_online_at, last_active_at, created_at, updated_at`

func (s *Store) CreateRunner(ctx context.Context, runner state.Runner) (state.Runner, error) {
	if runner.Status == "" {
		runner.Status = state.RunnerStatusOffline
	}

	row := s.db.QueryRowContext(ctx, `
INSERT INTO runners (uuid, owner, repo, name, version, labels, status, token_hash, token_last_eight, last_online_at, last_active_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
RETURNING `+runnerColumns,
		runner.UUID, runner.Owner, runner.Repo, runner.Name, runner.Version,
		marshalStrings(runner.Labels), string(runner.Status), runner.TokenHash, runner.TokenLastEight,
		runner.LastOnlineAt, runner.LastActiveAt)

	created, err := scanRunner(row)
	if isUniqueViolation(err) {
		return state.Runner{}, state.ConflictError{Entity: "runner", Key: runner.UUID}
	}
	return created, err
}

func (s *Store) GetRunner(ctx context.Context, id int64) (state.Runner, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runnerColumns+` FROM runners WHERE id = $1`, id)
	runner, err := scanRunner(row)
	if errors.Is(err, sql.ErrNoRows) {
		return state.Runner{}, fmt.Errorf("%w: runner %d", state.ErrNotFound, id)
	}
	return runner, err
}

// FindRunnerByTokenHash resolves a credential hash to its runner. The hash
// column is unique, so presentation of a valid token maps to exactly one row.
func (s *Store) FindRunnerByTokenHash(ctx context.Context, hash string) (state.Runner, error) {
	if hash == "" {
		return state.Runner{}, fmt.Errorf("%w: runner token", state.ErrNotFound)
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+runnerColumns+` FROM runners WHERE token_hash = $1`, hash)
	runner, err := scanRunner(row)
	if errors.Is(err, sql.ErrNoRows) {
		return state.Runner{}, fmt.Errorf("%w: runner token", state.ErrNotFound)
	}
	return runner, err
}

func (s *Store) ListRunners(ctx context.Context, owner string) ([]state.Runner, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runnerColumns+` FROM runners WHERE $1 = '' OR owner = $1 ORDER BY id ASC`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runners []state.Runner
	for rows.Next() {
		runner, err := scanRunner(rows)
		if err != nil {
			return nil, err
		}
		runners = append(runners, runner)
	}
	return runners, rows.Err()
}

// TouchRunner records liveness. Active touches also bump last_active_at.
func (s *Store) TouchRunner(ctx context.Context, id int64, status state.RunnerStatus, active bool, now time.Time) error {
	result, err := s.db.ExecContext(ctx, `
UPDATE runners
SET status = $2,
    last_online_at = $3,
    last_active_at = CASE WHEN $4 THEN $3 ELSE last_active_at END,
    updated_at = $3
WHERE id = $1
`, id, string(status), now, active)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: runner %d", state.ErrNotFound, id)
	}
	return nil
}

// SweepOfflineRunners marks runners offline whose last heartbeat predates
// the cutoff and returns how many rows changed.
func (s *Store) SweepOfflineRunners(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
UPDATE runners
SET status = $1,
    updated_at = NOW()
WHERE status <> $1
  AND (last_online_at IS NULL OR last_online_at < $2)
`, string(state.RunnerStatusOffline), cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func scanRunner(row rowScanner) (state.Runner, error) {
	var runner state.Runner
	var labels []byte
	var status string
	err := row.Scan(&runner.ID, &runner.UUID, &runner.Owner, &runner.Repo, &runner.Name, &runner.Version,
		&labels, &status, &runner.TokenHash, &runner.TokenLastEight,
		&runner.LastOnlineAt, &runner.LastActiveAt, &runner.CreatedAt, &runner.UpdatedAt)
	if err != nil {
		return state.Runner{}, err
	}
	runner.Labels = unmarshalStrings(labels)
	runner.Status = state.RunnerStatus(status)
	return runner, nil
}
