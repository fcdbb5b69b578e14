package postgres

import (
	"context"
	"errors"

	"github.com/plue-dev/plue-flow/state"
)

const commitStatusColumns = `id, repo, commit_sha, context, state, description, target_url, run_id, created_at, updated_at`

// UpsertCommitStatus writes one named check result. The (repo, commit,
// context) key is unique; an existing row is overwritten in place.
func (s *Store) UpsertCommitStatus(ctx context.Context, status state.CommitStatus) (state.CommitStatus, error) {
	if status.Repo == "" || status.CommitSHA == "" || status.Context == "" {
		return state.CommitStatus{}, errors.New("commit status repo, commit and context required")
	}

	row := s.db.QueryRowContext(ctx, `
INSERT INTO commit_statuses (repo, commit_sha, context, state, description, target_url, run_id)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (repo, commit_sha, context)
DO UPDATE SET state = EXCLUDED.state,
              description = EXCLUDED.description,
              target_url = EXCLUDED.target_url,
              run_id = EXCLUDED.run_id,
              updated_at = NOW()
RETURNING `+commitStatusColumns,
		status.Repo, status.CommitSHA, status.Context, string(status.State),
		status.Description, status.TargetURL, status.RunID)

	return scanCommitStatus(row)
}

func (s *Store) ListCommitStatuses(ctx context.Context, repo, commitSHA string) ([]state.CommitStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+commitStatusColumns+`
FROM commit_statuses
WHERE repo = $1 AND commit_sha = $2
ORDER BY context ASC
`, repo, commitSHA)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var statuses []state.CommitStatus
	for rows.Next() {
		status, err := scanCommitStatus(rows)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, status)
	}
	return statuses, rows.Err()
}

func scanCommitStatus(row rowScanner) (state.CommitStatus, error) {
	var status state.CommitStatus
	var stateValue string
	err := row.Scan(&status.ID, &status.Repo, &status.CommitSHA, &status.Context, &stateValue,
		&status.Description, &status.TargetURL, &status.RunID, &status.CreatedAt, &status.UpdatedAt)
	if err != nil {
		return state.CommitStatus{}, err
	}
	status.State = state.CommitStatusState(stateValue)
	return status, nil
}
