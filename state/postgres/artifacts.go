package postgres

import (
	"context"

	"github.com/plue-dev/plue-flow/state"
)

func (s *Store) CreateArtifact(ctx context.Context, artifact state.Artifact) (state.Artifact, error) {
	row := s.db.QueryRowContext(ctx, `
INSERT INTO artifacts (task_id, type, uri)
VALUES ($1, $2, $3)
RETURNING id, task_id, type, uri, created_at
`, artifact.TaskID, artifact.Type, artifact.URI)

	var created state.Artifact
	if err := row.Scan(&created.ID, &created.TaskID, &created.Type, &created.URI, &created.CreatedAt); err != nil {
		return state.Artifact{}, err
	}
	return created, nil
}

func (s *Store) ListArtifactsByTask(ctx context.Context, taskID int64) ([]state.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, task_id, type, uri, created_at
FROM artifacts
WHERE task_id = $1
ORDER BY id ASC
`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var artifacts []state.Artifact
	for rows.Next() {
		var artifact state.Artifact
		if err := rows.Scan(&artifact.ID, &artifact.TaskID, &artifact.Type, &artifact.URI, &artifact.CreatedAt); err != nil {
			return nil, err
		}
		artifacts = append(artifacts, artifact)
	}
	return artifacts, rows.Err()
}
