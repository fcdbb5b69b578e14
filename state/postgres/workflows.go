package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/plue-dev/plue-flow/state"
)

const workflowColumns = `id, repo, name, path, content_hash, trigger_events, is_agent_workflow, content, created_at, updated_at`

// UpsertWorkflowDefinition writes a workflow definition keyed by (repo, name).
func (s *Store) UpsertWorkflowDefinition(ctx context.Context, def state.WorkflowDefinition) (state.WorkflowDefinition, error) {
	if def.Repo == "" || def.Name == "" {
		return state.WorkflowDefinition{}, errors.New("workflow repo and name required")
	}

	row := s.db.QueryRowContext(ctx, `
INSERT INTO workflow_definitions (repo, name, path, content_hash, trigger_events, is_agent_workflow, content)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (repo, name)
DO UPDATE SET path = EXCLUDED.path,
              content_hash = EXCLUDED.content_hash,
              trigger_events = EXCLUDED.trigger_events,
              is_agent_workflow = EXCLUDED.is_agent_workflow,
              content = EXCLUDED.content,
              updated_at = NOW()
RETURNING `+workflowColumns,
		def.Repo, def.Name, def.Path, def.ContentHash, marshalStrings(def.TriggerEvents), def.IsAgentWorkflow, nullableJSON(def.Content))

	return scanWorkflow(row)
}

func (s *Store) GetWorkflowDefinition(ctx context.Context, id int64) (state.WorkflowDefinition, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflow_definitions WHERE id = $1`, id)
	def, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return state.WorkflowDefinition{}, fmt.Errorf("%w: workflow %d", state.ErrNotFound, id)
	}
	return def, err
}

func (s *Store) FindWorkflowDefinition(ctx context.Context, repo, name string) (state.WorkflowDefinition, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflow_definitions WHERE repo = $1 AND name = $2`, repo, name)
	def, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return state.WorkflowDefinition{}, fmt.Errorf("%w: workflow %s/%s", state.ErrNotFound, repo, name)
	}
	return def, err
}

func (s *Store) ListWorkflowDefinitions(ctx context.Context, repo string) ([]state.WorkflowDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+workflowColumns+` FROM workflow_definitions WHERE repo = $1 ORDER BY name ASC`, repo)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []state.WorkflowDefinition
	for rows.Next() {
		def, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (state.WorkflowDefinition, error) {
	var def state.WorkflowDefinition
	var triggers, content []byte
	err := row.Scan(&def.ID, &def.Repo, &def.Name, &def.Path, &def.ContentHash, &triggers, &def.IsAgentWorkflow, &content, &def.CreatedAt, &def.UpdatedAt)
	if err != nil {
		return state.WorkflowDefinition{}, err
	}
	def.TriggerEvents = unmarshalStrings(triggers)
	def.Content = content
	return def, nil
}
