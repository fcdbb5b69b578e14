package orchestrator

import (
	"context"
	"time"

	"github.com/plue-dev/plue-flow/state"
)

// AppendLogs appends a batch of lines to a task's step stream. Line numbers
// are assigned by the store; an empty batch changes nothing.
func (s *Service) AppendLogs(ctx context.Context, taskID int64, stepIndex int, lines []string) ([]state.LogLine, error) {
	if len(lines) == 0 {
		return nil, nil
	}
	appended, err := s.store.AppendLogLines(ctx, taskID, stepIndex, lines, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	s.metrics.AddLogLines(len(appended))
	return appended, nil
}

// ReadLogs returns stored lines for a task, optionally scoped to one step.
func (s *Service) ReadLogs(ctx context.Context, filter state.LogFilter) ([]state.LogLine, error) {
	return s.store.ListLogLines(ctx, filter)
}
