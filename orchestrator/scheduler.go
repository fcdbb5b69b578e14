package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/plue-dev/plue-flow/internal/observability"
	"github.com/plue-dev/plue-flow/state"
	"github.com/plue-dev/plue-flow/token"
)

// Claim hands the oldest waiting task whose label requirements the runner
// satisfies to exactly one caller. A nil result with a nil error means no
// work is available right now; losing a race against another runner looks
// the same. The winning runner receives the raw task credential here and
// never again.
func (s *Service) Claim(ctx context.Context, runnerID int64, labels []string) (*ClaimedTask, error) {
	runner, err := s.store.GetRunner(ctx, runnerID)
	if err != nil {
		return nil, err
	}
	if labels == nil {
		labels = runner.Labels
	}

	cred, err := token.Issue()
	if err != nil {
		return nil, fmt.Errorf("issue task token: %w", err)
	}

	now := time.Now().UTC()
	task, err := s.store.ClaimTask(ctx, state.TaskClaim{
		RunnerID:       runner.ID,
		Labels:         labels,
		TokenHash:      cred.Hash,
		TokenLastEight: cred.LastEight,
		Now:            now,
	})
	if errors.Is(err, state.ErrNoTask) {
		if touchErr := s.store.TouchRunner(ctx, runner.ID, state.RunnerStatusOnline, false, now); touchErr != nil {
			return nil, touchErr
		}
		s.metrics.IncClaim("empty")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := s.store.TouchRunner(ctx, runner.ID, state.RunnerStatusBusy, true, now); err != nil {
		return nil, err
	}

	job, err := s.store.GetJob(ctx, task.JobID)
	if err != nil {
		return nil, err
	}
	steps, err := s.store.ListStepsByTask(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	if _, err := s.SyncRunStatus(ctx, job.RunID); err != nil {
		return nil, err
	}

	s.metrics.IncClaim("granted")
	logger := observability.WithTask(observability.WithRunner(s.logger, runner.ID), task.ID)
	logger.Info("task claimed",
		"event", "task_claimed", "job_id", job.JobID, "attempt", task.Attempt, "token_last_eight", task.TokenLastEight)

	return &ClaimedTask{Task: task, Job: job, Steps: steps, Token: cred.Raw}, nil
}

// StartRunnerSweeper marks runners offline once they miss heartbeats for
// staleAfter. It runs until the context is cancelled.
func (s *Service) StartRunnerSweeper(ctx context.Context, interval, staleAfter time.Duration) {
	if interval <= 0 || staleAfter <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().UTC().Add(-staleAfter)
				swept, err := s.store.SweepOfflineRunners(ctx, cutoff)
				if err != nil {
					s.logger.Warn("runner sweep failed", "event", "runner_sweep_failed", "error", err)
					continue
				}
				if swept > 0 {
					s.logger.Info("runners marked offline", "event", "runners_swept", "count", swept)
				}
			}
		}
	}()
}
