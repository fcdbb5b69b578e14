package observability

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
)

// NewLogger returns a JSON logger with a component field attached.
func NewLogger(component string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	logger := slog.New(handler)
	if component != "" {
		logger = logger.With("component", component)
	}
	return logger
}

func WithRun(logger *slog.Logger, runID int64) *slog.Logger {
	if logger == nil || runID == 0 {
		return logger
	}
	return logger.With("run_id", runID)
}

func WithTask(logger *slog.Logger, taskID int64) *slog.Logger {
	if logger == nil || taskID == 0 {
		return logger
	}
	return logger.With("task_id", taskID)
}

func WithRunner(logger *slog.Logger, runnerID int64) *slog.Logger {
	if logger == nil || runnerID == 0 {
		return logger
	}
	return logger.With("runner_id", runnerID)
}

// WithCredential attaches a hashed credential reference; raw tokens never
// reach the log stream.
func WithCredential(logger *slog.Logger, tokenHash string) *slog.Logger {
	if logger == nil || tokenHash == "" {
		return logger
	}
	sum := sha256.Sum256([]byte(tokenHash))
	return logger.With("credential_hash", hex.EncodeToString(sum[:8]))
}
