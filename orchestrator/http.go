package orchestrator

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/plue-dev/plue-flow/internal/observability"
	"github.com/plue-dev/plue-flow/protocol"
	"github.com/plue-dev/plue-flow/state"
)

// NewHTTPHandler wires the control-plane and runner-protocol endpoints.
func NewHTTPHandler(service *Service, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = observability.NewLogger("orchestrator.http")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/api/v1/runs", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var req CreateRunRequest
			if err := decodeJSON(r, &req); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			details, err := service.CreateRun(r.Context(), req)
			if err != nil {
				if state.IsConflict(err) {
					writeError(w, http.StatusConflict, err)
					return
				}
				if errors.Is(err, state.ErrNotFound) {
					writeError(w, http.StatusNotFound, err)
					return
				}
				logger.Error("create run failed", "event", "create_run_failed", "error", err)
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusCreated, details)
		case http.MethodGet:
			runID, ok := queryID(w, r, "run_id")
			if !ok {
				return
			}
			details, err := service.GetRunDetails(r.Context(), runID)
			if err != nil {
				if errors.Is(err, state.ErrNotFound) {
					writeError(w, http.StatusNotFound, err)
					return
				}
				logger.Error("run details failed", "event", "run_details_failed", "error", err)
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, details)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/api/v1/runner/register", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req RegisterRunnerRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		registered, err := service.RegisterRunner(r.Context(), req)
		if err != nil {
			logger.Error("runner register failed", "event", "runner_register_failed", "error", err)
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusCreated, registered)
	})

	mux.HandleFunc("/api/v1/runner/poll", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		runner, ok := authenticateRunner(w, r, service)
		if !ok {
			return
		}
		var msg protocol.Poll
		if err := decodeJSON(r, &msg); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		claimed, err := service.Claim(r.Context(), runner.ID, msg.Labels)
		if err != nil {
			logger.Error("poll failed", "event", "poll_failed", "error", err)
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if claimed == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, assignedMessage(claimed))
	})

	mux.HandleFunc("/api/v1/runner/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		runner, ok := authenticateRunner(w, r, service)
		if !ok {
			return
		}
		var msg protocol.Heartbeat
		if err := decodeJSON(r, &msg); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := service.RunnerHeartbeat(r.Context(), runner.ID, state.RunnerStatus(msg.Status)); err != nil {
			logger.Error("heartbeat failed", "event", "heartbeat_failed", "error", err)
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/api/v1/task/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		task, ok := authenticateTask(w, r, service)
		if !ok {
			return
		}
		var msg protocol.TaskStatusUpdate
		if err := decodeJSON(r, &msg); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := service.UpdateTaskStatus(r.Context(), task.ID, state.ParseStatus(msg.Status), msg.StoppedAt); err != nil {
			logger.Error("task status failed", "event", "task_status_failed", "error", err)
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/api/v1/task/step-status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		task, ok := authenticateTask(w, r, service)
		if !ok {
			return
		}
		var msg protocol.StepStatusUpdate
		if err := decodeJSON(r, &msg); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		err := service.UpdateStepStatus(r.Context(), task.ID, msg.StepIndex, state.ParseStatus(msg.Status), msg.StoppedAt, msg.Output)
		if err != nil {
			if errors.Is(err, state.ErrNotFound) {
				writeError(w, http.StatusNotFound, err)
				return
			}
			logger.Error("step status failed", "event", "step_status_failed", "error", err)
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/api/v1/task/logs", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			task, ok := authenticateTask(w, r, service)
			if !ok {
				return
			}
			var msg protocol.LogBatch
			if err := decodeJSON(r, &msg); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			appended, err := service.AppendLogs(r.Context(), task.ID, msg.StepIndex, msg.Lines)
			if err != nil {
				if errors.Is(err, state.ErrNotFound) {
					writeError(w, http.StatusNotFound, err)
					return
				}
				logger.Error("log append failed", "event", "log_append_failed", "error", err)
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			ack := protocol.LogAck{Type: "LogAck", StepIndex: msg.StepIndex, Count: len(appended)}
			if len(appended) > 0 {
				ack.FirstLine = appended[0].LineNumber
			}
			writeJSON(w, http.StatusOK, ack)
		case http.MethodGet:
			taskID, ok := queryID(w, r, "task_id")
			if !ok {
				return
			}
			filter := state.LogFilter{TaskID: taskID}
			if raw := r.URL.Query().Get("step_index"); raw != "" {
				index, err := strconv.Atoi(raw)
				if err != nil {
					writeError(w, http.StatusBadRequest, errors.New("step_index must be an integer"))
					return
				}
				filter.StepIndex = &index
			}
			if raw := r.URL.Query().Get("offset"); raw != "" {
				offset, err := strconv.ParseInt(raw, 10, 64)
				if err != nil {
					writeError(w, http.StatusBadRequest, errors.New("offset must be an integer"))
					return
				}
				filter.Offset = offset
			}
			if raw := r.URL.Query().Get("limit"); raw != "" {
				limit, err := strconv.Atoi(raw)
				if err != nil {
					writeError(w, http.StatusBadRequest, errors.New("limit must be an integer"))
					return
				}
				filter.Limit = limit
			}
			lines, err := service.ReadLogs(r.Context(), filter)
			if err != nil {
				logger.Error("log read failed", "event", "log_read_failed", "error", err)
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, lines)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	return mux
}

func assignedMessage(claimed *ClaimedTask) protocol.TaskAssigned {
	steps := make([]protocol.StepSpec, 0, len(claimed.Steps))
	for _, step := range claimed.Steps {
		steps = append(steps, protocol.StepSpec{Index: step.Index, Name: step.Name})
	}
	return protocol.TaskAssigned{
		Type:            "TaskAssigned",
		TaskID:          claimed.Task.ID,
		JobID:           claimed.Job.JobID,
		JobName:         claimed.Job.Name,
		Attempt:         claimed.Task.Attempt,
		Repo:            claimed.Task.Repo,
		CommitSHA:       claimed.Task.CommitSHA,
		WorkflowPath:    claimed.Task.WorkflowPath,
		WorkflowContent: claimed.Task.WorkflowContent,
		Steps:           steps,
		Token:           claimed.Token,
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(header, "Bearer ")
}

func authenticateRunner(w http.ResponseWriter, r *http.Request, service *Service) (state.Runner, bool) {
	runner, err := service.AuthenticateRunner(r.Context(), bearerToken(r))
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, errors.New("invalid runner token"))
			return state.Runner{}, false
		}
		writeError(w, http.StatusInternalServerError, err)
		return state.Runner{}, false
	}
	return runner, true
}

func authenticateTask(w http.ResponseWriter, r *http.Request, service *Service) (state.Task, bool) {
	task, err := service.AuthenticateTask(r.Context(), bearerToken(r))
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, errors.New("invalid task token"))
			return state.Task{}, false
		}
		writeError(w, http.StatusInternalServerError, err)
		return state.Task{}, false
	}
	return task, true
}

func queryID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		writeError(w, http.StatusBadRequest, errors.New(name+" is required"))
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New(name+" must be an integer"))
		return 0, false
	}
	return id, true
}

func decodeJSON(r *http.Request, target any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
