package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/plue-dev/plue-flow/protocol"
)

// HTTPClient speaks the runner protocol against an orchestrator. The runner
// token authenticates registration-scoped calls; each claimed task carries
// its own token for task-scoped calls.
type HTTPClient struct {
	baseURL     string
	runnerToken string
	client      *http.Client
}

func NewHTTPClient(baseURL, runnerToken string) *HTTPClient {
	return &HTTPClient{
		baseURL:     baseURL,
		runnerToken: runnerToken,
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// Poll asks for work. A nil result means nothing was available.
func (c *HTTPClient) Poll(ctx context.Context, labels []string) (*protocol.TaskAssigned, error) {
	msg := protocol.Poll{Type: "Poll", Labels: labels}
	resp, err := c.post(ctx, "/api/v1/runner/poll", c.runnerToken, msg)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
		var assigned protocol.TaskAssigned
		if err := json.NewDecoder(resp.Body).Decode(&assigned); err != nil {
			return nil, fmt.Errorf("decode assignment: %w", err)
		}
		return &assigned, nil
	default:
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
}

func (c *HTTPClient) Heartbeat(ctx context.Context, status string) error {
	msg := protocol.Heartbeat{Type: "Heartbeat", Status: status, TS: time.Now().UTC()}
	return c.postOK(ctx, "/api/v1/runner/heartbeat", c.runnerToken, msg)
}

func (c *HTTPClient) UpdateTaskStatus(ctx context.Context, taskToken string, msg protocol.TaskStatusUpdate) error {
	msg.Type = "TaskStatusUpdate"
	return c.postOK(ctx, "/api/v1/task/status", taskToken, msg)
}

func (c *HTTPClient) UpdateStepStatus(ctx context.Context, taskToken string, msg protocol.StepStatusUpdate) error {
	msg.Type = "StepStatusUpdate"
	return c.postOK(ctx, "/api/v1/task/step-status", taskToken, msg)
}

// AppendLogs sends a batch of lines for one step and returns the numbering
// the orchestrator assigned.
func (c *HTTPClient) AppendLogs(ctx context.Context, taskToken string, stepIndex int, lines []string) (protocol.LogAck, error) {
	msg := protocol.LogBatch{Type: "LogBatch", StepIndex: stepIndex, Lines: lines}
	resp, err := c.post(ctx, "/api/v1/task/logs", taskToken, msg)
	if err != nil {
		return protocol.LogAck{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return protocol.LogAck{}, fmt.Errorf("unexpected status %s", resp.Status)
	}
	var ack protocol.LogAck
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return protocol.LogAck{}, fmt.Errorf("decode log ack: %w", err)
	}
	return ack, nil
}

func (c *HTTPClient) postOK(ctx context.Context, path, token string, payload any) error {
	resp, err := c.post(ctx, path, token, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return nil
}

func (c *HTTPClient) post(ctx context.Context, path, token string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	return c.client.Do(req)
}
