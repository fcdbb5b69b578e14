package orchestrator

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/plue-dev/plue-flow/protocol"
	"github.com/plue-dev/plue-flow/state/memory"
)

// mustTestServer starts a test server or skips if the sandbox disallows listening.
func mustTestServer(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()
	defer func() {
		if r := recover(); r != nil {
			t.Skipf("test server unavailable in sandbox: %v", r)
		}
	}()
	return httptest.NewServer(handler)
}

func postJSON(t *testing.T, url, token string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, target any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHTTPRunnerProtocolRoundTrip(t *testing.T) {
	service := newTestService(memory.NewStore())
	srv := mustTestServer(t, NewHTTPHandler(service, discardLogger()))
	if srv == nil {
		return
	}
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/api/v1/runner/register", "", RegisterRunnerRequest{
		Owner: "acme",
		Name:  "runner-1",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d, want 201", resp.StatusCode)
	}
	var registered RegisteredRunner
	decodeBody(t, resp, &registered)
	if registered.Token == "" {
		t.Fatal("register must return the raw runner token")
	}

	resp = postJSON(t, srv.URL+"/api/v1/runner/poll", registered.Token, protocol.Poll{Type: "Poll"})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("empty poll status = %d, want 204", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/api/v1/runs", "", CreateRunRequest{
		Repo: "acme/app",
		Jobs: []JobSpec{{JobID: "build", Steps: []string{"compile"}}},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create run status = %d, want 201", resp.StatusCode)
	}
	var details RunDetails
	decodeBody(t, resp, &details)

	resp = postJSON(t, srv.URL+"/api/v1/runner/poll", registered.Token, protocol.Poll{Type: "Poll"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("poll status = %d, want 200", resp.StatusCode)
	}
	var assigned protocol.TaskAssigned
	decodeBody(t, resp, &assigned)
	if assigned.Token == "" {
		t.Fatal("assignment must carry the raw task token")
	}
	if assigned.JobID != "build" {
		t.Fatalf("assigned job = %q, want build", assigned.JobID)
	}

	resp = postJSON(t, srv.URL+"/api/v1/task/logs", assigned.Token, protocol.LogBatch{
		Type:  "LogBatch",
		Lines: []string{"hello", "world"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("log append status = %d, want 200", resp.StatusCode)
	}
	var ack protocol.LogAck
	decodeBody(t, resp, &ack)
	if ack.Count != 2 || ack.FirstLine != 0 {
		t.Fatalf("log ack = %+v, want count 2 from line 0", ack)
	}

	resp = postJSON(t, srv.URL+"/api/v1/task/step-status", assigned.Token, protocol.StepStatusUpdate{
		Type:   "StepStatusUpdate",
		Status: "success",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("step status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/api/v1/task/status", assigned.Token, protocol.TaskStatusUpdate{
		Type:   "TaskStatusUpdate",
		Status: "success",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("task status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	getResp, err := http.Get(srv.URL + "/api/v1/runs?run_id=" + strconv.FormatInt(details.Run.ID, 10))
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("run details status = %d, want 200", getResp.StatusCode)
	}
	var finished RunDetails
	decodeBody(t, getResp, &finished)
	if finished.Status.String() != "success" {
		t.Fatalf("final run status = %s, want success", finished.Status)
	}
}

func TestHTTPRejectsBadCredentials(t *testing.T) {
	service := newTestService(memory.NewStore())
	srv := mustTestServer(t, NewHTTPHandler(service, discardLogger()))
	if srv == nil {
		return
	}
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/api/v1/runner/poll", "bogus", protocol.Poll{Type: "Poll"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bogus token status = %d, want 401", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/api/v1/runner/poll", "", protocol.Poll{Type: "Poll"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token status = %d, want 401", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/api/v1/task/status", "bogus", protocol.TaskStatusUpdate{
		Type:   "TaskStatusUpdate",
		Status: "success",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bogus task token status = %d, want 401", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestHTTPRejectsUnknownFields(t *testing.T) {
	service := newTestService(memory.NewStore())
	srv := mustTestServer(t, NewHTTPHandler(service, discardLogger()))
	if srv == nil {
		return
	}
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/api/v1/runs", "", map[string]any{
		"repo":     "acme/app",
		"surprise": true,
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown field status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}
