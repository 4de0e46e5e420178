// Package apiclient is the runner supervisor's HTTP client for the
// coordinator's API: registration, heartbeats, long-poll claims, and
// run status reports.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	v1 "github.com/kandev/agent-coordinator/pkg/api/v1"
)

// Client talks to one coordinator instance over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New constructs a Client. waitCeiling is the HTTP client timeout applied
// to every request, including the long-poll, so a slow network doesn't
// hang forever past the server's own deadline.
func New(baseURL, apiKey string, waitCeiling time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: waitCeiling,
		},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("apiclient: marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("apiclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("apiclient: %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("apiclient: read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr v1.ErrorResponse
		if jsonErr := json.Unmarshal(respBody, &apiErr); jsonErr == nil && apiErr.Error != "" {
			return &ResponseError{Status: resp.StatusCode, Body: apiErr}
		}
		return fmt.Errorf("apiclient: %s %s: status %d: %s", method, path, resp.StatusCode, string(respBody))
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("apiclient: decode response: %w", err)
	}
	return nil
}

// ResponseError wraps a structured error body the coordinator returned.
type ResponseError struct {
	Status int
	Body   v1.ErrorResponse
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("coordinator returned %d (%s): %s", e.Status, e.Body.Error, e.Body.Message)
}

// Register registers this runner with the coordinator.
func (c *Client) Register(ctx context.Context, req *v1.RegisterRunnerRequest) (*v1.RegisterRunnerResponse, error) {
	var resp v1.RegisterRunnerResponse
	if err := c.do(ctx, http.MethodPost, "/runner/register", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Heartbeat reports this runner as alive.
func (c *Client) Heartbeat(ctx context.Context, runnerID string) error {
	return c.do(ctx, http.MethodPost, "/runner/heartbeat", &v1.HeartbeatRequest{RunnerID: runnerID}, nil)
}

// Poll long-polls for a claimable run or queued stop commands.
func (c *Client) Poll(ctx context.Context, req *v1.PollRequest) (*v1.PollResponse, error) {
	var resp v1.PollResponse
	path := fmt.Sprintf("/runner/runs?runner_id=%s&executor_type=%s&executor_profile=%s&wait=%d",
		req.RunnerID, req.ExecutorType, req.ExecutorProfile, req.WaitSeconds)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ReportStarted tells the coordinator a claimed run began executing.
func (c *Client) ReportStarted(ctx context.Context, runID, runnerID, executorSessionID string) error {
	return c.do(ctx, http.MethodPost, "/runner/runs/"+runID+"/started",
		&v1.StartedRequest{RunnerID: runnerID, ExecutorSessionID: executorSessionID}, nil)
}

// ReportCompleted tells the coordinator a run finished successfully.
func (c *Client) ReportCompleted(ctx context.Context, runID, runnerID string, result map[string]interface{}) error {
	return c.do(ctx, http.MethodPost, "/runner/runs/"+runID+"/completed",
		&v1.CompletedRequest{RunnerID: runnerID, Result: result}, nil)
}

// ReportFailed tells the coordinator a run failed.
func (c *Client) ReportFailed(ctx context.Context, runID, runnerID, reason string) error {
	return c.do(ctx, http.MethodPost, "/runner/runs/"+runID+"/failed",
		&v1.FailedRequest{RunnerID: runnerID, Error: reason}, nil)
}

// ReportStopped tells the coordinator a run stopped in response to a
// stop command.
func (c *Client) ReportStopped(ctx context.Context, runID, runnerID, reason string) error {
	return c.do(ctx, http.MethodPost, "/runner/runs/"+runID+"/stopped",
		&v1.StoppedRequest{RunnerID: runnerID, Reason: reason}, nil)
}

// AppendEvent appends one event to a session's log on behalf of the
// executor subprocess, which has no coordinator credentials of its own.
func (c *Client) AppendEvent(ctx context.Context, sessionID string, req *v1.AppendEventRequest) error {
	return c.do(ctx, http.MethodPost, "/sessions/"+sessionID+"/events", req, nil)
}

// GetSession fetches a session, used by the MCP gateway to resolve the
// calling session's name for callback registration.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*v1.Session, error) {
	var resp v1.Session
	if err := c.do(ctx, http.MethodGet, "/sessions/"+sessionID, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateRun forwards an MCP-triggered child run creation to the
// coordinator, used by the embedded MCP gateway's spawn_agent tool.
func (c *Client) CreateRun(ctx context.Context, req *v1.CreateRunRequest) (*v1.CreateRunResponse, error) {
	var resp v1.CreateRunResponse
	if err := c.do(ctx, http.MethodPost, "/runs", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
