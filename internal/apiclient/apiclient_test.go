package apiclient_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agent-coordinator/internal/apiclient"
	v1 "github.com/kandev/agent-coordinator/pkg/api/v1"
)

func TestRegisterSendsAuthHeaderAndDecodesResponse(t *testing.T) {
	var gotAuth, gotMethod, gotPath string
	var gotBody v1.RegisterRunnerRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotMethod = r.Method
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(v1.RegisterRunnerResponse{RunnerID: "run_1"})
	}))
	defer srv.Close()

	c := apiclient.New(srv.URL, "secret-key", 5*time.Second)
	resp, err := c.Register(context.Background(), &v1.RegisterRunnerRequest{Hostname: "box1", ExecutorType: "shell"})
	require.NoError(t, err)
	assert.Equal(t, "run_1", resp.RunnerID)
	assert.Equal(t, "Bearer secret-key", gotAuth)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/runner/register", gotPath)
	assert.Equal(t, "box1", gotBody.Hostname)
}

func TestPollBuildsQueryString(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(v1.PollResponse{})
	}))
	defer srv.Close()

	c := apiclient.New(srv.URL, "", 5*time.Second)
	_, err := c.Poll(context.Background(), &v1.PollRequest{RunnerID: "runner_1", ExecutorType: "shell", WaitSeconds: 5})
	require.NoError(t, err)
	assert.Contains(t, gotQuery, "runner_id=runner_1")
	assert.Contains(t, gotQuery, "wait=5")
}

func TestDoReturnsResponseErrorOnStructuredErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(v1.ErrorResponse{Error: "not_found", Message: "runner not found"})
	}))
	defer srv.Close()

	c := apiclient.New(srv.URL, "", 5*time.Second)
	err := c.Heartbeat(context.Background(), "missing-runner")
	require.Error(t, err)

	var respErr *apiclient.ResponseError
	require.ErrorAs(t, err, &respErr)
	assert.Equal(t, http.StatusNotFound, respErr.Status)
	assert.Equal(t, "not_found", respErr.Body.Error)
}

func TestReportCompletedSendsResultPayload(t *testing.T) {
	var gotBody v1.CompletedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := apiclient.New(srv.URL, "", 5*time.Second)
	err := c.ReportCompleted(context.Background(), "run_1", "runner_1", map[string]interface{}{"ok": true})
	require.NoError(t, err)
	assert.Equal(t, "runner_1", gotBody.RunnerID)
	assert.Equal(t, true, gotBody.Result["ok"])
}
