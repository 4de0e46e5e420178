package mcpgateway

import (
	"context"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agent-coordinator/internal/common/logger"
	v1 "github.com/kandev/agent-coordinator/pkg/api/v1"
)

type fakeRunCreator struct {
	createReq  *v1.CreateRunRequest
	createResp *v1.CreateRunResponse
	createErr  error

	getSessionID string
	session      *v1.Session
	getErr       error
}

func (f *fakeRunCreator) CreateRun(ctx context.Context, req *v1.CreateRunRequest) (*v1.CreateRunResponse, error) {
	f.createReq = req
	if f.createErr != nil {
		return nil, f.createErr
	}
	return f.createResp, nil
}

func (f *fakeRunCreator) GetSession(ctx context.Context, sessionID string) (*v1.Session, error) {
	f.getSessionID = sessionID
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.session, nil
}

func textOf(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content")
	return tc.Text
}

func callRequest(args map[string]interface{}) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = "spawn_agent"
	req.Params.Arguments = args
	return req
}

func TestSpawnAgentHandlerRejectsMissingSessionContext(t *testing.T) {
	fake := &fakeRunCreator{createResp: &v1.CreateRunResponse{RunID: "run_1", SessionID: "ses_1"}}
	g := New(0, fake, logger.Default())

	handler := spawnAgentHandler(g)
	result, err := handler(context.Background(), callRequest(map[string]interface{}{"agent_name": "coder"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, textOf(t, result), "missing calling session context")
}

func TestSpawnAgentHandlerRejectsMissingAgentName(t *testing.T) {
	fake := &fakeRunCreator{createResp: &v1.CreateRunResponse{RunID: "run_1", SessionID: "ses_1"}}
	g := New(0, fake, logger.Default())

	ctx := context.WithValue(context.Background(), sessionIDKey, "ses_parent")
	handler := spawnAgentHandler(g)
	result, err := handler(ctx, callRequest(map[string]interface{}{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, textOf(t, result), "agent_name is required")
}

func TestSpawnAgentHandlerFireAndForgetSkipsSessionLookup(t *testing.T) {
	fake := &fakeRunCreator{createResp: &v1.CreateRunResponse{RunID: "run_1", SessionID: "ses_child"}}
	g := New(0, fake, logger.Default())

	ctx := context.WithValue(context.Background(), sessionIDKey, "ses_parent")
	handler := spawnAgentHandler(g)
	result, err := handler(ctx, callRequest(map[string]interface{}{"agent_name": "coder", "prompt": "do work"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, textOf(t, result), "run_1")

	require.NotNil(t, fake.createReq)
	assert.Equal(t, "ses_parent", fake.createReq.ParentSessionID)
	assert.Equal(t, "coder", fake.createReq.AgentName)
	assert.Equal(t, "do work", fake.createReq.Prompt)
	assert.Empty(t, fake.getSessionID)
}

func TestSpawnAgentHandlerWithCallbackStrategyResolvesParentSession(t *testing.T) {
	fake := &fakeRunCreator{
		createResp: &v1.CreateRunResponse{RunID: "run_2", SessionID: "ses_child2"},
		session:    &v1.Session{ID: "ses_parent", Name: "parent-session", CreatedBy: "alice"},
	}
	g := New(0, fake, logger.Default())

	ctx := context.WithValue(context.Background(), sessionIDKey, "ses_parent")
	handler := spawnAgentHandler(g)
	result, err := handler(ctx, callRequest(map[string]interface{}{
		"agent_name": "reviewer", "prompt": "review this", "callback_strategy": "immediate",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	assert.Equal(t, "ses_parent", fake.getSessionID)
	require.NotNil(t, fake.createReq)
	assert.Equal(t, "parent-session", fake.createReq.ParentSessionName)
	assert.Equal(t, "alice", fake.createReq.CreatedBy)
	assert.Equal(t, v1.CallbackImmediate, fake.createReq.CallbackStrategy)
}

func TestSpawnAgentHandlerSurfacesCreateRunError(t *testing.T) {
	fake := &fakeRunCreator{createErr: assertErr("coordinator unavailable")}
	g := New(0, fake, logger.Default())

	ctx := context.WithValue(context.Background(), sessionIDKey, "ses_parent")
	handler := spawnAgentHandler(g)
	result, err := handler(ctx, callRequest(map[string]interface{}{"agent_name": "coder"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, textOf(t, result), "coordinator unavailable")
}

func TestGatewayStartAssignsPortAndURL(t *testing.T) {
	fake := &fakeRunCreator{}
	g := New(0, fake, logger.Default())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, g.Start(ctx))
	defer g.Stop(context.Background())

	assert.NotEmpty(t, g.URL())
	assert.Contains(t, g.URL(), "/mcp")
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
