package paramresolve_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agent-coordinator/internal/paramresolve"
	v1 "github.com/kandev/agent-coordinator/pkg/api/v1"
)

func TestValidateAndResolveStage1SubstitutesKnownNamespaces(t *testing.T) {
	r := paramresolve.New()
	r.EnvLookup = func(name string) (string, bool) {
		if name == "HOME_DIR" {
			return "/home/agent", true
		}
		return "", false
	}

	bp := &v1.AgentBlueprint{
		Type:         v1.BlueprintAutonomous,
		SystemPrompt: "session=${runtime.session_id} home=${env.HOME_DIR}",
		Command:      []string{"claude", "--prompt", "${params.prompt}"},
	}

	params, resolved, err := r.ValidateAndResolveStage1(context.Background(), bp,
		map[string]interface{}{"prompt": "hello"}, nil, "ses_123")
	require.NoError(t, err)
	assert.Equal(t, "hello", params["prompt"])
	assert.Equal(t, "session=ses_123 home=/home/agent", resolved.SystemPrompt)
	assert.Equal(t, []string{"claude", "--prompt", "hello"}, resolved.Command)
}

func TestValidateAndResolveStage1LeavesRunnerPlaceholdersForStage2(t *testing.T) {
	r := paramresolve.New()
	bp := &v1.AgentBlueprint{
		Type:       v1.BlueprintAutonomous,
		MCPServers: map[string]interface{}{"gateway": "${runner.orchestrator_mcp_url}"},
	}

	_, resolved, err := r.ValidateAndResolveStage1(context.Background(), bp,
		map[string]interface{}{"prompt": "hi"}, nil, "ses_1")
	require.NoError(t, err)
	assert.Equal(t, "${runner.orchestrator_mcp_url}", resolved.MCPServers["gateway"])
}

func TestValidateAndResolveStage1RejectsMissingRequiredParam(t *testing.T) {
	r := paramresolve.New()
	bp := &v1.AgentBlueprint{Type: v1.BlueprintAutonomous}

	_, _, err := r.ValidateAndResolveStage1(context.Background(), bp, map[string]interface{}{}, nil, "ses_1")
	require.Error(t, err)
}

func TestValidateAndResolveStage1UnsetParamPlaceholderErrors(t *testing.T) {
	r := paramresolve.New()
	bp := &v1.AgentBlueprint{
		Type:    v1.BlueprintAutonomous,
		Command: []string{"${params.missing}"},
	}

	_, _, err := r.ValidateAndResolveStage1(context.Background(), bp,
		map[string]interface{}{"prompt": "hi"}, nil, "ses_1")
	require.Error(t, err)
}

func TestResolveStage2FillsOrchestratorMCPURL(t *testing.T) {
	bp := &v1.AgentBlueprint{
		MCPServers: map[string]interface{}{"gateway": "${runner.orchestrator_mcp_url}"},
	}

	resolved, err := paramresolve.ResolveStage2(bp, "http://127.0.0.1:7070/mcp")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:7070/mcp", resolved.MCPServers["gateway"])
}

func TestResolveStage2ErrorsOnUnresolvedToken(t *testing.T) {
	bp := &v1.AgentBlueprint{Command: []string{"${unresolved.token}"}}
	_, err := paramresolve.ResolveStage2(bp, "http://127.0.0.1:7070/mcp")
	require.Error(t, err)
}
