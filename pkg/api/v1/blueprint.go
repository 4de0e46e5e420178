package v1

// BlueprintType distinguishes an autonomous (LLM-driven) agent from a
// procedural (deterministic CLI) one.
type BlueprintType string

const (
	BlueprintAutonomous BlueprintType = "autonomous"
	BlueprintProcedural BlueprintType = "procedural"
)

// BlueprintSource records where an AgentBlueprint's definition lives.
type BlueprintSource string

const (
	BlueprintSourceFile   BlueprintSource = "file"   // coordinator-owned
	BlueprintSourceRunner BlueprintSource = "runner" // runner-owned
)

// AgentBlueprint is a named, reusable agent configuration.
type AgentBlueprint struct {
	Name             string                 `json:"name"`
	Type             BlueprintType          `json:"type"`
	Source           BlueprintSource        `json:"source"`
	Description      string                 `json:"description,omitempty"`
	SystemPrompt     string                 `json:"system_prompt,omitempty"`
	Command          []string               `json:"command,omitempty"`
	ParametersSchema map[string]interface{} `json:"parameters_schema,omitempty"`
	MCPServers       map[string]interface{} `json:"mcp_servers,omitempty"`

	// OwnerRunnerID is set when Source == BlueprintSourceRunner.
	OwnerRunnerID string `json:"owner_runner_id,omitempty"`
}

// ImplicitAutonomousSchema is the parameters_schema applied to autonomous
// agents that don't declare one of their own.
var ImplicitAutonomousSchema = map[string]interface{}{
	"type":     "object",
	"required": []interface{}{"prompt"},
	"properties": map[string]interface{}{
		"prompt": map[string]interface{}{
			"type":      "string",
			"minLength": float64(1),
		},
	},
}
