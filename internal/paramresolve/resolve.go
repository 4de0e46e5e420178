package paramresolve

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/kandev/agent-coordinator/internal/common/apperr"
	v1 "github.com/kandev/agent-coordinator/pkg/api/v1"
)

// placeholderPattern matches one ${namespace.key} token. Substitution is
// textual within string values and does not recurse into the
// replacement — a single pass per stage.
var placeholderPattern = regexp.MustCompile(`\$\{([a-zA-Z0-9_.]+)\}`)

// Resolver validates run parameters and performs stage-1 placeholder
// resolution. EnvLookup defaults to os.LookupEnv and is overridable for
// tests.
type Resolver struct {
	EnvLookup func(name string) (string, bool)
}

// New constructs a Resolver.
func New() *Resolver {
	return &Resolver{EnvLookup: os.LookupEnv}
}

// ValidateAndResolveStage1 validates params against bp's schema (the
// implicit autonomous schema if bp declares none), then returns a copy
// of bp with every templated field resolved against runtime/params/
// scope/env values. ${runner.*} tokens are left verbatim for stage 2.
func (r *Resolver) ValidateAndResolveStage1(ctx context.Context, bp *v1.AgentBlueprint, params map[string]interface{},
	scope map[string]interface{}, sessionID string) (map[string]interface{}, *v1.AgentBlueprint, error) {
	schema := bp.ParametersSchema
	if schema == nil && bp.Type == v1.BlueprintAutonomous {
		schema = v1.ImplicitAutonomousSchema
	}
	if err := validate(schema, params); err != nil {
		return nil, nil, err
	}

	lookup := func(token string) (string, bool, error) {
		ns, key, found := strings.Cut(token, ".")
		if !found {
			return "", false, fmt.Errorf("placeholder %q is missing a namespace", token)
		}
		switch ns {
		case "runtime":
			if key == "session_id" {
				return sessionID, true, nil
			}
			return "", false, fmt.Errorf("unknown runtime placeholder %q", token)
		case "params":
			v, ok := params[key]
			if !ok {
				return "", false, fmt.Errorf("placeholder %q references an unset parameter", token)
			}
			return stringify(v), true, nil
		case "scope":
			v, ok := scope[key]
			if !ok {
				return "", false, fmt.Errorf("placeholder %q references an unset scope value", token)
			}
			return stringify(v), true, nil
		case "env":
			v, ok := r.EnvLookup(key)
			if !ok {
				return "", false, fmt.Errorf("placeholder %q references an unset environment variable", token)
			}
			return v, true, nil
		case "runner":
			// Reserved for stage 2; left verbatim here.
			return "", false, nil
		default:
			return "", false, fmt.Errorf("unknown placeholder namespace %q", ns)
		}
	}

	resolvedBP := *bp
	mcp, err := resolveValue(bp.MCPServers, lookup)
	if err != nil {
		return nil, nil, apperr.BadRequest(err.Error())
	}
	if m, ok := mcp.(map[string]interface{}); ok {
		resolvedBP.MCPServers = m
	} else if mcp == nil {
		resolvedBP.MCPServers = nil
	}

	if bp.SystemPrompt != "" {
		prompt, err := resolveString(bp.SystemPrompt, lookup)
		if err != nil {
			return nil, nil, apperr.BadRequest(err.Error())
		}
		resolvedBP.SystemPrompt = prompt
	}

	if len(bp.Command) > 0 {
		cmd := make([]string, len(bp.Command))
		for i, arg := range bp.Command {
			resolved, err := resolveString(arg, lookup)
			if err != nil {
				return nil, nil, apperr.BadRequest(err.Error())
			}
			cmd[i] = resolved
		}
		resolvedBP.Command = cmd
	}

	return params, &resolvedBP, nil
}

// ResolveStage2 performs the runner-side second walk: it replaces
// ${runner.orchestrator_mcp_url} with mcpURL and errors if any other
// placeholder remains unresolved (stage 1 should have concretized
// everything else before the run reached the runner).
func ResolveStage2(bp *v1.AgentBlueprint, mcpURL string) (*v1.AgentBlueprint, error) {
	lookup := func(token string) (string, bool, error) {
		ns, key, found := strings.Cut(token, ".")
		if !found || ns != "runner" {
			return "", false, fmt.Errorf("placeholder %q should have been resolved before reaching the runner", token)
		}
		if key != "orchestrator_mcp_url" {
			return "", false, fmt.Errorf("unknown runner placeholder %q", token)
		}
		return mcpURL, true, nil
	}

	resolved := *bp
	mcp, err := resolveValue(bp.MCPServers, lookup)
	if err != nil {
		return nil, err
	}
	if m, ok := mcp.(map[string]interface{}); ok {
		resolved.MCPServers = m
	}
	if bp.SystemPrompt != "" {
		if resolved.SystemPrompt, err = resolveString(bp.SystemPrompt, lookup); err != nil {
			return nil, err
		}
	}
	if len(bp.Command) > 0 {
		cmd := make([]string, len(bp.Command))
		for i, arg := range bp.Command {
			if cmd[i], err = resolveString(arg, lookup); err != nil {
				return nil, err
			}
		}
		resolved.Command = cmd
	}
	return &resolved, nil
}

// resolveValue walks v (maps and slices) substituting placeholders
// within every string leaf; it does not recurse into a string's own
// replacement.
func resolveValue(v interface{}, lookup func(string) (string, bool, error)) (interface{}, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, sub := range val {
			resolved, err := resolveValue(sub, lookup)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, sub := range val {
			resolved, err := resolveValue(sub, lookup)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	case string:
		return resolveString(val, lookup)
	default:
		return v, nil
	}
}

func resolveString(s string, lookup func(string) (string, bool, error)) (string, error) {
	var firstErr error
	out := placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}
		token := placeholderPattern.FindStringSubmatch(match)[1]
		replacement, ok, err := lookup(token)
		if err != nil {
			firstErr = err
			return match
		}
		if !ok {
			return match // reserved ${runner.*} namespace, left for stage 2
		}
		return replacement
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

func stringify(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
