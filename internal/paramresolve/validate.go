// Package paramresolve validates run parameters against a blueprint's
// JSON-Schema and performs the two-stage placeholder resolution
// described by the run queue's agent-blueprint contract.
package paramresolve

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/kandev/agent-coordinator/internal/common/apperr"
	v1 "github.com/kandev/agent-coordinator/pkg/api/v1"
)

// validate compiles schema and checks instance against it, surfacing a
// structured apperr.ValidationError (the full schema plus per-path
// issues) on failure so an AI caller can self-correct.
func validate(schema map[string]interface{}, instance map[string]interface{}) error {
	if schema == nil {
		return nil
	}

	raw, err := json.Marshal(schema)
	if err != nil {
		return apperr.Wrap(err, "marshal parameters schema")
	}
	var schemaDoc interface{}
	if err := json.Unmarshal(raw, &schemaDoc); err != nil {
		return apperr.Wrap(err, "decode parameters schema")
	}

	c := jsonschema.NewCompiler()
	// Draft-07's format keywords (uri, date-time, ...) are annotations
	// only by default; assert them so a malformed "url"-typed parameter
	// is actually rejected rather than silently accepted.
	c.AssertFormat = true
	if err := c.AddResource("params.json", schemaDoc); err != nil {
		return apperr.Wrap(err, "add schema resource")
	}
	compiled, err := c.Compile("params.json")
	if err != nil {
		return apperr.Wrap(err, "compile parameters schema")
	}

	instRaw, err := json.Marshal(instance)
	if err != nil {
		return apperr.Wrap(err, "marshal parameters")
	}
	var instDoc interface{}
	if err := json.Unmarshal(instRaw, &instDoc); err != nil {
		return apperr.Wrap(err, "decode parameters")
	}

	if verr := compiled.Validate(instDoc); verr != nil {
		issues := flattenValidationError(verr)
		return apperr.ValidationError(schema, issues)
	}
	return nil
}

// flattenValidationError walks a jsonschema validation error tree down
// to its leaves, producing one issue per leaf failure.
func flattenValidationError(err error) []v1.ValidationIssue {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []v1.ValidationIssue{{Message: err.Error()}}
	}

	var issues []v1.ValidationIssue
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			issues = append(issues, v1.ValidationIssue{
				Path:       "/" + strings.Join(e.InstanceLocation, "/"),
				Message:    e.Error(),
				SchemaPath: e.SchemaURL,
			})
			return
		}
		for _, cause := range e.Causes {
			walk(cause)
		}
	}
	walk(ve)
	if len(issues) == 0 {
		issues = append(issues, v1.ValidationIssue{Message: fmt.Sprintf("%v", err)})
	}
	return issues
}
