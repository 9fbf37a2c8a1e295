package catalog

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/triage-ai/palisade/services/agent_engine/internal/resilience"
)

// ArgumentValidator checks tool inputs against the tool's JSON Schema.
// Compiled schemas are cached per tool name.
type ArgumentValidator struct {
	compiled sync.Map // map[string]*jsonschema.Schema
}

func NewArgumentValidator() *ArgumentValidator {
	return &ArgumentValidator{}
}

// Validate returns a PermanentLogic error when input does not satisfy the
// tool's schema. Tools without a schema accept anything.
func (v *ArgumentValidator) Validate(def *ToolDefinition, input map[string]any) error {
	if def == nil || def.ArgumentSchema == nil {
		return nil
	}
	sch, err := v.schemaFor(def)
	if err != nil {
		return resilience.Wrap(resilience.CategoryPermanentSystem, err, "argument schema for "+def.Name)
	}

	// Round-trip through JSON so Go-typed inputs validate like wire inputs.
	argsBytes, err := json.Marshal(input)
	if err != nil {
		return resilience.Wrap(resilience.CategoryPermanentLogic, err, "arguments are not valid JSON")
	}
	var args any
	if err := json.Unmarshal(argsBytes, &args); err != nil {
		return resilience.Wrap(resilience.CategoryPermanentLogic, err, "arguments are not valid JSON")
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := sch.Validate(args); err != nil {
		return resilience.Wrap(resilience.CategoryPermanentLogic, err, "schema validation failed for "+def.Name)
	}
	return nil
}

func (v *ArgumentValidator) schemaFor(def *ToolDefinition) (*jsonschema.Schema, error) {
	if s, ok := v.compiled.Load(def.Name); ok {
		return s.(*jsonschema.Schema), nil
	}
	sch, err := compileSchema(def.ArgumentSchema)
	if err != nil {
		return nil, err
	}
	actual, _ := v.compiled.LoadOrStore(def.Name, sch)
	return actual.(*jsonschema.Schema), nil
}

func compileSchema(schema map[string]any) (*jsonschema.Schema, error) {
	schemaBytes, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("invalid argument_schema: %w", err)
	}
	var schemaObj any
	if err := json.Unmarshal(schemaBytes, &schemaObj); err != nil {
		return nil, fmt.Errorf("schema unmarshal error: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", schemaObj); err != nil {
		return nil, fmt.Errorf("schema compile error: %w", err)
	}
	sch, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("schema compile error: %w", err)
	}
	return sch, nil
}
