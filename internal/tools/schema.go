package tools

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Schema is the wire shape the completion service expects for one tool.
type Schema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// InputSchema renders the tool's parameter tree as a JSON-schema object:
// top-level `type: object` with `properties` and `required`.
func (t *Tool) InputSchema() map[string]any {
	return objectSchema(t.Params, false)
}

func objectSchema(params map[string]*Param, open bool) map[string]any {
	properties := make(map[string]any, len(params))
	var required []string
	for _, name := range sortedKeys(params) {
		p := params[name]
		properties[name] = paramSchema(p)
		if p.Required {
			required = append(required, name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		sort.Strings(required)
		schema["required"] = required
	}
	if open {
		schema["additionalProperties"] = true
	}
	return schema
}

func paramSchema(p *Param) map[string]any {
	schema := map[string]any{"type": string(p.Type)}
	if p.Description != "" {
		schema["description"] = p.Description
	}
	if p.Default != nil {
		schema["default"] = p.Default
	}
	switch p.Type {
	case TypeObject:
		if len(p.Properties) > 0 {
			nested := objectSchema(p.Properties, p.Open)
			for k, v := range nested {
				schema[k] = v
			}
		}
	case TypeArray:
		if p.Items != nil {
			schema["items"] = paramSchema(p.Items)
		}
	case TypeString:
		if len(p.Enum) > 0 {
			schema["enum"] = p.Enum
		}
	}
	return schema
}

// compileSchema verifies an emitted input schema is valid JSON Schema. A
// declaration that fails to compile is a registration error, not a runtime
// surprise for the model.
func compileSchema(toolName string, schema map[string]any) error {
	payload, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("tool %s: marshal schema: %w", toolName, err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(toolName+".json", strings.NewReader(string(payload))); err != nil {
		return fmt.Errorf("tool %s: invalid schema: %w", toolName, err)
	}
	if _, err := compiler.Compile(toolName + ".json"); err != nil {
		return fmt.Errorf("tool %s: invalid schema: %w", toolName, err)
	}
	return nil
}

func sortedKeys(params map[string]*Param) []string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
