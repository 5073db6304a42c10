// Package claude translates between the Anthropic Messages API spoken
// by clients and the Antigravity generateContent wire format, including
// tool schema coercion, tool-call argument repair and the streaming
// event bridge.
package claude

import (
	"encoding/json"
	"fmt"
)

// Keys the Antigravity schema validator rejects.
var forbiddenSchemaKeys = []string{"additionalProperties", "default", "$schema", "$id", "examples"}

// Formats the validator accepts on string properties.
var acceptedFormats = map[string]bool{
	"date-time": true,
	"enum":      true,
}

// CleanToolSchema coerces a client-declared JSON Schema into the subset
// Antigravity accepts. The top level must describe an object; anything
// else is a schema_invalid error surfaced as a 400 before any upstream
// call.
func CleanToolSchema(inputSchema []byte) ([]byte, error) {
	var schema map[string]any
	if len(inputSchema) > 0 {
		if err := json.Unmarshal(inputSchema, &schema); err != nil {
			return nil, fmt.Errorf("input_schema is not an object: %w", err)
		}
	}
	if schema == nil {
		schema = map[string]any{}
	}
	if t, ok := schema["type"].(string); ok && t != "object" {
		return nil, fmt.Errorf("input_schema top-level type must be object, got %q", t)
	}
	schema["type"] = "object"
	cleanSchemaNode(schema)
	if _, ok := schema["properties"]; !ok {
		schema["properties"] = map[string]any{}
	}
	return json.Marshal(schema)
}

func cleanSchemaNode(node map[string]any) {
	for _, key := range forbiddenSchemaKeys {
		delete(node, key)
	}

	if format, ok := node["format"].(string); ok && !acceptedFormats[format] {
		delete(node, "format")
	}

	if required, ok := node["required"].([]any); ok && len(required) == 0 {
		delete(node, "required")
	}

	if t, ok := node["type"].(string); ok && t == "object" {
		if _, ok = node["properties"]; !ok {
			node["properties"] = map[string]any{}
		}
	}

	if properties, ok := node["properties"].(map[string]any); ok {
		for _, property := range properties {
			if child, ok := property.(map[string]any); ok {
				cleanSchemaNode(child)
			}
		}
	}
	if items, ok := node["items"].(map[string]any); ok {
		cleanSchemaNode(items)
	}
	for _, combiner := range []string{"oneOf", "anyOf", "allOf"} {
		members, ok := node[combiner].([]any)
		if !ok {
			continue
		}
		for _, member := range members {
			if child, ok := member.(map[string]any); ok {
				cleanSchemaNode(child)
			}
		}
	}
}

// RequiredStrings returns the names of required properties declared as
// strings in a cleaned schema. Used by the argument repair heuristics.
func RequiredStrings(schema []byte) []string {
	var parsed struct {
		Required   []string                  `json:"required"`
		Properties map[string]map[string]any `json:"properties"`
	}
	if err := json.Unmarshal(schema, &parsed); err != nil {
		return nil
	}
	out := make([]string, 0, len(parsed.Required))
	for _, name := range parsed.Required {
		property, ok := parsed.Properties[name]
		if !ok {
			continue
		}
		if t, _ := property["type"].(string); t == "" || t == "string" {
			out = append(out, name)
		}
	}
	return out
}
