package openapi

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
)

const contentTypeJSON = "application/json"

// buildOperation converts one path operation into a tool: name, description,
// and a JSON-schema input derived from its parameters and request body.
func buildOperation(method, path string, pathItem *openapi3.PathItem, op *openapi3.Operation) (*operation, error) {
	name := op.OperationID
	if name == "" {
		name = synthesizeName(method, path)
	}

	description := op.Summary
	if op.Description != "" {
		if description != "" {
			description += ". "
		}
		description += op.Description
	}
	if description == "" {
		description = fmt.Sprintf("%s %s", method, path)
	}

	properties := map[string]interface{}{}
	var required []string

	// Path-level parameters apply to every operation; operation-level ones
	// may override by name.
	params := append(openapi3.Parameters{}, pathItem.Parameters...)
	params = append(params, op.Parameters...)

	seen := map[string]bool{}
	var effective openapi3.Parameters
	for i := len(params) - 1; i >= 0; i-- {
		ref := params[i]
		if ref == nil || ref.Value == nil || seen[ref.Value.Name] {
			continue
		}
		seen[ref.Value.Name] = true
		effective = append(openapi3.Parameters{ref}, effective...)
	}

	for _, ref := range effective {
		p := ref.Value
		ps, err := schemaToMap(p.Schema)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", p.Name, err)
		}
		if p.Description != "" {
			ps["description"] = p.Description
		}
		properties[p.Name] = ps
		if p.Required {
			required = append(required, p.Name)
		}
	}

	built := &operation{
		name:        name,
		description: description,
		method:      method,
		path:        path,
		params:      effective,
	}

	if op.RequestBody != nil && op.RequestBody.Value != nil {
		if media, ok := op.RequestBody.Value.Content[contentTypeJSON]; ok && media != nil && media.Schema != nil {
			built.hasBody = true
			built.bodyProps = map[string]bool{}
			bodySchema, err := schemaToMap(media.Schema)
			if err != nil {
				return nil, fmt.Errorf("request body: %w", err)
			}
			if props, ok := bodySchema["properties"].(map[string]interface{}); ok {
				// Object bodies flatten into the tool's top-level arguments.
				for k, v := range props {
					if _, clash := properties[k]; clash {
						continue
					}
					properties[k] = v
					built.bodyProps[k] = true
				}
				if reqList, ok := bodySchema["required"].([]interface{}); ok {
					for _, r := range reqList {
						if s, ok := r.(string); ok && built.bodyProps[s] {
							required = append(required, s)
						}
					}
				}
			}
		}
	}

	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	built.inputSchema = raw
	return built, nil
}

func schemaToMap(ref *openapi3.SchemaRef) (map[string]interface{}, error) {
	if ref == nil || ref.Value == nil {
		return map[string]interface{}{"type": "string"}, nil
	}
	data, err := ref.Value.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	delete(m, "$schema")
	return m, nil
}

// synthesizeName derives a tool name for operations without an operationId,
// e.g. GET /users/{id} becomes get_users_id.
func synthesizeName(method, path string) string {
	cleaned := strings.NewReplacer("{", "", "}", "", "/", "_", "-", "_", ".", "_").Replace(path)
	cleaned = strings.Trim(cleaned, "_")
	if cleaned == "" {
		cleaned = "root"
	}
	return strings.ToLower(method) + "_" + cleaned
}
