package core

import (
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripSchemaKey(t *testing.T) {
	raw := json.RawMessage(`{"$schema":"http://json-schema.org/draft-07/schema#","type":"object","properties":{"q":{"type":"string"}}}`)
	out := stripSchemaKey(raw)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &m))
	assert.NotContains(t, m, "$schema")
	assert.Equal(t, "object", m["type"])

	// Schemas without the key pass through unchanged.
	raw = json.RawMessage(`{"type":"object"}`)
	assert.Equal(t, raw, stripSchemaKey(raw))

	// Non-object input is left alone rather than corrupted.
	raw = json.RawMessage(`true`)
	assert.Equal(t, raw, stripSchemaKey(raw))
}

func TestToolToDecl(t *testing.T) {
	tool := mcp.NewTool("read_file",
		mcp.WithDescription("Read a file from disk"),
		mcp.WithString("path", mcp.Required(), mcp.Description("File path")),
	)
	decl, err := toolToDecl(&tool)
	require.NoError(t, err)
	assert.Equal(t, "read_file", decl.Name)
	assert.Equal(t, "Read a file from disk", decl.Description)

	var schema map[string]interface{}
	require.NoError(t, json.Unmarshal(decl.InputSchema, &schema))
	assert.Equal(t, "object", schema["type"])
	props, ok := schema["properties"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, props, "path")
}

func TestToolToDeclPrefersRawSchema(t *testing.T) {
	tool := mcp.Tool{
		Name:           "custom",
		RawInputSchema: json.RawMessage(`{"$schema":"x","type":"object","additionalProperties":false}`),
	}
	decl, err := toolToDecl(&tool)
	require.NoError(t, err)

	var schema map[string]interface{}
	require.NoError(t, json.Unmarshal(decl.InputSchema, &schema))
	assert.NotContains(t, schema, "$schema")
	assert.Equal(t, false, schema["additionalProperties"])
}
