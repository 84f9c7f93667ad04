package config

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zxerai/mcphub/internal/errs"
)

func TestEffectiveType(t *testing.T) {
	tests := []struct {
		name string
		cfg  ServerConfig
		want ServerType
	}{
		{"explicit stdio", ServerConfig{Type: ServerTypeStdio, Command: "uvx"}, ServerTypeStdio},
		{"inferred stdio", ServerConfig{Command: "npx"}, ServerTypeStdio},
		{"inferred streamable", ServerConfig{URL: "https://example.com/mcp"}, ServerTypeStreamableHTTP},
		{"explicit sse", ServerConfig{Type: ServerTypeSSE, URL: "https://example.com/sse"}, ServerTypeSSE},
		{"inferred openapi", ServerConfig{OpenAPI: &OpenAPIConfig{URL: "https://example.com/spec.json"}}, ServerTypeOpenAPI},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cfg.EffectiveType())
		})
	}
}

func TestToolsFilterJSON(t *testing.T) {
	var f ToolsFilter
	require.NoError(t, json.Unmarshal([]byte(`"all"`), &f))
	assert.True(t, f.All)
	assert.True(t, f.Allows("anything"))

	require.NoError(t, json.Unmarshal([]byte(`["read_file","write_file"]`), &f))
	assert.False(t, f.All)
	assert.True(t, f.Allows("read_file"))
	assert.False(t, f.Allows("delete_file"))

	out, err := json.Marshal(ToolsFilter{All: true})
	require.NoError(t, err)
	assert.JSONEq(t, `"all"`, string(out))

	assert.Error(t, json.Unmarshal([]byte(`"some"`), &f))
}

func TestGroupServerRefAcceptsBareName(t *testing.T) {
	var g Group
	doc := `{"name":"dev","servers":["fs",{"name":"web","tools":["fetch"]}]}`
	require.NoError(t, json.Unmarshal([]byte(doc), &g))
	require.Len(t, g.Servers, 2)
	assert.Equal(t, "fs", g.Servers[0].Name)
	assert.True(t, g.Servers[0].Tools.All)
	assert.Equal(t, "web", g.Servers[1].Name)
	assert.True(t, g.Servers[1].Tools.Allows("fetch"))
	assert.False(t, g.Servers[1].Tools.Allows("browse"))
}

func TestSettingsRoundTripFillsServerNames(t *testing.T) {
	doc := `{"mcpServers":{"fs":{"command":"npx","args":["-y","server-fs"]}}}`
	var s Settings
	require.NoError(t, json.Unmarshal([]byte(doc), &s))
	require.Contains(t, s.MCPServers, "fs")
	assert.Equal(t, "fs", s.MCPServers["fs"].Name)

	clone := s.Clone()
	assert.Equal(t, "fs", clone.MCPServers["fs"].Name)

	// Clone is deep: mutating the copy leaves the original untouched.
	clone.MCPServers["fs"].Command = "uvx"
	assert.Equal(t, "npx", s.MCPServers["fs"].Command)
}

func TestValidateServerTypes(t *testing.T) {
	tests := []struct {
		name    string
		servers map[string]*ServerConfig
		wantErr bool
	}{
		{"stdio ok", map[string]*ServerConfig{"a": {Command: "npx"}}, false},
		{"stdio missing command", map[string]*ServerConfig{"a": {Type: ServerTypeStdio}}, true},
		{"sse missing url", map[string]*ServerConfig{"a": {Type: ServerTypeSSE}}, true},
		{"openapi missing spec", map[string]*ServerConfig{"a": {Type: ServerTypeOpenAPI}}, true},
		{"unknown type", map[string]*ServerConfig{"a": {Type: "grpc", URL: "x"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultSettings()
			s.MCPServers = tt.servers
			err := s.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errs.Is(err, errs.ConfigInvalid))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateGroups(t *testing.T) {
	s := DefaultSettings()
	s.Groups = []*Group{
		{ID: "g1", Name: "dev"},
		{ID: "g1", Name: "prod"},
	}
	assert.True(t, errs.Is(s.Validate(), errs.ConfigInvalid))

	s.Groups = []*Group{
		{ID: "g1", Name: "dev"},
		{ID: "g2", Name: "dev"},
	}
	assert.True(t, errs.Is(s.Validate(), errs.ConfigInvalid))

	s.Groups = []*Group{{ID: "g1", Name: SmartSelector}}
	assert.True(t, errs.Is(s.Validate(), errs.ConfigInvalid))
}

func TestValidateSmartRouting(t *testing.T) {
	s := DefaultSettings()
	s.SystemConfig = &SystemConfig{SmartRouting: &SmartRoutingConfig{Enabled: true}}
	assert.True(t, errs.Is(s.Validate(), errs.ConfigInvalid))

	s.SystemConfig.SmartRouting.DBURL = "postgres://localhost/vec"
	assert.True(t, errs.Is(s.Validate(), errs.ConfigInvalid))

	s.SystemConfig.SmartRouting.OpenAIAPIKey = "sk-test"
	assert.NoError(t, s.Validate())
}

func TestNormalizePrunesDanglingRefs(t *testing.T) {
	s := DefaultSettings()
	s.MCPServers = map[string]*ServerConfig{"fs": {Command: "npx"}}
	s.Groups = []*Group{{Name: "dev", Servers: []GroupServerRef{
		{Name: "fs", Tools: ToolsFilter{All: true}},
		{Name: "gone", Tools: ToolsFilter{All: true}},
	}}}
	require.NoError(t, s.Validate())
	s.Normalize()

	require.Len(t, s.Groups[0].Servers, 1)
	assert.Equal(t, "fs", s.Groups[0].Servers[0].Name)
	assert.NotEmpty(t, s.Groups[0].ID)
}

func TestServerOptionTimeouts(t *testing.T) {
	var o *ServerOptions
	assert.Equal(t, DefaultCallTimeout, o.CallTimeout())
	assert.Zero(t, o.TotalTimeout())

	o = &ServerOptions{Timeout: 1500, MaxTotalTimeout: 10000}
	assert.Equal(t, "1.5s", o.CallTimeout().String())
	assert.Equal(t, "10s", o.TotalTimeout().String())
}
