package config

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	defaultListen = ":3000"

	// DefaultCallTimeout bounds a downstream call-tool when the server
	// config carries no options.timeout.
	DefaultCallTimeout = 60 * time.Second

	// DefaultInitTimeout bounds the very first connect attempt of a server.
	DefaultInitTimeout = 60 * time.Second

	// DefaultKeepAliveInterval is the SSE ping period when the server
	// config carries no keepAliveInterval.
	DefaultKeepAliveInterval = 60 * time.Second
)

// ServerType identifies the upstream transport variant.
type ServerType string

const (
	ServerTypeStdio          ServerType = "stdio"
	ServerTypeSSE            ServerType = "sse"
	ServerTypeStreamableHTTP ServerType = "streamable-http"
	ServerTypeOpenAPI        ServerType = "openapi"
)

// Config is the hub bootstrap configuration (flags/env), as opposed to the
// Settings document which is the persisted, mutable state.
type Config struct {
	Listen       string `json:"listen" mapstructure:"listen"`
	DataDir      string `json:"data_dir" mapstructure:"data-dir"`
	SettingsPath string `json:"settings_path" mapstructure:"settings"`
	HubName      string `json:"hub_name" mapstructure:"hub-name"`

	// Logging configuration
	Logging *LogConfig `json:"logging,omitempty" mapstructure:"logging"`
}

// LogConfig represents logging configuration.
type LogConfig struct {
	Level         string `json:"level" mapstructure:"level"`
	EnableFile    bool   `json:"enable_file" mapstructure:"enable-file"`
	EnableConsole bool   `json:"enable_console" mapstructure:"enable-console"`
	Filename      string `json:"filename" mapstructure:"filename"`
	LogDir        string `json:"log_dir,omitempty" mapstructure:"log-dir"`
	MaxSize       int    `json:"max_size" mapstructure:"max-size"`       // MB
	MaxBackups    int    `json:"max_backups" mapstructure:"max-backups"` // files
	MaxAge        int    `json:"max_age" mapstructure:"max-age"`         // days
	Compress      bool   `json:"compress" mapstructure:"compress"`
	JSONFormat    bool   `json:"json_format" mapstructure:"json-format"`
}

// DefaultConfig returns a default bootstrap configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:  defaultListen,
		DataDir: "", // resolved to ~/.mcphub by the command layer
		HubName: "mcphub",
		Logging: &LogConfig{
			Level:         "info",
			EnableFile:    false,
			EnableConsole: true,
			Filename:      "main.log",
			MaxSize:       10,
			MaxBackups:    5,
			MaxAge:        30,
			Compress:      true,
			JSONFormat:    false,
		},
	}
}

// Validate fills defaults for zero-valued bootstrap fields.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.HubName == "" {
		c.HubName = "mcphub"
	}
	return nil
}

// ServerOptions tunes call behavior for one upstream server.
// Timeouts are milliseconds, matching the settings document.
type ServerOptions struct {
	Timeout                int64 `json:"timeout,omitempty"`
	ResetTimeoutOnProgress bool  `json:"resetTimeoutOnProgress,omitempty"`
	MaxTotalTimeout        int64 `json:"maxTotalTimeout,omitempty"`
}

// CallTimeout returns the per-call budget.
func (o *ServerOptions) CallTimeout() time.Duration {
	if o == nil || o.Timeout <= 0 {
		return DefaultCallTimeout
	}
	return time.Duration(o.Timeout) * time.Millisecond
}

// TotalTimeout returns the absolute upper bound, or zero when unbounded.
func (o *ServerOptions) TotalTimeout() time.Duration {
	if o == nil || o.MaxTotalTimeout <= 0 {
		return 0
	}
	return time.Duration(o.MaxTotalTimeout) * time.Millisecond
}

// ToolOverride is the per-tool enable/description overlay of a server config.
type ToolOverride struct {
	Enabled     *bool  `json:"enabled,omitempty"`
	Description string `json:"description,omitempty"`
}

// OpenAPISecurity selects how OpenAPI upstream calls authenticate.
type OpenAPISecurity struct {
	Type          string             `json:"type"` // none, apiKey, http, oauth2, openIdConnect
	APIKey        *APIKeyAuth        `json:"apiKey,omitempty"`
	HTTP          *HTTPAuth          `json:"http,omitempty"`
	OAuth2        *OAuth2Auth        `json:"oauth2,omitempty"`
	OpenIDConnect *OpenIDConnectAuth `json:"openIdConnect,omitempty"`
}

// APIKeyAuth injects a static key into the header, query or cookie.
type APIKeyAuth struct {
	Name  string `json:"name"`
	In    string `json:"in"` // header, query, cookie
	Value string `json:"value"`
}

// HTTPAuth covers basic/bearer/digest Authorization headers.
type HTTPAuth struct {
	Scheme      string `json:"scheme"` // basic, bearer, digest
	Credentials string `json:"credentials"`
}

// OAuth2Auth carries a pre-acquired bearer token.
type OAuth2Auth struct {
	Token string `json:"token"`
}

// OpenIDConnectAuth carries a discovery URL plus a pre-acquired token.
type OpenIDConnectAuth struct {
	URL   string `json:"url,omitempty"`
	Token string `json:"token"`
}

// OpenAPIConfig describes an OpenAPI upstream: a spec by URL or inline.
type OpenAPIConfig struct {
	URL      string           `json:"url,omitempty"`
	Schema   json.RawMessage  `json:"schema,omitempty"`
	Version  string           `json:"version,omitempty"`
	Security *OpenAPISecurity `json:"security,omitempty"`
}

// ServerConfig represents one configured upstream server. The name is the
// key of the mcpServers map and is filled in on load.
type ServerConfig struct {
	Name string     `json:"-"`
	Type ServerType `json:"type,omitempty"`

	// stdio
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	// sse / streamable-http
	URL               string            `json:"url,omitempty"`
	Headers           map[string]string `json:"headers,omitempty"`
	KeepAliveInterval int64             `json:"keepAliveInterval,omitempty"` // ms, SSE only

	// openapi
	OpenAPI *OpenAPIConfig `json:"openapi,omitempty"`

	Enabled *bool                   `json:"enabled,omitempty"` // default true
	Owner   string                  `json:"owner,omitempty"`
	Options *ServerOptions          `json:"options,omitempty"`
	Tools   map[string]ToolOverride `json:"tools,omitempty"`
}

// IsEnabled reports the effective enabled flag (default true).
func (s *ServerConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// EffectiveType resolves the transport variant, inferring it when absent:
// a command means stdio, a URL means streamable-http.
func (s *ServerConfig) EffectiveType() ServerType {
	if s.Type != "" {
		return s.Type
	}
	if s.OpenAPI != nil {
		return ServerTypeOpenAPI
	}
	if s.Command != "" {
		return ServerTypeStdio
	}
	return ServerTypeStreamableHTTP
}

// KeepAlive returns the SSE ping period.
func (s *ServerConfig) KeepAlive() time.Duration {
	if s.KeepAliveInterval <= 0 {
		return DefaultKeepAliveInterval
	}
	return time.Duration(s.KeepAliveInterval) * time.Millisecond
}

// ToolEnabled reports whether the local tool passes this server's overlay.
func (s *ServerConfig) ToolEnabled(local string) bool {
	ov, ok := s.Tools[local]
	if !ok || ov.Enabled == nil {
		return true
	}
	return *ov.Enabled
}

// ToolDescription returns the overridden description for the local tool.
func (s *ServerConfig) ToolDescription(local string) (string, bool) {
	ov, ok := s.Tools[local]
	if !ok || ov.Description == "" {
		return "", false
	}
	return ov.Description, true
}

// ToolsFilter is a group server ref's tool allow-list: "all" or a list of
// local tool names.
type ToolsFilter struct {
	All   bool
	Names []string
}

// MarshalJSON renders "all" or the name list.
func (f ToolsFilter) MarshalJSON() ([]byte, error) {
	if f.All {
		return json.Marshal("all")
	}
	if f.Names == nil {
		return json.Marshal([]string{})
	}
	return json.Marshal(f.Names)
}

// UnmarshalJSON accepts the string "all" or an array of local tool names.
func (f *ToolsFilter) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s != "all" {
			return fmt.Errorf("invalid tools filter %q", s)
		}
		f.All = true
		f.Names = nil
		return nil
	}
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return fmt.Errorf("invalid tools filter: %w", err)
	}
	f.All = false
	f.Names = names
	return nil
}

// Allows reports whether the local tool passes the filter.
func (f ToolsFilter) Allows(local string) bool {
	if f.All {
		return true
	}
	for _, n := range f.Names {
		if n == local {
			return true
		}
	}
	return false
}

// GroupServerRef names a member server of a group plus its tool allow-list.
// Legacy documents store bare server names; those normalize to tools:"all".
type GroupServerRef struct {
	Name  string      `json:"name"`
	Tools ToolsFilter `json:"tools"`
}

// UnmarshalJSON accepts either a bare server name or the full object form.
func (r *GroupServerRef) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		r.Name = name
		r.Tools = ToolsFilter{All: true}
		return nil
	}
	type alias GroupServerRef
	var a alias
	a.Tools = ToolsFilter{All: true}
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*r = GroupServerRef(a)
	return nil
}

// Group is a named subset of upstream servers.
type Group struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Owner       string           `json:"owner,omitempty"`
	Servers     []GroupServerRef `json:"servers"`
}

// User is carried through for the external auth collaborator; the hub itself
// only reads the owner attribute on configs.
type User struct {
	Username string `json:"username"`
	Password string `json:"password,omitempty"`
	IsAdmin  bool   `json:"isAdmin,omitempty"`
}

// RoutingConfig controls downstream endpoint exposure.
type RoutingConfig struct {
	EnableGlobalRoute    *bool  `json:"enableGlobalRoute,omitempty"`    // default true
	EnableGroupNameRoute *bool  `json:"enableGroupNameRoute,omitempty"` // default true
	EnableBearerAuth     bool   `json:"enableBearerAuth,omitempty"`
	BearerAuthKey        string `json:"bearerAuthKey,omitempty"`
	SkipAuth             bool   `json:"skipAuth,omitempty"`
}

// GlobalRouteEnabled reports the effective enableGlobalRoute flag.
func (r *RoutingConfig) GlobalRouteEnabled() bool {
	return r == nil || r.EnableGlobalRoute == nil || *r.EnableGlobalRoute
}

// GroupNameRouteEnabled reports the effective enableGroupNameRoute flag.
func (r *RoutingConfig) GroupNameRouteEnabled() bool {
	return r == nil || r.EnableGroupNameRoute == nil || *r.EnableGroupNameRoute
}

// InstallConfig configures package registries injected into stdio children.
type InstallConfig struct {
	PythonIndexURL string `json:"pythonIndexUrl,omitempty"`
	NpmRegistry    string `json:"npmRegistry,omitempty"`
	BaseURL        string `json:"baseUrl,omitempty"`
}

// SmartRoutingConfig configures the embedding backend for $smart discovery.
type SmartRoutingConfig struct {
	Enabled                 bool   `json:"enabled,omitempty"`
	DBURL                   string `json:"dbUrl,omitempty"`
	OpenAIAPIBaseURL        string `json:"openaiApiBaseUrl,omitempty"`
	OpenAIAPIKey            string `json:"openaiApiKey,omitempty"`
	OpenAIAPIEmbeddingModel string `json:"openaiApiEmbeddingModel,omitempty"`
}

// MCPRouterConfig is pass-through state for the mcprouter.to listing; the hub
// persists it but does not act on it.
type MCPRouterConfig struct {
	APIKey  string `json:"apiKey,omitempty"`
	Referer string `json:"referer,omitempty"`
	Title   string `json:"title,omitempty"`
	BaseURL string `json:"baseUrl,omitempty"`
}

// SystemConfig is the systemConfig section of the settings document.
type SystemConfig struct {
	Routing      *RoutingConfig      `json:"routing,omitempty"`
	Install      *InstallConfig      `json:"install,omitempty"`
	SmartRouting *SmartRoutingConfig `json:"smartRouting,omitempty"`
	MCPRouter    *MCPRouterConfig    `json:"mcpRouter,omitempty"`
}

// Settings is the persisted configuration document.
type Settings struct {
	MCPServers   map[string]*ServerConfig `json:"mcpServers"`
	Groups       []*Group                 `json:"groups"`
	Users        []*User                  `json:"users,omitempty"`
	SystemConfig *SystemConfig            `json:"systemConfig,omitempty"`
}

// DefaultSettings returns an empty but well-formed document.
func DefaultSettings() *Settings {
	return &Settings{
		MCPServers:   map[string]*ServerConfig{},
		Groups:       []*Group{},
		SystemConfig: &SystemConfig{},
	}
}

// Routing returns the routing section, never nil.
func (s *Settings) Routing() *RoutingConfig {
	if s.SystemConfig == nil || s.SystemConfig.Routing == nil {
		return &RoutingConfig{}
	}
	return s.SystemConfig.Routing
}

// Install returns the install section, never nil.
func (s *Settings) Install() *InstallConfig {
	if s.SystemConfig == nil || s.SystemConfig.Install == nil {
		return &InstallConfig{}
	}
	return s.SystemConfig.Install
}

// SmartRouting returns the smart routing section, never nil.
func (s *Settings) SmartRouting() *SmartRoutingConfig {
	if s.SystemConfig == nil || s.SystemConfig.SmartRouting == nil {
		return &SmartRoutingConfig{}
	}
	return s.SystemConfig.SmartRouting
}

// GroupByID returns the group with the given id.
func (s *Settings) GroupByID(id string) *Group {
	for _, g := range s.Groups {
		if g.ID == id {
			return g
		}
	}
	return nil
}

// GroupByName returns the group with the given name.
func (s *Settings) GroupByName(name string) *Group {
	for _, g := range s.Groups {
		if g.Name == name {
			return g
		}
	}
	return nil
}

// Clone deep-copies the document through its JSON form.
func (s *Settings) Clone() *Settings {
	data, err := json.Marshal(s)
	if err != nil {
		// Settings is plain data; marshal cannot fail for well-formed docs.
		panic(fmt.Sprintf("settings clone: %v", err))
	}
	var out Settings
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("settings clone: %v", err))
	}
	if out.MCPServers == nil {
		out.MCPServers = map[string]*ServerConfig{}
	}
	for name, sc := range out.MCPServers {
		sc.Name = name
	}
	return &out
}

// MarshalJSON keeps server names off the wire (they are map keys).
func (s *Settings) MarshalJSON() ([]byte, error) {
	type alias Settings
	return json.Marshal((*alias)(s))
}

// UnmarshalJSON fills each ServerConfig.Name from its map key.
func (s *Settings) UnmarshalJSON(data []byte) error {
	type alias Settings
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*s = Settings(a)
	if s.MCPServers == nil {
		s.MCPServers = map[string]*ServerConfig{}
	}
	for name, sc := range s.MCPServers {
		sc.Name = name
	}
	return nil
}
