// Package core implements the MCP upstream adapter over the three mcp-go
// client transports (stdio, sse, streamable-http).
package core

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	uptransport "github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/zxerai/mcphub/internal/config"
	"github.com/zxerai/mcphub/internal/secureenv"
	"github.com/zxerai/mcphub/internal/transport"
	"github.com/zxerai/mcphub/internal/upstream/types"
)

const (
	clientName    = "mcphub"
	clientVersion = "1.0.0"

	methodNotificationProgress = "notifications/progress"
)

// Client is the MCP adapter for one upstream server.
type Client struct {
	cfg        *config.ServerConfig
	install    *config.InstallConfig
	envManager *secureenv.Manager
	logger     *zap.Logger

	mu        sync.Mutex
	client    *client.Client
	stdio     *uptransport.Stdio
	connected bool
	closed    bool

	serverInfo *mcp.InitializeResult

	notifyMu       sync.Mutex
	progressFn     func()
	toolsChangedFn func()
}

var _ types.Adapter = (*Client)(nil)
var _ types.ProgressNotifier = (*Client)(nil)

// NewClient creates an adapter for the server config. Connect must be called
// before any other operation.
func NewClient(cfg *config.ServerConfig, envManager *secureenv.Manager, install *config.InstallConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:        cfg,
		install:    install,
		envManager: envManager,
		logger:     logger.With(zap.String("server", cfg.Name)),
	}
}

// OnProgress registers a callback fired on upstream progress notifications.
func (c *Client) OnProgress(fn func()) {
	c.notifyMu.Lock()
	c.progressFn = fn
	c.notifyMu.Unlock()
}

// OnToolsChanged registers a callback fired on tools/list_changed.
func (c *Client) OnToolsChanged(fn func()) {
	c.notifyMu.Lock()
	c.toolsChangedFn = fn
	c.notifyMu.Unlock()
}

// Connect creates the transport, starts it, and performs the MCP handshake.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}
	if c.closed {
		return fmt.Errorf("adapter for %s is closed", c.cfg.Name)
	}

	var (
		mcpClient *client.Client
		stdio     *uptransport.Stdio
		err       error
	)
	switch c.cfg.EffectiveType() {
	case config.ServerTypeStdio:
		mcpClient, stdio, err = transport.CreateStdioClient(c.cfg, c.envManager, c.install)
	case config.ServerTypeSSE:
		mcpClient, err = transport.CreateSSEClient(c.cfg)
	case config.ServerTypeStreamableHTTP:
		mcpClient, err = transport.CreateStreamableHTTPClient(c.cfg)
	default:
		err = fmt.Errorf("unsupported transport type %q", c.cfg.EffectiveType())
	}
	if err != nil {
		return err
	}

	c.client = mcpClient
	c.stdio = stdio
	c.registerNotificationHandler()

	// Start with a persistent background context so the child process or
	// SSE stream outlives the connect call's deadline.
	if err := c.client.Start(context.Background()); err != nil {
		c.client = nil
		c.stdio = nil
		return fmt.Errorf("failed to start %s transport: %w", c.cfg.EffectiveType(), err)
	}

	// Drain stderr as soon as the child runs so startup errors are logged
	// even when the handshake below times out.
	if c.stdio != nil {
		if stderr := c.stdio.Stderr(); stderr != nil {
			go c.drainStderr(stderr)
		}
	}

	if err := c.initialize(ctx); err != nil {
		c.client.Close()
		c.client = nil
		c.stdio = nil
		return err
	}

	c.connected = true
	return nil
}

func (c *Client) initialize(ctx context.Context) error {
	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initRequest.Params.ClientInfo = mcp.Implementation{
		Name:    clientName,
		Version: clientVersion,
	}
	initRequest.Params.Capabilities = mcp.ClientCapabilities{}

	serverInfo, err := c.client.Initialize(ctx, initRequest)
	if err != nil {
		return fmt.Errorf("MCP handshake with %s failed: %w", c.cfg.Name, err)
	}
	c.serverInfo = serverInfo

	c.logger.Info("Connected to upstream server",
		zap.String("transport", string(c.cfg.EffectiveType())),
		zap.String("server_name", serverInfo.ServerInfo.Name),
		zap.String("server_version", serverInfo.ServerInfo.Version),
		zap.String("protocol_version", serverInfo.ProtocolVersion))
	return nil
}

func (c *Client) registerNotificationHandler() {
	c.client.OnNotification(func(n mcp.JSONRPCNotification) {
		switch n.Method {
		case methodNotificationProgress:
			c.notifyMu.Lock()
			fn := c.progressFn
			c.notifyMu.Unlock()
			if fn != nil {
				fn()
			}
		case string(mcp.MethodNotificationToolsListChanged):
			c.logger.Debug("Upstream reported tool list change")
			c.notifyMu.Lock()
			fn := c.toolsChangedFn
			c.notifyMu.Unlock()
			if fn != nil {
				fn()
			}
		default:
			c.logger.Debug("Ignoring upstream notification", zap.String("method", n.Method))
		}
	})
}

func (c *Client) drainStderr(r interface{ Read([]byte) (int, error) }) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line != "" {
			c.logger.Warn("upstream stderr", zap.String("line", line))
		}
	}
}

// ServerInfo returns the handshake result, or nil before Connect.
func (c *Client) ServerInfo() *mcp.InitializeResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

// ListTools fetches all tool declarations, following pagination cursors.
// The $schema key is stripped from input schemas on ingest.
func (c *Client) ListTools(ctx context.Context) ([]types.ToolDecl, error) {
	cl := c.session()
	if cl == nil {
		return nil, fmt.Errorf("not connected to %s", c.cfg.Name)
	}

	var decls []types.ToolDecl
	req := mcp.ListToolsRequest{}
	for {
		result, err := cl.ListTools(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("tools/list on %s failed: %w", c.cfg.Name, err)
		}
		for i := range result.Tools {
			decl, err := toolToDecl(&result.Tools[i])
			if err != nil {
				c.logger.Warn("Skipping tool with unusable schema",
					zap.String("tool", result.Tools[i].Name), zap.Error(err))
				continue
			}
			decls = append(decls, decl)
		}
		if result.NextCursor == "" {
			break
		}
		req.Params.Cursor = result.NextCursor
	}

	c.logger.Debug("Listed upstream tools", zap.Int("count", len(decls)))
	return decls, nil
}

func toolToDecl(tool *mcp.Tool) (types.ToolDecl, error) {
	raw, err := json.Marshal(tool.InputSchema)
	if err != nil {
		return types.ToolDecl{}, err
	}
	if len(tool.RawInputSchema) > 0 {
		raw = tool.RawInputSchema
	}
	raw = stripSchemaKey(raw)
	return types.ToolDecl{
		Name:        tool.Name,
		Description: tool.Description,
		InputSchema: raw,
	}, nil
}

// stripSchemaKey drops the "$schema" member; many downstream clients choke
// on draft mismatches.
func stripSchemaKey(raw json.RawMessage) json.RawMessage {
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return raw
	}
	if _, ok := m["$schema"]; !ok {
		return raw
	}
	delete(m, "$schema")
	out, err := json.Marshal(m)
	if err != nil {
		return raw
	}
	return out
}

// CallTool invokes a tool by its local name.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (*types.CallResult, error) {
	cl := c.session()
	if cl == nil {
		return nil, fmt.Errorf("not connected to %s", c.cfg.Name)
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	result, err := cl.CallTool(ctx, req)
	if err != nil {
		return nil, err
	}

	content := make([]interface{}, len(result.Content))
	for i, item := range result.Content {
		content[i] = item
	}
	return &types.CallResult{Content: content, IsError: result.IsError}, nil
}

// Ping probes the session.
func (c *Client) Ping(ctx context.Context) error {
	cl := c.session()
	if cl == nil {
		return fmt.Errorf("not connected to %s", c.cfg.Name)
	}
	return cl.Ping(ctx)
}

// Close tears down the transport. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.connected = false

	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	c.stdio = nil
	if err != nil {
		return fmt.Errorf("close %s: %w", c.cfg.Name, err)
	}
	return nil
}

func (c *Client) session() *client.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	return c.client
}
