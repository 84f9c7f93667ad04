// Package server exposes the aggregated downstream MCP endpoints: SSE and
// streamable HTTP per group selector, plus health and metrics.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/zxerai/mcphub/internal/catalog"
	"github.com/zxerai/mcphub/internal/config"
	"github.com/zxerai/mcphub/internal/groups"
	"github.com/zxerai/mcphub/internal/index"
	"github.com/zxerai/mcphub/internal/observability"
	"github.com/zxerai/mcphub/internal/storage"
	"github.com/zxerai/mcphub/internal/upstream"
)

const hubVersion = "1.0.0"

// Router owns one MCP server per downstream selector, built lazily on the
// first request and kept in sync with the catalog.
type Router struct {
	store    *config.Store
	registry *groups.Registry
	catalog  *catalog.Catalog
	manager  *upstream.Manager
	index    *index.Manager
	storage  *storage.Manager
	metrics  *observability.Metrics
	logger   *zap.Logger
	hubName  string

	mu      sync.Mutex
	routers map[string]*selectorRouter
}

// selectorRouter is the per-selector trio: the MCP server core plus its SSE
// and streamable HTTP frontends.
type selectorRouter struct {
	selector   string
	kind       groups.Kind
	mcp        *mcpserver.MCPServer
	sse        *mcpserver.SSEServer
	streamable *mcpserver.StreamableHTTPServer
}

// NewRouter creates the session router. index, storage and metrics may be nil.
func NewRouter(hubName string, store *config.Store, registry *groups.Registry, cat *catalog.Catalog, mgr *upstream.Manager, idx *index.Manager, st *storage.Manager, metrics *observability.Metrics, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	if hubName == "" {
		hubName = "mcphub"
	}
	return &Router{
		hubName:  hubName,
		store:    store,
		registry: registry,
		catalog:  cat,
		manager:  mgr,
		index:    idx,
		storage:  st,
		metrics:  metrics,
		logger:   logger,
		routers:  make(map[string]*selectorRouter),
	}
}

// Run keeps live selector routers synchronized with the catalog until ctx is
// cancelled. Each catalog change re-publishes tools to every router, which
// lets mcp-go notify downstream sessions with tools/list_changed.
func (r *Router) Run(ctx context.Context) {
	changes := r.catalog.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case <-changes:
			r.syncAll()
		}
	}
}

func (r *Router) syncAll() {
	r.mu.Lock()
	routers := make([]*selectorRouter, 0, len(r.routers))
	for _, sr := range r.routers {
		routers = append(routers, sr)
	}
	r.mu.Unlock()

	for _, sr := range routers {
		if err := r.syncTools(sr); err != nil {
			r.logger.Warn("failed to refresh selector tools",
				zap.String("selector", sr.selector), zap.Error(err))
			r.evict(sr.selector)
		}
	}
}

func (r *Router) evict(selector string) {
	r.mu.Lock()
	delete(r.routers, selector)
	r.mu.Unlock()
}

// routerFor resolves a selector and returns its router, building one on first
// use. Unknown selectors return NOT_FOUND from the registry.
func (r *Router) routerFor(selector string) (*selectorRouter, error) {
	r.mu.Lock()
	if sr, ok := r.routers[selector]; ok {
		r.mu.Unlock()
		return sr, nil
	}
	r.mu.Unlock()

	res, err := r.registry.Resolve(selector)
	if err != nil {
		return nil, err
	}

	sr := r.buildRouter(selector, res)
	if err := r.syncTools(sr); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.routers[selector]; ok {
		return existing, nil
	}
	r.routers[selector] = sr
	return sr, nil
}

func (r *Router) buildRouter(selector string, res *groups.Resolution) *selectorRouter {
	hooks := &mcpserver.Hooks{}
	hooks.AddOnRegisterSession(func(_ context.Context, session mcpserver.ClientSession) {
		if r.metrics != nil {
			r.metrics.SessionOpened()
		}
		r.logger.Info("downstream session opened",
			zap.String("selector", selector),
			zap.String("session_id", session.SessionID()))
	})
	hooks.AddOnUnregisterSession(func(_ context.Context, session mcpserver.ClientSession) {
		if r.metrics != nil {
			r.metrics.SessionClosed()
		}
		r.logger.Info("downstream session closed",
			zap.String("selector", selector),
			zap.String("session_id", session.SessionID()))
	})

	mcpSrv := mcpserver.NewMCPServer(
		r.displayName(selector, res.Kind),
		hubVersion,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithRecovery(),
		mcpserver.WithHooks(hooks),
	)

	messageEndpoint := "/messages"
	if selector != "" {
		messageEndpoint += "/" + selector
	}
	sse := mcpserver.NewSSEServer(mcpSrv,
		mcpserver.WithMessageEndpoint(messageEndpoint))
	streamable := mcpserver.NewStreamableHTTPServer(mcpSrv)

	return &selectorRouter{
		selector:   selector,
		kind:       res.Kind,
		mcp:        mcpSrv,
		sse:        sse,
		streamable: streamable,
	}
}

// displayName follows the selector shape: the bare hub name for the global
// route, hubName_<g> for a single server, hubName_<g>_group for a group.
func (r *Router) displayName(selector string, kind groups.Kind) string {
	name := r.hubName
	switch kind {
	case groups.KindGlobal:
		return name
	case groups.KindSmart:
		return name + "_smart"
	case groups.KindGroup:
		return name + "_" + selector + "_group"
	default:
		return name + "_" + selector
	}
}

// syncTools re-resolves the selector and republishes its tool set. SetTools
// replaces the whole list in one step, so sessions see a single
// tools/list_changed per effective change.
func (r *Router) syncTools(sr *selectorRouter) error {
	res, err := r.registry.Resolve(sr.selector)
	if err != nil {
		return err
	}

	if res.Kind == groups.KindSmart {
		sr.mcp.SetTools(r.smartTools(sr.selector)...)
		return nil
	}

	tools := r.catalog.ListForGroup(res, nil)
	serverTools := make([]mcpserver.ServerTool, 0, len(tools))
	for _, t := range tools {
		schema := t.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		serverTools = append(serverTools, mcpserver.ServerTool{
			Tool:    mcp.NewToolWithRawSchema(t.Name, t.Description, schema),
			Handler: r.callHandler(sr.selector),
		})
	}
	sr.mcp.SetTools(serverTools...)
	return nil
}

// callHandler dispatches a namespaced tool call for one selector. Upstream
// failures come back as isError results, never protocol errors.
func (r *Router) callHandler(selector string) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res, err := r.registry.Resolve(selector)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		info, err := r.catalog.Lookup(res, nil, request.Params.Name)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		return r.dispatch(ctx, info, request.GetArguments())
	}
}

// dispatch routes a resolved tool call through the connection supervisor and
// converts the result to the wire shape.
func (r *Router) dispatch(ctx context.Context, info *catalog.ToolInfo, args map[string]interface{}) (*mcp.CallToolResult, error) {
	result, err := r.manager.CallTool(ctx, info.Server, info.Local, args)
	if err != nil {
		r.logger.Warn("tool call failed",
			zap.String("tool", info.Name), zap.Error(err))
		return mcp.NewToolResultError(err.Error()), nil
	}
	return toCallToolResult(result.Content, result.IsError), nil
}

func toCallToolResult(content []interface{}, isError bool) *mcp.CallToolResult {
	out := make([]mcp.Content, 0, len(content))
	for _, item := range content {
		if c, ok := item.(mcp.Content); ok {
			out = append(out, c)
			continue
		}
		// Non-protocol content gets serialized as text.
		data, err := json.Marshal(item)
		if err != nil {
			out = append(out, mcp.NewTextContent(fmt.Sprintf("%v", item)))
			continue
		}
		out = append(out, mcp.NewTextContent(string(data)))
	}
	return &mcp.CallToolResult{
		Content: out,
		IsError: isError,
	}
}
