package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/zxerai/mcphub/internal/catalog"
	"github.com/zxerai/mcphub/internal/config"
	"github.com/zxerai/mcphub/internal/errs"
)

const (
	smartDefaultLimit = 10
	smartMaxLimit     = 100

	// These guidance strings steer the consuming LLM and are part of the
	// tool contract; tests pin them.
	smartNextSteps = "Review the returned tools and pick the one whose description matches your task. " +
		"Then invoke it with call_tool, passing the exact tool name from this result and the arguments " +
		"required by its inputSchema. If nothing fits, call search_tools again with a more specific query."
	smartUsage = "Results are ranked by similarity to your query; scores range from 0 to 1 and results " +
		"below the computed threshold were dropped. Namespaced tool names have the form <server>-<tool>."
)

// SmartThreshold picks the similarity cutoff for a query. Long or explicitly
// precise queries get a strict threshold; terse queries get a loose one.
func SmartThreshold(query string) float64 {
	lower := strings.ToLower(query)
	if strings.Contains(lower, "specific") || strings.Contains(lower, "exact") || len(query) > 30 {
		return 0.40
	}
	if len(query) < 10 || len(strings.Fields(query)) <= 2 {
		return 0.20
	}
	return 0.30
}

func clampLimit(limit int) int {
	if limit < 1 {
		return 1
	}
	if limit > smartMaxLimit {
		return smartMaxLimit
	}
	return limit
}

// smartTools builds the fixed two-tool discovery surface. Descriptions embed
// the currently reachable server names, so they are rebuilt on every catalog
// change.
func (r *Router) smartTools(selector string) []mcpserver.ServerTool {
	serverNames := strings.Join(r.catalog.Servers(), ", ")
	if serverNames == "" {
		serverNames = "none yet"
	}

	searchTool := mcp.NewTool("search_tools",
		mcp.WithDescription(fmt.Sprintf(
			"🔍 CALL THIS FIRST to discover relevant tools! Searches every tool exposed by the "+
				"connected upstream servers (currently: %s) using similarity search. Use natural "+
				"language to describe what you want to accomplish (e.g. 'create a GitHub repository', "+
				"'get weather for London'), then invoke the best match with call_tool using the exact "+
				"name from the results.", serverNames)),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Natural language description of what you want to accomplish. Be specific "+
				"about your task; vague one-word queries return loosely related tools."),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of tools to return (default: 10, max: 100)"),
		),
	)

	callTool := mcp.NewTool("call_tool",
		mcp.WithDescription(fmt.Sprintf(
			"Execute a tool discovered via search_tools. Use the exact tool name from search_tools "+
				"results (format: '<server>-<tool>', servers currently: %s). Call search_tools first "+
				"if you have not discovered tools yet.", serverNames)),
		mcp.WithString("toolName",
			mcp.Required(),
			mcp.Description("Tool name from search_tools results, e.g. 'github-create_repository'."),
		),
		mcp.WithObject("arguments",
			mcp.Description("Arguments object for the tool; consult the tool's inputSchema from "+
				"search_tools for the required fields."),
		),
	)

	return []mcpserver.ServerTool{
		{Tool: searchTool, Handler: r.handleSearchTools},
		{Tool: callTool, Handler: r.handleSmartCallTool(selector)},
	}
}

func (r *Router) handleSearchTools(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := request.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Missing required parameter 'query': %v", err)), nil
	}
	if r.index == nil {
		return mcp.NewToolResultError("tool search is not configured on this hub"), nil
	}

	limit := clampLimit(int(request.GetFloat("limit", smartDefaultLimit)))
	threshold := SmartThreshold(query)

	hits, err := r.index.Search(ctx, query, limit)
	if err != nil {
		r.logger.Error("tool search failed", zap.String("query", query), zap.Error(err))
		return mcp.NewToolResultError(fmt.Sprintf("Search failed: %v", err)), nil
	}

	res, err := r.registry.Resolve(config.SmartSelector)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	tools := make([]map[string]interface{}, 0, len(hits))
	for _, hit := range hits {
		if hit.Score < threshold {
			continue
		}
		// Re-check through the catalog so disabled tools never leak out of
		// a stale index.
		info, lookupErr := r.catalog.Lookup(res, nil, catalog.Namespaced(hit.Server, hit.Tool))
		if lookupErr != nil {
			continue
		}
		var schema map[string]interface{}
		if len(info.InputSchema) > 0 {
			if err := json.Unmarshal(info.InputSchema, &schema); err != nil {
				schema = nil
			}
		}
		if schema == nil {
			schema = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
		}
		tools = append(tools, map[string]interface{}{
			"name":        info.Name,
			"server":      info.Server,
			"description": info.Description,
			"inputSchema": schema,
			"score":       hit.Score,
		})
	}

	response := map[string]interface{}{
		"tools": tools,
		"metadata": map[string]interface{}{
			"query":        query,
			"threshold":    threshold,
			"totalResults": len(tools),
			"nextSteps":    smartNextSteps,
			"usage":        smartUsage,
		},
	}
	data, err := json.Marshal(response)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to serialize results: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// handleSmartCallTool resolves a discovered tool name and dispatches it.
// Bare local names without the server prefix resolve to the first visible
// server declaring that tool.
func (r *Router) handleSmartCallTool(_ string) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		toolName, err := request.RequireString("toolName")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Missing required parameter 'toolName': %v", err)), nil
		}

		var args map[string]interface{}
		if raw, ok := request.GetArguments()["arguments"]; ok {
			if m, ok := raw.(map[string]interface{}); ok {
				args = m
			}
		}

		res, err := r.registry.Resolve(config.SmartSelector)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		info, err := r.catalog.Lookup(res, nil, toolName)
		if err != nil && errs.Is(err, errs.NotFound) {
			for _, t := range r.catalog.ListForGroup(res, nil) {
				if t.Local == toolName {
					match := t
					info, err = &match, nil
					break
				}
			}
		}
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		return r.dispatch(ctx, info, args)
	}
}
