// Package catalog holds the effective, namespaced tool list aggregated from
// all upstream servers and applies the downstream filter layers.
package catalog

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/zxerai/mcphub/internal/config"
	"github.com/zxerai/mcphub/internal/errs"
	"github.com/zxerai/mcphub/internal/groups"
	"github.com/zxerai/mcphub/internal/index"
	upstreamtypes "github.com/zxerai/mcphub/internal/upstream/types"
)

// Separator joins server and local tool names into the namespaced form.
const Separator = "-"

// Namespaced returns the downstream-visible tool name.
func Namespaced(server, local string) string {
	return server + Separator + local
}

// ToolInfo is one tool as exposed downstream.
type ToolInfo struct {
	Name        string          `json:"name"` // namespaced
	Server      string          `json:"server"`
	Local       string          `json:"-"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// Scope optionally restricts which servers a viewer may see. A nil Scope
// sees everything.
type Scope interface {
	AllowServer(sc *config.ServerConfig) bool
}

// Catalog aggregates upstream tool declarations and serves filtered views.
type Catalog struct {
	store  *config.Store
	index  *index.Manager
	logger *zap.Logger

	mu    sync.RWMutex
	decls map[string][]upstreamtypes.ToolDecl // declaration order preserved
	subs  []chan struct{}
	subMu sync.Mutex
}

// New creates an empty catalog. The index manager may be nil.
func New(store *config.Store, idx *index.Manager, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{
		store:  store,
		index:  idx,
		logger: logger,
		decls:  make(map[string][]upstreamtypes.ToolDecl),
	}
}

// UpdateServer replaces a server's declarations and re-indexes its effective
// tools.
func (c *Catalog) UpdateServer(ctx context.Context, server string, decls []upstreamtypes.ToolDecl) {
	c.mu.Lock()
	c.decls[server] = decls
	c.mu.Unlock()

	c.reindexServer(ctx, server)
	c.notify()
	c.logger.Debug("catalog updated",
		zap.String("server", server), zap.Int("tools", len(decls)))
}

// RemoveServer drops a server's tools entirely.
func (c *Catalog) RemoveServer(ctx context.Context, server string) {
	c.mu.Lock()
	delete(c.decls, server)
	c.mu.Unlock()

	if c.index != nil {
		if err := c.index.RemoveServer(ctx, server); err != nil {
			c.logger.Warn("failed to remove server from index",
				zap.String("server", server), zap.Error(err))
		}
	}
	c.notify()
}

// RefreshOverlays re-applies config overlays (tool enable flags and
// description overrides) without new upstream declarations, e.g. after a
// settings mutation.
func (c *Catalog) RefreshOverlays(ctx context.Context) {
	c.mu.RLock()
	servers := make([]string, 0, len(c.decls))
	for s := range c.decls {
		servers = append(servers, s)
	}
	c.mu.RUnlock()

	for _, s := range servers {
		c.reindexServer(ctx, s)
	}
	c.notify()
}

func (c *Catalog) reindexServer(ctx context.Context, server string) {
	if c.index == nil {
		return
	}
	tools := c.effectiveServerTools(server)
	records := make([]index.Record, 0, len(tools))
	for _, t := range tools {
		records = append(records, index.Record{
			Server:      t.Server,
			Tool:        t.Local,
			Description: t.Description,
			ParamsJSON:  string(t.InputSchema),
		})
	}
	if err := c.index.UpdateServerTools(ctx, server, records); err != nil {
		c.logger.Warn("failed to re-index server tools",
			zap.String("server", server), zap.Error(err))
	}
}

// effectiveServerTools applies the server-level overlays: enabled flags and
// description overrides. Group filtering happens later in ListForGroup.
func (c *Catalog) effectiveServerTools(server string) []ToolInfo {
	settings := c.store.Get()
	sc, ok := settings.MCPServers[server]
	if !ok || !sc.IsEnabled() {
		return nil
	}

	c.mu.RLock()
	decls := c.decls[server]
	c.mu.RUnlock()

	tools := make([]ToolInfo, 0, len(decls))
	for _, d := range decls {
		if !sc.ToolEnabled(d.Name) {
			continue
		}
		desc := d.Description
		if override, ok := sc.ToolDescription(d.Name); ok {
			desc = override
		}
		tools = append(tools, ToolInfo{
			Name:        Namespaced(server, d.Name),
			Server:      server,
			Local:       d.Name,
			Description: desc,
			InputSchema: d.InputSchema,
		})
	}
	return tools
}

// ListForGroup returns the tools visible through a resolution, applying the
// filter layers in order: viewer scope, server enabled, group membership,
// per-tool enable overlay, group allow-list, description overlay. Servers
// are ordered lexically; tools keep declaration order within a server.
func (c *Catalog) ListForGroup(res *groups.Resolution, scope Scope) []ToolInfo {
	settings := c.store.Get()

	c.mu.RLock()
	servers := make([]string, 0, len(c.decls))
	for s := range c.decls {
		servers = append(servers, s)
	}
	c.mu.RUnlock()
	sort.Strings(servers)

	var out []ToolInfo
	for _, server := range servers {
		sc, ok := settings.MCPServers[server]
		if !ok {
			continue
		}
		if scope != nil && !scope.AllowServer(sc) {
			continue
		}
		filter, member := res.Member(server)
		if !member {
			continue
		}
		for _, t := range c.effectiveServerTools(server) {
			if !filter.Allows(t.Local) {
				continue
			}
			out = append(out, t)
		}
	}
	return out
}

// Lookup finds a single namespaced tool within a resolution, enforcing the
// same filter layers. FORBIDDEN means the tool exists but the resolution or
// overlays exclude it; NOT_FOUND means no such tool.
func (c *Catalog) Lookup(res *groups.Resolution, scope Scope, namespaced string) (*ToolInfo, error) {
	server, local, ok := c.ResolveName(namespaced)
	if !ok {
		return nil, errs.New(errs.NotFound, "unknown tool %q", namespaced)
	}

	settings := c.store.Get()
	sc := settings.MCPServers[server]
	if sc == nil {
		return nil, errs.New(errs.NotFound, "unknown tool %q", namespaced)
	}
	if scope != nil && !scope.AllowServer(sc) {
		return nil, errs.New(errs.Forbidden, "tool %q is not visible", namespaced)
	}
	if !sc.IsEnabled() {
		return nil, errs.New(errs.Forbidden, "server %q is disabled", server)
	}
	filter, member := res.Member(server)
	if !member {
		return nil, errs.New(errs.Forbidden, "server %q is not in this group", server)
	}
	if !sc.ToolEnabled(local) || !filter.Allows(local) {
		return nil, errs.New(errs.Forbidden, "tool %q is not allowed here", namespaced)
	}

	for _, t := range c.effectiveServerTools(server) {
		if t.Local == local {
			return &t, nil
		}
	}
	return nil, errs.New(errs.NotFound, "tool %q is not declared by %s", namespaced, server)
}

// ResolveName splits a namespaced tool name into server and local parts.
// Server names may themselves contain the separator, so the longest known
// server prefix wins.
func (c *Catalog) ResolveName(namespaced string) (server, local string, ok bool) {
	settings := c.store.Get()

	bestLen := -1
	for name := range settings.MCPServers {
		prefix := name + Separator
		if strings.HasPrefix(namespaced, prefix) && len(name) > bestLen {
			rest := namespaced[len(prefix):]
			if rest == "" {
				continue
			}
			server, local, ok = name, rest, true
			bestLen = len(name)
		}
	}
	return server, local, ok
}

// Subscribe returns a coalescing change signal: one pending notification at
// most, delivered after any catalog mutation.
func (c *Catalog) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	c.subMu.Lock()
	c.subs = append(c.subs, ch)
	c.subMu.Unlock()
	return ch
}

func (c *Catalog) notify() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Servers returns the names of servers with declarations, sorted.
func (c *Catalog) Servers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	servers := make([]string, 0, len(c.decls))
	for s := range c.decls {
		servers = append(servers, s)
	}
	sort.Strings(servers)
	return servers
}
