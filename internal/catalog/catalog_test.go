package catalog

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/zxerai/mcphub/internal/config"
	"github.com/zxerai/mcphub/internal/errs"
	"github.com/zxerai/mcphub/internal/groups"
	upstreamtypes "github.com/zxerai/mcphub/internal/upstream/types"
)

func testStore(t *testing.T) *config.Store {
	t.Helper()
	store := config.NewStore(filepath.Join(t.TempDir(), "settings.json"), nil)
	require.NoError(t, store.Load())
	return store
}

func addServer(t *testing.T, store *config.Store, name string, mutate func(*config.ServerConfig)) {
	t.Helper()
	_, err := store.Mutate(func(doc *config.Settings) error {
		sc := &config.ServerConfig{Command: "npx"}
		if mutate != nil {
			mutate(sc)
		}
		doc.MCPServers[name] = sc
		return nil
	})
	require.NoError(t, err)
}

func decls(names ...string) []upstreamtypes.ToolDecl {
	out := make([]upstreamtypes.ToolDecl, len(names))
	for i, n := range names {
		out[i] = upstreamtypes.ToolDecl{
			Name:        n,
			Description: "does " + n,
			InputSchema: json.RawMessage(`{"type":"object"}`),
		}
	}
	return out
}

func toolNames(tools []ToolInfo) []string {
	out := make([]string, len(tools))
	for i, t := range tools {
		out[i] = t.Name
	}
	return out
}

func TestListGlobalOrdering(t *testing.T) {
	store := testStore(t)
	addServer(t, store, "zeta", nil)
	addServer(t, store, "alpha", nil)

	c := New(store, nil, nil)
	ctx := context.Background()
	c.UpdateServer(ctx, "zeta", decls("b_tool", "a_tool"))
	c.UpdateServer(ctx, "alpha", decls("z_tool"))

	reg := groups.NewRegistry(store, nil)
	res, err := reg.Resolve("")
	require.NoError(t, err)

	tools := c.ListForGroup(res, nil)
	// Servers sort lexically; tools keep declaration order within a server.
	assert.Equal(t, []string{"alpha-z_tool", "zeta-b_tool", "zeta-a_tool"}, toolNames(tools))
}

func TestDisabledServerHidden(t *testing.T) {
	store := testStore(t)
	addServer(t, store, "fs", nil)
	c := New(store, nil, nil)
	ctx := context.Background()
	c.UpdateServer(ctx, "fs", decls("read_file"))

	reg := groups.NewRegistry(store, nil)
	res, err := reg.Resolve("")
	require.NoError(t, err)
	require.Len(t, c.ListForGroup(res, nil), 1)

	_, err = store.Mutate(func(doc *config.Settings) error {
		off := false
		doc.MCPServers["fs"].Enabled = &off
		return nil
	})
	require.NoError(t, err)
	assert.Empty(t, c.ListForGroup(res, nil))
}

func TestPerToolOverlay(t *testing.T) {
	store := testStore(t)
	off := false
	addServer(t, store, "fs", func(sc *config.ServerConfig) {
		sc.Tools = map[string]config.ToolOverride{
			"write_file": {Enabled: &off},
			"read_file":  {Description: "Read file contents safely"},
		}
	})
	c := New(store, nil, nil)
	c.UpdateServer(context.Background(), "fs", decls("read_file", "write_file"))

	reg := groups.NewRegistry(store, nil)
	res, err := reg.Resolve("")
	require.NoError(t, err)

	tools := c.ListForGroup(res, nil)
	require.Len(t, tools, 1)
	assert.Equal(t, "fs-read_file", tools[0].Name)
	assert.Equal(t, "Read file contents safely", tools[0].Description)
}

func TestGroupMembershipAndAllowList(t *testing.T) {
	store := testStore(t)
	addServer(t, store, "fs", nil)
	addServer(t, store, "web", nil)

	reg := groups.NewRegistry(store, nil)
	g, err := reg.Create("dev", "", "", []config.GroupServerRef{
		{Name: "fs", Tools: config.ToolsFilter{Names: []string{"read_file"}}},
	})
	require.NoError(t, err)

	c := New(store, nil, nil)
	ctx := context.Background()
	c.UpdateServer(ctx, "fs", decls("read_file", "write_file"))
	c.UpdateServer(ctx, "web", decls("fetch"))

	res, err := reg.Resolve(g.ID)
	require.NoError(t, err)
	tools := c.ListForGroup(res, nil)
	assert.Equal(t, []string{"fs-read_file"}, toolNames(tools))
}

func TestLookupErrors(t *testing.T) {
	store := testStore(t)
	addServer(t, store, "fs", nil)
	addServer(t, store, "web", nil)

	reg := groups.NewRegistry(store, nil)
	g, err := reg.Create("dev", "", "", []config.GroupServerRef{
		{Name: "fs", Tools: config.ToolsFilter{All: true}},
	})
	require.NoError(t, err)

	c := New(store, nil, nil)
	ctx := context.Background()
	c.UpdateServer(ctx, "fs", decls("read_file"))
	c.UpdateServer(ctx, "web", decls("fetch"))

	res, err := reg.Resolve(g.ID)
	require.NoError(t, err)

	tool, err := c.Lookup(res, nil, "fs-read_file")
	require.NoError(t, err)
	assert.Equal(t, "read_file", tool.Local)

	// Exists but outside the group.
	_, err = c.Lookup(res, nil, "web-fetch")
	assert.True(t, errs.Is(err, errs.Forbidden))

	// Does not exist at all.
	_, err = c.Lookup(res, nil, "nope-tool")
	assert.True(t, errs.Is(err, errs.NotFound))
}

type ownerScope struct{ owner string }

func (s ownerScope) AllowServer(sc *config.ServerConfig) bool {
	return sc.Owner == "" || sc.Owner == s.owner
}

func TestViewerScope(t *testing.T) {
	store := testStore(t)
	addServer(t, store, "fs", nil)
	addServer(t, store, "private", func(sc *config.ServerConfig) { sc.Owner = "alice" })

	c := New(store, nil, nil)
	ctx := context.Background()
	c.UpdateServer(ctx, "fs", decls("read_file"))
	c.UpdateServer(ctx, "private", decls("secret_tool"))

	reg := groups.NewRegistry(store, nil)
	res, err := reg.Resolve("")
	require.NoError(t, err)

	tools := c.ListForGroup(res, ownerScope{owner: "bob"})
	assert.Equal(t, []string{"fs-read_file"}, toolNames(tools))

	tools = c.ListForGroup(res, ownerScope{owner: "alice"})
	assert.Len(t, tools, 2)
}

func TestResolveNameLongestPrefix(t *testing.T) {
	store := testStore(t)
	addServer(t, store, "fs", nil)
	addServer(t, store, "fs-extra", nil)

	c := New(store, nil, nil)

	server, local, ok := c.ResolveName("fs-extra-copy")
	require.True(t, ok)
	assert.Equal(t, "fs-extra", server)
	assert.Equal(t, "copy", local)

	server, local, ok = c.ResolveName("fs-read_file")
	require.True(t, ok)
	assert.Equal(t, "fs", server)
	assert.Equal(t, "read_file", local)

	_, _, ok = c.ResolveName("unknown-tool")
	assert.False(t, ok)
}

func TestNamespacedNameProperty(t *testing.T) {
	store := testStore(t)
	c := New(store, nil, nil)

	rapid.Check(t, func(t *rapid.T) {
		server := rapid.StringMatching(`[a-z][a-z0-9_]{0,15}`).Draw(t, "server")
		local := rapid.StringMatching(`[a-z][a-z0-9_]{0,15}`).Draw(t, "local")

		if _, err := store.Mutate(func(doc *config.Settings) error {
			doc.MCPServers = map[string]*config.ServerConfig{
				server: {Command: "npx"},
			}
			return nil
		}); err != nil {
			t.Fatal(err)
		}

		gotServer, gotLocal, ok := c.ResolveName(Namespaced(server, local))
		if !ok {
			t.Fatalf("namespaced name %q did not resolve", Namespaced(server, local))
		}
		if gotServer != server || gotLocal != local {
			t.Fatalf("resolved %q/%q, want %q/%q", gotServer, gotLocal, server, local)
		}
	})
}

func TestSubscribeCoalesces(t *testing.T) {
	store := testStore(t)
	addServer(t, store, "fs", nil)
	c := New(store, nil, nil)
	ch := c.Subscribe()

	ctx := context.Background()
	c.UpdateServer(ctx, "fs", decls("a"))
	c.UpdateServer(ctx, "fs", decls("a", "b"))

	// Both updates coalesce into at least one pending signal.
	select {
	case <-ch:
	default:
		t.Fatal("expected a pending change signal")
	}
}
