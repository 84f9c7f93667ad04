package groups

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zxerai/mcphub/internal/config"
	"github.com/zxerai/mcphub/internal/errs"
)

func newTestRegistry(t *testing.T) (*Registry, *config.Store) {
	t.Helper()
	store := config.NewStore(filepath.Join(t.TempDir(), "settings.json"), nil)
	require.NoError(t, store.Load())
	_, err := store.Mutate(func(doc *config.Settings) error {
		doc.MCPServers["fs"] = &config.ServerConfig{Command: "npx"}
		doc.MCPServers["web"] = &config.ServerConfig{URL: "https://example.com/mcp"}
		return nil
	})
	require.NoError(t, err)
	return NewRegistry(store, nil), store
}

func TestResolveGlobalAndSmart(t *testing.T) {
	r, _ := newTestRegistry(t)

	res, err := r.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, KindGlobal, res.Kind)
	_, ok := res.Member("fs")
	assert.True(t, ok)

	res, err = r.Resolve("$smart")
	require.NoError(t, err)
	assert.Equal(t, KindSmart, res.Kind)
}

func TestResolveOrder(t *testing.T) {
	r, store := newTestRegistry(t)

	g, err := r.Create("dev", "", "", []config.GroupServerRef{
		{Name: "fs", Tools: config.ToolsFilter{Names: []string{"read_file"}}},
	})
	require.NoError(t, err)

	// By id.
	res, err := r.Resolve(g.ID)
	require.NoError(t, err)
	assert.Equal(t, KindGroup, res.Kind)
	filter, ok := res.Member("fs")
	require.True(t, ok)
	assert.True(t, filter.Allows("read_file"))
	assert.False(t, filter.Allows("write_file"))
	_, ok = res.Member("web")
	assert.False(t, ok)

	// By name.
	res, err = r.Resolve("dev")
	require.NoError(t, err)
	assert.Equal(t, KindGroup, res.Kind)

	// Name routing disabled: the name no longer resolves but the id still does.
	_, err = store.Mutate(func(doc *config.Settings) error {
		off := false
		doc.SystemConfig = &config.SystemConfig{Routing: &config.RoutingConfig{EnableGroupNameRoute: &off}}
		return nil
	})
	require.NoError(t, err)
	_, err = r.Resolve("dev")
	assert.True(t, errs.Is(err, errs.NotFound))
	_, err = r.Resolve(g.ID)
	assert.NoError(t, err)

	// Bare server name.
	res, err = r.Resolve("web")
	require.NoError(t, err)
	assert.Equal(t, KindServer, res.Kind)
	require.Len(t, res.Servers, 1)
	assert.True(t, res.Servers[0].Tools.All)

	_, err = r.Resolve("nope")
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestCreateDuplicateName(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Create("dev", "", "", nil)
	require.NoError(t, err)
	_, err = r.Create("dev", "", "", nil)
	assert.True(t, errs.Is(err, errs.ConfigInvalid))
}

func TestUpdateAndDelete(t *testing.T) {
	r, _ := newTestRegistry(t)
	g, err := r.Create("dev", "", "", nil)
	require.NoError(t, err)

	require.NoError(t, r.Update(g.ID, "devs", "development servers", []config.GroupServerRef{
		{Name: "fs", Tools: config.ToolsFilter{All: true}},
	}))
	res, err := r.Resolve("devs")
	require.NoError(t, err)
	require.Len(t, res.Servers, 1)

	assert.True(t, errs.Is(r.Update("missing", "x", "", nil), errs.NotFound))

	require.NoError(t, r.Delete(g.ID))
	_, err = r.Resolve("devs")
	assert.True(t, errs.Is(err, errs.NotFound))
	assert.True(t, errs.Is(r.Delete(g.ID), errs.NotFound))
}

func TestDanglingRefsPrunedOnWrite(t *testing.T) {
	r, _ := newTestRegistry(t)
	g, err := r.Create("dev", "", "", []config.GroupServerRef{
		{Name: "fs", Tools: config.ToolsFilter{All: true}},
		{Name: "ghost", Tools: config.ToolsFilter{All: true}},
	})
	require.NoError(t, err)

	res, err := r.Resolve(g.ID)
	require.NoError(t, err)
	require.Len(t, res.Servers, 1)
	assert.Equal(t, "fs", res.Servers[0].Name)
}
