package server

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zxerai/mcphub/internal/catalog"
	"github.com/zxerai/mcphub/internal/config"
	"github.com/zxerai/mcphub/internal/groups"
	"github.com/zxerai/mcphub/internal/observability"
	"github.com/zxerai/mcphub/internal/upstream"
)

const (
	testTimeout = 2 * time.Second
	testTick    = 10 * time.Millisecond
)

func newTestServer(t *testing.T, mutate func(*config.Settings)) *Server {
	t.Helper()
	store := config.NewStore(filepath.Join(t.TempDir(), "settings.json"), nil)
	require.NoError(t, store.Load())
	if mutate != nil {
		_, err := store.Mutate(func(doc *config.Settings) error {
			mutate(doc)
			return nil
		})
		require.NoError(t, err)
	}

	cat := catalog.New(store, nil, nil)
	registry := groups.NewRegistry(store, nil)
	mgr := upstream.NewManager(store, cat, nil, nil, nil, nil)
	router := NewRouter("mcphub", store, registry, cat, mgr, nil, nil, nil, nil)
	return New("127.0.0.1:0", store, router, observability.NewMetrics(), nil)
}

func do(t *testing.T, handler http.Handler, method, path string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var body *strings.Reader
	if method == http.MethodPost {
		body = strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	} else {
		body = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, body)
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthzOpen(t *testing.T) {
	s := newTestServer(t, nil)
	rec := do(t, s.Handler(), http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestBearerAuthRejectsMissingToken(t *testing.T) {
	s := newTestServer(t, func(doc *config.Settings) {
		doc.SystemConfig = &config.SystemConfig{
			Routing: &config.RoutingConfig{
				EnableBearerAuth: true,
				BearerAuthKey:    "secret-key",
			},
		}
	})
	h := s.Handler()

	for _, path := range []string{"/mcp", "/metrics", "/sse"} {
		method := http.MethodGet
		if path == "/mcp" {
			method = http.MethodPost
		}
		rec := do(t, h, method, path, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "path %s", path)
	}

	rec := do(t, h, http.MethodPost, "/mcp", map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodGet, "/metrics", map[string]string{"Authorization": "Bearer secret-key"})
	assert.Equal(t, http.StatusOK, rec.Code)

	// Health stays reachable for probes.
	rec = do(t, h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSkipAuthBypassesBearerCheck(t *testing.T) {
	s := newTestServer(t, func(doc *config.Settings) {
		doc.SystemConfig = &config.SystemConfig{
			Routing: &config.RoutingConfig{
				EnableBearerAuth: true,
				BearerAuthKey:    "secret-key",
				SkipAuth:         true,
			},
		}
	})
	rec := do(t, s.Handler(), http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGlobalRouteDisabled(t *testing.T) {
	off := false
	s := newTestServer(t, func(doc *config.Settings) {
		doc.MCPServers["alpha"] = &config.ServerConfig{Command: "npx"}
		doc.SystemConfig = &config.SystemConfig{
			Routing: &config.RoutingConfig{EnableGlobalRoute: &off},
		}
	})
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/mcp", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "FORBIDDEN")

	// A concrete selector still routes.
	rec = do(t, h, http.MethodPost, "/mcp/alpha", nil)
	assert.NotEqual(t, http.StatusForbidden, rec.Code)
}

func TestUnknownSelectorNotFound(t *testing.T) {
	s := newTestServer(t, nil)
	rec := do(t, s.Handler(), http.MethodPost, "/mcp/no-such-group", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "NOT_FOUND")
}

func TestMetricsEndpointServesPrometheus(t *testing.T) {
	s := newTestServer(t, nil)
	rec := do(t, s.Handler(), http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
