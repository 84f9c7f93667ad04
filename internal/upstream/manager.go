package upstream

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/zxerai/mcphub/internal/catalog"
	"github.com/zxerai/mcphub/internal/config"
	"github.com/zxerai/mcphub/internal/errs"
	"github.com/zxerai/mcphub/internal/observability"
	"github.com/zxerai/mcphub/internal/secureenv"
	"github.com/zxerai/mcphub/internal/storage"
	"github.com/zxerai/mcphub/internal/upstream/core"
	"github.com/zxerai/mcphub/internal/upstream/openapi"
	"github.com/zxerai/mcphub/internal/upstream/types"
)

// AdapterFactory builds an adapter for a server config. Swappable in tests.
type AdapterFactory func(sc *config.ServerConfig) types.Adapter

// Connection tracks one upstream server: its adapter, state machine and
// keep-alive loop. All connect/call/rebuild operations serialize on mu.
type Connection struct {
	name string
	gen  atomic.Value // connection generation string, new per (re)build

	mu      sync.Mutex
	cfg     *config.ServerConfig
	adapter types.Adapter
	state   *types.StateManager

	keepAliveCancel context.CancelFunc
}

// State returns the connection state.
func (c *Connection) State() types.ConnectionState { return c.state.State() }

// LastError returns the most recent connect error.
func (c *Connection) LastError() error { return c.state.LastError() }

// Gen returns the current connection generation.
func (c *Connection) Gen() string {
	g, _ := c.gen.Load().(string)
	return g
}

// snapshot returns the config and adapter for one call attempt. Rebuilds
// swap both fields under mu, so callers must not read them directly.
func (c *Connection) snapshot() (*config.ServerConfig, types.Adapter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg, c.adapter
}

// ServerStatus is a point-in-time view of one connection for status APIs.
type ServerStatus struct {
	Name      string `json:"name"`
	State     string `json:"state"`
	LastError string `json:"lastError,omitempty"`
	Tools     int    `json:"tools"`
	Gen       string `json:"gen"`
}

// Manager supervises all upstream connections and reconciles them against
// the settings document.
type Manager struct {
	store   *config.Store
	catalog *catalog.Catalog
	storage *storage.Manager
	metrics *observability.Metrics
	env     *secureenv.Manager
	factory AdapterFactory
	logger  *zap.Logger

	mu    sync.Mutex
	conns map[string]*Connection

	entropy *ulid.MonotonicEntropy
	entMu   sync.Mutex
}

// NewManager creates a supervisor. storage and metrics may be nil (tests).
func NewManager(store *config.Store, cat *catalog.Catalog, st *storage.Manager, metrics *observability.Metrics, env *secureenv.Manager, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if env == nil {
		env = secureenv.NewManager(nil)
	}
	m := &Manager{
		store:   store,
		catalog: cat,
		storage: st,
		metrics: metrics,
		env:     env,
		logger:  logger,
		conns:   make(map[string]*Connection),
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
	m.factory = m.defaultFactory
	return m
}

// SetFactory overrides adapter construction, for tests.
func (m *Manager) SetFactory(f AdapterFactory) { m.factory = f }

func (m *Manager) newGen() string {
	m.entMu.Lock()
	defer m.entMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), m.entropy).String()
}

// Sync reconciles live connections with the current settings snapshot:
// removed or disabled servers are torn down, changed configs are rebuilt,
// new servers are connected in the background.
func (m *Manager) Sync(ctx context.Context) {
	settings := m.store.Get()

	m.mu.Lock()
	// Tear down servers that were removed, disabled, or reconfigured.
	var toClose []*Connection
	for name, conn := range m.conns {
		sc, exists := settings.MCPServers[name]
		cfg, _ := conn.snapshot()
		if exists && sc.IsEnabled() && sameServerConfig(cfg, sc) {
			continue
		}
		delete(m.conns, name)
		toClose = append(toClose, conn)
	}

	// Build connections for servers not yet tracked.
	var toConnect []*Connection
	for name, sc := range settings.MCPServers {
		if !sc.IsEnabled() {
			continue
		}
		if _, ok := m.conns[name]; ok {
			continue
		}
		conn := &Connection{
			name:    name,
			cfg:     sc,
			adapter: m.factory(sc),
			state:   types.NewStateManager(),
		}
		conn.gen.Store(m.newGen())
		m.watchState(conn)
		m.conns[name] = conn
		toConnect = append(toConnect, conn)
	}
	m.mu.Unlock()

	for _, conn := range toClose {
		m.teardown(ctx, conn)
	}
	for _, conn := range toConnect {
		go m.connect(ctx, conn)
	}
}

func (m *Manager) watchState(conn *Connection) {
	conn.state.OnChange(func(_, newState types.ConnectionState) {
		if m.metrics != nil {
			m.metrics.SetUpstreamUp(conn.name, newState == types.StateConnected)
		}
		m.logger.Info("upstream state changed",
			zap.String("server", conn.name),
			zap.String("state", newState.String()),
			zap.String("gen", conn.Gen()))
	})
}

func sameServerConfig(a, b *config.ServerConfig) bool {
	da, errA := json.Marshal(a)
	db, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(da) == string(db)
}

func (m *Manager) defaultFactory(sc *config.ServerConfig) types.Adapter {
	if sc.EffectiveType() == config.ServerTypeOpenAPI {
		return openapi.NewClient(sc, m.logger)
	}
	return core.NewClient(sc, m.env, m.store.Get().Install(), m.logger)
}

// connect establishes the session and publishes the tool list. Serialized
// per connection.
func (m *Manager) connect(ctx context.Context, conn *Connection) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	m.connectLocked(ctx, conn)
}

func (m *Manager) connectLocked(ctx context.Context, conn *Connection) {
	if !conn.state.TransitionTo(types.StateConnecting) {
		return
	}

	// Servers with an explicit timeout get it for the handshake too; the
	// default leaves room for first-run package downloads.
	initTimeout := config.DefaultInitTimeout
	if opts := conn.cfg.Options; opts != nil && opts.Timeout > 0 {
		initTimeout = opts.CallTimeout()
	}
	connectCtx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()

	if err := conn.adapter.Connect(connectCtx); err != nil {
		wrapped := errs.Wrap(errs.ConnectFailed, err, conn.name)
		conn.state.SetError(wrapped)
		m.logger.Warn("upstream connect failed",
			zap.String("server", conn.name), zap.Error(err))
		return
	}

	if notifier, ok := conn.adapter.(interface{ OnToolsChanged(func()) }); ok {
		notifier.OnToolsChanged(func() { go m.refreshTools(context.Background(), conn.name) })
	}

	if err := m.publishTools(connectCtx, conn); err != nil {
		conn.adapter.Close()
		wrapped := errs.Wrap(errs.ListToolsFailed, err, conn.name)
		conn.state.SetError(wrapped)
		m.logger.Warn("upstream tool listing failed",
			zap.String("server", conn.name), zap.Error(err))
		return
	}

	conn.state.TransitionTo(types.StateConnected)

	if conn.cfg.EffectiveType() == config.ServerTypeSSE {
		m.startKeepAlive(conn)
	}
}

// publishTools lists tools and pushes them to the catalog; the stored hash
// skips redundant catalog updates so downstream sees one notification per
// effective change.
func (m *Manager) publishTools(ctx context.Context, conn *Connection) error {
	decls, err := conn.adapter.ListTools(ctx)
	if err != nil {
		return err
	}

	hash := storage.HashTools(decls)
	if m.storage != nil && m.catalog != nil {
		prev, _ := m.storage.GetToolHash(conn.name)
		if prev == hash && containsServer(m.catalog.Servers(), conn.name) {
			m.logger.Debug("tool list unchanged, skipping catalog update",
				zap.String("server", conn.name))
			return nil
		}
		if err := m.storage.SaveToolHash(conn.name, hash); err != nil {
			m.logger.Warn("failed to persist tool hash",
				zap.String("server", conn.name), zap.Error(err))
		}
	}

	if m.catalog != nil {
		m.catalog.UpdateServer(ctx, conn.name, decls)
	}
	return nil
}

func containsServer(servers []string, name string) bool {
	for _, s := range servers {
		if s == name {
			return true
		}
	}
	return false
}

// refreshTools re-lists tools after a tools/list_changed notification.
func (m *Manager) refreshTools(ctx context.Context, name string) {
	m.mu.Lock()
	conn, ok := m.conns[name]
	m.mu.Unlock()
	if !ok {
		return
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if !conn.state.IsConnected() {
		return
	}

	listCtx, cancel := context.WithTimeout(ctx, config.DefaultCallTimeout)
	defer cancel()
	if err := m.publishTools(listCtx, conn); err != nil {
		m.logger.Warn("tool refresh failed",
			zap.String("server", name), zap.Error(err))
	}
}

// startKeepAlive pings SSE servers on the configured interval. Ping failures
// are logged; the health check never forces a reconnect by itself.
func (m *Manager) startKeepAlive(conn *Connection) {
	if conn.keepAliveCancel != nil {
		conn.keepAliveCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	conn.keepAliveCancel = cancel

	interval := conn.cfg.KeepAlive()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, adapter := conn.snapshot()
				pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
				err := adapter.Ping(pingCtx)
				pingCancel()
				if err != nil {
					m.logger.Warn("keep-alive ping failed",
						zap.String("server", conn.name), zap.Error(err))
				}
			}
		}
	}()
}

// teardown closes a connection and erases its footprint.
func (m *Manager) teardown(ctx context.Context, conn *Connection) {
	conn.mu.Lock()
	if conn.keepAliveCancel != nil {
		conn.keepAliveCancel()
		conn.keepAliveCancel = nil
	}
	if err := conn.adapter.Close(); err != nil {
		m.logger.Warn("error closing upstream",
			zap.String("server", conn.name), zap.Error(err))
	}
	conn.state.SetError(errs.New(errs.ServerRemoved, "server %s removed", conn.name))
	conn.mu.Unlock()

	if m.catalog != nil {
		m.catalog.RemoveServer(ctx, conn.name)
	}
	if m.storage != nil {
		if err := m.storage.DeleteToolHash(conn.name); err != nil {
			m.logger.Warn("failed to delete tool hash",
				zap.String("server", conn.name), zap.Error(err))
		}
	}
	if m.metrics != nil {
		m.metrics.RemoveUpstream(conn.name)
	}
	m.logger.Info("upstream removed", zap.String("server", conn.name))
}

// Retry reconnects a disconnected server on demand.
func (m *Manager) Retry(ctx context.Context, name string) error {
	m.mu.Lock()
	conn, ok := m.conns[name]
	m.mu.Unlock()
	if !ok {
		return errs.New(errs.NotFound, "server %q is not managed", name)
	}
	m.connect(ctx, conn)
	if err := conn.state.LastError(); err != nil {
		return err
	}
	return nil
}

// Statuses reports every managed connection.
func (m *Manager) Statuses() []ServerStatus {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	statuses := make([]ServerStatus, 0, len(conns))
	for _, c := range conns {
		s := ServerStatus{
			Name:  c.name,
			State: c.State().String(),
			Gen:   c.Gen(),
		}
		if err := c.LastError(); err != nil {
			s.LastError = err.Error()
		}
		statuses = append(statuses, s)
	}
	return statuses
}

// Connected reports whether calls may be dispatched to the named server.
func (m *Manager) Connected(name string) bool {
	m.mu.Lock()
	conn, ok := m.conns[name]
	m.mu.Unlock()
	return ok && conn.state.IsConnected()
}

// Close tears down every connection.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*Connection)
	m.mu.Unlock()

	for _, conn := range conns {
		m.teardown(ctx, conn)
	}
}
