package upstream

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/zxerai/mcphub/internal/config"
	"github.com/zxerai/mcphub/internal/errs"
	"github.com/zxerai/mcphub/internal/transport"
	"github.com/zxerai/mcphub/internal/upstream/types"
)

// CallTool dispatches a tool call to the named server by its local tool
// name. Timeouts come from the server's options; streamable-HTTP sessions
// that fail with a 4xx are rebuilt once and the call retried.
func (m *Manager) CallTool(ctx context.Context, server, local string, args map[string]interface{}) (*types.CallResult, error) {
	m.mu.Lock()
	conn, ok := m.conns[server]
	m.mu.Unlock()
	if !ok {
		return nil, errs.New(errs.ServerRemoved, "server %q is not connected", server)
	}
	if !conn.state.IsConnected() {
		return nil, errs.Wrap(errs.CallFailed, connError(conn), server)
	}

	start := time.Now()
	cfg, adapter := conn.snapshot()
	result, err := m.invoke(ctx, server, cfg, adapter, local, args)

	if err != nil && shouldRebuild(cfg, err) {
		m.logger.Info("client error on streamable session, rebuilding and retrying once",
			zap.String("server", server),
			zap.String("tool", local),
			zap.Int("status", transport.StatusCodeFromError(err)))
		if rebuildErr := m.rebuild(ctx, conn); rebuildErr != nil {
			m.logger.Warn("session rebuild failed",
				zap.String("server", server), zap.Error(rebuildErr))
		} else {
			cfg, adapter = conn.snapshot()
			result, err = m.invoke(ctx, server, cfg, adapter, local, args)
		}
	}

	elapsed := time.Since(start)
	status := "success"
	switch {
	case err != nil:
		status = "error"
	case result != nil && result.IsError:
		status = "tool_error"
	}
	if m.metrics != nil {
		m.metrics.ObserveToolCall(server, local, status, elapsed.Seconds())
	}
	if err == nil && m.storage != nil {
		if statErr := m.storage.IncrementToolUsage(server + "-" + local); statErr != nil {
			m.logger.Warn("failed to record tool usage",
				zap.String("server", server), zap.Error(statErr))
		}
	}

	if err != nil {
		if errs.KindOf(err) != "" {
			return nil, err
		}
		return nil, errs.Wrap(errs.CallFailed, err, server+"-"+local)
	}
	return result, nil
}

func connError(conn *Connection) error {
	if err := conn.state.LastError(); err != nil {
		return err
	}
	return errors.New("upstream is " + conn.state.State().String())
}

// invoke runs one attempt against a snapshotted config and adapter, under
// the server's timeout policy. With resetTimeoutOnProgress, upstream
// progress notifications re-arm the timer; maxTotalTimeout caps the call
// whether or not progress resets are on.
func (m *Manager) invoke(ctx context.Context, server string, cfg *config.ServerConfig, adapter types.Adapter, local string, args map[string]interface{}) (*types.CallResult, error) {
	opts := cfg.Options
	callTimeout := opts.CallTimeout()

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var timedOut atomic.Bool
	expire := func() {
		timedOut.Store(true)
		cancel()
	}
	timer := time.AfterFunc(callTimeout, expire)
	defer timer.Stop()

	if opts != nil && opts.ResetTimeoutOnProgress {
		if pn, ok := adapter.(types.ProgressNotifier); ok {
			pn.OnProgress(func() {
				if !timedOut.Load() {
					timer.Reset(callTimeout)
				}
			})
		}
	}
	if total := opts.TotalTimeout(); total > 0 {
		totalTimer := time.AfterFunc(total, expire)
		defer totalTimer.Stop()
	}

	result, err := adapter.CallTool(callCtx, local, args)
	if err != nil {
		if timedOut.Load() || errors.Is(err, context.DeadlineExceeded) {
			return nil, errs.Wrap(errs.Timeout, err, server+"-"+local)
		}
		return nil, err
	}
	return result, nil
}

// shouldRebuild limits the retry path to streamable-HTTP sessions that
// failed with a 4xx status, where a fresh session may clear server-side
// session expiry.
func shouldRebuild(cfg *config.ServerConfig, err error) bool {
	if cfg.EffectiveType() != config.ServerTypeStreamableHTTP {
		return false
	}
	if errs.Is(err, errs.Timeout) {
		return false
	}
	return transport.IsRecoverableClientStatus(transport.StatusCodeFromError(err))
}

// rebuild replaces the adapter with a freshly built one from the current
// config and redoes the handshake, tool listing and indexing.
func (m *Manager) rebuild(ctx context.Context, conn *Connection) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	if err := conn.adapter.Close(); err != nil {
		m.logger.Debug("closing stale session",
			zap.String("server", conn.name), zap.Error(err))
	}

	// Rebuild from the latest settings so config edits take effect too.
	if sc, ok := m.store.Get().MCPServers[conn.name]; ok {
		conn.cfg = sc
	}
	conn.adapter = m.factory(conn.cfg)
	conn.gen.Store(m.newGen())

	m.connectLocked(ctx, conn)
	if !conn.state.IsConnected() {
		if err := conn.state.LastError(); err != nil {
			return err
		}
		return errors.New("rebuild did not reach connected state")
	}
	return nil
}
