package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/zxerai/mcphub/internal/config"
	"github.com/zxerai/mcphub/internal/errs"
	"github.com/zxerai/mcphub/internal/observability"
)

// Server is the downstream-facing HTTP server: MCP endpoints per selector,
// health and metrics.
type Server struct {
	listen  string
	store   *config.Store
	router  *Router
	metrics *observability.Metrics
	logger  *zap.Logger

	httpSrv *http.Server
}

// New creates the HTTP server. metrics may be nil.
func New(listen string, store *config.Store, router *Router, metrics *observability.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		listen:  listen,
		store:   store,
		router:  router,
		metrics: metrics,
		logger:  logger,
	}
}

// Handler builds the route tree. Every MCP and metrics route sits behind
// bearer auth when it is enabled; the health probe stays open.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)

	r.Group(func(pr chi.Router) {
		pr.Use(s.bearerAuth)

		if s.metrics != nil {
			pr.Method(http.MethodGet, "/metrics", s.metrics.Handler())
		}

		pr.Get("/sse", s.withSelector(serveSSE))
		pr.Get("/sse/{selector}", s.withSelector(serveSSE))
		pr.Post("/messages", s.withSelector(serveMessage))
		pr.Post("/messages/{selector}", s.withSelector(serveMessage))

		// Streamable HTTP uses POST for requests, GET for the listening
		// channel, DELETE for session teardown.
		for _, pattern := range []string{"/mcp", "/mcp/{selector}"} {
			pr.Post(pattern, s.withSelector(serveStreamable))
			pr.Get(pattern, s.withSelector(serveStreamable))
			pr.Delete(pattern, s.withSelector(serveStreamable))
		}
	})

	return r
}

func serveSSE(sr *selectorRouter, w http.ResponseWriter, r *http.Request) {
	sr.sse.SSEHandler().ServeHTTP(w, r)
}

func serveMessage(sr *selectorRouter, w http.ResponseWriter, r *http.Request) {
	sr.sse.MessageHandler().ServeHTTP(w, r)
}

func serveStreamable(sr *selectorRouter, w http.ResponseWriter, r *http.Request) {
	sr.streamable.ServeHTTP(w, r)
}

// withSelector resolves the {selector} path segment into a selector router.
// An empty selector is the global route and may be disabled by config.
func (s *Server) withSelector(fn func(*selectorRouter, http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		selector := chi.URLParam(r, "selector")
		if selector == "" && !s.store.Get().Routing().GlobalRouteEnabled() {
			writeError(w, http.StatusForbidden, string(errs.Forbidden),
				"the global route is disabled; connect through a group selector")
			return
		}

		sr, err := s.router.routerFor(selector)
		if err != nil {
			status := http.StatusInternalServerError
			switch errs.KindOf(err) {
			case errs.NotFound:
				status = http.StatusNotFound
			case errs.Forbidden:
				status = http.StatusForbidden
			}
			writeError(w, status, string(errs.KindOf(err)), err.Error())
			return
		}
		fn(sr, w, r)
	}
}

// bearerAuth enforces the static bearer key when routing.enableBearerAuth is
// set. skipAuth disables the check without dropping the key from config.
func (s *Server) bearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		routing := s.store.Get().Routing()
		if !routing.EnableBearerAuth || routing.SkipAuth {
			next.ServeHTTP(w, r)
			return
		}

		const prefix = "Bearer "
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, prefix) ||
			subtle.ConstantTimeCompare([]byte(header[len(prefix):]), []byte(routing.BearerAuthKey)) != 1 {
			writeError(w, http.StatusUnauthorized, string(errs.Forbidden), "invalid or missing bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{"code": code, "message": message},
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)))
	})
}

// Start serves until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:              s.listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("http server listening", zap.String("addr", s.listen))
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
