// Package gateway is the HTTP surface: REST handlers for the subsystems,
// SSE streams for sessions and relay traffic, and a websocket event bridge.
package gateway

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dorklabs/dorkos/internal/adapter"
	"github.com/dorklabs/dorkos/internal/config"
	"github.com/dorklabs/dorkos/internal/dorkerr"
	"github.com/dorklabs/dorkos/internal/mesh"
	"github.com/dorklabs/dorkos/internal/pulse"
	"github.com/dorklabs/dorkos/internal/relay"
	"github.com/dorklabs/dorkos/internal/runtime"
	"github.com/dorklabs/dorkos/internal/trace"
)

// Deps are the subsystems the gateway fronts. Nil members disable their
// routes (the feature guard rejects calls with FEATURE_DISABLED).
type Deps struct {
	Config     *config.Config
	ConfigPath string

	Registry  *mesh.Registry
	Pulse     *pulse.Store
	Scheduler *pulse.Scheduler
	Relay     *relay.Relay
	Trace     *trace.Store
	Runtime   runtime.AgentRuntime
	Adapters  *adapter.Manager
}

// Server is the HTTP gateway.
type Server struct {
	deps    Deps
	mux     *http.ServeMux
	httpSrv *http.Server
	started time.Time

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter
}

// New assembles the gateway and registers all routes.
func New(deps Deps) *Server {
	s := &Server{
		deps:     deps,
		mux:      http.NewServeMux(),
		started:  time.Now(),
		limiters: make(map[string]*rate.Limiter),
	}

	(&healthHandler{server: s}).RegisterRoutes(s.mux)
	(&configHandler{deps: deps}).RegisterRoutes(s.mux)
	(&meshHandler{deps: deps}).RegisterRoutes(s.mux)
	(&pulseHandler{deps: deps}).RegisterRoutes(s.mux)
	(&relayHandler{deps: deps}).RegisterRoutes(s.mux)
	(&sessionsHandler{deps: deps}).RegisterRoutes(s.mux)
	(&adaptersHandler{deps: deps}).RegisterRoutes(s.mux)
	(&wsHandler{deps: deps}).RegisterRoutes(s.mux)

	return s
}

// Handler returns the middleware-wrapped root handler.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = s.rateLimit(h)
	h = s.logRequests(h)
	return h
}

// Start listens on the configured host/port until ctx is cancelled.
func (s *Server) Start(ctx context.Context, port int) error {
	host := s.deps.Config.Gateway.Host
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("gateway listening", "addr", addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}

// Shutdown drains connections with a timeout.
func (s *Server) Shutdown(timeout time.Duration) {
	if s.httpSrv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		slog.Warn("gateway shutdown", "error", err)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE working through the middleware wrapper.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack keeps websocket upgrades working through the middleware wrapper.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

// logRequests emits a debug line per request: method, path, status,
// duration. Bodies and headers are never logged.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"ms", time.Since(start).Milliseconds())
	})
}

// rateLimit throttles per remote address when gateway.rate_limit_rps is set.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	rps := s.deps.Config.Gateway.RateLimitRPS
	if rps <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		s.limMu.Lock()
		lim, ok := s.limiters[host]
		if !ok {
			lim = rate.NewLimiter(rate.Limit(rps), rps*2)
			s.limiters[host] = lim
		}
		s.limMu.Unlock()
		if !lim.Allow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireFeature rejects the request when a subsystem flag is off. Returns
// false after writing the error response.
func requireFeature(w http.ResponseWriter, enabled bool, name string) bool {
	if enabled {
		return true
	}
	writeError(w, dorkerr.Newf(dorkerr.CodeFeatureDisabled, "%s is disabled", name))
	return false
}

type healthHandler struct {
	server *Server
}

func (h *healthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", h.health)
}

func (h *healthHandler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": int64(time.Since(h.server.started).Seconds()),
	})
}
