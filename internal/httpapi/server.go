// Package httpapi is the read-only ops surface: Prometheus exposition,
// health, provider diagnostics and the metrics catalogue.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/g6run/g6run/internal/metrics"
	"github.com/g6run/g6run/internal/orchestrator"
	"github.com/g6run/g6run/internal/provider"
)

// CycleSource reports loop liveness for the health endpoint.
type CycleSource interface {
	StartedAt() time.Time
	LastCycle() (orchestrator.CycleSummary, bool)
}

// DiagnosticsSource snapshots the provider facade.
type DiagnosticsSource interface {
	Diagnostics() provider.Diagnostics
}

// ServerConfig holds the listener shape. The address comes from
// metrics.listen_addr; the timeouts are fixed ops-surface defaults.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultServerConfig returns the standard ops listener shape for addr.
func DefaultServerConfig(addr string) ServerConfig {
	if addr == "" {
		addr = ":9108"
	}
	return ServerConfig{
		Addr:         addr,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Server is the ops HTTP server. All routes are GET and side-effect free.
type Server struct {
	router *mux.Router
	server *http.Server
	reg    *metrics.Registry
	cycles CycleSource
	diag   DiagnosticsSource
	clock  func() time.Time
}

// NewServer wires the router. diag may be nil when no facade is running,
// cycles may be nil in catalogue-only tooling.
func NewServer(cfg ServerConfig, reg *metrics.Registry, cycles CycleSource, diag DiagnosticsSource) *Server {
	s := &Server{
		router: mux.NewRouter(),
		reg:    reg,
		cycles: cycles,
		diag:   diag,
		clock:  time.Now,
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)

	s.router.Handle("/metrics", s.reg.Handler()).Methods("GET")
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	s.router.HandleFunc("/diagnostics", s.handleDiagnostics).Methods("GET")
	s.router.HandleFunc("/catalogue", s.handleCatalogue).Methods("GET")
	s.router.NotFoundHandler = http.HandlerFunc(s.handleNotFound)
}

// Handler exposes the routed mux, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Addr is the configured listen address.
func (s *Server) Addr() string { return s.server.Addr }

// Start serves until Shutdown; a clean shutdown is not an error.
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("ops server listening")
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests within ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("ops server shutting down")
	return s.server.Shutdown(ctx)
}

type healthPayload struct {
	Status    string                     `json:"status"`
	UptimeS   float64                    `json:"uptime_seconds"`
	Provider  *provider.Diagnostics      `json:"provider,omitempty"`
	LastCycle *orchestrator.CycleSummary `json:"last_cycle,omitempty"`
}

// handleHealthz reports loop and provider liveness. An unhealthy provider
// drops the status code to 503 so probes recycle the process; a degraded
// one stays 200 with the state visible in the body.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	payload := healthPayload{Status: "ok"}
	if s.cycles != nil {
		payload.UptimeS = s.clock().Sub(s.cycles.StartedAt()).Seconds()
		if last, ok := s.cycles.LastCycle(); ok {
			payload.LastCycle = &last
		}
	}
	code := http.StatusOK
	if s.diag != nil {
		d := s.diag.Diagnostics()
		payload.Provider = &d
		switch d.Health {
		case provider.HealthUnhealthy:
			payload.Status = "unhealthy"
			code = http.StatusServiceUnavailable
		case provider.HealthDegraded:
			payload.Status = "degraded"
		}
	}
	s.writeJSON(w, code, payload)
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if s.diag == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no provider facade"})
		return
	}
	s.writeJSON(w, http.StatusOK, s.diag.Diagnostics())
}

// handleCatalogue dumps the full metric specification with the hash that
// pins it, plus this registry's group gating.
func (s *Server) handleCatalogue(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"spec_hash": metrics.SpecHash(),
		"count":     len(metrics.Catalogue()),
		"groups":    s.reg.GroupStates(),
		"metrics":   metrics.Catalogue(),
	})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("ops response encode failed")
	}
}

type ctxKey int

const requestIDKey ctxKey = 0

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()[:8]
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.clock()
		wrapper := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapper, r)
		id, _ := r.Context().Value(requestIDKey).(string)
		log.Debug().Str("request_id", id).Str("method", r.Method).
			Str("path", r.URL.Path).Int("status", wrapper.status).
			Dur("elapsed", s.clock().Sub(start)).Str("remote", r.RemoteAddr).
			Msg("ops request")
	})
}

// statusWriter captures the response code for access logging.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}
