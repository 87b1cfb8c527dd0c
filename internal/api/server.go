package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/FairForge/poolgate/internal/config"
	"github.com/FairForge/poolgate/internal/registry"
)

// Server is the ops HTTP surface: health, per-group status and prometheus
// metrics. It never sits on the acquire/release path.
type Server struct {
	cfg        config.ServerConfig
	logger     *zap.Logger
	registry   *registry.Registry
	router     chi.Router
	httpServer *http.Server
	limiter    *RateLimiter
	startTime  time.Time
}

// NewServer wires the ops server around a registry.
func NewServer(cfg config.ServerConfig, reg *registry.Registry, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:       cfg,
		logger:    logger,
		registry:  reg,
		router:    chi.NewRouter(),
		limiter:   NewRateLimiter(cfg.RequestsPerSecond, cfg.Burst),
		startTime: time.Now(),
	}

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.rateLimitMiddleware)

	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/metrics", s.registry.Collector().Handler().ServeHTTP)
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/groups", s.handleListGroups)
		r.Get("/groups/{name}", s.handleGroupStatus)
		r.Get("/groups/{name}/metrics", s.handleGroupMetrics)
	})
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	type groupHealth struct {
		Name  string `json:"name"`
		State string `json:"state"`
	}
	resp := struct {
		Status string        `json:"status"`
		Uptime string        `json:"uptime"`
		Groups []groupHealth `json:"groups"`
	}{
		Status: "ok",
		Uptime: time.Since(s.startTime).Round(time.Second).String(),
	}
	for _, g := range s.registry.Groups() {
		resp.Groups = append(resp.Groups, groupHealth{
			Name:  g.Name(),
			State: g.ServingState().String(),
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListGroups(w http.ResponseWriter, _ *http.Request) {
	statuses := make([]registry.Status, 0)
	for _, g := range s.registry.Groups() {
		statuses = append(statuses, g.Status())
	}
	s.writeJSON(w, http.StatusOK, statuses)
}

func (s *Server) handleGroupStatus(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	g, err := s.registry.Group(name)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, http.StatusOK, g.Status())
}

func (s *Server) handleGroupMetrics(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	snap, err := s.registry.Metrics(name)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encoding response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)))
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !s.limiter.Allow(host) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("ops server listening", zap.Int("port", s.cfg.Port))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
