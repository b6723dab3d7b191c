// Package collector is the HTTP service that evaluates forwarded tool
// calls, coordinates manual approval, and serves the audit dashboard.
package collector

import (
	"context"
	"net/http"
	"time"

	"github.com/toolwatch/toolwatch/internal/approval"
	"github.com/toolwatch/toolwatch/internal/audit"
	"github.com/toolwatch/toolwatch/internal/config"
	"github.com/toolwatch/toolwatch/internal/logger"
	"github.com/toolwatch/toolwatch/internal/plugin"
	"github.com/toolwatch/toolwatch/internal/store"
)

// Server is the collector HTTP server.
type Server struct {
	httpServer  *http.Server
	handlers    *Handlers
	hub         *Hub
	coordinator *approval.Coordinator
	addr        string
}

// NewServer wires the collector: storage, approval coordinator, plugin
// registry, audit sender and the live-viewer hub.
func NewServer(cfg *config.Config, st store.Store, coord *approval.Coordinator, registry *plugin.Registry, sender *audit.Sender, baseDir, version string) *Server {
	hub := NewHub(st)
	coord.SetBroadcast(hub.BroadcastPending)

	// The manual coordinator doubles as the builtin manual plugin, so
	// rules referencing it by name share the instance.
	registry.Register("manual", coord)

	handlers := NewHandlers(st, coord, registry, sender, cfg, baseDir, version)

	addr := cfg.Settings.Collector.ListenAddr
	if addr == "" {
		addr = "127.0.0.1:8953"
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /", serveDashboard)
	mux.HandleFunc("GET /health", handlers.Health)
	mux.HandleFunc("POST /events", handlers.Events)
	mux.HandleFunc("POST /approve/{id}", handlers.Approve)
	mux.HandleFunc("POST /deny/{id}", handlers.Deny)
	mux.HandleFunc("GET /api/pending", handlers.Pending)
	mux.HandleFunc("GET /api/calls", handlers.Calls)
	mux.HandleFunc("GET /api/stats", handlers.Stats)
	mux.HandleFunc("GET /api/filters", handlers.Filters)
	mux.HandleFunc("GET /ws", hub.ServeHTTP)

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		handlers:    handlers,
		hub:         hub,
		coordinator: coord,
		addr:        addr,
	}
}

// Start starts the coordinator poller and the HTTP listener.
func (s *Server) Start(ctx context.Context) {
	s.coordinator.Start(ctx)

	logger.Info().Str("addr", s.addr).Msg("Starting toolwatch collector")

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("Collector server error")
		}
	}()
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	logger.Info().Msg("Stopping toolwatch collector")

	s.coordinator.Stop()
	s.hub.Close()

	return s.httpServer.Shutdown(ctx)
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.addr
}

func serveDashboard(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(dashboardHTML))
}
