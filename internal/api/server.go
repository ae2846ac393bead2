// Package api serves the operator surface: JSON status endpoints, a
// server-sent event stream of bus events, Prometheus metrics and the manual
// trading-resume switch.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"perp-orchestrator/internal/budget"
	"perp-orchestrator/internal/config"
	"perp-orchestrator/internal/events"
	"perp-orchestrator/internal/optimizer"
	"perp-orchestrator/internal/risk"
	"perp-orchestrator/internal/store"
)

// OptimizerView is the slice of the optimizer the API reads.
type OptimizerView interface {
	GetStatus() optimizer.Status
	GetPerformanceComparison() []optimizer.VariantPerformance
	ExportSnapshot() optimizer.Snapshot
}

// Server exposes the HTTP operator surface.
type Server struct {
	cfg       config.APIConfig
	optimizer OptimizerView
	riskMgr   *risk.Manager
	budget    *budget.Manager
	account   *store.AccountStore
	bus       *events.Bus
	server    *http.Server
	logger    *slog.Logger
}

// NewServer wires the routes. Call Start to listen.
func NewServer(cfg config.APIConfig, opt OptimizerView, riskMgr *risk.Manager, bm *budget.Manager, account *store.AccountStore, bus *events.Bus, logger *slog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		optimizer: opt,
		riskMgr:   riskMgr,
		budget:    bm,
		account:   account,
		bus:       bus,
		logger:    logger.With("component", "api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/performance", s.handlePerformance)
	mux.HandleFunc("/api/snapshot", s.handleSnapshot)
	mux.HandleFunc("/api/resume", s.handleResume)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.Handle("/metrics", promhttp.Handler())

	s.server = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: /api/events streams indefinitely.
		IdleTimeout: 60 * time.Second,
	}
	return s
}

// Start listens until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("api server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Stop drains connections and shuts the server down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
