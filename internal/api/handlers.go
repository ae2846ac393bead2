package api

import (
	"encoding/json"
	"net/http"
	"time"

	"perp-orchestrator/internal/budget"
	"perp-orchestrator/internal/optimizer"
	"perp-orchestrator/internal/risk"
	"perp-orchestrator/internal/store"
)

// StatusResponse is the /api/status body.
type StatusResponse struct {
	Time      time.Time              `json:"time"`
	Risk      risk.Status            `json:"risk"`
	Health    store.HealthStatus     `json:"health"`
	Budget    budget.MetricsSnapshot `json:"budget"`
	Optimizer optimizer.Status       `json:"optimizer"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.account.GetHealthStatus()
	status := "ok"
	if s.riskMgr.IsHalted() {
		status = "halted"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": status,
		"health": health,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Time:      time.Now(),
		Risk:      s.riskMgr.GetStatus(),
		Health:    s.account.GetHealthStatus(),
		Budget:    s.budget.Snapshot(),
		Optimizer: s.optimizer.GetStatus(),
	})
}

func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.optimizer.GetPerformanceComparison())
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.optimizer.ExportSnapshot())
}

// handleResume releases a trading halt. POST only; halts are engaged by the
// system but only an operator releases them.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	wasHalted := s.riskMgr.IsHalted()
	s.riskMgr.Resume()
	s.logger.Warn("trading resume requested", "remote", r.RemoteAddr, "was_halted", wasHalted)
	writeJSON(w, http.StatusOK, map[string]bool{"resumed": wasHalted})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
