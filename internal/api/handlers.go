package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"quorumbot/internal/domain"
	"quorumbot/internal/ports"
)

// Status is the point-in-time view served on /api/v1/status. The orchestrator
// refreshes it once per tick so handlers never touch tick-goroutine state.
type Status struct {
	Timestamp     time.Time                  `json:"timestamp"`
	Paused        bool                       `json:"paused"`
	Balance       float64                    `json:"balance"`
	TotalExposure float64                    `json:"total_exposure"`
	OpenPositions []*domain.Position         `json:"open_positions"`
	Breakers      map[string]string          `json:"breakers"`
	ReEntryQueue  []domain.ReEntryIntent     `json:"reentry_queue"`
	AgentWeights  map[string]float64         `json:"agent_weights"`
	DailyPnL      map[string]float64         `json:"daily_pnl"`
	Opportunities []domain.ArbitrageOpportunity `json:"opportunities,omitempty"`
}

// StatusProvider hands out the latest published status snapshot.
type StatusProvider interface {
	Status() Status
}

// Controls exposes the manual trading switches.
type Controls interface {
	PauseTrading(reason string)
	ResumeTrading()
}

// Pinger checks upstream connectivity for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	status   StatusProvider
	controls Controls
	exchange Pinger
	logger   ports.Logger
}

// NewHandler creates a new Handler.
func NewHandler(status StatusProvider, controls Controls, exchange Pinger, logger ports.Logger) *Handler {
	return &Handler{status: status, controls: controls, exchange: exchange, logger: logger}
}

// HealthCheck handles GET /health.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"services":  map[string]string{},
	}
	services := health["services"].(map[string]string)

	if h.exchange != nil {
		if err := h.exchange.Ping(ctx); err != nil {
			services["exchange"] = "unhealthy: " + err.Error()
			health["status"] = "degraded"
		} else {
			services["exchange"] = "healthy"
		}
	} else {
		services["exchange"] = "not configured"
	}

	respondJSON(w, http.StatusOK, health)
}

// GetStatus handles GET /api/v1/status.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.status.Status())
}

// GetPositions handles GET /api/v1/positions.
func (h *Handler) GetPositions(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.status.Status().OpenPositions)
}

// GetReEntryQueue handles GET /api/v1/reentry.
func (h *Handler) GetReEntryQueue(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.status.Status().ReEntryQueue)
}

// GetBreakers handles GET /api/v1/breakers.
func (h *Handler) GetBreakers(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.status.Status().Breakers)
}

// PauseTrading handles POST /api/v1/pause.
func (h *Handler) PauseTrading(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Reason == "" {
		req.Reason = "manual pause via API"
	}
	h.controls.PauseTrading(req.Reason)
	if h.logger != nil {
		h.logger.Warn(r.Context(), "Trading paused via API", map[string]interface{}{"reason": req.Reason})
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "paused", "reason": req.Reason})
}

// ResumeTrading handles POST /api/v1/resume.
func (h *Handler) ResumeTrading(w http.ResponseWriter, r *http.Request) {
	h.controls.ResumeTrading()
	if h.logger != nil {
		h.logger.Info(r.Context(), "Trading resumed via API")
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
