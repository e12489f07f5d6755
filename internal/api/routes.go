package api

import (
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes configures all API routes.
func SetupRoutes(handler *Handler, registry *prometheus.Registry) *mux.Router {
	r := mux.NewRouter()

	// Health check
	r.HandleFunc("/health", handler.HealthCheck).Methods("GET")

	// Prometheus scrape endpoint
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods("GET")

	// Core state routes
	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/status", handler.GetStatus).Methods("GET")
	api.HandleFunc("/positions", handler.GetPositions).Methods("GET")
	api.HandleFunc("/reentry", handler.GetReEntryQueue).Methods("GET")
	api.HandleFunc("/breakers", handler.GetBreakers).Methods("GET")

	// Manual switches
	api.HandleFunc("/pause", handler.PauseTrading).Methods("POST")
	api.HandleFunc("/resume", handler.ResumeTrading).Methods("POST")

	return r
}
