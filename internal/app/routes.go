package app

import (
	"github.com/gorilla/mux"
	"stepflow/internal/handlers"
	"stepflow/internal/middleware"
)

// SetupRoutes configures all HTTP routes for the application
func SetupRoutes(router *mux.Router, h *handlers.Handlers) {
	router.Use(middleware.LoggingMiddleware)

	// Health check
	router.HandleFunc("/health", h.HealthCheck).Methods("GET")

	api := router.PathPrefix("/api").Subrouter()

	// Tool execution
	api.HandleFunc("/tools/{id}/run", h.RunTool).Methods("POST")

	// Run management
	api.HandleFunc("/runs", h.ListRuns).Methods("GET")
	api.HandleFunc("/runs/{id}", h.GetRun).Methods("GET")
	api.HandleFunc("/runs/{id}", h.DeleteRun).Methods("DELETE")
	api.HandleFunc("/runs/{id}/cancel", h.CancelRun).Methods("POST")
}
