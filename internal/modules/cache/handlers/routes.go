package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers the data and worker routes.
// Paths are absolute because /data lives outside /api.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/data", h.HandleGetData)
	r.Post("/api/request", h.HandleRequestTask)
	r.Post("/api/commit", h.HandleCommit)
	r.Get("/api/summary", h.HandleGetSummary)
	r.Get("/api/tasks", h.HandleGetTasks)
}
