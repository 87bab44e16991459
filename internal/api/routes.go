package api

import (
	"github.com/go-chi/chi/v5"
)

// setupAPIRoutes sets up API v1 routes
func (s *RESTServer) setupAPIRoutes(r chi.Router) {
	r.Get("/health", s.HandleHealth)

	r.Post("/auth/login", s.HandleLogin)

	// 只读
	r.Get("/status", s.HandleStatus)
	r.Get("/stats/history", s.HandleHistory)
	r.Get("/stats/log", s.HandleStatsLog)
	r.Get("/nodes", s.HandleListNodes)
	r.Get("/config", s.HandleGetConfig)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Put("/config", s.HandleUpdateConfig)
		r.Post("/nodes", s.HandleAddNode)
	})
}
