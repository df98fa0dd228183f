package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"knowledgeroute/internal/health"
	"knowledgeroute/internal/jobs"
	"knowledgeroute/internal/services"
)

// HealthHandler handles health check requests
type HealthHandler struct {
	healthService *health.Service
	scheduler     *jobs.JobScheduler
	cache         *services.ClassificationCache
}

// NewHealthHandler creates a new health handler. scheduler and cache may be nil.
func NewHealthHandler(healthService *health.Service, scheduler *jobs.JobScheduler, cache *services.ClassificationCache) *HealthHandler {
	return &HealthHandler{
		healthService: healthService,
		scheduler:     scheduler,
		cache:         cache,
	}
}

// Handle responds with server health status. The server is degraded when no
// provider can currently take traffic.
func (h *HealthHandler) Handle(c *fiber.Ctx) error {
	status := "healthy"
	providers := h.healthService.Snapshot()
	available := 0
	for _, p := range providers {
		if h.healthService.IsAvailable(p.Name) {
			available++
		}
	}
	if len(providers) > 0 && available == 0 {
		status = "degraded"
	}

	resp := fiber.Map{
		"status":    status,
		"providers": providers,
		"summary":   h.healthService.GetStatus(),
		"timestamp": time.Now().Format(time.RFC3339),
	}
	if h.scheduler != nil {
		resp["jobs"] = h.scheduler.GetStatus()
	}
	if h.cache != nil {
		resp["classification_cache"] = h.cache.Stats()
	}
	return c.JSON(resp)
}
