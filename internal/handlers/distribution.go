package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"

	"knowledgeroute/internal/database"
	"knowledgeroute/internal/models"
	"knowledgeroute/internal/services"
)

const distributeTimeout = 3 * time.Minute

// Distributor runs one submission through the pipeline
type Distributor interface {
	Distribute(ctx context.Context, sub *models.Submission, opts services.DistributeOptions) (*services.DistributionResult, error)
}

// IslandRegistry lists and creates a user's islands
type IslandRegistry interface {
	ListForUser(ctx context.Context, userID string) ([]models.AgentProfile, error)
	CreateProfile(ctx context.Context, p *models.AgentProfile) error
}

// DistributeRequest is the body of POST /api/distributions
type DistributeRequest struct {
	models.Submission
	Stream   *bool `json:"stream,omitempty"` // nil uses the server default
	Async    bool  `json:"async"`
	Priority int   `json:"priority"`
}

// DistributionHandlerConfig holds server-wide request defaults
type DistributionHandlerConfig struct {
	AsyncAllowed     bool // requests may defer evaluation to the queue
	StreamingDefault bool // classify with the streaming protocol unless the request says otherwise
}

// DistributionHandler exposes the distribution pipeline over HTTP
type DistributionHandler struct {
	distributor Distributor
	registry    IslandRegistry
	repo        database.Repository
	config      DistributionHandlerConfig
}

// NewDistributionHandler creates a new distribution handler
func NewDistributionHandler(distributor Distributor, registry IslandRegistry, repo database.Repository, config DistributionHandlerConfig) *DistributionHandler {
	return &DistributionHandler{
		distributor: distributor,
		registry:    registry,
		repo:        repo,
		config:      config,
	}
}

// Distribute classifies, routes and stores a submission
// POST /api/distributions
func (h *DistributionHandler) Distribute(c *fiber.Ctx) error {
	var req DistributeRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if strings.TrimSpace(req.UserID) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "user_id is required",
		})
	}

	streaming := h.config.StreamingDefault
	if req.Stream != nil {
		streaming = *req.Stream
	}
	opts := services.DistributeOptions{
		Streaming: streaming,
		Async:     req.Async && h.config.AsyncAllowed,
		Priority:  req.Priority,
	}

	ctx, cancel := context.WithTimeout(context.Background(), distributeTimeout)
	defer cancel()

	result, err := h.distributor.Distribute(ctx, &req.Submission, opts)
	if err != nil {
		status, message := errorStatus(err)
		log.Printf("❌ [DISTRIBUTE-API] Distribution for user %s failed: %v", req.UserID, err)
		return c.Status(status).JSON(fiber.Map{"error": message})
	}

	if result.Queued {
		return c.Status(fiber.StatusAccepted).JSON(result)
	}
	return c.JSON(result)
}

// DistributeStream is Distribute with classification progress sent as
// server-sent events: "immediate", "deep", then "result" or "error".
// POST /api/distributions/stream
func (h *DistributionHandler) DistributeStream(c *fiber.Ctx) error {
	var req DistributeRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if strings.TrimSpace(req.UserID) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "user_id is required",
		})
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")

	sub := req.Submission
	priority := req.Priority
	async := req.Async && h.config.AsyncAllowed

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		ctx, cancel := context.WithTimeout(context.Background(), distributeTimeout)
		defer cancel()

		opts := services.DistributeOptions{
			Streaming: true,
			Async:     async,
			Priority:  priority,
			OnEvent: func(ev services.StreamEvent) {
				switch ev.Kind {
				case services.EventImmediate:
					writeEvent(w, "immediate", ev.Immediate)
				case services.EventDeep:
					writeEvent(w, "deep", ev.Deep)
				}
			},
		}

		result, err := h.distributor.Distribute(ctx, &sub, opts)
		if err != nil {
			_, message := errorStatus(err)
			log.Printf("❌ [DISTRIBUTE-API] Streaming distribution for user %s failed: %v", sub.UserID, err)
			writeEvent(w, "error", fiber.Map{"error": message})
			return
		}
		writeEvent(w, "result", result)
	})
	return nil
}

func writeEvent(w *bufio.Writer, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("⚠️ [DISTRIBUTE-API] Failed to encode %s event: %v", event, err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	if err := w.Flush(); err != nil {
		log.Printf("⚠️ [DISTRIBUTE-API] Client went away during %s event: %v", event, err)
	}
}

// errorStatus maps pipeline errors to an HTTP status and a client-safe message
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, services.ErrEmptySubmission):
		return fiber.StatusBadRequest, "Submission has no content"
	case errors.Is(err, services.ErrNoAgent):
		return fiber.StatusUnprocessableEntity, "No island available for this submission"
	case errors.Is(err, services.ErrAIUnavailable):
		return fiber.StatusServiceUnavailable, "AI provider unavailable, please retry later"
	case errors.Is(err, services.ErrIncompleteClassification), errors.Is(err, services.ErrMalformedClassification):
		return fiber.StatusBadGateway, "Classification failed"
	case errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout, "Distribution timed out"
	default:
		return fiber.StatusInternalServerError, "Distribution failed"
	}
}

// ListIslands returns a user's islands
// GET /api/islands/:userId
func (h *DistributionHandler) ListIslands(c *fiber.Ctx) error {
	// Params alias the request buffer; the registry keeps the key past this request
	userID := utils.CopyString(c.Params("userId"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	islands, err := h.registry.ListForUser(ctx, userID)
	if err != nil {
		log.Printf("❌ [ISLANDS-API] Failed to list islands for %s: %v", userID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to retrieve islands",
		})
	}
	if islands == nil {
		islands = []models.AgentProfile{}
	}

	return c.JSON(fiber.Map{
		"islands": islands,
		"total":   len(islands),
	})
}

// CreateIsland adds a custom island for a user
// POST /api/islands/:userId
func (h *DistributionHandler) CreateIsland(c *fiber.Ctx) error {
	var profile models.AgentProfile
	if err := c.BodyParser(&profile); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	profile.Name = strings.TrimSpace(profile.Name)
	if profile.Name == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "name is required",
		})
	}
	profile.UserID = utils.CopyString(c.Params("userId"))
	profile.ID = ""
	profile.MemoryCount = 0
	profile.ChatCount = 0

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.registry.CreateProfile(ctx, &profile); err != nil {
		log.Printf("❌ [ISLANDS-API] Failed to create island for %s: %v", profile.UserID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create island",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(profile)
}

// ListKnowledge returns stored knowledge for a user, optionally for one island
// GET /api/knowledge/:userId?agentId=...&limit=50
func (h *DistributionHandler) ListKnowledge(c *fiber.Ctx) error {
	userID := utils.CopyString(c.Params("userId"))
	agentID := utils.CopyString(c.Query("agentId", ""))
	limit, _ := strconv.Atoi(c.Query("limit", "50"))
	if limit < 1 || limit > 200 {
		limit = 50
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	records, err := h.repo.ListKnowledgeRecords(ctx, userID, agentID, limit)
	if err != nil {
		log.Printf("❌ [KNOWLEDGE-API] Failed to list knowledge for %s: %v", userID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to retrieve knowledge",
		})
	}
	if records == nil {
		records = []models.KnowledgeRecord{}
	}

	return c.JSON(fiber.Map{
		"records": records,
		"total":   len(records),
	})
}

// RegisterRoutes mounts the distribution API on router
func (h *DistributionHandler) RegisterRoutes(router fiber.Router) {
	router.Post("/distributions", h.Distribute)
	router.Post("/distributions/stream", h.DistributeStream)
	router.Get("/islands/:userId", h.ListIslands)
	router.Post("/islands/:userId", h.CreateIsland)
	router.Get("/knowledge/:userId", h.ListKnowledge)
}
