package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/makeasinger/genqueue/pkg/response"
)

// EngineProbe reports whether the generation engine answers.
type EngineProbe interface {
	IsServiceUp(ctx context.Context) bool
}

type HealthHandler struct {
	engine  EngineProbe
	journal string
	timeout time.Duration
}

func NewHealthHandler(engine EngineProbe, journalBackend string) *HealthHandler {
	return &HealthHandler{
		engine:  engine,
		journal: journalBackend,
		timeout: 3 * time.Second,
	}
}

// Check handles GET /health. The service stays healthy while the engine is
// down; queued jobs wait for it.
func (h *HealthHandler) Check(c *fiber.Ctx) error {
	engineStatus := "unconfigured"
	if h.engine != nil {
		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		defer cancel()
		engineStatus = "down"
		if h.engine.IsServiceUp(ctx) {
			engineStatus = "up"
		}
	}
	return response.OK(c, fiber.Map{
		"status":  "ok",
		"engine":  engineStatus,
		"journal": h.journal,
	})
}
