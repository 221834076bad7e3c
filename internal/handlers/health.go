package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"healthguard/internal/database"
)

// HealthHandler handles health check requests
type HealthHandler struct {
	db            *database.DB
	storageDriver string
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(db *database.DB, storageDriver string) *HealthHandler {
	return &HealthHandler{db: db, storageDriver: storageDriver}
}

// Handle responds with server health status
func (h *HealthHandler) Handle(c *fiber.Ctx) error {
	status := "healthy"
	if err := h.db.Ping(); err != nil {
		status = "degraded"
	}
	return c.JSON(fiber.Map{
		"status":    status,
		"storage":   h.storageDriver,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}
