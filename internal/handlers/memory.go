package handlers

import (
	"errors"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"

	"healthguard/internal/models"
	"healthguard/internal/services"
)

// MemoryHandler serves memory artifacts and manual consolidation triggers.
type MemoryHandler struct {
	consolidation *services.ConsolidationService
	lookbackDays  int
}

// NewMemoryHandler creates a new memory handler
func NewMemoryHandler(consolidation *services.ConsolidationService, lookbackDays int) *MemoryHandler {
	return &MemoryHandler{consolidation: consolidation, lookbackDays: lookbackDays}
}

// GetProfile handles GET /api/memory/profile.
func (h *MemoryHandler) GetProfile(c *fiber.Ctx) error {
	userID, ok := c.Locals("user_id").(string)
	if !ok || userID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
	}

	profile, err := h.consolidation.GetProfile(c.Context(), userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "No profile memory yet"})
		}
		log.Printf("❌ [MEMORY] GetProfile failed for %s: %v", userID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to load profile"})
	}
	return c.JSON(profile)
}

// GetDaily handles GET /api/memory/daily/:date.
func (h *MemoryHandler) GetDaily(c *fiber.Ctx) error {
	userID, ok := c.Locals("user_id").(string)
	if !ok || userID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
	}

	date := c.Params("date")
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Date must be YYYY-MM-DD"})
	}

	artifact, err := h.consolidation.GetDaily(c.Context(), userID, date)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "No daily memory for that date"})
		}
		log.Printf("❌ [MEMORY] GetDaily failed for %s/%s: %v", userID, date, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to load daily memory"})
	}
	return c.JSON(artifact)
}

// GetRecent handles GET /api/memory/recent?days=N.
func (h *MemoryHandler) GetRecent(c *fiber.Ctx) error {
	userID, ok := c.Locals("user_id").(string)
	if !ok || userID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
	}

	days := c.QueryInt("days", h.lookbackDays)
	if days < 1 || days > 31 {
		days = h.lookbackDays
	}

	artifacts, err := h.consolidation.GetRecent(c.Context(), userID, days)
	if err != nil {
		log.Printf("❌ [MEMORY] GetRecent failed for %s: %v", userID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to load recent memory"})
	}

	return c.JSON(fiber.Map{
		"days":      days,
		"artifacts": artifacts,
		"count":     len(artifacts),
	})
}

// ConsolidateDate handles POST /api/memory/consolidate/:date, rebuilding
// one day on demand.
func (h *MemoryHandler) ConsolidateDate(c *fiber.Ctx) error {
	userID, ok := c.Locals("user_id").(string)
	if !ok || userID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
	}

	day, err := time.Parse("2006-01-02", c.Params("date"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Date must be YYYY-MM-DD"})
	}

	artifact, err := h.consolidation.ConsolidateDay(c.Context(), userID, day)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "No messages on that date"})
		}
		log.Printf("❌ [MEMORY] Consolidation failed for %s: %v", userID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Consolidation failed"})
	}
	return c.JSON(artifact)
}

// ConsolidateAuto handles POST /api/memory/consolidate, filling gaps over
// the lookback window and refreshing the profile.
func (h *MemoryHandler) ConsolidateAuto(c *fiber.Ctx) error {
	userID, ok := c.Locals("user_id").(string)
	if !ok || userID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
	}

	var req struct {
		LookbackDays int `json:"lookback_days"`
	}
	if err := c.BodyParser(&req); err != nil && len(c.Body()) > 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if req.LookbackDays < 1 || req.LookbackDays > 30 {
		req.LookbackDays = h.lookbackDays
	}

	artifacts, err := h.consolidation.ConsolidateAuto(c.Context(), userID, req.LookbackDays)
	if err != nil {
		log.Printf("❌ [MEMORY] Auto consolidation failed for %s: %v", userID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Consolidation failed"})
	}

	return c.JSON(fiber.Map{
		"consolidated": len(artifacts),
		"artifacts":    artifacts,
	})
}
