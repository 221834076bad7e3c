package handlers

import (
	"errors"
	"log"

	"github.com/gofiber/fiber/v2"

	"healthguard/internal/models"
	"healthguard/internal/services"
)

// SessionHandler serves session listings and transcripts.
type SessionHandler struct {
	sessions *services.SessionService
}

// NewSessionHandler creates a new session handler
func NewSessionHandler(sessions *services.SessionService) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

// List handles GET /api/sessions. Listing reads only the metadata index.
func (h *SessionHandler) List(c *fiber.Ctx) error {
	userID, ok := c.Locals("user_id").(string)
	if !ok || userID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
	}

	limit := c.QueryInt("limit", 20)
	if limit < 1 || limit > 100 {
		limit = 20
	}

	sessions, err := h.sessions.List(c.Context(), userID, limit)
	if err != nil {
		log.Printf("❌ [SESSION] List failed for %s: %v", userID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to list sessions"})
	}

	return c.JSON(fiber.Map{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// GetActive handles GET /api/sessions/active.
func (h *SessionHandler) GetActive(c *fiber.Ctx) error {
	userID, ok := c.Locals("user_id").(string)
	if !ok || userID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
	}

	meta, err := h.sessions.GetLastActive(c.Context(), userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "No sessions yet"})
		}
		log.Printf("❌ [SESSION] GetActive failed for %s: %v", userID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to load active session"})
	}

	return c.JSON(meta)
}

// Get handles GET /api/sessions/:id and returns the full transcript.
func (h *SessionHandler) Get(c *fiber.Ctx) error {
	userID, ok := c.Locals("user_id").(string)
	if !ok || userID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
	}

	sessionID := c.Params("id")
	if sessionID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Session id is required"})
	}

	session, err := h.sessions.Get(c.Context(), userID, sessionID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Session not found"})
		}
		log.Printf("❌ [SESSION] Get failed for %s: %v", sessionID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to load session"})
	}

	return c.JSON(session)
}
