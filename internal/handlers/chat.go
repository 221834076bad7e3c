package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"

	"healthguard/internal/models"
	"healthguard/internal/services"
)

// ChatHandler handles the chat endpoint in both streaming and sync modes.
type ChatHandler struct {
	chat *services.ChatService
}

// NewChatHandler creates a new chat handler
func NewChatHandler(chat *services.ChatService) *ChatHandler {
	return &ChatHandler{chat: chat}
}

// SendMessage handles POST /api/chat/message. With stream=true the reply
// arrives as SSE events; otherwise the handler blocks and returns the full
// reply as JSON. An absent session_id starts a new session.
func (h *ChatHandler) SendMessage(c *fiber.Ctx) error {
	userID, ok := c.Locals("user_id").(string)
	if !ok || userID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
	}

	var req models.ChatRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if strings.TrimSpace(req.Content) == "" && len(req.Attachments) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Message content is required"})
	}

	sessionID := c.Query("session_id")

	if c.Query("stream") == "true" {
		return h.streamReply(c, userID, sessionID, req)
	}
	return h.syncReply(c, userID, sessionID, req)
}

func (h *ChatHandler) syncReply(c *fiber.Ctx, userID, sessionID string, req models.ChatRequest) error {
	result, err := h.chat.SendMessage(c.Context(), userID, sessionID, req)
	if err != nil {
		// The reply was generated but not persisted: surface the text so
		// the client does not lose it.
		if result != nil && result.Reply != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error":      err.Error(),
				"session_id": result.SessionID,
				"content":    result.Reply.Content,
			})
		}
		return intakeError(c, err)
	}

	if result.Reply == nil {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error":      "no reply generated",
			"session_id": result.SessionID,
		})
	}

	resp := fiber.Map{
		"id":         result.Reply.ID,
		"session_id": result.SessionID,
		"role":       result.Reply.Role,
		"content":    result.Reply.Content,
		"timestamp":  result.Reply.Timestamp,
	}
	if len(result.Reply.Attachments) > 0 {
		resp["attachments"] = result.Reply.Attachments
	}
	return c.JSON(resp)
}

func (h *ChatHandler) streamReply(c *fiber.Ctx, userID, sessionID string, req models.ChatRequest) error {
	// The stream outlives this handler, so generation runs on a detached
	// context cancelled when the writer observes the client gone.
	streamCtx, cancel := context.WithCancel(context.Background())

	events, _, err := h.chat.StreamMessage(streamCtx, userID, sessionID, req)
	if err != nil {
		cancel()
		return intakeError(c, err)
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer cancel()
		for ev := range events {
			payload, err := json.Marshal(ev)
			if err != nil {
				log.Printf("❌ [CHAT] Failed to marshal event: %v", err)
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			if err := w.Flush(); err != nil {
				// Client disconnected: stop generation and drain so the
				// coordinator can unwind.
				cancel()
				for range events {
				}
				return
			}
		}
	}))
	return nil
}

// intakeError maps pre-stream failures to HTTP statuses.
func intakeError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Session not found"})
	case errors.Is(err, models.ErrSessionBusy):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "A reply is already being generated for this session"})
	case errors.Is(err, models.ErrGenerationFailure):
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": err.Error()})
	default:
		log.Printf("❌ [CHAT] Intake failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to process message"})
	}
}
