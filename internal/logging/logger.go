package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init configures the global slog logger.
// In production (ENVIRONMENT=production) it uses JSON output for log aggregation.
// Otherwise it uses the human-readable text handler.
func Init() {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))

	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})
	}

	slog.SetDefault(slog.New(handler))
}

// WithGeneration returns a logger with generation context fields attached.
// Use this for all logging within a single chat generation.
func WithGeneration(ownerID, sessionID, agent string) *slog.Logger {
	return slog.With(
		"owner_id", ownerID,
		"session_id", sessionID,
		"agent", agent,
	)
}

// WithConsolidation returns a logger scoped to one consolidation run.
func WithConsolidation(ownerID, date string) *slog.Logger {
	return slog.With(
		"owner_id", ownerID,
		"date", date,
	)
}
