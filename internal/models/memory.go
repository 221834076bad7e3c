package models

import (
	"fmt"
	"time"
)

// ScopeProfile is the scope tag on the long-lived profile artifact.
// Daily artifacts use DailyScope(date).
const ScopeProfile = "profile"

// DailyScope returns the scope tag for a per-day artifact.
func DailyScope(day time.Time) string {
	return fmt.Sprintf("daily:%s", day.UTC().Format("2006-01-02"))
}

// ActionItem is a follow-up extracted from conversation.
type ActionItem struct {
	Text string `json:"text"`
	Done bool   `json:"done"`
}

// MetricValue is a single health metric observation.
type MetricValue struct {
	Value      string    `json:"value"`
	Unit       string    `json:"unit,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// MemoryArtifact is a consolidated memory document. Daily artifacts are
// regenerated in full on each consolidation run; the profile artifact is
// merged incrementally and insights are only replaced when a newer insight
// carries the same topic key.
type MemoryArtifact struct {
	OwnerID     string                 `json:"owner_id"`
	Scope       string                 `json:"scope"`
	Topics      []string               `json:"topics,omitempty"`
	Insights    []string               `json:"insights,omitempty"`
	ActionItems []ActionItem           `json:"action_items,omitempty"`
	Metrics     map[string]MetricValue `json:"metrics,omitempty"`
	GeneratedAt time.Time              `json:"generated_at"`
}
