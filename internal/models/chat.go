package models

import (
	"sort"
	"strings"
)

// AgentKind identifies a specialist agent.
type AgentKind string

const (
	AgentDiet    AgentKind = "diet"
	AgentFitness AgentKind = "fitness"
	AgentMedical AgentKind = "medical"
	AgentGeneral AgentKind = "general"
)

// KnownAgents lists every dispatchable agent kind.
var KnownAgents = []AgentKind{AgentDiet, AgentFitness, AgentMedical, AgentGeneral}

// ParseAgentKind normalizes a classifier label. The second return value is
// false when the label is not a known agent.
func ParseAgentKind(s string) (AgentKind, bool) {
	k := AgentKind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range KnownAgents {
		if k == known {
			return k, true
		}
	}
	return "", false
}

// RoutingDecision is the classifier output. Confidence is nil when the
// classification fell back to the general agent without a usable score.
type RoutingDecision struct {
	Agent      AgentKind `json:"agent"`
	Confidence *float64  `json:"confidence,omitempty"`
	Reason     string    `json:"reason"`
}

// StreamChunk is one unit of specialist output. A chunk with a non-nil Err
// is terminal; no content follows it.
type StreamChunk struct {
	Content string
	Err     error
}

// Stream event types emitted over SSE. Exactly one routing event opens a
// stream; exactly one done or error event ends it.
const (
	EventRouting = "routing"
	EventContent = "content"
	EventDone    = "done"
	EventError   = "error"
)

// StreamEvent is the wire shape of a single SSE data payload.
type StreamEvent struct {
	Type       string    `json:"type"`
	Agent      AgentKind `json:"agent,omitempty"`
	Confidence *float64  `json:"confidence,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Content    string    `json:"content,omitempty"`
	SessionID  string    `json:"session_id,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// ChatRequest is the inbound message body on the chat endpoint.
type ChatRequest struct {
	Role        string       `json:"role,omitempty"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// ContextBundle is the assembled model context for one generation: memory
// artifacts ordered profile first, then dailies oldest to newest, then the
// live conversation tail.
type ContextBundle struct {
	Profile *MemoryArtifact
	Daily   []*MemoryArtifact
	Tail    []Message
}

// RenderMemory flattens the memory artifacts into a markdown block for the
// system prompt. The live tail is passed to the model as chat turns, not
// rendered here.
func (b *ContextBundle) RenderMemory() string {
	if b == nil || (b.Profile == nil && len(b.Daily) == 0) {
		return ""
	}
	var sb strings.Builder
	if b.Profile != nil {
		sb.WriteString("## User Profile\n")
		renderArtifact(&sb, b.Profile)
	}
	for _, d := range b.Daily {
		sb.WriteString("## Daily Notes (" + strings.TrimPrefix(d.Scope, "daily:") + ")\n")
		renderArtifact(&sb, d)
	}
	return sb.String()
}

func renderArtifact(sb *strings.Builder, a *MemoryArtifact) {
	if len(a.Topics) > 0 {
		sb.WriteString("Topics: " + strings.Join(a.Topics, ", ") + "\n")
	}
	for _, ins := range a.Insights {
		sb.WriteString("- " + ins + "\n")
	}
	for _, item := range a.ActionItems {
		mark := "[ ]"
		if item.Done {
			mark = "[x]"
		}
		sb.WriteString("- " + mark + " " + item.Text + "\n")
	}
	names := make([]string, 0, len(a.Metrics))
	for name := range a.Metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		m := a.Metrics[name]
		sb.WriteString("- " + name + ": " + m.Value)
		if m.Unit != "" {
			sb.WriteString(" " + m.Unit)
		}
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
}

// ApproxSize estimates the bundle's footprint in bytes for budget checks.
func (b *ContextBundle) ApproxSize() int {
	size := len(b.RenderMemory())
	for _, m := range b.Tail {
		size += len(m.Content)
	}
	return size
}
