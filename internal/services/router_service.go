package services

import (
	"context"
	"encoding/json"
	"log"
	"strings"

	"healthguard/internal/llm"
	"healthguard/internal/models"
)

// RouterService classifies user messages into specialist categories. It is
// total: every input yields a decision. An LLM classification that cannot
// be parsed falls back to the general agent; a provider that is down or
// unconfigured falls back to deterministic keyword scoring.
type RouterService struct {
	provider     llm.Provider
	systemPrompt string
}

// fallbackUnparseable is the decision reason when the classifier answered
// but its output was not usable.
const fallbackUnparseable = "fallback: unparseable classification"

// NewRouterService creates a new router service
func NewRouterService(provider llm.Provider, systemPrompt string) *RouterService {
	return &RouterService{provider: provider, systemPrompt: systemPrompt}
}

// Classify routes a message. recentContext carries the last few transcript
// lines so follow-ups like "what about lunch?" route correctly.
func (s *RouterService) Classify(ctx context.Context, content, recentContext string) models.RoutingDecision {
	if s.provider == nil || !s.provider.Configured() {
		return s.keywordClassify(content)
	}

	messages := []llm.ChatMessage{{Role: models.RoleSystem, Content: s.systemPrompt}}
	if recentContext != "" {
		messages = append(messages, llm.ChatMessage{
			Role:    models.RoleSystem,
			Content: "Recent conversation:\n" + recentContext,
		})
	}
	messages = append(messages, llm.ChatMessage{
		Role:    models.RoleUser,
		Content: "Classify this message: " + content,
	})

	raw, err := s.provider.ChatCompletion(ctx, messages, 0.1)
	if err != nil {
		log.Printf("⚠️  [ROUTER] Classifier unavailable, using keyword fallback: %v", err)
		return s.keywordClassify(content)
	}

	decision, ok := parseClassification(raw)
	if !ok {
		log.Printf("⚠️  [ROUTER] Unparseable classification: %q", truncateForLog(raw))
		return models.RoutingDecision{
			Agent:  models.AgentGeneral,
			Reason: fallbackUnparseable,
		}
	}
	return decision
}

// parseClassification extracts a routing decision from classifier output,
// tolerating markdown code fences around the JSON.
func parseClassification(raw string) (models.RoutingDecision, bool) {
	text := strings.TrimSpace(raw)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.Index(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}

	var parsed struct {
		Agent      string   `json:"agent"`
		Confidence *float64 `json:"confidence"`
		Reason     string   `json:"reason"`
	}
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return models.RoutingDecision{}, false
	}

	agent, ok := models.ParseAgentKind(parsed.Agent)
	if !ok {
		return models.RoutingDecision{}, false
	}

	confidence := parsed.Confidence
	if confidence != nil {
		c := clamp01(*confidence)
		confidence = &c
	}
	return models.RoutingDecision{
		Agent:      agent,
		Confidence: confidence,
		Reason:     parsed.Reason,
	}, true
}

// Keyword vocabularies for the deterministic fallback classifier.
var (
	dietKeywords = []string{
		"eat", "food", "meal", "diet", "breakfast", "lunch", "dinner",
		"snack", "carb", "sugar", "calorie", "recipe", "nutrition",
		"protein", "fiber", "glycemic",
	}
	fitnessKeywords = []string{
		"exercise", "workout", "gym", "run", "walk", "training", "steps",
		"cardio", "strength", "yoga", "swim", "cycling", "stretch",
	}
	medicalKeywords = []string{
		"glucose", "insulin", "blood", "a1c", "hba1c", "medication",
		"doctor", "symptom", "lab", "test result", "metformin",
		"prescription", "diagnosis", "pressure",
	}
)

// keywordClassify scores the message against each vocabulary. Confidence
// grows with the match count and is capped below certainty.
func (s *RouterService) keywordClassify(content string) models.RoutingDecision {
	lower := strings.ToLower(content)

	dietScore := countMatches(lower, dietKeywords)
	fitnessScore := countMatches(lower, fitnessKeywords)
	medicalScore := countMatches(lower, medicalKeywords)

	best := models.AgentGeneral
	score := 0
	reason := "General conversation or greeting"

	// Medical wins ties: health-critical content should never land on a
	// lighter-weight specialist.
	if medicalScore > score {
		best, score, reason = models.AgentMedical, medicalScore, "Message contains medical or lab-related keywords"
	}
	if dietScore > score {
		best, score, reason = models.AgentDiet, dietScore, "Message contains diet or food-related keywords"
	}
	if fitnessScore > score {
		best, score, reason = models.AgentFitness, fitnessScore, "Message contains fitness or exercise-related keywords"
	}

	confidence := 0.8
	if best != models.AgentGeneral {
		confidence = clamp01(0.6 + float64(score)*0.1)
		if confidence > 0.95 {
			confidence = 0.95
		}
	}

	return models.RoutingDecision{Agent: best, Confidence: &confidence, Reason: reason}
}

func countMatches(lower string, keywords []string) int {
	count := 0
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			count++
		}
	}
	return count
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func truncateForLog(s string) string {
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
