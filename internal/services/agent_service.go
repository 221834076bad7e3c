package services

import (
	"context"
	"fmt"
	"strings"

	"healthguard/internal/config"
	"healthguard/internal/llm"
	"healthguard/internal/models"
)

// Specialist is one domain agent: a name and the system prompt that shapes
// its generations.
type Specialist struct {
	Kind         models.AgentKind
	Name         string
	SystemPrompt string
}

// AgentDispatcher holds the fixed specialist set and turns a routing
// decision into a finite chunk stream. Dispatch fails fast only for an
// unknown agent kind; provider failures surface as a terminal error chunk
// inside the stream.
type AgentDispatcher struct {
	provider    llm.Provider
	specialists map[models.AgentKind]*Specialist
}

// NewAgentDispatcher creates a dispatcher with all four specialists.
func NewAgentDispatcher(provider llm.Provider, prompts config.AgentPrompts) *AgentDispatcher {
	return &AgentDispatcher{
		provider: provider,
		specialists: map[models.AgentKind]*Specialist{
			models.AgentDiet:    {Kind: models.AgentDiet, Name: "Diet Specialist", SystemPrompt: prompts.Diet},
			models.AgentFitness: {Kind: models.AgentFitness, Name: "Fitness Specialist", SystemPrompt: prompts.Fitness},
			models.AgentMedical: {Kind: models.AgentMedical, Name: "Medical Specialist", SystemPrompt: prompts.Medical},
			models.AgentGeneral: {Kind: models.AgentGeneral, Name: "General Assistant", SystemPrompt: prompts.General},
		},
	}
}

// Dispatch routes a message to a specialist and returns its chunk stream.
// The channel always closes after a finite number of chunks; a chunk with
// Err set is terminal.
func (d *AgentDispatcher) Dispatch(ctx context.Context, kind models.AgentKind, bundle *models.ContextBundle, content string) (<-chan models.StreamChunk, error) {
	specialist, ok := d.specialists[kind]
	if !ok {
		return nil, fmt.Errorf("agent %q: %w", kind, models.ErrUnknownAgent)
	}

	if d.provider == nil || !d.provider.Configured() {
		return d.cannedReply(specialist, content), nil
	}

	deltas, err := d.provider.StreamChatCompletion(ctx, buildMessages(specialist, bundle, content), 0.7)
	if err != nil {
		// Stream never started. Per the one-terminal-error contract the
		// failure is delivered inside the stream, not as a dispatch error.
		out := make(chan models.StreamChunk, 1)
		out <- models.StreamChunk{Err: fmt.Errorf("%v: %w", err, models.ErrGenerationFailure)}
		close(out)
		return out, nil
	}

	out := make(chan models.StreamChunk)
	go func() {
		defer close(out)
		for delta := range deltas {
			if delta.Err != nil {
				select {
				case out <- models.StreamChunk{Err: fmt.Errorf("%v: %w", delta.Err, models.ErrGenerationFailure)}:
				case <-ctx.Done():
				}
				return
			}
			select {
			case out <- models.StreamChunk{Content: delta.Content}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// buildMessages assembles the completion request: specialist prompt plus
// rendered memory as system context, then the live tail, then the new
// message.
func buildMessages(specialist *Specialist, bundle *models.ContextBundle, content string) []llm.ChatMessage {
	system := specialist.SystemPrompt
	if memory := bundle.RenderMemory(); memory != "" {
		system += "\n\n# What you know about this user\n" + memory
	}

	messages := []llm.ChatMessage{{Role: models.RoleSystem, Content: system}}
	for _, m := range bundle.Tail {
		messages = append(messages, llm.ChatMessage{Role: m.Role, Content: m.Content})
	}
	return append(messages, llm.ChatMessage{Role: models.RoleUser, Content: content})
}

// cannedReply covers operation without a completion provider: a single
// terminal chunk with a deterministic reply.
func (d *AgentDispatcher) cannedReply(specialist *Specialist, content string) <-chan models.StreamChunk {
	out := make(chan models.StreamChunk, 1)
	out <- models.StreamChunk{Content: cannedText(specialist, content)}
	close(out)
	return out
}

var greetingWords = []string{"hi", "hello", "hey", "good morning", "good evening", "good afternoon"}

func cannedText(specialist *Specialist, content string) string {
	lower := strings.ToLower(strings.TrimSpace(content))

	if specialist.Kind == models.AgentGeneral {
		for _, g := range greetingWords {
			if strings.HasPrefix(lower, g) {
				return "Hello! I'm your health assistant. I can help with meal choices, " +
					"exercise plans, and understanding your lab results. What would you like to talk about?"
			}
		}
		if strings.Contains(lower, "help") || strings.Contains(lower, "what can you do") {
			return "I can help you with three things: diet (meals, recipes, blood sugar impact), " +
				"fitness (safe exercise plans), and medical questions (labs, symptoms, terminology). " +
				"Just ask in plain language."
		}
		return "I'm here to help you manage insulin resistance. Ask me about food, exercise, or your health data."
	}

	switch specialist.Kind {
	case models.AgentDiet:
		return "I can help with meal planning once a language model is configured. " +
			"In the meantime: favor low-glycemic foods, pair carbs with protein, and keep portions steady."
	case models.AgentFitness:
		return "I can build workout plans once a language model is configured. " +
			"In the meantime: a brisk 20-30 minute walk after meals is a great start."
	case models.AgentMedical:
		return "I can explain lab results once a language model is configured. " +
			"Please share medical questions with your clinician in the meantime."
	}
	return "This assistant needs a language model configured to answer that."
}
