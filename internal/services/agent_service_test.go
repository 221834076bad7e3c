package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	"healthguard/internal/config"
	"healthguard/internal/models"
)

func newTestDispatcher(provider *fakeProvider) *AgentDispatcher {
	return NewAgentDispatcher(provider, config.DefaultAgentPrompts())
}

func TestDispatch_UnknownAgent(t *testing.T) {
	dispatcher := newTestDispatcher(&fakeProvider{configured: true})

	_, err := dispatcher.Dispatch(context.Background(), models.AgentKind("surgeon"), &models.ContextBundle{}, "hi")
	if !errors.Is(err, models.ErrUnknownAgent) {
		t.Errorf("Expected ErrUnknownAgent, got %v", err)
	}
}

func TestDispatch_StreamsChunks(t *testing.T) {
	provider := &fakeProvider{configured: true, streamChunks: []string{"Eat ", "more ", "fiber."}}
	dispatcher := newTestDispatcher(provider)

	chunks, err := dispatcher.Dispatch(context.Background(), models.AgentDiet, &models.ContextBundle{}, "what should I eat?")
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	var sb strings.Builder
	for c := range chunks {
		if c.Err != nil {
			t.Fatalf("Unexpected chunk error: %v", c.Err)
		}
		sb.WriteString(c.Content)
	}
	if sb.String() != "Eat more fiber." {
		t.Errorf("Streamed %q", sb.String())
	}
}

func TestDispatch_ProviderErrorIsTerminalChunk(t *testing.T) {
	provider := &fakeProvider{
		configured:   true,
		streamChunks: []string{"partial"},
		streamErr:    errProviderDown,
	}
	dispatcher := newTestDispatcher(provider)

	chunks, err := dispatcher.Dispatch(context.Background(), models.AgentGeneral, &models.ContextBundle{}, "hi")
	if err != nil {
		t.Fatalf("Dispatch must not fail for provider errors: %v", err)
	}

	var sawErr bool
	for c := range chunks {
		if sawErr {
			t.Error("Chunk delivered after terminal error")
		}
		if c.Err != nil {
			if !errors.Is(c.Err, models.ErrGenerationFailure) {
				t.Errorf("Terminal chunk error = %v, want ErrGenerationFailure", c.Err)
			}
			sawErr = true
		}
	}
	if !sawErr {
		t.Error("Expected a terminal error chunk")
	}
}

func TestDispatch_NoProviderCannedReply(t *testing.T) {
	dispatcher := newTestDispatcher(&fakeProvider{configured: false})

	tests := []struct {
		name    string
		kind    models.AgentKind
		content string
		want    string
	}{
		{"greeting", models.AgentGeneral, "Hello there", "health assistant"},
		{"help", models.AgentGeneral, "what can you do?", "diet"},
		{"diet", models.AgentDiet, "meal ideas", "low-glycemic"},
		{"medical", models.AgentMedical, "my labs", "clinician"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks, err := dispatcher.Dispatch(context.Background(), tt.kind, &models.ContextBundle{}, tt.content)
			if err != nil {
				t.Fatalf("Dispatch failed: %v", err)
			}

			count := 0
			var text string
			for c := range chunks {
				if c.Err != nil {
					t.Fatalf("Unexpected error: %v", c.Err)
				}
				count++
				text = c.Content
			}
			if count != 1 {
				t.Errorf("Canned reply sent %d chunks, want 1", count)
			}
			if !strings.Contains(text, tt.want) {
				t.Errorf("Canned reply %q missing %q", text, tt.want)
			}
		})
	}
}

func TestBuildMessages_IncludesMemoryAndTail(t *testing.T) {
	specialist := &Specialist{Kind: models.AgentDiet, SystemPrompt: "diet prompt"}
	bundle := &models.ContextBundle{
		Profile: &models.MemoryArtifact{Scope: models.ScopeProfile, Insights: []string{"prefers fish"}},
		Tail: []models.Message{
			{Role: models.RoleUser, Content: "earlier question"},
			{Role: models.RoleAssistant, Content: "earlier answer"},
		},
	}

	messages := buildMessages(specialist, bundle, "new question")

	if len(messages) != 4 {
		t.Fatalf("Got %d messages, want 4", len(messages))
	}
	if messages[0].Role != models.RoleSystem || !strings.Contains(messages[0].Content, "prefers fish") {
		t.Error("System message missing memory")
	}
	if messages[1].Content != "earlier question" || messages[2].Content != "earlier answer" {
		t.Error("Tail not carried in order")
	}
	if messages[3].Role != models.RoleUser || messages[3].Content != "new question" {
		t.Error("New message must come last")
	}
}
