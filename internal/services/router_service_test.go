package services

import (
	"context"
	"testing"

	"healthguard/internal/models"
)

func TestClassify_ValidJSON(t *testing.T) {
	provider := &fakeProvider{
		configured:      true,
		completionReply: `{"agent": "diet", "confidence": 0.9, "reason": "asks about meals"}`,
	}
	router := NewRouterService(provider, "classify")

	decision := router.Classify(context.Background(), "what should I eat?", "")

	if decision.Agent != models.AgentDiet {
		t.Errorf("Agent = %s, want diet", decision.Agent)
	}
	if decision.Confidence == nil || *decision.Confidence != 0.9 {
		t.Errorf("Confidence = %v, want 0.9", decision.Confidence)
	}
	if decision.Reason != "asks about meals" {
		t.Errorf("Reason = %q", decision.Reason)
	}
}

func TestClassify_FencedJSON(t *testing.T) {
	provider := &fakeProvider{
		configured:      true,
		completionReply: "```json\n{\"agent\": \"fitness\", \"confidence\": 0.8, \"reason\": \"workout\"}\n```",
	}
	router := NewRouterService(provider, "classify")

	decision := router.Classify(context.Background(), "leg day plan?", "")
	if decision.Agent != models.AgentFitness {
		t.Errorf("Agent = %s, want fitness", decision.Agent)
	}
}

func TestClassify_UnparseableFallsBackToGeneral(t *testing.T) {
	tests := []struct {
		name  string
		reply string
	}{
		{"prose", "I think this is about diet."},
		{"empty", ""},
		{"unknown agent", `{"agent": "surgeon", "confidence": 0.9, "reason": "x"}`},
		{"truncated", `{"agent": "diet", "confi`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := &fakeProvider{configured: true, completionReply: tt.reply}
			router := NewRouterService(provider, "classify")

			decision := router.Classify(context.Background(), "hello", "")

			if decision.Agent != models.AgentGeneral {
				t.Errorf("Agent = %s, want general", decision.Agent)
			}
			if decision.Confidence != nil {
				t.Errorf("Confidence = %v, want nil", *decision.Confidence)
			}
			if decision.Reason != "fallback: unparseable classification" {
				t.Errorf("Reason = %q", decision.Reason)
			}
		})
	}
}

func TestClassify_ConfidenceClamped(t *testing.T) {
	provider := &fakeProvider{
		configured:      true,
		completionReply: `{"agent": "medical", "confidence": 1.7, "reason": "labs"}`,
	}
	router := NewRouterService(provider, "classify")

	decision := router.Classify(context.Background(), "my a1c result", "")
	if decision.Confidence == nil || *decision.Confidence != 1.0 {
		t.Errorf("Confidence = %v, want clamped 1.0", decision.Confidence)
	}
}

func TestClassify_ProviderDownUsesKeywords(t *testing.T) {
	provider := &fakeProvider{configured: true, completionErr: errProviderDown}
	router := NewRouterService(provider, "classify")

	decision := router.Classify(context.Background(), "what should I eat for breakfast?", "")

	if decision.Agent != models.AgentDiet {
		t.Errorf("Agent = %s, want diet from keyword fallback", decision.Agent)
	}
	if decision.Confidence == nil {
		t.Fatal("Keyword fallback should carry a confidence")
	}
}

func TestKeywordClassify(t *testing.T) {
	router := NewRouterService(nil, "")

	tests := []struct {
		name    string
		content string
		want    models.AgentKind
	}{
		{"diet", "planning my lunch and dinner meals", models.AgentDiet},
		{"fitness", "how many steps should I walk after the gym", models.AgentFitness},
		{"medical", "my glucose and insulin labs came back", models.AgentMedical},
		{"greeting", "hi there!", models.AgentGeneral},
		{"empty", "", models.AgentGeneral},
		{"noise", "asdf qwerty 12345", models.AgentGeneral},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision := router.Classify(context.Background(), tt.content, "")
			if decision.Agent != tt.want {
				t.Errorf("Classify(%q) = %s, want %s", tt.content, decision.Agent, tt.want)
			}
			if decision.Confidence == nil {
				t.Error("Keyword decisions must carry a confidence")
			} else if *decision.Confidence < 0 || *decision.Confidence > 1 {
				t.Errorf("Confidence %f out of range", *decision.Confidence)
			}
			if decision.Reason == "" {
				t.Error("Decision must carry a reason")
			}
		})
	}
}

func TestKeywordClassify_MedicalWinsTies(t *testing.T) {
	router := NewRouterService(nil, "")

	// One diet keyword and one medical keyword.
	decision := router.Classify(context.Background(), "does sugar affect glucose", "")
	if decision.Agent != models.AgentMedical {
		t.Errorf("Agent = %s, want medical on tie", decision.Agent)
	}
}
