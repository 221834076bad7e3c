package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"healthguard/internal/models"
)

var testDay = time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)

func newTestConsolidation(t *testing.T, provider *fakeProvider) (*ConsolidationService, *SessionService) {
	t.Helper()
	sessions := newTestSessionService(t)
	svc := NewConsolidationService(sessions.store, sessions, provider, nil)
	svc.now = func() time.Time { return testDay.Add(30 * time.Hour) } // next day, 06:00 UTC
	return svc, sessions
}

func seedDay(t *testing.T, sessions *SessionService, ownerID string, contents []string) {
	t.Helper()
	ctx := context.Background()
	sid := ""
	for i, content := range contents {
		meta, err := sessions.Append(ctx, ownerID, sid, models.Message{
			Role:      models.RoleUser,
			Content:   content,
			Timestamp: testDay.Add(time.Duration(i+1) * time.Hour),
		})
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		sid = meta.SessionID
	}
}

func TestConsolidateDay_Fallback(t *testing.T) {
	svc, sessions := newTestConsolidation(t, &fakeProvider{configured: false})
	seedDay(t, sessions, "u1", []string{
		"I walked 8000 steps today after dinner",
		"weighed in at 82.5 kg this morning",
	})

	artifact, err := svc.ConsolidateDay(context.Background(), "u1", testDay)
	if err != nil {
		t.Fatalf("ConsolidateDay failed: %v", err)
	}

	if artifact.Scope != "daily:2026-08-28" {
		t.Errorf("Scope = %q", artifact.Scope)
	}
	if len(artifact.Topics) == 0 {
		t.Error("Expected topics from keyword extraction")
	}
	if artifact.Metrics["steps"].Value != "8000" {
		t.Errorf("steps metric = %+v", artifact.Metrics["steps"])
	}
	if artifact.Metrics["weight"].Value != "82.5" {
		t.Errorf("weight metric = %+v", artifact.Metrics["weight"])
	}

	// Stored and loadable.
	loaded, err := svc.GetDaily(context.Background(), "u1", "2026-08-28")
	if err != nil {
		t.Fatalf("GetDaily failed: %v", err)
	}
	if loaded.Scope != artifact.Scope {
		t.Errorf("Loaded scope = %q", loaded.Scope)
	}
}

func TestConsolidateDay_Idempotent(t *testing.T) {
	svc, sessions := newTestConsolidation(t, &fakeProvider{configured: false})
	seedDay(t, sessions, "u1", []string{"ran 5 km and ate a low carb lunch"})
	ctx := context.Background()

	first, err := svc.ConsolidateDay(ctx, "u1", testDay)
	if err != nil {
		t.Fatalf("First run failed: %v", err)
	}
	second, err := svc.ConsolidateDay(ctx, "u1", testDay)
	if err != nil {
		t.Fatalf("Second run failed: %v", err)
	}

	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	if string(a) != string(b) {
		t.Errorf("Re-running a day changed the artifact:\n%s\n%s", a, b)
	}
}

func TestConsolidateDay_NoMessages(t *testing.T) {
	svc, _ := newTestConsolidation(t, &fakeProvider{configured: false})

	_, err := svc.ConsolidateDay(context.Background(), "u1", testDay)
	if !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestConsolidateDay_LLM(t *testing.T) {
	provider := &fakeProvider{
		configured: true,
		completionReply: `{
			"topics": ["diet"],
			"insights": ["diet: user is cutting evening carbs"],
			"action_items": ["log meals for a week"],
			"metrics": {"glucose": {"value": "105", "unit": "mg/dl"}}
		}`,
	}
	svc, sessions := newTestConsolidation(t, provider)
	seedDay(t, sessions, "u1", []string{"trying to cut carbs at night, glucose was 105 mg/dl"})

	artifact, err := svc.ConsolidateDay(context.Background(), "u1", testDay)
	if err != nil {
		t.Fatalf("ConsolidateDay failed: %v", err)
	}

	if len(artifact.Insights) != 1 || artifact.Insights[0] != "diet: user is cutting evening carbs" {
		t.Errorf("Insights = %v", artifact.Insights)
	}
	if len(artifact.ActionItems) != 1 || artifact.ActionItems[0].Text != "log meals for a week" {
		t.Errorf("ActionItems = %v", artifact.ActionItems)
	}
	if artifact.Metrics["glucose"].Value != "105" {
		t.Errorf("Metrics = %v", artifact.Metrics)
	}
}

func TestConsolidateDay_LLMGarbageFallsBack(t *testing.T) {
	provider := &fakeProvider{configured: true, completionReply: "sorry, I can't do that"}
	svc, sessions := newTestConsolidation(t, provider)
	seedDay(t, sessions, "u1", []string{"walked 3000 steps"})

	artifact, err := svc.ConsolidateDay(context.Background(), "u1", testDay)
	if err != nil {
		t.Fatalf("ConsolidateDay failed: %v", err)
	}
	if artifact.Metrics["steps"].Value != "3000" {
		t.Errorf("Fallback metrics = %v", artifact.Metrics)
	}
}

func TestConsolidateAuto_SkipsExistingDays(t *testing.T) {
	svc, sessions := newTestConsolidation(t, &fakeProvider{configured: false})
	seedDay(t, sessions, "u1", []string{"gym session, 45 minutes"})
	ctx := context.Background()

	first, err := svc.ConsolidateAuto(ctx, "u1", 7)
	if err != nil {
		t.Fatalf("First auto run failed: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("First run produced %d artifacts, want 1", len(first))
	}

	// All days now covered or empty; nothing to produce.
	second, err := svc.ConsolidateAuto(ctx, "u1", 7)
	if err != nil {
		t.Fatalf("Second auto run failed: %v", err)
	}
	if len(second) != 0 {
		t.Errorf("Second run produced %d artifacts, want 0", len(second))
	}
}

func TestConsolidateAuto_BuildsProfile(t *testing.T) {
	svc, sessions := newTestConsolidation(t, &fakeProvider{configured: false})
	seedDay(t, sessions, "u1", []string{"ate a low sugar breakfast, walked 6000 steps"})
	ctx := context.Background()

	if _, err := svc.ConsolidateAuto(ctx, "u1", 7); err != nil {
		t.Fatalf("ConsolidateAuto failed: %v", err)
	}

	profile, err := svc.GetProfile(ctx, "u1")
	if err != nil {
		t.Fatalf("GetProfile failed: %v", err)
	}
	if profile.Scope != models.ScopeProfile {
		t.Errorf("Scope = %q", profile.Scope)
	}
	if len(profile.Topics) == 0 || len(profile.Insights) == 0 {
		t.Errorf("Profile not populated: %+v", profile)
	}
}

func TestMergeProfile_SupersedesByTopicKey(t *testing.T) {
	svc, _ := newTestConsolidation(t, &fakeProvider{configured: false})
	ctx := context.Background()

	older := &models.MemoryArtifact{
		OwnerID: "u1", Scope: "daily:2026-08-27",
		Topics:   []string{"diet"},
		Insights: []string{"diet: eats rice daily", "note without key"},
	}
	newer := &models.MemoryArtifact{
		OwnerID: "u1", Scope: "daily:2026-08-28",
		Topics:   []string{"diet", "fitness"},
		Insights: []string{"diet: switched to brown rice", "another keyless note"},
	}

	if err := svc.mergeProfile(ctx, "u1", []*models.MemoryArtifact{newer, older}); err != nil {
		t.Fatalf("mergeProfile failed: %v", err)
	}

	profile, err := svc.GetProfile(ctx, "u1")
	if err != nil {
		t.Fatalf("GetProfile failed: %v", err)
	}

	var dietInsights []string
	for _, ins := range profile.Insights {
		if insightKey(ins) == "diet" {
			dietInsights = append(dietInsights, ins)
		}
	}
	if len(dietInsights) != 1 || dietInsights[0] != "diet: switched to brown rice" {
		t.Errorf("Diet insight not superseded: %v", dietInsights)
	}

	// Keyless insights accumulate, never supersede.
	keyless := 0
	for _, ins := range profile.Insights {
		if insightKey(ins) == "" {
			keyless++
		}
	}
	if keyless != 2 {
		t.Errorf("Keyless insights = %d, want 2", keyless)
	}

	wantTopics := map[string]bool{"diet": true, "fitness": true}
	for _, topic := range profile.Topics {
		delete(wantTopics, topic)
	}
	if len(wantTopics) != 0 {
		t.Errorf("Missing topics: %v", wantTopics)
	}
}

func TestMergeProfile_MetricsNewestWins(t *testing.T) {
	svc, _ := newTestConsolidation(t, &fakeProvider{configured: false})
	ctx := context.Background()

	day1 := &models.MemoryArtifact{
		OwnerID: "u1", Scope: "daily:2026-08-27",
		Metrics: map[string]models.MetricValue{
			"weight": {Value: "83", Unit: "kg", RecordedAt: testDay.AddDate(0, 0, -1)},
		},
	}
	day2 := &models.MemoryArtifact{
		OwnerID: "u1", Scope: "daily:2026-08-28",
		Metrics: map[string]models.MetricValue{
			"weight": {Value: "82.5", Unit: "kg", RecordedAt: testDay},
		},
	}

	if err := svc.mergeProfile(ctx, "u1", []*models.MemoryArtifact{day2, day1}); err != nil {
		t.Fatalf("mergeProfile failed: %v", err)
	}

	profile, err := svc.GetProfile(ctx, "u1")
	if err != nil {
		t.Fatalf("GetProfile failed: %v", err)
	}
	if profile.Metrics["weight"].Value != "82.5" {
		t.Errorf("weight = %+v, want the newer reading", profile.Metrics["weight"])
	}
}

func TestGetRecent(t *testing.T) {
	svc, sessions := newTestConsolidation(t, &fakeProvider{configured: false})
	seedDay(t, sessions, "u1", []string{"breakfast was eggs and spinach"})
	ctx := context.Background()

	if _, err := svc.ConsolidateDay(ctx, "u1", testDay); err != nil {
		t.Fatalf("ConsolidateDay failed: %v", err)
	}

	recent, err := svc.GetRecent(ctx, "u1", 7)
	if err != nil {
		t.Fatalf("GetRecent failed: %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("GetRecent returned %d artifacts, want 1", len(recent))
	}
	if recent[0].Scope != "daily:2026-08-28" {
		t.Errorf("Scope = %q", recent[0].Scope)
	}
}
