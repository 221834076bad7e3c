package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"healthguard/internal/llm"
	"healthguard/internal/logging"
	"healthguard/internal/models"
	"healthguard/internal/storage"
)

// consolidationConcurrency bounds parallel per-day analysis.
const consolidationConcurrency = 4

// ConsolidationService distills raw transcripts into memory artifacts.
// Daily artifacts are regenerated in full, so re-running a day is
// idempotent; the profile artifact is merged incrementally and only
// superseded per topic key. When the LLM is unavailable a deterministic
// keyword and metric extraction keeps consolidation alive.
type ConsolidationService struct {
	store    storage.Store
	sessions *SessionService
	provider llm.Provider
	contexts *ContextBuilderService
	metrics  *Metrics

	now func() time.Time
}

// NewConsolidationService creates a new consolidation service. contexts
// may be nil; when set its memory cache is invalidated after writes.
func NewConsolidationService(store storage.Store, sessions *SessionService, provider llm.Provider, contexts *ContextBuilderService) *ConsolidationService {
	return &ConsolidationService{
		store:    store,
		sessions: sessions,
		provider: provider,
		contexts: contexts,
		metrics:  GetMetrics(),
		now:      time.Now,
	}
}

const consolidationPrompt = `You summarize one day of health assistant conversations.
Extract durable facts worth remembering. Respond with ONLY a JSON object:
{
  "topics": ["short topic labels"],
  "insights": ["topic: one-sentence durable fact about the user"],
  "action_items": ["things the user committed to"],
  "metrics": {"metric name": {"value": "number", "unit": "unit"}}
}
Prefix each insight with its topic and a colon. Omit empty fields.`

// ConsolidateDay rebuilds the daily artifact for one calendar day (UTC).
// It returns models.ErrNotFound when the owner has no messages that day.
func (s *ConsolidationService) ConsolidateDay(ctx context.Context, ownerID string, day time.Time) (*models.MemoryArtifact, error) {
	day = day.UTC().Truncate(24 * time.Hour)
	date := day.Format("2006-01-02")
	logger := logging.WithConsolidation(ownerID, date)

	messages, err := s.messagesForDay(ctx, ownerID, day)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("no messages on %s: %w", date, models.ErrNotFound)
	}

	artifact := s.analyze(ctx, ownerID, date, messages)
	artifact.Scope = models.DailyScope(day)
	artifact.GeneratedAt = s.now().UTC()

	content, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal daily artifact: %w", err)
	}
	if err := s.store.Save(ctx, storage.DailyKey(ownerID, date), content); err != nil {
		if s.metrics != nil {
			s.metrics.Consolidations.WithLabelValues("error").Inc()
		}
		return nil, fmt.Errorf("failed to save daily artifact: %w", err)
	}

	if s.contexts != nil {
		s.contexts.Invalidate(ownerID)
	}
	if s.metrics != nil {
		s.metrics.Consolidations.WithLabelValues("ok").Inc()
	}
	logger.Info("daily memory consolidated", "messages", len(messages), "insights", len(artifact.Insights))
	return artifact, nil
}

// ConsolidateAuto fills any gaps over the lookback window (today included)
// and folds the produced artifacts into the profile. Days with an existing
// artifact are skipped.
func (s *ConsolidationService) ConsolidateAuto(ctx context.Context, ownerID string, lookbackDays int) ([]*models.MemoryArtifact, error) {
	if lookbackDays <= 0 {
		lookbackDays = 7
	}
	today := s.now().UTC().Truncate(24 * time.Hour)

	var mu sync.Mutex
	produced := []*models.MemoryArtifact{}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(consolidationConcurrency)

	for i := 0; i < lookbackDays; i++ {
		day := today.AddDate(0, 0, -i)
		g.Go(func() error {
			date := day.Format("2006-01-02")
			exists, err := s.store.Exists(gctx, storage.DailyKey(ownerID, date))
			if err != nil {
				return err
			}
			if exists {
				return nil
			}

			artifact, err := s.ConsolidateDay(gctx, ownerID, day)
			if err != nil {
				if errors.Is(err, models.ErrNotFound) {
					return nil
				}
				return err
			}

			mu.Lock()
			produced = append(produced, artifact)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if len(produced) > 0 {
		if err := s.mergeProfile(ctx, ownerID, produced); err != nil {
			return produced, err
		}
	}

	sort.Slice(produced, func(i, j int) bool { return produced[i].Scope < produced[j].Scope })
	return produced, nil
}

// GetProfile loads an owner's profile artifact.
func (s *ConsolidationService) GetProfile(ctx context.Context, ownerID string) (*models.MemoryArtifact, error) {
	return s.loadArtifact(ctx, storage.ProfileKey(ownerID))
}

// GetDaily loads one daily artifact by date (YYYY-MM-DD).
func (s *ConsolidationService) GetDaily(ctx context.Context, ownerID, date string) (*models.MemoryArtifact, error) {
	return s.loadArtifact(ctx, storage.DailyKey(ownerID, date))
}

// GetRecent returns existing daily artifacts for the last n days, oldest
// first.
func (s *ConsolidationService) GetRecent(ctx context.Context, ownerID string, days int) ([]*models.MemoryArtifact, error) {
	today := s.now().UTC()
	artifacts := []*models.MemoryArtifact{}
	for i := days - 1; i >= 0; i-- {
		date := today.AddDate(0, 0, -i).Format("2006-01-02")
		artifact, err := s.loadArtifact(ctx, storage.DailyKey(ownerID, date))
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				continue
			}
			return nil, err
		}
		artifacts = append(artifacts, artifact)
	}
	return artifacts, nil
}

func (s *ConsolidationService) loadArtifact(ctx context.Context, key string) (*models.MemoryArtifact, error) {
	content, err := s.store.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	var artifact models.MemoryArtifact
	if err := json.Unmarshal(content, &artifact); err != nil {
		return nil, fmt.Errorf("failed to parse memory artifact: %w", err)
	}
	return &artifact, nil
}

// messagesForDay gathers the owner's messages across all sessions whose
// timestamps fall inside the day, in timestamp order.
func (s *ConsolidationService) messagesForDay(ctx context.Context, ownerID string, day time.Time) ([]models.Message, error) {
	metas, err := s.sessions.List(ctx, ownerID, 0)
	if err != nil {
		return nil, err
	}

	next := day.AddDate(0, 0, 1)
	collected := []models.Message{}
	for _, meta := range metas {
		// Sessions untouched since before the day cannot contribute.
		if meta.LastMessageAt.Before(day) {
			continue
		}
		session, err := s.sessions.Get(ctx, ownerID, meta.SessionID)
		if err != nil {
			return nil, err
		}
		for _, m := range session.Messages {
			ts := m.Timestamp.UTC()
			if !ts.Before(day) && ts.Before(next) {
				collected = append(collected, m)
			}
		}
	}

	sort.Slice(collected, func(i, j int) bool {
		return collected[i].Timestamp.Before(collected[j].Timestamp)
	})
	return collected, nil
}

// analyze distills a day of messages, via the LLM when available and the
// deterministic fallback otherwise.
func (s *ConsolidationService) analyze(ctx context.Context, ownerID, date string, messages []models.Message) *models.MemoryArtifact {
	if s.provider != nil && s.provider.Configured() {
		if artifact, ok := s.analyzeLLM(ctx, ownerID, messages); ok {
			return artifact
		}
		logging.WithConsolidation(ownerID, date).Warn("LLM analysis unusable, using fallback")
	}
	return s.fallbackAnalysis(ownerID, messages)
}

func (s *ConsolidationService) analyzeLLM(ctx context.Context, ownerID string, messages []models.Message) (*models.MemoryArtifact, bool) {
	var sb strings.Builder
	for _, m := range messages {
		sb.WriteString(m.Role + ": " + m.Content + "\n")
	}

	raw, err := s.provider.ChatCompletion(ctx, []llm.ChatMessage{
		{Role: models.RoleSystem, Content: consolidationPrompt},
		{Role: models.RoleUser, Content: sb.String()},
	}, 0.2)
	if err != nil {
		return nil, false
	}

	text := strings.TrimSpace(raw)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.Index(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	var parsed struct {
		Topics      []string `json:"topics"`
		Insights    []string `json:"insights"`
		ActionItems []string `json:"action_items"`
		Metrics     map[string]struct {
			Value string `json:"value"`
			Unit  string `json:"unit"`
		} `json:"metrics"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &parsed); err != nil {
		return nil, false
	}

	artifact := &models.MemoryArtifact{
		OwnerID:  ownerID,
		Topics:   parsed.Topics,
		Insights: parsed.Insights,
	}
	for _, item := range parsed.ActionItems {
		artifact.ActionItems = append(artifact.ActionItems, models.ActionItem{Text: item})
	}
	if len(parsed.Metrics) > 0 {
		artifact.Metrics = make(map[string]models.MetricValue, len(parsed.Metrics))
		recorded := s.now().UTC()
		for name, m := range parsed.Metrics {
			artifact.Metrics[name] = models.MetricValue{Value: m.Value, Unit: m.Unit, RecordedAt: recorded}
		}
	}
	return artifact, true
}

// Topic vocabulary for the deterministic fallback.
var fallbackTopics = map[string][]string{
	"diet":    dietKeywords,
	"fitness": fitnessKeywords,
	"medical": medicalKeywords,
	"sleep":   {"sleep", "insomnia", "tired", "rest"},
	"weight":  {"weight", "kg", "lbs", "pounds", "bmi"},
	"stress":  {"stress", "anxiety", "anxious", "overwhelmed"},
}

// metricPattern recognizes "<number> <unit>" mentions in user messages.
var metricPattern = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(kg|lbs?|steps?|kcal|mg/dl|mmol/l|bpm|km|mi|hours?|minutes?)`)

var metricNameByUnit = map[string]string{
	"kg": "weight", "lb": "weight", "lbs": "weight",
	"step": "steps", "steps": "steps",
	"kcal":   "calories",
	"mg/dl":  "glucose",
	"mmol/l": "glucose",
	"bpm":    "heart rate",
	"km":     "distance", "mi": "distance",
	"hour": "sleep", "hours": "sleep",
	"minute": "activity", "minutes": "activity",
}

// fallbackAnalysis extracts topics and metrics without an LLM. It is
// deterministic so re-running a day yields an identical artifact.
func (s *ConsolidationService) fallbackAnalysis(ownerID string, messages []models.Message) *models.MemoryArtifact {
	topicCounts := map[string]int{}
	metrics := map[string]models.MetricValue{}

	for _, m := range messages {
		if m.Role != models.RoleUser {
			continue
		}
		lower := strings.ToLower(m.Content)
		for topic, keywords := range fallbackTopics {
			if countMatches(lower, keywords) > 0 {
				topicCounts[topic]++
			}
		}
		for _, match := range metricPattern.FindAllStringSubmatch(m.Content, -1) {
			unit := strings.ToLower(match[2])
			name, ok := metricNameByUnit[unit]
			if !ok {
				continue
			}
			// Last mention of the day wins.
			metrics[name] = models.MetricValue{Value: match[1], Unit: unit, RecordedAt: m.Timestamp.UTC()}
		}
	}

	topics := make([]string, 0, len(topicCounts))
	for topic := range topicCounts {
		topics = append(topics, topic)
	}
	sort.Strings(topics)

	insights := make([]string, 0, len(topics))
	for _, topic := range topics {
		insights = append(insights, fmt.Sprintf("%s: discussed in %d message(s)", topic, topicCounts[topic]))
	}

	artifact := &models.MemoryArtifact{OwnerID: ownerID, Topics: topics, Insights: insights}
	if len(metrics) > 0 {
		artifact.Metrics = metrics
	}
	return artifact
}

// mergeProfile folds daily artifacts into the profile: topics union,
// metrics newest-wins, action items deduplicated, and insights appended
// unless a new insight shares a topic key, in which case it supersedes the
// old one.
func (s *ConsolidationService) mergeProfile(ctx context.Context, ownerID string, dailies []*models.MemoryArtifact) error {
	profile, err := s.GetProfile(ctx, ownerID)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			return err
		}
		profile = &models.MemoryArtifact{OwnerID: ownerID, Scope: models.ScopeProfile}
	}

	// Merge oldest first so newer days supersede.
	sorted := make([]*models.MemoryArtifact, len(dailies))
	copy(sorted, dailies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Scope < sorted[j].Scope })

	for _, daily := range sorted {
		profile.Topics = unionStrings(profile.Topics, daily.Topics)

		for _, insight := range daily.Insights {
			profile.Insights = upsertInsight(profile.Insights, insight)
		}

		for _, item := range daily.ActionItems {
			if !containsActionItem(profile.ActionItems, item.Text) {
				profile.ActionItems = append(profile.ActionItems, item)
			}
		}

		for name, value := range daily.Metrics {
			existing, ok := profile.Metrics[name]
			if !ok || value.RecordedAt.After(existing.RecordedAt) {
				if profile.Metrics == nil {
					profile.Metrics = map[string]models.MetricValue{}
				}
				profile.Metrics[name] = value
			}
		}
	}

	profile.GeneratedAt = s.now().UTC()

	content, err := json.MarshalIndent(profile, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}
	if err := s.store.Save(ctx, storage.ProfileKey(ownerID), content); err != nil {
		return fmt.Errorf("failed to save profile: %w", err)
	}
	if s.contexts != nil {
		s.contexts.Invalidate(ownerID)
	}
	return nil
}

// insightKey is the lowercased text before the first colon, the topic
// convention both analyzers follow. Insights without a key never supersede.
func insightKey(insight string) string {
	if idx := strings.Index(insight, ":"); idx > 0 {
		return strings.ToLower(strings.TrimSpace(insight[:idx]))
	}
	return ""
}

func upsertInsight(insights []string, insight string) []string {
	key := insightKey(insight)
	if key != "" {
		for i, existing := range insights {
			if insightKey(existing) == key {
				insights[i] = insight
				return insights
			}
		}
	}
	for _, existing := range insights {
		if existing == insight {
			return insights
		}
	}
	return append(insights, insight)
}

func unionStrings(base, extra []string) []string {
	seen := map[string]bool{}
	for _, s := range base {
		seen[s] = true
	}
	for _, s := range extra {
		if !seen[s] {
			base = append(base, s)
			seen[s] = true
		}
	}
	return base
}

func containsActionItem(items []models.ActionItem, text string) bool {
	for _, item := range items {
		if item.Text == text {
			return true
		}
	}
	return false
}
