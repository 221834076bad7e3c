package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"

	"healthguard/internal/models"
	"healthguard/internal/storage"
)

// ContextBuilderService assembles the model context for one generation:
// profile memory, recent daily memory and the live conversation tail,
// trimmed to a byte budget. Memory is dropped before the tail, and daily
// artifacts are dropped oldest-first before the profile. The tail is never
// cut below its last messages and truncation never splits a user turn from
// the reply that follows it.
type ContextBuilderService struct {
	store        storage.Store
	memoryCache  *cache.Cache
	historyLimit int
	budgetBytes  int
	lookbackDays int

	now func() time.Time
}

// NewContextBuilderService creates a new context builder
func NewContextBuilderService(store storage.Store, historyLimit, budgetBytes, lookbackDays int) *ContextBuilderService {
	return &ContextBuilderService{
		store:        store,
		memoryCache:  cache.New(5*time.Minute, 10*time.Minute),
		historyLimit: historyLimit,
		budgetBytes:  budgetBytes,
		lookbackDays: lookbackDays,
		now:          time.Now,
	}
}

// Assemble builds the context bundle for a generation. Missing memory
// artifacts are normal and yield a bundle without them.
func (s *ContextBuilderService) Assemble(ctx context.Context, ownerID string, session *models.Session) (*models.ContextBundle, error) {
	profile, err := s.loadArtifact(ctx, "profile:"+ownerID, storage.ProfileKey(ownerID))
	if err != nil {
		return nil, err
	}

	today := s.now().UTC()
	daily := make([]*models.MemoryArtifact, 0, s.lookbackDays)
	for i := s.lookbackDays - 1; i >= 0; i-- {
		date := today.AddDate(0, 0, -i).Format("2006-01-02")
		artifact, err := s.loadArtifact(ctx, "daily:"+ownerID+":"+date, storage.DailyKey(ownerID, date))
		if err != nil {
			return nil, err
		}
		if artifact != nil {
			daily = append(daily, artifact)
		}
	}

	bundle := &models.ContextBundle{
		Profile: profile,
		Daily:   daily,
		Tail:    conversationTail(session.Messages, s.historyLimit),
	}
	s.applyBudget(bundle)
	return bundle, nil
}

// Invalidate drops cached memory for an owner after consolidation writes.
func (s *ContextBuilderService) Invalidate(ownerID string) {
	s.memoryCache.Delete("profile:" + ownerID)
	today := s.now().UTC()
	for i := 0; i < s.lookbackDays; i++ {
		date := today.AddDate(0, 0, -i).Format("2006-01-02")
		s.memoryCache.Delete("daily:" + ownerID + ":" + date)
	}
}

// loadArtifact reads a memory artifact through the cache. Absent artifacts
// are cached as nil so a memoryless user does not hit storage every turn.
func (s *ContextBuilderService) loadArtifact(ctx context.Context, cacheKey, storageKey string) (*models.MemoryArtifact, error) {
	if cached, found := s.memoryCache.Get(cacheKey); found {
		artifact, _ := cached.(*models.MemoryArtifact)
		return artifact, nil
	}

	content, err := s.store.Load(ctx, storageKey)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			s.memoryCache.SetDefault(cacheKey, (*models.MemoryArtifact)(nil))
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load memory artifact: %w", err)
	}

	var artifact models.MemoryArtifact
	if err := json.Unmarshal(content, &artifact); err != nil {
		return nil, fmt.Errorf("failed to parse memory artifact: %w", err)
	}
	s.memoryCache.SetDefault(cacheKey, &artifact)
	return &artifact, nil
}

// conversationTail returns up to limit trailing messages, advanced past
// any leading assistant turns so the tail never opens mid-exchange.
func conversationTail(messages []models.Message, limit int) []models.Message {
	if limit <= 0 || len(messages) == 0 {
		return nil
	}

	start := 0
	if len(messages) > limit {
		start = len(messages) - limit
	}
	for start < len(messages) && messages[start].Role == models.RoleAssistant {
		start++
	}
	return messages[start:]
}

// applyBudget trims the bundle to the byte budget: oldest daily artifacts
// first, then the profile. The tail survives even when memory alone
// exceeds the budget.
func (s *ContextBuilderService) applyBudget(bundle *models.ContextBundle) {
	if s.budgetBytes <= 0 {
		return
	}
	for bundle.ApproxSize() > s.budgetBytes && len(bundle.Daily) > 0 {
		bundle.Daily = bundle.Daily[1:]
	}
	if bundle.ApproxSize() > s.budgetBytes && bundle.Profile != nil {
		bundle.Profile = nil
	}
}
