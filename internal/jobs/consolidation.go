package jobs

import (
	"context"
	"log"
	"time"

	"healthguard/internal/services"
)

// ConsolidationJob rebuilds daily memory artifacts for every owner who
// has sent a message inside the lookback window.
type ConsolidationJob struct {
	sessions      *services.SessionService
	consolidation *services.ConsolidationService
	lookbackDays  int
}

// NewConsolidationJob creates a new consolidation job
func NewConsolidationJob(sessions *services.SessionService, consolidation *services.ConsolidationService, lookbackDays int) *ConsolidationJob {
	return &ConsolidationJob{
		sessions:      sessions,
		consolidation: consolidation,
		lookbackDays:  lookbackDays,
	}
}

// Run consolidates memory for all recently active owners
func (j *ConsolidationJob) Run(ctx context.Context) error {
	since := time.Now().UTC().AddDate(0, 0, -j.lookbackDays)

	log.Println("[CONSOLIDATE] Starting nightly memory consolidation...")
	startTime := time.Now()

	owners, err := j.sessions.ActiveOwners(ctx, since)
	if err != nil {
		log.Printf("[CONSOLIDATE] Failed to list active owners: %v", err)
		return err
	}

	log.Printf("[CONSOLIDATE] Found %d owners active since %s", len(owners), since.Format("2006-01-02"))

	totalArtifacts := 0
	for _, ownerID := range owners {
		artifacts, err := j.consolidation.ConsolidateAuto(ctx, ownerID, j.lookbackDays)
		if err != nil {
			log.Printf("[CONSOLIDATE] Consolidation failed for owner %s: %v", ownerID, err)
			continue
		}
		if len(artifacts) > 0 {
			totalArtifacts += len(artifacts)
			log.Printf("[CONSOLIDATE] Produced %d artifact(s) for owner %s", len(artifacts), ownerID)
		}
	}

	log.Printf("[CONSOLIDATE] Consolidation complete: %d artifact(s) across %d owner(s) in %v",
		totalArtifacts, len(owners), time.Since(startTime))

	return nil
}
