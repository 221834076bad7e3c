package jobs

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job interface that all scheduled jobs must implement
type Job interface {
	Run(ctx context.Context) error
}

// JobScheduler manages cron-triggered background jobs.
type JobScheduler struct {
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewJobScheduler creates a new job scheduler
func NewJobScheduler() *JobScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &JobScheduler{
		cron:   cron.New(cron.WithLocation(time.UTC)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Register schedules a job on the given cron expression (UTC).
func (s *JobScheduler) Register(name, spec string, job Job) error {
	_, err := s.cron.AddFunc(spec, func() {
		s.wg.Add(1)
		defer s.wg.Done()

		if s.ctx.Err() != nil {
			return
		}
		if err := job.Run(s.ctx); err != nil {
			log.Printf("❌ [JOBS] Job %s failed: %v", name, err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", name, err)
	}
	log.Printf("✅ [JOBS] Registered job %s (%s)", name, spec)
	return nil
}

// Start begins running scheduled jobs
func (s *JobScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.cron.Start()
	log.Println("✅ [JOBS] Scheduler started")
}

// Stop halts the scheduler and waits for in-flight jobs to finish.
func (s *JobScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	s.cancel()
	<-s.cron.Stop().Done()
	s.wg.Wait()
	log.Println("✅ [JOBS] Scheduler stopped")
}
