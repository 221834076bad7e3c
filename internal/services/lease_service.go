package services

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"healthguard/internal/models"
)

// LeaseService grants at most one generation lease per session. With Redis
// the lease survives process restarts via SET NX PX; without Redis an
// in-memory table covers single-instance deployments. Either way the TTL
// bounds how long a crashed holder can block a session.
type LeaseService struct {
	rdb *redis.Client
	ttl time.Duration

	mu    sync.Mutex
	local map[string]localLease
}

type localLease struct {
	token   string
	expires time.Time
}

// NewLeaseService creates a lease service. rdb may be nil.
func NewLeaseService(rdb *redis.Client, ttl time.Duration) *LeaseService {
	if ttl <= 0 {
		ttl = 3 * time.Minute
	}
	if rdb == nil {
		log.Println("⚠️  [LEASE] Redis not configured, using in-memory leases")
	}
	return &LeaseService{
		rdb:   rdb,
		ttl:   ttl,
		local: make(map[string]localLease),
	}
}

func leaseKey(ownerID, sessionID string) string {
	return fmt.Sprintf("lease:%s:%s", ownerID, sessionID)
}

// Acquire takes the generation lease for a session. It returns
// models.ErrSessionBusy when another generation holds it. The returned
// token must be passed back to Release.
func (s *LeaseService) Acquire(ctx context.Context, ownerID, sessionID string) (string, error) {
	token := uuid.NewString()
	key := leaseKey(ownerID, sessionID)

	if s.rdb != nil {
		ok, err := s.rdb.SetNX(ctx, key, token, s.ttl).Result()
		if err != nil {
			// Redis down: fall through to the local table rather than
			// refusing all generations.
			log.Printf("⚠️  [LEASE] Redis acquire failed, falling back to local: %v", err)
		} else if !ok {
			return "", fmt.Errorf("session %s: %w", sessionID, models.ErrSessionBusy)
		} else {
			return token, nil
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if held, ok := s.local[key]; ok && time.Now().Before(held.expires) {
		return "", fmt.Errorf("session %s: %w", sessionID, models.ErrSessionBusy)
	}
	s.local[key] = localLease{token: token, expires: time.Now().Add(s.ttl)}
	return token, nil
}

// Release gives the lease back. Only the holder's token releases it, so a
// slow finisher cannot drop a lease a new generation has since taken.
func (s *LeaseService) Release(ctx context.Context, ownerID, sessionID, token string) {
	key := leaseKey(ownerID, sessionID)

	if s.rdb != nil {
		held, err := s.rdb.Get(ctx, key).Result()
		if err == nil && held == token {
			if err := s.rdb.Del(ctx, key).Err(); err != nil {
				log.Printf("⚠️  [LEASE] Redis release failed for %s: %v", key, err)
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if held, ok := s.local[key]; ok && held.token == token {
		delete(s.local, key)
	}
}
