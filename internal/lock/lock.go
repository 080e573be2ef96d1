// Package lock provides short-lived mutual-exclusion leases that prevent two
// concurrent regenerations of the same derived artifact. Locks are a
// cost-control mechanism, not a data-integrity one: a crashed holder is
// recovered by TTL expiry.
package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rohitvanga/docpipe/internal/cache"
)

const DefaultTTL = 120 * time.Second

// Service hands out test-and-set leases keyed by resource kind + id.
type Service struct {
	cache cache.Cache
	ttl   time.Duration
}

// NewService creates a lock Service. A non-positive ttl falls back to DefaultTTL.
func NewService(c cache.Cache, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{cache: c, ttl: ttl}
}

// TryAcquire attempts to take the lock for (resourceKind, resourceID). On
// success it returns an opaque holder token that must be passed to Release.
// acquired=false means another holder is live; callers respond "in progress,
// retry shortly" instead of blocking or duplicating work.
func (s *Service) TryAcquire(ctx context.Context, resourceKind, resourceID string) (token string, acquired bool, err error) {
	token = uuid.NewString()
	acquired, err = s.cache.SetNX(ctx, cache.LockKey(resourceKind, resourceID), []byte(token), s.ttl)
	if err != nil {
		return "", false, err
	}
	if !acquired {
		return "", false, nil
	}
	return token, true, nil
}

// Release frees the lock if the caller still holds it. Releasing after TTL
// expiry (or with a stale token) is a no-op, never an error: the lease may
// legitimately belong to someone else by then.
func (s *Service) Release(ctx context.Context, resourceKind, resourceID, token string) error {
	_, err := s.cache.DeleteIfEqual(ctx, cache.LockKey(resourceKind, resourceID), []byte(token))
	return err
}
