// Package results caches expensive derived outputs keyed by content
// fingerprint. The cache is best-effort: a miss means "compute and populate",
// never an error. The generation lock guarantees a single concurrent producer
// per fingerprint.
package results

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rohitvanga/docpipe/internal/cache"
	"github.com/rohitvanga/docpipe/internal/lock"
)

// ErrGenerationInProgress is returned to callers that lost the generation lock
// race. It is not a failure: the caller re-polls shortly and reads the winner's
// cached result.
var ErrGenerationInProgress = errors.New("generation in progress")

const lockResourceKind = "result"

// GenerateFunc produces the serialized result on a cache miss.
type GenerateFunc func(ctx context.Context) ([]byte, error)

// Service is the result cache.
type Service struct {
	cache cache.Cache
	locks *lock.Service
	ttl   time.Duration
}

func NewService(c cache.Cache, locks *lock.Service, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &Service{cache: c, locks: locks, ttl: ttl}
}

// Get returns the cached result for a fingerprint. Cache errors read as misses.
func (s *Service) Get(ctx context.Context, fingerprint string) ([]byte, bool) {
	data, found, err := s.cache.Get(ctx, cache.ResultKey(fingerprint))
	if err != nil {
		slog.Warn("result cache read failed", "error", err, "fingerprint", fingerprint)
		return nil, false
	}
	return data, found
}

// Set stores a result. Best-effort: a failed write is logged and dropped.
func (s *Service) Set(ctx context.Context, fingerprint string, value []byte) {
	if err := s.cache.Set(ctx, cache.ResultKey(fingerprint), value, s.ttl); err != nil {
		slog.Warn("result cache write failed", "error", err, "fingerprint", fingerprint)
	}
}

// Invalidate drops a cached result. Called whenever the durable store is
// rewritten for the same inputs; the durable store wins over the cache.
func (s *Service) Invalidate(ctx context.Context, fingerprint string) {
	if err := s.cache.Delete(ctx, cache.ResultKey(fingerprint)); err != nil {
		slog.Warn("result cache invalidate failed", "error", err, "fingerprint", fingerprint)
	}
}

// GetOrGenerate returns the cached result or generates it under the generation
// lock. Exactly one caller per fingerprint runs gen; concurrent callers get
// ErrGenerationInProgress and re-poll. The lock is released on every exit path
// and self-heals by TTL if this process dies mid-generation.
func (s *Service) GetOrGenerate(ctx context.Context, fingerprint string, gen GenerateFunc) ([]byte, error) {
	if data, found := s.Get(ctx, fingerprint); found {
		return data, nil
	}

	token, acquired, err := s.locks.TryAcquire(ctx, lockResourceKind, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("acquire generation lock: %w", err)
	}
	if !acquired {
		return nil, ErrGenerationInProgress
	}
	defer func() {
		if relErr := s.locks.Release(ctx, lockResourceKind, fingerprint, token); relErr != nil {
			slog.Warn("release generation lock failed", "error", relErr, "fingerprint", fingerprint)
		}
	}()

	// Another caller may have populated the cache between our miss and the
	// lock grant.
	if data, found := s.Get(ctx, fingerprint); found {
		return data, nil
	}

	data, err := gen(ctx)
	if err != nil {
		return nil, err
	}

	s.Set(ctx, fingerprint, data)
	return data, nil
}
