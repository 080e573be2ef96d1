// Package progress records fine-grained pipeline progress in Redis for
// high-frequency polling. Entries are ephemeral: they expire well before the
// durable job record does, and every read path treats absence as "fall back to
// the job status".
package progress

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/rohitvanga/docpipe/internal/cache"
	"github.com/rohitvanga/docpipe/pkg/models"
)

const DefaultTTL = time.Hour

// Tracker writes and reads ephemeral progress entries.
type Tracker struct {
	cache cache.Cache
	ttl   time.Duration
}

// NewTracker creates a Tracker. A non-positive ttl falls back to DefaultTTL.
func NewTracker(c cache.Cache, ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{cache: c, ttl: ttl}
}

// Set overwrites the progress entry for a job. Cache failures are logged and
// swallowed: progress is worth losing, the job record stays authoritative.
func (t *Tracker) Set(ctx context.Context, jobID uuid.UUID, step string, percent int, message string) {
	entry := models.ProgressEntry{
		JobID:     jobID,
		Step:      step,
		Percent:   percent,
		Message:   message,
		UpdatedAt: time.Now().UTC(),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		slog.Warn("marshal progress entry", "error", err, "job_id", jobID)
		return
	}

	if err := t.cache.Set(ctx, cache.ProgressKey(jobID), data, t.ttl); err != nil {
		slog.Warn("write progress entry", "error", err, "job_id", jobID)
	}
}

// Get returns the progress entry for a job, or found=false when the entry is
// absent or expired. A cache error is treated as absence.
func (t *Tracker) Get(ctx context.Context, jobID uuid.UUID) (*models.ProgressEntry, bool) {
	data, found, err := t.cache.Get(ctx, cache.ProgressKey(jobID))
	if err != nil {
		slog.Warn("read progress entry", "error", err, "job_id", jobID)
		return nil, false
	}
	if !found {
		return nil, false
	}

	var entry models.ProgressEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		slog.Warn("unmarshal progress entry", "error", err, "job_id", jobID)
		return nil, false
	}
	return &entry, true
}

// Clear removes the progress entry for a job. Best-effort.
func (t *Tracker) Clear(ctx context.Context, jobID uuid.UUID) {
	if err := t.cache.Delete(ctx, cache.ProgressKey(jobID)); err != nil {
		slog.Warn("clear progress entry", "error", err, "job_id", jobID)
	}
}
