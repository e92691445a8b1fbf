// Package queue provides the prioritized, backpressured detection job queue.
// Redis backs the production queue; an in-memory queue serves tests and the
// inline fallback path when Redis is unreachable.
package queue

import (
	"context"
	"sort"
	"time"

	"github.com/reclaimly/backend/internal/core"
)

// Config tunes queue behavior. Zero values fall back to the defaults.
type Config struct {
	BackpressureThreshold int           // above this depth only CRITICAL/HIGH dequeue
	MaxConcurrency        int           // active processing jobs
	MaxAttempts           int           // total tries before a job is terminal
	StallTimeout          time.Duration // processing past this is reclaimed
	BackoffBase           time.Duration // first retry delay, doubles per attempt
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		BackpressureThreshold: 20,
		MaxConcurrency:        5,
		MaxAttempts:           3,
		StallTimeout:          5 * time.Minute,
		BackoffBase:           5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BackpressureThreshold <= 0 {
		c.BackpressureThreshold = d.BackpressureThreshold
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = d.MaxConcurrency
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = d.StallTimeout
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	return c
}

// Backoff returns the delay before retry number attempt (1-based):
// 5s, 10s, 20s with the default base.
func (c Config) Backoff(attempt int) time.Duration {
	delay := c.BackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// EnqueueRequest asks for one detection pass.
type EnqueueRequest struct {
	SellerID string           `json:"seller_id"`
	StoreID  string           `json:"store_id,omitempty"`
	SyncID   string           `json:"sync_id"`
	Priority core.JobPriority `json:"priority"`
}

// Queue is the job coordination surface the orchestrator drives.
//
// Enqueue is idempotent per seller (and optional store): a duplicate while
// a job is pending or processing returns the existing job. Next honors
// priority ordering, the concurrency cap, and backpressure. MarkFailed
// applies the retry policy: attempts below MaxAttempts are requeued with
// exponential backoff, the rest go terminal.
type Queue interface {
	Enqueue(ctx context.Context, req EnqueueRequest) (*core.DetectionJob, error)
	Next(ctx context.Context) (*core.DetectionJob, error)
	MarkCompleted(ctx context.Context, jobID string) error
	MarkFailed(ctx context.Context, jobID string, cause string) error
	Retry(ctx context.Context, jobID string) (*core.DetectionJob, error)
	JobsByStatus(ctx context.Context, status core.JobStatus, limit int) ([]core.DetectionJob, error)
	Stats(ctx context.Context) (core.QueueStats, error)
	Healthy(ctx context.Context) bool
}

// priorityOrder is the dequeue scan order.
var priorityOrder = []core.JobPriority{
	core.JobPriorityCritical,
	core.JobPriorityHigh,
	core.JobPriorityNormal,
	core.JobPriorityLow,
}

func sortJobsNewestFirst(jobs []core.DetectionJob) {
	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
}

func normalizePriority(p core.JobPriority) core.JobPriority {
	switch p {
	case core.JobPriorityCritical, core.JobPriorityHigh, core.JobPriorityNormal, core.JobPriorityLow:
		return p
	default:
		return core.JobPriorityNormal
	}
}
