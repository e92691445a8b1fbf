package queue

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reclaimly/backend/internal/core"
)

// MemoryQueue is the in-process queue used in tests and as the fallback
// when Redis is unreachable. Semantics mirror RedisQueue.
type MemoryQueue struct {
	mu        sync.Mutex
	cfg       Config
	waiting   map[core.JobPriority][]string
	jobs      map[string]*core.DetectionJob
	delayed   map[string]time.Time
	idemp     map[string]string
	completed int64
	failed    int64
	logger    *log.Logger
	clock     func() time.Time
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue(cfg Config) *MemoryQueue {
	return &MemoryQueue{
		cfg:     cfg.withDefaults(),
		waiting: make(map[core.JobPriority][]string),
		jobs:    make(map[string]*core.DetectionJob),
		delayed: make(map[string]time.Time),
		idemp:   make(map[string]string),
		logger:  log.New(log.Writer(), "[DetectionQueue:Memory] ", log.LstdFlags),
		clock:   func() time.Time { return time.Now().UTC() },
	}
}

// WithClock fixes the queue's time source (tests).
func (q *MemoryQueue) WithClock(clock func() time.Time) *MemoryQueue {
	q.clock = clock
	return q
}

func (q *MemoryQueue) Enqueue(_ context.Context, req EnqueueRequest) (*core.DetectionJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock()
	job := &core.DetectionJob{
		ID:        uuid.New().String(),
		SellerID:  req.SellerID,
		StoreID:   req.StoreID,
		SyncID:    req.SyncID,
		Status:    core.JobPending,
		Priority:  normalizePriority(req.Priority),
		CreatedAt: now,
		UpdatedAt: now,
	}

	if existingID, ok := q.idemp[job.IdempotencyKey()]; ok {
		return q.jobs[existingID], nil
	}

	q.idemp[job.IdempotencyKey()] = job.ID
	q.jobs[job.ID] = job
	q.waiting[job.Priority] = append(q.waiting[job.Priority], job.ID)
	return job, nil
}

func (q *MemoryQueue) Next(_ context.Context) (*core.DetectionJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock()
	q.promoteDelayedLocked(now)
	q.reclaimStalledLocked(now)

	if q.activeLocked() >= q.cfg.MaxConcurrency {
		return nil, nil
	}

	priorities := priorityOrder
	if q.depthLocked() > q.cfg.BackpressureThreshold {
		priorities = priorityOrder[:2]
	}

	for _, p := range priorities {
		list := q.waiting[p]
		if len(list) == 0 {
			continue
		}
		id := list[0]
		q.waiting[p] = list[1:]

		job := q.jobs[id]
		job.Status = core.JobProcessing
		job.StartedAt = now
		job.UpdatedAt = now
		return job, nil
	}
	return nil, nil
}

func (q *MemoryQueue) MarkCompleted(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return core.Wrap(core.ErrValidation, "unknown job %s", jobID)
	}
	job.Status = core.JobCompleted
	job.UpdatedAt = q.clock()
	delete(q.idemp, job.IdempotencyKey())
	q.completed++
	return nil
}

func (q *MemoryQueue) MarkFailed(_ context.Context, jobID string, cause string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.markFailedLocked(jobID, cause)
}

func (q *MemoryQueue) markFailedLocked(jobID, cause string) error {
	job, ok := q.jobs[jobID]
	if !ok {
		return core.Wrap(core.ErrValidation, "unknown job %s", jobID)
	}
	job.Attempts++
	job.LastError = cause
	job.UpdatedAt = q.clock()

	if job.Attempts < q.cfg.MaxAttempts {
		job.Status = core.JobPending
		q.delayed[jobID] = q.clock().Add(q.cfg.Backoff(job.Attempts))
		return nil
	}
	job.Status = core.JobFailed
	delete(q.idemp, job.IdempotencyKey())
	q.failed++
	return nil
}

func (q *MemoryQueue) Retry(_ context.Context, jobID string) (*core.DetectionJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return nil, core.Wrap(core.ErrValidation, "unknown job %s", jobID)
	}
	if job.Status != core.JobFailed {
		return nil, core.Wrap(core.ErrValidation, "job %s is %s, only failed jobs can be retried", jobID, job.Status)
	}
	if _, taken := q.idemp[job.IdempotencyKey()]; taken {
		return nil, core.Wrap(core.ErrValidation, "another job is already active for %s", job.IdempotencyKey())
	}

	job.Status = core.JobPending
	job.Attempts = 0
	job.LastError = ""
	job.UpdatedAt = q.clock()
	q.idemp[job.IdempotencyKey()] = job.ID
	q.waiting[job.Priority] = append(q.waiting[job.Priority], job.ID)
	return job, nil
}

func (q *MemoryQueue) JobsByStatus(_ context.Context, status core.JobStatus, limit int) ([]core.DetectionJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []core.DetectionJob
	for _, job := range q.jobs {
		if status != "" && job.Status != status {
			continue
		}
		out = append(out, *job)
	}
	sortJobsNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (q *MemoryQueue) Stats(_ context.Context) (core.QueueStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := core.QueueStats{
		Active:    int64(q.activeLocked()),
		Completed: q.completed,
		Failed:    q.failed,
		Delayed:   int64(len(q.delayed)),
	}
	for _, p := range priorityOrder {
		stats.Waiting += int64(len(q.waiting[p]))
	}
	return stats, nil
}

func (q *MemoryQueue) Healthy(context.Context) bool { return true }

func (q *MemoryQueue) promoteDelayedLocked(now time.Time) {
	for id, readyAt := range q.delayed {
		if readyAt.After(now) {
			continue
		}
		delete(q.delayed, id)
		if job, ok := q.jobs[id]; ok {
			q.waiting[job.Priority] = append(q.waiting[job.Priority], id)
		}
	}
}

func (q *MemoryQueue) reclaimStalledLocked(now time.Time) {
	for id, job := range q.jobs {
		if job.Status != core.JobProcessing {
			continue
		}
		if now.Sub(job.StartedAt) > q.cfg.StallTimeout {
			q.logger.Printf("Job %s stalled past %s, reclaiming", id, q.cfg.StallTimeout)
			q.markFailedLocked(id, core.ErrStalled.Error())
		}
	}
}

func (q *MemoryQueue) activeLocked() int {
	n := 0
	for _, job := range q.jobs {
		if job.Status == core.JobProcessing {
			n++
		}
	}
	return n
}

func (q *MemoryQueue) depthLocked() int {
	depth := q.activeLocked()
	for _, p := range priorityOrder {
		depth += len(q.waiting[p])
	}
	return depth
}

var _ Queue = (*MemoryQueue)(nil)
