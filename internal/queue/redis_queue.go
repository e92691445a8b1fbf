package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/reclaimly/backend/internal/core"
)

// Redis key layout. Waiting jobs live in one list per priority (RPUSH at
// the tail, LPOP from the head keeps FIFO within a priority). The jobs
// hash holds the serialized job records; processing and delayed are sorted
// sets scored by start time and ready time respectively.
const (
	keyJobs       = "detectq:jobs"
	keyProcessing = "detectq:processing"
	keyDelayed    = "detectq:delayed"
	keyCompleted  = "detectq:completed"
	keyFailed     = "detectq:failed"
	keyWaitingFmt = "detectq:waiting:%s"
	keyIdempFmt   = "detectq:idemp:%s"
)

// RedisQueue is the production detection queue.
type RedisQueue struct {
	rdb    *redis.Client
	cfg    Config
	logger *log.Logger
	clock  func() time.Time
}

// NewRedisQueue wraps an existing go-redis client.
func NewRedisQueue(rdb *redis.Client, cfg Config) *RedisQueue {
	return &RedisQueue{
		rdb:    rdb,
		cfg:    cfg.withDefaults(),
		logger: log.New(log.Writer(), "[DetectionQueue] ", log.LstdFlags),
		clock:  func() time.Time { return time.Now().UTC() },
	}
}

func waitingKey(p core.JobPriority) string { return fmt.Sprintf(keyWaitingFmt, p) }
func idempKey(k string) string             { return fmt.Sprintf(keyIdempFmt, k) }

// Enqueue creates a job unless one is already active for the seller. The
// idempotency key is claimed with SETNX; losing the race returns the
// existing job.
func (q *RedisQueue) Enqueue(ctx context.Context, req EnqueueRequest) (*core.DetectionJob, error) {
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

	claimed, err := q.rdb.SetNX(ctx, idempKey(job.IdempotencyKey()), job.ID, 0).Result()
	if err != nil {
		return nil, core.Wrap(core.ErrTransient, "claim idempotency key: %v", err)
	}
	if !claimed {
		existingID, err := q.rdb.Get(ctx, idempKey(job.IdempotencyKey())).Result()
		if err != nil {
			return nil, core.Wrap(core.ErrTransient, "load duplicate job id: %v", err)
		}
		existing, err := q.loadJob(ctx, existingID)
		if err != nil {
			return nil, err
		}
		q.logger.Printf("Duplicate enqueue for %s, returning job %s", job.IdempotencyKey(), existingID)
		return existing, nil
	}

	if err := q.storeJob(ctx, job); err != nil {
		return nil, err
	}
	if err := q.rdb.RPush(ctx, waitingKey(job.Priority), job.ID).Err(); err != nil {
		return nil, core.Wrap(core.ErrTransient, "push job %s: %v", job.ID, err)
	}
	q.logger.Printf("Enqueued job %s (seller=%s priority=%s)", job.ID, job.SellerID, job.Priority)
	return job, nil
}

// Next returns the highest-priority waiting job, or nil when nothing is
// eligible. Delayed retries are promoted and stalled jobs reclaimed first.
func (q *RedisQueue) Next(ctx context.Context) (*core.DetectionJob, error) {
	if err := q.promoteDelayed(ctx); err != nil {
		return nil, err
	}
	if err := q.reclaimStalled(ctx); err != nil {
		return nil, err
	}

	active, err := q.rdb.ZCard(ctx, keyProcessing).Result()
	if err != nil {
		return nil, core.Wrap(core.ErrTransient, "count active: %v", err)
	}
	if active >= int64(q.cfg.MaxConcurrency) {
		return nil, nil
	}

	depth, err := q.depth(ctx, active)
	if err != nil {
		return nil, err
	}
	priorities := priorityOrder
	if depth > int64(q.cfg.BackpressureThreshold) {
		priorities = priorityOrder[:2]
	}

	for _, p := range priorities {
		id, err := q.rdb.LPop(ctx, waitingKey(p)).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, core.Wrap(core.ErrTransient, "pop %s: %v", p, err)
		}

		job, err := q.loadJob(ctx, id)
		if err != nil {
			return nil, err
		}
		now := q.clock()
		job.Status = core.JobProcessing
		job.StartedAt = now
		job.UpdatedAt = now
		if err := q.storeJob(ctx, job); err != nil {
			return nil, err
		}
		if err := q.rdb.ZAdd(ctx, keyProcessing, redis.Z{Score: float64(now.Unix()), Member: id}).Err(); err != nil {
			return nil, core.Wrap(core.ErrTransient, "track processing %s: %v", id, err)
		}
		return job, nil
	}
	return nil, nil
}

// MarkCompleted finishes a job and releases its idempotency claim.
func (q *RedisQueue) MarkCompleted(ctx context.Context, jobID string) error {
	job, err := q.loadJob(ctx, jobID)
	if err != nil {
		return err
	}
	job.Status = core.JobCompleted
	job.UpdatedAt = q.clock()
	if err := q.storeJob(ctx, job); err != nil {
		return err
	}

	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, keyProcessing, jobID)
	pipe.Del(ctx, idempKey(job.IdempotencyKey()))
	pipe.Incr(ctx, keyCompleted)
	if _, err := pipe.Exec(ctx); err != nil {
		return core.Wrap(core.ErrTransient, "complete job %s: %v", jobID, err)
	}
	q.logger.Printf("Job %s completed (seller=%s)", jobID, job.SellerID)
	return nil
}

// MarkFailed records the failure and either schedules a backoff retry or
// finalizes the job once attempts are exhausted.
func (q *RedisQueue) MarkFailed(ctx context.Context, jobID string, cause string) error {
	job, err := q.loadJob(ctx, jobID)
	if err != nil {
		return err
	}
	job.Attempts++
	job.LastError = cause
	job.UpdatedAt = q.clock()

	if err := q.rdb.ZRem(ctx, keyProcessing, jobID).Err(); err != nil {
		return core.Wrap(core.ErrTransient, "untrack job %s: %v", jobID, err)
	}

	if job.Attempts < q.cfg.MaxAttempts {
		job.Status = core.JobPending
		if err := q.storeJob(ctx, job); err != nil {
			return err
		}
		readyAt := q.clock().Add(q.cfg.Backoff(job.Attempts))
		if err := q.rdb.ZAdd(ctx, keyDelayed, redis.Z{Score: float64(readyAt.Unix()), Member: jobID}).Err(); err != nil {
			return core.Wrap(core.ErrTransient, "delay job %s: %v", jobID, err)
		}
		q.logger.Printf("Job %s failed (attempt %d/%d), retrying in %s: %s",
			jobID, job.Attempts, q.cfg.MaxAttempts, q.cfg.Backoff(job.Attempts), cause)
		return nil
	}

	job.Status = core.JobFailed
	if err := q.storeJob(ctx, job); err != nil {
		return err
	}
	pipe := q.rdb.TxPipeline()
	pipe.Del(ctx, idempKey(job.IdempotencyKey()))
	pipe.Incr(ctx, keyFailed)
	if _, err := pipe.Exec(ctx); err != nil {
		return core.Wrap(core.ErrTransient, "finalize failed job %s: %v", jobID, err)
	}
	q.logger.Printf("Job %s failed permanently after %d attempts: %s", jobID, job.Attempts, cause)
	return nil
}

// Retry requeues a terminally failed job with a fresh attempt budget.
func (q *RedisQueue) Retry(ctx context.Context, jobID string) (*core.DetectionJob, error) {
	job, err := q.loadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != core.JobFailed {
		return nil, core.Wrap(core.ErrValidation, "job %s is %s, only failed jobs can be retried", jobID, job.Status)
	}

	claimed, err := q.rdb.SetNX(ctx, idempKey(job.IdempotencyKey()), job.ID, 0).Result()
	if err != nil {
		return nil, core.Wrap(core.ErrTransient, "reclaim idempotency key: %v", err)
	}
	if !claimed {
		return nil, core.Wrap(core.ErrValidation, "another job is already active for %s", job.IdempotencyKey())
	}

	job.Status = core.JobPending
	job.Attempts = 0
	job.LastError = ""
	job.UpdatedAt = q.clock()
	if err := q.storeJob(ctx, job); err != nil {
		return nil, err
	}
	if err := q.rdb.RPush(ctx, waitingKey(job.Priority), job.ID).Err(); err != nil {
		return nil, core.Wrap(core.ErrTransient, "requeue job %s: %v", jobID, err)
	}
	q.logger.Printf("Job %s manually retried", jobID)
	return job, nil
}

// JobsByStatus lists up to limit jobs in the given state, newest first.
func (q *RedisQueue) JobsByStatus(ctx context.Context, status core.JobStatus, limit int) ([]core.DetectionJob, error) {
	raw, err := q.rdb.HVals(ctx, keyJobs).Result()
	if err != nil {
		return nil, core.Wrap(core.ErrTransient, "list jobs: %v", err)
	}

	var out []core.DetectionJob
	for _, v := range raw {
		var job core.DetectionJob
		if err := json.Unmarshal([]byte(v), &job); err != nil {
			continue
		}
		if status != "" && job.Status != status {
			continue
		}
		out = append(out, job)
	}
	sortJobsNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Stats reports queue depth counters.
func (q *RedisQueue) Stats(ctx context.Context) (core.QueueStats, error) {
	var stats core.QueueStats

	for _, p := range priorityOrder {
		n, err := q.rdb.LLen(ctx, waitingKey(p)).Result()
		if err != nil {
			return stats, core.Wrap(core.ErrTransient, "stats: %v", err)
		}
		stats.Waiting += n
	}

	var err error
	if stats.Active, err = q.rdb.ZCard(ctx, keyProcessing).Result(); err != nil {
		return stats, core.Wrap(core.ErrTransient, "stats: %v", err)
	}
	if stats.Delayed, err = q.rdb.ZCard(ctx, keyDelayed).Result(); err != nil {
		return stats, core.Wrap(core.ErrTransient, "stats: %v", err)
	}
	stats.Completed = q.counter(ctx, keyCompleted)
	stats.Failed = q.counter(ctx, keyFailed)
	return stats, nil
}

// Healthy reports whether the backing store answers a ping.
func (q *RedisQueue) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return q.rdb.Ping(ctx).Err() == nil
}

// promoteDelayed moves due retries back onto their waiting lists.
func (q *RedisQueue) promoteDelayed(ctx context.Context) error {
	now := strconv.FormatInt(q.clock().Unix(), 10)
	due, err := q.rdb.ZRangeByScore(ctx, keyDelayed, &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return core.Wrap(core.ErrTransient, "scan delayed: %v", err)
	}
	for _, id := range due {
		job, err := q.loadJob(ctx, id)
		if err != nil {
			q.rdb.ZRem(ctx, keyDelayed, id)
			continue
		}
		pipe := q.rdb.TxPipeline()
		pipe.ZRem(ctx, keyDelayed, id)
		pipe.RPush(ctx, waitingKey(job.Priority), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return core.Wrap(core.ErrTransient, "promote job %s: %v", id, err)
		}
	}
	return nil
}

// reclaimStalled fails jobs stuck in processing past the stall timeout so
// the retry policy can take over.
func (q *RedisQueue) reclaimStalled(ctx context.Context) error {
	cutoff := strconv.FormatInt(q.clock().Add(-q.cfg.StallTimeout).Unix(), 10)
	stalled, err := q.rdb.ZRangeByScore(ctx, keyProcessing, &redis.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
	if err != nil {
		return core.Wrap(core.ErrTransient, "scan stalled: %v", err)
	}
	for _, id := range stalled {
		q.logger.Printf("Job %s stalled past %s, reclaiming", id, q.cfg.StallTimeout)
		if err := q.MarkFailed(ctx, id, core.ErrStalled.Error()); err != nil {
			return err
		}
	}
	return nil
}

func (q *RedisQueue) depth(ctx context.Context, active int64) (int64, error) {
	depth := active
	for _, p := range priorityOrder {
		n, err := q.rdb.LLen(ctx, waitingKey(p)).Result()
		if err != nil {
			return 0, core.Wrap(core.ErrTransient, "depth: %v", err)
		}
		depth += n
	}
	return depth, nil
}

func (q *RedisQueue) counter(ctx context.Context, key string) int64 {
	n, err := q.rdb.Get(ctx, key).Int64()
	if err != nil {
		return 0
	}
	return n
}

func (q *RedisQueue) storeJob(ctx context.Context, job *core.DetectionJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	if err := q.rdb.HSet(ctx, keyJobs, job.ID, data).Err(); err != nil {
		return core.Wrap(core.ErrTransient, "store job %s: %v", job.ID, err)
	}
	return nil
}

func (q *RedisQueue) loadJob(ctx context.Context, jobID string) (*core.DetectionJob, error) {
	raw, err := q.rdb.HGet(ctx, keyJobs, jobID).Result()
	if err == redis.Nil {
		return nil, core.Wrap(core.ErrValidation, "unknown job %s", jobID)
	}
	if err != nil {
		return nil, core.Wrap(core.ErrTransient, "load job %s: %v", jobID, err)
	}
	var job core.DetectionJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", jobID, err)
	}
	return &job, nil
}
