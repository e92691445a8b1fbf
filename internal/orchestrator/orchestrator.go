// Package orchestrator drives detection passes end-to-end: it pulls jobs
// from the queue, runs the registered rules over the input snapshot,
// finalizes each anomaly through the evidence builder and policy tracker,
// persists results, and fans out lifecycle events.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"github.com/reclaimly/backend/internal/core"
	"github.com/reclaimly/backend/internal/evidence"
	"github.com/reclaimly/backend/internal/monitoring"
	"github.com/reclaimly/backend/internal/policy"
	"github.com/reclaimly/backend/internal/queue"
	"github.com/reclaimly/backend/internal/rules"
	"github.com/reclaimly/backend/internal/sse"
	"github.com/reclaimly/backend/internal/webhooks"
)

// ResultStore persists finalized anomalies and serves rule context.
type ResultStore interface {
	InsertAnomaly(ctx context.Context, a *core.Anomaly) error
	LoadRuleContext(ctx context.Context, sellerID string) (core.RuleContext, error)
}

// SnapshotLoader produces the typed input snapshot for one pass.
type SnapshotLoader interface {
	LoadRuleInput(ctx context.Context, sellerID, syncID string) (*core.RuleInput, error)
}

// Notifier is the stream fan-out surface. *sse.Hub satisfies it.
type Notifier interface {
	SendEvent(userID, eventType string, data map[string]interface{})
}

var _ Notifier = (*sse.Hub)(nil)

// Config tunes the orchestrator's worker pool.
type Config struct {
	Workers      int           // parallel jobs, matches the queue's concurrency cap
	JobTimeout   time.Duration // hard per-job cap
	PollInterval time.Duration // idle dequeue backoff
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Workers:      5,
		JobTimeout:   5 * time.Minute,
		PollInterval: time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = d.JobTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	return c
}

// Orchestrator owns detection job lifecycle transitions. Anomalies are
// produced by rules but persisted only here, after evidence finalization,
// so emission order mirrors persistence order.
type Orchestrator struct {
	queue     queue.Queue
	store     ResultStore
	snapshots SnapshotLoader
	evidence  *evidence.Builder
	tracker   *policy.Tracker
	hub       Notifier
	emitter   webhooks.Emitter
	registry  []rules.Rule
	cfg       Config
	logger    *log.Logger
	clock     func() time.Time
}

// New wires an orchestrator. The emitter may be nil when no downstream
// filer is configured.
func New(
	q queue.Queue,
	store ResultStore,
	snapshots SnapshotLoader,
	builder *evidence.Builder,
	tracker *policy.Tracker,
	hub Notifier,
	emitter webhooks.Emitter,
	cfg Config,
) *Orchestrator {
	return &Orchestrator{
		queue:     q,
		store:     store,
		snapshots: snapshots,
		evidence:  builder,
		tracker:   tracker,
		hub:       hub,
		emitter:   emitter,
		registry:  rules.Registry(),
		cfg:       cfg.withDefaults(),
		logger:    log.New(log.Writer(), "[Orchestrator] ", log.LstdFlags),
		clock:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock fixes the orchestrator's time source (tests).
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.clock = clock
	return o
}

// Run blocks, driving the worker pool until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < o.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.worker(ctx)
		}()
	}
	o.logger.Printf("Started %d detection workers", o.cfg.Workers)
	wg.Wait()
}

func (o *Orchestrator) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := o.queue.Next(ctx)
		if err != nil {
			o.logger.Printf("Dequeue failed: %v", err)
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(o.cfg.PollInterval):
			}
			continue
		}

		o.ProcessJob(ctx, job)
	}
}

// ruleFailure records a recovered rule panic for the job's terminal state.
type ruleFailure struct {
	RuleType core.RuleType
	Reason   string
}

// ProcessJob runs one detection pass to a terminal job state. All rules run
// even when one panics; the job only completes when every rule finished
// cleanly and every anomaly persisted.
func (o *Orchestrator) ProcessJob(ctx context.Context, job *core.DetectionJob) {
	started := o.clock()
	ctx, cancel := context.WithTimeout(ctx, o.cfg.JobTimeout)
	defer cancel()

	o.progress(job, "processing", nil)

	anomalies, failures, err := o.runPass(ctx, job.SellerID, job.SyncID)
	if err != nil {
		o.failJob(ctx, job, "", err.Error())
		return
	}
	if len(failures) > 0 {
		f := failures[0]
		o.failJob(ctx, job, string(f.RuleType), f.Reason)
		return
	}

	if err := o.queue.MarkCompleted(ctx, job.ID); err != nil {
		o.logger.Printf("MarkCompleted %s: %v", job.ID, err)
	}
	monitoring.JobsProcessed.WithLabelValues("completed").Inc()
	monitoring.JobDuration.Observe(o.clock().Sub(started).Seconds())

	o.progress(job, "completed", map[string]interface{}{"anomalies": len(anomalies)})
	if o.emitter != nil {
		o.emitter.Emit(webhooks.EventDetectionCompleted, job.SellerID, map[string]interface{}{
			"sync_id":   job.SyncID,
			"anomalies": len(anomalies),
		})
	}
	o.logger.Printf("Job %s completed: %d anomalies for %s/%s",
		job.ID, len(anomalies), job.SellerID, job.SyncID)
}

// RunInline executes a detection pass synchronously, bypassing the queue.
// This is the fallback path when the queue backend is unhealthy; findings
// are still finalized and persisted, then returned to the caller directly.
func (o *Orchestrator) RunInline(ctx context.Context, sellerID, syncID string) ([]core.Anomaly, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.JobTimeout)
	defer cancel()

	anomalies, failures, err := o.runPass(ctx, sellerID, syncID)
	if err != nil {
		return nil, err
	}
	if len(failures) > 0 {
		return anomalies, core.Wrap(core.ErrRuleBug, "rule %s: %s", failures[0].RuleType, failures[0].Reason)
	}
	return anomalies, nil
}

// runPass loads context and input, applies every rule, and finalizes the
// produced anomalies in rule registration order.
func (o *Orchestrator) runPass(ctx context.Context, sellerID, syncID string) ([]core.Anomaly, []ruleFailure, error) {
	ruleCtx, err := o.store.LoadRuleContext(ctx, sellerID)
	if err != nil {
		return nil, nil, fmt.Errorf("load rule context: %w", err)
	}

	input, err := o.snapshots.LoadRuleInput(ctx, sellerID, syncID)
	if err != nil {
		return nil, nil, fmt.Errorf("load input snapshot: %w", err)
	}

	var anomalies []core.Anomaly
	var failures []ruleFailure
	for _, rule := range o.registry {
		found, failure := o.applyRule(rule, input, ruleCtx)
		if failure != nil {
			failures = append(failures, *failure)
			continue
		}
		anomalies = append(anomalies, found...)
	}

	snapshot := toSnapshotMap(input)
	persisted := anomalies[:0]
	for i := range anomalies {
		if err := ctx.Err(); err != nil {
			return persisted, failures, core.Wrap(core.ErrCancelled, "pass interrupted: %v", err)
		}
		a := &anomalies[i]
		if err := o.finalize(ctx, a, snapshot, ruleCtx); err != nil {
			if errors.Is(err, core.ErrDuplicateResult) {
				monitoring.DuplicateResults.Inc()
				continue
			}
			return persisted, failures, err
		}
		persisted = append(persisted, *a)

		monitoring.AnomaliesDetected.WithLabelValues(string(a.RuleType), string(a.Severity)).Inc()
		o.hub.SendEvent(a.SellerID, "detection_updates", map[string]interface{}{
			"sync_id":               a.SyncID,
			"anomaly_type":          string(a.RuleType),
			"severity":              string(a.Severity),
			"summary":               a.Summary,
			"estimated_value":       a.EstimatedValue,
			"filing_recommendation": a.FilingRecommendation,
			"timestamp":             o.clock().Format(time.RFC3339),
		})
		o.emitPacket(a)
	}
	return persisted, failures, nil
}

// applyRule invokes one rule with a panic boundary. A recovered panic
// never stops the remaining rules in the pass.
func (o *Orchestrator) applyRule(rule rules.Rule, input *core.RuleInput, ruleCtx core.RuleContext) (found []core.Anomaly, failure *ruleFailure) {
	defer func() {
		if r := recover(); r != nil {
			monitoring.RulePanics.WithLabelValues(string(rule.RuleType())).Inc()
			o.logger.Printf("Rule %s panicked: %v\n%s", rule.RuleType(), r, debug.Stack())
			failure = &ruleFailure{
				RuleType: rule.RuleType(),
				Reason:   fmt.Sprintf("rule panic: %v", r),
			}
		}
	}()
	return rule.Apply(input, ruleCtx), nil
}

// finalize stamps the policy window, uploads evidence, and persists one
// anomaly. A duplicate insert surfaces as core.ErrDuplicateResult.
func (o *Orchestrator) finalize(ctx context.Context, a *core.Anomaly, snapshot map[string]interface{}, ruleCtx core.RuleContext) error {
	window := o.tracker.CalculateWindow(a.ClaimType, a.DiscoveryDate)
	a.DeadlineDate = window.DeadlineDate
	a.DaysRemaining = window.DaysRemaining
	a.Expired = window.IsExpired
	a.FilingRecommendation = string(window.FilingRecommendation)
	if a.Status == "" {
		a.Status = core.StatusPending
	}

	priority := core.PriorityNormal
	for _, rule := range o.registry {
		if rule.RuleType() == a.RuleType {
			priority = rule.Priority()
			break
		}
	}

	artifact, err := o.evidence.Build(ctx, a, a.SellerID, a.SyncID, snapshot, priority, ruleCtx)
	if err != nil {
		monitoring.EvidenceUploads.WithLabelValues("error").Inc()
		return fmt.Errorf("build evidence for %s: %w", a.RuleType, err)
	}
	monitoring.EvidenceUploads.WithLabelValues("ok").Inc()
	a.EvidenceURL = artifact.BlobURL

	return o.store.InsertAnomaly(ctx, a)
}

// emitPacket hands the filing packet downstream. Delivery failure is a
// logged DownstreamError and never fails the detection job.
func (o *Orchestrator) emitPacket(a *core.Anomaly) {
	if o.emitter == nil {
		return
	}
	window := o.tracker.CalculateWindow(a.ClaimType, a.DiscoveryDate)
	packet := BuildFilingPacket(a, window)

	data, err := toSnapshotMapAny(packet)
	if err != nil {
		monitoring.PacketsEmitted.WithLabelValues("error").Inc()
		o.logger.Printf("Packet handoff failed for %s: %v", a.DedupeHash, core.Wrap(core.ErrDownstream, "%v", err))
		return
	}
	o.emitter.Emit(webhooks.EventPacketReady, a.SellerID, data)
	monitoring.PacketsEmitted.WithLabelValues("ok").Inc()
}

func (o *Orchestrator) failJob(ctx context.Context, job *core.DetectionJob, ruleType, reason string) {
	if err := o.queue.MarkFailed(ctx, job.ID, reason); err != nil {
		o.logger.Printf("MarkFailed %s: %v", job.ID, err)
	}
	monitoring.JobsProcessed.WithLabelValues("failed").Inc()

	data := map[string]interface{}{
		"sync_id": job.SyncID,
		"reason":  reason,
	}
	if ruleType != "" {
		data["rule_type"] = ruleType
	}
	o.progress(job, "failed", data)
	if o.emitter != nil {
		o.emitter.Emit(webhooks.EventDetectionFailed, job.SellerID, data)
	}
	o.logger.Printf("Job %s failed for %s/%s: %s", job.ID, job.SellerID, job.SyncID, reason)
}

// progress emits a sync_progress lifecycle event for the job's owner.
func (o *Orchestrator) progress(job *core.DetectionJob, status string, extra map[string]interface{}) {
	data := map[string]interface{}{
		"sync_id":   job.SyncID,
		"status":    status,
		"timestamp": o.clock().Format(time.RFC3339),
	}
	for k, v := range extra {
		data[k] = v
	}
	o.hub.SendEvent(job.SellerID, "sync_progress", data)
}

// toSnapshotMap round-trips the typed input through JSON into the loose
// map the evidence canonicalizer consumes.
func toSnapshotMap(input *core.RuleInput) map[string]interface{} {
	m, err := toSnapshotMapAny(input)
	if err != nil {
		return map[string]interface{}{}
	}
	return m
}

func toSnapshotMapAny(v interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}
