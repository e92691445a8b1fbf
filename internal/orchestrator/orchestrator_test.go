package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reclaimly/backend/internal/core"
	"github.com/reclaimly/backend/internal/evidence"
	"github.com/reclaimly/backend/internal/policy"
	"github.com/reclaimly/backend/internal/queue"
	"github.com/reclaimly/backend/internal/rules"
	"github.com/reclaimly/backend/internal/webhooks"
)

// ----------------------------------------------------------------------------
// test doubles
// ----------------------------------------------------------------------------

type memResultStore struct {
	mu       sync.Mutex
	inserted []core.Anomaly
	seen     map[string]bool
	ruleCtx  core.RuleContext
}

func newMemResultStore(ruleCtx core.RuleContext) *memResultStore {
	return &memResultStore{seen: make(map[string]bool), ruleCtx: ruleCtx}
}

func (s *memResultStore) InsertAnomaly(_ context.Context, a *core.Anomaly) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := a.SellerID + "|" + string(a.RuleType) + "|" + a.DedupeHash
	if s.seen[key] {
		return core.Wrap(core.ErrDuplicateResult, "replay of %s", a.DedupeHash)
	}
	s.seen[key] = true
	s.inserted = append(s.inserted, *a)
	return nil
}

func (s *memResultStore) LoadRuleContext(_ context.Context, sellerID string) (core.RuleContext, error) {
	ctx := s.ruleCtx
	ctx.SellerID = sellerID
	return ctx, nil
}

type memSnapshots struct {
	input *core.RuleInput
}

func (s *memSnapshots) LoadRuleInput(_ context.Context, sellerID, syncID string) (*core.RuleInput, error) {
	in := *s.input
	in.SellerID = sellerID
	in.SyncID = syncID
	return &in, nil
}

type recordedEvent struct {
	UserID string
	Name   string
	Data   map[string]interface{}
}

type recordingHub struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (h *recordingHub) SendEvent(userID, eventName string, data map[string]interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, recordedEvent{UserID: userID, Name: eventName, Data: data})
}

func (h *recordingHub) names() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.events))
	for i, e := range h.events {
		out[i] = e.Name
	}
	return out
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (e *recordingEmitter) Emit(eventType webhooks.EventType, sellerID string, data map[string]interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, recordedEvent{UserID: sellerID, Name: string(eventType), Data: data})
}

func (e *recordingEmitter) Shutdown() {}

type panicRule struct{}

func (panicRule) Apply(*core.RuleInput, core.RuleContext) []core.Anomaly {
	panic("index out of range in detector")
}
func (panicRule) RuleType() core.RuleType     { return core.RuleDamagedStock }
func (panicRule) Priority() core.RulePriority { return core.PriorityMedium }

// ----------------------------------------------------------------------------
// fixtures
// ----------------------------------------------------------------------------

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func lostUnitsContext() core.RuleContext {
	return core.RuleContext{
		Thresholds: []core.Threshold{
			{RuleType: core.RuleLostUnits, Operator: core.OpLT, Value: 5, Active: true},
		},
	}
}

func lostUnitsInput() *core.RuleInput {
	return &core.RuleInput{
		TotalUnits: 1000,
		TotalValue: 1000,
		Inventory: []core.InventoryItem{
			{SKU: "SKU001", ASIN: "B000TEST01", Units: 10, Value: 50},
		},
		Now: testNow,
	}
}

func newTestOrchestrator(t *testing.T, store ResultStore, snaps SnapshotLoader, hub Notifier, emitter webhooks.Emitter) (*Orchestrator, *queue.MemoryQueue) {
	t.Helper()
	q := queue.NewMemoryQueue(queue.DefaultConfig())
	builder := evidence.NewBuilder(evidence.NewMemoryBlobStore()).
		WithClock(func() time.Time { return testNow })
	tracker := policy.NewTracker(nil, nil).
		WithClock(func() time.Time { return testNow })

	o := New(q, store, snaps, builder, tracker, hub, emitter, Config{Workers: 1}).
		WithClock(func() time.Time { return testNow })
	return o, q
}

func dequeue(t *testing.T, q *queue.MemoryQueue) *core.DetectionJob {
	t.Helper()
	job, err := q.Next(context.Background())
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

// ----------------------------------------------------------------------------
// tests
// ----------------------------------------------------------------------------

func TestProcessJobCompletes(t *testing.T) {
	store := newMemResultStore(lostUnitsContext())
	hub := &recordingHub{}
	emitter := &recordingEmitter{}
	o, q := newTestOrchestrator(t, store, &memSnapshots{input: lostUnitsInput()}, hub, emitter)

	_, err := q.Enqueue(context.Background(), queue.EnqueueRequest{
		SellerID: "seller-1", SyncID: "sync-1", Priority: core.JobPriorityNormal,
	})
	require.NoError(t, err)

	o.ProcessJob(context.Background(), dequeue(t, q))

	require.Len(t, store.inserted, 1)
	a := store.inserted[0]
	assert.Equal(t, core.RuleLostUnits, a.RuleType)
	assert.NotEmpty(t, a.EvidenceURL)
	assert.Equal(t, testNow.AddDate(0, 0, 60), a.DeadlineDate)
	assert.Equal(t, 60, a.DaysRemaining)
	assert.Equal(t, string(policy.SafeToWait), a.FilingRecommendation)
	assert.False(t, a.Expired)

	assert.Equal(t, []string{"sync_progress", "detection_updates", "sync_progress"}, hub.names())
	assert.Equal(t, "completed", hub.events[2].Data["status"])

	require.Len(t, emitter.events, 2)
	assert.Equal(t, string(webhooks.EventPacketReady), emitter.events[0].Name)
	assert.Equal(t, string(webhooks.EventDetectionCompleted), emitter.events[1].Name)

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Completed)
	assert.EqualValues(t, 0, stats.Active)
}

func TestDuplicateInsertIsIdempotentNoOp(t *testing.T) {
	store := newMemResultStore(lostUnitsContext())
	hub := &recordingHub{}
	o, q := newTestOrchestrator(t, store, &memSnapshots{input: lostUnitsInput()}, hub, nil)

	for _, syncID := range []string{"sync-1", "sync-1"} {
		_, err := q.Enqueue(context.Background(), queue.EnqueueRequest{
			SellerID: "seller-1", SyncID: syncID, Priority: core.JobPriorityNormal,
		})
		require.NoError(t, err)
		o.ProcessJob(context.Background(), dequeue(t, q))
	}

	// The replay inserts nothing and fires no second detection update,
	// but the job itself still completes.
	assert.Len(t, store.inserted, 1)
	updates := 0
	for _, name := range hub.names() {
		if name == "detection_updates" {
			updates++
		}
	}
	assert.Equal(t, 1, updates)

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.Completed)
}

func TestRulePanicFailsJobButOtherRulesRun(t *testing.T) {
	store := newMemResultStore(lostUnitsContext())
	hub := &recordingHub{}
	emitter := &recordingEmitter{}
	o, q := newTestOrchestrator(t, store, &memSnapshots{input: lostUnitsInput()}, hub, emitter)
	o.registry = []rules.Rule{panicRule{}, rules.NewLostUnitsRule()}

	_, err := q.Enqueue(context.Background(), queue.EnqueueRequest{
		SellerID: "seller-1", SyncID: "sync-1", Priority: core.JobPriorityHigh,
	})
	require.NoError(t, err)
	job := dequeue(t, q)
	o.ProcessJob(context.Background(), job)

	// The surviving rule's anomaly persisted even though the pass failed.
	assert.Len(t, store.inserted, 1)

	last := hub.events[len(hub.events)-1]
	assert.Equal(t, "sync_progress", last.Name)
	assert.Equal(t, "failed", last.Data["status"])
	assert.Equal(t, string(core.RuleDamagedStock), last.Data["rule_type"])
	assert.Contains(t, last.Data["reason"], "rule panic")

	// The first failure of a retryable job parks it pending with backoff
	// and records the cause.
	pending, err := q.JobsByStatus(context.Background(), core.JobPending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Contains(t, pending[0].LastError, "rule panic")
	assert.Equal(t, 1, pending[0].Attempts)

	require.NotEmpty(t, emitter.events)
	assert.Equal(t, string(webhooks.EventDetectionFailed), emitter.events[len(emitter.events)-1].Name)
}

func TestRunInlineReturnsAndPersistsFindings(t *testing.T) {
	store := newMemResultStore(lostUnitsContext())
	hub := &recordingHub{}
	o, _ := newTestOrchestrator(t, store, &memSnapshots{input: lostUnitsInput()}, hub, nil)

	found, err := o.RunInline(context.Background(), "seller-9", "sync-inline")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "seller-9", found[0].SellerID)
	assert.NotEmpty(t, found[0].EvidenceURL)
	assert.Len(t, store.inserted, 1)
}

func TestBuildFilingPacket(t *testing.T) {
	a := &core.Anomaly{
		SellerID:       "seller-1",
		SyncID:         "sync-1",
		RuleType:       core.RuleSLABreach,
		Summary:        "Case CASE-1 breached its decision SLA",
		EstimatedValue: 6.0,
		DedupeHash:     "abcd1234",
		ClaimType:      "general",
		DiscoveryDate:  testNow,
		Evidence: map[string]interface{}{
			"case_id":          "CASE-1",
			"policy_reference": "FBA-GEN-1.0",
		},
	}
	tracker := policy.NewTracker(nil, nil).WithClock(func() time.Time { return testNow })
	w := tracker.CalculateWindow(a.ClaimType, a.DiscoveryDate)

	p := BuildFilingPacket(a, w)
	assert.Equal(t, "CASE-1", p.CaseID)
	assert.Equal(t, "FBA-GEN-1.0", p.PolicyCitation)
	assert.Equal(t, testNow.Format("2006-01-02"), p.KeyDates["discovery_date"])
	assert.Equal(t, w.DeadlineDate.Format("2006-01-02"), p.KeyDates["deadline_date"])
	assert.Equal(t, 6.0, p.ExpectedValue)
	assert.Contains(t, p.TalkingPoints[0], "CASE-1")
	assert.Contains(t, p.SuggestedAttachments, "case_timeline")
}
