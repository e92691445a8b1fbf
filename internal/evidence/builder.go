package evidence

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/reclaimly/backend/internal/core"
)

// Artifact is the finalized evidence document for one anomaly. Immutable
// once written.
type Artifact struct {
	EvidenceJSON []byte `json:"-"`
	BlobURL      string `json:"blob_url"`
	DedupeHash   string `json:"dedupe_hash"`
	SnapshotHash string `json:"input_snapshot_hash"`
	Path         string `json:"path"`
}

// document is the canonical evidence layout: { metadata, anomaly, input_data }.
type document struct {
	Metadata  metadata               `json:"metadata"`
	Anomaly   *core.Anomaly          `json:"anomaly"`
	InputData map[string]interface{} `json:"input_data"`
}

type metadata struct {
	RuleType          core.RuleType       `json:"rule_type"`
	SellerID          string              `json:"seller_id"`
	SyncID            string              `json:"sync_id"`
	Timestamp         time.Time           `json:"timestamp"`
	InputSnapshotHash string              `json:"input_snapshot_hash"`
	Computations      computations        `json:"computations"`
	ThresholdApplied  *core.Threshold     `json:"threshold_applied,omitempty"`
	WhitelistApplied  *core.WhitelistItem `json:"whitelist_applied,omitempty"`
}

type computations struct {
	Severity     core.Severity     `json:"severity"`
	Score        float64           `json:"score"`
	RulePriority core.RulePriority `json:"rule_priority"`
}

// Builder assembles canonical evidence documents and persists them to the
// blob store. The builder does not retry uploads; a storage failure is
// surfaced to the orchestrator as a transient error.
type Builder struct {
	store  BlobStore
	logger *log.Logger
	clock  func() time.Time
}

// NewBuilder creates an evidence builder over the given blob store.
func NewBuilder(store BlobStore) *Builder {
	return &Builder{
		store:  store,
		logger: log.New(log.Writer(), "[Evidence] ", log.LstdFlags),
		clock:  func() time.Time { return time.Now().UTC() },
	}
}

// WithClock fixes the metadata timestamp source (tests).
func (b *Builder) WithClock(clock func() time.Time) *Builder {
	b.clock = clock
	return b
}

// Build produces the evidence artifact for an anomaly: redacts and hashes
// the input snapshot, assembles the canonical document, uploads it, and
// returns the stable hashes plus blob URL.
//
// Hashes are computed over the canonical serialization BEFORE upload; the
// stored document is pretty-printed for debuggability but never re-hashed.
func (b *Builder) Build(
	ctx context.Context,
	anomaly *core.Anomaly,
	sellerID, syncID string,
	inputSnapshot map[string]interface{},
	priority core.RulePriority,
	ruleCtx core.RuleContext,
) (*Artifact, error) {
	if anomaly == nil {
		return nil, core.Wrap(core.ErrValidation, "nil anomaly")
	}
	if anomaly.DedupeHash == "" {
		return nil, core.Wrap(core.ErrValidation, "anomaly %s has no dedupe hash", anomaly.RuleType)
	}

	redacted, _ := Redact(Normalize(inputSnapshot)).(map[string]interface{})
	snapshotHash := SnapshotHash(inputSnapshot)

	doc := document{
		Metadata: metadata{
			RuleType:          anomaly.RuleType,
			SellerID:          sellerID,
			SyncID:            syncID,
			Timestamp:         b.clock(),
			InputSnapshotHash: snapshotHash,
			Computations: computations{
				Severity:     anomaly.Severity,
				Score:        anomaly.Score,
				RulePriority: priority,
			},
			ThresholdApplied: firstThreshold(anomaly.RuleType, ruleCtx),
			WhitelistApplied: firstWhitelist(ruleCtx),
		},
		Anomaly:   anomaly,
		InputData: redacted,
	}

	// Pretty form is what lands in the bucket; canonical bytes exist only
	// to keep the hash contract independent of storage formatting.
	pretty, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal evidence document: %w", err)
	}

	path := fmt.Sprintf("evidence/%s/%s/%s/%s.json", sellerID, syncID, anomaly.RuleType, anomaly.DedupeHash)
	sideMeta := map[string]string{
		"seller-id":   sellerID,
		"sync-id":     syncID,
		"rule-type":   string(anomaly.RuleType),
		"dedupe-hash": anomaly.DedupeHash,
	}

	url, err := b.store.Put(ctx, path, pretty, "application/json", sideMeta)
	if err != nil {
		return nil, core.Wrap(core.ErrTransient, "evidence upload failed: %v", err)
	}

	return &Artifact{
		EvidenceJSON: pretty,
		BlobURL:      url,
		DedupeHash:   anomaly.DedupeHash,
		SnapshotHash: snapshotHash,
		Path:         path,
	}, nil
}

// firstThreshold returns the first matching threshold for the rule type:
// seller-specific before global, per RuleContext ordering.
func firstThreshold(rt core.RuleType, ruleCtx core.RuleContext) *core.Threshold {
	matches := ruleCtx.ThresholdsFor(rt)
	if len(matches) == 0 {
		return nil
	}
	t := matches[0]
	return &t
}

// firstWhitelist returns the first active whitelist entry for the seller.
func firstWhitelist(ruleCtx core.RuleContext) *core.WhitelistItem {
	for _, w := range ruleCtx.Whitelist {
		if w.Active && w.SellerID == ruleCtx.SellerID {
			item := w
			return &item
		}
	}
	return nil
}
