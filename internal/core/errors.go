package core

import (
	"errors"
	"fmt"
)

// Error kinds for the pipeline. Callers classify with errors.Is; the
// orchestrator converts kinds into queue retry decisions and SSE events.
var (
	ErrValidation = errors.New("validation error")
	ErrAuth       = errors.New("auth error")
	ErrTransient  = errors.New("transient external error")
	ErrStorage    = errors.New("storage error")
	ErrStalled    = errors.New("job stalled")
	ErrRuleBug    = errors.New("rule panic")
	ErrDownstream = errors.New("downstream handoff error")
	ErrCancelled  = errors.New("job cancelled")

	// ErrDuplicateResult marks an insert that hit the
	// (seller_id, sync_id, anomaly_type, dedupe_hash) unique constraint.
	// Treated as an idempotent no-op by the orchestrator.
	ErrDuplicateResult = errors.New("duplicate detection result")
)

// Wrap annotates err with a kind so it satisfies errors.Is(err, kind).
func Wrap(kind error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// Retryable reports whether the queue's attempt policy should requeue.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrStalled)
}
