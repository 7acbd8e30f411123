package ledger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"chatpipe/pkg/store"
)

// StepRecorder appends write-once stage records to the current run.
type StepRecorder struct {
	store store.Ledger
	runID string
	now   func() time.Time
	log   *slog.Logger

	mu  sync.Mutex
	seq int
}

// RunID returns the audit run the steps belong to.
func (r *StepRecorder) RunID() string {
	if r == nil {
		return ""
	}
	return r.runID
}

// Record stores one stage. A failed write is logged and otherwise ignored.
// A nil recorder discards the step.
func (r *StepRecorder) Record(ctx context.Context, node string, input, output map[string]any, started time.Time, stepErr error) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.seq++
	seq := r.seq
	r.mu.Unlock()

	status := "ok"
	if stepErr != nil {
		status = "error"
	}
	if input == nil {
		input = map[string]any{}
	}
	if output == nil {
		output = map[string]any{}
	}

	now := r.now()
	step := store.Step{
		ID:        store.NewID(),
		RunID:     r.runID,
		Seq:       seq,
		Node:      node,
		Status:    status,
		Input:     input,
		Output:    output,
		LatencyMs: now.Sub(started).Milliseconds(),
		CreatedAt: now,
	}
	if err := r.store.AppendStep(ctx, step); err != nil {
		r.log.Warn("Append step failed", "node", node, "error", err)
	}
}
