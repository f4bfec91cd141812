package analyze

import (
	"context"
	"fmt"

	"github.com/jlowell/revq/internal/provider"
	"github.com/jlowell/revq/internal/ratelimit"
)

// Worker pairs an Analyzer with the shared rate limiter so a pool of
// workers can fan out over threads without exceeding API budgets.
// Workers are handed out by a pool.Pool and identified by pointer.
type Worker struct {
	ID       string
	analyzer Analyzer
	limiter  *ratelimit.Limiter
}

// NewWorker wraps an analyzer. limiter may be nil for analyzers that
// never call a remote API.
func NewWorker(id string, analyzer Analyzer, limiter *ratelimit.Limiter) *Worker {
	return &Worker{ID: id, analyzer: analyzer, limiter: limiter}
}

// Analyze runs the wrapped analyzer, acquiring a rate-limit slot first
// when the analyzer is remote-backed. A limiter denial is reported as an
// unpatchable result so the batch keeps moving.
func (w *Worker) Analyze(ctx context.Context, thread provider.Thread) Result {
	if w.limiter != nil {
		if err := w.limiter.Acquire(ctx); err != nil {
			return Result{
				ThreadID:  thread.ID,
				Result:    ResultUnpatchable,
				Reasoning: fmt.Sprintf("rate limit slot unavailable: %v", err),
				Err:       err,
			}
		}
		res := w.analyzer.Analyze(ctx, thread)
		w.limiter.EndRequest(res.Err == nil)
		return res
	}
	return w.analyzer.Analyze(ctx, thread)
}
