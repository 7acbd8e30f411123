// Package fallback runs a primary provider call and, when it fails, a
// fallback call gated by a budget predicate and the fallback's circuit.
package fallback

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"chatpipe/pkg/breaker"
	"chatpipe/pkg/errs"
	"chatpipe/pkg/metrics"
	providertypes "chatpipe/pkg/provider/types"
)

// Func is one provider invocation.
type Func func(ctx context.Context) (providertypes.PromptResult, error)

// Attempt names a provider and how to call it.
type Attempt struct {
	Provider string
	Call     Func
}

// Outcome is a successful execution.
type Outcome struct {
	Result       providertypes.PromptResult
	Provider     string
	FallbackUsed bool
}

// Executor applies the fallback policy.
type Executor struct {
	breaker *breaker.Breaker
	metrics metrics.Sink
	log     *slog.Logger
}

// New builds an Executor. A nil breaker gets one with default thresholds.
func New(b *breaker.Breaker, sink metrics.Sink, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	if b == nil {
		b = breaker.New(breaker.Options{Logger: log})
	}
	if sink == nil {
		sink = metrics.Discard{}
	}
	return &Executor{
		breaker: b,
		metrics: sink,
		log:     log.With("component", "fallback.executor"),
	}
}

// Execute calls primary; on failure it calls fallback when fallback is set,
// budgetAllows returns true and the fallback circuit permits a request. When
// both fail the fallback error is returned and the primary error is logged.
// A primary whose circuit is open is skipped.
func (e *Executor) Execute(ctx context.Context, primary Attempt, fallback *Attempt, budgetAllows func() bool) (Outcome, error) {
	var primaryErr error
	if e.breaker.CanRequest(primary.Provider) {
		result, err := e.run(ctx, primary)
		if err == nil {
			return Outcome{Result: result, Provider: primary.Provider}, nil
		}
		primaryErr = err
	} else {
		primaryErr = errs.Newf(errs.KindTransient, "fallback.execute", "circuit open for %s", primary.Provider)
		e.metrics.Count(ctx, metrics.ProviderCallsTotal, metrics.Tags{"provider": primary.Provider, "outcome": "circuit_open"})
	}

	if fallback == nil || fallback.Call == nil {
		return Outcome{}, primaryErr
	}
	if ctx.Err() != nil {
		return Outcome{}, primaryErr
	}
	if budgetAllows != nil && !budgetAllows() {
		e.log.Warn("Fallback skipped: budget exhausted", "primary", primary.Provider, "fallback", fallback.Provider, "error", primaryErr)
		return Outcome{}, primaryErr
	}
	if !e.breaker.CanRequest(fallback.Provider) {
		e.log.Warn("Fallback skipped: circuit open", "primary", primary.Provider, "fallback", fallback.Provider, "error", primaryErr)
		return Outcome{}, primaryErr
	}

	e.log.Warn("Primary provider failed, using fallback",
		"primary", primary.Provider,
		"fallback", fallback.Provider,
		"error", primaryErr,
	)
	result, err := e.run(ctx, *fallback)
	if err != nil {
		e.log.Error("Fallback provider failed", "primary", primary.Provider, "primary_error", primaryErr, "fallback", fallback.Provider, "error", err)
		return Outcome{}, fmt.Errorf("fallback %s: %w", fallback.Provider, err)
	}
	return Outcome{Result: result, Provider: fallback.Provider, FallbackUsed: true}, nil
}

func (e *Executor) run(ctx context.Context, attempt Attempt) (providertypes.PromptResult, error) {
	started := time.Now()
	result, err := attempt.Call(ctx)
	tags := metrics.Tags{"provider": attempt.Provider, "outcome": "success"}
	if err != nil {
		e.breaker.RecordFailure(attempt.Provider)
		tags["outcome"] = string(errs.KindOf(err))
		e.metrics.Count(ctx, metrics.ProviderCallsTotal, tags)
		e.log.Debug("Provider call failed", "provider", attempt.Provider, "duration_ms", time.Since(started).Milliseconds(), "error", err)
		return providertypes.PromptResult{}, err
	}
	e.breaker.RecordSuccess(attempt.Provider)
	e.metrics.Count(ctx, metrics.ProviderCallsTotal, tags)
	return result, nil
}
