// Package ledger is the durable event queue: idempotent enqueue, claim-based
// draining with an audit trail, retry with bounded backoff and terminal failure.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"chatpipe/pkg/errs"
	"chatpipe/pkg/message"
	"chatpipe/pkg/metrics"
	"chatpipe/pkg/store"
)

const (
	DefaultMaxAttempts = 3
	DefaultBatchLimit  = 25
	DefaultStaleAfter  = 15 * time.Minute

	minRetryDelay = 30 * time.Second
	maxRetryDelay = 300 * time.Second

	payloadMessageKey   = "message"
	payloadLastErrorKey = "last_error"
)

// Handler runs the downstream work for one claimed event.
type Handler interface {
	Handle(ctx context.Context, event store.Event, steps *StepRecorder) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, event store.Event, steps *StepRecorder) error

func (f HandlerFunc) Handle(ctx context.Context, event store.Event, steps *StepRecorder) error {
	return f(ctx, event, steps)
}

// Alerter is notified when an event fails permanently.
type Alerter interface {
	Alert(ctx context.Context, text string) error
}

// Options configures a Ledger.
type Options struct {
	Store       store.Ledger
	Handler     Handler
	Alerter     Alerter
	Metrics     metrics.Sink
	Logger      *slog.Logger
	Clock       func() time.Time
	MaxAttempts int
	StaleAfter  time.Duration
	SourceTag   string
}

// Ledger owns enqueue and drain.
type Ledger struct {
	store       store.Ledger
	handler     Handler
	alerter     Alerter
	metrics     metrics.Sink
	log         *slog.Logger
	now         func() time.Time
	maxAttempts int
	staleAfter  time.Duration
	sourceTag   string
}

// Result summarizes one drain invocation.
type Result struct {
	Scanned   int `json:"scanned"`
	Claimed   int `json:"claimed"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Requeued  int `json:"requeued,omitempty"`
	// Lost counts events whose claim was swept to another worker mid-handle.
	Lost int `json:"lost,omitempty"`
}

// SweepResult summarizes one stale-claim sweep.
type SweepResult struct {
	Requeued int `json:"requeued"`
	Failed   int `json:"failed"`
}

// EnqueueRequest is one inbound message bound to its conversation.
type EnqueueRequest struct {
	ConversationID string
	UserID         string
	Message        message.Normalized
}

// New builds a Ledger with defaults applied.
func New(opts Options) *Ledger {
	l := &Ledger{
		store:       opts.Store,
		handler:     opts.Handler,
		alerter:     opts.Alerter,
		metrics:     opts.Metrics,
		log:         opts.Logger,
		now:         opts.Clock,
		maxAttempts: opts.MaxAttempts,
		staleAfter:  opts.StaleAfter,
		sourceTag:   opts.SourceTag,
	}
	if l.log == nil {
		l.log = slog.Default()
	}
	l.log = l.log.With("component", "ledger")
	if l.now == nil {
		l.now = time.Now
	}
	if l.metrics == nil {
		l.metrics = metrics.Discard{}
	}
	if l.maxAttempts <= 0 {
		l.maxAttempts = DefaultMaxAttempts
	}
	if l.staleAfter <= 0 {
		l.staleAfter = DefaultStaleAfter
	}
	if l.sourceTag == "" {
		l.sourceTag = "whatsapp"
	}
	return l
}

// SetHandler replaces the handler. It must be called before draining starts.
func (l *Ledger) SetHandler(h Handler) {
	l.handler = h
}

// MaxAttempts is the number of claims an event gets before it fails.
func (l *Ledger) MaxAttempts() int { return l.maxAttempts }

// Enqueue stores a pending event. A redelivered event returns "" and no error.
func (l *Ledger) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	payload, err := EncodeMessage(req.Message)
	if err != nil {
		return "", errs.Wrap(errs.KindPermanent, "ledger.enqueue", err)
	}

	now := l.now()
	event := store.Event{
		ID:             store.NewID(),
		ConversationID: req.ConversationID,
		UserID:         req.UserID,
		SourceTag:      l.sourceTag,
		InputType:      string(req.Message.Kind),
		Payload:        payload,
		IdempotencyKey: req.Message.IdempotencyKey(req.ConversationID),
		Status:         store.StatusPending,
		AvailableAt:    now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := l.store.InsertEvent(ctx, event); err != nil {
		if errs.IsDuplicate(err) {
			l.log.Info("Event already enqueued", "idempotency_key", event.IdempotencyKey)
			l.metrics.Count(ctx, metrics.LedgerEventsTotal, metrics.Tags{"outcome": "duplicate"})
			return "", nil
		}
		return "", fmt.Errorf("insert event: %w", err)
	}

	l.metrics.Count(ctx, metrics.LedgerEventsTotal, metrics.Tags{"outcome": "enqueued", "input_type": event.InputType})
	l.log.Debug("Event enqueued", "event_id", event.ID, "idempotency_key", event.IdempotencyKey)
	return event.ID, nil
}

// ProcessPending drains up to limit available events. Safe to call
// concurrently; each event is processed by at most one caller.
func (l *Ledger) ProcessPending(ctx context.Context, limit int) (Result, error) {
	if limit <= 0 {
		limit = DefaultBatchLimit
	}

	var result Result
	sweep, err := l.Sweep(ctx, l.staleAfter)
	if err != nil {
		l.log.Warn("Stale sweep failed", "error", err)
	}
	result.Requeued = sweep.Requeued
	result.Failed += sweep.Failed

	events, err := l.store.ListPendingEvents(ctx, l.now(), limit)
	if err != nil {
		return result, fmt.Errorf("list pending events: %w", err)
	}
	result.Scanned = len(events)

	for _, candidate := range events {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		event, ok, err := l.store.TryClaim(ctx, candidate.ID, l.now())
		if err != nil {
			l.log.Warn("Claim failed", "event_id", candidate.ID, "error", err)
			result.Skipped++
			continue
		}
		if !ok {
			result.Skipped++
			continue
		}
		result.Claimed++

		switch l.process(ctx, event) {
		case outcomeCompleted:
			result.Completed++
		case outcomeFailed:
			result.Failed++
		case outcomeLost:
			result.Lost++
		}
	}

	l.log.Info("Drain finished",
		"scanned", result.Scanned,
		"claimed", result.Claimed,
		"completed", result.Completed,
		"failed", result.Failed,
		"skipped", result.Skipped,
		"lost", result.Lost,
	)
	return result, nil
}

// ProcessEvent claims and processes one event by id. claimed is false when
// the event is not pending or not yet available, which includes another
// worker holding it.
func (l *Ledger) ProcessEvent(ctx context.Context, id string) (claimed bool, completed bool, err error) {
	event, ok, err := l.store.TryClaim(ctx, id, l.now())
	if err != nil {
		return false, false, fmt.Errorf("claim event: %w", err)
	}
	if !ok {
		return false, false, nil
	}
	return true, l.process(ctx, event) == outcomeCompleted, nil
}

type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeRetried
	outcomeFailed
	outcomeLost
	outcomeError
)

// process runs one claimed event. Bookkeeping writes outlive ctx so a caller
// that goes away mid-handle does not leave the claim dangling.
func (l *Ledger) process(ctx context.Context, event store.Event) outcome {
	log := l.log.With("event_id", event.ID, "conversation_id", event.ConversationID, "attempt", event.AttemptCount)
	started := l.now()
	run := store.Run{ID: store.NewID(), EventID: event.ID, Status: store.RunRunning, StartedAt: started}
	if err := l.store.CreateRun(ctx, run); err != nil {
		log.Warn("Create run failed", "error", err)
	}
	steps := &StepRecorder{store: l.store, runID: run.ID, now: l.now, log: log}

	var handleErr error
	if l.handler == nil {
		handleErr = errs.New(errs.KindPermanent, "ledger.process", "no handler configured")
	} else {
		handleErr = safeHandle(ctx, l.handler, event, steps)
	}

	bookkeeping := context.WithoutCancel(ctx)
	if handleErr == nil {
		if err := l.store.CloseRun(bookkeeping, run.ID, store.RunCompleted, "", l.now()); err != nil {
			log.Warn("Close run failed", "error", err)
		}
		err := l.store.CompleteEvent(bookkeeping, event.ID, event.AttemptCount, l.now())
		if errors.Is(err, store.ErrClaimLost) {
			log.Warn("Claim lost before completion")
			return outcomeLost
		}
		if err != nil {
			log.Error("Complete event failed", "error", err)
			return outcomeError
		}
		l.metrics.Count(bookkeeping, metrics.LedgerEventsTotal, metrics.Tags{"outcome": "completed", "input_type": event.InputType})
		return outcomeCompleted
	}

	steps.Record(bookkeeping, "failure", nil, map[string]any{"error": handleErr.Error(), "kind": string(errs.KindOf(handleErr))}, started, handleErr)
	if err := l.store.CloseRun(bookkeeping, run.ID, store.RunFailed, handleErr.Error(), l.now()); err != nil {
		log.Warn("Close run failed", "error", err)
	}
	return l.retryOrFail(bookkeeping, event, handleErr, log)
}

func safeHandle(ctx context.Context, h Handler, event store.Event, steps *StepRecorder) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.Newf(errs.KindPermanent, "ledger.handle", "panic: %v", r)
		}
	}()
	return h.Handle(ctx, event, steps)
}

func (l *Ledger) retryOrFail(ctx context.Context, event store.Event, cause error, log *slog.Logger) outcome {
	now := l.now()
	payload := make(map[string]any, len(event.Payload)+1)
	for k, v := range event.Payload {
		payload[k] = v
	}
	payload[payloadLastErrorKey] = cause.Error()

	if event.AttemptCount < l.maxAttempts {
		availableAt := now.Add(RetryDelay(event.AttemptCount))
		err := l.store.RescheduleEvent(ctx, event.ID, event.AttemptCount, availableAt, payload, now)
		if errors.Is(err, store.ErrClaimLost) {
			log.Warn("Claim lost before reschedule", "error", cause)
			return outcomeLost
		}
		if err != nil {
			log.Error("Reschedule failed", "error", err)
			return outcomeError
		}
		log.Warn("Event rescheduled", "error", cause, "available_at", availableAt)
		l.metrics.Count(ctx, metrics.LedgerEventsTotal, metrics.Tags{"outcome": "retried", "input_type": event.InputType})
		return outcomeRetried
	}

	err := l.store.FailEvent(ctx, event.ID, event.AttemptCount, payload, now)
	if errors.Is(err, store.ErrClaimLost) {
		log.Warn("Claim lost before failure", "error", cause)
		return outcomeLost
	}
	if err != nil {
		log.Error("Fail event failed", "error", err)
		return outcomeError
	}
	log.Error("Event failed permanently", "error", cause)
	l.metrics.Count(ctx, metrics.LedgerEventsTotal, metrics.Tags{"outcome": "failed", "input_type": event.InputType})
	l.alert(ctx, fmt.Sprintf("chatpipe: event %s failed after %d attempts: %s", event.ID, event.AttemptCount, cause))
	return outcomeFailed
}

func (l *Ledger) alert(ctx context.Context, text string) {
	if l.alerter == nil {
		return
	}
	if err := l.alerter.Alert(ctx, text); err != nil {
		l.log.Warn("Alert delivery failed", "error", err)
	}
}

// RetryDelay is the wait before the next attempt: attempts*30s bounded to
// [30s, 300s].
func RetryDelay(attempts int) time.Duration {
	d := time.Duration(attempts) * minRetryDelay
	if d < minRetryDelay {
		d = minRetryDelay
	}
	if d > maxRetryDelay {
		d = maxRetryDelay
	}
	return d
}

// Sweep returns processing events claimed more than olderThan ago to pending.
// Events that already used every attempt are failed.
func (l *Ledger) Sweep(ctx context.Context, olderThan time.Duration) (SweepResult, error) {
	if olderThan <= 0 {
		olderThan = l.staleAfter
	}
	now := l.now()
	requeued, failed, err := l.store.RequeueStale(ctx, now.Add(-olderThan), l.maxAttempts, now)
	if err != nil {
		return SweepResult{}, fmt.Errorf("requeue stale events: %w", err)
	}
	if requeued > 0 || failed > 0 {
		l.log.Warn("Stale claims released", "requeued", requeued, "failed", failed, "older_than", olderThan)
	}
	if failed > 0 {
		l.alert(ctx, fmt.Sprintf("chatpipe: %d stale events failed after exhausting retries", failed))
	}
	return SweepResult{Requeued: requeued, Failed: failed}, nil
}

// Run drains on every tick until ctx is done.
func (l *Ledger) Run(ctx context.Context, interval time.Duration, limit int) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := l.ProcessPending(ctx, limit); err != nil && ctx.Err() == nil {
				l.log.Error("Periodic drain failed", "error", err)
			}
		}
	}
}

// EncodeMessage renders msg into an event payload.
func EncodeMessage(msg message.Normalized) (map[string]any, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	return map[string]any{payloadMessageKey: fields}, nil
}

// DecodeMessage reads the message back out of an event payload.
func DecodeMessage(payload map[string]any) (message.Normalized, error) {
	fields, ok := payload[payloadMessageKey]
	if !ok {
		return message.Normalized{}, errs.New(errs.KindPermanent, "ledger.decode", "payload has no message")
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return message.Normalized{}, errs.Wrap(errs.KindPermanent, "ledger.decode", err)
	}
	var msg message.Normalized
	if err := json.Unmarshal(raw, &msg); err != nil {
		return message.Normalized{}, errs.Wrap(errs.KindPermanent, "ledger.decode", err)
	}
	return msg, nil
}

// LastError returns the diagnostic stashed by the retry policy.
func LastError(payload map[string]any) string {
	s, _ := payload[payloadLastErrorKey].(string)
	return s
}
