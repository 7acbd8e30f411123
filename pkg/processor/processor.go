// Package processor runs the post-acknowledgement pipeline for one inbound
// message: persist, optionally enqueue, touch side records, resolve
// interactive replies, gate onboarding and hand the turn to the orchestrator.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"chatpipe/pkg/bus"
	"chatpipe/pkg/channel"
	"chatpipe/pkg/config"
	"chatpipe/pkg/errs"
	"chatpipe/pkg/ledger"
	"chatpipe/pkg/message"
	"chatpipe/pkg/notice"
	"chatpipe/pkg/orchestrator"
	providertypes "chatpipe/pkg/provider/types"
	"chatpipe/pkg/store"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultPersistRetryDelay = 250 * time.Millisecond
	DefaultTurnTimeout       = 2 * time.Minute
)

// Orchestrator runs one classified turn.
type Orchestrator interface {
	Process(ctx context.Context, turn orchestrator.Turn) (orchestrator.Result, error)
}

// Persistence is the store surface the processor writes to.
type Persistence interface {
	store.Gateway
	store.SideRecords
}

// Job is one accepted inbound message.
type Job struct {
	RequestID  string
	Message    message.Normalized
	ReceivedAt time.Time
}

// Options configures a Processor.
type Options struct {
	Store        Persistence
	Ledger       *ledger.Ledger
	Orchestrator Orchestrator
	Messenger    channel.Messenger
	Notices      *notice.Catalog
	Flags        *config.Flags
	Bus          *bus.MessageBus
	Executor     *Executor
	Logger       *slog.Logger
	Clock        func() time.Time

	PersistRetryDelay time.Duration
	TurnTimeout       time.Duration
}

// Processor sequences the background work for accepted messages.
type Processor struct {
	store        Persistence
	ledger       *ledger.Ledger
	orchestrator Orchestrator
	messenger    channel.Messenger
	notices      *notice.Catalog
	flags        *config.Flags
	bus          *bus.MessageBus
	executor     *Executor
	log          *slog.Logger
	now          func() time.Time

	persistRetryDelay time.Duration
	turnTimeout       time.Duration
}

type turnInput struct {
	requestID      string
	conversationID string
	userID         string
	message        message.Normalized
	startedAt      time.Time
}

// New builds a Processor. When a ledger is given, the processor becomes its
// handler.
func New(opts Options) (*Processor, error) {
	if opts.Store == nil {
		return nil, errors.New("processor: store is required")
	}
	if opts.Orchestrator == nil {
		return nil, errors.New("processor: orchestrator is required")
	}

	p := &Processor{
		store:             opts.Store,
		ledger:            opts.Ledger,
		orchestrator:      opts.Orchestrator,
		messenger:         opts.Messenger,
		notices:           opts.Notices,
		flags:             opts.Flags,
		bus:               opts.Bus,
		executor:          opts.Executor,
		log:               opts.Logger,
		now:               opts.Clock,
		persistRetryDelay: opts.PersistRetryDelay,
		turnTimeout:       opts.TurnTimeout,
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	p.log = p.log.With("component", "processor")
	if p.now == nil {
		p.now = time.Now
	}
	if p.notices == nil {
		p.notices = notice.MustDefault()
	}
	if p.persistRetryDelay <= 0 {
		p.persistRetryDelay = DefaultPersistRetryDelay
	}
	if p.turnTimeout <= 0 {
		p.turnTimeout = DefaultTurnTimeout
	}
	if p.ledger != nil {
		p.ledger.SetHandler(ledger.HandlerFunc(p.handleEvent))
	}
	return p, nil
}

// Submit hands job to the background executor and returns immediately.
func (p *Processor) Submit(job Job) error {
	if p.executor == nil {
		return errors.New("processor: no executor configured")
	}
	return p.executor.Submit(Task{
		ID:      job.RequestID,
		Timeout: p.turnTimeout,
		Run: func(ctx context.Context) error {
			return p.Handle(ctx, job)
		},
	})
}

// Handle runs the full pipeline for job in the calling goroutine.
func (p *Processor) Handle(ctx context.Context, job Job) error {
	msg := job.Message
	log := p.log.With("request_id", job.RequestID, "sender", msg.Sender, "kind", msg.Kind)
	if job.ReceivedAt.IsZero() {
		job.ReceivedAt = p.now()
	}

	userID, conversationID, inserted, err := p.persist(ctx, msg)
	if err != nil {
		log.Error("Persist message failed", "error", err)
		return fmt.Errorf("persist message: %w", err)
	}
	log = log.With("conversation_id", conversationID, "user_id", userID)
	if !inserted {
		log.Info("Duplicate message ignored", "external_message_id", msg.ExternalMessageID)
		p.publish(ctx, bus.Event{Type: bus.EventMessageDuplicate, RequestID: job.RequestID, MessageID: msg.ExternalMessageID, ConversationID: conversationID, UserID: userID})
		return nil
	}
	p.publish(ctx, bus.Event{Type: bus.EventMessageReceived, RequestID: job.RequestID, MessageID: msg.ExternalMessageID, ConversationID: conversationID, UserID: userID})

	eventID, queued, stop := p.enqueue(ctx, job, userID, conversationID, log)
	if stop {
		return nil
	}

	if err := p.store.TouchMessagingWindow(ctx, userID, p.now()); err != nil {
		log.Warn("Touch messaging window failed", "error", err)
	}

	if queued {
		claimed, completed, err := p.ledger.ProcessEvent(ctx, eventID)
		switch {
		case err != nil:
			log.Warn("Claim failed, leaving event to the drain", "event_id", eventID, "error", err)
		case !claimed:
			log.Debug("Event claimed elsewhere", "event_id", eventID)
		case !completed:
			log.Info("Event scheduled for retry", "event_id", eventID)
		}
		return nil
	}

	return p.runTurn(ctx, turnInput{
		requestID:      job.RequestID,
		conversationID: conversationID,
		userID:         userID,
		message:        msg,
		startedAt:      job.ReceivedAt,
	}, nil, true)
}

// persist upserts identity and conversation and inserts the message. Transient
// failures get exactly one retry.
func (p *Processor) persist(ctx context.Context, msg message.Normalized) (userID, conversationID string, inserted bool, err error) {
	operation := func() error {
		uid, err := p.store.UpsertIdentity(ctx, msg.Sender, msg.SenderName)
		if err != nil {
			return retryable(fmt.Errorf("upsert identity: %w", err))
		}
		cid, err := p.store.GetOrCreateConversation(ctx, uid, msg.HintValue())
		if err != nil {
			return retryable(fmt.Errorf("get conversation: %w", err))
		}
		res, err := p.store.InsertMessage(ctx, cid, msg)
		if err != nil {
			if errs.IsDuplicate(err) {
				userID, conversationID, inserted = uid, cid, false
				return nil
			}
			return retryable(fmt.Errorf("insert message: %w", err))
		}
		userID, conversationID, inserted = uid, cid, res.Inserted
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(p.persistRetryDelay), 1), ctx)
	notify := func(err error, wait time.Duration) {
		p.log.Warn("Persist failed, retrying", "error", err, "wait", wait)
	}
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return "", "", false, err
	}
	return userID, conversationID, inserted, nil
}

func retryable(err error) error {
	if errs.IsTransient(err) {
		return err
	}
	return backoff.Permanent(err)
}

// enqueue stores the message in the ledger when durable queueing is on.
// stop is true when the ledger already holds the event.
func (p *Processor) enqueue(ctx context.Context, job Job, userID, conversationID string, log *slog.Logger) (eventID string, queued bool, stop bool) {
	if p.ledger == nil || !p.flags.DurableQueue() {
		return "", false, false
	}

	id, err := p.ledger.Enqueue(ctx, ledger.EnqueueRequest{
		ConversationID: conversationID,
		UserID:         userID,
		Message:        job.Message,
	})
	switch {
	case err != nil:
		log.Warn("Enqueue failed, processing inline", "error", err)
		return "", false, false
	case id == "":
		p.publish(ctx, bus.Event{Type: bus.EventMessageDuplicate, RequestID: job.RequestID, MessageID: job.Message.ExternalMessageID, ConversationID: conversationID, UserID: userID})
		return "", false, true
	}

	p.publish(ctx, bus.Event{Type: bus.EventMessageEnqueued, RequestID: job.RequestID, MessageID: job.Message.ExternalMessageID, ConversationID: conversationID, UserID: userID, Payload: map[string]string{"event_id": id}})
	return id, true, false
}

// handleEvent is the ledger handler. The user hears about a failure only on
// the last attempt; earlier failures are retried silently.
func (p *Processor) handleEvent(ctx context.Context, event store.Event, steps *ledger.StepRecorder) error {
	msg, err := ledger.DecodeMessage(event.Payload)
	if err != nil {
		return errs.Wrap(errs.KindPermanent, "processor.decode", err)
	}
	final := event.AttemptCount >= p.ledger.MaxAttempts()

	return p.runTurn(ctx, turnInput{
		requestID:      event.ID,
		conversationID: event.ConversationID,
		userID:         event.UserID,
		message:        msg,
		startedAt:      event.CreatedAt,
	}, steps, final)
}

func (p *Processor) runTurn(ctx context.Context, in turnInput, steps *ledger.StepRecorder, notifyFailure bool) error {
	msg := in.message
	log := p.log.With(
		"request_id", in.requestID,
		"conversation_id", in.conversationID,
		"user_id", in.userID,
		"kind", msg.Kind,
	)

	if msg.Interactive != nil {
		started := p.now()
		if resolved, ok := ResolveInteractive(msg); ok {
			steps.Record(ctx, "interactive", map[string]any{"id": msg.Interactive.ID}, map[string]any{"text": resolved.TextValue()}, started, nil)
			log.Debug("Interactive reply resolved", "id", msg.Interactive.ID, "text", resolved.TextValue())
			msg = resolved
		}
	}

	started := p.now()
	blocked := p.onboard(ctx, in.userID, msg, log)
	steps.Record(ctx, "onboarding", nil, map[string]any{"blocked": blocked}, started, nil)
	if blocked {
		log.Info("Turn stopped by onboarding gate")
		return nil
	}

	started = p.now()
	result, err := p.orchestrator.Process(ctx, orchestrator.Turn{
		RequestID:      in.requestID,
		ConversationID: in.conversationID,
		UserID:         in.userID,
		Message:        msg,
		StartedAt:      in.startedAt,
	})
	steps.Record(ctx, "orchestrate",
		map[string]any{"kind": string(msg.Kind)},
		map[string]any{"pathway": string(result.Pathway), "outcome": string(result.Outcome)},
		started, err)

	event := bus.Event{
		RequestID:      in.requestID,
		MessageID:      msg.ExternalMessageID,
		ConversationID: in.conversationID,
		UserID:         in.userID,
		Pathway:        string(result.Pathway),
	}
	if err != nil {
		log.Error("Turn failed", "pathway", result.Pathway, "error_kind", errs.KindOf(err), "error", err)
		event.Type = bus.EventTurnFailed
		event.Error = err.Error()
		p.publish(ctx, event)
		if notifyFailure {
			p.notifyFailure(ctx, msg, log)
		}
		return err
	}

	event.Type = bus.EventTurnCompleted
	event.Payload = turnPayload(result)
	p.publish(ctx, event)
	log.Info("Turn completed", "pathway", result.Pathway, "outcome", result.Outcome)
	return nil
}

// onboard marks first contact and welcomes the user. It reports true only
// when the turn has nothing left to answer. Failures never block.
func (p *Processor) onboard(ctx context.Context, userID string, msg message.Normalized, log *slog.Logger) bool {
	onboarded, err := p.store.IsOnboarded(ctx, userID)
	if err != nil {
		log.Warn("Onboarding lookup failed", "error", err)
		return false
	}
	if onboarded {
		return false
	}

	first, err := p.store.MarkOnboarded(ctx, userID, p.now())
	if err != nil {
		log.Warn("Mark onboarded failed", "error", err)
		return false
	}
	if !first {
		return false
	}

	name := ""
	if trimmed := strings.TrimSpace(msg.SenderName); trimmed != "" {
		name = " " + trimmed
	}
	p.send(ctx, msg.Sender, p.notices.Text(notice.Welcome, map[string]string{"name": name}), log)
	return isEmpty(msg)
}

func isEmpty(msg message.Normalized) bool {
	return strings.TrimSpace(msg.TextValue()) == "" && !msg.Kind.IsRich()
}

// notifyFailure sends the generic notice and tags the message. It runs even
// when ctx is already done.
func (p *Processor) notifyFailure(ctx context.Context, msg message.Normalized, log *slog.Logger) {
	ctx = context.WithoutCancel(ctx)
	p.send(ctx, msg.Sender, p.notices.Text(notice.GenericFailure, nil), log)
	if p.messenger == nil || msg.ExternalMessageID == "" {
		return
	}
	if err := channel.SendWarningReaction(ctx, p.messenger, msg.Sender, msg.ExternalMessageID); err != nil {
		log.Warn("Warning reaction failed", "error", err)
	}
}

func (p *Processor) send(ctx context.Context, to string, body string, log *slog.Logger) {
	if p.messenger == nil || strings.TrimSpace(body) == "" {
		return
	}
	if _, err := p.messenger.SendText(ctx, to, body); err != nil {
		log.Warn("Send notice failed", "error", err)
	}
}

func (p *Processor) publish(ctx context.Context, event bus.Event) {
	if p.bus == nil {
		return
	}
	event.At = p.now().UTC()
	p.bus.PublishEvent(ctx, event)
}

func turnPayload(result orchestrator.Result) map[string]string {
	payload := map[string]string{"outcome": string(result.Outcome)}
	if result.Reply.Provider != "" {
		payload["provider"] = result.Reply.Provider
		payload["fallback_used"] = strconv.FormatBool(result.Reply.FallbackUsed)
	}
	for key, value := range providertypes.UsageMetadata(result.Reply.Usage) {
		payload[key] = value
	}
	return payload
}
