// Package orchestrator executes the pathway chosen for an inbound message.
// Rich input runs under a per-kind timeout with progress notices; every turn
// records routing and end-to-end latency.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chatpipe/pkg/channel"
	"chatpipe/pkg/config"
	"chatpipe/pkg/errs"
	"chatpipe/pkg/message"
	"chatpipe/pkg/metrics"
	"chatpipe/pkg/notice"
	providertypes "chatpipe/pkg/provider/types"
	"chatpipe/pkg/router"
)

// Turn is one inbound message on its way through a pathway.
type Turn struct {
	RequestID      string
	ConversationID string
	UserID         string
	Message        message.Normalized
	Routed         router.Routed
	// StartedAt is when ingress accepted the message. Zero means now.
	StartedAt time.Time
}

// Reply is what a conversation or media collaborator produced.
type Reply struct {
	Text         string
	Provider     string
	FallbackUsed bool
	Usage        *providertypes.TokenUsage
}

// ConversationHandler answers text turns and delivers the reply itself.
type ConversationHandler interface {
	HandleText(ctx context.Context, turn Turn) (Reply, error)
}

// MediaHandler answers rich-input turns. It must not deliver or persist
// anything: a call abandoned on timeout may still complete in the background,
// and only the orchestrator decides whether its reply is used.
type MediaHandler interface {
	HandleMedia(ctx context.Context, turn Turn) (Reply, error)
}

// Outcome summarizes how a turn ended.
type Outcome string

const (
	OutcomeReplied  Outcome = "replied"
	OutcomeNotified Outcome = "notified"
	OutcomeTimeout  Outcome = "timeout"
	OutcomeFailed   Outcome = "failed"
)

// Result is returned for every processed turn.
type Result struct {
	Pathway router.Pathway
	Outcome Outcome
	Reply   Reply
}

// Timeouts are the per-kind budgets for rich input plus the delay before the
// "still working" notice.
type Timeouts struct {
	Audio        time.Duration
	Image        time.Duration
	Document     time.Duration
	Default      time.Duration
	StillWorking time.Duration
}

// DefaultTimeouts returns the production budgets.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Audio:        45 * time.Second,
		Image:        30 * time.Second,
		Document:     30 * time.Second,
		Default:      25 * time.Second,
		StillWorking: 8 * time.Second,
	}
}

// TimeoutsFromConfig overlays configured seconds on the defaults.
func TimeoutsFromConfig(cfg config.PipelineConfig) Timeouts {
	t := DefaultTimeouts()
	setSeconds(&t.Audio, cfg.AudioTimeoutSeconds)
	setSeconds(&t.Image, cfg.ImageTimeoutSeconds)
	setSeconds(&t.Document, cfg.DocumentTimeoutSeconds)
	setSeconds(&t.Default, cfg.DefaultTimeoutSeconds)
	setSeconds(&t.StillWorking, cfg.StillWorkingSeconds)
	return t
}

func setSeconds(target *time.Duration, seconds int) {
	if seconds > 0 {
		*target = time.Duration(seconds) * time.Second
	}
}

// For returns the budget for kind.
func (t Timeouts) For(kind message.Kind) time.Duration {
	switch kind {
	case message.KindAudio:
		return t.Audio
	case message.KindImage:
		return t.Image
	case message.KindDocument:
		return t.Document
	default:
		return t.Default
	}
}

// Options wires an Orchestrator.
type Options struct {
	Conversation ConversationHandler
	Media        MediaHandler
	Messenger    channel.Messenger
	Notices      *notice.Catalog
	Flags        *config.Flags
	Metrics      metrics.Sink
	Timeouts     Timeouts
	Logger       *slog.Logger
	Clock        func() time.Time
}

// Orchestrator dispatches turns to their pathway.
type Orchestrator struct {
	conversation ConversationHandler
	media        MediaHandler
	messenger    channel.Messenger
	notices      *notice.Catalog
	flags        *config.Flags
	metrics      metrics.Sink
	timeouts     Timeouts
	log          *slog.Logger
	now          func() time.Time
}

func New(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Discard{}
	}
	if opts.Notices == nil {
		opts.Notices = notice.MustDefault()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Timeouts == (Timeouts{}) {
		opts.Timeouts = DefaultTimeouts()
	}

	return &Orchestrator{
		conversation: opts.Conversation,
		media:        opts.Media,
		messenger:    opts.Messenger,
		notices:      opts.Notices,
		flags:        opts.Flags,
		metrics:      opts.Metrics,
		timeouts:     opts.Timeouts,
		log:          opts.Logger.With("component", "orchestrator"),
		now:          opts.Clock,
	}
}

// Classify routes msg with the current legacy-routing flag.
func (o *Orchestrator) Classify(msg message.Normalized) router.Routed {
	return router.Classify(msg, o.flags.LegacyRouting())
}

// Process runs turn through its pathway. When turn.Routed is empty the message
// is classified first. Rich-input timeouts and failures are reported to the
// user here and do not surface as errors; text failures are returned so the
// caller can apply its generic failure handling.
func (o *Orchestrator) Process(ctx context.Context, turn Turn) (Result, error) {
	if turn.StartedAt.IsZero() {
		turn.StartedAt = o.now()
	}
	if turn.Routed.Pathway == "" {
		turn.Routed = o.Classify(turn.Message)
	}

	tags := metrics.Tags{
		"input_class":  turn.Routed.Pathway.InputClass(),
		"message_type": string(turn.Message.Kind),
		"pathway":      string(turn.Routed.Pathway),
	}
	o.metrics.Observe(ctx, metrics.RoutingLatencyMs, o.sinceMs(turn.StartedAt), tags)
	defer func() {
		o.metrics.Observe(context.WithoutCancel(ctx), metrics.EndToEndLatencyMs, o.sinceMs(turn.StartedAt), tags)
	}()

	log := o.turnLogger(turn)
	log.Debug("Routing decision", "reason", turn.Routed.Reason)

	switch turn.Routed.Pathway {
	case router.TextSimple, router.TextToolIntent:
		return o.processText(ctx, turn, log)
	case router.RichInput, router.RichInputToolIntent:
		return o.processRich(ctx, turn, tags, log)
	case router.StickerStandby:
		return o.notify(ctx, turn, notice.StickerStandby, nil, log)
	default:
		return o.notify(ctx, turn, notice.Unsupported, nil, log)
	}
}

func (o *Orchestrator) processText(ctx context.Context, turn Turn, log *slog.Logger) (Result, error) {
	result := Result{Pathway: turn.Routed.Pathway}
	if o.conversation == nil {
		return result, errs.New(errs.KindPermanent, "orchestrator.text", "no conversation handler configured")
	}

	reply, err := o.conversation.HandleText(ctx, turn)
	if err != nil {
		result.Outcome = OutcomeFailed
		return result, fmt.Errorf("conversation handler: %w", err)
	}

	log.Info("Text turn completed", "provider", reply.Provider, "fallback_used", reply.FallbackUsed)
	result.Outcome = OutcomeReplied
	result.Reply = reply
	return result, nil
}

func (o *Orchestrator) processRich(ctx context.Context, turn Turn, tags metrics.Tags, log *slog.Logger) (Result, error) {
	result := Result{Pathway: turn.Routed.Pathway}
	msg := turn.Message
	if strings.TrimSpace(msg.Sender) == "" {
		return result, errs.New(errs.KindPermanent, "orchestrator.rich", "message has no addressable sender")
	}
	if o.media == nil {
		return result, errs.New(errs.KindPermanent, "orchestrator.rich", "no media handler configured")
	}
	kindVars := map[string]string{"kind": string(msg.Kind)}
	if msg.MediaValue() == "" {
		log.Warn("Rich input without media reference")
		o.metrics.Count(ctx, metrics.RichInputFailureTotal, tags)
		o.send(ctx, msg.Sender, o.notices.Text(notice.ProcessingFailed, kindVars), log)
		result.Outcome = OutcomeFailed
		return result, nil
	}

	o.send(ctx, msg.Sender, o.notices.Text(notice.ReceivedProcessing, kindVars), log)
	progress := startProgress(o.timeouts.StillWorking, func() {
		o.send(ctx, msg.Sender, o.notices.Text(notice.StillWorking, nil), log)
	})

	budget := o.timeouts.For(msg.Kind)
	reply, err := o.runMedia(ctx, turn, budget)
	progress.Stop()

	if err != nil {
		if errs.IsTimeout(err) {
			log.Warn("Rich input timed out", "budget_ms", budget.Milliseconds())
			o.metrics.Count(ctx, metrics.RichInputTimeoutTotal, tags)
			o.send(ctx, msg.Sender, o.notices.Text(notice.Timeout, kindVars), log)
			result.Outcome = OutcomeTimeout
			return result, nil
		}
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		log.Error("Rich input failed", "error", err)
		o.metrics.Count(ctx, metrics.RichInputFailureTotal, tags)
		o.send(ctx, msg.Sender, o.notices.Text(notice.ProcessingFailed, kindVars), log)
		result.Outcome = OutcomeFailed
		return result, nil
	}

	if strings.TrimSpace(reply.Text) != "" && o.messenger != nil {
		if _, err := o.messenger.SendText(ctx, msg.Sender, reply.Text); err != nil {
			return result, fmt.Errorf("send media reply: %w", err)
		}
	}
	log.Info("Rich input completed", "provider", reply.Provider, "fallback_used", reply.FallbackUsed)
	result.Outcome = OutcomeReplied
	result.Reply = reply
	return result, nil
}

type mediaResult struct {
	reply Reply
	err   error
}

// runMedia races the media handler against budget. On timeout the handler
// keeps running detached with a canceled context; its result is discarded.
func (o *Orchestrator) runMedia(ctx context.Context, turn Turn, budget time.Duration) (Reply, error) {
	callCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	done := make(chan mediaResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- mediaResult{err: fmt.Errorf("media handler panic: %v", r)}
			}
		}()
		reply, err := o.media.HandleMedia(callCtx, turn)
		done <- mediaResult{reply: reply, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && errors.Is(res.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return Reply{}, errs.Wrap(errs.KindTimeout, "orchestrator.media", res.err)
		}
		return res.reply, res.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return Reply{}, ctx.Err()
		}
		return Reply{}, errs.Wrap(errs.KindTimeout, "orchestrator.media", callCtx.Err())
	}
}

func (o *Orchestrator) notify(ctx context.Context, turn Turn, key notice.Key, vars map[string]string, log *slog.Logger) (Result, error) {
	result := Result{Pathway: turn.Routed.Pathway, Outcome: OutcomeNotified}
	if strings.TrimSpace(turn.Message.Sender) == "" {
		return result, nil
	}
	o.send(ctx, turn.Message.Sender, o.notices.Text(key, vars), log)
	return result, nil
}

// send delivers a notice. Notice failures are logged and never fail the turn.
func (o *Orchestrator) send(ctx context.Context, to string, body string, log *slog.Logger) {
	if o.messenger == nil || strings.TrimSpace(body) == "" {
		return
	}
	if _, err := o.messenger.SendText(ctx, to, body); err != nil {
		log.Warn("Failed to send notice", "error", err)
	}
}

func (o *Orchestrator) turnLogger(turn Turn) *slog.Logger {
	return o.log.With(
		"request_id", turn.RequestID,
		"conversation_id", turn.ConversationID,
		"user_id", turn.UserID,
		"pathway", turn.Routed.Pathway,
		"kind", turn.Message.Kind,
	)
}

func (o *Orchestrator) sinceMs(start time.Time) float64 {
	return float64(o.now().Sub(start).Microseconds()) / 1000
}
