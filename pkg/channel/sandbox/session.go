package sandbox

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"chatpipe/pkg/bus"
	"chatpipe/pkg/message"
	"chatpipe/pkg/processor"
	providertypes "chatpipe/pkg/provider/types"
	"chatpipe/pkg/store"
)

const (
	DefaultSender     = "5215550000000"
	DefaultSenderName = "Sandbox"
)

// Handler runs one inbound job to completion.
type Handler interface {
	Handle(ctx context.Context, job processor.Job) error
}

// Turn is everything one prompt produced.
type Turn struct {
	RequestID string
	Replies   []bus.OutboundMessage
	Outcome   bus.EventType
	Provider  string
	Usage     *providertypes.TokenUsage
	Err       error
}

type turnResult struct {
	requestID string
	err       error
}

// Session feeds typed lines through the pipeline as if they came from one
// WhatsApp sender. Prompts go out over the bus inbound queue and one worker
// goroutine hands them to the handler.
type Session struct {
	handler    Handler
	messageBus *bus.MessageBus
	sender     string
	senderName string
	log        *slog.Logger
	now        func() time.Time

	events       <-chan bus.Event
	unsubscribe  func()
	results      chan turnResult
	cancelWorker context.CancelFunc

	mu             sync.Mutex
	requestCounter atomic.Uint64
}

// SessionOptions configures StartSession.
type SessionOptions struct {
	Sender     string
	SenderName string
	Logger     *slog.Logger
	Clock      func() time.Time
}

// StartSession starts the bus worker. The messenger the handler replies
// through must publish to the same bus.
func StartSession(ctx context.Context, h Handler, mb *bus.MessageBus, opts SessionOptions) (*Session, error) {
	if h == nil {
		return nil, errors.New("sandbox: handler is required")
	}
	if mb == nil {
		return nil, errors.New("sandbox: bus is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	sender := strings.TrimSpace(opts.Sender)
	if sender == "" {
		sender = DefaultSender
	}
	name := strings.TrimSpace(opts.SenderName)
	if name == "" {
		name = DefaultSenderName
	}

	workerCtx, cancel := context.WithCancel(ctx)
	events, unsubscribe := mb.SubscribeEvents(workerCtx, 64)
	s := &Session{
		handler:      h,
		messageBus:   mb,
		sender:       sender,
		senderName:   name,
		log:          log.With("component", "sandbox.session"),
		now:          now,
		events:       events,
		unsubscribe:  unsubscribe,
		results:      make(chan turnResult, 1),
		cancelWorker: cancel,
	}
	go s.runWorker(workerCtx)
	return s, nil
}

// Sender is the phone number prompts are attributed to.
func (s *Session) Sender() string { return s.sender }

// Prompt sends text as one inbound message and waits for the turn to finish.
// Prompts are serialized.
func (s *Session) Prompt(ctx context.Context, text string) (Turn, error) {
	if s == nil {
		return Turn{}, errors.New("sandbox session is nil")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Turn{}, errors.New("prompt is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	requestID := strconv.FormatUint(s.requestCounter.Add(1), 10)
	inbound := bus.InboundMessage{
		Channel:    channelName,
		SenderID:   s.sender,
		SenderName: s.senderName,
		MessageID:  "wamid.sandbox." + store.NewID(),
		Content:    text,
		Metadata:   map[string]string{"request_id": requestID},
	}
	if ok := s.messageBus.PublishInbound(ctx, inbound); !ok {
		if err := ctx.Err(); err != nil {
			return Turn{}, err
		}
		return Turn{}, errors.New("unable to enqueue prompt")
	}

	var result turnResult
	select {
	case <-ctx.Done():
		return Turn{}, ctx.Err()
	case result = <-s.results:
	}

	turn := Turn{
		RequestID: result.requestID,
		Replies:   s.messageBus.DrainOutbound(),
		Err:       result.err,
	}
	s.collectEvents(&turn)
	return turn, nil
}

// Close stops the worker and the event subscription. The bus stays open.
func (s *Session) Close() {
	if s == nil {
		return
	}
	s.cancelWorker()
	s.unsubscribe()
}

func (s *Session) runWorker(ctx context.Context) {
	for {
		inbound, ok := s.messageBus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		requestID := inbound.Metadata["request_id"]
		receivedAt := s.now()
		err := s.handler.Handle(ctx, processor.Job{
			RequestID:  requestID,
			Message:    Normalize(inbound, receivedAt),
			ReceivedAt: receivedAt,
		})
		if err != nil {
			s.log.Debug("Sandbox turn failed", "request_id", requestID, "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case s.results <- turnResult{requestID: requestID, err: err}:
		}
	}
}

// collectEvents folds the lifecycle events already published for the turn.
func (s *Session) collectEvents(turn *Turn) {
	for {
		select {
		case event, ok := <-s.events:
			if !ok {
				return
			}
			if event.Type.Terminal() {
				turn.Outcome = event.Type
				turn.Provider = event.Payload["provider"]
				turn.Usage = providertypes.UsageFromMetadata(event.Payload)
			}
		default:
			return
		}
	}
}

// Normalize converts a typed line into the canonical text message.
func Normalize(in bus.InboundMessage, receivedAt time.Time) message.Normalized {
	return message.Normalized{
		Sender:            in.SenderID,
		SenderName:        in.SenderName,
		Kind:              message.KindText,
		Text:              message.Ptr(in.Content),
		ExternalMessageID: in.MessageID,
		ReceivedAtMillis:  receivedAt.UnixMilli(),
	}
}
