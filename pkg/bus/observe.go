package bus

import (
	"context"
	"log/slog"
	"time"
)

// ObserveEvents logs every lifecycle event until ctx is canceled or the bus
// closes. Events are delivered through a buffered subscription so publishers
// never block on logging.
func ObserveEvents(ctx context.Context, mb *MessageBus, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "bus.events")
	events, unsubscribe := mb.SubscribeEvents(ctx, 64)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			logEvent(log, event)
		}
	}
}

func logEvent(log *slog.Logger, event Event) {
	// Stable attribute set across event types keeps logs easy to correlate.
	attrs := []any{
		"event_type", event.Type,
		"request_id", event.RequestID,
		"message_id", event.MessageID,
		"conversation_id", event.ConversationID,
		"user_id", event.UserID,
		"timestamp", event.At.UTC().Format(time.RFC3339Nano),
	}
	if event.Pathway != "" {
		attrs = append(attrs, "pathway", event.Pathway)
	}
	if len(event.Payload) > 0 {
		attrs = append(attrs, "payload", event.Payload)
	}

	switch event.Type {
	case EventTurnFailed:
		log.Error("Pipeline event", append(attrs, "error", event.Error)...)
	case EventMessageReceived, EventMessageEnqueued, EventTurnCompleted:
		log.Info("Pipeline event", attrs...)
	default:
		log.Debug("Pipeline event", attrs...)
	}
}
