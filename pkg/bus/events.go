package bus

import (
	"context"
	"sync"
	"time"
)

type EventType string

const (
	EventMessageReceived  EventType = "message_received"
	EventMessageDuplicate EventType = "message_duplicate"
	EventMessageEnqueued  EventType = "message_enqueued"
	EventTurnCompleted    EventType = "turn_completed"
	EventTurnFailed       EventType = "turn_failed"
)

// Terminal reports whether no further events follow for the message.
func (t EventType) Terminal() bool {
	switch t {
	case EventMessageDuplicate, EventTurnCompleted, EventTurnFailed:
		return true
	default:
		return false
	}
}

// Event is a pipeline lifecycle milestone for one inbound message.
type Event struct {
	Type           EventType         `json:"type"`
	At             time.Time         `json:"at"`
	RequestID      string            `json:"request_id,omitempty"`
	MessageID      string            `json:"message_id,omitempty"`
	ConversationID string            `json:"conversation_id,omitempty"`
	UserID         string            `json:"user_id,omitempty"`
	Pathway        string            `json:"pathway,omitempty"`
	Payload        map[string]string `json:"payload,omitempty"`
	Error          string            `json:"error,omitempty"`
}

// PublishEvent fans event out to every subscriber. A subscriber whose buffer
// is full misses the event; the publisher never waits.
func (mb *MessageBus) PublishEvent(ctx context.Context, event Event) bool {
	if (ctx != nil && ctx.Err() != nil) || mb.isClosed() {
		return false
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	mb.mu.RLock()
	defer mb.mu.RUnlock()
	for _, ch := range mb.subs {
		select {
		case ch <- event:
		default:
		}
	}
	return true
}

// SubscribeEvents returns a buffered event stream. The stream closes when
// ctx ends, the bus closes, or the returned cancel func runs.
func (mb *MessageBus) SubscribeEvents(ctx context.Context, buffer int) (<-chan Event, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	if buffer <= 0 {
		buffer = queueDepth
	}
	ch := make(chan Event, buffer)

	mb.mu.Lock()
	if mb.isClosed() {
		mb.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := mb.nextID
	mb.nextID++
	mb.subs[id] = ch
	mb.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			mb.mu.Lock()
			defer mb.mu.Unlock()
			if sub, ok := mb.subs[id]; ok {
				delete(mb.subs, id)
				close(sub)
			}
		})
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-mb.closed:
		}
		cancel()
	}()
	return ch, cancel
}
