// Package bus is the in-process message bus. The sandbox channel moves typed
// lines and replies across it; the processor publishes lifecycle events that
// the sandbox session and the log observer subscribe to.
package bus

import (
	"context"
	"sync"
)

const queueDepth = 100

// MessageBus carries sandbox chat traffic and pipeline lifecycle events
// between in-process components.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage
	closed   chan struct{}
	once     sync.Once

	mu     sync.RWMutex
	subs   map[uint64]chan Event
	nextID uint64
}

func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound:  make(chan InboundMessage, queueDepth),
		outbound: make(chan OutboundMessage, queueDepth),
		closed:   make(chan struct{}),
		subs:     make(map[uint64]chan Event),
	}
}

// PublishInbound queues a typed line. It reports false once ctx is done or
// the bus is closed.
func (mb *MessageBus) PublishInbound(ctx context.Context, msg InboundMessage) bool {
	return put(ctx, mb.closed, mb.inbound, msg)
}

// ConsumeInbound waits for the next typed line.
func (mb *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	return take(ctx, mb.closed, mb.inbound)
}

// PublishOutbound queues a reply or reaction for the local user.
func (mb *MessageBus) PublishOutbound(ctx context.Context, msg OutboundMessage) bool {
	return put(ctx, mb.closed, mb.outbound, msg)
}

// NextOutbound waits for the next reply or reaction.
func (mb *MessageBus) NextOutbound(ctx context.Context) (OutboundMessage, bool) {
	return take(ctx, mb.closed, mb.outbound)
}

// DrainOutbound returns every outbound message already queued without waiting.
func (mb *MessageBus) DrainOutbound() []OutboundMessage {
	var out []OutboundMessage
	for {
		select {
		case msg := <-mb.outbound:
			out = append(out, msg)
		default:
			return out
		}
	}
}

// Close stops every operation and closes all event subscriptions.
func (mb *MessageBus) Close() {
	mb.once.Do(func() {
		close(mb.closed)

		mb.mu.Lock()
		defer mb.mu.Unlock()
		for id, ch := range mb.subs {
			close(ch)
			delete(mb.subs, id)
		}
	})
}

func (mb *MessageBus) isClosed() bool {
	select {
	case <-mb.closed:
		return true
	default:
		return false
	}
}

func put[T any](ctx context.Context, closed <-chan struct{}, ch chan<- T, v T) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	// A closed bus or finished ctx wins over free buffer space.
	if ctx.Err() != nil {
		return false
	}
	select {
	case <-closed:
		return false
	default:
	}

	select {
	case <-ctx.Done():
		return false
	case <-closed:
		return false
	case ch <- v:
		return true
	}
}

func take[T any](ctx context.Context, closed <-chan struct{}, ch <-chan T) (T, bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	var zero T
	select {
	case <-ctx.Done():
		return zero, false
	case <-closed:
		return zero, false
	case v := <-ch:
		return v, true
	}
}
