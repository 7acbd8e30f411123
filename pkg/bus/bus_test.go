package bus

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case event, ok := <-events:
		require.True(t, ok, "event stream closed")
		return event
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func requireClosed(t *testing.T, events <-chan Event) {
	t.Helper()
	select {
	case _, ok := <-events:
		require.False(t, ok, "expected closed event stream")
	case <-time.After(time.Second):
		t.Fatal("event stream did not close")
	}
}

func TestSandboxTrafficFlowsBothWays(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)
	ctx := context.Background()

	require.True(t, mb.PublishInbound(ctx, InboundMessage{Channel: "sandbox", SenderID: "5215550000000", Content: "hola"}))
	in, ok := mb.ConsumeInbound(ctx)
	require.True(t, ok)
	require.Equal(t, "hola", in.Content)

	require.Empty(t, mb.DrainOutbound())
	require.True(t, mb.PublishOutbound(ctx, OutboundMessage{Recipient: in.SenderID, Content: "¡Hola!"}))
	require.True(t, mb.PublishOutbound(ctx, OutboundMessage{Recipient: in.SenderID, Reaction: "⚠️", ReplyTo: "wamid.1"}))

	next, ok := mb.NextOutbound(ctx)
	require.True(t, ok)
	require.Equal(t, "¡Hola!", next.Content)

	rest := mb.DrainOutbound()
	require.Len(t, rest, 1)
	require.Equal(t, "⚠️", rest[0].Reaction)
}

func TestClosedBusRefusesTraffic(t *testing.T) {
	mb := NewMessageBus()
	mb.Close()
	mb.Close()
	ctx := context.Background()

	require.False(t, mb.PublishInbound(ctx, InboundMessage{Content: "hola"}))
	require.False(t, mb.PublishOutbound(ctx, OutboundMessage{Content: "hola"}))
	require.False(t, mb.PublishEvent(ctx, Event{Type: EventMessageReceived}))
	_, ok := mb.ConsumeInbound(ctx)
	require.False(t, ok)
	_, ok = mb.NextOutbound(ctx)
	require.False(t, ok)

	events, _ := mb.SubscribeEvents(ctx, 1)
	requireClosed(t, events)
}

func TestCanceledContextStopsWaiting(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.False(t, mb.PublishInbound(ctx, InboundMessage{Content: "hola"}))
	require.False(t, mb.PublishEvent(ctx, Event{Type: EventTurnCompleted}))
	_, ok := mb.ConsumeInbound(ctx)
	require.False(t, ok)
}

func TestConsumerReleasedByClose(t *testing.T) {
	mb := NewMessageBus()
	done := make(chan bool, 1)
	go func() {
		_, ok := mb.ConsumeInbound(context.Background())
		done <- ok
	}()

	mb.Close()
	select {
	case ok := <-done:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("consumer still blocked after close")
	}
}

func TestLifecycleEventsReachEverySubscriber(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)
	ctx := context.Background()

	session, stopSession := mb.SubscribeEvents(ctx, 4)
	defer stopSession()
	observer, stopObserver := mb.SubscribeEvents(ctx, 4)
	defer stopObserver()

	sequence := []Event{
		{Type: EventMessageReceived, RequestID: "sandbox-1"},
		{Type: EventMessageEnqueued, RequestID: "sandbox-1", Payload: map[string]string{"event_id": "01HX"}},
		{Type: EventTurnCompleted, RequestID: "sandbox-1", Pathway: "conversation"},
	}
	for _, event := range sequence {
		require.True(t, mb.PublishEvent(ctx, event))
	}

	for _, stream := range []<-chan Event{session, observer} {
		for _, want := range sequence {
			got := receive(t, stream)
			require.Equal(t, want.Type, got.Type)
			require.Equal(t, "sandbox-1", got.RequestID)
			require.False(t, got.At.IsZero(), "publish stamps the event time")
		}
	}
}

func TestFullSubscriberMissesEventsWithoutBlocking(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)
	ctx := context.Background()

	events, stop := mb.SubscribeEvents(ctx, 1)
	defer stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		mb.PublishEvent(ctx, Event{Type: EventMessageReceived})
		mb.PublishEvent(ctx, Event{Type: EventTurnFailed, Error: "provider down"})
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a full subscriber")
	}

	require.Equal(t, EventMessageReceived, receive(t, events).Type)
	select {
	case extra := <-events:
		t.Fatalf("unexpected buffered event %+v", extra)
	default:
	}
}

func TestSubscriptionEndsWithContextOrCancel(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	ctx, cancel := context.WithCancel(context.Background())
	byContext, _ := mb.SubscribeEvents(ctx, 1)
	cancel()
	requireClosed(t, byContext)

	byCancel, stop := mb.SubscribeEvents(context.Background(), 1)
	stop()
	stop()
	requireClosed(t, byCancel)

	require.True(t, mb.PublishEvent(context.Background(), Event{Type: EventTurnCompleted}))
}

func TestTerminalEventTypes(t *testing.T) {
	require.True(t, EventTurnCompleted.Terminal())
	require.True(t, EventTurnFailed.Terminal())
	require.True(t, EventMessageDuplicate.Terminal())
	require.False(t, EventMessageReceived.Terminal())
	require.False(t, EventMessageEnqueued.Terminal())
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestObserveEventsLogsByOutcome(t *testing.T) {
	mb := NewMessageBus()
	out := &lockedBuffer{}
	log := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	observed := make(chan struct{})
	go func() {
		defer close(observed)
		ObserveEvents(ctx, mb, log)
	}()

	// Wait until the observer holds its subscription.
	require.Eventually(t, func() bool {
		mb.mu.RLock()
		defer mb.mu.RUnlock()
		return len(mb.subs) == 1
	}, time.Second, 5*time.Millisecond)

	mb.PublishEvent(ctx, Event{Type: EventMessageDuplicate, RequestID: "r-dup"})
	mb.PublishEvent(ctx, Event{Type: EventTurnFailed, RequestID: "r-fail", Error: "provider down"})
	mb.PublishEvent(ctx, Event{Type: EventTurnCompleted, RequestID: "r-ok", Pathway: "conversation"})

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "r-ok")
	}, time.Second, 5*time.Millisecond)
	mb.Close()
	<-observed

	logged := out.String()
	require.NotContains(t, logged, "r-dup", "duplicates log at debug")
	require.Contains(t, logged, "level=ERROR")
	require.Contains(t, logged, "provider down")
	require.Contains(t, logged, "pathway=conversation")
}
