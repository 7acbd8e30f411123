package processor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
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
	"chatpipe/pkg/router"
	"chatpipe/pkg/store"

	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sentText struct {
	to   string
	body string
}

type sentReaction struct {
	to        string
	messageID string
	emoji     string
}

type fakeMessenger struct {
	mu        sync.Mutex
	texts     []sentText
	reactions []sentReaction
}

func (m *fakeMessenger) SendText(_ context.Context, to string, body string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.texts = append(m.texts, sentText{to: to, body: body})
	return "wamid.out", nil
}

func (m *fakeMessenger) SendReaction(_ context.Context, to string, messageID string, emoji string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reactions = append(m.reactions, sentReaction{to: to, messageID: messageID, emoji: emoji})
	return nil
}

func (m *fakeMessenger) bodies() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.texts))
	for _, t := range m.texts {
		out = append(out, t.body)
	}
	return out
}

type fakeOrchestrator struct {
	mu     sync.Mutex
	turns  []orchestrator.Turn
	result orchestrator.Result
	err    error
	done   chan struct{}
}

func (o *fakeOrchestrator) Process(_ context.Context, turn orchestrator.Turn) (orchestrator.Result, error) {
	o.mu.Lock()
	o.turns = append(o.turns, turn)
	o.mu.Unlock()
	if o.done != nil {
		o.done <- struct{}{}
	}
	return o.result, o.err
}

func (o *fakeOrchestrator) calls() []orchestrator.Turn {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]orchestrator.Turn(nil), o.turns...)
}

// flakyStore fails UpsertIdentity a fixed number of times.
type flakyStore struct {
	*store.MemoryStore
	failures int
	err      error
	calls    int
}

func (s *flakyStore) UpsertIdentity(ctx context.Context, sender string, name string) (string, error) {
	s.calls++
	if s.calls <= s.failures {
		return "", s.err
	}
	return s.MemoryStore.UpsertIdentity(ctx, sender, name)
}

func textMessage(id string, text string) message.Normalized {
	return message.Normalized{
		Sender:            "5215550001111",
		SenderName:        "Ana",
		Kind:              message.KindText,
		Text:              message.Ptr(text),
		ExternalMessageID: id,
		ReceivedAtMillis:  1700000000000,
	}
}

func newProcessor(t *testing.T, opts Options) *Processor {
	t.Helper()
	if opts.Store == nil {
		opts.Store = store.NewMemoryStore()
	}
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	opts.PersistRetryDelay = time.Millisecond
	p, err := New(opts)
	require.NoError(t, err)
	return p
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{Orchestrator: &fakeOrchestrator{}})
	require.Error(t, err)
	_, err = New(Options{Store: store.NewMemoryStore()})
	require.Error(t, err)
}

func TestHandleRunsTurnAndWelcomesFirstContact(t *testing.T) {
	orch := &fakeOrchestrator{result: orchestrator.Result{Pathway: router.TextSimple, Outcome: orchestrator.OutcomeReplied}}
	messenger := &fakeMessenger{}
	mem := store.NewMemoryStore()
	p := newProcessor(t, Options{Store: mem, Orchestrator: orch, Messenger: messenger})

	received := time.UnixMilli(1700000000500)
	err := p.Handle(context.Background(), Job{RequestID: "req-1", Message: textMessage("wamid.1", "hola"), ReceivedAt: received})
	require.NoError(t, err)

	turns := orch.calls()
	require.Len(t, turns, 1)
	require.Equal(t, "req-1", turns[0].RequestID)
	require.NotEmpty(t, turns[0].UserID)
	require.NotEmpty(t, turns[0].ConversationID)
	require.Equal(t, received, turns[0].StartedAt)
	require.Equal(t, "hola", turns[0].Message.TextValue())

	welcome := notice.MustDefault().Text(notice.Welcome, map[string]string{"name": " Ana"})
	require.Equal(t, []string{welcome}, messenger.bodies())

	onboarded, err := mem.IsOnboarded(context.Background(), turns[0].UserID)
	require.NoError(t, err)
	require.True(t, onboarded)
}

func TestHandleDropsDuplicateDelivery(t *testing.T) {
	orch := &fakeOrchestrator{}
	mb := bus.NewMessageBus()
	defer mb.Close()
	events, unsubscribe := mb.SubscribeEvents(context.Background(), 16)
	defer unsubscribe()

	p := newProcessor(t, Options{Orchestrator: orch, Messenger: &fakeMessenger{}, Bus: mb})
	msg := textMessage("wamid.dup", "hola")

	require.NoError(t, p.Handle(context.Background(), Job{RequestID: "req-1", Message: msg}))
	require.NoError(t, p.Handle(context.Background(), Job{RequestID: "req-2", Message: msg}))
	require.Len(t, orch.calls(), 1)

	var types []bus.EventType
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	require.Equal(t, []bus.EventType{bus.EventMessageReceived, bus.EventTurnCompleted, bus.EventMessageDuplicate}, types)
}

func TestHandleFailureSendsGenericNoticeAndReaction(t *testing.T) {
	orch := &fakeOrchestrator{err: errors.New("provider exploded: secret detail")}
	messenger := &fakeMessenger{}
	p := newProcessor(t, Options{Orchestrator: orch, Messenger: messenger})

	err := p.Handle(context.Background(), Job{RequestID: "req-1", Message: textMessage("wamid.fail", "hola")})
	require.Error(t, err)

	bodies := messenger.bodies()
	require.Contains(t, bodies, notice.MustDefault().Text(notice.GenericFailure, nil))
	for _, body := range bodies {
		require.NotContains(t, body, "secret detail")
	}
	require.Equal(t, []sentReaction{{to: "5215550001111", messageID: "wamid.fail", emoji: channel.WarningReaction}}, messenger.reactions)
}

func TestHandleResolvesInteractiveReply(t *testing.T) {
	orch := &fakeOrchestrator{}
	p := newProcessor(t, Options{Orchestrator: orch, Messenger: &fakeMessenger{}})

	msg := message.Normalized{
		Sender:            "5215550001111",
		Kind:              message.KindInteractive,
		ExternalMessageID: "wamid.btn",
		Interactive:       &message.Interactive{Type: "button_reply", ID: "reminder_snooze_10", Title: "10 min"},
	}
	require.NoError(t, p.Handle(context.Background(), Job{RequestID: "req-1", Message: msg}))

	turns := orch.calls()
	require.Len(t, turns, 1)
	require.Equal(t, message.KindText, turns[0].Message.Kind)
	require.Equal(t, "snooze the reminder for 10 minutes", turns[0].Message.TextValue())
}

func TestOnboardingBlocksOnlyEmptyFirstMessage(t *testing.T) {
	orch := &fakeOrchestrator{}
	messenger := &fakeMessenger{}
	p := newProcessor(t, Options{Orchestrator: orch, Messenger: messenger})

	sticker := message.Normalized{Sender: "5215550001111", Kind: message.KindSticker, ExternalMessageID: "wamid.s1", MediaRef: message.Ptr("media-1")}
	require.NoError(t, p.Handle(context.Background(), Job{RequestID: "req-1", Message: sticker}))
	require.Empty(t, orch.calls())
	require.Len(t, messenger.bodies(), 1)

	sticker.ExternalMessageID = "wamid.s2"
	require.NoError(t, p.Handle(context.Background(), Job{RequestID: "req-2", Message: sticker}))
	require.Len(t, orch.calls(), 1)
	require.Len(t, messenger.bodies(), 1)
}

func TestPersistRetriesTransientOnce(t *testing.T) {
	flaky := &flakyStore{MemoryStore: store.NewMemoryStore(), failures: 1, err: errs.New(errs.KindTransient, "store", "connection reset")}
	orch := &fakeOrchestrator{}
	p := newProcessor(t, Options{Store: flaky, Orchestrator: orch})

	require.NoError(t, p.Handle(context.Background(), Job{RequestID: "req-1", Message: textMessage("wamid.r1", "hola")}))
	require.Equal(t, 2, flaky.calls)
	require.Len(t, orch.calls(), 1)
}

func TestPersistGivesUpAfterOneRetry(t *testing.T) {
	flaky := &flakyStore{MemoryStore: store.NewMemoryStore(), failures: 5, err: errs.New(errs.KindTransient, "store", "connection reset")}
	orch := &fakeOrchestrator{}
	p := newProcessor(t, Options{Store: flaky, Orchestrator: orch})

	err := p.Handle(context.Background(), Job{RequestID: "req-1", Message: textMessage("wamid.r2", "hola")})
	require.Error(t, err)
	require.Equal(t, 2, flaky.calls)
	require.Empty(t, orch.calls())
}

func TestPersistDoesNotRetryPermanent(t *testing.T) {
	flaky := &flakyStore{MemoryStore: store.NewMemoryStore(), failures: 5, err: errs.New(errs.KindPermanent, "store", "constraint")}
	p := newProcessor(t, Options{Store: flaky, Orchestrator: &fakeOrchestrator{}})

	err := p.Handle(context.Background(), Job{RequestID: "req-1", Message: textMessage("wamid.r3", "hola")})
	require.Error(t, err)
	require.Equal(t, 1, flaky.calls)
}

func durableSetup(t *testing.T, orch *fakeOrchestrator, maxAttempts int) (*Processor, *store.MemoryStore, *fakeMessenger, *bus.MessageBus) {
	t.Helper()
	mem := store.NewMemoryStore()
	led := ledger.New(ledger.Options{Store: mem, Logger: quietLogger(), MaxAttempts: maxAttempts})
	messenger := &fakeMessenger{}
	mb := bus.NewMessageBus()
	t.Cleanup(mb.Close)
	p := newProcessor(t, Options{
		Store:        mem,
		Ledger:       led,
		Orchestrator: orch,
		Messenger:    messenger,
		Bus:          mb,
		Flags:        config.NewFlags(config.FeatureFlags{DurableQueue: true}),
	})
	return p, mem, messenger, mb
}

func enqueuedEventID(t *testing.T, events <-chan bus.Event) string {
	t.Helper()
	for len(events) > 0 {
		event := <-events
		if event.Type == bus.EventMessageEnqueued {
			return event.Payload["event_id"]
		}
	}
	t.Fatal("no message_enqueued event published")
	return ""
}

func TestDurableQueueRunsTurnThroughLedger(t *testing.T) {
	orch := &fakeOrchestrator{result: orchestrator.Result{
		Pathway: router.TextSimple,
		Outcome: orchestrator.OutcomeReplied,
		Reply:   orchestrator.Reply{Provider: "openai", Usage: &providertypes.TokenUsage{TotalTokens: 9}},
	}}
	p, mem, _, mb := durableSetup(t, orch, 3)
	events, unsubscribe := mb.SubscribeEvents(context.Background(), 16)
	defer unsubscribe()

	require.NoError(t, p.Handle(context.Background(), Job{RequestID: "req-1", Message: textMessage("wamid.q1", "hola")}))
	require.Len(t, orch.calls(), 1)

	id := enqueuedEventID(t, events)
	event, err := mem.GetEvent(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, store.StatusDone, event.Status)
	require.Equal(t, id, orch.calls()[0].RequestID)

	runs, err := mem.ListRuns(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	steps, err := mem.ListSteps(context.Background(), runs[0].ID)
	require.NoError(t, err)
	var nodes []string
	for _, step := range steps {
		nodes = append(nodes, step.Node)
	}
	require.Equal(t, []string{"onboarding", "orchestrate"}, nodes)

	var completed bus.Event
	for len(events) > 0 {
		if e := <-events; e.Type == bus.EventTurnCompleted {
			completed = e
		}
	}
	require.Equal(t, "9", completed.Payload[providertypes.UsageTotalTokensKey])
	require.Equal(t, "openai", completed.Payload["provider"])
}

func TestDurableQueueRetriesSilentlyBeforeLastAttempt(t *testing.T) {
	orch := &fakeOrchestrator{err: errors.New("provider down")}
	p, mem, messenger, mb := durableSetup(t, orch, 3)
	events, unsubscribe := mb.SubscribeEvents(context.Background(), 16)
	defer unsubscribe()

	require.NoError(t, p.Handle(context.Background(), Job{RequestID: "req-1", Message: textMessage("wamid.q2", "hola")}))

	event, err := mem.GetEvent(context.Background(), enqueuedEventID(t, events))
	require.NoError(t, err)
	require.Equal(t, store.StatusPending, event.Status)
	require.Equal(t, 1, event.AttemptCount)
	require.NotContains(t, messenger.bodies(), notice.MustDefault().Text(notice.GenericFailure, nil))
	require.Empty(t, messenger.reactions)
}

func TestDurableQueueNotifiesOnLastAttempt(t *testing.T) {
	orch := &fakeOrchestrator{err: errors.New("provider down")}
	p, mem, messenger, mb := durableSetup(t, orch, 1)
	events, unsubscribe := mb.SubscribeEvents(context.Background(), 16)
	defer unsubscribe()

	require.NoError(t, p.Handle(context.Background(), Job{RequestID: "req-1", Message: textMessage("wamid.q3", "hola")}))

	event, err := mem.GetEvent(context.Background(), enqueuedEventID(t, events))
	require.NoError(t, err)
	require.Equal(t, store.StatusFailed, event.Status)
	require.Contains(t, messenger.bodies(), notice.MustDefault().Text(notice.GenericFailure, nil))
	require.Len(t, messenger.reactions, 1)
}

func TestSubmitRunsDetached(t *testing.T) {
	orch := &fakeOrchestrator{done: make(chan struct{}, 1)}
	exec := NewExecutor(4, quietLogger())
	require.NoError(t, exec.Start(context.Background(), 1))
	defer exec.Stop(time.Second)

	p := newProcessor(t, Options{Orchestrator: orch, Executor: exec})
	require.NoError(t, p.Submit(Job{RequestID: "req-1", Message: textMessage("wamid.bg", "hola")}))

	select {
	case <-orch.done:
	case <-time.After(2 * time.Second):
		t.Fatal("turn did not run")
	}
}

func TestSubmitWithoutExecutorFails(t *testing.T) {
	p := newProcessor(t, Options{Orchestrator: &fakeOrchestrator{}})
	require.Error(t, p.Submit(Job{RequestID: "req-1"}))
}
