package pipeline

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"chatpipe/pkg/bus"
	"chatpipe/pkg/channel/sandbox"
	"chatpipe/pkg/config"
	"chatpipe/pkg/ledger"
	"chatpipe/pkg/message"
	"chatpipe/pkg/metrics"
	"chatpipe/pkg/processor"
	providertypes "chatpipe/pkg/provider/types"
	"chatpipe/pkg/store"

	"github.com/stretchr/testify/require"
)

type echoProvider struct{}

func (echoProvider) Name() string                 { return "openai" }
func (echoProvider) Model() string                { return "test-model" }
func (echoProvider) Health(context.Context) error { return nil }
func (echoProvider) Call(_ context.Context, _ string, messages []providertypes.Message) (providertypes.PromptResult, error) {
	return providertypes.PromptResult{Text: "echo:" + messages[len(messages)-1].Content}, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuildRequiresConfig(t *testing.T) {
	_, err := Build(context.Background(), nil, Options{})
	require.Error(t, err)
}

func TestBuildRequiresWhatsAppCredentialsWithoutMessenger(t *testing.T) {
	_, err := Build(context.Background(), &config.Config{}, Options{Primary: echoProvider{}, Logger: quietLogger()})
	require.ErrorContains(t, err, "whatsapp")
}

func TestBuildAppliesDefaults(t *testing.T) {
	mb := bus.NewMessageBus()
	p, err := Build(context.Background(), &config.Config{Ledger: config.LedgerConfig{DSN: "memory://"}}, Options{
		Messenger: sandbox.New(mb),
		Bus:       mb,
		Primary:   echoProvider{},
		Metrics:   metrics.Discard{},
		Logger:    quietLogger(),
	})
	require.NoError(t, err)
	defer p.Close()

	require.Equal(t, 4, p.Workers())
	require.Equal(t, ledger.DefaultBatchLimit, p.BatchLimit())
	require.Equal(t, ledger.DefaultMaxAttempts, p.Ledger.MaxAttempts())
	require.False(t, p.Alerter.Enabled())
	require.Nil(t, p.Fallback)
	require.Equal(t, "es", p.Notices.Language())
}

func TestDurableQueueFlagRoutesThroughLedger(t *testing.T) {
	mb := bus.NewMessageBus()
	mem := store.NewMemoryStore()
	cfg := &config.Config{Features: config.FeatureFlags{DurableQueue: true}}
	p, err := Build(context.Background(), cfg, Options{
		Store:     mem,
		Messenger: sandbox.New(mb),
		Bus:       mb,
		Primary:   echoProvider{},
		Metrics:   metrics.Discard{},
		Logger:    quietLogger(),
	})
	require.NoError(t, err)
	defer p.Close()

	events, unsubscribe := mb.SubscribeEvents(context.Background(), 16)
	defer unsubscribe()

	msg := message.Normalized{
		Sender:            "5215550001111",
		Kind:              message.KindText,
		Text:              message.Ptr("hola"),
		ExternalMessageID: "wamid.p1",
		ReceivedAtMillis:  time.Now().UnixMilli(),
	}

	done := make(chan error, 1)
	go func() {
		done <- p.Processor.Handle(context.Background(), processor.Job{RequestID: "req-1", Message: msg})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var replies []string
	for len(replies) < 2 {
		out, ok := mb.NextOutbound(ctx)
		require.True(t, ok)
		replies = append(replies, out.Content)
	}
	require.NoError(t, <-done)
	require.Equal(t, "echo:hola", replies[1])

	var eventID string
	for len(events) > 0 {
		if e := <-events; e.Type == bus.EventMessageEnqueued {
			eventID = e.Payload["event_id"]
		}
	}
	require.NotEmpty(t, eventID)
	event, err := mem.GetEvent(context.Background(), eventID)
	require.NoError(t, err)
	require.Equal(t, store.StatusDone, event.Status)
}
