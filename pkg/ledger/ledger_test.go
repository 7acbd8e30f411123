package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chatpipe/pkg/message"
	"chatpipe/pkg/metrics"
	"chatpipe/pkg/store"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingAlerter struct {
	mu    sync.Mutex
	texts []string
}

func (a *recordingAlerter) Alert(_ context.Context, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.texts = append(a.texts, text)
	return nil
}

func newTestLedger(t *testing.T, s store.Ledger, h Handler) (*Ledger, *fakeClock, *recordingAlerter, *metrics.Recorder) {
	t.Helper()
	clock := &fakeClock{now: time.UnixMilli(1700000000000)}
	alerter := &recordingAlerter{}
	rec := metrics.NewRecorder()
	l := New(Options{
		Store:   s,
		Handler: h,
		Alerter: alerter,
		Metrics: rec,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:   clock.Now,
	})
	return l, clock, alerter, rec
}

func sqliteStore(t *testing.T) *store.SQLStore {
	t.Helper()
	s, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func textMessage(id string) message.Normalized {
	return message.Normalized{
		Sender:            "5215550001",
		Kind:              message.KindText,
		Text:              message.Ptr("recuérdame pagar la luz"),
		ExternalMessageID: id,
		ReceivedAtMillis:  1700000000000,
	}
}

func TestEnqueueIsIdempotent(t *testing.T) {
	s := sqliteStore(t)
	l, _, _, rec := newTestLedger(t, s, nil)
	ctx := context.Background()

	req := EnqueueRequest{ConversationID: "conv-1", UserID: "user-1", Message: textMessage("wamid.1")}
	id, err := l.Enqueue(ctx, req)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	again, err := l.Enqueue(ctx, req)
	require.NoError(t, err)
	require.Empty(t, again)

	pending, err := s.ListPendingEvents(ctx, time.UnixMilli(1700000000000), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "wa:wamid.1", pending[0].IdempotencyKey)
	require.Equal(t, 1.0, rec.Total(metrics.LedgerEventsTotal, metrics.Tags{"outcome": "duplicate"}))

	msg, err := DecodeMessage(pending[0].Payload)
	require.NoError(t, err)
	require.Equal(t, "recuérdame pagar la luz", msg.TextValue())
}

func TestEnqueueUsesMessageKeyWithoutProviderID(t *testing.T) {
	s := sqliteStore(t)
	l, _, _, _ := newTestLedger(t, s, nil)
	ctx := context.Background()

	msg := textMessage("")
	id, err := l.Enqueue(ctx, EnqueueRequest{ConversationID: "conv-1", UserID: "user-1", Message: msg})
	require.NoError(t, err)

	event, err := s.GetEvent(ctx, id)
	require.NoError(t, err)
	require.Equal(t, msg.IdempotencyKey("conv-1"), event.IdempotencyKey)
	require.Contains(t, event.IdempotencyKey, "syn:")
}

func TestProcessPendingCompletesAndRecordsSteps(t *testing.T) {
	s := sqliteStore(t)
	handler := HandlerFunc(func(ctx context.Context, event store.Event, steps *StepRecorder) error {
		msg, err := DecodeMessage(event.Payload)
		if err != nil {
			return err
		}
		steps.Record(ctx, "classify", map[string]any{"kind": string(msg.Kind)}, map[string]any{"pathway": "TEXT_SIMPLE"}, time.Now(), nil)
		return nil
	})
	l, _, _, _ := newTestLedger(t, s, handler)
	ctx := context.Background()

	id, err := l.Enqueue(ctx, EnqueueRequest{ConversationID: "conv-1", UserID: "user-1", Message: textMessage("wamid.2")})
	require.NoError(t, err)

	result, err := l.ProcessPending(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, Result{Scanned: 1, Claimed: 1, Completed: 1}, result)

	event, err := s.GetEvent(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.StatusDone, event.Status)

	runs, err := s.ListRuns(ctx, id)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, store.RunCompleted, runs[0].Status)

	steps, err := s.ListSteps(ctx, runs[0].ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	require.Equal(t, "classify", steps[0].Node)
}

func TestRetryCapAndAvailableAt(t *testing.T) {
	s := sqliteStore(t)
	failing := HandlerFunc(func(context.Context, store.Event, *StepRecorder) error {
		return errors.New("provider exploded")
	})
	l, clock, alerter, _ := newTestLedger(t, s, failing)
	ctx := context.Background()

	id, err := l.Enqueue(ctx, EnqueueRequest{ConversationID: "conv-1", UserID: "user-1", Message: textMessage("wamid.3")})
	require.NoError(t, err)

	// Attempt 1 fails and is rescheduled 30s out.
	result, err := l.ProcessPending(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, result.Claimed)
	require.Equal(t, 0, result.Failed)

	event, err := s.GetEvent(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.StatusPending, event.Status)
	require.Equal(t, clock.Now().Add(30*time.Second).UnixMilli(), event.AvailableAt.UnixMilli())
	require.Equal(t, "provider exploded", LastError(event.Payload))

	// Not eligible before available_at.
	clock.Advance(29 * time.Second)
	result, err = l.ProcessPending(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 0, result.Scanned)

	// Attempt 2 fails and waits 60s.
	clock.Advance(time.Second)
	_, err = l.ProcessPending(ctx, 10)
	require.NoError(t, err)
	event, err = s.GetEvent(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 2, event.AttemptCount)
	require.Equal(t, clock.Now().Add(60*time.Second).UnixMilli(), event.AvailableAt.UnixMilli())

	// Attempt 3 fails terminally.
	clock.Advance(60 * time.Second)
	result, err = l.ProcessPending(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, result.Failed)

	event, err = s.GetEvent(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.StatusFailed, event.Status)
	require.Len(t, alerter.texts, 1)

	// Never claimed again.
	clock.Advance(time.Hour)
	result, err = l.ProcessPending(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 0, result.Scanned)

	runs, err := s.ListRuns(ctx, id)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	for _, run := range runs {
		require.Equal(t, store.RunFailed, run.Status)
	}
}

func TestHandlerPanicIsRetried(t *testing.T) {
	s := store.NewMemoryStore()
	l, _, _, _ := newTestLedger(t, s, HandlerFunc(func(context.Context, store.Event, *StepRecorder) error {
		panic("boom")
	}))
	ctx := context.Background()

	id, err := l.Enqueue(ctx, EnqueueRequest{ConversationID: "conv-1", Message: textMessage("wamid.4")})
	require.NoError(t, err)

	_, err = l.ProcessPending(ctx, 10)
	require.NoError(t, err)

	event, err := s.GetEvent(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.StatusPending, event.Status)
	require.Contains(t, LastError(event.Payload), "panic: boom")
}

func TestConcurrentDrainsClaimOnce(t *testing.T) {
	s := sqliteStore(t)
	var mu sync.Mutex
	handled := map[string]int{}
	handler := HandlerFunc(func(_ context.Context, event store.Event, _ *StepRecorder) error {
		mu.Lock()
		defer mu.Unlock()
		handled[event.ID]++
		return nil
	})
	l, _, _, _ := newTestLedger(t, s, handler)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := l.Enqueue(ctx, EnqueueRequest{ConversationID: "conv-1", Message: textMessage("wamid.c" + string(rune('a'+i)))})
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	results := make([]Result, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = l.ProcessPending(ctx, 10)
		}(i)
	}
	wg.Wait()

	completed := 0
	for _, r := range results {
		completed += r.Completed
	}
	require.Equal(t, 5, completed)
	require.Len(t, handled, 5)
	for id, n := range handled {
		require.Equal(t, 1, n, "event %s handled more than once", id)
	}
}

func TestSweepReleasesStaleClaims(t *testing.T) {
	s := store.NewMemoryStore()
	l, clock, _, _ := newTestLedger(t, s, nil)
	ctx := context.Background()

	id, err := l.Enqueue(ctx, EnqueueRequest{ConversationID: "conv-1", Message: textMessage("wamid.5")})
	require.NoError(t, err)
	_, ok, err := s.TryClaim(ctx, id, clock.Now())
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(10 * time.Minute)
	res, err := l.Sweep(ctx, 15*time.Minute)
	require.NoError(t, err)
	require.Equal(t, SweepResult{}, res)

	clock.Advance(6 * time.Minute)
	res, err = l.Sweep(ctx, 15*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, res.Requeued)

	event, err := s.GetEvent(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.StatusPending, event.Status)
	require.Equal(t, 1, event.AttemptCount)
}

func TestLateWorkerCannotReopenSweptEvent(t *testing.T) {
	s := sqliteStore(t)
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	handler := HandlerFunc(func(context.Context, store.Event, *StepRecorder) error {
		if calls.Add(1) == 1 {
			close(started)
			<-release
			return errors.New("provider timed out")
		}
		return nil
	})
	l, clock, _, _ := newTestLedger(t, s, handler)
	ctx := context.Background()

	id, err := l.Enqueue(ctx, EnqueueRequest{ConversationID: "conv-1", UserID: "user-1", Message: textMessage("wamid.slow")})
	require.NoError(t, err)

	type processed struct {
		claimed, completed bool
		err                error
	}
	first := make(chan processed, 1)
	go func() {
		claimed, completed, err := l.ProcessEvent(ctx, id)
		first <- processed{claimed, completed, err}
	}()
	<-started

	clock.Advance(20 * time.Minute)
	sweep, err := l.Sweep(ctx, 15*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, sweep.Requeued)

	claimed, completed, err := l.ProcessEvent(ctx, id)
	require.NoError(t, err)
	require.True(t, claimed)
	require.True(t, completed)

	close(release)
	late := <-first
	require.NoError(t, late.err)
	require.True(t, late.claimed)
	require.False(t, late.completed)

	event, err := s.GetEvent(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.StatusDone, event.Status)
	require.Equal(t, 2, event.AttemptCount)
	require.Empty(t, LastError(event.Payload))

	result, err := l.ProcessPending(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 0, result.Scanned)
}

func TestCanceledDrainStillReschedules(t *testing.T) {
	s := sqliteStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handler := HandlerFunc(func(ctx context.Context, _ store.Event, _ *StepRecorder) error {
		cancel()
		return ctx.Err()
	})
	l, clock, _, _ := newTestLedger(t, s, handler)

	id, err := l.Enqueue(context.Background(), EnqueueRequest{ConversationID: "conv-1", UserID: "user-1", Message: textMessage("wamid.gone")})
	require.NoError(t, err)

	_, _ = l.ProcessPending(ctx, 10)

	event, err := s.GetEvent(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, store.StatusPending, event.Status)
	require.Equal(t, 1, event.AttemptCount)
	require.Equal(t, clock.Now().Add(30*time.Second).UnixMilli(), event.AvailableAt.UnixMilli())

	runs, err := s.ListRuns(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, store.RunFailed, runs[0].Status)
}

func TestRetryDelayBounds(t *testing.T) {
	cases := map[int]time.Duration{
		0:  30 * time.Second,
		1:  30 * time.Second,
		2:  60 * time.Second,
		5:  150 * time.Second,
		10: 300 * time.Second,
		50: 300 * time.Second,
	}
	for attempts, want := range cases {
		require.Equal(t, want, RetryDelay(attempts), "attempts=%d", attempts)
	}
}

func TestProcessEventClaimsOnce(t *testing.T) {
	s := store.NewMemoryStore()
	calls := 0
	l, _, _, _ := newTestLedger(t, s, nil)
	l.SetHandler(HandlerFunc(func(context.Context, store.Event, *StepRecorder) error {
		calls++
		return nil
	}))
	ctx := context.Background()

	id, err := l.Enqueue(ctx, EnqueueRequest{ConversationID: "conv-1", Message: textMessage("wamid.9")})
	require.NoError(t, err)

	claimed, completed, err := l.ProcessEvent(ctx, id)
	require.NoError(t, err)
	require.True(t, claimed)
	require.True(t, completed)

	claimed, _, err = l.ProcessEvent(ctx, id)
	require.NoError(t, err)
	require.False(t, claimed)
	require.Equal(t, 1, calls)

	event, err := s.GetEvent(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.StatusDone, event.Status)
	require.Equal(t, DefaultMaxAttempts, l.MaxAttempts())
}

func TestNilStepRecorderDiscards(t *testing.T) {
	var steps *StepRecorder
	require.NotPanics(t, func() {
		steps.Record(context.Background(), "classify", nil, nil, time.Now(), nil)
	})
	require.Empty(t, steps.RunID())
}
