package sandbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"chatpipe/pkg/bus"
	"chatpipe/pkg/message"
	"chatpipe/pkg/processor"
	providertypes "chatpipe/pkg/provider/types"
)

type echoHandler struct {
	mb        *bus.MessageBus
	messenger *Messenger
	jobs      []processor.Job
	err       error
}

func (h *echoHandler) Handle(ctx context.Context, job processor.Job) error {
	h.jobs = append(h.jobs, job)
	if h.err != nil {
		h.mb.PublishEvent(ctx, bus.Event{Type: bus.EventTurnFailed, RequestID: job.RequestID, Error: h.err.Error()})
		return h.err
	}
	if _, err := h.messenger.SendText(ctx, job.Message.Sender, "eco: "+job.Message.TextValue()); err != nil {
		return err
	}
	payload := providertypes.UsageMetadata(&providertypes.TokenUsage{InputTokens: 4, OutputTokens: 2, TotalTokens: 6})
	payload["provider"] = "openai"
	h.mb.PublishEvent(ctx, bus.Event{Type: bus.EventTurnCompleted, RequestID: job.RequestID, Payload: payload})
	return nil
}

func startTestSession(t *testing.T, h *echoHandler) *Session {
	t.Helper()
	session, err := StartSession(context.Background(), h, h.mb, SessionOptions{
		Clock: func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("StartSession error: %v", err)
	}
	t.Cleanup(session.Close)
	return session
}

func TestSessionPromptCollectsRepliesAndUsage(t *testing.T) {
	mb := bus.NewMessageBus()
	t.Cleanup(mb.Close)
	h := &echoHandler{mb: mb, messenger: New(mb)}
	session := startTestSession(t, h)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	turn, err := session.Prompt(ctx, "  hola  ")
	if err != nil {
		t.Fatalf("Prompt error: %v", err)
	}
	if turn.Err != nil {
		t.Fatalf("turn error: %v", turn.Err)
	}
	if len(turn.Replies) != 1 || turn.Replies[0].Content != "eco: hola" {
		t.Fatalf("replies = %+v", turn.Replies)
	}
	if turn.Outcome != bus.EventTurnCompleted || turn.Provider != "openai" {
		t.Fatalf("turn = %+v", turn)
	}
	if turn.Usage == nil || turn.Usage.TotalTokens != 6 {
		t.Fatalf("usage = %+v", turn.Usage)
	}

	job := h.jobs[0]
	if job.RequestID != "1" || turn.RequestID != "1" {
		t.Fatalf("request ids = %q/%q, want 1", job.RequestID, turn.RequestID)
	}
	if job.Message.Sender != DefaultSender || job.Message.SenderName != DefaultSenderName {
		t.Fatalf("sender = %q/%q", job.Message.Sender, job.Message.SenderName)
	}
	if job.Message.Kind != message.KindText || job.Message.ExternalMessageID == "" {
		t.Fatalf("message = %+v", job.Message)
	}
}

func TestSessionPromptsGetDistinctMessageIDs(t *testing.T) {
	mb := bus.NewMessageBus()
	t.Cleanup(mb.Close)
	h := &echoHandler{mb: mb, messenger: New(mb)}
	session := startTestSession(t, h)

	for _, text := range []string{"uno", "uno"} {
		if _, err := session.Prompt(context.Background(), text); err != nil {
			t.Fatalf("Prompt error: %v", err)
		}
	}
	if h.jobs[0].Message.ExternalMessageID == h.jobs[1].Message.ExternalMessageID {
		t.Fatal("expected repeated text to get a fresh message id")
	}
	if h.jobs[1].RequestID != "2" {
		t.Fatalf("second request id = %q, want 2", h.jobs[1].RequestID)
	}
}

func TestSessionPromptReportsHandlerFailure(t *testing.T) {
	mb := bus.NewMessageBus()
	t.Cleanup(mb.Close)
	h := &echoHandler{mb: mb, messenger: New(mb), err: errors.New("provider down")}
	session := startTestSession(t, h)

	turn, err := session.Prompt(context.Background(), "hola")
	if err != nil {
		t.Fatalf("Prompt error: %v", err)
	}
	if turn.Err == nil || turn.Outcome != bus.EventTurnFailed {
		t.Fatalf("turn = %+v, want failure", turn)
	}
}

func TestSessionPromptRejectsBlankText(t *testing.T) {
	mb := bus.NewMessageBus()
	t.Cleanup(mb.Close)
	session := startTestSession(t, &echoHandler{mb: mb, messenger: New(mb)})

	if _, err := session.Prompt(context.Background(), "   "); err == nil {
		t.Fatal("expected error for blank prompt")
	}
}

func TestStartSessionRequiresHandlerAndBus(t *testing.T) {
	if _, err := StartSession(context.Background(), nil, bus.NewMessageBus(), SessionOptions{}); err == nil {
		t.Fatal("expected error without handler")
	}
	if _, err := StartSession(context.Background(), &echoHandler{}, nil, SessionOptions{}); err == nil {
		t.Fatal("expected error without bus")
	}
}
