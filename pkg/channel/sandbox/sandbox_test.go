package sandbox

import (
	"context"
	"strings"
	"testing"

	"chatpipe/pkg/bus"
	"chatpipe/pkg/channel"
)

func TestSendTextPublishesOutbound(t *testing.T) {
	mb := bus.NewMessageBus()
	defer mb.Close()
	m := New(mb)

	id, err := m.SendText(context.Background(), "local", "hola")
	if err != nil {
		t.Fatalf("SendText error: %v", err)
	}
	if !strings.HasPrefix(id, "sandbox.") {
		t.Fatalf("id = %q, want sandbox prefix", id)
	}

	out, ok := mb.NextOutbound(context.Background())
	if !ok {
		t.Fatal("expected outbound message")
	}
	if out.Content != "hola" || out.Recipient != "local" || out.MessageID != id {
		t.Fatalf("outbound = %+v", out)
	}
}

func TestSendReactionPublishesOutbound(t *testing.T) {
	mb := bus.NewMessageBus()
	defer mb.Close()
	m := New(mb)

	if err := channel.SendWarningReaction(context.Background(), m, "local", "wamid.1"); err != nil {
		t.Fatalf("SendWarningReaction error: %v", err)
	}
	out, ok := mb.NextOutbound(context.Background())
	if !ok {
		t.Fatal("expected outbound message")
	}
	if out.Reaction != channel.WarningReaction || out.ReplyTo != "wamid.1" {
		t.Fatalf("outbound = %+v", out)
	}
}

func TestSendFailsOnClosedBus(t *testing.T) {
	mb := bus.NewMessageBus()
	mb.Close()
	m := New(mb)

	if _, err := m.SendText(context.Background(), "local", "hola"); err == nil {
		t.Fatal("expected error on closed bus")
	}
	if _, err := m.SendText(context.Background(), "local", " "); err == nil {
		t.Fatal("expected error on blank body")
	}
}
