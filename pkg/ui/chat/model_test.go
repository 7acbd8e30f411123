package chat

import (
	"context"
	"errors"
	"strings"
	"testing"

	"chatpipe/pkg/bus"
	"chatpipe/pkg/channel/sandbox"
	providertypes "chatpipe/pkg/provider/types"

	tea "github.com/charmbracelet/bubbletea"
)

func TestIsExitCommand(t *testing.T) {
	for input, want := range map[string]bool{
		"exit":     true,
		" quit ":   true,
		":q":       true,
		"/EXIT":    true,
		"hola":     false,
		"quit now": false,
	} {
		if got := isExitCommand(input); got != want {
			t.Fatalf("isExitCommand(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestTranscriptPinsUsageToLastReply(t *testing.T) {
	var log transcript
	err := log.apply(sandbox.Turn{
		Replies: []bus.OutboundMessage{
			{Content: "¡Bienvenido Ana!"},
			{Content: "listo"},
		},
		Outcome: bus.EventTurnCompleted,
		Usage:   &providertypes.TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}, nil)
	if err != nil {
		t.Fatalf("apply error: %v", err)
	}

	if len(log.entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(log.entries))
	}
	if log.entries[0].usage != nil {
		t.Fatal("expected usage only on the last reply")
	}
	if u := log.entries[1].usage; u == nil || u.TotalTokens != 15 {
		t.Fatalf("last reply usage = %+v", u)
	}

	log.apply(sandbox.Turn{Usage: &providertypes.TokenUsage{InputTokens: 1, OutputTokens: 1, TotalTokens: 2}}, nil)
	if log.totals.TotalTokens != 17 || log.totals.InputTokens != 11 || log.totals.OutputTokens != 6 {
		t.Fatalf("totals = %+v", log.totals)
	}
}

func TestFailedTurnShowsNoticeReactionAndError(t *testing.T) {
	m := newModel(context.Background(), nil, modeInteractive, "", RuntimeInfo{})
	m.applyTurn(sandbox.Turn{
		Replies: []bus.OutboundMessage{
			{Content: "Algo salió mal."},
			{Reaction: "⚠️", ReplyTo: "wamid.1"},
		},
		Outcome: bus.EventTurnFailed,
		Err:     errors.New("orchestrate: provider down"),
	}, nil)

	if got := strings.Join(m.log.roles(), ","); got != "reply,reaction,error" {
		t.Fatalf("roles = %s", got)
	}
	if !strings.Contains(m.log.entries[1].body, "wamid.1") {
		t.Fatalf("reaction note = %q", m.log.entries[1].body)
	}
	if m.failure != "orchestrate: provider down" {
		t.Fatalf("failure = %q", m.failure)
	}

	m.applyTurn(sandbox.Turn{Replies: []bus.OutboundMessage{{Content: "ok"}}}, nil)
	if m.failure != "" {
		t.Fatalf("failure = %q after a clean turn", m.failure)
	}
}

func TestDuplicateTurnIsMarked(t *testing.T) {
	var log transcript
	log.apply(sandbox.Turn{Outcome: bus.EventMessageDuplicate}, nil)

	if len(log.entries) != 1 || log.entries[0].role != roleDuplicate || log.entries[0].body != duplicateNotice {
		t.Fatalf("entries = %+v", log.entries)
	}
}

func TestEnterSendsPromptAfterBoot(t *testing.T) {
	var got string
	send := func(_ context.Context, prompt string) (sandbox.Turn, error) {
		got = prompt
		return sandbox.Turn{Replies: []bus.OutboundMessage{{Content: "ok"}}}, nil
	}
	m := newModel(context.Background(), send, modeInteractive, "", RuntimeInfo{Sender: "5215550000000"})
	m.booting = false
	m.input.SetValue("  hola ")

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if cmd == nil {
		t.Fatal("expected a command after enter")
	}
	if !m.waiting || m.input.Value() != "" {
		t.Fatalf("waiting = %v, input = %q", m.waiting, m.input.Value())
	}

	m.Update(runTurn(context.Background(), send, "hola")())
	if got != "hola" {
		t.Fatalf("prompt = %q, want hola", got)
	}
	if m.waiting {
		t.Fatal("expected waiting to clear once the turn returns")
	}
	if got := strings.Join(m.log.roles(), ","); got != "inbound,reply" {
		t.Fatalf("roles = %s", got)
	}
}

func TestEnterIgnoredWhileTurnRuns(t *testing.T) {
	m := newModel(context.Background(), nil, modeInteractive, "", RuntimeInfo{})
	m.booting = false
	m.waiting = true
	m.input.SetValue("otra vez")

	if _, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter}); cmd != nil {
		t.Fatal("expected no command while a turn is running")
	}
	if m.input.Value() != "otra vez" || m.log.sent() != 0 {
		t.Fatalf("input = %q, sent = %d", m.input.Value(), m.log.sent())
	}
}

func TestBootTicksOpenPrompt(t *testing.T) {
	m := newModel(context.Background(), nil, modeInteractive, "", RuntimeInfo{})
	for i := 0; i < len(bootSteps); i++ {
		if cmd := m.onBootTick(); cmd == nil || !m.booting {
			t.Fatalf("tick %d: expected boot to continue", i)
		}
	}
	m.onBootTick()
	if m.booting {
		t.Fatal("expected boot to finish after every step played")
	}
	if !strings.Contains(m.View(), "sender:n/a") {
		t.Fatal("expected the interactive view after boot")
	}
}
