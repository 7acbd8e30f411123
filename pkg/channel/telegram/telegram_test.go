package telegram

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"chatpipe/pkg/config"

	"github.com/mymmrac/telego"
)

type fakeSender struct {
	params []*telego.SendMessageParams
	err    error
}

func (f *fakeSender) SendMessage(_ context.Context, params *telego.SendMessageParams) (*telego.Message, error) {
	f.params = append(f.params, params)
	if f.err != nil {
		return nil, f.err
	}
	return &telego.Message{MessageID: 1}, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewAlerterDisabled(t *testing.T) {
	alerter, err := NewAlerter(config.TelegramConfig{Enabled: true}, quietLogger())
	if err != nil {
		t.Fatalf("NewAlerter error: %v", err)
	}
	if alerter.Enabled() {
		t.Fatal("expected alerter without token to be disabled")
	}
	if err := alerter.Alert(context.Background(), "event failed"); err != nil {
		t.Fatalf("disabled Alert error: %v", err)
	}

	var nilAlerter *Alerter
	if err := nilAlerter.Alert(context.Background(), "event failed"); err != nil {
		t.Fatalf("nil Alert error: %v", err)
	}
}

func TestNewAlerterRequiresChatID(t *testing.T) {
	_, err := NewAlerter(config.TelegramConfig{Enabled: true, Token: "123:abc"}, quietLogger())
	if err == nil {
		t.Fatal("expected chat id error")
	}
}

func TestAlertSendsToChat(t *testing.T) {
	sender := &fakeSender{}
	alerter := &Alerter{bot: sender, chatID: 42, log: quietLogger()}

	if err := alerter.Alert(context.Background(), "  event 01H failed after 3 attempts  "); err != nil {
		t.Fatalf("Alert error: %v", err)
	}
	if len(sender.params) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sender.params))
	}
	if sender.params[0].ChatID.ID != 42 {
		t.Fatalf("chat id = %d, want 42", sender.params[0].ChatID.ID)
	}
	if sender.params[0].Text != "event 01H failed after 3 attempts" {
		t.Fatalf("text = %q", sender.params[0].Text)
	}
}

func TestAlertSkipsBlankAndWrapsErrors(t *testing.T) {
	sender := &fakeSender{err: errors.New("forbidden")}
	alerter := &Alerter{bot: sender, chatID: 42, log: quietLogger()}

	if err := alerter.Alert(context.Background(), "   "); err != nil {
		t.Fatalf("blank Alert error: %v", err)
	}
	if len(sender.params) != 0 {
		t.Fatal("blank alert should not be sent")
	}
	if err := alerter.Alert(context.Background(), "boom"); err == nil {
		t.Fatal("expected send error")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate(" hello ", 10); got != "hello" {
		t.Fatalf("truncate short = %q, want %q", got, "hello")
	}

	long := strings.Repeat("ñ", 30)
	got := truncate(long, 20)
	if got != strings.Repeat("ñ", 20)+"..." {
		t.Fatalf("truncate long = %q", got)
	}
}
