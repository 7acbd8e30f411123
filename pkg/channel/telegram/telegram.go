// Package telegram posts operator alerts to a Telegram chat.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"chatpipe/pkg/config"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

// Telegram rejects messages above 4096 characters.
const alertTextLimit = 4000

type messageSender interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
}

// Alerter sends one message per alert to the configured ops chat. A disabled
// Alerter accepts alerts and drops them.
type Alerter struct {
	bot    messageSender
	chatID int64
	log    *slog.Logger
}

// NewAlerter validates cfg and builds the bot client. When alerts are disabled
// or no token is set, the returned Alerter is a no-op.
func NewAlerter(cfg config.TelegramConfig, log *slog.Logger) (*Alerter, error) {
	if log == nil {
		log = slog.Default()
	}
	alerter := &Alerter{chatID: cfg.ChatID, log: log.With("component", "channel.telegram")}

	token := strings.TrimSpace(cfg.Token)
	if !cfg.Enabled || token == "" {
		alerter.log.Debug("Telegram alerts disabled")
		return alerter, nil
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("alerts.telegram.chat_id is required when alerts are enabled")
	}

	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("initialize telegram bot: %w", err)
	}
	alerter.bot = bot
	return alerter, nil
}

// Enabled reports whether alerts are delivered.
func (a *Alerter) Enabled() bool {
	return a != nil && a.bot != nil
}

// Alert posts text to the ops chat.
func (a *Alerter) Alert(ctx context.Context, text string) error {
	if !a.Enabled() {
		return nil
	}

	body := truncate(text, alertTextLimit)
	if body == "" {
		return nil
	}
	if _, err := a.bot.SendMessage(ctx, tu.Message(tu.ID(a.chatID), body)); err != nil {
		return fmt.Errorf("send telegram alert: %w", err)
	}
	a.log.Info("Alert sent", "chat_id", a.chatID, "length", len(body))
	return nil
}

// truncate returns a bounded preview of text without splitting a rune.
func truncate(text string, limit int) string {
	trimmed := strings.TrimSpace(text)
	runes := []rune(trimmed)
	if len(runes) <= limit {
		return trimmed
	}

	return string(runes[:limit]) + "..."
}
