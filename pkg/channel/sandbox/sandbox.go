// Package sandbox is an in-process messenger that delivers outbound messages
// to the bus instead of a provider API.
package sandbox

import (
	"context"
	"errors"
	"strings"

	"chatpipe/pkg/bus"
	"chatpipe/pkg/channel"
	"chatpipe/pkg/store"
)

const channelName = "sandbox"

var _ channel.Messenger = (*Messenger)(nil)

// Messenger publishes every send as a bus.OutboundMessage.
type Messenger struct {
	bus *bus.MessageBus
}

func New(mb *bus.MessageBus) *Messenger {
	return &Messenger{bus: mb}
}

func (m *Messenger) SendText(ctx context.Context, to string, body string) (string, error) {
	if strings.TrimSpace(body) == "" {
		return "", errors.New("sandbox: body is required")
	}
	id := "sandbox." + store.NewID()
	if !m.bus.PublishOutbound(ctx, bus.OutboundMessage{
		Channel:   channelName,
		Recipient: to,
		MessageID: id,
		Content:   body,
	}) {
		return "", errors.New("sandbox: bus closed")
	}
	return id, nil
}

func (m *Messenger) SendReaction(ctx context.Context, to string, messageID string, emoji string) error {
	if !m.bus.PublishOutbound(ctx, bus.OutboundMessage{
		Channel:   channelName,
		Recipient: to,
		ReplyTo:   messageID,
		Reaction:  emoji,
	}) {
		return errors.New("sandbox: bus closed")
	}
	return nil
}
