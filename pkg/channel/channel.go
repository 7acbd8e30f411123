// Package channel defines the outbound messaging surface used by the pipeline.
package channel

import "context"

// WarningReaction marks a message whose turn failed.
const WarningReaction = "⚠️"

// Messenger delivers replies to an end user.
type Messenger interface {
	// SendText returns the provider message id, or "" when the provider
	// did not report one.
	SendText(ctx context.Context, to string, body string) (string, error)
	SendReaction(ctx context.Context, to string, messageID string, emoji string) error
}

// SendWarningReaction tags messageID with the warning reaction.
func SendWarningReaction(ctx context.Context, m Messenger, to string, messageID string) error {
	return m.SendReaction(ctx, to, messageID, WarningReaction)
}
