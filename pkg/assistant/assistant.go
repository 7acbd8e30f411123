// Package assistant answers conversation turns with an upstream AI provider,
// falling back to a second provider when the first one fails.
package assistant

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"chatpipe/pkg/assistant/profile"
	"chatpipe/pkg/channel"
	"chatpipe/pkg/errs"
	"chatpipe/pkg/fallback"
	"chatpipe/pkg/orchestrator"
	"chatpipe/pkg/provider"
	providertypes "chatpipe/pkg/provider/types"
	"chatpipe/pkg/router"
)

// Options wires an Assistant.
type Options struct {
	Primary   provider.Client
	Fallback  provider.Client
	Executor  *fallback.Executor
	Memory    *Memory
	Budget    *Budget
	Messenger channel.Messenger
	Logger    *slog.Logger
}

// Assistant implements the conversation and media collaborators of the
// orchestrator.
type Assistant struct {
	primary   provider.Client
	fallback  provider.Client
	executor  *fallback.Executor
	memory    *Memory
	budget    *Budget
	messenger channel.Messenger
	log       *slog.Logger
}

var (
	_ orchestrator.ConversationHandler = (*Assistant)(nil)
	_ orchestrator.MediaHandler        = (*Assistant)(nil)
)

func New(opts Options) (*Assistant, error) {
	if opts.Primary == nil {
		return nil, fmt.Errorf("primary provider is required")
	}
	if opts.Messenger == nil {
		return nil, fmt.Errorf("messenger is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Executor == nil {
		opts.Executor = fallback.New(nil, nil, opts.Logger)
	}
	if opts.Memory == nil {
		opts.Memory = NewMemory(0, 0)
	}

	return &Assistant{
		primary:   opts.Primary,
		fallback:  opts.Fallback,
		executor:  opts.Executor,
		memory:    opts.Memory,
		budget:    opts.Budget,
		messenger: opts.Messenger,
		log:       opts.Logger.With("component", "assistant"),
	}, nil
}

// HandleText answers a text turn with conversation memory and sends the reply.
func (a *Assistant) HandleText(ctx context.Context, turn orchestrator.Turn) (orchestrator.Reply, error) {
	text := strings.TrimSpace(turn.Message.TextValue())
	if text == "" {
		return orchestrator.Reply{}, errs.New(errs.KindPermanent, "assistant.text", "message has no text")
	}

	purpose := profile.Conversation
	if turn.Routed.Pathway == router.TextToolIntent {
		purpose = profile.ToolIntent
	}

	history := a.memory.List(turn.ConversationID)
	turns := make([]providertypes.Message, 0, len(history)+1)
	for _, entry := range history {
		turns = append(turns, providertypes.Message{Role: providertypes.Role(entry.Role), Content: entry.Content})
	}
	turns = append(turns, providertypes.Message{Role: providertypes.RoleUser, Content: text})

	reply, err := a.complete(ctx, purpose, turns)
	if err != nil {
		return orchestrator.Reply{}, err
	}

	if _, err := a.messenger.SendText(ctx, turn.Message.Sender, reply.Text); err != nil {
		return orchestrator.Reply{}, fmt.Errorf("send reply: %w", err)
	}

	a.memory.Append(turn.ConversationID, string(providertypes.RoleUser), text)
	a.memory.Append(turn.ConversationID, string(providertypes.RoleAssistant), reply.Text)
	a.log.Debug("Reply sent",
		"request_id", turn.RequestID,
		"conversation_id", turn.ConversationID,
		"provider", reply.Provider,
		"fallback_used", reply.FallbackUsed,
		"response_length", len(reply.Text),
	)
	return reply, nil
}

// HandleMedia answers a rich-input turn from its description. It neither
// sends nor remembers anything so an abandoned call leaves no trace.
func (a *Assistant) HandleMedia(ctx context.Context, turn orchestrator.Turn) (orchestrator.Reply, error) {
	msg := turn.Message
	if msg.MediaValue() == "" {
		return orchestrator.Reply{}, errs.New(errs.KindPermanent, "assistant.media", "message has no media reference")
	}

	purpose := profile.Media
	if turn.Routed.Pathway == router.RichInputToolIntent {
		purpose = profile.MediaToolIntent
	}

	return a.complete(ctx, purpose, []providertypes.Message{{Role: providertypes.RoleUser, Content: describeMedia(turn)}})
}

func (a *Assistant) complete(ctx context.Context, purpose profile.Purpose, turns []providertypes.Message) (orchestrator.Reply, error) {
	primary, err := a.attempt(a.primary, purpose, turns)
	if err != nil {
		return orchestrator.Reply{}, err
	}

	var secondary *fallback.Attempt
	if a.fallback != nil {
		attempt, err := a.attempt(a.fallback, purpose, turns)
		if err != nil {
			return orchestrator.Reply{}, err
		}
		secondary = &attempt
	}

	outcome, err := a.executor.Execute(ctx, primary, secondary, a.budget.Allows)
	if err != nil {
		return orchestrator.Reply{}, err
	}
	if outcome.FallbackUsed && outcome.Result.Metadata.Usage != nil {
		a.budget.Spend(outcome.Result.Metadata.Usage.Total())
	}

	return orchestrator.Reply{
		Text:         outcome.Result.Text,
		Provider:     outcome.Provider,
		FallbackUsed: outcome.FallbackUsed,
		Usage:        outcome.Result.Metadata.Usage,
	}, nil
}

func (a *Assistant) attempt(client provider.Client, purpose profile.Purpose, turns []providertypes.Message) (fallback.Attempt, error) {
	system, err := profile.ResolveSystemProfile(client.Name(), purpose)
	if err != nil {
		return fallback.Attempt{}, fmt.Errorf("resolve %s profile: %w", client.Name(), err)
	}

	messages := make([]providertypes.Message, 0, len(turns)+1)
	if system != "" {
		messages = append(messages, providertypes.Message{Role: providertypes.RoleSystem, Content: system})
	}
	messages = append(messages, turns...)

	return fallback.Attempt{
		Provider: client.Name(),
		Call: func(ctx context.Context) (providertypes.PromptResult, error) {
			return client.Call(ctx, "", messages)
		},
	}, nil
}

func describeMedia(turn orchestrator.Turn) string {
	msg := turn.Message
	var b strings.Builder
	fmt.Fprintf(&b, "The user sent a %s.\n", msg.Kind)
	if msg.MimeType != "" {
		fmt.Fprintf(&b, "Type: %s\n", msg.MimeType)
	}
	fmt.Fprintf(&b, "Reference: %s\n", msg.MediaValue())
	if caption := strings.TrimSpace(msg.TextValue()); caption != "" {
		fmt.Fprintf(&b, "Caption: %s\n", caption)
	} else {
		b.WriteString("Caption: (none)\n")
	}
	return strings.TrimSpace(b.String())
}
