package types

import "strings"

// Role is the author of one conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one provider-neutral conversation turn.
type Message struct {
	Role    Role
	Content string
}

// PromptResult is the normalized provider response payload.
type PromptResult struct {
	Text     string
	Metadata PromptMetadata
}

// PromptMetadata carries provider/model identity and optional usage accounting.
type PromptMetadata struct {
	Provider string
	Model    string
	Agent    string
	Usage    *TokenUsage
}

// TokenUsage captures token accounting across providers.
type TokenUsage struct {
	InputTokens         int64
	OutputTokens        int64
	TotalTokens         int64
	ReasoningTokens     int64
	CacheCreationTokens int64
	CacheReadTokens     int64
}

// IsZero reports whether all token counters are unset/zero.
func (u TokenUsage) IsZero() bool {
	return u.InputTokens == 0 &&
		u.OutputTokens == 0 &&
		u.TotalTokens == 0 &&
		u.ReasoningTokens == 0 &&
		u.CacheCreationTokens == 0 &&
		u.CacheReadTokens == 0
}

// Total returns TotalTokens, or input plus output when the provider left it unset.
func (u TokenUsage) Total() int64 {
	if u.TotalTokens > 0 {
		return u.TotalTokens
	}
	return u.InputTokens + u.OutputTokens
}

// SplitSystem separates system instructions from the conversation turns.
func SplitSystem(messages []Message) (string, []Message) {
	var system []string
	turns := make([]Message, 0, len(messages))
	for _, m := range messages {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		if m.Role == RoleSystem {
			system = append(system, content)
			continue
		}
		turns = append(turns, Message{Role: m.Role, Content: content})
	}
	return strings.Join(system, "\n\n"), turns
}

// Transcript renders turns as a plain-text dialogue for providers that accept
// a single prompt string. The final user turn is left unlabelled.
func Transcript(turns []Message) string {
	if len(turns) == 0 {
		return ""
	}
	if len(turns) == 1 {
		return turns[0].Content
	}

	var b strings.Builder
	b.WriteString("Conversation so far:\n")
	for _, m := range turns[:len(turns)-1] {
		label := "User"
		if m.Role == RoleAssistant {
			label = "Assistant"
		}
		b.WriteString(label)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	b.WriteString("\nReply to the latest message:\n")
	b.WriteString(turns[len(turns)-1].Content)
	return b.String()
}
