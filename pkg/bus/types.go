package bus

// InboundMessage is one message typed into a local channel such as the sandbox.
type InboundMessage struct {
	Channel    string            `json:"channel"`
	SenderID   string            `json:"sender_id"`
	SenderName string            `json:"sender_name,omitempty"`
	MessageID  string            `json:"message_id"`
	Content    string            `json:"content"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage is a text reply or a reaction addressed to a recipient.
type OutboundMessage struct {
	Channel   string            `json:"channel"`
	Recipient string            `json:"recipient"`
	MessageID string            `json:"message_id,omitempty"`
	Content   string            `json:"content,omitempty"`
	ReplyTo   string            `json:"reply_to,omitempty"`
	Reaction  string            `json:"reaction,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}
