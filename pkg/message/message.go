// Package message holds the canonical inbound message shared by every stage.
package message

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
)

// Kind is the provider message type. Unrecognized provider types are kept verbatim.
type Kind string

const (
	KindText        Kind = "text"
	KindAudio       Kind = "audio"
	KindImage       Kind = "image"
	KindDocument    Kind = "document"
	KindSticker     Kind = "sticker"
	KindVideo       Kind = "video"
	KindLocation    Kind = "location"
	KindInteractive Kind = "interactive"
	KindButton      Kind = "button"
	KindReaction    Kind = "reaction"
)

// IsRich reports whether the kind carries media that needs an extraction step.
func (k Kind) IsRich() bool {
	switch k {
	case KindAudio, KindImage, KindDocument:
		return true
	default:
		return false
	}
}

// Normalized is one inbound unit in provider-neutral form.
type Normalized struct {
	Sender            string          `json:"sender"`
	SenderName        string          `json:"sender_name,omitempty"`
	Kind              Kind            `json:"kind"`
	Text              *string         `json:"text,omitempty"`
	MediaRef          *string         `json:"media_ref,omitempty"`
	MimeType          string          `json:"mime_type,omitempty"`
	ExternalMessageID string          `json:"external_message_id,omitempty"`
	ConversationHint  *string         `json:"conversation_hint,omitempty"`
	ReceivedAtMillis  int64           `json:"received_at_ms"`
	Interactive       *Interactive    `json:"interactive,omitempty"`
	Raw               json.RawMessage `json:"raw,omitempty"`
}

// Interactive is a decoded button or list reply.
type Interactive struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

// TextValue returns the text content or "".
func (m Normalized) TextValue() string {
	if m.Text == nil {
		return ""
	}
	return *m.Text
}

// MediaValue returns the media reference or "".
func (m Normalized) MediaValue() string {
	if m.MediaRef == nil {
		return ""
	}
	return *m.MediaRef
}

// HintValue returns the conversation hint or "".
func (m Normalized) HintValue() string {
	if m.ConversationHint == nil {
		return ""
	}
	return *m.ConversationHint
}

// IdempotencyKey identifies the logical event within a conversation. The
// provider message id wins; synthetic events without one get a digest of
// conversation (or hint when no conversation is known), sender, kind and time.
func (m Normalized) IdempotencyKey(conversationID string) string {
	if id := strings.TrimSpace(m.ExternalMessageID); id != "" {
		return "wa:" + id
	}

	scope := conversationID
	if scope == "" {
		scope = m.HintValue()
	}
	parts := []string{
		scope,
		m.Sender,
		string(m.Kind),
		strconv.FormatInt(m.ReceivedAtMillis, 10),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return "syn:" + hex.EncodeToString(sum[:16])
}

// WithReplacementText returns a copy with the text rewritten to a resolved command.
// The kind becomes text so routing treats the command like typed input.
func (m Normalized) WithReplacementText(text string) Normalized {
	next := m
	next.Text = Ptr(text)
	next.Kind = KindText
	return next
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
