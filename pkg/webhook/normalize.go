// Package webhook authenticates, validates and normalizes WhatsApp Cloud API
// webhook deliveries.
package webhook

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"chatpipe/pkg/message"
)

const businessAccountObject = "whatsapp_business_account"

// Envelope is the top-level webhook body.
type Envelope struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

type Change struct {
	Field string      `json:"field"`
	Value ChangeValue `json:"value"`
}

type ChangeValue struct {
	MessagingProduct string            `json:"messaging_product"`
	Metadata         Metadata          `json:"metadata"`
	Contacts         []Contact         `json:"contacts"`
	Messages         []json.RawMessage `json:"messages"`
	Statuses         []json.RawMessage `json:"statuses"`
}

type Metadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

type Contact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

// Disposition is what ingress should do with an envelope that carries no
// processable message.
type Disposition struct {
	Status string
	Reason string
}

const (
	StatusIgnored      = "ignored"
	StatusAcknowledged = "acknowledged"
)

// Extract parses body and returns every inbound message in it. When there is
// nothing to process the Disposition explains why.
func Extract(body []byte, fallbackMillis int64) ([]message.Normalized, *Disposition, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, nil, fmt.Errorf("decode envelope: %w", err)
	}

	if env.Object != businessAccountObject {
		return nil, &Disposition{Status: StatusIgnored, Reason: "unsupported_object"}, nil
	}

	var (
		out      []message.Normalized
		statuses int
		skipped  int
	)
	for _, entry := range env.Entry {
		for _, change := range entry.Changes {
			statuses += len(change.Value.Statuses)
			names := contactNames(change.Value.Contacts)
			for _, raw := range change.Value.Messages {
				msg := Normalize(raw, fallbackMillis)
				if msg.Kind == message.KindReaction {
					skipped++
					continue
				}
				msg.SenderName = names[msg.Sender]
				if hint := strings.TrimSpace(change.Value.Metadata.PhoneNumberID); hint != "" {
					msg.ConversationHint = message.Ptr(hint)
				}
				out = append(out, msg)
			}
		}
	}

	switch {
	case len(out) > 0:
		return out, nil, nil
	case statuses > 0:
		return nil, &Disposition{Status: StatusAcknowledged, Reason: "status_update"}, nil
	case skipped > 0:
		return nil, &Disposition{Status: StatusIgnored, Reason: "reaction"}, nil
	default:
		return nil, &Disposition{Status: StatusIgnored, Reason: "no_messages"}, nil
	}
}

func contactNames(contacts []Contact) map[string]string {
	names := make(map[string]string, len(contacts))
	for _, c := range contacts {
		names[c.WaID] = strings.TrimSpace(c.Profile.Name)
	}
	return names
}

type rawMessage struct {
	From        string          `json:"from"`
	ID          string          `json:"id"`
	Timestamp   string          `json:"timestamp"`
	Type        string          `json:"type"`
	Text        *textObject     `json:"text"`
	Image       *mediaObject    `json:"image"`
	Audio       *mediaObject    `json:"audio"`
	Document    *mediaObject    `json:"document"`
	Sticker     *mediaObject    `json:"sticker"`
	Video       *mediaObject    `json:"video"`
	Interactive json.RawMessage `json:"interactive"`
	Button      *buttonObject   `json:"button"`
	Reaction    *reactionObject `json:"reaction"`
}

type textObject struct {
	Body string `json:"body"`
}

type mediaObject struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption"`
	Filename string `json:"filename"`
}

type buttonObject struct {
	Payload string `json:"payload"`
	Text    string `json:"text"`
}

type reactionObject struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

type replyObject struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Normalize converts one provider message. It is total: undecodable or
// unknown messages come back with their raw type and no text or media.
func Normalize(raw json.RawMessage, fallbackMillis int64) message.Normalized {
	var m rawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return message.Normalized{Kind: "unknown", ReceivedAtMillis: fallbackMillis, Raw: raw}
	}

	msg := message.Normalized{
		Sender:            strings.TrimSpace(m.From),
		Kind:              message.Kind(strings.TrimSpace(m.Type)),
		ExternalMessageID: strings.TrimSpace(m.ID),
		ReceivedAtMillis:  parseTimestamp(m.Timestamp, fallbackMillis),
		Raw:               raw,
	}

	switch msg.Kind {
	case message.KindText:
		if m.Text != nil {
			msg.Text = nonEmpty(m.Text.Body)
		}
	case message.KindImage:
		applyMedia(&msg, m.Image)
	case message.KindAudio:
		applyMedia(&msg, m.Audio)
	case message.KindDocument:
		applyMedia(&msg, m.Document)
	case message.KindSticker:
		applyMedia(&msg, m.Sticker)
	case message.KindVideo:
		applyMedia(&msg, m.Video)
	case message.KindInteractive:
		if reply := DecodeInteractive(m.Interactive); reply != nil {
			msg.Interactive = reply
			msg.Text = nonEmpty(reply.Title)
		}
	case message.KindButton:
		if m.Button != nil {
			id := strings.TrimSpace(m.Button.Payload)
			if id != "" {
				msg.Interactive = &message.Interactive{Type: "button", ID: id, Title: strings.TrimSpace(m.Button.Text)}
			}
			msg.Text = nonEmpty(m.Button.Text)
		}
	case message.KindReaction:
		if m.Reaction != nil {
			msg.Text = nonEmpty(m.Reaction.Emoji)
		}
	}

	return msg
}

// DecodeInteractive validates a button_reply or list_reply sub-payload and
// extracts its identifier. Any other shape yields nil.
func DecodeInteractive(raw json.RawMessage) *message.Interactive {
	if len(raw) == 0 {
		return nil
	}

	var payload struct {
		Type        string       `json:"type"`
		ButtonReply *replyObject `json:"button_reply"`
		ListReply   *replyObject `json:"list_reply"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil
	}

	var id, title string
	switch payload.Type {
	case "button_reply":
		if payload.ButtonReply == nil {
			return nil
		}
		id, title = payload.ButtonReply.ID, payload.ButtonReply.Title
	case "list_reply":
		if payload.ListReply == nil {
			return nil
		}
		id, title = payload.ListReply.ID, payload.ListReply.Title
	default:
		return nil
	}

	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}
	return &message.Interactive{Type: payload.Type, ID: id, Title: strings.TrimSpace(title)}
}

func applyMedia(msg *message.Normalized, media *mediaObject) {
	if media == nil {
		return
	}
	msg.MediaRef = nonEmpty(media.ID)
	msg.MimeType = strings.TrimSpace(media.MimeType)
	msg.Text = nonEmpty(media.Caption)
}

func parseTimestamp(value string, fallbackMillis int64) int64 {
	seconds, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || seconds <= 0 {
		return fallbackMillis
	}
	return seconds * 1000
}

func nonEmpty(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}
