// Package router maps a normalized message to its processing pathway.
// Classification is pure: no I/O and no state.
package router

import (
	"regexp"
	"strings"

	"chatpipe/pkg/message"
)

// Pathway is the processing route chosen for a message.
type Pathway string

const (
	TextSimple          Pathway = "TEXT_SIMPLE"
	TextToolIntent      Pathway = "TEXT_TOOL_INTENT"
	RichInput           Pathway = "RICH_INPUT"
	RichInputToolIntent Pathway = "RICH_INPUT_TOOL_INTENT"
	StickerStandby      Pathway = "STICKER_STANDBY"
	Unsupported         Pathway = "UNSUPPORTED"
)

// InputClass groups pathways for metrics tagging.
func (p Pathway) InputClass() string {
	switch p {
	case TextSimple, TextToolIntent:
		return "text"
	case RichInput, RichInputToolIntent:
		return "rich"
	case StickerStandby:
		return "sticker"
	default:
		return "unsupported"
	}
}

// Routed is the classification result.
type Routed struct {
	Pathway Pathway `json:"pathway"`
	Reason  string  `json:"reason"`
}

var toolIntentPatterns = []*regexp.Regexp{
	// reminders
	regexp.MustCompile(`\b(remind(er)?s?|recu[eé]rda(me|le)?|recordatorio|av[ií]same|alarma|alarm)\b`),
	// meetings and calendar
	regexp.MustCompile(`\b(meeting|calendar|schedule|agenda(r)?|reuni[oó]n|cita|evento|event)\b`),
	// expenses
	regexp.MustCompile(`\b(expenses?|spent|gast[eéo]s?|pagu[eé])|\$\s?\d+`),
}

// HasToolIntent reports whether text matches a reminder, meeting or expense trigger.
func HasToolIntent(text string) bool {
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return false
	}
	for _, pattern := range toolIntentPatterns {
		if pattern.MatchString(normalized) {
			return true
		}
	}
	return false
}

// Classify routes one message. legacyRouting enables the tool-intent split.
func Classify(msg message.Normalized, legacyRouting bool) Routed {
	switch msg.Kind {
	case message.KindSticker:
		return Routed{Pathway: StickerStandby, Reason: "stickers are not processed"}
	case message.KindText:
		if legacyRouting && HasToolIntent(msg.TextValue()) {
			return Routed{Pathway: TextToolIntent, Reason: "text matched tool intent keywords"}
		}
		return Routed{Pathway: TextSimple, Reason: "plain text"}
	case message.KindAudio, message.KindImage, message.KindDocument:
		if legacyRouting && HasToolIntent(msg.TextValue()) {
			return Routed{Pathway: RichInputToolIntent, Reason: string(msg.Kind) + " caption matched tool intent keywords"}
		}
		return Routed{Pathway: RichInput, Reason: string(msg.Kind) + " input"}
	case message.KindVideo, message.KindLocation:
		return Routed{Pathway: Unsupported, Reason: string(msg.Kind) + " is not supported"}
	default:
		return Routed{Pathway: Unsupported, Reason: "unrecognized kind " + string(msg.Kind)}
	}
}
