package processor

import (
	"fmt"
	"strconv"
	"strings"

	"chatpipe/pkg/message"
)

const snoozePrefix = "reminder_snooze_"

var interactiveCommands = map[string]string{
	"onboarding_accept": "yes",
	"confirm_yes":       "yes",
	"confirm_no":        "no",
}

// ResolveInteractive maps a button or list reply to the text command it
// stands for. ok is false when msg is not an interactive reply or nothing
// usable could be derived from it.
func ResolveInteractive(msg message.Normalized) (message.Normalized, bool) {
	if msg.Interactive == nil {
		return msg, false
	}

	id := strings.TrimSpace(msg.Interactive.ID)
	if command, found := interactiveCommands[id]; found {
		return msg.WithReplacementText(command), true
	}
	if rest, found := strings.CutPrefix(id, snoozePrefix); found {
		if minutes, err := strconv.Atoi(rest); err == nil && minutes > 0 {
			return msg.WithReplacementText(fmt.Sprintf("snooze the reminder for %d minutes", minutes)), true
		}
	}

	if title := strings.TrimSpace(msg.Interactive.Title); title != "" {
		return msg.WithReplacementText(title), true
	}
	return msg, false
}
