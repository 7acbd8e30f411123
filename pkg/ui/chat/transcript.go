package chat

import (
	"fmt"
	"strings"

	"chatpipe/pkg/bus"
	"chatpipe/pkg/channel/sandbox"
	providertypes "chatpipe/pkg/provider/types"
)

const duplicateNotice = "already processed, nothing sent"

// entry is one card in the transcript.
type entry struct {
	role  string
	body  string
	usage *providertypes.TokenUsage
}

// transcript is everything the sandbox user typed and the pipeline sent back,
// plus the running token totals.
type transcript struct {
	entries []entry
	totals  providertypes.TokenUsage
}

func (t *transcript) add(role, body string) int {
	t.entries = append(t.entries, entry{role: role, body: body})
	return len(t.entries) - 1
}

// apply records one pipeline turn. Usage is pinned to the last text reply.
// It returns the turn's failure, if any.
func (t *transcript) apply(turn sandbox.Turn, err error) error {
	if err == nil {
		err = turn.Err
	}

	lastText := -1
	for _, reply := range turn.Replies {
		if reply.Reaction != "" {
			t.add(roleReaction, reactionNote(reply))
			continue
		}
		lastText = t.add(roleReply, reply.Content)
	}
	if turn.Outcome == bus.EventMessageDuplicate {
		t.add(roleDuplicate, duplicateNotice)
	}
	if u := turn.Usage; u != nil {
		if lastText >= 0 {
			t.entries[lastText].usage = u
		}
		t.totals.InputTokens += u.InputTokens
		t.totals.OutputTokens += u.OutputTokens
		t.totals.TotalTokens += u.TotalTokens
	}
	if err != nil {
		t.add(roleError, err.Error())
	}
	return err
}

func (t *transcript) roles() []string {
	roles := make([]string, len(t.entries))
	for i, e := range t.entries {
		roles[i] = e.role
	}
	return roles
}

func (t *transcript) sent() int {
	n := 0
	for _, e := range t.entries {
		if e.role == roleInbound {
			n++
		}
	}
	return n
}

func (t *transcript) textReplies() []string {
	var out []string
	for _, e := range t.entries {
		if e.role == roleReply {
			out = append(out, strings.TrimSpace(e.body))
		}
	}
	return out
}

func (t *transcript) render(th theme, width int) string {
	cards := make([]string, 0, len(t.entries))
	for _, e := range t.entries {
		body := strings.TrimSpace(e.body)
		if e.usage != nil {
			body += "\n\n" + th.hint.Render(usageLine(*e.usage))
		}
		cards = append(cards, th.render(e.role, strings.TrimSpace(body), width))
	}
	return strings.Join(cards, "\n\n")
}

func reactionNote(reply bus.OutboundMessage) string {
	return fmt.Sprintf("reacted %s to %s", reply.Reaction, orNA(reply.ReplyTo))
}

func usageLine(u providertypes.TokenUsage) string {
	return fmt.Sprintf("tokens in/out/total: %d/%d/%d", u.InputTokens, u.OutputTokens, u.TotalTokens)
}

func orNA(value string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	return "n/a"
}
