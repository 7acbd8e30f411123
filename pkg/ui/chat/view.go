package chat

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

const (
	headerTitle = "📟 chatpipe sandbox"
	keyHelp     = "💡 Enter send  ·  PgUp/PgDn scroll  ·  End jump latest  ·  🛑 Ctrl+C/Esc quit"
)

func (m *model) View() string {
	if !m.sized {
		m.layout()
		m.sync(false)
	}
	switch {
	case m.mode == modeOneShot:
		return m.oneShotView()
	case m.booting:
		return m.bootView()
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		m.banner(m.runtimeLine()),
		m.theme.frame.Width(m.width-2).Render(m.viewport.View()),
		m.statusLine(),
		m.theme.inputLabel.Render("📱 "+orNA(m.runtime.Sender))+" "+m.theme.hint.Render("(type /exit, quit, or :q)"),
		m.theme.input.Width(m.width-2).Render(m.input.View()),
	)
}

// banner is the title, one meta line and a divider.
func (m *model) banner(meta string) string {
	inner := m.width - 2
	return lipgloss.JoinVertical(lipgloss.Left,
		m.theme.header.Width(inner).Render(headerTitle),
		m.theme.headerMeta.Render(meta),
		m.theme.divider.Width(inner).Render(strings.Repeat("═", max(8, inner))),
	)
}

func (m *model) runtimeLine() string {
	queue := "inline"
	if m.runtime.DurableQueue {
		queue = "durable"
	}
	t := m.log.totals
	return fmt.Sprintf("sender:%s · primary:%s · fallback:%s · queue:%s · turns:%d · tokens(in/out/total):%d/%d/%d",
		orNA(m.runtime.Sender), orNA(m.runtime.Primary), orNA(m.runtime.Fallback), queue,
		m.log.sent(), t.InputTokens, t.OutputTokens, t.TotalTokens)
}

func (m *model) statusLine() string {
	switch {
	case m.failure != "":
		return m.theme.statusErr.Render("🚨 last turn failed - try again")
	case m.waiting:
		return m.theme.statusBusy.Render(m.spinner.View() + " ⚡ running the pipeline...")
	default:
		return m.theme.status.Render(keyHelp)
	}
}

// oneShotView prints the message, then either the failure or every text
// reply joined into one card.
func (m *model) oneShotView() string {
	width := max(40, m.width-6)
	parts := []string{m.theme.render(roleInbound, m.first, width)}

	switch {
	case m.waiting:
		parts = append(parts, m.theme.statusBusy.Render(m.spinner.View()+" ⚡ sending message and waiting for replies..."))
		return lipgloss.JoinVertical(lipgloss.Left, parts...) + "\n"
	case m.failure != "":
		parts = append(parts, m.theme.render(roleError, strings.TrimSpace(m.failure), width))
	default:
		answer := strings.Join(m.log.textReplies(), "\n\n")
		if answer == "" {
			answer = m.theme.hint.Render("(no reply)")
		}
		parts = append(parts, m.theme.render(roleReply, answer, width))
	}
	return lipgloss.JoinVertical(lipgloss.Left, parts...) + "\n\n"
}

func (m *model) bootView() string {
	lines := make([]string, 0, len(bootSteps)+1)
	for _, step := range bootSteps[:min(m.bootStep, len(bootSteps))] {
		lines = append(lines, m.theme.bootLine.Render(step))
	}
	if m.bootStep > len(bootSteps) {
		lines = append(lines, m.theme.bootDone.Render("✅ sandbox online"))
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		m.banner("boot sequence"),
		m.theme.frame.Width(m.width-2).Render(strings.Join(lines, "\n")),
	)
}
