// Package chat is the terminal front end of the sandbox channel. It feeds
// typed lines into the pipeline and renders whatever the pipeline sent back.
package chat

import (
	"context"
	"fmt"

	"chatpipe/pkg/channel/sandbox"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// PromptFunc sends one line through the pipeline and returns what came back.
type PromptFunc func(ctx context.Context, prompt string) (sandbox.Turn, error)

// RuntimeInfo is shown in the header.
type RuntimeInfo struct {
	Sender       string
	Primary      string
	Fallback     string
	DurableQueue bool
}

const clearScreen = "\033[H\033[2J"

var farewell = lipgloss.NewStyle().
	Bold(true).
	Foreground(lipgloss.Color("230")).
	Background(lipgloss.Color("22")).
	Padding(1, 2)

// RunInteractive opens the full-screen sandbox until the user quits.
func RunInteractive(ctx context.Context, send PromptFunc, info RuntimeInfo) error {
	m := newModel(ctx, send, modeInteractive, "", info)
	if _, err := tea.NewProgram(m, tea.WithMouseCellMotion()).Run(); err != nil {
		return fmt.Errorf("sandbox ui: %w", err)
	}
	fmt.Print(clearScreen)
	fmt.Println(farewell.Render(fmt.Sprintf("📟 sandbox closed after %d messages", m.log.sent())))
	return nil
}

// RunOneShot sends prompt once, prints the replies and exits.
func RunOneShot(ctx context.Context, send PromptFunc, prompt string, info RuntimeInfo) error {
	if _, err := tea.NewProgram(newModel(ctx, send, modeOneShot, prompt, info)).Run(); err != nil {
		return fmt.Errorf("sandbox ui: %w", err)
	}
	return nil
}
