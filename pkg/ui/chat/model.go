package chat

import (
	"context"
	"strings"
	"time"

	"chatpipe/pkg/channel/sandbox"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

type mode int

const (
	modeInteractive mode = iota
	modeOneShot
)

// bootSteps play one per tick before the interactive prompt opens.
var bootSteps = []string{
	"[BOOT] opening conversation store",
	"[BOOT] attaching sandbox messenger",
	"[BOOT] warming provider circuits",
	"[BOOT] listening on message bus",
}

const (
	bootTick   = 80 * time.Millisecond
	wheelLines = 3
)

type turnDoneMsg struct {
	turn sandbox.Turn
	err  error
}

type bootTickMsg struct{}

type model struct {
	ctx     context.Context
	send    PromptFunc
	mode    mode
	first   string
	runtime RuntimeInfo

	theme    theme
	spinner  spinner.Model
	input    textinput.Model
	viewport viewport.Model
	log      transcript

	width, height int
	sized         bool
	waiting       bool
	failure       string
	bootStep      int
	booting       bool
	follow        bool
}

func newModel(ctx context.Context, send PromptFunc, runMode mode, prompt string, info RuntimeInfo) *model {
	spin := spinner.New()
	spin.Spinner = spinner.Points
	spin.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	in := textinput.New()
	in.Prompt = ""
	in.Placeholder = "Type a WhatsApp message..."
	in.CharLimit = 0
	in.Focus()

	return &model{
		ctx:      ctx,
		send:     send,
		mode:     runMode,
		first:    strings.TrimSpace(prompt),
		runtime:  info,
		theme:    defaultTheme(),
		spinner:  spin,
		input:    in,
		viewport: viewport.New(80, 12),
		width:    100,
		height:   28,
		booting:  runMode == modeInteractive,
		follow:   true,
	}
}

func (m *model) Init() tea.Cmd {
	if m.mode == modeOneShot && m.first != "" {
		return m.submit(m.first)
	}
	return tickBoot()
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.layout()
		m.sync(false)
		m.sized = true
		return m, nil
	case tea.MouseMsg:
		if m.mode == modeInteractive && !m.booting {
			m.onMouse(msg)
		}
		return m, nil
	case bootTickMsg:
		return m, m.onBootTick()
	case tea.KeyMsg:
		if cmd, handled := m.onKey(msg); handled {
			return m, cmd
		}
	case spinner.TickMsg:
		if !m.waiting {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case turnDoneMsg:
		m.waiting = false
		m.failure = ""
		if err := m.log.apply(msg.turn, msg.err); err != nil {
			m.failure = err.Error()
		}
		m.sync(false)
		if m.mode == modeOneShot {
			return m, tea.Quit
		}
		return m, nil
	}

	if m.mode != modeInteractive {
		return m, nil
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *model) onBootTick() tea.Cmd {
	if !m.booting {
		return nil
	}
	m.bootStep++
	if m.bootStep <= len(bootSteps) {
		return tickBoot()
	}
	m.booting = false
	return textinput.Blink
}

// onKey reports whether the key was consumed. Unconsumed keys go to the
// text input.
func (m *model) onKey(msg tea.KeyMsg) (tea.Cmd, bool) {
	key := msg.String()
	if key == "ctrl+c" || key == "esc" {
		return tea.Quit, true
	}
	if m.booting || m.mode == modeOneShot {
		return nil, true
	}
	if m.onScrollKey(key) {
		return nil, true
	}
	if key != "enter" {
		return nil, false
	}

	text := strings.TrimSpace(m.input.Value())
	switch {
	case m.waiting || text == "":
		return nil, true
	case isExitCommand(text):
		return tea.Quit, true
	}
	m.input.SetValue("")
	m.follow = true
	return m.submit(text), true
}

// submit shows text as the user's bubble and runs it through the pipeline.
func (m *model) submit(text string) tea.Cmd {
	m.failure = ""
	m.log.add(roleInbound, text)
	m.waiting = true
	m.sync(true)
	return tea.Batch(m.spinner.Tick, runTurn(m.ctx, m.send, text))
}

// applyTurn is the synchronous form of a turnDoneMsg.
func (m *model) applyTurn(turn sandbox.Turn, err error) {
	m.Update(turnDoneMsg{turn: turn, err: err})
}

func (m *model) onMouse(msg tea.MouseMsg) bool {
	if msg.Action != tea.MouseActionPress {
		return false
	}
	switch msg.Button {
	case tea.MouseButtonWheelUp:
		m.viewport.ScrollUp(wheelLines)
		m.follow = false
	case tea.MouseButtonWheelDown:
		m.viewport.ScrollDown(wheelLines)
		m.follow = m.follow || m.viewport.AtBottom()
	default:
		return false
	}
	return true
}

func (m *model) onScrollKey(key string) bool {
	switch key {
	case "pgup", "ctrl+b", "alt+up", "ctrl+up":
		m.viewport.PageUp()
		m.follow = false
	case "pgdown", "ctrl+f", "alt+down", "ctrl+down":
		m.viewport.PageDown()
		m.follow = m.follow || m.viewport.AtBottom()
	case "home":
		m.viewport.GotoTop()
		m.follow = false
	case "end":
		m.viewport.GotoBottom()
		m.follow = true
	default:
		return false
	}
	return true
}

func (m *model) layout() {
	w := max(50, m.width-6)
	chrome := 10
	if m.mode == modeOneShot {
		chrome = 6
	}
	m.viewport.Width = w
	m.viewport.Height = max(8, m.height-chrome)
	m.input.Width = w - 2
}

// sync re-renders the transcript into the viewport. Unless following or
// forced to the bottom, the reader keeps their scroll position.
func (m *model) sync(toBottom bool) {
	offset := m.viewport.YOffset
	m.viewport.SetContent(m.log.render(m.theme, m.viewport.Width))
	if m.follow || toBottom {
		m.follow = true
		m.viewport.GotoBottom()
		return
	}
	m.viewport.SetYOffset(min(offset, max(0, m.viewport.TotalLineCount()-m.viewport.Height)))
}

func tickBoot() tea.Cmd {
	return tea.Tick(bootTick, func(time.Time) tea.Msg { return bootTickMsg{} })
}

func runTurn(ctx context.Context, send PromptFunc, text string) tea.Cmd {
	return func() tea.Msg {
		turn, err := send(ctx, text)
		return turnDoneMsg{turn: turn, err: err}
	}
}

func isExitCommand(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "exit", "/exit", "quit", ":q":
		return true
	default:
		return false
	}
}
