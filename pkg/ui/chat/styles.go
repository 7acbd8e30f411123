package chat

import "github.com/charmbracelet/lipgloss"

// Transcript roles. Each one renders as its own card.
const (
	roleInbound   = "inbound"
	roleReply     = "reply"
	roleReaction  = "reaction"
	roleDuplicate = "duplicate"
	roleError     = "error"
)

// card is the label and box for one transcript role.
type card struct {
	label string
	title lipgloss.Style
	box   lipgloss.Style
}

type theme struct {
	header     lipgloss.Style
	headerMeta lipgloss.Style
	divider    lipgloss.Style
	bootLine   lipgloss.Style
	bootDone   lipgloss.Style
	status     lipgloss.Style
	statusBusy lipgloss.Style
	statusErr  lipgloss.Style
	hint       lipgloss.Style
	inputLabel lipgloss.Style
	input      lipgloss.Style
	frame      lipgloss.Style
	cards      map[string]card
}

// chat bubble palette: inbound on the right-hand green, replies on grey,
// pipeline side effects muted.
const (
	green     = lipgloss.Color("35")
	darkGreen = lipgloss.Color("22")
	teal      = lipgloss.Color("30")
	ink       = lipgloss.Color("16")
	paper     = lipgloss.Color("255")
	slate     = lipgloss.Color("238")
	mist      = lipgloss.Color("245")
	amber     = lipgloss.Color("178")
	red       = lipgloss.Color("167")
)

func newCard(label string, accent lipgloss.Color, border lipgloss.Border, fill lipgloss.Color) card {
	return card{
		label: label,
		title: lipgloss.NewStyle().Bold(true).Foreground(ink).Background(accent).Padding(0, 1),
		box:   lipgloss.NewStyle().Border(border).BorderForeground(accent).Background(fill).Padding(0, 1),
	}
}

func defaultTheme() theme {
	return theme{
		header:     lipgloss.NewStyle().Bold(true).Padding(0, 1).Foreground(paper).Background(darkGreen),
		headerMeta: lipgloss.NewStyle().Foreground(mist),
		divider:    lipgloss.NewStyle().Foreground(teal),
		bootLine:   lipgloss.NewStyle().Foreground(mist),
		bootDone:   lipgloss.NewStyle().Bold(true).Foreground(green),
		status:     lipgloss.NewStyle().Foreground(mist),
		statusBusy: lipgloss.NewStyle().Bold(true).Foreground(amber),
		statusErr:  lipgloss.NewStyle().Bold(true).Foreground(red),
		hint:       lipgloss.NewStyle().Foreground(mist).Italic(true),
		inputLabel: lipgloss.NewStyle().Bold(true).Foreground(green),
		input:      lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(green).Padding(0, 1),
		frame:      lipgloss.NewStyle().Border(lipgloss.NormalBorder()).BorderForeground(teal).Padding(0, 1),
		cards: map[string]card{
			roleInbound:   newCard("📱 you", green, lipgloss.RoundedBorder(), lipgloss.Color("234")),
			roleReply:     newCard("💬 reply", paper, lipgloss.RoundedBorder(), slate),
			roleReaction:  newCard("👆 reaction", amber, lipgloss.HiddenBorder(), lipgloss.Color("235")),
			roleDuplicate: newCard("♻️ duplicate", mist, lipgloss.HiddenBorder(), lipgloss.Color("235")),
			roleError:     newCard("🚨 error", red, lipgloss.DoubleBorder(), lipgloss.Color("52")),
		},
	}
}

// render draws body inside the card for role. Unknown roles fall back to the
// reply card.
func (t theme) render(role string, body string, width int) string {
	c, ok := t.cards[role]
	if !ok {
		c = t.cards[roleReply]
	}
	return lipgloss.JoinVertical(lipgloss.Left, c.title.Render(c.label), c.box.Width(width).Render(body))
}
