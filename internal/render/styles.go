package render

import "github.com/charmbracelet/lipgloss"

var (
	// Colors
	ColorPrimary   = lipgloss.Color("#bd93f9") // Dracula Purple
	ColorSecondary = lipgloss.Color("#ff79c6") // Dracula Pink
	ColorSuccess   = lipgloss.Color("#50fa7b") // Dracula Green
	ColorWarning   = lipgloss.Color("#ffb86c") // Dracula Orange
	ColorText      = lipgloss.Color("#f8f8f2") // Dracula Foreground
	ColorSubtext   = lipgloss.Color("#6272a4") // Dracula Comment
	ColorPending   = lipgloss.Color("#44475a") // Dracula Selection

	TitleStyle = lipgloss.NewStyle().
			Foreground(ColorPrimary).
			Bold(true)

	LabelStyle = lipgloss.NewStyle().
			Foreground(ColorSubtext).
			Width(12)

	ValueStyle = lipgloss.NewStyle().
			Foreground(ColorText)

	PanelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorPending).
			Padding(0, 1)

	pendingStyle     = lipgloss.NewStyle().Foreground(ColorPending)
	downloadingStyle = lipgloss.NewStyle().Foreground(ColorSecondary)
	pausedStyle      = lipgloss.NewStyle().Foreground(ColorWarning)
	completedStyle   = lipgloss.NewStyle().Foreground(ColorSuccess)
)
