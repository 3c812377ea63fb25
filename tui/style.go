package tui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Styles used throughout the TUI.
var (
	styleStatusBar = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("252")).
			Bold(true)

	styleStatusPaused = lipgloss.NewStyle().
				Background(lipgloss.Color("94")).
				Foreground(lipgloss.Color("230")).
				Bold(true)

	styleInputPrompt = lipgloss.NewStyle().
				Foreground(lipgloss.Color("34"))

	styleOutput = lipgloss.NewStyle().
			Foreground(lipgloss.Color("255"))

	styleRuleID = lipgloss.NewStyle().
			Bold(true)

	styleParam = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	styleSuccess = lipgloss.NewStyle().
			Foreground(lipgloss.Color("78"))

	styleSystem = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	styleError = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	stylePlayerInput = lipgloss.NewStyle().
				Foreground(lipgloss.Color("34"))

	styleNotification = lipgloss.NewStyle().
				Foreground(lipgloss.Color("228"))
)

// lineKind identifies the type of an output line for styling.
type lineKind int

const (
	kindOutput lineKind = iota
	kindRule
	kindParam
	kindSuccess
	kindSystem
	kindError
	kindNotification
)

// classifyLine determines what kind of command output line this is.
func classifyLine(line string) lineKind {
	switch {
	case strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]"):
		return kindSystem
	case strings.HasPrefix(line, "    "):
		return kindParam
	case strings.HasPrefix(line, "Game time:"),
		strings.HasPrefix(line, "Commands:"),
		strings.HasPrefix(line, "Selectors:"):
		return kindSystem
	case strings.Contains(line, " executed"),
		line == "Turn done.",
		strings.HasSuffix(line, "executables loaded."):
		return kindSuccess
	case isRuleLine(line):
		return kindRule
	default:
		return kindOutput
	}
}

// isRuleLine matches the "<rule> (<category>) on <target>" lines of a
// resolution.
func isRuleLine(line string) bool {
	id, rest, ok := strings.Cut(line, " (")
	if !ok || id == "" || strings.Contains(id, " ") {
		return false
	}
	return strings.Contains(rest, ") on ")
}

// styledRuleLine renders a resolution line with the rule id in bold.
func styledRuleLine(line string) string {
	id, rest, ok := strings.Cut(line, " ")
	if !ok {
		return styleRuleID.Render(line)
	}
	return styleRuleID.Render(id) + styleOutput.Render(" "+rest)
}

// styledSystemMsg renders a system message in gray with brackets.
func styledSystemMsg(text string) string {
	return styleSystem.Render("[" + text + "]")
}
