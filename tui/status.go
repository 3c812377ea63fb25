package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// renderStatusBar produces a full-width inverted status line showing the
// console player, the game time and the last notification.
func (m Model) renderStatusBar() string {
	left := " " + m.console.Email
	if left == " " {
		left = " (no player)"
	}
	paused := false
	if clk := m.console.Clock; clk != nil {
		left += " | " + clk.Now().Format(time.DateTime)
		if clk.Paused() {
			left += " (paused)"
			paused = true
		}
	}
	if m.busy {
		left += " | running…"
	}

	right := ""
	if m.lastNote != "" {
		right = fmt.Sprintf("Last: %s ", m.lastNote)
		// Drop the notification when it does not fit.
		if lipgloss.Width(left)+lipgloss.Width(right)+2 > m.width {
			right = ""
		}
	}

	gap := m.width - lipgloss.Width(left) - lipgloss.Width(right)
	if gap < 0 {
		gap = 0
	}

	bar := left + strings.Repeat(" ", gap) + right
	style := styleStatusBar
	if paused {
		style = styleStatusPaused
	}
	return style.Width(m.width).Render(bar)
}
