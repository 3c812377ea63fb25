package tui

import (
	"context"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/nathoo/mythcore/cli"
	"github.com/nathoo/mythcore/clock"
	"github.com/nathoo/mythcore/types"
)

// rawLine stores an unstyled output line with its classification,
// so we can re-wrap and re-style when the terminal is resized.
type rawLine struct {
	text    string
	kind    lineKind
	isInput bool // true for echoed operator input
}

// Model is the Bubble Tea model for the mythcore console.
type Model struct {
	ctx     context.Context
	console *cli.Console

	viewport viewport.Model
	input    textinput.Model
	history  *History

	rawLines []rawLine // accumulated output lines (unstyled, for re-wrapping)

	width    int
	height   int
	ready    bool
	trace    bool
	busy     bool
	quitting bool
	lastCmd  string
	lastNote string
}

// replyMsg carries the reply of a command into the Update loop.
type replyMsg struct {
	reply cli.Reply
}

// notifyMsg carries a notification published on the master bus.
type notifyMsg struct {
	n types.Notification
}

// New creates a TUI model over the given console.
func New(ctx context.Context, console *cli.Console) Model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Focus()
	ti.CharLimit = 512
	ti.PromptStyle = styleInputPrompt

	return Model{
		ctx:     ctx,
		console: console,
		input:   ti,
		history: NewHistory(100),
	}
}

// Run starts the Bubble Tea program. subscribe registers a notification
// listener and returns its cancel function; it may be nil.
func Run(ctx context.Context, console *cli.Console, subscribe func(func(types.Notification)) func()) error {
	m := New(ctx, console)
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithMouseCellMotion(), tea.WithContext(ctx))
	if subscribe != nil {
		unsubscribe := subscribe(func(n types.Notification) {
			p.Send(notifyMsg{n: n})
		})
		defer unsubscribe()
	}
	_, err := p.Run()
	return err
}

// Init shows the help and the game time.
func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.initialOutput())
}

func (m Model) initialOutput() tea.Cmd {
	return func() tea.Msg {
		lines := []string{"mythcore console. Type help for available commands."}
		if line := m.console.TimeLine(); line != "" {
			lines = append(lines, line)
		}
		return replyMsg{reply: cli.Reply{Lines: lines}}
	}
}

// Update handles messages (key presses, window resize, replies and
// notifications).
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		vpHeight := m.height - 2 // 1 status bar + 1 input line
		if vpHeight < 1 {
			vpHeight = 1
		}

		if !m.ready {
			m.viewport = viewport.New(m.width, vpHeight)
			m.viewport.KeyMap = viewportKeyMap()
			m.ready = true
		} else {
			m.viewport.Width = m.width
			m.viewport.Height = vpHeight
		}

		m.refreshViewport()

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			m.quitting = true
			return m, tea.Quit

		case "enter":
			return m.handleEnter()

		case "up":
			if prev, ok := m.history.Prev(); ok {
				m.input.SetValue(prev)
				m.input.CursorEnd()
			}
			return m, nil

		case "down":
			if next, ok := m.history.Next(); ok {
				m.input.SetValue(next)
				m.input.CursorEnd()
			} else {
				m.input.SetValue("")
				m.history.ResetCursor()
			}
			return m, nil

		case "pgup", "pgdown":
			var vpCmd tea.Cmd
			m.viewport, vpCmd = m.viewport.Update(msg)
			return m, vpCmd
		}

	case replyMsg:
		m.busy = false
		m = m.appendReply(msg.reply)
		if msg.reply.Quit {
			m.quitting = true
			return m, tea.Quit
		}

	case notifyMsg:
		m = m.notify(msg.n)
	}

	var inputCmd tea.Cmd
	m.input, inputCmd = m.input.Update(msg)
	cmds = append(cmds, inputCmd)

	return m, tea.Batch(cmds...)
}

// handleEnter processes the submitted input line. Commands run outside the
// Update loop; their reply comes back as a replyMsg.
func (m Model) handleEnter() (tea.Model, tea.Cmd) {
	input := strings.TrimSpace(m.input.Value())
	m.input.SetValue("")

	if input == "" {
		return m, nil
	}
	if m.busy {
		m = m.appendLines([]rawLine{{text: "A command is still running.", kind: kindSystem}})
		return m, nil
	}

	m.history.Push(input)
	m.history.ResetCursor()

	// Handle "again" / "g".
	lower := strings.ToLower(input)
	if lower == "again" || lower == "g" {
		if m.lastCmd == "" {
			m = m.echo(input)
			m = m.appendLines([]rawLine{{text: "Nothing to repeat.", kind: kindSystem}})
			return m, nil
		}
		input = m.lastCmd
	} else {
		m.lastCmd = input
	}
	m = m.echo(input)

	if cmd := strings.ToLower(input); cmd == "trace" || cmd == "/trace" {
		m.trace = !m.trace
		text := "Notification trace disabled."
		if m.trace {
			text = "Notification trace enabled."
		}
		m = m.appendLines([]rawLine{{text: text, kind: kindSystem}})
		return m, nil
	}

	m.busy = true
	return m, m.dispatch(input)
}

func (m Model) dispatch(input string) tea.Cmd {
	ctx, console := m.ctx, m.console
	return func() tea.Msg {
		return replyMsg{reply: console.Dispatch(ctx, input)}
	}
}

// notify records a notification in the status bar and, when tracing,
// in the output. Clock ticks only refresh the status bar.
func (m Model) notify(n types.Notification) Model {
	if n.Scope == clock.Scope {
		return m
	}
	m.lastNote = cli.FormatNotification(n)
	if m.trace {
		return m.appendLines([]rawLine{{text: m.lastNote, kind: kindNotification}})
	}
	return m
}

func (m Model) echo(input string) Model {
	m.rawLines = append(m.rawLines, rawLine{text: "> " + input, isInput: true})
	return m
}

// appendReply adds the lines of a reply and a blank separator.
func (m Model) appendReply(reply cli.Reply) Model {
	lines := make([]rawLine, 0, len(reply.Lines)+1)
	for _, line := range reply.Lines {
		kind := classifyLine(line)
		if reply.Failed {
			kind = kindError
		}
		lines = append(lines, rawLine{text: line, kind: kind})
	}
	lines = append(lines, rawLine{})
	return m.appendLines(lines)
}

func (m Model) appendLines(lines []rawLine) Model {
	m.rawLines = append(m.rawLines, lines...)
	m.refreshViewport()
	return m
}

// refreshViewport re-wraps and re-styles all raw lines at the current width
// and updates the viewport content.
func (m *Model) refreshViewport() {
	if !m.ready {
		return
	}

	width := m.width
	if width < 10 {
		width = 10
	}

	var styled []string
	for _, rl := range m.rawLines {
		if rl.text == "" {
			styled = append(styled, "")
			continue
		}

		wrapped := wordWrap(rl.text, width)
		if rl.isInput {
			styled = append(styled, stylePlayerInput.Render(wrapped))
			continue
		}
		styled = append(styled, renderLineKind(wrapped, rl.kind))
	}

	m.viewport.SetContent(strings.Join(styled, "\n"))
	m.viewport.GotoBottom()
}

// renderLineKind applies the style for a given lineKind.
func renderLineKind(line string, kind lineKind) string {
	switch kind {
	case kindRule:
		return styledRuleLine(line)
	case kindParam:
		return styleParam.Render(line)
	case kindSuccess:
		return styleSuccess.Render(line)
	case kindSystem:
		return styleSystem.Render(line)
	case kindError:
		return styleError.Render(line)
	case kindNotification:
		return styledSystemMsg(styleNotification.Render(line))
	default:
		return styleOutput.Render(line)
	}
}

// wordWrap wraps text to fit within the given width, breaking at word
// boundaries. Leading indentation is kept on the first line.
func wordWrap(text string, width int) string {
	if width <= 0 || len(text) <= width {
		return text
	}

	var result strings.Builder
	indent := text[:len(text)-len(strings.TrimLeft(text, " "))]
	words := strings.Fields(text)
	lineLen := 0

	for i, word := range words {
		wLen := len(word)

		if i == 0 {
			result.WriteString(indent + word)
			lineLen = len(indent) + wLen
			continue
		}

		if lineLen+1+wLen > width {
			result.WriteString("\n")
			result.WriteString(word)
			lineLen = wLen
		} else {
			result.WriteString(" ")
			result.WriteString(word)
			lineLen += 1 + wLen
		}
	}

	return result.String()
}

// View renders the full TUI layout: viewport + status bar + input.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if !m.ready {
		return "Loading..."
	}

	return m.viewport.View() + "\n" + m.renderStatusBar() + "\n" + m.input.View()
}

// viewportKeyMap returns a viewport keymap with Up/Down disabled
// (we use those for input history).
func viewportKeyMap() viewport.KeyMap {
	return viewport.KeyMap{
		PageDown:     key.NewBinding(key.WithKeys("pgdown")),
		PageUp:       key.NewBinding(key.WithKeys("pgup")),
		HalfPageDown: key.NewBinding(key.WithKeys("ctrl+d")),
		HalfPageUp:   key.NewBinding(key.WithKeys("ctrl+u")),
		Up:           key.NewBinding(key.WithDisabled()),
		Down:         key.NewBinding(key.WithDisabled()),
	}
}
