// Package tui is Piperack's full-screen renderer: a bubbletea program that
// presents the engine's AppState (process list, selected log view, search,
// timeline) and turns terminal input into engine.Event values. It replaces
// the teacher's renderer package (A2Y-D5L-multiproc/renderer), which drew
// directly to the terminal from a []ProcessState snapshot rather than
// driving a persistent cooperative event loop.
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/piperack/piperack/engine"
)

// promptKind selects which text-entry overlay, if any, owns keystrokes.
type promptKind uint8

const (
	promptNone promptKind = iota
	promptSearch
	promptGroupTag
)

// frameMsg carries a fresh AppState snapshot from the engine loop into the
// bubbletea program, via Loop.SetOnFrame (see Run in run.go).
type frameMsg struct {
	app *engine.AppState
	mgr *engine.Manager
}

// Model is the bubbletea model driving Piperack's full-screen view. It
// never mutates engine state directly except by sending engine.Event
// values through send; all rendering reads come from the most recent
// frameMsg.
type Model struct {
	loop *engine.Loop
	send func(engine.Event)

	vp     viewport.Model
	input  textinput.Model
	prompt promptKind

	width, height int
	app           *engine.AppState
	mgr           *engine.Manager
}

// NewModel builds the initial Model for loop. The returned Model is passed
// to tea.NewProgram by Run.
func NewModel(loop *engine.Loop) Model {
	ti := textinput.New()
	ti.Prompt = "/ "
	return Model{
		loop:  loop,
		send:  loop.Send,
		vp:    viewport.New(80, 20),
		input: ti,
	}
}

func (m Model) Init() tea.Cmd { return nil }

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.vp.Width = msg.Width
		m.vp.Height = msg.Height - headerLines - footerLines
		return m, nil

	case frameMsg:
		m.app = msg.app
		m.mgr = msg.mgr
		m.vp.SetContent(m.renderSelectedLog())
		if m.app != nil && m.app.Selections[m.app.Selected].IsFollowing() {
			m.vp.GotoBottom()
		}
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.MouseMsg:
		return m.handleMouse(msg)
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.prompt != promptNone {
		return m.handlePromptKey(msg)
	}

	key := msg.String()
	if m.app != nil && m.app.InputMode && key != "ctrl+c" {
		// Input mode forwards raw keystrokes to the selected child's stdin
		// instead of interpreting them as bindings (spec §4.6's "at most
		// one process receives user input"); the engine still sees each key
		// so enter/esc can leave input mode.
		m.send(engine.EventInput{Kind: engine.InputKey, Key: key})
		m.send(engine.EventStdinInput{Data: []byte(key)})
		return m, nil
	}
	switch key {
	case "/":
		m.prompt = promptSearch
		m.input.Placeholder = "search (case-insensitive)"
		m.input.SetValue("")
		m.input.Focus()
		return m, nil
	case "g":
		m.prompt = promptGroupTag
		m.input.Placeholder = "tag to restart"
		m.input.SetValue("")
		m.input.Focus()
		return m, nil
	case "esc":
		m.send(engine.EventSearchClear{})
		return m, nil
	case "ctrl+c", "q":
		m.send(engine.EventInput{Kind: engine.InputKey, Key: "q"})
		return m, tea.Quit
	}

	m.send(engine.EventInput{Kind: engine.InputKey, Key: key})
	return m, nil
}

func (m Model) handlePromptKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "enter":
		value := m.input.Value()
		switch m.prompt {
		case promptSearch:
			m.send(engine.EventSearchQuery{Query: value, CaseSensitive: false})
		case promptGroupTag:
			m.send(engine.EventGroupRestart{Tag: value})
		}
		m.prompt = promptNone
		m.input.Blur()
		return m, nil
	case "esc":
		m.prompt = promptNone
		m.input.Blur()
		return m, nil
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) handleMouse(msg tea.MouseMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.MouseWheelUp:
		m.send(engine.EventInput{Kind: engine.InputMouseScroll, Delta: -mouseScrollLines})
	case tea.MouseWheelDown:
		m.send(engine.EventInput{Kind: engine.InputMouseScroll, Delta: mouseScrollLines})
	}
	return m, nil
}

const (
	headerLines      = 3
	footerLines      = 2
	mouseScrollLines = 3
)

func (m Model) View() string {
	if m.app == nil {
		return "piperack: starting…\n"
	}
	header := m.renderProcessList()
	body := m.vp.View()
	footer := m.renderFooter()
	return lipgloss.JoinVertical(lipgloss.Left, header, body, footer)
}

func (m Model) renderProcessList() string {
	var cols []string
	for pid := 0; pid < m.mgr.Count(); pid++ {
		spec := m.mgr.Spec(engine.ProcessID(pid))
		state := m.mgr.State(engine.ProcessID(pid))
		style := statusStyle(state.Status)
		if engine.ProcessID(pid) == m.app.Selected {
			style = style.Bold(true).Underline(true)
		}
		cols = append(cols, style.Render(fmt.Sprintf("%s [%s]", spec.Name, state.Status)))
	}
	return strings.Join(cols, "  ")
}

func (m Model) renderFooter() string {
	if m.prompt != promptNone {
		return m.input.View()
	}
	return helpStyle.Render("f follow · t timeline · r restart · k kill · / search · g group · ? help · q quit")
}

func (m Model) renderSelectedLog() string {
	if m.app == nil || m.mgr.Count() == 0 {
		return ""
	}
	pid := m.app.Selected
	buf := m.app.Store.Buffer(pid)
	var b strings.Builder
	if m.app.Timeline {
		m.app.Store.Timeline(0, m.app.Store.TimelineLen(), func(l engine.LogLine) bool {
			b.WriteString(m.mgr.Spec(l.ProcessID).Name)
			b.WriteString(": ")
			b.WriteString(engine.Render(l.Raw, m.app.RenderOpts))
			b.WriteByte('\n')
			return true
		})
		return b.String()
	}
	if dropped := buf.DroppedCount; dropped > 0 {
		b.WriteString(helpStyle.Render(fmt.Sprintf("(%d earlier lines dropped)\n", dropped)))
	}
	buf.Lines(0, buf.Len(), func(l engine.LogLine) bool {
		b.WriteString(engine.Render(l.Raw, m.app.RenderOpts))
		b.WriteByte('\n')
		return true
	})
	return b.String()
}
